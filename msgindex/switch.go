// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package msgindex

import "github.com/brinedb/msgstore/types"

var (
	_ types.Index = (*Memory)(nil)
	_ types.Index = (*Disk)(nil)
)

// Switch copies every entry from src into dst and closes src, giving the
// coordinator an atomic (from the caller's perspective, since it runs
// under the single-writer lock) mode change between the in-memory and
// disk-resident backends: copy all entries, delete the source, flip
// the selector.
func Switch(src, dst types.Index) error {
	if err := src.ForEach(func(id types.MsgID, loc types.MsgLoc) error {
		return dst.Insert(id, loc)
	}); err != nil {
		return err
	}
	return src.Close()
}
