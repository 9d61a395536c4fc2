// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package msgindex

import (
	"encoding/binary"
	"fmt"

	"github.com/brinedb/msgstore/types"
)

// encodeMsgLoc renders a MsgLoc into its fixed types.MsgLocSize byte
// encoding for storage in the bbolt-backed Disk index.
func encodeMsgLoc(loc types.MsgLoc) []byte {
	buf := make([]byte, types.MsgLocSize)
	binary.BigEndian.PutUint64(buf[0:8], loc.Segment)
	binary.BigEndian.PutUint32(buf[8:12], loc.Offset)
	binary.BigEndian.PutUint32(buf[12:16], loc.Size)
	binary.BigEndian.PutUint32(buf[16:20], loc.Refcount)
	if loc.Persistent {
		buf[20] = 1
	}
	return buf
}

func decodeMsgLoc(b []byte) (types.MsgLoc, error) {
	if len(b) != types.MsgLocSize {
		return types.MsgLoc{}, fmt.Errorf("%w: bad msgloc encoding length %d", types.ErrCorrupt, len(b))
	}
	return types.MsgLoc{
		Segment:    binary.BigEndian.Uint64(b[0:8]),
		Offset:     binary.BigEndian.Uint32(b[8:12]),
		Size:       binary.BigEndian.Uint32(b[12:16]),
		Refcount:   binary.BigEndian.Uint32(b[16:20]),
		Persistent: b[20] != 0,
	}, nil
}
