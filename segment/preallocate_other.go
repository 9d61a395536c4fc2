// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

//go:build !linux

package segment

import "os"

// preallocate falls back to a plain truncate on platforms without
// fallocate(2); it still reserves the logical file size.
func preallocate(f *os.File, size int64) error {
	if size <= 0 {
		return nil
	}
	return f.Truncate(size)
}
