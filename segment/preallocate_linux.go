// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

//go:build linux

package segment

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocate grows f to size bytes without writing zeroes to every
// block, so the filesystem reserves contiguous extents up front.
func preallocate(f *os.File, size int64) error {
	if size <= 0 {
		return nil
	}
	if err := unix.Fallocate(int(f.Fd()), 0, 0, size); err != nil {
		// Some filesystems (tmpfs, certain overlay mounts) reject
		// fallocate; fall back to a plain truncate which still reserves
		// the logical size even if it doesn't avoid fragmentation.
		return f.Truncate(size)
	}
	return nil
}
