// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// SegmentExt and TempExt are the on-disk filename extensions:
// ".rdq" for a live segment, ".rdt" for a compaction temp file.
const (
	SegmentExt = ".rdq"
	TempExt    = ".rdt"
)

// SegmentPath returns the filesystem path for segment number within dir.
func SegmentPath(dir string, number uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d%s", number, SegmentExt))
}

// TempPath returns the filesystem path for the compaction temp file
// associated with segment number within dir.
func TempPath(dir string, number uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d%s", number, TempExt))
}

// List returns every segment number with a ".rdq" file in dir, and every
// segment number with an orphaned ".rdt" temp file, both sorted
// ascending. Used by recovery.
func List(dir string) (segments, temps []uint64, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("list segment dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		switch {
		case strings.HasSuffix(name, SegmentExt):
			n, perr := strconv.ParseUint(strings.TrimSuffix(name, SegmentExt), 10, 64)
			if perr == nil {
				segments = append(segments, n)
			}
		case strings.HasSuffix(name, TempExt):
			n, perr := strconv.ParseUint(strings.TrimSuffix(name, TempExt), 10, 64)
			if perr == nil {
				temps = append(temps, n)
			}
		}
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i] < segments[j] })
	sort.Slice(temps, func(i, j int) bool { return temps[i] < temps[j] })
	return segments, temps, nil
}

// Delete removes the segment file for number from dir. It is not an
// error if the file is already gone.
func Delete(dir string, number uint64) error {
	if err := os.Remove(SegmentPath(dir, number)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete segment %d: %w", number, err)
	}
	return nil
}

// DeleteTemp removes the compaction temp file for number from dir. It
// is not an error if the file is already gone.
func DeleteTemp(dir string, number uint64) error {
	if err := os.Remove(TempPath(dir, number)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete temp %d: %w", number, err)
	}
	return nil
}

// Exists reports whether the segment file for number exists in dir.
func Exists(dir string, number uint64) bool {
	_, err := os.Stat(SegmentPath(dir, number))
	return err == nil
}

// TempExists reports whether the compaction temp file for number exists
// in dir.
func TempExists(dir string, number uint64) bool {
	_, err := os.Stat(TempPath(dir, number))
	return err == nil
}
