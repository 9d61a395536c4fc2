// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"os"
	"testing"

	"github.com/brinedb/msgstore/types"
	"github.com/stretchr/testify/require"
)

func TestAppendReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	f, err := Create(SegmentPath(dir, 1), 1, 1<<20)
	require.NoError(t, err)
	defer f.Close()

	id := types.NewMsgID()
	size, offset, err := f.Append(id, []byte("hello world"), true)
	require.NoError(t, err)
	require.EqualValues(t, 16+len("hello world"), size, "stored size covers id bytes plus payload")
	require.EqualValues(t, 0, offset)

	require.NoError(t, f.Sync())

	payload, persistent, err := f.ReadAt(offset, size)
	require.NoError(t, err)
	require.True(t, persistent)
	require.Equal(t, "hello world", string(payload))
}

func TestScanSkipsCorruptRegions(t *testing.T) {
	dir := t.TempDir()
	path := SegmentPath(dir, 1)
	f, err := Create(path, 1, 1<<20)
	require.NoError(t, err)

	ids := make([]types.MsgID, 3)
	for i := range ids {
		ids[i] = types.NewMsgID()
		_, _, err := f.Append(ids[i], []byte("payload"), i%2 == 0)
		require.NoError(t, err)
	}
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	// Corrupt the terminator byte of the first record by re-opening the
	// file directly and flipping a byte inside its frame.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	// First record occupies [0, frameSize). Corrupt its terminator.
	firstLen := frameSize(16, len("payload"))
	raw[firstLen-1] = 0x01
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	records, contiguousEnd, err := Scan(path)
	require.NoError(t, err)
	require.Len(t, records, 2, "the corrupted record should be skipped")
	require.EqualValues(t, 0, contiguousEnd, "a corrupt leading record breaks the contiguous prefix")
}

func TestTruncateAndExtend(t *testing.T) {
	dir := t.TempDir()
	f, err := Create(SegmentPath(dir, 1), 1, 1<<20)
	require.NoError(t, err)
	defer f.Close()

	id := types.NewMsgID()
	_, _, err = f.Append(id, []byte("abc"), true)
	require.NoError(t, err)
	require.NoError(t, f.Sync())

	end := f.EndOffset()
	require.NoError(t, f.TruncateAndExtend(0, end+1024))
	require.EqualValues(t, 0, f.EndOffset())

	info, err := os.Stat(f.Path())
	require.NoError(t, err)
	require.True(t, info.Size() >= end+1024 || info.Size() == end+1024)
}

func TestReaderCacheEvictsLRU(t *testing.T) {
	dir := t.TempDir()
	for i := uint64(1); i <= 3; i++ {
		f, err := Create(SegmentPath(dir, i), i, 1<<20)
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}

	rc, err := NewReaderCache(dir, 2)
	require.NoError(t, err)
	defer rc.Close()

	_, err = rc.Get(1)
	require.NoError(t, err)
	_, err = rc.Get(2)
	require.NoError(t, err)
	_, err = rc.Get(3)
	require.NoError(t, err)

	require.Equal(t, 2, rc.Len())
}

func TestSegmentListing(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(SegmentPath(dir, 1), nil, 0o644))
	require.NoError(t, os.WriteFile(TempPath(dir, 2), nil, 0o644))

	segs, temps, err := List(dir)
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, segs)
	require.Equal(t, []uint64{2}, temps)
}
