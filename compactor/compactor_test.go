// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package compactor

import (
	"testing"

	"github.com/brinedb/msgstore/msgindex"
	"github.com/brinedb/msgstore/segment"
	"github.com/brinedb/msgstore/segsummary"
	"github.com/brinedb/msgstore/types"
	"github.com/stretchr/testify/require"
)

// recordBytes is the full on-disk length of one record with a payload
// of payloadSize bytes: the 16-byte id plus payload plus framing.
func recordBytes(payloadSize int) int {
	return 16 + payloadSize + int(types.FramingOverhead)
}

// writeSegment creates a sealed segment file directly (bypassing the
// coordinator) containing n records of payloadSize bytes each, and
// seeds the summary table and index to match, returning the msg-ids in
// publish order.
func writeSegment(t *testing.T, dir string, summary *segsummary.Table, index types.Index, seg uint64, n int, payloadSize int) []types.MsgID {
	t.Helper()
	capBytes := int64(recordBytes(payloadSize)*n + 4096)
	f, err := segment.Create(segment.SegmentPath(dir, seg), seg, capBytes)
	require.NoError(t, err)

	ids := make([]types.MsgID, n)
	var valid uint64
	for i := 0; i < n; i++ {
		id := types.NewMsgID()
		ids[i] = id
		payload := make([]byte, payloadSize)
		size, offset, err := f.Append(id, payload, true)
		require.NoError(t, err)
		require.NoError(t, index.InsertNew(id, types.MsgLoc{Segment: seg, Offset: uint32(offset), Size: size, Refcount: 1, Persistent: true}))
		valid += uint64(size) + uint64(types.FramingOverhead)
	}
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	summary.Insert(seg, segsummary.Entry{Valid: valid, ContigPrefix: valid})
	return ids
}

func TestDeleteEmptyPassUnlinksAndRemovesZeroValidSegment(t *testing.T) {
	dir := t.TempDir()
	summary := segsummary.New()
	index := msgindex.NewMemory()

	writeSegment(t, dir, summary, index, 1, 2, 10)
	// Segment 2 is emptied out: no live records, but still present.
	f, err := segment.Create(segment.SegmentPath(dir, 2), 2, 4096)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	summary.Insert(2, segsummary.Entry{Valid: 0, ContigPrefix: 0, Left: segsummary.Uint64P(1)})

	e1, _ := summary.Lookup(1)
	e1.Right = segsummary.Uint64P(2)
	summary.Update(1, e1)

	cache, err := segment.NewReaderCache(dir, 8)
	require.NoError(t, err)

	c := New(dir, 4096, summary, index, cache)
	survivors, err := c.deleteEmptyPass([]uint64{2}, 99)
	require.NoError(t, err)
	require.Empty(t, survivors)

	_, err = summary.Lookup(2)
	require.ErrorIs(t, err, types.ErrNotFound)

	e1, err = summary.Lookup(1)
	require.NoError(t, err)
	require.Nil(t, e1.Right)

	require.False(t, segment.Exists(dir, 2))
}

func TestCombinePassMergesSmallNeighboursLeftward(t *testing.T) {
	dir := t.TempDir()
	summary := segsummary.New()
	index := msgindex.NewMemory()

	idsA := writeSegment(t, dir, summary, index, 1, 3, 50)
	idsB := writeSegment(t, dir, summary, index, 2, 3, 50)

	e1, _ := summary.Lookup(1)
	e1.Right = segsummary.Uint64P(2)
	summary.Update(1, e1)
	e2, _ := summary.Lookup(2)
	e2.Left = segsummary.Uint64P(1)
	summary.Update(2, e2)

	cache, err := segment.NewReaderCache(dir, 8)
	require.NoError(t, err)

	// Cap big enough for both segments combined.
	cap := int64(2 * 3 * recordBytes(50))
	c := New(dir, cap, summary, index, cache)

	require.NoError(t, c.combinePass([]uint64{1, 2}, 99))

	// Segment 2 should be gone, merged into 1.
	require.False(t, segment.Exists(dir, 2))
	_, err = summary.Lookup(2)
	require.ErrorIs(t, err, types.ErrNotFound)

	merged, err := summary.Lookup(1)
	require.NoError(t, err)
	require.Equal(t, merged.Valid, merged.ContigPrefix)
	require.EqualValues(t, 6*recordBytes(50), merged.Valid)

	for _, id := range append(append([]types.MsgID{}, idsA...), idsB...) {
		loc, err := index.Get(id)
		require.NoError(t, err)
		require.EqualValues(t, 1, loc.Segment)
	}
}

func TestCombineRewritesHolesBeforeAbsorbing(t *testing.T) {
	dir := t.TempDir()
	summary := segsummary.New()
	index := msgindex.NewMemory()

	ids := writeSegment(t, dir, summary, index, 1, 4, 50)
	// Ack the second record, leaving a hole in the middle of segment 1.
	require.NoError(t, index.Delete(ids[1]))
	e1, _ := summary.Lookup(1)
	oneRecord := uint64(recordBytes(50))
	e1.Valid -= oneRecord
	e1.ContigPrefix = oneRecord // only the first record is contiguous from offset 0
	e1.Right = segsummary.Uint64P(2)
	summary.Update(1, e1)

	idsB := writeSegment(t, dir, summary, index, 2, 1, 50)
	e2, _ := summary.Lookup(2)
	e2.Left = segsummary.Uint64P(1)
	summary.Update(2, e2)

	cache, err := segment.NewReaderCache(dir, 8)
	require.NoError(t, err)

	cap := int64(8 * recordBytes(50))
	c := New(dir, cap, summary, index, cache)
	require.NoError(t, c.combinePass([]uint64{1, 2}, 99))

	require.False(t, segment.Exists(dir, 2))
	merged, err := summary.Lookup(1)
	require.NoError(t, err)
	require.Equal(t, merged.Valid, merged.ContigPrefix, "destination must be fully contiguous after a hole rewrite")
	require.EqualValues(t, 4*int(oneRecord), merged.Valid)

	for _, id := range []types.MsgID{ids[0], ids[2], ids[3], idsB[0]} {
		loc, err := index.Get(id)
		require.NoError(t, err)
		require.EqualValues(t, 1, loc.Segment)
	}
	_, err = index.Get(ids[1])
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestCurrentAppendSegmentNeverCombined(t *testing.T) {
	dir := t.TempDir()
	summary := segsummary.New()
	index := msgindex.NewMemory()

	writeSegment(t, dir, summary, index, 1, 1, 50)
	writeSegment(t, dir, summary, index, 2, 1, 50)
	e1, _ := summary.Lookup(1)
	e1.Right = segsummary.Uint64P(2)
	summary.Update(1, e1)
	e2, _ := summary.Lookup(2)
	e2.Left = segsummary.Uint64P(1)
	summary.Update(2, e2)

	cache, err := segment.NewReaderCache(dir, 8)
	require.NoError(t, err)

	cap := int64(8 * recordBytes(50))
	c := New(dir, cap, summary, index, cache)
	// Segment 2 is the current append segment: it must survive untouched.
	require.NoError(t, c.combinePass([]uint64{1, 2}, 2))

	require.True(t, segment.Exists(dir, 2))
	_, err = summary.Lookup(2)
	require.NoError(t, err)
}

// TestCompactionUtilisation checks the utilisation guarantee: once a
// sweep quiesces, no two neighbouring segments may both sit below half
// the size cap.
func TestCompactionUtilisation(t *testing.T) {
	dir := t.TempDir()
	summary := segsummary.New()
	index := msgindex.NewMemory()

	// Four segments each just under half the cap.
	for seg := uint64(1); seg <= 4; seg++ {
		writeSegment(t, dir, summary, index, seg, 3, 50)
		e, _ := summary.Lookup(seg)
		if seg > 1 {
			e.Left = segsummary.Uint64P(seg - 1)
		}
		if seg < 4 {
			e.Right = segsummary.Uint64P(seg + 1)
		}
		summary.Update(seg, e)
	}

	cache, err := segment.NewReaderCache(dir, 8)
	require.NoError(t, err)

	cap := int64(2*3*recordBytes(50) + recordBytes(50))
	c := New(dir, cap, summary, index, cache)

	dirty := map[uint64]struct{}{1: {}, 2: {}, 3: {}, 4: {}}
	require.NoError(t, c.Run(dirty, 99))

	half := uint64(cap) / 2
	require.NoError(t, summary.Iterate(func(seg uint64, e segsummary.Entry) error {
		if e.Right == nil || e.Valid >= half {
			return nil
		}
		r, err := summary.Lookup(*e.Right)
		require.NoError(t, err)
		require.GreaterOrEqualf(t, r.Valid, half,
			"segments %d and %d are both under half the cap after compaction", seg, *e.Right)
		return nil
	}))
	require.Less(t, summary.Len(), 4, "compaction must reduce the segment count")
}

func TestDirtySetDrainIsIdempotent(t *testing.T) {
	d := NewDirtySet()
	d.Mark(1)
	d.Mark(2)
	d.Mark(1)
	require.Equal(t, 2, d.Len())

	got := d.Drain()
	require.Len(t, got, 2)
	require.Equal(t, 0, d.Len())
	require.Empty(t, d.Drain())
}
