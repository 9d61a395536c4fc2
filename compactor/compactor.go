// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package compactor

import (
	"fmt"
	"sort"

	"github.com/brinedb/msgstore/segment"
	"github.com/brinedb/msgstore/segsummary"
	"github.com/brinedb/msgstore/types"
)

// Compactor runs the delete-empty and combine passes
// against the segment directory, the segment summary table and the
// message location index. It assumes it is called with the
// coordinator's single-writer lock already held; it does no locking of
// its own beyond what Table and Index already provide.
type Compactor struct {
	dir string
	cap int64

	summary *segsummary.Table
	index   types.Index
	cache   *segment.ReaderCache
}

// New builds a Compactor over dir (the segment directory), capBytes
// (the per-segment soft size cap), the live segment summary table, the
// message location index and the coordinator's reader cache.
func New(dir string, capBytes int64, summary *segsummary.Table, index types.Index, cache *segment.ReaderCache) *Compactor {
	return &Compactor{dir: dir, cap: capBytes, summary: summary, index: index, cache: cache}
}

// Run executes one full compaction sweep over dirty: the delete-empty
// pass, then the combine pass, skipping currentAppendSeg in both (the
// segment still accepting writes is never a compaction target).
func (c *Compactor) Run(dirty map[uint64]struct{}, currentAppendSeg uint64) error {
	segs := make([]uint64, 0, len(dirty))
	for seg := range dirty {
		segs = append(segs, seg)
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i] < segs[j] })

	survivors, err := c.deleteEmptyPass(segs, currentAppendSeg)
	if err != nil {
		return err
	}
	return c.combinePass(survivors, currentAppendSeg)
}

// deleteEmptyPass unlinks and deletes every candidate segment whose
// valid-bytes is zero.
func (c *Compactor) deleteEmptyPass(segs []uint64, currentAppendSeg uint64) ([]uint64, error) {
	var survivors []uint64
	for _, seg := range segs {
		entry, err := c.summary.Lookup(seg)
		if err != nil {
			if err == types.ErrNotFound {
				continue // already gone, e.g. merged away by an earlier trigger
			}
			return nil, err
		}
		if entry.Valid != 0 || seg == currentAppendSeg {
			survivors = append(survivors, seg)
			continue
		}

		c.cache.Evict(seg)
		if entry.Left != nil {
			l, lerr := c.summary.Lookup(*entry.Left)
			if lerr == nil {
				l.Right = entry.Right
				c.summary.Update(*entry.Left, l)
			}
		}
		if entry.Right != nil {
			r, rerr := c.summary.Lookup(*entry.Right)
			if rerr == nil {
				r.Left = entry.Left
				c.summary.Update(*entry.Right, r)
			}
		}
		if err := segment.Delete(c.dir, seg); err != nil {
			return nil, err
		}
		c.summary.Delete(seg)
	}
	return survivors, nil
}

// combinePass tries, for every surviving segment, to absorb into its
// left neighbour or absorb its right neighbour, whichever fits the
// size cap. Records always move from a higher-numbered segment into a
// lower-numbered one, which bounds how many times any record can be
// rewritten.
func (c *Compactor) combinePass(survivors []uint64, currentAppendSeg uint64) error {
	consumed := make(map[uint64]struct{})

	for _, seg := range survivors {
		if _, done := consumed[seg]; done {
			continue
		}
		if seg == currentAppendSeg {
			// Never move records out of the segment still accepting
			// appends; its open write handle belongs to the coordinator.
			continue
		}
		entry, err := c.summary.Lookup(seg)
		if err != nil {
			continue
		}

		if entry.Left != nil && *entry.Left != currentAppendSeg {
			l, lerr := c.summary.Lookup(*entry.Left)
			if lerr == nil && l.Valid+entry.Valid <= uint64(c.cap) {
				if err := c.combine(*entry.Left, seg); err != nil {
					return err
				}
				consumed[seg] = struct{}{}
				continue
			}
		}
		if entry.Right != nil && *entry.Right != currentAppendSeg {
			r, rerr := c.summary.Lookup(*entry.Right)
			if rerr == nil && entry.Valid+r.Valid <= uint64(c.cap) {
				if err := c.combine(seg, *entry.Right); err != nil {
					return err
				}
				consumed[*entry.Right] = struct{}{}
			}
		}
	}
	return nil
}

// combine absorbs src into dst (dst < src always). It is the single
// implementation behind both the absorb-into-left and absorb-right
// cases of the combine pass.
func (c *Compactor) combine(dst, src uint64) error {
	c.cache.Evict(dst)
	c.cache.Evict(src)

	dstEntry, err := c.summary.Lookup(dst)
	if err != nil {
		return err
	}
	srcEntry, err := c.summary.Lookup(src)
	if err != nil {
		return err
	}

	dstFile, err := segment.Open(segment.SegmentPath(c.dir, dst), dst, c.cap, int64(dstEntry.ContigPrefix))
	if err != nil {
		return fmt.Errorf("compactor: open destination segment %d: %w", dst, err)
	}
	defer dstFile.Close()

	if dstEntry.ContigPrefix < dstEntry.Valid {
		if err := c.rewriteHoles(dstFile, dst, dstEntry); err != nil {
			return err
		}
	}

	newValid, err := c.streamInto(dstFile, dst, src)
	if err != nil {
		return err
	}
	if err := dstFile.Sync(); err != nil {
		return fmt.Errorf("compactor: sync destination segment %d: %w", dst, err)
	}

	merged := segsummary.Entry{
		Valid:        newValid,
		ContigPrefix: newValid,
		Left:         dstEntry.Left,
		Right:        srcEntry.Right,
	}
	c.summary.Update(dst, merged)
	if srcEntry.Right != nil {
		r, rerr := c.summary.Lookup(*srcEntry.Right)
		if rerr == nil {
			r.Left = segsummary.Uint64P(dst)
			c.summary.Update(*srcEntry.Right, r)
		}
	}
	c.summary.Delete(src)

	if err := segment.Delete(c.dir, src); err != nil {
		return err
	}
	return nil
}

// rewriteHoles closes up the holes in dst before it absorbs anything:
// the live bytes above the contiguous prefix are copied through a
// ".rdt" temp file, the destination is truncated down to its
// contiguous prefix and preallocated back up, and the temp contents
// are appended back in order. If the process dies mid-rewrite, the
// orphaned temp file is classified against the destination on restart
// and replayed or discarded.
func (c *Compactor) rewriteHoles(dstFile *segment.File, dst uint64, dstEntry segsummary.Entry) error {
	moved, err := c.liveRecordsAbove(dst, dstEntry.ContigPrefix)
	if err != nil {
		return err
	}
	if len(moved) == 0 {
		return nil
	}

	tempPath := segment.TempPath(c.dir, dst)
	tempCap := int64(dstEntry.Valid-dstEntry.ContigPrefix) + int64(len(moved))*int64(types.FramingOverhead)
	tempFile, err := segment.Create(tempPath, dst, tempCap)
	if err != nil {
		return fmt.Errorf("compactor: create rewrite temp for segment %d: %w", dst, err)
	}

	type tempRecord struct {
		id         types.MsgID
		offset     int64
		size       uint32
		refcount   uint32
		persistent bool
	}
	recs := make([]tempRecord, 0, len(moved))
	for _, lr := range moved {
		payload, persistent, err := dstFile.ReadAt(int64(lr.loc.Offset), lr.loc.Size)
		if err != nil {
			tempFile.Close()
			return err
		}
		_, off, err := tempFile.Append(lr.id, payload, persistent)
		if err != nil {
			tempFile.Close()
			return err
		}
		recs = append(recs, tempRecord{id: lr.id, offset: off, size: lr.loc.Size, refcount: lr.loc.Refcount, persistent: persistent})
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return err
	}

	if err := dstFile.TruncateAndExtend(int64(dstEntry.ContigPrefix), int64(dstEntry.Valid)); err != nil {
		tempFile.Close()
		return err
	}

	for _, r := range recs {
		payload, persistent, err := tempFile.ReadAt(r.offset, r.size)
		if err != nil {
			tempFile.Close()
			return err
		}
		newSize, newOffset, err := dstFile.Append(r.id, payload, persistent)
		if err != nil {
			tempFile.Close()
			return err
		}
		if err := c.index.Insert(r.id, types.MsgLoc{
			Segment:    dst,
			Offset:     uint32(newOffset),
			Size:       newSize,
			Refcount:   r.refcount,
			Persistent: r.persistent,
		}); err != nil {
			tempFile.Close()
			return err
		}
	}
	if err := dstFile.Sync(); err != nil {
		tempFile.Close()
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}
	return segment.DeleteTemp(c.dir, dst)
}

type liveRecord struct {
	id  types.MsgID
	loc types.MsgLoc
}

// liveRecordsAbove returns seg's live records with Offset >= floor,
// sorted ascending by offset.
func (c *Compactor) liveRecordsAbove(seg uint64, floor uint64) ([]liveRecord, error) {
	m, err := c.index.MatchBySegment(seg)
	if err != nil {
		return nil, err
	}
	out := make([]liveRecord, 0, len(m))
	for id, loc := range m {
		if uint64(loc.Offset) >= floor {
			out = append(out, liveRecord{id: id, loc: loc})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].loc.Offset < out[j].loc.Offset })
	return out, nil
}

// allLiveRecords returns every live record of seg sorted ascending by
// offset, used to stream a source segment's contents into a
// destination in order.
func (c *Compactor) allLiveRecords(seg uint64) ([]liveRecord, error) {
	return c.liveRecordsAbove(seg, 0)
}

// streamInto copies src's live records, in ascending offset order, onto
// the end of dstFile, rewriting each MsgLoc to its new destination
// offset. Because dstFile appends sequentially, adjacent live records
// coalesce into one contiguous run with no further bookkeeping. It
// returns the combined valid-byte total for dst.
func (c *Compactor) streamInto(dstFile *segment.File, dst, src uint64) (uint64, error) {
	dstEntry, err := c.summary.Lookup(dst)
	if err != nil {
		return 0, err
	}
	total := dstEntry.Valid

	srcPath := segment.SegmentPath(c.dir, src)
	srcRecords, err := c.allLiveRecords(src)
	if err != nil {
		return 0, err
	}

	srcFile, err := segment.Open(srcPath, src, c.cap, 0)
	if err != nil {
		return 0, fmt.Errorf("compactor: open source segment %d: %w", src, err)
	}
	defer srcFile.Close()

	for _, lr := range srcRecords {
		payload, persistent, err := srcFile.ReadAt(int64(lr.loc.Offset), lr.loc.Size)
		if err != nil {
			return 0, err
		}
		newSize, newOffset, err := dstFile.Append(lr.id, payload, persistent)
		if err != nil {
			return 0, err
		}
		if err := c.index.Insert(lr.id, types.MsgLoc{
			Segment:    dst,
			Offset:     uint32(newOffset),
			Size:       newSize,
			Refcount:   lr.loc.Refcount,
			Persistent: persistent,
		}); err != nil {
			return 0, err
		}
		total += uint64(newSize) + uint64(types.FramingOverhead)
	}
	return total, nil
}
