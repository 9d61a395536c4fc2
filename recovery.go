// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package msgstore

import (
	"fmt"
	"os"
	"sort"

	"github.com/go-kit/log/level"

	"github.com/brinedb/msgstore/segment"
	"github.com/brinedb/msgstore/segsummary"
	"github.com/brinedb/msgstore/types"
)

// recover runs the crash-recovery protocol once, from Open, before the
// run goroutine starts accepting operations. It is
// single-threaded by construction (nothing else touches the Store yet),
// so every field below is written directly rather than through a
// command.
func (s *Store) recover() error {
	segs, temps, err := segment.List(s.dir)
	if err != nil {
		return err
	}

	// Classify every orphaned compaction temp file before
	// anything else reads the segments it might still be mid-rewrite
	// against.
	for _, t := range temps {
		if err := s.reconcileTemp(t); err != nil {
			return err
		}
	}

	if len(segs) == 0 {
		return s.openTailSegment(0, 0)
	}

	// Rebuilding the index needs, for every message-id, how many durable
	// queue rows reference it; that count becomes the rebuilt MsgLoc
	// entry's refcount.
	refs, err := s.buildQueueRefcounts()
	if err != nil {
		return err
	}

	type segScan struct {
		number  uint64
		records []types.ScanRecord
	}

	tailNum := segs[len(segs)-1]
	scans := make([]segScan, len(segs))
	var tailContigEnd int64

	for i, segNum := range segs {
		records, contigEnd, serr := segment.Scan(segment.SegmentPath(s.dir, segNum))
		if serr != nil {
			return fmt.Errorf("recovery: scan segment %d: %w", segNum, serr)
		}
		if segNum == tailNum {
			// The tail is the segment that was open for append at
			// crash time: anything past its own well-framed run may be
			// a torn write, so it is dropped from consideration here
			// and physically truncated away below rather than risked
			// as a future append target.
			tailContigEnd = contigEnd
			kept := records[:0:0]
			for _, r := range records {
				if int64(r.Offset)+int64(r.FrameSize) <= contigEnd {
					kept = append(kept, r)
				}
			}
			records = kept
		}
		scans[i] = segScan{segNum, records}
	}

	// Index and summary rebuild, combined: walk every segment's well-framed
	// records in file order, keeping the first live copy of each
	// message-id and discarding any later duplicate (a combine can die
	// after filling the destination but before deleting the source,
	// leaving both copies); segments are visited in ascending order and a
	// combine destination is always lower-numbered than its source, so
	// first-wins naturally prefers the surviving destination copy.
	claimed := make(map[types.MsgID]bool, len(refs))
	for _, sc := range scans {
		var validBytes, contigBytes uint64
		contigBroken := false
		var expected uint64

		for _, rec := range sc.records {
			count := refs[rec.ID]
			live := count > 0 && !claimed[rec.ID]
			if live {
				claimed[rec.ID] = true
				if ierr := s.index.InsertNew(rec.ID, types.MsgLoc{
					Segment:    sc.number,
					Offset:     rec.Offset,
					Size:       rec.Size,
					Refcount:   count,
					Persistent: rec.Persistent,
				}); ierr != nil {
					return fmt.Errorf("recovery: rebuild index for segment %d: %w", sc.number, ierr)
				}
				validBytes += uint64(rec.FrameSize)
			}
			if !contigBroken && live && uint64(rec.Offset) == expected {
				contigBytes += uint64(rec.FrameSize)
			} else {
				contigBroken = true
			}
			expected = uint64(rec.Offset) + uint64(rec.FrameSize)
		}

		s.summary.Insert(sc.number, segsummary.Entry{Valid: validBytes, ContigPrefix: contigBytes})
		if sc.number != tailNum && (contigBroken || validBytes == 0) {
			// A hole (or an emptied-out stray from an interrupted
			// combine) survived the crash; let the compactor reclaim it
			// on the first post-recovery pass instead of waiting for
			// the next ack to mark it dirty.
			s.dirty.Mark(sc.number)
		}
	}

	// Neighbour links, by ascending segment number.
	for i, sc := range scans {
		entry, _ := s.summary.Lookup(sc.number)
		if i > 0 {
			entry.Left = segsummary.Uint64P(scans[i-1].number)
		}
		if i < len(scans)-1 {
			entry.Right = segsummary.Uint64P(scans[i+1].number)
		}
		s.summary.Update(sc.number, entry)
	}

	// Prune dead queue rows, drop non-durable queues entirely, then
	// compact each surviving queue's sequence range.
	if err := s.recoverQueues(); err != nil {
		return err
	}

	// Reopen the tail for append right at the end of its scanned
	// contiguous run, restoring the truncated-up preallocation the way
	// Create does for a brand-new segment.
	tailFile, err := segment.Open(segment.SegmentPath(s.dir, tailNum), tailNum, s.opts.SegmentSize, tailContigEnd)
	if err != nil {
		return fmt.Errorf("recovery: reopen tail segment %d: %w", tailNum, err)
	}
	if err := tailFile.TruncateAndExtend(tailContigEnd, s.opts.SegmentSize); err != nil {
		tailFile.Close()
		return fmt.Errorf("recovery: restore tail segment %d preallocation: %w", tailNum, err)
	}
	s.current = tailFile
	s.nextSegment = tailNum + 1
	return nil
}

// buildQueueRefcounts folds every durable queue's rows into a single
// message-id to row-count map, the refcount every rebuilt MsgLoc entry
// takes on: a recovered message is referenced exactly as many times as
// it has surviving queue rows.
func (s *Store) buildQueueRefcounts() (map[types.MsgID]uint32, error) {
	names, err := s.queues.Queues()
	if err != nil {
		return nil, err
	}
	refs := make(map[types.MsgID]uint32)
	for _, q := range names {
		// Non-durable queues are dropped by recoverQueues, so their rows
		// never survive and must not count.
		durable, derr := s.queues.IsDurable(q)
		if derr != nil {
			return nil, derr
		}
		if !durable {
			continue
		}
		rows, rerr := s.queues.AllRows(q)
		if rerr != nil {
			return nil, rerr
		}
		for _, e := range rows {
			refs[e.MsgID]++
		}
	}
	return refs, nil
}

// recoverQueues drops non-durable queues wholesale, prunes dead rows
// from durable queues, and compacts every surviving queue's sequence
// range to close any gaps ack left behind before the crash.
func (s *Store) recoverQueues() error {
	names, err := s.queues.Queues()
	if err != nil {
		return err
	}
	isLive := func(id types.MsgID) bool {
		_, gerr := s.index.Get(id)
		return gerr == nil
	}
	for _, q := range names {
		durable, derr := s.queues.IsDurable(q)
		if derr != nil {
			return derr
		}
		if !durable {
			if err := s.queues.DeleteQueue(q); err != nil {
				return err
			}
			continue
		}
		if _, err := s.queues.DeleteNonLiveEntries(q, isLive); err != nil {
			return err
		}
		if _, err := s.queues.CompactQueue(q); err != nil {
			return err
		}
	}
	return nil
}

// reconcileTemp classifies an orphaned ".rdt" temp file against its
// counterpart segment. Only the case where the temp holds records absent from the
// main file (the destination was truncated down to its contiguous
// prefix but never refilled before the crash) triggers a replay; every
// other case is a pure duplicate and the temp is simply discarded.
func (s *Store) reconcileTemp(segNum uint64) error {
	mainPath := segment.SegmentPath(s.dir, segNum)
	tempPath := segment.TempPath(s.dir, segNum)

	if !segment.Exists(s.dir, segNum) {
		level.Warn(s.logger).Log("msg", "discarding compaction temp with no destination segment", "segment", segNum)
		return segment.DeleteTemp(s.dir, segNum)
	}

	mainRecords, mainContigEnd, err := segment.Scan(mainPath)
	if err != nil {
		return fmt.Errorf("recovery: scan segment %d for temp reconciliation: %w", segNum, err)
	}
	tempRecords, _, err := segment.Scan(tempPath)
	if err != nil {
		return fmt.Errorf("recovery: scan temp %d: %w", segNum, err)
	}

	present := make(map[types.MsgID]bool, len(mainRecords))
	for _, r := range mainRecords {
		present[r.ID] = true
	}
	var missing []types.ScanRecord
	for _, r := range tempRecords {
		if !present[r.ID] {
			missing = append(missing, r)
		}
	}

	if len(missing) == 0 {
		level.Info(s.logger).Log("msg", "discarding redundant compaction temp file", "segment", segNum)
		return segment.DeleteTemp(s.dir, segNum)
	}

	level.Warn(s.logger).Log("msg", "replaying compaction temp file after crash", "segment", segNum, "records", len(missing))
	sort.Slice(missing, func(i, j int) bool { return missing[i].Offset < missing[j].Offset })

	mainFile, err := os.OpenFile(mainPath, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer mainFile.Close()
	if err := mainFile.Truncate(mainContigEnd); err != nil {
		return fmt.Errorf("recovery: truncate segment %d to contiguous prefix: %w", segNum, err)
	}

	tempFile, err := os.Open(tempPath)
	if err != nil {
		return err
	}
	defer tempFile.Close()

	writeOffset := mainContigEnd
	for _, r := range missing {
		frame := make([]byte, r.FrameSize)
		if _, rerr := tempFile.ReadAt(frame, int64(r.Offset)); rerr != nil {
			return fmt.Errorf("recovery: read temp %d record at %d: %w", segNum, r.Offset, rerr)
		}
		if _, werr := mainFile.WriteAt(frame, writeOffset); werr != nil {
			return fmt.Errorf("recovery: replay temp %d record onto segment: %w", segNum, werr)
		}
		writeOffset += int64(r.FrameSize)
	}
	if err := mainFile.Sync(); err != nil {
		return fmt.Errorf("recovery: sync replayed segment %d: %w", segNum, err)
	}
	return segment.DeleteTemp(s.dir, segNum)
}
