// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package msgstore

import (
	"os"
	"path/filepath"

	"github.com/go-kit/log/level"

	"github.com/brinedb/msgstore/alarm"
	"github.com/brinedb/msgstore/compactor"
	"github.com/brinedb/msgstore/msgindex"
	"github.com/brinedb/msgstore/queueindex"
	"github.com/brinedb/msgstore/segment"
	"github.com/brinedb/msgstore/segsummary"
	"github.com/brinedb/msgstore/types"
)

// rollSegment seals the current segment (syncing it first) and opens a
// fresh one, linking the two in the segment summary.
func (s *Store) rollSegment() error {
	old := s.current
	oldNumber := old.Number
	if err := old.Sync(); err != nil {
		return err
	}
	s.metrics.fsyncs.Inc()
	s.flushCommitWaiters(nil)
	if err := old.Close(); err != nil {
		return err
	}

	newNumber := s.nextSegment
	path := segment.SegmentPath(s.dir, newNumber)
	f, err := segment.Create(path, newNumber, s.opts.SegmentSize)
	if err != nil {
		return err
	}
	s.current = f
	s.nextSegment++

	oldEntry, _ := s.summary.Lookup(oldNumber)
	oldEntry.Right = segsummary.Uint64P(newNumber)
	s.summary.Update(oldNumber, oldEntry)
	s.summary.Insert(newNumber, segsummary.Entry{Left: segsummary.Uint64P(oldNumber)})

	s.metrics.segmentRotations.Inc()
	return nil
}

// appendNew writes a brand-new message's bytes to the current segment,
// rolling to a fresh segment first if the cap has been reached.
func (s *Store) appendNew(id types.MsgID, payload []byte, persistent bool) (size uint32, segNum uint64, offset int64, err error) {
	size, offset, err = s.current.Append(id, payload, persistent)
	if err == types.ErrSealed {
		if rerr := s.rollSegment(); rerr != nil {
			return 0, 0, 0, rerr
		}
		size, offset, err = s.current.Append(id, payload, persistent)
	}
	if err != nil {
		return 0, 0, 0, err
	}
	segNum = s.current.Number
	framed := uint64(size) + uint64(types.FramingOverhead)
	entry, _ := s.summary.Lookup(segNum)
	entry.Valid += framed
	// The contiguous prefix only grows if the dense leading run reaches
	// exactly to where this record starts; a hole left by an earlier ack
	// pins it in place.
	if entry.ContigPrefix == uint64(offset) {
		entry.ContigPrefix += framed
	}
	s.summary.Update(segNum, entry)
	return size, segNum, offset, nil
}

// releaseRef drops one reference to id, deleting the message and
// marking its byte range as a hole once the last reference is gone.
// Absent ids are ignored.
func (s *Store) releaseRef(id types.MsgID) {
	loc, err := s.index.Get(id)
	if err != nil {
		return
	}
	if loc.Refcount <= 1 {
		s.index.Delete(id)
		s.payloadCache.remove(id)
		s.markSegmentHole(loc.Segment, loc.Offset, loc.Size)
	} else {
		loc.Refcount--
		s.index.Insert(id, loc)
	}
}

func (s *Store) handlePublish(c *publishCmd) {
	existing, err := s.index.Get(c.id)
	if err == nil {
		existing.Refcount++
		if ierr := s.index.Insert(c.id, existing); ierr != nil {
			c.reply <- publishResult{err: ierr}
			return
		}
	} else {
		size, segNum, offset, aerr := s.appendNew(c.id, c.payload, c.persistent)
		if aerr != nil {
			c.reply <- publishResult{err: aerr}
			return
		}
		if ierr := s.index.InsertNew(c.id, types.MsgLoc{Segment: segNum, Offset: uint32(offset), Size: size, Refcount: 1, Persistent: c.persistent}); ierr != nil {
			c.reply <- publishResult{err: ierr}
			return
		}
		s.metrics.publishBytes.Add(float64(len(c.payload)))
	}

	seq, perr := s.queues.Publish(c.queue, c.id, c.delivered)
	if perr != nil {
		c.reply <- publishResult{err: perr}
		return
	}
	s.metrics.publishes.Inc()
	c.reply <- publishResult{seq: seq}
}

func (s *Store) handleTxPublish(c *txPublishCmd) {
	existing, err := s.index.Get(c.id)
	if err == nil {
		existing.Refcount++
		c.reply <- s.index.Insert(c.id, existing)
		s.metrics.publishes.Inc()
		return
	}
	size, segNum, offset, aerr := s.appendNew(c.id, c.payload, c.persistent)
	if aerr != nil {
		c.reply <- aerr
		return
	}
	c.reply <- s.index.InsertNew(c.id, types.MsgLoc{Segment: segNum, Offset: uint32(offset), Size: size, Refcount: 1, Persistent: c.persistent})
	s.metrics.publishBytes.Add(float64(len(c.payload)))
	s.metrics.publishes.Inc()
}

func (s *Store) handleTxCommit(c *txCommitCmd) {
	pubs := make([]queueindex.TxPublishRow, len(c.publishes))
	for i, p := range c.publishes {
		pubs[i] = queueindex.TxPublishRow{Queue: p.queue, MsgID: p.id}
	}
	acks := make([]queueindex.TxAckRow, len(c.acks))
	for i, a := range c.acks {
		acks[i] = queueindex.TxAckRow{Queue: a.queue, Seq: a.seq}
	}
	acked, err := s.queues.ApplyTxCommit(pubs, acks)
	if err != nil {
		c.reply <- err
		return
	}
	for _, e := range acked {
		s.releaseRef(e.MsgID)
		s.metrics.acks.Inc()
	}

	if s.current != nil && s.current.Dirty() {
		s.metrics.deferredCommits.Inc()
		s.commitWaiters = append(s.commitWaiters, c.reply)
		return
	}
	c.reply <- nil
}

func (s *Store) handleTxCancel(c *txCancelCmd) {
	for _, id := range c.ids {
		s.releaseRef(id)
	}
	c.reply <- nil
}

func (s *Store) handleDeliver(c *deliverCmd) {
	de, ok, err := s.queues.Deliver(c.queue)
	if err != nil || !ok {
		c.reply <- deliverResult{ok: false, err: err}
		return
	}

	loc, lerr := s.index.Get(de.MsgID)
	if lerr != nil {
		c.reply <- deliverResult{entry: de, ok: true, err: lerr}
		return
	}

	var payload []byte
	if c.withPayload {
		if cached, hit := s.payloadCache.get(de.MsgID); hit {
			payload = cached
			s.metrics.cacheHits.Inc()
		} else {
			p, rerr := s.readAtLoc(loc)
			if rerr != nil {
				c.reply <- deliverResult{entry: de, ok: true, err: rerr}
				return
			}
			payload = p
			s.metrics.cacheMisses.Inc()
			if loc.Refcount > 1 {
				s.payloadCache.put(de.MsgID, payload)
			}
		}
	}
	s.metrics.delivers.Inc()
	c.reply <- deliverResult{entry: de, payload: payload, ok: true}
}

// readAtLoc forces a sync of the current segment first if the read
// would otherwise land beyond the last-sync-offset.
func (s *Store) readAtLoc(loc types.MsgLoc) ([]byte, error) {
	if s.current != nil && loc.Segment == s.current.Number {
		if int64(loc.Offset)+int64(loc.Size) > s.current.LastSyncOffset() {
			if err := s.current.Sync(); err != nil {
				return nil, err
			}
			s.metrics.fsyncs.Inc()
			s.flushCommitWaiters(nil)
		}
		payload, _, err := s.current.ReadAt(int64(loc.Offset), loc.Size)
		return payload, err
	}
	r, err := s.readerCache.Get(loc.Segment)
	if err != nil {
		return nil, err
	}
	payload, _, err := r.ReadAt(int64(loc.Offset), loc.Size)
	return payload, err
}

func (s *Store) handleAck(c *ackCmd) {
	for _, e := range c.entries {
		s.queues.Ack(e.queue, e.seq)
		s.releaseRef(e.id)
		s.metrics.acks.Inc()
	}
	c.reply <- nil
}

// markSegmentHole shrinks seg's valid-bytes total by one record and
// marks it dirty for the compactor. A hole opening at offset strictly
// before the current contiguous prefix shortens that prefix to end
// right where the hole begins; a hole beyond the contiguous prefix
// doesn't touch it, since the dense leading run never extended that
// far anyway.
func (s *Store) markSegmentHole(seg uint64, offset uint32, size uint32) {
	entry, err := s.summary.Lookup(seg)
	if err != nil {
		return
	}
	removed := uint64(size) + uint64(types.FramingOverhead)
	if removed > entry.Valid {
		removed = entry.Valid
	}
	entry.Valid -= removed
	if uint64(offset) < entry.ContigPrefix {
		entry.ContigPrefix = uint64(offset)
	}
	s.summary.Update(seg, entry)
	s.dirty.Mark(seg)
}

func (s *Store) handleRequeue(c *requeueCmd) {
	c.reply <- s.queues.Requeue(c.queue, c.entries)
}

func (s *Store) handleRequeueNextN(c *requeueNextNCmd) {
	c.reply <- s.queues.RequeueNextN(c.queue, c.n)
}

func (s *Store) reclaimQueueRows(queue string) error {
	rows, err := s.queues.AllRows(queue)
	if err != nil {
		return err
	}
	for _, e := range rows {
		s.releaseRef(e.MsgID)
	}
	return nil
}

func (s *Store) handlePurge(c *purgeCmd) {
	if err := s.reclaimQueueRows(c.queue); err != nil {
		c.reply <- purgeResult{err: err}
		return
	}
	n, err := s.queues.Purge(c.queue)
	c.reply <- purgeResult{count: n, err: err}
}

func (s *Store) handleDeleteQueue(c *deleteQueueCmd) {
	if err := s.reclaimQueueRows(c.queue); err != nil {
		c.reply <- err
		return
	}
	c.reply <- s.queues.DeleteQueue(c.queue)
}

func (s *Store) handleModeSwitch(c *modeSwitchCmd) {
	if c.toDiskOnly {
		if _, already := s.index.(*msgindex.Disk); already {
			c.reply <- nil
			return
		}
		diskPath := filepath.Join(s.diskIndexDir, "index.db")
		os.Remove(diskPath)
		disk, err := msgindex.OpenDisk(diskPath)
		if err != nil {
			c.reply <- err
			return
		}
		if err := msgindex.Switch(s.index, disk); err != nil {
			disk.Close()
			c.reply <- err
			return
		}
		s.index = disk
		s.rebuildCompactor()
		s.alarms.Notify(alarm.ModeDiskOnly)
		c.reply <- nil
		return
	}

	if _, already := s.index.(*msgindex.Memory); already {
		c.reply <- nil
		return
	}
	mem := msgindex.NewMemory()
	if err := msgindex.Switch(s.index, mem); err != nil {
		c.reply <- err
		return
	}
	s.index = mem
	s.rebuildCompactor()
	s.alarms.Notify(alarm.ModeRAMDisk)
	c.reply <- nil
}

func (s *Store) rebuildCompactor() {
	s.compactor = compactor.New(s.dir, s.opts.SegmentSize, s.summary, s.index, s.readerCache)
}

func (s *Store) handleReportMemoryTick() {
	s.modeMu.Lock()
	mgr := s.modeManager
	s.modeMu.Unlock()
	if mgr == nil {
		return
	}
	n, _ := s.index.Len()
	bytesUsed := uint64(n)*uint64(types.MsgLocSize) + uint64(s.payloadCache.bytes())
	mgr.ReportMemory(bytesUsed, false)
}

func (s *Store) handleCacheInfo(c *cacheInfoCmd) {
	n, _ := s.index.Len()
	c.reply <- CacheInfo{
		IndexEntries:  n,
		ReaderHandles: s.readerCache.Len(),
		CacheBytes:    s.payloadCache.bytes(),
		CacheEntries:  s.payloadCache.len(),
		DirtySegments: s.dirty.Len(),
	}
}

func (s *Store) handleCommitTick() {
	if s.current == nil {
		s.flushCommitWaiters(nil)
		return
	}
	if !s.current.Dirty() {
		s.flushCommitWaiters(nil)
		return
	}
	err := s.current.Sync()
	if err != nil {
		level.Error(s.logger).Log("msg", "group commit fsync failed", "err", err)
	} else {
		s.metrics.fsyncs.Inc()
	}
	s.flushCommitWaiters(err)
}

func (s *Store) flushCommitWaiters(err error) {
	for _, ch := range s.commitWaiters {
		ch <- err
	}
	s.commitWaiters = s.commitWaiters[:0]
	s.metrics.deferredCommits.Set(0)
}
