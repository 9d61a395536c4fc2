// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package msgstore

import (
	"context"
	"os"

	"golang.org/x/time/rate"

	"github.com/brinedb/msgstore/alarm"
	"github.com/brinedb/msgstore/types"
)

// Publish appends (or, for an already-known id, refcount-bumps) a
// message and makes it visible on queue at the next sequence id.
// Persistent messages survive restart; delivered seeds the row as
// already-delivered (used by requeue-on-restart paths).
func (s *Store) Publish(ctx context.Context, queue string, id types.MsgID, payload []byte, persistent, delivered bool) (uint64, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	reply := make(chan publishResult, 1)
	cmd := &publishCmd{queue: queue, id: id, payload: payload, persistent: persistent, delivered: delivered, reply: reply}
	if err := s.send(ctx, s.opsCh, cmd); err != nil {
		return 0, err
	}
	res := <-reply
	return res.seq, res.err
}

// Deliver advances queue's readSeq and returns the next row with its
// payload. ok is false if the queue is empty.
func (s *Store) Deliver(ctx context.Context, queue string) (types.DeliveredEntry, []byte, bool, error) {
	return s.deliver(ctx, queue, true)
}

// PhantomDeliver is Deliver without reading the payload back, for
// callers that already hold it in memory.
func (s *Store) PhantomDeliver(ctx context.Context, queue string) (types.DeliveredEntry, bool, error) {
	entry, _, ok, err := s.deliver(ctx, queue, false)
	return entry, ok, err
}

func (s *Store) deliver(ctx context.Context, queue string, withPayload bool) (types.DeliveredEntry, []byte, bool, error) {
	if err := s.checkClosed(); err != nil {
		return types.DeliveredEntry{}, nil, false, err
	}
	reply := make(chan deliverResult, 1)
	cmd := &deliverCmd{queue: queue, withPayload: withPayload, reply: reply}
	if err := s.send(ctx, s.fsyncCh, cmd); err != nil {
		return types.DeliveredEntry{}, nil, false, err
	}
	res := <-reply
	return res.entry, res.payload, res.ok, res.err
}

// AckEntry is one (queue, seq, msg-id) row to acknowledge in a single
// Ack call.
type AckEntry struct {
	Queue string
	Seq   uint64
	MsgID types.MsgID
}

// Ack deletes each entry's queue row and decrements the referenced
// message's refcount, marking the owning segment dirty for compaction
// once a refcount reaches zero.
func (s *Store) Ack(ctx context.Context, entries []AckEntry) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	rows := make([]ackEntry, len(entries))
	for i, e := range entries {
		rows[i] = ackEntry{queue: e.Queue, seq: e.Seq, id: e.MsgID}
	}
	reply := make(chan error, 1)
	cmd := &ackCmd{entries: rows, reply: reply}
	if err := s.send(ctx, s.opsCh, cmd); err != nil {
		return err
	}
	return <-reply
}

// TxPublish stores a message without making it queue-visible; pair with
// TxCommit to assign it a sequence id, or TxCancel to abandon it.
func (s *Store) TxPublish(ctx context.Context, id types.MsgID, payload []byte, persistent bool) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	reply := make(chan error, 1)
	cmd := &txPublishCmd{id: id, payload: payload, persistent: persistent, reply: reply}
	if err := s.send(ctx, s.opsCh, cmd); err != nil {
		return err
	}
	return <-reply
}

// TxCommitPublish names one previously tx-published id to make visible
// on queue, in the order supplied to TxCommit.
type TxCommitPublish struct {
	Queue string
	MsgID types.MsgID
}

// TxCommitAck names one (queue, seq) row to ack within the same
// transaction as the publishes.
type TxCommitAck struct {
	Queue string
	Seq   uint64
}

// TxCommit assigns sequence ids to the named tx-published messages and
// applies the named acks as one atomic unit. If the current segment is
// dirty and the reply would otherwise race an unflushed append, it is
// deferred until the next group-commit fsync.
func (s *Store) TxCommit(ctx context.Context, publishes []TxCommitPublish, acks []TxCommitAck) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	pubs := make([]txCommitEntry, len(publishes))
	for i, p := range publishes {
		pubs[i] = txCommitEntry{queue: p.Queue, id: p.MsgID}
	}
	ackRows := make([]txAckEntry, len(acks))
	for i, a := range acks {
		ackRows[i] = txAckEntry{queue: a.Queue, seq: a.Seq}
	}
	reply := make(chan error, 1)
	cmd := &txCommitCmd{publishes: pubs, acks: ackRows, reply: reply}
	if err := s.send(ctx, s.fsyncCh, cmd); err != nil {
		return err
	}
	return <-reply
}

// TxCancel abandons a tx-published set, decrementing their refcounts.
func (s *Store) TxCancel(ctx context.Context, ids []types.MsgID) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	reply := make(chan error, 1)
	cmd := &txCancelCmd{ids: ids, reply: reply}
	if err := s.send(ctx, s.opsCh, cmd); err != nil {
		return err
	}
	return <-reply
}

// Requeue rewrites each entry's row under a fresh tail sequence id,
// preserving order relative to newly published messages.
func (s *Store) Requeue(ctx context.Context, queue string, entries []types.RequeueEntry) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	reply := make(chan error, 1)
	cmd := &requeueCmd{queue: queue, entries: entries, reply: reply}
	if err := s.send(ctx, s.opsCh, cmd); err != nil {
		return err
	}
	return <-reply
}

// RequeueNextN moves the next n undelivered rows to the tail, used by
// the mode-switch collaborator.
func (s *Store) RequeueNextN(ctx context.Context, queue string, n uint64) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	reply := make(chan error, 1)
	cmd := &requeueNextNCmd{queue: queue, n: n, reply: reply}
	if err := s.send(ctx, s.opsCh, cmd); err != nil {
		return err
	}
	return <-reply
}

// Purge removes every row of queue, reclaiming refcounts, and reports
// the number of rows removed. The queue's sequence row survives with
// readSeq == writeSeq.
func (s *Store) Purge(ctx context.Context, queue string) (int, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}
	reply := make(chan purgeResult, 1)
	cmd := &purgeCmd{queue: queue, reply: reply}
	if err := s.send(ctx, s.fsyncCh, cmd); err != nil {
		return 0, err
	}
	res := <-reply
	return res.count, res.err
}

// DeleteQueue purges queue and also removes its sequence row entirely.
func (s *Store) DeleteQueue(ctx context.Context, queue string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	reply := make(chan error, 1)
	cmd := &deleteQueueCmd{queue: queue, reply: reply}
	if err := s.send(ctx, s.opsCh, cmd); err != nil {
		return err
	}
	return <-reply
}

// ToDiskOnlyMode atomically swaps the message-location index to its
// bbolt-backed, low-memory implementation.
func (s *Store) ToDiskOnlyMode(ctx context.Context) error {
	return s.switchMode(ctx, true)
}

// ToRAMDiskMode atomically swaps the message-location index back to
// its in-memory implementation.
func (s *Store) ToRAMDiskMode(ctx context.Context) error {
	return s.switchMode(ctx, false)
}

func (s *Store) switchMode(ctx context.Context, toDiskOnly bool) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	reply := make(chan error, 1)
	cmd := &modeSwitchCmd{toDiskOnly: toDiskOnly, reply: reply}
	if err := s.send(ctx, s.modeCh, cmd); err != nil {
		return err
	}
	return <-reply
}

// ApplyMode is the hook the memory-alarm handler drives when a
// watermark crosses: disk-only under pressure, back to the mixed
// in-RAM mode once it clears.
func (s *Store) ApplyMode(ctx context.Context, m alarm.Mode) error {
	if m == alarm.ModeDiskOnly {
		return s.ToDiskOnlyMode(ctx)
	}
	return s.ToRAMDiskMode(ctx)
}

// SetModeManager registers the QueueModeManager collaborator the
// periodic memory reports push to.
func (s *Store) SetModeManager(mgr QueueModeManagerOption) {
	s.modeMu.Lock()
	s.modeManager = mgr
	s.modeMu.Unlock()
}

// Throttle is the backpressure knob the memory-alarm collaborator
// drives when a watermark crosses. Publish blocks on this limiter
// before entering the command queue; calling Throttle(rate.Inf, n)
// lifts it back to unrestricted. This never goes through the command
// queue since rate.Limiter is already safe for concurrent use.
func (s *Store) Throttle(limit rate.Limit, burst int) {
	s.limiter.SetBurst(burst)
	s.limiter.SetLimit(limit)
}

// OnModeChange registers fn to be called whenever ToDiskOnlyMode or
// ToRAMDiskMode completes.
// The returned token's callback is dropped automatically once the
// token becomes unreachable; callers that want to stop listening
// sooner call UnregisterModeChange explicitly.
func (s *Store) OnModeChange(fn func(alarm.Mode)) *alarm.Token {
	return s.alarms.Register(fn)
}

// UnregisterModeChange cancels a callback registered with
// OnModeChange.
func (s *Store) UnregisterModeChange(tok *alarm.Token) {
	s.alarms.Unregister(tok)
}

// CacheInfo reports current resource usage: index size, open reader
// handles, payload cache occupancy and outstanding dirty segments.
func (s *Store) CacheInfo(ctx context.Context) (CacheInfo, error) {
	if err := s.checkClosed(); err != nil {
		return CacheInfo{}, err
	}
	reply := make(chan CacheInfo, 1)
	cmd := &cacheInfoCmd{reply: reply}
	if err := s.send(ctx, s.prefetchCh, cmd); err != nil {
		return CacheInfo{}, err
	}
	return <-reply, nil
}

// Length returns queue's logical length (writeSeq - readSeq). This is
// a dirty read served without going through the command queue.
func (s *Store) Length(queue string) uint64 {
	return s.queues.Length(queue)
}

// Fold walks every live row of queue in sequence order.
func (s *Store) Fold(ctx context.Context, queue string, fn func(seq uint64, e types.QueueEntry) error) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	reply := make(chan error, 1)
	cmd := &foldCmd{queue: queue, fn: fn, reply: reply}
	if err := s.send(ctx, s.prefetchCh, cmd); err != nil {
		return err
	}
	return <-reply
}

// Stop closes the store, keeping all on-disk state for the next Open.
func (s *Store) Stop() error {
	return s.Close()
}

// StopAndObliterate closes the store and removes its entire directory,
// used by tests and by queue deletion at the higher queue-process
// layer.
func (s *Store) StopAndObliterate() error {
	if err := s.Close(); err != nil {
		return err
	}
	return os.RemoveAll(s.dir)
}

// send delivers cmd to ch, respecting ctx cancellation and the store's
// own shutdown so a caller blocked on a full channel doesn't leak. The
// up-front stopCh check keeps a closing store from racing a buffered
// enqueue that nobody would ever drain.
func (s *Store) send(ctx context.Context, ch chan command, cmd command) error {
	select {
	case <-s.stopCh:
		return ErrClosed
	default:
	}
	select {
	case ch <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopCh:
		return ErrClosed
	}
}
