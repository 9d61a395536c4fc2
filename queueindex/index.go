// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package queueindex

import (
	"sort"

	"github.com/brinedb/msgstore/types"
	bolt "go.etcd.io/bbolt"
)

var durabilityBucket = []byte("durability")

// Index is the durable queue-entry table plus its in-memory QueueSeq
// mirror. All methods are safe to call from a single
// caller goroutine at a time; the store coordinator is that caller.
type Index struct {
	db  *bolt.DB
	seq *seqTable
}

// Open opens (creating if necessary) the durable queue-entry table at
// path. The in-memory QueueSeq map starts empty; a caller resuming
// after a crash rebuilds it by running CompactQueue over every durable
// queue, which is what the store coordinator's recovery does.
func Open(path string) (*Index, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(durabilityBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Index{db: db, seq: newSeqTable()}, nil
}

func (idx *Index) Close() error { return idx.db.Close() }

// Queues lists every queue with an entry bucket in the durable table,
// used by recovery to enumerate queues that need rebuilding.
func (idx *Index) Queues() ([]string, error) {
	var names []string
	err := idx.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(queuesBucket).ForEach(func(k, v []byte) error {
			if v == nil { // nested buckets fold with a nil value
				names = append(names, string(k))
			}
			return nil
		})
	})
	return names, err
}

// SeqOf returns the in-memory (readSeq, writeSeq) for queue, or the
// zero pair if the queue isn't tracked.
func (idx *Index) SeqOf(queue string) types.QueueSeqPair {
	p, _ := idx.seq.get(queue)
	return p
}

// SetSeq installs queue's (readSeq, writeSeq) directly, used by
// recovery once it has rebuilt the sequence from the durable table.
func (idx *Index) SetSeq(queue string, p types.QueueSeqPair) {
	idx.seq.set(queue, p)
}

// SetDurable records whether queue survives a crash-recovery sweep.
// Queues default to durable; non-durable queues are dropped wholesale
// during recovery.
func (idx *Index) SetDurable(queue string, durable bool) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(durabilityBucket)
		if durable {
			return b.Delete([]byte(queue))
		}
		return b.Put([]byte(queue), []byte{0})
	})
}

// IsDurable reports whether queue is durable (the default for any queue
// not explicitly marked otherwise via SetDurable).
func (idx *Index) IsDurable(queue string) (bool, error) {
	durable := true
	err := idx.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(durabilityBucket).Get([]byte(queue))
		durable = v == nil
		return nil
	})
	return durable, err
}

// Publish assigns the queue's current writeSeq to the message, durably
// inserts the row, and bumps writeSeq.
func (idx *Index) Publish(queue string, id types.MsgID, delivered bool) (uint64, error) {
	p, _ := idx.seq.get(queue)
	seq := p.WriteSeq

	err := idx.db.Update(func(tx *bolt.Tx) error {
		b, err := openQueueBucket(tx, queue, true)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), encodeEntry(types.QueueEntry{MsgID: id, Delivered: delivered}))
	})
	if err != nil {
		return 0, err
	}
	p.WriteSeq++
	idx.seq.set(queue, p)
	return seq, nil
}

// Deliver returns the next undelivered-or-unacked row and advances
// readSeq. If readSeq == writeSeq the queue is empty and ok is false.
// Used for both Deliver and PhantomDeliver; the distinction between
// the two (whether the payload is read off disk) lives in the store
// coordinator, not here.
func (idx *Index) Deliver(queue string) (entry types.DeliveredEntry, ok bool, err error) {
	p, found := idx.seq.get(queue)
	if !found || p.ReadSeq == p.WriteSeq {
		return types.DeliveredEntry{}, false, nil
	}

	seq := p.ReadSeq
	var qe types.QueueEntry
	err = idx.db.Update(func(tx *bolt.Tx) error {
		b, berr := openQueueBucket(tx, queue, false)
		if berr != nil {
			return berr
		}
		if b == nil {
			return types.ErrNotFound
		}
		v := b.Get(seqKey(seq))
		if v == nil {
			return types.ErrNotFound
		}
		var derr error
		qe, derr = decodeEntry(v)
		if derr != nil {
			return derr
		}
		if !qe.Delivered {
			qe.Delivered = true
			return b.Put(seqKey(seq), encodeEntry(qe))
		}
		return nil
	})
	if err != nil {
		return types.DeliveredEntry{}, false, err
	}

	p.ReadSeq++
	idx.seq.set(queue, p)

	return types.DeliveredEntry{
		MsgID:     qe.MsgID,
		Seq:       seq,
		Delivered: qe.Delivered,
		Remaining: p.WriteSeq - p.ReadSeq,
	}, true, nil
}

// TxPublishRow names one tx-published message to make queue-visible
// inside ApplyTxCommit.
type TxPublishRow struct {
	Queue string
	MsgID types.MsgID
}

// TxAckRow names one (queue, seq) row to delete inside ApplyTxCommit.
type TxAckRow struct {
	Queue string
	Seq   uint64
}

// ApplyTxCommit assigns sequence ids to pubs (in order) and deletes the
// rows named by acks, all inside a single bbolt write transaction, so
// a commit is never partially durable. It returns the entries the acks
// removed so the caller can release their message references.
func (idx *Index) ApplyTxCommit(pubs []TxPublishRow, acks []TxAckRow) (acked []types.QueueEntry, err error) {
	pairs := make(map[string]types.QueueSeqPair)
	for _, p := range pubs {
		if _, ok := pairs[p.Queue]; !ok {
			pair, _ := idx.seq.get(p.Queue)
			pairs[p.Queue] = pair
		}
	}

	err = idx.db.Update(func(tx *bolt.Tx) error {
		for _, p := range pubs {
			b, berr := openQueueBucket(tx, p.Queue, true)
			if berr != nil {
				return berr
			}
			pair := pairs[p.Queue]
			if err := b.Put(seqKey(pair.WriteSeq), encodeEntry(types.QueueEntry{MsgID: p.MsgID})); err != nil {
				return err
			}
			pair.WriteSeq++
			pairs[p.Queue] = pair
		}
		for _, a := range acks {
			b, berr := openQueueBucket(tx, a.Queue, false)
			if berr != nil {
				return berr
			}
			if b == nil {
				continue
			}
			v := b.Get(seqKey(a.Seq))
			if v == nil {
				continue
			}
			e, derr := decodeEntry(v)
			if derr != nil {
				return derr
			}
			if err := b.Delete(seqKey(a.Seq)); err != nil {
				return err
			}
			acked = append(acked, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for q, pair := range pairs {
		idx.seq.set(q, pair)
	}
	return acked, nil
}

// Ack deletes the row at seq. This can leave a gap inside
// [readSeq, writeSeq) until the next recovery sweep closes it.
func (idx *Index) Ack(queue string, seq uint64) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		b, err := openQueueBucket(tx, queue, false)
		if err != nil || b == nil {
			return err
		}
		return b.Delete(seqKey(seq))
	})
}

// Requeue rewrites each entry's row under a fresh writeSeq and deletes
// the old row, preserving total ordering relative to newly published
// messages without changing readSeq for other already-delivered rows.
func (idx *Index) Requeue(queue string, entries []types.RequeueEntry) error {
	p, _ := idx.seq.get(queue)

	err := idx.db.Update(func(tx *bolt.Tx) error {
		b, err := openQueueBucket(tx, queue, true)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := b.Delete(seqKey(e.Seq)); err != nil {
				return err
			}
			newSeq := p.WriteSeq
			if err := b.Put(seqKey(newSeq), encodeEntry(types.QueueEntry{MsgID: e.MsgID, Delivered: e.Delivered})); err != nil {
				return err
			}
			p.WriteSeq++
		}
		return nil
	})
	if err != nil {
		return err
	}
	idx.seq.set(queue, p)
	return nil
}

// RequeueNextN moves the next n rows from [readSeq, readSeq+n) to the
// tail, updating both sequences by +n (used by the mode-switch).
func (idx *Index) RequeueNextN(queue string, n uint64) error {
	if n == 0 {
		return nil
	}
	p, found := idx.seq.get(queue)
	if !found {
		return types.ErrQueueNotFound
	}
	if p.Len() < n {
		return types.ErrOutOfRange
	}

	err := idx.db.Update(func(tx *bolt.Tx) error {
		b, err := openQueueBucket(tx, queue, true)
		if err != nil {
			return err
		}
		for i := uint64(0); i < n; i++ {
			oldSeq := p.ReadSeq + i
			v := b.Get(seqKey(oldSeq))
			if v == nil {
				return types.ErrNotFound
			}
			if err := b.Delete(seqKey(oldSeq)); err != nil {
				return err
			}
			newSeq := p.WriteSeq + i
			if err := b.Put(seqKey(newSeq), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	p.ReadSeq += n
	p.WriteSeq += n
	idx.seq.set(queue, p)
	return nil
}

// Purge removes all rows for queue and leaves readSeq == writeSeq,
// returning the number of rows removed.
func (idx *Index) Purge(queue string) (int, error) {
	p, found := idx.seq.get(queue)
	removed := 0
	err := idx.db.Update(func(tx *bolt.Tx) error {
		top := tx.Bucket(queuesBucket)
		if top.Bucket([]byte(queue)) == nil {
			return nil
		}
		b := top.Bucket([]byte(queue))
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			removed++
		}
		return top.DeleteBucket([]byte(queue))
	})
	if err != nil {
		return 0, err
	}
	if found {
		p.ReadSeq = p.WriteSeq
		idx.seq.set(queue, p)
	}
	return removed, nil
}

// DeleteQueue purges the queue and removes its sequence row entirely.
func (idx *Index) DeleteQueue(queue string) error {
	if _, err := idx.Purge(queue); err != nil {
		return err
	}
	idx.seq.delete(queue)
	return idx.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(durabilityBucket).Delete([]byte(queue))
	})
}

// Length returns the logical length (writeSeq - readSeq) of queue.
func (idx *Index) Length(queue string) uint64 {
	p, _ := idx.seq.get(queue)
	return p.Len()
}

// Fold walks every durable row for queue in ascending seq order, the
// implementation behind the store coordinator's exposed foldl(Q, fn,
// init) inspection operation.
func (idx *Index) Fold(queue string, fn func(seq uint64, e types.QueueEntry) error) error {
	return idx.db.View(func(tx *bolt.Tx) error {
		b, err := openQueueBucket(tx, queue, false)
		if err != nil || b == nil {
			return err
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			e, derr := decodeEntry(v)
			if derr != nil {
				return derr
			}
			if err := fn(decodeSeqKey(k), e); err != nil {
				return err
			}
		}
		return nil
	})
}

// AllRows returns every durable row for queue keyed by seq (the map has
// no order), used by recovery to rebuild MsgLoc refcounts and the dense
// QueueSeq.
func (idx *Index) AllRows(queue string) (map[uint64]types.QueueEntry, error) {
	rows := make(map[uint64]types.QueueEntry)
	err := idx.Fold(queue, func(seq uint64, e types.QueueEntry) error {
		rows[seq] = e
		return nil
	})
	return rows, err
}

// DeleteNonLiveEntries removes every row in queue whose msg-id fails
// isLive: transient messages lost to a crash are dropped from the
// durable table rather than resurrected without their payloads.
func (idx *Index) DeleteNonLiveEntries(queue string, isLive func(types.MsgID) bool) (removed int, err error) {
	var dead []uint64
	if err := idx.Fold(queue, func(seq uint64, e types.QueueEntry) error {
		if !isLive(e.MsgID) {
			dead = append(dead, seq)
		}
		return nil
	}); err != nil {
		return 0, err
	}
	if len(dead) == 0 {
		return 0, nil
	}
	err = idx.db.Update(func(tx *bolt.Tx) error {
		b, berr := openQueueBucket(tx, queue, false)
		if berr != nil || b == nil {
			return berr
		}
		for _, seq := range dead {
			if err := b.Delete(seqKey(seq)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(dead), nil
}

// CompactQueue rebuilds queue's dense sequence range after recovery:
// readSeq = min(seq), writeSeq = max(seq)+1, then every surviving row
// is shifted so (seq - readSeq) has no gaps.
// It returns the resulting QueueSeqPair; the caller is
// responsible for calling SetSeq with it (or removing the queue
// entirely if it came back empty).
func (idx *Index) CompactQueue(queue string) (types.QueueSeqPair, error) {
	rows, err := idx.AllRows(queue)
	if err != nil {
		return types.QueueSeqPair{}, err
	}
	if len(rows) == 0 {
		return types.QueueSeqPair{}, nil
	}

	seqs := make([]uint64, 0, len(rows))
	for seq := range rows {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	readSeq := seqs[0]
	err = idx.db.Update(func(tx *bolt.Tx) error {
		b, berr := openQueueBucket(tx, queue, true)
		if berr != nil {
			return berr
		}
		for i, oldSeq := range seqs {
			newSeq := readSeq + uint64(i)
			if newSeq == oldSeq {
				continue
			}
			v := encodeEntry(rows[oldSeq])
			if err := b.Delete(seqKey(oldSeq)); err != nil {
				return err
			}
			if err := b.Put(seqKey(newSeq), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return types.QueueSeqPair{}, err
	}

	pair := types.QueueSeqPair{ReadSeq: readSeq, WriteSeq: readSeq + uint64(len(seqs))}
	idx.seq.set(queue, pair)
	return pair, nil
}
