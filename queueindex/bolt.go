// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package queueindex implements the durable per-queue sequence table
// and its in-memory (readSeq, writeSeq) mirror.
package queueindex

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/brinedb/msgstore/types"
	bolt "go.etcd.io/bbolt"
)

var queuesBucket = []byte("queues")

// entrySize is the fixed encoding of a QueueEntry value: a 16-byte
// MsgID followed by a one-byte delivered flag.
const entrySize = 16 + 1

func encodeEntry(e types.QueueEntry) []byte {
	buf := make([]byte, entrySize)
	copy(buf[:16], e.MsgID.Bytes())
	if e.Delivered {
		buf[16] = 1
	}
	return buf
}

func decodeEntry(b []byte) (types.QueueEntry, error) {
	if len(b) != entrySize {
		return types.QueueEntry{}, fmt.Errorf("%w: bad queue entry encoding length %d", types.ErrCorrupt, len(b))
	}
	id, err := types.MsgIDFromBytes(b[:16])
	if err != nil {
		return types.QueueEntry{}, err
	}
	return types.QueueEntry{MsgID: id, Delivered: b[16] != 0}, nil
}

func seqKey(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}

func decodeSeqKey(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// openQueueBucket returns (creating if needed) the nested bucket for
// queue within the top-level "queues" bucket.
func openQueueBucket(tx *bolt.Tx, queue string, create bool) (*bolt.Bucket, error) {
	top := tx.Bucket(queuesBucket)
	if create {
		return top.CreateBucketIfNotExists([]byte(queue))
	}
	return top.Bucket([]byte(queue)), nil
}

// openDB opens (creating if necessary) the bbolt file backing the
// durable queue-entry table.
func openDB(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open queue index %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(queuesBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
