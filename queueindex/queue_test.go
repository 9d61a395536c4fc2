// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package queueindex

import (
	"path/filepath"
	"testing"

	"github.com/brinedb/msgstore/types"
	"github.com/stretchr/testify/require"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	dir := t.TempDir()
	idx, err := Open(filepath.Join(dir, "queues.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestPublishDeliverAck(t *testing.T) {
	idx := openTestIndex(t)

	id1 := types.NewMsgID()
	id2 := types.NewMsgID()

	seq1, err := idx.Publish("q", id1, false)
	require.NoError(t, err)
	require.EqualValues(t, 0, seq1)

	seq2, err := idx.Publish("q", id2, false)
	require.NoError(t, err)
	require.EqualValues(t, 1, seq2)

	require.EqualValues(t, 2, idx.Length("q"))

	d, ok, err := idx.Deliver("q")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id1, d.MsgID)
	require.EqualValues(t, 0, d.Seq)
	require.EqualValues(t, 1, d.Remaining)

	require.NoError(t, idx.Ack("q", d.Seq))
	require.EqualValues(t, 1, idx.Length("q"))
}

func TestDeliverEmptyQueue(t *testing.T) {
	idx := openTestIndex(t)
	_, ok, err := idx.Deliver("nonexistent")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRequeuePreservesOrderAtTail(t *testing.T) {
	idx := openTestIndex(t)

	ids := make([]types.MsgID, 3)
	for i := range ids {
		ids[i] = types.NewMsgID()
		_, err := idx.Publish("q", ids[i], false)
		require.NoError(t, err)
	}

	// Deliver the first two.
	d0, ok, err := idx.Deliver("q")
	require.NoError(t, err)
	require.True(t, ok)
	d1, ok, err := idx.Deliver("q")
	require.NoError(t, err)
	require.True(t, ok)

	// Requeue both, in delivery order; they should land at the tail in
	// the same relative order, after the still-unread third message.
	require.NoError(t, idx.Requeue("q", []types.RequeueEntry{
		{MsgID: d0.MsgID, Seq: d0.Seq, Delivered: true},
		{MsgID: d1.MsgID, Seq: d1.Seq, Delivered: true},
	}))

	var order []types.MsgID
	require.NoError(t, idx.Fold("q", func(seq uint64, e types.QueueEntry) error {
		order = append(order, e.MsgID)
		return nil
	}))
	require.Equal(t, []types.MsgID{ids[2], ids[0], ids[1]}, order)
}

func TestRequeueNextNForModeSwitch(t *testing.T) {
	idx := openTestIndex(t)
	var ids []types.MsgID
	for i := 0; i < 4; i++ {
		id := types.NewMsgID()
		ids = append(ids, id)
		_, err := idx.Publish("q", id, false)
		require.NoError(t, err)
	}

	require.NoError(t, idx.RequeueNextN("q", 2))

	var order []types.MsgID
	require.NoError(t, idx.Fold("q", func(seq uint64, e types.QueueEntry) error {
		order = append(order, e.MsgID)
		return nil
	}))
	require.Equal(t, []types.MsgID{ids[2], ids[3], ids[0], ids[1]}, order)
	require.EqualValues(t, 4, idx.Length("q"))
}

func TestPurgeLeavesSequencesEqual(t *testing.T) {
	idx := openTestIndex(t)
	for i := 0; i < 5; i++ {
		_, err := idx.Publish("q", types.NewMsgID(), false)
		require.NoError(t, err)
	}

	n, err := idx.Purge("q")
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.EqualValues(t, 0, idx.Length("q"))

	p := idx.SeqOf("q")
	require.Equal(t, p.ReadSeq, p.WriteSeq)

	// Publishing after a purge continues the sequence rather than
	// reusing seq ids of purged rows.
	seq, err := idx.Publish("q", types.NewMsgID(), false)
	require.NoError(t, err)
	require.EqualValues(t, 5, seq)
}

func TestDurabilityDefaultsTrue(t *testing.T) {
	idx := openTestIndex(t)
	durable, err := idx.IsDurable("q")
	require.NoError(t, err)
	require.True(t, durable)

	require.NoError(t, idx.SetDurable("q", false))
	durable, err = idx.IsDurable("q")
	require.NoError(t, err)
	require.False(t, durable)
}

func TestDeleteNonLiveEntries(t *testing.T) {
	idx := openTestIndex(t)
	live := types.NewMsgID()
	dead := types.NewMsgID()
	_, err := idx.Publish("q", live, false)
	require.NoError(t, err)
	_, err = idx.Publish("q", dead, false)
	require.NoError(t, err)

	removed, err := idx.DeleteNonLiveEntries("q", func(id types.MsgID) bool {
		return id == live
	})
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	rows, err := idx.AllRows("q")
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestCompactQueueClosesGaps(t *testing.T) {
	idx := openTestIndex(t)
	var ids []types.MsgID
	for i := 0; i < 5; i++ {
		id := types.NewMsgID()
		ids = append(ids, id)
		_, err := idx.Publish("q", id, false)
		require.NoError(t, err)
	}

	// Simulate a crash leaving gaps: ack seq 1 and 3 directly.
	require.NoError(t, idx.Ack("q", 1))
	require.NoError(t, idx.Ack("q", 3))

	pair, err := idx.CompactQueue("q")
	require.NoError(t, err)
	require.EqualValues(t, 0, pair.ReadSeq)
	require.EqualValues(t, 3, pair.WriteSeq)

	var order []types.MsgID
	require.NoError(t, idx.Fold("q", func(seq uint64, e types.QueueEntry) error {
		order = append(order, e.MsgID)
		return nil
	}))
	require.Equal(t, []types.MsgID{ids[0], ids[2], ids[4]}, order)
}

func TestDeleteQueueRemovesEverything(t *testing.T) {
	idx := openTestIndex(t)
	_, err := idx.Publish("q", types.NewMsgID(), false)
	require.NoError(t, err)
	require.NoError(t, idx.SetDurable("q", false))

	require.NoError(t, idx.DeleteQueue("q"))
	require.EqualValues(t, 0, idx.Length("q"))

	durable, err := idx.IsDurable("q")
	require.NoError(t, err)
	require.True(t, durable, "durability marker should reset once the queue is gone")
}
