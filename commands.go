// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package msgstore

import (
	"github.com/brinedb/msgstore/types"
)

// command is the interface every message on the coordinator's inboxes
// implements. handle runs on the run goroutine only; fail replies with
// err instead, used to release callers still queued when the store
// shuts down.
type command interface {
	handle(s *Store)
	fail(err error)
}

type publishCmd struct {
	queue      string
	id         types.MsgID
	payload    []byte
	persistent bool
	delivered  bool
	reply      chan publishResult
}

type publishResult struct {
	seq uint64
	err error
}

type txPublishCmd struct {
	id         types.MsgID
	payload    []byte
	persistent bool
	reply      chan error
}

type txCommitEntry struct {
	queue string
	id    types.MsgID
}

type txAckEntry struct {
	queue string
	seq   uint64
}

type txCommitCmd struct {
	publishes []txCommitEntry
	acks      []txAckEntry
	reply     chan error
}

type txCancelCmd struct {
	ids   []types.MsgID
	reply chan error
}

type deliverCmd struct {
	queue       string
	withPayload bool
	reply       chan deliverResult
}

type deliverResult struct {
	entry   types.DeliveredEntry
	payload []byte
	ok      bool
	err     error
}

type ackEntry struct {
	queue string
	seq   uint64
	id    types.MsgID
}

type ackCmd struct {
	entries []ackEntry
	reply   chan error
}

type requeueCmd struct {
	queue   string
	entries []types.RequeueEntry
	reply   chan error
}

type requeueNextNCmd struct {
	queue string
	n     uint64
	reply chan error
}

type purgeCmd struct {
	queue string
	reply chan purgeResult
}

type purgeResult struct {
	count int
	err   error
}

type deleteQueueCmd struct {
	queue string
	reply chan error
}

type foldCmd struct {
	queue string
	fn    func(seq uint64, e types.QueueEntry) error
	reply chan error
}

type modeSwitchCmd struct {
	toDiskOnly bool // true: memory -> disk; false: disk -> memory
	reply      chan error
}

type cacheInfoCmd struct {
	reply chan CacheInfo
}

// CacheInfo summarizes current resource usage for operational
// introspection.
type CacheInfo struct {
	IndexEntries  int
	ReaderHandles int
	CacheBytes    int
	CacheEntries  int
	DirtySegments int
}

func (c *publishCmd) handle(s *Store)      { s.handlePublish(c) }
func (c *txPublishCmd) handle(s *Store)    { s.handleTxPublish(c) }
func (c *txCommitCmd) handle(s *Store)     { s.handleTxCommit(c) }
func (c *txCancelCmd) handle(s *Store)     { s.handleTxCancel(c) }
func (c *deliverCmd) handle(s *Store)      { s.handleDeliver(c) }
func (c *ackCmd) handle(s *Store)          { s.handleAck(c) }
func (c *requeueCmd) handle(s *Store)      { s.handleRequeue(c) }
func (c *requeueNextNCmd) handle(s *Store) { s.handleRequeueNextN(c) }
func (c *purgeCmd) handle(s *Store)        { s.handlePurge(c) }
func (c *deleteQueueCmd) handle(s *Store)  { s.handleDeleteQueue(c) }
func (c *foldCmd) handle(s *Store)         { c.reply <- s.queues.Fold(c.queue, c.fn) }
func (c *modeSwitchCmd) handle(s *Store)   { s.handleModeSwitch(c) }
func (c *cacheInfoCmd) handle(s *Store)    { s.handleCacheInfo(c) }

func (c *publishCmd) fail(err error)      { c.reply <- publishResult{err: err} }
func (c *txPublishCmd) fail(err error)    { c.reply <- err }
func (c *txCommitCmd) fail(err error)     { c.reply <- err }
func (c *txCancelCmd) fail(err error)     { c.reply <- err }
func (c *deliverCmd) fail(err error)      { c.reply <- deliverResult{err: err} }
func (c *ackCmd) fail(err error)          { c.reply <- err }
func (c *requeueCmd) fail(err error)      { c.reply <- err }
func (c *requeueNextNCmd) fail(err error) { c.reply <- err }
func (c *purgeCmd) fail(err error)        { c.reply <- purgeResult{err: err} }
func (c *deleteQueueCmd) fail(err error)  { c.reply <- err }
func (c *foldCmd) fail(err error)         { c.reply <- err }
func (c *modeSwitchCmd) fail(err error)   { c.reply <- err }
func (c *cacheInfoCmd) fail(error)        { c.reply <- CacheInfo{} }
