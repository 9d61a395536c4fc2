// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package msgstore

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/brinedb/msgstore/types"
)

// msgCache is the delivered-payload cache: an LRU keyed by message-id,
// evicted by an approximate byte budget rather than entry count, so a
// handful of large payloads and thousands of small ones share the same
// knob.
//
// Entries are cached only for messages with Refcount > 1 (handlers.go);
// a message referenced by several queues is likely to be delivered
// again.
type msgCache struct {
	mu        sync.Mutex
	budget    int
	bytesUsed int
	lru       *lru.Cache
}

func newMsgCache(budgetBytes int) *msgCache {
	if budgetBytes <= 0 {
		budgetBytes = DefaultCacheBytes
	}
	c := &msgCache{budget: budgetBytes}
	// size is effectively unbounded by count; eviction is driven by
	// bytesUsed against budget in put, not by the LRU's own capacity.
	l, _ := lru.NewWithEvict(1<<20, c.onEvict)
	c.lru = l
	return c
}

func (c *msgCache) onEvict(key, value interface{}) {
	if payload, ok := value.([]byte); ok {
		c.bytesUsed -= len(payload)
	}
}

func (c *msgCache) get(id types.MsgID) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(id)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

func (c *msgCache) put(id types.MsgID, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.lru.Peek(id); ok {
		c.bytesUsed -= len(old.([]byte))
	}
	c.lru.Add(id, payload)
	c.bytesUsed += len(payload)
	for c.bytesUsed > c.budget && c.lru.Len() > 0 {
		c.lru.RemoveOldest()
	}
}

func (c *msgCache) remove(id types.MsgID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(id)
}

func (c *msgCache) bytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesUsed
}

func (c *msgCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
