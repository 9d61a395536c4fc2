// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package msgindex implements the message location index:
// an in-memory backend and a disk-resident (bbolt) backend behind one
// small interface, switchable at runtime.
package msgindex

import (
	"sync"

	"github.com/brinedb/msgstore/types"
)

// Memory is the low-latency, in-memory message location index backend.
type Memory struct {
	mu sync.RWMutex
	m  map[types.MsgID]types.MsgLoc
}

// NewMemory builds an empty in-memory index.
func NewMemory() *Memory {
	return &Memory{m: make(map[types.MsgID]types.MsgLoc)}
}

func (idx *Memory) Get(id types.MsgID) (types.MsgLoc, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	loc, ok := idx.m[id]
	if !ok {
		return types.MsgLoc{}, types.ErrNotFound
	}
	return loc, nil
}

func (idx *Memory) Insert(id types.MsgID, loc types.MsgLoc) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.m[id] = loc
	return nil
}

func (idx *Memory) InsertNew(id types.MsgID, loc types.MsgLoc) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.m[id]; ok {
		return types.ErrKeyExists
	}
	idx.m[id] = loc
	return nil
}

func (idx *Memory) Delete(id types.MsgID) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.m, id)
	return nil
}

func (idx *Memory) MatchBySegment(seg uint64) (map[types.MsgID]types.MsgLoc, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make(map[types.MsgID]types.MsgLoc)
	for id, loc := range idx.m {
		if loc.Segment == seg {
			out[id] = loc
		}
	}
	return out, nil
}

func (idx *Memory) Len() (int, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.m), nil
}

func (idx *Memory) ForEach(fn func(types.MsgID, types.MsgLoc) error) error {
	idx.mu.RLock()
	// Copy under the lock so fn may take arbitrarily long without
	// blocking writers for the whole walk.
	snapshot := make(map[types.MsgID]types.MsgLoc, len(idx.m))
	for k, v := range idx.m {
		snapshot[k] = v
	}
	idx.mu.RUnlock()

	for id, loc := range snapshot {
		if err := fn(id, loc); err != nil {
			return err
		}
	}
	return nil
}

func (idx *Memory) Close() error { return nil }
