// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package compactor implements the online compactor that reclaims
// holes left by acked messages and combines under-filled neighbouring
// segments.
package compactor

import "sync"

// DirtySet accumulates segment numbers whose valid-bytes shrank, the
// candidate set a compaction pass consumes. Producers never block on
// the compactor keeping up; the compactor drains whatever has
// accumulated each time it wakes.
type DirtySet struct {
	mu      sync.Mutex
	pending map[uint64]struct{}
	wake    chan struct{}
}

// NewDirtySet builds an empty dirty set with a 1-buffered wake channel.
func NewDirtySet() *DirtySet {
	return &DirtySet{
		pending: make(map[uint64]struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// Mark records seg as a compaction candidate and nudges any goroutine
// waiting on Wake. Never blocks.
func (d *DirtySet) Mark(seg uint64) {
	d.mu.Lock()
	d.pending[seg] = struct{}{}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Wake returns the channel a background compaction loop selects on to
// learn new segments arrived.
func (d *DirtySet) Wake() <-chan struct{} { return d.wake }

// Drain removes and returns every pending segment number, leaving the
// set empty. Safe to call even if nothing is pending.
func (d *DirtySet) Drain() map[uint64]struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.pending
	d.pending = make(map[uint64]struct{})
	return out
}

// Len reports how many segments are currently pending.
func (d *DirtySet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
