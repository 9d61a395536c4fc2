// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package segsummary implements the per-segment summary
// index: valid-bytes, contiguous-prefix-bytes and neighbour links,
// ordered by segment number.
package segsummary

import (
	"sync"

	"github.com/benbjohnson/immutable"
	"github.com/brinedb/msgstore/types"
)

// Entry is one segment's summary row. Left/Right are nil at the ends of
// the doubly-linked list (leftmost has Left == nil, the current append
// segment has Right == nil).
type Entry struct {
	Valid        uint64
	ContigPrefix uint64
	Left         *uint64
	Right        *uint64
}

// Table is the in-memory ordered segment summary index. It holds an
// immutable.SortedMap snapshot so Iterate/Lookup never observe a torn
// write, while mutation is serialized by the coordinator goroutine that
// owns the Table.
type Table struct {
	mu sync.RWMutex
	m  *immutable.SortedMap[uint64, Entry]
}

// New builds an empty segment summary table.
func New() *Table {
	return &Table{m: immutable.NewSortedMap[uint64, Entry](nil)}
}

// Lookup returns the summary for seg, or ErrNotFound.
func (t *Table) Lookup(seg uint64) (Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.m.Get(seg)
	if !ok {
		return Entry{}, types.ErrNotFound
	}
	return e, nil
}

// Insert adds a brand-new segment's summary row.
func (t *Table) Insert(seg uint64, e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m = t.m.Set(seg, e)
}

// Update replaces seg's summary row wholesale; callers read-modify-write
// via Lookup then Update.
func (t *Table) Update(seg uint64, e Entry) {
	t.Insert(seg, e)
}

// Delete removes seg's summary row (called once a segment is deleted).
func (t *Table) Delete(seg uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m = t.m.Delete(seg)
}

// Iterate walks every segment summary in ascending segment-number order.
// fn's error, if any, stops the walk and is returned.
func (t *Table) Iterate(fn func(seg uint64, e Entry) error) error {
	t.mu.RLock()
	snapshot := t.m
	t.mu.RUnlock()

	it := snapshot.Iterator()
	for !it.Done() {
		seg, e, _ := it.Next()
		if err := fn(seg, e); err != nil {
			return err
		}
	}
	return nil
}

// Len reports the number of segments tracked.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.m.Len()
}

// Leftmost returns the lowest segment number in the table, or false if
// the table is empty.
func (t *Table) Leftmost() (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	it := t.m.Iterator()
	if it.Done() {
		return 0, false
	}
	seg, _, _ := it.Next()
	return seg, true
}

// Rightmost returns the highest segment number in the table (the
// current append segment, in steady state), or false if empty.
func (t *Table) Rightmost() (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	it := t.m.Iterator()
	it.Last()
	if it.Done() {
		return 0, false
	}
	seg, _, _ := it.Prev()
	return seg, true
}

// Uint64P is a small helper for building Entry.Left/Right pointers.
func Uint64P(v uint64) *uint64 { return &v }
