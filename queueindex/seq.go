// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package queueindex

import (
	"sync"

	"github.com/brinedb/msgstore/types"
)

// seqTable is the in-memory queue sequence map:
// queue_name -> (readSeq, writeSeq).
type seqTable struct {
	mu sync.RWMutex
	m  map[string]types.QueueSeqPair
}

func newSeqTable() *seqTable {
	return &seqTable{m: make(map[string]types.QueueSeqPair)}
}

func (s *seqTable) get(queue string) (types.QueueSeqPair, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.m[queue]
	return p, ok
}

func (s *seqTable) set(queue string, p types.QueueSeqPair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[queue] = p
}

func (s *seqTable) delete(queue string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, queue)
}

func (s *seqTable) names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.m))
	for k := range s.m {
		out = append(out, k)
	}
	return out
}
