// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package msgstore implements the store coordinator: the
// single-writer goroutine that owns the current append segment, the
// message location index, the segment summary table, the per-queue
// sequence table and the compactor, and exposes the public operation
// set over channels.
package msgstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/time/rate"

	"github.com/brinedb/msgstore/alarm"
	"github.com/brinedb/msgstore/compactor"
	"github.com/brinedb/msgstore/msgindex"
	"github.com/brinedb/msgstore/queueindex"
	"github.com/brinedb/msgstore/segment"
	"github.com/brinedb/msgstore/segsummary"
	"github.com/brinedb/msgstore/types"
)

var (
	ErrNotFound   = types.ErrNotFound
	ErrCorrupt    = types.ErrCorrupt
	ErrSealed     = types.ErrSealed
	ErrClosed     = types.ErrClosed
	ErrOutOfRange = types.ErrOutOfRange
)

// Store is the single-writer coordinator of the message store. All
// mutable state below current/summary/index/queues/compactor is
// touched only by the run goroutine; callers interact exclusively
// through channels, which is what gives every public operation
// linearisable semantics without fine-grained locking.
type Store struct {
	closed uint32 // atomic; set once, guards double-Close and post-close ops.

	dir  string
	opts Options

	logger  log.Logger
	metrics *storeMetrics

	index        types.Index
	diskIndexDir string
	summary      *segsummary.Table
	queues       *queueindex.Index
	readerCache  *segment.ReaderCache
	payloadCache *msgCache
	compactor    *compactor.Compactor
	dirty        *compactor.DirtySet

	alarms      *alarm.Registry
	modeMu      sync.Mutex
	modeManager QueueModeManagerOption
	limiter     *rate.Limiter

	current     *segment.File
	nextSegment uint64

	fsyncCh    chan command
	modeCh     chan command
	opsCh      chan command
	prefetchCh chan command

	commitTicker  *time.Ticker
	memTicker     *time.Ticker
	commitWaiters []chan error

	stopCh chan struct{}
	doneCh chan struct{}
}

// Open opens (creating if necessary) the message store rooted at dir.
// If segment or queue-index files already exist, the full recovery
// protocol runs before the store accepts operations.
func Open(dir string, opts ...Option) (*Store, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir %s: %w", dir, err)
	}

	readerCache, err := segment.NewReaderCache(dir, o.ReaderCacheSize)
	if err != nil {
		return nil, err
	}

	diskIndexDir := filepath.Join(dir, "msgindex")
	if err := os.MkdirAll(diskIndexDir, 0o755); err != nil {
		return nil, err
	}
	memIndex := msgindex.NewMemory()

	queues, err := queueindex.Open(filepath.Join(dir, "queues.db"))
	if err != nil {
		readerCache.Close()
		return nil, err
	}

	s := &Store{
		dir:          dir,
		opts:         o,
		logger:       o.Logger,
		metrics:      newStoreMetrics(o.Registerer),
		index:        memIndex,
		diskIndexDir: diskIndexDir,
		summary:      segsummary.New(),
		queues:       queues,
		readerCache:  readerCache,
		alarms:       alarm.NewRegistry(),
		modeManager:  o.ModeManager,
		limiter:      rate.NewLimiter(rate.Inf, 1),
		fsyncCh:      make(chan command, 64),
		modeCh:       make(chan command, 8),
		opsCh:        make(chan command, 1024),
		prefetchCh:   make(chan command, 64),
		commitTicker: time.NewTicker(o.CommitInterval),
		memTicker:    time.NewTicker(o.MemoryReportInterval),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	s.payloadCache = newMsgCache(o.CacheBytes)
	s.compactor = compactor.New(dir, o.SegmentSize, s.summary, s.index, s.readerCache)
	s.dirty = compactor.NewDirtySet()

	if err := s.recover(); err != nil {
		queues.Close()
		readerCache.Close()
		return nil, err
	}

	go s.run()
	return s, nil
}

// openTailSegment opens (creating if this is a brand new store) the
// current append segment at endOffset.
func (s *Store) openTailSegment(number uint64, endOffset int64) error {
	path := segment.SegmentPath(s.dir, number)
	var f *segment.File
	var err error
	if segment.Exists(s.dir, number) {
		f, err = segment.Open(path, number, s.opts.SegmentSize, endOffset)
	} else {
		f, err = segment.Create(path, number, s.opts.SegmentSize)
	}
	if err != nil {
		return err
	}
	s.current = f
	s.nextSegment = number + 1
	if _, err := s.summary.Lookup(number); err != nil {
		s.summary.Insert(number, segsummary.Entry{Valid: 0, ContigPrefix: 0})
	}
	return nil
}

func (s *Store) checkClosed() error {
	if atomic.LoadUint32(&s.closed) != 0 {
		return ErrClosed
	}
	return nil
}

// Close stops the run goroutine and closes every owned resource. Safe
// to call more than once.
func (s *Store) Close() error {
	if old := atomic.SwapUint32(&s.closed, 1); old != 0 {
		return nil
	}
	close(s.stopCh)
	<-s.doneCh
	s.failPending(ErrClosed)

	s.commitTicker.Stop()
	s.memTicker.Stop()
	s.readerCache.Close()
	if s.current != nil {
		s.current.Close()
	}
	if err := s.queues.Close(); err != nil {
		level.Error(s.logger).Log("msg", "error closing queue index", "err", err)
	}
	return s.index.Close()
}
