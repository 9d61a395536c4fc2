// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package msgstore

import "github.com/go-kit/log/level"

// run is the single command-queue goroutine. It owns every piece of
// mutable state on Store; nothing outside this goroutine ever touches
// s.current, s.summary, s.index, s.queues or s.compactor directly.
//
// Priority is implemented as four parallel inboxes drained in priority
// order: each iteration first drains whatever is already queued on the
// higher-priority channels via non-blocking selects, falling through
// to a blocking multi-way select only once nothing is immediately
// ready.
func (s *Store) run() {
	defer func() {
		// One final group commit so a graceful Stop never loses appends
		// that were only waiting on the next timer tick.
		if s.current != nil && s.current.Dirty() {
			if err := s.current.Sync(); err != nil {
				level.Error(s.logger).Log("msg", "final fsync on shutdown failed", "err", err)
				s.flushCommitWaiters(err)
			} else {
				s.flushCommitWaiters(nil)
			}
		} else {
			s.flushCommitWaiters(nil)
		}
		s.failPending(ErrClosed)
		close(s.doneCh)
	}()
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if s.drainOnce() {
			continue
		}

		select {
		case cmd := <-s.fsyncCh:
			cmd.handle(s)
		case cmd := <-s.modeCh:
			cmd.handle(s)
		case cmd := <-s.opsCh:
			cmd.handle(s)
		case cmd := <-s.prefetchCh:
			cmd.handle(s)
		case <-s.commitTicker.C:
			s.handleCommitTick()
		case <-s.memTicker.C:
			s.handleReportMemoryTick()
		case <-s.dirty.Wake():
			s.runCompactionPass()
		case <-s.stopCh:
			return
		}
	}
}

// drainOnce services one command from the highest-priority non-empty
// inbox, in filesync > mode-switch > ops > prefetch order, returning
// whether it found anything to do.
func (s *Store) drainOnce() bool {
	select {
	case cmd := <-s.fsyncCh:
		cmd.handle(s)
		return true
	default:
	}
	select {
	case cmd := <-s.modeCh:
		cmd.handle(s)
		return true
	default:
	}
	select {
	case cmd := <-s.opsCh:
		cmd.handle(s)
		return true
	default:
	}
	select {
	case cmd := <-s.prefetchCh:
		cmd.handle(s)
		return true
	default:
	}
	return false
}

// failPending replies err to every command still queued, so callers
// that enqueued before shutdown don't block forever on their reply
// channels.
func (s *Store) failPending(err error) {
	for {
		select {
		case cmd := <-s.fsyncCh:
			cmd.fail(err)
		case cmd := <-s.modeCh:
			cmd.fail(err)
		case cmd := <-s.opsCh:
			cmd.fail(err)
		case cmd := <-s.prefetchCh:
			cmd.fail(err)
		default:
			return
		}
	}
}

func (s *Store) runCompactionPass() {
	dirty := s.dirty.Drain()
	if len(dirty) == 0 {
		return
	}
	var current uint64
	if s.current != nil {
		current = s.current.Number
	}
	if err := s.compactor.Run(dirty, current); err != nil {
		level.Error(s.logger).Log("msg", "compaction pass failed", "err", err)
		return
	}
	s.metrics.compactions.Inc()
}
