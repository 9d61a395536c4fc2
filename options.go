// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package msgstore

import (
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultSegmentSize          = 64 * 1024 * 1024
	DefaultCommitInterval       = 5 * time.Millisecond
	DefaultCacheBytes           = 10 * 1024 * 1024
	DefaultReaderCacheSize      = 256
	DefaultMemoryReportInterval = time.Second
)

// Options configures a Store. The zero value is not valid; use Open
// with functional options.
type Options struct {
	SegmentSize          int64
	CommitInterval       time.Duration
	CacheBytes           int
	ReaderCacheSize      int
	MemoryReportInterval time.Duration
	Logger               log.Logger
	Registerer           prometheus.Registerer
	ModeManager          QueueModeManagerOption
}

// QueueModeManagerOption threads an alarm.QueueModeManager through Open
// without importing the alarm package into every call site.
type QueueModeManagerOption interface {
	ReportMemory(bytesUsed uint64, hibernating bool)
}

type Option func(*Options)

// WithSegmentSize overrides the per-segment soft size cap.
func WithSegmentSize(n int64) Option {
	return func(o *Options) { o.SegmentSize = n }
}

// WithCommitInterval overrides the group-commit ticker period.
func WithCommitInterval(d time.Duration) Option {
	return func(o *Options) { o.CommitInterval = d }
}

// WithCacheBytes overrides the approximate payload-cache byte budget.
func WithCacheBytes(n int) Option {
	return func(o *Options) { o.CacheBytes = n }
}

// WithReaderCacheSize overrides the sealed-segment read-handle LRU cap.
func WithReaderCacheSize(n int) Option {
	return func(o *Options) { o.ReaderCacheSize = n }
}

// WithMemoryReportInterval overrides how often memory reports push to
// the registered QueueModeManager.
func WithMemoryReportInterval(d time.Duration) Option {
	return func(o *Options) { o.MemoryReportInterval = d }
}

// WithLogger overrides the go-kit logger every component threads
// through.
func WithLogger(l log.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithRegisterer overrides the Prometheus registerer metrics are
// registered against.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *Options) { o.Registerer = r }
}

// WithModeManager registers the collaborator memory reports push to.
func WithModeManager(m QueueModeManagerOption) Option {
	return func(o *Options) { o.ModeManager = m }
}

func defaultOptions() Options {
	return Options{
		SegmentSize:          DefaultSegmentSize,
		CommitInterval:       DefaultCommitInterval,
		CacheBytes:           DefaultCacheBytes,
		ReaderCacheSize:      DefaultReaderCacheSize,
		MemoryReportInterval: DefaultMemoryReportInterval,
		Logger:               log.NewNopLogger(),
	}
}
