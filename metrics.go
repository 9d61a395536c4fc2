// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package msgstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type storeMetrics struct {
	publishes        prometheus.Counter
	publishBytes     prometheus.Counter
	delivers         prometheus.Counter
	acks             prometheus.Counter
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	fsyncs           prometheus.Counter
	segmentRotations prometheus.Counter
	compactions      prometheus.Counter
	compactedBytes   prometheus.Counter
	deferredCommits  prometheus.Gauge
}

func newStoreMetrics(reg prometheus.Registerer) *storeMetrics {
	return &storeMetrics{
		publishes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "msgstore_publishes_total",
			Help: "publishes_total counts the number of messages accepted by Publish and TxPublish.",
		}),
		publishBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "msgstore_publish_bytes_total",
			Help: "publish_bytes_total counts the payload bytes appended across all publishes.",
		}),
		delivers: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "msgstore_delivers_total",
			Help: "delivers_total counts calls to Deliver and PhantomDeliver.",
		}),
		acks: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "msgstore_acks_total",
			Help: "acks_total counts individual queue rows acked.",
		}),
		cacheHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "msgstore_cache_hits_total",
			Help: "cache_hits_total counts deliver calls served from the payload cache.",
		}),
		cacheMisses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "msgstore_cache_misses_total",
			Help: "cache_misses_total counts deliver calls that had to read the segment file.",
		}),
		fsyncs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "msgstore_fsyncs_total",
			Help: "fsyncs_total counts group-commit fsync calls against the current segment.",
		}),
		segmentRotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "msgstore_segment_rotations_total",
			Help: "segment_rotations_total counts how many times the current append segment sealed and a new one was created.",
		}),
		compactions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "msgstore_compactions_total",
			Help: "compactions_total counts completed compaction sweeps.",
		}),
		compactedBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "msgstore_compacted_bytes_total",
			Help: "compacted_bytes_total is registered for bytes reclaimed by compaction; no code path increments it, so it stays at 0.",
		}),
		deferredCommits: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "msgstore_deferred_commits",
			Help: "deferred_commits is the number of TxCommit replies currently waiting on the next fsync.",
		}),
	}
}
