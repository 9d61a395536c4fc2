// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package bench

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"github.com/stretchr/testify/require"

	"github.com/brinedb/msgstore"
	"github.com/brinedb/msgstore/types"
)

// entrySizes/batchSizes form the benchmark matrix: every entry size is
// measured at every batch size as its own sub-benchmark.
var entrySizes = []int{10, 1024, 100 * 1024, 1024 * 1024}
var entrySizeNames = []string{"10", "1k", "100k", "1m"}
var batchSizes = []int{1, 10}

func openStore(b *testing.B) *msgstore.Store {
	b.Helper()
	dir := b.TempDir()
	s, err := msgstore.Open(dir, msgstore.WithSegmentSize(64<<20))
	require.NoError(b, err)
	b.Cleanup(func() { s.Close() })
	return s
}

// BenchmarkPublish records publish throughput and latency distribution
// across entry sizes and batch sizes.
func BenchmarkPublish(b *testing.B) {
	for i, size := range entrySizes {
		for _, batch := range batchSizes {
			b.Run(fmt.Sprintf("entrySize=%s/batchSize=%d", entrySizeNames[i], batch), func(b *testing.B) {
				s := openStore(b)
				ctx := context.Background()
				payload := make([]byte, size)
				rand.New(rand.NewSource(1)).Read(payload)

				hist := hdrhistogram.New(1, 10_000_000, 3)
				b.ResetTimer()
				for i := 0; i < b.N; i++ {
					for j := 0; j < batch; j++ {
						id := types.NewMsgID()
						start := time.Now()
						_, err := s.Publish(ctx, "bench", id, payload, true, false)
						elapsed := time.Since(start)
						if err != nil {
							b.Fatalf("publish: %s", err)
						}
						hist.RecordValue(elapsed.Microseconds())
					}
				}
				b.StopTimer()
				b.ReportMetric(float64(hist.ValueAtQuantile(50)), "p50-us")
				b.ReportMetric(float64(hist.ValueAtQuantile(99)), "p99-us")
			})
		}
	}
}

// BenchmarkDeliver pre-loads a queue with n messages then measures
// deliver throughput, the read-path counterpart to BenchmarkPublish.
func BenchmarkDeliver(b *testing.B) {
	sizes := []int{128, 4096}
	for _, size := range sizes {
		b.Run(fmt.Sprintf("entrySize=%d", size), func(b *testing.B) {
			s := openStore(b)
			ctx := context.Background()
			payload := make([]byte, size)

			n := b.N
			if n < 1 {
				n = 1
			}
			for i := 0; i < n; i++ {
				_, err := s.Publish(ctx, "bench", types.NewMsgID(), payload, true, false)
				require.NoError(b, err)
			}

			hist := hdrhistogram.New(1, 10_000_000, 3)
			b.ResetTimer()
			for i := 0; i < n; i++ {
				start := time.Now()
				_, _, ok, err := s.Deliver(ctx, "bench")
				elapsed := time.Since(start)
				if err != nil || !ok {
					b.Fatalf("deliver: ok=%v err=%v", ok, err)
				}
				hist.RecordValue(elapsed.Microseconds())
			}
			b.StopTimer()
			b.ReportMetric(float64(hist.ValueAtQuantile(50)), "p50-us")
			b.ReportMetric(float64(hist.ValueAtQuantile(99)), "p99-us")
		})
	}
}

// BenchmarkSharedReferencePublish measures the refcount-bump path (an
// id already present in the index), which skips the append entirely
// and should be dramatically cheaper than a first publish.
func BenchmarkSharedReferencePublish(b *testing.B) {
	s := openStore(b)
	ctx := context.Background()
	id := types.NewMsgID()
	_, err := s.Publish(ctx, "q0", id, []byte("shared"), true, false)
	require.NoError(b, err)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		queue := fmt.Sprintf("q%d", i%64)
		if _, err := s.Publish(ctx, queue, id, []byte("shared"), true, false); err != nil {
			b.Fatalf("publish: %s", err)
		}
	}
}
