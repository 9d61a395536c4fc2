// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultReaderCacheSize is the default cap on open sealed-segment
// read descriptors.
const DefaultReaderCacheSize = 256

// ReaderCache is an LRU of *Reader keyed by segment number, evicting
// (and closing) the least-recently-used handle once it is full.
type ReaderCache struct {
	mu  sync.Mutex
	dir string
	lru *lru.Cache
}

// NewReaderCache builds a reader cache rooted at dir with the given
// capacity.
func NewReaderCache(dir string, size int) (*ReaderCache, error) {
	if size <= 0 {
		size = DefaultReaderCacheSize
	}
	rc := &ReaderCache{dir: dir}
	c, err := lru.NewWithEvict(size, rc.onEvict)
	if err != nil {
		return nil, err
	}
	rc.lru = c
	return rc, nil
}

func (rc *ReaderCache) onEvict(key, value interface{}) {
	if r, ok := value.(*Reader); ok {
		_ = r.Close()
	}
}

// Get returns a cached reader for segment number, opening it on a miss.
func (rc *ReaderCache) Get(number uint64) (*Reader, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if v, ok := rc.lru.Get(number); ok {
		return v.(*Reader), nil
	}
	r, err := openReader(SegmentPath(rc.dir, number), number)
	if err != nil {
		return nil, err
	}
	rc.lru.Add(number, r)
	return r, nil
}

// Evict removes and closes any cached reader for number, called when a
// segment is deleted or about to be rewritten by compaction so stale
// descriptors can't be read from.
func (rc *ReaderCache) Evict(number uint64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.lru.Remove(number)
}

// Len reports the number of cached handles, exposed through CacheInfo.
func (rc *ReaderCache) Len() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.lru.Len()
}

// Close evicts and closes every cached reader.
func (rc *ReaderCache) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.lru.Purge()
}
