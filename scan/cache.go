package scan

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/zzcclp/blaze/colpack/format"
	"github.com/zzcclp/blaze/internal/debug"
)

// DefaultFooterCacheCapacity is the number of parsed footers a footer cache
// retains by default.
const DefaultFooterCacheCapacity = 5

// FooterCache is a bounded table of parsed colpack footers keyed by file
// location. Footers cost at least one storage round trip to produce and are
// cheap to share, so the partitions of a scan (and, when a cache is injected
// into several plans, the scans of a process) reuse them instead of
// re-fetching.
//
// Each entry is fetched at most once at a time: concurrent requests for the
// same file share one in-flight fetch and receive the same result. A failed
// fetch empties the entry again so that a later request can retry; failures
// are never cached.
//
// When the table is full, inserting evicts the oldest entry regardless of
// use. Footer reuse is bursty within one scan rather than spread across
// scans, so insertion order is as good as LRU here and keeps the bookkeeping
// trivial.
type FooterCache struct {
	capacity int

	mutex   sync.Mutex
	entries []*cacheEntry

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type cacheEntry struct {
	location string
	size     int64
	slot     footerSlot
}

// NewFooterCache constructs a cache retaining up to capacity footers.
func NewFooterCache(capacity int) *FooterCache {
	if capacity <= 0 {
		capacity = DefaultFooterCacheCapacity
	}
	return &FooterCache{capacity: capacity}
}

// Get returns the parsed footer of the file at the given location, fetching
// it with fetch if no other request already did. The size is part of the
// identity check: when a cached file changed size (it was replaced in
// storage), the stale entry is discarded and re-fetched.
//
// The table lock is never held while fetch runs; concurrent Gets of the same
// location are serialized by the entry itself.
func (c *FooterCache) Get(ctx context.Context, location string, size int64, fetch func(context.Context) (*format.FileMetaData, error)) (*format.FileMetaData, error) {
	c.mutex.Lock()
	entry := c.lookup(location, size)
	c.mutex.Unlock()

	return entry.slot.get(ctx, fetch)
}

func (c *FooterCache) lookup(location string, size int64) *cacheEntry {
	for i, entry := range c.entries {
		if entry.location != location {
			continue
		}
		if entry.size == size {
			c.hits.Add(1)
			return entry
		}
		// Same location, different size: the file was replaced. Drop the
		// stale entry and fall through to a miss.
		c.entries = append(c.entries[:i], c.entries[i+1:]...)
		break
	}

	c.misses.Add(1)
	if len(c.entries) >= c.capacity {
		evicted := c.entries[0]
		c.entries = c.entries[1:]
		c.evictions.Add(1)
		debug.Format("scan: footer cache evicted %q", evicted.location)
	}
	entry := &cacheEntry{location: location, size: size}
	c.entries = append(c.entries, entry)
	return entry
}

// Len returns the current number of entries.
func (c *FooterCache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.entries)
}

// Stats returns the hit, miss and eviction counts of the cache.
func (c *FooterCache) Stats() CacheStats {
	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

// CacheStats are the counters of a FooterCache.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
}

// footerSlot holds the footer of one file. It moves from empty to pending
// when a fetch starts, then to ready on success or back to empty on failure.
// The slot's own lock serializes these transitions, independently of the
// cache table lock.
type footerSlot struct {
	mutex  sync.Mutex
	footer *format.FileMetaData
	ready  bool
	flight *footerFlight
}

// footerFlight is one fetch attempt. Requests arriving while it is in
// flight wait for done and share its outcome, error included.
type footerFlight struct {
	done   chan struct{}
	footer *format.FileMetaData
	err    error
}

func (s *footerSlot) get(ctx context.Context, fetch func(context.Context) (*format.FileMetaData, error)) (*format.FileMetaData, error) {
	s.mutex.Lock()
	if s.ready {
		footer := s.footer
		s.mutex.Unlock()
		return footer, nil
	}
	if flight := s.flight; flight != nil {
		s.mutex.Unlock()
		select {
		case <-flight.done:
			return flight.footer, flight.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	flight := &footerFlight{done: make(chan struct{})}
	s.flight = flight
	s.mutex.Unlock()

	footer, err := fetch(ctx)

	s.mutex.Lock()
	if err == nil {
		s.footer = footer
		s.ready = true
	}
	s.flight = nil
	s.mutex.Unlock()

	flight.footer, flight.err = footer, err
	close(flight.done)
	return footer, err
}
