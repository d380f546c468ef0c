// Package cache holds the most recent candle series per (symbol, timeframe)
// for a bounded time-to-live.
package cache

import (
	"context"
	"sync"
	"time"

	"GapSentinel/internal/model"
)

// DefaultTTL is used when a cache is built with a non-positive ttl.
const DefaultTTL = 30 * time.Second

// SeriesCache stores candle series keyed by (symbol, timeframe). An entry is
// valid while now - series.FetchedAt < ttl.
type SeriesCache interface {
	Get(ctx context.Context, pair model.Pair) (model.CandleSeries, bool)
	Put(ctx context.Context, series model.CandleSeries) error
}

// MemoryCache is the in-process SeriesCache.
type MemoryCache struct {
	mu  sync.RWMutex
	m   map[model.Pair]model.CandleSeries
	ttl time.Duration
	now func() time.Time
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{
		m:   make(map[model.Pair]model.CandleSeries),
		ttl: ttl,
		now: time.Now,
	}
}

// WithClock replaces the time source; used by tests.
func (c *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	c.now = now
	return c
}

func (c *MemoryCache) Get(_ context.Context, pair model.Pair) (model.CandleSeries, bool) {
	c.mu.RLock()
	s, ok := c.m[pair]
	c.mu.RUnlock()
	if !ok {
		return model.CandleSeries{}, false
	}
	if c.now().Sub(s.FetchedAt) >= c.ttl {
		c.mu.Lock()
		// only drop the entry we saw; a concurrent Put may have replaced it
		if cur, ok := c.m[pair]; ok && cur.FetchedAt.Equal(s.FetchedAt) {
			delete(c.m, pair)
		}
		c.mu.Unlock()
		return model.CandleSeries{}, false
	}
	return s, true
}

// Put replaces any existing entry for the series' pair.
func (c *MemoryCache) Put(_ context.Context, series model.CandleSeries) error {
	c.mu.Lock()
	c.m[series.Pair()] = series
	c.mu.Unlock()
	return nil
}

// Len returns the number of entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}
