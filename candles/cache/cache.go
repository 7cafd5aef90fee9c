// Package cache implements the short-TTL in-memory result cache between the
// provider facade and the chunk processor.
//
// It solves this problem: if many strategy evaluations need the latest N
// candles of the same market right now, (1) it would take N*(collection run)
// to compute the same result over and over, and (2) the exchange would
// rate-limit the IP making the requests.
//
// Keys are request fingerprints (see common.ResolvedRequest.Fingerprint), so
// identical resolved requests share one entry. Entries expire after the TTL,
// are bounded in number by an LRU, and every entry of a (symbol, timeframe)
// pair is dropped when that pair is written to. The cache is an optimisation
// only; correctness never depends on it.
package cache

import (
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/marianogappa/upbit-candles/candles/common"
)

const (
	// DefaultTTL is the default lifetime of a cache entry.
	DefaultTTL = 60 * time.Second

	// DefaultMaxEntries is the default bound on the number of cache entries.
	DefaultMaxEntries = 1000
)

// MemoryCache implements the in-memory result cache layer that this package exposes.
type MemoryCache struct {
	mu          sync.Mutex
	entries     *lru.Cache
	ttl         time.Duration
	timeNowFunc func() time.Time

	cacheMisses   int
	cacheRequests int
}

type entry struct {
	candles    []common.Candle
	insertedAt time.Time
}

// NewMemoryCache instantiates the cache. maxEntries <= 0 and ttl <= 0 fall
// back to the defaults.
func NewMemoryCache(maxEntries int, ttl time.Duration) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	entries, _ := lru.New(maxEntries)
	return &MemoryCache{entries: entries, ttl: ttl, timeNowFunc: time.Now}
}

// SetTimeNowFunc injects the clock used for TTL checks.
func (c *MemoryCache) SetTimeNowFunc(fn func() time.Time) { c.timeNowFunc = fn }

// Get retrieves the cached result for a request fingerprint, if present and
// not expired.
func (c *MemoryCache) Get(fingerprint string) ([]common.Candle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheRequests++

	raw, ok := c.entries.Get(fingerprint)
	if !ok {
		c.cacheMisses++
		return nil, false
	}
	e := raw.(entry)
	if c.timeNowFunc().Sub(e.insertedAt) > c.ttl {
		c.entries.Remove(fingerprint)
		c.cacheMisses++
		return nil, false
	}
	return e.candles, true
}

// Stats returns the request and miss counters, consistently under the lock.
func (c *MemoryCache) Stats() (requests, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cacheRequests, c.cacheMisses
}

// Put stores a result under its request fingerprint, opportunistically
// sweeping expired entries. May evict the least recently used entry.
func (c *MemoryCache) Put(fingerprint string, candles []common.Candle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.timeNowFunc()
	for _, key := range c.entries.Keys() {
		raw, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(raw.(entry).insertedAt) > c.ttl {
			c.entries.Remove(key)
		}
	}
	c.entries.Add(fingerprint, entry{candles: candles, insertedAt: now})
}

// InvalidatePair drops every entry belonging to a (symbol, timeframe) pair.
// Called after each repository write so no stale entry outlives new data.
func (c *MemoryCache) InvalidatePair(symbol string, tf common.Timeframe) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := common.PairKey(symbol, tf) + "|"
	for _, key := range c.entries.Keys() {
		if strings.HasPrefix(key.(string), prefix) {
			c.entries.Remove(key)
		}
	}
}

// Len returns the number of live entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}
