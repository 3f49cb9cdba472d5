// Package cache is the aggregate query layer's in-process result cache: a
// TTL-bounded LRU sitting in front of the shared kv-store cache so repeat
// dashboard polls against the same gateway replica never round-trip to
// Redis at all.
package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fiberstack/fiber/internal/utils"
)

// entry holds a cached response with the time it was written.
type entry struct {
	value    string
	cachedAt time.Time
}

// Cache is a thread-safe, TTL-bounded LRU for serialized aggregate
// responses, keyed by the same dashboard cache key the shared kv-store uses.
type Cache struct {
	cache *lru.Cache[string, *entry]
	ttl   time.Duration
	mu    sync.RWMutex

	hits   uint64
	misses uint64
}

// New creates a local result cache with the given capacity and TTL.
func New(maxSize int, ttl time.Duration) (*Cache, error) {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	c, err := lru.New[string, *entry](maxSize)
	if err != nil {
		return nil, fmt.Errorf("cache: failed to create result cache: %w", err)
	}

	return &Cache{cache: c, ttl: ttl}, nil
}

// Get retrieves a cached value. Returns "", false on miss, TTL expiry, or a
// nil receiver (so an unconfigured cache degrades to always-miss).
func (c *Cache) Get(key string) (string, bool) {
	if c == nil || c.cache == nil {
		return "", false
	}

	c.mu.RLock()
	cached, ok := c.cache.Get(key)
	c.mu.RUnlock()

	if !ok {
		atomic.AddUint64(&c.misses, 1)
		return "", false
	}

	if time.Since(cached.cachedAt) > c.ttl {
		c.mu.Lock()
		current, stillExists := c.cache.Get(key)
		if stillExists && time.Since(current.cachedAt) > c.ttl {
			c.cache.Remove(key)
		}
		c.mu.Unlock()
		atomic.AddUint64(&c.misses, 1)
		return "", false
	}

	atomic.AddUint64(&c.hits, 1)
	return cached.value, true
}

// Set stores a value under key, stamped with the current time.
func (c *Cache) Set(key, value string) {
	if c == nil || c.cache == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(key, &entry{value: value, cachedAt: utils.NowUTC()})
}

// Invalidate removes a single key, used when the aggregate layer receives a
// cross-replica invalidation notice for an exact key.
func (c *Cache) Invalidate(key string) {
	if c == nil || c.cache == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(key)
}

// InvalidatePrefix removes every key with the given prefix, used when a
// pub/sub invalidation message names a dashboard key prefix rather than an
// exact key (e.g. after a node's data changes, invalidating all of that
// node's windowed views at once).
func (c *Cache) InvalidatePrefix(prefix string) int {
	if c == nil || c.cache == nil {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.cache.Keys() {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			c.cache.Remove(key)
			removed++
		}
	}
	return removed
}

// InvalidateAll clears the entire cache.
func (c *Cache) InvalidateAll() {
	if c == nil || c.cache == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}

// Stats reports cache occupancy and hit rate.
type Stats struct {
	Size    int
	Hits    uint64
	Misses  uint64
	HitRate float64
}

func (c *Cache) Stats() Stats {
	if c == nil || c.cache == nil {
		return Stats{}
	}

	c.mu.RLock()
	size := c.cache.Len()
	c.mu.RUnlock()

	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)
	total := hits + misses

	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return Stats{Size: size, Hits: hits, Misses: misses, HitRate: hitRate}
}

// Len returns current cache size.
func (c *Cache) Len() int {
	if c == nil || c.cache == nil {
		return 0
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache.Len()
}
