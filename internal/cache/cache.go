// Package cache provides the bounded in-memory store for per-network
// attestation counts.
package cache

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"

	"github.com/gateway-fm/attestgateway/pkg/types"
)

// DefaultCapacity is the number of entries held when no capacity is given.
const DefaultCapacity = 1000

// entry is stored by value so count and expiry are always written together.
type entry struct {
	value     uint64
	expiresAt time.Time
}

// TTLCache is a size-bounded LRU cache with a per-entry time-to-live.
// It is safe for concurrent use; callers never need their own locking.
//
// Recency is updated by both Get hits and Set. When an insert would exceed
// capacity the least recently used entry is evicted, whatever its remaining
// TTL.
type TTLCache struct {
	mu       sync.Mutex
	lru      lru.BasicLRU[string, entry]
	capacity int
	now      func() time.Time

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
}

// Option configures a TTLCache.
type Option func(*TTLCache)

// WithClock replaces time.Now, used by tests to control expiry.
func WithClock(now func() time.Time) Option {
	return func(c *TTLCache) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a cache holding at most capacity entries.
// A non-positive capacity falls back to DefaultCapacity.
func New(capacity int, opts ...Option) *TTLCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &TTLCache{
		lru:      lru.NewBasicLRU[string, entry](capacity),
		capacity: capacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value stored under key if it is present and not expired.
// Expired entries are removed on the spot and reported as absent.
func (c *TTLCache) Get(key string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return 0, false
	}
	if !c.now().Before(e.expiresAt) {
		c.lru.Remove(key)
		c.expirations++
		c.misses++
		return 0, false
	}
	c.hits++
	return e.value, true
}

// Set stores value under key until now+ttl, replacing any previous entry.
//
// A ttl of zero or less means the value is already expired: any existing
// entry for key is dropped and nothing is stored, so a following Get
// reports the key as absent.
func (c *TTLCache) Set(key string, value uint64, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		c.lru.Remove(key)
		return
	}
	if c.lru.Add(key, entry{value: value, expiresAt: c.now().Add(ttl)}) {
		c.evictions++
	}
}

// Delete removes key if present.
func (c *TTLCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// Len returns the number of stored entries, including expired entries that
// have not been read since they expired.
func (c *TTLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Capacity returns the maximum number of entries.
func (c *TTLCache) Capacity() int {
	return c.capacity
}

// Purge drops every entry. Counters are kept.
func (c *TTLCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Stats returns a snapshot of the cache counters.
func (c *TTLCache) Stats() types.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := types.CacheStats{
		Size:        c.lru.Len(),
		Capacity:    c.capacity,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRatio = float64(c.hits) / float64(total)
	}
	return s
}
