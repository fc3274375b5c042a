// Package cache provides a bounded, TTL-expiring LRU cache with observable counters.
package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Entry is a cached value with its bookkeeping timestamps.
type Entry[V any] struct {
	Key        string
	Value      V
	InsertedAt time.Time
	LastAccess time.Time
}

// Stats are the cache counters exposed for observability.
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
	Size        int    `json:"size"`
	Capacity    int    `json:"capacity"`
}

// Observer receives counter increments, e.g. to mirror them into metrics.
type Observer interface {
	CacheHit(name string)
	CacheMiss(name string)
	CacheEviction(name string)
}

// Cache is a size-bounded LRU whose entries expire after a TTL.
//
// Every read-check/evict/insert sequence runs under the single mutex, and the
// underlying simplelru is not internally synchronized, so there is exactly one
// lock guarding all cache state.
type Cache[V any] struct {
	name     string
	mu       sync.Mutex
	lru      *simplelru.LRU[string, *Entry[V]]
	ttl      time.Duration
	capacity int
	now      func() time.Time
	observer Observer
	stats    Stats
}

// Option configures a Cache.
type Option[V any] func(*Cache[V])

// WithClock replaces time.Now, used by tests to advance time.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *Cache[V]) {
		c.now = now
	}
}

// WithObserver mirrors counters to an observer.
func WithObserver[V any](o Observer) Option[V] {
	return func(c *Cache[V]) {
		c.observer = o
	}
}

// New creates a cache holding at most capacity entries for at most ttl each.
// A ttl of zero disables expiry.
func New[V any](name string, capacity int, ttl time.Duration, opts ...Option[V]) (*Cache[V], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("cache %s: capacity must be positive, got %d", name, capacity)
	}

	lru, err := simplelru.NewLRU[string, *Entry[V]](capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache %s: %w", name, err)
	}

	c := &Cache[V]{
		name:     name,
		lru:      lru,
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get returns the value for key. Expired entries are removed and reported as misses.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	entry, ok := c.lru.Get(key)
	if !ok {
		c.miss()
		return zero, false
	}

	now := c.now()
	if c.expired(entry, now) {
		c.lru.Remove(key)
		c.stats.Expirations++
		c.miss()
		return zero, false
	}

	entry.LastAccess = now
	c.stats.Hits++
	if c.observer != nil {
		c.observer.CacheHit(c.name)
	}
	return entry.Value, true
}

// Put inserts or replaces key, evicting the least recently used entry when full.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(key, value)
}

// PutIf inserts value only when cond holds. cond runs under the cache lock,
// so no Invalidate can land between the check and the insert.
func (c *Cache[V]) PutIf(key string, value V, cond func() bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !cond() {
		return false
	}
	c.put(key, value)
	return true
}

func (c *Cache[V]) put(key string, value V) {
	now := c.now()
	if existing, ok := c.lru.Peek(key); ok {
		existing.Value = value
		existing.InsertedAt = now
		existing.LastAccess = now
		c.lru.Get(key) // refresh recency
		return
	}

	// Expired entries go first so a live entry is never evicted in their place.
	if c.lru.Len() >= c.capacity {
		c.purgeExpired(now)
	}

	evicted := c.lru.Add(key, &Entry[V]{
		Key:        key,
		Value:      value,
		InsertedAt: now,
		LastAccess: now,
	})
	if evicted {
		c.stats.Evictions++
		if c.observer != nil {
			c.observer.CacheEviction(c.name)
		}
	}
}

// Invalidate removes key if present.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// Peek returns the entry without updating recency or counters.
func (c *Cache[V]) Peek(key string) (Entry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.lru.Peek(key)
	if !ok || c.expired(entry, c.now()) {
		return Entry[V]{}, false
	}
	return *entry, true
}

// Len returns the number of stored entries, including not yet purged expired ones.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns a snapshot of the counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Size = c.lru.Len()
	s.Capacity = c.capacity
	return s
}

func (c *Cache[V]) expired(entry *Entry[V], now time.Time) bool {
	return c.ttl > 0 && now.Sub(entry.InsertedAt) >= c.ttl
}

func (c *Cache[V]) purgeExpired(now time.Time) {
	for _, key := range c.lru.Keys() {
		entry, ok := c.lru.Peek(key)
		if ok && c.expired(entry, now) {
			c.lru.Remove(key)
			c.stats.Expirations++
		}
	}
}

func (c *Cache[V]) miss() {
	c.stats.Misses++
	if c.observer != nil {
		c.observer.CacheMiss(c.name)
	}
}
