// Package localcache provides a size-bounded TTL cache with per-entry
// expiry jitter. Jitter spreads expirations so that entries populated in a
// burst do not all miss at once.
package localcache

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is a concurrent TTL+LRU cache. Each insertion records
// expiresAt = now + ttl * (1 + U(-jitter, +jitter)).
type Cache[K comparable, V any] struct {
	mu     sync.Mutex
	lru    *lru.Cache[K, *entry[V]]
	ttl    time.Duration
	jitter float64 // fraction of ttl, [0, 1)

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	now func() time.Time // test hook
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Config holds cache construction parameters.
type Config struct {
	MaxEntries int
	TTL        time.Duration
	Jitter     float64
}

// New creates a cache. MaxEntries defaults to 1024, TTL to 5 minutes.
func New[K comparable, V any](cfg Config) *Cache[K, V] {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1024
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = 0
	}
	c := &Cache[K, V]{
		ttl:    cfg.TTL,
		jitter: cfg.Jitter,
		now:    time.Now,
	}
	c.lru, _ = lru.NewWithEvict[K, *entry[V]](cfg.MaxEntries, func(K, *entry[V]) {
		c.evictions.Add(1)
	})
	return c
}

// Get returns the value for key if present and unexpired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	e, ok := c.lru.Get(key)
	if ok && c.now().After(e.expiresAt) {
		c.lru.Remove(key)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	c.hits.Add(1)
	return e.value, true
}

// Set stores a value under key with a jittered TTL.
func (c *Cache[K, V]) Set(key K, value V) {
	ttl := c.ttl
	if c.jitter > 0 {
		// Uniform draw in [-jitter, +jitter)
		factor := 1 + (rand.Float64()*2-1)*c.jitter
		ttl = time.Duration(float64(ttl) * factor)
	}
	e := &entry[V]{value: value, expiresAt: c.now().Add(ttl)}

	c.mu.Lock()
	c.lru.Add(key, e)
	c.mu.Unlock()
}

// Remove evicts a key. Returns true if it was present.
func (c *Cache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// Purge removes all entries.
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	c.lru.Purge()
	c.mu.Unlock()
}

// Len returns the number of resident entries, including expired ones not
// yet swept by reads.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
}

// Stats returns current counters.
func (c *Cache[K, V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.Len(),
	}
}
