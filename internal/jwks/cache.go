// Package jwks caches remote JSON Web Key Sets with single-flight fetch
// coalescing.
package jwks

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mwistrand/aussie-sub005/internal/logging"
)

// DefaultTTL is how long a fetched key set stays fresh.
const DefaultTTL = time.Hour

// FetchError wraps any failure to retrieve or parse a key set.
type FetchError struct {
	URI string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("jwks fetch %s: %v", e.URI, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

type entry struct {
	set       jwk.Set
	expiresAt time.Time
}

// Cache holds key sets per JWKS URI. Concurrent misses for the same URI
// share a single in-flight fetch; the flight is forgotten on completion
// so a failed fetch can be retried immediately.
type Cache struct {
	client *http.Client
	ttl    time.Duration

	mu      sync.RWMutex
	entries map[string]entry
	flights singleflight.Group

	now func() time.Time // test hook
}

// NewCache creates a cache. A nil client uses a 10-second-timeout default;
// a non-positive ttl uses DefaultTTL.
func NewCache(client *http.Client, ttl time.Duration) *Cache {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		client:  client,
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// GetKeySet returns the cached key set for uri, fetching on a miss or
// after expiry.
func (c *Cache) GetKeySet(ctx context.Context, uri string) (jwk.Set, error) {
	c.mu.RLock()
	e, ok := c.entries[uri]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expiresAt) {
		return e.set, nil
	}
	return c.fetch(ctx, uri)
}

// Refresh evicts the entry and fetches a fresh key set.
func (c *Cache) Refresh(ctx context.Context, uri string) (jwk.Set, error) {
	c.Invalidate(uri)
	return c.fetch(ctx, uri)
}

// Invalidate evicts the entry without refetching.
func (c *Cache) Invalidate(uri string) {
	c.mu.Lock()
	delete(c.entries, uri)
	c.mu.Unlock()
}

func (c *Cache) fetch(ctx context.Context, uri string) (jwk.Set, error) {
	v, err, shared := c.flights.Do(uri, func() (any, error) {
		set, err := c.fetchOnce(ctx, uri)
		if err != nil {
			return nil, &FetchError{URI: uri, Err: err}
		}
		c.mu.Lock()
		c.entries[uri] = entry{set: set, expiresAt: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return set, nil
	})
	// Forget regardless of outcome so the next miss starts a new fetch.
	c.flights.Forget(uri)
	if err != nil {
		if !shared {
			logging.Warn("jwks fetch failed", zap.String("uri", uri), zap.Error(err))
		}
		return nil, err
	}
	return v.(jwk.Set), nil
}

func (c *Cache) fetchOnce(ctx context.Context, uri string) (jwk.Set, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	set, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse key set: %w", err)
	}
	return set, nil
}
