package routeauth

import (
	"context"
	"time"

	"github.com/mwistrand/aussie-sub005/internal/localcache"
)

// MemorySessionStore keeps sessions in a bounded TTL cache. Suitable for
// single-instance deployments; multi-instance setups plug in a shared
// store behind the same interface.
type MemorySessionStore struct {
	cache *localcache.Cache[string, *Session]
}

// NewMemorySessionStore creates a store holding at most maxEntries live
// sessions, each evicted after ttl.
func NewMemorySessionStore(maxEntries int, ttl time.Duration) *MemorySessionStore {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemorySessionStore{
		cache: localcache.New[string, *Session](localcache.Config{
			MaxEntries: maxEntries,
			TTL:        ttl,
		}),
	}
}

// Get returns the session, or (nil, nil) when absent or expired.
func (s *MemorySessionStore) Get(ctx context.Context, id string) (*Session, error) {
	sess, ok := s.cache.Get(id)
	if !ok {
		return nil, nil
	}
	if !sess.ExpiresAt.IsZero() && time.Now().After(sess.ExpiresAt) {
		s.cache.Remove(id)
		return nil, nil
	}
	return sess, nil
}

// Put stores or replaces a session.
func (s *MemorySessionStore) Put(sess *Session) {
	s.cache.Set(sess.ID, sess)
}

// Delete removes a session, ending it immediately.
func (s *MemorySessionStore) Delete(id string) {
	s.cache.Remove(id)
}
