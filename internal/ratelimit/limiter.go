// Package ratelimit resolves hierarchical rate limits and enforces them
// with token buckets keyed by client and service.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// EffectiveRateLimit is the resolved limit triple after hierarchy merge and
// platform clamping.
type EffectiveRateLimit struct {
	RequestsPerWindow int
	WindowSeconds     int
	BurstCapacity     int
}

// ratePerSecond is the bucket refill rate.
func (l EffectiveRateLimit) ratePerSecond() float64 {
	if l.WindowSeconds <= 0 {
		return float64(l.RequestsPerWindow)
	}
	return float64(l.RequestsPerWindow) / float64(l.WindowSeconds)
}

// Decision is the outcome of a single limiter check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter checks and consumes rate-limit tokens. Implementations must
// fail open: a storage outage yields an allowed decision and a failure
// count, never an error that blocks the request.
type Limiter interface {
	CheckAndConsume(ctx context.Context, key string, limit EffectiveRateLimit) (Decision, error)
	CleanupConnection(ctx context.Context, clientID, serviceID, connectionID string) error
}

// Key builders. Keys are namespaced so HTTP, WebSocket connection and
// WebSocket message budgets never collide.

func HTTPKey(clientID, serviceID string) string {
	return "http:" + clientID + ":" + serviceID
}

func WSConnectionKey(clientID, serviceID string) string {
	return "ws_connection:" + clientID + ":" + serviceID
}

func WSMessageKey(clientID, serviceID, connectionID string) string {
	return fmt.Sprintf("ws_message:%s:%s:%s", clientID, serviceID, connectionID)
}

// bucket holds one token bucket's mutable state. Parameters come from the
// limit passed on every check so config updates take effect immediately.
type bucket struct {
	tokens   float64
	lastTime time.Time
}

// LocalLimiter is an in-process token bucket limiter over a sharded map.
// Capacity is the burst allowance on top of the steady refill rate, so at
// most requestsPerWindow + burstCapacity requests are admitted in any
// rolling window.
type LocalLimiter struct {
	buckets    *shardedMap[*bucket]
	cleanupInt time.Duration
	now        func() time.Time // test hook
	stop       chan struct{}
}

// NewLocalLimiter creates the limiter and starts its stale-bucket sweeper.
func NewLocalLimiter() *LocalLimiter {
	l := &LocalLimiter{
		buckets:    newShardedMap[*bucket](),
		cleanupInt: 5 * time.Minute,
		now:        time.Now,
		stop:       make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// CheckAndConsume takes one token from the bucket for key, refilling by
// elapsed time first. The local limiter has no storage dependency and
// never returns an error.
func (l *LocalLimiter) CheckAndConsume(ctx context.Context, key string, limit EffectiveRateLimit) (Decision, error) {
	now := l.now()
	capacity := float64(limit.RequestsPerWindow + limit.BurstCapacity)
	rate := limit.ratePerSecond()

	s := l.buckets.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.items[key]
	if !ok {
		b = &bucket{tokens: capacity, lastTime: now}
		s.items[key] = b
	}

	elapsed := now.Sub(b.lastTime).Seconds()
	b.tokens += elapsed * rate
	if b.tokens > capacity {
		b.tokens = capacity
	}
	b.lastTime = now

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true, Remaining: int(b.tokens)}, nil
	}

	wait := time.Duration((1 - b.tokens) / rate * float64(time.Second))
	if wait < time.Second {
		wait = time.Second
	}
	return Decision{Allowed: false, Remaining: 0, RetryAfter: wait}, nil
}

// CleanupConnection drops the message bucket for a closed WebSocket
// connection so per-connection state does not linger until the sweeper.
func (l *LocalLimiter) CleanupConnection(ctx context.Context, clientID, serviceID, connectionID string) error {
	prefix := WSMessageKey(clientID, serviceID, connectionID)
	l.buckets.deleteFunc(func(key string, _ *bucket) bool {
		return strings.HasPrefix(key, prefix)
	})
	return nil
}

// Close stops the sweeper.
func (l *LocalLimiter) Close() {
	close(l.stop)
}

func (l *LocalLimiter) cleanup() {
	ticker := time.NewTicker(l.cleanupInt)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			now := l.now()
			l.buckets.deleteFunc(func(_ string, b *bucket) bool {
				return now.Sub(b.lastTime) > 10*time.Minute
			})
		}
	}
}
