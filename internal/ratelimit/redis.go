package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mwistrand/aussie-sub005/internal/config"
	"github.com/mwistrand/aussie-sub005/internal/logging"
)

// RedisLimiter is a distributed window-counter limiter shared by all
// gateway instances. A Redis outage fails open: the request is admitted
// and a failure counter recorded.
type RedisLimiter struct {
	client   *redis.Client
	failures atomic.Int64
	now      func() time.Time // test hook
}

// NewRedisLimiter connects a limiter to Redis.
func NewRedisLimiter(cfg config.RedisConfig) *RedisLimiter {
	return &RedisLimiter{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		now: time.Now,
	}
}

// checkScript atomically increments the window counter and sets its expiry
// on first increment.
var checkScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// CheckAndConsume counts the request against the fixed window containing
// now. Admits at most requestsPerWindow + burstCapacity per window, which
// bounds any rolling window at the same figure plus one window's budget.
func (l *RedisLimiter) CheckAndConsume(ctx context.Context, key string, limit EffectiveRateLimit) (Decision, error) {
	window := time.Duration(limit.WindowSeconds) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	now := l.now()
	windowStart := now.Truncate(window)
	redisKey := key + ":" + windowStart.UTC().Format("20060102T150405")

	res, err := checkScript.Run(ctx, l.client, []string{redisKey}, window.Milliseconds()).Int64()
	if err != nil {
		l.failures.Add(1)
		logging.Warn("rate limiter storage unavailable, failing open",
			zap.String("key", key), zap.Error(err))
		return Decision{Allowed: true, Remaining: limit.RequestsPerWindow}, nil
	}

	max := int64(limit.RequestsPerWindow + limit.BurstCapacity)
	if res > max {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: windowStart.Add(window).Sub(now),
		}, nil
	}

	remaining := max - res
	return Decision{Allowed: true, Remaining: int(remaining)}, nil
}

// CleanupConnection removes the message-window counters for a closed
// WebSocket connection.
func (l *RedisLimiter) CleanupConnection(ctx context.Context, clientID, serviceID, connectionID string) error {
	pattern := WSMessageKey(clientID, serviceID, connectionID) + "*"

	var cursor uint64
	for {
		keys, next, err := l.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			l.failures.Add(1)
			return err
		}
		if len(keys) > 0 {
			if err := l.client.Del(ctx, keys...).Err(); err != nil {
				l.failures.Add(1)
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Failures returns the storage failure count.
func (l *RedisLimiter) Failures() int64 {
	return l.failures.Load()
}

// Close releases the Redis client.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
