package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces limiter keys inside a shared Redis instance.
const keyPrefix = "rl:"

// RedisLimiter keeps sliding windows in a Redis sorted set per key, scored
// by attempt time in nanoseconds. Counters are shared across every process
// pointed at the same Redis, which keeps limits accurate when the service
// is horizontally scaled.
type RedisLimiter struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisLimiter creates a limiter backed by the given Redis client.
func NewRedisLimiter(client redis.UniversalClient) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		now:    time.Now,
	}
}

// attemptScript prunes the window, counts it and conditionally records the
// attempt in one atomic step, so concurrent processes cannot read the same
// count and all admit past the limit. Returns {allowed, count, oldestScore}.
var attemptScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local oldestScore = '0'
if oldest[2] then
	oldestScore = oldest[2]
end
if count >= tonumber(ARGV[3]) then
	return {0, count, oldestScore}
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return {1, count, oldestScore}
`)

// Attempt implements Limiter.
func (l *RedisLimiter) Attempt(ctx context.Context, key string, max int, window time.Duration) (Decision, error) {
	now := l.now()

	// Members carry a unique suffix so simultaneous attempts at the same
	// timestamp still count separately.
	res, err := attemptScript.Run(ctx, l.client, []string{keyPrefix + key},
		strconv.FormatInt(now.Add(-window).UnixNano(), 10),
		strconv.FormatInt(now.UnixNano(), 10),
		max,
		window.Milliseconds(),
		uuid.NewString(),
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit attempt failed: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit attempt returned %d values", len(res))
	}

	allowed, _ := res[0].(int64)
	count64, _ := res[1].(int64)
	count := int(count64)

	resetAt := now.Add(window)
	if s, ok := res[2].(string); ok {
		if score, perr := strconv.ParseFloat(s, 64); perr == nil && score > 0 && count > 0 {
			resetAt = time.Unix(0, int64(score)).Add(window)
		}
	}

	if allowed != 1 {
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}
	if count == 0 {
		resetAt = now.Add(window)
	}
	return Decision{Allowed: true, Remaining: max - count - 1, ResetAt: resetAt}, nil
}

// Reset implements Limiter.
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("rate limit reset failed: %w", err)
	}
	return nil
}
