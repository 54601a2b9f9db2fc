package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLimiter(t *testing.T) (*RedisLimiter, *time.Time) {
	t.Helper()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })

	l := NewRedisLimiter(client)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestRedisLimiter_AllowsUpToMax(t *testing.T) {
	l, now := newRedisLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := l.Attempt(ctx, "login:alice", 5, 15*time.Minute)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "attempt %d should be allowed", i+1)
		assert.Equal(t, 4-i, d.Remaining)
		*now = now.Add(time.Second)
	}

	d, err := l.Attempt(ctx, "login:alice", 5, 15*time.Minute)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
}

func TestRedisLimiter_WindowSlides(t *testing.T) {
	l, now := newRedisLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Attempt(ctx, "login:alice", 3, 15*time.Minute)
		require.NoError(t, err)
		*now = now.Add(time.Minute)
	}

	d, err := l.Attempt(ctx, "login:alice", 3, 15*time.Minute)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	*now = now.Add(13 * time.Minute)
	d, err = l.Attempt(ctx, "login:alice", 3, 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedisLimiter_ConcurrentAttemptsRespectMax(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })

	l := NewRedisLimiter(client)
	ctx := context.Background()

	var admitted int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Attempt(ctx, "login:alice", 5, time.Minute)
			if err != nil {
				t.Error(err)
				return
			}
			if d.Allowed {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 5, admitted, "the window must admit exactly max attempts")
}

func TestRedisLimiter_Reset(t *testing.T) {
	l, _ := newRedisLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Attempt(ctx, "login:alice", 3, time.Minute)
		require.NoError(t, err)
	}

	require.NoError(t, l.Reset(ctx, "login:alice"))

	d, err := l.Attempt(ctx, "login:alice", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
}
