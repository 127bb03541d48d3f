package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisLimiter(t *testing.T) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return &RedisLimiter{client: client}, mr
}

func TestRedisLimiterAllowsUpToCeiling(t *testing.T) {
	l, _ := newTestRedisLimiter(t)
	Ceiling["redis-test"] = 2
	defer delete(Ceiling, "redis-test")

	ctx := context.Background()
	res1, err := l.Allow(ctx, "3.3.3.3", "redis-test")
	require.NoError(t, err)
	assert.True(t, res1.Allowed)

	res2, err := l.Allow(ctx, "3.3.3.3", "redis-test")
	require.NoError(t, err)
	assert.True(t, res2.Allowed)

	res3, err := l.Allow(ctx, "3.3.3.3", "redis-test")
	require.NoError(t, err)
	assert.False(t, res3.Allowed)
}

func TestRedisLimiterIsolatesByKey(t *testing.T) {
	l, _ := newTestRedisLimiter(t)
	ctx := context.Background()

	res1, err := l.Allow(ctx, "4.4.4.4", "openai")
	require.NoError(t, err)
	res2, err := l.Allow(ctx, "5.5.5.5", "openai")
	require.NoError(t, err)

	assert.True(t, res1.Allowed)
	assert.True(t, res2.Allowed)
}
