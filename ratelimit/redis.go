package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig configures the distributed limiter's backing Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisLimiter shares rate-limit counters across gateway replicas via
// Redis, using a counter-per-window-bucket keyed by (clientIP,
// providerType, bucket-start). The bucket width equals Window, which
// trades sliding-window precision for a single INCR+EXPIRE round trip.
type RedisLimiter struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisLimiter(cfg RedisConfig, logger *zap.Logger) (*RedisLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ratelimit: connect to redis: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLimiter{client: client, logger: logger}, nil
}

func bucketKey(clientIP, providerName string, bucketStart int64) string {
	return fmt.Sprintf("traceforge:ratelimit:%s:%s:%d", providerName, clientIP, bucketStart)
}

func (l *RedisLimiter) Allow(ctx context.Context, clientIP, providerName string) (Result, error) {
	max := ceilingFor(providerName)
	now := time.Now()
	bucketStart := now.Truncate(Window).Unix()
	key := bucketKey(clientIP, providerName, bucketStart)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: incr: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, Window).Err(); err != nil {
			l.logger.Warn("ratelimit: failed to set bucket expiry", zap.Error(err))
		}
	}

	retryAfter := time.Unix(bucketStart, 0).Add(Window).Sub(now)
	remaining := int(int64(max) - count)
	if remaining < 0 {
		remaining = 0
	}

	if count > int64(max) {
		return Result{Allowed: false, Limit: max, Remaining: 0, RetryAfter: retryAfter}, nil
	}
	return Result{Allowed: true, Limit: max, Remaining: remaining}, nil
}

func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
