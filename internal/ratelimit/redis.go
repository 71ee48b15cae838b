package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window limiter whose counters live in Redis so they are shared by
// every API instance.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
	clock  func() time.Time
}

// NewRedisLimiter allows limit requests per identifier per window.
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		limit:  limit,
		window: window,
		prefix: "ratelimit:",
		clock:  time.Now,
	}
}

func (l *RedisLimiter) Limit(ctx context.Context, identifier string) (Result, error) {
	key := l.prefix + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return Result{}, err
	}
	if count == 1 {
		if err := l.client.PExpire(ctx, key, l.window).Err(); err != nil {
			return Result{}, err
		}
	}
	remainingTTL, err := l.client.PTTL(ctx, key).Result()
	if err != nil {
		return Result{}, err
	}
	if remainingTTL <= 0 {
		remainingTTL = l.window
	}
	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= int64(l.limit),
		Limit:     l.limit,
		Remaining: remaining,
		Reset:     l.clock().Add(remainingTTL),
	}, nil
}
