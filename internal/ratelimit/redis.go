package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter allows at most limit calls per key in each fixed window,
// counted in Redis so every instance shares the budget.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
}

// NewRedisLimiter creates a limiter storing counters under prefix.
func NewRedisLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, limit: int64(limit), window: window}
}

// Allow increments the counter of the current window and compares it to the limit.
func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	slot := time.Now().UnixMilli() / r.window.Milliseconds()
	k := fmt.Sprintf("%s:%s:%d", r.prefix, key, slot)

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.PExpire(ctx, k, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("ratelimit: redis incr: %w", err)
	}
	return incr.Val() <= r.limit, nil
}

// Close does not close the shared client.
func (r *RedisLimiter) Close() error { return nil }
