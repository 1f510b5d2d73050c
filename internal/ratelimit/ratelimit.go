// Package ratelimit throttles calls by an opaque key.
//
// MemoryLimiter is a per-process token bucket. RedisLimiter is a fixed-window
// counter shared by every instance pointing at the same Redis, used to keep
// a fleet inside an ad platform's account quota.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrThrottled is returned by Wait when no slot frees up in time.
var ErrThrottled = errors.New("ratelimit: throttled")

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. The key is opaque;
	// callers construct it (e.g. "platform:google:account:123").
	// Returning an error signals a limiter malfunction; callers treat
	// errors as fail-open rather than blocking traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

// Wait polls l until key is allowed, maxWait elapses, or ctx ends.
// Limiter errors fail open.
func Wait(ctx context.Context, l Limiter, key string, maxWait time.Duration) error {
	deadline := time.Now().Add(maxWait)
	delay := 10 * time.Millisecond
	for {
		ok, err := l.Allow(ctx, key)
		if err != nil || ok {
			return nil
		}
		if time.Now().Add(delay).After(deadline) {
			return ErrThrottled
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay < 250*time.Millisecond {
			delay *= 2
		}
	}
}
