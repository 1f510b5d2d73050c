package ratelimit

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	tokens float64
	seen   time.Time
}

// MemoryLimiter is a token bucket per key held in process memory.
//
// Buckets refill at rate tokens per second up to burst. Keys idle for
// longer than idleTTL are evicted by a background sweep.
type MemoryLimiter struct {
	rate  float64
	burst float64
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

const idleTTL = 10 * time.Minute

// NewMemoryLimiter creates a token bucket limiter allowing rate calls per
// second per key with bursts up to burst. Call Close to stop the sweeper.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	return newMemoryLimiter(rate, burst, time.Now)
}

func newMemoryLimiter(rate float64, burst int, now func() time.Time) *MemoryLimiter {
	if burst < 1 {
		burst = 1
	}
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		now:     now,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Allow takes one token for key if one is available.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b := m.buckets[key]
	if b == nil {
		b = &bucket{tokens: m.burst, seen: now}
		m.buckets[key] = b
	}

	b.tokens = min(m.burst, b.tokens+now.Sub(b.seen).Seconds()*m.rate)
	b.seen = now
	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Len reports how many keys are tracked.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Close stops the sweeper. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

func (m *MemoryLimiter) evictIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-idleTTL)
	for key, b := range m.buckets {
		if b.seen.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
