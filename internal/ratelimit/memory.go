package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	staleThreshold  = 10 * time.Minute
	cleanupInterval = time.Minute
)

type bucket struct {
	tokens     float64
	lastAccess time.Time
}

// MemoryLimiter is a token bucket per key, held in process memory. Buckets
// idle for staleThreshold are evicted by a background goroutine; call Close
// to stop it.
type MemoryLimiter struct {
	rate  float64 // tokens per second
	burst float64 // bucket capacity
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter allows rate requests per second per key with bursts of
// up to burst requests.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := newMemoryLimiter(rate, burst, time.Now)
	go m.cleanup()
	return m
}

func newMemoryLimiter(rate float64, burst int, now func() time.Time) *MemoryLimiter {
	if burst < 1 {
		burst = 1
	}
	return &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		now:     now,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
}

// Allow consumes one token from key's bucket.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		m.buckets[key] = &bucket{tokens: m.burst - 1, lastAccess: now}
		return true, nil
	}

	b.tokens = min(m.burst, b.tokens+now.Sub(b.lastAccess).Seconds()*m.rate)
	b.lastAccess = now
	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// RetryAfter is how long a denied caller waits for one token to refill.
func (m *MemoryLimiter) RetryAfter() time.Duration {
	if m.rate <= 0 {
		return time.Minute
	}
	return time.Duration(float64(time.Second) / m.rate)
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-staleThreshold)
	for key, b := range m.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
