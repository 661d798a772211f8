// Package ratelimit throttles expensive requests per caller.
//
// Run submission and council sessions each call the generation backend,
// so they are limited with a token bucket keyed by the authenticated
// subject. The Limiter interface lets a shared store replace the in-process
// MemoryLimiter when several replicas sit behind one load balancer.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. An error signals a
	// limiter malfunction; callers fail open.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources such as cleanup goroutines.
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
