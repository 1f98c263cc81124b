// Package ratelimit throttles the provider webhook surface.
//
// Providers retry webhooks aggressively when a control plane is slow, so
// POST /v1/events is limited per client address. The Limiter interface lets
// a shared store replace the in-memory bucket when several instances sit
// behind one provider.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. A non-nil error
	// means the limiter itself failed; callers fail open.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases background resources.
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

// FromConfig returns a MemoryLimiter for a positive rate and a NoopLimiter
// otherwise.
func FromConfig(ratePerSecond float64, burst int) Limiter {
	if ratePerSecond <= 0 {
		return NoopLimiter{}
	}
	return NewMemoryLimiter(ratePerSecond, max(burst, 1))
}
