package common

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter caps how fast work is admitted. A zero or negative rate means
// unlimited.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a RateLimiter admitting eps events per second with
// the given burst.
func NewRateLimiter(eps float64, burst int) *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(toLimit(eps), normalizeBurst(burst))}
}

func toLimit(eps float64) rate.Limit {
	if eps <= 0 {
		return rate.Inf
	}
	return rate.Limit(eps)
}

func normalizeBurst(burst int) int {
	if burst <= 0 {
		return 1
	}
	return burst
}

// Wait blocks until an event is admitted or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error { return rl.limiter.Wait(ctx) }

// Allow reports whether an event may happen now without waiting.
func (rl *RateLimiter) Allow() bool { return rl.limiter.Allow() }

// Limit returns the current events-per-second limit, or 0 when unlimited.
func (rl *RateLimiter) Limit() float64 {
	l := rl.limiter.Limit()
	if l == rate.Inf {
		return 0
	}
	return float64(l)
}

// UpdateLimits changes the rate and burst. Waiters pick up the change.
func (rl *RateLimiter) UpdateLimits(eps float64, burst int) {
	rl.limiter.SetLimit(toLimit(eps))
	rl.limiter.SetBurst(normalizeBurst(burst))
}
