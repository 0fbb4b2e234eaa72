package common

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter serializes requests to at most one per minimum interval.
// Callers block until their slot comes up; nothing is dropped.
type RateLimiter struct {
	limiter  *rate.Limiter
	interval time.Duration
	waited   atomic.Int64 // total ns spent blocked
	requests atomic.Uint64
}

// NewRateLimiter creates a limiter allowing one request every interval.
// A non-positive interval disables limiting.
func NewRateLimiter(interval time.Duration) *RateLimiter {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &RateLimiter{
		limiter:  rate.NewLimiter(limit, 1),
		interval: interval,
	}
}

// Wait blocks until the next request may proceed or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := rl.limiter.Wait(ctx); err != nil {
		return err
	}
	rl.waited.Add(int64(time.Since(start)))
	rl.requests.Add(1)
	return nil
}

// Interval returns the configured minimum spacing between requests.
func (rl *RateLimiter) Interval() time.Duration { return rl.interval }

// GetUsage returns how many requests went through and how long they blocked in total.
func (rl *RateLimiter) GetUsage() (requests uint64, waited time.Duration) {
	return rl.requests.Load(), time.Duration(rl.waited.Load())
}
