package fetcher

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is the single gate every REST call of one exchange client passes through.
// Consecutive calls are spaced at least 1/maxRequestsPerSecond apart regardless of which
// symbol or goroutine issues them.
type RateLimiter struct {
	limiter *rate.Limiter

	mu         sync.Mutex
	lastCallAt time.Time
}

// NewRateLimiter builds a limiter with burst 1. A non-positive rate disables throttling.
func NewRateLimiter(maxRequestsPerSecond float64) *RateLimiter {
	limit := rate.Inf
	if maxRequestsPerSecond > 0 {
		limit = rate.Limit(maxRequestsPerSecond)
	}
	return &RateLimiter{limiter: rate.NewLimiter(limit, 1)}
}

// Wait blocks until the next call may go out or ctx is done.
func (l *RateLimiter) Wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	l.lastCallAt = time.Now()
	l.mu.Unlock()
	return nil
}

// LastCallAt returns when the last call was let through.
func (l *RateLimiter) LastCallAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastCallAt
}

// Interval is the minimum spacing between calls; zero when unlimited.
func (l *RateLimiter) Interval() time.Duration {
	limit := l.limiter.Limit()
	if limit == rate.Inf || limit <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / float64(limit))
}
