// Package fetcher gates REST calls through a shared RateLimiter and retries them with
// bounded backoff.
package fetcher

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"marketfeed/internal/feederr"
	"marketfeed/internal/metrics"
	"marketfeed/logger"
)

// RetryPolicy bounds one fetch. MaxAttempts counts retries, so a call runs at most
// MaxAttempts+1 times.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	Exponential bool
}

// maxBackoff caps exponential growth. A configured Delay above it is still honoured.
const maxBackoff = 2 * time.Minute

// Backoff is the wait after the failed attempt with the given 0-based index.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	if !p.Exponential {
		return p.Delay
	}
	d := p.Delay
	for i := 0; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = max(maxBackoff, p.Delay)
	}
	return d
}

// OperationStats are the cumulative counters of one named operation.
type OperationStats struct {
	Calls         int64            `json:"calls"`
	Attempts      int64            `json:"attempts"`
	LastAttempts  int              `json:"lastAttempts"`
	Successes     int64            `json:"successes"`
	Failures      int64            `json:"failures"`
	ErrorsByKind  map[string]int64 `json:"errorsByKind,omitempty"`
	TotalDuration time.Duration    `json:"totalDuration"`
	LastError     string           `json:"lastError,omitempty"`
}

// Fetcher runs remote calls through the limiter and the retry policy.
type Fetcher struct {
	limiter *RateLimiter
	policy  RetryPolicy
	log     *logger.Log
	sleep   func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	stats map[string]*OperationStats
}

func NewFetcher(limiter *RateLimiter, policy RetryPolicy) *Fetcher {
	if limiter == nil {
		limiter = NewRateLimiter(0)
	}
	if policy.MaxAttempts < 0 {
		policy.MaxAttempts = 0
	}
	return &Fetcher{
		limiter: limiter,
		policy:  policy,
		log:     logger.GetLogger(),
		sleep:   sleepCtx,
		stats:   make(map[string]*OperationStats),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Policy returns the retry policy in use.
func (f *Fetcher) Policy() RetryPolicy { return f.policy }

// Do invokes fn until it succeeds, the attempts run out, or the error is not worth retrying.
// The returned error carries the fetcher/operation/symbol context and the kind of the last
// failure.
func (f *Fetcher) Do(ctx context.Context, op, symbol string, fn func(context.Context) (any, error)) (any, error) {
	log := f.log.WithComponent("fetcher").WithFields(logger.Fields{
		"operation": op,
		"symbol":    symbol,
	})

	start := time.Now()
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= f.policy.MaxAttempts; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			lastErr = err
			break
		}

		attempts++
		v, err := fn(ctx)
		if err == nil {
			metrics.FetchAttempts.WithLabelValues(op, "success").Inc()
			f.finish(op, attempts, time.Since(start), nil)
			if attempts > 1 {
				log.WithFields(logger.Fields{"attempts": attempts}).Info("fetch succeeded after retry")
			}
			logger.LogPerformanceEntry(log, "fetcher", op, time.Since(start), logger.Fields{"symbol": symbol, "attempts": attempts})
			return v, nil
		}

		lastErr = err
		kind := feederr.KindOf(err)
		metrics.FetchAttempts.WithLabelValues(op, kind.String()).Inc()
		f.recordError(op, kind)

		if !retryable(ctx, err) || attempt == f.policy.MaxAttempts {
			break
		}

		delay := f.policy.Backoff(attempt)
		if hint, ok := feederr.RetryAfter(err); ok {
			delay = hint
		}
		log.WithError(err).WithFields(logger.Fields{
			"attempt":    attempts,
			"error_kind": kind.String(),
			"delay_ms":   delay.Milliseconds(),
		}).Warn("fetch attempt failed, retrying")

		if err := f.sleep(ctx, delay); err != nil {
			lastErr = errors.Join(lastErr, err)
			break
		}
	}

	wrapped := feederr.Wrap(lastErr, "fetcher", op, symbol)
	f.finish(op, attempts, time.Since(start), wrapped)
	log.WithError(lastErr).WithFields(logger.Fields{
		"attempts":   attempts,
		"error_kind": feederr.KindOf(lastErr).String(),
	}).Warn("fetch failed")
	return nil, wrapped
}

// Fetch is the typed form of Do.
func Fetch[T any](ctx context.Context, f *Fetcher, op, symbol string, fn func(context.Context) (T, error)) (T, error) {
	v, err := f.Do(ctx, op, symbol, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch feederr.KindOf(err) {
	case feederr.FatalConfiguration, feederr.Validation, feederr.Normalization:
		return false
	}
	return true
}

func (f *Fetcher) entry(op string) *OperationStats {
	s, ok := f.stats[op]
	if !ok {
		s = &OperationStats{ErrorsByKind: map[string]int64{}}
		f.stats[op] = s
	}
	return s
}

func (f *Fetcher) recordError(op string, kind feederr.Kind) {
	f.mu.Lock()
	f.entry(op).ErrorsByKind[kind.String()]++
	f.mu.Unlock()
}

func (f *Fetcher) finish(op string, attempts int, d time.Duration, err error) {
	metrics.FetchDuration.WithLabelValues(op).Observe(d.Seconds())

	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.entry(op)
	s.Calls++
	s.Attempts += int64(attempts)
	s.LastAttempts = attempts
	s.TotalDuration += d
	if err != nil {
		s.Failures++
		s.LastError = err.Error()
		return
	}
	s.Successes++
}

// Stats returns a copy of the counters for op.
func (f *Fetcher) Stats(op string) OperationStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stats[op]
	if !ok {
		return OperationStats{}
	}
	return copyStats(s)
}

// AllStats returns a copy of every operation's counters.
func (f *Fetcher) AllStats() map[string]OperationStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]OperationStats, len(f.stats))
	for op, s := range f.stats {
		out[op] = copyStats(s)
	}
	return out
}

func copyStats(s *OperationStats) OperationStats {
	c := *s
	c.ErrorsByKind = make(map[string]int64, len(s.ErrorsByKind))
	for k, v := range s.ErrorsByKind {
		c.ErrorsByKind[k] = v
	}
	return c
}

// Report summarises the counters for the periodic runtime report.
func (f *Fetcher) Report() logger.Fields {
	stats := f.AllStats()
	ops := make([]string, 0, len(stats))
	for op := range stats {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	var calls, failures, attempts int64
	for _, op := range ops {
		calls += stats[op].Calls
		failures += stats[op].Failures
		attempts += stats[op].Attempts
	}
	return logger.Fields{
		"fetch_operations": ops,
		"fetch_calls":      calls,
		"fetch_failures":   failures,
		"fetch_attempts":   attempts,
	}
}
