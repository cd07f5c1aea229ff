// Package monitor runs the periodic REST cycle: per symbol it takes each data kind from the
// cache or fetches it, normalizes, validates the merged snapshot, caches what was fetched and
// hands the snapshot to the consumer. After every cycle it re-evaluates system health.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"marketfeed/internal/cache"
	"marketfeed/internal/feederr"
	"marketfeed/internal/fetcher"
	"marketfeed/internal/metrics"
	"marketfeed/logger"
	"marketfeed/models"
	"marketfeed/processor"
	"marketfeed/reader"
	"marketfeed/writer"
)

// Limits are the per-request sizes asked from the exchange.
type Limits struct {
	OHLCV     int
	Orderbook int
	Trades    int
}

type Config struct {
	Interval        time.Duration
	Concurrency     int
	ErrorBackoff    time.Duration
	Timeframes      []string
	Limits          Limits
	ShutdownTimeout time.Duration
}

// Deps are the collaborators of the loop. Health may be nil.
type Deps struct {
	Client     reader.Client
	Fetcher    *fetcher.Fetcher
	Cache      *cache.DataCache
	Normalizer *processor.Normalizer
	Validator  *processor.Validator
	Consumer   writer.Consumer
	Health     *Health
	Symbols    []string
}

// SymbolResult is the outcome of one symbol in one cycle.
type SymbolResult struct {
	Symbol     string
	Dispatched bool
	// Fetches counts REST fetches actually performed; cache hits are not counted.
	Fetches       int
	FetchFailures int
	Err           error
}

// CycleResult summarises one cycle.
type CycleResult struct {
	ID            string
	Started       time.Time
	Duration      time.Duration
	Symbols       []SymbolResult
	Dispatched    int
	Fetches       int
	FetchFailures int
}

type tickerPair struct {
	ticker  *models.Ticker
	funding *models.Funding
}

type Loop struct {
	deps Deps
	cfg  Config
	now  func() time.Time
	log  *logger.Log

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex
	running bool

	cycles      atomic.Int64
	cycleErrors atomic.Int64
	dispatched  atomic.Int64
	lastMu      sync.Mutex
	last        CycleResult
}

func NewLoop(deps Deps, cfg Config, now func() time.Time) *Loop {
	if now == nil {
		now = time.Now
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Loop{deps: deps, cfg: cfg, now: now, log: logger.GetLogger()}
}

// Start launches the supervised cycle goroutine. The first cycle runs immediately.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return fmt.Errorf("monitor loop already running")
	}
	if l.cfg.Interval <= 0 {
		return feederr.Fatal("monitor", "monitor interval must be positive")
	}
	if len(l.deps.Symbols) == 0 {
		return feederr.Fatal("monitor", "no symbols to monitor")
	}
	l.running = true
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})

	l.log.WithComponent("monitor").WithFields(logger.Fields{
		"symbols":     len(l.deps.Symbols),
		"interval":    l.cfg.Interval,
		"concurrency": l.cfg.Concurrency,
		"timeframes":  l.cfg.Timeframes,
	}).Info("starting monitor loop")

	go l.run(l.ctx, l.done)
	return nil
}

// Stop cancels the loop and waits up to ShutdownTimeout for the running cycle to end. The
// loop counts as running until its goroutine has exited, so Start keeps failing after a timed
// out Stop.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	cancel()
	select {
	case <-done:
		l.log.WithComponent("monitor").WithFields(logger.Fields{
			"cycles":       l.cycles.Load(),
			"cycle_errors": l.cycleErrors.Load(),
		}).Info("monitor loop stopped")
	case <-time.After(l.cfg.ShutdownTimeout):
		l.log.WithComponent("monitor").WithFields(logger.Fields{
			"timeout": l.cfg.ShutdownTimeout,
		}).Warn("monitor loop did not stop in time")
	}
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
		close(done)
	}()
	for {
		wait := l.cfg.Interval
		if _, err := l.RunCycle(ctx); err != nil && ctx.Err() == nil {
			l.cycleErrors.Add(1)
			metrics.CycleErrors.Inc()
			l.log.WithComponent("monitor").WithError(err).WithFields(logger.Fields{
				"operation": "run_cycle",
				"backoff":   l.cfg.ErrorBackoff,
			}).Error("monitor cycle failed")
			wait = l.cfg.ErrorBackoff
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// RunCycle processes every symbol once, then evaluates health. Symbol failures are part of
// the result; the returned error is reserved for failures of the cycle itself, including
// recovered panics.
func (l *Loop) RunCycle(ctx context.Context) (result CycleResult, err error) {
	result = CycleResult{ID: uuid.NewString(), Started: l.now()}
	log := l.log.WithComponent("monitor").WithFields(logger.Fields{
		"cycle_id":  result.ID,
		"operation": "run_cycle",
	})
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("monitor cycle panicked: %v\n%s", r, debug.Stack())
		}
		result.Duration = time.Since(start)
		metrics.CycleDuration.Observe(result.Duration.Seconds())
	}()

	results := make([]SymbolResult, len(l.deps.Symbols))
	var g errgroup.Group
	g.SetLimit(l.cfg.Concurrency)
	for i, symbol := range l.deps.Symbols {
		i, symbol := i, symbol
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("processing %s panicked: %v", symbol, r)
					results[i] = SymbolResult{Symbol: symbol, Err: err}
				}
			}()
			results[i] = l.ProcessSymbol(ctx, symbol)
			return nil
		})
	}
	cycleErr := g.Wait()

	result.Symbols = results
	for _, r := range results {
		result.Fetches += r.Fetches
		result.FetchFailures += r.FetchFailures
		if r.Dispatched {
			result.Dispatched++
		}
	}

	if ctx.Err() != nil {
		return result, errors.Join(cycleErr, ctx.Err())
	}

	if l.deps.Health != nil {
		l.deps.Health.Evaluate(result)
	}

	l.cycles.Add(1)
	metrics.Cycles.Inc()
	l.lastMu.Lock()
	l.last = result
	l.lastMu.Unlock()

	logger.LogPerformanceEntry(log, "monitor", "run_cycle", time.Since(start), logger.Fields{
		"symbols":        len(results),
		"dispatched":     result.Dispatched,
		"fetches":        result.Fetches,
		"fetch_failures": result.FetchFailures,
	})
	metrics.EmitMetric(l.log, "monitor", "snapshots_dispatched", result.Dispatched, "gauge", logger.Fields{"cycle_id": result.ID})
	return result, cycleErr
}

// ProcessSymbol builds, validates and dispatches one symbol's snapshot. Kinds that cannot be
// fetched are left out of the snapshot; an invalid snapshot is not dispatched and nothing
// fetched for it is cached.
func (l *Loop) ProcessSymbol(ctx context.Context, symbol string) SymbolResult {
	res := SymbolResult{Symbol: symbol}
	log := l.log.WithComponent("monitor").WithFields(logger.Fields{
		"symbol":    symbol,
		"operation": "process_symbol",
	})

	snap := models.MarketSnapshot{Symbol: symbol, ObservedAt: l.now().UTC()}
	fresh := map[models.Kind]bool{}
	var errs []error

	for _, kind := range models.FetchedKinds {
		v, cached, err := l.deps.Cache.Fetch(ctx, symbol, kind, l.fetchFunc(symbol, kind))
		if !cached {
			res.Fetches += l.requestsPerFetch(kind)
		}
		if err != nil {
			res.FetchFailures += fetchFailures(err)
			errs = append(errs, err)
			log.WithError(err).WithFields(logger.Fields{
				"kind":       kind,
				"error_kind": feederr.KindOf(err).String(),
				"partial":    v != nil,
			}).Warn("could not obtain data")
			// OHLCV keeps the timeframes that were obtained
			if v == nil {
				continue
			}
		}
		// a partial OHLCV result is not cached so the missing timeframes are retried next cycle
		if !cached && err == nil {
			fresh[kind] = true
		}
		l.place(&snap, symbol, kind, v, cached)
	}

	if ctx.Err() != nil {
		res.Err = ctx.Err()
		return res
	}
	if len(snap.PresentKinds()) == 0 {
		res.Err = errors.Join(errs...)
		log.Warn("no data obtained, skipping dispatch")
		return res
	}

	verdict := l.deps.Validator.ValidateSnapshot(snap)
	if !verdict.OK {
		res.Err = feederr.New(feederr.Validation, "monitor", "process_symbol", symbol, errors.New(verdict.Detail))
		log.WithFields(logger.Fields{
			"detail":     verdict.Detail,
			"error_kind": feederr.Validation.String(),
		}).Warn("snapshot failed validation, skipping dispatch")
		return res
	}
	accepted := verdict.Accepted

	for kind := range fresh {
		l.store(symbol, kind, accepted)
	}

	l.deps.Consumer.OnSnapshot(symbol, accepted)
	res.Dispatched = true
	l.dispatched.Add(1)
	metrics.SnapshotsDispatched.WithLabelValues(symbol).Inc()
	logger.LogDataFlowEntry(log, "monitor", "consumer", len(accepted.PresentKinds()), "snapshot")

	if len(errs) > 0 {
		res.Err = errors.Join(errs...)
	}
	return res
}

// fetchFunc fetches one kind through the retrying fetcher and normalizes it. OHLCV fetches
// every configured timeframe and returns the series obtained together with the errors of the
// timeframes that failed; it returns no value only when every timeframe failed.
func (l *Loop) fetchFunc(symbol string, kind models.Kind) func(context.Context) (any, error) {
	client, n := l.deps.Client, l.deps.Normalizer
	return func(ctx context.Context) (any, error) {
		switch kind {
		case models.KindTicker:
			raw, err := l.deps.Fetcher.Do(ctx, "fetch_ticker", symbol, func(ctx context.Context) (any, error) {
				return client.FetchTicker(ctx, symbol)
			})
			if err != nil {
				return nil, err
			}
			t, f, err := n.NormalizeTicker(symbol, raw, l.now())
			if err != nil {
				return nil, err
			}
			return tickerPair{ticker: t, funding: f}, nil

		case models.KindOrderbook:
			raw, err := l.deps.Fetcher.Do(ctx, "fetch_orderbook", symbol, func(ctx context.Context) (any, error) {
				return client.FetchOrderbook(ctx, symbol, l.cfg.Limits.Orderbook)
			})
			if err != nil {
				return nil, err
			}
			return n.NormalizeOrderbook(symbol, raw, l.now())

		case models.KindTrades:
			raw, err := l.deps.Fetcher.Do(ctx, "fetch_trades", symbol, func(ctx context.Context) (any, error) {
				return client.FetchTrades(ctx, symbol, l.cfg.Limits.Trades)
			})
			if err != nil {
				return nil, err
			}
			return n.NormalizeTrades(symbol, raw, l.now())

		case models.KindOHLCV:
			series := make(map[string][]models.Candle, len(l.cfg.Timeframes))
			var errs []error
			for _, tf := range l.cfg.Timeframes {
				tf := tf
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				raw, err := l.deps.Fetcher.Do(ctx, "fetch_ohlcv_"+tf, symbol, func(ctx context.Context) (any, error) {
					return client.FetchOHLCV(ctx, symbol, tf, l.cfg.Limits.OHLCV)
				})
				if err != nil {
					errs = append(errs, err)
					continue
				}
				candles, err := n.NormalizeCandles(symbol, tf, raw, l.now())
				if err != nil {
					errs = append(errs, err)
					continue
				}
				series[tf] = candles
			}
			if len(series) == 0 {
				if len(errs) == 0 {
					return nil, feederr.New(feederr.Unknown, "monitor", "fetch_ohlcv", symbol, errors.New("no timeframes configured"))
				}
				return nil, errors.Join(errs...)
			}
			return series, errors.Join(errs...)
		}
		return nil, feederr.New(feederr.Unknown, "monitor", "fetch", symbol, fmt.Errorf("unsupported kind %q", kind))
	}
}

// requestsPerFetch is the number of REST requests behind one uncached fetch of kind.
func (l *Loop) requestsPerFetch(kind models.Kind) int {
	if kind == models.KindOHLCV && len(l.cfg.Timeframes) > 1 {
		return len(l.cfg.Timeframes)
	}
	return 1
}

// fetchFailures counts the failed requests carried by err. Normalization errors are data
// problems, not fetch failures.
func fetchFailures(err error) int {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		n := 0
		for _, e := range joined.Unwrap() {
			n += fetchFailures(e)
		}
		return n
	}
	if feederr.KindOf(err) == feederr.Normalization {
		return 0
	}
	return 1
}

// place puts a cached or freshly fetched value into the snapshot.
func (l *Loop) place(snap *models.MarketSnapshot, symbol string, kind models.Kind, v any, cached bool) {
	switch kind {
	case models.KindTicker:
		if cached {
			snap.Ticker, _ = v.(*models.Ticker)
			snap.Funding, _ = cache.Lookup[*models.Funding](l.deps.Cache, symbol, models.KindFunding)
			return
		}
		p := v.(tickerPair)
		snap.Ticker, snap.Funding = p.ticker, p.funding
	case models.KindOrderbook:
		snap.Orderbook, _ = v.(*models.Orderbook)
	case models.KindTrades:
		snap.Trades, _ = v.([]models.Trade)
	case models.KindOHLCV:
		snap.OHLCV, _ = v.(map[string][]models.Candle)
	}
}

func (l *Loop) store(symbol string, kind models.Kind, s models.MarketSnapshot) {
	switch kind {
	case models.KindTicker:
		if s.Ticker != nil {
			l.deps.Cache.Set(symbol, models.KindTicker, s.Ticker)
		}
		if s.Funding != nil {
			l.deps.Cache.Set(symbol, models.KindFunding, s.Funding)
		}
	case models.KindOrderbook:
		if s.Orderbook != nil {
			l.deps.Cache.Set(symbol, kind, s.Orderbook)
		}
	case models.KindTrades:
		if s.Trades != nil {
			l.deps.Cache.Set(symbol, kind, s.Trades)
		}
	case models.KindOHLCV:
		if s.OHLCV != nil {
			l.deps.Cache.Set(symbol, kind, s.OHLCV)
		}
	}
}

// Last returns the most recent completed cycle.
func (l *Loop) Last() CycleResult {
	l.lastMu.Lock()
	defer l.lastMu.Unlock()
	return l.last
}

// Report returns loop counters for the periodic runtime report.
func (l *Loop) Report() logger.Fields {
	last := l.Last()
	return logger.Fields{
		"monitor_cycles":          l.cycles.Load(),
		"monitor_cycle_errors":    l.cycleErrors.Load(),
		"monitor_dispatched":      l.dispatched.Load(),
		"monitor_last_cycle_id":   last.ID,
		"monitor_last_cycle_time": last.Duration.String(),
	}
}
