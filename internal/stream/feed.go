// Package stream applies routed WebSocket messages to the cache: normalize, merge with the
// cached value, validate the merged value, store.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"marketfeed/internal/cache"
	"marketfeed/internal/channel"
	"marketfeed/internal/feederr"
	"marketfeed/internal/metrics"
	"marketfeed/logger"
	"marketfeed/models"
	"marketfeed/processor"
	"marketfeed/reader"
)

// errNoBase marks a delta that arrived without a fresh book to apply it to.
var errNoBase = errors.New("no cached orderbook to apply delta to")

type Config struct {
	Exchange       string
	OrderbookDepth int
	TradeLimit     int
	CandleLimit    int
}

type FeedStats struct {
	Applied  int64 `json:"applied"`
	Rejected int64 `json:"rejected"`
}

// Feed is the single consumer of the raw WebSocket buffer.
type Feed struct {
	cfg        Config
	channels   *channel.Channels
	normalizer *processor.Normalizer
	validator  *processor.Validator
	cache      *cache.DataCache
	log        *logger.Log

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool

	applied  atomic.Int64
	rejected atomic.Int64
}

func NewFeed(cfg Config, ch *channel.Channels, n *processor.Normalizer, v *processor.Validator, c *cache.DataCache) *Feed {
	return &Feed{
		cfg:        cfg,
		channels:   ch,
		normalizer: n,
		validator:  v,
		cache:      c,
		log:        logger.GetLogger(),
		ctx:        context.Background(),
	}
}

// Handle enqueues a message without blocking. It is the subscription manager's onMessage hook.
func (f *Feed) Handle(msg reader.Message) {
	f.mu.RLock()
	ctx := f.ctx
	f.mu.RUnlock()
	f.channels.SendRaw(ctx, msg)
}

func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("feed already running")
	}
	f.running = true
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.mu.Unlock()

	f.log.WithComponent("stream_feed").WithFields(logger.Fields{
		"exchange": f.cfg.Exchange,
	}).Info("starting stream feed")

	f.wg.Add(1)
	go f.worker()
	return nil
}

func (f *Feed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	cancel := f.cancel
	f.mu.Unlock()

	cancel()
	f.wg.Wait()
	f.log.WithComponent("stream_feed").WithFields(logger.Fields{
		"applied":  f.applied.Load(),
		"rejected": f.rejected.Load(),
	}).Info("stream feed stopped")
}

func (f *Feed) worker() {
	defer f.wg.Done()
	f.mu.RLock()
	ctx := f.ctx
	f.mu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-f.channels.Raw:
			if !ok {
				return
			}
			_ = f.Process(msg)
		}
	}
}

// Process applies one message. Rejections are counted, logged at debug and returned.
func (f *Feed) Process(msg reader.Message) error {
	ch := msg.Channel
	observed := msg.ReceivedAt
	if observed.IsZero() {
		observed = time.Now()
	}

	var err error
	switch ch.Kind {
	case models.KindTicker:
		err = f.applyTicker(ch.Symbol, msg, observed)
	case models.KindOrderbook:
		err = f.applyOrderbook(ch.Symbol, msg, observed)
	case models.KindTrades:
		err = f.applyTrades(ch.Symbol, msg, observed)
	case models.KindOHLCV:
		err = f.applyCandles(ch.Symbol, ch.Timeframe, msg, observed)
	default:
		err = feederr.New(feederr.Normalization, "stream_feed", "process", ch.Symbol, fmt.Errorf("unsupported channel %s", ch))
	}

	if err != nil {
		f.rejected.Add(1)
		f.emitDrop(ch, err)
		f.log.WithComponent("stream_feed").WithFields(logger.Fields{
			"symbol":    ch.Symbol,
			"channel":   ch.String(),
			"operation": "process",
			"type":      msg.Type,
		}).WithError(err).Debug("stream message rejected")
		return err
	}
	f.applied.Add(1)
	return nil
}

func (f *Feed) emitDrop(ch models.Channel, err error) {
	metric := metrics.DropMetricWSValidate
	stage := "validate"
	switch {
	case errors.Is(err, errNoBase):
		stage = "merge"
	case feederr.Is(err, feederr.Normalization):
		metric, stage = metrics.DropMetricWSNormalize, "normalize"
	}
	metrics.EmitDropMetric(f.log, metric, f.cfg.Exchange, ch.Symbol, stage)
}

func (f *Feed) rejectf(operation, symbol string, r processor.Result) error {
	return feederr.New(feederr.Validation, "stream_feed", operation, symbol, errors.New(r.Detail))
}

// store runs merge under the cache lock and keeps the result only if it validates.
func (f *Feed) store(symbol string, kind models.Kind, operation string, merge func(old any, ok bool) (any, error)) error {
	var failure error
	f.cache.Update(symbol, kind, func(old any, ok bool) (any, bool) {
		merged, err := merge(old, ok)
		if err != nil {
			failure = err
			return nil, false
		}
		if r := f.validator.Validate(kind, merged); !r.OK {
			failure = f.rejectf(operation, symbol, r)
			return nil, false
		}
		return merged, true
	})
	return failure
}

func (f *Feed) applyTicker(symbol string, msg reader.Message, observed time.Time) error {
	t, funding, err := f.normalizer.NormalizeTicker(symbol, msg.Data, observed)
	if err != nil {
		return err
	}
	replace := msg.Type == reader.TypeSnapshot

	err = f.store(symbol, models.KindTicker, "apply_ticker", func(old any, ok bool) (any, error) {
		prev, _ := old.(*models.Ticker)
		if replace || !ok {
			return t, nil
		}
		return mergeTicker(prev, t), nil
	})
	if err != nil || funding == nil {
		return err
	}

	return f.store(symbol, models.KindFunding, "apply_funding", func(old any, ok bool) (any, error) {
		prev, _ := old.(*models.Funding)
		return mergeFunding(prev, funding), nil
	})
}

func (f *Feed) applyOrderbook(symbol string, msg reader.Message, observed time.Time) error {
	book, err := f.normalizer.NormalizeOrderbook(symbol, msg.Data, observed)
	if err != nil {
		return err
	}
	return f.store(symbol, models.KindOrderbook, "apply_orderbook", func(old any, ok bool) (any, error) {
		if msg.Type != reader.TypeDelta {
			return truncateBook(book, f.cfg.OrderbookDepth), nil
		}
		base, _ := old.(*models.Orderbook)
		if !ok || base == nil {
			return nil, errNoBase
		}
		return applyDelta(base, book, f.cfg.OrderbookDepth), nil
	})
}

func (f *Feed) applyTrades(symbol string, msg reader.Message, observed time.Time) error {
	trades, err := f.normalizer.NormalizeTrades(symbol, msg.Data, observed)
	if err != nil {
		return err
	}
	return f.store(symbol, models.KindTrades, "apply_trades", func(old any, ok bool) (any, error) {
		prev, _ := old.([]models.Trade)
		return mergeTrades(prev, trades, f.cfg.TradeLimit), nil
	})
}

// applyCandles upserts into one timeframe series and validates that series alone, so a
// stale sibling timeframe cannot block live updates.
func (f *Feed) applyCandles(symbol, tf string, msg reader.Message, observed time.Time) error {
	candles, err := f.normalizer.NormalizeCandles(symbol, tf, msg.Data, observed)
	if err != nil {
		return err
	}

	var failure error
	f.cache.Update(symbol, models.KindOHLCV, func(old any, ok bool) (any, bool) {
		prev, _ := old.(map[string][]models.Candle)
		series := upsertCandles(prev[tf], candles, f.cfg.CandleLimit)
		if r := f.validator.Validate(models.KindOHLCV, map[string][]models.Candle{tf: series}); !r.OK {
			failure = f.rejectf("apply_ohlcv_"+tf, symbol, r)
			return nil, false
		}
		return withSeries(prev, tf, series), true
	})
	return failure
}

func (f *Feed) Stats() FeedStats {
	return FeedStats{Applied: f.applied.Load(), Rejected: f.rejected.Load()}
}

// Report returns the counters for the periodic runtime report.
func (f *Feed) Report() logger.Fields {
	s := f.Stats()
	return logger.Fields{"ws_applied": s.Applied, "ws_rejected": s.Rejected}
}
