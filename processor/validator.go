package processor

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"marketfeed/internal/metrics"
	"marketfeed/models"
)

// ValidationConfig holds the thresholds applied per data kind.
type ValidationConfig struct {
	MinOHLCVCandles    int
	MaxOHLCVAge        time.Duration
	MinOrderbookLevels int
	MaxOrderbookAge    time.Duration
	MinTradesCount     int
	MaxTradesAge       time.Duration
}

func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MinOHLCVCandles:    20,
		MaxOHLCVAge:        300 * time.Second,
		MinOrderbookLevels: 5,
		MaxOrderbookAge:    60 * time.Second,
		MinTradesCount:     5,
		MaxTradesAge:       300 * time.Second,
	}
}

// maxFundingRate is the absolute rate above which funding is flagged.
const maxFundingRate = 0.05

// Result is the verdict for one kind. For OHLCV, Timeframes holds the per-series verdicts.
type Result struct {
	OK         bool              `json:"ok"`
	Detail     string            `json:"detail,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
	Timeframes map[string]Result `json:"timeframes,omitempty"`
}

func pass() Result { return Result{OK: true} }

func failf(format string, args ...any) Result {
	return Result{Detail: fmt.Sprintf(format, args...)}
}

// SnapshotResult is the verdict for a whole snapshot. Accepted is the snapshot pruned of
// invalid OHLCV timeframes and is only meaningful when OK.
type SnapshotResult struct {
	OK       bool                   `json:"ok"`
	Detail   string                 `json:"detail,omitempty"`
	Kinds    map[models.Kind]Result `json:"kinds"`
	Accepted models.MarketSnapshot  `json:"-"`
}

type kindCounter struct {
	passed atomic.Int64
	failed atomic.Int64
}

// Counts is the pass/fail tally of one kind.
type Counts struct {
	Passed int64 `json:"passed"`
	Failed int64 `json:"failed"`
}

// Validator checks normalized data against the configured thresholds. Verdicts depend only
// on the input, the config and the clock; the counters are observational.
type Validator struct {
	cfg      ValidationConfig
	now      func() time.Time
	counters sync.Map // models.Kind -> *kindCounter
}

func NewValidator(cfg ValidationConfig, now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{cfg: cfg, now: now}
}

func (v *Validator) record(kind models.Kind, ok bool) {
	c, _ := v.counters.LoadOrStore(kind, &kindCounter{})
	kc := c.(*kindCounter)
	result := "ok"
	if ok {
		kc.passed.Add(1)
	} else {
		kc.failed.Add(1)
		result = "failed"
	}
	metrics.ValidationResults.WithLabelValues(string(kind), result).Inc()
}

// Counters returns the pass/fail tallies per kind.
func (v *Validator) Counters() map[models.Kind]Counts {
	out := map[models.Kind]Counts{}
	v.counters.Range(func(k, c any) bool {
		kc := c.(*kindCounter)
		out[k.(models.Kind)] = Counts{Passed: kc.passed.Load(), Failed: kc.failed.Load()}
		return true
	})
	return out
}

// Validate checks one kind. data must be the canonical type for kind: *Ticker, *Orderbook,
// []Trade, map[string][]Candle or *Funding.
func (v *Validator) Validate(kind models.Kind, data any) Result {
	var r Result
	switch kind {
	case models.KindTicker:
		t, ok := data.(*models.Ticker)
		r = typed(ok && t != nil, kind, data, func() Result { return v.validateTicker(t) })
	case models.KindOrderbook:
		b, ok := data.(*models.Orderbook)
		r = typed(ok && b != nil, kind, data, func() Result { return v.validateOrderbook(b) })
	case models.KindTrades:
		tr, ok := data.([]models.Trade)
		r = typed(ok, kind, data, func() Result { return v.validateTrades(tr) })
	case models.KindOHLCV:
		series, ok := data.(map[string][]models.Candle)
		r = typed(ok, kind, data, func() Result { return v.validateOHLCV(series) })
	case models.KindFunding:
		f, ok := data.(*models.Funding)
		r = typed(ok && f != nil, kind, data, func() Result { return v.validateFunding(f) })
	default:
		r = failf("unknown data kind %q", kind)
	}
	v.record(kind, r.OK)
	return r
}

func typed(ok bool, kind models.Kind, data any, check func() Result) Result {
	if !ok {
		return failf("%s: unexpected value %T", kind, data)
	}
	return check()
}

// ValidateSnapshot ANDs the verdicts of the kinds present in s. Absent kinds do not fail;
// a snapshot carrying nothing does.
func (v *Validator) ValidateSnapshot(s models.MarketSnapshot) SnapshotResult {
	res := SnapshotResult{OK: true, Kinds: map[models.Kind]Result{}}
	present := s.PresentKinds()
	if len(present) == 0 {
		res.OK = false
		res.Detail = "empty snapshot"
		return res
	}

	var failures []string
	for _, kind := range present {
		r := v.Validate(kind, snapshotValue(s, kind))
		res.Kinds[kind] = r
		if !r.OK {
			res.OK = false
			failures = append(failures, fmt.Sprintf("%s: %s", kind, r.Detail))
		}
	}
	res.Detail = strings.Join(failures, "; ")

	res.Accepted = s
	if ohlcv, ok := res.Kinds[models.KindOHLCV]; ok && ohlcv.OK {
		res.Accepted = s.WithOHLCV(validTimeframes(ohlcv))
	}
	return res
}

func validTimeframes(r Result) []string {
	out := make([]string, 0, len(r.Timeframes))
	for tf, tr := range r.Timeframes {
		if tr.OK {
			out = append(out, tf)
		}
	}
	sort.Strings(out)
	return out
}

func snapshotValue(s models.MarketSnapshot, kind models.Kind) any {
	switch kind {
	case models.KindTicker:
		return s.Ticker
	case models.KindOrderbook:
		return s.Orderbook
	case models.KindTrades:
		return s.Trades
	case models.KindOHLCV:
		return s.OHLCV
	case models.KindFunding:
		return s.Funding
	}
	return nil
}

func (v *Validator) age(ts time.Time) time.Duration {
	d := v.now().Sub(ts)
	if d < 0 {
		return 0
	}
	return d
}

func (v *Validator) validateTicker(t *models.Ticker) Result {
	if !(t.Last > 0) {
		return failf("last price %v is not positive", t.Last)
	}
	if t.Bid > 0 && t.Ask > 0 && !(t.Bid < t.Ask) {
		return failf("bid %v is not below ask %v", t.Bid, t.Ask)
	}
	if t.High > 0 && t.Low > 0 && t.High < t.Low {
		return failf("high %v is below low %v", t.High, t.Low)
	}
	return pass()
}

func (v *Validator) validateFunding(f *models.Funding) Result {
	if f.InvalidRate != "" {
		return failf("funding rate %q is not numeric", f.InvalidRate)
	}
	r := pass()
	if f.Rate != nil && math.Abs(*f.Rate) > maxFundingRate {
		r.Warnings = append(r.Warnings, fmt.Sprintf("funding rate %v exceeds %v", *f.Rate, maxFundingRate))
	}
	if !f.NextFundingTime.IsZero() && f.NextFundingTime.Before(v.now()) {
		r.Warnings = append(r.Warnings, "next funding time is in the past")
	}
	return r
}

func (v *Validator) validateOrderbook(b *models.Orderbook) Result {
	if b.Bids == nil || b.Asks == nil {
		return failf("bids and asks must both be present")
	}
	if r := checkSide("bid", b.Bids, func(prev, cur float64) bool { return cur < prev }); !r.OK {
		return r
	}
	if r := checkSide("ask", b.Asks, func(prev, cur float64) bool { return cur > prev }); !r.OK {
		return r
	}
	if len(b.Bids) > 0 && len(b.Asks) > 0 && !(b.Bids[0].Price < b.Asks[0].Price) {
		return failf("crossed book: best bid %v >= best ask %v", b.Bids[0].Price, b.Asks[0].Price)
	}
	if len(b.Bids) < v.cfg.MinOrderbookLevels || len(b.Asks) < v.cfg.MinOrderbookLevels {
		return failf("depth %d/%d below minimum %d", len(b.Bids), len(b.Asks), v.cfg.MinOrderbookLevels)
	}
	if age := v.age(b.Timestamp); age > v.cfg.MaxOrderbookAge {
		return failf("orderbook age %s exceeds %s", age, v.cfg.MaxOrderbookAge)
	}
	return pass()
}

func checkSide(side string, levels []models.Level, ordered func(prev, cur float64) bool) Result {
	for i, l := range levels {
		if !(l.Price > 0) {
			return failf("%s level %d has non-positive price %v", side, i, l.Price)
		}
		if l.Size < 0 {
			return failf("%s level %d has negative size %v", side, i, l.Size)
		}
		if i > 0 && !ordered(levels[i-1].Price, l.Price) {
			return failf("%s levels out of order at %d", side, i)
		}
	}
	return pass()
}

func (v *Validator) validateTrades(trades []models.Trade) Result {
	if len(trades) < v.cfg.MinTradesCount {
		return failf("%d trades below minimum %d", len(trades), v.cfg.MinTradesCount)
	}
	var newest time.Time
	for i, t := range trades {
		if t.Timestamp.IsZero() {
			return failf("trade %d has no timestamp", i)
		}
		if !(t.Price > 0) || !(t.Size > 0) {
			return failf("trade %d has price %v size %v", i, t.Price, t.Size)
		}
		if t.Timestamp.After(newest) {
			newest = t.Timestamp
		}
	}
	if age := v.age(newest); age > v.cfg.MaxTradesAge {
		return failf("newest trade age %s exceeds %s", age, v.cfg.MaxTradesAge)
	}
	return pass()
}

// validateOHLCV passes when at least one timeframe is valid.
func (v *Validator) validateOHLCV(series map[string][]models.Candle) Result {
	r := Result{Timeframes: make(map[string]Result, len(series))}
	var bad []string
	for tf, candles := range series {
		tr := v.validateSeries(tf, candles)
		r.Timeframes[tf] = tr
		if tr.OK {
			r.OK = true
		} else {
			bad = append(bad, tf+": "+tr.Detail)
		}
	}
	sort.Strings(bad)
	switch {
	case len(series) == 0:
		r.Detail = "no timeframes"
	case !r.OK:
		r.Detail = "no valid timeframe (" + strings.Join(bad, "; ") + ")"
	case len(bad) > 0:
		r.Warnings = append(r.Warnings, bad...)
	}
	return r
}

func (v *Validator) validateSeries(tf string, candles []models.Candle) Result {
	if len(candles) == 0 {
		return failf("empty series")
	}
	if len(candles) < v.cfg.MinOHLCVCandles {
		return failf("%d candles below minimum %d", len(candles), v.cfg.MinOHLCVCandles)
	}
	for i, c := range candles {
		if c.Open < 0 || c.High < 0 || c.Low < 0 || c.Close < 0 || c.Volume < 0 {
			return failf("candle %d has a negative value", i)
		}
		if c.Low > c.High {
			return failf("candle %d has high %v below low %v", i, c.High, c.Low)
		}
		if c.Open < c.Low || c.Open > c.High || c.Close < c.Low || c.Close > c.High {
			return failf("candle %d open/close outside low/high", i)
		}
		if i > 0 && !c.Timestamp.After(candles[i-1].Timestamp) {
			return failf("timestamps not strictly increasing at %d", i)
		}
	}

	newest := candles[len(candles)-1].Timestamp
	if d, ok := models.TimeframeDuration(tf); ok {
		newest = newest.Add(d)
	}
	if age := v.age(newest); age > v.cfg.MaxOHLCVAge {
		return failf("newest candle age %s exceeds %s", age, v.cfg.MaxOHLCVAge)
	}
	return pass()
}
