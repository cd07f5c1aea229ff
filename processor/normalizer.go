package processor

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"marketfeed/internal/feederr"
	"marketfeed/logger"
	"marketfeed/models"
)

// Alias lists, canonical name first.
var (
	lastAliases      = []string{"last", "lastPrice", "close", "c"}
	volumeAliases    = []string{"volume", "volume24h", "baseVolume", "v"}
	turnoverAliases  = []string{"turnover", "quoteVolume", "volumeUsd", "turnover24h", "q"}
	bidAliases       = []string{"bid", "bidPrice", "bid1Price", "bestBid", "b"}
	askAliases       = []string{"ask", "askPrice", "ask1Price", "bestAsk", "a"}
	highAliases      = []string{"high", "highPrice", "highPrice24h", "high24h", "h"}
	lowAliases       = []string{"low", "lowPrice", "lowPrice24h", "low24h", "l"}
	changeAliases    = []string{"changePercent", "percentage", "priceChangePercent", "price24hPcnt", "P"}
	fundingAliases   = []string{"fundingRate", "lastFundingRate"}
	tickerTimeAlias  = []string{"timestamp", "time", "ts", "E", "closeTime"}
	bookBidAliases   = []string{"bids", "b"}
	bookAskAliases   = []string{"asks", "a"}
	bookTimeAliases  = []string{"timestamp", "ts", "T", "E", "time"}
	levelPriceAlias  = []string{"price", "p"}
	levelSizeAlias   = []string{"size", "s", "qty", "quantity", "amount"}
	tradeIDAliases   = []string{"id", "execId", "i", "a", "tradeId"}
	tradeTimeAliases = []string{"timestamp", "time", "T", "ts"}
	tradePriceAlias  = []string{"price", "p"}
	tradeSizeAliases = []string{"size", "qty", "v", "q", "quantity", "amount"}
	tradeSideAliases = []string{"side", "S"}
	makerAliases     = []string{"isBuyerMaker", "m"}
	candleTimeAlias  = []string{"start", "openTime", "t", "timestamp"}
	envelopeTimeKeys = []string{"ts", "time", "E"}
)

// RawBundle carries the raw exchange payloads for one symbol. Nil members are absent kinds.
type RawBundle struct {
	Ticker    any
	Orderbook any
	Trades    any
	OHLCV     map[string]any
}

// Normalizer maps heterogeneous exchange payloads onto the canonical models. It holds no
// state between calls.
type Normalizer struct {
	exchange string
	log      *logger.Log
}

func NewNormalizer(exchange string) *Normalizer {
	return &Normalizer{exchange: strings.ToLower(exchange), log: logger.GetLogger()}
}

func (n *Normalizer) fail(operation, symbol string, err error) error {
	return feederr.New(feederr.Normalization, "normalizer", operation, symbol, err)
}

// envelopeTime returns the outermost message timestamp, if any.
func envelopeTime(v any) (time.Time, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return time.Time{}, false
	}
	return timeField(m, envelopeTimeKeys...)
}

// NormalizeTicker returns the canonical ticker and, when the payload carries funding
// fields, the funding record.
func (n *Normalizer) NormalizeTicker(symbol string, raw any, observedAt time.Time) (*models.Ticker, *models.Funding, error) {
	v, err := decode(raw)
	if err != nil {
		return nil, nil, n.fail("normalize_ticker", symbol, err)
	}
	envTS, hasEnvTS := envelopeTime(v)

	v = unwrap(v, "result", "data", "list")
	if list, ok := v.([]any); ok {
		if len(list) == 0 {
			return nil, nil, n.fail("normalize_ticker", symbol, errors.New("empty ticker list"))
		}
		v = unwrap(list[0], "result", "data")
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, nil, n.fail("normalize_ticker", symbol, fmt.Errorf("unexpected ticker payload %T", v))
	}

	t := &models.Ticker{Symbol: symbol}
	t.Last, _ = floatField(m, lastAliases...)
	t.Bid, _ = floatField(m, bidAliases...)
	t.Ask, _ = floatField(m, askAliases...)
	t.High, _ = floatField(m, highAliases...)
	t.Low, _ = floatField(m, lowAliases...)
	t.Volume, _ = floatField(m, volumeAliases...)
	if tv, ok := floatField(m, turnoverAliases...); ok {
		t.Turnover = tv
	} else if t.Volume > 0 && t.Last > 0 {
		t.Turnover = t.Volume * t.Last
	}
	if raw, key, ok := lookup(m, changeAliases...); ok {
		if pct, ok := toFloat(raw); ok {
			if key == "price24hPcnt" {
				pct *= 100
			}
			t.ChangePercent = pct
		}
	}

	switch ts, ok := timeField(m, tickerTimeAlias...); {
	case ok:
		t.Timestamp = ts
	case hasEnvTS:
		t.Timestamp = envTS
	default:
		t.Timestamp = observedAt.UTC()
	}

	return t, normalizeFunding(m), nil
}

func normalizeFunding(m map[string]any) *models.Funding {
	rawRate, _, hasRate := lookup(m, fundingAliases...)
	next, hasNext := timeField(m, "nextFundingTime")
	if !hasRate && !hasNext {
		return nil
	}
	f := &models.Funding{}
	if hasRate {
		if rate, ok := toFloat(rawRate); ok {
			f.Rate = &rate
		} else {
			f.InvalidRate = fmt.Sprint(rawRate)
		}
	}
	if hasNext {
		f.NextFundingTime = next
	}
	return f
}

// NormalizeOrderbook returns bids and asks in exchange order; sorting is checked, not repaired.
func (n *Normalizer) NormalizeOrderbook(symbol string, raw any, observedAt time.Time) (*models.Orderbook, error) {
	v, err := decode(raw)
	if err != nil {
		return nil, n.fail("normalize_orderbook", symbol, err)
	}
	envTS, hasEnvTS := envelopeTime(v)

	m, ok := unwrap(v, "result", "data").(map[string]any)
	if !ok {
		return nil, n.fail("normalize_orderbook", symbol, fmt.Errorf("unexpected orderbook payload %T", v))
	}

	rawBids, _, hasBids := lookup(m, bookBidAliases...)
	rawAsks, _, hasAsks := lookup(m, bookAskAliases...)
	if !hasBids && !hasAsks {
		return nil, n.fail("normalize_orderbook", symbol, errors.New("payload has neither bids nor asks"))
	}

	book := &models.Orderbook{}
	if book.Bids, err = parseLevels(rawBids); err != nil {
		return nil, n.fail("normalize_orderbook", symbol, fmt.Errorf("bids: %w", err))
	}
	if book.Asks, err = parseLevels(rawAsks); err != nil {
		return nil, n.fail("normalize_orderbook", symbol, fmt.Errorf("asks: %w", err))
	}

	switch ts, ok := timeField(m, bookTimeAliases...); {
	case ok:
		book.Timestamp = ts
	case hasEnvTS:
		book.Timestamp = envTS
	default:
		book.Timestamp = observedAt.UTC()
	}
	return book, nil
}

func parseLevels(raw any) ([]models.Level, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("levels are %T, not a list", raw)
	}
	levels := make([]models.Level, 0, len(list))
	for i, entry := range list {
		var price, size float64
		var okP, okS bool
		switch e := entry.(type) {
		case []any:
			if len(e) < 2 {
				return nil, fmt.Errorf("level %d has %d elements", i, len(e))
			}
			price, okP = toFloat(e[0])
			size, okS = toFloat(e[1])
		case map[string]any:
			price, okP = floatField(e, levelPriceAlias...)
			size, okS = floatField(e, levelSizeAlias...)
		default:
			return nil, fmt.Errorf("level %d is %T", i, entry)
		}
		if !okP || !okS {
			return nil, fmt.Errorf("level %d is not numeric", i)
		}
		levels = append(levels, models.Level{Price: price, Size: size})
	}
	return levels, nil
}

// NormalizeTrades returns trades newest first.
func (n *Normalizer) NormalizeTrades(symbol string, raw any, observedAt time.Time) ([]models.Trade, error) {
	v, err := decode(raw)
	if err != nil {
		return nil, n.fail("normalize_trades", symbol, err)
	}
	list, ok := asList(unwrap(v, "result", "data", "list"))
	if !ok {
		return nil, n.fail("normalize_trades", symbol, fmt.Errorf("unexpected trades payload %T", v))
	}

	trades := make([]models.Trade, 0, len(list))
	for i, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, n.fail("normalize_trades", symbol, fmt.Errorf("trade %d is %T", i, entry))
		}
		tr := models.Trade{}
		tr.ID, _ = stringField(m, tradeIDAliases...)
		tr.Timestamp, _ = timeField(m, tradeTimeAliases...)
		tr.Price, _ = floatField(m, tradePriceAlias...)
		tr.Size, _ = floatField(m, tradeSizeAliases...)
		if side, ok := stringField(m, tradeSideAliases...); ok {
			switch strings.ToLower(side) {
			case "buy", "b":
				tr.Side = models.SideBuy
			case "sell", "s":
				tr.Side = models.SideSell
			}
		} else if maker, ok := boolField(m, makerAliases...); ok {
			tr.Side = models.SideBuy
			if maker {
				tr.Side = models.SideSell
			}
		}
		trades = append(trades, tr)
	}

	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].Timestamp.After(trades[j].Timestamp)
	})
	return trades, nil
}

// NormalizeCandles returns the series oldest first. A strictly descending series is
// reversed; any other disorder is left for the validator to reject.
func (n *Normalizer) NormalizeCandles(symbol, timeframe string, raw any, observedAt time.Time) ([]models.Candle, error) {
	op := "normalize_ohlcv_" + timeframe
	v, err := decode(raw)
	if err != nil {
		return nil, n.fail(op, symbol, err)
	}
	list, ok := asList(unwrap(v, "result", "data", "k", "list"))
	if !ok {
		return nil, n.fail(op, symbol, fmt.Errorf("unexpected candle payload %T", v))
	}

	candles := make([]models.Candle, 0, len(list))
	for i, entry := range list {
		c, err := parseCandle(entry)
		if err != nil {
			return nil, n.fail(op, symbol, fmt.Errorf("candle %d: %w", i, err))
		}
		candles = append(candles, c)
	}

	if strictlyDescending(candles) {
		for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
			candles[i], candles[j] = candles[j], candles[i]
		}
	}
	return candles, nil
}

func parseCandle(entry any) (models.Candle, error) {
	var c models.Candle
	switch e := entry.(type) {
	case []any:
		if len(e) < 6 {
			return c, fmt.Errorf("expected at least 6 elements, got %d", len(e))
		}
		ts, ok := toTime(e[0])
		if !ok {
			return c, errors.New("timestamp is not a time")
		}
		c.Timestamp = ts
		dst := []*float64{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume}
		for i, p := range dst {
			f, ok := toFloat(e[i+1])
			if !ok {
				return c, fmt.Errorf("element %d is not numeric", i+1)
			}
			*p = f
		}
	case map[string]any:
		ts, ok := timeField(e, candleTimeAlias...)
		if !ok {
			return c, errors.New("missing timestamp")
		}
		c.Timestamp = ts
		fields := []struct {
			dst     *float64
			aliases []string
		}{
			{&c.Open, []string{"open", "o"}},
			{&c.High, []string{"high", "h"}},
			{&c.Low, []string{"low", "l"}},
			{&c.Close, []string{"close", "c"}},
			{&c.Volume, []string{"volume", "v"}},
		}
		for _, f := range fields {
			val, ok := floatField(e, f.aliases...)
			if !ok {
				return c, fmt.Errorf("missing %s", f.aliases[0])
			}
			*f.dst = val
		}
	default:
		return c, fmt.Errorf("unexpected candle %T", entry)
	}
	return c, nil
}

func strictlyDescending(c []models.Candle) bool {
	if len(c) < 2 {
		return false
	}
	for i := 1; i < len(c); i++ {
		if !c[i].Timestamp.Before(c[i-1].Timestamp) {
			return false
		}
	}
	return true
}

// Normalize converts every present piece of the bundle and merges them into one snapshot.
// Pieces that fail are left out and their errors joined.
func (n *Normalizer) Normalize(symbol string, raw RawBundle, observedAt time.Time) (models.MarketSnapshot, error) {
	snap := models.MarketSnapshot{Symbol: symbol, ObservedAt: observedAt.UTC()}
	var errs []error

	if raw.Ticker != nil {
		t, f, err := n.NormalizeTicker(symbol, raw.Ticker, observedAt)
		if err != nil {
			errs = append(errs, err)
		} else {
			snap.Ticker, snap.Funding = t, f
		}
	}
	if raw.Orderbook != nil {
		b, err := n.NormalizeOrderbook(symbol, raw.Orderbook, observedAt)
		if err != nil {
			errs = append(errs, err)
		} else {
			snap.Orderbook = b
		}
	}
	if raw.Trades != nil {
		tr, err := n.NormalizeTrades(symbol, raw.Trades, observedAt)
		if err != nil {
			errs = append(errs, err)
		} else {
			snap.Trades = tr
		}
	}
	if raw.OHLCV != nil {
		snap.OHLCV = make(map[string][]models.Candle, len(raw.OHLCV))
		for tf, payload := range raw.OHLCV {
			c, err := n.NormalizeCandles(symbol, tf, payload, observedAt)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			snap.OHLCV[tf] = c
		}
	}

	if len(errs) > 0 {
		n.log.WithComponent("normalizer").WithFields(logger.Fields{
			"symbol":    symbol,
			"exchange":  n.exchange,
			"operation": "normalize",
			"failures":  len(errs),
		}).Debug("some payloads could not be normalized")
	}
	return snap, errors.Join(errs...)
}
