package stream

import (
	"sort"

	"marketfeed/models"
)

// mergeTicker overlays the non-zero fields of update on old. Streams send partial tickers.
func mergeTicker(old, update *models.Ticker) *models.Ticker {
	if old == nil {
		return update
	}
	out := *old
	if update.Last != 0 {
		out.Last = update.Last
	}
	if update.Bid != 0 {
		out.Bid = update.Bid
	}
	if update.Ask != 0 {
		out.Ask = update.Ask
	}
	if update.High != 0 {
		out.High = update.High
	}
	if update.Low != 0 {
		out.Low = update.Low
	}
	if update.Volume != 0 {
		out.Volume = update.Volume
	}
	if update.Turnover != 0 {
		out.Turnover = update.Turnover
	}
	if update.ChangePercent != 0 {
		out.ChangePercent = update.ChangePercent
	}
	if !update.Timestamp.IsZero() {
		out.Timestamp = update.Timestamp
	}
	if update.Symbol != "" {
		out.Symbol = update.Symbol
	}
	return &out
}

func mergeFunding(old, update *models.Funding) *models.Funding {
	if old == nil {
		return update
	}
	out := *old
	if update.Rate != nil {
		rate := *update.Rate
		out.Rate = &rate
		out.InvalidRate = ""
	} else if update.InvalidRate != "" {
		out.Rate = nil
		out.InvalidRate = update.InvalidRate
	}
	if !update.NextFundingTime.IsZero() {
		out.NextFundingTime = update.NextFundingTime
	}
	return &out
}

// applyDelta returns a new book with the delta levels upserted by price. Size 0 removes a level.
func applyDelta(base, delta *models.Orderbook, depth int) *models.Orderbook {
	out := &models.Orderbook{
		Bids:      applySide(base.Bids, delta.Bids, func(a, b float64) bool { return a > b }),
		Asks:      applySide(base.Asks, delta.Asks, func(a, b float64) bool { return a < b }),
		Timestamp: delta.Timestamp,
	}
	return truncateBook(out, depth)
}

func applySide(base, delta []models.Level, better func(a, b float64) bool) []models.Level {
	levels := make(map[float64]float64, len(base)+len(delta))
	for _, l := range base {
		levels[l.Price] = l.Size
	}
	for _, l := range delta {
		if l.Size == 0 {
			delete(levels, l.Price)
			continue
		}
		levels[l.Price] = l.Size
	}
	out := make([]models.Level, 0, len(levels))
	for p, s := range levels {
		out = append(out, models.Level{Price: p, Size: s})
	}
	sort.Slice(out, func(i, j int) bool { return better(out[i].Price, out[j].Price) })
	return out
}

func truncateBook(b *models.Orderbook, depth int) *models.Orderbook {
	if depth <= 0 {
		return b
	}
	if len(b.Bids) > depth {
		b.Bids = b.Bids[:depth]
	}
	if len(b.Asks) > depth {
		b.Asks = b.Asks[:depth]
	}
	return b
}

// mergeTrades puts incoming trades ahead of the cached ones, drops repeated ids and keeps
// the newest limit trades.
func mergeTrades(old, incoming []models.Trade, limit int) []models.Trade {
	out := make([]models.Trade, 0, len(old)+len(incoming))
	seen := make(map[string]struct{}, len(old)+len(incoming))
	for _, list := range [][]models.Trade{incoming, old} {
		for _, t := range list {
			if t.ID != "" {
				if _, dup := seen[t.ID]; dup {
					continue
				}
				seen[t.ID] = struct{}{}
			}
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// upsertCandles replaces bars with a matching open time, appends new ones and keeps the
// newest limit bars, oldest first.
func upsertCandles(old, incoming []models.Candle, limit int) []models.Candle {
	byTS := make(map[int64]models.Candle, len(old)+len(incoming))
	for _, c := range old {
		byTS[c.Timestamp.UnixMilli()] = c
	}
	for _, c := range incoming {
		byTS[c.Timestamp.UnixMilli()] = c
	}
	out := make([]models.Candle, 0, len(byTS))
	for _, c := range byTS {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// withSeries copies the OHLCV map with one timeframe replaced.
func withSeries(old map[string][]models.Candle, tf string, series []models.Candle) map[string][]models.Candle {
	out := make(map[string][]models.Candle, len(old)+1)
	for k, v := range old {
		out[k] = v
	}
	out[tf] = series
	return out
}
