package models

import (
	"sort"
	"time"
)

// Kind identifies one family of market data.
type Kind string

const (
	KindTicker    Kind = "ticker"
	KindOrderbook Kind = "orderbook"
	KindTrades    Kind = "trades"
	KindOHLCV     Kind = "ohlcv"
	KindFunding   Kind = "funding"
)

// Kinds lists every data kind in validation order.
var Kinds = []Kind{KindTicker, KindOrderbook, KindTrades, KindOHLCV, KindFunding}

// FetchedKinds are the kinds obtained through their own REST call. Funding rides on the ticker.
var FetchedKinds = []Kind{KindTicker, KindOrderbook, KindTrades, KindOHLCV}

// Candle is one OHLCV bar. Timestamp is the bar open time.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Side is the aggressor side of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type Trade struct {
	ID        string    `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Side      Side      `json:"side,omitempty"`
}

// Ticker is the canonical 24h ticker. A zero numeric field means the exchange did not report it.
type Ticker struct {
	Symbol        string    `json:"symbol,omitempty"`
	Last          float64   `json:"last"`
	Bid           float64   `json:"bid,omitempty"`
	Ask           float64   `json:"ask,omitempty"`
	High          float64   `json:"high,omitempty"`
	Low           float64   `json:"low,omitempty"`
	Volume        float64   `json:"volume,omitempty"`
	Turnover      float64   `json:"turnover,omitempty"`
	ChangePercent float64   `json:"changePercent,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Funding carries perpetual funding information. InvalidRate holds the raw value when the
// exchange reported a fundingRate that is not numeric.
type Funding struct {
	Rate            *float64  `json:"fundingRate,omitempty"`
	InvalidRate     string    `json:"invalidRate,omitempty"`
	NextFundingTime time.Time `json:"nextFundingTime,omitempty"`
}

// MarketSnapshot is the normalized bundle for one symbol at one observation time.
// Nil members mean the kind is absent. Values are never mutated after construction.
type MarketSnapshot struct {
	Symbol     string              `json:"symbol"`
	ObservedAt time.Time           `json:"observedAt"`
	Ticker     *Ticker             `json:"ticker,omitempty"`
	Orderbook  *Orderbook          `json:"orderbook,omitempty"`
	Trades     []Trade             `json:"trades,omitempty"`
	OHLCV      map[string][]Candle `json:"ohlcv,omitempty"`
	Funding    *Funding            `json:"funding,omitempty"`
}

// Has reports whether the given kind is present in the snapshot.
func (s MarketSnapshot) Has(kind Kind) bool {
	switch kind {
	case KindTicker:
		return s.Ticker != nil
	case KindOrderbook:
		return s.Orderbook != nil
	case KindTrades:
		return s.Trades != nil
	case KindOHLCV:
		return s.OHLCV != nil
	case KindFunding:
		return s.Funding != nil
	}
	return false
}

// PresentKinds returns the kinds carried by the snapshot in validation order.
func (s MarketSnapshot) PresentKinds() []Kind {
	out := make([]Kind, 0, len(Kinds))
	for _, k := range Kinds {
		if s.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

// WithOHLCV returns a copy of the snapshot carrying only the given timeframes.
func (s MarketSnapshot) WithOHLCV(timeframes []string) MarketSnapshot {
	if s.OHLCV == nil {
		return s
	}
	kept := make(map[string][]Candle, len(timeframes))
	for _, tf := range timeframes {
		if series, ok := s.OHLCV[tf]; ok {
			kept[tf] = series
		}
	}
	s.OHLCV = kept
	return s
}

// Timeframes returns the snapshot's OHLCV timeframes sorted for stable output.
func (s MarketSnapshot) Timeframes() []string {
	out := make([]string, 0, len(s.OHLCV))
	for tf := range s.OHLCV {
		out = append(out, tf)
	}
	sort.Strings(out)
	return out
}
