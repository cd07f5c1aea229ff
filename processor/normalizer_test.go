package processor

import (
	"encoding/json"
	"testing"
	"time"

	"marketfeed/internal/feederr"
	"marketfeed/models"
)

var observed = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestNormalizeOrderbookEnvelope(t *testing.T) {
	n := NewNormalizer("bybit")
	raw := `{"result":{"b":[["100.5","2"]],"a":[["100.6","3"]]}}`

	book, err := n.NormalizeOrderbook("BTCUSDT", raw, observed)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(book.Bids) != 1 || book.Bids[0] != (models.Level{Price: 100.5, Size: 2}) {
		t.Fatalf("unexpected bids: %+v", book.Bids)
	}
	if len(book.Asks) != 1 || book.Asks[0] != (models.Level{Price: 100.6, Size: 3}) {
		t.Fatalf("unexpected asks: %+v", book.Asks)
	}
	if !book.Timestamp.Equal(observed) {
		t.Fatalf("expected observation time, got %v", book.Timestamp)
	}
}

func TestNormalizeTickerAliases(t *testing.T) {
	n := NewNormalizer("bybit")
	cases := []struct {
		name string
		raw  string
		want models.Ticker
	}{
		{
			name: "bybit v5",
			raw: `{"retCode":0,"result":{"category":"linear","list":[{"symbol":"BTCUSDT","lastPrice":"64000.5",
				"bid1Price":"64000","ask1Price":"64001","highPrice24h":"65000","lowPrice24h":"63000",
				"volume24h":"100","turnover24h":"6400000","price24hPcnt":"0.0625"}]},"time":1714564800000}`,
			want: models.Ticker{Last: 64000.5, Bid: 64000, Ask: 64001, High: 65000, Low: 63000, Volume: 100, Turnover: 6400000, ChangePercent: 6.25, Timestamp: time.UnixMilli(1714564800000).UTC()},
		},
		{
			name: "binance 24hr with turnover fallback",
			raw:  `{"symbol":"BTCUSDT","lastPrice":"50","highPrice":"55","lowPrice":"45","volume":"10","priceChangePercent":"2.5","closeTime":1714564800000}`,
			want: models.Ticker{Last: 50, High: 55, Low: 45, Volume: 10, Turnover: 500, ChangePercent: 2.5, Timestamp: time.UnixMilli(1714564800000).UTC()},
		},
		{
			name: "short keys without time",
			raw:  `{"c":"7","v":"3","q":"21"}`,
			want: models.Ticker{Last: 7, Volume: 3, Turnover: 21, Timestamp: observed},
		},
	}
	for _, c := range cases {
		got, _, err := n.NormalizeTicker("BTCUSDT", c.raw, observed)
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		c.want.Symbol = "BTCUSDT"
		if !got.Timestamp.Equal(c.want.Timestamp) {
			t.Errorf("%s: timestamp %v want %v", c.name, got.Timestamp, c.want.Timestamp)
		}
		got.Timestamp, c.want.Timestamp = time.Time{}, time.Time{}
		if *got != c.want {
			t.Errorf("%s: got %+v want %+v", c.name, *got, c.want)
		}
	}
}

func TestNormalizeTickerFunding(t *testing.T) {
	n := NewNormalizer("bybit")
	_, f, err := n.NormalizeTicker("BTCUSDT", `{"lastPrice":"1","fundingRate":"0.0001","nextFundingTime":"1714593600000"}`, observed)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if f == nil || f.Rate == nil || *f.Rate != 0.0001 || f.NextFundingTime.UnixMilli() != 1714593600000 {
		t.Fatalf("unexpected funding: %+v", f)
	}

	_, f, _ = n.NormalizeTicker("BTCUSDT", `{"lastPrice":"1","fundingRate":"n/a"}`, observed)
	if f == nil || f.Rate != nil || f.InvalidRate != "n/a" {
		t.Fatalf("non-numeric rate must be kept for validation: %+v", f)
	}

	_, f, _ = n.NormalizeTicker("BTCUSDT", `{"lastPrice":"1"}`, observed)
	if f != nil {
		t.Fatalf("expected no funding, got %+v", f)
	}
}

func TestNormalizeTradesShapes(t *testing.T) {
	n := NewNormalizer("bybit")
	bybit := `{"result":{"list":[
		{"execId":"a1","price":"10","size":"1","side":"Buy","time":"1714564800000"},
		{"execId":"a2","price":"11","size":"2","side":"Sell","time":"1714564801000"}]}}`
	trades, err := n.NormalizeTrades("BTCUSDT", bybit, observed)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(trades) != 2 || trades[0].ID != "a2" || trades[0].Side != models.SideSell || trades[1].Side != models.SideBuy {
		t.Fatalf("expected newest first with sides, got %+v", trades)
	}

	binance := `[{"id":7,"price":"10","qty":"0.5","time":1714564800000,"isBuyerMaker":true}]`
	trades, err = n.NormalizeTrades("BTCUSDT", binance, observed)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if trades[0].ID != "7" || trades[0].Size != 0.5 || trades[0].Side != models.SideSell {
		t.Fatalf("unexpected binance trade: %+v", trades[0])
	}

	aggTrade := `{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","a":99,"p":"10","q":"1","T":1714564800000,"m":false}}`
	trades, err = n.NormalizeTrades("BTCUSDT", aggTrade, observed)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(trades) != 1 || trades[0].ID != "99" || trades[0].Side != models.SideBuy {
		t.Fatalf("unexpected agg trade: %+v", trades)
	}
}

func TestNormalizeCandlesReversesDescending(t *testing.T) {
	n := NewNormalizer("bybit")
	raw := `{"result":{"list":[
		["1714564920000","3","4","2","3.5","10","35"],
		["1714564860000","2","3","1","3","10","30"],
		["1714564800000","1","2","0.5","2","10","20"]]}}`
	candles, err := n.NormalizeCandles("BTCUSDT", "1m", raw, observed)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(candles) != 3 || candles[0].Open != 1 || candles[2].Open != 3 {
		t.Fatalf("expected oldest first, got %+v", candles)
	}
}

func TestNormalizeCandlesKeepsDisorder(t *testing.T) {
	n := NewNormalizer("binance")
	raw := `[{"openTime":3000,"open":"1","high":"1","low":"1","close":"1","volume":"1"},
		{"openTime":1000,"open":"1","high":"1","low":"1","close":"1","volume":"1"},
		{"openTime":2000,"open":"1","high":"1","low":"1","close":"1","volume":"1"}]`
	candles, err := n.NormalizeCandles("BTCUSDT", "1m", raw, observed)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if candles[0].Timestamp.Unix() != 3000 || candles[2].Timestamp.Unix() != 2000 {
		t.Fatalf("disorder must be preserved, got %+v", candles)
	}
}

func TestNormalizeCandlesBybitStreamUsesStart(t *testing.T) {
	n := NewNormalizer("bybit")
	raw := `{"topic":"kline.1.BTCUSDT","data":[{"start":1714564800000,"end":1714564859999,"open":"1","close":"2","high":"2","low":"1","volume":"5","timestamp":1714564830000}]}`
	candles, err := n.NormalizeCandles("BTCUSDT", "1m", raw, observed)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if candles[0].Timestamp.UnixMilli() != 1714564800000 {
		t.Fatalf("expected bar start, got %v", candles[0].Timestamp)
	}
}

func TestNormalizeRejectsUnusablePayload(t *testing.T) {
	n := NewNormalizer("bybit")
	_, err := n.NormalizeOrderbook("BTCUSDT", `"just a string"`, observed)
	if !feederr.Is(err, feederr.Normalization) {
		t.Fatalf("expected normalization error, got %v", err)
	}
	_, err = n.NormalizeCandles("BTCUSDT", "1m", `[["1"]]`, observed)
	if !feederr.Is(err, feederr.Normalization) {
		t.Fatalf("expected normalization error, got %v", err)
	}
}

func canonicalSnapshot() models.MarketSnapshot {
	ts := observed.Add(-time.Second)
	candles := make([]models.Candle, 3)
	for i := range candles {
		candles[i] = models.Candle{Timestamp: observed.Add(time.Duration(i-3) * time.Minute), Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10}
	}
	return models.MarketSnapshot{
		Symbol:     "BTCUSDT",
		ObservedAt: observed,
		Ticker:     &models.Ticker{Symbol: "BTCUSDT", Last: 100, Bid: 99.5, Ask: 100.5, High: 110, Low: 90, Volume: 5, Turnover: 500, ChangePercent: -1.5, Timestamp: ts},
		Orderbook:  &models.Orderbook{Bids: []models.Level{{Price: 99.5, Size: 1}}, Asks: []models.Level{{Price: 100.5, Size: 2}}, Timestamp: ts},
		Trades: []models.Trade{
			{ID: "2", Timestamp: ts, Price: 100, Size: 1, Side: models.SideBuy},
			{ID: "1", Timestamp: ts.Add(-time.Second), Price: 99, Size: 2, Side: models.SideSell},
		},
		OHLCV: map[string][]models.Candle{"1m": candles},
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func TestNormalizeIsIdempotentOnCanonicalValues(t *testing.T) {
	n := NewNormalizer("bybit")
	want := canonicalSnapshot()

	got, err := n.Normalize(want.Symbol, RawBundle{
		Ticker:    mustJSON(t, want.Ticker),
		Orderbook: mustJSON(t, want.Orderbook),
		Trades:    want.Trades,
		OHLCV:     map[string]any{"1m": want.OHLCV["1m"]},
	}, observed)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if mustJSON(t, got) != mustJSON(t, want) {
		t.Fatalf("normalizing canonical data changed it:\n got %s\nwant %s", mustJSON(t, got), mustJSON(t, want))
	}

	again, err := n.Normalize(got.Symbol, RawBundle{
		Ticker:    got.Ticker,
		Orderbook: got.Orderbook,
		Trades:    got.Trades,
		OHLCV:     map[string]any{"1m": got.OHLCV["1m"]},
	}, observed)
	if err != nil {
		t.Fatalf("second normalize: %v", err)
	}
	if mustJSON(t, again) != mustJSON(t, got) {
		t.Fatal("normalize is not idempotent")
	}
}

func TestNormalizeJoinsPieceErrors(t *testing.T) {
	n := NewNormalizer("bybit")
	snap, err := n.Normalize("BTCUSDT", RawBundle{
		Ticker: `{"lastPrice":"1"}`,
		OHLCV:  map[string]any{"1m": `"broken"`},
	}, observed)
	if err == nil || !feederr.Is(err, feederr.Normalization) {
		t.Fatalf("expected joined normalization error, got %v", err)
	}
	if snap.Ticker == nil || len(snap.OHLCV) != 0 {
		t.Fatalf("good pieces must survive: %+v", snap)
	}
}
