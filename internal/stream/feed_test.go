package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"marketfeed/internal/cache"
	"marketfeed/internal/channel"
	"marketfeed/internal/feederr"
	"marketfeed/models"
	"marketfeed/processor"
	"marketfeed/reader"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func newTestFeed(t *testing.T) (*Feed, *cache.DataCache) {
	t.Helper()
	vcfg := processor.DefaultValidationConfig()
	vcfg.MinOrderbookLevels = 2
	vcfg.MinTradesCount = 1
	vcfg.MinOHLCVCandles = 3
	c := cache.New(time.Minute, clock)
	f := NewFeed(Config{Exchange: "bybit", OrderbookDepth: 50, TradeLimit: 3, CandleLimit: 5},
		channel.NewChannels("bybit", 8),
		processor.NewNormalizer("bybit"),
		processor.NewValidator(vcfg, clock),
		c)
	return f, c
}

func msg(kind models.Kind, tf, typ, body string) reader.Message {
	return reader.Message{
		Channel:    models.Channel{Kind: kind, Symbol: "BTCUSDT", Timeframe: tf},
		Type:       typ,
		Data:       json.RawMessage(body),
		ReceivedAt: now,
	}
}

func bookMsg(typ, bids, asks string) reader.Message {
	return msg(models.KindOrderbook, "", typ, fmt.Sprintf(
		`{"topic":"orderbook.50.BTCUSDT","type":%q,"ts":%d,"data":{"s":"BTCUSDT","b":%s,"a":%s}}`,
		typ, now.UnixMilli(), bids, asks))
}

func TestOrderbookSnapshotThenDelta(t *testing.T) {
	f, c := newTestFeed(t)

	if err := f.Process(bookMsg(reader.TypeSnapshot, `[["100","1"],["99","2"]]`, `[["101","1"],["102","2"]]`)); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	// remove 100, add 98 and 100.5, resize 102
	if err := f.Process(bookMsg(reader.TypeDelta, `[["100","0"],["98","4"],["100.5","1"]]`, `[["102","5"]]`)); err != nil {
		t.Fatalf("delta: %v", err)
	}

	book, ok := cache.Lookup[*models.Orderbook](c, "BTCUSDT", models.KindOrderbook)
	if !ok {
		t.Fatal("expected cached book")
	}
	wantBids := []models.Level{{Price: 100.5, Size: 1}, {Price: 99, Size: 2}, {Price: 98, Size: 4}}
	if len(book.Bids) != len(wantBids) {
		t.Fatalf("unexpected bids %+v", book.Bids)
	}
	for i, l := range wantBids {
		if book.Bids[i] != l {
			t.Fatalf("bid %d: got %+v want %+v", i, book.Bids[i], l)
		}
	}
	if book.Asks[1].Size != 5 {
		t.Fatalf("expected resized ask, got %+v", book.Asks)
	}
}

func TestOrderbookDeltaWithoutBase(t *testing.T) {
	f, c := newTestFeed(t)
	err := f.Process(bookMsg(reader.TypeDelta, `[["100","1"],["99","1"]]`, `[["101","1"],["102","1"]]`))
	if err == nil {
		t.Fatal("expected rejection")
	}
	if _, ok := c.Get("BTCUSDT", models.KindOrderbook); ok {
		t.Fatal("delta without base must not be cached")
	}
	if s := f.Stats(); s.Rejected != 1 || s.Applied != 0 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestCrossedDeltaKeepsPreviousBook(t *testing.T) {
	f, c := newTestFeed(t)
	if err := f.Process(bookMsg(reader.TypeSnapshot, `[["100","1"],["99","2"]]`, `[["101","1"],["102","2"]]`)); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	err := f.Process(bookMsg(reader.TypeDelta, `[["101.5","1"]]`, `[]`))
	if !feederr.Is(err, feederr.Validation) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	book, _ := cache.Lookup[*models.Orderbook](c, "BTCUSDT", models.KindOrderbook)
	if best, _ := book.BestBid(); best.Price != 100 {
		t.Fatalf("crossed delta leaked into cache: %+v", book.Bids)
	}
}

func TestTickerDeltaMergesFields(t *testing.T) {
	f, c := newTestFeed(t)
	snap := msg(models.KindTicker, "", reader.TypeSnapshot, fmt.Sprintf(
		`{"topic":"tickers.BTCUSDT","type":"snapshot","ts":%d,"data":{"symbol":"BTCUSDT","lastPrice":"100","bid1Price":"99.5","ask1Price":"100.5","fundingRate":"0.0001","nextFundingTime":"%d"}}`,
		now.UnixMilli(), now.Add(time.Hour).UnixMilli()))
	delta := msg(models.KindTicker, "", reader.TypeDelta, fmt.Sprintf(
		`{"topic":"tickers.BTCUSDT","type":"delta","ts":%d,"data":{"symbol":"BTCUSDT","lastPrice":"101"}}`,
		now.UnixMilli()+1000))

	for _, m := range []reader.Message{snap, delta} {
		if err := f.Process(m); err != nil {
			t.Fatalf("process %s: %v", m.Type, err)
		}
	}
	tk, ok := cache.Lookup[*models.Ticker](c, "BTCUSDT", models.KindTicker)
	if !ok || tk.Last != 101 || tk.Bid != 99.5 || tk.Ask != 100.5 {
		t.Fatalf("unexpected ticker %+v", tk)
	}
	fund, ok := cache.Lookup[*models.Funding](c, "BTCUSDT", models.KindFunding)
	if !ok || fund.Rate == nil || *fund.Rate != 0.0001 {
		t.Fatalf("unexpected funding %+v", fund)
	}
}

func tradeMsg(id string, offset time.Duration) reader.Message {
	ts := now.Add(offset).UnixMilli()
	return msg(models.KindTrades, "", reader.TypeSnapshot, fmt.Sprintf(
		`{"topic":"publicTrade.BTCUSDT","type":"snapshot","ts":%d,"data":[{"T":%d,"s":"BTCUSDT","S":"Buy","v":"0.1","p":"100","i":%q}]}`,
		ts, ts, id))
}

func TestTradesPrependDedupAndCap(t *testing.T) {
	f, c := newTestFeed(t)
	for i, id := range []string{"t1", "t2", "t2", "t3", "t4"} {
		if err := f.Process(tradeMsg(id, time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("trade %s: %v", id, err)
		}
	}
	trades, _ := cache.Lookup[[]models.Trade](c, "BTCUSDT", models.KindTrades)
	if len(trades) != 3 {
		t.Fatalf("expected cap of 3, got %d", len(trades))
	}
	if trades[0].ID != "t4" || trades[2].ID != "t2" {
		t.Fatalf("expected newest first, got %+v", trades)
	}
}

func klineMsg(start time.Time, open, high, low, closePrice string) reader.Message {
	return msg(models.KindOHLCV, "1m", reader.TypeSnapshot, fmt.Sprintf(
		`{"topic":"kline.1.BTCUSDT","type":"snapshot","ts":%d,"data":[{"start":%d,"end":%d,"interval":"1","open":%q,"close":%q,"high":%q,"low":%q,"volume":"10","confirm":false}]}`,
		now.UnixMilli(), start.UnixMilli(), start.Add(time.Minute).UnixMilli()-1, open, closePrice, high, low))
}

func TestCandlesUpsertAndRejectInvalidBar(t *testing.T) {
	f, c := newTestFeed(t)
	base := now.Add(-3 * time.Minute)
	var seed []models.Candle
	for i := 0; i < 3; i++ {
		seed = append(seed, models.Candle{Timestamp: base.Add(time.Duration(i) * time.Minute), Open: 10, High: 12, Low: 9, Close: 11, Volume: 1})
	}
	c.Set("BTCUSDT", models.KindOHLCV, map[string][]models.Candle{"1m": seed, "1h": nil})

	// update the last bar, then open a new one
	if err := f.Process(klineMsg(base.Add(2*time.Minute), "10", "13", "9", "12.5")); err != nil {
		t.Fatalf("update bar: %v", err)
	}
	if err := f.Process(klineMsg(now, "12.5", "12.6", "12.4", "12.5")); err != nil {
		t.Fatalf("new bar: %v", err)
	}

	// high < low never reaches the cache
	err := f.Process(klineMsg(now, "12.5", "12", "13", "12.5"))
	if !feederr.Is(err, feederr.Validation) {
		t.Fatalf("expected validation failure, got %v", err)
	}

	series, _ := cache.Lookup[map[string][]models.Candle](c, "BTCUSDT", models.KindOHLCV)
	bars := series["1m"]
	if len(bars) != 4 {
		t.Fatalf("expected 4 bars, got %d", len(bars))
	}
	if bars[2].High != 13 || bars[3].High != 12.6 {
		t.Fatalf("unexpected bars %+v", bars)
	}
	if _, ok := series["1h"]; !ok {
		t.Fatal("sibling timeframe dropped")
	}
}

func TestUnparseableMessageIsRejected(t *testing.T) {
	f, _ := newTestFeed(t)
	err := f.Process(msg(models.KindOrderbook, "", reader.TypeSnapshot, `"nope"`))
	if !feederr.Is(err, feederr.Normalization) {
		t.Fatalf("expected normalization error, got %v", err)
	}
}

func TestHandleFlowsThroughWorker(t *testing.T) {
	f, c := newTestFeed(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.Start(ctx); err == nil {
		t.Fatal("second start should fail")
	}

	f.Handle(bookMsg(reader.TypeSnapshot, `[["100","1"],["99","2"]]`, `[["101","1"],["102","2"]]`))

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := c.Get("BTCUSDT", models.KindOrderbook); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("message never applied")
		case <-time.After(5 * time.Millisecond):
		}
	}
	f.Stop()
	f.Stop()
}

func TestMergeHelpers(t *testing.T) {
	old := []models.Candle{{Timestamp: now}, {Timestamp: now.Add(time.Minute)}}
	out := upsertCandles(old, []models.Candle{{Timestamp: now.Add(2 * time.Minute)}}, 2)
	if len(out) != 2 || !out[0].Timestamp.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected newest two bars oldest first, got %+v", out)
	}

	rate := 0.01
	merged := mergeFunding(&models.Funding{Rate: &rate, NextFundingTime: now}, &models.Funding{InvalidRate: "abc"})
	if merged.Rate != nil || merged.InvalidRate != "abc" || !merged.NextFundingTime.Equal(now) {
		t.Fatalf("unexpected funding merge %+v", merged)
	}
}
