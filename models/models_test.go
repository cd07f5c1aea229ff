package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestLevelEncodesAsTuple(t *testing.T) {
	data, err := json.Marshal(Orderbook{Bids: []Level{{Price: 100.5, Size: 2}}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	bids, ok := generic["bids"].([]any)
	if !ok || len(bids) != 1 {
		t.Fatalf("unexpected bids: %v", generic["bids"])
	}
	pair, ok := bids[0].([]any)
	if !ok || len(pair) != 2 || pair[0] != 100.5 || pair[1] != 2.0 {
		t.Fatalf("level not encoded as tuple: %v", bids[0])
	}
}

func TestLevelRejectsObject(t *testing.T) {
	var l Level
	if err := json.Unmarshal([]byte(`{"price":1}`), &l); err == nil {
		t.Fatal("expected error for non-tuple level")
	}
}

func TestChannelRoundTrip(t *testing.T) {
	cases := []Channel{
		{Kind: KindTicker, Symbol: "BTCUSDT"},
		{Kind: KindOrderbook, Symbol: "ETHUSDT"},
		{Kind: KindOHLCV, Symbol: "BTCUSDT", Timeframe: "1m"},
	}
	for _, c := range cases {
		parsed, err := ParseChannel(c.String())
		if err != nil {
			t.Fatalf("parse %q: %v", c.String(), err)
		}
		if parsed != c {
			t.Errorf("round trip mismatch: %+v != %+v", parsed, c)
		}
	}
	if _, err := ParseChannel("ohlcv.BTCUSDT"); err == nil {
		t.Error("expected error for ohlcv channel without timeframe")
	}
}

func TestSnapshotPresentKinds(t *testing.T) {
	s := MarketSnapshot{Ticker: &Ticker{Last: 1}, OHLCV: map[string][]Candle{}}
	kinds := s.PresentKinds()
	if len(kinds) != 2 || kinds[0] != KindTicker || kinds[1] != KindOHLCV {
		t.Fatalf("unexpected kinds: %v", kinds)
	}
}

func TestWithOHLCVDoesNotMutate(t *testing.T) {
	s := MarketSnapshot{OHLCV: map[string][]Candle{
		"1m": {{Timestamp: time.Unix(0, 0)}},
		"5m": {{Timestamp: time.Unix(0, 0)}},
	}}
	pruned := s.WithOHLCV([]string{"1m"})
	if len(pruned.OHLCV) != 1 {
		t.Fatalf("expected 1 timeframe, got %d", len(pruned.OHLCV))
	}
	if len(s.OHLCV) != 2 {
		t.Fatalf("original snapshot mutated: %v", s.OHLCV)
	}
}

func TestWorst(t *testing.T) {
	if Worst(Healthy, Critical) != Critical || Worst(Warning, Healthy) != Warning {
		t.Fatal("Worst does not order statuses")
	}
}
