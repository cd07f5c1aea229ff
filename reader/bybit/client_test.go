package bybit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	appconfig "marketfeed/config"
	"marketfeed/internal/feederr"
	"marketfeed/models"
	"marketfeed/processor"
	"marketfeed/reader"
)

func testServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := appconfig.Default().Exchange
	cfg.RestURL = srv.URL
	cfg.Timeout = 2 * time.Second
	return NewClient(cfg)
}

func TestFetchTickerAndOrderbook(t *testing.T) {
	var gotSymbols []string
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotSymbols = append(gotSymbols, r.URL.Query().Get("symbol"))
		switch {
		case strings.Contains(r.URL.Path, "tickers"):
			w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"category":"linear","list":[{"symbol":"1000PEPEUSDT","lastPrice":"0.0123","bid1Price":"0.0122","ask1Price":"0.0124","fundingRate":"0.0001","nextFundingTime":"1714593600000"}]},"time":1714564800000}`))
		case strings.Contains(r.URL.Path, "orderbook"):
			w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"s":"1000PEPEUSDT","b":[["0.0122","100"]],"a":[["0.0124","50"]],"ts":1714564800000},"time":1714564800001}`))
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()
	n := processor.NewNormalizer("bybit")

	raw, err := c.FetchTicker(ctx, "PEPEUSDT")
	if err != nil {
		t.Fatalf("fetch ticker: %v", err)
	}
	tk, funding, err := n.NormalizeTicker("PEPEUSDT", raw, time.Now())
	if err != nil {
		t.Fatalf("normalize ticker: %v", err)
	}
	if tk.Last != 0.0123 || tk.Bid != 0.0122 || funding == nil || funding.Rate == nil {
		t.Fatalf("unexpected ticker %+v funding %+v", tk, funding)
	}

	raw, err = c.FetchOrderbook(ctx, "PEPEUSDT", 50)
	if err != nil {
		t.Fatalf("fetch orderbook: %v", err)
	}
	book, err := n.NormalizeOrderbook("PEPEUSDT", raw, time.Now())
	if err != nil {
		t.Fatalf("normalize orderbook: %v", err)
	}
	if len(book.Bids) != 1 || book.Asks[0].Price != 0.0124 || book.Timestamp.UnixMilli() != 1714564800000 {
		t.Fatalf("unexpected book %+v", book)
	}

	for _, s := range gotSymbols {
		if s != "1000PEPEUSDT" {
			t.Fatalf("expected exchange symbol, got %q", s)
		}
	}
}

func TestFetchClassifiesRetCodes(t *testing.T) {
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("symbol") {
		case "BTCUSDT":
			w.Write([]byte(`{"retCode":10006,"retMsg":"Too many visits!","result":{},"time":1}`))
		default:
			w.Write([]byte(`{"retCode":10001,"retMsg":"params error: symbol invalid","result":{},"time":1}`))
		}
	})

	_, err := c.FetchTrades(context.Background(), "BTCUSDT", 10)
	if !feederr.Is(err, feederr.RateLimit) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	_, err = c.FetchTrades(context.Background(), "NOPEUSDT", 10)
	if !feederr.Is(err, feederr.FatalConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := c.FetchOHLCV(context.Background(), "BTCUSDT", "7m", 10); !feederr.Is(err, feederr.FatalConfiguration) {
		t.Fatalf("expected unsupported timeframe, got %v", err)
	}
}

func TestProtocolTopics(t *testing.T) {
	p := Protocol{}
	cases := map[string]models.Channel{
		"tickers.BTCUSDT":      {Kind: models.KindTicker, Symbol: "BTCUSDT"},
		"orderbook.50.BTCUSDT": {Kind: models.KindOrderbook, Symbol: "BTCUSDT"},
		"publicTrade.ETHUSDT":  {Kind: models.KindTrades, Symbol: "ETHUSDT"},
		"kline.60.BTCUSDT":     {Kind: models.KindOHLCV, Symbol: "BTCUSDT", Timeframe: "1h"},
		"kline.D.SHIB1000USDT": {Kind: models.KindOHLCV, Symbol: "SHIBUSDT", Timeframe: "1d"},
	}
	for want, ch := range cases {
		got, err := p.Topic(ch)
		if err != nil || got != want {
			t.Errorf("%v: got %q %v want %q", ch, got, err, want)
		}
	}
	if _, err := p.Topic(models.Channel{Kind: models.KindFunding, Symbol: "BTCUSDT"}); err == nil {
		t.Error("funding has no stream")
	}
}

func TestProtocolDecode(t *testing.T) {
	p := Protocol{}
	ack := p.Decode([]byte(`{"success":true,"ret_msg":"","conn_id":"x","req_id":"7","op":"subscribe"}`))
	if !ack.Ack || ack.AckID != 7 || ack.AckErr != nil {
		t.Fatalf("unexpected ack %+v", ack)
	}
	nack := p.Decode([]byte(`{"success":false,"ret_msg":"error:handler not found","req_id":"8","op":"subscribe"}`))
	if !nack.Ack || nack.AckErr == nil {
		t.Fatalf("expected rejection %+v", nack)
	}
	pong := p.Decode([]byte(`{"success":true,"ret_msg":"pong","op":"ping"}`))
	if pong.Ack || pong.Topic != "" {
		t.Fatalf("pong must be ignored %+v", pong)
	}
	data := p.Decode([]byte(`{"topic":"orderbook.50.BTCUSDT","type":"delta","ts":1,"data":{"s":"BTCUSDT","b":[],"a":[]}}`))
	if data.Topic != "orderbook.50.BTCUSDT" || data.Type != reader.TypeDelta {
		t.Fatalf("unexpected data frame %+v", data)
	}
}

func TestCapabilities(t *testing.T) {
	c := NewClient(appconfig.Default().Exchange)
	if err := reader.CheckCapabilities(c.Capabilities(), []string{"1m", "5m", "1h"}, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
