// Package binance adapts the Binance USD-M futures public market API to the reader contracts.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/adshao/go-binance/v2/common"
	futures "github.com/adshao/go-binance/v2/futures"

	appconfig "marketfeed/config"
	"marketfeed/internal/feederr"
	"marketfeed/internal/metrics/rate"
	"marketfeed/internal/symbols"
	"marketfeed/logger"
	"marketfeed/models"
	"marketfeed/reader"
)

const (
	exchangeName   = "binance"
	defaultRestURL = "https://fapi.binance.com"
	defaultWSURL   = "wss://fstream.binance.com/ws"
)

// intervals maps canonical timeframes to Binance kline intervals, which share the spelling.
var intervals = map[string]string{
	"1m": "1m", "3m": "3m", "5m": "5m", "15m": "15m", "30m": "30m",
	"1h": "1h", "2h": "2h", "4h": "4h", "6h": "6h", "8h": "8h", "12h": "12h",
	"1d": "1d", "3d": "3d", "1w": "1w",
}

// Client fetches depth through the futures SDK and the remaining endpoints as raw JSON over
// the same pooled HTTP client.
type Client struct {
	client    *futures.Client
	transport *rate.Transport
	base      string
	ws        *reader.WSConn
	log       *logger.Log
}

func NewClient(cfg appconfig.ExchangeConfig) *Client {
	log := logger.GetLogger()

	httpClient, rt := reader.NewHTTPClient(exchangeName, cfg)
	base := reader.BaseURL(cfg.RestURL, defaultRestURL)

	client := futures.NewClient("", "")
	client.HTTPClient = httpClient
	client.SetApiEndpoint(base)

	wsURL := cfg.WSURL
	if wsURL == "" {
		wsURL = defaultWSURL
	}
	ws := reader.NewWSConn(exchangeName, reader.WSConfig{
		URL:            wsURL,
		PingInterval:   cfg.WS.PingInterval,
		ReconnectDelay: cfg.WS.ReconnectDelay,
		ReadBuffer:     cfg.WS.ReadBuffer,
	}, Protocol{})

	log.WithComponent("binance_client").WithFields(logger.Fields{
		"base_url":           base,
		"ws_url":             wsURL,
		"max_idle_conns":     cfg.ConnectionPool.MaxIdleConns,
		"max_conns_per_host": cfg.ConnectionPool.MaxConnsPerHost,
		"timeout":            httpClient.Timeout,
	}).Info("binance client initialized")

	return &Client{client: client, transport: rt, base: base, ws: ws, log: log}
}

func (c *Client) Exchange() string { return exchangeName }

func (c *Client) Capabilities() reader.Capabilities {
	return reader.Capabilities{Exchange: exchangeName, Timeframes: intervals, Streaming: true}
}

func (c *Client) Transport() *rate.Transport { return c.transport }

// LoadWeightLimit reads the per-minute request weight limit from exchangeInfo. Failure is
// logged and leaves the limit unknown.
func (c *Client) LoadWeightLimit(ctx context.Context) int64 {
	log := c.log.WithComponent("binance_client").WithFields(logger.Fields{"operation": "load_weight_limit"})
	info, err := c.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to fetch request weight limit")
		return 0
	}
	for _, rl := range info.RateLimits {
		if rl.RateLimitType == "REQUEST_WEIGHT" && rl.Interval == "MINUTE" {
			c.transport.SetLimit(float64(rl.Limit))
			log.WithFields(logger.Fields{"limit": rl.Limit}).Info("request weight limit loaded")
			return rl.Limit
		}
	}
	return 0
}

func (c *Client) classify(operation, symbol string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return reader.ClassifyCode(exchangeName, symbol, operation, int(apiErr.Code), apiErr.Message, c.transport.TakeRetryAfter())
	}
	return reader.Classify(exchangeName, symbol, operation, err, c.transport.TakeRetryAfter())
}

func (c *Client) get(ctx context.Context, operation, symbol, path string, query url.Values) (json.RawMessage, error) {
	log := c.log.WithComponent("binance_client").WithFields(logger.Fields{
		"symbol":    symbol,
		"operation": operation,
	})

	start := time.Now()
	body, err := reader.GetJSON(ctx, c.client.HTTPClient, c.base+path+"?"+query.Encode())
	if err != nil {
		return nil, c.classify(operation, symbol, err)
	}
	logger.LogPerformanceEntry(log, "binance_client", operation, time.Since(start), logger.Fields{"symbol": symbol})
	logger.LogDataFlowEntry(log, "binance_api", "fetcher", len(body), operation+"_bytes")
	return body, nil
}

// FetchTicker merges 24hr statistics, the best bid/ask and the premium index into one object.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (any, error) {
	q := url.Values{"symbol": {symbols.ToExchange(exchangeName, symbol)}}

	merged := map[string]any{}
	for _, part := range []struct{ op, path string }{
		{"fetch_ticker", "/fapi/v1/ticker/24hr"},
		{"fetch_book_ticker", "/fapi/v1/ticker/bookTicker"},
		{"fetch_premium_index", "/fapi/v1/premiumIndex"},
	} {
		body, err := c.get(ctx, part.op, symbol, part.path, q)
		if err != nil {
			return nil, err
		}
		var fields map[string]any
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", part.op, err)
		}
		for k, v := range fields {
			if _, ok := merged[k]; ok {
				continue
			}
			if k == "time" {
				continue
			}
			merged[k] = v
		}
	}
	return merged, nil
}

func (c *Client) FetchOrderbook(ctx context.Context, symbol string, limit int) (any, error) {
	log := c.log.WithComponent("binance_client").WithFields(logger.Fields{
		"symbol":    symbol,
		"operation": "fetch_orderbook",
	})

	start := time.Now()
	res, err := c.client.NewDepthService().Symbol(symbols.ToExchange(exchangeName, symbol)).Limit(limit).Do(ctx)
	if err != nil {
		return nil, c.classify("fetch_orderbook", symbol, err)
	}
	logger.LogPerformanceEntry(log, "binance_client", "fetch_orderbook", time.Since(start), logger.Fields{"symbol": symbol})

	bids := make([][2]string, 0, len(res.Bids))
	for _, b := range res.Bids {
		bids = append(bids, [2]string{b.Price, b.Quantity})
	}
	asks := make([][2]string, 0, len(res.Asks))
	for _, a := range res.Asks {
		asks = append(asks, [2]string{a.Price, a.Quantity})
	}
	book := map[string]any{
		"lastUpdateId": res.LastUpdateID,
		"bids":         bids,
		"asks":         asks,
	}
	if res.Time > 0 {
		book["E"] = res.Time
	}
	logger.LogDataFlowEntry(log, "binance_api", "fetcher", len(bids)+len(asks), "orderbook_entries")
	return book, nil
}

func (c *Client) FetchTrades(ctx context.Context, symbol string, limit int) (any, error) {
	q := url.Values{"symbol": {symbols.ToExchange(exchangeName, symbol)}}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	return c.get(ctx, "fetch_trades", symbol, "/fapi/v1/aggTrades", q)
}

func (c *Client) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) (any, error) {
	interval, ok := intervals[timeframe]
	if !ok {
		return nil, feederr.Fatal("binance_client", "timeframe %q is not supported", timeframe)
	}
	q := url.Values{
		"symbol":   {symbols.ToExchange(exchangeName, symbol)},
		"interval": {interval},
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	return c.get(ctx, "fetch_ohlcv_"+timeframe, symbol, "/fapi/v1/klines", q)
}

func (c *Client) StartStream(ctx context.Context) error { return c.ws.Start(ctx) }

func (c *Client) StopStream() { c.ws.Stop() }

func (c *Client) WSSubscribe(ctx context.Context, ch models.Channel, h reader.Handler) error {
	return c.ws.Subscribe(ctx, ch, h)
}

func (c *Client) WSUnsubscribe(ctx context.Context, ch models.Channel) error {
	return c.ws.Unsubscribe(ctx, ch)
}

func (c *Client) WSConnected() bool { return c.ws.Connected() }

func (c *Client) HTTPClient() *http.Client { return c.client.HTTPClient }
