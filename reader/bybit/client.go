// Package bybit adapts the Bybit v5 public market API to the reader contracts.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"

	appconfig "marketfeed/config"
	"marketfeed/internal/feederr"
	"marketfeed/internal/metrics/rate"
	"marketfeed/internal/symbols"
	"marketfeed/logger"
	"marketfeed/models"
	"marketfeed/reader"
)

const (
	exchangeName   = "bybit"
	defaultRestURL = "https://api.bybit.com"
	defaultWSURL   = "wss://stream.bybit.com/v5/public/linear"
)

// intervals maps canonical timeframes to Bybit kline intervals.
var intervals = map[string]string{
	"1m": "1", "3m": "3", "5m": "5", "15m": "15", "30m": "30",
	"1h": "60", "2h": "120", "4h": "240", "6h": "360", "12h": "720",
	"1d": "D", "1w": "W",
}

// Client serves REST fetches through the Bybit SDK and streams through one WSConn.
type Client struct {
	client    *bybit.Client
	transport *rate.Transport
	category  string
	ws        *reader.WSConn
	log       *logger.Log
}

// NewClient builds a client for the configured category (linear by default).
func NewClient(cfg appconfig.ExchangeConfig) *Client {
	log := logger.GetLogger()

	httpClient, rt := reader.NewHTTPClient(exchangeName, cfg)
	base := reader.BaseURL(cfg.RestURL, defaultRestURL)

	client := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(base))
	client.HTTPClient = httpClient

	category := cfg.Category
	if category == "" {
		category = "linear"
	}

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

	log.WithComponent("bybit_client").WithFields(logger.Fields{
		"base_url": base,
		"ws_url":   wsURL,
		"category": category,
		"timeout":  httpClient.Timeout,
	}).Info("bybit client initialized")

	return &Client{client: client, transport: rt, category: category, ws: ws, log: log}
}

func (c *Client) Exchange() string { return exchangeName }

// Capabilities reports the supported timeframes and streaming.
func (c *Client) Capabilities() reader.Capabilities {
	return reader.Capabilities{Exchange: exchangeName, Timeframes: intervals, Streaming: true}
}

// Transport exposes the rate-limit observing transport.
func (c *Client) Transport() *rate.Transport { return c.transport }

// envelope holds the fields of a v5 response needed to decide success.
type envelope struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
}

// call runs one SDK request and returns the full v5 envelope as JSON.
func (c *Client) call(ctx context.Context, operation, symbol string, do func(context.Context) (any, error)) (any, error) {
	log := c.log.WithComponent("bybit_client").WithFields(logger.Fields{
		"symbol":    symbol,
		"operation": operation,
	})

	start := time.Now()
	resp, err := do(ctx)
	if err != nil {
		return nil, reader.Classify(exchangeName, symbol, operation, err, c.transport.TakeRetryAfter())
	}
	logger.LogPerformanceEntry(log, "bybit_client", operation, time.Since(start), logger.Fields{"symbol": symbol})

	payload, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s response: %w", operation, err)
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("failed to read %s envelope: %w", operation, err)
	}
	if env.RetCode != 0 {
		return nil, reader.ClassifyCode(exchangeName, symbol, operation, env.RetCode, env.RetMsg, c.transport.TakeRetryAfter())
	}

	logger.LogDataFlowEntry(log, "bybit_api", "fetcher", len(payload), operation+"_bytes")
	return json.RawMessage(payload), nil
}

func (c *Client) params(symbol string) map[string]interface{} {
	return map[string]interface{}{
		"category": c.category,
		"symbol":   symbols.ToExchange(exchangeName, symbol),
	}
}

func (c *Client) FetchTicker(ctx context.Context, symbol string) (any, error) {
	params := c.params(symbol)
	return c.call(ctx, "fetch_ticker", symbol, func(ctx context.Context) (any, error) {
		return c.client.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
	})
}

func (c *Client) FetchOrderbook(ctx context.Context, symbol string, limit int) (any, error) {
	params := c.params(symbol)
	params["limit"] = limit
	return c.call(ctx, "fetch_orderbook", symbol, func(ctx context.Context) (any, error) {
		return c.client.NewUtaBybitServiceWithParams(params).GetOrderBookInfo(ctx)
	})
}

func (c *Client) FetchTrades(ctx context.Context, symbol string, limit int) (any, error) {
	params := c.params(symbol)
	params["limit"] = limit
	return c.call(ctx, "fetch_trades", symbol, func(ctx context.Context) (any, error) {
		return c.client.NewUtaBybitServiceWithParams(params).GetPublicRecentTrades(ctx)
	})
}

func (c *Client) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) (any, error) {
	interval, ok := intervals[timeframe]
	if !ok {
		return nil, feederr.Fatal("bybit_client", "timeframe %q is not supported", timeframe)
	}
	params := c.params(symbol)
	params["interval"] = interval
	params["limit"] = limit
	return c.call(ctx, "fetch_ohlcv_"+timeframe, symbol, func(ctx context.Context) (any, error) {
		return c.client.NewUtaBybitServiceWithParams(params).GetMarketKline(ctx)
	})
}

// StartStream opens the WebSocket connection.
func (c *Client) StartStream(ctx context.Context) error { return c.ws.Start(ctx) }

// StopStream closes the WebSocket connection.
func (c *Client) StopStream() { c.ws.Stop() }

func (c *Client) WSSubscribe(ctx context.Context, ch models.Channel, h reader.Handler) error {
	return c.ws.Subscribe(ctx, ch, h)
}

func (c *Client) WSUnsubscribe(ctx context.Context, ch models.Channel) error {
	return c.ws.Unsubscribe(ctx, ch)
}

func (c *Client) WSConnected() bool { return c.ws.Connected() }

// HTTPClient returns the client the SDK sends requests with.
func (c *Client) HTTPClient() *http.Client { return c.client.HTTPClient }
