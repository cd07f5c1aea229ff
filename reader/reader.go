// Package reader defines the exchange contracts the pipeline consumes and the shared
// WebSocket connection the exchange adapters build on.
package reader

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"marketfeed/internal/feederr"
	"marketfeed/models"
)

// Client fetches raw REST payloads. Symbols are canonical; adapters translate them.
// Rate limits surface as *feederr.RateLimitError, network failures as TransientNetwork.
type Client interface {
	Exchange() string
	FetchTicker(ctx context.Context, symbol string) (any, error)
	FetchOrderbook(ctx context.Context, symbol string, limit int) (any, error)
	FetchTrades(ctx context.Context, symbol string, limit int) (any, error)
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) (any, error)
}

// Message is one routed WebSocket payload. Data is the full frame as received.
type Message struct {
	Channel    models.Channel
	Type       string
	Data       json.RawMessage
	ReceivedAt time.Time
}

// Message types reported by the adapters.
const (
	TypeSnapshot = "snapshot"
	TypeDelta    = "delta"
	TypeUpdate   = "update"
)

type Handler func(Message)

// Streamer is the push side of an exchange.
type Streamer interface {
	WSSubscribe(ctx context.Context, ch models.Channel, h Handler) error
	WSUnsubscribe(ctx context.Context, ch models.Channel) error
	WSConnected() bool
}

// Capabilities describe what an adapter supports.
type Capabilities struct {
	Exchange string
	// Timeframes maps canonical timeframes to the exchange interval spelling.
	Timeframes map[string]string
	Streaming  bool
}

// Interval returns the exchange spelling of a canonical timeframe.
func (c Capabilities) Interval(tf string) (string, bool) {
	v, ok := c.Timeframes[tf]
	return v, ok
}

// CheckCapabilities fails with FatalConfiguration when the adapter cannot serve the
// configured timeframes or streaming.
func CheckCapabilities(caps Capabilities, timeframes []string, wantStreaming bool) error {
	var missing []string
	for _, tf := range timeframes {
		if _, ok := caps.Timeframes[tf]; !ok {
			missing = append(missing, tf)
		}
	}
	if len(missing) > 0 {
		return feederr.Fatal("reader", "%s does not support timeframes %s", caps.Exchange, strings.Join(missing, ","))
	}
	if wantStreaming && !caps.Streaming {
		return feederr.Fatal("reader", "%s has no websocket support", caps.Exchange)
	}
	return nil
}
