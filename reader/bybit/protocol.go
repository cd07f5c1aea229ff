package bybit

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"marketfeed/internal/symbols"
	"marketfeed/models"
	"marketfeed/reader"
)

const orderbookDepth = 50

// Protocol speaks the Bybit v5 public stream: topics such as orderbook.50.BTCUSDT,
// {"op":"subscribe"} requests with a req_id and application level pings.
type Protocol struct{}

func (Protocol) Topic(ch models.Channel) (string, error) {
	sym := symbols.ToExchange(exchangeName, ch.Symbol)
	switch ch.Kind {
	case models.KindTicker:
		return "tickers." + sym, nil
	case models.KindOrderbook:
		return fmt.Sprintf("orderbook.%d.%s", orderbookDepth, sym), nil
	case models.KindTrades:
		return "publicTrade." + sym, nil
	case models.KindOHLCV:
		interval, ok := intervals[ch.Timeframe]
		if !ok {
			return "", fmt.Errorf("timeframe %q is not supported", ch.Timeframe)
		}
		return fmt.Sprintf("kline.%s.%s", interval, sym), nil
	}
	return "", fmt.Errorf("no bybit stream for %s", ch.Kind)
}

type request struct {
	Op    string   `json:"op"`
	ReqID string   `json:"req_id,omitempty"`
	Args  []string `json:"args,omitempty"`
}

func (Protocol) SubscribeFrame(id uint64, topics []string) any {
	return request{Op: "subscribe", ReqID: strconv.FormatUint(id, 10), Args: topics}
}

func (Protocol) UnsubscribeFrame(id uint64, topics []string) any {
	return request{Op: "unsubscribe", ReqID: strconv.FormatUint(id, 10), Args: topics}
}

func (Protocol) PingFrame() any { return request{Op: "ping"} }

func (Protocol) Decode(msg []byte) reader.Frame {
	var base struct {
		Topic   string `json:"topic"`
		Type    string `json:"type"`
		Op      string `json:"op"`
		Success bool   `json:"success"`
		RetMsg  string `json:"ret_msg"`
		ReqID   string `json:"req_id"`
	}
	if err := json.Unmarshal(msg, &base); err != nil {
		return reader.Frame{}
	}

	if base.Op != "" {
		if base.Op != "subscribe" && base.Op != "unsubscribe" {
			return reader.Frame{}
		}
		id, err := strconv.ParseUint(base.ReqID, 10, 64)
		if err != nil {
			return reader.Frame{}
		}
		f := reader.Frame{Ack: true, AckID: id}
		if !base.Success {
			f.AckErr = errors.New(base.RetMsg)
		}
		return f
	}

	typ := base.Type
	switch typ {
	case reader.TypeSnapshot, reader.TypeDelta:
	default:
		typ = reader.TypeUpdate
	}
	return reader.Frame{Topic: base.Topic, Type: typ}
}
