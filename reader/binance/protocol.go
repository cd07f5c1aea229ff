package binance

import (
	"encoding/json"
	"fmt"
	"strings"

	"marketfeed/internal/symbols"
	"marketfeed/models"
	"marketfeed/reader"
)

const depthStream = "@depth20@100ms"

// Protocol speaks the Binance futures raw stream endpoint: lowercase stream names,
// SUBSCRIBE/UNSUBSCRIBE requests with a numeric id and server driven control pings.
type Protocol struct{}

func (Protocol) Topic(ch models.Channel) (string, error) {
	sym := strings.ToLower(symbols.ToExchange(exchangeName, ch.Symbol))
	switch ch.Kind {
	case models.KindTicker:
		return sym + "@ticker", nil
	case models.KindOrderbook:
		return sym + depthStream, nil
	case models.KindTrades:
		return sym + "@aggTrade", nil
	case models.KindOHLCV:
		interval, ok := intervals[ch.Timeframe]
		if !ok {
			return "", fmt.Errorf("timeframe %q is not supported", ch.Timeframe)
		}
		return sym + "@kline_" + interval, nil
	}
	return "", fmt.Errorf("no binance stream for %s", ch.Kind)
}

type request struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

func (Protocol) SubscribeFrame(id uint64, topics []string) any {
	return request{Method: "SUBSCRIBE", Params: topics, ID: id}
}

func (Protocol) UnsubscribeFrame(id uint64, topics []string) any {
	return request{Method: "UNSUBSCRIBE", Params: topics, ID: id}
}

// PingFrame is nil: the server pings and gorilla answers with pongs.
func (Protocol) PingFrame() any { return nil }

func (Protocol) Decode(msg []byte) reader.Frame {
	var base struct {
		ID     *uint64         `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		} `json:"error"`
		Code   int             `json:"code"`
		Msg    string          `json:"msg"`
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
		Event  string          `json:"e"`
		Symbol string          `json:"s"`
		Kline  *struct {
			Interval string `json:"i"`
		} `json:"k"`
	}
	if err := json.Unmarshal(msg, &base); err != nil {
		return reader.Frame{}
	}

	if base.ID != nil {
		f := reader.Frame{Ack: true, AckID: *base.ID}
		switch {
		case base.Error != nil:
			f.AckErr = fmt.Errorf("binance error %d: %s", base.Error.Code, base.Error.Msg)
		case base.Msg != "":
			f.AckErr = fmt.Errorf("binance error %d: %s", base.Code, base.Msg)
		}
		return f
	}

	// combined stream endpoint wraps events as {"stream":..,"data":..}
	if base.Stream != "" {
		return reader.Frame{Topic: base.Stream, Type: frameType(base.Stream)}
	}

	sym := strings.ToLower(base.Symbol)
	var topic string
	switch base.Event {
	case "24hrTicker":
		topic = sym + "@ticker"
	case "depthUpdate":
		topic = sym + depthStream
	case "aggTrade":
		topic = sym + "@aggTrade"
	case "kline":
		if base.Kline == nil {
			return reader.Frame{}
		}
		topic = sym + "@kline_" + base.Kline.Interval
	default:
		return reader.Frame{}
	}
	return reader.Frame{Topic: topic, Type: frameType(topic)}
}

// frameType reports partial depth as a snapshot: each message carries the full top 20 levels.
func frameType(topic string) string {
	if strings.Contains(topic, "@depth") {
		return reader.TypeSnapshot
	}
	return reader.TypeUpdate
}
