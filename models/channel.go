package models

import (
	"fmt"
	"strings"
	"time"
)

// Channel is a canonical WebSocket subscription target, independent of exchange topic naming.
type Channel struct {
	Kind      Kind
	Symbol    string
	Timeframe string
}

// String renders "kind.SYMBOL" or "ohlcv.<tf>.SYMBOL".
func (c Channel) String() string {
	if c.Kind == KindOHLCV && c.Timeframe != "" {
		return fmt.Sprintf("%s.%s.%s", c.Kind, c.Timeframe, c.Symbol)
	}
	return fmt.Sprintf("%s.%s", c.Kind, c.Symbol)
}

// ParseChannel is the inverse of Channel.String.
func ParseChannel(s string) (Channel, error) {
	parts := strings.Split(s, ".")
	switch {
	case len(parts) == 2 && parts[0] != string(KindOHLCV):
		return Channel{Kind: Kind(parts[0]), Symbol: parts[1]}, nil
	case len(parts) == 3 && parts[0] == string(KindOHLCV):
		return Channel{Kind: KindOHLCV, Timeframe: parts[1], Symbol: parts[2]}, nil
	}
	return Channel{}, fmt.Errorf("invalid channel %q", s)
}

// SubscriptionState tracks a channel through its lifecycle.
type SubscriptionState int

const (
	Unsubscribed SubscriptionState = iota
	Subscribing
	Subscribed
	Resubscribing
	Failed
)

func (s SubscriptionState) String() string {
	switch s {
	case Unsubscribed:
		return "unsubscribed"
	case Subscribing:
		return "subscribing"
	case Subscribed:
		return "subscribed"
	case Resubscribing:
		return "resubscribing"
	case Failed:
		return "failed"
	}
	return "unknown"
}

func (s SubscriptionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Subscription is the manager-owned view of one channel.
type Subscription struct {
	Channel       Channel           `json:"-"`
	Name          string            `json:"channel"`
	Symbol        string            `json:"symbol"`
	State         SubscriptionState `json:"state"`
	LastHeartbeat time.Time         `json:"lastHeartbeat"`
	Attempts      int               `json:"resubscribeAttempts"`
	LastError     string            `json:"lastError,omitempty"`
}

// canonical timeframes and their bar length
var timeframeDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
	"1w":  7 * 24 * time.Hour,
}

// TimeframeDuration returns the bar length of a canonical timeframe.
func TimeframeDuration(tf string) (time.Duration, bool) {
	d, ok := timeframeDurations[tf]
	return d, ok
}
