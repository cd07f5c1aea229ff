package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Level is a single price level. It encodes as a [price, size] tuple which is the
// canonical orderbook shape handed to downstream consumers.
type Level struct {
	Price float64
	Size  float64
}

func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{l.Price, l.Size})
}

func (l *Level) UnmarshalJSON(data []byte) error {
	var pair [2]float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("orderbook level must be a [price,size] pair: %w", err)
	}
	l.Price, l.Size = pair[0], pair[1]
	return nil
}

// Orderbook holds bids (best first, descending) and asks (best first, ascending).
type Orderbook struct {
	Bids      []Level   `json:"bids"`
	Asks      []Level   `json:"asks"`
	Timestamp time.Time `json:"timestamp"`
}

// BestBid returns the top bid, if any.
func (o *Orderbook) BestBid() (Level, bool) {
	if o == nil || len(o.Bids) == 0 {
		return Level{}, false
	}
	return o.Bids[0], true
}

// BestAsk returns the top ask, if any.
func (o *Orderbook) BestAsk() (Level, bool) {
	if o == nil || len(o.Asks) == 0 {
		return Level{}, false
	}
	return o.Asks[0], true
}

// Clone returns a deep copy so callers can derive new books without touching cached ones.
func (o *Orderbook) Clone() *Orderbook {
	if o == nil {
		return nil
	}
	return &Orderbook{
		Bids:      append([]Level(nil), o.Bids...),
		Asks:      append([]Level(nil), o.Asks...),
		Timestamp: o.Timestamp,
	}
}
