// Package writer holds the downstream side of the pipeline: the consumer contract and the
// sinks validated snapshots and health transitions are delivered to.
package writer

import (
	"sync"
	"sync/atomic"

	"marketfeed/internal/metrics"
	"marketfeed/logger"
	"marketfeed/models"
)

// Consumer receives validated snapshots, at most one per symbol per cycle, and health
// transitions. Implementations must not block for long: they run on the monitor goroutines.
type Consumer interface {
	OnSnapshot(symbol string, snapshot models.MarketSnapshot)
	OnHealthChange(component string, status models.HealthStatus)
}

// Fanout delivers to every consumer in order. A panicking consumer is logged and skipped.
type Fanout struct {
	consumers []Consumer
	log       *logger.Log
}

func NewFanout(consumers ...Consumer) *Fanout {
	return &Fanout{consumers: consumers, log: logger.GetLogger()}
}

func (f *Fanout) OnSnapshot(symbol string, snapshot models.MarketSnapshot) {
	for _, c := range f.consumers {
		f.safely(symbol, func() { c.OnSnapshot(symbol, snapshot) })
	}
}

func (f *Fanout) OnHealthChange(component string, status models.HealthStatus) {
	for _, c := range f.consumers {
		f.safely("", func() { c.OnHealthChange(component, status) })
	}
}

func (f *Fanout) safely(symbol string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			f.log.WithComponent("fanout").WithFields(logger.Fields{
				"symbol": symbol,
				"panic":  r,
			}).Error("consumer panicked")
		}
	}()
	fn()
}

// LogConsumer logs a one-line summary of every snapshot and health change.
type LogConsumer struct {
	log          *logger.Log
	delivered    atomic.Int64
	healthEvents atomic.Int64

	mu   sync.Mutex
	last map[string]models.MarketSnapshot
}

func NewLogConsumer() *LogConsumer {
	return &LogConsumer{log: logger.GetLogger(), last: make(map[string]models.MarketSnapshot)}
}

func (l *LogConsumer) OnSnapshot(symbol string, snapshot models.MarketSnapshot) {
	l.delivered.Add(1)
	l.mu.Lock()
	l.last[symbol] = snapshot
	l.mu.Unlock()

	fields := logger.Fields{
		"symbol":      symbol,
		"observed_at": snapshot.ObservedAt,
		"kinds":       snapshot.PresentKinds(),
	}
	if snapshot.Ticker != nil {
		fields["last"] = snapshot.Ticker.Last
	}
	if snapshot.Orderbook != nil {
		if bid, ok := snapshot.Orderbook.BestBid(); ok {
			fields["best_bid"] = bid.Price
		}
		if ask, ok := snapshot.Orderbook.BestAsk(); ok {
			fields["best_ask"] = ask.Price
		}
	}
	if tfs := snapshot.Timeframes(); len(tfs) > 0 {
		fields["timeframes"] = tfs
	}
	l.log.WithComponent("log_consumer").WithFields(fields).Info("snapshot delivered")
}

func (l *LogConsumer) OnHealthChange(component string, status models.HealthStatus) {
	l.healthEvents.Add(1)
	entry := l.log.WithComponent("log_consumer").WithFields(logger.Fields{
		"health_component": component,
		"status":           status.String(),
	})
	if status == models.Critical {
		entry.Warn("health changed")
		return
	}
	entry.Info("health changed")
}

// Last returns the most recent snapshot delivered for symbol.
func (l *LogConsumer) Last(symbol string) (models.MarketSnapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.last[symbol]
	return s, ok
}

func (l *LogConsumer) Stats() metrics.SinkStats {
	return metrics.SinkStats{Delivered: l.delivered.Load(), HealthEvents: l.healthEvents.Load()}
}
