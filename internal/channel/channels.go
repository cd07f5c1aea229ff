// Package channel holds the bounded buffer between the WebSocket reader and the stream worker.
package channel

import (
	"context"
	"sync"

	"marketfeed/internal/metrics"
	"marketfeed/logger"
	"marketfeed/reader"
)

type ChannelStats struct {
	RawSent    int64
	RawDropped int64
}

// Channels buffers routed WebSocket messages. Sends never block the read loop: a full
// buffer drops the message and counts it.
type Channels struct {
	Raw chan reader.Message

	exchange   string
	stats      ChannelStats
	statsMutex sync.RWMutex
	closeOnce  sync.Once
	log        *logger.Log
}

func NewChannels(exchange string, rawBufferSize int) *Channels {
	if rawBufferSize <= 0 {
		rawBufferSize = 1
	}
	log := logger.GetLogger()
	c := &Channels{
		Raw:      make(chan reader.Message, rawBufferSize),
		exchange: exchange,
		log:      log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"exchange":        exchange,
		"raw_buffer_size": rawBufferSize,
	}).Info("channels initialized")

	return c
}

func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		close(c.Raw)
		c.log.WithComponent("channels").Info("channels closed")
	})
}

func (c *Channels) SendRaw(ctx context.Context, msg reader.Message) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case c.Raw <- msg:
		c.statsMutex.Lock()
		c.stats.RawSent++
		c.statsMutex.Unlock()
		return true
	default:
		c.statsMutex.Lock()
		c.stats.RawDropped++
		c.statsMutex.Unlock()
		metrics.EmitDropMetric(c.log, metrics.DropMetricWSRaw, c.exchange, msg.Channel.Symbol, "raw")
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// Name, Len and Cap let the raw buffer be reported by metrics.StartBufferMetrics.
func (c *Channels) Name() string { return "ws_raw" }
func (c *Channels) Len() int     { return len(c.Raw) }
func (c *Channels) Cap() int     { return cap(c.Raw) }

// Report returns the counters for the periodic runtime report.
func (c *Channels) Report() logger.Fields {
	s := c.GetStats()
	return logger.Fields{
		"ws_raw_sent":    s.RawSent,
		"ws_raw_dropped": s.RawDropped,
		"ws_raw_len":     c.Len(),
	}
}
