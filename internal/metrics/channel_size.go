package metrics

import (
	"context"
	"time"

	"marketfeed/logger"
)

// Buffer is a bounded queue whose occupancy is worth reporting.
type Buffer interface {
	Name() string
	Len() int
	Cap() int
}

// StartBufferMetrics emits occupancy gauges for the given buffers every interval until
// the context is cancelled. When interval <= 0 a one-second cadence is used.
func StartBufferMetrics(ctx context.Context, interval time.Duration, buffers ...Buffer) {
	if len(buffers) == 0 {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, b := range buffers {
					EmitMetric(log, "channel_buffers", b.Name()+"_buffer_length", b.Len(), "gauge", logger.Fields{
						"buffer":   b.Name(),
						"capacity": b.Cap(),
					})
				}
			}
		}
	}()
}
