package metrics

import "marketfeed/logger"

// SinkStats holds delivery counters for a snapshot sink.
type SinkStats struct {
	Delivered    int64
	HealthEvents int64
	BytesWritten int64
	ErrorsCount  int64
}

// ReportSink emits common sink metrics using the provided logger and component name.
func ReportSink(log *logger.Log, component string, stats SinkStats) {
	l := log.WithComponent(component)

	errorRate := float64(0)
	if stats.Delivered+stats.ErrorsCount > 0 {
		errorRate = float64(stats.ErrorsCount) / float64(stats.Delivered+stats.ErrorsCount)
	}

	avgBytes := float64(0)
	if stats.Delivered > 0 {
		avgBytes = float64(stats.BytesWritten) / float64(stats.Delivered)
	}

	l.LogMetric(component, "snapshots_delivered", stats.Delivered, "counter", logger.Fields{})
	l.LogMetric(component, "health_events", stats.HealthEvents, "counter", logger.Fields{})
	l.LogMetric(component, "bytes_written", stats.BytesWritten, "counter", logger.Fields{})
	l.LogMetric(component, "errors_count", stats.ErrorsCount, "counter", logger.Fields{})
	l.LogMetric(component, "error_rate", errorRate, "gauge", logger.Fields{})

	entry := l.WithFields(logger.Fields{
		"snapshots_delivered": stats.Delivered,
		"health_events":       stats.HealthEvents,
		"bytes_written":       stats.BytesWritten,
		"errors_count":        stats.ErrorsCount,
		"error_rate":          errorRate,
		"avg_snapshot_bytes":  avgBytes,
	})

	if stats.ErrorsCount > 0 {
		entry.Warn(component + " metrics")
		return
	}

	entry.Info(component + " metrics")
}
