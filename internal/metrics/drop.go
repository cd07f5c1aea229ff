package metrics

import "marketfeed/logger"

// DropMetric identifies the metric name emitted when stream messages are dropped.
type DropMetric string

const (
	// DropMetricWSRaw records raw WebSocket frames dropped because the buffer was full.
	DropMetricWSRaw DropMetric = "ws_messages_dropped"
	// DropMetricWSNormalize records frames that could not be normalised.
	DropMetricWSNormalize DropMetric = "ws_normalize_dropped"
	// DropMetricWSValidate records merged values rejected by validation.
	DropMetricWSValidate DropMetric = "ws_validate_dropped"
)

// EmitDropMetric logs and emits a metric representing one dropped message. Optional
// exchange, symbol and stage values are attached as fields.
func EmitDropMetric(log *logger.Log, metric DropMetric, exchange, symbol, stage string) {
	fields := logger.Fields{}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	if stage != "" {
		fields["stage"] = stage
	}

	WSDropped.WithLabelValues(string(metric)).Inc()
	EmitMetric(log, "channel_drops", string(metric), 1, "counter", fields)
}
