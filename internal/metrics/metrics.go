// Registers the pipeline collectors:
//
//	#marketfeed_fetch_attempts_total
//	#marketfeed_fetch_duration_seconds
//	#marketfeed_validation_total
//	#marketfeed_cycles_total / marketfeed_cycle_errors_total
//	#marketfeed_snapshots_dispatched_total
//	#marketfeed_alerts_total
//	#marketfeed_cache_lookups_total
//	#marketfeed_ws_messages_total / marketfeed_ws_dropped_total
//	#marketfeed_resubscribe_attempts_total
//	#marketfeed_health_status
//	#go_* and process_* system metrics
//
// Handler exposes them for the status server's /metrics route.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "marketfeed"

var (
	registry = prometheus.NewRegistry()

	FetchAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_attempts_total",
		Help:      "REST fetch attempts by operation and outcome",
	}, []string{"operation", "outcome"})

	FetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "fetch_duration_seconds",
		Help:      "Wall time of a fetch including retries",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	ValidationResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "validation_total",
		Help:      "Validation verdicts by data kind",
	}, []string{"kind", "result"})

	Cycles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cycles_total",
		Help:      "Completed monitor cycles",
	})

	CycleErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cycle_errors_total",
		Help:      "Monitor cycles that ended in an error or panic",
	})

	CycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "cycle_duration_seconds",
		Help:      "Monitor cycle wall time",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	SnapshotsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshots_dispatched_total",
		Help:      "Validated snapshots handed to the consumer",
	}, []string{"symbol"})

	Alerts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_total",
		Help:      "Critical health alerts raised",
	}, []string{"component"})

	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_lookups_total",
		Help:      "Cache lookups by result",
	}, []string{"result"})

	WSMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_messages_total",
		Help:      "WebSocket messages routed to a subscription",
	}, []string{"kind"})

	WSDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_dropped_total",
		Help:      "WebSocket messages dropped before or after normalisation",
	}, []string{"stage"})

	Resubscribes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resubscribe_attempts_total",
		Help:      "Resubscribe attempts by outcome",
	}, []string{"outcome"})

	HealthStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "health_status",
		Help:      "Component health: 0 healthy, 1 warning, 2 critical",
	}, []string{"component"})
)

func init() {
	registry.MustRegister(
		FetchAttempts,
		FetchDuration,
		ValidationResults,
		Cycles,
		CycleErrors,
		CycleDuration,
		SnapshotsDispatched,
		Alerts,
		CacheLookups,
		WSMessages,
		WSDropped,
		Resubscribes,
		HealthStatus,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Registry returns the gatherer holding every marketfeed collector.
func Registry() prometheus.Gatherer {
	return registry
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
