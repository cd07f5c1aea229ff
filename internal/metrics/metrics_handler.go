package metrics

import (
	"fmt"
	"sync"
	"time"

	"marketfeed/logger"
)

// Metric is one emitted pipeline measurement. Symbol and Exchange are lifted out of the
// fields when present so sinks can index on them.
type Metric struct {
	Timestamp time.Time     `json:"timestamp"`
	Component string        `json:"component"`
	Name      string        `json:"name"`
	Value     interface{}   `json:"value"`
	Type      string        `json:"type"`
	Symbol    string        `json:"symbol,omitempty"`
	Exchange  string        `json:"exchange,omitempty"`
	Fields    logger.Fields `json:"fields,omitempty"`
}

// Float returns the value as a float64 when it is numeric or boolean.
func (m Metric) Float() (float64, bool) {
	switch v := m.Value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

type MetricHandler func(Metric)

type MetricHandlerID uint64

type handlerRegistry struct {
	mu       sync.RWMutex
	handlers map[MetricHandlerID]MetricHandler
	next     MetricHandlerID
}

var handlers = &handlerRegistry{handlers: make(map[MetricHandlerID]MetricHandler)}

// RegisterMetricHandler subscribes handler to every emitted metric. A nil handler yields 0.
func RegisterMetricHandler(handler MetricHandler) MetricHandlerID {
	if handler == nil {
		return 0
	}
	handlers.mu.Lock()
	defer handlers.mu.Unlock()
	handlers.next++
	handlers.handlers[handlers.next] = handler
	return handlers.next
}

func UnregisterMetricHandler(id MetricHandlerID) {
	if id == 0 {
		return
	}
	handlers.mu.Lock()
	delete(handlers.handlers, id)
	handlers.mu.Unlock()
}

// dispatch hands m to every handler. A panicking handler is logged and skipped.
func (r *handlerRegistry) dispatch(m Metric) {
	r.mu.RLock()
	list := make([]MetricHandler, 0, len(r.handlers))
	for _, h := range r.handlers {
		list = append(list, h)
	}
	r.mu.RUnlock()

	for _, h := range list {
		func() {
			defer func() {
				if p := recover(); p != nil {
					logger.GetLogger().WithComponent("metrics").WithFields(logger.Fields{
						"metric": m.Name,
						"panic":  fmt.Sprint(p),
					}).Error("metric handler panicked")
				}
			}()
			h(m)
		}()
	}
}

func recordMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) (Metric, bool) {
	if name == "" {
		return Metric{}, false
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	m := Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    make(logger.Fields, len(fields)),
	}
	for k, v := range fields {
		switch k {
		case "symbol":
			m.Symbol, _ = v.(string)
		case "exchange":
			m.Exchange, _ = v.(string)
		}
		m.Fields[k] = v
	}

	log.LogMetric(component, name, value, metricType, m.Fields)

	handlers.dispatch(m)
	return m, true
}
