package monitor

import (
	"fmt"
	"sort"
	"sync"

	"marketfeed/internal/cache"
	"marketfeed/internal/metrics"
	"marketfeed/logger"
	"marketfeed/models"
	"marketfeed/writer"
)

// Health component names.
const (
	ComponentExchange  = "exchange"
	ComponentCache     = "cache"
	ComponentWebSocket = "websocket"
	ComponentSystem    = "system"
)

// SubscriptionSource is the view of the WebSocket side health needs.
type SubscriptionSource interface {
	Subscriptions() []models.Subscription
	Connected() bool
}

type HealthConfig struct {
	// CriticalAfter is the number of consecutive cycles with fetch failures after which the
	// exchange is critical.
	CriticalAfter int
	Symbols       []string
}

// Health aggregates component statuses after each cycle and reports transitions to the
// consumer. A nil Subscriptions source means streaming is disabled.
type Health struct {
	cfg           HealthConfig
	cache         *cache.DataCache
	subscriptions SubscriptionSource
	consumer      writer.Consumer
	log           *logger.Log

	mu            sync.RWMutex
	current       map[string]models.ComponentHealth
	failingCycles int
	alerts        int64
}

func NewHealth(cfg HealthConfig, c *cache.DataCache, subs SubscriptionSource, consumer writer.Consumer) *Health {
	if cfg.CriticalAfter <= 0 {
		cfg.CriticalAfter = 3
	}
	return &Health{
		cfg:           cfg,
		cache:         c,
		subscriptions: subs,
		consumer:      consumer,
		log:           logger.GetLogger(),
		current:       make(map[string]models.ComponentHealth),
	}
}

// Evaluate recomputes every component from the cycle result and current state, notifies the
// consumer of each transition and raises an alert for every critical component.
func (h *Health) Evaluate(cycle CycleResult) []models.ComponentHealth {
	h.mu.Lock()
	if cycle.FetchFailures > 0 {
		h.failingCycles++
	} else {
		h.failingCycles = 0
	}
	failing := h.failingCycles
	h.mu.Unlock()

	components := []models.ComponentHealth{
		h.exchange(cycle, failing),
		h.cacheHealth(),
		h.websocket(),
	}
	overall := models.Healthy
	for _, c := range components {
		overall = models.Worst(overall, c.Status)
	}
	components = append(components, models.ComponentHealth{Component: ComponentSystem, Status: overall})

	// every component starts out healthy, so only departures from that are reported
	var changed []models.ComponentHealth
	h.mu.Lock()
	for _, c := range components {
		if h.current[c.Component].Status != c.Status {
			changed = append(changed, c)
		}
		h.current[c.Component] = c
		metrics.HealthStatus.WithLabelValues(c.Component).Set(float64(c.Status))
	}
	h.mu.Unlock()

	for _, c := range changed {
		h.log.WithComponent("health").WithFields(logger.Fields{
			"health_component": c.Component,
			"status":           c.Status.String(),
			"detail":           c.Detail,
			"cycle_id":         cycle.ID,
		}).Info("health status changed")
		if h.consumer != nil {
			h.consumer.OnHealthChange(c.Component, c.Status)
		}
	}

	for _, c := range components[:len(components)-1] {
		if c.Status == models.Critical {
			h.alert(c, cycle.ID)
		}
	}
	return components
}

func (h *Health) alert(c models.ComponentHealth, cycleID string) {
	h.mu.Lock()
	h.alerts++
	h.mu.Unlock()
	metrics.Alerts.WithLabelValues(c.Component).Inc()
	metrics.EmitMetric(h.log, "health", "critical_alert", 1, "counter", logger.Fields{"health_component": c.Component})
	h.log.WithComponent("health").WithFields(logger.Fields{
		"health_component": c.Component,
		"detail":           c.Detail,
		"cycle_id":         cycleID,
	}).Error("component is critical")
}

func (h *Health) exchange(cycle CycleResult, failing int) models.ComponentHealth {
	out := models.ComponentHealth{Component: ComponentExchange}
	switch {
	case cycle.FetchFailures == 0:
		out.Status = models.Healthy
	case failing >= h.cfg.CriticalAfter || cycle.FetchFailures == cycle.Fetches:
		out.Status = models.Critical
		out.Detail = fmt.Sprintf("%d of %d fetches failed, %d consecutive failing cycles", cycle.FetchFailures, cycle.Fetches, failing)
	default:
		out.Status = models.Warning
		out.Detail = fmt.Sprintf("%d of %d fetches failed", cycle.FetchFailures, cycle.Fetches)
	}
	return out
}

func (h *Health) cacheHealth() models.ComponentHealth {
	out := models.ComponentHealth{Component: ComponentCache}
	f := h.cache.Freshness(h.cfg.Symbols, models.FetchedKinds)
	switch {
	case f.Tracked == 0 || f.Fresh == f.Tracked:
		out.Status = models.Healthy
	case f.Fresh == 0:
		out.Status = models.Critical
		out.Detail = "no symbol has fresh data"
	default:
		out.Status = models.Warning
		out.Detail = fmt.Sprintf("%d of %d symbols stale", len(f.Stale), f.Tracked)
	}
	return out
}

func (h *Health) websocket() models.ComponentHealth {
	out := models.ComponentHealth{Component: ComponentWebSocket}
	if h.subscriptions == nil {
		out.Detail = "disabled"
		return out
	}
	if !h.subscriptions.Connected() {
		out.Status = models.Critical
		out.Detail = "not connected"
		return out
	}
	var down []string
	for _, s := range h.subscriptions.Subscriptions() {
		if s.State != models.Subscribed {
			down = append(down, s.Name)
		}
	}
	if len(down) > 0 {
		sort.Strings(down)
		out.Status = models.Warning
		out.Detail = fmt.Sprintf("channels not subscribed: %v", down)
	}
	return out
}

// Components returns the last evaluated statuses sorted by component name.
func (h *Health) Components() []models.ComponentHealth {
	h.mu.RLock()
	out := make([]models.ComponentHealth, 0, len(h.current))
	for _, c := range h.current {
		out = append(out, c)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

// Overall returns the system status, healthy before the first evaluation.
func (h *Health) Overall() models.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current[ComponentSystem].Status
}

func (h *Health) Report() logger.Fields {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return logger.Fields{
		"health_system":  h.current[ComponentSystem].Status.String(),
		"health_alerts":  h.alerts,
		"failing_cycles": h.failingCycles,
	}
}
