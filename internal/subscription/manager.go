// Package subscription owns WebSocket channel state and resubscribes channels whose
// heartbeat went silent. Every channel is handled on its own: a failing or hung channel
// never changes the state of another.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"marketfeed/internal/feederr"
	"marketfeed/internal/metrics"
	"marketfeed/logger"
	"marketfeed/models"
	"marketfeed/reader"
)

type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// AttemptTimeout bounds one subscribe or resubscribe attempt. Defaults to HeartbeatInterval.
	AttemptTimeout time.Duration
}

type entry struct {
	sub      models.Subscription
	inflight bool
}

type Manager struct {
	streamer  reader.Streamer
	cfg       Config
	onMessage reader.Handler
	now       func() time.Time
	log       *logger.Log

	mu   sync.Mutex
	subs map[string]*entry

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewManager builds a manager over streamer. onMessage receives every routed message after
// the channel heartbeat is recorded; it may be nil.
func NewManager(streamer reader.Streamer, cfg Config, onMessage reader.Handler, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = cfg.HeartbeatInterval
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	return &Manager{
		streamer:  streamer,
		cfg:       cfg,
		onMessage: onMessage,
		now:       now,
		log:       logger.GetLogger(),
		subs:      make(map[string]*entry),
	}
}

func (m *Manager) handler(ch models.Channel) reader.Handler {
	name := ch.String()
	return func(msg reader.Message) {
		m.mu.Lock()
		if e, ok := m.subs[name]; ok {
			e.sub.LastHeartbeat = m.now()
		}
		m.mu.Unlock()
		if m.onMessage != nil {
			m.onMessage(msg)
		}
	}
}

// Subscribe subscribes each channel concurrently. Failed channels stay tracked in state
// Failed and are retried by the heartbeat tick. The returned error joins the failures.
func (m *Manager) Subscribe(ctx context.Context, channels ...models.Channel) error {
	m.mu.Lock()
	for _, ch := range channels {
		name := ch.String()
		m.subs[name] = &entry{
			sub:      models.Subscription{Channel: ch, Name: name, Symbol: ch.Symbol, State: models.Subscribing},
			inflight: true,
		}
	}
	m.mu.Unlock()

	errs := make([]error, len(channels))
	var wg sync.WaitGroup
	for i, ch := range channels {
		wg.Add(1)
		go func(i int, ch models.Channel) {
			defer wg.Done()
			errs[i] = m.subscribeOne(ctx, ch)
		}(i, ch)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (m *Manager) subscribeOne(ctx context.Context, ch models.Channel) error {
	log := m.log.WithComponent("subscription_manager").WithFields(logger.Fields{
		"channel":   ch.String(),
		"symbol":    ch.Symbol,
		"operation": "subscribe",
	})

	actx, cancel := context.WithTimeout(ctx, m.cfg.AttemptTimeout)
	err := m.streamer.WSSubscribe(actx, ch, m.handler(ch))
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.subs[ch.String()]
	if !ok {
		return nil
	}
	e.inflight = false
	if err != nil {
		e.sub.State = models.Failed
		e.sub.LastError = err.Error()
		log.WithError(err).Warn("subscribe failed, will retry on heartbeat tick")
		return feederr.Wrap(classify(err), "subscription_manager", "subscribe", ch.Symbol)
	}
	e.sub.State = models.Subscribed
	e.sub.LastHeartbeat = m.now()
	e.sub.LastError = ""
	log.Info("channel subscribed")
	return nil
}

// classify marks unclassified subscribe failures as subscription timeouts.
func classify(err error) error {
	if feederr.KindOf(err) != feederr.Unknown {
		return err
	}
	return &feederr.Error{Kind: feederr.SubscriptionTimeout, Err: err}
}

// Unsubscribe forgets the channels and asks the exchange to stop sending them.
func (m *Manager) Unsubscribe(ctx context.Context, channels ...models.Channel) error {
	m.mu.Lock()
	for _, ch := range channels {
		delete(m.subs, ch.String())
	}
	m.mu.Unlock()

	var errs []error
	for _, ch := range channels {
		if err := m.streamer.WSUnsubscribe(ctx, ch); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", ch, err))
		}
	}
	return errors.Join(errs...)
}

// CheckHeartbeats runs one heartbeat tick and returns once every attempt it started has
// finished or timed out. A channel gets at most one attempt per tick.
func (m *Manager) CheckHeartbeats(ctx context.Context) {
	now := m.now()

	var targets []models.Channel
	m.mu.Lock()
	for _, e := range m.subs {
		if e.inflight {
			continue
		}
		silent := now.Sub(e.sub.LastHeartbeat)
		switch e.sub.State {
		case models.Subscribed:
			if silent <= m.cfg.HeartbeatTimeout {
				continue
			}
			e.sub.State = models.Resubscribing
			m.log.WithComponent("subscription_manager").WithFields(logger.Fields{
				"channel":   e.sub.Name,
				"symbol":    e.sub.Symbol,
				"operation": "check_heartbeats",
				"silent_ms": silent.Milliseconds(),
				"kind":      feederr.SubscriptionTimeout.String(),
			}).Warn("heartbeat timeout, resubscribing")
		case models.Resubscribing, models.Failed:
			if !e.sub.LastHeartbeat.IsZero() && silent <= m.cfg.HeartbeatTimeout {
				e.sub.State = models.Subscribed
				e.sub.LastError = ""
				continue
			}
		default:
			continue
		}
		e.inflight = true
		e.sub.Attempts++
		targets = append(targets, e.sub.Channel)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, ch := range targets {
		wg.Add(1)
		go func(ch models.Channel) {
			defer wg.Done()
			m.resubscribe(ctx, ch)
		}(ch)
	}
	wg.Wait()
}

func (m *Manager) resubscribe(ctx context.Context, ch models.Channel) {
	log := m.log.WithComponent("subscription_manager").WithFields(logger.Fields{
		"channel":   ch.String(),
		"symbol":    ch.Symbol,
		"operation": "resubscribe",
	})

	actx, cancel := context.WithTimeout(ctx, m.cfg.AttemptTimeout)
	defer cancel()

	if err := m.streamer.WSUnsubscribe(actx, ch); err != nil {
		log.WithError(err).Debug("unsubscribe before resubscribe failed")
	}
	err := m.streamer.WSSubscribe(actx, ch, m.handler(ch))

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.subs[ch.String()]
	if !ok {
		return
	}
	e.inflight = false
	if err != nil {
		if e.sub.State != models.Failed {
			e.sub.State = models.Resubscribing
		}
		e.sub.LastError = err.Error()
		metrics.Resubscribes.WithLabelValues("failure").Inc()
		log.WithFields(logger.Fields{"attempts": e.sub.Attempts}).WithError(err).Warn("resubscribe failed")
		return
	}
	e.sub.State = models.Subscribed
	e.sub.LastHeartbeat = m.now()
	e.sub.LastError = ""
	metrics.Resubscribes.WithLabelValues("success").Inc()
	log.WithFields(logger.Fields{"attempts": e.sub.Attempts}).Info("channel resubscribed")
}

// Start runs the heartbeat tick every HeartbeatInterval until Stop or ctx is done.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("subscription manager already running")
	}
	if m.cfg.HeartbeatInterval <= 0 {
		m.mu.Unlock()
		return feederr.Fatal("subscription_manager", "heartbeat interval must be positive")
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.log.WithComponent("subscription_manager").WithFields(logger.Fields{
		"heartbeat_interval": m.cfg.HeartbeatInterval,
		"heartbeat_timeout":  m.cfg.HeartbeatTimeout,
	}).Info("starting heartbeat monitor")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckHeartbeats(ctx)
			}
		}
	}()
	return nil
}

// Stop joins the heartbeat goroutine and drops all channel state.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()

	m.mu.Lock()
	m.subs = make(map[string]*entry)
	m.mu.Unlock()
	m.log.WithComponent("subscription_manager").Info("heartbeat monitor stopped")
}

// Subscriptions returns a copy of every tracked channel, sorted by name.
func (m *Manager) Subscriptions() []models.Subscription {
	m.mu.Lock()
	out := make([]models.Subscription, 0, len(m.subs))
	for _, e := range m.subs {
		out = append(out, e.sub)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns one channel's state.
func (m *Manager) Get(ch models.Channel) (models.Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.subs[ch.String()]
	if !ok {
		return models.Subscription{}, false
	}
	return e.sub, true
}

// Connected reports whether the underlying stream is up.
func (m *Manager) Connected() bool { return m.streamer.WSConnected() }

// Report returns channel counts by state for the periodic runtime report.
func (m *Manager) Report() logger.Fields {
	subs := m.Subscriptions()
	counts := map[models.SubscriptionState]int{}
	for _, s := range subs {
		counts[s.State]++
	}
	fields := logger.Fields{"ws_channels": len(subs)}
	for state, n := range counts {
		fields["ws_"+state.String()] = n
	}
	return fields
}
