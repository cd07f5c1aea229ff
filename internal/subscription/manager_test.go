package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"marketfeed/internal/feederr"
	"marketfeed/models"
	"marketfeed/reader"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeStreamer struct {
	mu           sync.Mutex
	subscribes   map[string]int
	unsubscribes map[string]int
	fail         map[string]error
	hang         map[string]bool
	handlers     map[string]reader.Handler
}

func newFakeStreamer() *fakeStreamer {
	return &fakeStreamer{
		subscribes:   map[string]int{},
		unsubscribes: map[string]int{},
		fail:         map[string]error{},
		hang:         map[string]bool{},
		handlers:     map[string]reader.Handler{},
	}
}

func (f *fakeStreamer) WSSubscribe(ctx context.Context, ch models.Channel, h reader.Handler) error {
	name := ch.String()
	f.mu.Lock()
	f.subscribes[name]++
	hang, err := f.hang[name], f.fail[name]
	if err == nil && !hang {
		f.handlers[name] = h
	}
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeStreamer) WSUnsubscribe(ctx context.Context, ch models.Channel) error {
	f.mu.Lock()
	f.unsubscribes[ch.String()]++
	f.mu.Unlock()
	return nil
}

func (f *fakeStreamer) WSConnected() bool { return true }

func (f *fakeStreamer) calls(ch models.Channel) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes[ch.String()]
}

func (f *fakeStreamer) set(ch models.Channel, err error, hang bool) {
	f.mu.Lock()
	f.fail[ch.String()] = err
	f.hang[ch.String()] = hang
	f.mu.Unlock()
}

func (f *fakeStreamer) deliver(ch models.Channel) {
	f.mu.Lock()
	h := f.handlers[ch.String()]
	f.mu.Unlock()
	h(reader.Message{Channel: ch})
}

var (
	btcBook   = models.Channel{Kind: models.KindOrderbook, Symbol: "BTCUSDT"}
	ethTicker = models.Channel{Kind: models.KindTicker, Symbol: "ETHUSDT"}
)

func newTestManager(s *fakeStreamer, clock *fakeClock, onMessage reader.Handler) *Manager {
	return NewManager(s, Config{
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  30 * time.Second,
		AttemptTimeout:    50 * time.Millisecond,
	}, onMessage, clock.Now)
}

func mustState(t *testing.T, m *Manager, ch models.Channel, want models.SubscriptionState) models.Subscription {
	t.Helper()
	sub, ok := m.Get(ch)
	if !ok {
		t.Fatalf("%s not tracked", ch)
	}
	if sub.State != want {
		t.Fatalf("%s: state %s, want %s", ch, sub.State, want)
	}
	return sub
}

func TestSubscribeRecordsHeartbeatAndRoutes(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s := newFakeStreamer()
	var routed []models.Channel
	m := newTestManager(s, clock, func(msg reader.Message) { routed = append(routed, msg.Channel) })

	if err := m.Subscribe(context.Background(), btcBook, ethTicker); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub := mustState(t, m, btcBook, models.Subscribed)
	if !sub.LastHeartbeat.Equal(clock.Now()) {
		t.Fatalf("heartbeat not stamped: %v", sub.LastHeartbeat)
	}

	clock.Advance(5 * time.Second)
	s.deliver(btcBook)
	sub = mustState(t, m, btcBook, models.Subscribed)
	if !sub.LastHeartbeat.Equal(clock.Now()) {
		t.Fatal("message did not refresh heartbeat")
	}
	if len(routed) != 1 || routed[0] != btcBook {
		t.Fatalf("message not forwarded: %v", routed)
	}
	if subs := m.Subscriptions(); len(subs) != 2 || subs[0].Name != "orderbook.BTCUSDT" {
		t.Fatalf("unexpected subscriptions %+v", subs)
	}
}

func TestSubscribeFailureIsIsolatedAndRetried(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s := newFakeStreamer()
	s.set(btcBook, errors.New("handler not found"), false)
	m := newTestManager(s, clock, nil)

	err := m.Subscribe(context.Background(), btcBook, ethTicker)
	if !feederr.Is(err, feederr.SubscriptionTimeout) {
		t.Fatalf("expected subscription error, got %v", err)
	}
	mustState(t, m, btcBook, models.Failed)
	mustState(t, m, ethTicker, models.Subscribed)

	s.set(btcBook, nil, false)
	m.CheckHeartbeats(context.Background())
	mustState(t, m, btcBook, models.Subscribed)
	if s.calls(ethTicker) != 1 {
		t.Fatalf("healthy sibling was touched: %d calls", s.calls(ethTicker))
	}
}

func TestSilentChannelGetsOneAttemptPerTick(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s := newFakeStreamer()
	m := newTestManager(s, clock, nil)
	ctx := context.Background()

	if err := m.Subscribe(ctx, btcBook, ethTicker); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	s.set(btcBook, errors.New("still down"), false)

	for tick := 1; tick <= 3; tick++ {
		clock.Advance(31 * time.Second)
		s.deliver(ethTicker)
		m.CheckHeartbeats(ctx)

		if got := s.calls(btcBook); got != 1+tick {
			t.Fatalf("tick %d: %d subscribe calls, want %d", tick, got, 1+tick)
		}
		sub := mustState(t, m, btcBook, models.Resubscribing)
		if sub.Attempts != tick || sub.LastError == "" {
			t.Fatalf("tick %d: unexpected %+v", tick, sub)
		}
		mustState(t, m, ethTicker, models.Subscribed)
		if s.calls(ethTicker) != 1 {
			t.Fatalf("sibling resubscribed on tick %d", tick)
		}
	}

	// heartbeat resumes: promoted without another attempt
	s.deliver(btcBook)
	m.CheckHeartbeats(ctx)
	mustState(t, m, btcBook, models.Subscribed)
	if got := s.calls(btcBook); got != 4 {
		t.Fatalf("resumed channel was resubscribed again: %d calls", got)
	}
}

func TestResubscribeSuccessResetsHeartbeat(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s := newFakeStreamer()
	m := newTestManager(s, clock, nil)
	ctx := context.Background()
	if err := m.Subscribe(ctx, btcBook); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	clock.Advance(40 * time.Second)
	m.CheckHeartbeats(ctx)
	sub := mustState(t, m, btcBook, models.Subscribed)
	if !sub.LastHeartbeat.Equal(clock.Now()) {
		t.Fatal("heartbeat not reset after resubscribe")
	}
	if s.unsubscribes[btcBook.String()] != 1 {
		t.Fatal("expected unsubscribe before resubscribe")
	}

	// within timeout: nothing happens
	clock.Advance(10 * time.Second)
	m.CheckHeartbeats(ctx)
	if s.calls(btcBook) != 2 {
		t.Fatalf("unexpected attempt within timeout: %d", s.calls(btcBook))
	}
}

func TestHungChannelDoesNotBlockSiblings(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s := newFakeStreamer()
	m := newTestManager(s, clock, nil)
	ctx := context.Background()
	if err := m.Subscribe(ctx, btcBook, ethTicker); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	s.set(btcBook, nil, true)
	clock.Advance(time.Minute)

	done := make(chan struct{})
	go func() {
		m.CheckHeartbeats(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tick blocked on hung channel")
	}

	mustState(t, m, ethTicker, models.Subscribed)
	sub := mustState(t, m, btcBook, models.Resubscribing)
	if sub.LastError == "" {
		t.Fatal("timeout not recorded")
	}
}

func TestUnsubscribeDropsState(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s := newFakeStreamer()
	m := newTestManager(s, clock, nil)
	ctx := context.Background()
	if err := m.Subscribe(ctx, btcBook, ethTicker); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := m.Unsubscribe(ctx, btcBook); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, ok := m.Get(btcBook); ok {
		t.Fatal("state kept after unsubscribe")
	}
	clock.Advance(time.Minute)
	m.CheckHeartbeats(ctx)
	if s.calls(btcBook) != 1 {
		t.Fatal("unsubscribed channel was resubscribed")
	}
	if fields := m.Report(); fields["ws_channels"] != 1 {
		t.Fatalf("unexpected report %v", fields)
	}
}

func TestStartStop(t *testing.T) {
	s := newFakeStreamer()
	m := NewManager(s, Config{HeartbeatInterval: 5 * time.Millisecond, HeartbeatTimeout: time.Second}, nil, nil)
	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Start(ctx); err == nil {
		t.Fatal("second start should fail")
	}
	if err := m.Subscribe(ctx, btcBook); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	m.Stop()
	m.Stop()
	if len(m.Subscriptions()) != 0 {
		t.Fatal("state kept after stop")
	}

	bad := NewManager(s, Config{}, nil, nil)
	if err := bad.Start(ctx); !feederr.Is(err, feederr.FatalConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
