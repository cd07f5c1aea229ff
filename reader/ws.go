package reader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"marketfeed/internal/feederr"
	"marketfeed/internal/metrics"
	"marketfeed/logger"
	"marketfeed/models"
)

const (
	defaultReconnectDelay = 5 * time.Second
	defaultKeepAlive      = 20 * time.Second
	defaultAckTimeout     = 10 * time.Second
	writeTimeout          = 5 * time.Second
)

// Frame is what a Protocol makes of one incoming message.
type Frame struct {
	Topic string
	Type  string
	// Ack frames answer a subscribe or unsubscribe request.
	Ack    bool
	AckID  uint64
	AckErr error
}

// Protocol adapts WSConn to one exchange's topic names and request frames.
type Protocol interface {
	Topic(ch models.Channel) (string, error)
	SubscribeFrame(id uint64, topics []string) any
	UnsubscribeFrame(id uint64, topics []string) any
	// PingFrame returns an application ping, or nil to use a control ping.
	PingFrame() any
	Decode(msg []byte) Frame
}

// WSConfig configures a WSConn.
type WSConfig struct {
	URL            string
	PingInterval   time.Duration
	ReconnectDelay time.Duration
	AckTimeout     time.Duration
	ReadBuffer     int
}

type subscription struct {
	channel models.Channel
	handler Handler
}

// WSConn is a single exchange WebSocket connection shared by all channels. It reconnects on
// failure and resubscribes every registered topic on the new connection.
type WSConn struct {
	name   string
	cfg    WSConfig
	proto  Protocol
	dialer *websocket.Dialer
	log    *logger.Log

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool

	conn      *websocket.Conn
	subs      map[string]subscription
	pending   map[uint64]chan error
	writeMu   sync.Mutex
	seq       atomic.Uint64
	connected atomic.Bool
	unrouted  atomic.Int64
}

// NewWSConn prepares a connection; nothing is dialled until Start.
func NewWSConn(name string, cfg WSConfig, proto Protocol) *WSConn {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultKeepAlive
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	dialer := *websocket.DefaultDialer
	if cfg.ReadBuffer > 0 {
		dialer.ReadBufferSize = cfg.ReadBuffer
	}
	return &WSConn{
		name:    name,
		cfg:     cfg,
		proto:   proto,
		dialer:  &dialer,
		log:     logger.GetLogger(),
		wg:      &sync.WaitGroup{},
		subs:    make(map[string]subscription),
		pending: make(map[uint64]chan error),
	}
}

func (c *WSConn) entry() *logger.Entry {
	return c.log.WithComponent(c.name + "_ws").WithFields(logger.Fields{"url": c.cfg.URL})
}

// Start launches the connection loop.
func (c *WSConn) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("websocket connection already running")
	}
	c.running = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run()
	c.entry().Info("websocket connection started")
	return nil
}

// Stop closes the connection and waits for the loop to exit.
func (c *WSConn) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.entry().Info("websocket connection stopped")
}

// Connected reports whether a connection is currently established.
func (c *WSConn) Connected() bool { return c.connected.Load() }

// Unrouted counts frames that matched no subscription.
func (c *WSConn) Unrouted() int64 { return c.unrouted.Load() }

func (c *WSConn) run() {
	defer c.wg.Done()
	log := c.entry()

	for {
		if c.ctx.Err() != nil {
			return
		}

		conn, _, err := c.dialer.DialContext(c.ctx, c.cfg.URL, nil)
		if err != nil {
			log.WithError(err).Warn("failed to connect to websocket")
			if waitForReconnect(c.ctx, c.cfg.ReconnectDelay) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		topics := make([]string, 0, len(c.subs))
		for t := range c.subs {
			topics = append(topics, t)
		}
		c.mu.Unlock()
		c.connected.Store(true)
		log.WithFields(logger.Fields{"topics": len(topics)}).Info("websocket connected")

		if len(topics) > 0 {
			if err := c.write(c.proto.SubscribeFrame(c.seq.Add(1), topics)); err != nil {
				log.WithError(err).Warn("failed to resubscribe after reconnect")
			}
		}

		pingCancel := c.startPingLoop(conn)
		if err := c.readMessages(conn); err != nil && c.ctx.Err() == nil {
			log.WithError(err).Warn("websocket read loop ended")
		}
		pingCancel()

		c.connected.Store(false)
		c.mu.Lock()
		c.conn = nil
		for id, ch := range c.pending {
			ch <- feederr.Transient(errors.New("websocket connection lost"))
			delete(c.pending, id)
		}
		c.mu.Unlock()
		conn.Close()

		if waitForReconnect(c.ctx, c.cfg.ReconnectDelay) {
			return
		}
	}
}

func (c *WSConn) readMessages(conn *websocket.Conn) error {
	for {
		if c.ctx.Err() != nil {
			return c.ctx.Err()
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(msg)
	}
}

func (c *WSConn) dispatch(msg []byte) {
	f := c.proto.Decode(msg)
	if f.Ack {
		c.mu.Lock()
		ch, ok := c.pending[f.AckID]
		delete(c.pending, f.AckID)
		c.mu.Unlock()
		if ok {
			ch <- f.AckErr
		}
		return
	}
	if f.Topic == "" {
		return
	}

	c.mu.RLock()
	sub, ok := c.subs[f.Topic]
	c.mu.RUnlock()
	if !ok {
		c.unrouted.Add(1)
		return
	}
	metrics.WSMessages.WithLabelValues(string(sub.channel.Kind)).Inc()
	sub.handler(Message{
		Channel:    sub.channel,
		Type:       f.Type,
		Data:       msg,
		ReceivedAt: time.Now().UTC(),
	})
}

func (c *WSConn) write(frame any) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return feederr.Transient(errors.New("websocket not connected"))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		return feederr.Transient(err)
	}
	return nil
}

// request sends a frame and waits for the exchange to acknowledge it.
func (c *WSConn) request(ctx context.Context, build func(id uint64) any) error {
	id := c.seq.Add(1)
	done := make(chan error, 1)
	c.mu.Lock()
	c.pending[id] = done
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := c.write(build(id)); err != nil {
		forget()
		return err
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		forget()
		return &feederr.Error{Kind: feederr.SubscriptionTimeout, Component: c.name + "_ws", Err: errors.New("no acknowledgement")}
	case <-ctx.Done():
		forget()
		return ctx.Err()
	}
}

// Subscribe registers h for ch and waits for the exchange to confirm the topic.
func (c *WSConn) Subscribe(ctx context.Context, ch models.Channel, h Handler) error {
	topic, err := c.proto.Topic(ch)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.subs[topic] = subscription{channel: ch, handler: h}
	c.mu.Unlock()

	err = c.request(ctx, func(id uint64) any { return c.proto.SubscribeFrame(id, []string{topic}) })
	if err != nil {
		c.mu.Lock()
		delete(c.subs, topic)
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe drops the handler for ch and asks the exchange to stop the topic.
func (c *WSConn) Unsubscribe(ctx context.Context, ch models.Channel) error {
	topic, err := c.proto.Topic(ch)
	if err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()

	if !c.Connected() {
		return nil
	}
	if err := c.request(ctx, func(id uint64) any { return c.proto.UnsubscribeFrame(id, []string{topic}) }); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}

// Topics returns the registered topics.
func (c *WSConn) Topics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subs))
	for t := range c.subs {
		out = append(out, t)
	}
	return out
}

func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

func (c *WSConn) startPingLoop(conn *websocket.Conn) context.CancelFunc {
	pingCtx, cancel := context.WithCancel(c.ctx)
	ticker := time.NewTicker(c.cfg.PingInterval)
	log := c.entry()
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				var err error
				if frame := c.proto.PingFrame(); frame != nil {
					err = c.write(frame)
				} else {
					err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
				}
				if err != nil {
					log.WithError(err).Warn("failed to send websocket ping")
					conn.Close()
					return
				}
			}
		}
	}()
	return cancel
}
