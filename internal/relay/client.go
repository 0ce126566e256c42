// Package relay is the client side of the voice-shopping relay: one
// websocket session per conversation, a keep-alive, linear-backoff
// reconnection and typed dispatch of inbound envelopes.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/crmvoice/domain/entities"
	"github.com/satriahrh/crmvoice/internal/metrics"
	"github.com/satriahrh/crmvoice/internal/pubsub"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 4 * 1024 * 1024 // synthesized audio arrives inline
)

// Config configures the relay client
type Config struct {
	Endpoint Endpoint

	KeepAliveInterval    time.Duration // default 30s
	ReconnectBaseDelay   time.Duration // attempt n waits base*n
	MaxReconnectAttempts int           // 0 disables automatic reconnection
	HandshakeTimeout     time.Duration
}

// DefaultConfig returns the client defaults
func DefaultConfig() Config {
	return Config{
		KeepAliveInterval:    30 * time.Second,
		ReconnectBaseDelay:   time.Second,
		MaxReconnectAttempts: 5,
		HandshakeTimeout:     10 * time.Second,
	}
}

// StateChange is published on every connection state transition
type StateChange struct {
	From entities.ConnectionState
	To   entities.ConnectionState
	At   time.Time
}

// ReconnectDelay is the wait before reconnect attempt n (1-based)
func ReconnectDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(attempt)
}

// Client maintains exactly one logical socket session at a time
type Client struct {
	config  Config
	dialer  *websocket.Dialer
	logger  *zap.Logger
	metrics *metrics.Collector

	// stateMu orders transitions together with their publication.
	stateMu sync.Mutex

	mu             sync.Mutex
	writeMu        sync.Mutex
	conn           *websocket.Conn
	state          entities.ConnectionState
	url            string
	identity       string
	session        uint64
	sessionDone    chan struct{}
	keepAlive      sync.WaitGroup
	attempts       int
	reconnectTimer *time.Timer
	// dialing is set by whoever owns the single in-flight dial.
	dialing    bool
	userClosed bool
	closed     bool

	states   *pubsub.Stream[StateChange]
	messages *pubsub.Stream[InboundEnvelope]
	errs     *pubsub.Stream[error]
}

// NewClient creates a new relay client
func NewClient(config Config, logger *zap.Logger, collector *metrics.Collector) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if config.KeepAliveInterval <= 0 {
		config.KeepAliveInterval = defaults.KeepAliveInterval
	}
	if config.ReconnectBaseDelay <= 0 {
		config.ReconnectBaseDelay = defaults.ReconnectBaseDelay
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaults.HandshakeTimeout
	}

	return &Client{
		config: config,
		dialer: &websocket.Dialer{
			HandshakeTimeout: config.HandshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		logger:   logger.With(zap.String("component", "relay_client")),
		metrics:  collector,
		state:    entities.ConnectionStateDisconnected,
		states:   pubsub.NewStream[StateChange](),
		messages: pubsub.NewStream[InboundEnvelope](),
		errs:     pubsub.NewStream[error](),
	}
}

// States streams connection state transitions
func (c *Client) States() *pubsub.Stream[StateChange] { return c.states }

// Messages streams decoded inbound envelopes in arrival order
func (c *Client) Messages() *pubsub.Stream[InboundEnvelope] { return c.messages }

// Errors streams connection, protocol and reconnect failures
func (c *Client) Errors() *pubsub.Stream[error] { return c.errs }

// State returns the current connection state
func (c *Client) State() entities.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the session for identity. Dial failures do not fail the call:
// they move the client to the error state, are published on Errors and start
// the reconnect policy.
func (c *Client) Connect(ctx context.Context, identity string, opts Options) error {
	url, err := BuildURL(c.config.Endpoint, identity, opts)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.dialing || c.state == entities.ConnectionStateConnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.dialing = true
	c.stopReconnectLocked()
	c.url = url
	c.identity = identity
	c.userClosed = false
	c.attempts = 0
	c.mu.Unlock()

	c.logger.Info("Connecting to relay", zap.String("identity", identity), zap.String("url", url))
	c.dial(ctx)
	return nil
}

// Send marshals env and writes it to the open socket. It never queues.
func (c *Client) Send(env OutboundEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal %s envelope: %w", env.Kind(), err)
	}

	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if !state.CanSend() || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}

	c.metrics.RecordRelayMessage("outbound", string(env.Kind()))
	return nil
}

// Disconnect closes the session normally, cancels the keep-alive and any
// pending reconnect. It is idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.userClosed = true
	c.stopReconnectLocked()
	conn := c.conn
	c.conn = nil
	c.session++
	if c.sessionDone != nil {
		close(c.sessionDone)
		c.sessionDone = nil
	}
	c.mu.Unlock()

	c.keepAlive.Wait()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			time.Now().Add(writeWait),
		)
		c.writeMu.Unlock()
		conn.Close()
		c.logger.Info("Disconnected from relay")
	}

	c.setState(entities.ConnectionStateDisconnected)
}

// Close disconnects and closes all streams. The client cannot be reused.
func (c *Client) Close() {
	c.Disconnect()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.states.Close()
	c.messages.Close()
	c.errs.Close()
}

// dial runs with c.dialing set and clears it before returning.
func (c *Client) dial(ctx context.Context) {
	c.mu.Lock()
	url := c.url
	c.mu.Unlock()

	c.setState(entities.ConnectionStateConnecting)

	conn, resp, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		c.mu.Lock()
		c.dialing = false
		c.mu.Unlock()

		connErr := &ConnectionError{Op: "dial", Err: err}
		if resp != nil {
			connErr.Err = fmt.Errorf("%w (http status %d)", err, resp.StatusCode)
		}
		c.logger.Warn("Failed to connect to relay", zap.Error(err))
		c.fail(connErr)
		return
	}

	c.mu.Lock()
	c.dialing = false
	if c.userClosed || c.closed {
		c.mu.Unlock()
		conn.Close()
		c.setState(entities.ConnectionStateDisconnected)
		return
	}
	c.session++
	gen := c.session
	done := make(chan struct{})
	c.conn = conn
	c.sessionDone = done
	c.attempts = 0
	c.keepAlive.Add(1)
	c.mu.Unlock()

	c.setState(entities.ConnectionStateConnected)
	c.logger.Info("Connected to relay")

	go c.keepAliveLoop(done)
	go c.readLoop(conn, gen)
}

// readLoop decodes frames until the socket fails
func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	conn.SetReadLimit(maxMessageSize)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(gen, err)
			return
		}

		if !c.isCurrent(gen) {
			return
		}

		msg, err := ParseInbound(data)
		if err != nil {
			c.logger.Warn("Discarding malformed relay frame", zap.Error(err))
			c.errs.Publish(err)
			continue
		}

		c.metrics.RecordRelayMessage("inbound", string(msg.Kind()))
		c.messages.Publish(msg)
	}
}

func (c *Client) handleReadError(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.session {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	if c.sessionDone != nil {
		close(c.sessionDone)
		c.sessionDone = nil
	}
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	// only 1000 ends the session; 1001 and the rest reconnect
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.logger.Info("Relay closed the session normally")
		c.setState(entities.ConnectionStateDisconnected)
		return
	}

	connErr := &ConnectionError{Op: "read", Err: err}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		connErr.Code = closeErr.Code
	}
	c.logger.Warn("Relay session closed abnormally", zap.Error(err), zap.Int("closeCode", connErr.Code))
	c.fail(connErr)
}

// fail moves to the error state, publishes err and applies the reconnect policy
func (c *Client) fail(err error) {
	c.mu.Lock()
	userClosed := c.userClosed
	c.mu.Unlock()
	if userClosed {
		return
	}

	c.setState(entities.ConnectionStateError)
	c.errs.Publish(err)
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.userClosed || c.closed {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.config.MaxReconnectAttempts {
		attempts := c.attempts
		c.mu.Unlock()

		c.logger.Error("Giving up on relay reconnection", zap.Int("attempts", attempts))
		c.errs.Publish(fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, attempts))
		return
	}
	c.attempts++
	attempt := c.attempts
	delay := ReconnectDelay(c.config.ReconnectBaseDelay, attempt)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() { c.reconnect(timer) })
	c.reconnectTimer = timer
	c.mu.Unlock()

	c.logger.Info("Scheduling relay reconnect",
		zap.Int("attempt", attempt),
		zap.Int("max", c.config.MaxReconnectAttempts),
		zap.Duration("delay", delay))
}

func (c *Client) reconnect(timer *time.Timer) {
	c.mu.Lock()
	if c.reconnectTimer != timer || c.userClosed || c.closed {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	if c.dialing || c.state == entities.ConnectionStateConnected {
		c.mu.Unlock()
		return
	}
	c.dialing = true
	c.mu.Unlock()

	c.metrics.RecordRelayReconnect()

	ctx, cancel := context.WithTimeout(context.Background(), c.config.HandshakeTimeout)
	defer cancel()
	c.dial(ctx)
}

// stopReconnectLocked cancels a pending reconnect. Caller must hold c.mu.
func (c *Client) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// keepAliveLoop sends a ping every interval while the session is open
func (c *Client) keepAliveLoop(done <-chan struct{}) {
	defer c.keepAlive.Done()

	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			if err := c.Send(NewPingMessage(now)); err != nil {
				c.logger.Warn("Keep-alive ping failed", zap.Error(err))
			}
		}
	}
}

func (c *Client) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.session
}

func (c *Client) setState(to entities.ConnectionState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	c.state = to
	closed := c.closed
	c.mu.Unlock()

	c.metrics.RecordRelayState(string(to))
	c.logger.Debug("Relay state changed", zap.String("from", string(from)), zap.String("to", string(to)))
	if !closed {
		c.states.Publish(StateChange{From: from, To: to, At: time.Now()})
	}
}
