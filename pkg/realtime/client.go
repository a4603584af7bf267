// Package realtime implements the duplex WebSocket transport to a realtime
// voice backend: connection lifecycle with bounded reconnection, outbound
// control messages, and inbound server event dispatch.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// State describes the connection lifecycle of a [Client].
type State int

const (
	// StateDisconnected means no connection is active. This is both the
	// initial state and the state after reconnection gives up.
	StateDisconnected State = iota

	// StateConnecting means a dial or reconnect attempt is in flight.
	StateConnecting

	// StateConnected means the WebSocket is established and usable.
	StateConnected

	// StateClosed means Close was called. Terminal; the client cannot be
	// reused.
	StateClosed
)

// String returns a human-readable state name for logging.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrAlreadyConnected is returned by Connect when the client already
	// holds an established connection.
	ErrAlreadyConnected = errors.New("realtime: already connected")

	// ErrNotConnected is returned by Send when no connection is established.
	ErrNotConnected = errors.New("realtime: not connected")

	// ErrClosed is returned by any operation after Close.
	ErrClosed = errors.New("realtime: client closed")
)

// ReconnectPolicy bounds automatic reconnection after an abnormal connection
// loss. The zero value disables reconnection entirely.
type ReconnectPolicy struct {
	// MaxAttempts is the number of reconnect attempts before giving up.
	MaxAttempts int

	// InitialDelay is the wait before the first reconnect attempt.
	InitialDelay time.Duration

	// Multiplier scales the delay after each failed attempt.
	Multiplier float64

	// MaxDelay caps the per-attempt delay.
	MaxDelay time.Duration
}

// DefaultReconnectPolicy reconnects up to 5 times starting at one second and
// doubling, capped at 30 seconds.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
	}
}

// Delay returns the wait before the given 1-based reconnect attempt.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1)))
	if p.MaxDelay > 0 && (d > p.MaxDelay || d < 0) {
		d = p.MaxDelay
	}
	return d
}

// Config configures a [Client].
type Config struct {
	// URL is the full WebSocket endpoint, including any query parameters.
	URL string

	// Header carries extra HTTP headers for the handshake, typically the
	// bearer authorization.
	Header http.Header

	// Reconnect bounds automatic reconnection. Zero disables it.
	Reconnect ReconnectPolicy

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// OnRetry, if set, is invoked before each reconnect attempt sleeps.
	OnRetry func(attempt int, delay time.Duration)
}

// Client is a WebSocket client with explicit lifecycle states, automatic
// bounded reconnection, and type-keyed event dispatch. All methods are safe
// for concurrent use.
type Client struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	readStop context.CancelFunc
	inflight *connectAttempt

	handlerMu sync.Mutex
	named     map[string][]func(json.RawMessage)
	generic   []func(eventType string, raw json.RawMessage)
	onClose   []func(err error)

	done      chan struct{}
	closeOnce sync.Once

	// dial is overridden in tests.
	dial func(ctx context.Context) (*websocket.Conn, error)
}

// connectAttempt lets concurrent Connect callers wait for an in-flight dial.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// NewClient creates a Client in StateDisconnected. Connect must be called
// before sending.
func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Client{
		cfg:   cfg,
		log:   cfg.Logger,
		named: make(map[string][]func(json.RawMessage)),
		done:  make(chan struct{}),
	}
	c.dial = c.dialWebsocket
	return c
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes the WebSocket connection, retrying per the reconnect
// policy on initial failure. If a connect is already in flight, Connect waits
// for it and returns its outcome.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateConnected:
		c.mu.Unlock()
		return ErrAlreadyConnected
	case StateConnecting:
		attempt := c.inflight
		c.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	attempt := &connectAttempt{done: make(chan struct{})}
	c.inflight = attempt
	c.state = StateConnecting
	c.mu.Unlock()

	err := c.dialLoop(ctx, true)
	attempt.err = err
	close(attempt.done)

	c.mu.Lock()
	c.inflight = nil
	c.mu.Unlock()
	return err
}

// dialLoop performs the initial dial (when immediate is true) followed by up
// to MaxAttempts delayed retries. On success it installs the connection and
// starts the read loop.
func (c *Client) dialLoop(ctx context.Context, immediate bool) error {
	var lastErr error

	try := func() bool {
		conn, err := c.dial(ctx)
		if err != nil {
			lastErr = err
			c.log.Warn("realtime: dial failed", "url", c.cfg.URL, "error", err)
			return false
		}
		c.installConn(conn)
		return true
	}

	if immediate {
		if try() {
			return nil
		}
	}

	for attempt := 1; attempt <= c.cfg.Reconnect.MaxAttempts; attempt++ {
		delay := c.cfg.Reconnect.Delay(attempt)
		if c.cfg.OnRetry != nil {
			c.cfg.OnRetry(attempt, delay)
		}
		c.log.Info("realtime: reconnecting", "attempt", attempt, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			c.setDisconnected()
			return ctx.Err()
		case <-c.done:
			c.setDisconnected()
			return ErrClosed
		}
		if try() {
			return nil
		}
	}

	c.setDisconnected()
	if lastErr == nil {
		lastErr = errors.New("no attempts permitted")
	}
	return fmt.Errorf("realtime: connect %s: %w", c.cfg.URL, lastErr)
}

func (c *Client) dialWebsocket(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{
		HTTPHeader: c.cfg.Header,
	})
	if err != nil {
		return nil, err
	}
	// Audio deltas for a full response can be large.
	conn.SetReadLimit(16 << 20)
	return conn, nil
}

// installConn records the connection, transitions to StateConnected and
// starts the read loop.
func (c *Client) installConn(conn *websocket.Conn) {
	readCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client closed")
		return
	}
	c.conn = conn
	c.readStop = cancel
	c.state = StateConnected
	c.mu.Unlock()

	c.log.Info("realtime: connected", "url", c.cfg.URL)
	go c.readLoop(readCtx, conn)
}

func (c *Client) setDisconnected() {
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
}

// Send transmits raw bytes as a single text message. Returns ErrNotConnected
// when no connection is established; callers decide whether to retry after a
// reconnect completes.
func (c *Client) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("realtime: send: %w", err)
	}
	return nil
}

// SendJSON marshals v and sends it as a text message.
func (c *Client) SendJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	return c.Send(ctx, data)
}

// On registers a handler for server events with the given type string.
// Handlers run on the read loop goroutine and must not block.
func (c *Client) On(eventType string, h func(raw json.RawMessage)) {
	c.handlerMu.Lock()
	c.named[eventType] = append(c.named[eventType], h)
	c.handlerMu.Unlock()
}

// OnMessage registers a handler invoked for every well-formed server event,
// after any type-specific handlers.
func (c *Client) OnMessage(h func(eventType string, raw json.RawMessage)) {
	c.handlerMu.Lock()
	c.generic = append(c.generic, h)
	c.handlerMu.Unlock()
}

// OnClose registers a handler invoked when the connection terminates without
// a pending reconnect: err is nil for a server-initiated normal closure and
// non-nil when reconnection was exhausted.
func (c *Client) OnClose(h func(err error)) {
	c.handlerMu.Lock()
	c.onClose = append(c.onClose, h)
	c.handlerMu.Unlock()
}

// Close tears the connection down and moves to the terminal StateClosed.
// Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		c.state = StateClosed
		conn := c.conn
		cancel := c.readStop
		c.conn = nil
		c.readStop = nil
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "client closed")
		}
	})
	return nil
}

// readLoop reads messages until the connection fails or the client closes,
// dispatching each to registered handlers.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleReadError(ctx, conn, err)
			return
		}
		c.dispatch(data)
	}
}

// handleReadError decides between clean shutdown and reconnection after the
// read loop fails.
func (c *Client) handleReadError(ctx context.Context, conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.state == StateClosed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.readStop = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if ctx.Err() != nil {
		return
	}

	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		c.log.Info("realtime: server closed connection", "status", status)
		c.emitClose(nil)
		return
	}

	c.log.Warn("realtime: connection lost", "error", err)
	if c.cfg.Reconnect.MaxAttempts <= 0 {
		c.emitClose(fmt.Errorf("realtime: connection lost: %w", err))
		return
	}

	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	attempt := &connectAttempt{done: make(chan struct{})}
	c.inflight = attempt
	c.state = StateConnecting
	c.mu.Unlock()

	go func() {
		rerr := c.dialLoop(context.Background(), false)
		attempt.err = rerr
		close(attempt.done)

		c.mu.Lock()
		c.inflight = nil
		c.mu.Unlock()

		if rerr != nil && !errors.Is(rerr, ErrClosed) {
			c.log.Error("realtime: reconnection exhausted", "error", rerr)
			c.emitClose(rerr)
		}
	}()
}

func (c *Client) emitClose(err error) {
	c.handlerMu.Lock()
	handlers := slices.Clone(c.onClose)
	c.handlerMu.Unlock()
	for _, h := range handlers {
		h(err)
	}
}

// dispatch routes one inbound message by its "type" field. Malformed frames
// are logged and dropped so a bad message never tears down the session.
func (c *Client) dispatch(data []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Type == "" {
		c.log.Warn("realtime: dropping malformed event", "error", err, "bytes", len(data))
		return
	}

	c.handlerMu.Lock()
	named := slices.Clone(c.named[envelope.Type])
	generic := slices.Clone(c.generic)
	c.handlerMu.Unlock()

	for _, h := range named {
		h(data)
	}
	for _, h := range generic {
		h(envelope.Type, data)
	}
}
