// Package realtime maintains a single authenticated WebSocket session to the
// chat service. ConnectionManager owns the socket lifecycle and reconnects
// with backoff; HeartbeatManager keeps it alive; MessageHandler filters
// inbound frames; MetricsTracker accounts for all of it.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/p-blackswan/chatlink/internal/auth"
	perrors "github.com/p-blackswan/chatlink/internal/errors"
	"github.com/p-blackswan/chatlink/internal/logging"
	"github.com/p-blackswan/chatlink/internal/notify"
	"github.com/p-blackswan/chatlink/internal/retry"
)

// Config holds connection settings.
type Config struct {
	// URL is the WebSocket endpoint, e.g. "wss://chat.example.com/ws".
	URL string

	// ProjectID and SessionID are appended as query parameters when set.
	ProjectID string
	SessionID string

	// Name labels this connection in logs and metrics. Defaults to a random ID.
	Name string

	// MaxReconnectAttempts bounds automatic reconnects between successful opens.
	// Zero uses the default; NoReconnect disables automatic reconnects.
	MaxReconnectAttempts int

	// Backoff maps a 1-based attempt number to a delay.
	Backoff retry.Policy

	// HeartbeatInterval is the ping cadence. Zero disables the heartbeat.
	HeartbeatInterval time.Duration

	// PongTimeout force-closes the socket when pings go unanswered this long.
	// Zero disables the check.
	PongTimeout time.Duration

	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// NoReconnect as MaxReconnectAttempts moves straight to failed on the first
// disconnect.
const NoReconnect = -1

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: 5,
		Backoff:              retry.Table{Intervals: retry.DefaultIntervals},
		HeartbeatInterval:    30 * time.Second,
		PongTimeout:          60 * time.Second,
		DialTimeout:          10 * time.Second,
		WriteTimeout:         10 * time.Second,
	}
}

// Option customizes a ConnectionManager.
type Option func(*ConnectionManager)

// WithNotifier routes lifecycle toasts to n.
func WithNotifier(n notify.Notifier) Option {
	return func(m *ConnectionManager) { m.notifier = n }
}

// WithRecorder mirrors metrics into rec.
func WithRecorder(rec Recorder) Option {
	return func(m *ConnectionManager) { m.recorder = rec }
}

// WithDialer overrides the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(m *ConnectionManager) { m.dialer = d }
}

// OnMessage registers the consumer of inbound application frames.
func OnMessage(fn func(json.RawMessage)) Option {
	return func(m *ConnectionManager) { m.onMessage = fn }
}

// OnStateChange registers a callback for every state transition.
func OnStateChange(fn func(from, to ConnectionState)) Option {
	return func(m *ConnectionManager) { m.onStateChange = fn }
}

// ConnectionManager owns one WebSocket session.
type ConnectionManager struct {
	cfg           Config
	tokens        auth.TokenSource
	logger        *logging.Logger
	notifier      notify.Notifier
	recorder      Recorder
	dialer        *websocket.Dialer
	onMessage     func(json.RawMessage)
	onStateChange func(from, to ConnectionState)

	metrics   *MetricsTracker
	heartbeat *HeartbeatManager
	handler   *MessageHandler

	// lifecycle parents connects started by the reconnect timer.
	lifecycle     context.Context
	stopLifecycle context.CancelFunc

	mu               sync.Mutex
	state            ConnectionState
	conn             *websocket.Conn
	attempts         int
	inFlight         bool
	cancelConnect    context.CancelFunc
	generation       uint64
	reconnectPending bool
	reconnectTimer   *time.Timer
	destroyed        bool

	writeMu sync.Mutex
}

// NewConnectionManager creates a manager in the initial state. Nothing is
// dialed until Connect.
func NewConnectionManager(cfg Config, tokens auth.TokenSource, logger *logging.Logger, opts ...Option) *ConnectionManager {
	defaults := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = "conn-" + uuid.New().String()[:8]
	}
	switch {
	case cfg.MaxReconnectAttempts == 0:
		cfg.MaxReconnectAttempts = defaults.MaxReconnectAttempts
	case cfg.MaxReconnectAttempts < 0:
		cfg.MaxReconnectAttempts = 0
	}
	if cfg.Backoff == nil {
		cfg.Backoff = defaults.Backoff
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if logger == nil {
		logger = logging.Nop()
	}

	m := &ConnectionManager{
		cfg:      cfg,
		tokens:   tokens,
		logger:   logger.With("connection"),
		notifier: notify.Nop{},
		state:    StateInitial,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dialer == nil {
		m.dialer = &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	}

	m.lifecycle, m.stopLifecycle = context.WithCancel(context.Background())
	m.metrics = NewMetricsTracker(m.recorder, logger)
	m.heartbeat = NewHeartbeatManager(HeartbeatConfig{
		Interval:    cfg.HeartbeatInterval,
		PongTimeout: cfg.PongTimeout,
	}, logger)
	m.handler = NewMessageHandler(logger, m.handlePong)
	return m
}

// Name returns the connection label.
func (m *ConnectionManager) Name() string { return m.cfg.Name }

// State returns the current lifecycle state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsOpen reports whether frames can be sent right now.
func (m *ConnectionManager) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil && m.state == StateConnected
}

// Attempts returns the reconnect attempts made since the last successful open.
func (m *ConnectionManager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// MaxAttempts returns the configured reconnect budget.
func (m *ConnectionManager) MaxAttempts() int { return m.cfg.MaxReconnectAttempts }

// Metrics returns a snapshot of the connection metrics.
func (m *ConnectionManager) Metrics() ConnectionMetrics {
	return m.metrics.GetMetrics()
}

// Connect opens the socket. It returns nil without dialing when the socket is
// already open or another connect is in flight. On failure the error is
// returned and a reconnect is scheduled.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return perrors.ErrDestroyed
	}
	if m.conn != nil && m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if m.inFlight {
		m.mu.Unlock()
		m.logger.Debug("connect already in flight", nil)
		return nil
	}
	m.inFlight = true
	m.clearReconnectLocked()
	gen := m.generation
	connectCtx, cancel := context.WithCancel(ctx)
	m.cancelConnect = cancel
	from := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	defer cancel()

	m.emit(from, StateConnecting)
	m.logger.Info("connecting", map[string]any{"url": logging.RedactURL(m.cfg.URL)})

	conn, err := m.dial(connectCtx, gen)

	m.mu.Lock()
	if m.destroyed || m.generation != gen {
		destroyed := m.destroyed
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		m.logger.Debug("discarding superseded connect", nil)
		if destroyed {
			return perrors.ErrDestroyed
		}
		return context.Canceled
	}
	m.inFlight = false
	m.cancelConnect = nil

	if err != nil {
		from := m.setStateLocked(StateError)
		m.mu.Unlock()

		m.metrics.RecordError("connect", err)
		m.logger.Error("connect failed", err, nil)
		m.emit(from, StateError)
		m.scheduleReconnect()
		return err
	}

	m.conn = conn
	m.attempts = 0
	from = m.setStateLocked(StateConnected)
	// Started under mu so a Destroy or Reconnect that detaches conn always
	// stops this loop afterwards.
	m.heartbeat.Setup(&heartbeatSocket{m: m, conn: conn}, m.metrics.RecordHeartbeat, func() {
		// Closing the socket fails the read loop, which drives reconnection.
		_ = conn.Close()
	})
	m.mu.Unlock()

	m.metrics.SetConnected(true, time.Now())
	m.metrics.SetReconnectAttempts(0)

	// Metric hooks run outside mu and may have torn the session down.
	m.mu.Lock()
	current := m.conn == conn && !m.destroyed
	destroyed := m.destroyed
	m.mu.Unlock()
	if !current {
		m.metrics.SetConnected(false, time.Time{})
		m.logger.Debug("connection detached before it was announced", nil)
		if destroyed {
			return perrors.ErrDestroyed
		}
		return context.Canceled
	}

	go m.readLoop(conn)
	m.logger.Info("connected", nil)
	m.emit(from, StateConnected)
	return nil
}

// Reconnect closes any open socket, resets the attempt budget and connects.
// This is the way out of the failed state.
func (m *ConnectionManager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return perrors.ErrDestroyed
	}
	conn := m.conn
	m.conn = nil
	m.generation++
	if m.cancelConnect != nil {
		m.cancelConnect()
		m.cancelConnect = nil
	}
	m.inFlight = false
	m.clearReconnectLocked()
	m.attempts = 0
	m.mu.Unlock()

	m.heartbeat.Destroy()
	if conn != nil {
		m.closeGracefully(conn)
	}
	m.metrics.SetConnected(false, time.Time{})
	m.metrics.SetReconnectAttempts(0)

	m.logger.Info("manual reconnect", nil)
	return m.Connect(ctx)
}

// Destroy tears the session down permanently. Pending reconnects and
// in-flight connects are abandoned. Safe to call more than once.
func (m *ConnectionManager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	m.generation++
	if m.cancelConnect != nil {
		m.cancelConnect()
		m.cancelConnect = nil
	}
	m.inFlight = false
	m.clearReconnectLocked()
	conn := m.conn
	m.conn = nil
	from := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	m.stopLifecycle()
	m.heartbeat.Destroy()
	if conn != nil {
		m.closeGracefully(conn)
	}
	m.metrics.SetConnected(false, time.Time{})

	m.logger.Info("destroyed", nil)
	m.emit(from, StateDisconnected)
}

// Send encodes v as JSON and writes it. It returns false, after raising an
// error toast, when the socket is not open or the write fails.
func (m *ConnectionManager) Send(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Error("encoding outbound message", err, nil)
		m.toast(notify.Toast{Level: notify.LevelError, Title: "Message not sent", Message: "The message could not be encoded.", Error: err})
		return false
	}
	return m.SendRaw(data)
}

// SendRaw writes a pre-encoded text frame.
func (m *ConnectionManager) SendRaw(data []byte) bool {
	m.mu.Lock()
	conn := m.conn
	open := conn != nil && m.state == StateConnected
	m.mu.Unlock()

	if !open {
		m.logger.Warn("send while not connected", map[string]any{"state": m.State().String()})
		m.toast(notify.Toast{Level: notify.LevelError, Title: "Not connected", Message: "Message could not be sent because the connection is not open.", Error: perrors.ErrNotConnected})
		return false
	}

	if err := m.write(conn, data); err != nil {
		m.metrics.RecordError("send", err)
		m.logger.Error("send failed", err, nil)
		m.toast(notify.Toast{Level: notify.LevelError, Title: "Message not sent", Message: "Writing to the connection failed.", Error: err})
		return false
	}
	m.metrics.IncrementMessagesSent()
	return true
}

func (m *ConnectionManager) dial(ctx context.Context, gen uint64) (*websocket.Conn, error) {
	if m.tokens == nil {
		return nil, perrors.ErrNoSession
	}
	token, err := m.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching access token: %w", err)
	}

	// The manager may have been destroyed or reset while the token was fetched.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.stale(gen) {
		return nil, context.Canceled
	}

	target, err := m.buildURL(token)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()

	conn, resp, err := m.dialer.DialContext(dialCtx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("ws dial failed: %w", err)
	}
	return conn, nil
}

func (m *ConnectionManager) buildURL(token string) (string, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parsing websocket url: %w", err)
	}
	q := u.Query()
	if m.cfg.ProjectID != "" {
		q.Set("project_id", m.cfg.ProjectID)
	}
	if m.cfg.SessionID != "" {
		q.Set("session_id", m.cfg.SessionID)
	}
	q.Set("access_token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (m *ConnectionManager) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(conn, err)
			return
		}
		m.handler.HandleMessage(data, m.deliver)
	}
}

func (m *ConnectionManager) deliver(msg json.RawMessage) {
	m.metrics.IncrementMessagesReceived()
	if m.onMessage != nil {
		m.onMessage(msg)
	}
}

func (m *ConnectionManager) handlePong() {
	rtt := m.heartbeat.MarkPong()
	m.metrics.RecordLatency(rtt)
}

// handleClose runs when the read loop of conn ends. Sockets closed on purpose
// have already been detached and are ignored.
func (m *ConnectionManager) handleClose(conn *websocket.Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	from := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	m.heartbeat.Destroy()
	_ = conn.Close()
	m.metrics.SetConnected(false, time.Time{})

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		closeErr := perrors.NewCloseError(ce.Code, ce.Text)
		closeErr.Err = err
		err = closeErr
	}
	m.metrics.RecordError("close", err)
	m.logger.Warn("connection closed", map[string]any{"error": err.Error()})
	m.emit(from, StateDisconnected)
	m.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer unless one is already armed, or
// moves to failed once the budget is spent.
func (m *ConnectionManager) scheduleReconnect() {
	m.mu.Lock()
	if m.destroyed || m.reconnectPending || m.inFlight {
		m.mu.Unlock()
		return
	}
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		attempts := m.attempts
		from := m.setStateLocked(StateFailed)
		m.mu.Unlock()

		m.logger.Error("giving up on reconnect", perrors.ErrAttemptsExhausted, map[string]any{"attempts": attempts})
		m.emit(from, StateFailed)
		return
	}
	m.attempts++
	attempt := m.attempts
	gen := m.generation
	delay := m.cfg.Backoff.Delay(attempt)
	m.reconnectPending = true
	m.reconnectTimer = time.AfterFunc(delay, func() { m.fireReconnect(gen) })
	from := m.setStateLocked(StateReconnecting)
	m.mu.Unlock()

	m.metrics.SetReconnectAttempts(attempt)
	m.logger.Info("scheduling reconnect", map[string]any{
		"attempt":  attempt,
		"max":      m.cfg.MaxReconnectAttempts,
		"delay_ms": delay.Milliseconds(),
	})
	m.emit(from, StateReconnecting)
}

func (m *ConnectionManager) fireReconnect(gen uint64) {
	m.mu.Lock()
	if m.destroyed || m.generation != gen || !m.reconnectPending {
		m.mu.Unlock()
		return
	}
	m.reconnectPending = false
	m.reconnectTimer = nil
	m.mu.Unlock()

	// Errors are logged and rescheduled inside Connect.
	_ = m.Connect(m.lifecycle)
}

func (m *ConnectionManager) clearReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.reconnectPending = false
}

func (m *ConnectionManager) setStateLocked(to ConnectionState) ConnectionState {
	from := m.state
	m.state = to
	return from
}

func (m *ConnectionManager) stale(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed || m.generation != gen
}

func (m *ConnectionManager) emit(from, to ConnectionState) {
	if from == to {
		return
	}
	m.metrics.StateChanged(from, to)
	m.logger.Debug("state changed", map[string]any{"from": from.String(), "to": to.String()})
	if m.onStateChange != nil {
		m.onStateChange(from, to)
	}

	switch to {
	case StateConnected:
		m.toast(notify.Toast{Level: notify.LevelSuccess, Title: "Connected", Message: "Realtime connection established."})
	case StateReconnecting:
		m.toast(notify.Toast{
			Level:   notify.LevelInfo,
			Title:   "Reconnecting",
			Message: fmt.Sprintf("Attempt %d of %d.", m.Attempts(), m.MaxAttempts()),
		})
	case StateFailed:
		m.toast(notify.Toast{
			Level:   notify.LevelError,
			Title:   "Connection failed",
			Message: fmt.Sprintf("Gave up after %d attempts. Reconnect manually to try again.", m.MaxAttempts()),
			Error:   perrors.ErrAttemptsExhausted,
		})
	case StateError:
		m.toast(notify.Toast{Level: notify.LevelWarning, Title: "Connection error", Message: "The connection attempt failed.", Error: m.metrics.GetMetrics().LastError})
	}
}

func (m *ConnectionManager) toast(t notify.Toast) {
	if err := m.notifier.Notify(m.lifecycle, t); err != nil {
		m.logger.Debug("toast not delivered", map[string]any{"error": err.Error()})
	}
}

func (m *ConnectionManager) write(conn *websocket.Conn, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (m *ConnectionManager) closeGracefully(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

// heartbeatSocket binds the heartbeat to one specific socket so a stale loop
// can never ping a replacement connection.
type heartbeatSocket struct {
	m    *ConnectionManager
	conn *websocket.Conn
}

func (s *heartbeatSocket) IsOpen() bool {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.m.conn == s.conn && s.m.state == StateConnected
}

func (s *heartbeatSocket) Ping() error {
	return s.m.write(s.conn, pingFrame)
}
