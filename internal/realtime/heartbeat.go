package realtime

import (
	"sync"
	"time"

	"github.com/p-blackswan/chatlink/internal/logging"
)

// Socket is the view of a connection the heartbeat needs.
type Socket interface {
	IsOpen() bool
	Ping() error
}

// HeartbeatConfig controls ping cadence. A zero Interval disables the
// heartbeat; a zero PongTimeout disables timeout detection.
type HeartbeatConfig struct {
	Interval    time.Duration
	PongTimeout time.Duration
}

// HeartbeatManager sends periodic pings while a socket is open and reports
// when the peer stops answering.
type HeartbeatManager struct {
	cfg    HeartbeatConfig
	logger *logging.Logger
	now    func() time.Time

	mu           sync.Mutex
	stop         chan struct{}
	awaiting     bool
	pendingSince time.Time
	lastPing     time.Time
	lastPong     time.Time
}

func NewHeartbeatManager(cfg HeartbeatConfig, logger *logging.Logger) *HeartbeatManager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &HeartbeatManager{cfg: cfg, logger: logger.With("heartbeat"), now: time.Now}
}

// Setup starts pinging sock, replacing any previous loop. onHeartbeat runs
// after every successful ping. onTimeout runs at most once per Setup, when no
// pong has arrived within PongTimeout of the oldest unanswered ping.
func (h *HeartbeatManager) Setup(sock Socket, onHeartbeat func(time.Time), onTimeout func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stopLocked()
	h.awaiting = false
	h.pendingSince = time.Time{}
	h.lastPing = time.Time{}

	if h.cfg.Interval <= 0 {
		return
	}
	stop := make(chan struct{})
	h.stop = stop
	go h.run(stop, sock, onHeartbeat, onTimeout)
}

// MarkPong records a pong and returns the round trip since the last ping.
func (h *HeartbeatManager) MarkPong() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	h.awaiting = false
	h.lastPong = now
	if h.lastPing.IsZero() {
		return 0
	}
	return now.Sub(h.lastPing)
}

// Destroy stops the loop. Safe to call repeatedly and from callbacks.
func (h *HeartbeatManager) Destroy() {
	h.mu.Lock()
	h.stopLocked()
	h.mu.Unlock()
}

// Running reports whether a loop is active.
func (h *HeartbeatManager) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stop != nil
}

func (h *HeartbeatManager) stopLocked() {
	if h.stop != nil {
		close(h.stop)
		h.stop = nil
	}
}

func (h *HeartbeatManager) run(stop chan struct{}, sock Socket, onHeartbeat func(time.Time), onTimeout func()) {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !h.tick(stop, sock, onHeartbeat, onTimeout) {
				return
			}
		}
	}
}

func (h *HeartbeatManager) tick(stop chan struct{}, sock Socket, onHeartbeat func(time.Time), onTimeout func()) bool {
	h.mu.Lock()
	if h.stop != stop {
		h.mu.Unlock()
		return false
	}
	now := h.now()
	if h.cfg.PongTimeout > 0 && h.awaiting && now.Sub(h.pendingSince) >= h.cfg.PongTimeout {
		since := h.pendingSince
		h.stopLocked()
		h.mu.Unlock()

		h.logger.Warn("pong timeout, closing socket", map[string]any{
			"unanswered_for_ms": now.Sub(since).Milliseconds(),
		})
		if onTimeout != nil {
			onTimeout()
		}
		return false
	}
	h.mu.Unlock()

	if !sock.IsOpen() {
		return true
	}

	h.mu.Lock()
	if !h.awaiting {
		h.awaiting = true
		h.pendingSince = now
	}
	h.lastPing = now
	h.mu.Unlock()

	if err := sock.Ping(); err != nil {
		h.logger.Warn("ping failed", map[string]any{"error": err.Error()})
		return true
	}
	if onHeartbeat != nil {
		onHeartbeat(now)
	}
	return true
}
