package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/p-blackswan/chatlink/internal/logging"
)

// Recorder receives every metrics mutation, typically to mirror it into
// Prometheus. Implementations must be safe for concurrent use.
type Recorder interface {
	MessageSent()
	MessageReceived()
	ReconnectAttempts(n int)
	StateChanged(from, to string)
	Heartbeat()
	Latency(d time.Duration)
	Error(kind string)
}

// ConnectionMetrics is a point-in-time view of one connection.
type ConnectionMetrics struct {
	LastConnected     *time.Time    `json:"last_connected"`
	ReconnectAttempts int           `json:"reconnect_attempts"`
	LastError         error         `json:"-"`
	MessagesSent      int           `json:"messages_sent"`
	MessagesReceived  int           `json:"messages_received"`
	LastHeartbeat     *time.Time    `json:"last_heartbeat"`
	Latency           time.Duration `json:"latency_ns"`
	Uptime            time.Duration `json:"uptime_ns"`
}

// MarshalJSON renders LastError as a string.
func (m ConnectionMetrics) MarshalJSON() ([]byte, error) {
	type alias ConnectionMetrics
	var lastErr *string
	if m.LastError != nil {
		s := m.LastError.Error()
		lastErr = &s
	}
	return json.Marshal(struct {
		alias
		LastError *string `json:"last_error"`
	}{alias: alias(m), LastError: lastErr})
}

// MetricsUpdate is a partial update; nil fields are left untouched.
type MetricsUpdate struct {
	LastConnected     *time.Time
	ReconnectAttempts *int
	LastError         error
	LastHeartbeat     *time.Time
	Latency           *time.Duration
}

// MetricsTracker accumulates counters for one connection. Counters only grow
// for the tracker's lifetime; they are not reset on reconnect.
type MetricsTracker struct {
	mu        sync.Mutex
	m         ConnectionMetrics
	connected bool
	rec       Recorder
	logger    *logging.Logger
	now       func() time.Time
}

// NewMetricsTracker creates a tracker. rec may be nil.
func NewMetricsTracker(rec Recorder, logger *logging.Logger) *MetricsTracker {
	if logger == nil {
		logger = logging.Nop()
	}
	return &MetricsTracker{
		rec:    rec,
		logger: logger.With("metrics"),
		now:    time.Now,
	}
}

// UpdateMetrics shallow-merges the non-nil fields of u.
func (t *MetricsTracker) UpdateMetrics(u MetricsUpdate) {
	t.mu.Lock()
	if u.LastConnected != nil {
		ts := *u.LastConnected
		t.m.LastConnected = &ts
	}
	if u.ReconnectAttempts != nil {
		t.m.ReconnectAttempts = *u.ReconnectAttempts
	}
	if u.LastError != nil {
		t.m.LastError = u.LastError
	}
	if u.LastHeartbeat != nil {
		ts := *u.LastHeartbeat
		t.m.LastHeartbeat = &ts
	}
	if u.Latency != nil {
		t.m.Latency = *u.Latency
	}
	t.mu.Unlock()

	if t.rec != nil {
		if u.ReconnectAttempts != nil {
			t.rec.ReconnectAttempts(*u.ReconnectAttempts)
		}
		if u.Latency != nil {
			t.rec.Latency(*u.Latency)
		}
	}
}

// GetMetrics returns a copy with Uptime recomputed at read time.
func (t *MetricsTracker) GetMetrics() ConnectionMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.m
	if t.connected && t.m.LastConnected != nil {
		out.Uptime = t.now().Sub(*t.m.LastConnected)
	} else {
		out.Uptime = 0
	}
	if t.m.LastConnected != nil {
		ts := *t.m.LastConnected
		out.LastConnected = &ts
	}
	if t.m.LastHeartbeat != nil {
		ts := *t.m.LastHeartbeat
		out.LastHeartbeat = &ts
	}
	return out
}

func (t *MetricsTracker) IncrementMessagesSent() {
	t.mu.Lock()
	t.m.MessagesSent++
	t.mu.Unlock()
	if t.rec != nil {
		t.rec.MessageSent()
	}
}

func (t *MetricsTracker) IncrementMessagesReceived() {
	t.mu.Lock()
	t.m.MessagesReceived++
	t.mu.Unlock()
	if t.rec != nil {
		t.rec.MessageReceived()
	}
}

// SetConnected marks the connection up (recording at as LastConnected) or down.
func (t *MetricsTracker) SetConnected(connected bool, at time.Time) {
	t.mu.Lock()
	t.connected = connected
	if connected {
		ts := at
		t.m.LastConnected = &ts
	}
	t.mu.Unlock()
}

func (t *MetricsTracker) SetReconnectAttempts(n int) {
	t.UpdateMetrics(MetricsUpdate{ReconnectAttempts: &n})
}

// RecordError stores err as LastError and counts it under kind.
func (t *MetricsTracker) RecordError(kind string, err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	t.m.LastError = err
	t.mu.Unlock()
	t.logger.Debug("error recorded", map[string]any{"kind": kind, "error": err.Error()})
	if t.rec != nil {
		t.rec.Error(kind)
	}
}

func (t *MetricsTracker) RecordHeartbeat(at time.Time) {
	t.UpdateMetrics(MetricsUpdate{LastHeartbeat: &at})
	if t.rec != nil {
		t.rec.Heartbeat()
	}
}

func (t *MetricsTracker) RecordLatency(d time.Duration) {
	t.UpdateMetrics(MetricsUpdate{Latency: &d})
}

// StateChanged forwards a state transition to the recorder.
func (t *MetricsTracker) StateChanged(from, to ConnectionState) {
	if t.rec != nil {
		t.rec.StateChanged(from.String(), to.String())
	}
}
