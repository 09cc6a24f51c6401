// Package logging wraps zerolog with an in-memory ring buffer of recent
// entries and redaction of sensitive fields.
//
// A Logger is constructed once by the caller and passed down; child loggers
// created with With share the same buffer.
package logging

import (
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultMaxEntries is the ring buffer capacity used when none is given.
const DefaultMaxEntries = 1000

// Redacted replaces the value of sensitive keys.
const Redacted = "[REDACTED]"

var sensitiveKeys = map[string]struct{}{
	"accesstoken":   {},
	"access_token":  {},
	"apikey":        {},
	"api_key":       {},
	"token":         {},
	"password":      {},
	"authorization": {},
	"refresh_token": {},
	"refreshtoken":  {},
}

// Entry is one recorded log line.
type Entry struct {
	Level     zerolog.Level  `json:"level"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type ring struct {
	mu      sync.Mutex
	entries []Entry
	max     int
}

func (r *ring) add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	if len(r.entries) > r.max {
		keep := r.max / 2
		trimmed := make([]Entry, keep, r.max)
		copy(trimmed, r.entries[len(r.entries)-keep:])
		r.entries = trimmed
	}
}

func (r *ring) snapshot(min zerolog.Level) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Level >= min {
			out = append(out, e)
		}
	}
	return out
}

// Logger records leveled entries to zerolog and to a shared ring buffer.
type Logger struct {
	zl        zerolog.Logger
	component string
	buf       *ring
	now       func() time.Time
}

// New creates a Logger writing through zl and keeping up to maxEntries entries.
func New(zl zerolog.Logger, maxEntries int) *Logger {
	if maxEntries < 2 {
		maxEntries = DefaultMaxEntries
	}
	return &Logger{
		zl:  zl,
		buf: &ring{max: maxEntries, entries: make([]Entry, 0, 64)},
		now: time.Now,
	}
}

// Nop returns a Logger that discards console output but still buffers entries.
func Nop() *Logger {
	return New(zerolog.New(io.Discard), DefaultMaxEntries)
}

// With returns a child logger tagged with component. The buffer is shared.
func (l *Logger) With(component string) *Logger {
	return &Logger{
		zl:        l.zl.With().Str("component", component).Logger(),
		component: component,
		buf:       l.buf,
		now:       l.now,
	}
}

// Zerolog exposes the underlying zerolog logger for libraries that take one.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zl
}

func (l *Logger) Debug(msg string, data map[string]any) {
	l.log(zerolog.DebugLevel, msg, nil, data)
}

func (l *Logger) Info(msg string, data map[string]any) {
	l.log(zerolog.InfoLevel, msg, nil, data)
}

func (l *Logger) Warn(msg string, data map[string]any) {
	l.log(zerolog.WarnLevel, msg, nil, data)
}

func (l *Logger) Error(msg string, err error, data map[string]any) {
	l.log(zerolog.ErrorLevel, msg, err, data)
}

func (l *Logger) log(level zerolog.Level, msg string, err error, data map[string]any) {
	if level < l.zl.GetLevel() || level < zerolog.GlobalLevel() {
		return
	}
	clean := Sanitize(data)
	if err != nil {
		if clean == nil {
			clean = make(map[string]any, 1)
		}
		clean["error"] = err.Error()
	}

	ev := l.zl.WithLevel(level)
	if len(clean) > 0 {
		ev = ev.Fields(clean)
	}
	ev.Msg(msg)

	l.buf.add(Entry{
		Level:     level,
		Component: l.component,
		Message:   msg,
		Data:      clean,
		Timestamp: l.now(),
	})
}

// Entries returns a copy of all buffered entries, oldest first.
func (l *Logger) Entries() []Entry {
	return l.buf.snapshot(zerolog.TraceLevel)
}

// Filter returns buffered entries at or above level.
func (l *Logger) Filter(level zerolog.Level) []Entry {
	return l.buf.snapshot(level)
}

// Clear drops every buffered entry.
func (l *Logger) Clear() {
	l.buf.mu.Lock()
	l.buf.entries = l.buf.entries[:0]
	l.buf.mu.Unlock()
}

// Sanitize returns a copy of data with sensitive keys redacted, descending
// into nested maps and slices. A nil map stays nil.
func Sanitize(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if IsSensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return Sanitize(val)
	case map[string]string:
		nested := make(map[string]any, len(val))
		for nk, nv := range val {
			nested[nk] = nv
		}
		return Sanitize(nested)
	case []any:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = sanitizeValue(item)
		}
		return items
	case []map[string]any:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = Sanitize(item)
		}
		return items
	case []map[string]string:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = sanitizeValue(item)
		}
		return items
	case []string:
		items := make([]string, len(val))
		for i, item := range val {
			items[i] = sanitizeValue(item).(string)
		}
		return items
	case string:
		if strings.Contains(val, "access_token=") {
			return RedactURL(val)
		}
		return val
	default:
		return v
	}
}

// IsSensitiveKey reports whether values stored under key must be redacted.
func IsSensitiveKey(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(key)]
	return ok
}

// RedactURL masks sensitive query parameters in raw. Unparseable input is
// returned fully redacted.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return Redacted
	}
	q := u.Query()
	changed := false
	for k := range q {
		if IsSensitiveKey(k) {
			q.Set(k, Redacted)
			changed = true
		}
	}
	if !changed {
		return raw
	}
	u.RawQuery = q.Encode()
	return u.String()
}
