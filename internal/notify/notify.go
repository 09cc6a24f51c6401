// Package notify delivers user-facing toast notifications about connection
// lifecycle events. The widget UI subscribes through ChannelNotifier; the
// daemon logs them.
package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// Level describes how a toast is rendered.
type Level string

const (
	LevelSuccess Level = "success"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Toast is a single user-facing notification.
type Toast struct {
	Level   Level  `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message,omitempty"`
	Error   error  `json:"-"`
}

// Notifier shows toasts.
type Notifier interface {
	Notify(ctx context.Context, t Toast) error
}

// MultiNotifier fans out to multiple notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(ns ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: ns}
}

func (m *MultiNotifier) Notify(ctx context.Context, t Toast) error {
	var lastErr error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, t); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// LogNotifier logs toasts (useful for the daemon and for tests).
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

func (l *LogNotifier) Notify(_ context.Context, t Toast) error {
	ev := l.logger.WithLevel(zerologLevel(t.Level)).
		Str("toast_level", string(t.Level)).
		Str("title", t.Title)
	if t.Message != "" {
		ev = ev.Str("message", t.Message)
	}
	if t.Error != nil {
		ev = ev.Err(t.Error)
	}
	ev.Msg("toast")
	return nil
}

// ChannelNotifier publishes toasts on a buffered channel. When the buffer is
// full the toast is dropped rather than blocking the transport.
type ChannelNotifier struct {
	ch chan Toast
}

// NewChannelNotifier creates a notifier with the given buffer size.
func NewChannelNotifier(size int) *ChannelNotifier {
	if size < 1 {
		size = 16
	}
	return &ChannelNotifier{ch: make(chan Toast, size)}
}

// C returns the receive side of the toast channel.
func (c *ChannelNotifier) C() <-chan Toast {
	return c.ch
}

func (c *ChannelNotifier) Notify(_ context.Context, t Toast) error {
	select {
	case c.ch <- t:
	default:
	}
	return nil
}

// Nop discards every toast.
type Nop struct{}

func (Nop) Notify(context.Context, Toast) error { return nil }

func zerologLevel(l Level) zerolog.Level {
	switch l {
	case LevelError:
		return zerolog.ErrorLevel
	case LevelWarning:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}
