package notify

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingNotifier struct{ err error }

func (f failingNotifier) Notify(context.Context, Toast) error { return f.err }

func TestLogNotifier_Notify(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(zerolog.New(&buf))
	err := n.Notify(context.Background(), Toast{
		Level:   LevelError,
		Title:   "Connection failed",
		Message: "giving up after 5 attempts",
		Error:   errors.New("boom"),
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Connection failed")
	assert.Contains(t, buf.String(), `"level":"error"`)
	assert.Contains(t, buf.String(), "boom")
}

func TestMultiNotifier_AllCalled(t *testing.T) {
	a := NewChannelNotifier(1)
	b := NewChannelNotifier(1)

	multi := NewMultiNotifier(a, b)
	err := multi.Notify(context.Background(), Toast{Level: LevelInfo, Title: "Reconnecting"})
	assert.NoError(t, err)

	assert.Equal(t, "Reconnecting", (<-a.C()).Title)
	assert.Equal(t, "Reconnecting", (<-b.C()).Title)
}

func TestMultiNotifier_ReturnsLastError(t *testing.T) {
	boom := errors.New("boom")
	multi := NewMultiNotifier(Nop{}, failingNotifier{err: boom}, Nop{})
	assert.ErrorIs(t, multi.Notify(context.Background(), Toast{}), boom)
}

func TestChannelNotifier_DropsWhenFull(t *testing.T) {
	n := NewChannelNotifier(1)
	require.NoError(t, n.Notify(context.Background(), Toast{Title: "first"}))
	require.NoError(t, n.Notify(context.Background(), Toast{Title: "second"}))

	assert.Equal(t, "first", (<-n.C()).Title)
	select {
	case toast := <-n.C():
		t.Fatalf("unexpected toast %q", toast.Title)
	default:
	}
}

func TestZerologLevel(t *testing.T) {
	assert.Equal(t, zerolog.ErrorLevel, zerologLevel(LevelError))
	assert.Equal(t, zerolog.WarnLevel, zerologLevel(LevelWarning))
	assert.Equal(t, zerolog.InfoLevel, zerologLevel(LevelSuccess))
	assert.Equal(t, zerolog.InfoLevel, zerologLevel("unknown"))
}
