package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/p-blackswan/chatlink/internal/realtime"
)

func TestChecker_AllHealthy(t *testing.T) {
	c := NewChecker(nil)
	c.Register("websocket", func(ctx context.Context) Status { return StatusOK })
	c.Register("queue", func(ctx context.Context) Status { return StatusOK })

	report := c.RunAll(context.Background())
	assert.Equal(t, StatusOK, report.Status)
	assert.True(t, c.IsReady(context.Background()))
}

func TestChecker_OneDown(t *testing.T) {
	c := NewChecker(nil)
	c.Register("websocket", func(ctx context.Context) Status { return StatusOK })
	c.Register("queue", func(ctx context.Context) Status { return StatusDown })

	assert.False(t, c.IsReady(context.Background()))
	assert.Equal(t, StatusDown, c.Cached()["queue"])
}

func TestChecker_Degraded_StillReady(t *testing.T) {
	c := NewChecker(nil)
	c.Register("websocket", func(ctx context.Context) Status { return StatusDegraded })

	report := c.RunAll(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.True(t, report.Ready())
}

func TestChecker_NoChecks(t *testing.T) {
	c := NewChecker(nil)
	assert.True(t, c.IsReady(context.Background()))
	assert.Empty(t, c.Cached())
}

type fixedState realtime.ConnectionState

func (s fixedState) State() realtime.ConnectionState { return realtime.ConnectionState(s) }

func TestWebSocketCheck(t *testing.T) {
	cases := map[realtime.ConnectionState]Status{
		realtime.StateConnected:    StatusOK,
		realtime.StateConnecting:   StatusDegraded,
		realtime.StateReconnecting: StatusDegraded,
		realtime.StateInitial:      StatusDegraded,
		realtime.StateDisconnected: StatusDown,
		realtime.StateError:        StatusDown,
		realtime.StateFailed:       StatusDown,
	}
	for state, want := range cases {
		assert.Equal(t, want, WebSocketCheck(fixedState(state))(context.Background()), state.String())
	}
}

type fixedLen int

func (n fixedLen) Len() int { return int(n) }

func TestQueueCheck(t *testing.T) {
	assert.Equal(t, StatusOK, QueueCheck(fixedLen(3), 10)(context.Background()))
	assert.Equal(t, StatusDegraded, QueueCheck(fixedLen(8), 10)(context.Background()))
	assert.Equal(t, StatusDown, QueueCheck(fixedLen(10), 10)(context.Background()))
	assert.Equal(t, StatusOK, QueueCheck(fixedLen(10), 0)(context.Background()))
}

type fixedCount struct {
	n   int
	err error
}

func (f fixedCount) CountUnresolved(context.Context) (int, error) { return f.n, f.err }

func TestDeadLetterCheck(t *testing.T) {
	assert.Equal(t, StatusOK, DeadLetterCheck(fixedCount{})(context.Background()))
	assert.Equal(t, StatusDegraded, DeadLetterCheck(fixedCount{n: 2})(context.Background()))
	assert.Equal(t, StatusDown, DeadLetterCheck(fixedCount{err: errors.New("db closed")})(context.Background()))
}
