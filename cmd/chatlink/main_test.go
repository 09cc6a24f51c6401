package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/chatlink/internal/auth"
	"github.com/p-blackswan/chatlink/internal/config"
	"github.com/p-blackswan/chatlink/internal/health"
	"github.com/p-blackswan/chatlink/internal/notify"
	"github.com/p-blackswan/chatlink/internal/queue"
	"github.com/p-blackswan/chatlink/internal/realtime"
	"github.com/p-blackswan/chatlink/internal/retry"
	"github.com/p-blackswan/chatlink/pkg/sessionstore"
)

func TestBuildRootCmd_Subcommands(t *testing.T) {
	root := buildRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["run"])
	assert.True(t, names["version"])
}

func TestVersionCmd(t *testing.T) {
	root := buildRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "dev (commit: none")
}

func TestRealtimeConfig(t *testing.T) {
	cfg := &config.Config{
		WebSocketURL:         "wss://chat.example.com/ws",
		ProjectID:            "p",
		SessionID:            "s",
		ReconnectStrategy:    "exponential",
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    10 * time.Second,
		MaxReconnectAttempts: 4,
		HeartbeatInterval:    15 * time.Second,
		PongTimeout:          45 * time.Second,
		DialTimeout:          3 * time.Second,
	}
	rc, err := realtimeConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "wss://chat.example.com/ws", rc.URL)
	assert.Equal(t, 4, rc.MaxReconnectAttempts)
	assert.Equal(t, retry.Exponential{Base: time.Second, Max: 10 * time.Second}, rc.Backoff)
	assert.Equal(t, 45*time.Second, rc.PongTimeout)

	cfg.ReconnectStrategy = "bogus"
	_, err = realtimeConfig(cfg)
	assert.Error(t, err)
}

func TestNewTokenSource(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	assert.IsType(t, &auth.StaticSource{}, newTokenSource(&config.Config{AccessToken: "tok"}, store))
	assert.IsType(t, &auth.StoreSource{}, newTokenSource(&config.Config{}, store))
}

func newTestConsole(t *testing.T) (*console, *bytes.Buffer) {
	t.Helper()
	conn := realtime.NewConnectionManager(realtime.Config{URL: "ws://127.0.0.1:1/ws"}, auth.NewStaticSource("tok"), nil)
	t.Cleanup(conn.Destroy)
	q, err := queue.New(queue.DefaultConfig(), queue.NewTransportSender(conn), nil)
	require.NoError(t, err)

	checker := health.NewChecker(nil)
	checker.Register("websocket", health.WebSocketCheck(conn))

	var out bytes.Buffer
	return &console{
		conn:      conn,
		queue:     q,
		store:     sessionstore.NewMemoryStore(),
		checker:   checker,
		sessionID: "sess-1",
		out:       &out,
		mu:        &sync.Mutex{},
	}, &out
}

func TestConsole_ChatLineIsQueued(t *testing.T) {
	c, _ := newTestConsole(t)
	require.NoError(t, c.handle(context.Background(), "  hello there  "))
	require.NoError(t, c.handle(context.Background(), ""))

	snap := c.queue.Snapshot()
	require.Len(t, snap, 1)
	assert.JSONEq(t, `{"type":"chat","content":"hello there","session_id":"sess-1"}`, string(snap[0].Message))
}

func TestConsole_Status(t *testing.T) {
	c, out := newTestConsole(t)
	require.NoError(t, c.handle(context.Background(), "/status"))

	var got map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &got))
	assert.Equal(t, "initial", got["state"])
	assert.Equal(t, float64(0), got["queued"])
	assert.Equal(t, true, got["ready"])

	c.conn.Destroy()
	out.Reset()
	require.NoError(t, c.handle(context.Background(), "/status"))
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &got))
	assert.Equal(t, "disconnected", got["state"])
	assert.Equal(t, false, got["ready"])
}

func TestConsole_ShowToasts(t *testing.T) {
	c, out := newTestConsole(t)
	toasts := notify.NewChannelNotifier(4)
	fan := notify.NewMultiNotifier(notify.Nop{}, toasts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.showToasts(ctx, toasts.C())
	}()

	require.NoError(t, fan.Notify(ctx, notify.Toast{Level: notify.LevelSuccess, Title: "Connected", Message: "Realtime link is up."}))
	require.NoError(t, fan.Notify(ctx, notify.Toast{Level: notify.LevelWarning, Title: "Reconnecting"}))

	assert.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return strings.Count(out.String(), "\n") == 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, "* [success] Connected: Realtime link is up.\n* [warning] Reconnecting\n", out.String())
}

func TestConsole_Commands(t *testing.T) {
	c, _ := newTestConsole(t)
	ctx := context.Background()

	assert.ErrorIs(t, c.handle(ctx, "/quit"), errQuit)
	assert.Error(t, c.handle(ctx, "/nope"))
	assert.Error(t, c.handle(ctx, "/token"))
	assert.Error(t, c.handle(ctx, "/token not-a-jwt"))
}

func TestConsole_TokenStoresSession(t *testing.T) {
	c, _ := newTestConsole(t)
	c.conn.Destroy()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-9",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)

	// Reconnect on a destroyed manager fails, but the session is stored first.
	err = c.handle(context.Background(), "/token "+token)
	assert.Error(t, err)

	sess, err := c.store.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sess.ID)
	assert.Equal(t, "user-9", sess.UserID)
	assert.Equal(t, token, sess.AccessToken)
}

func TestConsole_RunStopsOnQuit(t *testing.T) {
	c, _ := newTestConsole(t)
	c.run(context.Background(), strings.NewReader("first\n/quit\nsecond\n"))
	assert.Equal(t, 1, c.queue.Len())
}

func TestConsole_LogoutClearsSession(t *testing.T) {
	c, _ := newTestConsole(t)
	ctx := context.Background()
	require.NoError(t, c.store.Put(ctx, sessionstore.Session{ID: "sess-1", AccessToken: "tok"}))

	assert.ErrorIs(t, c.handle(ctx, "/logout"), errQuit)

	_, err := c.store.Current(ctx)
	assert.ErrorIs(t, err, sessionstore.ErrSessionNotFound)
	assert.Equal(t, realtime.StateDisconnected, c.conn.State())
}

func TestZeroSettingsDisableRetries(t *testing.T) {
	t.Setenv("CHATLINK_MAX_RECONNECT_ATTEMPTS", "0")
	t.Setenv("CHATLINK_QUEUE_MAX_RETRIES", "0")
	cfg, err := config.Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	rc, err := realtimeConfig(cfg)
	require.NoError(t, err)
	conn := realtime.NewConnectionManager(rc, auth.NewStaticSource("tok"), nil)
	t.Cleanup(conn.Destroy)
	assert.Equal(t, 0, conn.MaxAttempts())

	q, err := queue.New(queueConfig(cfg), queue.NewTransportSender(conn), nil)
	require.NoError(t, err)
	_, err = q.EnqueueJSON(map[string]string{"type": "chat"}, queue.Options{})
	require.NoError(t, err)
	require.Len(t, q.Snapshot(), 1)
	assert.Equal(t, 0, q.Snapshot()[0].Options.MaxRetries)
}

func TestExplicitSettingsPassThrough(t *testing.T) {
	t.Setenv("CHATLINK_MAX_RECONNECT_ATTEMPTS", "7")
	t.Setenv("CHATLINK_QUEUE_MAX_RETRIES", "2")
	cfg, err := config.Load()
	require.NoError(t, err)

	rc, err := realtimeConfig(cfg)
	require.NoError(t, err)
	conn := realtime.NewConnectionManager(rc, auth.NewStaticSource("tok"), nil)
	t.Cleanup(conn.Destroy)
	assert.Equal(t, 7, conn.MaxAttempts())

	q, err := queue.New(queueConfig(cfg), queue.NewTransportSender(conn), nil)
	require.NoError(t, err)
	_, err = q.EnqueueJSON(map[string]string{"type": "chat"}, queue.Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, q.Snapshot()[0].Options.MaxRetries)
}
