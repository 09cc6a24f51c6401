package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/p-blackswan/chatlink/internal/auth"
	"github.com/p-blackswan/chatlink/internal/config"
	"github.com/p-blackswan/chatlink/internal/health"
	"github.com/p-blackswan/chatlink/internal/logging"
	"github.com/p-blackswan/chatlink/internal/metrics"
	"github.com/p-blackswan/chatlink/internal/notify"
	"github.com/p-blackswan/chatlink/internal/queue"
	"github.com/p-blackswan/chatlink/internal/realtime"
	"github.com/p-blackswan/chatlink/internal/status"
	"github.com/p-blackswan/chatlink/internal/store"
	"github.com/p-blackswan/chatlink/pkg/sessionstore"
)

func buildRunCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect and relay chat messages until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFile(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return runDaemon(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("CHATLINK_CONFIG"), "Path to YAML config file")
	return cmd
}

func newLogger(cfg *config.Config) *logging.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zl := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if cfg.IsDevelopment() {
		zl = zl.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	return logging.New(zl, cfg.LogMaxEntries)
}

func newTokenSource(cfg *config.Config, sessions sessionstore.Store) auth.TokenSource {
	if cfg.AccessToken != "" {
		return auth.NewStaticSource(cfg.AccessToken)
	}
	return auth.NewStoreSource(sessions)
}

func realtimeConfig(cfg *config.Config) (realtime.Config, error) {
	policy, err := cfg.BackoffPolicy()
	if err != nil {
		return realtime.Config{}, err
	}
	return realtime.Config{
		URL:                  cfg.WebSocketURL,
		ProjectID:            cfg.ProjectID,
		SessionID:            cfg.SessionID,
		MaxReconnectAttempts: zeroMeans(cfg.MaxReconnectAttempts, realtime.NoReconnect),
		Backoff:              policy,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		PongTimeout:          cfg.PongTimeout,
		DialTimeout:          cfg.DialTimeout,
	}, nil
}

// queueConfig maps the queue settings onto queue.Config.
func queueConfig(cfg *config.Config) queue.Config {
	qcfg := queue.DefaultConfig()
	qcfg.MaxSize = cfg.QueueSize
	qcfg.DefaultMaxRetries = zeroMeans(cfg.QueueMaxRetries, queue.NoRetries)
	qcfg.DefaultTimeout = cfg.QueueTimeout
	return qcfg
}

// zeroMeans translates an operator's explicit 0 into the sentinel a
// constructor expects, since constructors read 0 as "use the default".
func zeroMeans(n, sentinel int) int {
	if n == 0 {
		return sentinel
	}
	return n
}

func runDaemon(parent context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	logger := newLogger(cfg)
	zl := logger.Zerolog()

	zl.Info().
		Str("environment", cfg.Environment).
		Str("url", logging.RedactURL(cfg.WebSocketURL)).
		Str("status_addr", cfg.StatusAddr).
		Str("version", version).
		Msg("starting chatlink")

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	collector := metrics.New()
	sessions := sessionstore.NewMemoryStore()
	toasts := notify.NewChannelNotifier(64)
	notifier := notify.NewMultiNotifier(notify.NewLogNotifier(zl), toasts)

	rtCfg, err := realtimeConfig(cfg)
	if err != nil {
		return err
	}

	var printMu sync.Mutex
	var q *queue.Queue
	conn := realtime.NewConnectionManager(rtCfg, newTokenSource(cfg, sessions), logger,
		realtime.WithNotifier(notifier),
		realtime.WithRecorder(collector.ForConnection("widget")),
		realtime.OnMessage(func(msg json.RawMessage) {
			printMu.Lock()
			defer printMu.Unlock()
			fmt.Fprintln(out, string(msg))
		}),
		realtime.OnStateChange(func(_, to realtime.ConnectionState) {
			if to == realtime.StateConnected && q != nil {
				q.Kick()
			}
		}),
	)

	var dead *store.Store
	if cfg.DeadLettersEnabled() {
		dead, err = store.New(cfg.DeadLetterPath, logger)
		if err != nil {
			return fmt.Errorf("open dead letter store: %w", err)
		}
		defer dead.Close()
		if _, err := dead.PurgeResolved(ctx, cfg.DeadLetterRetention); err != nil {
			zl.Warn().Err(err).Msg("dead letter retention failed")
		}
	}

	q, err = queue.New(queueConfig(cfg), queue.NewTransportSender(conn), logger,
		queue.WithRecorder(collector),
		queue.OnDrop(func(m queue.QueuedMessage, err error) {
			if dead != nil {
				if serr := dead.SaveDeadLetter(context.Background(), store.FromQueued(m, err)); serr != nil {
					zl.Error().Err(serr).Str("message_id", m.ID).Msg("failed to save dead letter")
				}
			}
			_ = notifier.Notify(ctx, notify.Toast{
				Level:   notify.LevelError,
				Title:   "Message not delivered",
				Message: fmt.Sprintf("Gave up on message %s after %d attempts.", m.ID, m.Attempts),
				Error:   err,
			})
		}),
	)
	if err != nil {
		return err
	}

	checker := health.NewChecker(logger)
	checker.Register("websocket", health.WebSocketCheck(conn))
	checker.Register("queue", health.QueueCheck(q, cfg.QueueSize))
	if dead != nil {
		checker.Register("deadletters", health.DeadLetterCheck(dead))
	}

	var wg sync.WaitGroup

	var statusServer *status.Server
	if cfg.StatusEnabled() {
		statusServer = status.NewServer(status.Config{
			ListenAddr: cfg.StatusAddr,
			Version:    version,
		}, conn, q, checker, collector, logger)
		if dead != nil {
			statusServer.UseDeadLetters(dead)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := statusServer.Start(); err != nil {
				zl.Error().Err(err).Msg("status server error")
			}
		}()
	}

	q.Start(ctx)

	if err := conn.Connect(ctx); err != nil {
		// The manager keeps retrying in the background.
		zl.Warn().Err(err).Msg("initial connect failed")
	}

	console := &console{conn: conn, queue: q, store: sessions, checker: checker, sessionID: cfg.SessionID, out: out, mu: &printMu}
	go console.showToasts(ctx, toasts.C())
	inputDone := make(chan struct{})
	go func() {
		defer close(inputDone)
		console.run(ctx, in)
	}()

	select {
	case sig := <-sigCh:
		zl.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
	case <-inputDone:
		zl.Info().Msg("input closed, shutting down")
	case <-ctx.Done():
	}

	cancel()
	q.Stop()
	conn.Destroy()

	if statusServer != nil {
		if err := statusServer.Shutdown(); err != nil {
			zl.Error().Err(err).Msg("status server shutdown error")
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		zl.Warn().Msg("forced shutdown after timeout")
	}

	if n := q.Len(); n > 0 {
		zl.Warn().Int("undelivered", n).Msg("messages left in queue")
	}
	zl.Info().Msg("chatlink stopped")
	return nil
}

// console turns stdin lines into chat messages and a few slash commands.
type console struct {
	conn      *realtime.ConnectionManager
	queue     *queue.Queue
	store     sessionstore.Store
	checker   *health.Checker
	sessionID string
	out       io.Writer
	mu        *sync.Mutex
}

// chatMessage is the outbound frame for a typed line.
type chatMessage struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	SessionID string `json:"session_id,omitempty"`
}

var errQuit = errors.New("quit")

func (c *console) run(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if err := c.handle(ctx, scanner.Text()); err != nil {
			if errors.Is(err, errQuit) {
				return
			}
			c.printf("error: %v\n", err)
		}
	}
}

func (c *console) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := c.queue.EnqueueJSON(chatMessage{Type: "chat", Content: line, SessionID: c.sessionID}, queue.Options{})
		return err
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return errQuit
	case "/reconnect":
		return c.conn.Reconnect(ctx)
	case "/status":
		view := map[string]any{
			"state":   c.conn.State(),
			"metrics": c.conn.Metrics(),
			"queued":  c.queue.Len(),
		}
		if c.checker != nil {
			view["ready"] = c.checker.IsReady(ctx)
		}
		data, err := json.Marshal(view)
		if err != nil {
			return err
		}
		c.printf("%s\n", data)
		return nil
	case "/token":
		if len(fields) != 2 {
			return fmt.Errorf("usage: /token <jwt>")
		}
		if err := auth.ValidateToken(fields[1], time.Now()); err != nil {
			return err
		}
		if _, err := c.store.Cleanup(ctx); err != nil {
			return err
		}
		if err := c.store.Put(ctx, sessionstore.Session{
			ID:          c.sessionIDOrDefault(),
			UserID:      auth.Subject(fields[1]),
			AccessToken: fields[1],
		}); err != nil {
			return err
		}
		return c.conn.Reconnect(ctx)
	case "/logout":
		if err := c.store.Delete(ctx, c.sessionIDOrDefault()); err != nil {
			return err
		}
		c.conn.Destroy()
		return errQuit
	default:
		return fmt.Errorf("unknown command %s", fields[0])
	}
}

// showToasts prints toasts until ctx is done.
func (c *console) showToasts(ctx context.Context, toasts <-chan notify.Toast) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-toasts:
			if t.Message != "" {
				c.printf("* [%s] %s: %s\n", t.Level, t.Title, t.Message)
			} else {
				c.printf("* [%s] %s\n", t.Level, t.Title)
			}
		}
	}
}

func (c *console) sessionIDOrDefault() string {
	if c.sessionID != "" {
		return c.sessionID
	}
	return "cli"
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
