// Package status serves the chatlink daemon's health endpoints, metrics and a small
// control API over the realtime connection and message queue.
package status

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/p-blackswan/chatlink/internal/health"
	"github.com/p-blackswan/chatlink/internal/logging"
	"github.com/p-blackswan/chatlink/internal/metrics"
	"github.com/p-blackswan/chatlink/internal/queue"
	"github.com/p-blackswan/chatlink/internal/realtime"
	"github.com/p-blackswan/chatlink/internal/requestid"
	"github.com/p-blackswan/chatlink/internal/store"
)

// Connection is the view of a ConnectionManager the API needs.
type Connection interface {
	Name() string
	State() realtime.ConnectionState
	Attempts() int
	MaxAttempts() int
	Metrics() realtime.ConnectionMetrics
	Reconnect(ctx context.Context) error
}

// MessageQueue is the view of a queue the API needs.
type MessageQueue interface {
	Enqueue(message json.RawMessage, opts queue.Options) (string, error)
	Snapshot() []queue.QueuedMessage
	Len() int
	Processing() bool
	Delivered(id string) bool
}

// DeadLetterStore is the view of the dead letter store the API needs.
type DeadLetterStore interface {
	ListDeadLetters(ctx context.Context, limit int, includeResolved bool) ([]*store.DeadLetter, error)
	GetDeadLetter(ctx context.Context, id string) (*store.DeadLetter, error)
	ResolveDeadLetter(ctx context.Context, id string) error
}

// Config holds status server settings.
type Config struct {
	ListenAddr  string
	CORSOrigins string
	Version     string
}

// Server is the status API Fiber application.
type Server struct {
	app     *fiber.App
	cfg     Config
	conn    Connection
	queue   MessageQueue
	dead    DeadLetterStore
	checker *health.Checker
	metrics *metrics.Metrics
	logs    *logging.Logger
	logger  *logging.Logger
}

// NewServer creates and configures the status server. queue and m may be nil.
func NewServer(cfg Config, conn Connection, q MessageQueue, checker *health.Checker, m *metrics.Metrics, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	if checker == nil {
		checker = health.NewChecker(logger)
	}

	s := &Server{
		cfg:     cfg,
		conn:    conn,
		queue:   q,
		checker: checker,
		metrics: m,
		logs:    logger,
		logger:  logger.With("status_server"),
	}
	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.app.Use(recover.New(recover.Config{EnableStackTrace: true}))

	s.app.Use(func(c *fiber.Ctx) error {
		ctx, reqID := requestid.Accept(c.UserContext(), c.Get(requestid.Header))
		c.SetUserContext(ctx)
		c.Set(requestid.Header, reqID)
		return c.Next()
	})

	if s.cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: s.cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, X-Request-ID",
			AllowMethods: "GET, POST, OPTIONS",
		}))
	}

	s.app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		if path == "/healthz" || path == "/readyz" || path == "/metrics" {
			return c.Next()
		}
		s.logger.Debug("status api request", requestid.Fields(c.UserContext(), map[string]any{
			"method": c.Method(),
			"path":   path,
		}))
		return c.Next()
	})
}

func (s *Server) setupRoutes() {
	s.app.Get("/healthz", s.liveness)
	s.app.Get("/readyz", s.readiness)

	if s.metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))
	} else {
		s.app.Get("/metrics", func(c *fiber.Ctx) error {
			return c.SendString("# No metrics collector configured\n")
		})
	}

	v1 := s.app.Group("/api/v1")
	v1.Get("/health", s.lastHealth)
	v1.Get("/connection", s.connection)
	v1.Post("/reconnect", s.reconnect)
	v1.Get("/logs", s.listLogs)
	v1.Post("/messages", s.enqueueMessage)
	v1.Get("/messages/:id", s.messageStatus)
	v1.Get("/queue", s.listQueue)
	v1.Get("/deadletters", s.listDeadLetters)
	v1.Post("/deadletters/:id/replay", s.replayDeadLetter)
	v1.Post("/deadletters/:id/resolve", s.resolveDeadLetter)
}

// UseDeadLetters enables the dead letter endpoints.
func (s *Server) UseDeadLetters(d DeadLetterStore) {
	s.dead = d
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.cfg.ListenAddr
	if addr == "" {
		addr = ":8091"
	}
	s.logger.Info("status server starting", map[string]any{"addr": addr})
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info("status server shutting down", nil)
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}

	s.logger.Error("unhandled error", err, requestid.Fields(c.UserContext(), map[string]any{
		"status": code,
		"path":   c.Path(),
		"method": c.Method(),
	}))

	detail := err.Error()
	if code == fiber.StatusInternalServerError {
		detail = "An internal error occurred"
	}
	return c.Status(code).JSON(ProblemDetail{
		Type:     "internal_error",
		Title:    "Internal Server Error",
		Status:   code,
		Detail:   detail,
		Instance: c.Path(),
	})
}
