package status

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/chatlink/internal/errors"
	"github.com/p-blackswan/chatlink/internal/health"
	"github.com/p-blackswan/chatlink/internal/logging"
	"github.com/p-blackswan/chatlink/internal/queue"
	"github.com/p-blackswan/chatlink/internal/realtime"
	"github.com/p-blackswan/chatlink/internal/requestid"
	"github.com/p-blackswan/chatlink/internal/store"
)

// ProblemDetail is an RFC 7807 error body.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func problem(c *fiber.Ctx, status int, typ, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     typ,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}

// ConnectionView is the body of GET /api/v1/connection.
type ConnectionView struct {
	Name        string                     `json:"name"`
	State       realtime.ConnectionState   `json:"state"`
	Attempts    int                        `json:"attempts"`
	MaxAttempts int                        `json:"max_attempts"`
	Metrics     realtime.ConnectionMetrics `json:"metrics"`
	Version     string                     `json:"version,omitempty"`
}

// EnqueueRequest is the body of POST /api/v1/messages.
type EnqueueRequest struct {
	ID         string          `json:"id,omitempty"`
	Message    json.RawMessage `json:"message"`
	Priority   int             `json:"priority"`
	MaxRetries int             `json:"max_retries,omitempty"`
	TimeoutMs  int             `json:"timeout_ms,omitempty"`
}

// QueueView is the body of GET /api/v1/queue.
type QueueView struct {
	Depth      int                   `json:"depth"`
	Processing bool                  `json:"processing"`
	Messages   []queue.QueuedMessage `json:"messages"`
}

// MessageStatus is the body of GET /api/v1/messages/:id.
type MessageStatus struct {
	ID        string `json:"id"`
	Queued    bool   `json:"queued"`
	Delivered bool   `json:"delivered"`
}

func (s *Server) liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// lastHealth reports the results of the most recent check run without
// running the checks again.
func (s *Server) lastHealth(c *fiber.Ctx) error {
	checks := s.checker.Cached()
	return c.JSON(fiber.Map{
		"health": health.Overall(checks),
		"checks": checks,
	})
}

func (s *Server) readiness(c *fiber.Ctx) error {
	report := s.checker.RunAll(c.UserContext())
	status := "ready"
	code := fiber.StatusOK
	if !report.Ready() {
		status = "not_ready"
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"status": status,
		"health": report.Status,
		"checks": report.Checks,
	})
}

func (s *Server) connectionView() ConnectionView {
	return ConnectionView{
		Name:        s.conn.Name(),
		State:       s.conn.State(),
		Attempts:    s.conn.Attempts(),
		MaxAttempts: s.conn.MaxAttempts(),
		Metrics:     s.conn.Metrics(),
		Version:     s.cfg.Version,
	}
}

func (s *Server) connection(c *fiber.Ctx) error {
	if s.conn == nil {
		return problem(c, fiber.StatusServiceUnavailable, "no_connection", "No connection", "no connection is configured")
	}
	return c.JSON(s.connectionView())
}

func (s *Server) reconnect(c *fiber.Ctx) error {
	if s.conn == nil {
		return problem(c, fiber.StatusServiceUnavailable, "no_connection", "No connection", "no connection is configured")
	}
	if err := s.conn.Reconnect(c.UserContext()); err != nil {
		if errors.Is(err, perrors.ErrDestroyed) {
			return problem(c, fiber.StatusConflict, "destroyed", "Connection destroyed", err.Error())
		}
		s.logger.Warn("manual reconnect failed", requestid.Fields(c.UserContext(), map[string]any{"error": err.Error()}))
		return problem(c, fiber.StatusBadGateway, "reconnect_failed", "Reconnect failed", err.Error())
	}
	return c.JSON(s.connectionView())
}

func (s *Server) listLogs(c *fiber.Ctx) error {
	level := zerolog.TraceLevel
	if raw := c.Query("level"); raw != "" {
		parsed, err := zerolog.ParseLevel(raw)
		if err != nil {
			return problem(c, fiber.StatusBadRequest, "invalid_level", "Invalid log level", err.Error())
		}
		level = parsed
	}

	entries := s.logs.Filter(level)
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return problem(c, fiber.StatusBadRequest, "invalid_limit", "Invalid limit", "limit must be a non-negative integer")
		}
		if limit < len(entries) {
			entries = entries[len(entries)-limit:]
		}
	}
	if entries == nil {
		entries = []logging.Entry{}
	}
	return c.JSON(fiber.Map{"count": len(entries), "entries": entries})
}

func (s *Server) enqueueMessage(c *fiber.Ctx) error {
	if s.queue == nil {
		return problem(c, fiber.StatusServiceUnavailable, "no_queue", "No queue", "message queue is not configured")
	}

	var req EnqueueRequest
	if err := c.BodyParser(&req); err != nil {
		return problem(c, fiber.StatusBadRequest, "invalid_body", "Invalid request body", err.Error())
	}
	if len(req.Message) == 0 {
		return problem(c, fiber.StatusBadRequest, "missing_message", "Missing message", "message is required")
	}

	id, err := s.queue.Enqueue(req.Message, queue.Options{
		ID:         req.ID,
		Priority:   req.Priority,
		MaxRetries: req.MaxRetries,
		Timeout:    time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	switch {
	case errors.Is(err, perrors.ErrQueueFull):
		return problem(c, fiber.StatusTooManyRequests, "queue_full", "Queue full", err.Error())
	case errors.Is(err, perrors.ErrDuplicate):
		return problem(c, fiber.StatusConflict, "duplicate", "Duplicate message", err.Error())
	case errors.Is(err, perrors.ErrInvalidMessage):
		return problem(c, fiber.StatusBadRequest, "invalid_message", "Invalid message", err.Error())
	case err != nil:
		return err
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"id": id, "depth": s.queue.Len()})
}

func (s *Server) messageStatus(c *fiber.Ctx) error {
	if s.queue == nil {
		return problem(c, fiber.StatusServiceUnavailable, "no_queue", "No queue", "message queue is not configured")
	}
	id := c.Params("id")
	st := MessageStatus{ID: id, Delivered: s.queue.Delivered(id)}
	for _, m := range s.queue.Snapshot() {
		if m.ID == id {
			st.Queued = true
			break
		}
	}
	if !st.Queued && !st.Delivered {
		return problem(c, fiber.StatusNotFound, "not_found", "Message not found", "no queued or recently delivered message "+id)
	}
	return c.JSON(st)
}

func (s *Server) listQueue(c *fiber.Ctx) error {
	if s.queue == nil {
		return c.JSON(QueueView{Messages: []queue.QueuedMessage{}})
	}
	return c.JSON(QueueView{Depth: s.queue.Len(), Processing: s.queue.Processing(), Messages: s.queue.Snapshot()})
}

func (s *Server) listDeadLetters(c *fiber.Ctx) error {
	if s.dead == nil {
		return problem(c, fiber.StatusServiceUnavailable, "no_dead_letters", "No dead letter store", "dead letter persistence is disabled")
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return problem(c, fiber.StatusBadRequest, "invalid_limit", "Invalid limit", "limit must be a non-negative integer")
		}
		limit = n
	}
	dls, err := s.dead.ListDeadLetters(c.UserContext(), limit, c.QueryBool("all"))
	if err != nil {
		return err
	}
	if dls == nil {
		dls = []*store.DeadLetter{}
	}
	return c.JSON(fiber.Map{"count": len(dls), "dead_letters": dls})
}

func (s *Server) replayDeadLetter(c *fiber.Ctx) error {
	if s.dead == nil {
		return problem(c, fiber.StatusServiceUnavailable, "no_dead_letters", "No dead letter store", "dead letter persistence is disabled")
	}
	if s.queue == nil {
		return problem(c, fiber.StatusServiceUnavailable, "no_queue", "No queue", "message queue is not configured")
	}

	ctx := c.UserContext()
	dl, err := s.dead.GetDeadLetter(ctx, c.Params("id"))
	if errors.Is(err, store.ErrNotFound) {
		return problem(c, fiber.StatusNotFound, "not_found", "Dead letter not found", err.Error())
	}
	if err != nil {
		return err
	}
	if dl.ResolvedAt != 0 {
		return problem(c, fiber.StatusConflict, "already_resolved", "Already resolved", "dead letter "+dl.ID+" was already resolved")
	}

	id, err := s.queue.Enqueue(dl.Message, queue.Options{ID: dl.ID, Priority: dl.Priority})
	switch {
	case errors.Is(err, perrors.ErrQueueFull):
		return problem(c, fiber.StatusTooManyRequests, "queue_full", "Queue full", err.Error())
	case errors.Is(err, perrors.ErrDuplicate):
		return problem(c, fiber.StatusConflict, "duplicate", "Duplicate message", err.Error())
	case err != nil:
		return err
	}
	if err := s.dead.ResolveDeadLetter(ctx, dl.ID); err != nil {
		return err
	}

	s.logger.Info("dead letter replayed", requestid.Fields(ctx, map[string]any{"id": id}))
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"id": id, "depth": s.queue.Len()})
}

func (s *Server) resolveDeadLetter(c *fiber.Ctx) error {
	if s.dead == nil {
		return problem(c, fiber.StatusServiceUnavailable, "no_dead_letters", "No dead letter store", "dead letter persistence is disabled")
	}
	err := s.dead.ResolveDeadLetter(c.UserContext(), c.Params("id"))
	if errors.Is(err, store.ErrNotFound) {
		return problem(c, fiber.StatusNotFound, "not_found", "Dead letter not found", err.Error())
	}
	if err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}
