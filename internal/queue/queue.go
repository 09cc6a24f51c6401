// Package queue serializes delivery of chat messages over the realtime
// transport. Messages are ordered by priority then age, delivered one at a
// time, and retried with exponential backoff before being dropped.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	perrors "github.com/p-blackswan/chatlink/internal/errors"
	"github.com/p-blackswan/chatlink/internal/logging"
	"github.com/p-blackswan/chatlink/internal/retry"
)

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, msg json.RawMessage) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg json.RawMessage) error

func (f SenderFunc) Send(ctx context.Context, msg json.RawMessage) error { return f(ctx, msg) }

// Recorder receives queue depth and outcome counts.
type Recorder interface {
	SetQueueDepth(n int)
	RecordQueueOutcome(outcome string)
}

// Outcome labels passed to Recorder.
const (
	OutcomeDelivered = "delivered"
	OutcomeRetried   = "retried"
	OutcomeDropped   = "dropped"
	OutcomeRejected  = "rejected"
)

// Options control how a single message is delivered.
type Options struct {
	// ID identifies the message; a UUID is assigned when empty.
	ID string `json:"id,omitempty"`

	// Priority orders the queue, higher first.
	Priority int `json:"priority"`

	// MaxRetries is the number of retries after the first attempt. Zero uses
	// the queue default; negative disables retries.
	MaxRetries int `json:"max_retries"`

	// Timeout bounds each attempt. Zero uses the queue default.
	Timeout time.Duration `json:"timeout"`
}

// QueuedMessage is a message waiting for delivery.
type QueuedMessage struct {
	ID          string          `json:"id"`
	Message     json.RawMessage `json:"message"`
	Options     Options         `json:"options"`
	Timestamp   time.Time       `json:"timestamp"`
	Attempts    int             `json:"attempts"`
	LastAttempt *time.Time      `json:"last_attempt,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
}

// Config holds queue settings.
type Config struct {
	MaxSize int
	// DefaultMaxRetries applies to messages enqueued without their own count.
	// Zero uses the package default; NoRetries disables retries.
	DefaultMaxRetries int
	DefaultTimeout    time.Duration
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	Jitter            bool

	// DedupeSize is how many delivered IDs are remembered.
	DedupeSize int
}

// NoRetries as a retry count delivers at most once.
const NoRetries = -1

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:           100,
		DefaultMaxRetries: 3,
		DefaultTimeout:    10 * time.Second,
		RetryBaseDelay:    time.Second,
		RetryMaxDelay:     30 * time.Second,
		DedupeSize:        256,
	}
}

// Queue is an in-memory priority queue of outbound messages.
type Queue struct {
	cfg    Config
	sender Sender
	logger *logging.Logger
	rec    Recorder
	now    func() time.Time

	onDelivered func(QueuedMessage)
	onDrop      func(QueuedMessage, error)

	mu         sync.Mutex
	items      []*QueuedMessage
	processing bool
	delivered  *lru.Cache[string, time.Time]

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// Option customizes a Queue.
type Option func(*Queue)

func WithRecorder(rec Recorder) Option {
	return func(q *Queue) { q.rec = rec }
}

// OnDelivered registers a callback fired after each successful delivery.
func OnDelivered(fn func(QueuedMessage)) Option {
	return func(q *Queue) { q.onDelivered = fn }
}

// OnDrop registers a callback fired when a message is abandoned.
func OnDrop(fn func(QueuedMessage, error)) Option {
	return func(q *Queue) { q.onDrop = fn }
}

// New creates a queue delivering through sender.
func New(cfg Config, sender Sender, logger *logging.Logger, opts ...Option) (*Queue, error) {
	defaults := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaults.MaxSize
	}
	switch {
	case cfg.DefaultMaxRetries == 0:
		cfg.DefaultMaxRetries = defaults.DefaultMaxRetries
	case cfg.DefaultMaxRetries < 0:
		cfg.DefaultMaxRetries = 0
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaults.DefaultTimeout
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = defaults.RetryBaseDelay
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = defaults.RetryMaxDelay
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = defaults.DedupeSize
	}
	if logger == nil {
		logger = logging.Nop()
	}

	delivered, err := lru.New[string, time.Time](cfg.DedupeSize)
	if err != nil {
		return nil, fmt.Errorf("creating dedupe cache: %w", err)
	}

	q := &Queue{
		cfg:       cfg,
		sender:    sender,
		logger:    logger.With("queue"),
		now:       time.Now,
		delivered: delivered,
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Enqueue adds a JSON message and returns its ID.
func (q *Queue) Enqueue(message json.RawMessage, opts Options) (string, error) {
	if !json.Valid(message) {
		q.outcome(OutcomeRejected)
		return "", fmt.Errorf("%w: payload is not valid JSON", perrors.ErrInvalidMessage)
	}
	if opts.ID == "" {
		opts.ID = uuid.New().String()
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = q.cfg.DefaultMaxRetries
	} else if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = q.cfg.DefaultTimeout
	}

	q.mu.Lock()
	if q.delivered.Contains(opts.ID) || q.indexLocked(opts.ID) >= 0 {
		q.mu.Unlock()
		q.outcome(OutcomeRejected)
		return opts.ID, perrors.ErrDuplicate
	}
	if len(q.items) >= q.cfg.MaxSize {
		q.mu.Unlock()
		q.outcome(OutcomeRejected)
		return "", perrors.ErrQueueFull
	}

	msg := make(json.RawMessage, len(message))
	copy(msg, message)
	item := &QueuedMessage{
		ID:        opts.ID,
		Message:   msg,
		Options:   opts,
		Timestamp: q.now(),
	}
	// Equal priorities keep arrival order.
	idx := sort.Search(len(q.items), func(i int) bool {
		return q.items[i].Options.Priority < opts.Priority
	})
	q.items = append(q.items, nil)
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = item
	depth := len(q.items)
	q.mu.Unlock()

	q.depth(depth)
	q.logger.Debug("message enqueued", map[string]any{"id": item.ID, "priority": opts.Priority, "depth": depth})
	q.Kick()
	return item.ID, nil
}

// EnqueueJSON encodes v and enqueues it.
func (q *Queue) EnqueueJSON(v any, opts Options) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", perrors.ErrInvalidMessage, err)
	}
	return q.Enqueue(data, opts)
}

// Process drains the queue, one message at a time. It returns immediately if
// another Process call is running. A cancelled ctx leaves the current message
// queued.
func (q *Queue) Process(ctx context.Context) error {
	q.mu.Lock()
	if q.processing {
		q.mu.Unlock()
		return nil
	}
	q.processing = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		item := q.head()
		if item == nil {
			return nil
		}
		if err := q.deliver(ctx, item); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Processing reports whether a Process call is running.
func (q *Queue) Processing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

func (q *Queue) deliver(ctx context.Context, item *QueuedMessage) error {
	cfg := retry.Config{
		MaxAttempts: item.Options.MaxRetries + 1,
		BaseDelay:   q.cfg.RetryBaseDelay,
		MaxDelay:    q.cfg.RetryMaxDelay,
		Jitter:      q.cfg.Jitter,
	}
	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		err := q.attempt(ctx, item)
		if err != nil && ctx.Err() == nil {
			q.markFailed(item, err)
		}
		return err
	})

	if err == nil {
		q.remove(item.ID)
		q.delivered.Add(item.ID, q.now())
		q.outcome(OutcomeDelivered)
		snapshot := q.copyOf(item)
		q.logger.Debug("message delivered", map[string]any{"id": item.ID, "failed_attempts": snapshot.Attempts})
		if q.onDelivered != nil {
			q.onDelivered(snapshot)
		}
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	q.remove(item.ID)
	q.outcome(OutcomeDropped)
	snapshot := q.copyOf(item)
	q.logger.Warn("message dropped", map[string]any{
		"id":       item.ID,
		"attempts": snapshot.Attempts,
		"error":    err.Error(),
	})
	if q.onDrop != nil {
		q.onDrop(snapshot, err)
	}
	return err
}

func (q *Queue) attempt(ctx context.Context, item *QueuedMessage) error {
	actx, cancel := context.WithTimeout(ctx, item.Options.Timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- q.sender.Send(actx, item.Message) }()

	select {
	case err := <-result:
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: %v", perrors.ErrTimeout, err)
		}
		return err
	case <-actx.Done():
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w: delivery exceeded %s", perrors.ErrTimeout, item.Options.Timeout)
	}
}

func (q *Queue) markFailed(item *QueuedMessage, err error) {
	q.mu.Lock()
	item.Attempts++
	now := q.now()
	item.LastAttempt = &now
	item.LastError = err.Error()
	attempts := item.Attempts
	q.mu.Unlock()

	if attempts <= item.Options.MaxRetries && perrors.IsRetryable(err) {
		q.outcome(OutcomeRetried)
	}
	q.logger.Debug("delivery attempt failed", map[string]any{"id": item.ID, "attempts": attempts, "error": err.Error()})
}

// Start runs a background worker that processes the queue whenever messages
// arrive or Kick is called. Stop ends it.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.cancel != nil {
		q.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	q.cancel = cancel
	q.done = done
	q.mu.Unlock()

	go func() {
		defer close(done)
		for {
			if err := q.Process(runCtx); err != nil && runCtx.Err() != nil {
				return
			}
			select {
			case <-runCtx.Done():
				return
			case <-q.wake:
			}
		}
	}()
	q.logger.Info("queue worker started", nil)
}

// Stop halts the worker and waits for it to exit. Queued messages are kept.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel, done := q.cancel, q.done
	q.cancel, q.done = nil, nil
	q.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	q.logger.Info("queue worker stopped", nil)
}

// Kick wakes the worker, e.g. after the transport reconnects.
func (q *Queue) Kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns copies of the queued messages in delivery order.
func (q *Queue) Snapshot() []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedMessage, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, q.copyLocked(item))
	}
	return out
}

// Clear removes every queued message and returns how many were removed.
func (q *Queue) Clear() int {
	q.mu.Lock()
	n := len(q.items)
	q.items = nil
	q.mu.Unlock()
	q.depth(0)
	return n
}

// Delivered reports whether id was delivered recently.
func (q *Queue) Delivered(id string) bool {
	return q.delivered.Contains(id)
}

func (q *Queue) head() *QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *Queue) remove(id string) {
	q.mu.Lock()
	if i := q.indexLocked(id); i >= 0 {
		q.items = append(q.items[:i], q.items[i+1:]...)
	}
	depth := len(q.items)
	q.mu.Unlock()
	q.depth(depth)
}

func (q *Queue) indexLocked(id string) int {
	for i, item := range q.items {
		if item.ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) copyOf(item *QueuedMessage) QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.copyLocked(item)
}

func (q *Queue) copyLocked(item *QueuedMessage) QueuedMessage {
	out := *item
	if item.LastAttempt != nil {
		ts := *item.LastAttempt
		out.LastAttempt = &ts
	}
	return out
}

func (q *Queue) depth(n int) {
	if q.rec != nil {
		q.rec.SetQueueDepth(n)
	}
}

func (q *Queue) outcome(o string) {
	if q.rec != nil {
		q.rec.RecordQueueOutcome(o)
	}
}
