// Package health aggregates readiness checks for the chatlink daemon.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/p-blackswan/chatlink/internal/logging"
	"github.com/p-blackswan/chatlink/internal/realtime"
)

// Status represents the health status of a dependency.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// CheckFunc is a function that checks a dependency's health.
type CheckFunc func(ctx context.Context) Status

// Report is the result of running every check.
type Report struct {
	Status Status            `json:"status"`
	Checks map[string]Status `json:"checks"`
}

// Ready reports whether no check is down.
func (r Report) Ready() bool { return r.Status != StatusDown }

// Checker manages health checks for all dependencies.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	cache   map[string]Status
	timeout time.Duration
	logger  *logging.Logger
}

// NewChecker creates a new health checker.
func NewChecker(logger *logging.Logger) *Checker {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Checker{
		checks:  make(map[string]CheckFunc),
		cache:   make(map[string]Status),
		timeout: 5 * time.Second,
		logger:  logger.With("health"),
	}
}

// Register adds a named health check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// RunAll executes all health checks concurrently and caches results.
func (c *Checker) RunAll(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	results := make(map[string]Status, len(checks))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, fn := range checks {
		wg.Add(1)
		go func(n string, f CheckFunc) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			s := f(checkCtx)
			mu.Lock()
			results[n] = s
			mu.Unlock()
		}(name, fn)
	}

	wg.Wait()

	c.mu.Lock()
	c.cache = results
	c.mu.Unlock()

	report := Report{Status: Overall(results), Checks: results}
	if report.Status != StatusOK {
		c.logger.Debug("health not ok", map[string]any{"status": string(report.Status), "checks": results})
	}
	return report
}

// Cached returns the results of the last RunAll.
func (c *Checker) Cached() map[string]Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Status, len(c.cache))
	for k, v := range c.cache {
		out[k] = v
	}
	return out
}

// IsReady returns true if no check is down.
func (c *Checker) IsReady(ctx context.Context) bool {
	return c.RunAll(ctx).Ready()
}

// Overall folds individual results into the worst status.
func Overall(results map[string]Status) Status {
	overall := StatusOK
	for _, s := range results {
		switch s {
		case StatusDown:
			return StatusDown
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

// StateSource exposes a connection's lifecycle state.
type StateSource interface {
	State() realtime.ConnectionState
}

// WebSocketCheck maps a connection state to a health status.
func WebSocketCheck(src StateSource) CheckFunc {
	return func(context.Context) Status {
		switch src.State() {
		case realtime.StateConnected:
			return StatusOK
		case realtime.StateConnecting, realtime.StateReconnecting, realtime.StateInitial:
			return StatusDegraded
		default:
			return StatusDown
		}
	}
}

// DepthSource exposes a queue's current length.
type DepthSource interface {
	Len() int
}

// QueueCheck reports degraded once the queue is at least 80% full and down
// when it is full.
func QueueCheck(src DepthSource, capacity int) CheckFunc {
	return func(context.Context) Status {
		if capacity <= 0 {
			return StatusOK
		}
		n := src.Len()
		switch {
		case n >= capacity:
			return StatusDown
		case n*5 >= capacity*4:
			return StatusDegraded
		default:
			return StatusOK
		}
	}
}

// UnresolvedSource counts dead letters awaiting attention.
type UnresolvedSource interface {
	CountUnresolved(ctx context.Context) (int, error)
}

// DeadLetterCheck is degraded while any dead letter is unresolved and down
// when the store cannot be read.
func DeadLetterCheck(src UnresolvedSource) CheckFunc {
	return func(ctx context.Context) Status {
		n, err := src.CountUnresolved(ctx)
		switch {
		case err != nil:
			return StatusDown
		case n > 0:
			return StatusDegraded
		default:
			return StatusOK
		}
	}
}
