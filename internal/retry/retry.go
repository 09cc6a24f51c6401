// Package retry provides reconnect backoff policies and a retry helper.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	perrors "github.com/p-blackswan/chatlink/internal/errors"
)

// Policy computes the delay before a reconnect attempt.
// attempt is 1-based: the number of the attempt about to be made.
type Policy interface {
	Delay(attempt int) time.Duration
}

// Table looks delays up in a fixed list, reusing the last entry once the
// attempt count runs past the end.
type Table struct {
	Intervals []time.Duration
}

// DefaultIntervals is the reconnect table used when none is configured.
var DefaultIntervals = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// Delay implements Policy.
func (t Table) Delay(attempt int) time.Duration {
	if len(t.Intervals) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	idx := attempt - 1
	if idx >= len(t.Intervals) {
		idx = len(t.Intervals) - 1
	}
	return t.Intervals[idx]
}

// Exponential doubles the delay on every attempt: Base * 2^(attempt-1), capped at Max.
type Exponential struct {
	Base   time.Duration
	Max    time.Duration
	Jitter bool
}

// DefaultExponential returns 1s doubling up to 30s.
func DefaultExponential() Exponential {
	return Exponential{
		Base: 1 * time.Second,
		Max:  30 * time.Second,
	}
}

// Delay implements Policy.
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := e.Base
	if base <= 0 {
		base = time.Second
	}
	max := e.Max
	if max <= 0 {
		max = 30 * time.Second
	}

	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if delay > max || delay <= 0 {
		delay = max
	}
	if e.Jitter {
		delay = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
	}
	return delay
}

// Strategy names accepted by NewPolicy.
const (
	StrategyTable       = "table"
	StrategyExponential = "exponential"
)

// NewPolicy builds a Policy from configuration values.
func NewPolicy(strategy string, intervals []time.Duration, base, max time.Duration) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(strategy)) {
	case StrategyTable, "":
		if len(intervals) == 0 {
			intervals = DefaultIntervals
		}
		return Table{Intervals: intervals}, nil
	case StrategyExponential:
		return Exponential{Base: base, Max: max}, nil
	default:
		return nil, fmt.Errorf("unknown reconnect strategy %q", strategy)
	}
}

// Config holds retry configuration.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// DefaultConfig returns sensible retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      true,
	}
}

// Do executes fn with exponential backoff. Only retries if the error is retryable.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	backoff := Exponential{Base: cfg.BaseDelay, Max: cfg.MaxDelay, Jitter: cfg.Jitter}
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !perrors.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}
		if err := Sleep(ctx, backoff.Delay(attempt+1)); err != nil {
			return err
		}
	}
	return lastErr
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 || ctx.Err() != nil {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
