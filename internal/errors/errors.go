// Package errors provides structured error types for the chatlink transport.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrNotConnected      = errors.New("websocket not connected")
	ErrNoSession         = errors.New("no valid auth session")
	ErrDestroyed         = errors.New("connection manager destroyed")
	ErrAttemptsExhausted = errors.New("reconnect attempts exhausted")
	ErrQueueFull         = errors.New("message queue full")
	ErrTimeout           = errors.New("operation timed out")
	ErrInvalidMessage    = errors.New("invalid message")
	ErrDuplicate         = errors.New("duplicate message")
)

// CloseError carries the close code reported by the remote end of a socket.
type CloseError struct {
	Code   int
	Reason string
	Err    error
}

func (e *CloseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("websocket closed (code %d): %s: %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("websocket closed (code %d): %s", e.Code, e.Reason)
}

func (e *CloseError) Unwrap() error { return e.Err }

// NewCloseError creates a new close error.
func NewCloseError(code int, reason string) *CloseError {
	return &CloseError{Code: code, Reason: reason}
}

// IsRetryable returns true if the error is likely transient and worth retrying.
// The connection manager itself retries everything until its attempt budget
// runs out; this classification is used by the message queue.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var closeErr *CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case 1008, 4001, 4003:
			// policy violation, unauthorized, forbidden
			return false
		}
		return true
	}
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrNoSession)
}
