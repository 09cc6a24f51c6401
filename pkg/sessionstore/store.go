// Package sessionstore holds the auth sessions the widget's identity provider
// hands to the transport. The provider writes sessions; the connection manager
// reads the current one before every connect.
package sessionstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
)

// Session is an authenticated user session.
type Session struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id,omitempty"`
	AccessToken  string            `json:"access_token"`
	RefreshToken string            `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time         `json:"expires_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// IsExpired reports whether the session is past its expiry at now.
// A zero ExpiresAt never expires.
func (s *Session) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Store defines session storage.
type Store interface {
	// Put stores a session and makes it the current one.
	Put(ctx context.Context, s Session) error
	// Current returns the most recently stored session.
	// Returns ErrSessionNotFound or ErrSessionExpired.
	Current(ctx context.Context) (*Session, error)
	// Get retrieves a session by ID.
	Get(ctx context.Context, id string) (*Session, error)
	// Delete removes a session. Deleting the current session signs the user out.
	Delete(ctx context.Context, id string) error
	// Cleanup removes all expired sessions.
	Cleanup(ctx context.Context) (int, error)
}
