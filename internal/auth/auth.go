// Package auth supplies the bearer token the transport embeds in its
// websocket URL. Tokens are fetched fresh on every connect so a refreshed
// session is picked up by the next reconnect.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	perrors "github.com/p-blackswan/chatlink/internal/errors"
	"github.com/p-blackswan/chatlink/pkg/sessionstore"
)

// TokenSource returns the current access token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticSource always returns the same token. Used when the token comes from
// configuration; it is not inspected.
type StaticSource struct {
	token string
}

func NewStaticSource(token string) *StaticSource {
	return &StaticSource{token: token}
}

func (s *StaticSource) Token(_ context.Context) (string, error) {
	if s.token == "" {
		return "", perrors.ErrNoSession
	}
	return s.token, nil
}

// StoreSource reads the current session from a session store and checks that
// its access token is a non-expired JWT.
type StoreSource struct {
	store sessionstore.Store
	now   func() time.Time
}

func NewStoreSource(store sessionstore.Store) *StoreSource {
	return &StoreSource{store: store, now: time.Now}
}

func (s *StoreSource) Token(ctx context.Context) (string, error) {
	sess, err := s.store.Current(ctx)
	if err != nil {
		if errors.Is(err, sessionstore.ErrSessionNotFound) || errors.Is(err, sessionstore.ErrSessionExpired) {
			return "", fmt.Errorf("%w: %v", perrors.ErrNoSession, err)
		}
		return "", fmt.Errorf("reading session: %w", err)
	}
	if sess.AccessToken == "" {
		return "", perrors.ErrNoSession
	}
	if err := ValidateToken(sess.AccessToken, s.now()); err != nil {
		return "", err
	}
	return sess.AccessToken, nil
}

// ValidateToken parses the JWT claims without verifying the signature (the
// realtime server does that) and rejects tokens that are expired at now.
func ValidateToken(token string, now time.Time) error {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("%w: malformed access token: %v", perrors.ErrNoSession, err)
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return fmt.Errorf("%w: access token expired at %s", perrors.ErrNoSession, claims.ExpiresAt.Time.Format(time.RFC3339))
	}
	return nil
}

// Subject returns the sub claim of token, or "" if it has none.
func Subject(token string) string {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	return claims.Subject
}
