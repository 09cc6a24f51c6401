package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/chatlink/internal/errors"
	"github.com/p-blackswan/chatlink/pkg/sessionstore"
)

func signToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(exp.Add(-time.Hour)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func TestStaticSource(t *testing.T) {
	tok, err := NewStaticSource("opaque").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "opaque", tok)

	_, err = NewStaticSource("").Token(context.Background())
	assert.ErrorIs(t, err, perrors.ErrNoSession)
}

func TestTokenFunc(t *testing.T) {
	src := TokenFunc(func(ctx context.Context) (string, error) { return "fn-token", nil })
	tok, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fn-token", tok)
}

func TestStoreSource_ValidSession(t *testing.T) {
	ctx := context.Background()
	store := sessionstore.NewMemoryStore()
	jwtTok := signToken(t, "user-1", time.Now().Add(time.Hour))
	require.NoError(t, store.Put(ctx, sessionstore.Session{ID: "s1", AccessToken: jwtTok}))

	tok, err := NewStoreSource(store).Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, jwtTok, tok)
	assert.Equal(t, "user-1", Subject(tok))
}

func TestStoreSource_NoSession(t *testing.T) {
	_, err := NewStoreSource(sessionstore.NewMemoryStore()).Token(context.Background())
	assert.ErrorIs(t, err, perrors.ErrNoSession)
}

func TestStoreSource_ExpiredJWT(t *testing.T) {
	ctx := context.Background()
	store := sessionstore.NewMemoryStore()
	require.NoError(t, store.Put(ctx, sessionstore.Session{
		ID:          "s1",
		AccessToken: signToken(t, "user-1", time.Now().Add(-time.Minute)),
	}))

	_, err := NewStoreSource(store).Token(ctx)
	assert.ErrorIs(t, err, perrors.ErrNoSession)
	assert.Contains(t, err.Error(), "expired")
}

func TestValidateToken(t *testing.T) {
	now := time.Now()
	assert.NoError(t, ValidateToken(signToken(t, "u", now.Add(time.Minute)), now))
	assert.ErrorIs(t, ValidateToken(signToken(t, "u", now.Add(-time.Minute)), now), perrors.ErrNoSession)
	assert.ErrorIs(t, ValidateToken("not-a-jwt", now), perrors.ErrNoSession)
	assert.Equal(t, "", Subject("not-a-jwt"))
}
