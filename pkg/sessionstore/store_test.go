package sessionstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_PutAndCurrent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	err := store.Put(ctx, Session{ID: "s1", AccessToken: "jwt-1", ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	s, err := store.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "jwt-1", s.AccessToken)
}

func TestMemoryStore_CurrentMissing(t *testing.T) {
	_, err := NewMemoryStore().Current(context.Background())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemoryStore_CurrentFollowsLatestPut(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.Put(ctx, Session{ID: "s1", AccessToken: "old"})
	_ = store.Put(ctx, Session{ID: "s2", AccessToken: "new"})

	s, err := store.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s2", s.ID)
}

func TestMemoryStore_Expired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()
	store.now = func() time.Time { return now }

	_ = store.Put(ctx, Session{ID: "s1", AccessToken: "jwt", ExpiresAt: now.Add(-time.Second)})
	_, err := store.Current(ctx)
	assert.ErrorIs(t, err, ErrSessionExpired)

	n, err := store.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.Current(ctx)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemoryStore_DeleteSignsOut(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.Put(ctx, Session{ID: "s1", AccessToken: "jwt"})

	require.NoError(t, store.Delete(ctx, "s1"))
	_, err := store.Current(ctx)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// deleting twice is fine
	assert.NoError(t, store.Delete(ctx, "s1"))
}

func TestSession_IsExpired(t *testing.T) {
	now := time.Now()
	assert.True(t, (&Session{ExpiresAt: now.Add(-time.Second)}).IsExpired(now))
	assert.True(t, (&Session{ExpiresAt: now}).IsExpired(now))
	assert.False(t, (&Session{ExpiresAt: now.Add(time.Hour)}).IsExpired(now))
	assert.False(t, (&Session{}).IsExpired(now))
}
