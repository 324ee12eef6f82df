package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-authgate/session-keeper/keeper"
)

// setupMiniRedis starts a throwaway Redis and a store connected to it.
func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()

	mr := miniredis.RunT(t)
	s, err := NewRedisStore(RedisConfig{Addr: mr.Addr()}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return mr, s
}

func TestRedisStore_SetGetRemove(t *testing.T) {
	mr, s := setupMiniRedis(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "default")
	require.ErrorIs(t, err, keeper.ErrNoSession)

	want := keeper.Session{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		User:         &keeper.UserDetails{ID: "u-1", Email: "jane@example.com"},
	}
	require.NoError(t, s.Set(ctx, "default", want, time.Hour))
	assert.True(t, mr.Exists(KeyPrefix+"default"))
	assert.Equal(t, time.Hour, mr.TTL(KeyPrefix+"default"))

	got, err := s.Get(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, want, *got)

	require.NoError(t, s.Remove(ctx, "default"))
	assert.False(t, mr.Exists(KeyPrefix+"default"))
	_, err = s.Get(ctx, "default")
	require.ErrorIs(t, err, keeper.ErrNoSession)
}

func TestRedisStore_Expiry(t *testing.T) {
	mr, s := setupMiniRedis(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "default", keeper.Session{RefreshToken: "rt"}, time.Minute))
	mr.FastForward(2 * time.Minute)

	_, err := s.Get(ctx, "default")
	require.ErrorIs(t, err, keeper.ErrNoSession)
}

func TestRedisStore_NoExpiry(t *testing.T) {
	mr, s := setupMiniRedis(t)

	require.NoError(t, s.Set(context.Background(), "default", keeper.Session{RefreshToken: "rt"}, 0))
	assert.Equal(t, time.Duration(0), mr.TTL(KeyPrefix+"default"))
}

func TestRedisStore_CorruptValue(t *testing.T) {
	mr, s := setupMiniRedis(t)
	require.NoError(t, mr.Set(KeyPrefix+"default", "{broken"))

	_, err := s.Get(context.Background(), "default")
	require.ErrorIs(t, err, keeper.ErrNoSession)
}

func TestRedisStore_ServerDown(t *testing.T) {
	mr, s := setupMiniRedis(t)
	mr.Close()

	_, err := s.Get(context.Background(), "default")
	require.Error(t, err)
	assert.NotErrorIs(t, err, keeper.ErrNoSession)
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisStore(RedisConfig{Addr: addr}, zerolog.Nop())
	require.Error(t, err)
}
