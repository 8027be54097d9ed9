package cache

import (
	"context"
	"testing"
	"time"

	"github.com/agentuity/go-kvstore/logger"
	"github.com/agentuity/go-kvstore/resilience"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardedOpensOnBackendFailure(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	clock := newFakeClock()
	log := logger.NewTestLogger()

	s := NewGuarded(NewRedis(ctx, client), resilience.Config{
		MaxFailures: 2,
		Cooldown:    time.Minute,
		Now:         clock.Now,
	}, log)
	require.NoError(t, s.Save(ctx, "k", "v", time.Minute))
	found, val, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", val)

	mr.Close()
	assert.Error(t, s.Save(ctx, "k", "v", time.Minute))
	assert.Error(t, s.Save(ctx, "k", "v", time.Minute))

	err = s.Save(ctx, "k", "v", time.Minute)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	_, err = s.Increment(ctx, "n", 1)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)

	// reads degrade to misses
	found, _, err = s.Get(ctx, "k")
	assert.NoError(t, err)
	assert.False(t, found)
	found, _, err = s.GetMetaData(ctx, "k")
	assert.NoError(t, err)
	assert.False(t, found)

	info, _ := s.Info(ctx)
	assert.Equal(t, "OPEN", info.Details["circuit"])
}

func TestGuardedIgnoresCallerErrors(t *testing.T) {
	ctx := context.Background()
	s := NewGuarded(NewInMemory(ctx), resilience.Config{MaxFailures: 1}, nil)
	defer s.Close()

	for i := 0; i < 3; i++ {
		_, _, err := s.Get(ctx, "bad:key")
		assert.Error(t, err)
	}
	require.NoError(t, s.Save(ctx, "word", "hello", 0))
	_, err := s.Increment(ctx, "word", 1)
	assert.ErrorIs(t, err, ErrNotNumeric)

	info, err := s.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "CLOSED", info.Details["circuit"])
	assert.Equal(t, "memory", info.Handler)
}

func TestGuardedDelegates(t *testing.T) {
	ctx := context.Background()
	inner := NewInMemory(ctx, WithExpires(time.Hour))
	s := NewGuarded(inner, resilience.Config{}, nil)
	defer s.Close()

	assert.Equal(t, time.Hour, DefaultTTL(s))
	ok, err := s.SaveIfAbsent(ctx, "a", int64(1), 0)
	require.NoError(t, err)
	assert.True(t, ok)
	n, err := s.Decrement(ctx, "a", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(-2), n)

	keys, err := s.(Enumerator).Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, keys)

	status, err := s.Delete(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusDeleted, status)
	require.NoError(t, s.Clean(ctx))
	assert.True(t, s.IsSupported())
}

func TestOpenRedisIsGuarded(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.Addr = mr.Addr()

	s, err := Open(ctx, HandlerRedis, cfg, nil)
	require.NoError(t, err)
	defer s.Close()
	info, err := s.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "CLOSED", info.Details["circuit"])

	cfg.Redis.Breaker.MaxFailures = 0
	plain, err := Open(ctx, HandlerRedis, cfg, nil)
	require.NoError(t, err)
	defer plain.Close()
	info, err = plain.Info(ctx)
	require.NoError(t, err)
	assert.NotContains(t, info.Details, "circuit")
}
