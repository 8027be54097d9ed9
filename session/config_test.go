package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentuity/go-kvstore/config"
	"github.com/agentuity/go-kvstore/logger"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromConfig(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := t.TempDir()

	for _, driver := range []string{DriverCache, DriverRedis, DriverFile, DriverDatabase} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			cfg := config.Default()
			cfg.Session.Driver = driver
			cfg.Session.LockInterval = config.Duration(time.Millisecond)
			cfg.Session.LockAttempts = 3
			cfg.Cache.Handler = "memory"
			cfg.Cache.Redis.Addr = mr.Addr()
			switch driver {
			case DriverFile:
				cfg.Session.SavePath = filepath.Join(dir, "files")
			case DriverDatabase:
				cfg.Session.SavePath = filepath.Join(dir, "sessions.db")
			}

			h, closer, err := NewFromConfig(ctx, cfg, logger.NewTestLogger())
			require.NoError(t, err)
			defer func() { assert.NoError(t, closer()) }()

			require.NoError(t, h.Open(ctx, cfg.Session.SavePath, cfg.Session.CookieName))
			id := newTestID(t)
			data, err := h.Read(ctx, id)
			require.NoError(t, err)
			assert.Empty(t, data)
			require.NoError(t, h.Write(ctx, id, []byte("user=ann")))
			require.NoError(t, h.Close(ctx))

			require.NoError(t, h.Open(ctx, cfg.Session.SavePath, cfg.Session.CookieName))
			data, err = h.Read(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, []byte("user=ann"), data)
			require.NoError(t, h.Destroy(ctx, id))
			require.NoError(t, h.Close(ctx))
		})
	}
}

func TestNewFromConfigErrors(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Session.Driver = "memcached"
	_, _, err := NewFromConfig(ctx, cfg, nil)
	assert.ErrorContains(t, err, "unknown driver")

	mr := miniredis.RunT(t)
	cfg.Session.Driver = DriverRedis
	cfg.Cache.Redis.Addr = mr.Addr()
	mr.Close()
	_, _, err = NewFromConfig(ctx, cfg, nil)
	assert.Error(t, err)

	// the cache driver never falls back to a store that drops records
	cfg.Session.Driver = DriverCache
	cfg.Cache.Handler = "redis"
	cfg.Cache.BackupHandler = "dummy"
	_, _, err = NewFromConfig(ctx, cfg, nil)
	assert.Error(t, err)

	for _, handler := range []string{"dummy", "bigcache"} {
		cfg.Cache.Handler = handler
		_, _, err = NewFromConfig(ctx, cfg, nil)
		assert.ErrorContains(t, err, "cannot hold sessions", handler)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default().Session
	cfg.LockAttempts = 5
	cfg.LockTTL = config.Duration(time.Minute)
	o := applyOptions(Options(cfg, nil))
	assert.Equal(t, 5, o.attempts)
	assert.Equal(t, time.Minute, o.lease)
	assert.Equal(t, time.Second, o.interval)
	assert.Equal(t, 2*time.Hour, o.expiration)
	assert.NotNil(t, o.log)
}
