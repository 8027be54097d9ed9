package session

import (
	"context"
	"strings"

	"github.com/agentuity/go-kvstore/cache"
	"github.com/agentuity/go-kvstore/config"
	"github.com/agentuity/go-kvstore/logger"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// Session drivers accepted by NewFromConfig.
const (
	DriverCache    = "cache"
	DriverRedis    = "redis"
	DriverFile     = "file"
	DriverDatabase = "database"
)

// Options converts the session settings into handler, backend and locker
// options.
func Options(cfg config.Session, log logger.Logger) []Option {
	return []Option{
		WithExpiration(cfg.Expiration.Std()),
		WithLockAttempts(cfg.LockAttempts),
		WithLockInterval(cfg.LockInterval.Std()),
		WithLockLease(cfg.LockTTL.Std()),
		WithLogger(log),
	}
}

// NewFromConfig builds the handler for cfg.Session.Driver. The returned
// function releases the resources the handler was built on and must be
// called once the handler is no longer used.
func NewFromConfig(ctx context.Context, cfg config.Config, log logger.Logger) (Handler, func() error, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	log = log.WithPrefix("[session]")
	opts := Options(cfg.Session, log)
	noop := func() error { return nil }

	switch strings.ToLower(cfg.Session.Driver) {
	case DriverCache:
		store, err := cache.Open(ctx, cfg.Cache.Handler, cfg.Cache, log)
		if err != nil {
			return nil, nil, errors.Wrap(err, "session: open cache")
		}
		if !cache.Durable(store) {
			store.Close()
			return nil, nil, errors.Newf("session: cache handler %q may drop entries early and cannot hold sessions", cfg.Cache.Handler)
		}
		o := append(opts, WithPrefix(cfg.Session.CookieName+"_"))
		return New(NewCacheBackend(store, o...), NewStoreLocker(store, o...), o...), store.Close, nil

	case DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Cache.Redis.Addr,
			Username:     cfg.Cache.Redis.Username,
			Password:     cfg.Cache.Redis.Password,
			DB:           cfg.Cache.Redis.DB,
			DialTimeout:  cfg.Cache.Redis.Timeout.Std(),
			ReadTimeout:  cfg.Cache.Redis.Timeout.Std(),
			WriteTimeout: cfg.Cache.Redis.Timeout.Std(),
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, errors.Wrapf(err, "session: connect to redis at %s", cfg.Cache.Redis.Addr)
		}
		o := append(opts, WithPrefix(cfg.Session.CookieName+":"))
		return New(NewRedisBackend(client, o...), NewRedisLocker(client, o...), o...), client.Close, nil

	case DriverFile:
		o := append(opts, WithPrefix(cfg.Session.CookieName))
		dir := cfg.Session.SavePath
		return New(NewFileBackend(dir, o...), NewFileLocker(dir, o...), o...), noop, nil

	case DriverDatabase:
		db, err := cache.OpenSQLite(cfg.Session.SavePath)
		if err != nil {
			return nil, nil, errors.Wrap(err, "session: open database")
		}
		backend, err := NewDatabaseBackend(ctx, db, opts...)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		locks, err := cache.NewSQLiteDB(ctx, db, cache.WithPrefix(cfg.Session.CookieName+"_"), cache.WithLogger(log))
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		closer := func() error {
			locks.Close()
			return db.Close()
		}
		return New(backend, NewStoreLocker(locks, opts...), opts...), closer, nil
	}
	return nil, nil, errors.Newf("session: unknown driver %q", cfg.Session.Driver)
}
