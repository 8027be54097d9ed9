package cache

import (
	"context"
	"strings"

	"github.com/agentuity/go-kvstore/config"
	"github.com/agentuity/go-kvstore/keycodec"
	"github.com/agentuity/go-kvstore/logger"
	"github.com/agentuity/go-kvstore/resilience"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// Handler names accepted by New.
const (
	HandlerMemory   = "memory"
	HandlerFile     = "file"
	HandlerRedis    = "redis"
	HandlerSQLite   = "sqlite"
	HandlerBadger   = "badger"
	HandlerBigCache = "bigcache"
	HandlerDummy    = "dummy"
)

// Handlers lists every handler name New understands.
var Handlers = []string{HandlerMemory, HandlerFile, HandlerRedis, HandlerSQLite, HandlerBadger, HandlerBigCache, HandlerDummy}

// Options converts the shared cache settings into adapter options.
func Options(cfg config.Cache, log logger.Logger) []Option {
	opts := []Option{
		WithPrefix(cfg.Prefix),
		WithReservedCharacters(cfg.Reserved(keycodec.DefaultReservedCharacters)),
		WithFileMode(cfg.File.FileMode()),
		WithLogger(log),
	}
	if ttl := cfg.TTL.Std(); ttl > 0 {
		opts = append(opts, WithExpires(ttl))
	}
	if d := cfg.QueryTimeout.Std(); d > 0 {
		opts = append(opts, WithQueryTimeout(d))
	}
	if d := cfg.ExpiryCheck.Std(); d > 0 {
		opts = append(opts, WithExpiryCheck(d))
	}
	return opts
}

// Open builds the named handler without any fallback. The returned store has
// passed its IsSupported probe.
func Open(ctx context.Context, handler string, cfg config.Cache, log logger.Logger) (Store, error) {
	opts := Options(cfg, log)
	var (
		s   Store
		err error
	)
	switch strings.ToLower(handler) {
	case HandlerMemory:
		s = NewInMemory(ctx, opts...)
	case HandlerFile:
		s, err = NewFile(cfg.File.Path, opts...)
	case HandlerRedis:
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Username:     cfg.Redis.Username,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  cfg.Redis.Timeout.Std(),
			ReadTimeout:  cfg.Redis.Timeout.Std(),
			WriteTimeout: cfg.Redis.Timeout.Std(),
		})
		rc := NewRedis(ctx, client, opts...).(*redisCache)
		rc.owned = true
		s = rc
		if b := cfg.Redis.Breaker; b.MaxFailures > 0 {
			s = NewGuarded(rc, resilience.Config{
				MaxFailures: b.MaxFailures,
				Cooldown:    b.Cooldown.Std(),
			}, log)
		}
	case HandlerSQLite:
		s, err = NewSQLite(ctx, cfg.SQLite.Path, opts...)
	case HandlerBadger:
		path := cfg.Badger.Path
		if cfg.Badger.InMemory {
			path = ""
		}
		s, err = NewBadger(path, opts...)
	case HandlerBigCache:
		bc := DefaultBigCacheConfig()
		if cfg.BigCache.Shards > 0 {
			bc.Shards = cfg.BigCache.Shards
		}
		if d := cfg.BigCache.LifeWindow.Std(); d > 0 {
			bc.LifeWindow = d
		}
		if cfg.BigCache.MaxEntrySize > 0 {
			bc.MaxEntrySize = cfg.BigCache.MaxEntrySize
		}
		bc.HardMaxCacheSize = cfg.BigCache.HardMaxMB
		s, err = NewBigCache(ctx, bc, opts...)
	case HandlerDummy:
		s = NewDummy()
	default:
		return nil, errors.Wrapf(ErrUnknownHandler, "%q", handler)
	}
	if err != nil {
		return nil, err
	}
	if !s.IsSupported() {
		s.Close()
		return nil, errors.Wrapf(ErrNotSupported, "%s", handler)
	}
	return s, nil
}

// New builds the configured handler. If it fails or is unsupported the
// backup handler is tried, and if that fails too the dummy store is returned
// so the application keeps running without a cache.
func New(ctx context.Context, cfg config.Cache, log logger.Logger) Store {
	if log == nil {
		log = logger.NewNopLogger()
	}
	s, err := Open(ctx, cfg.Handler, cfg, log)
	if err == nil {
		return s
	}
	log.Warn("cache handler %s unavailable: %s", cfg.Handler, err)
	if cfg.BackupHandler != "" && !strings.EqualFold(cfg.BackupHandler, cfg.Handler) {
		s, err = Open(ctx, cfg.BackupHandler, cfg, log)
		if err == nil {
			log.Info("using backup cache handler %s", cfg.BackupHandler)
			return s
		}
		log.Warn("backup cache handler %s unavailable: %s", cfg.BackupHandler, err)
	}
	log.Error("no cache handler available, caching is disabled")
	return NewDummy()
}
