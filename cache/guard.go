package cache

import (
	"context"
	"time"

	"github.com/agentuity/go-kvstore/keycodec"
	"github.com/agentuity/go-kvstore/logger"
	"github.com/agentuity/go-kvstore/resilience"
	"github.com/cockroachdb/errors"
)

// guardedCache runs every operation of a remote store through a circuit
// breaker. While the circuit is open reads are misses and writes fail fast
// with resilience.ErrCircuitOpen, instead of each caller waiting out the
// backend's timeouts.
type guardedCache struct {
	store Store
	cb    *resilience.CircuitBreaker
	log   logger.Logger
}

var (
	_ Store      = (*guardedCache)(nil)
	_ Enumerator = (*guardedCache)(nil)
)

// callerError reports errors caused by the request rather than the backend.
func callerError(err error) bool {
	return errors.Is(err, keycodec.ErrInvalidKey) ||
		errors.Is(err, ErrNotNumeric) ||
		errors.Is(err, context.Canceled)
}

// NewGuarded wraps s with a circuit breaker built from cfg. Key validation
// and type errors never trip the breaker.
func NewGuarded(s Store, cfg resilience.Config, log logger.Logger) Store {
	if cfg.Ignore == nil {
		cfg.Ignore = callerError
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &guardedCache{store: s, cb: resilience.NewCircuitBreaker(cfg), log: log}
}

func (g *guardedCache) Get(ctx context.Context, key string) (bool, any, error) {
	var (
		found bool
		val   any
	)
	err := g.cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		found, val, err = g.store.Get(ctx, key)
		return err
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		g.log.Debug("circuit open, treating %s as a miss", key)
		return false, nil, nil
	}
	return found, val, err
}

func (g *guardedCache) Save(ctx context.Context, key string, val any, ttl time.Duration) error {
	return g.cb.Execute(ctx, func(ctx context.Context) error {
		return g.store.Save(ctx, key, val, ttl)
	})
}

func (g *guardedCache) SaveIfAbsent(ctx context.Context, key string, val any, ttl time.Duration) (bool, error) {
	var saved bool
	err := g.cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		saved, err = g.store.SaveIfAbsent(ctx, key, val, ttl)
		return err
	})
	return saved, err
}

func (g *guardedCache) Delete(ctx context.Context, key string) (DeleteStatus, error) {
	status := StatusError
	err := g.cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		status, err = g.store.Delete(ctx, key)
		return err
	})
	if err != nil {
		return StatusError, err
	}
	return status, nil
}

func (g *guardedCache) Increment(ctx context.Context, key string, offset int64) (int64, error) {
	var n int64
	err := g.cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		n, err = g.store.Increment(ctx, key, offset)
		return err
	})
	return n, err
}

func (g *guardedCache) Decrement(ctx context.Context, key string, offset int64) (int64, error) {
	return g.Increment(ctx, key, -offset)
}

func (g *guardedCache) Clean(ctx context.Context) error {
	return g.cb.Execute(ctx, g.store.Clean)
}

func (g *guardedCache) GetMetaData(ctx context.Context, key string) (bool, MetaData, error) {
	var (
		found bool
		md    MetaData
	)
	err := g.cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		found, md, err = g.store.GetMetaData(ctx, key)
		return err
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return false, MetaData{}, nil
	}
	return found, md, err
}

func (g *guardedCache) Keys(ctx context.Context) ([]string, error) {
	e, ok := g.store.(Enumerator)
	if !ok {
		return nil, ErrNotSupported
	}
	var keys []string
	err := g.cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		keys, err = e.Keys(ctx)
		return err
	})
	return keys, err
}

// Info is not guarded so the breaker state can be inspected while open.
func (g *guardedCache) Info(ctx context.Context) (Info, error) {
	info, err := g.store.Info(ctx)
	if info.Details == nil {
		info.Details = map[string]any{}
	}
	info.Details["circuit"] = g.cb.State().String()
	return info, err
}

func (g *guardedCache) IsSupported() bool {
	return g.store.IsSupported()
}

func (g *guardedCache) Close() error {
	return g.store.Close()
}

func (g *guardedCache) volatile() bool {
	return !Durable(g.store)
}

func (g *guardedCache) defaultTTL() time.Duration {
	return DefaultTTL(g.store)
}
