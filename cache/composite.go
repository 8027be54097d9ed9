package cache

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

type compositeCache struct {
	caches []Store
}

var (
	_ Store      = (*compositeCache)(nil)
	_ Enumerator = (*compositeCache)(nil)
)

// NewComposite returns a Store that chains multiple stores together.
// Get checks stores in order and returns the first hit.
// Save writes to all stores.
// SaveIfAbsent and Increment are decided by the last store, which is taken
// to be the shared, authoritative tier; the other tiers are then updated or
// invalidated.
// At least one store must be provided; panics if empty.
func NewComposite(caches ...Store) Store {
	if len(caches) == 0 {
		panic("cache: NewComposite requires at least one cache")
	}
	return &compositeCache{caches: caches}
}

func (c *compositeCache) last() Store {
	return c.caches[len(c.caches)-1]
}

func (c *compositeCache) front() []Store {
	return c.caches[:len(c.caches)-1]
}

func (c *compositeCache) defaultTTL() time.Duration {
	return DefaultTTL(c.last())
}

func (c *compositeCache) volatile() bool {
	return !Durable(c.last())
}

func (c *compositeCache) Get(ctx context.Context, key string) (bool, any, error) {
	for _, cache := range c.caches {
		found, val, err := cache.Get(ctx, key)
		if err != nil {
			return false, nil, err
		}
		if found {
			return true, val, nil
		}
	}
	return false, nil, nil
}

func (c *compositeCache) Save(ctx context.Context, key string, val any, ttl time.Duration) error {
	var firstErr error
	for _, cache := range c.caches {
		if err := cache.Save(ctx, key, val, ttl); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *compositeCache) SaveIfAbsent(ctx context.Context, key string, val any, ttl time.Duration) (bool, error) {
	created, err := c.last().SaveIfAbsent(ctx, key, val, ttl)
	if err != nil || !created {
		return created, err
	}
	for _, cache := range c.front() {
		if err := cache.Save(ctx, key, val, ttl); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (c *compositeCache) Delete(ctx context.Context, key string) (DeleteStatus, error) {
	status := StatusNotFound
	for _, cache := range c.caches {
		s, err := cache.Delete(ctx, key)
		if err != nil {
			return StatusError, err
		}
		if s == StatusDeleted {
			status = StatusDeleted
		}
	}
	return status, nil
}

func (c *compositeCache) invalidate(ctx context.Context, key string) error {
	for _, cache := range c.front() {
		if _, err := cache.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (c *compositeCache) Increment(ctx context.Context, key string, offset int64) (int64, error) {
	n, err := c.last().Increment(ctx, key, offset)
	if err != nil {
		return 0, err
	}
	return n, c.invalidate(ctx, key)
}

func (c *compositeCache) Decrement(ctx context.Context, key string, offset int64) (int64, error) {
	return c.Increment(ctx, key, -offset)
}

func (c *compositeCache) Clean(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, cache := range c.caches {
		g.Go(func() error {
			return cache.Clean(gctx)
		})
	}
	return g.Wait()
}

func (c *compositeCache) GetMetaData(ctx context.Context, key string) (bool, MetaData, error) {
	for _, cache := range c.caches {
		found, md, err := cache.GetMetaData(ctx, key)
		if err != nil {
			return false, MetaData{}, err
		}
		if found {
			return true, md, nil
		}
	}
	return false, MetaData{}, nil
}

func (c *compositeCache) Keys(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	for _, cache := range c.caches {
		e, ok := cache.(Enumerator)
		if !ok {
			continue
		}
		keys, err := e.Keys(ctx)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			seen[k] = true
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (c *compositeCache) Info(ctx context.Context) (Info, error) {
	info := Info{Handler: "composite", Details: map[string]any{}}
	tiers := make([]Info, 0, len(c.caches))
	for _, cache := range c.caches {
		ti, err := cache.Info(ctx)
		if err != nil {
			return Info{}, err
		}
		tiers = append(tiers, ti)
	}
	last := tiers[len(tiers)-1]
	info.Entries = last.Entries
	info.Size = last.Size
	info.Details["tiers"] = tiers
	return info, nil
}

func (c *compositeCache) IsSupported() bool {
	for _, cache := range c.caches {
		if !cache.IsSupported() {
			return false
		}
	}
	return true
}

func (c *compositeCache) Close() error {
	var firstErr error
	for _, cache := range c.caches {
		if err := cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
