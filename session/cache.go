package session

import (
	"context"
	"time"

	"github.com/agentuity/go-kvstore/cache"
	"github.com/cockroachdb/errors"
)

type cacheBackend struct {
	store  cache.Store
	prefix string
}

var _ Backend = (*cacheBackend)(nil)

// NewCacheBackend stores sessions in any cache.Store as string values under
// prefix+id. Expiry is the store's TTL, so GC does nothing.
func NewCacheBackend(store cache.Store, opts ...Option) Backend {
	o := applyOptions(opts)
	return &cacheBackend{store: store, prefix: o.prefix}
}

func (c *cacheBackend) Get(ctx context.Context, id string) ([]byte, bool, error) {
	found, val, err := c.store.Get(ctx, c.prefix+id)
	if err != nil || !found {
		return nil, false, err
	}
	s, ok := val.(string)
	if !ok {
		return nil, false, errors.Newf("session: %s holds %T, not a session payload", id, val)
	}
	return []byte(s), true, nil
}

func (c *cacheBackend) Put(ctx context.Context, id string, data []byte, ttl time.Duration) error {
	return c.store.Save(ctx, c.prefix+id, string(data), ttl)
}

// Touch rewrites the payload with a fresh ttl, since a Store has no
// expire-only operation.
func (c *cacheBackend) Touch(ctx context.Context, id string, ttl time.Duration) error {
	found, meta, err := c.store.GetMetaData(ctx, c.prefix+id)
	if err != nil {
		return err
	}
	if !found {
		return errors.Newf("session: %s vanished before touch", id)
	}
	return c.store.Save(ctx, c.prefix+id, meta.Data, ttl)
}

func (c *cacheBackend) Remove(ctx context.Context, id string) error {
	_, err := c.store.Delete(ctx, c.prefix+id)
	return err
}

func (c *cacheBackend) GC(context.Context, time.Duration) (int, error) {
	return 0, nil
}
