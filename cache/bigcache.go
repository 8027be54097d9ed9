package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentuity/go-kvstore/envelope"
	"github.com/agentuity/go-kvstore/logger"
	"github.com/allegro/bigcache/v3"
	"github.com/cockroachdb/errors"
)

// bigCacheStore keeps envelopes in a sharded bigcache. bigcache only knows a
// global life window, so per-entry TTLs come from the envelope and are checked
// on read. The mutex serializes read-modify-write operations; plain reads go
// straight to the sharded cache.
type bigCacheStore struct {
	base
	cache *bigcache.BigCache
	mu    sync.Mutex
}

var (
	_ Store      = (*bigCacheStore)(nil)
	_ Enumerator = (*bigCacheStore)(nil)
)

type bigCacheLogger struct {
	logger logger.Logger
}

func (l bigCacheLogger) Printf(format string, args ...interface{}) {
	l.logger.Debug("[bigcache] "+format, args...)
}

// DefaultBigCacheConfig returns the bigcache settings used by New. The life
// window caps how long any entry survives regardless of its TTL.
func DefaultBigCacheConfig() bigcache.Config {
	bc := bigcache.DefaultConfig(24 * time.Hour)
	bc.CleanWindow = 5 * time.Minute
	bc.Verbose = false
	return bc
}

// NewBigCache returns a Store backed by an in-process bigcache. Entries live
// at most bc.LifeWindow whatever their TTL, ttl <= 0 included, and may be
// evicted earlier once bc.HardMaxCacheSize is reached. Durable reports false
// for it.
func NewBigCache(ctx context.Context, bc bigcache.Config, opts ...Option) (Store, error) {
	b := newBase(opts)
	bc.Logger = bigCacheLogger{b.cfg.log}
	cache, err := bigcache.New(ctx, bc)
	if err != nil {
		return nil, errors.Wrap(err, "cache: create bigcache")
	}
	return &bigCacheStore{base: b, cache: cache}, nil
}

func (c *bigCacheStore) volatile() bool {
	return true
}

func (c *bigCacheStore) load(k string) (envelope.Entry, bool, error) {
	buf, err := c.cache.Get(k)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return envelope.Entry{}, false, nil
	}
	if err != nil {
		return envelope.Entry{}, false, err
	}
	e, err := envelope.Decode(buf)
	if err != nil {
		c.cfg.log.Warn("malformed entry %s: %s", k, err)
		return envelope.Entry{}, false, nil
	}
	return e, true, nil
}

// live returns the unexpired entry for k, deleting it when expired. The
// caller holds the mutex.
func (c *bigCacheStore) live(k string) (envelope.Entry, bool, error) {
	e, ok, err := c.load(k)
	if err != nil || !ok {
		return e, false, err
	}
	if e.Expired(c.now()) {
		_ = c.cache.Delete(k)
		c.cfg.log.Debug("expired key %s removed on read", k)
		return envelope.Entry{}, false, nil
	}
	return e, true, nil
}

func (c *bigCacheStore) set(k string, e envelope.Entry) error {
	buf, err := envelope.Encode(e)
	if err != nil {
		return err
	}
	return c.cache.Set(k, buf)
}

func (c *bigCacheStore) Get(_ context.Context, key string) (bool, any, error) {
	k, err := c.key(key)
	if err != nil {
		return false, nil, err
	}
	e, ok, err := c.load(k)
	if err != nil || !ok {
		return false, nil, err
	}
	if e.Expired(c.now()) {
		c.mu.Lock()
		_, _, _ = c.live(k)
		c.mu.Unlock()
		return false, nil, nil
	}
	return true, e.Data, nil
}

func (c *bigCacheStore) Save(_ context.Context, key string, val any, ttl time.Duration) error {
	k, err := c.key(key)
	if err != nil {
		return err
	}
	e, err := c.entry(val, ttl)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set(k, e)
}

func (c *bigCacheStore) SaveIfAbsent(_ context.Context, key string, val any, ttl time.Duration) (bool, error) {
	k, err := c.key(key)
	if err != nil {
		return false, err
	}
	e, err := c.entry(val, ttl)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok, err := c.live(k); ok || err != nil {
		return false, err
	}
	return true, c.set(k, e)
}

func (c *bigCacheStore) Delete(_ context.Context, key string) (DeleteStatus, error) {
	k, err := c.key(key)
	if err != nil {
		return StatusError, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok, err := c.live(k)
	if err != nil {
		return StatusError, err
	}
	if !ok {
		return StatusNotFound, nil
	}
	if err := c.cache.Delete(k); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return StatusError, err
	}
	return StatusDeleted, nil
}

func (c *bigCacheStore) Increment(_ context.Context, key string, offset int64) (int64, error) {
	k, err := c.key(key)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok, err := c.live(k)
	if err != nil {
		return 0, err
	}
	if !ok {
		e = envelope.NewEntry(offset, c.now(), 0)
	} else {
		n, err := bump(e.Data, offset)
		if err != nil {
			return 0, err
		}
		e.Data = n
	}
	if err := c.set(k, e); err != nil {
		return 0, err
	}
	n, _ := envelope.AsInt64(e.Data)
	return n, nil
}

func (c *bigCacheStore) Decrement(ctx context.Context, key string, offset int64) (int64, error) {
	return c.Increment(ctx, key, -offset)
}

// physicalKeys lists every key in the namespace.
func (c *bigCacheStore) physicalKeys() []string {
	var keys []string
	it := c.cache.Iterator()
	for it.SetNext() {
		info, err := it.Value()
		if err != nil {
			continue
		}
		if c.codec.Owns(info.Key()) {
			keys = append(keys, info.Key())
		}
	}
	return keys
}

func (c *bigCacheStore) Clean(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.codec.Prefix() == "" {
		return c.cache.Reset()
	}
	for _, k := range c.physicalKeys() {
		if err := c.cache.Delete(k); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
			return err
		}
	}
	return nil
}

func (c *bigCacheStore) GetMetaData(_ context.Context, key string) (bool, MetaData, error) {
	k, err := c.key(key)
	if err != nil {
		return false, MetaData{}, err
	}
	e, ok, err := c.load(k)
	if err != nil || !ok || e.Expired(c.now()) {
		return false, MetaData{}, err
	}
	return true, metaOf(e), nil
}

func (c *bigCacheStore) Keys(_ context.Context) ([]string, error) {
	phys := c.physicalKeys()
	keys := make([]string, 0, len(phys))
	for _, k := range phys {
		if logical, ok := c.codec.Decode(k); ok && logical != "" {
			keys = append(keys, logical)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *bigCacheStore) Info(_ context.Context) (Info, error) {
	stats := c.cache.Stats()
	return Info{
		Handler: "bigcache",
		Entries: int64(c.cache.Len()),
		Size:    int64(c.cache.Capacity()),
		Details: map[string]any{
			"hits":       stats.Hits,
			"misses":     stats.Misses,
			"collisions": stats.Collisions,
		},
	}, nil
}

func (c *bigCacheStore) IsSupported() bool {
	return true
}

func (c *bigCacheStore) Close() error {
	return c.cache.Close()
}
