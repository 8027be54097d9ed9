package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentuity/go-kvstore/envelope"
)

type inMemoryCache struct {
	base
	ctx       context.Context
	cancel    context.CancelFunc
	cache     map[string]envelope.Entry
	mutex     sync.Mutex
	waitGroup sync.WaitGroup
	once      sync.Once
}

var (
	_ Store      = (*inMemoryCache)(nil)
	_ Enumerator = (*inMemoryCache)(nil)
)

// NewInMemory returns a Store backed by a map owned by the returned value.
// Each call creates an independent store; nothing is shared process-wide.
func NewInMemory(parent context.Context, opts ...Option) Store {
	ctx, cancel := context.WithCancel(parent)
	c := &inMemoryCache{
		base:   newBase(opts),
		ctx:    ctx,
		cancel: cancel,
		cache:  make(map[string]envelope.Entry),
	}
	if c.cfg.expiryCheck > 0 {
		c.waitGroup.Add(1)
		go c.run()
	}
	return c
}

// lookup returns the live entry for k, deleting it if expired. The caller
// holds the mutex.
func (c *inMemoryCache) lookup(k string) (envelope.Entry, bool) {
	e, ok := c.cache[k]
	if !ok {
		return envelope.Entry{}, false
	}
	if e.Expired(c.now()) {
		delete(c.cache, k)
		c.cfg.log.Debug("expired key %s removed on read", k)
		return envelope.Entry{}, false
	}
	return e, true
}

func (c *inMemoryCache) Get(_ context.Context, key string) (bool, any, error) {
	k, err := c.key(key)
	if err != nil {
		return false, nil, err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	e, ok := c.lookup(k)
	if !ok {
		return false, nil, nil
	}
	return true, envelope.Clone(e.Data), nil
}

func (c *inMemoryCache) Save(_ context.Context, key string, val any, ttl time.Duration) error {
	k, err := c.key(key)
	if err != nil {
		return err
	}
	e, err := c.entry(val, ttl)
	if err != nil {
		return err
	}
	c.mutex.Lock()
	c.cache[k] = e
	c.mutex.Unlock()
	return nil
}

func (c *inMemoryCache) SaveIfAbsent(_ context.Context, key string, val any, ttl time.Duration) (bool, error) {
	k, err := c.key(key)
	if err != nil {
		return false, err
	}
	e, err := c.entry(val, ttl)
	if err != nil {
		return false, err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, ok := c.lookup(k); ok {
		return false, nil
	}
	c.cache[k] = e
	return true, nil
}

func (c *inMemoryCache) Delete(_ context.Context, key string) (DeleteStatus, error) {
	k, err := c.key(key)
	if err != nil {
		return StatusError, err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, ok := c.lookup(k); !ok {
		return StatusNotFound, nil
	}
	delete(c.cache, k)
	return StatusDeleted, nil
}

func (c *inMemoryCache) Increment(_ context.Context, key string, offset int64) (int64, error) {
	k, err := c.key(key)
	if err != nil {
		return 0, err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	e, ok := c.lookup(k)
	if !ok {
		c.cache[k] = envelope.NewEntry(offset, c.now(), 0)
		return offset, nil
	}
	n, err := bump(e.Data, offset)
	if err != nil {
		return 0, err
	}
	e.Data = n
	c.cache[k] = e
	return n, nil
}

func (c *inMemoryCache) Decrement(ctx context.Context, key string, offset int64) (int64, error) {
	return c.Increment(ctx, key, -offset)
}

func (c *inMemoryCache) Clean(_ context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for k := range c.cache {
		if c.codec.Owns(k) {
			delete(c.cache, k)
		}
	}
	return nil
}

func (c *inMemoryCache) GetMetaData(_ context.Context, key string) (bool, MetaData, error) {
	k, err := c.key(key)
	if err != nil {
		return false, MetaData{}, err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	e, ok := c.lookup(k)
	if !ok {
		return false, MetaData{}, nil
	}
	md := metaOf(e)
	md.Data = envelope.Clone(md.Data)
	return true, md, nil
}

func (c *inMemoryCache) Keys(_ context.Context) ([]string, error) {
	now := c.now()
	c.mutex.Lock()
	keys := make([]string, 0, len(c.cache))
	for k, e := range c.cache {
		if e.Expired(now) {
			continue
		}
		if logical, ok := c.codec.Decode(k); ok {
			keys = append(keys, logical)
		}
	}
	c.mutex.Unlock()
	sort.Strings(keys)
	return keys, nil
}

func (c *inMemoryCache) Info(_ context.Context) (Info, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return Info{Handler: "memory", Entries: int64(len(c.cache))}, nil
}

func (c *inMemoryCache) IsSupported() bool {
	return true
}

func (c *inMemoryCache) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.waitGroup.Wait()
	})
	return nil
}

func (c *inMemoryCache) run() {
	defer c.waitGroup.Done()
	ticker := time.NewTicker(c.cfg.expiryCheck)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *inMemoryCache) sweep() int {
	now := c.now()
	var removed int
	c.mutex.Lock()
	for key, e := range c.cache {
		if e.Expired(now) {
			delete(c.cache, key)
			removed++
		}
	}
	c.mutex.Unlock()
	return removed
}
