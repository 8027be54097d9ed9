package cache

import (
	"context"
	"time"

	"github.com/agentuity/go-kvstore/envelope"
	"github.com/agentuity/go-kvstore/logger"
	"github.com/cockroachdb/errors"
	badgerdb "github.com/dgraph-io/badger/v3"
)

// maxConflictRetries bounds how often a read-modify-write transaction is
// retried after badger reports a conflicting concurrent commit.
const maxConflictRetries = 10

type badgerCache struct {
	base
	db    *badgerdb.DB
	owned bool
}

var (
	_ Store      = (*badgerCache)(nil)
	_ Enumerator = (*badgerCache)(nil)
)

// badgerLogger adapts logger.Logger to badger's logging interface.
type badgerLogger struct {
	logger logger.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error("[badger] "+format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn("[badger] "+format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug("[badger] "+format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace("[badger] "+format, args...)
}

// NewBadger opens a badger database at dir and returns a Store over it.
// An empty dir opens an in-memory database.
func NewBadger(dir string, opts ...Option) (Store, error) {
	b := newBase(opts)
	bopts := badgerdb.DefaultOptions(dir)
	if dir == "" {
		bopts = bopts.WithInMemory(true)
	}
	bopts.Logger = badgerLogger{b.cfg.log}
	bopts.NumCompactors = 2
	db, err := badgerdb.Open(bopts)
	if err != nil {
		return nil, errors.Wrapf(err, "cache: open badger %q", dir)
	}
	return &badgerCache{base: b, db: db, owned: true}, nil
}

// NewBadgerDB returns a Store over an open database the caller keeps
// ownership of.
func NewBadgerDB(db *badgerdb.DB, opts ...Option) Store {
	return &badgerCache{base: newBase(opts), db: db}
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (c *badgerCache) update(fn func(txn *badgerdb.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = c.db.Update(fn)
		if !errors.Is(err, badgerdb.ErrConflict) {
			return err
		}
	}
	return err
}

// live reads k inside txn. Entries past their envelope expiry are treated as
// absent even when badger has not yet dropped them.
func (c *badgerCache) live(txn *badgerdb.Txn, k string) (envelope.Entry, bool, error) {
	item, err := txn.Get([]byte(k))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return envelope.Entry{}, false, nil
	}
	if err != nil {
		return envelope.Entry{}, false, err
	}
	buf, err := item.ValueCopy(nil)
	if err != nil {
		return envelope.Entry{}, false, err
	}
	e, err := envelope.Decode(buf)
	if err != nil {
		c.cfg.log.Warn("malformed entry %s: %s", k, err)
		return envelope.Entry{}, false, nil
	}
	if e.Expired(c.now()) {
		return envelope.Entry{}, false, nil
	}
	return e, true, nil
}

func (c *badgerCache) set(txn *badgerdb.Txn, k string, e envelope.Entry) error {
	buf, err := envelope.Encode(e)
	if err != nil {
		return err
	}
	entry := badgerdb.NewEntry([]byte(k), buf)
	if e.TTL > 0 {
		entry = entry.WithTTL(time.Duration(e.TTL) * time.Second)
	}
	return txn.SetEntry(entry)
}

func (c *badgerCache) Get(_ context.Context, key string) (bool, any, error) {
	k, err := c.key(key)
	if err != nil {
		return false, nil, err
	}
	var e envelope.Entry
	var found, expired bool
	err = c.db.View(func(txn *badgerdb.Txn) error {
		var err error
		e, found, err = c.live(txn, k)
		if err == nil && !found {
			_, err2 := txn.Get([]byte(k))
			expired = err2 == nil
		}
		return err
	})
	if err != nil {
		return false, nil, err
	}
	if expired {
		if err := c.update(func(txn *badgerdb.Txn) error {
			if _, ok, err := c.live(txn, k); ok || err != nil {
				return err
			}
			return txn.Delete([]byte(k))
		}); err != nil {
			c.cfg.log.Warn("failed to remove expired key %s: %s", k, err)
		}
	}
	if !found {
		return false, nil, nil
	}
	return true, e.Data, nil
}

func (c *badgerCache) Save(_ context.Context, key string, val any, ttl time.Duration) error {
	k, err := c.key(key)
	if err != nil {
		return err
	}
	e, err := c.entry(val, ttl)
	if err != nil {
		return err
	}
	return c.update(func(txn *badgerdb.Txn) error {
		return c.set(txn, k, e)
	})
}

func (c *badgerCache) SaveIfAbsent(_ context.Context, key string, val any, ttl time.Duration) (bool, error) {
	k, err := c.key(key)
	if err != nil {
		return false, err
	}
	e, err := c.entry(val, ttl)
	if err != nil {
		return false, err
	}
	var created bool
	err = c.update(func(txn *badgerdb.Txn) error {
		created = false
		_, ok, err := c.live(txn, k)
		if err != nil || ok {
			return err
		}
		created = true
		return c.set(txn, k, e)
	})
	return created, err
}

func (c *badgerCache) Delete(_ context.Context, key string) (DeleteStatus, error) {
	k, err := c.key(key)
	if err != nil {
		return StatusError, err
	}
	status := StatusNotFound
	err = c.update(func(txn *badgerdb.Txn) error {
		_, ok, err := c.live(txn, k)
		if err != nil {
			return err
		}
		status = StatusNotFound
		if ok {
			status = StatusDeleted
		}
		return txn.Delete([]byte(k))
	})
	if err != nil {
		return StatusError, err
	}
	return status, nil
}

func (c *badgerCache) Increment(_ context.Context, key string, offset int64) (int64, error) {
	k, err := c.key(key)
	if err != nil {
		return 0, err
	}
	var result int64
	err = c.update(func(txn *badgerdb.Txn) error {
		e, ok, err := c.live(txn, k)
		if err != nil {
			return err
		}
		if !ok {
			e = envelope.NewEntry(offset, c.now(), 0)
		} else {
			n, err := bump(e.Data, offset)
			if err != nil {
				return err
			}
			e.Data = n
		}
		result, _ = envelope.AsInt64(e.Data)
		return c.set(txn, k, e)
	})
	if err != nil {
		return 0, err
	}
	return result, nil
}

func (c *badgerCache) Decrement(ctx context.Context, key string, offset int64) (int64, error) {
	return c.Increment(ctx, key, -offset)
}

// Clean drops every key under the prefix.
func (c *badgerCache) Clean(_ context.Context) error {
	p := c.codec.Prefix()
	if p == "" {
		return c.db.DropAll()
	}
	return c.db.DropPrefix([]byte(p))
}

func (c *badgerCache) GetMetaData(_ context.Context, key string) (bool, MetaData, error) {
	k, err := c.key(key)
	if err != nil {
		return false, MetaData{}, err
	}
	var e envelope.Entry
	var found bool
	err = c.db.View(func(txn *badgerdb.Txn) error {
		var err error
		e, found, err = c.live(txn, k)
		return err
	})
	if err != nil || !found {
		return false, MetaData{}, err
	}
	return true, metaOf(e), nil
}

func (c *badgerCache) Keys(_ context.Context) ([]string, error) {
	var keys []string
	prefix := []byte(c.codec.Prefix())
	err := c.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if logical, ok := c.codec.Decode(string(it.Item().Key())); ok && logical != "" {
				keys = append(keys, logical)
			}
		}
		return nil
	})
	return keys, err
}

func (c *badgerCache) Info(ctx context.Context) (Info, error) {
	keys, err := c.Keys(ctx)
	if err != nil {
		return Info{}, err
	}
	lsm, vlog := c.db.Size()
	return Info{
		Handler: "badger",
		Entries: int64(len(keys)),
		Size:    lsm + vlog,
		Details: map[string]any{"lsm": lsm, "vlog": vlog},
	}, nil
}

func (c *badgerCache) IsSupported() bool {
	return !c.db.IsClosed()
}

func (c *badgerCache) Close() error {
	if c.owned && !c.db.IsClosed() {
		return c.db.Close()
	}
	return nil
}
