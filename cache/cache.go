package cache

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/agentuity/go-kvstore/envelope"
	"github.com/agentuity/go-kvstore/keycodec"
	"github.com/agentuity/go-kvstore/logger"
	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNotNumeric is returned when incrementing a value that is not an integer.
	ErrNotNumeric = errors.New("cache: value is not an integer")
	// ErrNotSupported is returned when a backend is unavailable in this process.
	ErrNotSupported = errors.New("cache: handler not supported")
	// ErrUnknownHandler is returned by New for unrecognized handler names.
	ErrUnknownHandler = errors.New("cache: unknown handler")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("cache: store closed")
)

// Store is the uniform interface implemented by every backend adapter.
//
// Keys are logical keys; each store maps them into its namespace with a
// keycodec.Codec. A missing or expired key is never an error: Get and
// GetMetaData report it through their found result.
type Store interface {
	// Get retrieves a value. Expired entries are deleted on read.
	Get(ctx context.Context, key string) (bool, any, error)
	// Save stores a value, overwriting any previous one. A ttl <= 0 never expires.
	Save(ctx context.Context, key string, val any, ttl time.Duration) error
	// SaveIfAbsent stores a value only if the key is missing or expired,
	// atomically with respect to other writers of the same backend.
	SaveIfAbsent(ctx context.Context, key string, val any, ttl time.Duration) (bool, error)
	// Delete removes a key.
	Delete(ctx context.Context, key string) (DeleteStatus, error)
	// Increment adds offset to an integer value. Missing keys start at zero.
	Increment(ctx context.Context, key string, offset int64) (int64, error)
	// Decrement subtracts offset from an integer value. Missing keys start at zero.
	Decrement(ctx context.Context, key string, offset int64) (int64, error)
	// Clean removes every key in this store's namespace and nothing else.
	Clean(ctx context.Context) error
	// GetMetaData describes a key without touching its TTL.
	GetMetaData(ctx context.Context, key string) (bool, MetaData, error)
	// Info reports backend statistics.
	Info(ctx context.Context) (Info, error)
	// IsSupported reports whether the backend can be used. It has no side effects.
	IsSupported() bool
	// Close releases resources owned by the store.
	Close() error
}

// Enumerator is implemented by stores that can list their logical keys.
// Hashed keys are listed as their digest.
type Enumerator interface {
	Keys(ctx context.Context) ([]string, error)
}

// DeleteStatus is the outcome of Store.Delete.
type DeleteStatus int

const (
	StatusError DeleteStatus = iota
	StatusDeleted
	StatusNotFound
)

func (s DeleteStatus) String() string {
	switch s {
	case StatusDeleted:
		return "deleted"
	case StatusNotFound:
		return "not found"
	default:
		return "error"
	}
}

// MetaData describes a stored entry.
type MetaData struct {
	// Expire is the expiry time; the zero value means the entry never expires.
	Expire time.Time
	// MTime is the time of the last write as known to the backend.
	MTime time.Time
	Data  any
}

// Info reports backend statistics.
type Info struct {
	Handler string
	Entries int64
	Size    int64
	Details map[string]any
}

// DefaultExpires is the default TTL applied by Remember when none is given.
const DefaultExpires = 60 * time.Second

// DefaultTTL returns the TTL s was configured with through WithExpires,
// or DefaultExpires for stores that carry none.
func DefaultTTL(s Store) time.Duration {
	if d, ok := s.(interface{ defaultTTL() time.Duration }); ok {
		if ttl := d.defaultTTL(); ttl > 0 {
			return ttl
		}
	}
	return DefaultExpires
}

// Durable reports whether s keeps every entry until its TTL runs out, with
// ttl <= 0 meaning forever. The dummy store and bigcache drop entries early
// (bigcache at its life window or size cap), so neither can hold records
// that must not vanish, such as session locks.
func Durable(s Store) bool {
	if v, ok := s.(interface{ volatile() bool }); ok {
		return !v.volatile()
	}
	return true
}

// DefaultQueryTimeout is the per-operation timeout for cache backends that
// perform I/O (SQLite, Redis). Prevents indefinite hangs on slow or
// unresponsive storage.
const DefaultQueryTimeout = 5 * time.Second

// DefaultFileMode is applied to File adapter entries after every write.
const DefaultFileMode os.FileMode = 0o640

// settings holds the resolved configuration for a cache implementation.
type settings struct {
	defaultExpires time.Duration
	queryTimeout   time.Duration
	expiryCheck    time.Duration
	prefix         string
	reserved       string
	maxKeyLength   int
	fileMode       os.FileMode
	log            logger.Logger
	now            func() time.Time
}

// Option configures a Store implementation.
type Option func(*settings)

func defaultSettings() settings {
	return settings{
		defaultExpires: DefaultExpires,
		queryTimeout:   DefaultQueryTimeout,
		reserved:       keycodec.DefaultReservedCharacters,
		maxKeyLength:   keycodec.DefaultMaxKeyLength,
		fileMode:       DefaultFileMode,
		log:            logger.NewNopLogger(),
		now:            time.Now,
	}
}

func applyOptions(opts []Option) settings {
	cfg := defaultSettings()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func (c settings) codec() *keycodec.Codec {
	return keycodec.New(c.prefix,
		keycodec.WithReservedCharacters(c.reserved),
		keycodec.WithMaxKeyLength(c.maxKeyLength),
	)
}

// WithExpires sets the TTL Remember uses when called with ttl <= 0.
func WithExpires(d time.Duration) Option {
	return func(c *settings) { c.defaultExpires = d }
}

// WithQueryTimeout sets the per-operation timeout for I/O-backed caches
// (SQLite, Redis). Defaults to DefaultQueryTimeout (5 seconds).
func WithQueryTimeout(d time.Duration) Option {
	return func(c *settings) { c.queryTimeout = d }
}

// WithExpiryCheck enables a background sweep of expired entries at the given
// interval. Applies to InMemory and SQLite backends. Expired entries are
// always removed lazily on read; the sweep is off by default.
func WithExpiryCheck(d time.Duration) Option {
	return func(c *settings) { c.expiryCheck = d }
}

// WithPrefix sets the namespace prefix prepended to every key.
func WithPrefix(p string) Option {
	return func(c *settings) { c.prefix = p }
}

// WithReservedCharacters overrides keycodec.DefaultReservedCharacters.
func WithReservedCharacters(chars string) Option {
	return func(c *settings) { c.reserved = chars }
}

// WithMaxKeyLength sets the physical key length above which keys are hashed.
func WithMaxKeyLength(n int) Option {
	return func(c *settings) { c.maxKeyLength = n }
}

// WithFileMode sets the permissions applied to entry files after each write.
func WithFileMode(mode os.FileMode) Option {
	return func(c *settings) {
		if mode != 0 {
			c.fileMode = mode
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(c *settings) {
		if log != nil {
			c.log = log
		}
	}
}

// WithClock replaces time.Now. Expiry decisions made by the adapter (not by
// a remote server) use this clock.
func WithClock(now func() time.Time) Option {
	return func(c *settings) {
		if now != nil {
			c.now = now
		}
	}
}

// Get retrieves a typed value from the store. Values come back from every
// backend in normalized form (int64, float64, map[string]any, ...); when the
// stored value is not already a T it is converted through msgpack.
func Get[T any](ctx context.Context, s Store, key string) (bool, T, error) {
	var zero T
	found, val, err := s.Get(ctx, key)
	if !found || err != nil {
		return false, zero, err
	}
	if typed, ok := val.(T); ok {
		return true, typed, nil
	}
	result, err := convert[T](val)
	if err != nil {
		return false, zero, err
	}
	return true, result, nil
}

func convert[T any](val any) (T, error) {
	var result T
	data, err := msgpack.Marshal(val)
	if err != nil {
		return result, errors.Wrap(err, "cache: failed to marshal value")
	}
	if err := msgpack.Unmarshal(data, &result); err != nil {
		var zero T
		return zero, errors.Wrapf(err, "cache: cannot convert value of type %T to %T", val, zero)
	}
	return result, nil
}

// Invoker is a function that produces a value of type T.
// The bool return indicates whether a value was found. Return false to signal
// "not found" without caching a zero value (e.g. sql.ErrNoRows scenarios).
type Invoker[T any] func(ctx context.Context) (T, bool, error)

var remembering singleflight.Group

// Remember is a cache-aside helper. It returns the cached value for key if
// present; otherwise it calls invoke, stores the result for ttl and returns
// it. Concurrent misses for the same store and key share one invocation.
// If invoke returns found=false, nothing is cached.
// A failed Save after a successful invoke is swallowed since the caller still
// gets the value.
func Remember[T any](ctx context.Context, s Store, key string, ttl time.Duration, invoke Invoker[T]) (bool, T, error) {
	var zero T
	found, val, err := Get[T](ctx, s, key)
	if err != nil {
		return false, zero, err
	}
	if found {
		return true, val, nil
	}
	if ttl <= 0 {
		ttl = DefaultTTL(s)
	}

	type result struct {
		val   T
		found bool
	}
	v, err, _ := remembering.Do(fmt.Sprintf("%p/%s", s, key), func() (any, error) {
		out, ok, err := invoke(ctx)
		if err != nil || !ok {
			return result{found: false}, err
		}
		_ = s.Save(ctx, key, out, ttl)
		return result{val: out, found: true}, nil
	})
	if err != nil {
		return false, zero, err
	}
	r := v.(result)
	if !r.found {
		return false, zero, nil
	}
	return true, r.val, nil
}

// DeleteMatching removes every key whose logical name matches the glob
// pattern (path.Match syntax). It returns the number of keys deleted.
func DeleteMatching(ctx context.Context, s Store, pattern string) (int, error) {
	e, ok := s.(Enumerator)
	if !ok {
		return 0, errors.Wrapf(ErrNotSupported, "%T cannot enumerate keys", s)
	}
	keys, err := e.Keys(ctx)
	if err != nil {
		return 0, err
	}
	var count int
	for _, k := range keys {
		ok, err := matchKey(pattern, k)
		if err != nil {
			return count, err
		}
		if !ok {
			continue
		}
		status, err := s.Delete(ctx, k)
		if err != nil {
			return count, err
		}
		if status == StatusDeleted {
			count++
		}
	}
	return count, nil
}

// normalize validates and normalizes a value for storage.
func normalize(val any) (any, envelope.Tag, error) {
	v, tag, err := envelope.Normalize(val)
	if err != nil {
		return nil, tag, errors.Wrap(err, "cache")
	}
	return v, tag, nil
}

// bump applies offset to an existing envelope data value.
func bump(current any, offset int64) (int64, error) {
	n, ok := envelope.AsInt64(current)
	if !ok {
		return 0, errors.Wrapf(ErrNotNumeric, "found %s", envelope.TagOf(current))
	}
	return n + offset, nil
}

func matchKey(pattern, key string) (bool, error) {
	ok, err := path.Match(pattern, key)
	if err != nil {
		return false, errors.Wrapf(err, "cache: bad pattern %q", pattern)
	}
	return ok, nil
}

// base carries what every adapter needs: the resolved config and the key codec.
type base struct {
	cfg   settings
	codec *keycodec.Codec
}

func newBase(opts []Option) base {
	cfg := applyOptions(opts)
	return base{cfg: cfg, codec: cfg.codec()}
}

func (b *base) key(k string) (string, error) {
	return b.codec.Encode(k)
}

func (b *base) defaultTTL() time.Duration {
	return b.cfg.defaultExpires
}

func (b *base) now() time.Time {
	return b.cfg.now()
}

// entry normalizes val and wraps it in an envelope written now.
func (b *base) entry(val any, ttl time.Duration) (envelope.Entry, error) {
	v, _, err := normalize(val)
	if err != nil {
		return envelope.Entry{}, err
	}
	return envelope.NewEntry(v, b.now(), ttl), nil
}

func (b *base) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	if b.cfg.queryTimeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, b.cfg.queryTimeout)
}

func metaOf(e envelope.Entry) MetaData {
	md := MetaData{MTime: e.WrittenAt(), Data: e.Data}
	if exp, ok := e.ExpiresAt(); ok {
		md.Expire = exp
	}
	return md
}
