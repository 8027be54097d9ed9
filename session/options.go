package session

import (
	"os"
	"time"

	"github.com/agentuity/go-kvstore/logger"
)

// Lock defaults.
const (
	DefaultLockAttempts = 30
	DefaultLockInterval = time.Second
	DefaultLockLease    = 300 * time.Second
)

// DefaultExpiration is the session lifetime used when none is configured.
const DefaultExpiration = 2 * time.Hour

type options struct {
	prefix     string
	table      string
	fileMode   os.FileMode
	expiration time.Duration
	keySuffix  string
	attempts   int
	interval   time.Duration
	lease      time.Duration
	log        logger.Logger
	now        func() time.Time
}

// Option configures handlers, backends and lockers. Each constructor reads
// only the settings that apply to it.
type Option func(*options)

func applyOptions(opts []Option) options {
	o := options{
		table:      "sessions",
		fileMode:   0o600,
		expiration: DefaultExpiration,
		attempts:   DefaultLockAttempts,
		interval:   DefaultLockInterval,
		lease:      DefaultLockLease,
		log:        logger.NewNopLogger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithPrefix namespaces backend keys and lock keys.
func WithPrefix(p string) Option {
	return func(o *options) { o.prefix = p }
}

// WithTable sets the database backend's table name.
func WithTable(name string) Option {
	return func(o *options) {
		if name != "" {
			o.table = name
		}
	}
}

// WithFileMode sets the permissions of session files.
func WithFileMode(mode os.FileMode) Option {
	return func(o *options) {
		if mode != 0 {
			o.fileMode = mode
		}
	}
}

// WithExpiration sets how long a session lives after its last write.
func WithExpiration(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.expiration = d
		}
	}
}

// WithKeySuffix binds session keys to a client attribute, typically its
// address, so a stolen id is useless from elsewhere.
func WithKeySuffix(s string) Option {
	return func(o *options) { o.keySuffix = s }
}

// WithLockAttempts sets how many times a lock is tried before giving up.
func WithLockAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.attempts = n
		}
	}
}

// WithLockInterval sets the wait between lock attempts.
func WithLockInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithLockLease sets how long a lock survives without a refresh.
func WithLockLease(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lease = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithClock replaces time.Now for expiry decisions made locally.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
