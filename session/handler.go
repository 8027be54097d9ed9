// Package session stores HTTP session payloads with per-session locking.
//
// A [Handler] combines a [Backend] (cache store, Redis, files or a SQL
// table) with a [Locker] so that only one process works on a session at a
// time. Writes of an unchanged payload only extend the session's lifetime.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/agentuity/go-kvstore/logger"
	"github.com/cockroachdb/errors"
)

var (
	// ErrLockNotAcquired is returned when the session lock could not be taken
	// within the configured attempts, or was lost to another holder.
	ErrLockNotAcquired = errors.New("session: lock not acquired")
	// ErrInvalidID is returned for ids that are not valid session ids.
	ErrInvalidID = errors.New("session: invalid id")
	// ErrNotOpen is returned when a handler is used before Open or after Close.
	ErrNotOpen = errors.New("session: handler not open")
)

// Backend persists session payloads. Get reports a missing or expired
// session as not found rather than as an error.
type Backend interface {
	Get(ctx context.Context, id string) ([]byte, bool, error)
	Put(ctx context.Context, id string, data []byte, ttl time.Duration) error
	// Touch extends the lifetime of an existing session without rewriting it.
	Touch(ctx context.Context, id string, ttl time.Duration) error
	Remove(ctx context.Context, id string) error
	// GC removes sessions idle longer than maxLifetime and returns how many
	// it removed. Backends with native expiry return 0.
	GC(ctx context.Context, maxLifetime time.Duration) (int, error)
}

// Opener is implemented by backends that prepare storage when a handler is
// opened, such as creating the save directory.
type Opener interface {
	Open(ctx context.Context, savePath string) error
}

// Handler is the session storage lifecycle used by an HTTP session layer:
// Open once per request, Read the session, Write it back, then Close.
type Handler interface {
	Open(ctx context.Context, savePath, name string) error
	// Read locks id and returns its payload, empty for a new session. When
	// the lock cannot be taken it returns empty data and ErrLockNotAcquired.
	Read(ctx context.Context, id string) ([]byte, error)
	Write(ctx context.Context, id string, data []byte) error
	// Close releases the lock held by this handler.
	Close(ctx context.Context) error
	Destroy(ctx context.Context, id string) error
	GC(ctx context.Context, maxLifetime time.Duration) (int, error)
}

type handler struct {
	backend Backend
	locker  Locker
	opts    options
	log     logger.Logger

	mu        sync.Mutex
	opened    bool
	name      string
	id        string
	keyExists bool
	fp        Fingerprint
}

var _ Handler = (*handler)(nil)

// New returns a Handler storing sessions in backend and serializing access
// to each session through locker. The locker must not be shared with another
// handler.
func New(backend Backend, locker Locker, opts ...Option) Handler {
	o := applyOptions(opts)
	return &handler{backend: backend, locker: locker, opts: o, log: o.log}
}

// sanitizeSuffix maps a client attribute to characters every backend
// accepts in a key.
func sanitizeSuffix(s string) string {
	if s == "" {
		return ""
	}
	return "_" + strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			return r
		}
		return '_'
	}, s)
}

func (h *handler) key(id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	return id + sanitizeSuffix(h.opts.keySuffix), nil
}

func (h *handler) Open(ctx context.Context, savePath, name string) error {
	if o, ok := h.backend.(Opener); ok {
		if err := o.Open(ctx, savePath); err != nil {
			return err
		}
	}
	h.mu.Lock()
	h.opened = true
	h.name = name
	h.mu.Unlock()
	return nil
}

func (h *handler) Read(ctx context.Context, id string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.opened {
		return []byte{}, ErrNotOpen
	}
	key, err := h.key(id)
	if err != nil {
		return []byte{}, err
	}
	if err := h.locker.Acquire(ctx, key); err != nil {
		h.log.Error("unable to lock session %s: %s", id, err)
		h.forget()
		return []byte{}, err
	}
	data, found, err := h.backend.Get(ctx, key)
	if err != nil {
		return []byte{}, errors.Wrapf(err, "session: read %s", id)
	}
	if data == nil {
		data = []byte{}
	}
	h.id = id
	h.keyExists = found
	h.fp = Sum(data)
	return data, nil
}

func (h *handler) Write(ctx context.Context, id string, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.opened {
		return ErrNotOpen
	}
	key, err := h.key(id)
	if err != nil {
		return err
	}
	switch {
	case id != h.id:
		// the id was regenerated since Read
		if err := h.locker.Acquire(ctx, key); err != nil {
			return err
		}
		h.id = id
		h.keyExists = false
	case h.locker.Held() != key:
		if err := h.locker.Acquire(ctx, key); err != nil {
			return err
		}
	default:
		if err := h.locker.Refresh(ctx); err != nil {
			h.forget()
			return err
		}
	}

	fp := Sum(data)
	if h.keyExists && fp == h.fp {
		if err := h.backend.Touch(ctx, key, h.opts.expiration); err != nil {
			return errors.Wrapf(err, "session: touch %s", id)
		}
		return nil
	}
	if err := h.backend.Put(ctx, key, data, h.opts.expiration); err != nil {
		return errors.Wrapf(err, "session: write %s", id)
	}
	h.keyExists = true
	h.fp = fp
	return nil
}

func (h *handler) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forget()
	h.opened = false
	return h.locker.Release(ctx)
}

func (h *handler) Destroy(ctx context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.opened {
		return ErrNotOpen
	}
	key, err := h.key(id)
	if err != nil {
		return err
	}
	if h.locker.Held() != key {
		if err := h.locker.Acquire(ctx, key); err != nil {
			return err
		}
	}
	if err := h.backend.Remove(ctx, key); err != nil {
		return errors.Wrapf(err, "session: destroy %s", id)
	}
	h.id = id
	h.keyExists = false
	h.fp = Fingerprint{}
	return nil
}

func (h *handler) GC(ctx context.Context, maxLifetime time.Duration) (int, error) {
	if maxLifetime <= 0 {
		maxLifetime = h.opts.expiration
	}
	n, err := h.backend.GC(ctx, maxLifetime)
	if err != nil {
		return n, errors.Wrap(err, "session: gc")
	}
	if n > 0 {
		h.log.Debug("removed %d expired sessions", n)
	}
	return n, nil
}

func (h *handler) forget() {
	h.id = ""
	h.keyExists = false
	h.fp = Fingerprint{}
}

// ReadOrEmpty reads id and degrades any failure, lock contention included,
// to an empty session. Callers treat an empty session like a new one.
func ReadOrEmpty(ctx context.Context, h Handler, id string, log logger.Logger) []byte {
	data, err := h.Read(ctx, id)
	if err != nil {
		if log != nil {
			log.Warn("using empty session for %s: %s", id, err)
		}
		return []byte{}
	}
	return data
}
