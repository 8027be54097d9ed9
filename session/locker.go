package session

import (
	"context"
	"sync"
	"time"

	"github.com/agentuity/go-kvstore/cache"
	"github.com/agentuity/go-kvstore/logger"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// LockState is the state of a Locker.
type LockState int32

const (
	Unlocked LockState = iota
	Acquiring
	Held
	Releasing
)

func (s LockState) String() string {
	switch s {
	case Acquiring:
		return "acquiring"
	case Held:
		return "held"
	case Releasing:
		return "releasing"
	default:
		return "unlocked"
	}
}

// Locker is a mutual-exclusion lock over session ids, shared by every process
// using the same backend. A Locker holds at most one id at a time and belongs
// to a single handler.
type Locker interface {
	// Acquire takes the lock for id, polling until it is free, the attempts
	// run out (ErrLockNotAcquired) or ctx is done. Acquiring the id already
	// held refreshes its lease; acquiring another id releases the current one.
	Acquire(ctx context.Context, id string) error
	// Refresh extends the lease of the held lock.
	Refresh(ctx context.Context) error
	// Release frees the held lock. It is a no-op when nothing is held.
	Release(ctx context.Context) error
	State() LockState
	// Held returns the id currently locked, or "".
	Held() string
}

// lockPrimitive is the backend half of a lock: an atomic create-if-absent
// with a lease, plus owner-checked refresh and delete.
type lockPrimitive interface {
	key(id string) string
	tryLock(ctx context.Context, key, token string, lease time.Duration) (bool, error)
	refresh(ctx context.Context, key, token string, lease time.Duration) (bool, error)
	unlock(ctx context.Context, key, token string) error
}

type lock struct {
	prim     lockPrimitive
	attempts int
	interval time.Duration
	lease    time.Duration
	log      logger.Logger

	mu    sync.Mutex
	state LockState
	id    string
	key   string
	token string
}

var _ Locker = (*lock)(nil)

func newLock(prim lockPrimitive, o options) *lock {
	return &lock{
		prim:     prim,
		attempts: o.attempts,
		interval: o.interval,
		lease:    o.lease,
		log:      o.log,
	}
}

func (l *lock) State() LockState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *lock) Held() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Held {
		return ""
	}
	return l.id
}

func (l *lock) setState(s LockState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *lock) Acquire(ctx context.Context, id string) error {
	if held := l.Held(); held != "" {
		if held == id {
			err := l.Refresh(ctx)
			if err == nil {
				return nil
			}
			l.log.Warn("lock for session %s was lost, reacquiring: %s", id, err)
			if l.State() == Held {
				_ = l.Release(ctx)
			}
		} else if err := l.Release(ctx); err != nil {
			l.log.Warn("failed to release lock for session %s: %s", held, err)
		}
	}

	key := l.prim.key(id)
	token := uuid.NewString()
	l.mu.Lock()
	l.state = Acquiring
	l.id, l.key, l.token = id, key, token
	l.mu.Unlock()

	for attempt := 1; ; attempt++ {
		ok, err := l.prim.tryLock(ctx, key, token, l.lease)
		if err != nil {
			l.reset()
			return errors.Wrapf(err, "session: lock %s", id)
		}
		if ok {
			l.setState(Held)
			return nil
		}
		if attempt >= l.attempts {
			break
		}
		timer := time.NewTimer(l.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.reset()
			return ctx.Err()
		case <-timer.C:
		}
	}
	l.reset()
	l.log.Warn("unable to obtain lock for session %s after %d attempts", id, l.attempts)
	return errors.Wrapf(ErrLockNotAcquired, "session %s after %d attempts", id, l.attempts)
}

func (l *lock) reset() {
	l.mu.Lock()
	l.state = Unlocked
	l.id, l.key, l.token = "", "", ""
	l.mu.Unlock()
}

func (l *lock) Refresh(ctx context.Context) error {
	l.mu.Lock()
	state, key, token := l.state, l.key, l.token
	l.mu.Unlock()
	if state != Held {
		return errors.Wrap(ErrLockNotAcquired, "no lock held")
	}
	ok, err := l.prim.refresh(ctx, key, token, l.lease)
	if err != nil {
		return err
	}
	if !ok {
		l.reset()
		return errors.Wrap(ErrLockNotAcquired, "lease expired and was taken over")
	}
	return nil
}

func (l *lock) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.state != Held {
		l.mu.Unlock()
		return nil
	}
	l.state = Releasing
	key, token := l.key, l.token
	l.mu.Unlock()

	err := l.prim.unlock(ctx, key, token)
	l.reset()
	return err
}

// storeLock builds locks on any cache.Store through SaveIfAbsent.
type storeLock struct {
	store cache.Store
}

// NewStoreLocker returns a Locker keeping lock records in store. Refresh and
// release compare the owner token before writing; the compare and the write
// are separate calls, so an expired lease can be overwritten between them.
// store must be cache.Durable: a store that drops records early loses locks.
func NewStoreLocker(store cache.Store, opts ...Option) Locker {
	return newLock(&storeLock{store: store}, applyOptions(opts))
}

func (s *storeLock) key(id string) string {
	return "lock_" + id
}

func (s *storeLock) tryLock(ctx context.Context, key, token string, lease time.Duration) (bool, error) {
	return s.store.SaveIfAbsent(ctx, key, token, lease)
}

func (s *storeLock) owned(ctx context.Context, key, token string) (bool, error) {
	found, val, err := s.store.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	return val == token, nil
}

func (s *storeLock) refresh(ctx context.Context, key, token string, lease time.Duration) (bool, error) {
	ok, err := s.owned(ctx, key, token)
	if err != nil || !ok {
		return false, err
	}
	return true, s.store.Save(ctx, key, token, lease)
}

func (s *storeLock) unlock(ctx context.Context, key, token string) error {
	ok, err := s.owned(ctx, key, token)
	if err != nil || !ok {
		return err
	}
	_, err = s.store.Delete(ctx, key)
	return err
}
