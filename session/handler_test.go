package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentuity/go-kvstore/cache"
	"github.com/agentuity/go-kvstore/logger"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingBackend records every call so tests can assert which backend
// operations a handler issued.
type countingBackend struct {
	mu      sync.Mutex
	data    map[string][]byte
	ttl     map[string]time.Duration
	puts    int
	touches int
	removes int
	gcs     int
	failGet error
}

func newCountingBackend() *countingBackend {
	return &countingBackend{data: make(map[string][]byte), ttl: make(map[string]time.Duration)}
}

func (b *countingBackend) Get(_ context.Context, id string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failGet != nil {
		return nil, false, b.failGet
	}
	d, ok := b.data[id]
	return d, ok, nil
}

func (b *countingBackend) Put(_ context.Context, id string, data []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.puts++
	b.data[id] = append([]byte(nil), data...)
	b.ttl[id] = ttl
	return nil
}

func (b *countingBackend) Touch(_ context.Context, id string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.touches++
	b.ttl[id] = ttl
	return nil
}

func (b *countingBackend) Remove(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removes++
	delete(b.data, id)
	return nil
}

func (b *countingBackend) GC(context.Context, time.Duration) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gcs++
	return 2, nil
}

func (b *countingBackend) counts() (puts, touches int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.puts, b.touches
}

type handlerFixture struct {
	backend *countingBackend
	locks   cache.Store
	handler Handler
}

func newHandlerFixture(t *testing.T, opts ...Option) handlerFixture {
	t.Helper()
	locks := cache.NewInMemory(context.Background())
	t.Cleanup(func() { locks.Close() })
	backend := newCountingBackend()
	opts = fastLock(opts...)
	h := New(backend, NewStoreLocker(locks, opts...), opts...)
	require.NoError(t, h.Open(context.Background(), "", "kv_session"))
	return handlerFixture{backend: backend, locks: locks, handler: h}
}

func newTestID(t *testing.T) string {
	t.Helper()
	id, err := NewID(0)
	require.NoError(t, err)
	return id
}

func TestHandlerWriteSkipsUnchangedPayload(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture(t, WithExpiration(time.Hour))
	id := newTestID(t)

	data, err := f.handler.Read(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.NotNil(t, data)

	require.NoError(t, f.handler.Write(ctx, id, []byte("a=1")))
	puts, touches := f.backend.counts()
	assert.Equal(t, 1, puts)
	assert.Equal(t, 0, touches)

	require.NoError(t, f.handler.Write(ctx, id, []byte("a=1")))
	puts, touches = f.backend.counts()
	assert.Equal(t, 1, puts, "an identical payload must not be rewritten")
	assert.Equal(t, 1, touches)
	assert.Equal(t, time.Hour, f.backend.ttl[id])

	require.NoError(t, f.handler.Write(ctx, id, []byte("a=2")))
	puts, touches = f.backend.counts()
	assert.Equal(t, 2, puts)
	assert.Equal(t, 1, touches)
	assert.Equal(t, []byte("a=2"), f.backend.data[id])
}

func TestHandlerWriteAfterReadOfExistingSession(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture(t)
	id := newTestID(t)
	f.backend.data[id] = []byte("stored")

	data, err := f.handler.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("stored"), data)

	require.NoError(t, f.handler.Write(ctx, id, []byte("stored")))
	puts, touches := f.backend.counts()
	assert.Equal(t, 0, puts)
	assert.Equal(t, 1, touches)
}

func TestHandlerWriteEmptyNewSessionIsPersisted(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture(t)
	id := newTestID(t)

	_, err := f.handler.Read(ctx, id)
	require.NoError(t, err)
	require.NoError(t, f.handler.Write(ctx, id, []byte{}))
	puts, _ := f.backend.counts()
	assert.Equal(t, 1, puts)
}

func TestHandlerRegeneratedID(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture(t)
	oldID, newID := newTestID(t), newTestID(t)
	f.backend.data[oldID] = []byte("payload")

	_, err := f.handler.Read(ctx, oldID)
	require.NoError(t, err)
	require.NoError(t, f.handler.Write(ctx, newID, []byte("payload")))

	puts, touches := f.backend.counts()
	assert.Equal(t, 1, puts, "a new id is always written in full")
	assert.Equal(t, 0, touches)
	assert.Equal(t, []byte("payload"), f.backend.data[newID])

	found, _, err := f.locks.Get(ctx, "lock_"+oldID)
	require.NoError(t, err)
	assert.False(t, found, "the old id's lock is released")
	found, _, err = f.locks.Get(ctx, "lock_"+newID)
	require.NoError(t, err)
	assert.True(t, found)

	require.NoError(t, f.handler.Close(ctx))
	found, _, err = f.locks.Get(ctx, "lock_"+newID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHandlerReadUnderContention(t *testing.T) {
	ctx := context.Background()
	locks := cache.NewInMemory(ctx)
	defer locks.Close()
	backend := newCountingBackend()
	id := newTestID(t)
	backend.data[id] = []byte("secret")

	first := New(backend, NewStoreLocker(locks, fastLock()...))
	require.NoError(t, first.Open(ctx, "", "kv_session"))
	_, err := first.Read(ctx, id)
	require.NoError(t, err)

	log := logger.NewTestLogger()
	second := New(backend, NewStoreLocker(locks, fastLock()...), WithLogger(log))
	require.NoError(t, second.Open(ctx, "", "kv_session"))
	data, err := second.Read(ctx, id)
	assert.ErrorIs(t, err, ErrLockNotAcquired)
	assert.Empty(t, data)

	assert.Empty(t, ReadOrEmpty(ctx, second, id, log))
	assert.True(t, log.Contains("WARNING", "using empty session for "+id))

	require.NoError(t, first.Close(ctx))
	data, err = second.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), data)
	assert.Equal(t, []byte("secret"), ReadOrEmpty(ctx, second, id, log))
}

func TestHandlerReadBackendError(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture(t)
	f.backend.failGet = errors.New("connection reset")
	id := newTestID(t)

	_, err := f.handler.Read(ctx, id)
	assert.ErrorContains(t, err, "connection reset")
	assert.Empty(t, ReadOrEmpty(ctx, f.handler, id, nil))
}

func TestHandlerRequiresOpen(t *testing.T) {
	ctx := context.Background()
	backend := newCountingBackend()
	store := cache.NewInMemory(ctx)
	defer store.Close()
	h := New(backend, NewStoreLocker(store))
	id := newTestID(t)

	_, err := h.Read(ctx, id)
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.ErrorIs(t, h.Write(ctx, id, nil), ErrNotOpen)
	assert.ErrorIs(t, h.Destroy(ctx, id), ErrNotOpen)

	require.NoError(t, h.Open(ctx, "", "kv_session"))
	_, err = h.Read(ctx, id)
	require.NoError(t, err)
	require.NoError(t, h.Close(ctx))
	_, err = h.Read(ctx, id)
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestHandlerRejectsInvalidID(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture(t)

	_, err := f.handler.Read(ctx, "../../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidID)
	assert.ErrorIs(t, f.handler.Write(ctx, "short", []byte("x")), ErrInvalidID)
	assert.ErrorIs(t, f.handler.Destroy(ctx, ""), ErrInvalidID)
}

func TestHandlerDestroy(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture(t)
	id := newTestID(t)

	_, err := f.handler.Read(ctx, id)
	require.NoError(t, err)
	require.NoError(t, f.handler.Write(ctx, id, []byte("x")))
	require.NoError(t, f.handler.Destroy(ctx, id))
	assert.NotContains(t, f.backend.data, id)

	// the session is gone, so the same payload is written in full again
	require.NoError(t, f.handler.Write(ctx, id, []byte("x")))
	puts, touches := f.backend.counts()
	assert.Equal(t, 2, puts)
	assert.Equal(t, 0, touches)

	// destroying an unknown session is not an error
	require.NoError(t, f.handler.Destroy(ctx, newTestID(t)))
}

func TestHandlerKeySuffix(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture(t, WithKeySuffix("10.0.0.1"))
	id := newTestID(t)

	_, err := f.handler.Read(ctx, id)
	require.NoError(t, err)
	require.NoError(t, f.handler.Write(ctx, id, []byte("x")))
	assert.Contains(t, f.backend.data, id+"_10_0_0_1")
	assert.NotContains(t, f.backend.data, id)
}

func TestHandlerGC(t *testing.T) {
	f := newHandlerFixture(t)
	n, err := f.handler.GC(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, f.backend.gcs)
}

func TestSanitizeSuffix(t *testing.T) {
	assert.Equal(t, "", sanitizeSuffix(""))
	assert.Equal(t, "_fe80__1", sanitizeSuffix("fe80::1"))
	assert.Equal(t, "_abc", sanitizeSuffix("abc"))
}
