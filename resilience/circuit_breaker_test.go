package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg Config) (*CircuitBreaker, *clock) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	cfg.Now = c.Now
	return NewCircuitBreaker(cfg), c
}

func fail(context.Context) error    { return errBackend }
func succeed(context.Context) error { return nil }

func TestCircuitBreaker_InitialState(t *testing.T) {
	cb := NewCircuitBreaker(Config{})
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, Stats{State: StateClosed}, cb.Stats())
	assert.Equal(t, DefaultConfig().MaxFailures, cb.config.MaxFailures)
}

func TestCircuitBreaker_FailuresLeadToOpen(t *testing.T) {
	cb, _ := newTestBreaker(Config{MaxFailures: 3, Cooldown: time.Second})
	for i := 0; i < 3; i++ {
		assert.Equal(t, StateClosed, cb.State())
		assert.ErrorIs(t, cb.Execute(context.Background(), fail), errBackend)
	}
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(context.Background(), func(context.Context) error {
		t.Error("function should not be called when circuit is open")
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreaker(Config{MaxFailures: 2})
	require.Error(t, cb.Execute(context.Background(), fail))
	require.NoError(t, cb.Execute(context.Background(), succeed))
	require.Error(t, cb.Execute(context.Background(), fail))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 1, cb.Stats().Failures)
}

func TestCircuitBreaker_HalfOpenToClosed(t *testing.T) {
	cb, c := newTestBreaker(Config{MaxFailures: 1, Cooldown: time.Second, SuccessThreshold: 2})
	require.Error(t, cb.Execute(context.Background(), fail))
	require.Equal(t, StateOpen, cb.State())

	c.Advance(500 * time.Millisecond)
	assert.ErrorIs(t, cb.Execute(context.Background(), succeed), ErrCircuitOpen)

	c.Advance(time.Second)
	require.NoError(t, cb.Execute(context.Background(), succeed))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(context.Background(), succeed))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenToOpen(t *testing.T) {
	cb, c := newTestBreaker(Config{MaxFailures: 1, Cooldown: time.Second})
	require.Error(t, cb.Execute(context.Background(), fail))
	c.Advance(2 * time.Second)
	require.Error(t, cb.Execute(context.Background(), fail))
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(context.Background(), succeed), ErrCircuitOpen)
}

func TestCircuitBreaker_MaxHalfOpen(t *testing.T) {
	cb, c := newTestBreaker(Config{MaxFailures: 1, Cooldown: time.Second, MaxHalfOpen: 1})
	require.Error(t, cb.Execute(context.Background(), fail))
	c.Advance(2 * time.Second)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(context.Background(), func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered
	assert.ErrorIs(t, cb.Execute(context.Background(), succeed), ErrCircuitOpen)
	close(release)
	assert.NoError(t, <-done)
	assert.Equal(t, 0, cb.Stats().InFlight)
}

func TestCircuitBreaker_IgnoredErrors(t *testing.T) {
	errInvalid := errors.New("invalid key")
	cb, _ := newTestBreaker(Config{
		MaxFailures: 1,
		Ignore:      func(err error) bool { return errors.Is(err, errInvalid) },
	})
	for i := 0; i < 5; i++ {
		err := cb.Execute(context.Background(), func(context.Context) error { return errInvalid })
		assert.ErrorIs(t, err, errInvalid)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_CallTimeout(t *testing.T) {
	cb, _ := newTestBreaker(Config{MaxFailures: 1, CallTimeout: 20 * time.Millisecond})
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(Config{MaxFailures: 1})
	require.Error(t, cb.Execute(context.Background(), fail))
	require.Equal(t, StateOpen, cb.State())
	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Execute(context.Background(), succeed))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "UNKNOWN", State(9).String())
}
