// Package resilience stops callers from waiting on a backend that keeps
// failing.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the state of a CircuitBreaker.
type State int32

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config defines configuration for the circuit breaker
type Config struct {
	// MaxFailures is the number of consecutive failures that opens the circuit
	MaxFailures int

	// Cooldown is how long the circuit stays open before a trial call
	Cooldown time.Duration

	// MaxHalfOpen is the number of trial calls allowed at once while half-open
	MaxHalfOpen int

	// SuccessThreshold is the number of trial successes that close the circuit
	SuccessThreshold int

	// CallTimeout bounds each call through the breaker; 0 leaves it to ctx
	CallTimeout time.Duration

	// Ignore reports errors that say nothing about backend health, such as
	// validation errors. They are returned but neither count as failures
	// nor as successes.
	Ignore func(error) bool

	// Now replaces time.Now
	Now func() time.Time
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		MaxFailures:      5,
		Cooldown:         30 * time.Second,
		MaxHalfOpen:      1,
		SuccessThreshold: 2,
	}
}

// CircuitBreaker implements the circuit breaker pattern for fault tolerance
type CircuitBreaker struct {
	config Config

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	inflight    int
	lastFailure time.Time
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config Config) *CircuitBreaker {
	def := DefaultConfig()
	if config.MaxFailures <= 0 {
		config.MaxFailures = def.MaxFailures
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.MaxHalfOpen <= 0 {
		config.MaxHalfOpen = def.MaxHalfOpen
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &CircuitBreaker{config: config}
}

// Execute runs fn unless the circuit is open, in which case it returns
// ErrCircuitOpen without calling fn. fn runs on the caller's goroutine and
// receives ctx bounded by CallTimeout.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := cb.beforeRequest()
	if err != nil {
		return err
	}
	if cb.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cb.config.CallTimeout)
		defer cancel()
	}
	err = fn(ctx)
	cb.afterRequest(trial, err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if cb.config.Now().Sub(cb.lastFailure) < cb.config.Cooldown {
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.successes = 0
		cb.inflight = 0
	}
	if cb.inflight >= cb.config.MaxHalfOpen {
		return false, ErrCircuitOpen
	}
	cb.inflight++
	return true, nil
}

func (cb *CircuitBreaker) afterRequest(trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial && cb.state == StateHalfOpen {
		cb.inflight--
	}
	if err != nil && cb.config.Ignore != nil && cb.config.Ignore(err) {
		return
	}
	if err == nil {
		cb.onSuccess()
		return
	}
	cb.onFailure()
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transition(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.lastFailure = cb.config.Now()
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.transition(StateOpen)
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(s State) {
	cb.state = s
	cb.successes = 0
	cb.inflight = 0
	if s == StateClosed {
		cb.failures = 0
	}
}

// State returns the current state of the circuit breaker. An open circuit
// whose cooldown has elapsed still reports open until the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
}

// Stats is a snapshot of a circuit breaker.
type Stats struct {
	State     State
	Failures  int
	Successes int
	InFlight  int
}

// Stats returns current statistics
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		State:     cb.state,
		Failures:  cb.failures,
		Successes: cb.successes,
		InFlight:  cb.inflight,
	}
}
