package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is wrapped by CircuitBreakerError
var ErrCircuitOpen = errors.New("circuit breaker: circuit is open")

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeListener receives circuit breaker state change notifications.
// It is called with the breaker unlocked, on the goroutine that caused the change.
type StateChangeListener func(name string, from, to State)

// CircuitBreakerError is returned while the circuit rejects calls. It is not
// retryable: callers should fail fast instead of waiting for the circuit.
type CircuitBreakerError struct {
	Name      string
	State     State
	Failures  int
	NextProbe time.Time
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker %s %s (failures=%d, next probe in %v)",
		e.Name, e.State, e.Failures, time.Until(e.NextProbe).Round(time.Second))
}

func (e *CircuitBreakerError) Unwrap() error {
	return ErrCircuitOpen
}

// IsRetryable implements the retryable check used by Retry
func (e *CircuitBreakerError) IsRetryable() bool {
	return false
}

// CircuitBreaker stops calling a failing dependency for a cool-down period
// after FailureThreshold consecutive failures, then lets one probe through.
type CircuitBreaker struct {
	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool

	name             string
	failureThreshold int
	openTimeout      time.Duration
	listener         StateChangeListener
	now              func() time.Time
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets how many consecutive failures open the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithOpenTimeout sets how long the circuit stays open before a probe
func WithOpenTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.openTimeout = timeout
	}
}

// WithName sets the circuit breaker name for identification
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithStateListener registers fn for state changes
func WithStateListener(fn StateChangeListener) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.listener = fn
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		name:             "default",
		failureThreshold: 5,
		openTimeout:      30 * time.Second,
		now:              time.Now,
	}

	for _, opt := range options {
		opt(cb)
	}
	if cb.failureThreshold < 1 {
		cb.failureThreshold = 1
	}

	return cb
}

// Execute runs fn unless the circuit is open. Context cancellation is not
// counted as a failure of the dependency.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.acquire(); err != nil {
		return err
	}

	err := fn()
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		cb.release()
		return err
	}
	cb.record(err)
	return err
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()

	switch cb.state {
	case StateOpen:
		nextProbe := cb.openedAt.Add(cb.openTimeout)
		if cb.now().Before(nextProbe) {
			err := &CircuitBreakerError{Name: cb.name, State: cb.state, Failures: cb.failures, NextProbe: nextProbe}
			cb.mu.Unlock()
			return err
		}
		cb.probing = true
		cb.transition(StateHalfOpen)
		return nil

	case StateHalfOpen:
		if cb.probing {
			err := &CircuitBreakerError{Name: cb.name, State: cb.state, Failures: cb.failures, NextProbe: cb.now().Add(time.Second)}
			cb.mu.Unlock()
			return err
		}
		cb.probing = true
	}

	cb.mu.Unlock()
	return nil
}

// release gives back a probe slot without judging the dependency
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	cb.probing = false
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	cb.probing = false

	if err == nil {
		cb.failures = 0
		if cb.state != StateClosed {
			cb.transition(StateClosed)
			return
		}
		cb.mu.Unlock()
		return
	}

	cb.failures++
	if cb.state == StateHalfOpen || cb.failures >= cb.failureThreshold {
		cb.openedAt = cb.now()
		if cb.state != StateOpen {
			cb.transition(StateOpen)
			return
		}
	}
	cb.mu.Unlock()
}

// transition changes state and unlocks cb before notifying the listener
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	listener := cb.listener
	cb.mu.Unlock()

	if listener != nil {
		listener(cb.name, from, to)
	}
}
