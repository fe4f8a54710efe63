package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is matched by every CircuitOpenError
var ErrCircuitOpen = errors.New("circuit breaker is open")

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

// CircuitOpenError is returned without running the call while the breaker rejects calls
type CircuitOpenError struct {
	Name      string
	State     State
	Failures  int
	NextRetry time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is %s after %d failures, next probe at %s",
		e.Name, e.State, e.Failures, e.NextRetry.Format(time.RFC3339))
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

func (e *CircuitOpenError) IsRetryable() bool { return false }

// CircuitBreaker stops calls after consecutive failures and probes again once the
// open timeout has passed
type CircuitBreaker struct {
	mu       sync.Mutex
	state    State
	failures int
	probes   int
	openedAt time.Time

	name             string
	failureThreshold int
	openTimeout      time.Duration
	halfOpenProbes   int
	countsAsFailure  func(error) bool
	onStateChange    func(from, to State)
	now              func() time.Time
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets how many consecutive failures open the breaker
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithOpenTimeout sets how long the breaker stays open before probing
func WithOpenTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.openTimeout = timeout
	}
}

// WithHalfOpenProbes sets how many probe calls may run while half-open
func WithHalfOpenProbes(probes int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenProbes = probes
	}
}

// WithFailurePredicate decides which errors count against the breaker
func WithFailurePredicate(fn func(error) bool) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.countsAsFailure = fn
	}
}

// WithStateChangeHook is called synchronously on every transition
func WithStateChangeHook(fn func(from, to State)) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

// WithName sets the circuit breaker name used in errors
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		name:             "default",
		failureThreshold: 5,
		openTimeout:      30 * time.Second,
		halfOpenProbes:   1,
		countsAsFailure:  func(err error) bool { return err != nil },
		now:              time.Now,
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Execute runs fn unless the breaker is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.acquire(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.record(err)
	return err
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the breaker
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		nextRetry := cb.openedAt.Add(cb.openTimeout)
		if cb.now().Before(nextRetry) {
			return &CircuitOpenError{Name: cb.name, State: cb.state, Failures: cb.failures, NextRetry: nextRetry}
		}
		cb.transition(StateHalfOpen)
	}

	if cb.state == StateHalfOpen {
		if cb.probes >= cb.halfOpenProbes {
			return &CircuitOpenError{Name: cb.name, State: cb.state, Failures: cb.failures, NextRetry: cb.now()}
		}
		cb.probes++
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && cb.countsAsFailure(err) {
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.failureThreshold {
			cb.openedAt = cb.now()
			cb.transition(StateOpen)
		}
		return
	}

	if cb.state == StateHalfOpen {
		cb.transition(StateClosed)
		return
	}
	cb.failures = 0
}

// transition must be called with mu held
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	cb.probes = 0
	if to == StateClosed {
		cb.failures = 0
	}
	if from != to && cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}
