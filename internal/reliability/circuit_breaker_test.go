package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBroker = errors.New("channel closed")

// fakeClock lets tests move past the open timeout without sleeping
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(clock *fakeClock, options ...CircuitBreakerOption) *CircuitBreaker {
	cb := NewCircuitBreaker(options...)
	cb.now = clock.Now
	return cb
}

func fail(context.Context) error    { return errBroker }
func succeed(context.Context) error { return nil }

func TestCircuitBreaker(t *testing.T) {
	t.Run("starts closed and runs calls", func(t *testing.T) {
		cb := NewCircuitBreaker()
		assert.Equal(t, StateClosed, cb.State())

		ran := false
		err := cb.Execute(context.Background(), func(context.Context) error {
			ran = true
			return nil
		})
		assert.NoError(t, err)
		assert.True(t, ran)
	})

	t.Run("opens after consecutive failures", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(0, 0)}
		cb := newTestBreaker(clock, WithFailureThreshold(3), WithName("rpc"))

		for i := 0; i < 3; i++ {
			assert.ErrorIs(t, cb.Execute(context.Background(), fail), errBroker)
		}
		assert.Equal(t, StateOpen, cb.State())

		ran := false
		err := cb.Execute(context.Background(), func(context.Context) error {
			ran = true
			return nil
		})
		assert.False(t, ran)
		assert.ErrorIs(t, err, ErrCircuitOpen)
		assert.False(t, IsRetryableError(err))

		var openErr *CircuitOpenError
		require.ErrorAs(t, err, &openErr)
		assert.Equal(t, "rpc", openErr.Name)
		assert.Equal(t, 3, openErr.Failures)
		assert.Equal(t, clock.Now().Add(30*time.Second), openErr.NextRetry)
	})

	t.Run("success resets the failure count", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(2))

		_ = cb.Execute(context.Background(), fail)
		_ = cb.Execute(context.Background(), succeed)
		_ = cb.Execute(context.Background(), fail)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("ignored errors do not count", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithFailurePredicate(func(err error) bool { return errors.Is(err, errBroker) }),
		)

		_ = cb.Execute(context.Background(), func(context.Context) error { return errRetryable })
		assert.Equal(t, StateClosed, cb.State())

		_ = cb.Execute(context.Background(), fail)
		assert.Equal(t, StateOpen, cb.State())
	})

	t.Run("half-open probe closes on success", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(0, 0)}
		var transitions []string
		cb := newTestBreaker(clock,
			WithFailureThreshold(1),
			WithOpenTimeout(time.Second),
			WithStateChangeHook(func(from, to State) {
				transitions = append(transitions, from.String()+"->"+to.String())
			}),
		)

		_ = cb.Execute(context.Background(), fail)
		clock.Advance(time.Second)

		require.NoError(t, cb.Execute(context.Background(), succeed))
		assert.Equal(t, StateClosed, cb.State())
		assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
	})

	t.Run("half-open probe failure reopens", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(0, 0)}
		cb := newTestBreaker(clock, WithFailureThreshold(1), WithOpenTimeout(time.Second))

		_ = cb.Execute(context.Background(), fail)
		clock.Advance(time.Second)
		_ = cb.Execute(context.Background(), fail)

		assert.Equal(t, StateOpen, cb.State())
		assert.ErrorIs(t, cb.Execute(context.Background(), succeed), ErrCircuitOpen)
	})

	t.Run("half-open admits a limited number of probes", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(0, 0)}
		cb := newTestBreaker(clock, WithFailureThreshold(1), WithOpenTimeout(time.Second), WithHalfOpenProbes(1))

		_ = cb.Execute(context.Background(), fail)
		clock.Advance(time.Second)

		release := make(chan struct{})
		started := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			done <- cb.Execute(context.Background(), func(context.Context) error {
				close(started)
				<-release
				return nil
			})
		}()
		<-started

		assert.ErrorIs(t, cb.Execute(context.Background(), succeed), ErrCircuitOpen)
		close(release)
		assert.NoError(t, <-done)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("reset closes", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1))
		_ = cb.Execute(context.Background(), fail)
		cb.Reset()
		assert.Equal(t, StateClosed, cb.State())
	})
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
