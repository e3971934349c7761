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

// fakeClock lets tests move time past the open timeout
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
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(clock *fakeClock, options ...CircuitBreakerOption) *CircuitBreaker {
	cb := NewCircuitBreaker(options...)
	cb.now = clock.Now
	return cb
}

var errDependency = errors.New("dependency down")

func fail() error    { return errDependency }
func succeed() error { return nil }

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()

	t.Run("starts in closed state", func(t *testing.T) {
		cb := NewCircuitBreaker()
		assert.Equal(t, StateClosed, cb.State())
		assert.Equal(t, "default", cb.Name())
	})

	t.Run("executes function in closed state", func(t *testing.T) {
		cb := NewCircuitBreaker()
		executed := false

		err := cb.Execute(ctx, func() error {
			executed = true
			return nil
		})

		assert.NoError(t, err)
		assert.True(t, executed)
	})

	t.Run("opens after consecutive failures", func(t *testing.T) {
		cb := newTestBreaker(&fakeClock{now: time.Now()}, WithFailureThreshold(3))

		for i := 0; i < 3; i++ {
			assert.ErrorIs(t, cb.Execute(ctx, fail), errDependency)
		}
		assert.Equal(t, StateOpen, cb.State())

		called := false
		err := cb.Execute(ctx, func() error {
			called = true
			return nil
		})
		assert.False(t, called)
		assert.ErrorIs(t, err, ErrCircuitOpen)
		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, StateOpen, cbErr.State)
		assert.Equal(t, 3, cbErr.Failures)
	})

	t.Run("success resets the failure count", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(2))

		_ = cb.Execute(ctx, fail)
		_ = cb.Execute(ctx, succeed)
		_ = cb.Execute(ctx, fail)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("closes after a successful probe", func(t *testing.T) {
		clock := &fakeClock{now: time.Now()}
		cb := newTestBreaker(clock, WithFailureThreshold(1), WithOpenTimeout(time.Minute))

		_ = cb.Execute(ctx, fail)
		assert.Equal(t, StateOpen, cb.State())

		clock.Advance(time.Minute + time.Second)
		assert.NoError(t, cb.Execute(ctx, succeed))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("reopens after a failed probe", func(t *testing.T) {
		clock := &fakeClock{now: time.Now()}
		cb := newTestBreaker(clock, WithFailureThreshold(1), WithOpenTimeout(time.Minute))

		_ = cb.Execute(ctx, fail)
		clock.Advance(2 * time.Minute)
		assert.ErrorIs(t, cb.Execute(ctx, fail), errDependency)
		assert.Equal(t, StateOpen, cb.State())
		assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)
	})

	t.Run("allows a single probe at a time", func(t *testing.T) {
		clock := &fakeClock{now: time.Now()}
		cb := newTestBreaker(clock, WithFailureThreshold(1), WithOpenTimeout(time.Minute))
		_ = cb.Execute(ctx, fail)
		clock.Advance(2 * time.Minute)

		probing := make(chan struct{})
		release := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			done <- cb.Execute(ctx, func() error {
				close(probing)
				<-release
				return nil
			})
		}()
		<-probing

		assert.Equal(t, StateHalfOpen, cb.State())
		assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)

		close(release)
		assert.NoError(t, <-done)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("cancellation is not a failure", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1))
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		err := cb.Execute(cancelled, func() error { return cancelled.Err() })
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("notifies state changes", func(t *testing.T) {
		clock := &fakeClock{now: time.Now()}
		var mu sync.Mutex
		var changes []string
		cb := newTestBreaker(clock,
			WithName("openai"),
			WithFailureThreshold(1),
			WithOpenTimeout(time.Second),
			WithStateListener(func(name string, from, to State) {
				mu.Lock()
				defer mu.Unlock()
				changes = append(changes, name+":"+from.String()+"->"+to.String())
			}))

		_ = cb.Execute(ctx, fail)
		clock.Advance(2 * time.Second)
		_ = cb.Execute(ctx, succeed)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{
			"openai:closed->open",
			"openai:open->half-open",
			"openai:half-open->closed",
		}, changes)
	})
}

func TestCircuitBreakerErrorIsNotRetried(t *testing.T) {
	cb := NewCircuitBreaker(WithFailureThreshold(1))
	_ = cb.Execute(context.Background(), fail)

	attempts := 0
	err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
		attempts++
		return cb.Execute(context.Background(), succeed)
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 1, attempts)
}
