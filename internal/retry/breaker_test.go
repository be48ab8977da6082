package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestBreaker() (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2023, 6, 15, 12, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("test", BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		OpenTimeout:      time.Minute,
	}, quietLogger())
	cb.now = clock.now
	return cb, clock
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker()

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
		assert.Equal(t, BreakerClosed, cb.State())
	}
	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreaker()

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()

	state, failures, _ := cb.GetMetrics()
	assert.Equal(t, BreakerClosed, state)
	assert.Equal(t, 1, failures)
}

func TestBreakerRecovery(t *testing.T) {
	cb, clock := newTestBreaker()
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, BreakerOpen, cb.State())

	clock.t = clock.t.Add(2 * time.Minute)
	require.NoError(t, cb.Allow())
	assert.Equal(t, BreakerHalfOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, BreakerHalfOpen, cb.State())
	cb.RecordSuccess()
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	cb, clock := newTestBreaker()
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	clock.t = clock.t.Add(2 * time.Minute)
	require.NoError(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestDoFailsFastWhenBreakerOpen(t *testing.T) {
	cb, _ := newTestBreaker()
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	r, _ := newTestRetrier(t, DefaultPolicy(), WithCircuitBreaker(cb))

	calls := 0
	_, err := Do(context.Background(), r, "query", func(ctx context.Context) (int, error) {
		calls++
		return 1, nil
	})

	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls)
}

func TestPermanentErrorsDoNotTripBreaker(t *testing.T) {
	cb, _ := newTestBreaker()
	r, _ := newTestRetrier(t, DefaultPolicy(), WithCircuitBreaker(cb))

	for i := 0; i < 5; i++ {
		_, _ = Do(context.Background(), r, "query", func(ctx context.Context) (int, error) {
			return 0, errBad
		})
	}

	assert.Equal(t, BreakerClosed, cb.State())
}
