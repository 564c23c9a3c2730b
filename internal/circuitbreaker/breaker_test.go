package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) now_() time.Time { return f.now }
func (f *fakeClock) advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestBreaker(clk *fakeClock) *CircuitBreaker {
	return New(&Config{
		Name:        "test",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     100 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 2 },
		Clock:       clk.now_,
	})
}

func TestCircuitBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	cb := newTestBreaker(clk)

	assert.Equal(t, StateClosed, cb.State())

	_, err := Execute(cb, func() (int, error) { return 0, errors.New("boom") })
	assert.Error(t, err)
	assert.Equal(t, StateClosed, cb.State())

	_, err = Execute(cb, func() (int, error) { return 0, errors.New("boom") })
	assert.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())

	_, err = Execute(cb, func() (int, error) { return 1, nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	cb := newTestBreaker(clk)

	_, _ = Execute(cb, func() (int, error) { return 0, errors.New("boom") })
	_, _ = Execute(cb, func() (int, error) { return 0, errors.New("boom") })
	require.Equal(t, StateOpen, cb.State())

	clk.advance(150 * time.Millisecond)

	result, err := Execute(cb, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	cb := newTestBreaker(clk)

	_, _ = Execute(cb, func() (int, error) { return 0, errors.New("boom") })
	_, _ = Execute(cb, func() (int, error) { return 0, errors.New("boom") })
	require.Equal(t, StateOpen, cb.State())

	clk.advance(150 * time.Millisecond)

	_, err := Execute(cb, func() (int, error) { return 0, errors.New("still down") })
	assert.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_StaleGenerationIgnored(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	cb := newTestBreaker(clk)

	gen, err := cb.beforeRequest()
	require.NoError(t, err)

	// Trip the breaker via a second, independent call.
	_, _ = Execute(cb, func() (int, error) { return 0, errors.New("boom") })
	_, _ = Execute(cb, func() (int, error) { return 0, errors.New("boom") })
	require.Equal(t, StateOpen, cb.State())

	// The stale in-flight call from before the trip must not flip state back.
	cb.afterRequest(gen, true)
	assert.Equal(t, StateOpen, cb.State())
}

func TestManager_ClassifierAndGeneratorPreconfigured(t *testing.T) {
	m := NewManager()
	assert.Equal(t, "classifier", m.Classifier().Name())
	assert.Equal(t, "generator", m.Generator().Name())

	status, _ := m.HealthStatus()
	assert.Equal(t, "healthy", status)
}
