package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TommyLike/mailman/pkg/metrics"
)

var errRelayDown = errors.New("relay down")

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(t *testing.T, st Settings) (*CircuitBreaker, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(st)
	cb.now = c.now
	cb.newGeneration(c.now())
	return cb, c
}

func fail() error    { return errRelayDown }
func succeed() error { return nil }

func TestBreakerTripsAndRecovers(t *testing.T) {
	var transitions []string
	cb, clk := newTestBreaker(t, Settings{
		Name:        "test-relay",
		OpenTimeout: 30 * time.Second,
		ShouldTrip:  func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, cb.Execute(fail), errRelayDown)
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Execute(fail), errRelayDown)
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, float64(StateOpen), testutil.ToFloat64(metrics.CircuitBreakerState.WithLabelValues("test-relay")))

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.True(t, IsRejection(err))
	assert.False(t, called)

	clk.advance(31 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(succeed))
	assert.Equal(t, StateClosed, cb.State())

	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}, transitions)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb, clk := newTestBreaker(t, Settings{
		Name:        "test-reopen",
		OpenTimeout: time.Second,
		ShouldTrip:  func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})
	_ = cb.Execute(fail)
	clk.advance(2 * time.Second)
	require.Equal(t, StateHalfOpen, cb.State())

	_ = cb.Execute(fail)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerProbeLimit(t *testing.T) {
	cb, clk := newTestBreaker(t, Settings{
		Name:           "test-probes",
		HalfOpenProbes: 1,
		OpenTimeout:    time.Second,
		ShouldTrip:     func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})
	_ = cb.Execute(fail)
	clk.advance(2 * time.Second)

	err := cb.Execute(func() error {
		// A second caller arrives while the probe is still running.
		inner := cb.Execute(succeed)
		assert.ErrorIs(t, inner, ErrProbeLimit)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerIgnoredErrors(t *testing.T) {
	permanent := errors.New("550 no such user")
	cb, _ := newTestBreaker(t, Settings{
		Name:       "test-ignore",
		ShouldTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
		Ignore:     func(err error) bool { return errors.Is(err, permanent) },
	})

	assert.ErrorIs(t, cb.Execute(func() error { return permanent }), permanent)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, Counts{Requests: 1, TotalSuccesses: 1, ConsecutiveSuccesses: 1}, cb.Counts())
}

func TestBreakerResetInterval(t *testing.T) {
	cb, clk := newTestBreaker(t, Settings{
		Name:          "test-reset",
		ResetInterval: 10 * time.Second,
		ShouldTrip:    func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
	})
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	clk.advance(11 * time.Second)
	_ = cb.Execute(fail)

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(1), cb.Counts().ConsecutiveFailures)
}

func TestBreakerPanicCountsAsFailure(t *testing.T) {
	cb, _ := newTestBreaker(t, Settings{
		Name:       "test-panic",
		ShouldTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})
	assert.Panics(t, func() {
		_ = cb.Execute(func() error { panic("boom") })
	})
	assert.Equal(t, StateOpen, cb.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "UNKNOWN", State(9).String())
}
