package health

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TommyLike/mailman/pkg/circuitbreaker"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type fakeQueue struct {
	pending int
	err     error
}

func (q fakeQueue) GetStats() (int, int, int, error) { return q.pending, 0, 0, q.err }

func TestRunStatusTransitions(t *testing.T) {
	var fail error
	hm := NewMonitor()
	hm.Register(&Check{
		Name:     "database",
		Critical: true,
		Probe:    func(ctx context.Context) error { return fail },
	})
	ctx := context.Background()

	assert.Equal(t, StatusHealthy, hm.Run(ctx, "database"))
	assert.Equal(t, StatusHealthy, hm.Status())

	fail = errors.New("connection refused")
	// One failure in two checks is already half.
	assert.Equal(t, StatusUnhealthy, hm.Run(ctx, "database"))
	assert.Equal(t, StatusUnhealthy, hm.Status())

	fail = nil
	assert.Equal(t, StatusHealthy, hm.Run(ctx, "database"))
	assert.Equal(t, StatusHealthy, hm.Status())

	fail = errors.New("timeout")
	// Two failures in four checks.
	assert.Equal(t, StatusUnhealthy, hm.Run(ctx, "database"))

	report := hm.Report()
	require.Len(t, report.Components, 1)
	assert.Equal(t, 4, report.Components[0].Checks)
	assert.Equal(t, 2, report.Components[0].Failures)
	assert.Equal(t, "timeout", report.Components[0].LastError)
}

func TestDegradedAndNonCritical(t *testing.T) {
	hm := NewMonitor()
	hm.Register(&Check{
		Name:  "relay_queue",
		Probe: func(ctx context.Context) error { return fmt.Errorf("backlog: %w", ErrDegraded) },
	})
	hm.Register(&Check{
		Name:  "s3_archive",
		Probe: func(ctx context.Context) error { return errors.New("bucket gone") },
	})

	ctx := context.Background()
	assert.Equal(t, StatusDegraded, hm.Run(ctx, "relay_queue"))
	assert.Equal(t, StatusUnhealthy, hm.Run(ctx, "s3_archive"))
	// Neither is critical.
	assert.Equal(t, StatusDegraded, hm.Status())

	report := hm.Report()
	require.Len(t, report.Components, 2)
	assert.Equal(t, "relay_queue", report.Components[0].Name)
	assert.Equal(t, 0, report.Components[0].Failures)
}

func TestRunRecoversPanic(t *testing.T) {
	hm := NewMonitor()
	hm.Register(&Check{
		Name:  "broken",
		Probe: func(ctx context.Context) error { panic("boom") },
	})
	assert.Equal(t, StatusUnhealthy, hm.Run(context.Background(), "broken"))

	status, ok := hm.StatusOf("missing")
	assert.False(t, ok)
	assert.Equal(t, StatusUnreachable, status)
}

func TestStartRunsChecksImmediately(t *testing.T) {
	calls := make(chan struct{}, 1)
	hm := NewMonitor()
	hm.Register(DatabaseCheck(pingFunc(func(ctx context.Context) error {
		select {
		case calls <- struct{}{}:
		default:
		}
		return nil
	})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hm.Start(ctx)
	defer hm.Stop()

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("database check did not run on start")
	}
}

func TestBreakerCheck(t *testing.T) {
	breaker := circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:        "smtp_relay",
		OpenTimeout: time.Hour,
		ShouldTrip: func(counts circuitbreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
	})
	check := BreakerCheck("smtp_relay", breaker)
	ctx := context.Background()
	require.NoError(t, check.Probe(ctx))

	fail := func() error { return errors.New("421 try later") }
	_ = breaker.Execute(fail)
	err := check.Probe(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDegraded)

	_ = breaker.Execute(fail)
	err = check.Probe(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDegraded)
}

func TestRelayQueueCheck(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, RelayQueueCheck(fakeQueue{pending: 5}, 10).Probe(ctx))
	assert.ErrorIs(t, RelayQueueCheck(fakeQueue{pending: 50}, 10).Probe(ctx), ErrDegraded)
	assert.Error(t, RelayQueueCheck(fakeQueue{err: errors.New("io")}, 10).Probe(ctx))
}
