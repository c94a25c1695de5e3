package health

import (
	"context"
	"fmt"
	"time"

	"github.com/TommyLike/mailman/pkg/circuitbreaker"
)

// Pinger is anything with a cheap liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseCheck probes the list store.
func DatabaseCheck(db Pinger) *Check {
	return &Check{
		Name:     "database",
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
		Critical: true,
		Probe:    db.Ping,
	}
}

// ArchiveCheck probes the digest archive. Archive failures never stop
// delivery, so the check is not critical.
func ArchiveCheck(archive Pinger) *Check {
	return &Check{
		Name:     "s3_archive",
		Interval: time.Minute,
		Timeout:  10 * time.Second,
		Probe:    archive.Ping,
	}
}

// BreakerCheck reports an open breaker as unhealthy. A half-open breaker,
// or a closed one where more than a fifth of calls failed, is degraded.
func BreakerCheck(name string, breaker *circuitbreaker.CircuitBreaker) *Check {
	return &Check{
		Name:     name,
		Interval: 15 * time.Second,
		Probe: func(ctx context.Context) error {
			switch breaker.State() {
			case circuitbreaker.StateOpen:
				return fmt.Errorf("circuit breaker %s is open", name)
			case circuitbreaker.StateHalfOpen:
				return fmt.Errorf("circuit breaker %s is half-open: %w", name, ErrDegraded)
			}
			c := breaker.Counts()
			if c.Requests > 0 && 5*c.TotalFailures > c.Requests {
				return fmt.Errorf("%d of %d relay attempts failed: %w", c.TotalFailures, c.Requests, ErrDegraded)
			}
			return nil
		},
	}
}

// QueueStats is the part of the relay queue the check reads.
type QueueStats interface {
	GetStats() (pending, processing, failed int, err error)
}

// RelayQueueCheck degrades when more than backlog messages wait.
func RelayQueueCheck(queue QueueStats, backlog int) *Check {
	return &Check{
		Name:     "relay_queue",
		Interval: time.Minute,
		Probe: func(ctx context.Context) error {
			pending, _, _, err := queue.GetStats()
			if err != nil {
				return err
			}
			if backlog > 0 && pending > backlog {
				return fmt.Errorf("%d messages waiting for relay: %w", pending, ErrDegraded)
			}
			return nil
		},
	}
}
