// Package retry re-runs an operation with exponential backoff. It backs the
// initial database connection and digest archive uploads.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/TommyLike/mailman/logger"
)

// Policy says how often and how patiently to retry.
type Policy struct {
	Name     string // labels log lines
	Attempts int    // total calls; values below 1 mean 1
	Initial  time.Duration
	Max      time.Duration
	Factor   float64
	// Jitter spreads each delay over [d/2, d).
	Jitter bool
}

var (
	DatabaseConnect = Policy{Name: "db_connect", Attempts: 6, Initial: time.Second, Max: 10 * time.Second, Factor: 2, Jitter: true}
	ArchiveUpload   = Policy{Name: "digest_archive", Attempts: 4, Initial: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: true}
)

// Delay is the wait before retry n, counting from 1.
func (p Policy) Delay(n int) time.Duration {
	d := p.Initial
	for i := 1; i < n && (p.Max <= 0 || d < p.Max); i++ {
		d = time.Duration(float64(d) * p.Factor)
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	if p.Jitter && d > 1 {
		d = d/2 + time.Duration(rand.Int63n(int64(d/2)))
	}
	return d
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Do calls fn until it succeeds, returns a Permanent error, runs out of
// attempts or ctx ends.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)

	var err error
	for n := 1; n <= attempts; n++ {
		if n > 1 {
			timer := time.NewTimer(p.Delay(n - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%s: retry cancelled: %w", p.Name, ctx.Err())
			case <-timer.C:
			}
		}

		if err = fn(ctx); err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			logger.Debug("Retry: giving up on permanent error", "operation", p.Name, "attempt", n, "error", perm.err)
			return perm.err
		}
		logger.Debug("Retry: attempt failed", "operation", p.Name, "attempt", n, "of", attempts, "error", err)
	}
	return fmt.Errorf("%s failed after %d attempts: %w", p.Name, attempts, err)
}
