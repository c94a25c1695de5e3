// Package cleaner provides a worker that periodically expires unconfirmed
// subscription requests and drops relay queue messages that failed
// permanently longer ago than the configured retention. When the store
// offers a cleanup lock only one instance runs a pass at a time.
package cleaner

import (
	"context"
	"fmt"
	"time"

	"github.com/TommyLike/mailman/logger"
	"github.com/TommyLike/mailman/pkg/metrics"
)

const minAllowedInterval = time.Minute

// PendingPurger removes pending requests created before olderThan.
type PendingPurger interface {
	PurgePending(ctx context.Context, olderThan time.Time) (int64, error)
}

// CleanupLocker is implemented by stores shared between nodes.
type CleanupLocker interface {
	AcquireCleanupLock(ctx context.Context) (bool, error)
	ReleaseCleanupLock(ctx context.Context) error
}

// FailedQueue drops failed relay messages older than retention.
type FailedQueue interface {
	CleanupOldFailedMessages(retention time.Duration) (int, error)
}

type CleanupWorker struct {
	store           PendingPurger
	queue           FailedQueue
	interval        time.Duration
	pendingTTL      time.Duration
	failedRetention time.Duration
	now             func() time.Time
	stopCh          chan struct{}
}

// New creates a new CleanupWorker. A zero pendingTTL keeps pending requests
// forever; a zero failedRetention or nil queue keeps failed messages.
func New(store PendingPurger, queue FailedQueue, interval, pendingTTL, failedRetention time.Duration) *CleanupWorker {
	return &CleanupWorker{
		store:           store,
		queue:           queue,
		interval:        interval,
		pendingTTL:      pendingTTL,
		failedRetention: failedRetention,
		now:             time.Now,
		stopCh:          make(chan struct{}),
	}
}

func (w *CleanupWorker) Start(ctx context.Context) {
	interval := w.interval
	if interval < minAllowedInterval {
		logger.Warn("Cleaner: configured interval below minimum, using minimum", "configured", w.interval, "minimum", minAllowedInterval)
		interval = minAllowedInterval
	}
	logger.Info("Cleaner: worker starting", "interval", interval, "pending_ttl", w.pendingTTL, "failed_retention", w.failedRetention)

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("Cleaner: worker stopped due to context cancellation")
				return
			case <-w.stopCh:
				logger.Info("Cleaner: worker stopped due to stop signal")
				return
			case <-ticker.C:
				if err := w.RunOnce(ctx); err != nil {
					logger.Error("Cleaner: pass failed", "error", err)
				}
			}
		}
	}()
}

// Stop signals the cleanup worker to stop
func (w *CleanupWorker) Stop() {
	close(w.stopCh)
}

// RunOnce performs a single cleanup pass. A failure in one phase does not
// skip the next one; the first error is returned.
func (w *CleanupWorker) RunOnce(ctx context.Context) error {
	if locker, ok := w.store.(CleanupLocker); ok {
		locked, err := locker.AcquireCleanupLock(ctx)
		if err != nil {
			return fmt.Errorf("failed to acquire cleanup lock: %w", err)
		}
		if !locked {
			logger.Debug("Cleaner: skipped, another instance holds the cleanup lock")
			return nil
		}
		defer func() {
			if err := locker.ReleaseCleanupLock(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("Cleaner: failed to release cleanup lock", "error", err)
			}
		}()
	}

	var firstErr error

	if w.pendingTTL > 0 {
		cutoff := w.now().Add(-w.pendingTTL)
		count, err := w.store.PurgePending(ctx, cutoff)
		if err != nil {
			logger.Error("Cleaner: failed to purge pending requests", "error", err)
			firstErr = fmt.Errorf("failed to purge pending requests: %w", err)
		} else if count > 0 {
			metrics.PendingPurgedTotal.Add(float64(count))
			logger.Info("Cleaner: purged expired pending requests", "count", count, "older_than", cutoff)
		}
	}

	if w.queue != nil && w.failedRetention > 0 {
		count, err := w.queue.CleanupOldFailedMessages(w.failedRetention)
		if err != nil {
			logger.Error("Cleaner: failed to clean relay queue", "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to clean relay queue: %w", err)
			}
		} else if count > 0 {
			logger.Info("Cleaner: removed old failed relay messages", "count", count, "retention", w.failedRetention)
		}
	}

	return firstErr
}
