package digest

import (
	"context"
	"time"

	"github.com/TommyLike/mailman/logger"
	"github.com/TommyLike/mailman/mailinglist"
)

const minScheduleInterval = time.Minute

// Scheduler periodically sends the pending digests of lists configured
// for periodic delivery.
type Scheduler struct {
	engine   *Engine
	store    mailinglist.Store
	interval time.Duration
	stopCh   chan struct{}
}

func NewScheduler(engine *Engine, store mailinglist.Store, interval time.Duration) *Scheduler {
	return &Scheduler{
		engine:   engine,
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	interval := s.interval
	if interval < minScheduleInterval {
		logger.Warn("Digest: schedule interval below minimum, using minimum", "configured", s.interval, "minimum", minScheduleInterval)
		interval = minScheduleInterval
	}
	logger.Info("Digest: scheduler starting", "interval", interval)

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Info("Digest: scheduler stopped due to context cancellation")
				return
			case <-s.stopCh:
				logger.Info("Digest: scheduler stopped")
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
}

// Stop signals the scheduler to stop
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

// RunOnce checks every periodic list once and returns how many digests
// were sent. Failures on one list do not stop the others.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	lists, err := s.store.ListLists(ctx)
	if err != nil {
		logger.Error("Digest: failed to list lists", "error", err)
		return 0
	}

	sent := 0
	for _, l := range lists {
		if !l.DigestSendPeriodic {
			continue
		}
		if ctx.Err() != nil {
			return sent
		}
		issue, err := s.engine.SendPeriodic(ctx, l.Name)
		if err != nil {
			logger.Error("Digest: periodic send failed", "list", l.Name, "error", err)
			continue
		}
		if issue != nil {
			sent++
		}
	}
	return sent
}
