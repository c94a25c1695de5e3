package relayqueue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TommyLike/mailman/logger"
	"github.com/TommyLike/mailman/pkg/circuitbreaker"
	"github.com/TommyLike/mailman/pkg/metrics"
	"github.com/TommyLike/mailman/server/delivery"
)

// RelayQueue is the part of DiskQueue the worker drives.
type RelayQueue interface {
	AcquireNext() (*QueuedMessage, []byte, error)
	MarkSuccess(messageID string) error
	MarkFailure(messageID string, errorMsg string) error
	MarkPermanentFailure(messageID string, errorMsg string) error
	Release(messageID string) error
	GetStats() (pending, processing, failed int, err error)
}

// RelayHandler submits one message to the outbound relay.
type RelayHandler interface {
	SendToExternalRelay(from string, to []string, message []byte) error
}

// CircuitBreakerProvider is implemented by handlers that guard the relay
// with a circuit breaker.
type CircuitBreakerProvider interface {
	GetCircuitBreaker() *circuitbreaker.CircuitBreaker
}

// outcome is what one delivery attempt did to its queue entry. The value is
// also the metrics label.
type outcome string

const (
	outcomeDelivered outcome = "success"
	outcomeDeferred  outcome = "temporary_failure"
	outcomeDropped   outcome = "permanent_failure"
	outcomeBlocked   outcome = "circuit_breaker_blocked"
	outcomeNoRelay   outcome = "no_handler"
	outcomeAborted   outcome = "aborted"
)

// Worker drains the relay queue: command replies, confirmation requests,
// owner notices and digests all leave through it. Start and Stop are
// idempotent.
type Worker struct {
	queue       RelayQueue
	relay       RelayHandler
	interval    time.Duration
	batchSize   int
	concurrency int
	errCh       chan<- error

	wake    chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewWorker creates a worker polling queue every interval. relay may be nil,
// in which case every message is failed. errCh may be nil.
func NewWorker(queue RelayQueue, relay RelayHandler, interval time.Duration, batchSize, concurrency int, errCh chan<- error) *Worker {
	if batchSize <= 0 {
		batchSize = 100
	}
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Worker{
		queue:       queue,
		relay:       relay,
		interval:    interval,
		batchSize:   batchSize,
		concurrency: concurrency,
		errCh:       errCh,
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
}

func (w *Worker) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return nil
	}
	w.wg.Add(1)
	go w.loop(ctx)
	logger.Info("Relay: worker started", "interval", w.interval, "batch_size", w.batchSize, "concurrency", w.concurrency)
	return nil
}

// Stop waits for in-flight deliveries to finish.
func (w *Worker) Stop() {
	if !w.running.CompareAndSwap(true, false) {
		return
	}
	close(w.stop)
	w.wg.Wait()
	logger.Info("Relay: worker stopped")
}

// NotifyQueued wakes the worker without waiting for the next tick. It never
// blocks.
func (w *Worker) NotifyQueued() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.drain(ctx); err != nil {
			w.reportError(err)
		}
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

func (w *Worker) breakerState() (circuitbreaker.State, bool) {
	if p, ok := w.relay.(CircuitBreakerProvider); ok {
		if cb := p.GetCircuitBreaker(); cb != nil {
			return cb.State(), true
		}
	}
	return circuitbreaker.StateClosed, false
}

// drain delivers up to batchSize messages, at most concurrency at a time.
// A pass stops taking new messages once the breaker refuses one; the next
// tick probes the relay again.
func (w *Worker) drain(ctx context.Context) error {
	if state, ok := w.breakerState(); ok && state != circuitbreaker.StateClosed {
		logger.Info("Relay: breaker not closed, probing relay", "state", state)
	}

	var (
		wg      sync.WaitGroup
		sem     = make(chan struct{}, w.concurrency)
		blocked atomic.Bool
		taken   int
	)
	defer wg.Wait()

	for taken < w.batchSize && !blocked.Load() {
		if ctx.Err() != nil {
			return nil
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		msg, body, err := w.queue.AcquireNext()
		if err != nil {
			<-sem
			return fmt.Errorf("failed to acquire message: %w", err)
		}
		if msg == nil {
			<-sem
			break
		}
		taken++

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if w.deliver(ctx, msg, body) == outcomeBlocked {
				blocked.Store(true)
			}
		}()
	}
	wg.Wait()

	if taken > 0 {
		w.recordDepth(taken)
	}
	return nil
}

func (w *Worker) recordDepth(taken int) {
	pending, processing, failed, err := w.queue.GetStats()
	if err != nil {
		logger.Warn("Relay: failed to read queue stats", "error", err)
		return
	}
	metrics.RelayQueueDepth.WithLabelValues("pending").Set(float64(pending))
	metrics.RelayQueueDepth.WithLabelValues("processing").Set(float64(processing))
	metrics.RelayQueueDepth.WithLabelValues("failed").Set(float64(failed))
	logger.Info("Relay: pass finished", "taken", taken, "pending", pending, "processing", processing, "failed", failed)
}

// deliver hands one message to the relay and settles its queue entry.
func (w *Worker) deliver(ctx context.Context, msg *QueuedMessage, body []byte) outcome {
	metrics.RelayQueueAge.WithLabelValues(msg.Kind).Observe(time.Since(msg.QueuedAt).Seconds())

	if ctx.Err() != nil {
		// Left in processing; the next startup recovers it.
		return outcomeAborted
	}

	var (
		result  outcome
		settle  error
		sendErr error
	)
	start := time.Now()
	switch {
	case w.relay == nil:
		result = outcomeNoRelay
		settle = w.queue.MarkFailure(msg.ID, "relay not configured")
	default:
		sendErr = w.relay.SendToExternalRelay(msg.From, msg.To, body)
		switch {
		case sendErr == nil:
			result = outcomeDelivered
			settle = w.queue.MarkSuccess(msg.ID)
		case circuitbreaker.IsRejection(sendErr):
			// Not an attempt: the entry goes back with its count unchanged.
			result = outcomeBlocked
			settle = w.queue.Release(msg.ID)
		case delivery.IsPermanentError(sendErr):
			result = outcomeDropped
			settle = w.queue.MarkPermanentFailure(msg.ID, sendErr.Error())
		default:
			result = outcomeDeferred
			settle = w.queue.MarkFailure(msg.ID, sendErr.Error())
		}
	}
	duration := time.Since(start)

	metrics.RelayDelivery.WithLabelValues(msg.Kind, string(result)).Inc()
	if result != outcomeBlocked && result != outcomeNoRelay {
		metrics.RelayDeliveryDuration.WithLabelValues(msg.Kind, string(result)).Observe(duration.Seconds())
	}

	args := []any{"id", msg.ID, "kind", msg.Kind, "recipients", len(msg.To), "attempt", msg.Attempts + 1, "duration", duration}
	switch result {
	case outcomeDelivered:
		logger.Info("Relay: delivered", args...)
	case outcomeBlocked:
		logger.Warn("Relay: breaker refused delivery, released", append(args, "error", sendErr)...)
	case outcomeNoRelay:
		logger.Error("Relay: no relay configured, message failed", args...)
	default:
		logger.Error("Relay: delivery failed", append(args, "outcome", string(result), "error", sendErr)...)
	}
	if settle != nil {
		logger.Error("Relay: CRITICAL - failed to update queue entry", "id", msg.ID, "outcome", string(result), "error", settle)
	}
	return result
}

func (w *Worker) reportError(err error) {
	if w.errCh == nil {
		logger.Error("Relay: worker error", "error", err)
		return
	}
	select {
	case w.errCh <- err:
	default:
		logger.Error("Relay: worker error (no listener)", "error", err)
	}
}

// GetStats returns current queue statistics.
func (w *Worker) GetStats() (pending, processing, failed int, err error) {
	return w.queue.GetStats()
}
