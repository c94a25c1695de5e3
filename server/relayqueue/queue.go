package relayqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TommyLike/mailman/logger"
	"github.com/TommyLike/mailman/pkg/metrics"
)

// QueuedMessage is the on-disk metadata of one outbound message. The body
// lives next to it in <id>.msg.
type QueuedMessage struct {
	ID          string    `json:"id"`
	From        string    `json:"from"`
	To          []string  `json:"to"`
	Kind        string    `json:"kind"` // reply, confirmation, notice or digest
	QueuedAt    time.Time `json:"queued_at"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"last_attempt"`
	NextRetry   time.Time `json:"next_retry"`
	Errors      []string  `json:"errors"`
}

// spool is one state directory. A message lives in exactly one spool.
type spool string

const (
	pending    spool = "pending"
	processing spool = "processing"
	failed     spool = "failed"
)

const (
	metaExt = ".json"
	bodyExt = ".msg"
)

var defaultBackoff = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	6 * time.Hour,
	24 * time.Hour,
}

// DiskQueue spools outbound list mail until the relay accepts it.
type DiskQueue struct {
	mu          sync.Mutex
	base        string
	maxAttempts int
	backoff     []time.Duration
}

// NewDiskQueue creates the spool directories under base. Zero values pick
// ten attempts and a one minute to one day backoff.
func NewDiskQueue(base string, maxAttempts int, backoff []time.Duration) (*DiskQueue, error) {
	if base == "" {
		return nil, errors.New("base path cannot be empty")
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if len(backoff) == 0 {
		backoff = defaultBackoff
	}
	q := &DiskQueue{base: base, maxAttempts: maxAttempts, backoff: backoff}
	for _, s := range []spool{pending, processing, failed} {
		if err := os.MkdirAll(q.dir(s), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s spool: %w", s, err)
		}
	}
	return q, nil
}

func (q *DiskQueue) dir(s spool) string {
	return filepath.Join(q.base, string(s))
}

func (q *DiskQueue) path(s spool, id, ext string) string {
	return filepath.Join(q.base, string(s), id+ext)
}

// track records one queue operation. A nil *err with quiet set records
// only the duration.
func track(op string, start time.Time, err *error, quiet bool) {
	metrics.RelayQueueOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	switch {
	case *err != nil:
		metrics.RelayQueueOperations.WithLabelValues(op, "error").Inc()
	case !quiet:
		metrics.RelayQueueOperations.WithLabelValues(op, "success").Inc()
	}
}

// Enqueue spools a message for delivery to every address in to.
func (q *DiskQueue) Enqueue(from string, to []string, kind string, body []byte) (err error) {
	defer track("enqueue", time.Now(), &err, false)
	if len(to) == 0 {
		return errors.New("message has no recipients")
	}

	now := time.Now()
	meta := QueuedMessage{
		ID:        uuid.NewString(),
		From:      from,
		To:        slices.Clone(to),
		Kind:      kind,
		QueuedAt:  now,
		NextRetry: now,
		Errors:    []string{},
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	// A body without metadata is never picked up, so it is written first.
	bodyPath := q.path(pending, meta.ID, bodyExt)
	if err := writeAtomic(bodyPath, body); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := q.store(pending, &meta); err != nil {
		os.Remove(bodyPath)
		return err
	}
	logger.Info("RelayQueue: Enqueued message", "kind", kind, "id", meta.ID, "from", from, "recipients", len(to))
	return nil
}

// AcquireNext moves the oldest due message into processing. It returns nil
// when nothing is due.
func (q *DiskQueue) AcquireNext() (msg *QueuedMessage, body []byte, err error) {
	start := time.Now()
	defer func() { track("acquire", start, &err, msg == nil) }()

	q.mu.Lock()
	defer q.mu.Unlock()

	all, err := q.scan(pending)
	if err != nil {
		return nil, nil, err
	}
	due := slices.DeleteFunc(all, func(m QueuedMessage) bool { return start.Before(m.NextRetry) })
	slices.SortStableFunc(due, func(a, b QueuedMessage) int { return a.QueuedAt.Compare(b.QueuedAt) })

	for i := range due {
		m := due[i]
		data, err := os.ReadFile(q.path(pending, m.ID, bodyExt))
		if err != nil {
			logger.Error("RelayQueue: Failed to read message", "message_id", m.ID, "error", err)
			continue
		}
		if err := q.move(m.ID, pending, processing); err != nil {
			logger.Error("RelayQueue: Failed to move message to processing", "message_id", m.ID, "error", err)
			continue
		}
		return &m, data, nil
	}
	return nil, nil, nil
}

// MarkSuccess drops a delivered message.
func (q *DiskQueue) MarkSuccess(id string) (err error) {
	defer track("mark_success", time.Now(), &err, false)
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.remove(processing, id); err != nil {
		return err
	}
	logger.Info("RelayQueue: Successfully delivered message", "id", id)
	return nil
}

// MarkFailure records a temporary failure. The message returns to pending
// after the next backoff step, or moves to failed once maxAttempts is hit.
func (q *DiskQueue) MarkFailure(id string, reason string) (err error) {
	defer track("mark_failure", time.Now(), &err, false)
	q.mu.Lock()
	defer q.mu.Unlock()

	meta, err := q.attempt(id, reason)
	if err != nil {
		return err
	}
	if meta.Attempts >= q.maxAttempts {
		logger.Error("RelayQueue: Message exceeded max attempts, moving to failed", "id", id, "max_attempts", q.maxAttempts)
		return q.settle(meta, failed)
	}

	meta.NextRetry = meta.LastAttempt.Add(q.backoff[min(meta.Attempts, len(q.backoff))-1])
	logger.Info("RelayQueue: Message delivery failed", "id", id,
		"attempt", meta.Attempts, "max_attempts", q.maxAttempts,
		"retry_at", meta.NextRetry.Format(time.RFC3339), "error", reason)
	return q.settle(meta, pending)
}

// MarkPermanentFailure moves a message straight to failed, for replies no
// retry will fix.
func (q *DiskQueue) MarkPermanentFailure(id string, reason string) (err error) {
	defer track("mark_permanent_failure", time.Now(), &err, false)
	q.mu.Lock()
	defer q.mu.Unlock()

	meta, err := q.attempt(id, "PERMANENT: "+reason)
	if err != nil {
		return err
	}
	logger.Error("RelayQueue: Permanent delivery failure", "id", id, "kind", meta.Kind, "error", reason)
	return q.settle(meta, failed)
}

// Release returns a message to pending without counting an attempt.
func (q *DiskQueue) Release(id string) (err error) {
	defer track("release", time.Now(), &err, false)
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.move(id, processing, pending); err != nil {
		return fmt.Errorf("failed to release message %s: %w", id, err)
	}
	return nil
}

// RecoverOrphanedMessages returns everything left in processing to
// pending. It must run before any worker starts.
func (q *DiskQueue) RecoverOrphanedMessages() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids, err := q.ids(processing)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, id := range ids {
		if err := q.move(id, processing, pending); err != nil {
			logger.Error("RelayQueue: Failed to recover orphaned message", "id", id, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		logger.Info("RelayQueue: Recovered orphaned messages", "count", recovered)
	}
	return recovered, nil
}

// CleanupOldFailedMessages deletes failed messages last tried before
// retention ago. Zero retention keeps everything.
func (q *DiskQueue) CleanupOldFailedMessages(retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	all, err := q.scan(failed)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-retention)
	cleaned := 0
	for _, m := range all {
		if m.LastAttempt.After(cutoff) {
			continue
		}
		if err := q.remove(failed, m.ID); err != nil {
			logger.Warn("RelayQueue: Failed to remove failed entry", "id", m.ID, "error", err)
			continue
		}
		cleaned++
	}
	return cleaned, nil
}

// GetStats counts messages in each spool.
func (q *DiskQueue) GetStats() (pendingCount, processingCount, failedCount int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	counts := make([]int, 3)
	for i, s := range []spool{pending, processing, failed} {
		ids, err := q.ids(s)
		if err != nil {
			return 0, 0, 0, err
		}
		counts[i] = len(ids)
	}
	return counts[0], counts[1], counts[2], nil
}

// ids lists the messages in s by their metadata files.
func (q *DiskQueue) ids(s spool) ([]string, error) {
	entries, err := os.ReadDir(q.dir(s))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s spool: %w", s, err)
	}
	var ids []string
	for _, e := range entries {
		if name := e.Name(); !e.IsDir() && filepath.Ext(name) == metaExt {
			ids = append(ids, strings.TrimSuffix(name, metaExt))
		}
	}
	return ids, nil
}

// scan loads every readable metadata file in s.
func (q *DiskQueue) scan(s spool) ([]QueuedMessage, error) {
	ids, err := q.ids(s)
	if err != nil {
		return nil, err
	}
	out := make([]QueuedMessage, 0, len(ids))
	for _, id := range ids {
		m, err := q.load(s, id)
		if err != nil {
			logger.Error("RelayQueue: Failed to read metadata", "spool", s, "id", id, "error", err)
			continue
		}
		out = append(out, *m)
	}
	return out, nil
}

func (q *DiskQueue) load(s spool, id string) (*QueuedMessage, error) {
	data, err := os.ReadFile(q.path(s, id, metaExt))
	if err != nil {
		return nil, err
	}
	var m QueuedMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (q *DiskQueue) store(s spool, m *QueuedMessage) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := writeAtomic(q.path(s, m.ID, metaExt), data); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// attempt loads a processing message and records one failed try.
func (q *DiskQueue) attempt(id, reason string) (*QueuedMessage, error) {
	m, err := q.load(processing, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	m.Attempts++
	m.LastAttempt = time.Now()
	m.Errors = append(m.Errors, fmt.Sprintf("[%s] %s", m.LastAttempt.Format(time.RFC3339), reason))
	return m, nil
}

// settle moves a processing message into s with updated metadata.
func (q *DiskQueue) settle(m *QueuedMessage, s spool) error {
	if err := os.Rename(q.path(processing, m.ID, bodyExt), q.path(s, m.ID, bodyExt)); err != nil {
		return fmt.Errorf("failed to move message: %w", err)
	}
	if err := q.store(s, m); err != nil {
		return err
	}
	os.Remove(q.path(processing, m.ID, metaExt))
	return nil
}

// move relocates one message between spools, body first.
func (q *DiskQueue) move(id string, from, to spool) error {
	if err := os.Rename(q.path(from, id, bodyExt), q.path(to, id, bodyExt)); err != nil {
		return err
	}
	if err := os.Rename(q.path(from, id, metaExt), q.path(to, id, metaExt)); err != nil {
		os.Rename(q.path(to, id, bodyExt), q.path(from, id, bodyExt))
		return err
	}
	return nil
}

// remove deletes metadata first so a half-removed message is invisible.
func (q *DiskQueue) remove(s spool, id string) error {
	for _, ext := range []string{metaExt, bodyExt} {
		if err := os.Remove(q.path(s, id, ext)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove %s%s: %w", id, ext, err)
		}
	}
	return nil
}

// writeAtomic writes through a temp file in the same directory and a
// rename.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-")
	if err != nil {
		return err
	}
	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		os.Remove(tmp.Name())
	}
	return err
}
