package cleaner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/TommyLike/mailman/mailinglist"
	"github.com/TommyLike/mailman/pkg/metrics"
	"github.com/TommyLike/mailman/testutils"
)

// --- Mocks ---

type mockStore struct {
	mock.Mock
}

func (m *mockStore) PurgePending(ctx context.Context, olderThan time.Time) (int64, error) {
	args := m.Called(ctx, olderThan)
	return args.Get(0).(int64), args.Error(1)
}

type mockLockingStore struct {
	mockStore
}

func (m *mockLockingStore) AcquireCleanupLock(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *mockLockingStore) ReleaseCleanupLock(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type mockQueue struct {
	mock.Mock
}

func (m *mockQueue) CleanupOldFailedMessages(retention time.Duration) (int, error) {
	args := m.Called(retention)
	return args.Int(0), args.Error(1)
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestWorker(store PendingPurger, queue FailedQueue, ttl, retention time.Duration) *CleanupWorker {
	w := New(store, queue, time.Hour, ttl, retention)
	w.now = func() time.Time { return fixedNow }
	return w
}

// --- Tests ---

func TestRunOncePurgesPending(t *testing.T) {
	store := new(mockStore)
	queue := new(mockQueue)
	store.On("PurgePending", mock.Anything, fixedNow.Add(-72*time.Hour)).Return(int64(3), nil)
	queue.On("CleanupOldFailedMessages", 168*time.Hour).Return(2, nil)

	before := testutil.ToFloat64(metrics.PendingPurgedTotal)
	w := newTestWorker(store, queue, 72*time.Hour, 168*time.Hour)
	require.NoError(t, w.RunOnce(context.Background()))

	store.AssertExpectations(t)
	queue.AssertExpectations(t)
	assert.Equal(t, before+3, testutil.ToFloat64(metrics.PendingPurgedTotal))
}

func TestRunOnceDisabledPhases(t *testing.T) {
	store := new(mockStore)
	queue := new(mockQueue)

	w := newTestWorker(store, queue, 0, 0)
	require.NoError(t, w.RunOnce(context.Background()))

	store.AssertNotCalled(t, "PurgePending", mock.Anything, mock.Anything)
	queue.AssertNotCalled(t, "CleanupOldFailedMessages", mock.Anything)
}

func TestRunOnceContinuesAfterPurgeFailure(t *testing.T) {
	store := new(mockStore)
	queue := new(mockQueue)
	store.On("PurgePending", mock.Anything, mock.Anything).Return(int64(0), errors.New("db down"))
	queue.On("CleanupOldFailedMessages", time.Hour).Return(0, nil)

	w := newTestWorker(store, queue, time.Hour, time.Hour)
	err := w.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	queue.AssertExpectations(t)
}

func TestRunOnceNilQueue(t *testing.T) {
	store := new(mockStore)
	store.On("PurgePending", mock.Anything, mock.Anything).Return(int64(0), nil)

	w := newTestWorker(store, nil, time.Hour, time.Hour)
	assert.NoError(t, w.RunOnce(context.Background()))
}

func TestRunOnceCleanupLock(t *testing.T) {
	t.Run("held elsewhere", func(t *testing.T) {
		store := new(mockLockingStore)
		store.On("AcquireCleanupLock", mock.Anything).Return(false, nil)

		w := newTestWorker(store, nil, time.Hour, 0)
		require.NoError(t, w.RunOnce(context.Background()))
		store.AssertNotCalled(t, "PurgePending", mock.Anything, mock.Anything)
		store.AssertNotCalled(t, "ReleaseCleanupLock", mock.Anything)
	})

	t.Run("acquired and released", func(t *testing.T) {
		store := new(mockLockingStore)
		store.On("AcquireCleanupLock", mock.Anything).Return(true, nil)
		store.On("PurgePending", mock.Anything, mock.Anything).Return(int64(1), nil)
		store.On("ReleaseCleanupLock", mock.Anything).Return(nil)

		w := newTestWorker(store, nil, time.Hour, 0)
		require.NoError(t, w.RunOnce(context.Background()))
		store.AssertExpectations(t)
	})

	t.Run("acquire error", func(t *testing.T) {
		store := new(mockLockingStore)
		store.On("AcquireCleanupLock", mock.Anything).Return(false, errors.New("timeout"))

		w := newTestWorker(store, nil, time.Hour, 0)
		assert.Error(t, w.RunOnce(context.Background()))
		store.AssertNotCalled(t, "PurgePending", mock.Anything, mock.Anything)
	})
}

func TestRunOnceWithLocalStore(t *testing.T) {
	store := testutils.NewLocalStore(t)
	testutils.CreateTestList(t, store, testutils.TestList("devel"))

	now := time.Now()
	err := store.WithListLock(context.Background(), "devel", func(ctx context.Context, tx mailinglist.Tx) error {
		if err := tx.InsertPending(ctx, &mailinglist.PendingRequest{
			Cookie: 111, ListName: "devel", Email: "old@example.org", CreatedAt: now.Add(-48 * time.Hour),
		}); err != nil {
			return err
		}
		return tx.InsertPending(ctx, &mailinglist.PendingRequest{
			Cookie: 222, ListName: "devel", Email: "new@example.org", CreatedAt: now,
		})
	})
	require.NoError(t, err)

	w := New(store, nil, time.Hour, 24*time.Hour, 0)
	require.NoError(t, w.RunOnce(context.Background()))

	var left []*mailinglist.PendingRequest
	err = store.WithListLock(context.Background(), "devel", func(ctx context.Context, tx mailinglist.Tx) error {
		var err error
		left, err = tx.ListPending(ctx)
		return err
	})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "new@example.org", left[0].Email)
}
