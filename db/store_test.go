package db_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TommyLike/mailman/consts"
	"github.com/TommyLike/mailman/mailinglist"
	"github.com/TommyLike/mailman/testutils"
)

func setup(t *testing.T) *testutils.TestDatabase {
	t.Helper()
	td := testutils.SetupTestDatabase(t)
	testutils.CreateTestList(t, td, testutils.TestList("devel"))
	return td
}

func inTx(td *testutils.TestDatabase, fn func(ctx context.Context, tx mailinglist.Tx) error) error {
	return td.WithListLock(context.Background(), "devel", fn)
}

func TestCreateAndGetList(t *testing.T) {
	td := setup(t)
	ctx := context.Background()

	assert.ErrorIs(t, td.CreateList(ctx, testutils.TestList("devel")), consts.ErrListExists)

	l, err := td.GetList(ctx, "devel")
	require.NoError(t, err)
	assert.Equal(t, "devel-request@example.com", l.RequestAddress())
	assert.Equal(t, mailinglist.PolicyConfirm, l.SubscribePolicy)
	assert.Equal(t, mailinglist.FrequencyMonthly, l.DigestFrequency)

	_, err = td.GetList(ctx, "nosuch")
	assert.ErrorIs(t, err, consts.ErrListNotFound)

	err = td.WithListLock(ctx, "nosuch", func(ctx context.Context, tx mailinglist.Tx) error { return nil })
	assert.ErrorIs(t, err, consts.ErrListNotFound)
}

func TestWithListLockRollsBack(t *testing.T) {
	td := setup(t)

	boom := errors.New("boom")
	err := inTx(td, func(ctx context.Context, tx mailinglist.Tx) error {
		require.NoError(t, tx.InsertMember(ctx, &mailinglist.Member{Email: "jane@example.com", SubscribedAt: time.Now()}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = inTx(td, func(ctx context.Context, tx mailinglist.Tx) error {
		_, err := tx.GetMember(ctx, "jane@example.com")
		return err
	})
	assert.ErrorIs(t, err, consts.ErrDBNotFound)
}

func TestWithListLockSerialises(t *testing.T) {
	td := setup(t)

	const workers = 6
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- inTx(td, func(ctx context.Context, tx mailinglist.Tx) error {
				st, err := tx.GetDigestState(ctx)
				if err != nil {
					return err
				}
				st.Issue++
				return tx.SaveDigestState(ctx, st)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	err := inTx(td, func(ctx context.Context, tx mailinglist.Tx) error {
		st, err := tx.GetDigestState(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1+workers, st.Issue)
		return nil
	})
	require.NoError(t, err)
}

func TestMembersAndPending(t *testing.T) {
	td := setup(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)

	err := inTx(td, func(ctx context.Context, tx mailinglist.Tx) error {
		require.NoError(t, tx.InsertMember(ctx, &mailinglist.Member{Email: "Jane@Example.com", Digest: true, SubscribedAt: time.Now()}))
		assert.ErrorIs(t, tx.InsertMember(ctx, &mailinglist.Member{Email: "jane@example.com"}), consts.ErrDBUniqueViolation)

		m, err := tx.GetMember(ctx, "JANE@EXAMPLE.COM")
		require.NoError(t, err)
		assert.True(t, m.Digest)

		require.NoError(t, tx.InsertPending(ctx, &mailinglist.PendingRequest{ListName: "devel", Cookie: 123456789012, Email: "a@example.com", CreatedAt: old}))
		require.NoError(t, tx.InsertPending(ctx, &mailinglist.PendingRequest{ListName: "devel", Cookie: 210987654321, Email: "b@example.com", CreatedAt: time.Now().UTC()}))
		assert.ErrorIs(t, tx.InsertPending(ctx, &mailinglist.PendingRequest{ListName: "devel", Cookie: 123456789012, Email: "c@example.com"}), consts.ErrDBUniqueViolation)
		return nil
	})
	require.NoError(t, err)

	n, err := td.PurgePending(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	err = inTx(td, func(ctx context.Context, tx mailinglist.Tx) error {
		pending, err := tx.ListPending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "b@example.com", pending[0].Email)
		return nil
	})
	require.NoError(t, err)
}

func TestCleanupLock(t *testing.T) {
	td := setup(t)
	ctx := context.Background()

	ok, err := td.AcquireCleanupLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = td.AcquireCleanupLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "an unexpired lease is not taken twice")

	require.NoError(t, td.ReleaseCleanupLock(ctx))
	ok, err = td.AcquireCleanupLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}
