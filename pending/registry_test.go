package pending

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TommyLike/mailman/consts"
	"github.com/TommyLike/mailman/mailinglist"
	"github.com/TommyLike/mailman/testutils"
)

// crowdedTx reports every cookie as taken.
type crowdedTx struct {
	mailinglist.Tx
	checks int
	err    error
}

func (c *crowdedTx) List() *mailinglist.List {
	return testutils.TestList("devel")
}

func (c *crowdedTx) PendingExists(context.Context, int64) (bool, error) {
	c.checks++
	return true, c.err
}

func TestGenerateCookieGivesUp(t *testing.T) {
	tx := &crowdedTx{}
	_, err := New(tx).GenerateCookie(context.Background())
	assert.ErrorIs(t, err, ErrCookieSpace)
	assert.Equal(t, maxCookieAttempts, tx.checks)

	tx = &crowdedTx{err: errors.New("db down")}
	_, err = New(tx).GenerateCookie(context.Background())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrCookieSpace)
	assert.Equal(t, 1, tx.checks)
}

func TestRegistryLifecycle(t *testing.T) {
	store := testutils.NewLocalStore(t)
	testutils.CreateTestList(t, store, testutils.TestList("devel"))
	testutils.CreateTestList(t, store, testutils.TestList("users"))
	ctx := context.Background()
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	var cookie int64
	err := store.WithListLock(ctx, "devel", func(ctx context.Context, tx mailinglist.Tx) error {
		r := New(tx)
		r.now = func() time.Time { return fixed }

		var err error
		cookie, err = r.GenerateCookie(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, cookie, cookieMin)
		assert.Less(t, cookie, cookieMax)

		p, err := r.Add(ctx, "jane@example.com", "hash", true, cookie)
		require.NoError(t, err)
		assert.Equal(t, "devel", p.ListName)
		assert.Equal(t, fixed, p.CreatedAt)

		_, err = r.Add(ctx, "other@example.com", "hash", false, cookie)
		assert.ErrorIs(t, err, ErrCookieExists)
		return nil
	})
	require.NoError(t, err)

	err = store.WithListLock(ctx, "users", func(ctx context.Context, tx mailinglist.Tx) error {
		_, err := New(tx).Get(ctx, cookie)
		assert.ErrorIs(t, err, mailinglist.ErrInvalidCookie, "cookie belongs to another list")
		return nil
	})
	require.NoError(t, err)

	err = store.WithListLock(ctx, "devel", func(ctx context.Context, tx mailinglist.Tx) error {
		r := New(tx)
		p, err := r.Get(ctx, cookie)
		require.NoError(t, err)
		assert.Equal(t, "jane@example.com", p.Email)
		assert.True(t, p.WantsDigest)

		all, err := r.List(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)

		require.NoError(t, r.Remove(ctx, cookie))
		assert.ErrorIs(t, r.Remove(ctx, cookie), ErrCookieConsumed)
		_, err = r.Get(ctx, cookie)
		assert.ErrorIs(t, err, mailinglist.ErrInvalidCookie)
		return nil
	})
	require.NoError(t, err)
}

func TestGetUnknownCookie(t *testing.T) {
	store := testutils.NewLocalStore(t)
	testutils.CreateTestList(t, store, testutils.TestList("devel"))

	err := store.WithListLock(context.Background(), "devel", func(ctx context.Context, tx mailinglist.Tx) error {
		_, err := New(tx).Get(ctx, 123456789012)
		assert.ErrorIs(t, err, mailinglist.ErrInvalidCookie)
		assert.NotErrorIs(t, err, consts.ErrDBNotFound)
		return nil
	})
	require.NoError(t, err)
}
