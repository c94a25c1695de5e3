package subscription

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TommyLike/mailman/localdb"
	"github.com/TommyLike/mailman/mailinglist"
	"github.com/TommyLike/mailman/templates"
	"github.com/TommyLike/mailman/testutils"
)

type fixture struct {
	store  *localdb.Store
	outbox *mailinglist.Outbox
}

func newFixture(t *testing.T, list *mailinglist.List) *fixture {
	t.Helper()
	f := &fixture{store: testutils.NewLocalStore(t), outbox: &mailinglist.Outbox{}}
	testutils.CreateTestList(t, f.store, list)
	return f
}

// do runs fn with a workflow on list "devel". The outbox keeps whatever the
// last call queued.
func (f *fixture) do(t *testing.T, fn func(ctx context.Context, w *Workflow) error) error {
	t.Helper()
	f.outbox.Discard()
	return f.store.WithListLock(context.Background(), "devel", func(ctx context.Context, tx mailinglist.Tx) error {
		w := New(tx, mailinglist.NewRoster(tx, 4), templates.New(""), f.outbox)
		w.randomSeed = func() (string, error) { return "seed", nil }
		return fn(ctx, w)
	})
}

func (f *fixture) subscribe(t *testing.T, req Request) *mailinglist.PendingRequest {
	t.Helper()
	var p *mailinglist.PendingRequest
	err := f.do(t, func(ctx context.Context, w *Workflow) error {
		var err error
		p, err = w.Subscribe(ctx, req)
		return err
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) confirm(t *testing.T, cookie int64) *Result {
	t.Helper()
	var res *Result
	err := f.do(t, func(ctx context.Context, w *Workflow) error {
		var err error
		res, err = w.Confirm(ctx, cookie)
		return err
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) memberOf(t *testing.T, email string) *mailinglist.Member {
	t.Helper()
	var m *mailinglist.Member
	_ = f.store.WithListLock(context.Background(), "devel", func(ctx context.Context, tx mailinglist.Tx) error {
		m, _ = tx.GetMember(ctx, email)
		return nil
	})
	return m
}

func TestSubscribeQueuesConfirmation(t *testing.T) {
	f := newFixture(t, testutils.TestList("devel"))

	p := f.subscribe(t, Request{Sender: "boss@example.com", Address: "jane@example.com", Password: "secret", Digest: true})
	assert.Equal(t, "jane@example.com", p.Email)
	assert.True(t, p.WantsDigest)
	assert.NoError(t, mailinglist.VerifyPassword(p.PasswordHash, "secret"), "pending password is stored hashed")

	msgs := f.outbox.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, mailinglist.KindConfirmation, msgs[0].Kind)
	assert.Equal(t, []string{"jane@example.com"}, msgs[0].Recipients)
	assert.Equal(t, ConfirmSubject("devel", p.Cookie), msgs[0].Subject)
	assert.Contains(t, msgs[0].Text, " from boss@example.com")
}

func TestSubscribeGeneratesPassword(t *testing.T) {
	f := newFixture(t, testutils.TestList("devel"))
	p := f.subscribe(t, Request{Sender: "jane@example.com"})
	assert.NoError(t, mailinglist.VerifyPassword(p.PasswordHash, "seedseed"))
	assert.NotContains(t, f.outbox.Messages()[0].Text, " from ")
}

func TestSubscribeRejects(t *testing.T) {
	f := newFixture(t, testutils.TestList("devel"))
	testutils.AddTestMember(t, f.store, "devel", "old@example.com", "pw", false, 0)

	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{"already member", Request{Sender: "OLD@example.com"}, mailinglist.ErrAlreadyMember},
		{"hostile", Request{Sender: "x@example.com", Address: "a|b@example.com"}, mailinglist.ErrHostileAddress},
		{"bad", Request{Sender: "x@example.com", Address: "nobody"}, mailinglist.ErrBadAddress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.do(t, func(ctx context.Context, w *Workflow) error {
				_, err := w.Subscribe(ctx, tt.req)
				return err
			})
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, 0, f.outbox.Len())
		})
	}
}

func TestConfirmOutcomes(t *testing.T) {
	t.Run("confirmed", func(t *testing.T) {
		f := newFixture(t, testutils.TestList("devel"))
		p := f.subscribe(t, Request{Sender: "jane@example.com", Password: "pw"})

		res := f.confirm(t, p.Cookie)
		assert.Equal(t, OutcomeConfirmed, res.Outcome)
		assert.NoError(t, res.Err)
		require.NotNil(t, f.memberOf(t, "jane@example.com"))

		err := f.do(t, func(ctx context.Context, w *Workflow) error {
			_, err := w.Confirm(ctx, p.Cookie)
			return err
		})
		assert.ErrorIs(t, err, mailinglist.ErrInvalidCookie)
	})

	t.Run("deferred", func(t *testing.T) {
		list := testutils.TestList("devel")
		list.SubscribePolicy = mailinglist.PolicyConfirmApprove
		f := newFixture(t, list)
		p := f.subscribe(t, Request{Sender: "jane@example.com", Digest: true})

		res := f.confirm(t, p.Cookie)
		assert.Equal(t, OutcomeDeferred, res.Outcome)
		assert.ErrorIs(t, res.Err, mailinglist.ErrNeedsApproval)
		assert.NotZero(t, res.HeldID)
		assert.Nil(t, f.memberOf(t, "jane@example.com"))

		msgs := f.outbox.Messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, mailinglist.KindNotice, msgs[0].Kind)
		assert.Equal(t, []string{"devel-owner@example.com"}, msgs[0].Recipients)

		var held *mailinglist.HeldSubscription
		err := f.do(t, func(ctx context.Context, w *Workflow) error {
			var err error
			held, err = w.ApproveHeld(ctx, res.HeldID)
			return err
		})
		require.NoError(t, err)
		assert.True(t, held.Digest)
		m := f.memberOf(t, "jane@example.com")
		require.NotNil(t, m)
		assert.True(t, m.Digest)
	})

	t.Run("rejected by digest policy", func(t *testing.T) {
		list := testutils.TestList("devel")
		list.Nondigestable = false
		list.DigestIsDefault = true
		f := newFixture(t, list)
		p := f.subscribe(t, Request{Sender: "jane@example.com", Digest: false})

		res := f.confirm(t, p.Cookie)
		assert.Equal(t, OutcomeRejected, res.Outcome)
		assert.ErrorIs(t, res.Err, mailinglist.ErrMustDigest)

		err := f.do(t, func(ctx context.Context, w *Workflow) error {
			_, err := w.Confirm(ctx, p.Cookie)
			return err
		})
		assert.ErrorIs(t, err, mailinglist.ErrInvalidCookie, "the cookie is consumed on rejection too")
	})

	t.Run("already member by now", func(t *testing.T) {
		f := newFixture(t, testutils.TestList("devel"))
		p := f.subscribe(t, Request{Sender: "jane@example.com"})
		testutils.AddTestMember(t, f.store, "devel", "jane@example.com", "pw", false, 0)

		res := f.confirm(t, p.Cookie)
		assert.Equal(t, OutcomeRejected, res.Outcome)
		assert.ErrorIs(t, res.Err, mailinglist.ErrAlreadyMember)
	})
}

func TestHeldDecisions(t *testing.T) {
	f := newFixture(t, testutils.TestList("devel"))
	var approveID, rejectID, takenID int64
	err := f.do(t, func(ctx context.Context, w *Workflow) error {
		var err error
		if approveID, err = w.tx.InsertHeld(ctx, &mailinglist.HeldSubscription{Email: "a@example.com"}); err != nil {
			return err
		}
		if rejectID, err = w.tx.InsertHeld(ctx, &mailinglist.HeldSubscription{Email: "r@example.com"}); err != nil {
			return err
		}
		takenID, err = w.tx.InsertHeld(ctx, &mailinglist.HeldSubscription{Email: "old@example.com"})
		return err
	})
	require.NoError(t, err)
	testutils.AddTestMember(t, f.store, "devel", "old@example.com", "pw", false, 0)

	err = f.do(t, func(ctx context.Context, w *Workflow) error {
		h, err := w.ApproveHeld(ctx, approveID)
		require.NoError(t, err)
		assert.Equal(t, "a@example.com", h.Email)

		h, err = w.RejectHeld(ctx, rejectID)
		require.NoError(t, err)
		assert.Equal(t, "r@example.com", h.Email)

		h, err = w.ApproveHeld(ctx, takenID)
		require.NotNil(t, h, "the held entry is consumed even when the add fails")
		assert.ErrorIs(t, err, mailinglist.ErrAlreadyMember)

		held, err := w.tx.ListHeld(ctx)
		require.NoError(t, err)
		assert.Empty(t, held)
		return nil
	})
	require.NoError(t, err)
	assert.NotNil(t, f.memberOf(t, "a@example.com"))
	assert.Nil(t, f.memberOf(t, "r@example.com"))
}
