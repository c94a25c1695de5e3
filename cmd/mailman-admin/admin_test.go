package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TommyLike/mailman/config"
	"github.com/TommyLike/mailman/consts"
	"github.com/TommyLike/mailman/digest"
	"github.com/TommyLike/mailman/mailinglist"
	"github.com/TommyLike/mailman/templates"
	"github.com/TommyLike/mailman/testutils"
)

func newTestEnvironment(t *testing.T) (*environment, *testutils.RecordingMailer) {
	t.Helper()
	store := testutils.NewLocalStore(t)
	testutils.CreateTestList(t, store, testutils.TestList("devel"))
	mailer := &testutils.RecordingMailer{}
	cfg := config.NewDefaultConfig()
	cfg.Site.PasswordCost = 4
	return &environment{
		cfg:      cfg,
		store:    store,
		renderer: templates.New(""),
		mailer:   mailer,
	}, mailer
}

func TestListOptionsBuild(t *testing.T) {
	base := listOptions{
		name:          "Devel",
		host:          "Example.ORG",
		policy:        "confirm+approve",
		frequency:     "weekly",
		digestable:    true,
		nondigestable: true,
		privateRoster: 1,
	}

	t.Run("valid", func(t *testing.T) {
		opts := base
		l, err := opts.build()
		require.NoError(t, err)
		assert.Equal(t, "devel", l.Name)
		assert.Equal(t, "example.org", l.Host)
		assert.Equal(t, "devel", l.RealName)
		assert.Equal(t, mailinglist.PolicyConfirmApprove, l.SubscribePolicy)
		assert.Equal(t, mailinglist.FrequencyWeekly, l.DigestFrequency)
		assert.True(t, l.Ready)
	})

	tests := []struct {
		name   string
		modify func(o *listOptions)
	}{
		{"unknown policy", func(o *listOptions) { o.policy = "closed" }},
		{"unknown frequency", func(o *listOptions) { o.frequency = "hourly" }},
		{"no delivery mode", func(o *listOptions) { o.digestable, o.nondigestable = false, false }},
		{"request suffix", func(o *listOptions) { o.name = "devel-request" }},
		{"roster level", func(o *listOptions) { o.privateRoster = 5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := base
			tt.modify(&opts)
			_, err := opts.build()
			assert.Error(t, err)
		})
	}
}

func TestCreateAndPrintLists(t *testing.T) {
	ctx := context.Background()
	store := testutils.NewLocalStore(t)

	var out bytes.Buffer
	require.NoError(t, printLists(ctx, store, &out))
	assert.Contains(t, out.String(), "No lists found.")

	opts := listOptions{name: "users", host: "example.org", policy: "open", frequency: "daily", digestable: true, nondigestable: true}
	list, err := opts.build()
	require.NoError(t, err)

	out.Reset()
	require.NoError(t, createList(ctx, store, list, &out))
	assert.Contains(t, out.String(), "Created list users (users@example.org)")

	out.Reset()
	require.NoError(t, printLists(ctx, store, &out))
	assert.Contains(t, out.String(), "users@example.org")
	assert.Contains(t, out.String(), "open")
	assert.Contains(t, out.String(), "daily")

	assert.Error(t, createList(ctx, store, list, &out))
}

func TestMassSubscribeAndUnsubscribe(t *testing.T) {
	ctx := context.Background()
	env, _ := newTestEnvironment(t)
	testutils.AddTestMember(t, env.store, "devel", "old@example.com", "pw", false, 0)

	var out bytes.Buffer
	err := massSubscribe(ctx, env, "devel", []string{"Jane Doe <jane@example.com>", "old@example.com", "not-an-address"}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Subscribed")
	assert.Contains(t, out.String(), "Already a member")
	assert.Contains(t, out.String(), "Bad/Invalid email address")

	out.Reset()
	err = massUnsubscribe(ctx, env, "devel", []string{"jane@example.com", "old@example.com"}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "jane@example.com: unsubscribed")

	out.Reset()
	err = massUnsubscribe(ctx, env, "devel", []string{"ghost@example.com"}, &out)
	require.Error(t, err)
	assert.Contains(t, out.String(), "ghost@example.com: No such member.")

	err = massSubscribe(ctx, env, "nosuch", []string{"a@example.com"}, &out)
	assert.True(t, errors.Is(err, consts.ErrListNotFound))
}

func TestHeldCommands(t *testing.T) {
	ctx := context.Background()
	env, _ := newTestEnvironment(t)

	var out bytes.Buffer
	require.NoError(t, printHeld(ctx, env, "devel", &out))
	assert.Contains(t, out.String(), "No held subscriptions.")

	hold := func(email string) int64 {
		var id int64
		err := env.store.WithListLock(ctx, "devel", func(ctx context.Context, tx mailinglist.Tx) error {
			var err error
			id, err = tx.InsertHeld(ctx, &mailinglist.HeldSubscription{
				ListName:  "devel",
				Email:     email,
				CreatedAt: time.Now(),
			})
			return err
		})
		require.NoError(t, err)
		return id
	}
	approveID := hold("keep@example.com")
	rejectID := hold("drop@example.com")

	out.Reset()
	require.NoError(t, printHeld(ctx, env, "devel", &out))
	assert.Contains(t, out.String(), "keep@example.com")
	assert.Contains(t, out.String(), "drop@example.com")

	out.Reset()
	require.NoError(t, decideHeld(ctx, env, "devel", approveID, true, &out))
	assert.Contains(t, out.String(), "Approved keep@example.com")

	out.Reset()
	require.NoError(t, decideHeld(ctx, env, "devel", rejectID, false, &out))
	assert.Contains(t, out.String(), "Rejected drop@example.com")

	err := decideHeld(ctx, env, "devel", rejectID, false, &out)
	assert.True(t, errors.Is(err, consts.ErrDBNotFound))

	err = env.store.WithListLock(ctx, "devel", func(ctx context.Context, tx mailinglist.Tx) error {
		_, err := tx.GetMember(ctx, "keep@example.com")
		return err
	})
	assert.NoError(t, err)
}

func TestApplyDigest(t *testing.T) {
	ctx := context.Background()
	env, mailer := newTestEnvironment(t)
	testutils.AddTestMember(t, env.store, "devel", "reader@example.com", "pw", true, 0)
	engine := digest.New(env.store, env.renderer, env.mailer, digest.Options{})

	var out bytes.Buffer
	require.NoError(t, applyDigest(ctx, engine, "devel", digest.Request{Send: true}, &out))
	assert.Contains(t, out.String(), "No digest sent, nothing pending.")
	assert.Empty(t, mailer.ByKind(mailinglist.KindDigest))

	raw := []byte("From: poster@example.com\r\nSubject: hello\r\n\r\nbody\r\n")
	_, err := engine.Accumulate(ctx, "devel", "poster@example.com", raw)
	require.NoError(t, err)

	out.Reset()
	require.NoError(t, applyDigest(ctx, engine, "devel", digest.Request{Send: true}, &out))
	assert.Contains(t, out.String(), "1 messages to 1 recipients")
	assert.Len(t, mailer.ByKind(mailinglist.KindDigest), 1)

	out.Reset()
	require.NoError(t, applyDigest(ctx, engine, "devel", digest.Request{Bump: true}, &out))
	assert.Contains(t, out.String(), "Started volume 2")
	assert.Contains(t, out.String(), "volume 2, issue 1")
}

func TestPurgePending(t *testing.T) {
	ctx := context.Background()
	env, _ := newTestEnvironment(t)
	err := env.store.WithListLock(ctx, "devel", func(ctx context.Context, tx mailinglist.Tx) error {
		return tx.InsertPending(ctx, &mailinglist.PendingRequest{
			Cookie:    4242,
			ListName:  "devel",
			Email:     "slow@example.com",
			CreatedAt: time.Now().Add(-48 * time.Hour),
		})
	})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, purgePending(ctx, env.store, time.Now().Add(-24*time.Hour), &out))
	assert.Contains(t, out.String(), "Removed 1 pending requests")
}

type fakeQueue struct {
	pending, processing, failed int
	err                         error
}

func (q fakeQueue) GetStats() (int, int, int, error) {
	return q.pending, q.processing, q.failed, q.err
}

func TestPrintQueueStats(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printQueueStats(fakeQueue{pending: 3, processing: 1, failed: 2}, &out))
	assert.Contains(t, out.String(), "Pending:    3")
	assert.Contains(t, out.String(), "Failed:     2")

	assert.Error(t, printQueueStats(fakeQueue{err: errors.New("disk gone")}, &out))
}

func TestParseFlagsHelp(t *testing.T) {
	fs, _ := newFlagSet("list-lists")
	fs.SetOutput(&bytes.Buffer{})
	ok, err := parseFlags(fs, []string{"--help"})
	assert.False(t, ok)
	assert.NoError(t, err)

	fs, configPath := newFlagSet("list-lists")
	ok, err = parseFlags(fs, []string{"-c", "/etc/mailman.toml"})
	assert.True(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, "/etc/mailman.toml", *configPath)
}
