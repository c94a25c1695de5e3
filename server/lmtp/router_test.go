package lmtp

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TommyLike/mailman/commands"
	"github.com/TommyLike/mailman/digest"
	"github.com/TommyLike/mailman/localdb"
	"github.com/TommyLike/mailman/mailinglist"
	"github.com/TommyLike/mailman/templates"
	"github.com/TommyLike/mailman/testutils"
)

type routerFixture struct {
	store  *localdb.Store
	mailer *testutils.RecordingMailer
	router *Router
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	f := &routerFixture{
		store:  testutils.NewLocalStore(t),
		mailer: &testutils.RecordingMailer{},
	}

	devel := testutils.TestList("devel")
	devel.Owner = "alice@example.org"
	testutils.CreateTestList(t, f.store, devel)

	announce := testutils.TestList("announce")
	announce.Digestable = false
	testutils.CreateTestList(t, f.store, announce)

	orphan := testutils.TestList("orphan")
	orphan.Owner = ""
	testutils.CreateTestList(t, f.store, orphan)

	renderer := templates.New("")
	dispatcher := commands.NewDispatcher(renderer, commands.Site{Hostname: "example.com", PasswordCost: 4}, 0)
	digests := digest.New(f.store, renderer, f.mailer, digest.Options{})
	f.router = NewRouter(f.store, dispatcher, digests, f.mailer)
	return f
}

func (f *routerFixture) pendingPosts(t *testing.T, list string) int {
	t.Helper()
	var n int
	err := f.store.WithListLock(context.Background(), list, func(ctx context.Context, tx mailinglist.Tx) error {
		msgs, err := tx.DigestMessages(ctx)
		n = len(msgs)
		return err
	})
	require.NoError(t, err)
	return n
}

func smtpCode(err error) int {
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

func commandMail(from, body string) []byte {
	return []byte(fmt.Sprintf("From: %s\r\nTo: devel-request@example.com\r\nSubject: \r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n", from, body))
}

func postMail(from, subject, body string) []byte {
	return []byte(fmt.Sprintf("From: %s\r\nTo: devel@example.com\r\nSubject: %s\r\nMessage-ID: <%d@example.org>\r\n\r\n%s\r\n",
		from, subject, time.Now().UnixNano(), body))
}

func TestRouterResolve(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	tests := []struct {
		address  string
		wantList string
		route    Route
		wantCode int
	}{
		{address: "devel@example.com", wantList: "devel", route: RoutePost},
		{address: "devel-request@example.com", wantList: "devel", route: RouteCommand},
		{address: "<Devel-Request@EXAMPLE.com>", wantList: "devel", route: RouteCommand},
		{address: "devel-owner@example.com", wantList: "devel", route: RouteOwner},
		{address: "nosuch@example.com", wantCode: 550},
		{address: "nosuch-request@example.com", wantCode: 550},
		{address: "devel@example.net", wantCode: 550},
		{address: "orphan-owner@example.com", wantCode: 550},
		{address: "announce-owner@example.com", wantCode: 550},
		{address: "devel", wantCode: 501},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			target, err := f.router.Resolve(ctx, tt.address)
			if tt.wantCode != 0 {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, smtpCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantList, target.List.Name)
			assert.Equal(t, tt.route, target.Route)
		})
	}
}

func TestRouterDeliverCommands(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	target, err := f.router.Resolve(ctx, "devel-request@example.com")
	require.NoError(t, err)

	t.Run("header sender gets the reply", func(t *testing.T) {
		f.mailer.Reset()
		err := f.router.Deliver(ctx, target, "bounces@mta.example.org", commandMail("anne@example.org", "help"))
		require.NoError(t, err)

		replies := f.mailer.ByKind(mailinglist.KindReply)
		require.Len(t, replies, 1)
		assert.Equal(t, []string{"anne@example.org"}, replies[0].Recipients)
		assert.Equal(t, "devel-request@example.com", replies[0].Sender)
		assert.Contains(t, replies[0].Text, ">>>> help")
	})

	t.Run("envelope sender without From header", func(t *testing.T) {
		f.mailer.Reset()
		raw := []byte("Subject: help\r\n\r\n\r\n")
		require.NoError(t, f.router.Deliver(ctx, target, "bob@example.org", raw))

		replies := f.mailer.ByKind(mailinglist.KindReply)
		require.Len(t, replies, 1)
		assert.Equal(t, []string{"bob@example.org"}, replies[0].Recipients)
	})

	t.Run("no sender at all is dropped", func(t *testing.T) {
		f.mailer.Reset()
		require.NoError(t, f.router.Deliver(ctx, target, "", []byte("Subject: help\r\n\r\n\r\n")))
		assert.Empty(t, f.mailer.Messages())
	})

	t.Run("subscribe queues a confirmation", func(t *testing.T) {
		f.mailer.Reset()
		require.NoError(t, f.router.Deliver(ctx, target, "", commandMail("carol@example.org", "subscribe")))
		assert.Len(t, f.mailer.ByKind(mailinglist.KindConfirmation), 1)
	})
}

func TestRouterDeliverCommandsDefersWhenLockIsCancelled(t *testing.T) {
	f := newRouterFixture(t)
	target, err := f.router.Resolve(context.Background(), "devel-request@example.com")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = f.router.Deliver(ctx, target, "", commandMail("anne@example.org", "help"))
	require.Error(t, err)
	assert.Equal(t, 451, smtpCode(err))
	assert.Empty(t, f.mailer.Messages(), "nothing is sent for uncommitted work")
}

func TestRouterDeliverPosts(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	t.Run("digestable list accumulates", func(t *testing.T) {
		target, err := f.router.Resolve(ctx, "devel@example.com")
		require.NoError(t, err)

		raw := postMail("anne@example.org", "Hello", "first post")
		require.NoError(t, f.router.Deliver(ctx, target, "anne@example.org", raw))
		require.NoError(t, f.router.Deliver(ctx, target, "anne@example.org", raw), "duplicates are accepted and ignored")
		assert.Equal(t, 1, f.pendingPosts(t, "devel"))
	})

	t.Run("list without digests ignores posts", func(t *testing.T) {
		target, err := f.router.Resolve(ctx, "announce@example.com")
		require.NoError(t, err)

		require.NoError(t, f.router.Deliver(ctx, target, "anne@example.org", postMail("anne@example.org", "News", "x")))
		assert.Equal(t, 0, f.pendingPosts(t, "announce"))
	})
}

func TestRouterDeliverOwner(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	target, err := f.router.Resolve(ctx, "devel-owner@example.com")
	require.NoError(t, err)

	raw := []byte("From: dave@example.org\r\nSubject: question\r\n\r\nhi\r\n")
	require.NoError(t, f.router.Deliver(ctx, target, "dave@example.org", raw))

	notices := f.mailer.ByKind(mailinglist.KindNotice)
	require.Len(t, notices, 1)
	assert.Equal(t, []string{"alice@example.org"}, notices[0].Recipients)
	assert.Equal(t, raw, notices[0].Raw)

	f.mailer.Err = errors.New("queue unavailable")
	err = f.router.Deliver(ctx, target, "dave@example.org", raw)
	assert.Equal(t, 451, smtpCode(err))
}
