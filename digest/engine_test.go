package digest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TommyLike/mailman/localdb"
	"github.com/TommyLike/mailman/mailinglist"
	"github.com/TommyLike/mailman/templates"
	"github.com/TommyLike/mailman/testutils"
)

type fixture struct {
	store   *localdb.Store
	mailer  *testutils.RecordingMailer
	archive *testutils.MemoryArchive
	engine  *Engine
	now     time.Time
}

func newFixture(t *testing.T, configure func(*mailinglist.List)) *fixture {
	t.Helper()
	f := &fixture{
		store:   testutils.NewLocalStore(t),
		mailer:  &testutils.RecordingMailer{},
		archive: testutils.NewMemoryArchive(),
		now:     time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC),
	}

	l := testutils.TestList("devel")
	l.RealName = "Devel"
	if configure != nil {
		configure(l)
	}
	testutils.CreateTestList(t, f.store, l)

	f.engine = New(f.store, templates.New(""), f.mailer, Options{
		Archiver:       f.archive,
		ArchiveTimeout: 5 * time.Second,
		Now:            func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) setState(t *testing.T, volume, issue int, lastSent *time.Time) {
	t.Helper()
	err := f.store.WithListLock(context.Background(), "devel", func(ctx context.Context, tx mailinglist.Tx) error {
		return tx.SaveDigestState(ctx, &mailinglist.DigestState{ListName: "devel", Volume: volume, Issue: issue, LastSentAt: lastSent})
	})
	require.NoError(t, err)
}

func (f *fixture) state(t *testing.T) *mailinglist.DigestState {
	t.Helper()
	var st *mailinglist.DigestState
	err := f.store.WithListLock(context.Background(), "devel", func(ctx context.Context, tx mailinglist.Tx) error {
		var err error
		st, err = tx.GetDigestState(ctx)
		return err
	})
	require.NoError(t, err)
	return st
}

func (f *fixture) pending(t *testing.T) int {
	t.Helper()
	var n int
	err := f.store.WithListLock(context.Background(), "devel", func(ctx context.Context, tx mailinglist.Tx) error {
		msgs, err := tx.DigestMessages(ctx)
		n = len(msgs)
		return err
	})
	require.NoError(t, err)
	return n
}

func post(from, subject, body string) []byte {
	return []byte(fmt.Sprintf("From: %s\r\nTo: devel@example.com\r\nSubject: %s\r\nDate: Fri, 15 Mar 2024 10:00:00 +0000\r\nMessage-ID: <%s@example.com>\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
		from, subject, strings.ReplaceAll(strings.ToLower(subject), " ", "."), body))
}

func TestApplyBumpThenSendUsesPostBumpNumbering(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	testutils.AddTestMember(t, f.store, "devel", "reader@example.com", "pw", true, 0)
	f.setState(t, 7, 4, nil)

	res, err := f.engine.Accumulate(ctx, "devel", "anne@example.com", post("anne@example.com", "Hello", "first post"))
	require.NoError(t, err)
	require.True(t, res.Accepted)
	assert.Nil(t, res.Issue)

	report, err := f.engine.Apply(ctx, "devel", Request{Bump: true, Send: true})
	require.NoError(t, err)
	assert.True(t, report.Bumped)
	require.NotNil(t, report.Issue)
	assert.Equal(t, "Devel Digest, Vol 8, Issue 1", report.Issue.Subject)
	assert.Equal(t, 8, report.State.Volume)
	assert.Equal(t, 2, report.State.Issue)

	st := f.state(t)
	assert.Equal(t, 8, st.Volume)
	assert.Equal(t, 2, st.Issue)
	require.NotNil(t, st.LastSentAt)
	assert.True(t, st.LastSentAt.Equal(f.now))
	assert.Equal(t, 0, f.pending(t))

	digests := f.mailer.ByKind(mailinglist.KindDigest)
	require.Len(t, digests, 1)
	assert.Equal(t, []string{"reader@example.com"}, digests[0].Recipients)
	assert.Equal(t, "devel-request@example.com", digests[0].Sender)
	assert.Contains(t, string(digests[0].Raw), "Devel Digest, Vol 8, Issue 1")
}

func TestApplyBump(t *testing.T) {
	tests := []struct {
		name          string
		volume, issue int
	}{
		{"first issue", 1, 1},
		{"mid volume", 3, 9},
		{"large issue", 12, 250},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.setState(t, tt.volume, tt.issue, nil)

			report, err := f.engine.Apply(context.Background(), "devel", Request{Bump: true})
			require.NoError(t, err)
			assert.True(t, report.Bumped)
			assert.Nil(t, report.Issue)
			assert.Equal(t, tt.volume+1, report.State.Volume)
			assert.Equal(t, 1, report.State.Issue)
			assert.Empty(t, f.mailer.Messages())
		})
	}
}

func TestApplySendWithEmptyAccumulator(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	testutils.AddTestMember(t, f.store, "devel", "reader@example.com", "pw", true, 0)

	report, err := f.engine.Apply(ctx, "devel", Request{Send: true})
	require.NoError(t, err)
	assert.Nil(t, report.Issue)
	assert.Equal(t, 1, report.State.Issue)
	assert.Nil(t, f.state(t).LastSentAt)
	assert.Empty(t, f.mailer.Messages())

	report, err = f.engine.Apply(ctx, "devel", Request{Send: true, Force: true})
	require.NoError(t, err)
	require.NotNil(t, report.Issue)
	assert.Equal(t, 0, report.Issue.Messages)
	assert.Equal(t, 2, report.State.Issue)
	assert.Len(t, f.mailer.ByKind(mailinglist.KindDigest), 1)
}

func TestApplyNothingRequested(t *testing.T) {
	f := newFixture(t, nil)
	report, err := f.engine.Apply(context.Background(), "devel", Request{})
	require.NoError(t, err)
	assert.False(t, report.Bumped)
	assert.Nil(t, report.Issue)
	assert.Equal(t, 1, report.State.Volume)
	assert.Equal(t, 1, report.State.Issue)
}

func TestApplyUnknownList(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.Apply(context.Background(), "nosuch", Request{Bump: true})
	require.Error(t, err)
}

func TestAccumulateDeduplicates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	raw := post("anne@example.com", "Same", "identical")

	res, err := f.engine.Accumulate(ctx, "devel", "anne@example.com", raw)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, 1, res.Pending)

	res, err = f.engine.Accumulate(ctx, "devel", "anne@example.com", raw)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, 1, res.Pending)

	res, err = f.engine.Accumulate(ctx, "devel", "bob@example.com", post("bob@example.com", "Other", "different"))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, 2, res.Pending)
}

func TestAccumulateSizeThresholdSends(t *testing.T) {
	f := newFixture(t, func(l *mailinglist.List) { l.DigestSizeThresholdKB = 1 })
	ctx := context.Background()
	testutils.AddTestMember(t, f.store, "devel", "reader@example.com", "pw", true, 0)

	res, err := f.engine.Accumulate(ctx, "devel", "anne@example.com", post("anne@example.com", "Small", "tiny"))
	require.NoError(t, err)
	assert.Nil(t, res.Issue)

	res, err = f.engine.Accumulate(ctx, "devel", "bob@example.com", post("bob@example.com", "Large", strings.Repeat("x", 1500)))
	require.NoError(t, err)
	require.NotNil(t, res.Issue)
	assert.Equal(t, 2, res.Issue.Messages)
	assert.Equal(t, 0, res.Pending)
	assert.Equal(t, "Devel Digest, Vol 1, Issue 1", res.Issue.Subject)
	assert.Equal(t, 0, f.pending(t))
	assert.Len(t, f.mailer.ByKind(mailinglist.KindDigest), 1)
}

func TestThresholdSendRollsOverVolume(t *testing.T) {
	f := newFixture(t, func(l *mailinglist.List) {
		l.DigestSizeThresholdKB = 1
		l.DigestFrequency = mailinglist.FrequencyMonthly
	})
	lastMonth := f.now.AddDate(0, -1, 0)
	f.setState(t, 2, 5, &lastMonth)

	res, err := f.engine.Accumulate(context.Background(), "devel", "anne@example.com", post("anne@example.com", "Big", strings.Repeat("y", 2048)))
	require.NoError(t, err)
	require.NotNil(t, res.Issue)
	assert.Equal(t, 3, res.Issue.Volume)
	assert.Equal(t, 1, res.Issue.Number)

	st := f.state(t)
	assert.Equal(t, 3, st.Volume)
	assert.Equal(t, 2, st.Issue)
}

func TestExplicitSendDoesNotRollOver(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	lastYear := f.now.AddDate(-1, 0, 0)
	f.setState(t, 2, 5, &lastYear)

	_, err := f.engine.Accumulate(ctx, "devel", "anne@example.com", post("anne@example.com", "Hi", "body"))
	require.NoError(t, err)

	report, err := f.engine.Apply(ctx, "devel", Request{Send: true})
	require.NoError(t, err)
	require.NotNil(t, report.Issue)
	assert.Equal(t, 2, report.Issue.Volume)
	assert.Equal(t, 5, report.Issue.Number)
}

func TestRecipientsByDeliveryOptions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	testutils.AddTestMember(t, f.store, "devel", "mime@example.com", "pw", true, 0)
	testutils.AddTestMember(t, f.store, "devel", "plain@example.com", "pw", true, mailinglist.OptionPlain)
	testutils.AddTestMember(t, f.store, "devel", "nomail@example.com", "pw", true, mailinglist.OptionNoMail)
	testutils.AddTestMember(t, f.store, "devel", "regular@example.com", "pw", false, 0)

	_, err := f.engine.Accumulate(ctx, "devel", "anne@example.com", post("anne@example.com", "Topic one", "first body"))
	require.NoError(t, err)
	_, err = f.engine.Accumulate(ctx, "devel", "bob@example.com", post("bob@example.com", "Topic two", "second body"))
	require.NoError(t, err)

	report, err := f.engine.Apply(ctx, "devel", Request{Send: true})
	require.NoError(t, err)
	require.NotNil(t, report.Issue)
	assert.Equal(t, 2, report.Issue.Recipients)

	digests := f.mailer.ByKind(mailinglist.KindDigest)
	require.Len(t, digests, 2)

	byRecipient := map[string]*mailinglist.OutgoingMessage{}
	for _, d := range digests {
		require.Len(t, d.Recipients, 1)
		byRecipient[d.Recipients[0]] = d
	}
	require.Contains(t, byRecipient, "mime@example.com")
	require.Contains(t, byRecipient, "plain@example.com")

	plain := string(byRecipient["plain@example.com"].Raw)
	assert.Contains(t, plain, "Message: 1")
	assert.Contains(t, plain, "Message: 2")
	assert.Contains(t, plain, "second body")
	assert.Contains(t, plain, "End of Devel Digest, Vol 1, Issue 1")
	assert.Contains(t, plain, "Today's Topics:")
}

func TestMIMEDigestStructure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	testutils.AddTestMember(t, f.store, "devel", "reader@example.com", "pw", true, 0)

	for i := 1; i <= 3; i++ {
		_, err := f.engine.Accumulate(ctx, "devel", "anne@example.com", post("anne@example.com", fmt.Sprintf("Post %d", i), "body"))
		require.NoError(t, err)
	}
	_, err := f.engine.Apply(ctx, "devel", Request{Send: true})
	require.NoError(t, err)

	digests := f.mailer.ByKind(mailinglist.KindDigest)
	require.Len(t, digests, 1)

	entity, err := message.Read(bytes.NewReader(digests[0].Raw))
	require.NoError(t, err)
	mediaType, _, err := entity.Header.ContentType()
	require.NoError(t, err)
	assert.Equal(t, "multipart/mixed", mediaType)

	mr := entity.MultipartReader()
	require.NotNil(t, mr)

	var types []string
	var embedded int
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		pt, _, _ := part.Header.ContentType()
		types = append(types, pt)
		if pt == "multipart/digest" {
			inner := part.MultipartReader()
			require.NotNil(t, inner)
			for {
				p, err := inner.NextPart()
				if err != nil {
					break
				}
				it, _, _ := p.Header.ContentType()
				assert.Equal(t, "message/rfc822", it)
				embedded++
			}
		}
	}
	assert.Equal(t, []string{"text/plain", "multipart/digest", "text/plain"}, types)
	assert.Equal(t, 3, embedded)
}

func TestSentDigestIsArchived(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.engine.Accumulate(ctx, "devel", "anne@example.com", post("anne@example.com", "Archive me", "body"))
	require.NoError(t, err)

	_, err = f.engine.Apply(ctx, "devel", Request{Send: true})
	require.NoError(t, err)

	keys := f.archive.Keys()
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], "digests/devel/v1/i1-"), keys[0])
	assert.True(t, strings.HasSuffix(keys[0], ".eml"))

	data, err := f.archive.Get(ctx, keys[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "Archive me")
}

func TestArchiveFailureDoesNotUndoSend(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.archive.Fail("digests/devel/", errors.New("bucket unavailable"))
	f.engine.archiveTimeout = 50 * time.Millisecond

	_, err := f.engine.Accumulate(ctx, "devel", "anne@example.com", post("anne@example.com", "Hi", "body"))
	require.NoError(t, err)

	report, err := f.engine.Apply(ctx, "devel", Request{Send: true})
	require.NoError(t, err)
	require.NotNil(t, report.Issue)
	assert.Equal(t, 2, f.state(t).Issue)
	assert.Empty(t, f.archive.Keys())
}

func TestCancelledContextDiscardsWork(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.Apply(ctx, "devel", Request{Bump: true})
	require.Error(t, err)
	assert.Equal(t, 1, f.state(t).Volume)
}
