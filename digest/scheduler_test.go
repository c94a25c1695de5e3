package digest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TommyLike/mailman/mailinglist"
	"github.com/TommyLike/mailman/testutils"
)

func TestSchedulerRunOnce(t *testing.T) {
	f := newFixture(t, func(l *mailinglist.List) {
		l.DigestSendPeriodic = true
		l.DigestFrequency = mailinglist.FrequencyWeekly
	})
	ctx := context.Background()
	testutils.AddTestMember(t, f.store, "devel", "reader@example.com", "pw", true, 0)

	quiet := testutils.TestList("quiet")
	testutils.CreateTestList(t, f.store, quiet)

	s := NewScheduler(f.engine, f.store, time.Hour)

	assert.Equal(t, 0, s.RunOnce(ctx), "empty accumulator sends nothing")

	_, err := f.engine.Accumulate(ctx, "devel", "anne@example.com", post("anne@example.com", "Weekly", "body"))
	require.NoError(t, err)
	assert.Equal(t, 1, s.RunOnce(ctx))
	assert.Len(t, f.mailer.ByKind(mailinglist.KindDigest), 1)

	_, err = f.engine.Accumulate(ctx, "devel", "anne@example.com", post("anne@example.com", "Later", "body"))
	require.NoError(t, err)
	assert.Equal(t, 0, s.RunOnce(ctx), "at most one periodic digest per day")

	f.now = f.now.Add(24 * time.Hour)
	assert.Equal(t, 1, s.RunOnce(ctx))
	st := f.state(t)
	assert.Equal(t, 1, st.Volume)
	assert.Equal(t, 3, st.Issue)

	f.now = f.now.AddDate(0, 0, 7)
	_, err = f.engine.Accumulate(ctx, "devel", "anne@example.com", post("anne@example.com", "Next week", "body"))
	require.NoError(t, err)
	assert.Equal(t, 1, s.RunOnce(ctx))
	st = f.state(t)
	assert.Equal(t, 2, st.Volume, "new week starts a new volume")
	assert.Equal(t, 2, st.Issue)
}

func TestSchedulerStartStop(t *testing.T) {
	f := newFixture(t, nil)
	s := NewScheduler(f.engine, f.store, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	s.Stop()
}
