package mailinglist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validList() *List {
	return &List{
		Name:          "devel",
		Host:          "example.com",
		Digestable:    true,
		Nondigestable: true,
		Ready:         true,
	}
}

func TestListAddresses(t *testing.T) {
	l := validList()
	assert.Equal(t, "devel@example.com", l.Address())
	assert.Equal(t, "devel-request@example.com", l.RequestAddress())
	assert.Equal(t, "devel-owner@example.com", l.OwnerAddress())
	assert.Equal(t, "devel", l.DisplayName())

	l.Owner = "boss@example.org"
	l.RealName = "Devel"
	assert.Equal(t, "boss@example.org", l.OwnerAddress())
	assert.Equal(t, "Devel", l.DisplayName())
}

func TestListValidate(t *testing.T) {
	require.NoError(t, validList().Validate())

	tests := []struct {
		name   string
		modify func(l *List)
	}{
		{"bad name", func(l *List) { l.Name = "no spaces" }},
		{"request suffix", func(l *List) { l.Name = "devel-request" }},
		{"no host", func(l *List) { l.Host = "" }},
		{"no delivery mode", func(l *List) { l.Digestable, l.Nondigestable = false, false }},
		{"digest default without digests", func(l *List) { l.Digestable, l.DigestIsDefault = false, true }},
		{"roster level", func(l *List) { l.PrivateRoster = 3 }},
		{"negative threshold", func(l *List) { l.DigestSizeThresholdKB = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := validList()
			tt.modify(l)
			assert.Error(t, l.Validate())
		})
	}
}

func TestParseSubscribePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    SubscribePolicy
		wantErr bool
	}{
		{"open", PolicyOpen, false},
		{"", PolicyConfirm, false},
		{"Confirm", PolicyConfirm, false},
		{"approve", PolicyApprove, false},
		{"confirm+approve", PolicyConfirmApprove, false},
		{"confirm_approve", PolicyConfirmApprove, false},
		{"closed", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSubscribePolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.True(t, PolicyApprove.NeedsApproval())
	assert.True(t, PolicyConfirmApprove.NeedsApproval())
	assert.False(t, PolicyConfirm.NeedsApproval())
	assert.Equal(t, "confirm+approve", PolicyConfirmApprove.String())
}

func TestParseDigestFrequency(t *testing.T) {
	f, err := ParseDigestFrequency("")
	require.NoError(t, err)
	assert.Equal(t, FrequencyMonthly, f)

	for _, name := range []string{"yearly", "monthly", "quarterly", "weekly", "daily"} {
		f, err := ParseDigestFrequency(name)
		require.NoError(t, err)
		assert.Equal(t, name, f.String())
	}

	_, err = ParseDigestFrequency("hourly")
	assert.Error(t, err)
}

func TestDigestFrequencyPeriod(t *testing.T) {
	day := func(y int, m time.Month, d int) time.Time {
		return time.Date(y, m, d, 12, 0, 0, 0, time.UTC)
	}
	tests := []struct {
		name string
		freq DigestFrequency
		a, b time.Time
		same bool
	}{
		{"yearly same year", FrequencyYearly, day(2024, 1, 1), day(2024, 12, 31), true},
		{"yearly new year", FrequencyYearly, day(2024, 12, 31), day(2025, 1, 1), false},
		{"monthly same month", FrequencyMonthly, day(2024, 3, 1), day(2024, 3, 31), true},
		{"monthly same month other year", FrequencyMonthly, day(2024, 3, 1), day(2025, 3, 1), false},
		{"quarterly same quarter", FrequencyQuarterly, day(2024, 4, 1), day(2024, 6, 30), true},
		{"quarterly next quarter", FrequencyQuarterly, day(2024, 6, 30), day(2024, 7, 1), false},
		{"weekly same ISO week", FrequencyWeekly, day(2024, 12, 30), day(2025, 1, 5), true},
		{"weekly next week", FrequencyWeekly, day(2025, 1, 5), day(2025, 1, 6), false},
		{"daily same day", FrequencyDaily, day(2024, 2, 29), day(2024, 2, 29).Add(11 * time.Hour), true},
		{"daily next day", FrequencyDaily, day(2024, 2, 29), day(2024, 3, 1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.same, tt.freq.Period(tt.a) == tt.freq.Period(tt.b))
		})
	}
}
