// Package mailinglist holds the domain model shared by the command engine,
// the confirmation workflow and the digest engine: lists, members, delivery
// options, pending and held subscriptions, digest state, and the storage
// ports those components run against.
package mailinglist

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// RequestSuffix is appended to a list name to form its command address.
const RequestSuffix = "-request"

var listNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// SubscribePolicy controls what happens when a confirmed subscription is
// finished.
type SubscribePolicy int

const (
	PolicyOpen SubscribePolicy = iota
	PolicyConfirm
	PolicyApprove
	PolicyConfirmApprove
)

func (p SubscribePolicy) String() string {
	switch p {
	case PolicyOpen:
		return "open"
	case PolicyConfirm:
		return "confirm"
	case PolicyApprove:
		return "approve"
	case PolicyConfirmApprove:
		return "confirm+approve"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// NeedsApproval reports whether an unapproved add is held for the owner.
func (p SubscribePolicy) NeedsApproval() bool {
	return p == PolicyApprove || p == PolicyConfirmApprove
}

func ParseSubscribePolicy(s string) (SubscribePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open":
		return PolicyOpen, nil
	case "", "confirm":
		return PolicyConfirm, nil
	case "approve":
		return PolicyApprove, nil
	case "confirm+approve", "confirm_approve":
		return PolicyConfirmApprove, nil
	}
	return 0, fmt.Errorf("unknown subscribe policy %q", s)
}

// RosterVisibility is the private roster level consulted by who and info.
type RosterVisibility int

const (
	RosterPublic  RosterVisibility = 0
	RosterMembers RosterVisibility = 1
	RosterAdmin   RosterVisibility = 2
)

// DigestFrequency is the period after which the digest volume rolls over.
type DigestFrequency int

const (
	FrequencyYearly DigestFrequency = iota
	FrequencyMonthly
	FrequencyQuarterly
	FrequencyWeekly
	FrequencyDaily
)

var frequencyNames = []string{"yearly", "monthly", "quarterly", "weekly", "daily"}

func (f DigestFrequency) String() string {
	if f < 0 || int(f) >= len(frequencyNames) {
		return fmt.Sprintf("frequency(%d)", int(f))
	}
	return frequencyNames[f]
}

func ParseDigestFrequency(s string) (DigestFrequency, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return FrequencyMonthly, nil
	}
	for i, name := range frequencyNames {
		if name == s {
			return DigestFrequency(i), nil
		}
	}
	return 0, fmt.Errorf("unknown digest frequency %q", s)
}

// Period returns an identifier of the period t falls in. Two times with the
// same period identifier belong to the same digest volume.
func (f DigestFrequency) Period(t time.Time) int {
	t = t.UTC()
	switch f {
	case FrequencyMonthly:
		return t.Year()*12 + int(t.Month())
	case FrequencyQuarterly:
		return t.Year()*4 + (int(t.Month())-1)/3
	case FrequencyWeekly:
		year, week := t.ISOWeek()
		return year*100 + week
	case FrequencyDaily:
		return t.Year()*1000 + t.YearDay()
	default:
		return t.Year()
	}
}

// List is one mailing list and the configuration the engine consults.
type List struct {
	Name        string
	Host        string
	RealName    string
	Description string
	Info        string
	Owner       string

	Advertised      bool
	PrivateRoster   RosterVisibility
	SubscribePolicy SubscribePolicy

	Digestable            bool
	Nondigestable         bool
	DigestIsDefault       bool
	DigestFrequency       DigestFrequency
	DigestSizeThresholdKB int
	DigestSendPeriodic    bool

	// Ready is false while the list is being set up or has been disabled.
	Ready     bool
	CreatedAt time.Time
}

// Address is the posting address.
func (l *List) Address() string {
	return l.Name + "@" + l.Host
}

// RequestAddress is where mail commands are sent.
func (l *List) RequestAddress() string {
	return l.Name + RequestSuffix + "@" + l.Host
}

// OwnerAddress is where unexpected errors and approval requests are pointed.
func (l *List) OwnerAddress() string {
	if l.Owner != "" {
		return l.Owner
	}
	return l.Name + "-owner@" + l.Host
}

// DisplayName returns the real name, falling back to the list name.
func (l *List) DisplayName() string {
	if l.RealName != "" {
		return l.RealName
	}
	return l.Name
}

// Validate checks a list before it is created.
func (l *List) Validate() error {
	if !listNameRegex.MatchString(l.Name) {
		return fmt.Errorf("invalid list name %q", l.Name)
	}
	if strings.HasSuffix(l.Name, RequestSuffix) {
		return fmt.Errorf("list name %q must not end in %s", l.Name, RequestSuffix)
	}
	if l.Host == "" {
		return fmt.Errorf("list %s has no host", l.Name)
	}
	if !l.Digestable && !l.Nondigestable {
		return fmt.Errorf("list %s accepts neither digest nor regular members", l.Name)
	}
	if l.DigestIsDefault && !l.Digestable {
		return fmt.Errorf("list %s defaults to digests but is not digestable", l.Name)
	}
	if l.PrivateRoster < RosterPublic || l.PrivateRoster > RosterAdmin {
		return fmt.Errorf("invalid private roster level %d", l.PrivateRoster)
	}
	if l.DigestSizeThresholdKB < 0 {
		return fmt.Errorf("negative digest size threshold")
	}
	return nil
}
