package subscription

import (
	"context"
	"errors"

	"github.com/TommyLike/mailman/helpers"
	"github.com/TommyLike/mailman/logger"
	"github.com/TommyLike/mailman/mailinglist"
	"github.com/TommyLike/mailman/pkg/metrics"
)

const (
	StatusSubscribed     = "Subscribed"
	StatusAlreadyMember  = "Already a member"
	StatusBadAddress     = "Bad/Invalid email address"
	StatusHostileAddress = "Hostile address (illegal characters)"

	StatusAlreadyDeleted = "Member already deleted."
	StatusNoSuchMember   = "No such member."
)

// MassResult is the outcome of one mass subscribe entry.
type MassResult struct {
	Entry  string `json:"entry"`
	Email  string `json:"email,omitempty"`
	Status string `json:"status"`
}

// MassSubscribe adds each entry ("Name <addr>" or a bare address) without
// confirmation. Members get regular delivery unless the list only accepts
// digest members. Storage errors stop the batch.
func (w *Workflow) MassSubscribe(ctx context.Context, entries []string) ([]MassResult, error) {
	list := w.tx.List()
	results := make([]MassResult, 0, len(entries))

	for _, entry := range entries {
		name, address, _ := helpers.ParseSubscribee(entry)
		res := MassResult{Entry: entry, Email: address}

		password, err := w.defaultPassword()
		if err != nil {
			return nil, err
		}
		hash, err := w.roster.HashPassword(password)
		if err != nil {
			return nil, err
		}

		_, err = w.roster.AddMember(ctx, mailinglist.AddRequest{
			Email:        address,
			RealName:     name,
			PasswordHash: hash,
			Digest:       !list.Nondigestable,
		}, true)
		switch {
		case err == nil:
			res.Status = StatusSubscribed
		case errors.Is(err, mailinglist.ErrAlreadyMember):
			res.Status = StatusAlreadyMember
		case errors.Is(err, mailinglist.ErrHostileAddress):
			res.Status = StatusHostileAddress
		case errors.Is(err, mailinglist.ErrBadAddress):
			res.Status = StatusBadAddress
		default:
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

// MassUnsubscribe removes each address without a password check. The
// returned map holds only the addresses that were not removed, keyed as
// given. An address repeated in emails is reported as already deleted.
func (w *Workflow) MassUnsubscribe(ctx context.Context, emails []string) (map[string]string, error) {
	failures := make(map[string]string)
	removed := make(map[string]bool, len(emails))

	for _, email := range emails {
		key := helpers.AddressKey(email)
		if removed[key] {
			failures[email] = StatusAlreadyDeleted
			continue
		}
		err := w.roster.RemoveMember(ctx, email)
		switch {
		case err == nil:
			removed[key] = true
			metrics.SubscriptionEventsTotal.WithLabelValues("unsubscribed").Inc()
		case errors.Is(err, mailinglist.ErrNotAMember):
			failures[email] = StatusNoSuchMember
		default:
			return nil, err
		}
	}
	logger.Info("Subscription: mass unsubscribe", "list", w.tx.List().Name, "removed", len(removed), "failed", len(failures))
	return failures, nil
}
