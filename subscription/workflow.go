// Package subscription implements the confirm-by-cookie subscription
// workflow and the owner side of held requests.
package subscription

import (
	"context"
	"errors"
	"fmt"

	"github.com/TommyLike/mailman/helpers"
	"github.com/TommyLike/mailman/logger"
	"github.com/TommyLike/mailman/mailinglist"
	"github.com/TommyLike/mailman/pending"
	"github.com/TommyLike/mailman/pkg/metrics"
	"github.com/TommyLike/mailman/templates"
)

const seedLength = 4

// Outcome is where a confirm left the request.
type Outcome int

const (
	OutcomeConfirmed Outcome = iota
	OutcomeRejected
	OutcomeDeferred
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeDeferred:
		return "deferred"
	default:
		return "rejected"
	}
}

// Request is a parsed subscribe command.
type Request struct {
	Sender   string
	Address  string // empty means Sender
	Password string // empty means generate one
	Digest   bool
}

// Result reports a finished confirm. Err is set when Outcome is
// OutcomeRejected and is ErrNeedsApproval when it is OutcomeDeferred.
type Result struct {
	Outcome Outcome
	Email   string
	HeldID  int64
	Err     error
}

// Workflow runs inside one list transaction. Mail it produces goes to the
// outbox and is sent only if the transaction commits.
type Workflow struct {
	tx       mailinglist.Tx
	roster   *mailinglist.Roster
	registry *pending.Registry
	renderer templates.Renderer
	outbox   *mailinglist.Outbox

	randomSeed func() (string, error)
}

func New(tx mailinglist.Tx, roster *mailinglist.Roster, renderer templates.Renderer, outbox *mailinglist.Outbox) *Workflow {
	return &Workflow{
		tx:       tx,
		roster:   roster,
		registry: pending.New(tx),
		renderer: renderer,
		outbox:   outbox,
		randomSeed: func() (string, error) {
			return helpers.RandomToken(seedLength)
		},
	}
}

// Registry exposes the pending registry the workflow writes to.
func (w *Workflow) Registry() *pending.Registry {
	return w.registry
}

// ConfirmSubject is the subject of the confirmation request for cookie.
func ConfirmSubject(realName string, cookie int64) string {
	return fmt.Sprintf("%s -- confirmation of subscription -- request %d", realName, cookie)
}

// Subscribe records a pending request and queues the confirmation notice to
// the target address.
func (w *Workflow) Subscribe(ctx context.Context, req Request) (*mailinglist.PendingRequest, error) {
	list := w.tx.List()

	target := req.Address
	if target == "" {
		target = req.Sender
	}
	target = helpers.NormalizeAddress(target)
	if err := mailinglist.CheckAddress(target); err != nil {
		return nil, err
	}

	isMember, err := w.roster.IsMember(ctx, target)
	if err != nil {
		return nil, err
	}
	if isMember {
		return nil, mailinglist.ErrAlreadyMember
	}

	password := req.Password
	if password == "" {
		if password, err = w.defaultPassword(); err != nil {
			return nil, err
		}
	}
	hash, err := w.roster.HashPassword(password)
	if err != nil {
		return nil, err
	}

	cookie, err := w.registry.GenerateCookie(ctx)
	if err != nil {
		return nil, err
	}
	p, err := w.registry.Add(ctx, target, hash, req.Digest, cookie)
	if err != nil {
		return nil, err
	}

	remote := ""
	if sender := helpers.NormalizeAddress(req.Sender); sender != "" && helpers.AddressKey(sender) != helpers.AddressKey(target) {
		remote = " from " + sender
	}
	text, err := w.renderer.Render(templates.Verify, map[string]any{
		"email":       target,
		"listaddr":    list.Address(),
		"listname":    list.DisplayName(),
		"listadmin":   list.OwnerAddress(),
		"cookie":      cookie,
		"remote":      remote,
		"requestaddr": list.RequestAddress(),
	})
	if err != nil {
		return nil, err
	}
	w.outbox.Queue(&mailinglist.OutgoingMessage{
		Kind:       mailinglist.KindConfirmation,
		Sender:     list.RequestAddress(),
		Recipients: []string{target},
		Subject:    ConfirmSubject(list.DisplayName(), cookie),
		Text:       text,
	})

	metrics.SubscriptionEventsTotal.WithLabelValues("pending").Inc()
	logger.Info("Subscription: pending", "list", list.Name, "email", target, "requested_by", req.Sender)
	return p, nil
}

func (w *Workflow) defaultPassword() (string, error) {
	a, err := w.randomSeed()
	if err != nil {
		return "", err
	}
	b, err := w.randomSeed()
	if err != nil {
		return "", err
	}
	return a + b, nil
}

// Confirm consumes cookie and finishes the subscription. The cookie is gone
// afterwards whatever the outcome. Unknown cookies return ErrInvalidCookie
// and change nothing.
func (w *Workflow) Confirm(ctx context.Context, cookie int64) (*Result, error) {
	list := w.tx.List()

	p, err := w.registry.Get(ctx, cookie)
	if err != nil {
		return nil, err
	}

	approved := list.SubscribePolicy == mailinglist.PolicyOpen
	_, addErr := w.roster.AddMember(ctx, mailinglist.AddRequest{
		Email:        p.Email,
		PasswordHash: p.PasswordHash,
		Digest:       p.WantsDigest,
	}, approved)

	res := &Result{Email: p.Email}
	switch {
	case addErr == nil:
		res.Outcome = OutcomeConfirmed
	case errors.Is(addErr, mailinglist.ErrNeedsApproval):
		id, err := w.hold(ctx, p)
		if err != nil {
			return nil, err
		}
		res.Outcome = OutcomeDeferred
		res.HeldID = id
		res.Err = addErr
	default:
		res.Outcome = OutcomeRejected
		res.Err = addErr
	}

	if err := w.registry.Remove(ctx, cookie); err != nil {
		return nil, fmt.Errorf("failed to consume cookie: %w", err)
	}

	metrics.SubscriptionEventsTotal.WithLabelValues(res.Outcome.String()).Inc()
	logger.Info("Subscription: confirm", "list", list.Name, "email", p.Email, "outcome", res.Outcome.String(), "error", res.Err)
	return res, nil
}

func (w *Workflow) hold(ctx context.Context, p *mailinglist.PendingRequest) (int64, error) {
	list := w.tx.List()
	id, err := w.tx.InsertHeld(ctx, &mailinglist.HeldSubscription{
		ListName:     list.Name,
		Email:        p.Email,
		PasswordHash: p.PasswordHash,
		Digest:       p.WantsDigest,
		Reason:       "subscription requires approval",
		CreatedAt:    p.CreatedAt,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to hold subscription: %w", err)
	}

	text, err := w.renderer.Render(templates.Held, map[string]any{
		"listname": list.DisplayName(),
		"email":    p.Email,
		"id":       id,
	})
	if err != nil {
		return 0, err
	}
	w.outbox.Queue(&mailinglist.OutgoingMessage{
		Kind:       mailinglist.KindNotice,
		Sender:     list.RequestAddress(),
		Recipients: []string{list.OwnerAddress()},
		Subject:    fmt.Sprintf("%s subscription request held for approval", list.DisplayName()),
		Text:       text,
	})
	return id, nil
}

// ApproveHeld adds a held subscription. The held entry is removed unless a
// storage error occurs; membership errors are returned after removal.
func (w *Workflow) ApproveHeld(ctx context.Context, id int64) (*mailinglist.HeldSubscription, error) {
	h, err := w.tx.GetHeld(ctx, id)
	if err != nil {
		return nil, err
	}
	_, addErr := w.roster.AddMember(ctx, mailinglist.AddRequest{
		Email:        h.Email,
		RealName:     h.RealName,
		PasswordHash: h.PasswordHash,
		Digest:       h.Digest,
	}, true)
	if addErr != nil && mailinglist.KindOf(addErr) == mailinglist.KindUnexpected {
		return nil, addErr
	}
	if err := w.tx.DeleteHeld(ctx, id); err != nil {
		return nil, err
	}
	metrics.SubscriptionEventsTotal.WithLabelValues("approved").Inc()
	logger.Info("Subscription: held request approved", "list", h.ListName, "email", h.Email, "error", addErr)
	return h, addErr
}

// RejectHeld discards a held subscription.
func (w *Workflow) RejectHeld(ctx context.Context, id int64) (*mailinglist.HeldSubscription, error) {
	h, err := w.tx.GetHeld(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := w.tx.DeleteHeld(ctx, id); err != nil {
		return nil, err
	}
	metrics.SubscriptionEventsTotal.WithLabelValues("discarded").Inc()
	logger.Info("Subscription: held request rejected", "list", h.ListName, "email", h.Email)
	return h, nil
}
