package lmtp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-smtp"

	"github.com/TommyLike/mailman/commands"
	"github.com/TommyLike/mailman/consts"
	"github.com/TommyLike/mailman/digest"
	"github.com/TommyLike/mailman/helpers"
	"github.com/TommyLike/mailman/logger"
	"github.com/TommyLike/mailman/mailinglist"
	"github.com/TommyLike/mailman/pkg/metrics"
)

// Route says what a recipient address means for its list.
type Route string

const (
	RouteCommand Route = "command" // <list>-request@host
	RoutePost    Route = "post"    // <list>@host
	RouteOwner   Route = "owner"   // <list>-owner@host
)

const ownerSuffix = "-owner"

// Target is a resolved recipient.
type Target struct {
	Address string
	List    *mailinglist.List
	Route   Route
}

// Router resolves list addresses and hands messages to the command
// dispatcher or the digest accumulator.
type Router struct {
	store      mailinglist.Store
	dispatcher *commands.Dispatcher
	digests    *digest.Engine
	mailer     mailinglist.Mailer
}

func NewRouter(store mailinglist.Store, dispatcher *commands.Dispatcher, digests *digest.Engine, mailer mailinglist.Mailer) *Router {
	return &Router{store: store, dispatcher: dispatcher, digests: digests, mailer: mailer}
}

var (
	errNoSuchList = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "No such list",
	}
	errUnparsable = &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 6, 0},
		Message:      "Message could not be parsed",
	}
	errTryLater = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "List temporarily unavailable, try again later",
	}
)

// Resolve maps a recipient address to a list and route.
func (r *Router) Resolve(ctx context.Context, address string) (*Target, error) {
	local, domain := helpers.SplitEmailAddress(helpers.NormalizeAddress(address))
	if local == "" || domain == "" {
		return nil, &smtp.SMTPError{
			Code:         501,
			EnhancedCode: smtp.EnhancedCode{5, 1, 3},
			Message:      "Invalid recipient address",
		}
	}

	name, route := local, RoutePost
	switch {
	case strings.HasSuffix(local, mailinglist.RequestSuffix):
		name, route = strings.TrimSuffix(local, mailinglist.RequestSuffix), RouteCommand
	case strings.HasSuffix(local, ownerSuffix):
		name, route = strings.TrimSuffix(local, ownerSuffix), RouteOwner
	}

	list, err := r.store.GetList(ctx, name)
	if err != nil {
		if errors.Is(err, consts.ErrListNotFound) {
			return nil, errNoSuchList
		}
		logger.Error("LMTP: list lookup failed", "list", name, "error", err)
		return nil, errTryLater
	}
	if !strings.EqualFold(list.Host, domain) {
		return nil, errNoSuchList
	}
	if route == RouteOwner && (list.Owner == "" || helpers.AddressKey(list.Owner) == helpers.AddressKey(address)) {
		// Forwarding would loop back to us.
		return nil, errNoSuchList
	}
	return &Target{Address: address, List: list, Route: route}, nil
}

// Deliver processes raw for one target. The returned error is an SMTP
// reply: 451 when the work was not committed and the MTA should retry.
func (r *Router) Deliver(ctx context.Context, t *Target, envelopeSender string, raw []byte) (err error) {
	defer func() {
		result := "accepted"
		if err != nil {
			result = "rejected"
			var se *smtp.SMTPError
			if errors.As(err, &se) && se.Temporary() {
				result = "deferred"
			}
		}
		metrics.LMTPMessagesTotal.WithLabelValues(string(t.Route), result).Inc()
	}()

	switch t.Route {
	case RouteCommand:
		return r.deliverCommands(ctx, t, envelopeSender, raw)
	case RoutePost:
		return r.deliverPost(ctx, t, envelopeSender, raw)
	case RouteOwner:
		return r.deliverOwner(ctx, t, envelopeSender, raw)
	default:
		return fmt.Errorf("unknown route %q", t.Route)
	}
}

func (r *Router) deliverCommands(ctx context.Context, t *Target, envelopeSender string, raw []byte) error {
	entity, err := helpers.ParseMessage(bytes.NewReader(raw))
	if err != nil {
		logger.Warn("LMTP: unparsable command message", "list", t.List.Name, "error", err)
		return errUnparsable
	}
	sender := helpers.HeaderFrom(entity)
	if sender == "" {
		sender = envelopeSender
	}
	if sender == "" {
		logger.Warn("LMTP: command message without a sender dropped", "list", t.List.Name)
		return nil
	}

	body, err := helpers.ExtractPlainText(entity)
	if err != nil {
		logger.Warn("LMTP: could not read command text", "list", t.List.Name, "sender", sender, "error", err)
	}

	in := commands.Input{Sender: sender, Subject: helpers.HeaderSubject(entity), Body: body}
	res, err := r.dispatcher.Run(ctx, r.store, t.List.Name, in, r.mailer)
	if err != nil {
		return r.mapError(t, err)
	}
	logger.Info("LMTP: processed mail commands", "list", t.List.Name, "sender", sender,
		"executed", len(res.Executed), "skipped", res.Skipped, "suppressed", res.Suppressed)
	return nil
}

func (r *Router) deliverPost(ctx context.Context, t *Target, envelopeSender string, raw []byte) error {
	if !t.List.Digestable {
		// Regular delivery is handled outside this service.
		logger.Debug("LMTP: post to a list without digests ignored", "list", t.List.Name)
		return nil
	}
	if _, err := helpers.ParseMessage(bytes.NewReader(raw)); err != nil {
		logger.Warn("LMTP: unparsable post", "list", t.List.Name, "error", err)
		return errUnparsable
	}
	res, err := r.digests.Accumulate(ctx, t.List.Name, envelopeSender, raw)
	if err != nil {
		return r.mapError(t, err)
	}
	if res.Issue != nil {
		logger.Info("LMTP: size threshold sent a digest", "list", t.List.Name, "subject", res.Issue.Subject)
	}
	return nil
}

func (r *Router) deliverOwner(ctx context.Context, t *Target, envelopeSender string, raw []byte) error {
	err := r.mailer.Send(ctx, &mailinglist.OutgoingMessage{
		Kind:       mailinglist.KindNotice,
		Sender:     t.List.RequestAddress(),
		Recipients: []string{t.List.Owner},
		Raw:        raw,
	})
	if err != nil {
		logger.Error("LMTP: could not forward owner mail", "list", t.List.Name, "from", envelopeSender, "error", err)
		return errTryLater
	}
	return nil
}

func (r *Router) mapError(t *Target, err error) error {
	if errors.Is(err, consts.ErrListNotFound) {
		return errNoSuchList
	}
	logger.Warn("LMTP: list work not committed, deferring", "list", t.List.Name, "route", t.Route, "error", err)
	return errTryLater
}
