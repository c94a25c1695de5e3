package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/TommyLike/mailman/mailinglist"
	"github.com/TommyLike/mailman/subscription"
)

const subscribeUsage = "Usage: subscribe [password] [digest|nodigest] [address=<email-address>]"

func parseSubscribeArgs(args []string, digestDefault bool) (subscription.Request, error) {
	req := subscription.Request{Digest: digestDefault}
	if len(args) > 3 {
		return req, usage(subscribeUsage)
	}
	doneDigest := false
	for _, arg := range args {
		lower := strings.ToLower(arg)
		switch {
		case lower == "digest" && !doneDigest:
			req.Digest = true
			doneDigest = true
		case lower == "nodigest" && !doneDigest:
			req.Digest = false
			doneDigest = true
		case strings.HasPrefix(lower, "address=") && req.Address == "":
			req.Address = lower[len("address="):]
		case req.Password == "":
			req.Password = arg
		default:
			return req, usage(subscribeUsage)
		}
	}
	return req, nil
}

func handleSubscribe(ctx context.Context, s *Session, cmd Command) error {
	req, err := parseSubscribeArgs(cmd.Args, s.list.DigestIsDefault)
	if err != nil {
		return err
	}
	req.Sender = s.sender

	target := req.Address
	if target == "" {
		target = s.sender
	}

	_, err = s.workflow.Subscribe(ctx, req)
	switch {
	case err == nil:
		s.suppress = true
		return nil
	case errors.Is(err, mailinglist.ErrAlreadyMember):
		return fail(err, fmt.Sprintf("%s is already a list member.", target))
	case errors.Is(err, mailinglist.ErrHostileAddress):
		return fail(err, fmt.Sprintf("Email address '%s' not accepted by Mailman (insecure address)", target))
	case errors.Is(err, mailinglist.ErrBadAddress):
		return fail(err, fmt.Sprintf("Email address '%s' not accepted by Mailman.", target))
	}
	return err
}

const confirmUsage = "Usage: confirm <confirmation number>"

func handleConfirm(ctx context.Context, s *Session, cmd Command) error {
	if len(cmd.Args) != 1 {
		return usage(confirmUsage)
	}
	cookie, err := strconv.ParseInt(cmd.Args[0], 10, 64)
	if err != nil || cookie <= 0 {
		return usage(confirmUsage)
	}

	res, err := s.workflow.Confirm(ctx, cookie)
	if errors.Is(err, mailinglist.ErrInvalidCookie) {
		return fail(err, "Invalid confirmation number!\nPlease recheck the confirmation number and try again.")
	}
	if err != nil {
		return err
	}

	addr := res.Email
	switch res.Outcome {
	case subscription.OutcomeConfirmed:
		s.response.Add("Succeeded.")
		return nil
	case subscription.OutcomeDeferred:
		s.approvalMessage("Subscription is pending list admin approval.")
		return nil
	}

	switch {
	case errors.Is(res.Err, mailinglist.ErrBadAddress):
		return fail(res.Err, fmt.Sprintf("Email address '%s' not accepted by Mailman.", addr))
	case errors.Is(res.Err, mailinglist.ErrMustDigest):
		return fail(res.Err, "List only accepts digest members.")
	case errors.Is(res.Err, mailinglist.ErrCantDigest):
		return fail(res.Err, "List doesn't accept digest members.")
	case errors.Is(res.Err, mailinglist.ErrNotReady):
		return fail(res.Err, "List is not functional.")
	case errors.Is(res.Err, mailinglist.ErrHostileAddress):
		return fail(res.Err, fmt.Sprintf("Email address '%s' not accepted by Mailman (insecure address)", addr))
	case errors.Is(res.Err, mailinglist.ErrAlreadyMember):
		return fail(res.Err, fmt.Sprintf("%s is already a list member.", addr))
	}
	s.unexpected(res.Err, "Please forward your request to %s")
	return nil
}
