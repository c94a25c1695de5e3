package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/TommyLike/mailman/mailinglist"
)

func handleUnsubscribe(ctx context.Context, s *Session, cmd Command) error {
	if len(cmd.Args) == 0 {
		return usage("Must supply a password.")
	}
	if len(cmd.Args) > 2 {
		return usage("To get unsubscribe from a particular list, send your request\nto the '-request' address for that list.")
	}

	addr := s.sender
	if len(cmd.Args) == 2 {
		addr = cmd.Args[1]
	}

	_, err := s.roster.Authenticate(ctx, addr, cmd.Args[0])
	if err == nil {
		err = s.roster.RemoveMember(ctx, addr)
	}
	switch {
	case err == nil:
		s.response.Add("Succeeded.")
		return nil
	case errors.Is(err, mailinglist.ErrNotReady):
		return fail(err, "List is not functional.")
	case errors.Is(err, mailinglist.ErrNotAMember):
		return fail(err, fmt.Sprintf("%s is not subscribed to this list.", addr))
	case errors.Is(err, mailinglist.ErrBadPassword):
		return fail(err, "You gave the wrong password.")
	}
	return err
}

func handlePassword(ctx context.Context, s *Session, cmd Command) error {
	if len(cmd.Args) != 2 {
		return usage("Usage: password <oldpw> <newpw>")
	}
	err := s.roster.ChangePassword(ctx, s.sender, cmd.Args[0], cmd.Args[1])
	switch {
	case err == nil:
		s.response.Add("Succeeded.")
		return nil
	case errors.Is(err, mailinglist.ErrNotReady):
		return fail(err, "List is not functional.")
	case errors.Is(err, mailinglist.ErrNotAMember):
		return fail(err, fmt.Sprintf("%s isn't subscribed to this list.", s.sender))
	case errors.Is(err, mailinglist.ErrBadPassword):
		return fail(err, "You gave the wrong password.")
	}
	return err
}

func handleOptions(ctx context.Context, s *Session, cmd Command) error {
	m, err := s.roster.Find(ctx, s.sender)
	if errors.Is(err, mailinglist.ErrNotAMember) {
		return fail(err, fmt.Sprintf("%s is not a member of the list.", s.sender))
	}
	if err != nil {
		return err
	}

	options := mailinglist.Options()
	for _, opt := range options {
		on := m.Has(opt.Flag)
		if opt.Flag == mailinglist.OptionDigest {
			on = m.Digest
		}
		value := "off"
		if on {
			value = "on"
		}
		s.response.Add(fmt.Sprintf("%s: %s", opt.Name, value))
	}
	s.response.Add("")
	s.response.Add("To change an option, do: set <option> <on|off> <password>")
	s.response.Add("")
	s.response.Add("Option explanations:")
	s.response.Add("--------------------")
	for _, opt := range options {
		s.response.Add(opt.Name + ":")
		s.response.Add(opt.Description)
		s.response.Add("")
	}
	return nil
}

func setUsage() error {
	lines := []string{
		"Usage: set <option> <on|off> <password>",
		"Valid options are:",
	}
	for _, opt := range mailinglist.Options() {
		lines = append(lines, fmt.Sprintf("%s:  %s", opt.Name, opt.Description))
	}
	return usage(lines...)
}

func handleSet(ctx context.Context, s *Session, cmd Command) error {
	if len(cmd.Args) != 3 {
		return setUsage()
	}
	var value bool
	switch cmd.Args[1] {
	case "on":
		value = true
	case "off":
		value = false
	default:
		return setUsage()
	}
	opt, ok := mailinglist.LookupOption(cmd.Args[0])
	if !ok {
		return setUsage()
	}
	password := cmd.Args[2]

	if opt.Flag == mailinglist.OptionDigest {
		return setDigest(ctx, s, password, value, cmd.Line)
	}

	m, err := s.roster.Authenticate(ctx, s.sender, password)
	switch {
	case errors.Is(err, mailinglist.ErrNotAMember):
		return fail(err, "You aren't subscribed.")
	case errors.Is(err, mailinglist.ErrBadPassword):
		return fail(err, "You gave the wrong password.")
	case err != nil:
		return err
	}
	if err := s.roster.SetOption(ctx, m, opt.Flag, value); err != nil {
		return err
	}
	s.response.Add("Succeeded.")
	return nil
}

func setDigest(ctx context.Context, s *Session, password string, value bool, line string) error {
	err := s.roster.SetDigest(ctx, s.sender, password, value)
	switch {
	case err == nil:
		s.response.Add("Succeeded.")
		return nil
	case errors.Is(err, mailinglist.ErrAlreadyDigest):
		return fail(err, "You are already receiving digests.")
	case errors.Is(err, mailinglist.ErrAlreadyNoDigest):
		return fail(err, "You already have digests off.")
	case errors.Is(err, mailinglist.ErrBadAddress):
		return fail(err, fmt.Sprintf("Email address '%s' not accepted by Mailman.", s.sender))
	case errors.Is(err, mailinglist.ErrMustDigest):
		return fail(err, "List only accepts digest members.")
	case errors.Is(err, mailinglist.ErrCantDigest):
		return fail(err, "List doesn't accept digest members.")
	case errors.Is(err, mailinglist.ErrNotAMember):
		return fail(err, fmt.Sprintf("%s isn't subscribed to this list.", s.sender))
	case errors.Is(err, mailinglist.ErrNotReady):
		return fail(err, "List is not functional.")
	case errors.Is(err, mailinglist.ErrBadPassword):
		return fail(err, "You gave the wrong password.")
	case errors.Is(err, mailinglist.ErrNeedsApproval):
		s.approvalMessage(line)
		return nil
	}
	return err
}
