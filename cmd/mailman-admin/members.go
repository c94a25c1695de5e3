package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/TommyLike/mailman/mailinglist"
	"github.com/TommyLike/mailman/subscription"
)

// withWorkflow runs fn under the list lock and hands the mail it produced to
// the mailer once the work is committed.
func withWorkflow(ctx context.Context, env *environment, list string, fn func(ctx context.Context, wf *subscription.Workflow) error) error {
	outbox := &mailinglist.Outbox{}
	err := env.store.WithListLock(ctx, list, func(ctx context.Context, tx mailinglist.Tx) error {
		outbox.Discard()
		roster := mailinglist.NewRoster(tx, env.cfg.Site.PasswordCost)
		return fn(ctx, subscription.New(tx, roster, env.renderer, outbox))
	})
	if err != nil {
		return err
	}
	if env.mailer != nil {
		outbox.Flush(context.WithoutCancel(ctx), env.mailer)
	}
	return nil
}

func runSubscribe(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath := newFlagSet("subscribe")
	list := fs.StringP("list", "l", "", "List name (required)")
	entries := fs.StringArrayP("entry", "e", nil, `Subscriber as "Name <address>" or a bare address (repeatable)`)
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if *list == "" || len(*entries) == 0 {
		return fmt.Errorf("--list and at least one --entry are required")
	}

	env, err := openEnvironment(ctx, *configPath)
	if err != nil {
		return err
	}
	defer env.Close()

	return massSubscribe(ctx, env, *list, *entries, out)
}

func massSubscribe(ctx context.Context, env *environment, list string, entries []string, out io.Writer) error {
	var results []subscription.MassResult
	err := withWorkflow(ctx, env, list, func(ctx context.Context, wf *subscription.Workflow) error {
		var err error
		results, err = wf.MassSubscribe(ctx, entries)
		return err
	})
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\n", r.Entry, r.Status)
	}
	return tw.Flush()
}

func runUnsubscribe(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath := newFlagSet("unsubscribe")
	list := fs.StringP("list", "l", "", "List name (required)")
	emails := fs.StringSliceP("email", "e", nil, "Address to remove (repeatable or comma separated)")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if *list == "" || len(*emails) == 0 {
		return fmt.Errorf("--list and at least one --email are required")
	}

	env, err := openEnvironment(ctx, *configPath)
	if err != nil {
		return err
	}
	defer env.Close()

	return massUnsubscribe(ctx, env, *list, *emails, out)
}

func massUnsubscribe(ctx context.Context, env *environment, list string, emails []string, out io.Writer) error {
	var failures map[string]string
	err := withWorkflow(ctx, env, list, func(ctx context.Context, wf *subscription.Workflow) error {
		var err error
		failures, err = wf.MassUnsubscribe(ctx, emails)
		return err
	})
	if err != nil {
		return err
	}
	for _, email := range emails {
		if reason, failed := failures[email]; failed {
			fmt.Fprintf(out, "%s: %s\n", email, reason)
		} else {
			fmt.Fprintf(out, "%s: unsubscribed\n", email)
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("%d of %d addresses could not be removed", len(failures), len(emails))
	}
	return nil
}

func runHeld(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath := newFlagSet("held")
	list := fs.StringP("list", "l", "", "List name (required)")
	approve := fs.Int64("approve", 0, "Approve the held subscription with this id")
	reject := fs.Int64("reject", 0, "Reject the held subscription with this id")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if *list == "" {
		return fmt.Errorf("--list is required")
	}
	if *approve != 0 && *reject != 0 {
		return fmt.Errorf("--approve and --reject are mutually exclusive")
	}

	env, err := openEnvironment(ctx, *configPath)
	if err != nil {
		return err
	}
	defer env.Close()

	switch {
	case *approve != 0:
		return decideHeld(ctx, env, *list, *approve, true, out)
	case *reject != 0:
		return decideHeld(ctx, env, *list, *reject, false, out)
	default:
		return printHeld(ctx, env, *list, out)
	}
}

func printHeld(ctx context.Context, env *environment, list string, out io.Writer) error {
	var held []*mailinglist.HeldSubscription
	err := env.store.WithListLock(ctx, list, func(ctx context.Context, tx mailinglist.Tx) error {
		var err error
		held, err = tx.ListHeld(ctx)
		return err
	})
	if err != nil {
		return err
	}
	if len(held) == 0 {
		fmt.Fprintln(out, "No held subscriptions.")
		return nil
	}
	sort.Slice(held, func(i, j int) bool { return held[i].ID < held[j].ID })
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEMAIL\tDIGEST\tSINCE")
	for _, h := range held {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", strconv.FormatInt(h.ID, 10), h.Email, h.Digest, h.CreatedAt.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

func decideHeld(ctx context.Context, env *environment, list string, id int64, approve bool, out io.Writer) error {
	var held *mailinglist.HeldSubscription
	var result error
	err := withWorkflow(ctx, env, list, func(ctx context.Context, wf *subscription.Workflow) error {
		var err error
		if approve {
			held, err = wf.ApproveHeld(ctx, id)
		} else {
			held, err = wf.RejectHeld(ctx, id)
		}
		if held == nil {
			return err
		}
		result = err
		return nil
	})
	if err != nil {
		return err
	}
	action := "Rejected"
	if approve {
		action = "Approved"
	}
	if result != nil {
		fmt.Fprintf(out, "%s %s: %v\n", action, held.Email, result)
		return nil
	}
	fmt.Fprintf(out, "%s %s\n", action, held.Email)
	return nil
}
