package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/TommyLike/mailman/mailinglist"
)

// listOptions are the create-list flags.
type listOptions struct {
	name            string
	host            string
	realName        string
	description     string
	owner           string
	policy          string
	frequency       string
	digestable      bool
	nondigestable   bool
	digestDefault   bool
	advertised      bool
	privateRoster   int
	sizeThresholdKB int
	sendPeriodic    bool
}

func (o *listOptions) build() (*mailinglist.List, error) {
	policy, err := mailinglist.ParseSubscribePolicy(o.policy)
	if err != nil {
		return nil, err
	}
	frequency, err := mailinglist.ParseDigestFrequency(o.frequency)
	if err != nil {
		return nil, err
	}
	l := &mailinglist.List{
		Name:                  strings.ToLower(strings.TrimSpace(o.name)),
		Host:                  strings.ToLower(strings.TrimSpace(o.host)),
		RealName:              o.realName,
		Description:           o.description,
		Owner:                 o.owner,
		Advertised:            o.advertised,
		PrivateRoster:         mailinglist.RosterVisibility(o.privateRoster),
		SubscribePolicy:       policy,
		Digestable:            o.digestable,
		Nondigestable:         o.nondigestable,
		DigestIsDefault:       o.digestDefault,
		DigestFrequency:       frequency,
		DigestSizeThresholdKB: o.sizeThresholdKB,
		DigestSendPeriodic:    o.sendPeriodic,
		Ready:                 true,
	}
	if l.RealName == "" {
		l.RealName = l.Name
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

func runCreateList(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath := newFlagSet("create-list")
	var opts listOptions
	fs.StringVar(&opts.name, "name", "", "List name, the local part of the posting address (required)")
	fs.StringVar(&opts.host, "host", "", "Host part of the list addresses (required)")
	fs.StringVar(&opts.realName, "real-name", "", "Display name (default: the list name)")
	fs.StringVar(&opts.description, "description", "", "Short description")
	fs.StringVar(&opts.owner, "owner", "", "Owner address (default: <name>-owner@<host>)")
	fs.StringVar(&opts.policy, "policy", "confirm", "Subscribe policy: open, confirm, approve, confirm+approve")
	fs.StringVar(&opts.frequency, "digest-frequency", "monthly", "Digest volume frequency: yearly, monthly, quarterly, weekly, daily")
	fs.BoolVar(&opts.digestable, "digestable", true, "Allow digest members")
	fs.BoolVar(&opts.nondigestable, "nondigestable", true, "Allow regular members")
	fs.BoolVar(&opts.digestDefault, "digest-default", false, "New members get digests by default")
	fs.BoolVar(&opts.advertised, "advertised", true, "Show the list in the lists command")
	fs.IntVar(&opts.privateRoster, "private-roster", 1, "Who may see the roster: 0 anyone, 1 members, 2 admins")
	fs.IntVar(&opts.sizeThresholdKB, "digest-size-threshold", 30, "Send the digest once it exceeds this many KB (0 disables)")
	fs.BoolVar(&opts.sendPeriodic, "digest-send-periodic", true, "Send non-empty digests on the daily run")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if opts.name == "" || opts.host == "" {
		return fmt.Errorf("--name and --host are required")
	}

	list, err := opts.build()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	return createList(ctx, store, list, out)
}

func createList(ctx context.Context, store mailinglist.Store, list *mailinglist.List, out io.Writer) error {
	if err := store.CreateList(ctx, list); err != nil {
		return fmt.Errorf("failed to create list %s: %w", list.Name, err)
	}
	fmt.Fprintf(out, "Created list %s (%s)\n", list.Name, list.Address())
	return nil
}

func runListLists(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath := newFlagSet("list-lists")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	return printLists(ctx, store, out)
}

func printLists(ctx context.Context, store mailinglist.Store, out io.Writer) error {
	lists, err := store.ListLists(ctx)
	if err != nil {
		return err
	}
	if len(lists) == 0 {
		fmt.Fprintln(out, "No lists found.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tPOLICY\tDIGEST\tREADY")
	for _, l := range lists {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", l.Name, l.Address(), l.SubscribePolicy, l.DigestFrequency, l.Ready)
	}
	return tw.Flush()
}
