package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/TommyLike/mailman/digest"
	"github.com/TommyLike/mailman/storage"
)

func runDigest(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath := newFlagSet("digest")
	list := fs.StringP("list", "l", "", "List name (required)")
	var req digest.Request
	fs.BoolVar(&req.Bump, "bump", false, "Start a new volume")
	fs.BoolVar(&req.Send, "send", false, "Send the pending digest now")
	fs.BoolVar(&req.Force, "force", false, "Send even when no messages are pending")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if *list == "" {
		return fmt.Errorf("--list is required")
	}
	if req.Force && !req.Send {
		return fmt.Errorf("--force requires --send")
	}

	env, err := openEnvironment(ctx, *configPath)
	if err != nil {
		return err
	}
	defer env.Close()

	opts := digest.Options{}
	if env.cfg.S3.IsConfigured() {
		archive, err := storage.NewFromConfig(&env.cfg.S3)
		if err != nil {
			return fmt.Errorf("failed to initialize S3 archive: %w", err)
		}
		opts.Archiver = archive
		if opts.ArchiveTimeout, err = env.cfg.Digest.GetArchiveTimeout(); err != nil {
			return err
		}
	}
	engine := digest.New(env.store, env.renderer, env.mailer, opts)
	return applyDigest(ctx, engine, *list, req, out)
}

func applyDigest(ctx context.Context, engine *digest.Engine, list string, req digest.Request, out io.Writer) error {
	report, err := engine.Apply(ctx, list, req)
	if err != nil {
		return err
	}
	if report.Bumped {
		fmt.Fprintf(out, "Started volume %d\n", report.State.Volume)
	}
	if report.Issue != nil {
		fmt.Fprintf(out, "Sent %q: %d messages to %d recipients\n",
			report.Issue.Subject, report.Issue.Messages, report.Issue.Recipients)
	} else if req.Send {
		fmt.Fprintln(out, "No digest sent, nothing pending.")
	}
	fmt.Fprintf(out, "Next issue: volume %d, issue %d\n", report.State.Volume, report.State.Issue)
	return nil
}

func runArchive(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath := newFlagSet("archive")
	list := fs.StringP("list", "l", "", "List name (required unless --get is given)")
	volume := fs.Int("volume", 0, "Only show this volume")
	get := fs.String("get", "", "Print the archived digest stored under this key")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if *list == "" && *get == "" {
		return fmt.Errorf("--list is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if !cfg.S3.IsConfigured() {
		return fmt.Errorf("no S3 archive configured")
	}
	archive, err := storage.NewFromConfig(&cfg.S3)
	if err != nil {
		return err
	}

	if *get != "" {
		data, err := archive.Get(ctx, *get)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSIZE\tSTORED")
	count := 0
	for obj, err := range archive.List(ctx, storage.ArchivePrefix(*list, *volume)) {
		if err != nil {
			return fmt.Errorf("failed to list archive: %w", err)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", obj.Key, obj.Size, obj.LastModified.Format(time.RFC3339))
		count++
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d archived digests\n", count)
	return nil
}
