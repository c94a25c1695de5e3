package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/TommyLike/mailman/db"
	"github.com/TommyLike/mailman/mailinglist"
	"github.com/TommyLike/mailman/server/relayqueue"
)

func runMigrate(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath := newFlagSet("migrate")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if !cfg.Database.IsPostgres() {
		fmt.Fprintln(out, "SQLite databases are migrated when opened; nothing to do.")
		return nil
	}
	if len(cfg.Database.Write.Hosts) == 0 {
		return fmt.Errorf("no database hosts configured")
	}
	if err := db.Migrate(ctx, db.ConnString(&cfg.Database.Write)); err != nil {
		return err
	}
	fmt.Fprintln(out, "Database schema is up to date.")
	return nil
}

func runPurgePending(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath := newFlagSet("purge-pending")
	olderThan := fs.Duration("older-than", 0, "Remove requests created longer ago than this (default: pending.ttl)")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	age := *olderThan
	if age == 0 {
		if age, err = cfg.Pending.GetTTL(); err != nil {
			return err
		}
	}
	if age <= 0 {
		return fmt.Errorf("no age given and pending.ttl is disabled")
	}

	store, err := openStore(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	return purgePending(ctx, store, time.Now().Add(-age), out)
}

func purgePending(ctx context.Context, store mailinglist.Store, cutoff time.Time, out io.Writer) error {
	n, err := store.PurgePending(ctx, cutoff)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Removed %d pending requests created before %s\n", n, cutoff.UTC().Format(time.RFC3339))
	return nil
}

// queueStats is implemented by the relay queue.
type queueStats interface {
	GetStats() (pending, processing, failed int, err error)
}

func runQueueStats(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath := newFlagSet("queue-stats")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	backoff, err := cfg.RelayQueue.GetRetryBackoff()
	if err != nil {
		return err
	}
	queue, err := relayqueue.NewDiskQueue(cfg.RelayQueue.Path, cfg.RelayQueue.MaxAttempts, backoff)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Queue: %s\n", cfg.RelayQueue.Path)
	return printQueueStats(queue, out)
}

func printQueueStats(q queueStats, out io.Writer) error {
	pending, processing, failed, err := q.GetStats()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Pending:    %d\nProcessing: %d\nFailed:     %d\n", pending, processing, failed)
	return nil
}
