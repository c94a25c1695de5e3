package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/TommyLike/mailman/config"
	"github.com/TommyLike/mailman/db"
	"github.com/TommyLike/mailman/localdb"
	"github.com/TommyLike/mailman/logger"
	"github.com/TommyLike/mailman/mailinglist"
	"github.com/TommyLike/mailman/server/delivery"
	"github.com/TommyLike/mailman/server/relayqueue"
	"github.com/TommyLike/mailman/templates"
)

// command is one mailman-admin subcommand. run receives the arguments
// following the command name.
type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string, out io.Writer) error
}

var commands = []command{
	{"migrate", "Apply pending PostgreSQL schema migrations", runMigrate},
	{"create-list", "Create a new mailing list", runCreateList},
	{"list-lists", "Show all mailing lists", runListLists},
	{"subscribe", "Mass subscribe addresses without confirmation", runSubscribe},
	{"unsubscribe", "Mass unsubscribe addresses", runUnsubscribe},
	{"digest", "Bump the volume or send the pending digest of a list", runDigest},
	{"archive", "List archived digests of a list", runArchive},
	{"held", "List, approve or reject held subscriptions", runHeld},
	{"purge-pending", "Remove unconfirmed subscriptions older than a cutoff", runPurgePending},
	{"queue-stats", "Show relay queue statistics", runQueueStats},
}

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	name := os.Args[1]
	if name == "help" || name == "--help" || name == "-h" {
		printUsage(os.Stdout)
		return
	}

	for _, cmd := range commands {
		if cmd.name != name {
			continue
		}
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		err := cmd.run(ctx, os.Args[2:], os.Stdout)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "mailman-admin %s: %v\n", name, err)
			os.Exit(1)
		}
		return
	}

	fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", name)
	printUsage(os.Stderr)
	os.Exit(1)
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "Mailman Admin Tool\n\nUsage:\n  mailman-admin <command> [options]\n\nCommands:\n")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-14s %s\n", cmd.name, cmd.summary)
	}
	fmt.Fprintf(w, `  help           Show this help message

Examples:
  mailman-admin create-list --name devel --host example.org --owner owner@example.org
  mailman-admin subscribe --list devel --entry "Jane Doe <jane@example.org>"
  mailman-admin digest --list devel --send
  mailman-admin purge-pending --older-than 72h

Use 'mailman-admin <command> --help' for more information about a command.
`)
}

// newFlagSet returns a flag set carrying the shared --config flag.
func newFlagSet(name string) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "config.toml", "Path to TOML configuration file")
	return fs, configPath
}

func loadConfig(path string) (config.Config, error) {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(path, &cfg); err != nil {
		return cfg, err
	}
	if _, err := logger.Initialize(config.LoggingConfig{Output: "stderr", Format: "console", Level: "warn"}); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// openStore opens the configured store without running migrations on
// PostgreSQL; that is what the migrate command is for.
func openStore(ctx context.Context, cfg *config.DatabaseConfig) (mailinglist.Store, error) {
	if cfg.IsPostgres() {
		return db.NewDatabaseFromConfig(ctx, cfg, false)
	}
	return localdb.Open(cfg.SQLitePath)
}

// environment bundles what the list commands operate on.
type environment struct {
	cfg      config.Config
	store    mailinglist.Store
	renderer templates.Renderer
	mailer   mailinglist.Mailer
}

// openEnvironment loads the configuration, opens the store and spools
// outgoing mail to the relay queue for the daemon to deliver.
func openEnvironment(ctx context.Context, configPath string) (*environment, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	backoff, err := cfg.RelayQueue.GetRetryBackoff()
	if err != nil {
		return nil, err
	}
	queue, err := relayqueue.NewDiskQueue(cfg.RelayQueue.Path, cfg.RelayQueue.MaxAttempts, backoff)
	if err != nil {
		return nil, fmt.Errorf("failed to open relay queue: %w", err)
	}
	store, err := openStore(ctx, &cfg.Database)
	if err != nil {
		return nil, err
	}
	return &environment{
		cfg:      cfg,
		store:    store,
		renderer: templates.New(cfg.Site.TemplateDir),
		mailer:   delivery.NewQueueMailer(queue, nil),
	}, nil
}

func (e *environment) Close() {
	e.store.Close()
}

// parseFlags parses args, treating --help as success.
func parseFlags(fs *pflag.FlagSet, args []string) (bool, error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
