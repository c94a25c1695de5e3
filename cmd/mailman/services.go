package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/TommyLike/mailman/commands"
	"github.com/TommyLike/mailman/config"
	"github.com/TommyLike/mailman/db"
	"github.com/TommyLike/mailman/digest"
	"github.com/TommyLike/mailman/localdb"
	"github.com/TommyLike/mailman/logger"
	"github.com/TommyLike/mailman/mailinglist"
	"github.com/TommyLike/mailman/pkg/health"
	"github.com/TommyLike/mailman/server/adminapi"
	"github.com/TommyLike/mailman/server/cleaner"
	"github.com/TommyLike/mailman/server/delivery"
	"github.com/TommyLike/mailman/server/lmtp"
	"github.com/TommyLike/mailman/server/relayqueue"
	"github.com/TommyLike/mailman/storage"
	"github.com/TommyLike/mailman/templates"
)

// relayQueueBacklog is the pending count above which the relay queue is
// reported degraded.
const relayQueueBacklog = 1000

// serverDependencies holds the shared services the servers are built from.
type serverDependencies struct {
	config     config.Config
	store      mailinglist.Store
	pinger     health.Pinger
	archive    *storage.Archive
	queue      *relayqueue.DiskQueue
	relay      *delivery.SMTPRelayHandler
	mailer     *delivery.QueueMailer
	renderer   templates.Renderer
	dispatcher *commands.Dispatcher
	digests    *digest.Engine
	health     *health.Monitor
	servers    *serverManager

	relayWorker *relayqueue.Worker
	scheduler   *digest.Scheduler
	cleaner     *cleaner.CleanupWorker
	closeOnce   sync.Once
}

// openStore opens the configured list store. PostgreSQL is migrated on
// open; SQLite always migrates itself.
func openStore(ctx context.Context, cfg *config.DatabaseConfig) (mailinglist.Store, health.Pinger, error) {
	if cfg.IsPostgres() {
		database, err := db.NewDatabaseFromConfig(ctx, cfg, true)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		database.StartPoolMetrics(ctx)
		logger.Info("Database: connected to PostgreSQL", "hosts", strings.Join(cfg.Write.Hosts, ","))
		return database, database, nil
	}
	store, err := localdb.Open(cfg.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	return store, store, nil
}

func initializeServices(ctx context.Context, cfg config.Config) (*serverDependencies, error) {
	deps := &serverDependencies{
		config:   cfg,
		renderer: templates.New(cfg.Site.TemplateDir),
		health:   health.NewMonitor(),
		servers:  &serverManager{},
	}

	store, pinger, err := openStore(ctx, &cfg.Database)
	if err != nil {
		return nil, err
	}
	deps.store = store
	deps.pinger = pinger
	deps.health.Register(health.DatabaseCheck(pinger))

	if cfg.S3.IsConfigured() {
		archive, err := storage.NewFromConfig(&cfg.S3)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to initialize S3 archive: %w", err)
		}
		deps.archive = archive
		deps.health.Register(health.ArchiveCheck(archive))
		logger.Info("Storage: digest archive enabled", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)
	} else {
		logger.Info("Storage: no S3 endpoint configured, digests are not archived")
	}

	if err := deps.initDelivery(); err != nil {
		deps.Close()
		return nil, err
	}

	deps.dispatcher = commands.NewDispatcher(deps.renderer, commands.Site{
		Hostname:     cfg.Site.Hostname,
		WebURL:       cfg.Site.WebURL,
		Version:      cfg.Site.MailmanVersion,
		PasswordCost: cfg.Site.PasswordCost,
	}, cfg.Site.GetMaxCommands())

	archiveTimeout, err := cfg.Digest.GetArchiveTimeout()
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("invalid digest.archive_timeout: %w", err)
	}
	opts := digest.Options{ArchiveTimeout: archiveTimeout}
	if deps.archive != nil {
		opts.Archiver = deps.archive
	}
	deps.digests = digest.New(store, deps.renderer, deps.mailer, opts)

	return deps, nil
}

// initDelivery sets up the outbound queue, the SMTP relay and the mailer
// every component sends through.
func (d *serverDependencies) initDelivery() error {
	qcfg := &d.config.RelayQueue
	backoff, err := qcfg.GetRetryBackoff()
	if err != nil {
		return err
	}
	queue, err := relayqueue.NewDiskQueue(qcfg.Path, qcfg.MaxAttempts, backoff)
	if err != nil {
		return fmt.Errorf("failed to open relay queue: %w", err)
	}
	if recovered, err := queue.RecoverOrphanedMessages(); err != nil {
		logger.Warn("Relay: failed to recover orphaned messages", "error", err)
	} else if recovered > 0 {
		logger.Info("Relay: recovered orphaned messages", "count", recovered)
	}
	d.queue = queue
	d.health.Register(health.RelayQueueCheck(queue, relayQueueBacklog))

	relay, err := delivery.NewSMTPRelayFromConfig(&d.config.Relay)
	if err != nil {
		return err
	}
	d.relay = relay
	if relay == nil {
		logger.Warn("Relay: no SMTP relay configured, outgoing mail stays queued", "path", qcfg.Path)
		d.mailer = delivery.NewQueueMailer(queue, nil)
		return nil
	}
	d.health.Register(health.BreakerCheck("smtp_relay", relay.GetCircuitBreaker()))

	interval, err := qcfg.GetWorkerInterval()
	if err != nil {
		return fmt.Errorf("invalid relay_queue.worker_interval: %w", err)
	}
	d.relayWorker = relayqueue.NewWorker(queue, relay, interval, qcfg.BatchSize, qcfg.Concurrency, nil)
	d.mailer = delivery.NewQueueMailer(queue, d.relayWorker)
	return nil
}

// Close stops the background workers and releases the store. It is safe to
// call more than once.
func (d *serverDependencies) Close() {
	d.closeOnce.Do(func() {
		if d.cleaner != nil {
			d.cleaner.Stop()
		}
		if d.scheduler != nil {
			d.scheduler.Stop()
		}
		if d.relayWorker != nil {
			d.relayWorker.Stop()
		}
		d.health.Stop()
		if d.store != nil {
			d.store.Close()
		}
	})
}

// startServers launches every configured server and background worker.
// The returned channel receives the first error any of them reports.
func startServers(ctx context.Context, deps *serverDependencies) chan error {
	errChan := make(chan error, 1)
	cfg := deps.config

	deps.health.Start(ctx)

	if deps.relayWorker != nil {
		if err := deps.relayWorker.Start(ctx); err != nil {
			errChan <- fmt.Errorf("failed to start relay worker: %w", err)
			return errChan
		}
	}

	interval, err := cfg.Digest.GetScheduleInterval()
	if err != nil {
		errChan <- fmt.Errorf("invalid digest.schedule_interval: %w", err)
		return errChan
	}
	deps.scheduler = digest.NewScheduler(deps.digests, deps.store, interval)
	deps.scheduler.Start(ctx)

	if err := startCleaner(ctx, deps); err != nil {
		errChan <- err
		return errChan
	}

	if cfg.LMTP.Start {
		router := lmtp.NewRouter(deps.store, deps.dispatcher, deps.digests, deps.mailer)
		backend, err := lmtp.New(ctx, &cfg.LMTP, router)
		if err != nil {
			errChan <- fmt.Errorf("failed to create LMTP server: %w", err)
			return errChan
		}
		deps.servers.Go(func() { backend.Start(errChan) })
		go func() {
			<-ctx.Done()
			if err := backend.Close(); err != nil {
				logger.Warn("LMTP: error closing server", "error", err)
			}
		}()
	}

	if cfg.AdminAPI.Start {
		options := adminapi.ServerOptions{
			Addr:         cfg.AdminAPI.Addr,
			APIKey:       cfg.AdminAPI.APIKey,
			AllowedHosts: cfg.AdminAPI.AllowedHosts,
			MetricsPath:  cfg.AdminAPI.GetMetricsPath(),
			Health:       deps.health,
			Digests:      deps.digests,
			Mailer:       deps.mailer,
			Renderer:     deps.renderer,
			PasswordCost: cfg.Site.PasswordCost,
			TLS:          cfg.AdminAPI.TLS,
			TLSCertFile:  cfg.AdminAPI.TLSCertFile,
			TLSKeyFile:   cfg.AdminAPI.TLSKeyFile,
		}
		deps.servers.Go(func() { adminapi.Start(ctx, deps.store, options, errChan) })
	}

	return errChan
}

func startCleaner(ctx context.Context, deps *serverDependencies) error {
	ttl, err := deps.config.Pending.GetTTL()
	if err != nil {
		return fmt.Errorf("invalid pending.ttl: %w", err)
	}
	interval, err := deps.config.Pending.GetPurgeInterval()
	if err != nil {
		return fmt.Errorf("invalid pending.purge_interval: %w", err)
	}
	retention, err := deps.config.RelayQueue.GetFailedRetention()
	if err != nil {
		return fmt.Errorf("invalid relay_queue.failed_retention: %w", err)
	}
	if ttl == 0 && retention == 0 {
		logger.Info("Cleaner: nothing to expire, worker not started")
		return nil
	}
	if interval <= 0 {
		interval = time.Hour
	}
	deps.cleaner = cleaner.New(deps.store, deps.queue, interval, ttl, retention)
	deps.cleaner.Start(ctx)
	return nil
}
