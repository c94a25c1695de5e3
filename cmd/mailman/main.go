package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/TommyLike/mailman/config"
	"github.com/TommyLike/mailman/logger"
	"github.com/TommyLike/mailman/pkg/errors"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// serverManager tracks running servers for coordinated shutdown
type serverManager struct {
	wg sync.WaitGroup
}

func (sm *serverManager) Go(fn func()) {
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		fn()
	}()
}

func (sm *serverManager) Wait() {
	sm.wg.Wait()
}

func main() {
	reporter := errors.NewReporter()
	cfg := config.NewDefaultConfig()

	showVersion := pflag.BoolP("version", "v", false, "Show version information and exit")
	configPath := pflag.StringP("config", "c", "config.toml", "Path to TOML configuration file")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("mailman version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if err := config.LoadConfigFromFile(*configPath, &cfg); err != nil {
		var invalid *config.ValidationError
		if stderrors.As(err, &invalid) {
			reporter.Invalid(invalid.Field, invalid.Err)
		} else {
			reporter.Config(*configPath, err)
		}
		os.Exit(reporter.ExitCode())
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "MAILMAN: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "MAILMAN: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}

	logger.Info("Mailman starting", "version", version, "commit", commit, "built", date)
	logger.Info("Logging configured", "format", cfg.Logging.Format, "level", cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down", "signal", sig)
		cancel()
	}()

	deps, err := initializeServices(ctx, cfg)
	if err != nil {
		reporter.Fatal("initialize services", err)
		os.Exit(reporter.ExitCode())
	}
	defer deps.Close()

	errChan := startServers(ctx, deps)

	select {
	case <-ctx.Done():
		reporter.Shutdown(ctx)
	case err := <-errChan:
		reporter.Fatal("server operation", err)
		cancel()
	}

	logger.Info("Waiting for all servers to stop gracefully")
	done := make(chan struct{})
	go func() {
		deps.servers.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("All servers stopped")
	case <-time.After(10 * time.Second):
		logger.Warn("Server shutdown timeout reached after 10 seconds")
	}

	if code := reporter.ExitCode(); code != errors.ExitOK {
		// os.Exit skips deferred calls.
		deps.Close()
		os.Exit(code)
	}
}
