// Package errors maps daemon failures to process exit codes.
package errors

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/TommyLike/mailman/logger"
)

const (
	ExitOK     = 0
	ExitFatal  = 1
	ExitConfig = 2
)

// OperationError names the operation that failed.
type OperationError struct {
	Operation string
	Err       error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// Reporter logs failures and keeps the exit code of the first one.
type Reporter struct {
	mu   sync.Mutex
	code int
}

func NewReporter() *Reporter {
	return &Reporter{}
}

func (r *Reporter) record(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.code == ExitOK {
		r.code = code
	}
}

func (r *Reporter) Fatal(operation string, err error) {
	logger.Error("Fatal error", "error", &OperationError{Operation: operation, Err: err})
	r.record(ExitFatal)
}

// Config reports a configuration file that could not be read or parsed.
func (r *Reporter) Config(path string, err error) {
	if os.IsNotExist(err) {
		logger.Error("Configuration file not found", "path", path, "error", err)
	} else {
		logger.Error("Failed to load configuration file", "path", path, "error", err)
	}
	r.record(ExitConfig)
}

// Invalid reports a configuration value that was read but is unusable.
func (r *Reporter) Invalid(field string, err error) {
	logger.Error("Invalid configuration", "field", field, "error", err)
	r.record(ExitConfig)
}

// ExitCode is ExitOK until something was reported.
func (r *Reporter) ExitCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.code
}

// Shutdown logs why the daemon is stopping.
func (r *Reporter) Shutdown(ctx context.Context) {
	if ctx.Err() != nil {
		logger.Info("Graceful shutdown initiated")
		return
	}
	logger.Warn("Unexpected shutdown")
}
