// Package health runs periodic probes against the daemon's dependencies and
// keeps the latest status of each for the admin API and for metrics.
package health

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/TommyLike/mailman/logger"
	"github.com/TommyLike/mailman/pkg/metrics"
)

type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnhealthy   Status = "unhealthy"
	StatusUnreachable Status = "unreachable"
)

// gauge orders statuses for the component health metric.
var gauge = map[Status]float64{
	StatusHealthy:   3,
	StatusDegraded:  2,
	StatusUnhealthy: 1,
}

// ErrDegraded is returned, possibly wrapped, by probes whose component
// works but not well.
var ErrDegraded = errors.New("degraded")

// Check is one probed component.
type Check struct {
	Name     string
	Probe    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	Critical bool // failure makes the whole node unhealthy

	mu    sync.Mutex
	state ComponentReport
}

// ComponentReport is a snapshot of one check.
type ComponentReport struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Critical  bool      `json:"critical"`
	LastCheck time.Time `json:"last_check,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Checks    int       `json:"checks"`
	Failures  int       `json:"failures"`
}

// Report is the node's overall health.
type Report struct {
	Status     Status            `json:"status"`
	Components []ComponentReport `json:"components"`
}

// record folds one probe result into the check and returns the old and new
// status.
func (c *Check) record(err error, at time.Time) (before, after Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	before = c.state.Status
	s := &c.state
	s.Checks++
	s.LastCheck = at
	s.LastError = ""
	if err != nil {
		s.LastError = err.Error()
	}

	switch {
	case err == nil:
		s.Status = StatusHealthy
	case errors.Is(err, ErrDegraded):
		s.Status = StatusDegraded
	default:
		s.Failures++
		// A failure degrades; failing half the probes or more is unhealthy.
		s.Status = StatusDegraded
		if 2*s.Failures >= s.Checks {
			s.Status = StatusUnhealthy
		}
	}
	return before, s.Status
}

func (c *Check) snapshot() ComponentReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Monitor owns a set of checks and the goroutines that run them.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]*Check
	cancel context.CancelFunc
}

func NewMonitor() *Monitor {
	return &Monitor{checks: make(map[string]*Check)}
}

// Register adds c, replacing any check with the same name. Checks added
// after Start are only probed through Run until the next Start.
func (m *Monitor) Register(c *Check) {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	c.state = ComponentReport{Name: c.Name, Status: StatusHealthy, Critical: c.Critical}

	m.mu.Lock()
	m.checks[c.Name] = c
	m.mu.Unlock()
}

// Start probes every check now and then on its interval until ctx ends or
// Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	checks := m.sorted()
	m.mu.Unlock()

	for _, c := range checks {
		go m.loop(ctx, c)
	}
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

func (m *Monitor) loop(ctx context.Context, c *Check) {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	logger.Info("Health: monitoring started", "component", c.Name, "interval", c.Interval)
	for {
		m.probe(ctx, c)
		select {
		case <-ctx.Done():
			logger.Debug("Health: monitoring stopped", "component", c.Name)
			return
		case <-ticker.C:
		}
	}
}

// Run probes the named component now. Unknown names are unreachable.
func (m *Monitor) Run(ctx context.Context, name string) Status {
	m.mu.RLock()
	c, ok := m.checks[name]
	m.mu.RUnlock()
	if !ok {
		return StatusUnreachable
	}
	return m.probe(ctx, c)
}

func (m *Monitor) probe(ctx context.Context, c *Check) Status {
	start := time.Now()
	err := invoke(ctx, c)
	metrics.ComponentHealthCheckDuration.WithLabelValues(c.Name).Observe(time.Since(start).Seconds())

	before, after := c.record(err, time.Now())
	if err != nil {
		logger.Warn("Health: check failed", "component", c.Name, "status", after, "error", err)
	}
	if before != after {
		logger.Info("Health: status changed", "component", c.Name, "from", before, "to", after)
	}
	metrics.ComponentHealthChecks.WithLabelValues(c.Name, string(after)).Inc()
	metrics.ComponentHealthStatus.WithLabelValues(c.Name).Set(gauge[after])
	return after
}

func invoke(ctx context.Context, c *Check) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	return c.Probe(ctx)
}

// sorted returns the checks by name. The caller holds m.mu.
func (m *Monitor) sorted() []*Check {
	checks := make([]*Check, 0, len(m.checks))
	for _, c := range m.checks {
		checks = append(checks, c)
	}
	slices.SortFunc(checks, func(a, b *Check) int { return strings.Compare(a.Name, b.Name) })
	return checks
}

// StatusOf reports the last status of the named component.
func (m *Monitor) StatusOf(name string) (Status, bool) {
	m.mu.RLock()
	c, ok := m.checks[name]
	m.mu.RUnlock()
	if !ok {
		return StatusUnreachable, false
	}
	return c.snapshot().Status, true
}

// Report returns every component, sorted by name, and the node status: a
// failing critical component makes the node unhealthy, anything else short
// of healthy makes it degraded.
func (m *Monitor) Report() Report {
	m.mu.RLock()
	checks := m.sorted()
	m.mu.RUnlock()

	report := Report{Status: StatusHealthy}
	for _, c := range checks {
		snap := c.snapshot()
		report.Components = append(report.Components, snap)
		switch {
		case snap.Critical && (snap.Status == StatusUnhealthy || snap.Status == StatusUnreachable):
			report.Status = StatusUnhealthy
		case snap.Status != StatusHealthy && report.Status == StatusHealthy:
			report.Status = StatusDegraded
		}
	}
	return report
}

// Status is the node status from Report.
func (m *Monitor) Status() Status {
	return m.Report().Status
}
