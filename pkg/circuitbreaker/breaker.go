// Package circuitbreaker stops calling a dependency that keeps failing. The
// outbound relay is guarded by one: while it is open, queued list mail waits
// in the relay queue instead of burning delivery attempts.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/TommyLike/mailman/pkg/metrics"
)

// State is exported as the mailman_circuit_breaker_state gauge value.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrOpen       = errors.New("circuit breaker is open")
	ErrProbeLimit = errors.New("circuit breaker is probing, request refused")
)

// IsRejection reports whether err came from the breaker rather than from
// the guarded call.
func IsRejection(err error) bool {
	return errors.Is(err, ErrOpen) || errors.Is(err, ErrProbeLimit)
}

type Settings struct {
	Name string
	// HalfOpenProbes is how many calls may run while half-open (default 1).
	HalfOpenProbes uint32
	// ResetInterval clears the closed-state counts periodically; zero keeps
	// them until the state changes.
	ResetInterval time.Duration
	// OpenTimeout is how long the breaker stays open (default 60s).
	OpenTimeout time.Duration
	// ShouldTrip opens the breaker; the default trips after 5 consecutive
	// failures.
	ShouldTrip func(Counts) bool
	// Ignore marks errors that do not count as failures, for example
	// permanent rejections that say nothing about the dependency's health.
	Ignore        func(error) bool
	OnStateChange func(name string, from, to State)
}

// Counts covers the current generation: it is cleared on every state change
// and every ResetInterval while closed.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) record(success bool) {
	if success {
		c.TotalSuccesses++
		c.ConsecutiveSuccesses++
		c.ConsecutiveFailures = 0
		return
	}
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

type CircuitBreaker struct {
	settings Settings

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
	now        func() time.Time
}

func NewCircuitBreaker(st Settings) *CircuitBreaker {
	if st.Name == "" {
		st.Name = "breaker"
	}
	if st.HalfOpenProbes == 0 {
		st.HalfOpenProbes = 1
	}
	if st.OpenTimeout <= 0 {
		st.OpenTimeout = 60 * time.Second
	}
	if st.ShouldTrip == nil {
		st.ShouldTrip = func(c Counts) bool { return c.ConsecutiveFailures >= 5 }
	}

	cb := &CircuitBreaker{settings: st, now: time.Now}
	cb.newGeneration(cb.now())
	metrics.CircuitBreakerState.WithLabelValues(st.Name).Set(float64(StateClosed))
	return cb
}

func (cb *CircuitBreaker) Name() string {
	return cb.settings.Name
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state, _ := cb.current(cb.now())
	return state
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Execute runs fn unless the breaker refuses it with ErrOpen or
// ErrProbeLimit. A panic in fn counts as a failure and is re-raised.
func (cb *CircuitBreaker) Execute(fn func() error) (err error) {
	generation, err := cb.admit()
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			cb.done(generation, false)
			panic(p)
		}
	}()

	err = fn()
	cb.done(generation, err == nil || (cb.settings.Ignore != nil && cb.settings.Ignore(err)))
	return err
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, generation := cb.current(cb.now())
	switch {
	case state == StateOpen:
		return generation, ErrOpen
	case state == StateHalfOpen && cb.counts.Requests >= cb.settings.HalfOpenProbes:
		return generation, ErrProbeLimit
	}
	cb.counts.Requests++
	return generation, nil
}

// done records the outcome unless the breaker moved on since admit.
func (cb *CircuitBreaker) done(generation uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	state, current := cb.current(now)
	if current != generation {
		return
	}

	cb.counts.record(success)
	switch {
	case success && state == StateHalfOpen:
		cb.transition(StateClosed, now)
	case !success && (state == StateHalfOpen || cb.settings.ShouldTrip(cb.counts)):
		cb.transition(StateOpen, now)
	}
}

func (cb *CircuitBreaker) current(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.newGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.transition(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) transition(to State, now time.Time) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.newGeneration(now)
	metrics.CircuitBreakerState.WithLabelValues(cb.settings.Name).Set(float64(to))

	if cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(cb.settings.Name, from, to)
	}
}

func (cb *CircuitBreaker) newGeneration(now time.Time) {
	cb.generation++
	cb.counts = Counts{}

	switch cb.state {
	case StateClosed:
		cb.expiry = time.Time{}
		if cb.settings.ResetInterval > 0 {
			cb.expiry = now.Add(cb.settings.ResetInterval)
		}
	case StateOpen:
		cb.expiry = now.Add(cb.settings.OpenTimeout)
	default:
		cb.expiry = time.Time{}
	}
}
