// Package resilience keeps a failing dependency from stalling the live
// conversation.
//
// A [CircuitBreaker] counts consecutive failures of a dependency and, once a
// threshold is reached, rejects calls outright for a cool-down period instead
// of waiting on each one to time out. [GuardStore] applies a breaker to the
// transcript store so a database outage costs one timeout, not one per turn.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// rejecting calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the position of a [CircuitBreaker].
type State int

const (
	// StateClosed passes every call through.
	StateClosed State = iota

	// StateOpen rejects every call until the reset timeout elapses.
	StateOpen

	// StateHalfOpen admits a limited number of probe calls.
	StateHalfOpen
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Defaults applied by [NewCircuitBreaker] to zero config fields.
const (
	DefaultMaxFailures  = 3
	DefaultResetTimeout = 30 * time.Second
	DefaultHalfOpenMax  = 1
)

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take the
// package defaults.
type CircuitBreakerConfig struct {
	// Name identifies the guarded dependency in log output.
	Name string

	// MaxFailures is the number of consecutive failures that opens the breaker.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes that close the breaker.
	HalfOpenMax int

	// Now replaces [time.Now]. Used by tests.
	Now func() time.Time
}

// CircuitBreaker implements the closed/open/half-open state machine. It is
// safe for concurrent use.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	now          func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	inFlight  int
	successes int
}

// NewCircuitBreaker returns a closed breaker configured by cfg.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		now:          cfg.Now,
	}
	if cb.maxFailures <= 0 {
		cb.maxFailures = DefaultMaxFailures
	}
	if cb.resetTimeout <= 0 {
		cb.resetTimeout = DefaultResetTimeout
	}
	if cb.halfOpenMax <= 0 {
		cb.halfOpenMax = DefaultHalfOpenMax
	}
	if cb.now == nil {
		cb.now = time.Now
	}
	return cb
}

// Execute runs fn unless the breaker is open, in which case it returns
// [ErrCircuitOpen] without calling fn. The error of fn is returned unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.admit() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.settle(err)
	return err
}

// State reports the current state. An open breaker whose timeout has elapsed
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.toClosedLocked()
}

func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			return false
		}
		cb.state = StateHalfOpen
		cb.inFlight = 0
		cb.successes = 0
		slog.Info("resilience: circuit probing", "name", cb.name)
		fallthrough
	case StateHalfOpen:
		// One probe at a time.
		if cb.inFlight > 0 {
			return false
		}
		cb.inFlight++
	}
	return true
}

func (cb *CircuitBreaker) settle(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.inFlight--
		if err != nil {
			cb.toOpenLocked(err)
			return
		}
		cb.successes++
		if cb.successes >= cb.halfOpenMax {
			cb.toClosedLocked()
			slog.Info("resilience: circuit closed", "name", cb.name)
		}
		return
	}

	if err == nil {
		cb.failures = 0
		return
	}
	cb.failures++
	if cb.state == StateClosed && cb.failures >= cb.maxFailures {
		cb.toOpenLocked(err)
	}
}

func (cb *CircuitBreaker) toOpenLocked(cause error) {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.inFlight = 0
	cb.successes = 0
	slog.Warn("resilience: circuit opened",
		"name", cb.name,
		"failures", cb.failures,
		"retry_in", cb.resetTimeout,
		"err", cause,
	)
}

func (cb *CircuitBreaker) toClosedLocked() {
	cb.state = StateClosed
	cb.failures = 0
	cb.inFlight = 0
	cb.successes = 0
}
