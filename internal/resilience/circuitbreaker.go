// Package resilience guards the speech backends against outages.
//
// [CircuitBreaker] stops sending work to a backend after repeated failures
// and probes it again after a cool-down. [FallbackGroup] puts a breaker in
// front of each of several interchangeable backends and walks them in order.
// [STTFallback] and [TTSFallback] are the provider-shaped wrappers the bridge
// uses.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker
// rejects a call without running it.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the cool-down ends.
	StateOpen

	// StateHalfOpen admits a limited number of probes. Enough successful
	// probes close the breaker; any failed probe opens it again.
	StateHalfOpen
)

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

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero values select the
// defaults noted on each field.
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs and in OnStateChange.
	Name string

	// MaxFailures is the run of consecutive failures that opens the breaker.
	// Default: 5.
	MaxFailures int

	// ResetTimeout is the cool-down spent open before probing. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probes admitted while half-open, and the
	// number of successes needed to close again. Default: 3.
	HalfOpenMax int

	// OnStateChange runs on its own goroutine after every transition.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker is a closed/open/half-open breaker around a single backend.
//
// An error caused by the caller cancelling its own context (a caller hanging
// up mid-synthesis) is neutral: it neither counts as a failure nor as a
// successful probe.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int       // consecutive failures while closed
	openedAt time.Time // start of the current cool-down
	probes   int       // probes in flight or finished this half-open round
	passed   int       // successful probes this half-open round
}

// NewCircuitBreaker returns a closed breaker configured by cfg.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Execute runs fn unless the breaker rejects it, and feeds the outcome back
// into the breaker. The error from fn is returned unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(probe, err)
	return err
}

// admit decides whether a call may run and reports whether it is a probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		cb.probes, cb.passed = 0, 0
		cb.moveLocked(StateHalfOpen)
	}
	if cb.state == StateClosed {
		return false, nil
	}
	if cb.probes >= cb.cfg.HalfOpenMax {
		return false, ErrCircuitOpen
	}
	cb.probes++
	return true, nil
}

// settle records the outcome of an admitted call.
func (cb *CircuitBreaker) settle(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// A transition made by a concurrent call may have superseded this probe.
	if probe && cb.state != StateHalfOpen {
		return
	}

	switch {
	case callerGaveUp(err):
		if probe {
			cb.probes--
		}
	case err != nil && probe:
		cb.tripLocked()
	case err != nil:
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			cb.tripLocked()
		}
	case probe:
		cb.passed++
		if cb.passed >= cb.cfg.HalfOpenMax {
			cb.failures = 0
			cb.moveLocked(StateClosed)
		}
	default:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) tripLocked() {
	cb.openedAt = cb.now()
	cb.moveLocked(StateOpen)
}

// moveLocked is the single place state changes. cb.mu must be held.
func (cb *CircuitBreaker) moveLocked(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to

	switch to {
	case StateOpen:
		slog.Warn("circuit breaker opened", "name", cb.cfg.Name, "from", from, "consecutive_failures", cb.failures)
	default:
		slog.Info("circuit breaker state changed", "name", cb.cfg.Name, "from", from, "to", to)
	}
	if fn := cb.cfg.OnStateChange; fn != nil {
		go fn(cb.cfg.Name, from, to)
	}
}

// State reports the breaker's mode. An open breaker whose cool-down has ended
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures, cb.probes, cb.passed = 0, 0, 0
	cb.moveLocked(StateClosed)
}

// callerGaveUp reports whether err stems from the caller cancelling its own
// context rather than from the backend.
func callerGaveUp(err error) bool {
	return errors.Is(err, context.Canceled)
}
