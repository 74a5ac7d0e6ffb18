// Package resilience tracks channel health for the network goroutines.
//
// The central type is [CircuitBreaker], a three-state breaker
// (closed → open → half-open) kept per audio channel. An open breaker marks
// its channel degraded: egress drops that channel's frames without touching
// the transport until the reset timeout lets a probe through. [FallbackGroup]
// composes several remote endpoints, each behind its own breaker, so a
// reconnecting link fails over to the next reachable peer.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Allow] and
// [CircuitBreaker.Execute] while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the healthy state. All calls are forwarded.
	StateClosed State = iota

	// StateOpen means the channel is degraded after consecutive failures.
	// Calls are rejected with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout. Up to
	// HalfOpenMax calls go through; that many successes close the breaker and
	// any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "closed":
		*s = StateClosed
	case "open":
		*s = StateOpen
	case "half-open":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("resilience: unknown state %q", text)
	}
	return nil
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log messages and state change callbacks, e.g. "studio/1".
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 2s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close the
	// breaker again. Default: 3.
	HalfOpenMax int

	// OnStateChange, when set, is called after every transition, outside the
	// breaker's lock.
	OnStateChange func(name string, from, to State)

	// Now replaces time.Now. Tests use it to drive the reset timeout.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	onChange     func(name string, from, to State)
	now          func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	halfOpenCalls   int
	halfOpenSuccess int
	lastErr         error
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 2 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		onChange:     cfg.OnStateChange,
		now:          cfg.Now,
		state:        StateClosed,
	}
}

// Name returns the configured name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Allow reports whether a call may proceed. It returns [ErrCircuitOpen] while
// the breaker is open or the half-open probe budget is spent. Every nil
// return must be followed by exactly one [CircuitBreaker.Record].
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.halfOpenCalls = 0
		cb.halfOpenSuccess = 0
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMax {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	if cb.state == StateHalfOpen {
		cb.halfOpenCalls++
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return nil
}

// Record reports the outcome of a call. A nil err counts as success.
//
// Record may also be used without Allow by callers that cannot skip the
// operation, such as a receive loop: a success while open then starts the
// half-open probe sequence directly.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	from := cb.state
	if err != nil {
		cb.recordFailure(err)
	} else {
		cb.recordSuccess()
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

// Execute runs fn if the breaker allows it and records the result.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	cb.Record(err)
	return err
}

// recordFailure handles failure accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(err error) {
	cb.lastFailure = cb.now()
	cb.lastErr = err

	switch cb.state {
	case StateHalfOpen:
		cb.state = StateOpen
		cb.consecutiveFail = cb.maxFailures
		slog.Warn("channel breaker re-opened from half-open",
			"channel", cb.name, "err", err)
	case StateOpen:
		cb.consecutiveFail++
	default:
		cb.consecutiveFail++
		if cb.consecutiveFail >= cb.maxFailures {
			cb.state = StateOpen
			slog.Warn("channel degraded",
				"channel", cb.name,
				"consecutive_failures", cb.consecutiveFail,
				"err", err)
		}
	}
}

// recordSuccess handles success accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess() {
	switch cb.state {
	case StateOpen:
		cb.state = StateHalfOpen
		cb.halfOpenCalls = 1
		cb.halfOpenSuccess = 0
		fallthrough
	case StateHalfOpen:
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.consecutiveFail = 0
			cb.halfOpenCalls = 0
			cb.halfOpenSuccess = 0
			slog.Info("channel recovered", "channel", cb.name)
		}
	default:
		cb.consecutiveFail = 0
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.onChange != nil {
		cb.onChange(cb.name, from, to)
	}
}

// State returns the current [State] of the breaker. If the breaker is open and
// the reset timeout has elapsed, the returned state is [StateHalfOpen] (the
// actual transition happens on the next [CircuitBreaker.Allow]).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Degraded reports whether the channel is out of the closed state.
func (cb *CircuitBreaker) Degraded() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state != StateClosed
}

// ConsecutiveFailures returns the current failure streak.
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFail
}

// LastError returns the most recent recorded failure, or nil.
func (cb *CircuitBreaker) LastError() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastErr
}

// Reset manually forces the breaker back to [StateClosed], clearing all failure
// counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.consecutiveFail = 0
	cb.halfOpenCalls = 0
	cb.halfOpenSuccess = 0
	cb.mu.Unlock()

	slog.Info("channel breaker manually reset", "channel", cb.name)
	cb.notify(from, StateClosed)
}
