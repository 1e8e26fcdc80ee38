// Package resilience protects the chat and voice API providers from
// cascading upstream failures.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open).
// [ChatFailover] puts one breaker in front of each configured chat provider
// and moves to the next provider when a stream cannot be opened.
// [LiveBreaker] fails voice session negotiation fast while the voice API keeps
// rejecting connections.
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

// ErrCircuitOpen is returned when a breaker rejects a call.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has elapsed.
	StateOpen

	// StateHalfOpen admits a limited number of trial calls. HalfOpenMax
	// successful trials close the breaker; any failed trial re-opens it.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the breaker in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before it admits
	// trials. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of trials admitted, and the number of
	// successes needed, in the half-open state. Default: 1.
	HalfOpenMax int

	// Now is the clock. Default: [time.Now].
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
//
// Cancellation is not a failure: a call that ends with [context.Canceled]
// leaves the failure count as it was.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	trials    int
	successes int
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with their defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Allow admits one call. On success the caller must report the call's
// outcome exactly once through done; later calls to done are ignored.
// A rejected call returns [ErrCircuitOpen].
func (cb *CircuitBreaker) Allow() (done func(error), err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advanceLocked()
	trial := false
	switch cb.state {
	case StateOpen:
		return nil, ErrCircuitOpen
	case StateHalfOpen:
		if cb.trials >= cb.cfg.HalfOpenMax {
			return nil, ErrCircuitOpen
		}
		cb.trials++
		trial = true
	}

	var once sync.Once
	return func(err error) {
		once.Do(func() { cb.record(trial, err) })
	}, nil
}

// Execute runs fn if the breaker admits it and records its outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	done, err := cb.Allow()
	if err != nil {
		return err
	}
	err = fn()
	done(err)
	return err
}

// advanceLocked moves an expired open breaker to half-open.
func (cb *CircuitBreaker) advanceLocked() {
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.state = StateHalfOpen
		cb.trials = 0
		cb.successes = 0
		slog.Info("circuit breaker half-open", "name", cb.cfg.Name)
	}
}

func (cb *CircuitBreaker) record(trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if errors.Is(err, context.Canceled) {
		if trial && cb.state == StateHalfOpen {
			// Give the trial slot back.
			cb.trials--
		}
		return
	}

	if err != nil {
		if trial || cb.state == StateHalfOpen {
			cb.tripLocked()
			slog.Warn("circuit breaker re-opened", "name", cb.cfg.Name, "err", err)
			return
		}
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
			cb.tripLocked()
			slog.Warn("circuit breaker opened",
				"name", cb.cfg.Name,
				"consecutive_failures", cb.failures,
				"err", err,
			)
		}
		return
	}

	if trial && cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes >= cb.cfg.HalfOpenMax {
			cb.state = StateClosed
			cb.failures = 0
			slog.Info("circuit breaker closed", "name", cb.cfg.Name)
		}
		return
	}
	if cb.state == StateClosed {
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) tripLocked() {
	cb.state = StateOpen
	cb.openedAt = cb.cfg.Now()
	cb.failures = 0
	cb.trials = 0
	cb.successes = 0
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advanceLocked()
	return cb.state
}

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.trials = 0
	cb.successes = 0
	slog.Info("circuit breaker reset", "name", cb.cfg.Name)
}
