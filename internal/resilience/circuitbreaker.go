// Package resilience provides the circuit breaker that guards the enrichment
// path.
//
// Enrichment calls are fire-and-forget: a failure is logged and swallowed,
// never retried. Without a breaker, a dead LLM endpoint would still cost one
// full network timeout per transcript while goroutines pile up behind it. The
// breaker sheds those calls instead — shedding is not a retry, it is the
// absence of a call.
//
// CircuitBreaker is a classic three-state breaker (closed → open → half-open)
// tuned for sparse traffic: after the cooldown a single probe call decides
// whether the endpoint has recovered. All methods are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is
// open and the cooldown has not yet elapsed, or while a recovery probe is
// already in flight.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state — all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive
	// failures. Calls are rejected immediately with [ErrCircuitOpen] until
	// the cooldown elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the cooldown. One call
	// is allowed through; if it succeeds the breaker closes, otherwise it
	// re-opens.
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

// BreakerConfig holds tuning knobs for a [CircuitBreaker].
type BreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// Threshold is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	Threshold int

	// Cooldown is how long the breaker stays open before admitting a probe
	// call. Default: 30s.
	Cooldown time.Duration
}

// CircuitBreaker implements the three-state circuit breaker pattern with a
// single-probe half-open state. It is safe for concurrent use.
type CircuitBreaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    State
	failures int // consecutive failures while closed
	openedAt time.Time
	probing  bool // a half-open probe is in flight
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied
// configuration. Zero-value config fields are replaced with defaults.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		name:      cfg.Name,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		now:       time.Now,
		state:     StateClosed,
	}
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn. After the cooldown, exactly one caller
// is admitted as the probe; concurrent callers are rejected until the probe
// resolves.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probing = false
		slog.Info("circuit breaker entering half-open", "name", cb.name)
	}

	probe := false
	if cb.state == StateHalfOpen {
		if cb.probing {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.probing = true
		probe = true
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.recordFailure(probe)
	} else {
		cb.recordSuccess(probe)
	}
	return err
}

// recordFailure handles failure accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(probe bool) {
	if probe {
		cb.state = StateOpen
		cb.openedAt = cb.now()
		cb.probing = false
		slog.Warn("circuit breaker re-opened after failed probe", "name", cb.name)
		return
	}

	if cb.state != StateClosed {
		// A call admitted before the breaker tripped is finishing late.
		// Refresh the open timestamp so the cooldown restarts.
		cb.openedAt = cb.now()
		return
	}

	cb.failures++
	if cb.failures >= cb.threshold {
		cb.state = StateOpen
		cb.openedAt = cb.now()
		slog.Warn("circuit breaker opened",
			"name", cb.name,
			"consecutive_failures", cb.failures)
	}
}

// recordSuccess handles success accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(probe bool) {
	if probe {
		cb.state = StateClosed
		cb.failures = 0
		cb.probing = false
		slog.Info("circuit breaker closed after successful probe", "name", cb.name)
		return
	}
	cb.failures = 0
}

// State returns the current [State] of the breaker. If the breaker is open
// and the cooldown has elapsed, the returned state is [StateHalfOpen] (the
// actual transition happens on the next [Execute] call).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		return StateHalfOpen
	}
	return cb.state
}

// Reset manually forces the breaker back to [StateClosed], clearing all
// failure counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.probing = false
	slog.Info("circuit breaker manually reset", "name", cb.name)
}
