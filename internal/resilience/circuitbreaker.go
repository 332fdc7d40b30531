// Package resilience provides the circuit breaker primitives that isolate
// Renfield from failing external resources (LLM runtimes, capability
// servers).
//
// The central type is [CircuitBreaker], a classic three-state breaker
// (closed → open → half-open) keyed by resource name through [BreakerSet].
//
// All types are safe for concurrent use.
package resilience

import (
	"log/slog"
	"sync"
	"time"

	"github.com/renfield-ai/renfield/internal/clock"
	"github.com/renfield-ai/renfield/internal/fault"
)

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state — all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive
	// failures. Calls are rejected immediately until the recovery timeout
	// elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the recovery timeout.
	// A single probe call is admitted; success closes the breaker, failure
	// re-opens it and resets the timer.
	StateHalfOpen
)

// String returns the short lowercase name of the state, matching the
// persisted enum convention.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds tuning knobs for a [CircuitBreaker].
type Config struct {
	// Name labels the protected resource (e.g. "llm:chat", "mcp:weather").
	Name string

	// FailureThreshold is the number of consecutive failures in the closed
	// state before the breaker opens. Default: 3.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before admitting a
	// half-open probe. Default: 30s.
	RecoveryTimeout time.Duration

	// Clock is the time source. Nil means the system clock.
	Clock clock.Clock
}

// CircuitBreaker implements the three-state circuit breaker pattern.
// It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	clk              clock.Clock

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	probeInFlight   bool
}

// New creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with defaults.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	return &CircuitBreaker{
		name:             cfg.Name,
		failureThreshold: cfg.FailureThreshold,
		recoveryTimeout:  cfg.RecoveryTimeout,
		clk:              cfg.Clock,
		state:            StateClosed,
	}
}

// Execute runs fn if the breaker allows it. While open it returns a
// CircuitOpen fault without calling fn. In the half-open state exactly one
// probe is admitted per recovery window; concurrent calls during the probe
// are rejected as if the breaker were still open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Begin(); err != nil {
		return err
	}
	err := fn()
	cb.Done(err)
	return err
}

// Begin asks the breaker to admit a call whose outcome will be reported
// later via [CircuitBreaker.Done]. It exists for asynchronous flows
// (streaming completions) that outlive a single function call; synchronous
// callers should prefer [CircuitBreaker.Execute].
func (cb *CircuitBreaker) Begin() error {
	return cb.admit()
}

// Done reports the outcome of a call admitted by [CircuitBreaker.Begin].
// A nil err counts as success.
func (cb *CircuitBreaker) Done(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.recordFailure()
	} else {
		cb.recordSuccess()
	}
}

// admit decides whether a call may proceed, performing the OPEN → HALF_OPEN
// transition when the recovery timeout has elapsed.
func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.clk.Now().Sub(cb.openedAt) < cb.recoveryTimeout {
			return fault.New(fault.CircuitOpen, "circuit %q is open", cb.name)
		}
		cb.state = StateHalfOpen
		cb.probeInFlight = true
		slog.Info("circuit breaker transitioning to half-open", "name", cb.name)
		return nil

	case StateHalfOpen:
		if cb.probeInFlight {
			return fault.New(fault.CircuitOpen, "circuit %q is probing", cb.name)
		}
		cb.probeInFlight = true
		return nil
	}
	return nil
}

// recordFailure handles failure accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure() {
	switch cb.state {
	case StateHalfOpen:
		// Any failure in half-open immediately re-opens and resets the timer.
		cb.state = StateOpen
		cb.openedAt = cb.clk.Now()
		cb.probeInFlight = false
		slog.Warn("circuit breaker re-opened from half-open", "name", cb.name)

	case StateClosed:
		cb.consecutiveFail++
		if cb.consecutiveFail >= cb.failureThreshold {
			cb.state = StateOpen
			cb.openedAt = cb.clk.Now()
			slog.Warn("circuit breaker opened",
				"name", cb.name,
				"consecutive_failures", cb.consecutiveFail)
		}
	}
}

// recordSuccess handles success accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess() {
	switch cb.state {
	case StateHalfOpen:
		// Any success in half-open closes the breaker.
		cb.state = StateClosed
		cb.consecutiveFail = 0
		cb.probeInFlight = false
		slog.Info("circuit breaker closed after successful probe", "name", cb.name)

	case StateClosed:
		cb.consecutiveFail = 0
	}
}

// State returns the current [State] of the breaker. If the breaker is open
// and the recovery timeout has elapsed, the returned state is half-open (the
// actual transition happens on the next [CircuitBreaker.Execute] call).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.clk.Now().Sub(cb.openedAt) >= cb.recoveryTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset manually forces the breaker back to closed, clearing all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.consecutiveFail = 0
	cb.probeInFlight = false
	slog.Info("circuit breaker manually reset", "name", cb.name)
}

// BreakerSet is a registry of circuit breakers keyed by resource name.
// Breakers are created lazily on first use with per-key defaults supplied by
// the Defaults function.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker

	// Defaults returns the config for a newly created key. The Name field is
	// overwritten with the key.
	Defaults func(key string) Config
}

// NewSet creates a BreakerSet. defaults may be nil, in which case every
// breaker uses the package defaults.
func NewSet(defaults func(key string) Config) *BreakerSet {
	return &BreakerSet{
		breakers: make(map[string]*CircuitBreaker),
		Defaults: defaults,
	}
}

// Get returns the breaker for key, creating it on first use.
func (s *BreakerSet) Get(key string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[key]; ok {
		return cb
	}
	cfg := Config{}
	if s.Defaults != nil {
		cfg = s.Defaults(key)
	}
	cfg.Name = key
	cb := New(cfg)
	s.breakers[key] = cb
	return cb
}

// Execute runs fn through the breaker for key.
func (s *BreakerSet) Execute(key string, fn func() error) error {
	return s.Get(key).Execute(fn)
}

// States returns a snapshot of every known breaker's state, keyed by
// resource name. Used by diagnostics endpoints.
func (s *BreakerSet) States() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]State, len(s.breakers))
	for k, cb := range s.breakers {
		out[k] = cb.State()
	}
	return out
}
