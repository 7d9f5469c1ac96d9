package healthmonitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/clinicflow/clinicflow/internal/types"
)

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // Normal operation, requests pass through
	BreakerOpen                         // Tripped, all requests fail fast
	BreakerHalfOpen                     // Testing, one request allowed through
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrBreakerOpen is the cause wrapped into the DependencyUnavailable error a
// short-circuited call hands to its fallback.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// BreakerConfig tunes a CircuitBreaker.
type BreakerConfig struct {
	// Name identifies the protected dependency in errors and logs.
	Name string
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// CoolDown is how long the circuit stays open before admitting a probe.
	CoolDown time.Duration
}

// DefaultBreakerConfig opens after 5 consecutive failures and probes after 30s.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		CoolDown:         30 * time.Second,
	}
}

// CircuitBreaker tracks consecutive failures of a dependency and opens the
// circuit when the threshold is reached. In half-open state only one probe is
// admitted; its outcome closes or re-opens the circuit.
//
// Every transition starts a new generation. Execute drops the outcome of an
// operation admitted in an earlier generation, so a slow call that finishes
// after the circuit tripped cannot close it or release a live probe.
type CircuitBreaker struct {
	mu               sync.Mutex
	name             string
	state            BreakerState
	generation       uint64
	failureCount     int
	failureThreshold int
	coolDown         time.Duration
	openedAt         time.Time
	probeInFlight    bool
	onStateChange    func(name string, from, to BreakerState)
	now              func() time.Time // for testing
}

// NewCircuitBreaker creates a closed breaker. Non-positive config values fall
// back to the defaults.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	def := DefaultBreakerConfig(cfg.Name)
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = def.CoolDown
	}
	return &CircuitBreaker{
		name:             cfg.Name,
		state:            BreakerClosed,
		failureThreshold: cfg.FailureThreshold,
		coolDown:         cfg.CoolDown,
		now:              time.Now,
	}
}

// OnStateChange registers a hook invoked after every transition, outside the lock.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to BreakerState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs op if the circuit admits it. A failing op is recorded and its
// error handed to fallback. When the circuit is open, or half-open with the
// probe already in flight, op is not invoked and fallback receives a
// DependencyUnavailable error. Execute returns whatever fallback returns, or
// nil when op succeeds. A panicking op counts as a failure and the panic is
// propagated.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error, fallback func(context.Context, error) error) error {
	gen, ok := cb.admit()
	if !ok {
		return fallback(ctx, types.DependencyUnavailable("circuit breaker", cb.name, ErrBreakerOpen))
	}
	if err := cb.run(ctx, gen, op); err != nil {
		return fallback(ctx, err)
	}
	return nil
}

func (cb *CircuitBreaker) run(ctx context.Context, gen uint64, op func(context.Context) error) error {
	completed := false
	defer func() {
		if !completed {
			cb.record(gen, false)
		}
	}()
	err := op(ctx)
	completed = true
	cb.record(gen, err == nil)
	return err
}

// Allow checks whether a request should be allowed through.
// In half-open state only one probe is permitted; subsequent callers are
// refused until the probe outcome is recorded.
func (cb *CircuitBreaker) Allow() bool {
	_, ok := cb.admit()
	return ok
}

func (cb *CircuitBreaker) admit() (uint64, bool) {
	cb.mu.Lock()
	var (
		allowed bool
		from    = cb.state
	)
	switch cb.state {
	case BreakerClosed:
		allowed = true
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) >= cb.coolDown {
			cb.setState(BreakerHalfOpen)
			cb.probeInFlight = true
			allowed = true
		}
	case BreakerHalfOpen:
		if !cb.probeInFlight {
			cb.probeInFlight = true
			allowed = true
		}
	}
	gen := cb.generation
	cb.unlockAndNotify(from)
	return gen, allowed
}

// RecordSuccess records a successful request in the current generation. It
// resets the failure count while closed and closes a half-open circuit. An
// open circuit ignores it.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	from := cb.state
	cb.succeed()
	cb.unlockAndNotify(from)
}

// RecordFailure records a failed request in the current generation. A failed
// probe, or reaching the threshold while closed, opens the circuit with a
// fresh cool-down. An open circuit ignores it.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	from := cb.state
	cb.fail()
	cb.unlockAndNotify(from)
}

func (cb *CircuitBreaker) record(gen uint64, success bool) {
	cb.mu.Lock()
	from := cb.state
	if gen == cb.generation {
		if success {
			cb.succeed()
		} else {
			cb.fail()
		}
	}
	cb.unlockAndNotify(from)
}

func (cb *CircuitBreaker) succeed() {
	switch cb.state {
	case BreakerClosed:
		cb.failureCount = 0
	case BreakerHalfOpen:
		cb.failureCount = 0
		cb.probeInFlight = false
		cb.setState(BreakerClosed)
	}
}

func (cb *CircuitBreaker) fail() {
	switch cb.state {
	case BreakerClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.trip()
		}
	case BreakerHalfOpen:
		cb.trip()
	}
}

func (cb *CircuitBreaker) trip() {
	cb.failureCount = 0
	cb.probeInFlight = false
	cb.openedAt = cb.now()
	cb.setState(BreakerOpen)
}

func (cb *CircuitBreaker) setState(to BreakerState) {
	if cb.state != to {
		cb.state = to
		cb.generation++
	}
}

// State returns the current breaker state. An open circuit whose cool-down has
// elapsed reports half-open.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	from := cb.state
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.coolDown {
		cb.setState(BreakerHalfOpen)
		cb.probeInFlight = false
	}
	state := cb.state
	cb.unlockAndNotify(from)
	return state
}

// Name returns the protected dependency's name.
func (cb *CircuitBreaker) Name() string { return cb.name }

func (cb *CircuitBreaker) unlockAndNotify(from BreakerState) {
	to := cb.state
	hook := cb.onStateChange
	cb.mu.Unlock()
	if hook != nil && from != to {
		hook(cb.name, from, to)
	}
}
