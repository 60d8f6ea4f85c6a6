// Package resilience implements the Executor's per-provider circuit breaker
// and retry-with-backoff helpers (spec.md §4.3).
//
// Adapted from the teacher's infrastructure/resilience/circuit_breaker.go
// (the hand-rolled State/Config/CircuitBreaker triad that package
// consistently uses — infrastructure/resilience/resilience.go defines a
// second, inconsistent CircuitBreaker on top of undeclared sony/gobreaker
// and cenkalti/backoff dependencies the teacher's own go.mod never
// requires; that file is not a grounding source, see DESIGN.md). Extended
// here with open_since exposure and a configurable fallback provider per
// spec.md §4.3 step 2.
package resilience

import (
	"context"
	"sync"
	"time"
)

// State is one of Closed, Open, HalfOpen (spec.md §4.3).
type State int

const (
	StateClosed State = iota
	StateOpen
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

// CircuitConfig parameterizes one provider's breaker.
type CircuitConfig struct {
	FailureThreshold int           // consecutive failures to open, from Closed
	SuccessThreshold int           // consecutive successes to close, from HalfOpen
	RecoveryTimeout  time.Duration // Open -> HalfOpen after this elapses
	FallbackProvider string        // optional: reroute while Open instead of CircuitOpen
	OnStateChange    func(from, to State)
}

// DefaultCircuitConfig mirrors the teacher's DefaultConfig defaults.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
	}
}

// CircuitBreaker guards a single provider's executions.
type CircuitBreaker struct {
	mu                sync.Mutex
	cfg               CircuitConfig
	state             State
	consecutiveFails  int
	consecutiveOK     int
	openSince         time.Time
	halfOpenInFlight  bool
}

// NewCircuitBreaker constructs a breaker starting Closed.
func NewCircuitBreaker(cfg CircuitConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 3
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// State reports the current state, transitioning Open->HalfOpen first if
// the recovery timeout has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeRecover()
	return cb.state
}

// OpenSince returns the instant the breaker last transitioned to Open
// (spec.md's Outcome.CircuitOpen / ProviderHealth reporting).
func (cb *CircuitBreaker) OpenSince() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.openSince
}

func (cb *CircuitBreaker) maybeRecover() {
	if cb.state == StateOpen && time.Since(cb.openSince) >= cb.cfg.RecoveryTimeout {
		cb.setState(StateHalfOpen)
	}
}

// Admit reports whether a call should proceed. In HalfOpen, only one probe
// at a time is admitted (spec.md's intent that HalfOpen validates recovery
// cautiously); callers that are refused should treat it the same as Open.
func (cb *CircuitBreaker) Admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeRecover()

	switch cb.state {
	case StateOpen:
		return false
	case StateHalfOpen:
		if cb.halfOpenInFlight {
			return false
		}
		cb.halfOpenInFlight = true
		return true
	default:
		return true
	}
}

// Fallback returns the configured fallback provider name, if any.
func (cb *CircuitBreaker) Fallback() string {
	return cb.cfg.FallbackProvider
}

// ReportSuccess records a successful call.
func (cb *CircuitBreaker) ReportSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.halfOpenInFlight = false
		cb.consecutiveOK++
		if cb.consecutiveOK >= cb.cfg.SuccessThreshold {
			cb.setState(StateClosed)
		}
	case StateClosed:
		cb.consecutiveFails = 0
	}
}

// ReportFailure records a failed call.
func (cb *CircuitBreaker) ReportFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFails++

	switch cb.state {
	case StateHalfOpen:
		cb.halfOpenInFlight = false
		cb.setState(StateOpen)
	case StateClosed:
		if cb.consecutiveFails >= cb.cfg.FailureThreshold {
			cb.setState(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) setState(next State) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.consecutiveFails = 0
	cb.consecutiveOK = 0
	cb.halfOpenInFlight = false
	if next == StateOpen {
		cb.openSince = time.Now()
	}
	if cb.cfg.OnStateChange != nil {
		go cb.cfg.OnStateChange(prev, next)
	}
}

// ctxDone is a tiny helper kept for callers that want to select on a
// breaker-gated wait alongside ctx cancellation.
func ctxDone(ctx context.Context) <-chan struct{} { return ctx.Done() }
