// Package circuitbreaker tracks provider health and stops calls to a provider
// that keeps failing at the network level.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the state of the circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

const (
	defaultFailureThreshold         = 3
	defaultResetTimeout             = 30 * time.Second
	defaultHalfOpenSuccessThreshold = 1
)

// Config tunes a CircuitBreaker. Zero values take the defaults.
type Config struct {
	FailureThreshold         int           // consecutive failures that open the circuit
	ResetTimeout             time.Duration // time spent open before probing
	HalfOpenSuccessThreshold int           // trial successes needed to close again

	// OnStateChange, if set, is called with the lock released after every
	// transition.
	OnStateChange func(provider string, from, to State)
}

type providerState struct {
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	openUntil            time.Time
}

// CircuitBreaker is an in-memory, per-provider breaker safe for concurrent use.
type CircuitBreaker struct {
	mu        sync.Mutex
	providers map[string]*providerState
	cfg       Config
	now       func() time.Time
}

// NewCircuitBreaker creates a CircuitBreaker, filling unset settings with defaults.
func NewCircuitBreaker(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	if cfg.HalfOpenSuccessThreshold <= 0 {
		cfg.HalfOpenSuccessThreshold = defaultHalfOpenSuccessThreshold
	}
	return &CircuitBreaker{
		providers: make(map[string]*providerState),
		cfg:       cfg,
		now:       time.Now,
	}
}

// getProviderState must be called with mu held.
func (cb *CircuitBreaker) getProviderState(provider string) *providerState {
	ps, ok := cb.providers[provider]
	if !ok {
		ps = &providerState{state: StateClosed}
		cb.providers[provider] = ps
	}
	return ps
}

// AllowRequest reports whether a call to provider may proceed. An open
// circuit whose timeout has elapsed moves to half-open and lets the call
// through as a trial request.
func (cb *CircuitBreaker) AllowRequest(provider string) bool {
	cb.mu.Lock()
	ps := cb.getProviderState(provider)
	from := ps.state
	allowed := true
	if ps.state == StateOpen {
		if cb.now().Before(ps.openUntil) {
			allowed = false
		} else {
			ps.state = StateHalfOpen
			ps.consecutiveFailures = 0
			ps.consecutiveSuccesses = 0
		}
	}
	to := ps.state
	cb.mu.Unlock()

	cb.notify(provider, from, to)
	return allowed
}

// RecordFailure records a failed call to provider.
func (cb *CircuitBreaker) RecordFailure(provider string) {
	cb.mu.Lock()
	ps := cb.getProviderState(provider)
	from := ps.state
	switch ps.state {
	case StateClosed:
		ps.consecutiveFailures++
		if ps.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.open(ps)
		}
	case StateHalfOpen:
		cb.open(ps)
	case StateOpen:
		// A call admitted just before the circuit opened; nothing to update.
	}
	to := ps.state
	cb.mu.Unlock()

	cb.notify(provider, from, to)
}

// RecordSuccess records a successful call to provider.
func (cb *CircuitBreaker) RecordSuccess(provider string) {
	cb.mu.Lock()
	ps := cb.getProviderState(provider)
	from := ps.state
	switch ps.state {
	case StateClosed:
		ps.consecutiveFailures = 0
	case StateHalfOpen:
		ps.consecutiveSuccesses++
		if ps.consecutiveSuccesses >= cb.cfg.HalfOpenSuccessThreshold {
			ps.state = StateClosed
			ps.consecutiveFailures = 0
			ps.consecutiveSuccesses = 0
		}
	case StateOpen:
	}
	to := ps.state
	cb.mu.Unlock()

	cb.notify(provider, from, to)
}

// GetProviderStatus returns the state and consecutive failure count of
// provider without transitioning it.
func (cb *CircuitBreaker) GetProviderStatus(provider string) (State, int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	ps, ok := cb.providers[provider]
	if !ok {
		return StateClosed, 0
	}
	return ps.state, ps.consecutiveFailures
}

// open must be called with mu held. The failure count is pinned at the
// threshold while open.
func (cb *CircuitBreaker) open(ps *providerState) {
	ps.state = StateOpen
	ps.openUntil = cb.now().Add(cb.cfg.ResetTimeout)
	ps.consecutiveFailures = cb.cfg.FailureThreshold
	ps.consecutiveSuccesses = 0
}

func (cb *CircuitBreaker) notify(provider string, from, to State) {
	if from != to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(provider, from, to)
	}
}
