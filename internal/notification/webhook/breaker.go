package webhook

import (
	"sync"
	"time"
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState int

const (
	// CircuitBreakerClosed allows requests through normally.
	CircuitBreakerClosed CircuitBreakerState = iota
	// CircuitBreakerOpen blocks all requests until the reset timeout passes.
	CircuitBreakerOpen
	// CircuitBreakerHalfOpen allows a limited number of probe requests.
	CircuitBreakerHalfOpen
)

// String returns the lowercase state name.
func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerClosed:
		return "closed"
	case CircuitBreakerOpen:
		return "open"
	case CircuitBreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerSettings tunes a circuit breaker. Zero fields take defaults.
type BreakerSettings struct {
	MaxFailures      int
	ResetTimeout     time.Duration
	HalfOpenMaxCalls int
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.MaxFailures <= 0 {
		s.MaxFailures = 5
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = 60 * time.Second
	}
	if s.HalfOpenMaxCalls <= 0 {
		s.HalfOpenMaxCalls = 1
	}
	return s
}

// CircuitBreaker guards a single webhook endpoint.
type CircuitBreaker struct {
	mu            sync.Mutex
	settings      BreakerSettings
	state         CircuitBreakerState
	failures      int
	halfOpenCalls int
	nextRetryTime time.Time
	now           func() time.Time
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(settings BreakerSettings) *CircuitBreaker {
	return &CircuitBreaker{
		settings: settings.withDefaults(),
		state:    CircuitBreakerClosed,
		now:      time.Now,
	}
}

// CanExecute reports whether a request may proceed. An open breaker whose
// reset timeout has passed moves to half-open and admits a probe.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitBreakerClosed:
		return true
	case CircuitBreakerOpen:
		if cb.now().Before(cb.nextRetryTime) {
			return false
		}
		cb.state = CircuitBreakerHalfOpen
		cb.halfOpenCalls = 0
		fallthrough
	case CircuitBreakerHalfOpen:
		if cb.halfOpenCalls >= cb.settings.HalfOpenMaxCalls {
			return false
		}
		cb.halfOpenCalls++
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful request. A half-open breaker closes.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitBreakerOpen {
		return
	}
	cb.failures = 0
	cb.halfOpenCalls = 0
	cb.state = CircuitBreakerClosed
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	switch cb.state {
	case CircuitBreakerClosed:
		if cb.failures >= cb.settings.MaxFailures {
			cb.trip()
		}
	case CircuitBreakerHalfOpen:
		cb.trip()
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = CircuitBreakerOpen
	cb.halfOpenCalls = 0
	cb.nextRetryTime = cb.now().Add(cb.settings.ResetTimeout)
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
