// Package resilience guards calls to a dependency that may become unavailable.
package resilience

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrCircuitBreakerOpen is returned without calling the guarded function while
// the breaker is open.
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int32

const (
	StateClosed CircuitBreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig defines configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures int
	// Cooldown is how long the circuit stays open before a probe is let through.
	Cooldown time.Duration
	// SuccessThreshold is the number of successful probes that close it again.
	SuccessThreshold int
	// IsFailure decides which errors count against the dependency. Nil counts
	// every error.
	IsFailure func(error) bool
	// Now defaults to time.Now.
	Now func() time.Time
}

// DefaultCircuitBreakerConfig returns a default configuration
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:      5,
		Cooldown:         30 * time.Second,
		SuccessThreshold: 1,
	}
}

// CircuitBreaker stops calling a failing dependency for a cooldown period.
// While half-open a single probe runs at a time.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu        sync.Mutex
	state     CircuitBreakerState
	failures  int
	successes int
	openedAt  time.Time
	probing   bool
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &CircuitBreaker{config: config}
}

// Execute calls fn unless the circuit is open. fn's error is returned as is.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.beforeRequest()
	if err != nil {
		return err
	}
	err = fn()
	cb.afterRequest(probe, err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateOpen:
		if cb.config.Now().Sub(cb.openedAt) < cb.config.Cooldown {
			return false, ErrCircuitBreakerOpen
		}
		cb.state = StateHalfOpen
		cb.successes = 0
		fallthrough
	case StateHalfOpen:
		if cb.probing {
			return false, ErrCircuitBreakerOpen
		}
		cb.probing = true
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) afterRequest(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if probe {
		cb.probing = false
	}
	failed := err != nil && (cb.config.IsFailure == nil || cb.config.IsFailure(err))
	switch {
	case failed && cb.state == StateHalfOpen:
		cb.open()
	case failed:
		cb.failures++
		if cb.failures >= cb.config.MaxFailures {
			cb.open()
		}
	case cb.state == StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
		}
	default:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) open() {
	cb.state = StateOpen
	cb.openedAt = cb.config.Now()
	cb.failures = 0
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failures counted while closed.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
