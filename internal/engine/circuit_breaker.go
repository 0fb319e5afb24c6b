package engine

import (
	"sync"
	"time"

	"github.com/rendis/replaykit/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening
	// the circuit. Zero disables the breaker.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of test requests allowed in half-open state.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns the host defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
}

// CircuitBreakerRegistry keeps one breaker per activity. Cooldowns are
// measured on the host clock.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a registry reading time from now.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig, now func() time.Time) *CircuitBreakerRegistry {
	if now == nil {
		now = time.Now
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      now,
	}
}

// AllowRequest returns nil when a call to activity may proceed, or a
// CIRCUIT_OPEN error.
func (r *CircuitBreakerRegistry) AllowRequest(activity string) error {
	if r.config.FailureThreshold <= 0 {
		return nil
	}
	cb := r.getOrCreate(activity)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailureTime)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this request is the first probe
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for activity %q after %d consecutive failures",
			activity, cb.consecutiveFailures).
			WithTarget(activity).
			WithDetails(map[string]any{
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for activity %q: probe in flight", activity).WithTarget(activity)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the activity's circuit.
func (r *CircuitBreakerRegistry) RecordSuccess(activity string) {
	cb := r.getOrCreate(activity)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failed attempt and returns the new state.
func (r *CircuitBreakerRegistry) RecordFailure(activity string) CircuitState {
	cb := r.getOrCreate(activity)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = r.now()

	if cb.state == CircuitHalfOpen ||
		(r.config.FailureThreshold > 0 && cb.consecutiveFailures >= r.config.FailureThreshold) {
		cb.state = CircuitOpen
	}
	return cb.state
}

// GetState returns the current state of the circuit for an activity.
func (r *CircuitBreakerRegistry) GetState(activity string) CircuitState {
	cb := r.getOrCreate(activity)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailureTime) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

// GetStats returns diagnostic information about a circuit breaker.
func (r *CircuitBreakerRegistry) GetStats(activity string) map[string]any {
	cb := r.getOrCreate(activity)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"activity":             activity,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    r.config.FailureThreshold,
		"cooldown":             r.config.Cooldown.String(),
	}
}

func (r *CircuitBreakerRegistry) getOrCreate(activity string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[activity]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[activity] = cb
	}
	return cb
}
