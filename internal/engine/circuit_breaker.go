package engine

import (
	"sync"
	"time"

	"github.com/rendis/taskflow/pkg/schema"
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
	// FailureThreshold is the number of consecutive failures before opening the
	// circuit. Zero or less disables the breaker.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before going half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of trial calls allowed while half-open.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns the configuration used when none is given.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// StateChangeFunc observes circuit transitions for a task type.
type StateChangeFunc func(taskType string, from, to CircuitState)

type circuitBreaker struct {
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	halfOpenInFlight    int
}

// CircuitBreakers keeps one breaker per executor type. A type whose calls
// keep failing is short-circuited with CIRCUIT_OPEN until the cooldown ends.
type CircuitBreakers struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
	onChange StateChangeFunc
}

// NewCircuitBreakers creates a breaker set with the given config.
func NewCircuitBreakers(config CircuitBreakerConfig) *CircuitBreakers {
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakers{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// OnStateChange installs a callback invoked, outside the breaker lock, on
// every state transition. It must be set before use.
func (r *CircuitBreakers) OnStateChange(fn StateChangeFunc) {
	r.onChange = fn
}

// Allow reports whether a call to an executor of taskType may proceed.
func (r *CircuitBreakers) Allow(taskType string) error {
	if r == nil || r.config.FailureThreshold <= 0 {
		return nil
	}
	r.mu.Lock()
	cb := r.getOrCreate(taskType)
	from := cb.state
	var err error
	switch cb.state {
	case CircuitOpen:
		remaining := r.config.Cooldown - r.now().Sub(cb.openedAt)
		if remaining <= 0 {
			cb.state = CircuitHalfOpen
			cb.halfOpenInFlight = 1
			break
		}
		err = schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for executor %q after %d consecutive failures", taskType, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"type":                 taskType,
				"consecutive_failures": cb.consecutiveFailures,
				"cooldown_remaining":   remaining.String(),
			})
	case CircuitHalfOpen:
		if cb.halfOpenInFlight >= r.config.HalfOpenMax {
			err = schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for executor %q: trial calls exhausted", taskType).
				WithDetails(map[string]any{"type": taskType})
			break
		}
		cb.halfOpenInFlight++
	}
	to := cb.state
	r.mu.Unlock()

	r.changed(taskType, from, to)
	return err
}

// Record feeds the outcome of a call back into the breaker for taskType.
// Only failures the executor is responsible for should count; callers pass
// success=true for everything else.
func (r *CircuitBreakers) Record(taskType string, success bool) {
	if r == nil || r.config.FailureThreshold <= 0 {
		return
	}
	r.mu.Lock()
	cb := r.getOrCreate(taskType)
	from := cb.state
	if success {
		cb.consecutiveFailures = 0
		cb.halfOpenInFlight = 0
		cb.state = CircuitClosed
	} else {
		cb.consecutiveFailures++
		if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
			cb.state = CircuitOpen
			cb.openedAt = r.now()
			cb.halfOpenInFlight = 0
		}
	}
	to := cb.state
	r.mu.Unlock()

	r.changed(taskType, from, to)
}

// State returns the current state of the breaker for taskType.
func (r *CircuitBreakers) State(taskType string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[taskType]
	if !ok {
		return CircuitClosed
	}
	if cb.state == CircuitOpen && r.now().Sub(cb.openedAt) >= r.config.Cooldown {
		return CircuitHalfOpen
	}
	return cb.state
}

func (r *CircuitBreakers) changed(taskType string, from, to CircuitState) {
	if from != to && r.onChange != nil {
		r.onChange(taskType, from, to)
	}
}

func (r *CircuitBreakers) getOrCreate(taskType string) *circuitBreaker {
	cb, ok := r.breakers[taskType]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[taskType] = cb
	}
	return cb
}

// countsAgainstCircuit reports whether an attempt error reflects the health
// of the executor rather than the task's own inputs or cancellation.
func countsAgainstCircuit(err error) bool {
	switch schema.ErrorCode(err) {
	case schema.ErrCodeExecution, schema.ErrCodeTimeout, "":
		return err != nil
	default:
		return false
	}
}
