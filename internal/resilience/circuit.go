// Package resilience provides circuit breaker and retry patterns for calls
// to unreliable upstream services.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state, requests flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means too many failures; requests are rejected immediately.
	CircuitOpen
	// CircuitHalfOpen allows probe requests to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening
	// the circuit. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before transitioning
	// to half-open. Default: 30s.
	ResetTimeout time.Duration

	// SuccessThreshold is the number of consecutive half-open successes
	// required before closing the circuit. Default: 1.
	SuccessThreshold int

	// OnStateChange is called when the circuit transitions between states.
	OnStateChange func(name string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 1,
	}
}

// CircuitMetrics is a read-only snapshot of a breaker's counters.
type CircuitMetrics struct {
	Name                 string       `json:"name"`
	State                CircuitState `json:"-"`
	StateName            string       `json:"state"`
	ConsecutiveFailures  int          `json:"consecutive_failures"`
	ConsecutiveSuccesses int          `json:"consecutive_successes"`
	LastTransition       time.Time    `json:"last_transition"`
}

// CircuitBreaker implements the circuit breaker pattern for a single upstream.
// Any error from the wrapped call counts as a failure; distinguishing
// transient from permanent errors is the retry layer's job, not the breaker's.
type CircuitBreaker struct {
	name string
	cfg  CircuitBreakerConfig

	mu                   sync.Mutex
	state                CircuitState
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailureTime      time.Time
	lastTransition       time.Time

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCircuitBreaker creates a named circuit breaker with the given config.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	return &CircuitBreaker{
		name:    name,
		cfg:     cfg,
		state:   CircuitClosed,
		nowFunc: time.Now,
	}
}

// Name returns the upstream name this breaker protects.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn through the circuit breaker. Returns ErrCircuitOpen without
// invoking fn if the circuit is open and the reset timeout has not elapsed.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.allowRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.recordResult(err)
	return err
}

// ExecuteVal is like Execute but preserves a return value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.allowRequest(); err != nil {
		return zero, err
	}

	val, err := fn(ctx)
	cb.recordResult(err)
	return val, err
}

// State returns the current circuit state, accounting for reset-timeout expiry.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.nowFunc().Sub(cb.lastFailureTime) >= cb.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// IsOpen reports whether calls would currently be rejected.
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.State() == CircuitOpen
}

// Reset forces the circuit back to closed state with counters zeroed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	old := cb.state
	cb.state = CircuitClosed
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.lastTransition = cb.nowFunc()
	if old != CircuitClosed && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, old, CircuitClosed)
	}
}

// Metrics returns a snapshot of the breaker's counters for observability.
func (cb *CircuitBreaker) Metrics() CircuitMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitMetrics{
		Name:                 cb.name,
		State:                cb.state,
		StateName:            cb.state.String(),
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		LastTransition:       cb.lastTransition,
	}
}

func (cb *CircuitBreaker) allowRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		// Check if enough time has passed to try half-open.
		if cb.nowFunc().Sub(cb.lastFailureTime) >= cb.cfg.ResetTimeout {
			cb.transition(CircuitHalfOpen)
			return nil // Allow probe request.
		}
		return ErrCircuitOpen
	case CircuitHalfOpen:
		return nil // Allow probe request.
	default:
		return nil
	}
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		switch cb.state {
		case CircuitHalfOpen:
			cb.consecutiveSuccesses++
			if cb.consecutiveSuccesses >= cb.cfg.SuccessThreshold {
				cb.transition(CircuitClosed)
				cb.consecutiveFailures = 0
				cb.consecutiveSuccesses = 0
			}
		case CircuitClosed:
			cb.consecutiveFailures = 0
		}
		return
	}

	// Failure.
	cb.consecutiveFailures++
	cb.consecutiveSuccesses = 0
	cb.lastFailureTime = cb.nowFunc()

	switch cb.state {
	case CircuitClosed:
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		// Any failure in half-open reopens the circuit.
		cb.transition(CircuitOpen)
	}
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.lastTransition = cb.nowFunc()
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
}

// UpstreamBreakers manages circuit breakers for multiple upstream services,
// so failures against one upstream never open the breaker for another.
type UpstreamBreakers struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      CircuitBreakerConfig
}

// NewUpstreamBreakers creates a registry of per-upstream circuit breakers.
func NewUpstreamBreakers(cfg CircuitBreakerConfig) *UpstreamBreakers {
	return &UpstreamBreakers{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
	}
}

// Get returns the circuit breaker for the named upstream, creating one if needed.
func (ub *UpstreamBreakers) Get(upstream string) *CircuitBreaker {
	ub.mu.RLock()
	cb, ok := ub.breakers[upstream]
	ub.mu.RUnlock()
	if ok {
		return cb
	}

	ub.mu.Lock()
	defer ub.mu.Unlock()
	// Double-check after acquiring write lock.
	if cb, ok = ub.breakers[upstream]; ok {
		return cb
	}
	cb = NewCircuitBreaker(upstream, ub.cfg)
	ub.breakers[upstream] = cb
	return cb
}

// Metrics returns a snapshot of every registered breaker.
func (ub *UpstreamBreakers) Metrics() []CircuitMetrics {
	ub.mu.RLock()
	defer ub.mu.RUnlock()
	out := make([]CircuitMetrics, 0, len(ub.breakers))
	for _, cb := range ub.breakers {
		out = append(out, cb.Metrics())
	}
	return out
}
