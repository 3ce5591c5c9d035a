package resilience

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int

const (
	// CircuitBreakerStateClosed represents normal operation, requests are allowed
	CircuitBreakerStateClosed CircuitBreakerState = iota
	// CircuitBreakerStateOpen represents circuit is open, requests are rejected
	CircuitBreakerStateOpen
	// CircuitBreakerStateHalfOpen represents testing if the endpoint is healthy again
	CircuitBreakerStateHalfOpen
)

// String returns the string representation of the circuit breaker state
func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerStateClosed:
		return "closed"
	case CircuitBreakerStateOpen:
		return "open"
	case CircuitBreakerStateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig defines the configuration for a circuit breaker
type CircuitBreakerConfig struct {
	// ConsecutiveErrorsThreshold is the number of consecutive errors before opening the circuit
	ConsecutiveErrorsThreshold uint32
	// OpenTimeout is how long the circuit stays open before probing again
	OpenTimeout time.Duration
	// HalfOpenSuccessThreshold is the number of successful calls required to close the circuit from half-open state
	HalfOpenSuccessThreshold uint32
	// HalfOpenAllowedCalls is the maximum number of calls allowed in half-open state
	HalfOpenAllowedCalls uint32
}

// DefaultCircuitBreakerConfig returns the default circuit breaker configuration
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		ConsecutiveErrorsThreshold: 3,
		OpenTimeout:                2 * time.Minute,
		HalfOpenSuccessThreshold:   1,
		HalfOpenAllowedCalls:       1,
	}
}

// CircuitBreakerMetrics counts the outcomes seen by a circuit breaker
type CircuitBreakerMetrics struct {
	SuccessCount         uint64
	FailureCount         uint64
	RejectedCount        uint64
	ConsecutiveFailures  uint32
	ConsecutiveSuccesses uint32
	HalfOpenCalls        uint32
	StateTransitionCount uint64
	LastStateChange      time.Time
}

// CircuitBreaker stops calling an endpoint after repeated failures
type CircuitBreaker struct {
	endpoint string
	config   CircuitBreakerConfig
	state    CircuitBreakerState
	metrics  CircuitBreakerMetrics
	now      func() time.Time
	mu       sync.Mutex
	logger   *zap.Logger
}

// NewCircuitBreaker creates a closed circuit breaker for an endpoint
func NewCircuitBreaker(endpoint string, config CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := &CircuitBreaker{
		endpoint: endpoint,
		config:   config,
		now:      time.Now,
		logger:   logger,
	}
	cb.metrics.LastStateChange = cb.now()
	return cb
}

// WithClock overrides the time source
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
	cb.metrics.LastStateChange = now()
	return cb
}

// AllowRequest checks if a request is allowed
func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitBreakerStateOpen && cb.now().Sub(cb.metrics.LastStateChange) >= cb.config.OpenTimeout {
		cb.transitionLocked(CircuitBreakerStateHalfOpen)
	}

	switch cb.state {
	case CircuitBreakerStateOpen:
		cb.metrics.RejectedCount++
		return false
	case CircuitBreakerStateHalfOpen:
		if cb.metrics.HalfOpenCalls >= cb.config.HalfOpenAllowedCalls {
			cb.metrics.RejectedCount++
			return false
		}
		cb.metrics.HalfOpenCalls++
	}
	return true
}

// RecordSuccess records a successful request
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.metrics.SuccessCount++
	cb.metrics.ConsecutiveFailures = 0
	cb.metrics.ConsecutiveSuccesses++

	if cb.state == CircuitBreakerStateHalfOpen && cb.metrics.ConsecutiveSuccesses >= cb.config.HalfOpenSuccessThreshold {
		cb.transitionLocked(CircuitBreakerStateClosed)
	}
}

// RecordFailure records a failed request
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.metrics.FailureCount++
	cb.metrics.ConsecutiveFailures++
	cb.metrics.ConsecutiveSuccesses = 0

	switch cb.state {
	case CircuitBreakerStateClosed:
		if cb.metrics.ConsecutiveFailures >= cb.config.ConsecutiveErrorsThreshold {
			cb.transitionLocked(CircuitBreakerStateOpen)
		}
	case CircuitBreakerStateHalfOpen:
		// any failure in half-open state opens the circuit again
		cb.transitionLocked(CircuitBreakerStateOpen)
	}
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetMetrics returns a copy of the current metrics
func (cb *CircuitBreaker) GetMetrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.metrics
}

// Reset closes the circuit and clears the metrics
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitBreakerStateClosed
	cb.metrics = CircuitBreakerMetrics{LastStateChange: cb.now()}
}

func (cb *CircuitBreaker) transitionLocked(next CircuitBreakerState) {
	if cb.state == next {
		return
	}
	previous := cb.state
	cb.state = next
	cb.metrics.LastStateChange = cb.now()
	cb.metrics.StateTransitionCount++
	if next == CircuitBreakerStateHalfOpen {
		cb.metrics.HalfOpenCalls = 0
		cb.metrics.ConsecutiveSuccesses = 0
	}

	cb.logger.Info("Circuit breaker state transition",
		zap.String("endpoint", cb.endpoint),
		zap.String("from", previous.String()),
		zap.String("to", next.String()))
}

// Execute runs f unless the circuit is open and records its outcome
func (cb *CircuitBreaker) Execute(ctx context.Context, f func(ctx context.Context) error) error {
	if !cb.AllowRequest() {
		return ErrCircuitBreakerOpen
	}

	if err := f(ctx); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}
