// Package resilience guards calls to remote endpoints, such as telemetry
// exports and peer status APIs.
//
// - Circuit Breaker pattern: stops calling an endpoint that keeps failing
// - Retry pattern: retries failed calls with exponential backoff
//
// Both are combined per endpoint by the Manager.
package resilience

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Common errors used throughout the resilience package
var (
	// ErrCircuitBreakerOpen is returned when a request is rejected because the circuit breaker is open
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
)

// RetryableError is an interface for errors that decide whether they can
// be retried
type RetryableError interface {
	error
	// IsRetryable returns true if the error can be retried, false otherwise
	IsRetryable() bool
}

// Manager keeps one circuit breaker per endpoint and a shared retry policy
type Manager struct {
	breakers      sync.Map // map[string]*CircuitBreaker
	breakerConfig CircuitBreakerConfig
	retry         *RetryPolicy
	logger        *zap.Logger
}

// NewManager creates a resilience manager
func NewManager(breakerConfig CircuitBreakerConfig, retryConfig ExponentialBackoffConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		breakerConfig: breakerConfig,
		retry:         NewRetryPolicy("remote", retryConfig, logger),
		logger:        logger,
	}
}

// CircuitBreaker returns the breaker of an endpoint, creating it on first use
func (m *Manager) CircuitBreaker(endpoint string) *CircuitBreaker {
	if cb, ok := m.breakers.Load(endpoint); ok {
		return cb.(*CircuitBreaker)
	}
	cb, loaded := m.breakers.LoadOrStore(endpoint, NewCircuitBreaker(endpoint, m.breakerConfig, m.logger))
	if !loaded {
		m.logger.Debug("Created circuit breaker", zap.String("endpoint", endpoint))
	}
	return cb.(*CircuitBreaker)
}

// Execute calls f through the endpoint's circuit breaker, retrying failures
// while the circuit stays closed
func (m *Manager) Execute(ctx context.Context, endpoint string, f func(ctx context.Context) error) error {
	cb := m.CircuitBreaker(endpoint)
	return m.retry.Execute(ctx, func(ctx context.Context) error {
		return cb.Execute(ctx, f)
	})
}

// Once calls f through the endpoint's circuit breaker without retries
func (m *Manager) Once(ctx context.Context, endpoint string, f func(ctx context.Context) error) error {
	return m.CircuitBreaker(endpoint).Execute(ctx, f)
}
