package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ExponentialBackoffConfig defines the configuration for exponential backoff
type ExponentialBackoffConfig struct {
	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration
	// MaxDelay caps a single delay
	MaxDelay time.Duration
	// MaxRetries is the maximum number of retries
	MaxRetries uint32
	// Multiplier is the multiplier for each retry
	Multiplier float64
	// Jitter indicates whether to add jitter to the delay
	Jitter bool
}

// DefaultExponentialBackoffConfig returns the default exponential backoff configuration
func DefaultExponentialBackoffConfig() ExponentialBackoffConfig {
	return ExponentialBackoffConfig{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		MaxRetries:   3,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// RetryMetrics contains metrics for a retry policy
type RetryMetrics struct {
	TotalRetryAttempts uint64
	SuccessfulRetries  uint64
	FailedRetries      uint64
	MaxRetriesObserved uint32
}

// RetryPolicy implements the retry pattern with exponential backoff
type RetryPolicy struct {
	name    string
	config  ExponentialBackoffConfig
	metrics RetryMetrics
	rand    *rand.Rand
	mu      sync.Mutex
	logger  *zap.Logger
}

// NewRetryPolicy creates a new retry policy
func NewRetryPolicy(name string, config ExponentialBackoffConfig, logger *zap.Logger) *RetryPolicy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryPolicy{
		name:   name,
		config: config,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
		logger: logger,
	}
}

// GetMetrics returns the current metrics
func (p *RetryPolicy) GetMetrics() RetryMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}

// calculateDelay returns the wait before retry number attempt
func (p *RetryPolicy) calculateDelay(attempt uint32) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	delay := float64(p.config.InitialDelay) * math.Pow(p.config.Multiplier, float64(attempt-1))
	delay = math.Min(delay, float64(p.config.MaxDelay))
	if p.config.Jitter {
		delay *= 0.8 + p.rand.Float64()*0.4
	}
	return time.Duration(delay)
}

// Execute runs f until it succeeds, returns a permanent error or runs out
// of retries. The last error is returned.
func (p *RetryPolicy) Execute(ctx context.Context, f func(ctx context.Context) error) error {
	var attempt uint32
	for {
		err := f(ctx)
		if err == nil {
			if attempt > 0 {
				p.mu.Lock()
				p.metrics.SuccessfulRetries++
				p.mu.Unlock()
				p.logger.Debug("Retry policy succeeded",
					zap.String("name", p.name),
					zap.Uint32("attempts", attempt+1))
			}
			return nil
		}

		if !IsRetryableError(err) || attempt >= p.config.MaxRetries {
			p.mu.Lock()
			p.metrics.FailedRetries++
			p.mu.Unlock()
			p.logger.Warn("Retry policy gave up",
				zap.String("name", p.name),
				zap.Uint32("attempts", attempt+1),
				zap.Error(err))
			return err
		}

		attempt++
		p.mu.Lock()
		p.metrics.TotalRetryAttempts++
		if attempt > p.metrics.MaxRetriesObserved {
			p.metrics.MaxRetriesObserved = attempt
		}
		p.mu.Unlock()

		delay := p.calculateDelay(attempt)
		p.logger.Debug("Retry policy failed attempt, retrying",
			zap.String("name", p.name),
			zap.Uint32("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// permanentError marks an error that must not be retried
type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// IsRetryable returns false
func (e permanentError) IsRetryable() bool { return false }

// Permanent wraps err so retry policies return it at once
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsRetryableError checks if an error is retryable. Errors are retryable
// unless they say otherwise, the circuit is open or the context ended.
func IsRetryableError(err error) bool {
	var re RetryableError
	if errors.As(err, &re) {
		return re.IsRetryable()
	}
	return !errors.Is(err, ErrCircuitBreakerOpen) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}
