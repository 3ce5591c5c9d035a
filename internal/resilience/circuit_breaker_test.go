package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errBoom = errors.New("boom")

func failing(ctx context.Context) error { return errBoom }

func succeeding(ctx context.Context) error { return nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	now := time.Unix(1700000000, 0)
	cb := NewCircuitBreaker("telemetry-1", DefaultCircuitBreakerConfig(), zap.NewNop()).
		WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, failing), errBoom)
	}
	assert.Equal(t, CircuitBreakerStateOpen, cb.GetState())
	assert.ErrorIs(t, cb.Execute(ctx, succeeding), ErrCircuitBreakerOpen)

	metrics := cb.GetMetrics()
	assert.Equal(t, uint64(3), metrics.FailureCount)
	assert.Equal(t, uint64(1), metrics.RejectedCount)
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	now := time.Unix(1700000000, 0)
	cb := NewCircuitBreaker("telemetry-1", DefaultCircuitBreakerConfig(), zap.NewNop()).
		WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, failing)
	}
	require.Equal(t, CircuitBreakerStateOpen, cb.GetState())

	t.Run("FailureReopens", func(t *testing.T) {
		now = now.Add(3 * time.Minute)
		assert.ErrorIs(t, cb.Execute(ctx, failing), errBoom)
		assert.Equal(t, CircuitBreakerStateOpen, cb.GetState())
	})

	t.Run("SuccessCloses", func(t *testing.T) {
		now = now.Add(3 * time.Minute)
		require.True(t, cb.AllowRequest())
		assert.Equal(t, CircuitBreakerStateHalfOpen, cb.GetState())
		assert.False(t, cb.AllowRequest())

		cb.RecordSuccess()
		assert.Equal(t, CircuitBreakerStateClosed, cb.GetState())
		assert.NoError(t, cb.Execute(ctx, succeeding))
	})

	t.Run("Reset", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			_ = cb.Execute(ctx, failing)
		}
		cb.Reset()
		assert.Equal(t, CircuitBreakerStateClosed, cb.GetState())
		assert.Zero(t, cb.GetMetrics().FailureCount)
	})
}

func TestRetryPolicy_Execute(t *testing.T) {
	config := ExponentialBackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		MaxRetries:   2,
		Multiplier:   2,
	}
	ctx := context.Background()

	t.Run("SucceedsAfterFailures", func(t *testing.T) {
		p := NewRetryPolicy("test", config, zap.NewNop())
		calls := 0
		err := p.Execute(ctx, func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errBoom
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, uint64(2), p.GetMetrics().TotalRetryAttempts)
		assert.Equal(t, uint64(1), p.GetMetrics().SuccessfulRetries)
	})

	t.Run("GivesUp", func(t *testing.T) {
		p := NewRetryPolicy("test", config, zap.NewNop())
		calls := 0
		err := p.Execute(ctx, func(ctx context.Context) error {
			calls++
			return errBoom
		})
		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, 3, calls)
	})

	t.Run("Permanent", func(t *testing.T) {
		p := NewRetryPolicy("test", config, zap.NewNop())
		calls := 0
		err := p.Execute(ctx, func(ctx context.Context) error {
			calls++
			return Permanent(errBoom)
		})
		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, 1, calls)
	})

	t.Run("Cancelled", func(t *testing.T) {
		p := NewRetryPolicy("test", ExponentialBackoffConfig{InitialDelay: time.Hour, MaxDelay: time.Hour, MaxRetries: 5, Multiplier: 1}, zap.NewNop())
		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, p.Execute(cctx, failing), context.DeadlineExceeded)
	})
}

func TestManager_Execute(t *testing.T) {
	m := NewManager(
		CircuitBreakerConfig{ConsecutiveErrorsThreshold: 2, OpenTimeout: time.Hour, HalfOpenSuccessThreshold: 1, HalfOpenAllowedCalls: 1},
		ExponentialBackoffConfig{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxRetries: 5, Multiplier: 1},
		zap.NewNop(),
	)
	ctx := context.Background()

	calls := 0
	err := m.Execute(ctx, "http://a", func(ctx context.Context) error {
		calls++
		return errBoom
	})
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.Equal(t, 2, calls)
	assert.Same(t, m.CircuitBreaker("http://a"), m.CircuitBreaker("http://a"))

	assert.NoError(t, m.Once(ctx, "http://b", succeeding))
	assert.Equal(t, CircuitBreakerStateClosed, m.CircuitBreaker("http://b").GetState())
}
