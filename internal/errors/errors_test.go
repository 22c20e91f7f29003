package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"explicit transient", NewTransientError(errors.New("x"), "retry me"), true},
		{"explicit permanent", NewPermanentError(errors.New("x"), "give up"), false},
		{"connection refused text", errors.New("dial tcp: connection refused"), true},
		{"rate limit text", errors.New("provider rate limit reached"), true},
		{"validation", NewValidationError("channel_id", "must not be empty"), false},
		{"permission", NewPermissionError("forget", "node-1", "identity scope"), false},
		{"critical comms", NewCriticalCommunicationError("no provider"), false},
		{"plain", errors.New("something else"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
		})
	}
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("speak failed: %w", NewCriticalCommunicationError("no provider bound"))
	assert.True(t, IsCriticalCommunication(err))
	assert.False(t, IsTransient(err))

	verr := fmt.Errorf("observe: %w", NewValidationError("limit", "negative"))
	assert.True(t, IsValidation(verr))
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	_, err := RetryWithResult(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(ctx context.Context) (int, error) {
		calls++
		return 0, NewPermanentError(errors.New("bad input"), "")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryExhaustsTransientErrors(t *testing.T) {
	calls := 0
	_, err := RetryWithResult(context.Background(), RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, func(ctx context.Context) (int, error) {
		calls++
		return 0, NewTransientError(errors.New("blip"), "")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.Equal(t, 3, calls) // initial attempt + 2 retries
}

func TestRetryReturnsResultOnRecovery(t *testing.T) {
	calls := 0
	got, err := RetryWithResult(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", NewTransientError(errors.New("blip"), "")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := RetryWithResult(ctx, DefaultRetryConfig(), func(ctx context.Context) (int, error) {
		calls++
		return 0, nil
	})
	require.Error(t, err)
	assert.Equal(t, 0, calls)
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	transitions := make(chan string, 8)
	cb := NewCircuitBreaker("llm-mock", CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Cooldown:         10 * time.Millisecond,
		OnStateChange: func(from, to CircuitState, name string) {
			transitions <- fmt.Sprintf("%s->%s", from, to)
		},
	}, nil)

	boom := errors.New("boom")
	fail := func(ctx context.Context) error { return boom }

	require.Error(t, cb.Execute(context.Background(), fail))
	require.Error(t, cb.Execute(context.Background(), fail))
	assert.Equal(t, StateOpen, cb.State())

	// While open, calls are rejected with a degraded error.
	err := cb.Execute(context.Background(), fail)
	assert.True(t, IsDegraded(err))

	// After the cooldown, one probe is admitted and a success closes it.
	time.Sleep(15 * time.Millisecond)
	require.NoError(t, cb.Execute(context.Background(), func(ctx context.Context) error { return nil }))
	assert.Equal(t, StateClosed, cb.State())

	assert.Equal(t, "closed->open", <-transitions)
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("memory", CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Cooldown:         5 * time.Millisecond,
	}, nil)

	require.Error(t, cb.Execute(context.Background(), func(ctx context.Context) error { return errors.New("x") }))
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(8 * time.Millisecond)
	require.NoError(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())
	cb.Mark(errors.New("probe failed"))
	assert.Equal(t, StateOpen, cb.State())
}

func TestManagerReturnsSameBreakerPerName(t *testing.T) {
	m := NewCircuitBreakerManager(DefaultCircuitBreakerConfig(), nil)
	a := m.Get("comms")
	b := m.Get("comms")
	c := m.Get("tools")
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Len(t, m.GetMetrics(), 2)
}

func TestDescribeRendersReadableText(t *testing.T) {
	cb := NewCircuitBreaker("wise", CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Minute}, nil)
	cb.Mark(errors.New("x"))
	err := cb.Allow()
	require.Error(t, err)
	assert.Contains(t, Describe(err), "temporarily unavailable")

	assert.Contains(t, Describe(errors.New("context deadline exceeded")), "timed out")
}
