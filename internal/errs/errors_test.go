package errs

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"budget", fmt.Errorf("thread 2: %w", ErrIterationBudgetExceeded), KindBudgetExceeded},
		{"cancelled", ErrCancelled, KindCancelled},
		{"context cancelled", context.Canceled, KindCancelled},
		{"schema", &SchemaError{Err: errors.New("unexpected EOF")}, KindSchema},
		{"execution", &ExecutionError{Diagnostic: "KeyError: col_x"}, KindExecution},
		{"goal", &InsufficientGoalError{Question: "which dataset?"}, KindInsufficientGoal},
		{"explicit transient", NewTransientError(errors.New("x"), "x"), KindTransient},
		{"rate limit", errors.New("API error 429: rate limit exceeded"), KindTransient},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"unknown", errors.New("nil pointer"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestRecoverableAndFatal(t *testing.T) {
	assert.True(t, IsRecoverable(&SchemaError{Err: errors.New("x")}))
	assert.True(t, IsRecoverable(&ExecutionError{Diagnostic: "x"}))
	assert.False(t, IsRecoverable(ErrIterationBudgetExceeded))
	assert.True(t, IsFatal(ErrIterationBudgetExceeded))
	assert.True(t, IsFatal(ErrCancelled))
	assert.True(t, IsFatal(errors.New("defect")))
	assert.False(t, IsFatal(&InsufficientGoalError{}))
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRetryRecoversFromTransient(t *testing.T) {
	var calls int32
	got, err := RetryWithResult(context.Background(), fastRetry(), func(ctx context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return "", errors.New("503 service unavailable")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, int32(3), calls)
}

func TestRetryStopsOnPermanent(t *testing.T) {
	var calls int
	err := Retry(context.Background(), fastRetry(), func(ctx context.Context) error {
		calls++
		return &SchemaError{Err: errors.New("bad json")}
	})
	assert.Equal(t, KindSchema, Classify(err))
	assert.Equal(t, 1, calls)
}

func TestRetryExhaustionStaysTransient(t *testing.T) {
	var calls int
	err := Retry(context.Background(), fastRetry(), func(ctx context.Context) error {
		calls++
		return errors.New("connection refused")
	})
	assert.Equal(t, 3, calls)
	assert.True(t, IsTransient(err))
}

func TestRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, fastRetry(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestWithTimeoutReportsTransient(t *testing.T) {
	_, err := WithTimeout(context.Background(), 5*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	var transient *TransientError
	require.ErrorAs(t, err, &transient)
	assert.Contains(t, err.Error(), "timed out")
}

func TestBackoffIsCapped(t *testing.T) {
	cfg := RetryConfig{BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	assert.Equal(t, time.Second, backoff(0, cfg))
	assert.Equal(t, 2*time.Second, backoff(1, cfg))
	assert.Equal(t, 3*time.Second, backoff(5, cfg))
}
