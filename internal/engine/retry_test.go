package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/stepwise/pkg/schema"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"wrapped cancel", fmt.Errorf("step: %w", context.Canceled), false},
		{"deadline", context.DeadlineExceeded, true},
		{"plain error", errors.New("boom"), true},
		{"step failed", schema.NewError(schema.ErrCodeStepFailed, "x"), true},
		{"timeout", schema.NewError(schema.ErrCodeTimeout, "x"), true},
		{"conflict", schema.NewError(schema.ErrCodeConflict, "x"), true},
		{"unresolvable", schema.NewError(schema.ErrCodeUnresolvable, "x"), true},
		{"definition", schema.NewError(schema.ErrCodeDefinition, "x"), false},
		{"validation", schema.NewError(schema.ErrCodeValidation, "x"), false},
		{"cancelled code", schema.NewError(schema.ErrCodeCancelled, "x"), false},
		{"transition", schema.NewError(schema.ErrCodeInvalidTransition, "x"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestComputeBackoff(t *testing.T) {
	tests := []struct {
		name    string
		policy  *schema.RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"nil policy", nil, 3, 0},
		{"no delay", &schema.RetryPolicy{Backoff: "exponential"}, 3, 0},
		{"bad delay", &schema.RetryPolicy{Delay: "soon"}, 0, 0},
		{"fixed", &schema.RetryPolicy{Delay: "10ms", Backoff: "fixed"}, 4, 10 * time.Millisecond},
		{"default is fixed", &schema.RetryPolicy{Delay: "10ms"}, 4, 10 * time.Millisecond},
		{"spaced unit", &schema.RetryPolicy{Delay: "10 millis"}, 0, 10 * time.Millisecond},
		{"linear", &schema.RetryPolicy{Delay: "10ms", Backoff: "linear"}, 2, 30 * time.Millisecond},
		{"exponential first", &schema.RetryPolicy{Delay: "10ms", Backoff: "exponential"}, 0, 10 * time.Millisecond},
		{"exponential third", &schema.RetryPolicy{Delay: "10ms", Backoff: "exponential"}, 3, 80 * time.Millisecond},
		{"capped", &schema.RetryPolicy{Delay: "10ms", Backoff: "exponential", MaxDelay: "25ms"}, 5, 25 * time.Millisecond},
		{"cap survives huge attempt", &schema.RetryPolicy{Delay: "1s", Backoff: "exponential", MaxDelay: "1m"}, 200, time.Minute},
		{"bad cap ignored", &schema.RetryPolicy{Delay: "10ms", Backoff: "linear", MaxDelay: "never"}, 1, 20 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeBackoff(tt.policy, tt.attempt))
		})
	}
}

func TestWaitForBackoff(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), 0))
	assert.NoError(t, WaitForBackoff(context.Background(), -time.Second))

	start := time.Now()
	assert.NoError(t, WaitForBackoff(context.Background(), 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start = time.Now()
	err := WaitForBackoff(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
