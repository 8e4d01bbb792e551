package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/stepwise/internal/steps"
	"github.com/rendis/stepwise/pkg/schema"
)

// IsRetryableError reports whether on-error handlers may act on err.
// Definition, validation and transition errors are final, and so is a
// cancelled run. A step deadline is retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var se *schema.StepwiseError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return true
}

// ComputeBackoff calculates the delay before retry attempt number attempt
// (zero based). Fixed repeats the delay, linear grows it by the base each
// attempt and exponential doubles it, all capped by MaxDelay.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" {
		return 0
	}
	base, err := schema.ParseDuration(policy.Delay)
	if err != nil || base <= 0 {
		return 0
	}

	var maxDelay time.Duration
	if policy.MaxDelay != "" {
		if d, err := schema.ParseDuration(policy.MaxDelay); err == nil && d > 0 {
			maxDelay = d
		}
	}

	var delay time.Duration
	switch policy.Backoff {
	case steps.BackoffExponential:
		delay = base
		for i := 0; i < attempt; i++ {
			delay *= 2
			// Stop doubling once past the cap or on overflow.
			if delay <= 0 || (maxDelay > 0 && delay > maxDelay) {
				break
			}
		}
	case steps.BackoffLinear:
		delay = base * time.Duration(attempt+1)
	default:
		delay = base
	}

	if maxDelay > 0 && (delay > maxDelay || delay <= 0) {
		delay = maxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
