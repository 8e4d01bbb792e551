package steps

import (
	"context"
	"errors"
	"strings"

	"github.com/spf13/cast"

	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/pkg/schema"
)

// Backoff kinds.
const (
	BackoffFixed       = "fixed"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// retryStep asks the engine to re-enter the workflow. Inside on-error it
// retries the failed step (from "here") or the workflow ("start"); elsewhere
// it is a bounded jump.
//
//	retry from start limit 3 backoff 10ms exponential max 1s
type retryStep struct{}

func (retryStep) Type() string { return "retry" }
func (retryStep) ShorthandTemplate() string {
	return "[from ${from}] [limit ${limit}] [backoff ${delay} [${backoff}] [max ${max_delay}]]"
}

func (retryStep) Execute(_ context.Context, inv *Invocation) (*Result, error) {
	policy, err := RetryPolicyFrom(inv.Input)
	if err != nil {
		var se *schema.StepwiseError
		if errors.As(err, &se) {
			return nil, se.WithStep(inv.StepID)
		}
		return nil, err
	}
	return &Result{Value: inv.Handling, Retry: policy}, nil
}

// RetryPolicyFrom builds and validates a policy from retry step inputs.
func RetryPolicyFrom(input map[string]any) (*schema.RetryPolicy, error) {
	p := &schema.RetryPolicy{
		From:     strings.TrimSpace(expressions.Stringify(input["from"])),
		Backoff:  strings.ToLower(strings.TrimSpace(expressions.Stringify(input["backoff"]))),
		Delay:    strings.TrimSpace(expressions.Stringify(input["delay"])),
		MaxDelay: strings.TrimSpace(expressions.Stringify(input["max_delay"])),
	}
	if p.From == "" {
		p.From = schema.RetryFromHere
	}
	if l, ok := input["limit"]; ok && l != nil {
		n, err := cast.ToIntE(l)
		if err != nil || n < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "invalid retry limit %v", l)
		}
		p.Limit = n
	}

	// "backoff: 5s" in map form names the delay.
	if p.Delay == "" && p.Backoff != "" {
		if _, err := schema.ParseDuration(p.Backoff); err == nil {
			p.Delay, p.Backoff = p.Backoff, ""
		}
	}
	switch p.Backoff {
	case "":
		p.Backoff = BackoffFixed
	case BackoffFixed, BackoffLinear, BackoffExponential:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeDefinition,
			"invalid retry backoff %q (want fixed, linear or exponential)", p.Backoff)
	}
	for _, d := range []string{p.Delay, p.MaxDelay} {
		if d == "" {
			continue
		}
		if _, err := schema.ParseDuration(d); err != nil {
			return nil, err
		}
	}
	return p, nil
}
