package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/internal/steps"
	"github.com/rendis/stepwise/pkg/schema"
)

// errorView exposes a failure to on-error handlers as ${error}, with
// ${error.message}, ${error.code}, ${error.step} and ${error.details}.
type errorView struct {
	err *schema.StepwiseError
}

func (v errorView) Field(_ context.Context, name string) (expressions.Lookup, error) {
	switch name {
	case "message":
		return expressions.Found(v.err.Message), nil
	case "code":
		return expressions.Found(v.err.Code), nil
	case "step":
		return expressions.Found(v.err.StepID), nil
	case "details":
		return expressions.Found(v.err.Details), nil
	}
	return expressions.NotFound, nil
}

func (v errorView) String() string { return v.err.Message }
func (v errorView) Error() string  { return v.err.Message }

// handlerOutcome is what the matching on-error handler produced.
type handlerOutcome struct {
	value    any
	hasValue bool
	ret      bool
	retry    *schema.RetryPolicy
	next     string
	// key counts retries issued by this handler.
	key string
}

// handle runs the first handler whose condition matches failure. It returns
// nil when no handler matches or the failure cannot be handled.
func (x *execution) handle(ctx context.Context, handlers []any, owner string, f frame, failure *schema.StepwiseError) (*handlerOutcome, error) {
	if !failure.IsRetryable() {
		return nil, nil
	}
	view := errorView{err: failure}
	f = f.with("error", view)
	scope := x.scope(f)

	for hi, raw := range handlers {
		def, err := schema.ParseStep(raw)
		if err != nil {
			return nil, withStep(err, owner)
		}
		label := def.ID
		if label == "" {
			label = fmt.Sprintf("%s-error-handler-%d", owner, hi+1)
		}

		if def.Condition != nil {
			ok, err := x.e.conditions.Evaluate(ctx, scope, def.Condition, expressions.Found(view))
			if err != nil {
				return nil, x.classify(ctx, err, label, false, 0)
			}
			if !ok {
				continue
			}
		}

		x.emit(ctx, schema.EventErrorHandlerInvoked, owner, map[string]any{
			"handler": label,
			"error":   failure.Message,
			"code":    failure.Code,
		})
		x.e.logger.InfoContext(ctx, "error handler invoked")

		result, err := x.invoke(ctx, def, label, f, failure)
		if err != nil {
			return nil, x.classify(ctx, err, label, false, 0)
		}
		out := &handlerOutcome{next: def.Next, key: fmt.Sprintf("%s/%d", owner, hi)}
		if result != nil {
			out.value, out.hasValue = result.Value, true
			out.ret = result.Return
			out.retry = result.Retry
		}
		return out, nil
	}
	return nil, nil
}

// recover applies a step's on-error handlers to failure and returns where
// to continue. Unhandled failures are returned as is.
func (x *execution) recover(ctx context.Context, i int, def *schema.StepDefinition, label string, f frame, failure *schema.StepwiseError) (int, bool, error) {
	if len(def.OnError) == 0 || ctx.Err() != nil {
		return 0, false, failure
	}
	h, err := x.handle(ctx, def.OnError, label, f, failure)
	if err != nil {
		return 0, false, err
	}
	if h == nil {
		return 0, false, failure
	}
	if h.retry != nil {
		next, err := x.retry(ctx, i, label, h.key, h.retry, failure)
		return next, false, err
	}

	if h.hasValue {
		x.last = h.value
	}
	if h.ret {
		return x.plan.Len(), true, nil
	}
	next := h.next
	if next == "" {
		next = def.Next
	}
	if next == "" {
		return i + 1, false, nil
	}
	idx, err := x.successor(ctx, x.frame(def, i, label), next)
	if err != nil {
		return 0, false, withStep(err, label)
	}
	return idx, false, nil
}

// classify turns err into the failure recorded for label. Run-level
// cancellation and deadlines take precedence over whatever the step
// reported.
func (x *execution) classify(runCtx context.Context, err error, label string, timedOut bool, timeout time.Duration) *schema.StepwiseError {
	switch {
	case errors.Is(runCtx.Err(), context.Canceled):
		return schema.NewError(schema.ErrCodeCancelled, "workflow cancelled").WithStep(label).WithCause(err)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return schema.NewError(schema.ErrCodeTimeout, "workflow timed out").WithStep(label).WithCause(err)
	case timedOut:
		return schema.NewErrorf(schema.ErrCodeTimeout, "step timed out after %s", timeout).WithStep(label).WithCause(err)
	}

	var se *schema.StepwiseError
	if errors.As(err, &se) {
		if se.StepID == "" && label != "" {
			return se.WithStep(label)
		}
		return se
	}
	return schema.NewError(schema.ErrCodeStepFailed, err.Error()).WithStep(label).WithCause(err)
}

var _ steps.Runtime = nestedRuntime{}
