package steps

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/pkg/schema"
)

type noOpStep struct{}

func (noOpStep) Type() string              { return "no-op" }
func (noOpStep) ShorthandTemplate() string { return "" }

func (noOpStep) Execute(context.Context, *Invocation) (*Result, error) { return nil, nil }

// logStep writes a message through the engine logger.
type logStep struct{}

func (logStep) Type() string              { return "log" }
func (logStep) ShorthandTemplate() string { return "${message...}" }

func (logStep) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	if !inv.Has("message") {
		return nil, inv.Invalid("log requires a message")
	}
	level, err := parseLevel(inv.String("level"))
	if err != nil {
		return nil, inv.Invalid("%s", err)
	}
	attrs := []any{"step_id", inv.StepID}
	if c := inv.String("category"); c != "" {
		attrs = append(attrs, "category", c)
	}
	if inv.Entity != nil {
		attrs = append(attrs, "entity_id", inv.Entity.ID())
	}
	inv.Logger.Log(ctx, level, inv.String("message"), attrs...)
	return nil, nil
}

func parseLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var l slog.Level
	err := l.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(s))))
	return l, err
}

// returnStep ends the workflow with a value.
type returnStep struct{}

func (returnStep) Type() string              { return "return" }
func (returnStep) ShorthandTemplate() string { return "${value...}" }
func (returnStep) RawInputs() []string       { return []string{"value"} }

func (returnStep) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	v, err := inv.Evaluate(ctx, "value")
	if err != nil {
		return nil, err
	}
	return &Result{Value: v, Return: true}, nil
}

// failStep raises a step failure, or rethrows the failure being handled.
type failStep struct{}

func (failStep) Type() string              { return "fail" }
func (failStep) ShorthandTemplate() string { return `[?${rethrow} rethrow] [message ${message...}]` }

func (failStep) Execute(_ context.Context, inv *Invocation) (*Result, error) {
	msg := inv.String("message")
	if truthy(inv.Input["rethrow"]) && inv.Handling != nil {
		if msg == "" {
			return nil, inv.Handling
		}
		return nil, inv.Fail("%s", msg).WithCause(inv.Handling)
	}
	if msg == "" {
		msg = "workflow failed"
	}
	return nil, inv.Fail("%s", msg)
}

// sleepStep waits for a duration or until the run is cancelled.
type sleepStep struct{}

func (sleepStep) Type() string              { return "sleep" }
func (sleepStep) ShorthandTemplate() string { return "${duration...}" }

func (sleepStep) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	d, err := durationInput(inv, "duration")
	if err != nil {
		return nil, err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// waitStep blocks until a value is available: either an attribute of the
// entity or a value expression, optionally coerced.
type waitStep struct {
	defaultTimeout time.Duration
}

func (waitStep) Type() string              { return "wait" }
func (waitStep) ShorthandTemplate() string { return "[${type}] ${value...}" }
func (waitStep) RawInputs() []string       { return []string{"value"} }

func (w waitStep) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	timeout, err := timeoutInput(ctx, inv, w.defaultTimeout)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var v any
	switch {
	case inv.Has("sensor"):
		ent, eerr := targetEntity(inv, inv.Input["entity"])
		if eerr != nil {
			return nil, eerr
		}
		v, err = ent.WaitAttribute(ctx, inv.String("sensor"))
	case inv.Has("value"):
		v, err = inv.Evaluate(ctx, "value")
	default:
		return nil, inv.Invalid("wait requires a value or a sensor")
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && timeout > 0 {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "wait timed out after %s", timeout).
				WithStep(inv.StepID).WithCause(err)
		}
		return nil, err
	}
	if t := inv.String("type"); t != "" {
		if v, err = expressions.Coerce(v, t); err != nil {
			return nil, err
		}
	}
	return &Result{Value: v}, nil
}

// timeoutInput returns the step's own time limit: a timeout input, else the
// step-level timeout, else fallback.
func timeoutInput(ctx context.Context, inv *Invocation, fallback time.Duration) (time.Duration, error) {
	if inv.Has("timeout") {
		return durationInput(inv, "timeout")
	}
	if inv.Def == nil || inv.Def.Timeout == "" {
		return fallback, nil
	}
	text := inv.Def.Timeout
	if strings.Contains(text, "${") && inv.Resolver != nil {
		v, err := inv.Resolver.Resolve(ctx, inv.Scope, text)
		if err != nil {
			return 0, err
		}
		text = expressions.Stringify(v)
	}
	d, err := schema.ParseDuration(text)
	if err != nil {
		return 0, inv.Invalid("invalid timeout %q: %s", text, err)
	}
	return d, nil
}

func durationInput(inv *Invocation, key string) (time.Duration, error) {
	v, ok := inv.Input[key]
	if !ok {
		return 0, inv.Invalid("missing %s", key)
	}
	switch d := v.(type) {
	case time.Duration:
		return d, nil
	case int:
		return time.Duration(d) * time.Millisecond, nil
	case float64:
		return time.Duration(d * float64(time.Millisecond)), nil
	}
	d, err := schema.ParseDuration(expressions.Stringify(v))
	if err != nil {
		return 0, err
	}
	return d, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(strings.TrimSpace(t), "true")
	}
	return false
}
