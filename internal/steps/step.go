// Package steps holds the step-type registry, shorthand parsing and the
// built-in step behaviours.
package steps

import (
	"context"
	"log/slog"

	"github.com/rendis/stepwise/internal/conditions"
	"github.com/rendis/stepwise/internal/entity"
	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/pkg/schema"
)

// Step is the behaviour behind a step type.
type Step interface {
	Type() string
	// ShorthandTemplate is the single-line syntax after the type token,
	// e.g. "${sensor.name} = ${value...}". Empty means no shorthand.
	ShorthandTemplate() string
	// Execute runs the step. A nil Result keeps the previous step's output.
	Execute(ctx context.Context, inv *Invocation) (*Result, error)
}

// RawInputs is implemented by steps that resolve some inputs themselves.
// The listed keys are passed unresolved in Invocation.Raw.
type RawInputs interface {
	RawInputs() []string
}

// ShorthandParser is implemented by steps whose single-line syntax does not
// fit a template.
type ShorthandParser interface {
	ParseShorthand(text string) (map[string]any, error)
}

// OutputApplier is implemented by steps that apply the step-level output
// themselves, so the engine must not remap their result again.
type OutputApplier interface {
	AppliesOutput(inv *Invocation) bool
}

// Result is what a step produces.
type Result struct {
	Value any
	// Return ends the enclosing workflow with Value as its output.
	Return bool
	// Retry asks the engine to re-enter the workflow per the policy.
	Retry *schema.RetryPolicy
}

// Nested describes a sub-workflow run on the invocation's entity with an
// isolated variable scope.
type Nested struct {
	Name    string
	Steps   []any
	Input   map[string]any
	Output  any
	OnError []any
}

// Runtime is the part of the engine steps may call back into.
type Runtime interface {
	RunNested(ctx context.Context, inv *Invocation, n Nested) (any, error)
}

// Invocation carries everything one step execution needs.
type Invocation struct {
	StepID string
	Def    *schema.StepDefinition
	// Bean is set when the step type is a registered workflow type.
	Bean *Bean

	// Input holds resolved inputs; Raw holds the RawInputs keys unresolved.
	Input map[string]any
	Raw   map[string]any

	Scope      *expressions.Scope
	Resolver   *expressions.Resolver
	Conditions *conditions.Evaluator
	JQ         *expressions.GoJQEngine
	Vars       *expressions.VarsLayer
	Entity     entity.Entity
	Logger     *slog.Logger
	Runtime    Runtime

	// Handling is the failure an on-error handler is running for.
	Handling error
}

// Has reports whether an input was supplied, resolved or raw.
func (inv *Invocation) Has(key string) bool {
	if _, ok := inv.Input[key]; ok {
		return true
	}
	_, ok := inv.Raw[key]
	return ok
}

// String returns a resolved input as text.
func (inv *Invocation) String(key string) string {
	v, ok := inv.Input[key]
	if !ok {
		return ""
	}
	return expressions.Stringify(v)
}

// Evaluate resolves a raw input as a value expression. Non-string raw
// values are resolved recursively.
func (inv *Invocation) Evaluate(ctx context.Context, key string) (any, error) {
	raw, ok := inv.Raw[key]
	if !ok {
		return inv.Input[key], nil
	}
	if s, ok := raw.(string); ok {
		return inv.Resolver.Evaluate(ctx, inv.Scope, s)
	}
	return inv.Resolver.Resolve(ctx, inv.Scope, raw)
}

// Fail builds a step failure labelled with the invocation's step.
func (inv *Invocation) Fail(format string, args ...any) *schema.StepwiseError {
	return schema.NewErrorf(schema.ErrCodeStepFailed, format, args...).WithStep(inv.StepID)
}

// Invalid builds a definition error labelled with the invocation's step.
func (inv *Invocation) Invalid(format string, args ...any) *schema.StepwiseError {
	return schema.NewErrorf(schema.ErrCodeDefinition, format, args...).WithStep(inv.StepID)
}
