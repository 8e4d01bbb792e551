package steps

import (
	"context"

	"github.com/rendis/stepwise/pkg/schema"
)

// ParameterValidator checks inputs against declared parameters and applies
// their defaults.
type ParameterValidator interface {
	ValidateParameters(params map[string]schema.ParameterSpec, input map[string]any) (map[string]any, error)
}

// workflowStep runs a nested workflow: either the steps declared inline on
// the step, or the body of a registered workflow type.
type workflowStep struct {
	params ParameterValidator
}

func (*workflowStep) Type() string              { return TypeWorkflow }
func (*workflowStep) ShorthandTemplate() string { return "" }

// AppliesOutput is true for inline workflows, whose output block is
// evaluated inside the nested run.
func (*workflowStep) AppliesOutput(inv *Invocation) bool { return inv.Bean == nil }

func (s *workflowStep) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	if inv.Runtime == nil {
		return nil, inv.Fail("nested workflows are not supported here")
	}

	n, err := s.nested(inv)
	if err != nil {
		return nil, err
	}
	out, err := inv.Runtime.RunNested(ctx, inv, n)
	if err != nil {
		return nil, err
	}
	return &Result{Value: out}, nil
}

func (s *workflowStep) nested(inv *Invocation) (Nested, error) {
	if inv.Bean == nil {
		if len(inv.Def.Parameters) > 0 {
			return Nested{}, inv.Invalid("parameters can only be declared when registering a workflow type")
		}
		if len(inv.Def.Steps) == 0 {
			return Nested{}, inv.Invalid("workflow step declares no steps")
		}
		return Nested{
			Name:   inv.StepID,
			Steps:  inv.Def.Steps,
			Input:  inv.Input,
			Output: inv.Def.Output,
		}, nil
	}

	if len(inv.Def.Steps) > 0 {
		return Nested{}, inv.Invalid("steps cannot be redefined when using workflow type %s", inv.Bean.Name)
	}
	input := inv.Input
	if s.params != nil {
		validated, err := s.params.ValidateParameters(inv.Bean.Def.Parameters, inv.Input)
		if err != nil {
			if se, ok := err.(*schema.StepwiseError); ok {
				return Nested{}, se.WithStep(inv.StepID)
			}
			return Nested{}, err
		}
		input = validated
	}
	return Nested{
		Name:    inv.Bean.Name,
		Steps:   inv.Bean.Def.Steps,
		Input:   input,
		Output:  inv.Bean.Def.Output,
		OnError: inv.Bean.Def.OnError,
	}, nil
}
