package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/rendis/stepwise/internal/steps"
	"github.com/rendis/stepwise/pkg/schema"
)

// nestedRuntime runs sub-workflows for the workflow step type and custom
// workflow types. Children get their own run id and variables and share the
// invoking step's entity.
type nestedRuntime struct {
	x     *execution
	frame frame
}

func (r nestedRuntime) RunNested(ctx context.Context, inv *steps.Invocation, n steps.Nested) (any, error) {
	parent := r.x
	if parent.depth >= maxNestingDepth {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "workflows nested deeper than %d", maxNestingDepth).WithStep(inv.StepID)
	}
	plan, err := ParsePlan(n.Steps, parent.e.registry)
	if err != nil {
		return nil, withStep(err, inv.StepID)
	}

	inherit := map[string]any{}
	for _, k := range []string{"target", "target_index"} {
		if v, ok := r.frame.meta[k]; ok {
			inherit[k] = v
		}
	}
	info := RunInfo{
		RunID:        uuid.New().String(),
		ParentRunID:  parent.info.RunID,
		WorkflowName: n.Name,
	}
	if inv.Entity != nil {
		info.EntityID = inv.Entity.ID()
	}
	child := parent.e.newExecution(runSpec{
		info:    info,
		plan:    plan,
		steps:   n.Steps,
		output:  n.Output,
		onError: n.OnError,
		input:   n.Input,
		entity:  inv.Entity,
		status:  schema.WorkflowStatusNotStarted,
		depth:   parent.depth + 1,
		inherit: inherit,
	})

	res, err := parent.e.execute(ctx, child, 0, false)
	if err != nil {
		return nil, childFailure(err, inv.StepID)
	}
	return res.Output, nil
}

// childFailure reports a sub-workflow failure as a failure of the invoking
// step, keeping the child's message.
func childFailure(err error, stepID string) error {
	se, ok := err.(*schema.StepwiseError)
	if !ok {
		return schema.NewError(schema.ErrCodeStepFailed, err.Error()).WithStep(stepID).WithCause(err)
	}
	switch se.Code {
	case schema.ErrCodeDefinition, schema.ErrCodeValidation, schema.ErrCodeCancelled:
		return se
	}
	return schema.NewError(schema.ErrCodeStepFailed, se.Message).WithStep(stepID).WithCause(se)
}
