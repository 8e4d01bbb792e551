package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_WarningsKeepItValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())

	r.AddWarning("/triggers", ErrCodeValidation, "triggers without a sensor never fire")
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())

	r.AddError("/steps/0/type", ErrCodeDefinition, "unknown step type \"teleport\"")
	assert.False(t, r.Valid())
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationIssue_String(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("/steps/1/next", ErrCodeDefinition, "no step \"nowhere\"")
	assert.Equal(t, `error /steps/1/next: [DEFINITION_ERROR] no step "nowhere"`, r.Errors[0].String())
}

func TestValidationResult_MergeAt(t *testing.T) {
	effector := &ValidationResult{}
	effector.AddError("/", ErrCodeDefinition, "workflow has no steps")
	effector.AddError("/steps/0", ErrCodeDefinition, "bad step")
	effector.AddWarning("steps/1", ErrCodeValidation, "unbounded retry")

	r := &ValidationResult{}
	r.MergeAt("/entities/1/effectors/restart", effector)
	r.Merge(nil)

	require.Len(t, r.Errors, 2)
	assert.Equal(t, "/entities/1/effectors/restart", r.Errors[0].Path)
	assert.Equal(t, "/entities/1/effectors/restart/steps/0", r.Errors[1].Path)
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, "/entities/1/effectors/restart/steps/1", r.Warnings[0].Path)

	r.Merge(effector)
	assert.Equal(t, "/steps/0", r.Errors[3].Path)
}

func TestJoinIssuePath(t *testing.T) {
	assert.Equal(t, "/steps/0", JoinIssuePath("", "/steps/0"))
	assert.Equal(t, "/types/0", JoinIssuePath("/types/0", "/"))
	assert.Equal(t, "/types/0", JoinIssuePath("/types/0/", ""))
	assert.Equal(t, "/types/0/plan", JoinIssuePath("/types/0/", "/plan"))
}

func TestValidationResult_ToError(t *testing.T) {
	one := &ValidationResult{}
	one.AddError("/steps/0/type", ErrCodeDefinition, "unknown step type")

	var se *StepwiseError
	require.ErrorAs(t, one.ToError(), &se)
	assert.Equal(t, ErrCodeValidation, se.Code)
	assert.Equal(t, "unknown step type", se.Message)
	assert.Equal(t, 1, se.Details["error_count"])

	many := &ValidationResult{}
	many.AddError("/", ErrCodeValidation, "err1")
	many.AddError("/", ErrCodeValidation, "err2")
	many.AddWarning("/", ErrCodeValidation, "warn1")

	require.ErrorAs(t, many.ToError(), &se)
	assert.Equal(t, "validation failed with 2 errors", se.Message)
	assert.Equal(t, 2, se.Details["error_count"])
	assert.Equal(t, 1, se.Details["warning_count"])
	assert.Len(t, se.Details["errors"], 2)
}
