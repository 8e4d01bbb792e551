package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStepwiseError_Format(t *testing.T) {
	err := NewError(ErrCodeStepFailed, "boom").WithStep("s1")
	assert.Equal(t, "[STEP_FAILED] step s1: boom", err.Error())
	assert.Equal(t, "[TIMEOUT_ERROR] slow", NewError(ErrCodeTimeout, "slow").Error())
}

func TestStepwiseError_Chain(t *testing.T) {
	root := errors.New("root")
	inner := NewError(ErrCodeUnresolvable, "missing x").WithCause(root)
	outer := NewErrorf(ErrCodeStepFailed, "nested: %s", inner.Message).WithCause(inner)
	wrapped := fmt.Errorf("ctx: %w", outer)

	assert.ErrorIs(t, wrapped, root)
	assert.Equal(t, ErrCodeStepFailed, ErrorCode(wrapped))
	assert.True(t, IsCode(wrapped, ErrCodeUnresolvable))
	assert.False(t, IsCode(wrapped, ErrCodeTimeout))
	assert.Equal(t, "", ErrorCode(root))
}

func TestStepwiseError_IsRetryable(t *testing.T) {
	assert.False(t, NewError(ErrCodeDefinition, "x").IsRetryable())
	assert.False(t, NewError(ErrCodeCancelled, "x").IsRetryable())
	assert.True(t, NewError(ErrCodeUnresolvable, "x").IsRetryable())
	assert.True(t, NewError(ErrCodeConflict, "x").IsRetryable())
	assert.True(t, NewError(ErrCodeTimeout, "x").IsRetryable())
}
