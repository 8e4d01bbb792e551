package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeDefinition        = "DEFINITION_ERROR"
	ErrCodeUnresolvable      = "UNRESOLVABLE_EXPRESSION"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeAssertion         = "ASSERTION_FAILED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
)

// nonRetryable lists codes that a retry policy never re-attempts.
var nonRetryable = map[string]bool{
	ErrCodeDefinition:        true,
	ErrCodeValidation:        true,
	ErrCodeCancelled:         true,
	ErrCodeInvalidTransition: true,
}

// StepwiseError is the structured error type for all engine operations.
type StepwiseError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *StepwiseError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *StepwiseError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether a retry policy may re-attempt after this error.
func (e *StepwiseError) IsRetryable() bool {
	return !nonRetryable[e.Code]
}

// NewError creates a new StepwiseError.
func NewError(code, message string) *StepwiseError {
	return &StepwiseError{Code: code, Message: message}
}

// NewErrorf creates a new StepwiseError with a formatted message.
func NewErrorf(code, format string, args ...any) *StepwiseError {
	return &StepwiseError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *StepwiseError) WithStep(stepID string) *StepwiseError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *StepwiseError) WithCause(err error) *StepwiseError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *StepwiseError) WithDetails(details map[string]any) *StepwiseError {
	e.Details = details
	return e
}

// ErrorCode returns the code of the outermost StepwiseError in err's chain, or "".
func ErrorCode(err error) string {
	var se *StepwiseError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsCode reports whether any StepwiseError in err's chain carries code.
func IsCode(err error, code string) bool {
	for err != nil {
		var se *StepwiseError
		if !errors.As(err, &se) {
			return false
		}
		if se.Code == code {
			return true
		}
		err = se.Cause
	}
	return false
}
