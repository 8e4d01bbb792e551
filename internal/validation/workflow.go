package validation

import (
	"errors"

	"github.com/rendis/stepwise/pkg/schema"
)

// WorkflowValidator runs the two-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (step ids, next refs, conditions, concurrency, step types)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	types      TypeLookup
}

// NewWorkflowValidator creates a WorkflowValidator.
// types may be nil to skip step type checks.
func NewWorkflowValidator(types TypeLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, types: types}, nil
}

// Validate runs the pipeline and returns an aggregated result.
// Structural errors short-circuit the semantic stage.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}
	result := structural(wv.jsonSchema.ValidateDefinition(def))
	if !result.Valid() {
		return result
	}
	result.Merge(validateSemantic(def, wv.types))
	return result
}

// ValidateDocument validates an authored mapping and decodes it.
func (wv *WorkflowValidator) ValidateDocument(doc map[string]any) (*schema.WorkflowDefinition, *schema.ValidationResult) {
	result := structural(wv.jsonSchema.ValidateDocument(doc))
	if !result.Valid() {
		return nil, result
	}
	def, err := schema.ParseWorkflow(doc)
	if err != nil {
		result.AddError("/", schema.ErrorCode(err), err.Error())
		return nil, result
	}
	result.Merge(validateSemantic(def, wv.types))
	return def, result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

// ValidateParameters delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateParameters(params map[string]schema.ParameterSpec, input map[string]any) (map[string]any, error) {
	return wv.jsonSchema.ValidateParameters(params, input)
}

// structural converts a schema validation error into a ValidationResult.
func structural(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err == nil {
		return result
	}
	var swErr *schema.StepwiseError
	if !errors.As(err, &swErr) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := swErr.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, swErr.Message)
	return result
}
