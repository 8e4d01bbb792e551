package validation

import "github.com/rendis/stepwise/pkg/schema"

// Validator checks workflow definitions before they run.
// Uses JSON Schema Draft 2020-12 for document structure and inputs.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// TypeLookup reports whether a step type name can be resolved.
type TypeLookup interface {
	Has(name string) bool
}
