package validation

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/stepwise/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for authored workflows. Steps are
// either shorthand strings or mappings; unknown step keys are inputs.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stepwise.dev/schemas/workflow.json",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "name": { "type": "string" },
    "description": { "type": "string" },
    "parameters": {
      "type": "object",
      "additionalProperties": { "$ref": "#/$defs/parameter" }
    },
    "steps": { "$ref": "#/$defs/steps" },
    "input": { "type": "object" },
    "output": {},
    "on-error": { "$ref": "#/$defs/handlers" },
    "timeout": { "type": "string", "minLength": 1 },
    "sensor": { "type": "string" },
    "period": { "type": "string" },
    "triggers": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    },
    "condition": {}
  },
  "additionalProperties": false,
  "$defs": {
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "handlers": {
      "type": "array",
      "items": { "$ref": "#/$defs/step" }
    },
    "step": {
      "oneOf": [
        { "type": "string", "minLength": 1 },
        {
          "type": "object",
          "properties": {
            "id": { "type": "string", "minLength": 1 },
            "name": { "type": "string" },
            "type": { "type": "string", "minLength": 1 },
            "s": { "type": "string", "minLength": 1 },
            "step": { "type": "string", "minLength": 1 },
            "input": { "type": "object" },
            "next": { "type": "string", "minLength": 1 },
            "timeout": { "type": "string", "minLength": 1 },
            "concurrency": { "type": ["string", "number"] },
            "steps": { "$ref": "#/$defs/steps" },
            "shorthand": { "type": "string" },
            "parameters": {
              "type": "object",
              "additionalProperties": { "$ref": "#/$defs/parameter" }
            }
          },
          "anyOf": [
            { "required": ["type"] },
            { "required": ["s"] },
            { "required": ["step"] }
          ]
        }
      ]
    },
    "parameter": {
      "type": ["object", "null"],
      "properties": {
        "type": { "type": "string" },
        "description": { "type": "string" },
        "default": {},
        "required": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

const workflowSchemaURL = "https://stepwise.dev/schemas/workflow.json"

// JSONSchemaValidator implements Validator using JSON Schema Draft 2020-12.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the cache of dynamically compiled schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the workflow schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	wfSchema, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument validates an authored workflow mapping before it is decoded.
func (v *JSONSchemaValidator) ValidateDocument(doc map[string]any) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow document is nil")
	}
	value, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow document").WithCause(err)
	}
	if err := v.workflowSchema.Validate(value); err != nil {
		return toStepwiseError(err)
	}
	return nil
}

// ValidateDefinition validates a decoded workflow against the workflow schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toStepwiseError(err)
	}
	return nil
}

// ValidateInput validates input against a JSON Schema given as raw bytes.
// Compiled schemas are cached by their text.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	if len(inputSchema) == 0 {
		return nil
	}
	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toStepwiseError(err)
	}
	return nil
}

// ValidateParameters checks input against declared parameters and returns
// the input with defaults applied. Undeclared inputs are passed through.
func (v *JSONSchemaValidator) ValidateParameters(params map[string]schema.ParameterSpec, input map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(input)+len(params))
	for k, val := range input {
		out[k] = val
	}
	for name, p := range params {
		if _, ok := out[name]; !ok && p.Default != nil {
			out[name] = p.Default
		}
	}
	if len(params) == 0 {
		return out, nil
	}
	raw, err := ParameterSchema(params)
	if err != nil {
		return nil, err
	}
	if err := v.ValidateInput(out, raw); err != nil {
		return nil, err
	}
	return out, nil
}

// ParameterSchema renders declared parameters as a JSON Schema document.
// Parameter types use workflow names (integer, string, map, list, ...);
// unknown or empty types accept any value.
func ParameterSchema(params map[string]schema.ParameterSpec) ([]byte, error) {
	props := make(map[string]any, len(params))
	var required []string
	for name, p := range params {
		prop := map[string]any{}
		if t := jsonType(p.Type); t != "" {
			prop["type"] = t
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[name] = prop
		if p.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	doc := map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return json.Marshal(doc)
}

func jsonType(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "string":
		return "string"
	case "integer", "int", "long":
		return "integer"
	case "number", "float", "double":
		return "number"
	case "boolean", "bool":
		return "boolean"
	case "map", "object":
		return "object"
	case "list", "array":
		return "array"
	}
	return ""
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := fmt.Sprintf("stepwise://input-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a value through JSON so numbers become json.Number,
// as the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func toStepwiseError(err error) *schema.StepwiseError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations flattens a ValidationError tree into leaf messages
// prefixed with their instance location.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
