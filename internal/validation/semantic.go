package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/pkg/schema"
)

// validateSemantic checks what the JSON schema cannot express: step ids are
// unique per list, next targets exist, conditions are mappings, concurrency
// and timeouts parse, and step types resolve.
func validateSemantic(def *schema.WorkflowDefinition, lookup TypeLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := validateStepList(def.Steps, "steps", lookup, result)
	validateHandlers(def.OnError, "on-error", ids, lookup, result)

	if def.Timeout != "" && !isTemplate(def.Timeout) {
		if _, err := schema.ParseDuration(def.Timeout); err != nil {
			result.AddError("timeout", schema.ErrCodeDefinition, err.Error())
		}
	}
	if _, isList := def.Condition.([]any); isList {
		result.AddError("condition", schema.ErrCodeDefinition,
			"unresolveable condition: expected a map but got a list")
	}
	if len(def.Triggers) > 0 && def.Sensor == "" && def.Period == "" && def.Name == "" {
		result.AddWarning("triggers", schema.ErrCodeValidation,
			"triggered workflow has no name; overlapping runs cannot be told apart in logs")
	}
	return result
}

// validateStepList validates one step list and returns its id set.
func validateStepList(raw []any, path string, lookup TypeLookup, result *schema.ValidationResult) map[string]bool {
	defs := make([]*schema.StepDefinition, len(raw))
	ids := make(map[string]bool, len(raw))
	for i, r := range raw {
		stepPath := fmt.Sprintf("%s[%d]", path, i)
		def, err := schema.ParseStep(r)
		if err != nil {
			result.AddError(stepPath, schema.ErrCodeDefinition, err.Error())
			continue
		}
		defs[i] = def
		if def.ID == "" {
			continue
		}
		if ids[def.ID] {
			result.AddError(stepPath+".id", schema.ErrCodeDefinition,
				fmt.Sprintf("duplicate step id %q", def.ID))
		}
		ids[def.ID] = true
	}

	for i, def := range defs {
		if def == nil {
			continue
		}
		validateStep(def, fmt.Sprintf("%s[%d]", path, i), ids, lookup, result)
	}
	return ids
}

func validateStep(def *schema.StepDefinition, path string, ids map[string]bool, lookup TypeLookup, result *schema.ValidationResult) {
	if lookup != nil && !lookup.Has(def.Type) {
		result.AddError(path+".type", schema.ErrCodeDefinition,
			fmt.Sprintf("failed to resolve step: %s", def.Type))
	}

	if def.Next != "" && def.Next != schema.NextEnd && !isTemplate(def.Next) && !ids[def.Next] {
		result.AddError(path+".next", schema.ErrCodeDefinition,
			fmt.Sprintf("references non-existent step %q", def.Next))
	}

	if list, isList := def.Condition.([]any); isList {
		result.AddError(path+".condition", schema.ErrCodeDefinition,
			fmt.Sprintf("unresolveable condition: expected a map but got a list (%v)", firstItem(list)))
	}

	if def.Concurrency != nil {
		if s, ok := def.Concurrency.(string); !ok || !isTemplate(s) {
			if _, err := expressions.ParseConcurrencyValue(def.Concurrency); err != nil {
				result.AddError(path+".concurrency", schema.ErrCodeDefinition, err.Error())
			}
		}
		if def.Target == nil {
			result.AddWarning(path+".concurrency", schema.ErrCodeValidation,
				"concurrency has no effect without a target")
		}
	}

	if def.Timeout != "" && !isTemplate(def.Timeout) {
		if _, err := schema.ParseDuration(def.Timeout); err != nil {
			result.AddError(path+".timeout", schema.ErrCodeDefinition, err.Error())
		}
	}

	if def.Type == "workflow" {
		if len(def.Parameters) > 0 {
			result.AddError(path+".parameters", schema.ErrCodeDefinition,
				"parameters may not be set on an inline workflow step; register a custom type instead")
		}
		if len(def.Steps) > 0 {
			validateStepList(def.Steps, path+".steps", lookup, result)
		}
	}

	validateHandlers(def.OnError, path+".on-error", ids, lookup, result)
}

// validateHandlers checks on-error handlers. A handler's next refers to the
// enclosing step list.
func validateHandlers(handlers []any, path string, ids map[string]bool, lookup TypeLookup, result *schema.ValidationResult) {
	for i, raw := range handlers {
		hPath := fmt.Sprintf("%s[%d]", path, i)
		def, err := schema.ParseStep(raw)
		if err != nil {
			result.AddError(hPath, schema.ErrCodeDefinition, err.Error())
			continue
		}
		validateStep(def, hPath, ids, lookup, result)
		if def.Type == "retry" && !strings.Contains(def.Args, "limit") && def.Input["limit"] == nil {
			result.AddWarning(hPath, schema.ErrCodeValidation, "retry without a limit may loop forever")
		}
	}
}

func isTemplate(s string) bool {
	return strings.Contains(s, "${")
}

func firstItem(list []any) any {
	if len(list) == 0 {
		return "empty list"
	}
	if m, ok := list[0].(map[string]any); ok {
		for k := range m {
			return k
		}
	}
	return list[0]
}
