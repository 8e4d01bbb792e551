// Package blueprint loads YAML documents describing custom step types and an
// entity tree whose effectors, sensors and policies are workflows.
package blueprint

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/rendis/stepwise/internal/validation"
	"github.com/rendis/stepwise/pkg/schema"
)

// Blueprint is a decoded blueprint document.
type Blueprint struct {
	Name     string       `mapstructure:"name"`
	Types    []TypeSpec   `mapstructure:"types" validate:"dive"`
	Entities []EntitySpec `mapstructure:"entities" validate:"dive"`
}

// TypeSpec registers a custom step type. Plan is a step mapping or a
// shorthand string, as accepted by the step registry.
type TypeSpec struct {
	Name    string `mapstructure:"name" validate:"required,excludesall= :"`
	Version string `mapstructure:"version"`
	Plan    any    `mapstructure:"plan" validate:"required"`
}

// EntitySpec describes one entity and its subtree.
type EntitySpec struct {
	ID   string `mapstructure:"id" validate:"required"`
	Name string `mapstructure:"name"`
	// Sensors are initial attribute values.
	Sensors map[string]any `mapstructure:"sensors"`
	Config  map[string]any `mapstructure:"config"`
	// Effectors maps effector names to workflow mappings. Invocation
	// parameters become the workflow input.
	Effectors map[string]map[string]any `mapstructure:"effectors" validate:"dive,keys,required,endkeys,required"`
	// Workflows are sensors (sensor set) and policies (period or triggers).
	Workflows []map[string]any `mapstructure:"workflows" validate:"dive,required"`
	Children  []EntitySpec     `mapstructure:"children" validate:"dive"`
}

var structValidator = validator.New()

// Parse decodes a YAML blueprint and checks its structure. Workflows are not
// validated here; see Validate.
func Parse(data []byte) (*Blueprint, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "invalid blueprint yaml: %s", err).WithCause(err)
	}
	if raw == nil {
		return nil, schema.NewError(schema.ErrCodeDefinition, "blueprint is empty")
	}

	var bp Blueprint
	if err := schema.Decode(raw, &bp); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "invalid blueprint: %s", err).WithCause(err)
	}
	if err := structValidator.Struct(&bp); err != nil {
		return nil, structError(err)
	}
	return &bp, nil
}

// LoadFile reads and parses a blueprint file.
func LoadFile(path string) (*Blueprint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blueprint %s: %w", path, err)
	}
	return Parse(data)
}

func structError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return schema.NewErrorf(schema.ErrCodeDefinition, "invalid blueprint: %s", err).WithCause(err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", strings.TrimPrefix(fe.Namespace(), "Blueprint."), fe.Tag()))
	}
	return schema.NewErrorf(schema.ErrCodeDefinition, "invalid blueprint: %s", strings.Join(msgs, "; ")).WithCause(err)
}

// Walk visits every entity spec depth-first with its JSON-pointer path.
func (b *Blueprint) Walk(fn func(path string, spec *EntitySpec) error) error {
	var walk func(prefix string, specs []EntitySpec) error
	walk = func(prefix string, specs []EntitySpec) error {
		for i := range specs {
			path := fmt.Sprintf("%s/%d", prefix, i)
			if err := fn(path, &specs[i]); err != nil {
				return err
			}
			if err := walk(path+"/children", specs[i].Children); err != nil {
				return err
			}
		}
		return nil
	}
	return walk("/entities", b.Entities)
}

// Validate checks entity ids and every effector and workflow. types resolves
// step types; the blueprint's own custom types are accepted in addition.
func (b *Blueprint) Validate(types validation.TypeLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	wv, err := validation.NewWorkflowValidator(b.lookup(types))
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	for i, t := range b.Types {
		if _, err := schema.ParseStep(t.Plan); err != nil {
			result.AddError(fmt.Sprintf("/types/%d/plan", i), schema.ErrorCode(err), err.Error())
		}
	}

	seen := make(map[string]string)
	_ = b.Walk(func(path string, spec *EntitySpec) error {
		if prev, dup := seen[spec.ID]; dup {
			result.AddError(path+"/id", schema.ErrCodeConflict,
				fmt.Sprintf("entity id %q already used at %s", spec.ID, prev))
		} else {
			seen[spec.ID] = path
		}
		for _, name := range sortedKeys(spec.Effectors) {
			result.MergeAt(path+"/effectors/"+name, validateWorkflow(wv, spec.Effectors[name]))
		}
		for i, wf := range spec.Workflows {
			wpath := fmt.Sprintf("%s/workflows/%d", path, i)
			res := validateWorkflow(wv, wf)
			if res.Valid() {
				checkTrigger(wpath, wf, res)
			}
			result.MergeAt(wpath, res)
		}
		return nil
	})
	return result
}

func validateWorkflow(wv *validation.WorkflowValidator, doc map[string]any) *schema.ValidationResult {
	def, err := schema.ParseWorkflow(doc)
	if err != nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrorCode(err), err.Error())
		return r
	}
	return wv.Validate(def)
}

// checkTrigger requires attached workflows to say when they run.
func checkTrigger(path string, doc map[string]any, result *schema.ValidationResult) {
	def, err := schema.ParseWorkflow(doc)
	if err != nil {
		return
	}
	if def.Sensor == "" && def.Period == "" && len(def.Triggers) == 0 {
		result.AddError("/", schema.ErrCodeDefinition,
			fmt.Sprintf("workflow at %s needs a sensor, a period or triggers", path))
	}
}

// typeLookup accepts the blueprint's custom types before they are registered.
type typeLookup struct {
	base  validation.TypeLookup
	names map[string]bool
}

func (b *Blueprint) lookup(base validation.TypeLookup) validation.TypeLookup {
	names := make(map[string]bool, len(b.Types))
	for _, t := range b.Types {
		names[t.Name] = true
	}
	return typeLookup{base: base, names: names}
}

func (l typeLookup) Has(token string) bool {
	name, _, _ := strings.Cut(token, ":")
	if l.names[name] || l.base == nil {
		return true
	}
	return l.base.Has(token)
}
