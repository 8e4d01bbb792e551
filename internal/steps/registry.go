package steps

import (
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/rendis/stepwise/pkg/schema"
)

// TypeWorkflow is the built-in type that runs a nested workflow.
const TypeWorkflow = "workflow"

// maxExtendDepth bounds chains of custom types extending custom types.
const maxExtendDepth = 16

// Bean is a registered custom step type: a reusable step or workflow
// definition with its own parameters and shorthand.
type Bean struct {
	Name    string
	Version string
	Def     *schema.StepDefinition
}

// IsWorkflow reports whether the bean is a workflow-typed definition.
func (b *Bean) IsWorkflow() bool { return b.Def.Type == TypeWorkflow }

// Resolution is a step type token resolved against the registry.
type Resolution struct {
	Name      string
	Step      Step
	Shorthand string
	// Defaults are inputs contributed by custom type definitions.
	Defaults map[string]any
	// Bean is set for workflow-typed custom types.
	Bean *Bean
}

// TypeInfo summarises a registered type for listing.
type TypeInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version,omitempty"`
	Custom    bool   `json:"custom,omitempty"`
	Shorthand string `json:"shorthand,omitempty"`
}

// Registry maps step type names to built-in behaviours and registered
// custom types. Registration normally happens at start-up; lookups are
// concurrent.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]Step
	beans map[string][]*Bean
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		steps: make(map[string]Step),
		beans: make(map[string][]*Bean),
	}
}

// Register adds a built-in behaviour. Returns an error on duplicate names.
func (r *Registry) Register(step Step) error {
	if step == nil {
		return schema.NewError(schema.ErrCodeValidation, "step is nil")
	}
	name := step.Type()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "step type name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.steps[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "step type %q already registered", name)
	}
	if _, exists := r.beans[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "step type %q already registered as a custom type", name)
	}
	r.steps[name] = step
	return nil
}

// RegisterType registers a custom type from an authored plan: a step
// mapping, a shorthand string or a parsed *schema.StepDefinition.
func (r *Registry) RegisterType(name, version string, plan any) error {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, " \t:") {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid custom type name %q", name)
	}

	def, ok := plan.(*schema.StepDefinition)
	if !ok {
		var err error
		if def, err = schema.ParseStep(plan); err != nil {
			return err
		}
	}
	if def.Type == TypeWorkflow && len(def.Steps) == 0 {
		return schema.NewErrorf(schema.ErrCodeDefinition, "custom workflow type %q declares no steps", name)
	}
	if def.Type == name {
		return schema.NewErrorf(schema.ErrCodeDefinition, "custom type %q cannot extend itself", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.steps[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "custom type %q would shadow a built-in step", name)
	}
	for _, b := range r.beans[name] {
		if b.Version == version {
			return schema.NewErrorf(schema.ErrCodeConflict, "custom type %s:%s already registered", name, version)
		}
	}
	r.beans[name] = append(r.beans[name], &Bean{Name: name, Version: version, Def: def})
	return nil
}

// Resolve looks up a type token: "name" picks the latest registered version,
// "name:version" an exact one.
func (r *Registry) Resolve(token string) (*Resolution, error) {
	return r.resolve(token, 0)
}

func (r *Registry) resolve(token string, depth int) (*Resolution, error) {
	if depth > maxExtendDepth {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "custom type chain too deep at %q", token)
	}
	name, version, _ := strings.Cut(strings.TrimSpace(token), ":")

	r.mu.RLock()
	step := r.steps[name]
	bean := r.pick(name, version)
	r.mu.RUnlock()

	if bean == nil {
		if step == nil || version != "" {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "failed to resolve step: %s", token)
		}
		return &Resolution{Name: name, Step: step, Shorthand: step.ShorthandTemplate()}, nil
	}

	if bean.IsWorkflow() {
		wf, err := r.resolve(TypeWorkflow, depth+1)
		if err != nil {
			return nil, err
		}
		return &Resolution{
			Name:      name,
			Step:      wf.Step,
			Shorthand: bean.Def.ShorthandTemplate,
			Defaults:  cloneMap(bean.Def.Input),
			Bean:      bean,
		}, nil
	}

	base, err := r.resolve(bean.Def.Type, depth+1)
	if err != nil {
		return nil, err
	}
	defaults := cloneMap(base.Defaults)
	if bean.Def.Args != "" {
		parsed, err := parseArgs(base, bean.Def.Args)
		if err != nil {
			return nil, err
		}
		defaults = MergeInputs(defaults, parsed)
	}
	defaults = MergeInputs(defaults, bean.Def.Input)

	res := &Resolution{
		Name:      name,
		Step:      base.Step,
		Shorthand: base.Shorthand,
		Defaults:  defaults,
		Bean:      base.Bean,
	}
	if bean.Def.ShorthandTemplate != "" {
		res.Shorthand = bean.Def.ShorthandTemplate
	}
	return res, nil
}

// pick returns the requested bean version, or the latest. Callers hold mu.
func (r *Registry) pick(name, version string) *Bean {
	versions := r.beans[name]
	if len(versions) == 0 {
		return nil
	}
	if version == "" {
		return versions[len(versions)-1]
	}
	b, _ := lo.Find(versions, func(b *Bean) bool { return b.Version == version })
	return b
}

// Has reports whether a type token resolves.
func (r *Registry) Has(token string) bool {
	_, err := r.Resolve(token)
	return err == nil
}

// List returns built-in and custom types sorted by name then version.
func (r *Registry) List() []TypeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]TypeInfo, 0, len(r.steps)+len(r.beans))
	for name, s := range r.steps {
		infos = append(infos, TypeInfo{Name: name, Shorthand: s.ShorthandTemplate()})
	}
	for _, versions := range r.beans {
		for _, b := range versions {
			infos = append(infos, TypeInfo{Name: b.Name, Version: b.Version, Custom: true, Shorthand: b.Def.ShorthandTemplate})
		}
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Name != infos[j].Name {
			return infos[i].Name < infos[j].Name
		}
		return infos[i].Version < infos[j].Version
	})
	return infos
}

// Count returns the number of registered names.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.steps) + len(r.beans)
}

// parseArgs parses shorthand text for a resolved type.
func parseArgs(res *Resolution, args string) (map[string]any, error) {
	if p, ok := res.Step.(ShorthandParser); ok && res.Bean == nil && res.Shorthand == res.Step.ShorthandTemplate() {
		return p.ParseShorthand(args)
	}
	if res.Shorthand == "" {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "step type %s does not accept shorthand arguments %q", res.Name, args)
	}
	return ParseShorthand(res.Name, res.Shorthand, args)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
