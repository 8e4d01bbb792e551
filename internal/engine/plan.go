package engine

import (
	"strings"

	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/pkg/schema"
)

// TypeResolver reports whether a step type token resolves. Satisfied by
// *steps.Registry.
type TypeResolver interface {
	Has(token string) bool
}

// Plan is the parsed form of a step list. Steps are visited in order unless
// a step names its successor with next.
type Plan struct {
	Steps  []*schema.StepDefinition
	Labels []string
	ids    map[string]int
}

// ParsePlan parses and checks a step list: steps must parse, ids must be
// unique, literal next targets must exist, literal concurrency and timeouts
// must parse, and every type must resolve. types may be nil to skip the
// type check.
func ParsePlan(raw []any, types TypeResolver) (*Plan, error) {
	p := &Plan{
		Steps:  make([]*schema.StepDefinition, len(raw)),
		Labels: make([]string, len(raw)),
		ids:    make(map[string]int, len(raw)),
	}

	for i, r := range raw {
		def, err := schema.ParseStep(r)
		if err != nil {
			return nil, annotate(err, i)
		}
		if def.ID != "" {
			if _, dup := p.ids[def.ID]; dup {
				return nil, schema.NewErrorf(schema.ErrCodeDefinition, "duplicate step id %q", def.ID)
			}
			p.ids[def.ID] = i
		}
		p.Steps[i] = def
		p.Labels[i] = def.Label(i)
	}

	for i, def := range p.Steps {
		if err := p.checkStep(def, types); err != nil {
			return nil, annotate(err, i).WithStep(p.Labels[i])
		}
	}
	return p, nil
}

func (p *Plan) checkStep(def *schema.StepDefinition, types TypeResolver) error {
	if types != nil && !types.Has(def.Type) {
		return schema.NewErrorf(schema.ErrCodeDefinition, "failed to resolve step: %s", def.Type)
	}
	if def.Next != "" && !isTemplate(def.Next) {
		if _, err := p.Successor(def.Next); err != nil {
			return err
		}
	}
	if def.Concurrency != nil {
		if s, ok := def.Concurrency.(string); !ok || !isTemplate(s) {
			if _, err := expressions.ParseConcurrencyValue(def.Concurrency); err != nil {
				return err
			}
		}
	}
	if def.Timeout != "" && !isTemplate(def.Timeout) {
		if _, err := schema.ParseDuration(def.Timeout); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of steps.
func (p *Plan) Len() int { return len(p.Steps) }

// Lookup returns the index of the step with the given id.
func (p *Plan) Lookup(id string) (int, bool) {
	i, ok := p.ids[id]
	return i, ok
}

// Successor maps a next value to a step index; "end" maps to Len().
func (p *Plan) Successor(next string) (int, error) {
	next = strings.TrimSpace(next)
	if next == schema.NextEnd {
		return len(p.Steps), nil
	}
	if i, ok := p.ids[next]; ok {
		return i, nil
	}
	return 0, schema.NewErrorf(schema.ErrCodeDefinition, "next references non-existent step %q", next)
}

func isTemplate(s string) bool {
	return strings.Contains(s, "${")
}

// annotate wraps err as a definition error carrying the step position.
func annotate(err error, index int) *schema.StepwiseError {
	se, ok := err.(*schema.StepwiseError)
	if !ok {
		se = schema.NewError(schema.ErrCodeDefinition, err.Error()).WithCause(err)
	}
	if se.Details == nil {
		se.Details = map[string]any{}
	}
	se.Details["index"] = index
	return se
}
