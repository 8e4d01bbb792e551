package steps

import (
	"context"

	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/pkg/schema"
)

// CollectInputs merges a step's inputs, later sources winning: custom type
// defaults, values parsed from the shorthand, then the explicit input block.
// Nested maps are merged key by key.
func CollectInputs(res *Resolution, def *schema.StepDefinition) (map[string]any, error) {
	merged := cloneMap(res.Defaults)
	if def.Args != "" {
		parsed, err := parseArgs(res, def.Args)
		if err != nil {
			return nil, err
		}
		merged = MergeInputs(merged, parsed)
	}
	merged = MergeInputs(merged, def.Input)
	if merged == nil {
		merged = map[string]any{}
	}
	return merged, nil
}

// MergeInputs deep-merges over onto base and returns the result. Neither
// argument is modified.
func MergeInputs(base, over map[string]any) map[string]any {
	if len(over) == 0 {
		return cloneMap(base)
	}
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		bm, bok := out[k].(map[string]any)
		om, ook := v.(map[string]any)
		if bok && ook {
			out[k] = MergeInputs(bm, om)
			continue
		}
		out[k] = v
	}
	return out
}

// ResolveInputs resolves inputs against scope. Keys the step declares as raw
// are returned unresolved in the second map. While one input resolves, the
// other inputs are visible to it by name.
func ResolveInputs(ctx context.Context, step Step, inputs map[string]any, scope *expressions.Scope, resolver *expressions.Resolver) (map[string]any, map[string]any, error) {
	rawKeys := map[string]bool{}
	if r, ok := step.(RawInputs); ok {
		for _, k := range r.RawInputs() {
			rawKeys[k] = true
		}
	}

	layer := &inputLayer{
		inputs:   inputs,
		raw:      rawKeys,
		resolved: make(map[string]any, len(inputs)),
		active:   map[string]bool{},
		resolver: resolver,
	}
	layer.scope = scope.With(layer)

	resolved := make(map[string]any, len(inputs))
	raw := make(map[string]any)
	for k, v := range inputs {
		if rawKeys[k] {
			raw[k] = v
			continue
		}
		l, err := layer.Lookup(ctx, k)
		if err != nil {
			return nil, nil, err
		}
		if l.Found {
			resolved[k] = l.Value
		} else {
			resolved[k] = v
		}
	}
	return resolved, raw, nil
}

// inputLayer resolves step inputs lazily so inputs can refer to each other.
// An input being resolved is hidden from itself, so "x: ${x}" reads the
// enclosing scope.
type inputLayer struct {
	inputs   map[string]any
	raw      map[string]bool
	resolved map[string]any
	active   map[string]bool
	resolver *expressions.Resolver
	scope    *expressions.Scope
}

func (l *inputLayer) Lookup(ctx context.Context, name string) (expressions.Lookup, error) {
	v, ok := l.inputs[name]
	if !ok || l.raw[name] || l.active[name] {
		return expressions.NotFound, nil
	}
	if r, done := l.resolved[name]; done {
		return expressions.Found(r), nil
	}
	l.active[name] = true
	r, err := l.resolver.Resolve(ctx, l.scope, v)
	delete(l.active, name)
	if err != nil {
		return expressions.NotFound, err
	}
	l.resolved[name] = r
	return expressions.Found(r), nil
}
