package expressions

import (
	"context"
	"strconv"
	"strings"
	"sync"
)

// Lookup is the tagged result of resolving a name: Found distinguishes an
// absent name from one bound to nil.
type Lookup struct {
	Value any
	Found bool
}

// Found wraps a present value.
func Found(v any) Lookup { return Lookup{Value: v, Found: true} }

// NotFound is the result for an absent name.
var NotFound = Lookup{}

// Layer resolves the first segment of a dotted path.
type Layer interface {
	Lookup(ctx context.Context, name string) (Lookup, error)
}

// NamedFields is implemented by values that expose named fields to path
// traversal without reflection (entities, attribute views, config views).
type NamedFields interface {
	Field(ctx context.Context, name string) (Lookup, error)
}

// LayerFunc adapts a function to the Layer interface.
type LayerFunc func(ctx context.Context, name string) (Lookup, error)

func (f LayerFunc) Lookup(ctx context.Context, name string) (Lookup, error) { return f(ctx, name) }

// MapLayer is a read-only layer over a plain mapping.
type MapLayer map[string]any

func (m MapLayer) Lookup(_ context.Context, name string) (Lookup, error) {
	v, ok := m[name]
	if !ok {
		return NotFound, nil
	}
	return Found(v), nil
}

// VarsLayer holds mutable workflow scratch variables over read-only inputs.
// Variables shadow inputs of the same name.
type VarsLayer struct {
	mu     sync.RWMutex
	vars   map[string]any
	inputs map[string]any
}

// NewVarsLayer creates a scratch layer. Both maps are copied.
func NewVarsLayer(vars, inputs map[string]any) *VarsLayer {
	v := DeepCopyMap(vars)
	if v == nil {
		v = make(map[string]any)
	}
	return &VarsLayer{vars: v, inputs: DeepCopyMap(inputs)}
}

func (l *VarsLayer) Lookup(_ context.Context, name string) (Lookup, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if v, ok := l.vars[name]; ok {
		return Found(v), nil
	}
	if v, ok := l.inputs[name]; ok {
		return Found(v), nil
	}
	return NotFound, nil
}

// Set assigns a scratch variable.
func (l *VarsLayer) Set(name string, value any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.vars[name] = value
}

// Vars returns a deep copy of the scratch variables.
func (l *VarsLayer) Vars() map[string]any {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return DeepCopyMap(l.vars)
}

// Inputs returns a deep copy of the inputs.
func (l *VarsLayer) Inputs() map[string]any {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return DeepCopyMap(l.inputs)
}

// Scope is an ordered list of layers; earlier layers take precedence.
type Scope struct {
	layers []Layer
}

// NewScope creates a scope from layers in precedence order.
func NewScope(layers ...Layer) *Scope {
	return &Scope{layers: layers}
}

// With returns a new scope whose given layers take precedence over s.
func (s *Scope) With(layers ...Layer) *Scope {
	out := make([]Layer, 0, len(layers)+len(s.layers))
	out = append(out, layers...)
	out = append(out, s.layers...)
	return &Scope{layers: out}
}

// Vars merges the inputs and scratch variables of every VarsLayer in s,
// higher-precedence layers winning.
func (s *Scope) Vars() map[string]any {
	out := make(map[string]any)
	for i := len(s.layers) - 1; i >= 0; i-- {
		vl, ok := s.layers[i].(*VarsLayer)
		if !ok {
			continue
		}
		for k, v := range vl.Inputs() {
			out[k] = v
		}
		for k, v := range vl.Vars() {
			out[k] = v
		}
	}
	return out
}

// Lookup resolves a dotted path such as "entity.sensor.count" or "items[0].id".
func (s *Scope) Lookup(ctx context.Context, path string) (Lookup, error) {
	segs := SplitPath(path)
	if len(segs) == 0 {
		return NotFound, nil
	}

	var head Lookup
	for _, layer := range s.layers {
		l, err := layer.Lookup(ctx, segs[0])
		if err != nil {
			return NotFound, err
		}
		if l.Found {
			head = l
			break
		}
	}
	if !head.Found {
		return NotFound, nil
	}
	return Traverse(ctx, head.Value, segs[1:])
}

// Traverse walks path segments into maps, sequences and NamedFields values.
func Traverse(ctx context.Context, v any, segs []string) (Lookup, error) {
	cur := v
	for _, seg := range segs {
		switch t := cur.(type) {
		case NamedFields:
			l, err := t.Field(ctx, seg)
			if err != nil || !l.Found {
				return l, err
			}
			cur = l.Value
		case map[string]any:
			next, ok := t[seg]
			if !ok {
				return NotFound, nil
			}
			cur = next
		case map[any]any:
			next, ok := t[seg]
			if !ok {
				return NotFound, nil
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(t) {
				return NotFound, nil
			}
			cur = t[idx]
		default:
			return NotFound, nil
		}
	}
	return Found(cur), nil
}

// SplitPath splits "a.b[0].c" into ["a", "b", "0", "c"].
func SplitPath(path string) []string {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	path = strings.NewReplacer("[", ".", "]", "").Replace(path)
	parts := strings.Split(path, ".")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DeepCopyMap creates a deep copy of a map[string]any.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = DeepCopy(v)
	}
	return cp
}

// DeepCopy recursively copies maps and slices; other values are shared.
func DeepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return DeepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = DeepCopy(item)
		}
		return cp
	default:
		return v
	}
}
