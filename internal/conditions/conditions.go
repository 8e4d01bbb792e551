package conditions

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/stepwise/internal/entity"
	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/pkg/schema"
)

// Keys that select the subject of a condition rather than test it.
const (
	KeyTarget = "target"
	KeySensor = "sensor"
	KeyConfig = "config"
	KeyWhen   = "when"
)

// When values.
const (
	WhenPresent        = "present"
	WhenAbsent         = "absent"
	WhenPresentNonNull = "present_non_null"
	WhenAbsentOrNull   = "absent_or_null"
)

// testKeys lists the predicate keys in evaluation order. Keys are ANDed.
var testKeys = []string{
	"instance-of", "java-instance-of",
	"assert",
	"equals", "regex", "glob",
	"less-than", "less-than-or-equal-to", "greater-than", "greater-than-or-equal-to", "in-range",
	"has-element", "size",
	"not", "any", "all",
	"cel",
}

var knownKeys = func() map[string]bool {
	m := map[string]bool{KeyTarget: true, KeySensor: true, KeyConfig: true, KeyWhen: true}
	for _, k := range testKeys {
		m[k] = true
	}
	return m
}()

// Evaluator evaluates structured conditions against a resolved subject.
// Thread-safe.
type Evaluator struct {
	resolver *expressions.Resolver
	cel      *expressions.CELEngine
}

// NewEvaluator creates an Evaluator. cel may be nil, in which case "cel"
// predicates are rejected as definition errors.
func NewEvaluator(resolver *expressions.Resolver, cel *expressions.CELEngine) *Evaluator {
	if resolver == nil {
		resolver = expressions.NewResolver()
	}
	return &Evaluator{resolver: resolver, cel: cel}
}

// Evaluate reports whether cond holds. A nil condition always holds.
// subject is used when the condition names no target, sensor or config of
// its own; on-error handlers pass the failure being handled.
func (e *Evaluator) Evaluate(ctx context.Context, scope *expressions.Scope, cond any, subject expressions.Lookup) (bool, error) {
	switch c := cond.(type) {
	case nil:
		return true, nil
	case bool:
		return c, nil
	case map[string]any:
		return e.evalMap(ctx, scope, c, subject)
	case map[any]any:
		return e.evalMap(ctx, scope, stringMap(c), subject)
	case []any:
		return false, schema.NewErrorf(schema.ErrCodeDefinition,
			"unresolveable condition: expected a map but got a list (%s)", firstKey(c)).
			WithDetails(map[string]any{"condition": cond})
	case string:
		v, err := e.resolver.Resolve(ctx, scope, c)
		if err != nil {
			return false, err
		}
		switch r := v.(type) {
		case map[string]any, []any, map[any]any:
			return e.Evaluate(ctx, scope, r, subject)
		}
		return Truthy(expressions.Found(v)), nil
	}
	return false, schema.NewErrorf(schema.ErrCodeDefinition,
		"unresolveable condition: unsupported %T", cond)
}

func (e *Evaluator) evalMap(ctx context.Context, scope *expressions.Scope, m map[string]any, inherited expressions.Lookup) (bool, error) {
	for k := range m {
		if !knownKeys[k] {
			return false, schema.NewErrorf(schema.ErrCodeDefinition, "unresolveable condition: unknown key %q", k)
		}
	}

	when, err := e.when(ctx, scope, m)
	if err != nil {
		return false, err
	}

	subject, err := e.subject(ctx, scope, m, inherited)
	if err != nil {
		if when != WhenAbsent && when != WhenAbsentOrNull {
			return false, err
		}
		subject = expressions.NotFound
	}

	if when != "" && !checkWhen(when, subject) {
		return false, nil
	}

	tested := when != ""
	for _, key := range testKeys {
		raw, ok := m[key]
		if !ok {
			continue
		}
		tested = true
		holds, err := e.test(ctx, scope, key, raw, subject)
		if err != nil {
			return false, err
		}
		if !holds {
			return false, nil
		}
	}
	if !tested {
		return Truthy(subject), nil
	}
	return true, nil
}

func (e *Evaluator) when(ctx context.Context, scope *expressions.Scope, m map[string]any) (string, error) {
	raw, ok := m[KeyWhen]
	if !ok {
		return "", nil
	}
	v, err := e.resolver.Resolve(ctx, scope, raw)
	if err != nil {
		return "", err
	}
	when := strings.ToLower(strings.TrimSpace(expressions.Stringify(v)))
	switch when {
	case WhenPresent, WhenAbsent, WhenPresentNonNull, WhenAbsentOrNull:
		return when, nil
	}
	return "", schema.NewErrorf(schema.ErrCodeDefinition,
		"unresolveable condition: unsupported when %q (want present, absent, present_non_null or absent_or_null)", when)
}

// subject resolves the value a condition tests. A target naming an entity
// may be combined with sensor or config to read from that entity.
func (e *Evaluator) subject(ctx context.Context, scope *expressions.Scope, m map[string]any, inherited expressions.Lookup) (expressions.Lookup, error) {
	rawTarget, hasTarget := m[KeyTarget]
	rawSensor, hasSensor := m[KeySensor]
	rawConfig, hasConfig := m[KeyConfig]

	if !hasTarget && !hasSensor && !hasConfig {
		return inherited, nil
	}

	var target any
	if hasTarget {
		v, err := e.resolver.Resolve(ctx, scope, rawTarget)
		if err != nil {
			return expressions.NotFound, err
		}
		if !hasSensor && !hasConfig {
			return expressions.Found(v), nil
		}
		target = v
	}

	ent, err := e.subjectEntity(ctx, scope, hasTarget, target)
	if err != nil {
		return expressions.NotFound, err
	}

	if hasSensor {
		name, err := e.name(ctx, scope, rawSensor)
		if err != nil {
			return expressions.NotFound, err
		}
		if v, ok := ent.Attribute(name); ok {
			return expressions.Found(v), nil
		}
		return expressions.NotFound, nil
	}

	name, err := e.name(ctx, scope, rawConfig)
	if err != nil {
		return expressions.NotFound, err
	}
	if v, ok := ent.Config(name); ok {
		return expressions.Found(v), nil
	}
	return expressions.NotFound, nil
}

func (e *Evaluator) subjectEntity(ctx context.Context, scope *expressions.Scope, hasTarget bool, target any) (entity.Entity, error) {
	if hasTarget {
		ent, ok := expressions.AsEntity(target)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition,
				"unresolveable condition: target %s is not an entity", expressions.Stringify(target))
		}
		return ent, nil
	}
	l, err := scope.Lookup(ctx, "entity")
	if err != nil {
		return nil, err
	}
	if ent, ok := expressions.AsEntity(l.Value); l.Found && ok {
		return ent, nil
	}
	return nil, schema.NewError(schema.ErrCodeDefinition,
		"unresolveable condition: sensor and config conditions need an entity")
}

func (e *Evaluator) name(ctx context.Context, scope *expressions.Scope, raw any) (string, error) {
	v, err := e.resolver.Resolve(ctx, scope, raw)
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(expressions.Stringify(v))
	if name == "" {
		return "", schema.NewError(schema.ErrCodeDefinition, "unresolveable condition: empty sensor or config name")
	}
	return name, nil
}

// nested evaluates a predicate embedded under another key. Non-map values
// are shorthand for equals.
func (e *Evaluator) nested(ctx context.Context, scope *expressions.Scope, raw any, subject expressions.Lookup) (bool, error) {
	switch raw.(type) {
	case map[string]any, map[any]any, []any:
		return e.Evaluate(ctx, scope, raw, subject)
	}
	return e.evalMap(ctx, scope, map[string]any{"equals": raw}, subject)
}

func checkWhen(when string, subject expressions.Lookup) bool {
	switch when {
	case WhenPresent:
		return subject.Found
	case WhenAbsent:
		return !subject.Found
	case WhenPresentNonNull:
		return subject.Found && subject.Value != nil
	case WhenAbsentOrNull:
		return !subject.Found || subject.Value == nil
	}
	return false
}

// Truthy reports whether a subject counts as true when a condition names no
// predicate: absent, nil, false, zero, empty and "false" are false.
func Truthy(l expressions.Lookup) bool {
	if !l.Found || l.Value == nil {
		return false
	}
	switch v := l.Value.(type) {
	case bool:
		return v
	case string:
		s := strings.TrimSpace(v)
		return s != "" && !strings.EqualFold(s, "false")
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	}
	if f, ok := toFloat(l.Value); ok {
		return f != 0
	}
	return true
}

func firstKey(list []any) string {
	for _, item := range list {
		switch m := item.(type) {
		case map[string]any:
			keys := make([]string, 0, len(m))
			for k := range m {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			if len(keys) > 0 {
				return keys[0]
			}
		case map[any]any:
			return firstKey([]any{stringMap(m)})
		default:
			return fmt.Sprint(item)
		}
	}
	return "empty list"
}

func stringMap(m map[any]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[fmt.Sprint(k)] = v
	}
	return out
}
