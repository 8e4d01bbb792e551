package conditions

import (
	"context"
	"path"
	"reflect"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/spf13/cast"

	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/pkg/schema"
)

// test applies one predicate key to the subject.
func (e *Evaluator) test(ctx context.Context, scope *expressions.Scope, key string, raw any, subject expressions.Lookup) (bool, error) {
	switch key {
	case "not":
		holds, err := e.nested(ctx, scope, raw, subject)
		return !holds, err

	case "assert":
		holds, err := e.nested(ctx, scope, raw, subject)
		if err != nil {
			return false, err
		}
		if !holds {
			return false, schema.NewErrorf(schema.ErrCodeAssertion,
				"condition assertion failed for %s", describeSubject(subject)).
				WithDetails(map[string]any{"assert": raw})
		}
		return true, nil

	case "any", "all":
		items, ok := raw.([]any)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeDefinition,
				"unresolveable condition: %s expects a list of conditions", key)
		}
		for _, item := range items {
			holds, err := e.nested(ctx, scope, item, subject)
			if err != nil {
				return false, err
			}
			if key == "any" && holds {
				return true, nil
			}
			if key == "all" && !holds {
				return false, nil
			}
		}
		return key == "all", nil

	case "has-element":
		return e.hasElement(ctx, scope, raw, subject)

	case "size":
		n, ok := sizeOf(subject)
		if !ok {
			return false, nil
		}
		return e.nested(ctx, scope, raw, expressions.Found(n))
	}

	expected, err := e.resolver.Resolve(ctx, scope, raw)
	if err != nil {
		return false, err
	}

	switch key {
	case "cel":
		return e.evalCEL(ctx, scope, expected, subject)
	case "instance-of", "java-instance-of":
		return instanceOf(subject, expressions.Stringify(expected))
	}

	if !subject.Found {
		return false, nil
	}

	switch key {
	case "equals":
		return ValuesEqual(subject.Value, expected), nil
	case "regex":
		re, err := compileRegex(expressions.Stringify(expected))
		if err != nil {
			return false, err
		}
		return re.MatchString(subjectText(subject.Value)), nil
	case "glob":
		ok, err := path.Match(expressions.Stringify(expected), subjectText(subject.Value))
		if err != nil {
			return false, schema.NewErrorf(schema.ErrCodeDefinition, "invalid glob %q: %s", expected, err).WithCause(err)
		}
		return ok, nil
	case "less-than":
		c, ok := compare(subject.Value, expected)
		return ok && c < 0, nil
	case "less-than-or-equal-to":
		c, ok := compare(subject.Value, expected)
		return ok && c <= 0, nil
	case "greater-than":
		c, ok := compare(subject.Value, expected)
		return ok && c > 0, nil
	case "greater-than-or-equal-to":
		c, ok := compare(subject.Value, expected)
		return ok && c >= 0, nil
	case "in-range":
		bounds, ok := expected.([]any)
		if !ok || len(bounds) != 2 {
			return false, schema.NewError(schema.ErrCodeDefinition, "unresolveable condition: in-range expects [low, high]")
		}
		lo, ok1 := compare(subject.Value, bounds[0])
		hi, ok2 := compare(subject.Value, bounds[1])
		return ok1 && ok2 && lo >= 0 && hi <= 0, nil
	}
	return false, schema.NewErrorf(schema.ErrCodeDefinition, "unresolveable condition: unknown key %q", key)
}

func (e *Evaluator) hasElement(ctx context.Context, scope *expressions.Scope, raw any, subject expressions.Lookup) (bool, error) {
	if !subject.Found {
		return false, nil
	}
	var elems []any
	switch v := subject.Value.(type) {
	case []any:
		elems = v
	case map[string]any:
		for k := range v {
			elems = append(elems, k)
		}
	default:
		return false, nil
	}
	for _, el := range elems {
		holds, err := e.nested(ctx, scope, raw, expressions.Found(el))
		if err != nil {
			return false, err
		}
		if holds {
			return true, nil
		}
	}
	return false, nil
}

func (e *Evaluator) evalCEL(ctx context.Context, scope *expressions.Scope, expected any, subject expressions.Lookup) (bool, error) {
	if e.cel == nil {
		return false, schema.NewError(schema.ErrCodeDefinition, "cel conditions are not enabled")
	}
	program, ok := expected.(string)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeDefinition, "cel condition must be a string, got %T", expected)
	}

	data := map[string]any{"vars": scope.Vars()}
	if subject.Found {
		data["subject"] = celValue(subject.Value)
	}
	if l, err := scope.Lookup(ctx, "entity"); err == nil && l.Found {
		if ent, ok := expressions.AsEntity(l.Value); ok {
			data["entity"] = map[string]any{
				"id":         ent.ID(),
				"name":       ent.DisplayName(),
				"attributes": ent.Attributes(),
			}
		}
	}

	out, err := e.cel.Evaluate(ctx, program, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeStepFailed, "cel condition %q returned %T, want bool", program, out)
	}
	return b, nil
}

func celValue(v any) any {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return v
}

// regexCacheSize bounds the compiled patterns kept across evaluations.
const regexCacheSize = 256

var regexCache = mustLRU(regexCacheSize)

func mustLRU(size int) *lru.Cache {
	c, err := lru.New(size)
	if err != nil {
		panic(err)
	}
	return c
}

// compileRegex anchors pattern so it must match the whole text.
func compileRegex(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Get(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(`(?s)^(?:` + pattern + `)$`)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "invalid regex %q: %s", pattern, err).WithCause(err)
	}
	regexCache.Add(pattern, re)
	return re, nil
}

func subjectText(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return expressions.Stringify(v)
}

func describeSubject(l expressions.Lookup) string {
	if !l.Found {
		return "absent value"
	}
	if l.Value == nil {
		return "null"
	}
	return expressions.Stringify(l.Value)
}

// ValuesEqual compares deeply, treating numerically equal numbers as equal and
// comparing scalars to strings by their text.
func ValuesEqual(a, b any) bool {
	if reflect.DeepEqual(normalize(a), normalize(b)) {
		return true
	}
	as, aText := a.(string)
	bs, bText := b.(string)
	switch {
	case aText && bText:
		return false
	case aText && isScalar(b):
		return as == subjectText(b)
	case bText && isScalar(a):
		return bs == subjectText(a)
	}
	return false
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, map[string]any, map[any]any, []any:
		return false
	}
	return true
}

// normalize converts numbers to float64 so reflect.DeepEqual works across
// integer and float representations.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	case bool, string:
		return v
	}
	if f, ok := toFloat(v); ok {
		return f
	}
	return v
}

func toFloat(v any) (float64, bool) {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return cast.ToFloat64(v), true
	}
	return 0, false
}

// compare orders two values numerically when both read as numbers, otherwise
// by their text.
func compare(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	af, aerr := cast.ToFloat64E(a)
	bf, berr := cast.ToFloat64E(b)
	_, aBool := a.(bool)
	_, bBool := b.(bool)
	if aerr == nil && berr == nil && !aBool && !bBool {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	return strings.Compare(subjectText(a), subjectText(b)), true
}

func sizeOf(l expressions.Lookup) (int, bool) {
	if !l.Found {
		return 0, false
	}
	switch v := l.Value.(type) {
	case string:
		return len(v), true
	case []any:
		return len(v), true
	case map[string]any:
		return len(v), true
	}
	return 0, false
}

func instanceOf(l expressions.Lookup, typeName string) (bool, error) {
	name := strings.ToLower(strings.TrimSpace(typeName))
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	if !l.Found {
		return false, nil
	}
	v := l.Value
	switch name {
	case "string":
		_, ok := v.(string)
		return ok, nil
	case "integer", "int", "long":
		switch n := v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true, nil
		case float64:
			return n == float64(int64(n)), nil
		}
		return false, nil
	case "number", "float", "double":
		_, ok := toFloat(v)
		return ok, nil
	case "boolean", "bool":
		_, ok := v.(bool)
		return ok, nil
	case "map", "object":
		_, ok := v.(map[string]any)
		return ok, nil
	case "list", "array":
		_, ok := v.([]any)
		return ok, nil
	case "entity":
		_, ok := expressions.AsEntity(v)
		return ok, nil
	case "error", "throwable", "exception":
		_, ok := v.(error)
		return ok, nil
	case "null":
		return v == nil, nil
	}
	return false, schema.NewErrorf(schema.ErrCodeDefinition, "unresolveable condition: unknown type %q", typeName)
}
