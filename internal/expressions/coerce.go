package expressions

import (
	"fmt"
	"math"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/rendis/stepwise/pkg/schema"
)

// Coerce converts a resolved value to the named type. Text is first decoded
// as a structured document (YAML, or JSON for "json"); when that fails a
// permissive scalar conversion is attempted, and if that fails too the
// structured conversion's error is returned.
//
// Type names: string, integer (int, long), float (double, number), boolean
// (bool), map, list, yaml, json, any. A "trimmed" prefix trims text and keeps
// only the last YAML document, e.g. "trimmed map".
func Coerce(v any, typeName string) (any, error) {
	name, trimmed := parseTypeName(typeName)

	if s, ok := v.(string); ok && trimmed {
		v = lastDocument(s)
	}

	switch name {
	case "", "any", "object":
		return v, nil
	case "string":
		return toString(v)
	}

	structured, err := structuredConvert(v, name)
	if err == nil {
		return structured, nil
	}
	if fallback, ferr := scalarConvert(v, name); ferr == nil {
		return fallback, nil
	}
	return nil, err
}

func parseTypeName(typeName string) (string, bool) {
	fields := strings.Fields(strings.ToLower(typeName))
	trimmed := false
	var rest []string
	for _, f := range fields {
		if f == "trimmed" {
			trimmed = true
			continue
		}
		rest = append(rest, f)
	}
	name := strings.Join(rest, " ")
	switch name {
	case "int", "long":
		name = "integer"
	case "double", "number":
		name = "float"
	case "bool":
		name = "boolean"
	case "object":
		name = "any"
	}
	if strings.HasPrefix(name, "list") || strings.HasPrefix(name, "array") {
		name = "list"
	}
	if strings.HasPrefix(name, "map") {
		name = "map"
	}
	return name, trimmed
}

// lastDocument trims s and drops everything before the last "---" separator.
func lastDocument(s string) string {
	s = strings.TrimSpace(s)
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "---" {
			return strings.TrimSpace(strings.Join(lines[i+1:], "\n"))
		}
	}
	return s
}

func structuredConvert(v any, name string) (any, error) {
	decoded := v
	if s, ok := v.(string); ok {
		var out any
		var err error
		if name == "json" {
			err = json.Unmarshal([]byte(s), &out)
		} else {
			err = yaml.Unmarshal([]byte(s), &out)
		}
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStepFailed,
				"cannot convert %q to %s: %s", abbreviate(s), name, err).WithCause(err)
		}
		decoded = normalizeDecoded(out)
	}

	switch name {
	case "yaml", "json":
		return decoded, nil
	case "map":
		if m, ok := decoded.(map[string]any); ok {
			return m, nil
		}
	case "list":
		if l, ok := decoded.([]any); ok {
			return l, nil
		}
	case "integer":
		switch n := decoded.(type) {
		case int:
			return n, nil
		case int64:
			return int(n), nil
		case float64:
			if n == math.Trunc(n) {
				return int(n), nil
			}
		}
	case "float":
		switch n := decoded.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
	case "boolean":
		if b, ok := decoded.(bool); ok {
			return b, nil
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "unknown type %q", name)
	}
	return nil, schema.NewErrorf(schema.ErrCodeStepFailed,
		"cannot convert %s to %s", describe(v), name)
}

func scalarConvert(v any, name string) (any, error) {
	switch name {
	case "integer":
		return cast.ToIntE(v)
	case "float":
		return cast.ToFloat64E(v)
	case "boolean":
		return cast.ToBoolE(v)
	case "map":
		return cast.ToStringMapE(v)
	case "list":
		return cast.ToSliceE(v)
	}
	return nil, fmt.Errorf("no scalar conversion to %s", name)
}

func toString(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case nil:
		return nil, nil
	}
	return Stringify(v), nil
}

// normalizeDecoded converts YAML's map[any]any nodes into string-keyed maps.
func normalizeDecoded(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeDecoded(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[Stringify(k)] = normalizeDecoded(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = normalizeDecoded(val)
		}
		return t
	}
	return v
}

func describe(v any) string {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", abbreviate(s))
	}
	return fmt.Sprintf("%T", v)
}

func abbreviate(s string) string {
	if len(s) > 60 {
		return s[:57] + "..."
	}
	return s
}
