package steps

import (
	"context"
	"math"
	"slices"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/samber/lo"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/pkg/schema"
)

// transformStep evaluates a value, pipes it through filters and optionally
// stores the result in a variable:
//
//	transform integer total = ${items} | sum
//	transform ${response} | jq .items | size
type transformStep struct{}

func (transformStep) Type() string { return "transform" }
func (transformStep) ShorthandTemplate() string {
	return "[[${variable.type}] ${variable.name} =] ${value...} [| ${transform...}]"
}
func (transformStep) RawInputs() []string { return []string{"value"} }

func (transformStep) ParseShorthand(text string) (map[string]any, error) {
	valuePart, filters := splitPipes(text)
	out := map[string]any{}
	if a, ok := parseAssignment(valuePart); ok {
		variable := map[string]any{"name": a.name}
		if a.typeName != "" {
			variable["type"] = a.typeName
		}
		out["variable"] = variable
		valuePart = a.value
	}
	if strings.TrimSpace(valuePart) == "" {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "invalid transform %q: missing value", text)
	}
	out["value"] = strings.TrimSpace(valuePart)
	if len(filters) > 0 {
		out["transform"] = strings.Join(filters, " | ")
	}
	return out, nil
}

func (transformStep) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	if !inv.Has("value") {
		return nil, inv.Invalid("transform requires a value")
	}
	v, err := inv.Evaluate(ctx, "value")
	if err != nil {
		return nil, err
	}

	for _, f := range filterList(inv.Input["transform"]) {
		if v, err = applyFilter(ctx, inv, f, v); err != nil {
			return nil, err
		}
	}

	if _, ok := inv.Input["variable"]; !ok {
		return &Result{Value: v}, nil
	}
	ref, err := parseAttrRef(inv, "variable")
	if err != nil {
		return nil, err
	}
	if ref.typeName != "" {
		if v, err = expressions.Coerce(v, ref.typeName); err != nil {
			return nil, err
		}
	}
	setVariable(ctx, inv.Vars, ref.name, v)
	return &Result{Value: v}, nil
}

// splitPipes splits "value | f1 | f2" at top-level pipes. A jq filter takes
// the rest of the line, pipes included.
func splitPipes(text string) (string, []string) {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(text); i++ {
		switch {
		case text[i] == '$' && i+1 < len(text) && text[i+1] == '{':
			depth++
			i++
		case text[i] == '}' && depth > 0:
			depth--
		case text[i] == '|' && depth == 0:
			if i+1 < len(text) && text[i+1] == '|' {
				i++
				continue
			}
			parts = append(parts, text[start:i])
			start = i + 1
			if isJQ(text[start:]) {
				parts = append(parts, text[start:])
				start = len(text)
				i = len(text)
			}
		}
	}
	if start < len(text) {
		parts = append(parts, text[start:])
	}
	if len(parts) == 0 {
		return text, nil
	}
	filters := make([]string, 0, len(parts)-1)
	for _, p := range parts[1:] {
		if p = strings.TrimSpace(p); p != "" {
			filters = append(filters, p)
		}
	}
	return strings.TrimSpace(parts[0]), filters
}

func isJQ(filter string) bool {
	f := strings.TrimSpace(filter)
	return f == "jq" || strings.HasPrefix(f, "jq ")
}

func filterList(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return lo.Map(t, func(item any, _ int) string { return strings.TrimSpace(expressions.Stringify(item)) })
	}
	_, filters := splitPipes("_|" + expressions.Stringify(v))
	return filters
}

func applyFilter(ctx context.Context, inv *Invocation, filter string, v any) (any, error) {
	name, arg, _ := strings.Cut(strings.TrimSpace(filter), " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "trim":
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s), nil
		}
		return v, nil
	case "json", "yaml":
		if _, ok := v.(string); ok {
			return expressions.Coerce(v, name)
		}
		return v, nil
	case "to_json":
		b, err := json.Marshal(v)
		if err != nil {
			return nil, inv.Fail("cannot render %T as json: %s", v, err).WithCause(err)
		}
		return string(b), nil
	case "to_yaml":
		b, err := yaml.Marshal(v)
		if err != nil {
			return nil, inv.Fail("cannot render %T as yaml: %s", v, err).WithCause(err)
		}
		return string(b), nil
	case "type":
		return expressions.Coerce(v, arg)
	case "string", "integer", "int", "long", "float", "double", "number", "boolean", "bool", "map", "list":
		return expressions.Coerce(v, filter)
	case "first", "last":
		list, err := asList(inv, name, v)
		if err != nil || len(list) == 0 {
			return nil, err
		}
		if name == "first" {
			return list[0], nil
		}
		return list[len(list)-1], nil
	case "min", "max", "sum", "average":
		list, err := asList(inv, name, v)
		if err != nil {
			return nil, err
		}
		return aggregate(inv, name, list)
	case "size":
		switch t := v.(type) {
		case string:
			return len(t), nil
		case []any:
			return len(t), nil
		case map[string]any:
			return len(t), nil
		case nil:
			return 0, nil
		}
		return nil, inv.Fail("size is not defined for %T", v)
	case "reverse":
		list, err := asList(inv, name, v)
		if err != nil {
			return nil, err
		}
		out := slices.Clone(list)
		slices.Reverse(out)
		return out, nil
	case "unique":
		list, err := asList(inv, name, v)
		if err != nil {
			return nil, err
		}
		return lo.UniqBy(list, expressions.Stringify), nil
	case "join":
		list, err := asList(inv, name, v)
		if err != nil {
			return nil, err
		}
		return strings.Join(lo.Map(list, func(item any, _ int) string { return expressions.Stringify(item) }), unquote(arg)), nil
	case "split":
		s := expressions.Stringify(v)
		var parts []string
		if sep := unquote(arg); sep != "" {
			parts = strings.Split(s, sep)
		} else {
			parts = strings.Fields(s)
		}
		return lo.Map(parts, func(p string, _ int) any { return p }), nil
	case "to_upper_case":
		return strings.ToUpper(expressions.Stringify(v)), nil
	case "to_lower_case":
		return strings.ToLower(expressions.Stringify(v)), nil
	case "jq":
		if inv.JQ == nil {
			return nil, inv.Invalid("jq transforms are not enabled")
		}
		return inv.JQ.Query(ctx, arg, v)
	case "resolve_expression":
		s, ok := v.(string)
		if !ok {
			return v, nil
		}
		return inv.Resolver.ResolveString(ctx, inv.Scope, s)
	}
	return nil, inv.Invalid("unknown transform %q", name)
}

func asList(inv *Invocation, filter string, v any) ([]any, error) {
	switch t := v.(type) {
	case []any:
		return t, nil
	case nil:
		return nil, nil
	case string:
		decoded, err := expressions.Coerce(t, "list")
		if err == nil {
			return decoded.([]any), nil
		}
	}
	return nil, inv.Fail("%s expects a list, got %T", filter, v)
}

func aggregate(inv *Invocation, op string, list []any) (any, error) {
	if len(list) == 0 {
		if op == "sum" {
			return 0, nil
		}
		return nil, nil
	}
	nums := make([]float64, len(list))
	allInts := true
	for i, item := range list {
		f, err := cast.ToFloat64E(item)
		if err != nil {
			return nil, inv.Fail("%s: %s is not a number", op, expressions.Stringify(item))
		}
		nums[i] = f
		allInts = allInts && f == math.Trunc(f)
	}

	switch op {
	case "min", "max":
		best := 0
		for i, f := range nums {
			if (op == "min" && f < nums[best]) || (op == "max" && f > nums[best]) {
				best = i
			}
		}
		return list[best], nil
	case "sum":
		total := lo.SumBy(nums, identity)
		if allInts {
			return int(total), nil
		}
		return total, nil
	default:
		return lo.SumBy(nums, identity) / float64(len(nums)), nil
	}
}

func identity(f float64) float64 { return f }

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'') {
		return s[1 : len(s)-1]
	}
	return s
}
