package steps

import (
	"context"
	"strings"

	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/pkg/schema"
)

// assignment is the parsed form of "[type words] name = value".
type assignment struct {
	typeName string
	name     string
	value    string
}

// parseAssignment splits at the first standalone "=" outside ${...}.
func parseAssignment(text string) (assignment, bool) {
	idx := assignIndex(text)
	if idx < 0 {
		return assignment{}, false
	}
	left := strings.Fields(text[:idx])
	if len(left) == 0 {
		return assignment{}, false
	}
	return assignment{
		typeName: strings.Join(left[:len(left)-1], " "),
		name:     left[len(left)-1],
		value:    strings.TrimSpace(text[idx+1:]),
	}, true
}

func assignIndex(text string) int {
	depth := 0
	for i := 0; i < len(text); i++ {
		switch c := text[i]; {
		case c == '$' && i+1 < len(text) && text[i+1] == '{':
			depth++
			i++
		case c == '}' && depth > 0:
			depth--
		case c == '=' && depth == 0:
			if i+1 < len(text) && text[i+1] == '=' {
				i++
				continue
			}
			if i > 0 && strings.IndexByte("!<>=", text[i-1]) >= 0 {
				continue
			}
			return i
		}
	}
	return -1
}

// letStep assigns a workflow variable. The value is a full expression
// ("${a} * 2 ?? 0"), optionally coerced to a type:
//
//	let integer count = ${entity.sensor.count} + 1
type letStep struct{}

func (letStep) Type() string              { return "let" }
func (letStep) ShorthandTemplate() string { return "[${variable.type}] ${variable.name} = ${value...}" }
func (letStep) RawInputs() []string       { return []string{"value"} }

func (letStep) ParseShorthand(text string) (map[string]any, error) {
	a, ok := parseAssignment(text)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "invalid let %q: expected [TYPE] NAME = VALUE", text)
	}
	variable := map[string]any{"name": a.name}
	if a.typeName != "" {
		variable["type"] = a.typeName
	}
	return map[string]any{"variable": variable, "value": a.value}, nil
}

func (letStep) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	ref, err := parseAttrRef(inv, "variable")
	if err != nil {
		return nil, err
	}
	value, err := assignedValue(ctx, inv, ref.typeName)
	if err != nil {
		return nil, err
	}
	setVariable(ctx, inv.Vars, ref.name, value)
	return &Result{Value: value}, nil
}

// setVariable assigns name, or a key inside a map variable for dotted names.
func setVariable(ctx context.Context, vars *expressions.VarsLayer, name string, value any) {
	root, rest, dotted := strings.Cut(name, ".")
	if !dotted {
		vars.Set(name, value)
		return
	}
	m := map[string]any{}
	if l, err := vars.Lookup(ctx, root); err == nil && l.Found {
		if existing, ok := l.Value.(map[string]any); ok {
			m = expressions.DeepCopyMap(existing)
		}
	}
	setPath(m, rest, value)
	vars.Set(root, m)
}
