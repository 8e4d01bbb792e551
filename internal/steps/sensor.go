package steps

import (
	"context"
	"strings"

	"github.com/rendis/stepwise/internal/entity"
	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/pkg/schema"
)

// attrRef names an attribute or config key, optionally on another entity.
type attrRef struct {
	name     string
	typeName string
	entity   any
}

// parseAttrRef accepts "name" or {name, type, entity}.
func parseAttrRef(inv *Invocation, key string) (attrRef, error) {
	switch v := inv.Input[key].(type) {
	case string:
		if name := strings.TrimSpace(v); name != "" {
			return attrRef{name: name}, nil
		}
	case map[string]any:
		ref := attrRef{
			name:     strings.TrimSpace(expressions.Stringify(v["name"])),
			typeName: expressions.Stringify(v["type"]),
			entity:   v["entity"],
		}
		if ref.name != "" {
			return ref, nil
		}
	}
	return attrRef{}, inv.Invalid("%s requires a %s name", inv.Def.Type, key)
}

// targetEntity returns the entity a step acts on: ref when given (an entity
// or an id within the current tree), else the invocation's entity.
func targetEntity(inv *Invocation, ref any) (entity.Entity, error) {
	if ref == nil || ref == "" {
		if inv.Entity == nil {
			return nil, inv.Invalid("no entity to act on")
		}
		return inv.Entity, nil
	}
	if e, ok := expressions.AsEntity(ref); ok {
		return e, nil
	}
	id := expressions.Stringify(ref)
	if inv.Entity != nil {
		root := inv.Entity
		for root.Parent() != nil {
			root = root.Parent()
		}
		if e := entity.Find(root, id); e != nil {
			return e, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "entity %q not found", id).WithStep(inv.StepID)
}

// setSensorStep publishes a value on an entity attribute. With require, the
// write only happens if the current value matches (a value) or satisfies (a
// condition), else the step fails with a conflict.
type setSensorStep struct{}

func (setSensorStep) Type() string { return "set-sensor" }
func (setSensorStep) ShorthandTemplate() string {
	return "[${sensor.type}] ${sensor.name} = ${value...}"
}
func (setSensorStep) RawInputs() []string { return []string{"value", "require"} }

func (setSensorStep) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	ref, err := parseAttrRef(inv, "sensor")
	if err != nil {
		return nil, err
	}
	ent, err := targetEntity(inv, firstNonNil(ref.entity, inv.Input["entity"]))
	if err != nil {
		return nil, err
	}
	value, err := assignedValue(ctx, inv, ref.typeName)
	if err != nil {
		return nil, err
	}

	require, hasRequire := inv.Raw["require"]
	if !hasRequire {
		ent.SetAttribute(ctx, ref.name, value)
		return &Result{Value: value}, nil
	}

	current, present := ent.Attribute(ref.name)
	switch require.(type) {
	case map[string]any, map[any]any:
		subject := expressions.NotFound
		if present {
			subject = expressions.Found(current)
		}
		ok, err := inv.Conditions.Evaluate(ctx, inv.Scope, require, subject)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, conflict(inv, ref.name, current)
		}
	default:
		expected, err := inv.Resolver.Resolve(ctx, inv.Scope, require)
		if err != nil {
			return nil, err
		}
		current = expected
	}

	swapped, seen := ent.CompareAndSetAttribute(ctx, ref.name, current, value)
	if !swapped {
		return nil, conflict(inv, ref.name, seen)
	}
	return &Result{Value: value}, nil
}

func conflict(inv *Invocation, name string, seen any) error {
	return schema.NewErrorf(schema.ErrCodeConflict,
		"sensor %s does not meet requirement, current value %q", name, expressions.Stringify(seen)).
		WithStep(inv.StepID).
		WithDetails(map[string]any{"sensor": name, "current": seen})
}

// assignedValue evaluates the raw value input and coerces it when typed.
func assignedValue(ctx context.Context, inv *Invocation, typeName string) (any, error) {
	if !inv.Has("value") {
		return nil, inv.Invalid("%s requires a value", inv.Def.Type)
	}
	v, err := inv.Evaluate(ctx, "value")
	if err != nil {
		return nil, err
	}
	if typeName != "" {
		return expressions.Coerce(v, typeName)
	}
	return v, nil
}

type clearSensorStep struct{}

func (clearSensorStep) Type() string              { return "clear-sensor" }
func (clearSensorStep) ShorthandTemplate() string { return "[${sensor.type}] ${sensor.name}" }

func (clearSensorStep) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	ref, err := parseAttrRef(inv, "sensor")
	if err != nil {
		return nil, err
	}
	ent, err := targetEntity(inv, firstNonNil(ref.entity, inv.Input["entity"]))
	if err != nil {
		return nil, err
	}
	ent.ClearAttribute(ctx, ref.name)
	return nil, nil
}

type setConfigStep struct{}

func (setConfigStep) Type() string { return "set-config" }
func (setConfigStep) ShorthandTemplate() string {
	return "[${config.type}] ${config.name} = ${value...}"
}
func (setConfigStep) RawInputs() []string { return []string{"value"} }

func (setConfigStep) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	ref, err := parseAttrRef(inv, "config")
	if err != nil {
		return nil, err
	}
	ent, err := targetEntity(inv, firstNonNil(ref.entity, inv.Input["entity"]))
	if err != nil {
		return nil, err
	}
	value, err := assignedValue(ctx, inv, ref.typeName)
	if err != nil {
		return nil, err
	}
	ent.SetConfig(ref.name, value)
	return &Result{Value: value}, nil
}

// invokeEffectorStep calls an effector on the entity (or another one) and
// returns its result.
type invokeEffectorStep struct{}

func (invokeEffectorStep) Type() string              { return "invoke-effector" }
func (invokeEffectorStep) ShorthandTemplate() string { return "${effector}" }

func (invokeEffectorStep) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	name := strings.TrimSpace(inv.String("effector"))
	if name == "" {
		return nil, inv.Invalid("invoke-effector requires an effector name")
	}
	ent, err := targetEntity(inv, inv.Input["entity"])
	if err != nil {
		return nil, err
	}
	var args map[string]any
	switch a := inv.Input["args"].(type) {
	case nil:
	case map[string]any:
		args = a
	default:
		return nil, inv.Invalid("invoke-effector args must be a map, got %T", a)
	}
	out, err := ent.InvokeEffector(ctx, name, args)
	if err != nil {
		return nil, err
	}
	return &Result{Value: out}, nil
}

func firstNonNil(vals ...any) any {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}
