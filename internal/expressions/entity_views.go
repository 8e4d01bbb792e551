package expressions

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/stepwise/internal/entity"
	"github.com/rendis/stepwise/pkg/schema"
)

// EntityLayer exposes an entity to expressions: "entity" names the entity
// itself, and bare names fall back to its attributes and then its config.
type EntityLayer struct {
	Entity entity.Entity
	// WaitTimeout bounds blocking attribute reads; zero waits until ctx ends.
	WaitTimeout time.Duration
}

func (l EntityLayer) Lookup(_ context.Context, name string) (Lookup, error) {
	if l.Entity == nil {
		return NotFound, nil
	}
	if name == "entity" {
		return Found(EntityView{Entity: l.Entity, WaitTimeout: l.WaitTimeout}), nil
	}
	if v, ok := l.Entity.Attribute(name); ok {
		return Found(v), nil
	}
	if v, ok := l.Entity.Config(name); ok {
		return Found(v), nil
	}
	return NotFound, nil
}

// EntityView is the expression-facing form of an entity.
type EntityView struct {
	Entity      entity.Entity
	WaitTimeout time.Duration
}

func (v EntityView) Field(_ context.Context, name string) (Lookup, error) {
	e := v.Entity
	switch name {
	case "id":
		return Found(e.ID()), nil
	case "name", "displayName":
		return Found(e.DisplayName()), nil
	case "parent":
		p := e.Parent()
		if p == nil {
			return NotFound, nil
		}
		return Found(EntityView{Entity: p, WaitTimeout: v.WaitTimeout}), nil
	case "children":
		children := e.Children()
		out := make([]any, len(children))
		for i, c := range children {
			out[i] = EntityView{Entity: c, WaitTimeout: v.WaitTimeout}
		}
		return Found(out), nil
	case "sensor", "attribute":
		return Found(attributeView{e}), nil
	case "config":
		return Found(configView{e}), nil
	case "attributeWhenReady":
		return Found(waitingView{entity: e, timeout: v.WaitTimeout}), nil
	case "effectors":
		names := e.Effectors()
		out := make([]any, len(names))
		for i, n := range names {
			out[i] = n
		}
		return Found(out), nil
	}
	return NotFound, nil
}

func (v EntityView) String() string { return v.Entity.ID() }

// MarshalJSON renders an entity reference as its id.
func (v EntityView) MarshalJSON() ([]byte, error) {
	return []byte(`"` + v.Entity.ID() + `"`), nil
}

type attributeView struct{ e entity.Entity }

func (a attributeView) Field(_ context.Context, name string) (Lookup, error) {
	v, ok := a.e.Attribute(name)
	if !ok {
		return NotFound, nil
	}
	return Found(v), nil
}

type configView struct{ e entity.Entity }

func (c configView) Field(_ context.Context, name string) (Lookup, error) {
	v, ok := c.e.Config(name)
	if !ok {
		return NotFound, nil
	}
	return Found(v), nil
}

type waitingView struct {
	entity  entity.Entity
	timeout time.Duration
}

func (w waitingView) Field(ctx context.Context, name string) (Lookup, error) {
	waitCtx := ctx
	if w.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	v, err := w.entity.WaitAttribute(waitCtx, name)
	if err == nil {
		return Found(v), nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return NotFound, schema.NewErrorf(schema.ErrCodeCancelled,
			"cancelled while waiting for attribute %q on %s", name, w.entity.ID()).WithCause(ctx.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NotFound, schema.NewErrorf(schema.ErrCodeTimeout,
			"timed out after %s waiting for attribute %q on %s", w.timeout, name, w.entity.ID()).WithCause(err)
	}
	return NotFound, err
}

// AsEntity unwraps an entity reference produced by expressions.
func AsEntity(v any) (entity.Entity, bool) {
	switch t := v.(type) {
	case EntityView:
		return t.Entity, true
	case entity.Entity:
		return t, true
	}
	return nil, false
}
