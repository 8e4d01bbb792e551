package engine

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/stepwise/internal/entity"
	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/pkg/schema"
)

// targetChildren names the direct children of the current entity.
const targetChildren = "children"

// fanOut runs the step once per target, at most width at a time, and
// returns the outputs in target order. The first failure stops admission;
// targets already started finish before it is returned.
func (x *execution) fanOut(ctx context.Context, def *schema.StepDefinition, label string, f frame, scope *expressions.Scope) (any, error) {
	targets, err := x.targets(ctx, scope, f.entity, def.Target)
	if err != nil {
		return nil, withStep(err, label)
	}
	width, err := x.width(ctx, scope, def.Concurrency, len(targets))
	if err != nil {
		return nil, withStep(err, label)
	}

	x.emit(ctx, schema.EventFanOutStarted, label, map[string]any{"targets": len(targets), "width": width})
	x.e.observer.FanOut(ctx, x.info, label, len(targets), width)
	x.e.logger.DebugContext(ctx, "fan-out", slog.Int("targets", len(targets)), slog.Int("width", width))

	results := make([]any, len(targets))
	if len(targets) == 0 {
		x.emit(ctx, schema.EventFanOutCompleted, label, map[string]any{"targets": 0})
		return results, nil
	}

	var (
		g      errgroup.Group
		failed atomic.Bool
	)
	g.SetLimit(width)
	for idx, target := range targets {
		if failed.Load() || ctx.Err() != nil {
			break
		}
		tf := x.targetFrame(f, target, idx)
		g.Go(func() error {
			if failed.Load() {
				return nil
			}
			if err := ctx.Err(); err != nil {
				failed.Store(true)
				return err
			}
			res, err := x.invoke(ctx, def, label, tf, nil)
			if err != nil {
				failed.Store(true)
				return err
			}
			if res != nil {
				results[idx] = res.Value
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	x.emit(ctx, schema.EventFanOutCompleted, label, map[string]any{"targets": len(targets)})
	return results, nil
}

// targetFrame gives one target its own variables. Entity targets become the
// frame's entity.
func (x *execution) targetFrame(f frame, target any, idx int) frame {
	tf := frame{
		vars:   expressions.NewVarsLayer(f.vars.Vars(), f.vars.Inputs()),
		entity: f.entity,
	}
	if ent, ok := expressions.AsEntity(target); ok {
		tf.entity = ent
		target = expressions.EntityView{Entity: ent, WaitTimeout: x.e.config.AttributeWaitTimeout}
	}
	tf.meta = f.with("target", target).with("target_index", idx).meta
	return tf
}

// targets expands a target value: "children", an inclusive "a..b" range, a
// sequence, a single entity, or an expression yielding one of those.
func (x *execution) targets(ctx context.Context, scope *expressions.Scope, current entity.Entity, raw any) ([]any, error) {
	switch t := raw.(type) {
	case string:
		if isTemplate(t) {
			v, err := x.e.resolver.Resolve(ctx, scope, t)
			if err != nil {
				return nil, err
			}
			return expandTargets(current, v)
		}
		return expandTargets(current, t)
	case []any:
		resolved, err := x.e.resolver.Resolve(ctx, scope, t)
		if err != nil {
			return nil, err
		}
		return expandTargets(current, resolved)
	}
	return expandTargets(current, raw)
}

func expandTargets(current entity.Entity, v any) ([]any, error) {
	switch t := v.(type) {
	case nil:
		return []any{}, nil
	case []any:
		return t, nil
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, nil
	case []entity.Entity:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out, nil
	case string:
		s := strings.TrimSpace(t)
		if s == targetChildren {
			if current == nil {
				return nil, schema.NewError(schema.ErrCodeDefinition, "target children requires an entity")
			}
			children := current.Children()
			out := make([]any, len(children))
			for i, c := range children {
				out[i] = c
			}
			return out, nil
		}
		if lo, hi, ok := parseRange(s); ok {
			return rangeTargets(lo, hi), nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "invalid target %q", t)
	}
	if ent, ok := expressions.AsEntity(v); ok {
		return []any{ent}, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeDefinition, "invalid target %v (%T)", v, v)
}

// parseRange parses "a..b" with integer bounds.
func parseRange(s string) (int, int, bool) {
	left, right, ok := strings.Cut(s, "..")
	if !ok {
		return 0, 0, false
	}
	lo, err := strconv.Atoi(strings.TrimSpace(left))
	if err != nil {
		return 0, 0, false
	}
	hi, err := strconv.Atoi(strings.TrimSpace(right))
	if err != nil {
		return 0, 0, false
	}
	return lo, hi, true
}

// rangeTargets lists lo through hi inclusive, descending when hi < lo.
func rangeTargets(lo, hi int) []any {
	step := 1
	if hi < lo {
		step = -1
	}
	out := make([]any, 0, (hi-lo)*step+1)
	for i := lo; ; i += step {
		out = append(out, i)
		if i == hi {
			break
		}
	}
	return out
}

// width evaluates the concurrency expression once against the target count.
// Without one every target runs at once.
func (x *execution) width(ctx context.Context, scope *expressions.Scope, raw any, total int) (int, error) {
	if total == 0 {
		return 0, nil
	}
	if raw == nil {
		return total, nil
	}
	if s, ok := raw.(string); ok && isTemplate(s) {
		v, err := x.e.resolver.Resolve(ctx, scope, s)
		if err != nil {
			return 0, err
		}
		raw = v
	}
	expr, err := expressions.ParseConcurrencyValue(raw)
	if err != nil {
		return 0, err
	}
	return expressions.Width(expr.Apply(total), total), nil
}
