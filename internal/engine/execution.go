package engine

import (
	"context"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/rendis/stepwise/internal/entity"
	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/internal/logging"
	"github.com/rendis/stepwise/internal/steps"
	"github.com/rendis/stepwise/pkg/schema"
)

// runSpec seeds an execution, either fresh or from a snapshot.
type runSpec struct {
	info      RunInfo
	plan      *Plan
	steps     []any
	output    any
	onError   []any
	input     map[string]any
	vars      map[string]any
	entity    entity.Entity
	index     int
	last      any
	retries   map[string]int
	status    schema.WorkflowStatus
	createdAt time.Time
	depth     int
	// inherit holds metadata a nested run sees from its parent step,
	// such as the fan-out target.
	inherit map[string]any
}

// execution is the state of one run. It is driven by a single goroutine;
// fan-out targets get their own frames and never touch it concurrently.
type execution struct {
	e    *Engine
	info RunInfo
	plan *Plan

	steps      []any
	outputSpec any
	onError    []any
	entity     entity.Entity
	vars       *expressions.VarsLayer
	inherit    map[string]any
	depth      int

	index     int
	stepID    string
	last      any
	output    any
	retries   map[string]int
	status    schema.WorkflowStatus
	snapErr   string
	createdAt time.Time
}

// frame is what one step invocation sees: its variables, its entity and
// the metadata layer.
type frame struct {
	vars   *expressions.VarsLayer
	entity entity.Entity
	meta   map[string]any
}

// with returns a copy of f whose metadata also binds key.
func (f frame) with(key string, v any) frame {
	meta := maps.Clone(f.meta)
	meta[key] = v
	f.meta = meta
	return f
}

func (e *Engine) newExecution(spec runSpec) *execution {
	retries := maps.Clone(spec.retries)
	if retries == nil {
		retries = make(map[string]int)
	}
	return &execution{
		e:          e,
		info:       spec.info,
		plan:       spec.plan,
		steps:      spec.steps,
		outputSpec: spec.output,
		onError:    spec.onError,
		entity:     spec.entity,
		vars:       expressions.NewVarsLayer(spec.vars, spec.input),
		inherit:    spec.inherit,
		depth:      spec.depth,
		index:      spec.index,
		last:       spec.last,
		retries:    retries,
		status:     spec.status,
		createdAt:  spec.createdAt,
	}
}

// run walks the plan from the cursor. Failures that escape the steps go to
// the workflow's on-error handlers, which may retry, jump or supply the
// output.
func (x *execution) run(ctx context.Context) (any, error) {
	for {
		returned, err := x.loop(ctx)
		if err == nil {
			if returned || x.outputSpec == nil {
				return x.last, nil
			}
			return x.applyOutputSpec(ctx)
		}

		if len(x.onError) == 0 || ctx.Err() != nil {
			return nil, err
		}
		failure := x.classify(ctx, err, "", false, 0)
		h, herr := x.handle(ctx, x.onError, "workflow", x.frame(nil, x.index, ""), failure)
		if herr != nil {
			return nil, herr
		}
		if h == nil {
			return nil, failure
		}
		if h.retry != nil {
			next, rerr := x.retry(ctx, x.index, "workflow", h.key, h.retry, failure)
			if rerr != nil {
				return nil, rerr
			}
			x.index = next
			continue
		}
		if h.hasValue {
			x.last = h.value
		}
		if h.next == "" {
			return x.last, nil
		}
		next, nerr := x.successor(ctx, x.frame(nil, x.index, ""), h.next)
		if nerr != nil {
			return nil, nerr
		}
		x.index = next
	}
}

// loop runs steps until the end of the plan, a return, or an error.
func (x *execution) loop(ctx context.Context) (bool, error) {
	for x.index < x.plan.Len() {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		next, returned, err := x.runStep(ctx, x.index)
		if err != nil {
			return false, err
		}
		x.index = next
		x.save(ctx)
		if returned {
			return true, nil
		}
	}
	return false, nil
}

// runStep executes the step at i and returns the index to continue at.
func (x *execution) runStep(ctx context.Context, i int) (int, bool, error) {
	def, label := x.plan.Steps[i], x.plan.Labels[i]
	ctx = logging.WithStepID(ctx, label)
	f := x.frame(def, i, label)
	scope := x.scope(f)

	x.stepID = label
	x.save(ctx)

	if def.Condition != nil {
		ok, err := x.e.conditions.Evaluate(ctx, scope, def.Condition, expressions.NotFound)
		if err != nil {
			return 0, false, x.classify(ctx, err, label, false, 0)
		}
		x.emit(ctx, schema.EventConditionEvaluated, label, map[string]any{"result": ok})
		if !ok {
			x.stepTransition(ctx, label, schema.StepStatusPending, schema.StepStatusSkipped, nil)
			x.e.observer.StepFinished(ctx, x.info, label, def.Type, schema.StepStatusSkipped, 0, nil)
			x.e.logger.DebugContext(ctx, "step skipped", slog.String("type", def.Type))
			if def.Next == "" {
				return i + 1, false, nil
			}
			next, err := x.successor(ctx, f, def.Next)
			if err != nil {
				return 0, false, withStep(err, label)
			}
			return next, false, nil
		}
	}

	x.stepTransition(ctx, label, schema.StepStatusPending, schema.StepStatusRunning, map[string]any{"type": def.Type})
	stepCtx := x.e.observer.StepStarted(ctx, x.info, label, def.Type)
	started := time.Now()

	timeout := x.e.config.DefaultStepTimeout
	if def.Timeout != "" {
		d, err := x.e.duration(ctx, scope, def.Timeout)
		if err != nil {
			return 0, false, x.classify(ctx, err, label, false, 0)
		}
		timeout = d
	}

	bodyCtx, cancel := stepCtx, context.CancelFunc(func() {})
	if timeout > 0 {
		bodyCtx, cancel = context.WithTimeout(stepCtx, timeout)
	}
	var (
		result *steps.Result
		err    error
	)
	if def.Target != nil {
		var v any
		if v, err = x.fanOut(bodyCtx, def, label, f, scope); err == nil {
			result = &steps.Result{Value: v}
		}
	} else {
		result, err = x.invoke(bodyCtx, def, label, f, nil)
	}
	timedOut := err != nil && bodyCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
	cancel()
	elapsed := time.Since(started)

	if err != nil {
		failure := x.classify(ctx, err, label, timedOut, timeout)
		x.stepTransition(ctx, label, schema.StepStatusRunning, schema.StepStatusFailed,
			map[string]any{"error": failure.Message, "code": failure.Code})
		x.e.observer.StepFinished(stepCtx, x.info, label, def.Type, schema.StepStatusFailed, elapsed, failure)
		x.e.logger.WarnContext(ctx, "step failed", slog.String("type", def.Type), slog.String("error", failure.Error()))
		return x.recover(ctx, i, def, label, f, failure)
	}

	x.stepTransition(ctx, label, schema.StepStatusRunning, schema.StepStatusSucceeded,
		map[string]any{"duration_ms": elapsed.Milliseconds()})
	x.e.observer.StepFinished(stepCtx, x.info, label, def.Type, schema.StepStatusSucceeded, elapsed, nil)
	if result == nil || result.Retry == nil {
		x.resetRetries(label)
	}
	return x.advance(ctx, i, def, label, result)
}

// advance adopts a step's result and picks the successor.
func (x *execution) advance(ctx context.Context, i int, def *schema.StepDefinition, label string, result *steps.Result) (int, bool, error) {
	if result != nil {
		if result.Retry != nil {
			next, err := x.retry(ctx, i, label, label+"/retry", result.Retry, nil)
			return next, false, err
		}
		x.last = result.Value
		if result.Return {
			return x.plan.Len(), true, nil
		}
	}
	if def.Next == "" {
		return i + 1, false, nil
	}
	next, err := x.successor(ctx, x.frame(def, i, label), def.Next)
	if err != nil {
		return 0, false, withStep(err, label)
	}
	return next, false, nil
}

// successor resolves a next value against f and maps it to an index.
func (x *execution) successor(ctx context.Context, f frame, next string) (int, error) {
	if isTemplate(next) {
		v, err := x.e.resolver.Resolve(ctx, x.scope(f), next)
		if err != nil {
			return 0, err
		}
		next = expressions.Stringify(v)
	}
	return x.plan.Successor(next)
}

// invoke resolves a step's type and inputs against f and executes it once.
// A step-level output block is applied to the result unless the step type
// applies it itself.
func (x *execution) invoke(ctx context.Context, def *schema.StepDefinition, label string, f frame, handling error) (*steps.Result, error) {
	res, err := x.e.registry.Resolve(def.Type)
	if err != nil {
		return nil, withStep(err, label)
	}
	scope := x.scope(f)
	inputs, err := steps.CollectInputs(res, def)
	if err != nil {
		return nil, withStep(err, label)
	}
	resolved, raw, err := steps.ResolveInputs(ctx, res.Step, inputs, scope, x.e.resolver)
	if err != nil {
		return nil, withStep(err, label)
	}

	inv := &steps.Invocation{
		StepID:     label,
		Def:        def,
		Bean:       res.Bean,
		Input:      resolved,
		Raw:        raw,
		Scope:      scope,
		Resolver:   x.e.resolver,
		Conditions: x.e.conditions,
		JQ:         x.e.jq,
		Vars:       f.vars,
		Entity:     f.entity,
		Logger:     x.e.logger,
		Runtime:    nestedRuntime{x: x, frame: f},
		Handling:   handling,
	}
	result, err := res.Step.Execute(ctx, inv)
	if err != nil {
		return nil, err
	}
	if def.Output == nil {
		return result, nil
	}
	if oa, ok := res.Step.(steps.OutputApplier); ok && oa.AppliesOutput(inv) {
		return result, nil
	}

	base := x.last
	if result != nil {
		base = result.Value
	}
	out, err := x.evalOutput(ctx, scope, def.Output, base)
	if err != nil {
		return nil, withStep(err, label)
	}
	if result == nil {
		result = &steps.Result{}
	}
	result.Value = out
	return result, nil
}

// evalOutput evaluates an output block where the value being remapped is
// visible as output and, when it is a mapping, by its keys.
func (x *execution) evalOutput(ctx context.Context, scope *expressions.Scope, spec, base any) (any, error) {
	layers := []expressions.Layer{expressions.MapLayer{"output": base}}
	if m, ok := base.(map[string]any); ok {
		layers = append(layers, expressions.MapLayer(m))
	}
	return x.e.resolver.Resolve(ctx, scope.With(layers...), spec)
}

// applyOutputSpec evaluates the workflow-level output block.
func (x *execution) applyOutputSpec(ctx context.Context) (any, error) {
	f := x.frame(nil, x.plan.Len(), "")
	out, err := x.e.resolver.Resolve(ctx, x.scope(f), x.outputSpec)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// frame builds the view a step at index i gets. def is nil outside steps.
func (x *execution) frame(def *schema.StepDefinition, i int, label string) frame {
	wf := map[string]any{
		"id":        x.info.RunID,
		"name":      x.info.WorkflowName,
		"parent_id": x.info.ParentRunID,
		"input":     x.vars.Inputs(),
	}
	if def != nil {
		wf["current_step"] = map[string]any{
			"step_id": def.ID,
			"name":    def.Name,
			"type":    def.Type,
			"index":   i,
			"label":   label,
		}
	}
	meta := map[string]any{
		"workflow": wf,
		"output":   x.last,
	}
	for k, v := range x.inherit {
		meta[k] = v
	}
	return frame{vars: x.vars, entity: x.entity, meta: meta}
}

// scope layers variables, then the entity, then metadata.
func (x *execution) scope(f frame) *expressions.Scope {
	return expressions.NewScope(
		f.vars,
		expressions.EntityLayer{Entity: f.entity, WaitTimeout: x.e.config.AttributeWaitTimeout},
		expressions.MapLayer(f.meta),
	)
}

// retry moves the cursor per policy. key counts attempts; failure is the
// error being handled, nil for a retry step outside on-error.
func (x *execution) retry(ctx context.Context, i int, label, key string, policy *schema.RetryPolicy, failure *schema.StepwiseError) (int, error) {
	attempt := x.retries[key]
	if policy.Limit > 0 && attempt >= policy.Limit {
		if failure != nil {
			return 0, failure
		}
		return 0, schema.NewErrorf(schema.ErrCodeStepFailed, "retry limit %d reached", policy.Limit).WithStep(label)
	}

	target, err := x.retryTarget(i, label, policy, failure != nil)
	if err != nil {
		return 0, err
	}

	x.retries[key] = attempt + 1
	delay := ComputeBackoff(policy, attempt)
	if failure != nil && label != "workflow" {
		x.stepTransition(ctx, label, schema.StepStatusFailed, schema.StepStatusRetrying,
			map[string]any{"attempt": attempt + 1, "delay_ms": delay.Milliseconds(), "from": policy.From})
	}
	x.e.observer.StepRetried(ctx, x.info, label, attempt+1, delay)
	x.e.logger.InfoContext(ctx, "retrying",
		slog.String("from", policy.From), slog.Int("attempt", attempt+1), slog.Duration("delay", delay))
	x.save(ctx)

	if err := WaitForBackoff(ctx, delay); err != nil {
		return 0, x.classify(ctx, err, label, false, 0)
	}
	return target, nil
}

func (x *execution) retryTarget(i int, label string, policy *schema.RetryPolicy, handling bool) (int, error) {
	switch from := strings.TrimSpace(policy.From); from {
	case schema.RetryFromStart:
		return 0, nil
	case "", schema.RetryFromHere:
		if !handling {
			return 0, schema.NewError(schema.ErrCodeDefinition,
				"retry outside on-error must name a step or start").WithStep(label)
		}
		return i, nil
	default:
		idx, ok := x.plan.Lookup(from)
		if !ok {
			return 0, schema.NewErrorf(schema.ErrCodeDefinition, "retry references non-existent step %q", from).WithStep(label)
		}
		return idx, nil
	}
}

// resetRetries clears the attempt counters owned by a step that succeeded.
func (x *execution) resetRetries(label string) {
	prefix := label + "/"
	for k := range x.retries {
		if strings.HasPrefix(k, prefix) {
			delete(x.retries, k)
		}
	}
}

func (x *execution) stepTransition(ctx context.Context, label string, from, to schema.StepStatus, payload map[string]any) {
	if err := x.e.stepFSM.Transition(ctx, x.info.RunID, label, from, to, payload); err != nil {
		x.e.logger.WarnContext(ctx, "step event not recorded", slog.String("error", err.Error()))
	}
}

func (x *execution) emit(ctx context.Context, eventType, stepID string, payload map[string]any) {
	err := x.e.events.AppendEvent(context.WithoutCancel(ctx), &schema.Event{
		RunID:   x.info.RunID,
		StepID:  stepID,
		Type:    eventType,
		Payload: payload,
	})
	if err != nil {
		x.e.logger.WarnContext(ctx, "event not recorded", slog.String("type", eventType), slog.String("error", err.Error()))
	}
}

// save persists the run's snapshot. Store failures are logged; the run
// carries on.
func (x *execution) save(ctx context.Context) {
	snap := &schema.Snapshot{
		RunID:        x.info.RunID,
		ParentRunID:  x.info.ParentRunID,
		WorkflowName: x.info.WorkflowName,
		EntityID:     x.info.EntityID,
		Steps:        x.steps,
		Output:       x.output,
		OutputSpec:   x.outputSpec,
		OnError:      x.onError,
		Input:        x.vars.Inputs(),
		Vars:         x.vars.Vars(),
		Index:        x.index,
		StepID:       x.stepID,
		LastOutput:   x.last,
		RetryCounts:  maps.Clone(x.retries),
		Status:       x.status,
		Error:        x.snapErr,
		CreatedAt:    x.createdAt,
	}
	if err := x.e.store.SaveSnapshot(context.WithoutCancel(ctx), snap); err != nil {
		x.e.logger.WarnContext(ctx, "snapshot not saved", slog.String("error", err.Error()))
		return
	}
	x.createdAt = snap.CreatedAt
}

func withStep(err error, label string) error {
	if se, ok := err.(*schema.StepwiseError); ok && se.StepID == "" {
		return se.WithStep(label)
	}
	return err
}
