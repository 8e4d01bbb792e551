// Package engine runs workflows: it walks a step list, resolves and invokes
// each step, applies conditions, next jumps, on-error handlers, retries,
// timeouts and target fan-out, and persists a snapshot after every step.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stepwise/internal/conditions"
	"github.com/rendis/stepwise/internal/entity"
	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/internal/logging"
	"github.com/rendis/stepwise/internal/steps"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/internal/validation"
	"github.com/rendis/stepwise/pkg/schema"
)

// DefaultPoolSize is the default number of concurrent asynchronous runs.
const DefaultPoolSize = 10

// maxNestingDepth bounds workflows nested inside workflows.
const maxNestingDepth = 32

// Config holds engine settings.
type Config struct {
	PoolSize int
	// AttributeWaitTimeout bounds entity.attributeWhenReady lookups. Zero
	// waits until the step is cancelled or times out.
	AttributeWaitTimeout time.Duration
	// DefaultStepTimeout applies to steps that declare no timeout. Zero
	// means no limit.
	DefaultStepTimeout time.Duration
	Logger             *slog.Logger
	Observer           Observer
	// Parameters validates workflow input against declared parameters.
	// Nil uses the JSON schema validator.
	Parameters steps.ParameterValidator
}

// Request starts a workflow run.
type Request struct {
	Workflow    *schema.WorkflowDefinition
	Entity      entity.Entity
	Input       map[string]any
	ParentRunID string
	// RunID is generated when empty.
	RunID string
}

// Result is the outcome of a run.
type Result struct {
	RunID       string                `json:"run_id"`
	Status      schema.WorkflowStatus `json:"status"`
	Output      any                   `json:"output,omitempty"`
	Error       *schema.StepwiseError `json:"error,omitempty"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt time.Time             `json:"completed_at"`
}

// RunStatus is the queryable state of a run.
type RunStatus struct {
	Snapshot *schema.Snapshot            `json:"snapshot"`
	Steps    map[string]*store.StepState `json:"steps,omitempty"`
	Events   []*schema.Event             `json:"events,omitempty"`
	Active   bool                        `json:"active"`
}

// Engine executes workflow runs against entities.
type Engine struct {
	store      store.Store
	events     *store.EventLog
	registry   *steps.Registry
	resolver   *expressions.Resolver
	conditions *conditions.Evaluator
	jq         *expressions.GoJQEngine
	params     steps.ParameterValidator
	wfFSM      *WorkflowFSM
	stepFSM    *StepFSM
	pool       *RunPool
	observer   Observer
	logger     *slog.Logger
	config     Config

	// mu guards running and async.
	mu      sync.Mutex
	running map[string]context.CancelFunc
	async   map[string]*asyncRun
}

// asyncRun is a run started with Start and not yet collected by Wait.
type asyncRun struct {
	done   chan struct{}
	result *Result
	err    error
}

// New creates an Engine persisting to s and resolving step types in registry.
func New(s store.Store, registry *steps.Registry, cfg Config) (*Engine, error) {
	if s == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a store")
	}
	if registry == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a step registry")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.Parameters == nil {
		v, err := validation.NewJSONSchemaValidator()
		if err != nil {
			return nil, err
		}
		cfg.Parameters = v
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "init cel: %s", err).WithCause(err)
	}
	resolver := expressions.NewResolver()

	return &Engine{
		store:      s,
		events:     store.NewEventLog(s),
		registry:   registry,
		resolver:   resolver,
		conditions: conditions.NewEvaluator(resolver, cel),
		jq:         expressions.NewGoJQEngine(),
		params:     cfg.Parameters,
		wfFSM:      NewWorkflowFSM(s),
		stepFSM:    NewStepFSM(s),
		pool:       NewRunPool(cfg.PoolSize, cfg.Logger),
		observer:   cfg.Observer,
		logger:     cfg.Logger,
		config:     cfg,
		running:    make(map[string]context.CancelFunc),
		async:      make(map[string]*asyncRun),
	}, nil
}

// Registry returns the step registry the engine resolves types in.
func (e *Engine) Registry() *steps.Registry { return e.registry }

// Run executes a workflow to completion. A failed run returns its Result
// together with the failure.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	x, timeout, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, x, timeout, false)
}

// Start validates the request and runs it asynchronously on the run pool.
// The run outlives ctx; use Cancel to stop it and Wait to collect it.
func (e *Engine) Start(ctx context.Context, req Request) (string, error) {
	x, timeout, err := e.prepare(ctx, req)
	if err != nil {
		return "", err
	}
	runID := x.info.RunID

	a := &asyncRun{done: make(chan struct{})}
	e.mu.Lock()
	e.async[runID] = a
	e.mu.Unlock()

	// Persist before admission so Status and Cancel see a queued run.
	x.save(ctx)

	runCtx := context.WithoutCancel(ctx)
	err = e.pool.Submit(ctx, runID, func() error {
		defer close(a.done)
		// A queued run may have been cancelled before admission.
		if snap, err := e.store.GetSnapshot(runCtx, runID); err == nil && snap.Status.IsTerminal() {
			a.result = resultFromSnapshot(snap)
			if a.result.Error != nil {
				a.err = a.result.Error
			}
			return a.err
		}
		a.result, a.err = e.execute(runCtx, x, timeout, false)
		return a.err
	})
	if err != nil {
		e.mu.Lock()
		delete(e.async, runID)
		e.mu.Unlock()
		return "", schema.NewErrorf(schema.ErrCodeCancelled, "run not admitted: %s", err).WithCause(err)
	}
	return runID, nil
}

// Wait blocks until a run started with Start finishes and returns its
// outcome. Runs not started here are reported from their snapshot once
// terminal.
func (e *Engine) Wait(ctx context.Context, runID string) (*Result, error) {
	e.mu.Lock()
	a, ok := e.async[runID]
	e.mu.Unlock()

	if !ok {
		snap, err := e.store.GetSnapshot(ctx, runID)
		if err != nil {
			return nil, err
		}
		if !snap.Status.IsTerminal() {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %s is %s and not owned by this engine", runID, snap.Status)
		}
		return resultFromSnapshot(snap), nil
	}

	select {
	case <-a.done:
	case <-ctx.Done():
		return nil, schema.NewError(schema.ErrCodeCancelled, "wait cancelled").WithCause(ctx.Err())
	}
	e.mu.Lock()
	delete(e.async, runID)
	e.mu.Unlock()
	return a.result, a.err
}

// Resume continues an interrupted run from its persisted cursor. ent must be
// the entity the run was started on.
func (e *Engine) Resume(ctx context.Context, runID string, ent entity.Entity) (*Result, error) {
	snap, err := e.store.GetSnapshot(ctx, runID)
	if err != nil {
		return nil, err
	}
	if snap.Status.IsTerminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "cannot resume run %s in status %s", runID, snap.Status)
	}
	if e.isRunning(runID) {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %s is already executing", runID)
	}
	if snap.EntityID != "" {
		if ent == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "run %s needs entity %s to resume", runID, snap.EntityID)
		}
		if ent.ID() != snap.EntityID {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"run %s belongs to entity %s, not %s", runID, snap.EntityID, ent.ID())
		}
	}

	plan, err := ParsePlan(snap.Steps, e.registry)
	if err != nil {
		return nil, err
	}
	x := e.newExecution(runSpec{
		info: RunInfo{
			RunID:        snap.RunID,
			ParentRunID:  snap.ParentRunID,
			WorkflowName: snap.WorkflowName,
			EntityID:     snap.EntityID,
		},
		plan:      plan,
		steps:     snap.Steps,
		output:    snap.OutputSpec,
		onError:   snap.OnError,
		input:     snap.Input,
		vars:      snap.Vars,
		entity:    ent,
		index:     snap.Index,
		last:      snap.LastOutput,
		retries:   snap.RetryCounts,
		status:    snap.Status,
		createdAt: snap.CreatedAt,
	})
	return e.execute(ctx, x, 0, true)
}

// Cancel stops a run. An executing run is interrupted at its next
// cancellation point; a persisted run not executing anywhere is marked
// cancelled directly.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	e.mu.Lock()
	cancel, ok := e.running[runID]
	e.mu.Unlock()
	if ok {
		cancel()
		return nil
	}

	snap, err := e.store.GetSnapshot(ctx, runID)
	if err != nil {
		return err
	}
	if snap.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s already %s", runID, snap.Status)
	}
	if err := e.wfFSM.Transition(ctx, runID, snap.Status, schema.WorkflowStatusCancelled,
		map[string]any{"reason": "cancelled while not executing"}); err != nil {
		return err
	}
	snap.Status = schema.WorkflowStatusCancelled
	snap.Error = schema.NewError(schema.ErrCodeCancelled, "workflow cancelled").Error()
	return e.store.SaveSnapshot(ctx, snap)
}

// Status returns a run's snapshot, per-step states replayed from its event
// log, and the events themselves.
func (e *Engine) Status(ctx context.Context, runID string) (*RunStatus, error) {
	snap, err := e.store.GetSnapshot(ctx, runID)
	if err != nil {
		return nil, err
	}
	events, err := e.events.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get events: %s", err).WithCause(err)
	}
	return &RunStatus{
		Snapshot: snap,
		Steps:    store.ReplaySteps(events),
		Events:   events,
		Active:   e.isRunning(runID),
	}, nil
}

// List returns persisted runs matching filter.
func (e *Engine) List(ctx context.Context, filter store.SnapshotFilter) ([]*schema.Snapshot, error) {
	return e.store.ListSnapshots(ctx, filter)
}

// Active returns the ids of runs executing on the run pool.
func (e *Engine) Active() []string { return e.pool.Active() }

// PoolMetrics returns the run pool counters.
func (e *Engine) PoolMetrics() PoolMetrics { return e.pool.Metrics() }

// Shutdown stops admitting asynchronous runs and waits for the running
// ones. When ctx ends first, remaining runs are cancelled.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.pool.Shutdown()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.mu.Lock()
		for _, cancel := range e.running {
			cancel()
		}
		e.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

// prepare parses the workflow and builds its execution without running it.
func (e *Engine) prepare(ctx context.Context, req Request) (*execution, time.Duration, error) {
	def := req.Workflow
	if def == nil {
		return nil, 0, schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	plan, err := ParsePlan(def.Steps, e.registry)
	if err != nil {
		return nil, 0, err
	}
	input, err := e.prepareInput(ctx, def, req.Entity, req.Input)
	if err != nil {
		return nil, 0, err
	}
	timeout, err := e.workflowTimeout(ctx, def, req.Entity, input)
	if err != nil {
		return nil, 0, err
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	info := RunInfo{RunID: runID, ParentRunID: req.ParentRunID, WorkflowName: def.Name}
	if req.Entity != nil {
		info.EntityID = req.Entity.ID()
	}
	return e.newExecution(runSpec{
		info:    info,
		plan:    plan,
		steps:   def.Steps,
		output:  def.Output,
		onError: def.OnError,
		input:   input,
		entity:  req.Entity,
		status:  schema.WorkflowStatusNotStarted,
	}), timeout, nil
}

// prepareInput resolves the workflow's declared input against the entity,
// overlays the request input and applies parameter defaults and checks.
func (e *Engine) prepareInput(ctx context.Context, def *schema.WorkflowDefinition, ent entity.Entity, input map[string]any) (map[string]any, error) {
	merged := input
	if len(def.Input) > 0 {
		scope := expressions.NewScope(
			expressions.MapLayer(input),
			expressions.EntityLayer{Entity: ent, WaitTimeout: e.config.AttributeWaitTimeout},
		)
		resolved, err := e.resolver.Resolve(ctx, scope, def.Input)
		if err != nil {
			return nil, err
		}
		defaults, _ := resolved.(map[string]any)
		merged = steps.MergeInputs(defaults, input)
	}
	if len(def.Parameters) > 0 {
		validated, err := e.params.ValidateParameters(def.Parameters, merged)
		if err != nil {
			return nil, err
		}
		merged = validated
	}
	if merged == nil {
		merged = map[string]any{}
	}
	return merged, nil
}

func (e *Engine) workflowTimeout(ctx context.Context, def *schema.WorkflowDefinition, ent entity.Entity, input map[string]any) (time.Duration, error) {
	if def.Timeout == "" {
		return 0, nil
	}
	scope := expressions.NewScope(
		expressions.MapLayer(input),
		expressions.EntityLayer{Entity: ent, WaitTimeout: e.config.AttributeWaitTimeout},
	)
	return e.duration(ctx, scope, def.Timeout)
}

func (e *Engine) duration(ctx context.Context, scope *expressions.Scope, text string) (time.Duration, error) {
	if isTemplate(text) {
		v, err := e.resolver.Resolve(ctx, scope, text)
		if err != nil {
			return 0, err
		}
		text = expressions.Stringify(v)
	}
	return schema.ParseDuration(text)
}

// execute drives x to a terminal status and persists the outcome.
func (e *Engine) execute(ctx context.Context, x *execution, timeout time.Duration, resumed bool) (*Result, error) {
	startedAt := time.Now().UTC()
	runID := x.info.RunID

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	e.mu.Lock()
	e.running[runID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, runID)
		e.mu.Unlock()
	}()

	runCtx = logging.WithWorkflowID(runCtx, runID)
	if x.info.EntityID != "" {
		runCtx = logging.WithEntityID(runCtx, x.info.EntityID)
	}
	runCtx = e.observer.RunStarted(runCtx, x.info)

	if x.status == schema.WorkflowStatusNotStarted {
		if err := e.wfFSM.Transition(runCtx, runID, x.status, schema.WorkflowStatusRunning,
			map[string]any{"workflow": x.info.WorkflowName, "parent_run_id": x.info.ParentRunID}); err != nil {
			e.logger.WarnContext(runCtx, "workflow start event not recorded", slog.String("error", err.Error()))
		}
		x.status = schema.WorkflowStatusRunning
	} else if resumed {
		x.emit(runCtx, schema.EventWorkflowResumed, "", map[string]any{"index": x.index})
	}
	x.save(runCtx)
	e.logger.InfoContext(runCtx, "workflow started",
		slog.String("workflow", x.info.WorkflowName), slog.Bool("resumed", resumed))

	output, runErr := x.run(runCtx)

	result := &Result{RunID: runID, StartedAt: startedAt, CompletedAt: time.Now().UTC()}
	finalCtx := context.WithoutCancel(runCtx)
	if runErr != nil {
		failure := x.classify(runCtx, runErr, "", false, 0)
		result.Status = schema.WorkflowStatusFailed
		if failure.Code == schema.ErrCodeCancelled {
			result.Status = schema.WorkflowStatusCancelled
		}
		result.Error = failure
		runErr = failure
		x.snapErr = failure.Error()
	} else {
		result.Status = schema.WorkflowStatusSucceeded
		result.Output = output
		x.last = output
	}

	if err := e.wfFSM.Transition(finalCtx, runID, x.status, result.Status, outcomePayload(result)); err != nil {
		e.logger.WarnContext(finalCtx, "workflow end event not recorded", slog.String("error", err.Error()))
	}
	x.status = result.Status
	x.output = result.Output
	x.save(finalCtx)

	e.observer.RunFinished(finalCtx, x.info, result.Status, result.CompletedAt.Sub(startedAt))
	if runErr != nil {
		e.logger.WarnContext(finalCtx, "workflow finished",
			slog.String("status", string(result.Status)), slog.String("error", runErr.Error()))
		return result, runErr
	}
	e.logger.InfoContext(finalCtx, "workflow finished", slog.String("status", string(result.Status)))
	return result, nil
}

func (e *Engine) isRunning(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[runID]
	return ok
}

func outcomePayload(r *Result) map[string]any {
	if r.Error != nil {
		return map[string]any{"error": r.Error.Message, "code": r.Error.Code}
	}
	return nil
}

func resultFromSnapshot(snap *schema.Snapshot) *Result {
	r := &Result{
		RunID:       snap.RunID,
		Status:      snap.Status,
		Output:      snap.Output,
		StartedAt:   snap.CreatedAt,
		CompletedAt: snap.UpdatedAt,
	}
	if snap.Error != "" {
		code := schema.ErrCodeStepFailed
		if snap.Status == schema.WorkflowStatusCancelled {
			code = schema.ErrCodeCancelled
		}
		r.Error = schema.NewError(code, snap.Error)
	}
	return r
}
