// Package scheduler runs workflow sensors and policies: workflows attached
// to an entity that fire on a period, on attribute changes, or both.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/samber/lo"

	"github.com/rendis/stepwise/internal/conditions"
	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/internal/entity"
	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/internal/streaming"
	"github.com/rendis/stepwise/pkg/schema"
)

// Runner executes one workflow run. *engine.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, req engine.Request) (*engine.Result, error)
}

// EventAppender records trigger events. store.Store satisfies it.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *schema.Event) error
}

// Observer is told about every trigger decision.
type Observer interface {
	TriggerFired(registration, reason, outcome string)
}

// Trigger outcomes reported to the Observer.
const (
	OutcomeSucceeded   = "succeeded"
	OutcomeFailed      = "failed"
	OutcomeOverlap     = "overlap"
	OutcomeConditioned = "condition_false"
	OutcomeSuppressed  = "circuit_open"
)

// Kind distinguishes workflows that publish a sensor from plain policies.
type Kind string

const (
	KindSensor Kind = "sensor"
	KindPolicy Kind = "policy"
)

// Options configures a Manager.
type Options struct {
	// Hub delivers attribute changes for triggers. Required only by
	// workflows that declare triggers.
	Hub    streaming.Hub
	Events EventAppender
	// Conditions evaluates condition gates. Nil builds a default evaluator.
	Conditions           *conditions.Evaluator
	Breaker              BreakerConfig
	AttributeWaitTimeout time.Duration
	Observer             Observer
	Logger               *slog.Logger
}

// Status describes one registration.
type Status struct {
	ID         string                `json:"id"`
	Kind       Kind                  `json:"kind"`
	EntityID   string                `json:"entity_id"`
	Workflow   string                `json:"workflow"`
	Period     string                `json:"period,omitempty"`
	Triggers   []string              `json:"triggers,omitempty"`
	Runs       int                   `json:"runs"`
	Failures   int                   `json:"failures"`
	Skipped    int                   `json:"skipped"`
	LastRunID  string                `json:"last_run_id,omitempty"`
	LastStatus schema.WorkflowStatus `json:"last_status,omitempty"`
	LastRunAt  time.Time             `json:"last_run_at,omitempty"`
	Circuit    string                `json:"circuit"`
}

type registration struct {
	id       string
	kind     Kind
	entity   entity.Entity
	def      *schema.WorkflowDefinition
	schedule cron.Schedule
	breaker  *breaker

	entryID     cron.EntryID
	unsubscribe func()
	active      bool

	mu    sync.Mutex
	stats Status
}

// Manager owns the sensors and policies attached to entities.
type Manager struct {
	runner     Runner
	hub        streaming.Hub
	events     EventAppender
	conditions *conditions.Evaluator
	observer   Observer
	logger     *slog.Logger
	opts       Options
	cron       *cron.Cron

	mu      sync.Mutex
	regs    map[string]*registration
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup

	inflightMu sync.Mutex
	inflight   map[string]struct{} // registration ids currently running (dedup)
}

// NewManager creates a Manager that starts runs through runner.
func NewManager(runner Runner, opts Options) (*Manager, error) {
	if runner == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "scheduler requires a runner")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Conditions == nil {
		cel, err := expressions.NewCELEngine()
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "init cel: %s", err).WithCause(err)
		}
		opts.Conditions = conditions.NewEvaluator(expressions.NewResolver(), cel)
	}
	if opts.Breaker == (BreakerConfig{}) {
		opts.Breaker = DefaultBreakerConfig()
	}
	return &Manager{
		runner:     runner,
		hub:        opts.Hub,
		events:     opts.Events,
		conditions: opts.Conditions,
		observer:   opts.Observer,
		logger:     opts.Logger,
		opts:       opts,
		cron:       cron.New(cron.WithParser(periodParser)),
		regs:       make(map[string]*registration),
		inflight:   make(map[string]struct{}),
	}, nil
}

// periodParser accepts five-field cron specs and descriptors such as
// "@hourly" or "@every 90s".
var periodParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// intervalSchedule fires every d. cron.Every rounds to whole seconds, which
// is too coarse for sub-second periods.
type intervalSchedule struct{ d time.Duration }

func (s intervalSchedule) Next(t time.Time) time.Time { return t.Add(s.d) }

// ParsePeriod parses a period: a duration ("2s", "200 ms") or a cron spec.
func ParsePeriod(text string) (cron.Schedule, error) {
	if d, err := schema.ParseDuration(text); err == nil {
		if d <= 0 {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "period %q must be positive", text)
		}
		return intervalSchedule{d: d}, nil
	}
	s, err := periodParser.Parse(text)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "invalid period %q: %s", text, err).WithCause(err)
	}
	return s, nil
}

// Add attaches def to ent and returns the registration id. A workflow naming
// a sensor is a workflow sensor: it runs once when activated and publishes
// its output to that attribute. Any other workflow is a policy and needs a
// period or triggers. Registrations added after Start activate immediately.
func (m *Manager) Add(ent entity.Entity, def *schema.WorkflowDefinition) (string, error) {
	if ent == nil || def == nil {
		return "", schema.NewError(schema.ErrCodeDefinition, "sensor or policy needs an entity and a workflow")
	}
	kind := KindPolicy
	name := def.Name
	if def.Sensor != "" {
		kind = KindSensor
		name = def.Sensor
	}
	if kind == KindPolicy && def.Period == "" && len(def.Triggers) == 0 {
		return "", schema.NewErrorf(schema.ErrCodeDefinition, "policy %q needs a period or triggers", def.Name)
	}
	if len(def.Triggers) > 0 && m.hub == nil {
		return "", schema.NewErrorf(schema.ErrCodeDefinition, "triggers on %q need an event hub", ent.ID())
	}
	if _, isList := def.Condition.([]any); isList {
		return "", schema.NewError(schema.ErrCodeDefinition,
			"unresolveable condition: expected a map but got a list")
	}

	reg := &registration{
		kind:    kind,
		entity:  ent,
		def:     def,
		breaker: newBreaker(m.opts.Breaker, nil),
	}
	if def.Period != "" {
		s, err := ParsePeriod(def.Period)
		if err != nil {
			return "", err
		}
		reg.schedule = s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if name == "" {
		name = fmt.Sprintf("%s-%d", kind, len(m.regs)+1)
	}
	reg.id = ent.ID() + "/" + name
	if _, dup := m.regs[reg.id]; dup {
		return "", schema.NewErrorf(schema.ErrCodeDefinition, "duplicate %s %q on entity %q", kind, name, ent.ID())
	}
	reg.stats = Status{
		ID:       reg.id,
		Kind:     kind,
		EntityID: ent.ID(),
		Workflow: def.Name,
		Period:   def.Period,
		Triggers: def.Triggers,
	}
	m.regs[reg.id] = reg

	if m.started {
		if err := m.activate(reg); err != nil {
			delete(m.regs, reg.id)
			return "", err
		}
	}
	return reg.id, nil
}

// Remove detaches a registration. Runs already in flight finish.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.regs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no sensor or policy %q", id)
	}
	m.deactivate(reg)
	delete(m.regs, id)
	return nil
}

// Start activates every registration and begins firing.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("scheduler already started")
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.started = true
	m.cron.Start()
	for _, id := range m.sortedIDs() {
		if err := m.activate(m.regs[id]); err != nil {
			m.logger.Error("failed to activate trigger",
				slog.String("registration", id),
				slog.String("error", err.Error()),
			)
		}
	}
	m.logger.Info("scheduler started", slog.Int("registrations", len(m.regs)))
	return nil
}

// Stop stops firing and waits for in-flight runs to finish.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	for _, reg := range m.regs {
		m.deactivate(reg)
	}
	m.cancel()
	m.started = false
	m.mu.Unlock()

	<-m.cron.Stop().Done()
	m.wg.Wait()
	m.logger.Info("scheduler stopped")
	return nil
}

// List returns the status of every registration, ordered by id.
func (m *Manager) List() []Status {
	m.mu.Lock()
	regs := lo.Map(m.sortedIDs(), func(id string, _ int) *registration { return m.regs[id] })
	m.mu.Unlock()

	return lo.Map(regs, func(r *registration, _ int) Status { return r.status() })
}

// Fire runs a registration now, subject to the same condition gate, overlap
// and breaker rules as scheduled firings.
func (m *Manager) Fire(ctx context.Context, id string) (string, error) {
	m.mu.Lock()
	reg, ok := m.regs[id]
	m.mu.Unlock()
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "no sensor or policy %q", id)
	}
	return m.fire(ctx, reg, "manual"), nil
}

func (m *Manager) sortedIDs() []string {
	ids := lo.Keys(m.regs)
	sort.Strings(ids)
	return ids
}

// activate wires a registration to the cron runner and the hub. Callers hold m.mu.
func (m *Manager) activate(reg *registration) error {
	if reg.active {
		return nil
	}
	ctx := m.ctx
	if len(reg.def.Triggers) > 0 {
		events, unsubscribe, err := m.hub.Subscribe(ctx, streaming.Filter{
			Types:    []string{streaming.TypeAttributeChanged},
			EntityID: reg.entity.ID(),
			Names:    reg.def.Triggers,
		})
		if err != nil {
			return fmt.Errorf("subscribe triggers for %q: %w", reg.id, err)
		}
		reg.unsubscribe = unsubscribe
		m.wg.Add(1)
		go m.watch(ctx, reg, events)
	}
	if reg.schedule != nil {
		reg.entryID = m.cron.Schedule(reg.schedule, cron.FuncJob(func() {
			m.fire(ctx, reg, "period")
		}))
	}
	if reg.kind == KindSensor {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.fire(ctx, reg, "start")
		}()
	}
	reg.active = true
	return nil
}

// deactivate detaches a registration. Callers hold m.mu.
func (m *Manager) deactivate(reg *registration) {
	if !reg.active {
		return
	}
	if reg.entryID != 0 {
		m.cron.Remove(reg.entryID)
		reg.entryID = 0
	}
	if reg.unsubscribe != nil {
		reg.unsubscribe()
		reg.unsubscribe = nil
	}
	reg.active = false
}

// watch fires reg for each matching attribute change until the
// subscription closes.
func (m *Manager) watch(ctx context.Context, reg *registration, events <-chan streaming.Event) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.fire(ctx, reg, "trigger:"+ev.Name)
			}()
		}
	}
}

// fire runs reg once unless a run is already in flight, the condition does
// not hold or the breaker is open. It returns the outcome.
func (m *Manager) fire(ctx context.Context, reg *registration, reason string) string {
	outcome := m.fireOnce(ctx, reg, reason)
	if m.observer != nil {
		m.observer.TriggerFired(reg.id, reason, outcome)
	}
	return outcome
}

func (m *Manager) fireOnce(ctx context.Context, reg *registration, reason string) string {
	log := m.logger.With(slog.String("registration", reg.id), slog.String("reason", reason))

	if !m.tryAcquire(reg.id) {
		log.Debug("skipping trigger: previous run still in flight")
		reg.skipped()
		return OutcomeOverlap
	}
	outcome, res := m.attempt(ctx, reg, log, reason)
	m.release(reg.id)

	// The in-flight mark is cleared before subscribers see the new value.
	if outcome == OutcomeSucceeded && reg.kind == KindSensor && res != nil {
		reg.entity.SetAttribute(ctx, reg.def.Sensor, res.Output)
	}
	return outcome
}

func (m *Manager) attempt(ctx context.Context, reg *registration, log *slog.Logger, reason string) (string, *engine.Result) {
	ok, err := m.gate(ctx, reg)
	if err != nil {
		log.Warn("condition failed to evaluate", slog.String("error", err.Error()))
		reg.skipped()
		return OutcomeFailed, nil
	}
	if !ok {
		log.Debug("skipping trigger: condition does not hold")
		reg.skipped()
		return OutcomeConditioned, nil
	}

	if err := reg.breaker.allow(reg.id); err != nil {
		log.Warn("skipping trigger", slog.String("error", err.Error()))
		reg.skipped()
		return OutcomeSuppressed, nil
	}

	runID := uuid.NewString()
	m.emit(ctx, runID, reg, reason)
	res, err := m.runner.Run(ctx, engine.Request{
		Workflow: reg.def,
		Entity:   reg.entity,
		RunID:    runID,
	})
	reg.finished(runID, res, err)
	if err != nil {
		state := reg.breaker.failure()
		log.Warn("triggered workflow failed",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
			slog.String("circuit", state.String()),
		)
		return OutcomeFailed, res
	}
	reg.breaker.success()
	log.Debug("triggered workflow completed", slog.String("run_id", runID))
	return OutcomeSucceeded, res
}

// gate evaluates the workflow condition against the entity.
func (m *Manager) gate(ctx context.Context, reg *registration) (bool, error) {
	if reg.def.Condition == nil {
		return true, nil
	}
	scope := expressions.NewScope(expressions.EntityLayer{
		Entity:      reg.entity,
		WaitTimeout: m.opts.AttributeWaitTimeout,
	})
	return m.conditions.Evaluate(ctx, scope, reg.def.Condition, expressions.NotFound)
}

func (m *Manager) emit(ctx context.Context, runID string, reg *registration, reason string) {
	if m.events == nil {
		return
	}
	err := m.events.AppendEvent(context.WithoutCancel(ctx), &schema.Event{
		RunID: runID,
		Type:  schema.EventTriggerFired,
		Payload: map[string]any{
			"registration": reg.id,
			"kind":         string(reg.kind),
			"entity_id":    reg.entity.ID(),
			"reason":       reason,
		},
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		m.logger.Warn("failed to record trigger event",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
	}
}

// tryAcquire returns true and marks the registration as in-flight if it is not already running.
func (m *Manager) tryAcquire(id string) bool {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	if _, ok := m.inflight[id]; ok {
		return false
	}
	m.inflight[id] = struct{}{}
	return true
}

func (m *Manager) release(id string) {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	delete(m.inflight, id)
}

func (r *registration) skipped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Skipped++
}

func (r *registration) finished(runID string, res *engine.Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Runs++
	r.stats.LastRunID = runID
	r.stats.LastRunAt = time.Now().UTC()
	r.stats.LastStatus = schema.WorkflowStatusFailed
	if res != nil {
		r.stats.LastStatus = res.Status
	}
	if err != nil {
		r.stats.Failures++
	}
}

func (r *registration) status() Status {
	r.mu.Lock()
	s := r.stats
	r.mu.Unlock()
	s.Circuit = r.breaker.current().String()
	return s
}
