package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/stepwise/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by store.Store and store.EventLog; FSMs emit
// events through it on every transition.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *schema.Event) error
}

// --- Workflow FSM ---

type workflowHookKey struct {
	from, to schema.WorkflowStatus
}

// WorkflowFSM manages run lifecycle state transitions.
type WorkflowFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[workflowHookKey][]TransitionHook
	after    map[workflowHookKey][]TransitionHook
}

// NewWorkflowFSM creates a WorkflowFSM that emits events via appender.
func NewWorkflowFSM(appender EventAppender) *WorkflowFSM {
	return &WorkflowFSM{
		appender: appender,
		before:   make(map[workflowHookKey][]TransitionHook),
		after:    make(map[workflowHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a run transition. A hook error
// aborts the transition.
func (f *WorkflowFSM) OnBefore(from, to schema.WorkflowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := workflowHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a run transition.
func (f *WorkflowFSM) OnAfter(from, to schema.WorkflowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := workflowHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates a run transition and emits its event. payload is
// attached to the event. Persisting the new status is the caller's job.
func (f *WorkflowFSM) Transition(ctx context.Context, runID string, from, to schema.WorkflowStatus, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !slices.Contains(ValidWorkflowTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid workflow transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := workflowHookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := workflowEventType(to); eventType != "" && f.appender != nil {
		event := &schema.Event{RunID: runID, Type: eventType, Payload: payload}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit workflow event: %s", err).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func workflowEventType(to schema.WorkflowStatus) string {
	switch to {
	case schema.WorkflowStatusRunning:
		return schema.EventWorkflowStarted
	case schema.WorkflowStatusSucceeded:
		return schema.EventWorkflowCompleted
	case schema.WorkflowStatusFailed:
		return schema.EventWorkflowFailed
	case schema.WorkflowStatusCancelled:
		return schema.EventWorkflowCancelled
	default:
		return ""
	}
}

// --- Step FSM ---

type stepHookKey struct {
	from, to schema.StepStatus
}

// StepFSM manages the states of one visit to a step. A step revisited by
// next or retry starts a new visit from pending.
type StepFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[stepHookKey][]TransitionHook
	after    map[stepHookKey][]TransitionHook
}

// NewStepFSM creates a StepFSM that emits events via appender.
func NewStepFSM(appender EventAppender) *StepFSM {
	return &StepFSM{
		appender: appender,
		before:   make(map[stepHookKey][]TransitionHook),
		after:    make(map[stepHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a step transition.
func (f *StepFSM) OnBefore(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a step transition.
func (f *StepFSM) OnAfter(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates a step transition and emits its event.
func (f *StepFSM) Transition(ctx context.Context, runID, stepID string, from, to schema.StepStatus, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !slices.Contains(ValidStepTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(stepID).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := stepHookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := stepEventType(to); eventType != "" && f.appender != nil {
		event := &schema.Event{RunID: runID, StepID: stepID, Type: eventType, Payload: payload}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit step event: %s", err).
				WithStep(stepID).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusSucceeded:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	case schema.StepStatusRetrying:
		return schema.EventStepRetrying
	default:
		return ""
	}
}

// --- Transition tables ---

// ValidWorkflowTransitions defines the allowed run transitions. Resuming an
// interrupted run keeps it running and is recorded as its own event.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusNotStarted: {schema.WorkflowStatusRunning, schema.WorkflowStatusCancelled},
	schema.WorkflowStatusRunning:    {schema.WorkflowStatusSucceeded, schema.WorkflowStatusFailed, schema.WorkflowStatusCancelled},
	schema.WorkflowStatusSucceeded:  {},
	schema.WorkflowStatusFailed:     {},
	schema.WorkflowStatusCancelled:  {},
}

// ValidStepTransitions defines the allowed transitions within one visit.
// A failed visit may move to retrying when an on-error handler asks for a retry.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning, schema.StepStatusSkipped},
	schema.StepStatusRunning:   {schema.StepStatusSucceeded, schema.StepStatusFailed},
	schema.StepStatusFailed:    {schema.StepStatusRetrying},
	schema.StepStatusRetrying:  {},
	schema.StepStatusSucceeded: {},
	schema.StepStatusSkipped:   {},
}
