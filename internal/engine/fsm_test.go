package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/pkg/schema"
)

// mockAppender records appended events for assertions.
type mockAppender struct {
	mu     sync.Mutex
	events []*schema.Event
}

func (m *mockAppender) AppendEvent(_ context.Context, event *schema.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockAppender) Events() []*schema.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*schema.Event, len(m.events))
	copy(cp, m.events)
	return cp
}

// failAppender always returns an error.
type failAppender struct{}

func (failAppender) AppendEvent(context.Context, *schema.Event) error {
	return errors.New("store unavailable")
}

func TestWorkflowFSM_ValidTransitions(t *testing.T) {
	app := &mockAppender{}
	fsm := NewWorkflowFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "run-1", schema.WorkflowStatusNotStarted, schema.WorkflowStatusRunning, nil))
	require.NoError(t, fsm.Transition(ctx, "run-1", schema.WorkflowStatusRunning, schema.WorkflowStatusSucceeded,
		map[string]any{"k": "v"}))

	events := app.Events()
	require.Len(t, events, 2)
	assert.Equal(t, schema.EventWorkflowStarted, events[0].Type)
	assert.Equal(t, schema.EventWorkflowCompleted, events[1].Type)
	assert.Equal(t, "run-1", events[1].RunID)
	assert.Equal(t, "v", events[1].Payload["k"])
}

func TestWorkflowFSM_TerminalEvents(t *testing.T) {
	tests := []struct {
		name string
		from schema.WorkflowStatus
		to   schema.WorkflowStatus
		want string
	}{
		{"failed", schema.WorkflowStatusRunning, schema.WorkflowStatusFailed, schema.EventWorkflowFailed},
		{"cancelled while running", schema.WorkflowStatusRunning, schema.WorkflowStatusCancelled, schema.EventWorkflowCancelled},
		{"cancelled before start", schema.WorkflowStatusNotStarted, schema.WorkflowStatusCancelled, schema.EventWorkflowCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := &mockAppender{}
			require.NoError(t, NewWorkflowFSM(app).Transition(context.Background(), "r", tt.from, tt.to, nil))
			require.Len(t, app.Events(), 1)
			assert.Equal(t, tt.want, app.Events()[0].Type)
		})
	}
}

func TestWorkflowFSM_InvalidTransition(t *testing.T) {
	app := &mockAppender{}
	fsm := NewWorkflowFSM(app)

	err := fsm.Transition(context.Background(), "run-1", schema.WorkflowStatusNotStarted, schema.WorkflowStatusSucceeded, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))
	assert.Contains(t, err.Error(), "not-started")
	assert.Empty(t, app.Events())
}

func TestWorkflowFSM_TerminalStatesAreFinal(t *testing.T) {
	fsm := NewWorkflowFSM(nil)
	for _, from := range []schema.WorkflowStatus{
		schema.WorkflowStatusSucceeded,
		schema.WorkflowStatusFailed,
		schema.WorkflowStatusCancelled,
	} {
		err := fsm.Transition(context.Background(), "r", from, schema.WorkflowStatusRunning, nil)
		assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition), "from %s", from)
	}
}

func TestWorkflowFSM_Hooks(t *testing.T) {
	fsm := NewWorkflowFSM(&mockAppender{})
	var seen []string
	fsm.OnBefore(schema.WorkflowStatusNotStarted, schema.WorkflowStatusRunning, func(from, to string) error {
		seen = append(seen, "before:"+from+">"+to)
		return nil
	})
	fsm.OnAfter(schema.WorkflowStatusNotStarted, schema.WorkflowStatusRunning, func(from, to string) error {
		seen = append(seen, "after:"+from+">"+to)
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), "r", schema.WorkflowStatusNotStarted, schema.WorkflowStatusRunning, nil))
	assert.Equal(t, []string{"before:not-started>running", "after:not-started>running"}, seen)
}

func TestWorkflowFSM_BeforeHookBlocks(t *testing.T) {
	app := &mockAppender{}
	fsm := NewWorkflowFSM(app)
	fsm.OnBefore(schema.WorkflowStatusNotStarted, schema.WorkflowStatusRunning, func(string, string) error {
		return errors.New("not allowed")
	})

	err := fsm.Transition(context.Background(), "r", schema.WorkflowStatusNotStarted, schema.WorkflowStatusRunning, nil)
	require.Error(t, err)
	assert.Empty(t, app.Events())
}

func TestWorkflowFSM_AppenderFailure(t *testing.T) {
	fsm := NewWorkflowFSM(failAppender{})
	err := fsm.Transition(context.Background(), "r", schema.WorkflowStatusNotStarted, schema.WorkflowStatusRunning, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
}

func TestStepFSM_Lifecycle(t *testing.T) {
	app := &mockAppender{}
	fsm := NewStepFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "r", "s1", schema.StepStatusPending, schema.StepStatusRunning, nil))
	require.NoError(t, fsm.Transition(ctx, "r", "s1", schema.StepStatusRunning, schema.StepStatusFailed, nil))
	require.NoError(t, fsm.Transition(ctx, "r", "s1", schema.StepStatusFailed, schema.StepStatusRetrying, nil))
	require.NoError(t, fsm.Transition(ctx, "r", "s2", schema.StepStatusPending, schema.StepStatusSkipped, nil))

	events := app.Events()
	require.Len(t, events, 4)
	assert.Equal(t, schema.EventStepStarted, events[0].Type)
	assert.Equal(t, schema.EventStepFailed, events[1].Type)
	assert.Equal(t, schema.EventStepRetrying, events[2].Type)
	assert.Equal(t, schema.EventStepSkipped, events[3].Type)
	assert.Equal(t, "s1", events[0].StepID)
}

func TestStepFSM_InvalidTransitions(t *testing.T) {
	fsm := NewStepFSM(&mockAppender{})
	tests := []struct {
		from, to schema.StepStatus
	}{
		{schema.StepStatusPending, schema.StepStatusSucceeded},
		{schema.StepStatusSucceeded, schema.StepStatusRunning},
		{schema.StepStatusSkipped, schema.StepStatusRunning},
		{schema.StepStatusRunning, schema.StepStatusSkipped},
	}
	for _, tt := range tests {
		err := fsm.Transition(context.Background(), "r", "s", tt.from, tt.to, nil)
		assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition), "%s -> %s", tt.from, tt.to)
	}
}
