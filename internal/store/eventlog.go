package store

import (
	"context"
	"fmt"

	"github.com/rendis/stepwise/pkg/schema"
)

// EventLog provides event-sourcing reads over any Store.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event; the store assigns its sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *schema.Event) error {
	return el.store.AppendEvent(ctx, event)
}

// GetEvents returns events for a run with sequence > since, ordered by sequence.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*schema.Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// ReplayEvents replays all events of a run and returns the reconstructed step states.
// Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayEvents(ctx context.Context, runID string) (map[string]*StepState, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}
	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}
	return ReplaySteps(events), nil
}

// ReplaySteps folds step events into per-step states. A step visited more
// than once (loops, retries) reports its latest status and the total attempts.
func ReplaySteps(events []*schema.Event) map[string]*StepState {
	states := make(map[string]*StepState)
	for _, e := range events {
		if e.StepID == "" {
			continue
		}
		ss, ok := states[e.StepID]
		if !ok {
			ss = &StepState{StepID: e.StepID, Status: schema.StepStatusPending}
			states[e.StepID] = ss
		}

		ts := e.Timestamp
		switch e.Type {
		case schema.EventStepStarted:
			ss.Status = schema.StepStatusRunning
			ss.Attempts++
			ss.StartedAt = &ts
			ss.CompletedAt = nil
			ss.Error = ""

		case schema.EventStepCompleted:
			ss.Status = schema.StepStatusSucceeded
			ss.CompletedAt = &ts
			if ss.StartedAt != nil {
				ss.DurationMs = ts.Sub(*ss.StartedAt).Milliseconds()
			}

		case schema.EventStepFailed:
			ss.Status = schema.StepStatusFailed
			ss.CompletedAt = &ts
			if msg, ok := e.Payload["error"].(string); ok {
				ss.Error = msg
			}

		case schema.EventStepSkipped:
			ss.Status = schema.StepStatusSkipped

		case schema.EventStepRetrying:
			ss.Status = schema.StepStatusRetrying
		}
	}
	return states
}
