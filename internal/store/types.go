package store

import (
	"time"

	"github.com/rendis/stepwise/pkg/schema"
)

// SnapshotFilter narrows ListSnapshots. Zero fields match everything.
type SnapshotFilter struct {
	Status       schema.WorkflowStatus
	WorkflowName string
	EntityID     string
	ParentRunID  string
	// TopLevel restricts results to runs without a parent.
	TopLevel bool
	Since    *time.Time
	Limit    int
	Offset   int
}

// Matches reports whether snap passes the filter. Used by in-memory
// implementations; SQL implementations translate the filter into a query.
func (f SnapshotFilter) Matches(snap *schema.Snapshot) bool {
	if f.Status != "" && snap.Status != f.Status {
		return false
	}
	if f.WorkflowName != "" && snap.WorkflowName != f.WorkflowName {
		return false
	}
	if f.EntityID != "" && snap.EntityID != f.EntityID {
		return false
	}
	if f.ParentRunID != "" && snap.ParentRunID != f.ParentRunID {
		return false
	}
	if f.TopLevel && snap.ParentRunID != "" {
		return false
	}
	if f.Since != nil && snap.CreatedAt.Before(*f.Since) {
		return false
	}
	return true
}

// StepState is the state of one step reconstructed from the event log.
type StepState struct {
	StepID      string            `json:"step_id"`
	Status      schema.StepStatus `json:"status"`
	Attempts    int               `json:"attempts"`
	Error       string            `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}
