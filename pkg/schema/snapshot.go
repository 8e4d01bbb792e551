package schema

import "time"

// Snapshot is the persisted progress of one workflow run. Steps hold the
// authored, unresolved definitions; resolution is redone on replay.
type Snapshot struct {
	RunID        string         `json:"run_id"`
	ParentRunID  string         `json:"parent_run_id,omitempty"`
	WorkflowName string         `json:"workflow_name,omitempty"`
	EntityID     string         `json:"entity_id,omitempty"`
	Steps        []any          `json:"steps"`
	Output       any            `json:"output,omitempty"`
	OutputSpec   any            `json:"output_spec,omitempty"`
	OnError      []any          `json:"on_error,omitempty"`
	Input        map[string]any `json:"input,omitempty"`
	Vars         map[string]any `json:"vars,omitempty"`
	Index        int            `json:"index"`
	StepID       string         `json:"step_id,omitempty"`
	LastOutput   any            `json:"last_output,omitempty"`
	RetryCounts  map[string]int `json:"retry_counts,omitempty"`
	Status       WorkflowStatus `json:"status"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Event is one entry of a run's append-only event log.
type Event struct {
	ID        int64          `json:"id"`
	RunID     string         `json:"run_id"`
	Sequence  int64          `json:"sequence"`
	Type      string         `json:"type"`
	StepID    string         `json:"step_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
