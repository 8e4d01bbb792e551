package schema

// Event type constants for the run event log.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"
	EventWorkflowResumed   = "workflow_resumed"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"

	EventErrorHandlerInvoked = "error_handler_invoked"
	EventConditionEvaluated  = "condition_evaluated"
	EventFanOutStarted       = "fanout_started"
	EventFanOutCompleted     = "fanout_completed"
	EventVariableSet         = "variable_set"
	EventTriggerFired        = "trigger_fired"
)

// WorkflowStatus represents the lifecycle state of a workflow run.
type WorkflowStatus string

const (
	WorkflowStatusNotStarted WorkflowStatus = "not-started"
	WorkflowStatusRunning    WorkflowStatus = "running"
	WorkflowStatusSucceeded  WorkflowStatus = "succeeded"
	WorkflowStatusFailed     WorkflowStatus = "failed"
	WorkflowStatusCancelled  WorkflowStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowStatusSucceeded, WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a step within a run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusRetrying  StepStatus = "retrying"
)
