package engine

import (
	"context"
	"time"

	"github.com/rendis/stepwise/pkg/schema"
)

// RunInfo identifies a run to observers.
type RunInfo struct {
	RunID        string
	ParentRunID  string
	WorkflowName string
	EntityID     string
}

// Observer receives run and step lifecycle callbacks. StepStarted returns the
// context the step runs under, so tracing observers can attach spans.
// Implementations must be safe for concurrent use.
type Observer interface {
	RunStarted(ctx context.Context, run RunInfo) context.Context
	RunFinished(ctx context.Context, run RunInfo, status schema.WorkflowStatus, elapsed time.Duration)
	StepStarted(ctx context.Context, run RunInfo, stepID, stepType string) context.Context
	StepFinished(ctx context.Context, run RunInfo, stepID, stepType string, status schema.StepStatus, elapsed time.Duration, err error)
	StepRetried(ctx context.Context, run RunInfo, stepID string, attempt int, delay time.Duration)
	FanOut(ctx context.Context, run RunInfo, stepID string, targets, width int)
}

// NopObserver ignores every callback.
type NopObserver struct{}

func (NopObserver) RunStarted(ctx context.Context, _ RunInfo) context.Context                  { return ctx }
func (NopObserver) RunFinished(context.Context, RunInfo, schema.WorkflowStatus, time.Duration) {}
func (NopObserver) StepStarted(ctx context.Context, _ RunInfo, _, _ string) context.Context {
	return ctx
}
func (NopObserver) StepFinished(context.Context, RunInfo, string, string, schema.StepStatus, time.Duration, error) {
}
func (NopObserver) StepRetried(context.Context, RunInfo, string, int, time.Duration) {}
func (NopObserver) FanOut(context.Context, RunInfo, string, int, int)                {}

var _ Observer = NopObserver{}
