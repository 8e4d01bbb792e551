package telemetry

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/pkg/schema"
)

// Observer feeds engine and scheduler callbacks into metrics and spans.
// Either part may be nil.
type Observer struct {
	metrics *Metrics
	tracer  *Tracer
}

// NewObserver combines metrics and tracing.
func NewObserver(metrics *Metrics, tracer *Tracer) *Observer {
	return &Observer{metrics: metrics, tracer: tracer}
}

var _ engine.Observer = (*Observer)(nil)

// spanKey tags the span opened for one run or one step. A callback ends only
// the span tagged with its own run and step.
type spanKey struct{}

type ownedSpan struct {
	span  trace.Span
	runID string
	step  string
}

func (o *Observer) open(ctx context.Context, name, runID, step string, attrs ...attribute.KeyValue) context.Context {
	if o.tracer == nil {
		return ctx
	}
	ctx, span := o.tracer.Start(ctx, name, attrs...)
	return context.WithValue(ctx, spanKey{}, ownedSpan{span: span, runID: runID, step: step})
}

func owned(ctx context.Context, runID, step string) (trace.Span, bool) {
	s, ok := ctx.Value(spanKey{}).(ownedSpan)
	if !ok || s.runID != runID || s.step != step {
		return nil, false
	}
	return s.span, true
}

func (o *Observer) RunStarted(ctx context.Context, run engine.RunInfo) context.Context {
	o.metrics.RecordRunStarted(run.WorkflowName)
	return o.open(ctx, "workflow.run", run.RunID, "",
		AttrRunID.String(run.RunID),
		AttrParentRunID.String(run.ParentRunID),
		AttrWorkflow.String(run.WorkflowName),
		AttrEntityID.String(run.EntityID),
	)
}

func (o *Observer) RunFinished(ctx context.Context, run engine.RunInfo, status schema.WorkflowStatus, elapsed time.Duration) {
	o.metrics.RecordRunFinished(run.WorkflowName, string(status), elapsed)
	span, ok := owned(ctx, run.RunID, "")
	if !ok {
		return
	}
	span.SetAttributes(AttrStatus.String(string(status)))
	if status == schema.WorkflowStatusSucceeded {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, string(status))
	}
	span.End()
}

func (o *Observer) StepStarted(ctx context.Context, run engine.RunInfo, stepID, stepType string) context.Context {
	return o.open(ctx, "step."+stepType, run.RunID, stepID,
		AttrRunID.String(run.RunID),
		AttrStepID.String(stepID),
		AttrStepType.String(stepType),
	)
}

func (o *Observer) StepFinished(ctx context.Context, run engine.RunInfo, stepID, stepType string, status schema.StepStatus, elapsed time.Duration, err error) {
	code := ""
	if err != nil {
		code = schema.ErrorCode(err)
	}
	o.metrics.RecordStep(stepType, string(status), code, elapsed)

	span, ok := owned(ctx, run.RunID, stepID)
	if !ok {
		return
	}
	span.SetAttributes(AttrStatus.String(string(status)))
	if err != nil {
		span.SetAttributes(AttrErrorCode.String(code))
		RecordError(span, err)
	}
	span.End()
}

func (o *Observer) StepRetried(ctx context.Context, run engine.RunInfo, stepID string, attempt int, delay time.Duration) {
	o.metrics.RecordRetry(run.WorkflowName)
	trace.SpanFromContext(ctx).AddEvent("retry", trace.WithAttributes(
		AttrStepID.String(stepID),
		AttrAttempt.Int(attempt),
		attribute.String("retry.delay", delay.String()),
	))
}

func (o *Observer) FanOut(ctx context.Context, _ engine.RunInfo, stepID string, targets, width int) {
	o.metrics.RecordFanOut(targets, width)
	trace.SpanFromContext(ctx).AddEvent("fanout", trace.WithAttributes(
		AttrStepID.String(stepID),
		AttrTargets.Int(targets),
		AttrWidth.Int(width),
	))
}

// TriggerFired records a sensor or policy firing decision.
func (o *Observer) TriggerFired(_, reason, outcome string) {
	o.metrics.RecordTrigger(triggerKind(reason), outcome)
}

// triggerKind folds "trigger:<attribute>" into "trigger" to keep label
// cardinality bounded.
func triggerKind(reason string) string {
	kind, _, _ := strings.Cut(reason, ":")
	return kind
}
