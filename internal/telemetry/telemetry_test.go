package telemetry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/internal/scheduler"
	"github.com/rendis/stepwise/internal/steps"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

var _ scheduler.Observer = (*Observer)(nil)

func newRecordingTracer(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tr, err := NewTracer(context.Background(), TracingConfig{Exporter: ExporterNone}, "stepwise-test", "dev",
		WithProviderOptions(sdktrace.WithSpanProcessor(sr)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Shutdown(context.Background()) })
	return tr, sr
}

func TestTracingConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     TracingConfig
		wantErr bool
	}{
		{"empty", TracingConfig{}, false},
		{"stdout", TracingConfig{Exporter: ExporterStdout}, false},
		{"otlp with endpoint", TracingConfig{Exporter: ExporterOTLP, Endpoint: "localhost:4317"}, false},
		{"otlp without endpoint", TracingConfig{Exporter: ExporterOTLP}, true},
		{"unknown exporter", TracingConfig{Exporter: "jaeger"}, true},
		{"bad sampling", TracingConfig{SamplingRate: 1.5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMetrics_Disabled(t *testing.T) {
	m := NewMetrics(MetricsConfig{})
	m.RecordRunStarted("wf")
	m.RecordStep("log", "succeeded", "", time.Millisecond)
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var nilMetrics *Metrics
	assert.NotPanics(t, func() { nilMetrics.RecordTrigger("period", "succeeded") })
}

func TestMetrics_Recorders(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, Namespace: "t"})

	m.RecordRunStarted("deploy")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeRuns))
	m.RecordRunFinished("deploy", "failed", time.Second)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeRuns))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsFinished.WithLabelValues("deploy", "failed")))

	m.RecordStep("http", "failed", schema.ErrCodeTimeout, time.Second)
	m.RecordStep("http", "skipped", "", 0)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepsFinished.WithLabelValues("http", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepErrors.WithLabelValues(schema.ErrCodeTimeout)))

	m.RecordTrigger("trigger", "overlap")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.triggers.WithLabelValues("trigger", "overlap")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "t_runs_finished_total")
}

func TestObserver_EngineRun(t *testing.T) {
	tr, sr := newRecordingTracer(t)
	metrics := NewMetrics(MetricsConfig{Enabled: true, Namespace: "stepwise"})
	obs := NewObserver(metrics, tr)

	reg := steps.NewRegistry()
	require.NoError(t, steps.RegisterBuiltins(reg, steps.BuiltinConfig{}))
	eng, err := engine.New(store.NewMemoryStore(), reg, engine.Config{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Observer: obs,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })

	res, err := eng.Run(context.Background(), engine.Request{Workflow: &schema.WorkflowDefinition{
		Name: "traced",
		Steps: []any{
			"let integer x = 1",
			map[string]any{"s": "log never", "condition": false},
			"return ${x}",
		},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Output)

	ended := sr.Ended()
	names := make([]string, len(ended))
	for i, s := range ended {
		names[i] = s.Name()
	}
	assert.Equal(t, []string{"step.let", "step.return", "workflow.run"}, names)

	root := ended[2]
	assert.False(t, root.Parent().IsValid())
	for _, s := range ended[:2] {
		assert.Equal(t, root.SpanContext().SpanID(), s.Parent().SpanID(), s.Name())
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.runsFinished.WithLabelValues("traced", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.stepsFinished.WithLabelValues("log", "skipped")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.activeRuns))
}

func TestObserver_StepFailureMarksSpan(t *testing.T) {
	tr, sr := newRecordingTracer(t)
	obs := NewObserver(nil, tr)
	run := engine.RunInfo{RunID: "r1", WorkflowName: "wf"}

	ctx := obs.RunStarted(context.Background(), run)
	stepCtx := obs.StepStarted(ctx, run, "fetch", "http")
	obs.StepFinished(stepCtx, run, "fetch", "http", schema.StepStatusFailed, time.Millisecond,
		schema.NewError(schema.ErrCodeTimeout, "slow"))

	// A skipped step has no span of its own; the run span stays open.
	obs.StepFinished(ctx, run, "later", "log", schema.StepStatusSkipped, 0, nil)
	require.Len(t, sr.Ended(), 1)

	obs.RunFinished(ctx, run, schema.WorkflowStatusFailed, time.Millisecond)
	ended := sr.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "step.http", ended[0].Name())
	assert.Equal(t, "Error", ended[0].Status().Code.String())
	assert.Len(t, ended[0].Events(), 1, "error recorded as span event")
	assert.Equal(t, "workflow.run", ended[1].Name())
}

func TestObserver_TriggerFired(t *testing.T) {
	metrics := NewMetrics(MetricsConfig{Enabled: true})
	obs := NewObserver(metrics, nil)
	obs.TriggerFired("app/s", "trigger:theTrigger", scheduler.OutcomeSucceeded)
	obs.TriggerFired("app/s", "period", scheduler.OutcomeOverlap)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.triggers.WithLabelValues("trigger", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.triggers.WithLabelValues("period", "overlap")))
}

func TestNewTracer_Stdout(t *testing.T) {
	var buf bytes.Buffer
	tr, err := NewTracer(context.Background(), TracingConfig{Exporter: ExporterStdout}, "svc", "1", WithStdoutWriter(&buf))
	require.NoError(t, err)

	ctx, span := tr.Start(context.Background(), "probe")
	assert.NotEmpty(t, TraceID(ctx))
	RecordError(span, errors.New("bad"))
	span.End()
	require.NoError(t, tr.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), `"Name": "probe"`)
}

func TestNewTracer_InvalidConfig(t *testing.T) {
	_, err := NewTracer(context.Background(), TracingConfig{Exporter: "zipkin"}, "svc", "1")
	assert.Error(t, err)
}
