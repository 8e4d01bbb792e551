package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys.
var (
	AttrRunID       = attribute.Key("workflow.run_id")
	AttrParentRunID = attribute.Key("workflow.parent_run_id")
	AttrWorkflow    = attribute.Key("workflow.name")
	AttrEntityID    = attribute.Key("entity.id")
	AttrStepID      = attribute.Key("step.id")
	AttrStepType    = attribute.Key("step.type")
	AttrStatus      = attribute.Key("status")
	AttrErrorCode   = attribute.Key("error.code")
	AttrAttempt     = attribute.Key("retry.attempt")
	AttrTargets     = attribute.Key("fanout.targets")
	AttrWidth       = attribute.Key("fanout.width")
)

// Tracer wraps an OpenTelemetry tracer provider.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// TracerOption customises tracer construction.
type TracerOption func(*tracerOptions)

type tracerOptions struct {
	stdout   io.Writer
	provider []sdktrace.TracerProviderOption
}

// WithStdoutWriter sends the stdout exporter's output to w.
func WithStdoutWriter(w io.Writer) TracerOption {
	return func(o *tracerOptions) { o.stdout = w }
}

// WithProviderOptions appends raw provider options, such as extra span
// processors.
func WithProviderOptions(opts ...sdktrace.TracerProviderOption) TracerOption {
	return func(o *tracerOptions) { o.provider = append(o.provider, opts...) }
}

// NewTracer creates a tracer for the given configuration and installs it as
// the global provider.
func NewTracer(ctx context.Context, cfg TracingConfig, serviceName, serviceVersion string, opts ...TracerOption) (*Tracer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := tracerOptions{stdout: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case ExporterOTLP:
		exporter, err = newOTLPExporter(ctx, cfg)
	case ExporterStdout:
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(o.stdout), stdouttrace.WithPrettyPrint())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	rate := cfg.SamplingRate
	if rate == 0 {
		rate = 1
	}
	popts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	}
	if exporter != nil {
		popts = append(popts, sdktrace.WithBatcher(exporter))
	}
	popts = append(popts, o.provider...)

	provider := sdktrace.NewTracerProvider(popts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
	}, nil
}

func newOTLPExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Start begins a span.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Shutdown flushes pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// RecordError marks span as failed with err.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceID returns the trace id of the span in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
