// Package telemetry exposes workflow runs, steps and triggers as Prometheus
// metrics and OpenTelemetry spans.
package telemetry

import "fmt"

// Trace exporters.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Config contains the telemetry configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Metrics        MetricsConfig
	Tracing        TracingConfig
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	// Enabled controls whether metrics are recorded at all.
	Enabled bool
	// Namespace prefixes every metric name.
	Namespace string
	// Buckets overrides the duration histogram buckets.
	Buckets []float64
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	// Exporter is one of none, stdout or otlp. Spans are still created with
	// none, which keeps trace ids available to logs.
	Exporter string
	// Endpoint is the OTLP gRPC collector address (host:port).
	Endpoint string
	// Insecure disables TLS towards the collector.
	Insecure bool
	// Headers are sent with every OTLP export.
	Headers map[string]string
	// SamplingRate is the fraction of root runs traced (0 to 1).
	SamplingRate float64
}

// DefaultConfig returns metrics on, traces created but not exported.
func DefaultConfig() Config {
	return Config{
		ServiceName: "stepwise",
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "stepwise",
		},
		Tracing: TracingConfig{
			Exporter:     ExporterNone,
			SamplingRate: 1,
		},
	}
}

// Validate checks the tracing settings.
func (c TracingConfig) Validate() error {
	switch c.Exporter {
	case "", ExporterNone, ExporterStdout:
	case ExporterOTLP:
		if c.Endpoint == "" {
			return fmt.Errorf("otlp exporter requires an endpoint")
		}
	default:
		return fmt.Errorf("unsupported trace exporter %q", c.Exporter)
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling rate %v out of range [0, 1]", c.SamplingRate)
	}
	return nil
}
