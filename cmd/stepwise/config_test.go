package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolateHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("STEPWISE_HOME", dir)
	return dir
}

func TestLoadConfig_Defaults(t *testing.T) {
	dir := isolateHome(t)

	cfg, err := loadConfig("", nil)
	require.NoError(t, err)
	assert.Equal(t, "libsql", cfg.Driver)
	assert.Equal(t, "file:"+filepath.Join(dir, "stepwise.db"), cfg.DBPath)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, ":4200", cfg.ListenAddr)
	assert.True(t, cfg.Telemetry.Metrics)
	assert.Equal(t, "none", cfg.Telemetry.TraceExporter)
}

func TestLoadConfig_Layering(t *testing.T) {
	dir := isolateHome(t)
	settings := `{
  "driver": "sqlite",
  "db_path": "/var/lib/stepwise.db",
  "pool_size": 4,
  "step_timeout": "2 minutes",
  "telemetry": {"trace_exporter": "stdout", "sampling_rate": 0.5}
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(settings), 0o600))
	t.Setenv("STEPWISE_POOL_SIZE", "8")
	t.Setenv("STEPWISE_LOG_LEVEL", "debug")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	registerConfigFlags(fs)
	require.NoError(t, fs.Parse([]string{"--log-level", "warn", "--driver", "memory"}))

	cfg, err := loadConfig("", fs)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Driver, "flag beats settings")
	assert.Equal(t, "/var/lib/stepwise.db", cfg.DBPath)
	assert.Equal(t, 8, cfg.PoolSize, "env beats settings")
	assert.Equal(t, "warn", cfg.LogLevel, "flag beats env")
	assert.Equal(t, 2*time.Minute, cfg.stepTimeout())
	assert.Zero(t, cfg.attributeWaitTimeout())

	tc := cfg.telemetryConfig()
	assert.Equal(t, "stdout", tc.Tracing.Exporter)
	assert.InDelta(t, 0.5, tc.Tracing.SamplingRate, 1e-9)
	assert.Equal(t, version, tc.ServiceVersion)
}

func TestLoadConfig_ExplicitPath(t *testing.T) {
	isolateHome(t)

	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.json"), nil)
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err = loadConfig(path, nil)
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"STEPWISE_METRICS":        "false",
		"STEPWISE_TRACE_EXPORTER": "otlp",
		"STEPWISE_OTLP_ENDPOINT":  "collector:4317",
		"STEPWISE_OTLP_INSECURE":  "true",
		"STEPWISE_SAMPLING_RATE":  "0.25",
		"STEPWISE_BLUEPRINT":      "shop.yaml",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	cfg := defaultConfig()
	require.NoError(t, applyEnv(&cfg, lookup))
	assert.False(t, cfg.Telemetry.Metrics)
	assert.Equal(t, "otlp", cfg.Telemetry.TraceExporter)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.True(t, cfg.Telemetry.OTLPInsecure)
	assert.InDelta(t, 0.25, cfg.Telemetry.SamplingRate, 1e-9)
	assert.Equal(t, "shop.yaml", cfg.Blueprint)
	require.NoError(t, cfg.Validate())

	env = map[string]string{"STEPWISE_POOL_SIZE": "many"}
	err := applyEnv(&cfg, lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STEPWISE_POOL_SIZE")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"unknown driver", func(c *Config) { c.Driver = "mongo" }, "driver"},
		{"missing db path", func(c *Config) { c.DBPath = "" }, "db_path"},
		{"pool too small", func(c *Config) { c.PoolSize = 0 }, "pool_size"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"bad duration", func(c *Config) { c.StepTimeout = "whenever" }, "step_timeout"},
		{"otlp without endpoint", func(c *Config) { c.Telemetry.TraceExporter = "otlp" }, "otlp_endpoint"},
		{"sampling above one", func(c *Config) { c.Telemetry.SamplingRate = 2 }, "sampling_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}

	cfg := defaultConfig()
	cfg.Driver, cfg.DBPath = driverMemory, ""
	assert.NoError(t, cfg.Validate(), "memory needs no db path")
}
