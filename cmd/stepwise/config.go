package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/spf13/cast"
	"github.com/spf13/pflag"

	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/internal/telemetry"
	"github.com/rendis/stepwise/pkg/schema"
)

// driverMemory keeps runs in process memory only.
const driverMemory = "memory"

// Config holds all stepwise configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	Driver     string `json:"driver" validate:"oneof=libsql sqlite memory"`
	DBPath     string `json:"db_path" validate:"required_unless=Driver memory"`
	LogLevel   string `json:"log_level" validate:"oneof=debug info warn error"`
	LogFormat  string `json:"log_format" validate:"oneof=text json"`
	PoolSize   int    `json:"pool_size" validate:"gte=1,lte=1024"`
	ListenAddr string `json:"listen_addr" validate:"required"`
	Blueprint  string `json:"blueprint"`
	Shell      string `json:"shell"`

	// Durations accept Go syntax and spaced forms such as "200 ms".
	StepTimeout          string `json:"step_timeout" validate:"omitempty,duration"`
	AttributeWaitTimeout string `json:"attribute_wait_timeout" validate:"omitempty,duration"`

	Telemetry TelemetrySettings `json:"telemetry"`
}

// TelemetrySettings configures metrics and tracing.
type TelemetrySettings struct {
	Metrics       bool              `json:"metrics"`
	TraceExporter string            `json:"trace_exporter" validate:"oneof=none stdout otlp"`
	OTLPEndpoint  string            `json:"otlp_endpoint" validate:"required_if=TraceExporter otlp"`
	OTLPInsecure  bool              `json:"otlp_insecure"`
	OTLPHeaders   map[string]string `json:"otlp_headers"`
	SamplingRate  float64           `json:"sampling_rate" validate:"gte=0,lte=1"`
}

func defaultConfig() Config {
	return Config{
		Driver:     store.DriverLibSQL,
		DBPath:     "file:" + filepath.Join(stepwiseDir(), "stepwise.db"),
		LogLevel:   "info",
		LogFormat:  "text",
		PoolSize:   10,
		ListenAddr: ":4200",
		Telemetry: TelemetrySettings{
			Metrics:       true,
			TraceExporter: telemetry.ExporterNone,
			SamplingRate:  1,
		},
	}
}

func stepwiseDir() string {
	if dir := os.Getenv("STEPWISE_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepwise"
	}
	return filepath.Join(home, ".stepwise")
}

func settingsPath() string {
	return filepath.Join(stepwiseDir(), "settings.json")
}

var configValidator = newConfigValidator()

func newConfigValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := schema.ParseDuration(fl.Field().String())
		return err == nil
	})
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	return v
}

// loadConfig layers defaults, the settings file, STEPWISE_* env vars and any
// flags the user set. path overrides the default settings location; a
// missing default file is not an error.
func loadConfig(path string, flags *pflag.FlagSet) (Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if !explicit {
		path = settingsPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case explicit || !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	if flags != nil {
		if err := applyFlags(&cfg, flags); err != nil {
			return cfg, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// envBindings maps STEPWISE_* variables onto config fields.
var envBindings = map[string]func(*Config, string) error{
	"STEPWISE_DRIVER":      func(c *Config, v string) error { c.Driver = v; return nil },
	"STEPWISE_DB_PATH":     func(c *Config, v string) error { c.DBPath = v; return nil },
	"STEPWISE_LOG_LEVEL":   func(c *Config, v string) error { c.LogLevel = v; return nil },
	"STEPWISE_LOG_FORMAT":  func(c *Config, v string) error { c.LogFormat = v; return nil },
	"STEPWISE_LISTEN_ADDR": func(c *Config, v string) error { c.ListenAddr = v; return nil },
	"STEPWISE_BLUEPRINT":   func(c *Config, v string) error { c.Blueprint = v; return nil },
	"STEPWISE_SHELL":       func(c *Config, v string) error { c.Shell = v; return nil },
	"STEPWISE_STEP_TIMEOUT": func(c *Config, v string) error {
		c.StepTimeout = v
		return nil
	},
	"STEPWISE_ATTRIBUTE_WAIT_TIMEOUT": func(c *Config, v string) error {
		c.AttributeWaitTimeout = v
		return nil
	},
	"STEPWISE_POOL_SIZE": func(c *Config, v string) (err error) {
		c.PoolSize, err = cast.ToIntE(v)
		return err
	},
	"STEPWISE_METRICS": func(c *Config, v string) (err error) {
		c.Telemetry.Metrics, err = cast.ToBoolE(v)
		return err
	},
	"STEPWISE_TRACE_EXPORTER": func(c *Config, v string) error { c.Telemetry.TraceExporter = v; return nil },
	"STEPWISE_OTLP_ENDPOINT":  func(c *Config, v string) error { c.Telemetry.OTLPEndpoint = v; return nil },
	"STEPWISE_OTLP_INSECURE": func(c *Config, v string) (err error) {
		c.Telemetry.OTLPInsecure, err = cast.ToBoolE(v)
		return err
	},
	"STEPWISE_SAMPLING_RATE": func(c *Config, v string) (err error) {
		c.Telemetry.SamplingRate, err = cast.ToFloat64E(v)
		return err
	},
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for name, set := range envBindings {
		v, ok := lookup(name)
		if !ok || v == "" {
			continue
		}
		if err := set(cfg, v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// registerConfigFlags declares the flags that override configuration.
func registerConfigFlags(fs *pflag.FlagSet) {
	fs.String("driver", "", "snapshot store driver: libsql, sqlite or memory")
	fs.String("db", "", "database path or URI")
	fs.String("log-level", "", "log level: debug, info, warn or error")
	fs.String("log-format", "", "log format: text or json")
	fs.Int("pool-size", 0, "maximum concurrent asynchronous runs")
	fs.String("blueprint", "", "blueprint file with custom types and entities")
}

func applyFlags(cfg *Config, fs *pflag.FlagSet) error {
	strs := map[string]*string{
		"driver":     &cfg.Driver,
		"db":         &cfg.DBPath,
		"log-level":  &cfg.LogLevel,
		"log-format": &cfg.LogFormat,
		"blueprint":  &cfg.Blueprint,
	}
	for name, dst := range strs {
		if f := fs.Lookup(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	if f := fs.Lookup("pool-size"); f != nil && f.Changed {
		n, err := fs.GetInt("pool-size")
		if err != nil {
			return err
		}
		cfg.PoolSize = n
	}
	if f := fs.Lookup("listen"); f != nil && f.Changed {
		cfg.ListenAddr = f.Value.String()
	}
	return nil
}

// Validate checks the configuration and reports every failing field.
func (c Config) Validate() error {
	err := configValidator.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", field, fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

func (c Config) stepTimeout() time.Duration          { return mustDuration(c.StepTimeout) }
func (c Config) attributeWaitTimeout() time.Duration { return mustDuration(c.AttributeWaitTimeout) }

// mustDuration parses a duration already checked by Validate.
func mustDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, _ := schema.ParseDuration(s)
	return d
}

// telemetryConfig maps settings onto the telemetry package.
func (c Config) telemetryConfig() telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	tc.Metrics.Enabled = c.Telemetry.Metrics
	tc.Tracing = telemetry.TracingConfig{
		Exporter:     c.Telemetry.TraceExporter,
		Endpoint:     c.Telemetry.OTLPEndpoint,
		Insecure:     c.Telemetry.OTLPInsecure,
		Headers:      c.Telemetry.OTLPHeaders,
		SamplingRate: c.Telemetry.SamplingRate,
	}
	return tc
}
