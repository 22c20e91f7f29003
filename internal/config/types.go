// Package config loads the runtime configuration by layering defaults, an
// optional YAML file, ETHOS_* environment variables and programmatic
// overrides. Metadata records which layer supplied each value. Agent
// profiles (identity, permitted actions, domain evaluation) load through the
// same package.
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ethos/internal/core"
)

// ValueSource describes where a configuration value originated from.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "override"
)

// Duration wraps time.Duration so YAML files can write "30s" instead of
// nanosecond integers. Bare integers are read as seconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalYAML renders the duration in time.Duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts either a duration string or an integer second count.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err == nil {
		parsed, perr := time.ParseDuration(strings.TrimSpace(text))
		if perr != nil {
			return fmt.Errorf("parse duration %q: %w", text, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var seconds int64
	if err := value.Decode(&seconds); err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(time.Duration(seconds) * time.Second)
	return nil
}

// Config captures every tunable the runtime reads at startup.
type Config struct {
	Runtime       RuntimeConfig       `yaml:"runtime"`
	DMA           DMAConfig           `yaml:"dma"`
	Guardrails    GuardrailsConfig    `yaml:"guardrails"`
	Tools         ToolsConfig         `yaml:"tools"`
	WiseAuthority WiseAuthorityConfig `yaml:"wise_authority"`
	Breaker       BreakerConfig       `yaml:"breaker"`
	Tasks         TasksConfig         `yaml:"tasks"`
	Store         StoreConfig         `yaml:"store"`
	Audit         AuditConfig         `yaml:"audit"`
	Schedules     SchedulesConfig     `yaml:"schedules"`
	Log           LogConfig           `yaml:"log"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Tracing       TracingConfig       `yaml:"tracing"`
	Profile       string              `yaml:"profile"`
}

// RuntimeConfig bounds the cognitive loop.
type RuntimeConfig struct {
	MaxActiveTasks      int      `yaml:"max_active_tasks"`
	MaxInflightThoughts int      `yaml:"max_inflight_thoughts"`
	MaxPonderRounds     int      `yaml:"max_ponder_rounds"`
	MaxRounds           int      `yaml:"max_rounds"`
	QueueCapacity       int      `yaml:"queue_capacity"`
	StartupTimeout      Duration `yaml:"startup_timeout"`
}

// DMAConfig tunes the decision-making evaluators.
type DMAConfig struct {
	RetryLimit int      `yaml:"retry_limit"`
	Timeout    Duration `yaml:"timeout"`
}

// GuardrailsConfig tunes the safety layer.
type GuardrailsConfig struct {
	RetryLimit         int     `yaml:"retry_limit"`
	EntropyThreshold   float64 `yaml:"entropy_threshold"`
	CoherenceThreshold float64 `yaml:"coherence_threshold"`
}

// ToolsConfig tunes tool execution.
type ToolsConfig struct {
	ResultTimeout Duration `yaml:"result_timeout"`
}

// WiseAuthorityConfig tunes guidance and deferral calls.
type WiseAuthorityConfig struct {
	GuidanceTimeout Duration `yaml:"guidance_timeout"`
	DeferralTimeout Duration `yaml:"deferral_timeout"`
}

// BreakerConfig tunes the per-provider circuit breakers.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	SuccessThreshold int      `yaml:"success_threshold"`
	Cooldown         Duration `yaml:"cooldown"`
}

// TasksConfig names the protected roots and the default channel.
type TasksConfig struct {
	ProtectedIDs []string `yaml:"protected_ids"`
	HomeChannel  string   `yaml:"home_channel"`
}

// StoreConfig locates the task store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// AuditConfig locates the audit sink.
type AuditConfig struct {
	Path   string `yaml:"path"`
	Buffer int    `yaml:"buffer"`
}

// SchedulesConfig holds cron expressions for the scheduled modes. An empty
// expression disables the schedule.
type SchedulesConfig struct {
	Dream         string   `yaml:"dream"`
	DreamDuration Duration `yaml:"dream_duration"`
	Monitor       string   `yaml:"monitor"`
}

// LogConfig selects log verbosity and encoding.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port"`
}

// TracingConfig controls span export.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Exporter   string  `yaml:"exporter"`
	SampleRate float64 `yaml:"sample_rate"`
}

// Default builds the configuration the runtime uses when no file, env or
// override supplies a value.
func Default() Config {
	return Config{
		Runtime: RuntimeConfig{
			MaxActiveTasks:      10,
			MaxInflightThoughts: 4,
			MaxPonderRounds:     5,
			MaxRounds:           5,
			QueueCapacity:       64,
			StartupTimeout:      Duration(30 * time.Second),
		},
		DMA: DMAConfig{
			RetryLimit: 3,
			Timeout:    Duration(30 * time.Second),
		},
		Guardrails: GuardrailsConfig{
			RetryLimit:         3,
			EntropyThreshold:   0.40,
			CoherenceThreshold: 0.60,
		},
		Tools: ToolsConfig{
			ResultTimeout: Duration(30 * time.Second),
		},
		WiseAuthority: WiseAuthorityConfig{
			GuidanceTimeout: Duration(10 * time.Second),
			DeferralTimeout: Duration(10 * time.Second),
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Cooldown:         Duration(30 * time.Second),
		},
		Tasks: TasksConfig{
			ProtectedIDs: core.DefaultProtectedTaskIDs(),
			HomeChannel:  "cli",
		},
		Store: StoreConfig{Path: "ethos.db"},
		Audit: AuditConfig{Path: "audit.jsonl", Buffer: 256},
		Schedules: SchedulesConfig{
			DreamDuration: Duration(10 * time.Minute),
		},
		Log:     LogConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{},
		Tracing: TracingConfig{Exporter: "otlp", SampleRate: 1.0},
		Profile: "default",
	}
}

// Validate rejects values the runtime cannot operate with.
func (c Config) Validate() error {
	if c.Runtime.MaxActiveTasks <= 0 {
		return fmt.Errorf("runtime.max_active_tasks must be positive, got %d", c.Runtime.MaxActiveTasks)
	}
	if c.Runtime.MaxInflightThoughts <= 0 {
		return fmt.Errorf("runtime.max_inflight_thoughts must be positive, got %d", c.Runtime.MaxInflightThoughts)
	}
	if c.Runtime.MaxPonderRounds < 1 {
		return fmt.Errorf("runtime.max_ponder_rounds must be at least 1, got %d", c.Runtime.MaxPonderRounds)
	}
	if c.Runtime.MaxRounds < 1 {
		return fmt.Errorf("runtime.max_rounds must be at least 1, got %d", c.Runtime.MaxRounds)
	}
	if c.Runtime.QueueCapacity <= 0 {
		return fmt.Errorf("runtime.queue_capacity must be positive, got %d", c.Runtime.QueueCapacity)
	}
	if c.DMA.RetryLimit < 0 {
		return fmt.Errorf("dma.retry_limit must not be negative, got %d", c.DMA.RetryLimit)
	}
	if c.DMA.Timeout.Std() <= 0 {
		return fmt.Errorf("dma.timeout must be positive, got %s", c.DMA.Timeout)
	}
	if c.Guardrails.RetryLimit < 0 {
		return fmt.Errorf("guardrails.retry_limit must not be negative, got %d", c.Guardrails.RetryLimit)
	}
	if c.Guardrails.EntropyThreshold < 0 || c.Guardrails.EntropyThreshold > 1 {
		return fmt.Errorf("guardrails.entropy_threshold must be within [0,1], got %f", c.Guardrails.EntropyThreshold)
	}
	if c.Guardrails.CoherenceThreshold < 0 || c.Guardrails.CoherenceThreshold > 1 {
		return fmt.Errorf("guardrails.coherence_threshold must be within [0,1], got %f", c.Guardrails.CoherenceThreshold)
	}
	if c.Tools.ResultTimeout.Std() <= 0 {
		return fmt.Errorf("tools.result_timeout must be positive, got %s", c.Tools.ResultTimeout)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.SuccessThreshold <= 0 {
		return fmt.Errorf("breaker.success_threshold must be positive, got %d", c.Breaker.SuccessThreshold)
	}
	if c.Tasks.HomeChannel == "" {
		return fmt.Errorf("tasks.home_channel must not be empty")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	if c.Audit.Buffer <= 0 {
		return fmt.Errorf("audit.buffer must be positive, got %d", c.Audit.Buffer)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug/info/warn/error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	switch c.Tracing.Exporter {
	case "otlp", "zipkin", "none":
	default:
		return fmt.Errorf("tracing.exporter must be one of otlp/zipkin/none, got %q", c.Tracing.Exporter)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0,1], got %f", c.Tracing.SampleRate)
	}
	return nil
}

// Metadata contains provenance details for loaded configuration.
type Metadata struct {
	sources  map[string]ValueSource
	layers   []string
	loadedAt time.Time
}

// Source returns the origin for the given dotted field path, for example
// "runtime.max_ponder_rounds".
func (m Metadata) Source(field string) ValueSource {
	if m.sources == nil {
		return SourceDefault
	}
	if src, ok := m.sources[field]; ok {
		return src
	}
	return SourceDefault
}

// Layers returns the names of the layers that contributed at least one
// value, in application order.
func (m Metadata) Layers() []string {
	return append([]string(nil), m.layers...)
}

// LoadedAt returns the timestamp when the configuration was constructed.
func (m Metadata) LoadedAt() time.Time { return m.loadedAt }

// Overrides conveys caller-specified values that win over env and file
// sources. The CLI populates it from flags.
type Overrides struct {
	Profile        *string
	StorePath      *string
	HomeChannel    *string
	MaxRounds      *int
	LogLevel       *string
	LogFormat      *string
	MetricsEnabled *bool
	MetricsPort    *int
}

// EnvLookup resolves the value for an environment variable.
type EnvLookup func(string) (string, bool)

// Option customises the loader behaviour.
type Option func(*loadOptions)

type loadOptions struct {
	envLookup  EnvLookup
	readFile   func(string) ([]byte, error)
	overrides  Overrides
	configPath string
}

// WithEnv supplies a custom environment lookup implementation.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) { o.envLookup = lookup }
}

// WithOverrides applies caller overrides that take highest precedence.
func WithOverrides(overrides Overrides) Option {
	return func(o *loadOptions) { o.overrides = overrides }
}

// WithConfigPath forces the loader to read configuration from a specific file.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) { o.configPath = path }
}

// WithFileReader injects a custom reader, used primarily for tests.
func WithFileReader(reader func(string) ([]byte, error)) Option {
	return func(o *loadOptions) { o.readFile = reader }
}
