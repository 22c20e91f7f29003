package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is consulted when no explicit path is given.
const DefaultConfigPath = "ethos.yaml"

// DefaultEnvLookup delegates to os.LookupEnv.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// Load constructs the runtime configuration by merging defaults, an optional
// YAML file, ETHOS_* environment variables and caller overrides, in that
// order. The returned Metadata records which layer supplied each value.
func Load(opts ...Option) (Config, Metadata, error) {
	options := loadOptions{
		envLookup: DefaultEnvLookup,
		readFile:  os.ReadFile,
	}
	for _, opt := range opts {
		opt(&options)
	}

	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}
	meta.layers = append(meta.layers, string(SourceDefault))
	cfg := Default()

	if err := applyFile(&cfg, &meta, options); err != nil {
		return Config{}, Metadata{}, err
	}
	if err := applyEnv(&cfg, &meta, options); err != nil {
		return Config{}, Metadata{}, err
	}
	applyOverrides(&cfg, &meta, options.overrides)

	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, Metadata{}, err
	}
	return cfg, meta, nil
}

// applyFile decodes the YAML file over the defaults. Keys absent from the
// document keep their current values, so a second decode into a generic map
// tells us exactly which fields the file set.
func applyFile(cfg *Config, meta *Metadata, opts loadOptions) error {
	path := opts.configPath
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath
	}

	data, err := opts.readFile(path)
	if err != nil {
		if !explicit && (errors.Is(err, os.ErrNotExist) || errors.Is(err, fs.ErrNotExist)) {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	var present map[string]any
	if err := yaml.Unmarshal(data, &present); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	for field := range flattenKeys(present, "") {
		meta.sources[field] = SourceFile
	}
	if len(present) > 0 {
		meta.layers = append(meta.layers, string(SourceFile))
	}
	return nil
}

// flattenKeys collects dotted key paths ("runtime.max_rounds") from a decoded
// YAML document. Sequences count as a single leaf.
func flattenKeys(node map[string]any, prefix string) map[string]struct{} {
	out := map[string]struct{}{}
	for key, value := range node {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if child, ok := value.(map[string]any); ok {
			for sub := range flattenKeys(child, path) {
				out[sub] = struct{}{}
			}
			continue
		}
		out[path] = struct{}{}
	}
	return out
}

func applyEnv(cfg *Config, meta *Metadata, opts loadOptions) error {
	lookup := opts.envLookup
	if lookup == nil {
		lookup = DefaultEnvLookup
	}
	touched := false
	set := func(field string) {
		meta.sources[field] = SourceEnv
		touched = true
	}

	if value, ok := lookup("ETHOS_PROFILE"); ok && value != "" {
		cfg.Profile = value
		set("profile")
	}
	if value, ok := lookup("ETHOS_DB_PATH"); ok && value != "" {
		cfg.Store.Path = value
		set("store.path")
	}
	if value, ok := lookup("ETHOS_AUDIT_PATH"); ok && value != "" {
		cfg.Audit.Path = value
		set("audit.path")
	}
	if value, ok := lookup("ETHOS_HOME_CHANNEL"); ok && value != "" {
		cfg.Tasks.HomeChannel = value
		set("tasks.home_channel")
	}
	if value, ok := lookup("ETHOS_LOG_LEVEL"); ok && value != "" {
		cfg.Log.Level = strings.ToLower(value)
		set("log.level")
	}
	if value, ok := lookup("ETHOS_LOG_FORMAT"); ok && value != "" {
		cfg.Log.Format = strings.ToLower(value)
		set("log.format")
	}
	if value, ok := lookup("ETHOS_MAX_ACTIVE_TASKS"); ok && value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse ETHOS_MAX_ACTIVE_TASKS: %w", err)
		}
		cfg.Runtime.MaxActiveTasks = parsed
		set("runtime.max_active_tasks")
	}
	if value, ok := lookup("ETHOS_MAX_INFLIGHT_THOUGHTS"); ok && value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse ETHOS_MAX_INFLIGHT_THOUGHTS: %w", err)
		}
		cfg.Runtime.MaxInflightThoughts = parsed
		set("runtime.max_inflight_thoughts")
	}
	if value, ok := lookup("ETHOS_MAX_PONDER_ROUNDS"); ok && value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse ETHOS_MAX_PONDER_ROUNDS: %w", err)
		}
		cfg.Runtime.MaxPonderRounds = parsed
		set("runtime.max_ponder_rounds")
	}
	if value, ok := lookup("ETHOS_MAX_ROUNDS"); ok && value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse ETHOS_MAX_ROUNDS: %w", err)
		}
		cfg.Runtime.MaxRounds = parsed
		set("runtime.max_rounds")
	}
	if value, ok := lookup("ETHOS_QUEUE_CAPACITY"); ok && value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse ETHOS_QUEUE_CAPACITY: %w", err)
		}
		cfg.Runtime.QueueCapacity = parsed
		set("runtime.queue_capacity")
	}
	if value, ok := lookup("ETHOS_METRICS_ENABLED"); ok && value != "" {
		parsed, err := parseBoolEnv(value)
		if err != nil {
			return fmt.Errorf("parse ETHOS_METRICS_ENABLED: %w", err)
		}
		cfg.Metrics.Enabled = parsed
		set("metrics.enabled")
	}
	if value, ok := lookup("ETHOS_METRICS_PORT"); ok && value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse ETHOS_METRICS_PORT: %w", err)
		}
		cfg.Metrics.PrometheusPort = parsed
		set("metrics.prometheus_port")
	}
	if value, ok := lookup("ETHOS_TRACING_ENABLED"); ok && value != "" {
		parsed, err := parseBoolEnv(value)
		if err != nil {
			return fmt.Errorf("parse ETHOS_TRACING_ENABLED: %w", err)
		}
		cfg.Tracing.Enabled = parsed
		set("tracing.enabled")
	}
	if value, ok := lookup("ETHOS_TRACING_EXPORTER"); ok && value != "" {
		cfg.Tracing.Exporter = strings.ToLower(value)
		set("tracing.exporter")
	}
	if value, ok := lookup("ETHOS_DREAM_SCHEDULE"); ok && value != "" {
		cfg.Schedules.Dream = value
		set("schedules.dream")
	}
	if value, ok := lookup("ETHOS_MONITOR_SCHEDULE"); ok && value != "" {
		cfg.Schedules.Monitor = value
		set("schedules.monitor")
	}

	if touched {
		meta.layers = append(meta.layers, string(SourceEnv))
	}
	return nil
}

func applyOverrides(cfg *Config, meta *Metadata, overrides Overrides) {
	touched := false
	set := func(field string) {
		meta.sources[field] = SourceOverride
		touched = true
	}

	if overrides.Profile != nil {
		cfg.Profile = *overrides.Profile
		set("profile")
	}
	if overrides.StorePath != nil {
		cfg.Store.Path = *overrides.StorePath
		set("store.path")
	}
	if overrides.HomeChannel != nil {
		cfg.Tasks.HomeChannel = *overrides.HomeChannel
		set("tasks.home_channel")
	}
	if overrides.MaxRounds != nil {
		cfg.Runtime.MaxRounds = *overrides.MaxRounds
		set("runtime.max_rounds")
	}
	if overrides.LogLevel != nil {
		cfg.Log.Level = *overrides.LogLevel
		set("log.level")
	}
	if overrides.LogFormat != nil {
		cfg.Log.Format = *overrides.LogFormat
		set("log.format")
	}
	if overrides.MetricsEnabled != nil {
		cfg.Metrics.Enabled = *overrides.MetricsEnabled
		set("metrics.enabled")
	}
	if overrides.MetricsPort != nil {
		cfg.Metrics.PrometheusPort = *overrides.MetricsPort
		set("metrics.prometheus_port")
	}

	if touched {
		meta.layers = append(meta.layers, string(SourceOverride))
	}
}

func normalize(cfg *Config) {
	cfg.Profile = strings.TrimSpace(cfg.Profile)
	cfg.Store.Path = strings.TrimSpace(cfg.Store.Path)
	cfg.Audit.Path = strings.TrimSpace(cfg.Audit.Path)
	cfg.Tasks.HomeChannel = strings.TrimSpace(cfg.Tasks.HomeChannel)
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	cfg.Tracing.Exporter = strings.ToLower(strings.TrimSpace(cfg.Tracing.Exporter))
	cfg.Schedules.Dream = strings.TrimSpace(cfg.Schedules.Dream)
	cfg.Schedules.Monitor = strings.TrimSpace(cfg.Schedules.Monitor)

	if cfg.Profile == "" {
		cfg.Profile = "default"
	}
	if len(cfg.Tasks.ProtectedIDs) > 0 {
		filtered := cfg.Tasks.ProtectedIDs[:0]
		seen := make(map[string]struct{}, len(cfg.Tasks.ProtectedIDs))
		for _, id := range cfg.Tasks.ProtectedIDs {
			trimmed := strings.TrimSpace(id)
			if trimmed == "" {
				continue
			}
			if _, dup := seen[trimmed]; dup {
				continue
			}
			seen[trimmed] = struct{}{}
			filtered = append(filtered, trimmed)
		}
		cfg.Tasks.ProtectedIDs = filtered
	}
}

func parseBoolEnv(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value %q", value)
	}
}
