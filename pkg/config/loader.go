package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. CONDUCTOR_ORCHESTRATOR_BACKPRESSURE.
const EnvPrefix = "CONDUCTOR_"

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

var configNames = []string{"config.json", "config.yaml", "config.yml"}

// LoadDefault loads the first config file found in Home(), or defaults when none exists.
func LoadDefault() (*Config, error) {
	dir := Home()
	for _, name := range configNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	cfg := &Config{}
	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Load reads a JSON or YAML config, substitutes ${VAR} references, applies CONDUCTOR_*
// overrides and defaults, then validates.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
		if value := os.Getenv(match[2 : len(match)-1]); value != "" {
			return value
		}
		return match
	})

	var cfg Config
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

var durationType = reflect.TypeOf(Duration{})

func applyEnvOverrides(cfg *Config) {
	applyEnvOverridesRecursive(reflect.ValueOf(cfg).Elem(), EnvPrefix)
}

func applyEnvOverridesRecursive(v reflect.Value, prefix string) {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := t.Field(i).Tag.Get("json")
		if tag == "" || tag == "-" {
			continue
		}
		envKey := strings.ToUpper(prefix + strings.Split(tag, ",")[0])

		if field.Kind() == reflect.Struct && field.Type() != durationType {
			applyEnvOverridesRecursive(field, envKey+"_")
			continue
		}
		if envValue, ok := os.LookupEnv(envKey); ok && envValue != "" {
			setFieldFromEnv(field, envValue)
		}
	}
}

func setFieldFromEnv(field reflect.Value, envValue string) {
	if !field.CanSet() {
		return
	}

	switch {
	case field.Type() == durationType:
		if d, err := time.ParseDuration(envValue); err == nil {
			field.Set(reflect.ValueOf(Duration{d}))
		}
	case field.Kind() == reflect.String:
		field.SetString(envValue)
	case field.Kind() == reflect.Int:
		if n, err := strconv.Atoi(envValue); err == nil {
			field.SetInt(int64(n))
		}
	case field.Kind() == reflect.Bool:
		if b, err := strconv.ParseBool(envValue); err == nil {
			field.SetBool(b)
		}
	case field.Kind() == reflect.Pointer && field.Type().Elem().Kind() == reflect.Bool:
		if b, err := strconv.ParseBool(envValue); err == nil {
			field.Set(reflect.ValueOf(&b))
		}
	case field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.String:
		parts := strings.Split(envValue, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		field.Set(reflect.ValueOf(out))
	}
}

// applyDefaults sets default values for missing configuration.
func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = Home()
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if cfg.Providers.DefaultProvider == "" {
		cfg.Providers.DefaultProvider = DefaultProvider
	}
	if cfg.Providers.ProbeTimeout.Duration == 0 {
		cfg.Providers.ProbeTimeout.Duration = DefaultProbeTimeout
	}
	if cfg.Providers.PermissionMode == "" {
		cfg.Providers.PermissionMode = DefaultPermissionMode
	}

	if cfg.Orchestrator.StopGracePeriod.Duration == 0 {
		cfg.Orchestrator.StopGracePeriod.Duration = DefaultStopGracePeriod
	}
	if cfg.Orchestrator.Backpressure == "" {
		cfg.Orchestrator.Backpressure = BackpressureBuffer
	}
	if cfg.Orchestrator.SubscriberBuffer == 0 {
		cfg.Orchestrator.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if cfg.Orchestrator.MaxToolIterations == 0 {
		cfg.Orchestrator.MaxToolIterations = DefaultMaxToolIterations
	}

	if cfg.Features.File == "" {
		cfg.Features.File = DefaultFeatureFile
	}
	if cfg.Features.BackupSuffix == "" {
		cfg.Features.BackupSuffix = DefaultBackupSuffix
	}
	if cfg.Features.LockTimeout.Duration == 0 {
		cfg.Features.LockTimeout.Duration = DefaultLockTimeout
	}

	if cfg.Sessions.PreviewChars == 0 {
		cfg.Sessions.PreviewChars = DefaultPreviewChars
	}
}

var knownProviders = map[string]bool{
	"claude":   true,
	"codex":    true,
	"cursor":   true,
	"opencode": true,
	"gemini":   true,
}

func validateConfig(cfg *Config) error {
	if !knownProviders[cfg.Providers.DefaultProvider] {
		return fmt.Errorf("providers.default_provider %q is not a known provider", cfg.Providers.DefaultProvider)
	}
	for _, id := range cfg.Providers.Disabled {
		if !knownProviders[id] {
			return fmt.Errorf("providers.disabled contains unknown provider %q", id)
		}
		if id == cfg.Providers.DefaultProvider {
			return fmt.Errorf("default provider %q is disabled", id)
		}
	}
	if cfg.Providers.ProbeTimeout.Duration < 0 {
		return errors.New("providers.probe_timeout must not be negative")
	}

	switch cfg.Orchestrator.Backpressure {
	case BackpressureBuffer, BackpressureBlock:
	default:
		return fmt.Errorf("orchestrator.backpressure must be %q or %q, got %q",
			BackpressureBuffer, BackpressureBlock, cfg.Orchestrator.Backpressure)
	}
	if cfg.Orchestrator.SubscriberBuffer < 0 {
		return errors.New("orchestrator.subscriber_buffer must not be negative")
	}
	if cfg.Orchestrator.StopGracePeriod.Duration < 0 || cfg.Orchestrator.TurnTimeout.Duration < 0 {
		return errors.New("orchestrator durations must not be negative")
	}
	if cfg.Orchestrator.MaxToolIterations < 1 {
		return errors.New("orchestrator.max_tool_iterations must be at least 1")
	}

	if filepath.IsAbs(cfg.Features.File) {
		return fmt.Errorf("features.file must be relative to the project, got %q", cfg.Features.File)
	}
	if cfg.Features.BackupSuffix == "" || strings.ContainsAny(cfg.Features.BackupSuffix, `/\`) {
		return fmt.Errorf("features.backup_suffix %q is invalid", cfg.Features.BackupSuffix)
	}

	if cfg.Sessions.PreviewChars < 0 {
		return errors.New("sessions.preview_chars must not be negative")
	}
	return nil
}
