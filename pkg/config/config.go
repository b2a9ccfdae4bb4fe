// Package config loads conductor settings from a JSON or YAML file with environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Backpressure policies for event subscribers.
const (
	BackpressureBuffer = "buffer"
	BackpressureBlock  = "block"
)

// Default values applied when the file leaves a field empty.
const (
	DefaultProvider          = "claude"
	DefaultProbeTimeout      = 5 * time.Second
	DefaultPermissionMode    = "acceptEdits"
	DefaultStopGracePeriod   = 5 * time.Second
	DefaultSubscriberBuffer  = 64
	DefaultMaxToolIterations = 16
	DefaultFeatureFile       = ".conductor/features.json"
	DefaultBackupSuffix      = ".backup"
	DefaultLockTimeout       = 10 * time.Second
	DefaultPreviewChars      = 100
	DefaultDBFile            = "conductor.db"
)

// Config is the root configuration.
type Config struct {
	DataDir      string             `json:"data_dir" yaml:"data_dir"`
	LogLevel     string             `json:"log_level" yaml:"log_level"`
	Providers    ProvidersConfig    `json:"providers" yaml:"providers"`
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`
	Features     FeaturesConfig     `json:"features" yaml:"features"`
	Sessions     SessionsConfig     `json:"sessions" yaml:"sessions"`
	Metrics      MetricsConfig      `json:"metrics" yaml:"metrics"`
}

// ProvidersConfig controls detection and provider selection.
type ProvidersConfig struct {
	DefaultProvider string   `json:"default_provider" yaml:"default_provider"`
	DefaultModel    string   `json:"default_model" yaml:"default_model"`
	ProbeTimeout    Duration `json:"probe_timeout" yaml:"probe_timeout"`
	Disabled        []string `json:"disabled" yaml:"disabled"`
	PermissionMode  string   `json:"permission_mode" yaml:"permission_mode"`
	APIFallback     *bool    `json:"api_fallback" yaml:"api_fallback"`
}

// OrchestratorConfig controls run lifecycle and streaming.
type OrchestratorConfig struct {
	StopGracePeriod   Duration `json:"stop_grace_period" yaml:"stop_grace_period"`
	Backpressure      string   `json:"backpressure" yaml:"backpressure"`
	SubscriberBuffer  int      `json:"subscriber_buffer" yaml:"subscriber_buffer"`
	TurnTimeout       Duration `json:"turn_timeout" yaml:"turn_timeout"`
	MaxToolIterations int      `json:"max_tool_iterations" yaml:"max_tool_iterations"`
}

// FeaturesConfig controls the protected feature list.
type FeaturesConfig struct {
	File             string   `json:"file" yaml:"file"`
	BackupSuffix     string   `json:"backup_suffix" yaml:"backup_suffix"`
	AutoRestoreEmpty *bool    `json:"auto_restore_empty" yaml:"auto_restore_empty"`
	LockTimeout      Duration `json:"lock_timeout" yaml:"lock_timeout"`
}

// SessionsConfig controls session listing.
type SessionsConfig struct {
	PreviewChars int      `json:"preview_chars" yaml:"preview_chars"`
	DefaultTags  []string `json:"default_tags" yaml:"default_tags"`
}

// MetricsConfig toggles the prometheus recorder.
type MetricsConfig struct {
	Enabled *bool `json:"enabled" yaml:"enabled"`
}

// Duration is a time.Duration written as "5s" in config files.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return fmt.Errorf("duration must be a string like \"5s\": %w", err)
		}
		d.Duration = time.Duration(n) * time.Second
		return nil
	}
	return d.parse(s)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.parse(value.Value)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

// APIFallbackEnabled reports whether API-key-only providers may run without a CLI.
func (p *ProvidersConfig) APIFallbackEnabled() bool {
	return p.APIFallback == nil || *p.APIFallback
}

// AutoRestoreEnabled reports whether an empty feature list is restored from a non-empty backup.
func (f *FeaturesConfig) AutoRestoreEnabled() bool {
	return f.AutoRestoreEmpty == nil || *f.AutoRestoreEmpty
}

// IsEnabled reports whether metrics are recorded.
func (m *MetricsConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// DBPath returns the sqlite database location.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, DefaultDBFile)
}

// Home returns $CONDUCTOR_HOME or ~/.conductor.
func Home() string {
	if h := os.Getenv("CONDUCTOR_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conductor"
	}
	return filepath.Join(home, ".conductor")
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Bool returns a pointer for optional boolean fields.
func Bool(v bool) *bool {
	return &v
}
