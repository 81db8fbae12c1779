package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Config represents the main Sera configuration
type Config struct {
	// Lane holds per-session queue settings
	Lane LaneConfig `json:"lane" mapstructure:"lane"`

	// Loop bounds the execution loop
	Loop LoopConfig `json:"loop" mapstructure:"loop"`

	// Models selects the model chain
	Models ModelsConfig `json:"models" mapstructure:"models"`

	// Tools restricts the exposed tool set
	Tools ToolsConfig `json:"tools" mapstructure:"tools"`

	// Sandbox configures isolated command execution
	Sandbox SandboxConfig `json:"sandbox" mapstructure:"sandbox"`

	// Runlog configures run trace persistence
	Runlog RunlogConfig `json:"runlog" mapstructure:"runlog"`

	// Janitor configures maintenance sweeps
	Janitor JanitorConfig `json:"janitor" mapstructure:"janitor"`

	// Logging holds logging configuration
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// LaneConfig bounds per-session run queues
type LaneConfig struct {
	MaxPending      int `json:"max_pending" mapstructure:"max_pending"`
	DedupTTLSeconds int `json:"dedup_ttl_seconds" mapstructure:"dedup_ttl_seconds"`
}

// LoopConfig bounds a single run of the execution loop
type LoopConfig struct {
	MaxIterations int     `json:"max_iterations" mapstructure:"max_iterations"`
	MaxRetries    int     `json:"max_retries" mapstructure:"max_retries"`
	Temperature   float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens     int     `json:"max_tokens" mapstructure:"max_tokens"`
	SystemPrompt  string  `json:"system_prompt" mapstructure:"system_prompt"`
}

// ModelsConfig holds the primary model and its fallback chain
type ModelsConfig struct {
	Default             string   `json:"default" mapstructure:"default"`
	Fallbacks           []string `json:"fallbacks" mapstructure:"fallbacks"`
	CooldownBaseSeconds int      `json:"cooldown_base_seconds" mapstructure:"cooldown_base_seconds"`
	CooldownCapSeconds  int      `json:"cooldown_cap_seconds" mapstructure:"cooldown_cap_seconds"`
}

// ToolsConfig restricts the optional tool set. A nil Enabled list keeps
// every registered tool available.
type ToolsConfig struct {
	Enabled []string `json:"enabled" mapstructure:"enabled"`
}

// SandboxConfig defines isolated execution settings
type SandboxConfig struct {
	Enabled             bool   `json:"enabled" mapstructure:"enabled"`
	Image               string `json:"image" mapstructure:"image"`
	Workspace           string `json:"workspace" mapstructure:"workspace"`
	Network             string `json:"network" mapstructure:"network"` // none, bridge, host
	User                string `json:"user" mapstructure:"user"`
	TimeoutSeconds      int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	ShellMode           bool   `json:"shell_mode" mapstructure:"shell_mode"`
	Fallback            bool   `json:"fallback" mapstructure:"fallback"`
	RestrictToWorkspace bool   `json:"restrict_to_workspace" mapstructure:"restrict_to_workspace"`
	MaxAgeHours         int    `json:"max_age_hours" mapstructure:"max_age_hours"`
}

// RunlogConfig configures run trace persistence
type RunlogConfig struct {
	Path          string `json:"path" mapstructure:"path"`
	RetentionDays int    `json:"retention_days" mapstructure:"retention_days"`
}

// JanitorConfig configures maintenance sweeps
type JanitorConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	SweepSpec string `json:"sweep_spec" mapstructure:"sweep_spec"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Lane: LaneConfig{
			MaxPending:      100,
			DedupTTLSeconds: 300,
		},
		Loop: LoopConfig{
			MaxIterations: 20,
			MaxRetries:    3,
			Temperature:   0.7,
			MaxTokens:     4096,
		},
		Models: ModelsConfig{
			Default:             "claude-sonnet-4",
			Fallbacks:           []string{"gpt-4-turbo"},
			CooldownBaseSeconds: 15,
			CooldownCapSeconds:  300,
		},
		Sandbox: SandboxConfig{
			Enabled:             false,
			Image:               "alpine:3.18",
			Network:             "none",
			TimeoutSeconds:      120,
			Fallback:            true,
			RestrictToWorkspace: true,
			MaxAgeHours:         24,
		},
		Runlog: RunlogConfig{
			RetentionDays: 7,
		},
		Janitor: JanitorConfig{
			Enabled:   true,
			SweepSpec: "@every 5m",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9090",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Lane.MaxPending < 1 {
		return fmt.Errorf("lane.max_pending must be at least 1, got %d", c.Lane.MaxPending)
	}
	if c.Lane.DedupTTLSeconds < 0 {
		return fmt.Errorf("lane.dedup_ttl_seconds must be >= 0")
	}

	if c.Loop.MaxIterations < 1 {
		return fmt.Errorf("loop.max_iterations must be at least 1, got %d", c.Loop.MaxIterations)
	}
	if c.Loop.MaxRetries < 0 {
		return fmt.Errorf("loop.max_retries must be >= 0")
	}

	if strings.TrimSpace(c.Models.Default) == "" {
		return fmt.Errorf("models.default is required")
	}
	if c.Models.CooldownBaseSeconds < 1 {
		return fmt.Errorf("models.cooldown_base_seconds must be at least 1")
	}
	if c.Models.CooldownCapSeconds < c.Models.CooldownBaseSeconds {
		return fmt.Errorf("models.cooldown_cap_seconds must be >= models.cooldown_base_seconds")
	}

	validator := NewValidator()
	if err := validator.ValidateNetworkMode(c.Sandbox.Network); err != nil {
		return err
	}
	if c.Sandbox.Enabled && strings.TrimSpace(c.Sandbox.Image) == "" {
		return fmt.Errorf("sandbox.image is required when the sandbox is enabled")
	}
	if c.Sandbox.TimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.timeout_seconds must be >= 0")
	}
	if c.Sandbox.MaxAgeHours < 0 {
		return fmt.Errorf("sandbox.max_age_hours must be >= 0")
	}

	if c.Runlog.RetentionDays < 0 {
		return fmt.Errorf("runlog.retention_days must be >= 0")
	}

	if c.Janitor.Enabled {
		if err := validator.ValidateSweepSpec(c.Janitor.SweepSpec); err != nil {
			return err
		}
	}

	if err := validator.ValidateLogLevel(c.Logging.Level); err != nil {
		return err
	}

	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Addr) == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}

	return nil
}
