package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateModel validates a model name
func (v *Validator) ValidateModel(model string) error {
	if strings.TrimSpace(model) == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateNetworkMode validates a docker network mode
func (v *Validator) ValidateNetworkMode(mode string) error {
	if mode == "" {
		return nil // Use default
	}

	validModes := []string{"none", "bridge", "host"}
	for _, valid := range validModes {
		if mode == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid sandbox network mode: %s (must be one of: %s)", mode, strings.Join(validModes, ", "))
}

// ValidateSweepSpec validates a cron schedule expression
func (v *Validator) ValidateSweepSpec(spec string) error {
	if spec == "" {
		return nil // Use default
	}

	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid janitor sweep spec %q: %w", spec, err)
	}
	return nil
}

// ValidateAddr validates a host:port listen address
func (v *Validator) ValidateAddr(addr string) error {
	if addr == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if cfg.Lane.MaxPending < 1 {
		errors = append(errors, fmt.Errorf("lane.max_pending must be at least 1"))
	}
	if cfg.Lane.DedupTTLSeconds < 0 {
		errors = append(errors, fmt.Errorf("lane.dedup_ttl_seconds must be >= 0"))
	}

	if cfg.Loop.MaxIterations < 1 {
		errors = append(errors, fmt.Errorf("loop.max_iterations must be at least 1"))
	}
	if cfg.Loop.MaxRetries < 0 {
		errors = append(errors, fmt.Errorf("loop.max_retries must be >= 0"))
	}
	if cfg.Loop.Temperature != 0 {
		if err := v.ValidateTemperature(cfg.Loop.Temperature); err != nil {
			errors = append(errors, err)
		}
	}
	if cfg.Loop.MaxTokens != 0 {
		if err := v.ValidateMaxTokens(cfg.Loop.MaxTokens); err != nil {
			errors = append(errors, err)
		}
	}

	if err := v.ValidateModel(cfg.Models.Default); err != nil {
		errors = append(errors, fmt.Errorf("models.default: %w", err))
	}
	for i, fallback := range cfg.Models.Fallbacks {
		if err := v.ValidateModel(fallback); err != nil {
			errors = append(errors, fmt.Errorf("models.fallbacks[%d]: %w", i, err))
		}
	}
	if cfg.Models.CooldownBaseSeconds < 1 {
		errors = append(errors, fmt.Errorf("models.cooldown_base_seconds must be at least 1"))
	}
	if cfg.Models.CooldownCapSeconds < cfg.Models.CooldownBaseSeconds {
		errors = append(errors, fmt.Errorf("models.cooldown_cap_seconds must be >= models.cooldown_base_seconds"))
	}

	if err := v.ValidateNetworkMode(cfg.Sandbox.Network); err != nil {
		errors = append(errors, err)
	}
	if cfg.Sandbox.Enabled && strings.TrimSpace(cfg.Sandbox.Image) == "" {
		errors = append(errors, fmt.Errorf("sandbox.image is required when the sandbox is enabled"))
	}
	if cfg.Sandbox.TimeoutSeconds < 0 {
		errors = append(errors, fmt.Errorf("sandbox.timeout_seconds must be >= 0"))
	}
	if cfg.Sandbox.MaxAgeHours < 0 {
		errors = append(errors, fmt.Errorf("sandbox.max_age_hours must be >= 0"))
	}

	if cfg.Runlog.RetentionDays < 0 {
		errors = append(errors, fmt.Errorf("runlog.retention_days must be >= 0"))
	}

	if cfg.Janitor.Enabled {
		if err := v.ValidateSweepSpec(cfg.Janitor.SweepSpec); err != nil {
			errors = append(errors, err)
		}
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	if cfg.Metrics.Enabled {
		if err := v.ValidateAddr(cfg.Metrics.Addr); err != nil {
			errors = append(errors, fmt.Errorf("metrics.addr: %w", err))
		}
	}

	return errors
}
