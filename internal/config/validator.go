package config

import (
	"fmt"
	"strings"

	"github.com/harun/personakit/pkg/hooks"
	"github.com/harun/personakit/pkg/storage"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateProvider validates a model provider name
func (v *Validator) ValidateProvider(provider string) error {
	validProviders := []string{"anthropic", "openai", "mock"}
	for _, valid := range validProviders {
		if provider == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid model provider: %s (must be one of: %s)", provider, strings.Join(validProviders, ", "))
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if provider == "mock" {
		return nil
	}
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
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

// ValidateThresholds checks that warning thresholds are fractions in (0,1)
func (v *Validator) ValidateThresholds(thresholds []float64) error {
	for _, t := range thresholds {
		if t <= 0 || t >= 1 {
			return fmt.Errorf("warning threshold must be between 0 and 1 (exclusive), got %g", t)
		}
	}
	return nil
}

// ValidateBackend validates a storage backend name
func (v *Validator) ValidateBackend(backend string) error {
	validBackends := []string{"memory", "file", "sqlite", "none"}
	for _, valid := range validBackends {
		if backend == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid storage backend: %s (must be one of: %s)", backend, strings.Join(validBackends, ", "))
}

// ValidateSchedule validates a cron expression
func (v *Validator) ValidateSchedule(expr string) error {
	if _, err := storage.ParseSchedule(expr); err != nil {
		return fmt.Errorf("storage.retention.schedule: %w", err)
	}
	return nil
}

// ValidateHook validates a lifecycle hook
func (v *Validator) ValidateHook(i int, hook HookConfig) error {
	if !hooks.IsKnownEvent(hook.Event) {
		return fmt.Errorf("hooks[%d].event %q is not one of: %s", i, hook.Event, strings.Join(hooks.KnownEvents(), ", "))
	}
	if strings.TrimSpace(hook.Command) == "" {
		return fmt.Errorf("hooks[%d].command is required", i)
	}
	if hook.Timeout < 0 {
		return fmt.Errorf("hooks[%d].timeout must be >= 0", i)
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

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	// Model
	if err := v.ValidateProvider(cfg.Model.Provider); err != nil {
		errors = append(errors, err)
	} else if cfg.Model.APIKey != "" {
		if err := v.ValidateAPIKey(cfg.Model.APIKey, cfg.Model.Provider); err != nil {
			errors = append(errors, err)
		}
	}
	if err := v.ValidateTemperature(cfg.Model.Temperature); err != nil {
		errors = append(errors, err)
	}
	if cfg.Model.MaxTokens != 0 {
		if err := v.ValidateMaxTokens(cfg.Model.MaxTokens); err != nil {
			errors = append(errors, err)
		}
	}
	for name, price := range cfg.Model.Prices {
		if price.In < 0 || price.Out < 0 {
			errors = append(errors, fmt.Errorf("model.prices.%s must be >= 0", name))
		}
	}

	// Budget
	if cfg.Budget.CostLimit < 0 {
		errors = append(errors, fmt.Errorf("budget.cost_limit must be >= 0"))
	}
	if err := v.ValidateThresholds(cfg.Budget.WarningThresholds); err != nil {
		errors = append(errors, err)
	}

	// Session limits
	if cfg.Session.PauseTimeout < 0 {
		errors = append(errors, fmt.Errorf("session.pause_timeout must be >= 0"))
	}
	if cfg.Session.MaxIterations < 0 {
		errors = append(errors, fmt.Errorf("session.max_iterations must be >= 0"))
	}
	if cfg.Session.MaxSubagentDepth < 0 {
		errors = append(errors, fmt.Errorf("session.max_subagent_depth must be >= 0"))
	}
	if cfg.Session.SubagentTimeout < 0 {
		errors = append(errors, fmt.Errorf("session.subagent_timeout must be >= 0"))
	}
	if cfg.Session.ToolTimeout < 0 {
		errors = append(errors, fmt.Errorf("session.tool_timeout must be >= 0"))
	}

	// Storage
	if err := v.ValidateBackend(cfg.Storage.Backend); err != nil {
		errors = append(errors, err)
	}
	if cfg.Storage.Retention.Enabled {
		if cfg.Storage.Retention.MaxAge < 0 {
			errors = append(errors, fmt.Errorf("storage.retention.max_age must be >= 0"))
		}
		if cfg.Storage.Retention.Schedule != "" {
			if err := v.ValidateSchedule(cfg.Storage.Retention.Schedule); err != nil {
				errors = append(errors, err)
			}
		}
	}

	// Gateway
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		errors = append(errors, fmt.Errorf("gateway.port must be between 0 and 65535"))
	}
	if cfg.Gateway.RequestsPerMinute < 0 {
		errors = append(errors, fmt.Errorf("gateway.requests_per_minute must be >= 0"))
	}
	if cfg.Gateway.MaxConcurrent < 0 {
		errors = append(errors, fmt.Errorf("gateway.max_concurrent must be >= 0"))
	}

	// Tracing
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errors = append(errors, fmt.Errorf("tracing.sample_ratio must be between 0 and 1"))
	}

	// Hooks
	for i, hook := range cfg.Hooks {
		if err := v.ValidateHook(i, hook); err != nil {
			errors = append(errors, err)
		}
	}

	// Validate logging
	if cfg.Logging.MaxSize < 0 || cfg.Logging.MaxAge < 0 || cfg.Logging.MaxBackups < 0 {
		errors = append(errors, fmt.Errorf("logging rotation limits must be >= 0"))
	}
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
