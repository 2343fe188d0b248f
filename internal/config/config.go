package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/personakit/pkg/agent"
)

// Config represents the main personakit configuration
type Config struct {
	// Model
	Model ModelConfig `json:"model" mapstructure:"model"`

	// Budget applied to sessions that don't set their own
	Budget BudgetConfig `json:"budget" mapstructure:"budget"`

	// Session defaults
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Directory holding persona definitions
	AgentsDir string `json:"agents_dir" mapstructure:"agents_dir"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Storage
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Lifecycle hooks
	Hooks []HookConfig `json:"hooks,omitempty" mapstructure:"hooks"`
}

// ModelConfig selects the model provider
type ModelConfig struct {
	Provider    string       `json:"provider" mapstructure:"provider"` // anthropic, openai, mock
	Name        string       `json:"name" mapstructure:"name"`
	APIKey      string       `json:"api_key" mapstructure:"api_key"`
	BaseURL     string       `json:"base_url" mapstructure:"base_url"`
	MaxTokens   int          `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64      `json:"temperature" mapstructure:"temperature"`
	Prices      agent.Prices `json:"prices" mapstructure:"prices"`
}

// BudgetConfig holds cost limits
type BudgetConfig struct {
	CostLimit         float64   `json:"cost_limit" mapstructure:"cost_limit"`
	Currency          string    `json:"currency" mapstructure:"currency"`
	WarningThresholds []float64 `json:"warning_thresholds" mapstructure:"warning_thresholds"`
}

// SessionConfig holds execution limits
type SessionConfig struct {
	PauseTimeout     time.Duration `json:"pause_timeout" mapstructure:"pause_timeout"`
	MaxIterations    int           `json:"max_iterations" mapstructure:"max_iterations"`
	MaxSubagentDepth int           `json:"max_subagent_depth" mapstructure:"max_subagent_depth"`
	SubagentTimeout  time.Duration `json:"subagent_timeout" mapstructure:"subagent_timeout"`
	ToolTimeout      time.Duration `json:"tool_timeout" mapstructure:"tool_timeout"`
	AutoSave         bool          `json:"auto_save" mapstructure:"auto_save"`
}

// StorageConfig selects the snapshot backend
type StorageConfig struct {
	Backend   string          `json:"backend" mapstructure:"backend"` // memory, file, sqlite, none
	Path      string          `json:"path" mapstructure:"path"`
	Retention RetentionConfig `json:"retention" mapstructure:"retention"`
}

// RetentionConfig controls pruning of finished sessions
type RetentionConfig struct {
	Enabled  bool          `json:"enabled" mapstructure:"enabled"`
	MaxAge   time.Duration `json:"max_age" mapstructure:"max_age"`
	Schedule string        `json:"schedule" mapstructure:"schedule"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	File       string `json:"file" mapstructure:"file"`
	Console    bool   `json:"console" mapstructure:"console"`
	Pretty     bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize    int    `json:"max_size" mapstructure:"max_size"`       // MB
	MaxAge     int    `json:"max_age" mapstructure:"max_age"`         // days
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"` // 0 keeps every rotated file
	Compress   bool   `json:"compress" mapstructure:"compress"`
	Redaction  bool   `json:"redaction" mapstructure:"redaction"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port              int    `json:"port" mapstructure:"port"`
	Host              string `json:"host" mapstructure:"host"`
	SharedSecret      string `json:"shared_secret" mapstructure:"shared_secret"`
	RequestsPerMinute int    `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int    `json:"max_concurrent" mapstructure:"max_concurrent"`
}

// TracingConfig controls the OpenTelemetry exporter
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// HookConfig runs a shell command on a lifecycle event
type HookConfig struct {
	ID      string        `json:"id" mapstructure:"id"`
	Event   string        `json:"event" mapstructure:"event"` // session.completed, question, cost.warning, ...
	Command string        `json:"command" mapstructure:"command"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			Provider:    "anthropic",
			Name:        "claude-sonnet-4-20250514",
			MaxTokens:   4096,
			Temperature: 0.7,
		},
		Budget: BudgetConfig{
			CostLimit:         0,
			Currency:          "USD",
			WarningThresholds: []float64{0.5, 0.75, 0.9},
		},
		Session: SessionConfig{
			PauseTimeout:     30 * time.Minute,
			MaxIterations:    50,
			MaxSubagentDepth: 3,
			SubagentTimeout:  5 * time.Minute,
			ToolTimeout:      30 * time.Second,
			AutoSave:         true,
		},
		AgentsDir: "",
		DataDir:   "",
		Storage: StorageConfig{
			Backend: "file",
			Retention: RetentionConfig{
				Enabled:  false,
				MaxAge:   7 * 24 * time.Hour,
				Schedule: "0 3 * * *",
			},
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Gateway: GatewayConfig{
			Port:              8080,
			Host:              "127.0.0.1",
			RequestsPerMinute: 60,
			MaxConcurrent:     10,
		},
	}
}

// String returns a JSON representation of the config with the API key masked
func (c *Config) String() string {
	masked := *c
	if masked.Model.APIKey != "" {
		masked.Model.APIKey = "***"
	}
	if masked.Gateway.SharedSecret != "" {
		masked.Gateway.SharedSecret = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// ModelInfo resolves the configured model against the price table
func (c *Config) ModelInfo() agent.ModelInfo {
	info := agent.LookupModel(c.Model.Name, c.Model.Prices)
	if c.Model.MaxTokens > 0 {
		info.MaxTokens = c.Model.MaxTokens
	}
	return info
}

// Validate checks the settings required to run a session
func (c *Config) Validate() error {
	switch c.Model.Provider {
	case "anthropic", "openai":
		if c.Model.APIKey == "" {
			return fmt.Errorf("model.api_key is required for provider %s", c.Model.Provider)
		}
	case "mock":
	default:
		return fmt.Errorf("invalid model provider %q (must be: anthropic, openai, mock)", c.Model.Provider)
	}

	if c.Model.Name == "" {
		return fmt.Errorf("model.name is required")
	}

	if errs := NewValidator().ValidateConfig(c); len(errs) > 0 {
		return errs[0]
	}
	return nil
}
