package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. PERSONAKIT_MODEL_API_KEY
const EnvPrefix = "PERSONAKIT"

const keyDelimiter = "::"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file. A missing file yields the defaults
// with environment overrides applied.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to determine config path")
	}

	// Model names such as gpt-4.1 contain dots, so keys nest on "::"
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_"))
	v.AutomaticEnv()
	bindDefaults(v, DefaultConfig())

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		v.SetConfigType(configType(configPath))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Dir(configPath)
	}
	if cfg.AgentsDir == "" {
		cfg.AgentsDir = filepath.Join(cfg.DataDir, "agents")
	}
	if cfg.Storage.Path == "" {
		switch cfg.Storage.Backend {
		case "file":
			cfg.Storage.Path = filepath.Join(cfg.DataDir, "storage")
		case "sqlite":
			cfg.Storage.Path = filepath.Join(cfg.DataDir, "personakit.db")
		}
	}

	return cfg, nil
}

// Save writes the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to determine config path")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	settings, err := toSettings(cfg)
	if err != nil {
		return err
	}

	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	v.SetConfigType(configType(configPath))
	for key, value := range settings {
		v.Set(key, value)
	}

	tmp := tempPath(configPath)
	if err := v.WriteConfigAs(tmp); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Chmod(tmp, 0600); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to set config permissions: %w", err)
	}
	if err := os.Rename(tmp, configPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace config file: %w", err)
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".personakit", "config.yaml")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}

// toSettings flattens the config through its json tags so the written file
// uses the same keys Load reads. Durations are written in their string form.
func toSettings(cfg *Config) (map[string]interface{}, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	settings := map[string]interface{}{}
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}

	session, _ := settings["session"].(map[string]interface{})
	if session != nil {
		session["pause_timeout"] = cfg.Session.PauseTimeout.String()
		session["subagent_timeout"] = cfg.Session.SubagentTimeout.String()
		session["tool_timeout"] = cfg.Session.ToolTimeout.String()
	}
	if storage, ok := settings["storage"].(map[string]interface{}); ok {
		if retention, ok := storage["retention"].(map[string]interface{}); ok {
			retention["max_age"] = cfg.Storage.Retention.MaxAge.String()
		}
	}
	if hooks, ok := settings["hooks"].([]interface{}); ok {
		for i, h := range hooks {
			if hook, ok := h.(map[string]interface{}); ok && i < len(cfg.Hooks) {
				hook["timeout"] = cfg.Hooks[i].Timeout.String()
			}
		}
	}
	return settings, nil
}

// tempPath names the staging file for configPath. Viper picks the encoder
// from the extension, so the temp file keeps one matching the config type.
func tempPath(configPath string) string {
	base := strings.TrimSuffix(configPath, filepath.Ext(configPath))
	return base + ".tmp." + configType(configPath)
}

// configType infers the viper config type from the file extension
func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".toml":
		return "toml"
	default:
		return "yaml"
	}
}

// bindDefaults registers every leaf key so AutomaticEnv can override keys
// absent from the file
func bindDefaults(v *viper.Viper, cfg *Config) {
	defaults := map[string]interface{}{
		"model.provider":              cfg.Model.Provider,
		"model.name":                  cfg.Model.Name,
		"model.api_key":               cfg.Model.APIKey,
		"model.base_url":              cfg.Model.BaseURL,
		"model.max_tokens":            cfg.Model.MaxTokens,
		"model.temperature":           cfg.Model.Temperature,
		"budget.cost_limit":           cfg.Budget.CostLimit,
		"budget.currency":             cfg.Budget.Currency,
		"budget.warning_thresholds":   cfg.Budget.WarningThresholds,
		"session.pause_timeout":       cfg.Session.PauseTimeout,
		"session.max_iterations":      cfg.Session.MaxIterations,
		"session.max_subagent_depth":  cfg.Session.MaxSubagentDepth,
		"session.subagent_timeout":    cfg.Session.SubagentTimeout,
		"session.tool_timeout":        cfg.Session.ToolTimeout,
		"session.auto_save":           cfg.Session.AutoSave,
		"agents_dir":                  cfg.AgentsDir,
		"data_dir":                    cfg.DataDir,
		"storage.backend":             cfg.Storage.Backend,
		"storage.path":                cfg.Storage.Path,
		"storage.retention.enabled":   cfg.Storage.Retention.Enabled,
		"storage.retention.max_age":   cfg.Storage.Retention.MaxAge,
		"storage.retention.schedule":  cfg.Storage.Retention.Schedule,
		"logging.level":               cfg.Logging.Level,
		"logging.file":                cfg.Logging.File,
		"logging.console":             cfg.Logging.Console,
		"logging.pretty":              cfg.Logging.Pretty,
		"logging.max_size":            cfg.Logging.MaxSize,
		"logging.max_age":             cfg.Logging.MaxAge,
		"logging.max_backups":         cfg.Logging.MaxBackups,
		"logging.compress":            cfg.Logging.Compress,
		"logging.redaction":           cfg.Logging.Redaction,
		"gateway.port":                cfg.Gateway.Port,
		"gateway.host":                cfg.Gateway.Host,
		"gateway.shared_secret":       cfg.Gateway.SharedSecret,
		"gateway.requests_per_minute": cfg.Gateway.RequestsPerMinute,
		"gateway.max_concurrent":      cfg.Gateway.MaxConcurrent,
		"tracing.enabled":             cfg.Tracing.Enabled,
		"tracing.sample_ratio":        cfg.Tracing.SampleRatio,
	}
	for key, value := range defaults {
		v.SetDefault(strings.ReplaceAll(key, ".", keyDelimiter), value)
	}
}
