package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/harun/personakit/internal/config"
	"github.com/harun/personakit/pkg/agent"
	"github.com/harun/personakit/pkg/engine"
	"github.com/harun/personakit/pkg/events"
	"github.com/harun/personakit/pkg/hooks"
	"github.com/harun/personakit/pkg/persona"
	"github.com/harun/personakit/pkg/prompt"
	"github.com/harun/personakit/pkg/session"
	"github.com/harun/personakit/pkg/storage"
	"github.com/harun/personakit/pkg/storage/filestore"
	"github.com/harun/personakit/pkg/storage/memory"
	"github.com/harun/personakit/pkg/storage/sqlite"
	"github.com/harun/personakit/pkg/subagent"
	"github.com/rs/zerolog"
)

// Components are the parts every entry point shares
type Components struct {
	Engine   *engine.Engine
	Provider agent.ModelProvider
	Agents   *persona.Loader
	Storage  storage.Adapter

	// Hooks is nil when no hooks are configured
	Hooks *hooks.Manager
}

// Close releases the persona watcher, drains hooks and closes the engine
func (c *Components) Close() error {
	var firstErr error
	if c.Agents != nil {
		if err := c.Agents.Close(); err != nil {
			firstErr = err
		}
	}
	if c.Hooks != nil {
		if err := c.Hooks.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.Engine != nil {
		if err := c.Engine.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NewProvider builds the configured model provider
func NewProvider(cfg *config.Config) (agent.ModelProvider, error) {
	info := cfg.ModelInfo()

	switch cfg.Model.Provider {
	case "anthropic":
		if cfg.Model.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider requires model.api_key")
		}
		return agent.NewAnthropicProvider(cfg.Model.APIKey, cfg.Model.BaseURL, info), nil
	case "openai":
		if cfg.Model.APIKey == "" {
			return nil, fmt.Errorf("openai provider requires model.api_key")
		}
		return agent.NewOpenAIProvider(cfg.Model.APIKey, cfg.Model.BaseURL, info), nil
	case "mock":
		return agent.NewMockProvider().WithModelInfo(info), nil
	default:
		return nil, fmt.Errorf("unknown model provider: %s", cfg.Model.Provider)
	}
}

// NewStorage opens the configured backend, instrumented with metrics and audit
func NewStorage(cfg config.StorageConfig, logger zerolog.Logger) (storage.Adapter, error) {
	var (
		adapter storage.Adapter
		err     error
	)

	switch cfg.Backend {
	case "none", "":
		return storage.Unconfigured{}, nil
	case "memory":
		adapter = memory.New()
	case "file":
		adapter, err = filestore.New(filestore.Config{Dir: cfg.Path, Logger: logger})
	case "sqlite":
		if cfg.Path != "" && cfg.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
				return nil, fmt.Errorf("failed to create storage directory: %w", err)
			}
		}
		adapter, err = sqlite.New(sqlite.Config{DBPath: cfg.Path, Logger: logger})
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Backend, err)
	}

	return storage.Instrument(adapter, cfg.Backend, logger), nil
}

// NewHooks builds the hook manager, or nil when no hooks are configured
func NewHooks(cfg []config.HookConfig, logger zerolog.Logger) (*hooks.Manager, error) {
	if len(cfg) == 0 {
		return nil, nil
	}

	list := make([]hooks.Hook, 0, len(cfg))
	for _, h := range cfg {
		list = append(list, hooks.Hook{ID: h.ID, Event: h.Event, Command: h.Command, Timeout: h.Timeout})
	}
	manager, err := hooks.NewManager(hooks.Config{Hooks: list, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to configure hooks: %w", err)
	}

	logger.Info().Int("hooks", manager.HookCount()).Msg("Lifecycle hooks configured")
	return manager, nil
}

// NewComponents wires provider, personas, storage and engine from config
func NewComponents(cfg *config.Config, logger zerolog.Logger) (*Components, error) {
	provider, err := NewProvider(cfg)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.AgentsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create agents directory: %w", err)
	}
	agents, err := persona.NewLoader(persona.Config{Dir: cfg.AgentsDir, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to load agents: %w", err)
	}

	store, err := NewStorage(cfg.Storage, logger)
	if err != nil {
		agents.Close()
		return nil, err
	}

	hookManager, err := NewHooks(cfg.Hooks, logger)
	if err != nil {
		agents.Close()
		store.Close()
		return nil, err
	}
	var observers []events.Handler
	if hookManager != nil {
		observers = append(observers, hookManager.Observe)
	}

	registryPath := ""
	if cfg.DataDir != "" {
		registryPath = filepath.Join(cfg.DataDir, "subagent-runs.json")
	}

	eng, err := engine.New(engine.Config{
		Provider:    provider,
		Agents:      agents,
		Prompts:     prompt.New(),
		Storage:     store,
		Coordinator: subagent.NewCoordinator(subagent.Config{RegistryPath: registryPath, Logger: logger}),
		Defaults: session.Options{
			CostLimit:         cfg.Budget.CostLimit,
			Currency:          cfg.Budget.Currency,
			WarningThresholds: cfg.Budget.WarningThresholds,
			PauseTimeout:      cfg.Session.PauseTimeout,
			MaxIterations:     cfg.Session.MaxIterations,
		},
		SendOptions: agent.SendOptions{
			Model:       cfg.Model.Name,
			MaxTokens:   cfg.ModelInfo().MaxTokens,
			Temperature: cfg.Model.Temperature,
		},
		ToolTimeout:      cfg.Session.ToolTimeout,
		MaxSubagentDepth: cfg.Session.MaxSubagentDepth,
		SubagentTimeout:  cfg.Session.SubagentTimeout,
		AutoSave:         cfg.Session.AutoSave,
		Observers:        observers,
		Logger:           logger,
	})
	if err != nil {
		agents.Close()
		hookManager.Close()
		store.Close()
		return nil, err
	}

	return &Components{
		Engine:   eng,
		Provider: provider,
		Agents:   agents,
		Storage:  store,
		Hooks:    hookManager,
	}, nil
}
