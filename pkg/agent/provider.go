package agent

import (
	"context"
	"fmt"
)

// ModelProvider is an interface for language-model backends
type ModelProvider interface {
	// SendMessage sends the conversation and tool schema and returns the model turn
	SendMessage(ctx context.Context, messages []Message, tools []ToolSchema, opts SendOptions) (*ProviderResponse, error)

	// CalculateCost returns the money spent for the given usage
	CalculateCost(usage Usage) float64

	// ModelInfo describes the model and its prices
	ModelInfo() ModelInfo
}

// ProviderConfig selects and configures a provider
type ProviderConfig struct {
	Provider    string  `json:"provider"` // "anthropic", "openai", "mock"
	Model       string  `json:"model"`
	APIKey      string  `json:"api_key"`
	BaseURL     string  `json:"base_url,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	Prices      Prices  `json:"prices,omitempty"`
}

// ProviderFactory creates model providers
type ProviderFactory struct{}

// NewProvider creates a new model provider based on config
func (f *ProviderFactory) NewProvider(cfg ProviderConfig) (ModelProvider, error) {
	info := LookupModel(cfg.Model, cfg.Prices)
	if cfg.MaxTokens > 0 {
		info.MaxTokens = cfg.MaxTokens
	}

	switch cfg.Provider {
	case "anthropic":
		return NewAnthropicProvider(cfg.APIKey, cfg.BaseURL, info), nil
	case "openai":
		return NewOpenAIProvider(cfg.APIKey, cfg.BaseURL, info), nil
	case "mock":
		p := NewMockProvider()
		p.info = info
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}
