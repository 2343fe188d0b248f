package agent

import (
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// ModelInfo describes a model and its price per thousand tokens
type ModelInfo struct {
	Name               string  `json:"name"`
	MaxTokens          int     `json:"max_tokens"`
	PricePerKTokensIn  float64 `json:"price_per_k_tokens_in"`
	PricePerKTokensOut float64 `json:"price_per_k_tokens_out"`
}

// Cost computes the money spent for usage at this model's prices
func (m ModelInfo) Cost(usage Usage) float64 {
	return float64(usage.InputTokens)/1000*m.PricePerKTokensIn +
		float64(usage.OutputTokens)/1000*m.PricePerKTokensOut
}

// Price is a per-thousand-token price pair
type Price struct {
	In  float64 `json:"in" mapstructure:"in"`
	Out float64 `json:"out" mapstructure:"out"`
}

// Prices maps model names to price overrides
type Prices map[string]Price

const defaultMaxTokens = 4096

// knownModels holds list prices in USD per 1K tokens
var knownModels = map[string]ModelInfo{
	"claude-3-5-sonnet-20241022": {MaxTokens: 8192, PricePerKTokensIn: 0.003, PricePerKTokensOut: 0.015},
	"claude-3-5-haiku-20241022":  {MaxTokens: 8192, PricePerKTokensIn: 0.0008, PricePerKTokensOut: 0.004},
	"claude-3-7-sonnet-20250219": {MaxTokens: 8192, PricePerKTokensIn: 0.003, PricePerKTokensOut: 0.015},
	"claude-sonnet-4-20250514":   {MaxTokens: 8192, PricePerKTokensIn: 0.003, PricePerKTokensOut: 0.015},
	"claude-opus-4-20250514":     {MaxTokens: 8192, PricePerKTokensIn: 0.015, PricePerKTokensOut: 0.075},
	"claude-3-opus-20240229":     {MaxTokens: 4096, PricePerKTokensIn: 0.015, PricePerKTokensOut: 0.075},
	"gpt-4o":                     {MaxTokens: 4096, PricePerKTokensIn: 0.0025, PricePerKTokensOut: 0.01},
	"gpt-4o-mini":                {MaxTokens: 4096, PricePerKTokensIn: 0.00015, PricePerKTokensOut: 0.0006},
	"gpt-4.1":                    {MaxTokens: 8192, PricePerKTokensIn: 0.002, PricePerKTokensOut: 0.008},
	"mock-model":                 {MaxTokens: 4096, PricePerKTokensIn: 0.003, PricePerKTokensOut: 0.015},
}

// modelPrefixes lists knownModels keys longest first so that dated
// snapshots resolve to the most specific family
var modelPrefixes = func() []string {
	names := make([]string, 0, len(knownModels))
	for name := range knownModels {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})
	return names
}()

var (
	unknownModelsMu sync.Mutex
	unknownModels   = map[string]bool{}
)

// LookupModel resolves model info, applying overrides first, then the known
// table, then the longest known prefix. Unknown models are priced at zero.
func LookupModel(name string, overrides Prices) ModelInfo {
	if p, ok := overrides[name]; ok {
		info := knownModels[name]
		info.Name = name
		info.PricePerKTokensIn = p.In
		info.PricePerKTokensOut = p.Out
		if info.MaxTokens == 0 {
			info.MaxTokens = defaultMaxTokens
		}
		return info
	}

	if info, ok := knownModels[name]; ok {
		info.Name = name
		return info
	}

	for _, known := range modelPrefixes {
		if strings.HasPrefix(name, known) {
			info := knownModels[known]
			info.Name = name
			return info
		}
	}

	unknownModelsMu.Lock()
	if !unknownModels[name] {
		unknownModels[name] = true
		log.Warn().Str("model", name).Msg("No price information for model, cost will be reported as zero")
	}
	unknownModelsMu.Unlock()

	return ModelInfo{Name: name, MaxTokens: defaultMaxTokens}
}
