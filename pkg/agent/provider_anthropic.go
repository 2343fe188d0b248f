package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider implements ModelProvider for Anthropic Claude
type AnthropicProvider struct {
	client anthropic.Client
	info   ModelInfo
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(apiKey, baseURL string, info ModelInfo) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		info:   info,
	}
}

// ModelInfo returns the configured model description
func (p *AnthropicProvider) ModelInfo() ModelInfo {
	return p.info
}

// CalculateCost returns the cost of usage at this model's prices
func (p *AnthropicProvider) CalculateCost(usage Usage) float64 {
	return p.info.Cost(usage)
}

// SendMessage makes an API call to Anthropic Claude
func (p *AnthropicProvider) SendMessage(ctx context.Context, messages []Message, tools []ToolSchema, opts SendOptions) (*ProviderResponse, error) {
	system, params := toAnthropicMessages(messages)

	model := opts.Model
	if model == "" {
		model = p.info.Name
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.info.MaxTokens
	}

	reqParams := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  params,
		MaxTokens: int64(maxTokens),
	}

	if system != "" {
		reqParams.System = []anthropic.TextBlockParam{
			{Text: system},
		}
	}

	if opts.Temperature > 0 {
		reqParams.Temperature = anthropic.Float(opts.Temperature)
	}

	if len(tools) > 0 {
		toolParams := make([]anthropic.ToolUnionParam, 0, len(tools))
		for _, tool := range tools {
			toolParam := anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: tool.InputSchema["properties"],
				},
			}
			if required, ok := tool.InputSchema["required"].([]string); ok {
				toolParam.InputSchema.Required = required
			}
			toolParams = append(toolParams, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		reqParams.Tools = toolParams
	}

	response, err := p.client.Messages.New(ctx, reqParams)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}

	msg := Message{Role: RoleAssistant}
	for _, block := range response.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			msg.Blocks = append(msg.Blocks, ContentBlock{Type: BlockText, Text: b.Text})
		case anthropic.ToolUseBlock:
			var input map[string]interface{}
			if raw := b.JSON.Input.Raw(); raw != "" {
				if err := json.Unmarshal([]byte(raw), &input); err != nil {
					return nil, fmt.Errorf("failed to parse tool input: %w", err)
				}
			}
			msg.Blocks = append(msg.Blocks, ContentBlock{
				Type:  BlockToolUse,
				ID:    b.ID,
				Name:  b.Name,
				Input: input,
			})
		}
	}

	return &ProviderResponse{
		Message: msg,
		Usage: Usage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
		StopReason: normalizeStopReason(string(response.StopReason)),
	}, nil
}

// toAnthropicMessages splits out the system prompt and merges consecutive
// same-role messages, which the Messages API requires for tool results.
func toAnthropicMessages(messages []Message) (string, []anthropic.MessageParam) {
	var system []string
	params := []anthropic.MessageParam{}

	for _, msg := range messages {
		if msg.Role == RoleSystem {
			system = append(system, msg.Text())
			continue
		}

		blocks := []anthropic.ContentBlockParamUnion{}
		if len(msg.Blocks) == 0 {
			blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
		}
		for _, b := range msg.Blocks {
			switch b.Type {
			case BlockText:
				if b.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(b.Text))
				}
			case BlockToolUse:
				input := b.Input
				if input == nil {
					input = map[string]interface{}{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ID, input, b.Name))
			case BlockToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
			}
		}
		if len(blocks) == 0 {
			continue
		}

		role := anthropic.MessageParamRoleUser
		if msg.Role == RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}

		if n := len(params); n > 0 && params[n-1].Role == role {
			params[n-1].Content = append(params[n-1].Content, blocks...)
			continue
		}
		params = append(params, anthropic.MessageParam{Role: role, Content: blocks})
	}

	return strings.Join(system, "\n\n"), params
}

func normalizeStopReason(reason string) StopReason {
	switch reason {
	case "end_turn", "stop":
		return StopEndTurn
	case "tool_use", "tool_calls", "function_call":
		return StopToolUse
	case "max_tokens", "length":
		return StopMaxTokens
	case "stop_sequence":
		return StopSequence
	default:
		return StopUnknown
	}
}
