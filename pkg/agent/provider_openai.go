package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider implements ModelProvider for OpenAI chat completions
type OpenAIProvider struct {
	client openai.Client
	info   ModelInfo
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(apiKey, baseURL string, info ModelInfo) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		info:   info,
	}
}

// ModelInfo returns the configured model description
func (p *OpenAIProvider) ModelInfo() ModelInfo {
	return p.info
}

// CalculateCost returns the cost of usage at this model's prices
func (p *OpenAIProvider) CalculateCost(usage Usage) float64 {
	return p.info.Cost(usage)
}

// SendMessage makes an API call to OpenAI
func (p *OpenAIProvider) SendMessage(ctx context.Context, messages []Message, tools []ToolSchema, opts SendOptions) (*ProviderResponse, error) {
	converted, err := toOpenAIMessages(messages)
	if err != nil {
		return nil, err
	}

	model := opts.Model
	if model == "" {
		model = p.info.Name
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: converted,
	}

	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}

	if opts.Temperature > 0 {
		params.Temperature = openai.Float(opts.Temperature)
	}

	if len(tools) > 0 {
		toolParams := []openai.ChatCompletionToolParam{}
		for _, tool := range tools {
			toolParams = append(toolParams, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  openai.FunctionParameters(tool.InputSchema),
				},
			})
		}
		params.Tools = toolParams
	}

	response, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}

	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	choice := response.Choices[0]

	msg := Message{Role: RoleAssistant}
	if choice.Message.Content != "" {
		msg.Blocks = append(msg.Blocks, ContentBlock{Type: BlockText, Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		var input map[string]interface{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
				return nil, fmt.Errorf("failed to parse tool arguments: %w", err)
			}
		}
		msg.Blocks = append(msg.Blocks, ContentBlock{
			Type:  BlockToolUse,
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}

	return &ProviderResponse{
		Message: msg,
		Usage: Usage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
		},
		StopReason: normalizeStopReason(string(choice.FinishReason)),
	}, nil
}

func toOpenAIMessages(messages []Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := []openai.ChatCompletionMessageParamUnion{}

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(msg.Text()))
		case RoleUser:
			if len(msg.Blocks) == 0 {
				out = append(out, openai.UserMessage(msg.Content))
				continue
			}
			for _, b := range msg.Blocks {
				switch b.Type {
				case BlockToolResult:
					out = append(out, openai.ToolMessage(b.Content, b.ToolUseID))
				case BlockText:
					out = append(out, openai.UserMessage(b.Text))
				}
			}
		case RoleAssistant:
			calls := msg.ToolCalls()
			if len(calls) == 0 {
				out = append(out, openai.AssistantMessage(msg.Text()))
				continue
			}

			toolCalls := []openai.ChatCompletionMessageToolCall{}
			for _, tc := range calls {
				args, err := json.Marshal(tc.Input)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal tool parameters: %w", err)
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}

			assistantMsg := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   msg.Text(),
				ToolCalls: toolCalls,
			}
			out = append(out, assistantMsg.ToParam())
		}
	}

	return out, nil
}
