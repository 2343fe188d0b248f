package agent

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockResponse is one scripted provider reply
type MockResponse struct {
	Text       string
	ToolCalls  []ToolCall
	Usage      Usage
	StopReason StopReason
	Err        error
	Delay      time.Duration
}

// MockText scripts an end-turn text reply
func MockText(text string, inputTokens, outputTokens int) MockResponse {
	return MockResponse{
		Text:       text,
		Usage:      Usage{InputTokens: inputTokens, OutputTokens: outputTokens},
		StopReason: StopEndTurn,
	}
}

// MockToolUse scripts a reply invoking a single tool
func MockToolUse(name string, input map[string]interface{}, inputTokens, outputTokens int) MockResponse {
	return MockResponse{
		ToolCalls:  []ToolCall{{Name: name, Input: input}},
		Usage:      Usage{InputTokens: inputTokens, OutputTokens: outputTokens},
		StopReason: StopToolUse,
	}
}

// MockError scripts a failing call
func MockError(err error) MockResponse {
	return MockResponse{Err: err}
}

// MockCall records what the executor sent on one call
type MockCall struct {
	Messages []Message
	Tools    []ToolSchema
	Options  SendOptions
}

// MockProvider is a deterministic ModelProvider replaying scripted responses.
// When the script is exhausted it acknowledges the last user text.
type MockProvider struct {
	mu        sync.Mutex
	responses []MockResponse
	calls     []MockCall
	info      ModelInfo
}

// NewMockProvider creates a mock provider with the given script
func NewMockProvider(responses ...MockResponse) *MockProvider {
	return &MockProvider{
		responses: responses,
		info:      LookupModel("mock-model", nil),
	}
}

// WithModelInfo overrides the reported model and prices
func (p *MockProvider) WithModelInfo(info ModelInfo) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.info = info
	return p
}

// Enqueue appends responses to the script
func (p *MockProvider) Enqueue(responses ...MockResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, responses...)
}

// Calls returns the recorded calls
func (p *MockProvider) Calls() []MockCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]MockCall, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount returns the number of SendMessage invocations
func (p *MockProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// SendMessage returns the next scripted response
func (p *MockProvider) SendMessage(ctx context.Context, messages []Message, tools []ToolSchema, opts SendOptions) (*ProviderResponse, error) {
	p.mu.Lock()
	callIndex := len(p.calls)
	p.calls = append(p.calls, MockCall{
		Messages: CloneMessages(messages),
		Tools:    append([]ToolSchema(nil), tools...),
		Options:  opts,
	})

	var next MockResponse
	scripted := len(p.responses) > 0
	if scripted {
		next = p.responses[0]
		p.responses = p.responses[1:]
	}
	p.mu.Unlock()

	if next.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(next.Delay):
		}
	}

	if !scripted {
		return p.acknowledge(messages), nil
	}
	if next.Err != nil {
		return nil, next.Err
	}

	msg := Message{Role: RoleAssistant}
	if next.Text != "" {
		msg.Blocks = append(msg.Blocks, ContentBlock{Type: BlockText, Text: next.Text})
	}
	for i, call := range next.ToolCalls {
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("toolu_mock_%d_%d", callIndex, i)
		}
		msg.Blocks = append(msg.Blocks, ContentBlock{
			Type:  BlockToolUse,
			ID:    id,
			Name:  call.Name,
			Input: cloneMap(call.Input),
		})
	}

	stop := next.StopReason
	if stop == "" {
		stop = StopEndTurn
		if len(next.ToolCalls) > 0 {
			stop = StopToolUse
		}
	}

	return &ProviderResponse{
		Message:    msg,
		Usage:      next.Usage,
		StopReason: stop,
	}, nil
}

func (p *MockProvider) acknowledge(messages []Message) *ProviderResponse {
	lastUser := ""
	inputChars := 0
	for _, msg := range messages {
		inputChars += len(msg.Text())
		if msg.Role == RoleUser && msg.Text() != "" {
			lastUser = msg.Text()
		}
	}
	text := "Acknowledged: " + lastUser
	return &ProviderResponse{
		Message:    Message{Role: RoleAssistant, Blocks: []ContentBlock{{Type: BlockText, Text: text}}},
		Usage:      Usage{InputTokens: (inputChars + 3) / 4, OutputTokens: (len(text) + 3) / 4},
		StopReason: StopEndTurn,
	}
}

// CalculateCost returns the cost of usage at mock prices
func (p *MockProvider) CalculateCost(usage Usage) float64 {
	return p.ModelInfo().Cost(usage)
}

// ModelInfo returns the mock model description
func (p *MockProvider) ModelInfo() ModelInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}
