package agent

import (
	"strings"
)

// Role identifies the author of a message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType identifies the kind of a content block
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// StopReason tells the executor why the model stopped generating
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopSequence  StopReason = "stop_sequence"
	StopUnknown   StopReason = "unknown"
)

// ContentBlock is one element of a structured message
type ContentBlock struct {
	Type BlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Message represents a message in the conversation
type Message struct {
	Role    Role           `json:"role"`
	Content string         `json:"content,omitempty"`
	Blocks  []ContentBlock `json:"blocks,omitempty"`
}

// ToolCall represents a tool invocation requested by the model
type ToolCall struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// Usage tracks token consumption of one provider call
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolSchema describes a tool to the model
type ToolSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// SendOptions carries per-call generation settings
type SendOptions struct {
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// ProviderResponse is the result of a single model call
type ProviderResponse struct {
	Message    Message    `json:"message"`
	Usage      Usage      `json:"usage"`
	StopReason StopReason `json:"stop_reason"`
}

// SystemText builds a plain system message
func SystemText(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

// UserText builds a plain user message
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantText builds a plain assistant message
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// ToolResultMessage builds the user message answering a single tool call
func ToolResultMessage(toolUseID, content string, isError bool) Message {
	return Message{
		Role: RoleUser,
		Blocks: []ContentBlock{{
			Type:      BlockToolResult,
			ToolUseID: toolUseID,
			Content:   content,
			IsError:   isError,
		}},
	}
}

// Text returns the concatenated text of the message
func (m Message) Text() string {
	if len(m.Blocks) == 0 {
		return m.Content
	}
	var sb strings.Builder
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns the tool_use blocks of the message in order
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, b := range m.Blocks {
		if b.Type == BlockToolUse {
			calls = append(calls, ToolCall{ID: b.ID, Name: b.Name, Input: b.Input})
		}
	}
	return calls
}

// ToolResultIDs returns the tool_use ids answered by this message
func (m Message) ToolResultIDs() []string {
	var ids []string
	for _, b := range m.Blocks {
		if b.Type == BlockToolResult {
			ids = append(ids, b.ToolUseID)
		}
	}
	return ids
}

// CloneMessages returns a deep copy of a message slice
func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i, msg := range in {
		out[i] = msg
		if msg.Blocks != nil {
			out[i].Blocks = make([]ContentBlock, len(msg.Blocks))
			for j, b := range msg.Blocks {
				out[i].Blocks[j] = b
				out[i].Blocks[j].Input = cloneMap(b.Input)
			}
		}
	}
	return out
}

// UnansweredToolCalls returns the tool calls of the last assistant message that
// have no matching tool_result after it.
func UnansweredToolCalls(messages []Message) []ToolCall {
	last := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleAssistant {
			last = i
			break
		}
	}
	if last < 0 {
		return nil
	}

	answered := make(map[string]bool)
	for _, msg := range messages[last+1:] {
		for _, id := range msg.ToolResultIDs() {
			answered[id] = true
		}
	}

	var pending []ToolCall
	for _, call := range messages[last].ToolCalls() {
		if !answered[call.ID] {
			pending = append(pending, call)
		}
	}
	return pending
}

func cloneMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case map[string]interface{}:
			out[k] = cloneMap(val)
		case []interface{}:
			cp := make([]interface{}, len(val))
			copy(cp, val)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}
