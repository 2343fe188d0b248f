package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageHelpers(t *testing.T) {
	t.Run("should return plain content as text", func(t *testing.T) {
		assert.Equal(t, "hello", UserText("hello").Text())
	})

	t.Run("should join text blocks and skip tool blocks", func(t *testing.T) {
		msg := Message{Role: RoleAssistant, Blocks: []ContentBlock{
			{Type: BlockText, Text: "a"},
			{Type: BlockToolUse, ID: "t1", Name: "read_file"},
			{Type: BlockText, Text: "b"},
		}}
		assert.Equal(t, "ab", msg.Text())
		calls := msg.ToolCalls()
		require.Len(t, calls, 1)
		assert.Equal(t, "t1", calls[0].ID)
	})

	t.Run("should find unanswered tool calls in order", func(t *testing.T) {
		history := []Message{
			UserText("go"),
			{Role: RoleAssistant, Blocks: []ContentBlock{
				{Type: BlockToolUse, ID: "a", Name: "x"},
				{Type: BlockToolUse, ID: "b", Name: "y"},
				{Type: BlockToolUse, ID: "c", Name: "z"},
			}},
			ToolResultMessage("a", "ok", false),
		}
		pending := UnansweredToolCalls(history)
		require.Len(t, pending, 2)
		assert.Equal(t, "b", pending[0].ID)
		assert.Equal(t, "c", pending[1].ID)
	})

	t.Run("should report nothing when all calls are answered", func(t *testing.T) {
		history := []Message{
			{Role: RoleAssistant, Blocks: []ContentBlock{{Type: BlockToolUse, ID: "a", Name: "x"}}},
			ToolResultMessage("a", "ok", false),
		}
		assert.Empty(t, UnansweredToolCalls(history))
	})

	t.Run("should deep copy tool inputs", func(t *testing.T) {
		orig := []Message{{Role: RoleAssistant, Blocks: []ContentBlock{
			{Type: BlockToolUse, ID: "a", Input: map[string]interface{}{"path": "/a.md"}},
		}}}
		cp := CloneMessages(orig)
		cp[0].Blocks[0].Input["path"] = "/b.md"
		assert.Equal(t, "/a.md", orig[0].Blocks[0].Input["path"])
	})
}

func TestLookupModelPrices(t *testing.T) {
	t.Run("should resolve known model prices", func(t *testing.T) {
		info := LookupModel("claude-3-5-sonnet-20241022", nil)
		assert.Equal(t, 0.003, info.PricePerKTokensIn)
		assert.Equal(t, 0.015, info.PricePerKTokensOut)
	})

	t.Run("should prefer overrides", func(t *testing.T) {
		info := LookupModel("gpt-4o", Prices{"gpt-4o": {In: 1, Out: 2}})
		assert.Equal(t, 1.0, info.PricePerKTokensIn)
		assert.Equal(t, 2.0, info.PricePerKTokensOut)
	})

	t.Run("should price unknown models at zero", func(t *testing.T) {
		info := LookupModel("some-local-model", nil)
		assert.Zero(t, info.Cost(Usage{InputTokens: 1000, OutputTokens: 1000}))
		assert.Equal(t, defaultMaxTokens, info.MaxTokens)
	})

	t.Run("should compute cost per thousand tokens", func(t *testing.T) {
		info := ModelInfo{PricePerKTokensIn: 0.003, PricePerKTokensOut: 0.015}
		assert.InDelta(t, 0.00825, info.Cost(Usage{InputTokens: 1500, OutputTokens: 250}), 1e-12)
	})
}

func TestMockProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("should replay scripted responses in order", func(t *testing.T) {
		p := NewMockProvider(
			MockToolUse("write_file", map[string]interface{}{"path": "/a.md"}, 10, 5),
			MockText("done", 20, 3),
		)

		first, err := p.SendMessage(ctx, []Message{UserText("go")}, nil, SendOptions{})
		require.NoError(t, err)
		assert.Equal(t, StopToolUse, first.StopReason)
		calls := first.Message.ToolCalls()
		require.Len(t, calls, 1)
		assert.Equal(t, "toolu_mock_0_0", calls[0].ID)

		second, err := p.SendMessage(ctx, []Message{UserText("go")}, nil, SendOptions{})
		require.NoError(t, err)
		assert.Equal(t, StopEndTurn, second.StopReason)
		assert.Equal(t, "done", second.Message.Text())
		assert.Equal(t, 2, p.CallCount())
	})

	t.Run("should return scripted errors", func(t *testing.T) {
		p := NewMockProvider(MockError(errors.New("boom")))
		_, err := p.SendMessage(ctx, nil, nil, SendOptions{})
		assert.EqualError(t, err, "boom")
	})

	t.Run("should acknowledge when script is exhausted", func(t *testing.T) {
		p := NewMockProvider()
		resp, err := p.SendMessage(ctx, []Message{UserText("ping")}, nil, SendOptions{})
		require.NoError(t, err)
		assert.Equal(t, "Acknowledged: ping", resp.Message.Text())
	})

	t.Run("should honor context cancellation while delayed", func(t *testing.T) {
		p := NewMockProvider(MockResponse{Text: "late", Delay: 5 * time.Second})
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := p.SendMessage(cctx, nil, nil, SendOptions{})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestToAnthropicMessages(t *testing.T) {
	t.Run("should merge consecutive tool results into one user message", func(t *testing.T) {
		system, params := toAnthropicMessages([]Message{
			SystemText("be helpful"),
			UserText("go"),
			{Role: RoleAssistant, Blocks: []ContentBlock{
				{Type: BlockToolUse, ID: "a", Name: "x"},
				{Type: BlockToolUse, ID: "b", Name: "y"},
			}},
			ToolResultMessage("a", "ok", false),
			ToolResultMessage("b", "missing", true),
		})

		assert.Equal(t, "be helpful", system)
		require.Len(t, params, 3)
		assert.Equal(t, anthropic.MessageParamRoleUser, params[0].Role)
		assert.Equal(t, anthropic.MessageParamRoleAssistant, params[1].Role)
		assert.Equal(t, anthropic.MessageParamRoleUser, params[2].Role)
		assert.Len(t, params[2].Content, 2)
	})

	t.Run("should normalize stop reasons", func(t *testing.T) {
		assert.Equal(t, StopEndTurn, normalizeStopReason("end_turn"))
		assert.Equal(t, StopToolUse, normalizeStopReason("tool_calls"))
		assert.Equal(t, StopMaxTokens, normalizeStopReason("length"))
		assert.Equal(t, StopUnknown, normalizeStopReason("weird"))
	})
}
