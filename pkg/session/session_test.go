package session

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/personakit/pkg/agent"
	"github.com/harun/personakit/pkg/cost"
	"github.com/harun/personakit/pkg/events"
	"github.com/harun/personakit/pkg/persona"
	"github.com/harun/personakit/pkg/prompt"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)
}

func pmDefinition(tools ...string) *persona.Definition {
	return &persona.Definition{
		Agent:   persona.Info{ID: "pm", Name: "John", Title: "Product Manager"},
		Persona: persona.Persona{Role: "Investigative Product Strategist"},
		Commands: persona.Commands{
			{Name: "help", Description: "Show available commands"},
		},
		Tools: tools,
	}
}

func newTestSession(t *testing.T, provider agent.ModelProvider, opts Options, defs ...*persona.Definition) *Session {
	t.Helper()
	if len(defs) == 0 {
		defs = []*persona.Definition{pmDefinition()}
	}
	s, err := New(Config{
		AgentID:  "pm",
		Command:  "*help",
		Provider: provider,
		Agents:   persona.NewStaticSource(defs...),
		Prompts:  prompt.New(),
		Options:  opts,
		Logger:   testLogger(),
	})
	require.NoError(t, err)
	return s
}

// recorder collects events in emission order
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) count(t events.Type) int {
	n := 0
	for _, et := range r.types() {
		if et == t {
			n++
		}
	}
	return n
}

func TestNew(t *testing.T) {
	t.Run("should start pending with a generated id", func(t *testing.T) {
		s := newTestSession(t, agent.NewMockProvider(), Options{})
		assert.Equal(t, StatusPending, s.Status())
		assert.True(t, strings.HasPrefix(s.ID(), "session_"))
		assert.Equal(t, "pm", s.AgentID())
		assert.Equal(t, "*help", s.Command())
		assert.Empty(t, s.Messages())
	})

	t.Run("should require a provider, agent and command", func(t *testing.T) {
		_, err := New(Config{AgentID: "pm", Command: "*help"})
		assert.Error(t, err)

		_, err = New(Config{Command: "*help", Provider: agent.NewMockProvider()})
		assert.Error(t, err)

		_, err = New(Config{AgentID: "pm", Provider: agent.NewMockProvider()})
		assert.Error(t, err)
	})
}

func TestSessionExecute(t *testing.T) {
	t.Run("should complete a single end-turn response", func(t *testing.T) {
		provider := agent.NewMockProvider(agent.MockText("Available commands: *help", 1500, 250))
		s := newTestSession(t, provider, Options{})

		rec := &recorder{}
		s.OnAny(rec.handle)

		var statusAtStart Status
		s.On(events.Started, func(e events.Event) { statusAtStart = s.Status() })

		result, err := s.Execute(context.Background())
		require.NoError(t, err)

		assert.Equal(t, StatusRunning, statusAtStart)
		assert.Equal(t, StatusCompleted, result.Status)
		assert.Equal(t, StatusCompleted, s.Status())
		assert.Equal(t, "Available commands: *help", result.FinalText)
		assert.Equal(t, 1, result.CostReport.APICalls)
		assert.Len(t, result.CostReport.ByModel, 1)
		assert.Equal(t, 1500, result.CostReport.TotalInputTokens)
		assert.Equal(t, 250, result.CostReport.TotalOutputTokens)
		assert.InDelta(t, 1.5*0.003+0.25*0.015, result.CostReport.TotalCost, 1e-9)
		assert.Empty(t, result.Documents)
		assert.Empty(t, result.Error)
		assert.GreaterOrEqual(t, result.DurationMs, int64(0))

		assert.Equal(t, []events.Type{events.Started, events.Completed}, rec.types())
	})

	t.Run("should send the system prompt and command to the provider", func(t *testing.T) {
		provider := agent.NewMockProvider(agent.MockText("ok", 10, 10))
		s := newTestSession(t, provider, Options{Context: map[string]interface{}{"project": "atlas"}})

		_, err := s.Execute(context.Background())
		require.NoError(t, err)

		calls := provider.Calls()
		require.Len(t, calls, 1)
		msgs := calls[0].Messages
		require.Len(t, msgs, 2)
		assert.Equal(t, agent.RoleSystem, msgs[0].Role)
		assert.Contains(t, msgs[0].Content, "You are John, Product Manager.")
		assert.Equal(t, agent.RoleUser, msgs[1].Role)
		assert.Equal(t, "*help\n\nContext:\n- project: atlas", msgs[1].Content)
		assert.NotEmpty(t, calls[0].Tools)
	})

	t.Run("should record a document for a write_file call", func(t *testing.T) {
		provider := agent.NewMockProvider(
			agent.MockToolUse("write_file", map[string]interface{}{"path": "/test.md", "content": "# Test"}, 100, 50),
			agent.MockText("Done", 120, 10),
		)
		s := newTestSession(t, provider, Options{})

		rec := &recorder{}
		s.OnAny(rec.handle)

		result, err := s.Execute(context.Background())
		require.NoError(t, err)

		assert.Equal(t, StatusCompleted, result.Status)
		assert.Equal(t, 2, result.CostReport.APICalls)
		require.Len(t, result.Documents, 1)
		assert.Equal(t, "/test.md", result.Documents[0].Path)
		assert.Equal(t, "# Test", result.Documents[0].Content)
		assert.Equal(t, 1, rec.count(events.ToolExecuted))

		calls := provider.Calls()
		require.Len(t, calls, 2)
		last := calls[1].Messages[len(calls[1].Messages)-1]
		require.Len(t, last.Blocks, 1)
		assert.Equal(t, agent.BlockToolResult, last.Blocks[0].Type)
		assert.False(t, last.Blocks[0].IsError)
		assert.Equal(t, "Wrote 6 bytes to /test.md", last.Blocks[0].Content)
	})

	t.Run("should answer every tool call in request order", func(t *testing.T) {
		provider := agent.NewMockProvider(
			agent.MockResponse{
				ToolCalls: []agent.ToolCall{
					{ID: "call_a", Name: "write_file", Input: map[string]interface{}{"path": "/a.md", "content": "a"}},
					{ID: "call_b", Name: "write_file", Input: map[string]interface{}{"path": "/b.md", "content": "b"}},
				},
				Usage: agent.Usage{InputTokens: 10, OutputTokens: 10},
			},
			agent.MockText("Both written", 10, 10),
		)
		s := newTestSession(t, provider, Options{})

		result, err := s.Execute(context.Background())
		require.NoError(t, err)
		assert.Len(t, result.Documents, 2)

		var answered []string
		for _, msg := range s.Messages() {
			answered = append(answered, msg.ToolResultIDs()...)
		}
		assert.Equal(t, []string{"call_a", "call_b"}, answered)
		assert.Empty(t, agent.UnansweredToolCalls(s.Messages()))
	})

	t.Run("should feed tool failures back to the model and continue", func(t *testing.T) {
		provider := agent.NewMockProvider(
			agent.MockToolUse("read_file", map[string]interface{}{"path": "/missing.md"}, 10, 10),
			agent.MockText("The file does not exist", 10, 10),
		)
		s := newTestSession(t, provider, Options{})

		result, err := s.Execute(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, result.Status)

		calls := provider.Calls()
		require.Len(t, calls, 2)
		last := calls[1].Messages[len(calls[1].Messages)-1]
		assert.True(t, last.Blocks[0].IsError)
		assert.True(t, strings.HasPrefix(last.Blocks[0].Content, "Error: "))
	})

	t.Run("should deny tools outside the persona allow-list", func(t *testing.T) {
		provider := agent.NewMockProvider(
			agent.MockToolUse("write_file", map[string]interface{}{"path": "/x.md", "content": "x"}, 10, 10),
			agent.MockText("Could not write", 10, 10),
		)
		s := newTestSession(t, provider, Options{}, pmDefinition("read_file"))

		result, err := s.Execute(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, result.Status)
		assert.Empty(t, result.Documents)

		calls := provider.Calls()
		var names []string
		for _, tool := range calls[0].Tools {
			names = append(names, tool.Name)
		}
		assert.ElementsMatch(t, []string{"read_file", "ask_user"}, names)

		last := calls[1].Messages[len(calls[1].Messages)-1]
		assert.Contains(t, last.Blocks[0].Content, "not allowed by agent policy")
	})

	t.Run("should fail when the cost limit is exceeded", func(t *testing.T) {
		provider := agent.NewMockProvider(agent.MockText("expensive", 1500, 250))
		s := newTestSession(t, provider, Options{CostLimit: 0.001})

		rec := &recorder{}
		s.OnAny(rec.handle)

		result, err := s.Execute(context.Background())
		require.NoError(t, err)

		assert.Equal(t, StatusFailed, result.Status)
		assert.Contains(t, result.Error, "Cost limit exceeded")

		var limitErr *cost.LimitExceededError
		require.True(t, errors.As(result.Err, &limitErr))
		assert.InDelta(t, 0.001, limitErr.Limit, 1e-12)
		assert.Equal(t, "USD", limitErr.Currency)

		types := rec.types()
		assert.Equal(t, events.Started, types[0])
		assert.Equal(t, events.Failed, types[len(types)-1])
		assert.Equal(t, 1, rec.count(events.CostLimitExceeded))
	})

	t.Run("should keep documents written before the budget broke", func(t *testing.T) {
		flat := agent.ModelInfo{Name: "flat", PricePerKTokensIn: 1.0}
		provider := agent.NewMockProvider(
			agent.MockToolUse("write_file", map[string]interface{}{"path": "/draft.md", "content": "draft"}, 3000, 0),
			agent.MockText("more", 3000, 0),
		).WithModelInfo(flat)
		s := newTestSession(t, provider, Options{CostLimit: 5})

		rec := &recorder{}
		s.OnAny(rec.handle)

		result, err := s.Execute(context.Background())
		require.NoError(t, err)

		assert.Equal(t, StatusFailed, result.Status)
		require.Len(t, result.Documents, 1)
		assert.Equal(t, "/draft.md", result.Documents[0].Path)
		assert.Equal(t, 3, rec.count(events.CostWarning))
		assert.InDelta(t, 6.0, result.CostReport.TotalCost, 1e-9)
	})

	t.Run("should fail on provider errors", func(t *testing.T) {
		provider := agent.NewMockProvider(agent.MockError(errors.New("upstream unavailable")))
		s := newTestSession(t, provider, Options{})

		result, err := s.Execute(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, result.Status)
		assert.Contains(t, result.Error, "provider call failed")
		assert.Contains(t, result.Error, "upstream unavailable")
	})

	t.Run("should fail when the agent cannot be loaded", func(t *testing.T) {
		s, err := New(Config{
			AgentID:  "ghost",
			Command:  "*help",
			Provider: agent.NewMockProvider(),
			Agents:   persona.NewStaticSource(pmDefinition()),
			Logger:   testLogger(),
		})
		require.NoError(t, err)

		result, err := s.Execute(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, result.Status)
		assert.True(t, errors.Is(result.Err, persona.ErrAgentNotFound))
	})

	t.Run("should stop after the iteration cap", func(t *testing.T) {
		list := agent.MockToolUse("list_files", map[string]interface{}{}, 1, 1)
		provider := agent.NewMockProvider(list, list, list)
		s := newTestSession(t, provider, Options{MaxIterations: 2})

		result, err := s.Execute(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, result.Status)
		assert.True(t, errors.Is(result.Err, ErrMaxIterations))
		assert.Equal(t, 2, provider.CallCount())
	})

	t.Run("should reject a second execute", func(t *testing.T) {
		s := newTestSession(t, agent.NewMockProvider(agent.MockText("ok", 1, 1)), Options{})

		_, err := s.Execute(context.Background())
		require.NoError(t, err)

		_, err = s.Execute(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrPrecondition))
		assert.Equal(t, "session is already completed", err.Error())
	})
}

func TestSessionPauseResume(t *testing.T) {
	askColor := agent.MockToolUse("ask_user", map[string]interface{}{"question": "What is your favorite color?"}, 50, 10)

	t.Run("should pause on ask_user and complete after an answer", func(t *testing.T) {
		provider := agent.NewMockProvider(askColor, agent.MockText("Blue it is", 60, 5))
		s := newTestSession(t, provider, Options{})

		var asked Question
		var statusOnQuestion, statusOnResume Status
		s.On(events.Question, func(e events.Event) {
			asked = e.Data.(Question)
			statusOnQuestion = s.Status()
			require.NotNil(t, s.PendingQuestion())
			require.NoError(t, s.Answer("Blue"))
		})
		s.On(events.Resumed, func(e events.Event) {
			statusOnResume = s.Status()
		})

		result, err := s.Execute(context.Background())
		require.NoError(t, err)

		assert.Equal(t, "What is your favorite color?", asked.Text)
		assert.Equal(t, StatusPaused, statusOnQuestion)
		assert.Equal(t, StatusRunning, statusOnResume)
		assert.Equal(t, StatusCompleted, result.Status)
		assert.Equal(t, "Blue it is", result.FinalText)
		assert.Nil(t, s.PendingQuestion())

		calls := provider.Calls()
		require.Len(t, calls, 2)
		last := calls[1].Messages[len(calls[1].Messages)-1]
		assert.Equal(t, asked.ToolUseID, last.Blocks[0].ToolUseID)
		assert.Equal(t, "Blue", last.Blocks[0].Content)
	})

	t.Run("should hold no provider call while paused", func(t *testing.T) {
		provider := agent.NewMockProvider(askColor, agent.MockText("done", 1, 1))
		s := newTestSession(t, provider, Options{})

		paused := make(chan struct{})
		s.On(events.Question, func(e events.Event) { close(paused) })

		resultCh := make(chan *Result, 1)
		go func() {
			result, _ := s.Execute(context.Background())
			resultCh <- result
		}()

		<-paused
		assert.Equal(t, StatusPaused, s.Status())
		assert.Equal(t, 1, provider.CallCount())

		require.NoError(t, s.Answer("Green"))
		result := <-resultCh
		assert.Equal(t, StatusCompleted, result.Status)
		assert.Equal(t, 2, provider.CallCount())
	})

	t.Run("should reject an answer without a pending question", func(t *testing.T) {
		s := newTestSession(t, agent.NewMockProvider(), Options{})
		err := s.Answer("Blue")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrPrecondition))
		assert.Equal(t, "No pending question to answer", err.Error())
	})

	t.Run("should reject an empty question as a tool error", func(t *testing.T) {
		provider := agent.NewMockProvider(
			agent.MockToolUse("ask_user", map[string]interface{}{"question": "  "}, 1, 1),
			agent.MockText("never mind", 1, 1),
		)
		s := newTestSession(t, provider, Options{})

		result, err := s.Execute(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, result.Status)

		last := provider.Calls()[1].Messages
		assert.True(t, last[len(last)-1].Blocks[0].IsError)
	})

	t.Run("should time out an unanswered question", func(t *testing.T) {
		provider := agent.NewMockProvider(askColor)
		s := newTestSession(t, provider, Options{PauseTimeout: 30 * time.Millisecond})

		rec := &recorder{}
		s.OnAny(rec.handle)

		result, err := s.Execute(context.Background())
		require.NoError(t, err)

		assert.Equal(t, StatusTimeout, result.Status)
		assert.True(t, errors.Is(result.Err, ErrPauseTimeout))
		assert.Empty(t, agent.UnansweredToolCalls(s.Messages()))
		assert.Equal(t, events.Failed, rec.types()[len(rec.types())-1])

		err = s.Answer("too late")
		assert.True(t, errors.Is(err, ErrPrecondition))
	})

	t.Run("should fail a paused session when the context is cancelled", func(t *testing.T) {
		provider := agent.NewMockProvider(askColor)
		s := newTestSession(t, provider, Options{})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		s.On(events.Question, func(e events.Event) { cancel() })

		result, err := s.Execute(ctx)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, result.Status)
		assert.True(t, errors.Is(result.Err, ErrCancelled))
		assert.Empty(t, agent.UnansweredToolCalls(s.Messages()))
	})

	t.Run("should let Wait observe a session answered elsewhere", func(t *testing.T) {
		provider := agent.NewMockProvider(askColor, agent.MockText("done", 1, 1))
		s := newTestSession(t, provider, Options{})

		paused := make(chan struct{})
		s.On(events.Question, func(e events.Event) { close(paused) })
		go func() { _, _ = s.Execute(context.Background()) }()
		<-paused

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := s.Wait(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, StatusPaused, s.Status())

		require.NoError(t, s.Answer("Red"))
		result, err := s.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, result.Status)
	})
}

func TestSessionCostAccounting(t *testing.T) {
	t.Run("should fold child session costs on request", func(t *testing.T) {
		s := newTestSession(t, agent.NewMockProvider(agent.MockText("ok", 1000, 0)), Options{})
		_, err := s.Execute(context.Background())
		require.NoError(t, err)

		s.AddChildSessionCost(cost.ChildSessionCost{SessionID: "session_child", AgentID: "architect", InputTokens: 500, APICalls: 1, Cost: 0.5})

		own := s.CostReport()
		all := s.CostReportWithChildren()
		assert.Equal(t, 1, own.APICalls)
		assert.Equal(t, 2, all.APICalls)
		assert.InDelta(t, own.TotalCost+0.5, all.TotalCost, 1e-9)
		assert.True(t, all.IncludesChildren)
	})

	t.Run("should apply an updated limit to later calls", func(t *testing.T) {
		provider := agent.NewMockProvider(agent.MockText("ok", 1500, 250))
		s := newTestSession(t, provider, Options{CostLimit: 0.001})
		s.UpdateCostLimit(10)

		result, err := s.Execute(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, result.Status)
		assert.InDelta(t, 10.0, s.Serialize().Options.CostLimit, 1e-9)
	})
}

// flatRateProvider prices every call at a fixed amount regardless of the
// model's list price
type flatRateProvider struct {
	*agent.MockProvider
	perCall float64
}

func (p *flatRateProvider) CalculateCost(agent.Usage) float64 {
	return p.perCall
}

func TestSessionProviderPricing(t *testing.T) {
	t.Run("should charge what the provider calculates", func(t *testing.T) {
		provider := &flatRateProvider{
			MockProvider: agent.NewMockProvider(
				agent.MockToolUse("write_file", map[string]interface{}{"path": "/a.md", "content": "a"}, 10, 5),
				agent.MockText("done", 10, 5),
			),
			perCall: 0.75,
		}
		s := newTestSession(t, provider, Options{})

		result, err := s.Execute(context.Background())
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, result.Status, result.Error)

		report := s.CostReport()
		assert.InDelta(t, 1.5, report.TotalCost, 1e-9)
		require.Len(t, report.ByModel, 1)
		assert.InDelta(t, 1.5, report.ByModel[0].Cost, 1e-9)
	})

	t.Run("should enforce the limit against provider pricing", func(t *testing.T) {
		provider := &flatRateProvider{
			MockProvider: agent.NewMockProvider(agent.MockText("done", 1, 1)),
			perCall:      5,
		}
		s := newTestSession(t, provider, Options{CostLimit: 1})

		result, err := s.Execute(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, result.Status)
		assert.Contains(t, result.Error, "Cost limit exceeded")
	})
}

func TestSessionStopReason(t *testing.T) {
	run := func(t *testing.T, stop agent.StopReason) (*Result, string) {
		t.Helper()
		var buf bytes.Buffer
		s, err := New(Config{
			AgentID:  "pm",
			Command:  "*help",
			Provider: agent.NewMockProvider(agent.MockResponse{Text: "partial answer", Usage: agent.Usage{InputTokens: 10, OutputTokens: 4096}, StopReason: stop}),
			Agents:   persona.NewStaticSource(pmDefinition()),
			Prompts:  prompt.New(),
			Logger:   zerolog.New(&buf).Level(zerolog.WarnLevel),
		})
		require.NoError(t, err)

		result, err := s.Execute(context.Background())
		require.NoError(t, err)
		return result, buf.String()
	}

	t.Run("should warn when a reply is cut off", func(t *testing.T) {
		result, logs := run(t, agent.StopMaxTokens)
		assert.Equal(t, StatusCompleted, result.Status)
		assert.Equal(t, "partial answer", result.FinalText)
		assert.Contains(t, logs, `"stop_reason":"max_tokens"`)
	})

	t.Run("should stay quiet on a normal end of turn", func(t *testing.T) {
		_, logs := run(t, agent.StopEndTurn)
		assert.NotContains(t, logs, "stop_reason")
	})
}

func TestFormatCommand(t *testing.T) {
	t.Run("should leave a bare command untouched", func(t *testing.T) {
		assert.Equal(t, "*help", formatCommand("*help", nil))
	})

	t.Run("should append context sorted by key", func(t *testing.T) {
		got := formatCommand("*create-prd", map[string]interface{}{"b": 2, "a": "x"})
		assert.Equal(t, "*create-prd\n\nContext:\n- a: x\n- b: 2", got)
	})
}

func TestNewID(t *testing.T) {
	t.Run("should carry the prefix and a random suffix", func(t *testing.T) {
		a := NewID("turn")
		b := NewID("turn")
		assert.True(t, strings.HasPrefix(a, "turn_"))
		assert.Len(t, strings.Split(a, "_"), 3)
		assert.NotEqual(t, a, b)
	})
}

func TestCanTransition(t *testing.T) {
	t.Run("should allow the pause cycle and terminal moves only", func(t *testing.T) {
		assert.True(t, CanTransition(StatusPending, StatusRunning))
		assert.True(t, CanTransition(StatusRunning, StatusPaused))
		assert.True(t, CanTransition(StatusPaused, StatusRunning))
		assert.True(t, CanTransition(StatusPaused, StatusTimeout))
		assert.False(t, CanTransition(StatusRunning, StatusPending))
		assert.False(t, CanTransition(StatusCompleted, StatusRunning))
		assert.False(t, CanTransition(StatusPending, StatusCompleted))
	})
}
