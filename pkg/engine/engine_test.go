package engine

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/personakit/pkg/agent"
	"github.com/harun/personakit/pkg/events"
	"github.com/harun/personakit/pkg/persona"
	"github.com/harun/personakit/pkg/session"
	"github.com/harun/personakit/pkg/storage"
	"github.com/harun/personakit/pkg/storage/memory"
	"github.com/harun/personakit/pkg/subagent"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)
}

func definition(id, name, title string) *persona.Definition {
	return &persona.Definition{
		Agent:   persona.Info{ID: id, Name: name, Title: title},
		Persona: persona.Persona{Role: title},
		Commands: persona.Commands{
			{Name: "help", Description: "Show available commands"},
		},
	}
}

func testAgents() persona.Source {
	return persona.NewStaticSource(
		definition("pm", "John", "Product Manager"),
		definition("architect", "Winston", "Architect"),
		definition("analyst", "Mary", "Business Analyst"),
	)
}

func newTestEngine(t *testing.T, provider agent.ModelProvider, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := Config{
		Provider: provider,
		Agents:   testAgents(),
		Logger:   testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func invoke(agentID, command string) agent.MockResponse {
	return agent.MockToolUse(InvokeAgentTool, map[string]interface{}{
		"agent_id": agentID,
		"command":  command,
	}, 100, 50)
}

// toolResults returns the tool_result blocks sent on a provider call
func toolResults(call agent.MockCall) []agent.ContentBlock {
	var blocks []agent.ContentBlock
	for _, msg := range call.Messages {
		for _, block := range msg.Blocks {
			if block.Type == agent.BlockToolResult {
				blocks = append(blocks, block)
			}
		}
	}
	return blocks
}

func lastToolResult(t *testing.T, call agent.MockCall) agent.ContentBlock {
	t.Helper()
	blocks := toolResults(call)
	require.NotEmpty(t, blocks)
	return blocks[len(blocks)-1]
}

func TestNew(t *testing.T) {
	t.Run("should require a provider and an agent source", func(t *testing.T) {
		_, err := New(Config{Agents: testAgents(), Logger: testLogger()})
		assert.Error(t, err)

		_, err = New(Config{Provider: agent.NewMockProvider(), Logger: testLogger()})
		assert.Error(t, err)
	})

	t.Run("should default to unconfigured storage", func(t *testing.T) {
		e := newTestEngine(t, agent.NewMockProvider(), nil)
		assert.False(t, storage.IsConfigured(e.Storage()))
		assert.NotNil(t, e.Coordinator())
	})
}

func TestMergeOptions(t *testing.T) {
	defaults := session.Options{
		CostLimit:         5,
		Currency:          "USD",
		WarningThresholds: []float64{0.5},
		PauseTimeout:      time.Minute,
		MaxIterations:     10,
		Context:           map[string]interface{}{"project": "acme", "tone": "formal"},
	}

	t.Run("should fill zero fields from defaults", func(t *testing.T) {
		merged := mergeOptions(defaults, session.Options{CostLimit: 1})
		assert.Equal(t, 1.0, merged.CostLimit)
		assert.Equal(t, "USD", merged.Currency)
		assert.Equal(t, []float64{0.5}, merged.WarningThresholds)
		assert.Equal(t, time.Minute, merged.PauseTimeout)
		assert.Equal(t, 10, merged.MaxIterations)
	})

	t.Run("should let request context override defaults", func(t *testing.T) {
		merged := mergeOptions(defaults, session.Options{Context: map[string]interface{}{"tone": "casual"}})
		assert.Equal(t, "acme", merged.Context["project"])
		assert.Equal(t, "casual", merged.Context["tone"])
	})
}

func TestInvokeAgent(t *testing.T) {
	ctx := context.Background()

	t.Run("should run a child session and fold its results into the parent", func(t *testing.T) {
		provider := agent.NewMockProvider(
			invoke("architect", "*create-architecture"),
			agent.MockToolUse("write_file", map[string]interface{}{"path": "/docs/arch.md", "content": "# Arch"}, 10, 5),
			agent.MockText("Architecture done", 10, 5),
			agent.MockText("All done", 100, 50),
		)
		e := newTestEngine(t, provider, nil)

		s, err := e.NewSession(SessionRequest{AgentID: "pm", Command: "*help"})
		require.NoError(t, err)

		res, err := s.Execute(ctx)
		require.NoError(t, err)
		require.Equal(t, session.StatusCompleted, res.Status, res.Error)
		assert.Equal(t, "All done", res.FinalText)

		require.Len(t, res.Documents, 1)
		assert.Equal(t, "/docs/arch.md", res.Documents[0].Path)
		assert.Equal(t, "# Arch", res.Documents[0].Content)

		result := lastToolResult(t, provider.Calls()[3])
		assert.False(t, result.IsError)
		assert.Contains(t, result.Content, "Agent architect completed *create-architecture.")
		assert.Contains(t, result.Content, "/docs/arch.md")
		assert.Contains(t, result.Content, "Architecture done")

		own := s.CostReport()
		assert.Equal(t, 2, own.APICalls)
		assert.False(t, own.IncludesChildren)
		require.Len(t, own.ChildSessions, 1, "the own report lists children without adding them")
		assert.Equal(t, "architect", own.ChildSessions[0].AgentID)

		withChildren := s.CostReportWithChildren()
		require.Len(t, withChildren.ChildSessions, 1)
		child := withChildren.ChildSessions[0]
		assert.Equal(t, "architect", child.AgentID)
		assert.Equal(t, 20, child.InputTokens)
		assert.Equal(t, 10, child.OutputTokens)
		assert.Equal(t, 4, withChildren.APICalls)
		assert.InDelta(t, own.TotalCost+child.Cost, withChildren.TotalCost, 1e-9)

		runs := e.Coordinator().ListChildren(s.ID())
		require.Len(t, runs, 1)
		assert.Equal(t, subagent.StatusCompleted, runs[0].Status)
		assert.Equal(t, 1, runs[0].Depth)
		require.NotNil(t, runs[0].Cost)
		assert.InDelta(t, child.Cost, runs[0].Cost.Cost, 1e-9)

		assert.Equal(t, []string{s.ID()}, e.LiveSessionIDs())
	})

	t.Run("should enforce the depth limit", func(t *testing.T) {
		provider := agent.NewMockProvider(
			invoke("architect", "*create-architecture"),
			invoke("analyst", "*research"),
			agent.MockText("Could not delegate", 10, 5),
			agent.MockText("Done", 10, 5),
		)
		e := newTestEngine(t, provider, func(cfg *Config) { cfg.MaxSubagentDepth = 1 })

		s, err := e.NewSession(SessionRequest{AgentID: "pm", Command: "*help"})
		require.NoError(t, err)

		res, err := s.Execute(ctx)
		require.NoError(t, err)
		assert.Equal(t, session.StatusCompleted, res.Status)

		denied := lastToolResult(t, provider.Calls()[2])
		assert.True(t, denied.IsError)
		assert.Contains(t, denied.Content, "sub-agent depth limit of 1 reached")

		assert.Equal(t, 1, e.Coordinator().CountDescendants(s.ID()))
	})

	t.Run("should hand a child's question back to the parent", func(t *testing.T) {
		provider := agent.NewMockProvider(
			invoke("architect", "*create-architecture"),
			agent.MockToolUse("ask_user", map[string]interface{}{"question": "Which cloud?"}, 10, 5),
			agent.MockText("I will ask", 10, 5),
		)
		e := newTestEngine(t, provider, nil)

		s, err := e.NewSession(SessionRequest{AgentID: "pm", Command: "*help"})
		require.NoError(t, err)

		res, err := s.Execute(ctx)
		require.NoError(t, err)
		assert.Equal(t, session.StatusCompleted, res.Status)

		result := lastToolResult(t, provider.Calls()[2])
		assert.True(t, result.IsError)
		assert.Contains(t, result.Content, "needs input")
		assert.Contains(t, result.Content, "Which cloud?")

		runs := e.Coordinator().ListChildren(s.ID())
		require.Len(t, runs, 1)
		assert.Equal(t, subagent.StatusAborted, runs[0].Status)
	})

	t.Run("should report a failed child as a tool error", func(t *testing.T) {
		provider := agent.NewMockProvider(
			invoke("architect", "*create-architecture"),
			agent.MockError(errors.New("upstream overloaded")),
			agent.MockText("Recovered", 10, 5),
		)
		e := newTestEngine(t, provider, nil)

		s, err := e.NewSession(SessionRequest{AgentID: "pm", Command: "*help"})
		require.NoError(t, err)

		res, err := s.Execute(ctx)
		require.NoError(t, err)
		assert.Equal(t, session.StatusCompleted, res.Status)

		result := lastToolResult(t, provider.Calls()[2])
		assert.True(t, result.IsError)
		assert.Contains(t, result.Content, "agent architect failed")

		runs := e.Coordinator().ListChildren(s.ID())
		require.Len(t, runs, 1)
		assert.Equal(t, subagent.StatusFailed, runs[0].Status)
		assert.Contains(t, runs[0].Error, "upstream overloaded")
	})

	t.Run("should refuse self invocation and unknown agents", func(t *testing.T) {
		provider := agent.NewMockProvider(
			invoke("pm", "*help"),
			invoke("ghost", "*help"),
			agent.MockText("Done", 10, 5),
		)
		e := newTestEngine(t, provider, nil)

		s, err := e.NewSession(SessionRequest{AgentID: "pm", Command: "*help"})
		require.NoError(t, err)

		_, err = s.Execute(ctx)
		require.NoError(t, err)

		self := lastToolResult(t, provider.Calls()[1])
		assert.True(t, self.IsError)
		assert.Contains(t, self.Content, "cannot invoke itself")

		ghost := lastToolResult(t, provider.Calls()[2])
		assert.True(t, ghost.IsError)
		assert.Contains(t, ghost.Content, "agent ghost failed")
	})

	t.Run("should work from a conversation", func(t *testing.T) {
		provider := agent.NewMockProvider(
			invoke("architect", "*create-architecture"),
			agent.MockToolUse("write_file", map[string]interface{}{"path": "/arch.md", "content": "x"}, 10, 5),
			agent.MockText("Architecture done", 10, 5),
			agent.MockText("Here it is", 10, 5),
		)
		e := newTestEngine(t, provider, nil)

		c, err := e.NewConversation(ConversationRequest{AgentID: "pm"})
		require.NoError(t, err)

		require.NoError(t, c.Send(ctx, "Get me an architecture"))
		turn, err := c.WaitForCompletion(ctx, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "Here it is", turn.AgentResponse)

		require.Len(t, c.Documents(), 1)
		assert.Len(t, c.CostReportWithChildren().ChildSessions, 1)
	})
}

func TestPersistenceWithoutStorage(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, agent.NewMockProvider(), nil)

	s, err := e.NewSession(SessionRequest{AgentID: "pm", Command: "*help"})
	require.NoError(t, err)
	c, err := e.NewConversation(ConversationRequest{AgentID: "pm"})
	require.NoError(t, err)

	t.Run("should fail every persistence operation with storage not configured", func(t *testing.T) {
		assert.ErrorIs(t, e.SaveSession(ctx, s), storage.ErrNotConfigured)
		assert.ErrorIs(t, e.SaveConversation(ctx, c), storage.ErrNotConfigured)

		_, err := e.LoadSession(ctx, s.ID())
		assert.ErrorIs(t, err, storage.ErrNotConfigured)

		_, err = e.LoadConversation(ctx, c.ID())
		assert.ErrorIs(t, err, storage.ErrNotConfigured)

		_, err = e.ListSessions(ctx, storage.ListFilter{})
		assert.ErrorIs(t, err, storage.ErrNotConfigured)

		assert.ErrorIs(t, e.DeleteSession(ctx, s.ID()), storage.ErrNotConfigured)
		assert.ErrorIs(t, e.SaveDocuments(ctx, s.ID(), "pm", nil), storage.ErrNotConfigured)
		assert.Contains(t, storage.ErrNotConfigured.Error(), "storage not configured")
	})
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()

	t.Run("should save and restore a completed session", func(t *testing.T) {
		provider := agent.NewMockProvider(
			agent.MockToolUse("write_file", map[string]interface{}{"path": "/prd.md", "content": "# PRD"}, 10, 5),
			agent.MockText("Done", 10, 5),
		)
		store := memory.New()
		e := newTestEngine(t, provider, func(cfg *Config) { cfg.Storage = store })

		s, err := e.NewSession(SessionRequest{AgentID: "pm", Command: "*help"})
		require.NoError(t, err)
		_, err = s.Execute(ctx)
		require.NoError(t, err)

		require.NoError(t, e.SaveSession(ctx, s))

		live, err := e.LoadSession(ctx, s.ID())
		require.NoError(t, err)
		assert.Same(t, s, live)

		e.Forget(s.ID())
		restored, err := e.LoadSession(ctx, s.ID())
		require.NoError(t, err)
		assert.NotSame(t, s, restored)
		assert.Equal(t, session.StatusCompleted, restored.Status())
		assert.Equal(t, s.Documents(), restored.Documents())
		assert.Equal(t, s.CostReport(), restored.CostReport())

		infos, err := e.ListSessions(ctx, storage.ListFilter{Kind: "session"})
		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.Equal(t, "completed", infos[0].Status)

		require.NoError(t, e.DeleteSession(ctx, s.ID()))
		_, err = e.LoadSession(ctx, s.ID())
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("should refuse to load a conversation as a session", func(t *testing.T) {
		store := memory.New()
		e := newTestEngine(t, agent.NewMockProvider(), func(cfg *Config) { cfg.Storage = store })

		c, err := e.NewConversation(ConversationRequest{AgentID: "pm"})
		require.NoError(t, err)
		require.NoError(t, e.SaveConversation(ctx, c))
		e.Forget(c.ID())

		_, err = e.LoadSession(ctx, c.ID())
		assert.ErrorIs(t, err, ErrWrongKind)

		restored, err := e.LoadConversation(ctx, c.ID())
		require.NoError(t, err)
		assert.Equal(t, session.ConversationIdle, restored.Status())
	})

	t.Run("should save documents with session metadata", func(t *testing.T) {
		store := memory.New()
		e := newTestEngine(t, agent.NewMockProvider(), func(cfg *Config) { cfg.Storage = store })

		s, err := e.NewSession(SessionRequest{AgentID: "pm", Command: "*help"})
		require.NoError(t, err)
		require.NoError(t, s.Space().Write("/docs/prd.md", "# PRD"))

		require.NoError(t, e.SaveDocuments(ctx, s.ID(), "pm", s.Documents()))

		content, err := store.Load(ctx, "/docs/prd.md")
		require.NoError(t, err)
		assert.Equal(t, "# PRD", content)

		meta, err := store.GetMetadata(ctx, "/docs/prd.md")
		require.NoError(t, err)
		assert.Equal(t, s.ID(), meta.SessionID)
		assert.Equal(t, "pm", meta.AgentID)
	})
}

func TestAutoSave(t *testing.T) {
	ctx := context.Background()

	t.Run("should persist a paused session and resume it after restore", func(t *testing.T) {
		provider := agent.NewMockProvider(
			agent.MockToolUse("ask_user", map[string]interface{}{"question": "Which market?"}, 10, 5),
			agent.MockToolUse("write_file", map[string]interface{}{"path": "/brief.md", "content": "EU"}, 10, 5),
			agent.MockText("Brief written", 10, 5),
		)
		store := memory.New()
		e := newTestEngine(t, provider, func(cfg *Config) {
			cfg.Storage = store
			cfg.AutoSave = true
		})

		s, err := e.NewSession(SessionRequest{AgentID: "pm", Command: "*help"})
		require.NoError(t, err)

		runCtx, cancel := context.WithCancel(ctx)
		go s.Execute(runCtx)

		require.Eventually(t, func() bool {
			record, err := store.LoadSessionState(ctx, s.ID())
			return err == nil && record.Status == "paused"
		}, 2*time.Second, 10*time.Millisecond)

		// a second process picks the snapshot up
		other := newTestEngine(t, provider, func(cfg *Config) {
			cfg.Storage = store
			cfg.AutoSave = true
		})
		restored, err := other.LoadSession(ctx, s.ID())
		require.NoError(t, err)
		require.Equal(t, session.StatusPaused, restored.Status())
		assert.Equal(t, "Which market?", restored.PendingQuestion().Text)

		require.NoError(t, restored.Answer("EU"))
		res, err := restored.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, session.StatusCompleted, res.Status)

		record, err := store.LoadSessionState(ctx, s.ID())
		require.NoError(t, err)
		assert.Equal(t, "completed", record.Status)

		content, err := store.Load(ctx, "/brief.md")
		require.NoError(t, err)
		assert.Equal(t, "EU", content)

		cancel()
		<-s.Done()
	})

	t.Run("should persist conversations after each turn", func(t *testing.T) {
		store := memory.New()
		e := newTestEngine(t, agent.NewMockProvider(agent.MockText("Hi there", 10, 5)), func(cfg *Config) {
			cfg.Storage = store
			cfg.AutoSave = true
		})

		c, err := e.NewConversation(ConversationRequest{AgentID: "pm"})
		require.NoError(t, err)
		require.NoError(t, c.Send(ctx, "Hello"))
		_, err = c.WaitForCompletion(ctx, 5*time.Second)
		require.NoError(t, err)

		record, err := store.LoadSessionState(ctx, c.ID())
		require.NoError(t, err)
		assert.Equal(t, "conversation", record.Kind)
		assert.True(t, strings.Contains(string(record.State), "Hi there"))
	})

	t.Run("should stay off without storage", func(t *testing.T) {
		e := newTestEngine(t, agent.NewMockProvider(), func(cfg *Config) { cfg.AutoSave = true })
		assert.False(t, e.autoSave)
	})
}

func TestObservers(t *testing.T) {
	ctx := context.Background()

	var mu sync.Mutex
	var seen []events.Type
	observe := func(ev events.Event) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
	}

	e := newTestEngine(t, agent.NewMockProvider(agent.MockText("Done", 10, 5), agent.MockText("Hi", 10, 5)), func(cfg *Config) {
		cfg.Observers = []events.Handler{observe}
	})

	t.Run("should receive session events", func(t *testing.T) {
		s, err := e.NewSession(SessionRequest{AgentID: "pm", Command: "*help"})
		require.NoError(t, err)
		_, err = s.Execute(ctx)
		require.NoError(t, err)

		mu.Lock()
		defer mu.Unlock()
		assert.Contains(t, seen, events.Started)
		assert.Contains(t, seen, events.Completed)
	})

	t.Run("should receive conversation events", func(t *testing.T) {
		c, err := e.NewConversation(ConversationRequest{AgentID: "pm"})
		require.NoError(t, err)
		require.NoError(t, c.Send(ctx, "Hello"))
		_, err = c.WaitForCompletion(ctx, 5*time.Second)
		require.NoError(t, err)
		require.NoError(t, c.End())

		mu.Lock()
		defer mu.Unlock()
		assert.Contains(t, seen, events.TurnCompleted)
		assert.Contains(t, seen, events.Ended)
	})
}
