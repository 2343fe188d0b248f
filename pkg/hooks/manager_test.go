package hooks

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harun/personakit/pkg/cost"
	"github.com/harun/personakit/pkg/events"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, hooks ...Hook) *Manager {
	t.Helper()
	manager, err := NewManager(Config{Hooks: hooks, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })
	return manager
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(content)
}

func TestNewManager(t *testing.T) {
	t.Run("should count configured hooks", func(t *testing.T) {
		manager := newTestManager(t,
			Hook{Event: SessionCompleted, Command: "true"},
			Hook{Event: AnyEvent, Command: "true"},
		)
		assert.Equal(t, 2, manager.HookCount())
	})

	t.Run("should reject incomplete hooks", func(t *testing.T) {
		_, err := NewManager(Config{Hooks: []Hook{{Event: "", Command: "true"}}})
		assert.Error(t, err)

		_, err = NewManager(Config{Hooks: []Hook{{Event: SessionFailed, Command: "  "}}})
		assert.Error(t, err)

		_, err = NewManager(Config{Hooks: []Hook{{Event: "daemon:startup", Command: "true"}}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown hook event")
	})

	t.Run("should list known events", func(t *testing.T) {
		names := KnownEvents()
		assert.Contains(t, names, CostLimitExceeded)
		assert.Contains(t, names, AnyEvent)
		assert.True(t, IsKnownEvent(TurnFailed))
		assert.False(t, IsKnownEvent("turn_failed"))
	})
}

func TestManagerTrigger(t *testing.T) {
	t.Run("should execute the hook command", func(t *testing.T) {
		outputPath := filepath.Join(t.TempDir(), "done.txt")
		manager := newTestManager(t, Hook{
			ID:      "done",
			Event:   SessionCompleted,
			Command: "echo done > " + outputPath,
		})

		require.NoError(t, manager.Trigger(context.Background(), SessionCompleted, nil))
		assert.Equal(t, "done\n", readFile(t, outputPath))
	})

	t.Run("should inject event data into the environment", func(t *testing.T) {
		outputPath := filepath.Join(t.TempDir(), "env.txt")
		manager := newTestManager(t, Hook{
			Event:   QuestionAsked,
			Command: "echo \"$PERSONAKIT_HOOK_EVENT:$PERSONAKIT_HOOK_SOURCE_ID:$PERSONAKIT_HOOK_DATA_TOOL_USE_ID\" > " + outputPath,
		})

		require.NoError(t, manager.Trigger(context.Background(), QuestionAsked, map[string]interface{}{
			"source_id":   "sess-42",
			"tool_use_id": "toolu_1",
		}))
		assert.Equal(t, "question:sess-42:toolu_1\n", readFile(t, outputPath))
	})

	t.Run("should return joined errors", func(t *testing.T) {
		manager := newTestManager(t,
			Hook{ID: "fail-1", Event: SessionFailed, Command: "exit 2"},
			Hook{ID: "fail-2", Event: SessionFailed, Command: "exit 3"},
		)

		err := manager.Trigger(context.Background(), SessionFailed, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "hook fail-1 failed")
		assert.Contains(t, err.Error(), "hook fail-2 failed")
	})

	t.Run("should respect the hook timeout", func(t *testing.T) {
		manager := newTestManager(t, Hook{
			ID:      "slow",
			Event:   TurnCompleted,
			Command: "sleep 1",
			Timeout: 30 * time.Millisecond,
		})

		err := manager.Trigger(context.Background(), TurnCompleted, nil)
		require.Error(t, err)
		assert.True(t,
			strings.Contains(err.Error(), "deadline exceeded") || strings.Contains(err.Error(), "signal: killed"),
			"expected timeout-related error, got: %v",
			err,
		)
	})

	t.Run("should require an event", func(t *testing.T) {
		manager := newTestManager(t)
		assert.Error(t, manager.Trigger(context.Background(), " ", nil))
	})

	t.Run("should ignore a nil manager", func(t *testing.T) {
		var manager *Manager
		assert.NoError(t, manager.Trigger(context.Background(), SessionCompleted, nil))
		manager.Observe(events.Event{Type: events.Completed})
		assert.NoError(t, manager.Close())
	})
}

func TestManagerObserve(t *testing.T) {
	t.Run("should flatten the event payload", func(t *testing.T) {
		outputPath := filepath.Join(t.TempDir(), "warning.txt")
		manager, err := NewManager(Config{
			Logger: zerolog.Nop(),
			Hooks: []Hook{{
				Event:   CostWarning,
				Command: "echo \"$PERSONAKIT_HOOK_EVENT $PERSONAKIT_HOOK_SOURCE_ID $PERSONAKIT_HOOK_DATA_THRESHOLD $PERSONAKIT_HOOK_DATA_CURRENCY\" > " + outputPath,
			}},
		})
		require.NoError(t, err)

		manager.Observe(events.Event{
			Type:     events.CostWarning,
			SourceID: "sess-1",
			Data:     cost.Warning{Threshold: 0.5, CurrentCost: 0.6, Limit: 1.2, Currency: "USD"},
		})
		require.NoError(t, manager.Close())

		assert.Equal(t, "cost.warning sess-1 0.5 USD\n", readFile(t, outputPath))
	})

	t.Run("should run hooks in observed order", func(t *testing.T) {
		outputPath := filepath.Join(t.TempDir(), "order.txt")
		manager, err := NewManager(Config{
			Logger: zerolog.Nop(),
			Hooks: []Hook{{
				Event:   AnyEvent,
				Command: "echo \"$PERSONAKIT_HOOK_EVENT\" >> " + outputPath,
			}},
		})
		require.NoError(t, err)

		manager.Observe(events.Event{Type: events.TurnCompleted, SourceID: "conv-1"})
		manager.Observe(events.Event{Type: events.Question, SourceID: "conv-1"})
		manager.Observe(events.Event{Type: events.Ended, SourceID: "conv-1"})
		require.NoError(t, manager.Close())

		assert.Equal(t, "turn.completed\nquestion\nconversation.ended\n", readFile(t, outputPath))
	})

	t.Run("should skip unmapped events", func(t *testing.T) {
		outputPath := filepath.Join(t.TempDir(), "started.txt")
		manager, err := NewManager(Config{
			Logger: zerolog.Nop(),
			Hooks:  []Hook{{Event: AnyEvent, Command: "echo x > " + outputPath}},
		})
		require.NoError(t, err)

		manager.Observe(events.Event{Type: events.Started, SourceID: "sess-1"})
		manager.Observe(events.Event{Type: events.ToolExecuted, SourceID: "sess-1"})
		require.NoError(t, manager.Close())

		_, err = os.Stat(outputPath)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("should drop events after close", func(t *testing.T) {
		outputPath := filepath.Join(t.TempDir(), "late.txt")
		manager, err := NewManager(Config{
			Logger: zerolog.Nop(),
			Hooks:  []Hook{{Event: SessionCompleted, Command: "echo late > " + outputPath}},
		})
		require.NoError(t, err)
		require.NoError(t, manager.Close())

		manager.Observe(events.Event{Type: events.Completed, SourceID: "sess-1"})

		_, err = os.Stat(outputPath)
		assert.True(t, os.IsNotExist(err))
	})
}

func TestNormalizeEnvKey(t *testing.T) {
	assert.Equal(t, "TOOL_USE_ID", normalizeEnvKey("tool_use_id"))
	assert.Equal(t, "A_B_C", normalizeEnvKey("a.b-c"))
	assert.Equal(t, "UNKNOWN", normalizeEnvKey(" "))
}

func TestEnvValue(t *testing.T) {
	assert.Equal(t, "text", envValue("text"))
	assert.Equal(t, "3", envValue(float64(3)))
	assert.Equal(t, `{"a":1}`, envValue(map[string]interface{}{"a": 1}))
	assert.Equal(t, `["x"]`, envValue([]interface{}{"x"}))
}
