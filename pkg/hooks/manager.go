// Package hooks runs shell commands on session lifecycle events. Hooks for
// one manager run one at a time, in the order their events were observed.
package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/personakit/internal/observability"
	"github.com/harun/personakit/pkg/commandqueue"
	"github.com/harun/personakit/pkg/events"
	"github.com/rs/zerolog"
)

// Hook event names
const (
	SessionCompleted  = "session.completed"
	SessionFailed     = "session.failed"
	QuestionAsked     = "question"
	TurnCompleted     = "turn.completed"
	TurnFailed        = "turn.failed"
	ConversationEnded = "conversation.ended"
	CostWarning       = "cost.warning"
	CostLimitExceeded = "cost.limit_exceeded"

	// AnyEvent subscribes a hook to every event
	AnyEvent = "*"
)

// DefaultTimeout bounds a hook without its own timeout
const DefaultTimeout = 30 * time.Second

const (
	lane               = "hooks"
	defaultDrainPeriod = 10 * time.Second
)

var eventNames = map[events.Type]string{
	events.Completed:         SessionCompleted,
	events.Failed:            SessionFailed,
	events.Question:          QuestionAsked,
	events.TurnCompleted:     TurnCompleted,
	events.Error:             TurnFailed,
	events.Ended:             ConversationEnded,
	events.CostWarning:       CostWarning,
	events.CostLimitExceeded: CostLimitExceeded,
}

// KnownEvents lists the event names a hook may subscribe to
func KnownEvents() []string {
	names := make([]string, 0, len(eventNames)+1)
	for _, name := range eventNames {
		names = append(names, name)
	}
	sort.Strings(names)
	return append(names, AnyEvent)
}

// IsKnownEvent reports whether name is a hook event name
func IsKnownEvent(name string) bool {
	if name == AnyEvent {
		return true
	}
	for _, known := range eventNames {
		if known == name {
			return true
		}
	}
	return false
}

// Hook defines a lifecycle event hook.
type Hook struct {
	ID      string
	Event   string
	Command string
	Timeout time.Duration
}

// Config configures a Hook manager.
type Config struct {
	Hooks  []Hook
	Logger zerolog.Logger

	// DrainTimeout bounds how long Close waits for queued hooks
	DrainTimeout time.Duration
}

// Manager executes configured hooks for lifecycle events.
type Manager struct {
	logger       zerolog.Logger
	queue        *commandqueue.CommandQueue
	drainTimeout time.Duration

	mu           sync.RWMutex
	hooksByEvent map[string][]Hook
}

// NewManager creates a hook manager.
func NewManager(cfg Config) (*Manager, error) {
	logger := cfg.Logger.With().Str("component", "hooks").Logger()
	manager := &Manager{
		logger:       logger,
		drainTimeout: cfg.DrainTimeout,
		hooksByEvent: make(map[string][]Hook),
	}
	if manager.drainTimeout <= 0 {
		manager.drainTimeout = defaultDrainPeriod
	}

	for _, hook := range cfg.Hooks {
		event := strings.TrimSpace(hook.Event)
		if event == "" {
			return nil, fmt.Errorf("hook event is required")
		}
		if !IsKnownEvent(event) {
			return nil, fmt.Errorf("unknown hook event %q", event)
		}
		if strings.TrimSpace(hook.Command) == "" {
			return nil, fmt.Errorf("hook command is required for event %q", event)
		}
		if hook.Timeout <= 0 {
			hook.Timeout = DefaultTimeout
		}
		manager.hooksByEvent[event] = append(manager.hooksByEvent[event], hook)
	}

	manager.queue = commandqueue.New(commandqueue.Config{
		Lanes:  map[string]int{lane: 1},
		Logger: cfg.Logger,
	})
	return manager, nil
}

// HookCount returns the number of configured hooks
func (m *Manager) HookCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, hooks := range m.hooksByEvent {
		n += len(hooks)
	}
	return n
}

func (m *Manager) hooksFor(event string) []Hook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hooks := append([]Hook(nil), m.hooksByEvent[event]...)
	return append(hooks, m.hooksByEvent[AnyEvent]...)
}

// Observe queues the hooks matching ev. It never blocks on hook execution
// and is safe to register as an event handler.
func (m *Manager) Observe(ev events.Event) {
	if m == nil {
		return
	}
	name, ok := eventNames[ev.Type]
	if !ok || len(m.hooksFor(name)) == 0 {
		return
	}

	data, payload := flatten(ev.Data)
	data["source_id"] = ev.SourceID

	_, err := m.queue.Submit(context.Background(), lane, func(ctx context.Context) (interface{}, error) {
		return nil, m.run(ctx, name, ev.SourceID, data, payload)
	}, &commandqueue.TaskOptions{WarnAfter: m.drainTimeout})
	if err != nil {
		m.logger.Warn().Err(err).Str("event", name).Msg("Hook dropped")
	}
}

// Trigger executes hooks registered for an event and waits for them.
func (m *Manager) Trigger(ctx context.Context, event string, data map[string]interface{}) error {
	if m == nil {
		return nil
	}
	event = strings.TrimSpace(event)
	if event == "" {
		return fmt.Errorf("event is required")
	}

	var payload string
	if len(data) > 0 {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to encode hook data: %w", err)
		}
		payload = string(raw)
	}
	sourceID, _ := data["source_id"].(string)
	_, err := m.queue.Enqueue(ctx, lane, func(ctx context.Context) (interface{}, error) {
		return nil, m.run(ctx, event, sourceID, data, payload)
	}, nil)
	return err
}

func (m *Manager) run(ctx context.Context, event, sourceID string, data map[string]interface{}, payload string) error {
	var errs []error
	for _, hook := range m.hooksFor(event) {
		err := m.executeHook(ctx, event, sourceID, hook, data, payload)
		observability.RecordHookRun(event, err == nil)
		if err != nil {
			m.logger.Error().Err(err).Str("event", event).Str("source_id", sourceID).Msg("Hook failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) executeHook(ctx context.Context, event, sourceID string, hook Hook, data map[string]interface{}, payload string) error {
	hookID := hook.ID
	if strings.TrimSpace(hookID) == "" {
		hookID = event
	}

	runCtx, cancel := context.WithTimeout(ctx, hook.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", hook.Command)
	cmd.Env = buildHookEnvironment(event, sourceID, data, payload)

	output, err := cmd.CombinedOutput()
	outputText := strings.TrimSpace(string(output))
	if err != nil {
		if outputText != "" {
			return fmt.Errorf("hook %s failed: %w: %s", hookID, err, outputText)
		}
		return fmt.Errorf("hook %s failed: %w", hookID, err)
	}

	m.logger.Debug().
		Str("event", event).
		Str("hook_id", hookID).
		Str("source_id", sourceID).
		Str("output", outputText).
		Msg("Hook executed")
	return nil
}

// Close waits for queued hooks up to the drain timeout, then cancels the rest
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	m.queue.WaitForIdle(m.drainTimeout)
	return m.queue.Close()
}

// flatten turns an event payload into top-level fields plus its JSON form
func flatten(v interface{}) (map[string]interface{}, string) {
	fields := make(map[string]interface{})
	if v == nil {
		return fields, ""
	}

	raw, err := json.Marshal(v)
	if err != nil {
		fields["data"] = fmt.Sprintf("%v", v)
		return fields, ""
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		fields["data"] = string(raw)
	}
	return fields, string(raw)
}

func buildHookEnvironment(event, sourceID string, data map[string]interface{}, payload string) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env,
		"PERSONAKIT_HOOK_EVENT="+event,
		"PERSONAKIT_HOOK_SOURCE_ID="+sourceID,
		"PERSONAKIT_HOOK_PAYLOAD="+payload,
	)

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		env = append(env, "PERSONAKIT_HOOK_DATA_"+normalizeEnvKey(key)+"="+envValue(data[key]))
	}
	return env
}

func envValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]interface{}, []interface{}:
		raw, _ := json.Marshal(val)
		return string(raw)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func normalizeEnvKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}

	upper := strings.ToUpper(key)
	builder := strings.Builder{}
	builder.Grow(len(upper))
	for _, r := range upper {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			builder.WriteRune(r)
			continue
		}
		builder.WriteRune('_')
	}
	return builder.String()
}
