// Package engine is the client facade over sessions and conversations. It
// wires the shared collaborators, registers invoke_agent for sub-agents and
// persists snapshots through a storage adapter.
package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/personakit/pkg/agent"
	"github.com/harun/personakit/pkg/events"
	"github.com/harun/personakit/pkg/persona"
	"github.com/harun/personakit/pkg/session"
	"github.com/harun/personakit/pkg/storage"
	"github.com/harun/personakit/pkg/subagent"
	"github.com/rs/zerolog"
)

const (
	// DefaultMaxSubagentDepth bounds invoke_agent nesting
	DefaultMaxSubagentDepth = 3

	// DefaultSubagentTimeout bounds one invoke_agent call
	DefaultSubagentTimeout = 10 * time.Minute
)

// Config configures an Engine
type Config struct {
	Provider agent.ModelProvider
	Agents   persona.Source
	Prompts  session.PromptBuilder

	// Storage defaults to storage.Unconfigured, which fails every persistence call
	Storage storage.Adapter

	// Coordinator is created in memory when nil
	Coordinator *subagent.Coordinator

	// Defaults fill the zero fields of per-request options
	Defaults    session.Options
	SendOptions agent.SendOptions
	ToolTimeout time.Duration

	MaxSubagentDepth int
	SubagentTimeout  time.Duration

	// AutoSave persists snapshots on pause, turn end and termination
	AutoSave bool

	// Observers receive every event of every session and conversation
	Observers []events.Handler

	Logger zerolog.Logger
}

// SessionRequest describes a single-shot session
type SessionRequest struct {
	ID      string
	AgentID string
	Command string
	Options session.Options
}

// ConversationRequest describes a conversation
type ConversationRequest struct {
	ID      string
	AgentID string
	Options session.Options
}

// Engine owns the live sessions and conversations of a process
type Engine struct {
	provider    agent.ModelProvider
	agents      persona.Source
	prompts     session.PromptBuilder
	store       storage.Adapter
	coordinator *subagent.Coordinator
	defaults    session.Options
	sendOpts    agent.SendOptions
	toolTimeout time.Duration
	maxDepth    int
	subTimeout  time.Duration
	autoSave    bool
	observers   []events.Handler
	logger      zerolog.Logger

	mu            sync.RWMutex
	sessions      map[string]*session.Session
	conversations map[string]*session.Conversation
}

// New creates an engine
func New(cfg Config) (*Engine, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("model provider is required")
	}
	if cfg.Agents == nil {
		return nil, fmt.Errorf("agent source is required")
	}

	store := cfg.Storage
	if store == nil {
		store = storage.Unconfigured{}
	}
	coordinator := cfg.Coordinator
	if coordinator == nil {
		coordinator = subagent.NewCoordinator(subagent.Config{Logger: cfg.Logger})
	}
	maxDepth := cfg.MaxSubagentDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxSubagentDepth
	}
	subTimeout := cfg.SubagentTimeout
	if subTimeout <= 0 {
		subTimeout = DefaultSubagentTimeout
	}

	return &Engine{
		provider:      cfg.Provider,
		agents:        cfg.Agents,
		prompts:       cfg.Prompts,
		store:         store,
		coordinator:   coordinator,
		defaults:      cfg.Defaults,
		sendOpts:      cfg.SendOptions,
		toolTimeout:   cfg.ToolTimeout,
		maxDepth:      maxDepth,
		subTimeout:    subTimeout,
		autoSave:      cfg.AutoSave && storage.IsConfigured(store),
		observers:     append([]events.Handler(nil), cfg.Observers...),
		logger:        cfg.Logger,
		sessions:      make(map[string]*session.Session),
		conversations: make(map[string]*session.Conversation),
	}, nil
}

// NewSession creates a pending session with invoke_agent registered
func (e *Engine) NewSession(req SessionRequest) (*session.Session, error) {
	s, err := session.New(session.Config{
		ID:          req.ID,
		AgentID:     req.AgentID,
		Command:     req.Command,
		Provider:    e.provider,
		Agents:      e.agents,
		Prompts:     e.prompts,
		Options:     mergeOptions(e.defaults, req.Options),
		SendOptions: e.sendOpts,
		ToolTimeout: e.toolTimeout,
		Logger:      e.logger,
	})
	if err != nil {
		return nil, err
	}

	if err := e.attachSession(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (e *Engine) attachSession(s *session.Session) error {
	if err := s.RegisterTool(e.invokeAgentTool(s)); err != nil {
		return fmt.Errorf("failed to register invoke_agent: %w", err)
	}
	if e.autoSave {
		s.OnAny(func(ev events.Event) {
			switch ev.Type {
			case events.Question, events.Completed, events.Failed:
				e.autoSaveSession(s)
			}
		})
	}
	for _, observe := range e.observers {
		s.OnAny(observe)
	}

	e.mu.Lock()
	e.sessions[s.ID()] = s
	e.mu.Unlock()
	return nil
}

// NewConversation creates an idle conversation with invoke_agent registered
func (e *Engine) NewConversation(req ConversationRequest) (*session.Conversation, error) {
	c, err := session.NewConversation(session.ConversationConfig{
		ID:          req.ID,
		AgentID:     req.AgentID,
		Provider:    e.provider,
		Agents:      e.agents,
		Prompts:     e.prompts,
		Options:     mergeOptions(e.defaults, req.Options),
		SendOptions: e.sendOpts,
		ToolTimeout: e.toolTimeout,
		Logger:      e.logger,
	})
	if err != nil {
		return nil, err
	}

	if err := e.attachConversation(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (e *Engine) attachConversation(c *session.Conversation) error {
	if err := c.RegisterTool(e.invokeAgentTool(c)); err != nil {
		return fmt.Errorf("failed to register invoke_agent: %w", err)
	}
	if e.autoSave {
		c.OnAny(func(ev events.Event) {
			switch ev.Type {
			case events.Question, events.TurnCompleted, events.Error, events.Ended:
				e.autoSaveConversation(c)
			}
		})
	}
	for _, observe := range e.observers {
		c.OnAny(observe)
	}

	e.mu.Lock()
	e.conversations[c.ID()] = c
	e.mu.Unlock()
	return nil
}

// Session returns a live session
func (e *Engine) Session(id string) (*session.Session, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[id]
	return s, ok
}

// Conversation returns a live conversation
func (e *Engine) Conversation(id string) (*session.Conversation, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.conversations[id]
	return c, ok
}

// LiveSessionIDs lists the sessions held in memory
func (e *Engine) LiveSessionIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LiveConversationIDs lists the conversations held in memory
func (e *Engine) LiveConversationIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]string, 0, len(e.conversations))
	for id := range e.conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Forget drops a session or conversation from memory; stored snapshots stay
func (e *Engine) Forget(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, id)
	delete(e.conversations, id)
}

// Coordinator returns the sub-agent run tracker
func (e *Engine) Coordinator() *subagent.Coordinator {
	return e.coordinator
}

// Storage returns the configured adapter
func (e *Engine) Storage() storage.Adapter {
	return e.store
}

// Close releases the storage adapter and saves the run registry
func (e *Engine) Close() error {
	if err := e.coordinator.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to save sub-agent registry")
	}
	return e.store.Close()
}

// mergeOptions fills the zero fields of o from defaults
func mergeOptions(defaults, o session.Options) session.Options {
	if o.CostLimit == 0 {
		o.CostLimit = defaults.CostLimit
	}
	if o.Currency == "" {
		o.Currency = defaults.Currency
	}
	if len(o.WarningThresholds) == 0 {
		o.WarningThresholds = append([]float64(nil), defaults.WarningThresholds...)
	}
	if o.PauseTimeout == 0 {
		o.PauseTimeout = defaults.PauseTimeout
	}
	if o.MaxIterations == 0 {
		o.MaxIterations = defaults.MaxIterations
	}
	if len(defaults.Context) > 0 {
		merged := make(map[string]interface{}, len(defaults.Context)+len(o.Context))
		for k, v := range defaults.Context {
			merged[k] = v
		}
		for k, v := range o.Context {
			merged[k] = v
		}
		o.Context = merged
	}
	return o
}
