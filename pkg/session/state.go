package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/personakit/internal/observability"
	"github.com/harun/personakit/internal/tracing"
	"github.com/harun/personakit/pkg/agent"
	"github.com/harun/personakit/pkg/cost"
	"github.com/harun/personakit/pkg/docspace"
	"github.com/harun/personakit/pkg/persona"
	"github.com/harun/personakit/pkg/prompt"
	"github.com/rs/zerolog"
)

// StateVersion is the snapshot format version
const StateVersion = 1

// Kind tells which executor a snapshot belongs to
type Kind string

const (
	KindSession      Kind = "session"
	KindConversation Kind = "conversation"
)

// State is a pure-data snapshot of a session or conversation
type State struct {
	Version         int                 `json:"version"`
	Kind            Kind                `json:"kind"`
	ID              string              `json:"id"`
	AgentID         string              `json:"agent_id"`
	Command         string              `json:"command,omitempty"`
	Status          string              `json:"status"`
	CreatedAt       time.Time           `json:"created_at"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	PausedAt        *time.Time          `json:"paused_at,omitempty"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
	Messages        []agent.Message     `json:"messages,omitempty"`
	Documents       []docspace.Document `json:"documents"`
	Costs           cost.State          `json:"costs"`
	Options         Options             `json:"options"`
	PendingQuestion *Question           `json:"pending_question,omitempty"`
	Error           string              `json:"error,omitempty"`

	// conversation only
	Turns       []Turn `json:"turns,omitempty"`
	CurrentTurn *Turn  `json:"current_turn,omitempty"`
}

// RestoreConfig supplies the collaborators a snapshot cannot carry
type RestoreConfig struct {
	Provider    agent.ModelProvider
	Agents      persona.Source
	Prompts     PromptBuilder
	SendOptions agent.SendOptions
	ToolTimeout time.Duration
	Logger      zerolog.Logger
}

// Serialize captures the session
func (s *Session) Serialize() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{
		Version:     StateVersion,
		Kind:        KindSession,
		ID:          s.r.id,
		AgentID:     s.r.agentID,
		Command:     s.command,
		Status:      string(s.status),
		CreatedAt:   s.createdAt,
		StartedAt:   copyTime(s.startedAt),
		PausedAt:    copyTime(s.pausedAt),
		CompletedAt: copyTime(s.completedAt),
		Messages:    s.r.Messages(),
		Documents:   s.r.space.Documents(),
		Costs:       s.r.ledger.Snapshot(),
		Options:     cloneOptions(s.opts),
		Error:       s.errMsg,
	}
	if s.question != nil {
		q := *s.question
		st.PendingQuestion = &q
	}
	return st
}

// Restore rebuilds a session from a snapshot. A paused session waits for
// Answer, a running one for Resume, a terminal one only answers getters.
func Restore(state State, cfg RestoreConfig) (*Session, error) {
	if state.Kind != KindSession {
		return nil, fmt.Errorf("snapshot kind %q is not a session", state.Kind)
	}
	status := Status(state.Status)
	if !validStatus(status) {
		return nil, fmt.Errorf("snapshot has invalid status %q", state.Status)
	}
	if status == StatusPaused && state.PendingQuestion == nil {
		return nil, fmt.Errorf("paused snapshot has no pending question")
	}

	r, logger, err := restoreRunner(state, cfg, "session_id")
	if err != nil {
		return nil, err
	}

	prompts := cfg.Prompts
	if prompts == nil {
		prompts = prompt.New()
	}

	s := &Session{
		r:           r,
		command:     state.Command,
		opts:        cloneOptions(state.Options),
		agents:      cfg.Agents,
		prompts:     prompts,
		logger:      logger,
		status:      status,
		createdAt:   state.CreatedAt,
		startedAt:   copyTime(state.StartedAt),
		pausedAt:    copyTime(state.PausedAt),
		completedAt: copyTime(state.CompletedAt),
		errMsg:      state.Error,
		done:        make(chan struct{}),
	}
	if state.Error != "" {
		s.err = errors.New(state.Error)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case status.IsTerminal():
		close(s.done)
	case status == StatusPaused:
		q := *state.PendingQuestion
		s.question = &q
		s.track()
		s.startPauseTimerLocked()
	case status == StatusRunning:
		s.track()
	}

	logger.Info().Str("status", state.Status).Msg("Session restored")
	return s, nil
}

// Serialize captures the conversation
func (c *Conversation) Serialize() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := State{
		Version:     StateVersion,
		Kind:        KindConversation,
		ID:          c.r.id,
		AgentID:     c.r.agentID,
		Status:      string(c.status),
		CreatedAt:   c.createdAt,
		PausedAt:    copyTime(c.pausedAt),
		CompletedAt: copyTime(c.endedAt),
		Messages:    c.r.Messages(),
		Documents:   c.r.space.Documents(),
		Costs:       c.r.ledger.Snapshot(),
		Options:     cloneOptions(c.opts),
		Error:       c.lastErr,
		Turns:       cloneTurns(c.turns),
		CurrentTurn: cloneTurn(c.current),
	}
	if c.question != nil {
		q := *c.question
		st.PendingQuestion = &q
	}
	return st
}

// RestoreConversation rebuilds a conversation from a snapshot. A snapshot
// taken mid-turn keeps its in-flight turn: paused ones wait for Answer,
// processing ones for Resume.
func RestoreConversation(state State, cfg RestoreConfig) (*Conversation, error) {
	if state.Kind != KindConversation {
		return nil, fmt.Errorf("snapshot kind %q is not a conversation", state.Kind)
	}
	status := ConversationStatus(state.Status)
	if !validConversationStatus(status) {
		return nil, fmt.Errorf("snapshot has invalid status %q", state.Status)
	}
	if status == ConversationPaused && state.PendingQuestion == nil {
		return nil, fmt.Errorf("paused snapshot has no pending question")
	}
	inFlight := status == ConversationPaused || status == ConversationProcessing
	if inFlight && state.CurrentTurn == nil {
		return nil, fmt.Errorf("%s snapshot has no current turn", state.Status)
	}

	r, logger, err := restoreRunner(state, cfg, "conversation_id")
	if err != nil {
		return nil, err
	}

	c := &Conversation{
		r:         r,
		opts:      cloneOptions(state.Options),
		logger:    logger,
		status:    status,
		createdAt: state.CreatedAt,
		pausedAt:  copyTime(state.PausedAt),
		endedAt:   copyTime(state.CompletedAt),
		turns:     cloneTurns(state.Turns),
		current:   cloneTurn(state.CurrentTurn),
		lastErr:   state.Error,
		runCtx:    tracing.NewSessionContext(context.Background(), state.ID, state.AgentID),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if inFlight {
		c.task = &task{done: make(chan struct{})}
	}
	if status == ConversationPaused {
		q := *state.PendingQuestion
		c.question = &q
		c.startPauseTimerLocked()
	}
	if status != ConversationEnded {
		observability.SetActiveSessions(string(KindConversation), int(activeConversations.Add(1)))
	}

	logger.Info().Str("status", state.Status).Int("turns", len(state.Turns)).Msg("Conversation restored")
	return c, nil
}

func restoreRunner(state State, cfg RestoreConfig, idField string) (*runner, zerolog.Logger, error) {
	if state.ID == "" || state.AgentID == "" {
		return nil, zerolog.Logger{}, fmt.Errorf("snapshot is missing its id or agent id")
	}

	logger := cfg.Logger.With().Str(idField, state.ID).Str("agent_id", state.AgentID).Logger()
	r, err := newRunner(runnerConfig{
		id:          state.ID,
		agentID:     state.AgentID,
		provider:    cfg.Provider,
		options:     state.Options,
		sendOptions: cfg.SendOptions,
		toolTimeout: cfg.ToolTimeout,
		logger:      logger,
	})
	if err != nil {
		return nil, zerolog.Logger{}, err
	}

	r.mu.Lock()
	r.messages = agent.CloneMessages(state.Messages)
	r.mu.Unlock()
	if err := r.space.Seed(state.Documents); err != nil {
		return nil, zerolog.Logger{}, fmt.Errorf("failed to seed documents: %w", err)
	}
	r.ledger.Restore(state.Costs)

	return r, logger, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return timePtr(*t)
}
