package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harun/personakit/internal/tracing"
	"github.com/harun/personakit/pkg/docspace"
	"github.com/harun/personakit/pkg/session"
	"github.com/harun/personakit/pkg/storage"
)

// ErrWrongKind is returned when a stored snapshot belongs to the other kind
var ErrWrongKind = errors.New("snapshot kind mismatch")

func (e *Engine) restoreConfig() session.RestoreConfig {
	return session.RestoreConfig{
		Provider:    e.provider,
		Agents:      e.agents,
		Prompts:     e.prompts,
		SendOptions: e.sendOpts,
		ToolTimeout: e.toolTimeout,
		Logger:      e.logger,
	}
}

func (e *Engine) requireStorage() error {
	if !storage.IsConfigured(e.store) {
		return storage.ErrNotConfigured
	}
	return nil
}

func recordFor(state session.State) (storage.SessionRecord, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return storage.SessionRecord{}, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return storage.SessionRecord{
		SessionInfo: storage.SessionInfo{
			ID:        state.ID,
			AgentID:   state.AgentID,
			Kind:      string(state.Kind),
			Status:    state.Status,
			UpdatedAt: time.Now().UTC(),
		},
		State: data,
	}, nil
}

func (e *Engine) saveState(ctx context.Context, state session.State) error {
	if err := e.requireStorage(); err != nil {
		return err
	}
	record, err := recordFor(state)
	if err != nil {
		return err
	}
	if err := e.store.SaveSessionState(tracing.WithSessionID(ctx, state.ID), record); err != nil {
		return fmt.Errorf("failed to save %s %s: %w", state.Kind, state.ID, err)
	}
	return nil
}

func (e *Engine) loadState(ctx context.Context, id string, kind session.Kind) (session.State, error) {
	var state session.State
	if err := e.requireStorage(); err != nil {
		return state, err
	}

	record, err := e.store.LoadSessionState(tracing.WithSessionID(ctx, id), id)
	if err != nil {
		return state, fmt.Errorf("failed to load %s %s: %w", kind, id, err)
	}
	if err := json.Unmarshal(record.State, &state); err != nil {
		return state, fmt.Errorf("failed to parse snapshot %s: %w", id, err)
	}
	if state.Kind != kind {
		return state, fmt.Errorf("%w: %s is a %s, not a %s", ErrWrongKind, id, state.Kind, kind)
	}
	return state, nil
}

// SaveSession persists a session snapshot
func (e *Engine) SaveSession(ctx context.Context, s *session.Session) error {
	return e.saveState(ctx, s.Serialize())
}

// LoadSession returns the live session with id, or restores it from storage
func (e *Engine) LoadSession(ctx context.Context, id string) (*session.Session, error) {
	if err := e.requireStorage(); err != nil {
		return nil, err
	}
	if s, ok := e.Session(id); ok {
		return s, nil
	}

	state, err := e.loadState(ctx, id, session.KindSession)
	if err != nil {
		return nil, err
	}
	s, err := session.Restore(state, e.restoreConfig())
	if err != nil {
		return nil, err
	}
	if err := e.attachSession(s); err != nil {
		return nil, err
	}

	e.logger.Info().Str("session_id", id).Str("status", string(s.Status())).Msg("Session restored")
	return s, nil
}

// SaveConversation persists a conversation snapshot
func (e *Engine) SaveConversation(ctx context.Context, c *session.Conversation) error {
	return e.saveState(ctx, c.Serialize())
}

// LoadConversation returns the live conversation with id, or restores it
func (e *Engine) LoadConversation(ctx context.Context, id string) (*session.Conversation, error) {
	if err := e.requireStorage(); err != nil {
		return nil, err
	}
	if c, ok := e.Conversation(id); ok {
		return c, nil
	}

	state, err := e.loadState(ctx, id, session.KindConversation)
	if err != nil {
		return nil, err
	}
	c, err := session.RestoreConversation(state, e.restoreConfig())
	if err != nil {
		return nil, err
	}
	if err := e.attachConversation(c); err != nil {
		return nil, err
	}

	e.logger.Info().Str("conversation_id", id).Str("status", string(c.Status())).Msg("Conversation restored")
	return c, nil
}

// ListSessions lists stored snapshots of both kinds
func (e *Engine) ListSessions(ctx context.Context, filter storage.ListFilter) ([]storage.SessionInfo, error) {
	if err := e.requireStorage(); err != nil {
		return nil, err
	}
	return e.store.ListSessions(ctx, filter)
}

// DeleteSession removes a stored snapshot and forgets the live instance
func (e *Engine) DeleteSession(ctx context.Context, id string) error {
	if err := e.requireStorage(); err != nil {
		return err
	}
	if err := e.store.DeleteSession(tracing.WithSessionID(ctx, id), id); err != nil {
		return err
	}
	e.Forget(id)
	return nil
}

// SaveDocuments writes documents produced by a session to storage
func (e *Engine) SaveDocuments(ctx context.Context, sessionID, agentID string, docs []docspace.Document) error {
	if err := e.requireStorage(); err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}

	opts := storage.SaveOptions{SessionID: sessionID, AgentID: agentID, ContentType: "text/markdown"}
	objects := make([]storage.Object, len(docs))
	for i, doc := range docs {
		objects[i] = storage.Object{Path: doc.Path, Content: doc.Content, Options: opts}
	}

	if err := e.store.SaveBatch(tracing.WithSessionID(ctx, sessionID), objects); err != nil {
		return fmt.Errorf("failed to save documents: %w", err)
	}
	return nil
}

func (e *Engine) autoSaveSession(s *session.Session) {
	if err := e.SaveSession(context.Background(), s); err != nil {
		e.logger.Error().Err(err).Str("session_id", s.ID()).Msg("Failed to auto-save session")
		return
	}
	if !s.Status().IsTerminal() {
		return
	}
	if err := e.SaveDocuments(context.Background(), s.ID(), s.AgentID(), s.Documents()); err != nil && !errors.Is(err, storage.ErrNotConfigured) {
		e.logger.Error().Err(err).Str("session_id", s.ID()).Msg("Failed to auto-save documents")
	}
}

func (e *Engine) autoSaveConversation(c *session.Conversation) {
	if err := e.SaveConversation(context.Background(), c); err != nil {
		e.logger.Error().Err(err).Str("conversation_id", c.ID()).Msg("Failed to auto-save conversation")
	}
}
