package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/personakit/internal/tracing"
	"github.com/harun/personakit/pkg/engine"
	"github.com/harun/personakit/pkg/session"
	"github.com/harun/personakit/pkg/storage"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	defaultWaitTimeout = 30 * time.Second
	maxWaitTimeout     = 10 * time.Minute
)

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound) ||
		errors.Is(err, storage.ErrNotConfigured) ||
		errors.Is(err, engine.ErrWrongKind)
}

// lookupSession returns the live session or restores it from storage. A
// session restored while running is resumed in the background.
func (s *Server) lookupSession(ctx context.Context, id string) (*session.Session, error) {
	if sess, ok := s.engine.Session(id); ok {
		s.watchSession(sess)
		return sess, nil
	}

	sess, err := s.engine.LoadSession(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("session %s not found: %w", id, err)
		}
		return nil, err
	}
	s.watchSession(sess)

	if sess.Status() == session.StatusRunning {
		s.startRun(ctx, sess, sess.Resume)
	}
	return sess, nil
}

// lookupConversation returns the live conversation or restores it
func (s *Server) lookupConversation(ctx context.Context, id string) (*session.Conversation, error) {
	if c, ok := s.engine.Conversation(id); ok {
		return c, nil
	}

	c, err := s.engine.LoadConversation(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("conversation %s not found: %w", id, err)
		}
		return nil, err
	}

	if c.Status() == session.ConversationProcessing {
		if err := c.Resume(); err != nil {
			s.logger.Warn().Err(err).Str("conversation_id", id).Msg("Failed to resume restored conversation")
		}
	}
	return c, nil
}

// watchSession forwards a session's events to its stream clients once
func (s *Server) watchSession(sess *session.Session) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	if _, ok := s.watched[sess.ID()]; ok {
		return
	}
	s.watched[sess.ID()] = sess.OnAny(s.broadcaster.Publish)
}

// startRun drives a session in the background, detached from the request
func (s *Server) startRun(ctx context.Context, sess *session.Session, run func(context.Context) (*session.Result, error)) {
	runCtx := context.WithoutCancel(ctx)
	log := tracing.LoggerFromContext(runCtx, s.logger)

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		if _, err := run(runCtx); err != nil {
			log.Error().Err(err).Str("session_id", sess.ID()).Msg("Background session run failed")
		}
	}()
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.AgentID) == "" || strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, errors.New("agent_id and command are required"))
		return
	}

	sess, err := s.engine.NewSession(engine.SessionRequest{
		ID:      req.ID,
		AgentID: req.AgentID,
		Command: req.Command,
		Options: req.Options.options(),
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.watchSession(sess)

	reqLog := tracing.LoggerFromContext(r.Context(), s.logger)
	reqLog.Info().
		Str("session_id", sess.ID()).
		Str("agent_id", req.AgentID).
		Str("command", req.Command).
		Msg("Session created via gateway")

	s.startRun(r.Context(), sess, sess.Execute)
	writeJSON(w, http.StatusAccepted, newSessionResponse(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.lookupSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

func (s *Server) handleAnswerSession(w http.ResponseWriter, r *http.Request) {
	var req AnswerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sess, err := s.lookupSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err := sess.Answer(req.Answer); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, newSessionResponse(sess))
}

// handleSessionEvents upgrades to a WebSocket that receives a snapshot and
// then every event of the session. The server closes the stream after the
// terminal event.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sess, err := s.lookupSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:          clientID,
		SessionID:   sess.ID(),
		Conn:        conn,
		ConnectedAt: time.Now(),
		IPAddress:   r.RemoteAddr,
	}

	log := tracing.LoggerFromContext(r.Context(), s.logger).With().
		Str("client_id", clientID).
		Str("session_id", sess.ID()).
		Logger()

	// Holding the write lock across registration and the snapshot keeps
	// events from overtaking the snapshot without dropping any
	client.writeMu.Lock()
	s.clients.Add(client)
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteJSON(s.broadcaster.Snapshot(sess.ID(), newSessionResponse(sess)))
	client.writeMu.Unlock()

	defer s.clients.Remove(clientID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to send snapshot")
		_ = conn.Close()
		return
	}
	log.Info().Msg("Stream client connected")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug().Err(err).Msg("Stream read error")
				}
				return
			}
		}
	}()

	select {
	case <-sess.Done():
		client.Close(websocket.CloseNormalClosure, "session finished")
		<-closed
	case <-closed:
		_ = conn.Close()
	}
	log.Info().Msg("Stream client disconnected")
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("agent_id is required"))
		return
	}

	c, err := s.engine.NewConversation(engine.ConversationRequest{
		ID:      req.ID,
		AgentID: req.AgentID,
		Options: req.Options.options(),
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, newConversationResponse(c))
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	c, err := s.lookupConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, newConversationResponse(c))
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	c, err := s.lookupConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err := c.Send(r.Context(), req.Message); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, newConversationResponse(c))
}

func (s *Server) handleAnswerConversation(w http.ResponseWriter, r *http.Request) {
	var req AnswerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	c, err := s.lookupConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err := c.Answer(req.Answer); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, newConversationResponse(c))
}

// handleWaitConversation waits for the in-flight message. A timeout answers
// 202 with the current projection; processing continues.
func (s *Server) handleWaitConversation(w http.ResponseWriter, r *http.Request) {
	timeout, err := parseTimeout(r.URL.Query().Get("timeout_ms"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	c, err := s.lookupConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	turn, err := c.WaitForCompletion(r.Context(), timeout)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, WaitResponse{Turn: turn, Conversation: newConversationResponse(c)})
	case errors.Is(err, session.ErrWaitTimeout):
		writeJSON(w, http.StatusAccepted, WaitResponse{Conversation: newConversationResponse(c), Error: err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// client went away
	default:
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, err)
	}
}

func (s *Server) handleEndConversation(w http.ResponseWriter, r *http.Request) {
	c, err := s.lookupConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err := c.End(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, newConversationResponse(c))
}

func parseTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return defaultWaitTimeout, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("timeout_ms must be a positive integer")
	}
	timeout := time.Duration(ms) * time.Millisecond
	if timeout > maxWaitTimeout {
		timeout = maxWaitTimeout
	}
	return timeout, nil
}
