package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/personakit/pkg/cost"
	"github.com/harun/personakit/pkg/docspace"
	"github.com/harun/personakit/pkg/session"
)

// Message kinds written to stream clients
const (
	MessageTypeEvent    = "event"
	MessageTypeSnapshot = "snapshot"
)

// EventMessage is a server-initiated message on a session stream
type EventMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	SessionID string      `json:"session_id"`
	Seq       int64       `json:"seq,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error string `json:"error"`
}

// OptionsRequest carries per-session options over the wire
type OptionsRequest struct {
	CostLimit         float64                `json:"cost_limit,omitempty"`
	Currency          string                 `json:"currency,omitempty"`
	WarningThresholds []float64              `json:"warning_thresholds,omitempty"`
	PauseTimeoutMs    int64                  `json:"pause_timeout_ms,omitempty"`
	MaxIterations     int                    `json:"max_iterations,omitempty"`
	Context           map[string]interface{} `json:"context,omitempty"`
}

func (o OptionsRequest) options() session.Options {
	return session.Options{
		CostLimit:         o.CostLimit,
		Currency:          o.Currency,
		WarningThresholds: o.WarningThresholds,
		PauseTimeout:      time.Duration(o.PauseTimeoutMs) * time.Millisecond,
		MaxIterations:     o.MaxIterations,
		Context:           o.Context,
	}
}

// CreateSessionRequest starts a single-shot session
type CreateSessionRequest struct {
	ID      string         `json:"id,omitempty"`
	AgentID string         `json:"agent_id"`
	Command string         `json:"command"`
	Options OptionsRequest `json:"options"`
}

// CreateConversationRequest opens a conversation
type CreateConversationRequest struct {
	ID      string         `json:"id,omitempty"`
	AgentID string         `json:"agent_id"`
	Options OptionsRequest `json:"options"`
}

// AnswerRequest answers a pending question
type AnswerRequest struct {
	Answer string `json:"answer"`
}

// MessageRequest sends one user message to a conversation
type MessageRequest struct {
	Message string `json:"message"`
}

// SessionResponse is the projection of a session returned by the gateway
type SessionResponse struct {
	*session.Result
	AgentID         string            `json:"agent_id"`
	Command         string            `json:"command"`
	PendingQuestion *session.Question `json:"pending_question,omitempty"`
}

func newSessionResponse(s *session.Session) SessionResponse {
	return SessionResponse{
		Result:          s.Result(),
		AgentID:         s.AgentID(),
		Command:         s.Command(),
		PendingQuestion: s.PendingQuestion(),
	}
}

// ConversationResponse is the projection of a conversation
type ConversationResponse struct {
	ConversationID  string                     `json:"conversation_id"`
	AgentID         string                     `json:"agent_id"`
	Status          session.ConversationStatus `json:"status"`
	CurrentTurn     *session.Turn              `json:"current_turn,omitempty"`
	Turns           []session.Turn             `json:"turns"`
	PendingQuestion *session.Question          `json:"pending_question,omitempty"`
	Documents       []docspace.Document        `json:"documents"`
	CostReport      cost.Report                `json:"cost_report"`
}

func newConversationResponse(c *session.Conversation) ConversationResponse {
	turns := c.Turns()
	if turns == nil {
		turns = []session.Turn{}
	}
	return ConversationResponse{
		ConversationID:  c.ID(),
		AgentID:         c.AgentID(),
		Status:          c.Status(),
		CurrentTurn:     c.CurrentTurn(),
		Turns:           turns,
		PendingQuestion: c.PendingQuestion(),
		Documents:       c.Documents(),
		CostReport:      c.CostReportWithChildren(),
	}
}

// WaitResponse is returned by the conversation wait endpoint. Turn is set
// once the in-flight message settled; otherwise the wait timed out.
type WaitResponse struct {
	Turn         *session.Turn        `json:"turn,omitempty"`
	Conversation ConversationResponse `json:"conversation"`
	Error        string               `json:"error,omitempty"`
}

// ClientInfo describes a connected stream client
type ClientInfo struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	ConnectedAt time.Time `json:"connected_at"`
	IPAddress   string    `json:"ip_address"`
}

// Client is a WebSocket connection streaming one session's events
type Client struct {
	ID          string
	SessionID   string
	Conn        *websocket.Conn
	ConnectedAt time.Time
	IPAddress   string

	writeMu sync.Mutex
}

const writeWait = 10 * time.Second

// WriteMessage writes one frame; gorilla connections allow a single writer
func (c *Client) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteMessage(messageType, data)
}

// WriteJSON writes v as a text frame
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteJSON(v)
}

// Close sends a close frame and closes the connection
func (c *Client) Close(code int, reason string) {
	c.writeMu.Lock()
	_ = c.Conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = c.Conn.Close()
}
