package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/personakit/pkg/events"
	"github.com/rs/zerolog"
)

// EventBroadcaster forwards session events to the clients watching them
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64
}

// NewEventBroadcaster creates a broadcaster over clients
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Publish delivers an event to every client watching its source. It has the
// events.Handler signature so it can subscribe to a session directly.
func (b *EventBroadcaster) Publish(event events.Event) {
	b.send(EventMessage{
		Type:      MessageTypeEvent,
		Event:     string(event.Type),
		SessionID: event.SourceID,
		Data:      event.Data,
		Timestamp: event.Timestamp.UnixMilli(),
	})
}

// Snapshot builds the first message a new client receives
func (b *EventBroadcaster) Snapshot(sessionID string, data interface{}) EventMessage {
	return EventMessage{
		Type:      MessageTypeSnapshot,
		Event:     MessageTypeSnapshot,
		SessionID: sessionID,
		Seq:       b.nextSeq(),
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

func (b *EventBroadcaster) send(msg EventMessage) {
	if msg.Seq == 0 {
		msg.Seq = b.nextSeq()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	clients := b.clients.ForSession(msg.SessionID)
	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("event", msg.Event).
			Str("session_id", msg.SessionID).
			Int64("seq", msg.Seq).
			Msg("Failed to marshal event")
		return
	}

	failed := 0
	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			b.logger.Warn().
				Err(err).
				Str("client_id", client.ID).
				Str("event", msg.Event).
				Int64("seq", msg.Seq).
				Msg("Failed to deliver event to client")
			failed++
		}
	}

	b.logger.Debug().
		Str("event", msg.Event).
		Str("session_id", msg.SessionID).
		Int64("seq", msg.Seq).
		Int("delivered", len(clients)-failed).
		Int("failed", failed).
		Msg("Event broadcast complete")
}

func (b *EventBroadcaster) nextSeq() int64 {
	return int64(atomic.AddUint64(&b.seq, 1))
}
