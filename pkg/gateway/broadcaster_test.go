package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/personakit/pkg/events"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBroadcaster_Publish(t *testing.T) {
	serverConn, clientConn, cleanup := websocketConnPair(t)
	defer cleanup()
	otherServer, otherClient, cleanupOther := websocketConnPair(t)
	defer cleanupOther()

	registry := NewClientRegistry()
	registry.Add(&Client{ID: "client-1", SessionID: "sess_a", Conn: serverConn})
	registry.Add(&Client{ID: "client-2", SessionID: "sess_b", Conn: otherServer})

	broadcaster := NewEventBroadcaster(registry, zerolog.Nop())
	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	broadcaster.Publish(events.Event{Type: events.Started, SourceID: "sess_a", Timestamp: at, Data: map[string]interface{}{"agent_id": "pm"}})
	broadcaster.Publish(events.Event{Type: events.Completed, SourceID: "sess_a", Timestamp: at})

	t.Run("should deliver events in order with sequence numbers", func(t *testing.T) {
		var first, second EventMessage
		require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, clientConn.ReadJSON(&first))
		require.NoError(t, clientConn.ReadJSON(&second))

		assert.Equal(t, MessageTypeEvent, first.Type)
		assert.Equal(t, "started", first.Event)
		assert.Equal(t, "sess_a", first.SessionID)
		assert.Equal(t, at.UnixMilli(), first.Timestamp)
		assert.Equal(t, map[string]interface{}{"agent_id": "pm"}, first.Data)

		assert.Equal(t, "completed", second.Event)
		assert.Greater(t, second.Seq, first.Seq)
	})

	t.Run("should not deliver to clients of other sessions", func(t *testing.T) {
		require.NoError(t, otherClient.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
		var msg EventMessage
		assert.Error(t, otherClient.ReadJSON(&msg))
	})
}

func TestEventBroadcaster_Snapshot(t *testing.T) {
	broadcaster := NewEventBroadcaster(NewClientRegistry(), zerolog.Nop())

	first := broadcaster.Snapshot("sess_a", map[string]string{"status": "paused"})
	second := broadcaster.Snapshot("sess_a", nil)

	assert.Equal(t, MessageTypeSnapshot, first.Type)
	assert.Equal(t, "sess_a", first.SessionID)
	assert.NotZero(t, first.Timestamp)
	assert.Greater(t, second.Seq, first.Seq)
}

func websocketConnPair(t *testing.T) (*websocket.Conn, *websocket.Conn, func()) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverConnCh := make(chan *websocket.Conn, 1)
	errCh := make(chan error, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			errCh <- err
			return
		}
		serverConnCh <- conn
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	var serverConn *websocket.Conn
	select {
	case serverConn = <-serverConnCh:
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server websocket connection")
	}

	cleanup := func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
		srv.Close()
	}

	return serverConn, clientConn, cleanup
}
