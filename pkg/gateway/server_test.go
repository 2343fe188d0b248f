package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/personakit/pkg/agent"
	"github.com/harun/personakit/pkg/engine"
	"github.com/harun/personakit/pkg/persona"
	"github.com/harun/personakit/pkg/session"
	"github.com/harun/personakit/pkg/storage"
	"github.com/harun/personakit/pkg/storage/memory"
	"github.com/harun/personakit/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)
}

func testAgents() persona.Source {
	def := func(id, name, title string) *persona.Definition {
		return &persona.Definition{
			Agent:   persona.Info{ID: id, Name: name, Title: title},
			Persona: persona.Persona{Role: title},
		}
	}
	return persona.NewStaticSource(
		def("pm", "John", "Product Manager"),
		def("architect", "Winston", "Architect"),
	)
}

type testGateway struct {
	server *Server
	http   *httptest.Server
	store  storage.Adapter
}

func newTestGateway(t *testing.T, provider agent.ModelProvider, store storage.Adapter, mutate func(*Config)) *testGateway {
	t.Helper()

	e, err := engine.New(engine.Config{
		Provider: provider,
		Agents:   testAgents(),
		Storage:  store,
		AutoSave: store != nil,
		Logger:   testLogger(),
	})
	require.NoError(t, err)

	// polling helpers would trip the default per-client limit
	cfg := Config{Port: 0, Engine: e, RequestsPerMinute: 100000, MaxConcurrent: 100, Logger: testLogger()}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
		ts.Close()
	})
	return &testGateway{server: srv, http: ts, store: store}
}

func (g *testGateway) do(t *testing.T, method, path string, body interface{}, headers ...string) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, g.http.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (g *testGateway) createSession(t *testing.T, agentID, command string) SessionResponse {
	t.Helper()
	status, body := g.do(t, http.MethodPost, "/v1/sessions", CreateSessionRequest{AgentID: agentID, Command: command})
	require.Equal(t, http.StatusAccepted, status, string(body))

	var resp SessionResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	require.NotNil(t, resp.Result)
	return resp
}

func (g *testGateway) getSession(t *testing.T, id string) SessionResponse {
	t.Helper()
	status, body := g.do(t, http.MethodGet, "/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, status, string(body))

	var resp SessionResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp
}

// fetch is safe to call from Eventually conditions
func (g *testGateway) fetch(path string, out interface{}) bool {
	resp, err := http.Get(g.http.URL + path)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK && json.NewDecoder(resp.Body).Decode(out) == nil
}

func (g *testGateway) waitForStatus(t *testing.T, id string, want session.Status) SessionResponse {
	t.Helper()
	require.Eventually(t, func() bool {
		var resp SessionResponse
		return g.fetch("/v1/sessions/"+id, &resp) && resp.Result != nil && resp.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return g.getSession(t, id)
}

func askUser(question string) agent.MockResponse {
	return agent.MockToolUse(toolexecutor.AskUserTool, map[string]interface{}{"question": question}, 10, 5)
}

func TestNewServer(t *testing.T) {
	e, err := engine.New(engine.Config{
		Provider: agent.NewMockProvider(),
		Agents:   testAgents(),
		Logger:   testLogger(),
	})
	require.NoError(t, err)

	t.Run("should require an engine", func(t *testing.T) {
		_, err := NewServer(Config{Port: 8080})
		assert.Error(t, err)
	})

	t.Run("should reject invalid ports", func(t *testing.T) {
		_, err := NewServer(Config{Port: -1, Engine: e})
		assert.Error(t, err)
		_, err = NewServer(Config{Port: 70000, Engine: e})
		assert.Error(t, err)
	})

	t.Run("should start and stop on an ephemeral port", func(t *testing.T) {
		srv, err := NewServer(Config{Host: "127.0.0.1", Port: 0, Engine: e, Logger: testLogger()})
		require.NoError(t, err)
		require.NoError(t, srv.Start())
		assert.NotEmpty(t, srv.Addr())

		resp, err := http.Get("http://" + srv.Addr() + "/healthz")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, srv.Stop(ctx))
	})
}

func TestServer_Health(t *testing.T) {
	g := newTestGateway(t, agent.NewMockProvider(), nil, nil)

	status, body := g.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"status":"ok"`)

	status, body = g.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "personakit_")
}

func TestServer_Sessions(t *testing.T) {
	t.Run("should run a session to completion", func(t *testing.T) {
		g := newTestGateway(t, agent.NewMockProvider(agent.MockText("Here is the PRD", 100, 50)), nil, nil)

		created := g.createSession(t, "pm", "*create-prd")
		assert.NotEmpty(t, created.SessionID)
		assert.Equal(t, "pm", created.AgentID)
		assert.Equal(t, "*create-prd", created.Command)

		done := g.waitForStatus(t, created.SessionID, session.StatusCompleted)
		assert.Equal(t, "Here is the PRD", done.FinalText)
		assert.Equal(t, 1, done.CostReport.APICalls)
		assert.Nil(t, done.PendingQuestion)
	})

	t.Run("should pause on a question and resume with the answer", func(t *testing.T) {
		provider := agent.NewMockProvider(askUser("Which database?"), agent.MockText("Using Postgres", 10, 5))
		g := newTestGateway(t, provider, nil, nil)

		created := g.createSession(t, "architect", "*create-architecture")
		paused := g.waitForStatus(t, created.SessionID, session.StatusPaused)
		require.NotNil(t, paused.PendingQuestion)
		assert.Equal(t, "Which database?", paused.PendingQuestion.Text)

		status, body := g.do(t, http.MethodPost, "/v1/sessions/"+created.SessionID+"/answer", AnswerRequest{Answer: "Postgres"})
		require.Equal(t, http.StatusAccepted, status, string(body))

		done := g.waitForStatus(t, created.SessionID, session.StatusCompleted)
		assert.Equal(t, "Using Postgres", done.FinalText)
	})

	t.Run("should refuse an answer without a pending question", func(t *testing.T) {
		g := newTestGateway(t, agent.NewMockProvider(agent.MockText("done", 1, 1)), nil, nil)

		created := g.createSession(t, "pm", "*help")
		g.waitForStatus(t, created.SessionID, session.StatusCompleted)

		status, body := g.do(t, http.MethodPost, "/v1/sessions/"+created.SessionID+"/answer", AnswerRequest{Answer: "late"})
		assert.Equal(t, http.StatusConflict, status)
		assert.Contains(t, string(body), "No pending question to answer")
	})

	t.Run("should validate the request", func(t *testing.T) {
		g := newTestGateway(t, agent.NewMockProvider(), nil, nil)

		status, _ := g.do(t, http.MethodPost, "/v1/sessions", CreateSessionRequest{AgentID: "pm"})
		assert.Equal(t, http.StatusBadRequest, status)

		req, err := http.NewRequest(http.MethodPost, g.http.URL+"/v1/sessions", strings.NewReader("{"))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("should report unknown sessions as not found", func(t *testing.T) {
		g := newTestGateway(t, agent.NewMockProvider(), nil, nil)

		status, _ := g.do(t, http.MethodGet, "/v1/sessions/sess_missing", nil)
		assert.Equal(t, http.StatusNotFound, status)

		g = newTestGateway(t, agent.NewMockProvider(), memory.New(), nil)
		status, _ = g.do(t, http.MethodGet, "/v1/sessions/sess_missing", nil)
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("should fail sessions for unknown agents", func(t *testing.T) {
		g := newTestGateway(t, agent.NewMockProvider(), nil, nil)

		created := g.createSession(t, "ghost", "*help")
		failed := g.waitForStatus(t, created.SessionID, session.StatusFailed)
		assert.NotEmpty(t, failed.Error)
	})
}

func TestServer_SessionRestore(t *testing.T) {
	store := memory.New()
	first := newTestGateway(t, agent.NewMockProvider(askUser("Which cloud?")), store, nil)

	created := first.createSession(t, "architect", "*create-architecture")
	first.waitForStatus(t, created.SessionID, session.StatusPaused)
	require.Eventually(t, func() bool {
		record, err := store.LoadSessionState(context.Background(), created.SessionID)
		return err == nil && record.Status == string(session.StatusPaused)
	}, 5*time.Second, 10*time.Millisecond)

	second := newTestGateway(t, agent.NewMockProvider(agent.MockText("Deploying to AWS", 10, 5)), store, nil)

	restored := second.getSession(t, created.SessionID)
	assert.Equal(t, session.StatusPaused, restored.Status)
	require.NotNil(t, restored.PendingQuestion)
	assert.Equal(t, "Which cloud?", restored.PendingQuestion.Text)

	status, body := second.do(t, http.MethodPost, "/v1/sessions/"+created.SessionID+"/answer", AnswerRequest{Answer: "AWS"})
	require.Equal(t, http.StatusAccepted, status, string(body))

	done := second.waitForStatus(t, created.SessionID, session.StatusCompleted)
	assert.Equal(t, "Deploying to AWS", done.FinalText)
}

func TestServer_SessionEvents(t *testing.T) {
	provider := agent.NewMockProvider(askUser("Which database?"), agent.MockText("Architecture ready", 10, 5))
	g := newTestGateway(t, provider, nil, nil)

	created := g.createSession(t, "architect", "*create-architecture")
	g.waitForStatus(t, created.SessionID, session.StatusPaused)

	wsURL := "ws" + strings.TrimPrefix(g.http.URL, "http") + "/v1/sessions/" + created.SessionID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var snapshot EventMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, MessageTypeSnapshot, snapshot.Type)
	assert.Equal(t, created.SessionID, snapshot.SessionID)
	data, ok := snapshot.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "paused", data["status"])

	status, body := g.do(t, http.MethodPost, "/v1/sessions/"+created.SessionID+"/answer", AnswerRequest{Answer: "Postgres"})
	require.Equal(t, http.StatusAccepted, status, string(body))

	var seen []string
	for {
		var msg EventMessage
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		if err := conn.ReadJSON(&msg); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err.Error())
			break
		}
		assert.Equal(t, created.SessionID, msg.SessionID)
		seen = append(seen, msg.Event)
	}

	require.NotEmpty(t, seen)
	assert.Equal(t, "resumed", seen[0])
	assert.Equal(t, "completed", seen[len(seen)-1])
}

func TestServer_SessionEventsUnknownSession(t *testing.T) {
	g := newTestGateway(t, agent.NewMockProvider(), nil, nil)

	wsURL := "ws" + strings.TrimPrefix(g.http.URL, "http") + "/v1/sessions/sess_missing/events"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func (g *testGateway) createConversation(t *testing.T, agentID string) ConversationResponse {
	t.Helper()
	status, body := g.do(t, http.MethodPost, "/v1/conversations", CreateConversationRequest{AgentID: agentID})
	require.Equal(t, http.StatusCreated, status, string(body))

	var resp ConversationResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp
}

func (g *testGateway) wait(t *testing.T, id string, timeoutMs int) (int, WaitResponse) {
	t.Helper()
	status, body := g.do(t, http.MethodGet, "/v1/conversations/"+id+"/wait?timeout_ms="+strconv.Itoa(timeoutMs), nil)

	var resp WaitResponse
	if status == http.StatusOK || status == http.StatusAccepted {
		require.NoError(t, json.Unmarshal(body, &resp))
	}
	return status, resp
}

func TestServer_Conversations(t *testing.T) {
	t.Run("should process messages turn by turn", func(t *testing.T) {
		provider := agent.NewMockProvider(agent.MockText("Hello, I'm John", 10, 5), agent.MockText("Sure", 10, 5))
		g := newTestGateway(t, provider, nil, nil)

		conv := g.createConversation(t, "pm")
		assert.Equal(t, session.ConversationIdle, conv.Status)
		assert.Empty(t, conv.Turns)

		status, body := g.do(t, http.MethodPost, "/v1/conversations/"+conv.ConversationID+"/messages", MessageRequest{Message: "Hi"})
		require.Equal(t, http.StatusAccepted, status, string(body))

		status, waited := g.wait(t, conv.ConversationID, 5000)
		require.Equal(t, http.StatusOK, status)
		require.NotNil(t, waited.Turn)
		assert.Equal(t, "Hi", waited.Turn.UserMessage)
		assert.Equal(t, "Hello, I'm John", waited.Turn.AgentResponse)
		assert.Len(t, waited.Conversation.Turns, 1)

		status, _ = g.do(t, http.MethodPost, "/v1/conversations/"+conv.ConversationID+"/messages", MessageRequest{Message: "Write a PRD"})
		require.Equal(t, http.StatusAccepted, status)
		status, waited = g.wait(t, conv.ConversationID, 5000)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "Sure", waited.Turn.AgentResponse)
		assert.Len(t, waited.Conversation.Turns, 2)
	})

	t.Run("should answer a question raised mid-turn", func(t *testing.T) {
		provider := agent.NewMockProvider(askUser("Target users?"), agent.MockText("Got it", 10, 5))
		g := newTestGateway(t, provider, nil, nil)

		conv := g.createConversation(t, "pm")
		status, _ := g.do(t, http.MethodPost, "/v1/conversations/"+conv.ConversationID+"/messages", MessageRequest{Message: "Draft a brief"})
		require.Equal(t, http.StatusAccepted, status)

		require.Eventually(t, func() bool {
			var resp ConversationResponse
			return g.fetch("/v1/conversations/"+conv.ConversationID, &resp) && resp.Status == session.ConversationPaused
		}, 5*time.Second, 10*time.Millisecond)

		status, waited := g.wait(t, conv.ConversationID, 20)
		assert.Equal(t, http.StatusAccepted, status)
		require.NotNil(t, waited.Conversation.PendingQuestion)
		assert.Equal(t, "Target users?", waited.Conversation.PendingQuestion.Text)

		status, body := g.do(t, http.MethodPost, "/v1/conversations/"+conv.ConversationID+"/answer", AnswerRequest{Answer: "Developers"})
		require.Equal(t, http.StatusAccepted, status, string(body))

		status, waited = g.wait(t, conv.ConversationID, 5000)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "Got it", waited.Turn.AgentResponse)
	})

	t.Run("should time out a wait without stopping the turn", func(t *testing.T) {
		slow := agent.MockText("Finally", 10, 5)
		slow.Delay = 300 * time.Millisecond
		g := newTestGateway(t, agent.NewMockProvider(slow), nil, nil)

		conv := g.createConversation(t, "pm")
		status, _ := g.do(t, http.MethodPost, "/v1/conversations/"+conv.ConversationID+"/messages", MessageRequest{Message: "Hi"})
		require.Equal(t, http.StatusAccepted, status)

		status, body := g.do(t, http.MethodPost, "/v1/conversations/"+conv.ConversationID+"/messages", MessageRequest{Message: "Again"})
		assert.Equal(t, http.StatusConflict, status)
		assert.Contains(t, string(body), "already processing")

		status, waited := g.wait(t, conv.ConversationID, 20)
		assert.Equal(t, http.StatusAccepted, status)
		assert.Contains(t, waited.Error, "wait timed out")
		assert.Equal(t, session.ConversationProcessing, waited.Conversation.Status)

		status, waited = g.wait(t, conv.ConversationID, 5000)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "Finally", waited.Turn.AgentResponse)
	})

	t.Run("should end the conversation", func(t *testing.T) {
		g := newTestGateway(t, agent.NewMockProvider(), nil, nil)
		conv := g.createConversation(t, "pm")

		status, body := g.do(t, http.MethodPost, "/v1/conversations/"+conv.ConversationID+"/end", nil)
		require.Equal(t, http.StatusOK, status, string(body))
		var ended ConversationResponse
		require.NoError(t, json.Unmarshal(body, &ended))
		assert.Equal(t, session.ConversationEnded, ended.Status)

		status, body = g.do(t, http.MethodPost, "/v1/conversations/"+conv.ConversationID+"/messages", MessageRequest{Message: "Hi"})
		assert.Equal(t, http.StatusConflict, status)
		assert.Contains(t, string(body), "conversation has ended")
	})

	t.Run("should validate wait parameters", func(t *testing.T) {
		g := newTestGateway(t, agent.NewMockProvider(), nil, nil)
		conv := g.createConversation(t, "pm")

		status, _ := g.do(t, http.MethodGet, "/v1/conversations/"+conv.ConversationID+"/wait?timeout_ms=abc", nil)
		assert.Equal(t, http.StatusBadRequest, status)

		status, body := g.do(t, http.MethodGet, "/v1/conversations/"+conv.ConversationID+"/wait?timeout_ms=10", nil)
		assert.Equal(t, http.StatusConflict, status)
		assert.Contains(t, string(body), "no message has been sent")
	})

	t.Run("should report unknown conversations as not found", func(t *testing.T) {
		g := newTestGateway(t, agent.NewMockProvider(), nil, nil)

		status, _ := g.do(t, http.MethodPost, "/v1/conversations/conv_missing/messages", MessageRequest{Message: "Hi"})
		assert.Equal(t, http.StatusNotFound, status)
	})
}

func TestServer_Auth(t *testing.T) {
	g := newTestGateway(t, agent.NewMockProvider(agent.MockText("ok", 1, 1)), nil, func(cfg *Config) {
		cfg.SharedSecret = "s3cret"
	})

	t.Run("should leave health checks open", func(t *testing.T) {
		status, _ := g.do(t, http.MethodGet, "/healthz", nil)
		assert.Equal(t, http.StatusOK, status)
	})

	t.Run("should reject requests without the secret", func(t *testing.T) {
		status, body := g.do(t, http.MethodPost, "/v1/sessions", CreateSessionRequest{AgentID: "pm", Command: "*help"})
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Contains(t, string(body), "unauthorized")
	})

	t.Run("should accept the secret header", func(t *testing.T) {
		status, _ := g.do(t, http.MethodPost, "/v1/sessions", CreateSessionRequest{AgentID: "pm", Command: "*help"}, SecretHeader, "s3cret")
		assert.Equal(t, http.StatusAccepted, status)
	})

	t.Run("should echo the trace id", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, g.http.URL+"/v1/sessions/sess_missing", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer s3cret")
		req.Header.Set(TraceHeader, "trace-123")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "trace-123", resp.Header.Get(TraceHeader))
	})
}

func TestServer_RateLimit(t *testing.T) {
	g := newTestGateway(t, agent.NewMockProvider(), nil, func(cfg *Config) {
		cfg.RequestsPerMinute = 2
	})

	for i := 0; i < 2; i++ {
		status, _ := g.do(t, http.MethodGet, "/v1/sessions/sess_missing", nil)
		assert.Equal(t, http.StatusNotFound, status)
	}

	status, body := g.do(t, http.MethodGet, "/v1/sessions/sess_missing", nil)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Contains(t, string(body), ReasonRateLimited)
}

func TestServer_StopRefusesRequests(t *testing.T) {
	g := newTestGateway(t, agent.NewMockProvider(), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, g.server.Stop(ctx))

	status, _ := g.do(t, http.MethodGet, "/v1/sessions/sess_missing", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestServer_Release(t *testing.T) {
	provider := agent.NewMockProvider(askUser("Which database?"))
	g := newTestGateway(t, provider, nil, nil)

	created := g.createSession(t, "architect", "*create-architecture")
	g.waitForStatus(t, created.SessionID, session.StatusPaused)

	wsURL := "ws" + strings.TrimPrefix(g.http.URL, "http") + "/v1/sessions/" + created.SessionID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	var snapshot EventMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&snapshot))

	assert.False(t, g.server.Release(created.SessionID), "a stream client is attached")

	conn.Close()
	require.Eventually(t, func() bool {
		return len(g.server.GetConnectedClients()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, g.server.Release(created.SessionID))
	g.server.watchMu.Lock()
	_, watched := g.server.watched[created.SessionID]
	g.server.watchMu.Unlock()
	assert.False(t, watched)

	assert.True(t, g.server.Release("sess_unknown"))
}
