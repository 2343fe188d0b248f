// Package gateway exposes the engine over HTTP and streams session events
// over WebSocket.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/personakit/internal/observability"
	"github.com/harun/personakit/internal/tracing"
	"github.com/harun/personakit/pkg/cost"
	"github.com/harun/personakit/pkg/engine"
	"github.com/harun/personakit/pkg/session"
	"github.com/rs/zerolog"
)

// TraceHeader carries a caller-supplied trace id
const TraceHeader = "X-Trace-Id"

// Server is the HTTP gateway over an engine
type Server struct {
	host    string
	port    int
	engine  *engine.Engine
	auth    *AuthHandler
	limiter *RateLimiter
	handler http.Handler

	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader

	clients     *ClientRegistry
	broadcaster *EventBroadcaster

	watchMu sync.Mutex
	watched map[string]func()

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlightReqs   sync.WaitGroup
	runs           sync.WaitGroup

	logger zerolog.Logger
}

// Config holds server configuration
type Config struct {
	Host   string
	Port   int
	Engine *engine.Engine

	// SharedSecret, when set, must be presented on every /v1 request
	SharedSecret string

	RequestsPerMinute int
	MaxConcurrent     int

	Logger zerolog.Logger
}

// NewServer creates a gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}

	clients := NewClientRegistry()
	s := &Server{
		host:        cfg.Host,
		port:        cfg.Port,
		engine:      cfg.Engine,
		auth:        NewAuthHandler(cfg.SharedSecret),
		limiter:     NewRateLimiter(cfg.RequestsPerMinute, cfg.MaxConcurrent),
		clients:     clients,
		broadcaster: NewEventBroadcaster(clients, cfg.Logger),
		watched:     make(map[string]func()),
		logger:      cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/sessions", s.wrap("sessions.create", s.handleCreateSession))
	mux.HandleFunc("GET /v1/sessions/{id}", s.wrap("sessions.get", s.handleGetSession))
	mux.HandleFunc("POST /v1/sessions/{id}/answer", s.wrap("sessions.answer", s.handleAnswerSession))
	mux.HandleFunc("GET /v1/sessions/{id}/events", s.guard("sessions.events", s.handleSessionEvents))

	mux.HandleFunc("POST /v1/conversations", s.wrap("conversations.create", s.handleCreateConversation))
	mux.HandleFunc("GET /v1/conversations/{id}", s.wrap("conversations.get", s.handleGetConversation))
	mux.HandleFunc("POST /v1/conversations/{id}/messages", s.wrap("conversations.send", s.handleSendMessage))
	mux.HandleFunc("POST /v1/conversations/{id}/answer", s.wrap("conversations.answer", s.handleAnswerConversation))
	mux.HandleFunc("GET /v1/conversations/{id}/wait", s.wrap("conversations.wait", s.handleWaitConversation))
	mux.HandleFunc("POST /v1/conversations/{id}/end", s.wrap("conversations.end", s.handleEndConversation))

	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":        "ok",
			"live_sessions": len(s.engine.LiveSessionIDs()),
			"clients":       s.clients.Count(),
		})
	})
	return mux
}

// Handler returns the HTTP handler, for embedding or tests
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop refuses new requests, waits for in-flight ones and closes streams.
// Background sessions keep running until the process exits; paused ones
// remain restorable when storage is configured.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	for _, client := range s.clients.GetAll() {
		client.Close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	s.watchMu.Lock()
	for id, unsubscribe := range s.watched {
		unsubscribe()
		delete(s.watched, id)
	}
	s.watchMu.Unlock()

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

// WaitRuns blocks until sessions started through the gateway have returned
// from Execute
func (s *Server) WaitRuns() {
	s.runs.Wait()
}

// Release stops forwarding events of a session that has no stream clients.
// It reports false while clients are still attached.
func (s *Server) Release(sessionID string) bool {
	if s.clients.Watched(sessionID) {
		return false
	}

	s.watchMu.Lock()
	unsubscribe, ok := s.watched[sessionID]
	delete(s.watched, sessionID)
	s.watchMu.Unlock()

	if ok {
		unsubscribe()
	}
	return true
}

// GetConnectedClients describes the connected stream clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade pass through the recorder
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// guard authenticates the request, tags its context with trace ids and
// records metrics
func (s *Server) guard(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.shutdownMu.RLock()
		shuttingDown := s.isShuttingDown
		if !shuttingDown {
			s.inFlightReqs.Add(1)
		}
		s.shutdownMu.RUnlock()
		if shuttingDown {
			writeError(w, http.StatusServiceUnavailable, errors.New("server is shutting down"))
			return
		}
		defer s.inFlightReqs.Done()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		traceID := r.Header.Get(TraceHeader)
		if traceID == "" {
			traceID = tracing.NewTraceID()
		}
		ctx := tracing.WithTraceID(r.Context(), traceID)
		r = r.WithContext(ctx)
		rec.Header().Set(TraceHeader, traceID)

		if !s.auth.Authenticate(r) {
			writeError(rec, http.StatusUnauthorized, errors.New("unauthorized"))
		} else {
			next(rec, r)
		}

		duration := time.Since(start)
		observability.RecordHTTPRequest(route, rec.status, duration)
		log := tracing.LoggerFromContext(ctx, s.logger)
		log.Debug().
			Str("route", route).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", duration).
			Msg("Gateway request")
	}
}

// wrap is guard plus per-client rate limiting
func (s *Server) wrap(route string, next http.HandlerFunc) http.HandlerFunc {
	return s.guard(route, func(w http.ResponseWriter, r *http.Request) {
		release, reason, ok := s.limiter.Acquire(clientKey(r))
		if !ok {
			writeError(w, http.StatusTooManyRequests, errors.New(reason))
			return
		}
		defer release()
		next(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

// statusFor maps engine and session errors onto HTTP status codes
func statusFor(err error) int {
	var limitErr *cost.LimitExceededError
	switch {
	case errors.Is(err, session.ErrPrecondition):
		return http.StatusConflict
	case isNotFound(err):
		return http.StatusNotFound
	case errors.As(err, &limitErr):
		return http.StatusPaymentRequired
	case errors.Is(err, session.ErrPauseTimeout), errors.Is(err, session.ErrMaxIterations):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
