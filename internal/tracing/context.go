// Package tracing carries correlation ids through contexts into logs and
// OpenTelemetry spans.
package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey int

const (
	traceIDKey contextKey = iota
	runIDKey
	agentIDKey
	sessionIDKey
	parentSessionIDKey
	depthKey
)

// NewTraceID generates a trace id
func NewTraceID() string {
	return uuid.NewString()
}

// WithTraceID sets the trace id
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// WithAgentID sets the agent id
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey, agentID)
}

// WithSessionID sets the session id
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// WithParentSessionID marks ctx as belonging to a sub-agent of sessionID
func WithParentSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, parentSessionIDKey, sessionID)
}

// WithDepth records the sub-agent nesting depth
func WithDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey, depth)
}

func stringValue(ctx context.Context, key contextKey) string {
	s, _ := ctx.Value(key).(string)
	return s
}

// GetTraceID returns the trace id, or ""
func GetTraceID(ctx context.Context) string { return stringValue(ctx, traceIDKey) }

// GetRunID returns the run id of the current execution, or ""
func GetRunID(ctx context.Context) string { return stringValue(ctx, runIDKey) }

// GetAgentID returns the agent id, or ""
func GetAgentID(ctx context.Context) string { return stringValue(ctx, agentIDKey) }

// GetSessionID returns the session id, or ""
func GetSessionID(ctx context.Context) string { return stringValue(ctx, sessionIDKey) }

// GetParentSessionID returns the invoking session of a sub-agent, or ""
func GetParentSessionID(ctx context.Context) string { return stringValue(ctx, parentSessionIDKey) }

// GetDepth returns the sub-agent nesting depth, 0 for top-level sessions
func GetDepth(ctx context.Context) int {
	depth, _ := ctx.Value(depthKey).(int)
	return depth
}

// NewSessionContext starts an execution of a session: it keeps or creates the
// trace id, assigns a fresh run id and records the session and agent.
func NewSessionContext(ctx context.Context, sessionID, agentID string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = context.WithValue(ctx, runIDKey, uuid.NewString())
	ctx = WithSessionID(ctx, sessionID)
	return WithAgentID(ctx, agentID)
}

// LoggerFromContext adds the ids carried by ctx to logger
func LoggerFromContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	lc := logger.With()
	for _, f := range []struct {
		name string
		key  contextKey
	}{
		{"trace_id", traceIDKey},
		{"run_id", runIDKey},
		{"agent_id", agentIDKey},
		{"session_id", sessionIDKey},
		{"parent_session_id", parentSessionIDKey},
	} {
		if v := stringValue(ctx, f.key); v != "" {
			lc = lc.Str(f.name, v)
		}
	}
	if depth := GetDepth(ctx); depth > 0 {
		lc = lc.Int("depth", depth)
	}
	return lc.Logger()
}
