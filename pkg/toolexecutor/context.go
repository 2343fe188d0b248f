package toolexecutor

import (
	"context"

	"github.com/harun/personakit/internal/tracing"
)

type executionKey struct{}

// WithExecution attaches execCtx for tool handlers and tags ctx with its
// session and agent so handler logs and spans carry them.
func WithExecution(ctx context.Context, execCtx *ExecutionContext) context.Context {
	if execCtx == nil {
		return ctx
	}
	if execCtx.SessionID != "" && tracing.GetSessionID(ctx) == "" {
		ctx = tracing.WithSessionID(ctx, execCtx.SessionID)
	}
	if execCtx.AgentID != "" && tracing.GetAgentID(ctx) == "" {
		ctx = tracing.WithAgentID(ctx, execCtx.AgentID)
	}
	return context.WithValue(ctx, executionKey{}, execCtx)
}

// ExecutionFrom returns the execution context a handler runs under, or nil
func ExecutionFrom(ctx context.Context) *ExecutionContext {
	execCtx, _ := ctx.Value(executionKey{}).(*ExecutionContext)
	return execCtx
}
