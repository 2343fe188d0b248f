package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/harun/personakit/internal/tracing"
	"github.com/harun/personakit/pkg/cost"
	"github.com/harun/personakit/pkg/docspace"
	"github.com/harun/personakit/pkg/events"
	"github.com/harun/personakit/pkg/session"
	"github.com/harun/personakit/pkg/subagent"
	"github.com/harun/personakit/pkg/toolexecutor"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// InvokeAgentTool is the name of the sub-agent tool
	InvokeAgentTool = "invoke_agent"

	tracerName = "personakit/engine"
)

// parent is what invoke_agent needs from the calling session or conversation
type parent interface {
	ID() string
	AgentID() string
	Space() *docspace.Space
	AddChildSessionCost(child cost.ChildSessionCost)
}

func (e *Engine) invokeAgentTool(p parent) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name: InvokeAgentTool,
		Description: "Run another agent's command as a sub-session. Its documents are copied into " +
			"this workspace and its cost is added to this session.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "agent_id", Type: "string", Description: "Agent to invoke, e.g. architect", Required: true},
			{Name: "command", Type: "string", Description: "Command to run, e.g. *create-architecture", Required: true},
			{Name: "context", Type: "object", Description: "Optional key/value context passed with the command"},
		},
		Timeout: e.subTimeout,
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return e.invokeAgent(ctx, p, params)
		},
	}
}

func (e *Engine) invokeAgent(ctx context.Context, p parent, params map[string]interface{}) (interface{}, error) {
	agentID, _ := params["agent_id"].(string)
	command, _ := params["command"].(string)
	if strings.TrimSpace(agentID) == "" || strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("agent_id and command are required")
	}
	if agentID == p.AgentID() {
		return nil, fmt.Errorf("agent %s cannot invoke itself", agentID)
	}

	depth := tracing.GetDepth(ctx) + 1
	if depth > e.maxDepth {
		return nil, fmt.Errorf("sub-agent depth limit of %d reached", e.maxDepth)
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "engine.invoke_agent",
		attribute.String("parent_session_id", p.ID()),
		attribute.String("agent_id", agentID),
		attribute.Int("depth", depth),
	)
	defer span.End()

	opts := session.Options{}
	if extra, ok := params["context"].(map[string]interface{}); ok {
		opts.Context = extra
	}

	child, err := e.NewSession(SessionRequest{AgentID: agentID, Command: command, Options: opts})
	if err != nil {
		return nil, err
	}
	defer e.Forget(child.ID())

	runID, err := e.coordinator.RegisterRun(subagent.RunParams{
		ParentSessionID: p.ID(),
		ChildSessionID:  child.ID(),
		AgentID:         agentID,
		Command:         command,
		Depth:           depth,
	})
	if err != nil {
		return nil, err
	}

	childCtx, cancel := context.WithCancel(tracing.WithParentSessionID(tracing.WithDepth(ctx, depth), p.ID()))
	defer cancel()

	unsubscribe := child.OnAny(e.coordinator.HandleSessionEvent)
	defer unsubscribe()

	// A child cannot reach the user; its question goes back to the parent model
	var mu sync.Mutex
	var question string
	child.On(events.Question, func(ev events.Event) {
		if q, ok := ev.Data.(session.Question); ok {
			mu.Lock()
			question = q.Text
			mu.Unlock()
		}
		if err := e.coordinator.Abort(runID, "sub-agent asked a question"); err != nil {
			e.logger.Debug().Err(err).Str("run_id", runID).Msg("Failed to abort run")
		}
		cancel()
	})

	log := tracing.LoggerFromContext(ctx, e.logger)
	log.Info().Str("agent_id", agentID).Str("command", command).Int("depth", depth).Msg("Invoking sub-agent")

	res, err := child.Execute(childCtx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	report := child.CostReportWithChildren()
	childCost := cost.ChildSessionCost{
		SessionID:    child.ID(),
		AgentID:      agentID,
		InputTokens:  report.TotalInputTokens,
		OutputTokens: report.TotalOutputTokens,
		APICalls:     report.APICalls,
		Cost:         report.TotalCost,
	}
	p.AddChildSessionCost(childCost)
	if err := e.coordinator.RecordCost(runID, childCost); err != nil {
		log.Warn().Err(err).Str("run_id", runID).Msg("Failed to record sub-agent cost")
	}

	mu.Lock()
	asked := question
	mu.Unlock()
	if asked != "" {
		return nil, fmt.Errorf("agent %s needs input before it can continue: %s", agentID, asked)
	}
	if res.Status != session.StatusCompleted {
		span.SetStatus(codes.Error, res.Error)
		return nil, fmt.Errorf("agent %s %s: %s", agentID, res.Status, res.Error)
	}

	copied := make([]string, 0, len(res.Documents))
	for _, doc := range res.Documents {
		if err := p.Space().Write(doc.Path, doc.Content); err != nil {
			return nil, fmt.Errorf("failed to copy %s from agent %s: %w", doc.Path, agentID, err)
		}
		copied = append(copied, doc.Path)
	}

	log.Info().
		Str("agent_id", agentID).
		Int("documents", len(copied)).
		Float64("cost", childCost.Cost).
		Msg("Sub-agent completed")

	return formatChildResult(agentID, command, copied, res.FinalText), nil
}

func formatChildResult(agentID, command string, docs []string, finalText string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent %s completed %s.", agentID, command)
	if len(docs) > 0 {
		fmt.Fprintf(&b, "\nDocuments: %s", strings.Join(docs, ", "))
	}
	if finalText != "" {
		b.WriteString("\n\n")
		b.WriteString(finalText)
	}
	return b.String()
}
