package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harun/personakit/internal/observability"
	"github.com/harun/personakit/internal/tracing"
	"github.com/harun/personakit/pkg/agent"
	"github.com/harun/personakit/pkg/cost"
	"github.com/harun/personakit/pkg/docspace"
	"github.com/harun/personakit/pkg/events"
	"github.com/harun/personakit/pkg/persona"
	"github.com/harun/personakit/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	tracerName = "personakit/session"

	// DefaultMaxIterations caps provider calls per loop run
	DefaultMaxIterations = 50
)

// PromptBuilder renders the system prompt for a persona and its tools
type PromptBuilder interface {
	Build(def *persona.Definition, tools []agent.ToolSchema) (string, error)
}

// Options are the caller-supplied settings captured in snapshots
type Options struct {
	CostLimit         float64                `json:"cost_limit,omitempty"`
	Currency          string                 `json:"currency,omitempty"`
	WarningThresholds []float64              `json:"warning_thresholds,omitempty"`
	PauseTimeout      time.Duration          `json:"pause_timeout,omitempty"`
	MaxIterations     int                    `json:"max_iterations,omitempty"`
	Context           map[string]interface{} `json:"context,omitempty"`

	// Tools is the persona's tool allow-list, filled in when the agent is loaded
	Tools []string `json:"tools,omitempty"`
}

// Question is a pending clarification raised through ask_user
type Question struct {
	ToolUseID string    `json:"tool_use_id"`
	Text      string    `json:"question"`
	Context   string    `json:"context,omitempty"`
	AskedAt   time.Time `json:"asked_at"`
}

// ToolExecution is the payload of a tool_executed event
type ToolExecution struct {
	ToolUseID string `json:"tool_use_id"`
	Name      string `json:"name"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomePaused
	outcomeFailed
)

type loopResult struct {
	outcome   outcome
	question  *Question
	finalText string
	err       error
	usage     agent.Usage
	cost      float64
}

// runnerConfig holds what both executors need to build a loop
type runnerConfig struct {
	id          string
	agentID     string
	provider    agent.ModelProvider
	options     Options
	sendOptions agent.SendOptions
	toolTimeout time.Duration
	logger      zerolog.Logger
}

// runner is the turn loop shared by Session and Conversation. It owns the
// message history, the document space, the tool registry and the ledger.
type runner struct {
	id            string
	agentID       string
	provider      agent.ModelProvider
	tools         *toolexecutor.ToolExecutor
	space         *docspace.Space
	ledger        *cost.Ledger
	bus           *events.Bus
	logger        zerolog.Logger
	sendOpts      agent.SendOptions
	maxIterations int

	mu       sync.RWMutex
	messages []agent.Message
	policy   *toolexecutor.ToolPolicy
}

func newRunner(cfg runnerConfig) (*runner, error) {
	if cfg.provider == nil {
		return nil, fmt.Errorf("model provider is required")
	}

	bus := events.NewBus(cfg.id)
	space := docspace.New()
	tools := toolexecutor.New(toolexecutor.Config{Timeout: cfg.toolTimeout, Logger: cfg.logger})
	if err := toolexecutor.RegisterBuiltinTools(tools, space); err != nil {
		return nil, fmt.Errorf("failed to register builtin tools: %w", err)
	}

	maxIterations := cfg.options.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	r := &runner{
		id:       cfg.id,
		agentID:  cfg.agentID,
		provider: cfg.provider,
		tools:    tools,
		space:    space,
		ledger: cost.NewLedger(cost.Config{
			CostLimit:         cfg.options.CostLimit,
			Currency:          cfg.options.Currency,
			WarningThresholds: cfg.options.WarningThresholds,
			Bus:               bus,
			Logger:            cfg.logger,
		}),
		bus:           bus,
		logger:        cfg.logger,
		sendOpts:      cfg.sendOptions,
		maxIterations: maxIterations,
		policy:        toolexecutor.PolicyFromTools(cfg.options.Tools, toolexecutor.AskUserTool),
	}

	bus.On(events.CostWarning, func(e events.Event) {
		if w, ok := e.Data.(cost.Warning); ok {
			observability.RecordCostWarning(strconv.FormatFloat(w.Threshold, 'f', -1, 64))
		}
	})

	return r, nil
}

// Messages returns a copy of the history
func (r *runner) Messages() []agent.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return agent.CloneMessages(r.messages)
}

func (r *runner) append(msgs ...agent.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msgs...)
}

func (r *runner) messageCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.messages)
}

func (r *runner) setPolicy(p *toolexecutor.ToolPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = p
}

func (r *runner) currentPolicy() *toolexecutor.ToolPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policy
}

// lastAssistantText returns the text of the most recent assistant message
func (r *runner) lastAssistantText() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.messages) - 1; i >= 0; i-- {
		if r.messages[i].Role == agent.RoleAssistant {
			return r.messages[i].Text()
		}
	}
	return ""
}

// prime loads the persona, renders the system prompt and seeds the history
func (r *runner) prime(agents persona.Source, prompts PromptBuilder, firstUserMessage string) (*persona.Definition, error) {
	if agents == nil {
		return nil, fmt.Errorf("agent source not configured")
	}

	def, err := agents.Load(r.agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent %s: %w", r.agentID, err)
	}

	policy := toolexecutor.PolicyFromTools(def.Tools, toolexecutor.AskUserTool)
	r.setPolicy(policy)

	systemPrompt, err := prompts.Build(def, r.tools.Schemas(policy))
	if err != nil {
		return nil, fmt.Errorf("failed to build system prompt: %w", err)
	}

	r.append(agent.SystemText(systemPrompt))
	if firstUserMessage != "" {
		r.append(agent.UserText(firstUserMessage))
	}
	return def, nil
}

// run drives the loop until the model stops calling tools, asks a question,
// or something fails. Tool calls left unanswered by a previous run are
// executed first.
func (r *runner) run(ctx context.Context) loopResult {
	var res loopResult
	model := r.provider.ModelInfo()
	logger := tracing.LoggerFromContext(ctx, r.logger)
	iterations := 0

	for {
		if pending := agent.UnansweredToolCalls(r.Messages()); len(pending) > 0 {
			if q := r.executeCalls(ctx, pending); q != nil {
				res.outcome = outcomePaused
				res.question = q
				return res
			}
		}

		if ctx.Err() != nil {
			return r.fail(res, ErrCancelled)
		}
		if iterations >= r.maxIterations {
			return r.fail(res, fmt.Errorf("%w (%d)", ErrMaxIterations, r.maxIterations))
		}
		iterations++

		resp, err := r.send(ctx, model)
		if err != nil {
			if ctx.Err() != nil {
				return r.fail(res, ErrCancelled)
			}
			return r.fail(res, fmt.Errorf("provider call failed: %w", err))
		}

		callCost := r.provider.CalculateCost(resp.Usage)
		res.usage.InputTokens += resp.Usage.InputTokens
		res.usage.OutputTokens += resp.Usage.OutputTokens
		res.cost += callCost
		observability.RecordUsage(model.Name, resp.Usage.InputTokens, resp.Usage.OutputTokens, callCost, r.ledger.Currency())

		if err := r.ledger.RecordCost(resp.Usage, model.Name, callCost); err != nil {
			var limitErr *cost.LimitExceededError
			if errors.As(err, &limitErr) {
				observability.RecordCostLimitExceeded()
			}
			return r.fail(res, err)
		}

		msg := resp.Message
		msg.Role = agent.RoleAssistant
		r.append(msg)

		calls := msg.ToolCalls()
		logger.Debug().
			Int("iteration", iterations).
			Str("stop_reason", string(resp.StopReason)).
			Int("tool_calls", len(calls)).
			Msg("Provider turn recorded")

		if len(calls) == 0 {
			if resp.StopReason != agent.StopEndTurn && resp.StopReason != agent.StopSequence {
				logger.Warn().
					Int("iteration", iterations).
					Str("stop_reason", string(resp.StopReason)).
					Msg("Model stopped without ending its turn, treating the reply as final")
			}
			res.outcome = outcomeCompleted
			res.finalText = msg.Text()
			return res
		}
	}
}

func (r *runner) fail(res loopResult, err error) loopResult {
	res.outcome = outcomeFailed
	res.err = err
	return res
}

func (r *runner) send(ctx context.Context, model agent.ModelInfo) (*agent.ProviderResponse, error) {
	messages := r.Messages()
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.provider_call",
		attribute.String("model", model.Name),
		attribute.Int("messages", len(messages)),
	)
	defer span.End()

	start := time.Now()
	resp, err := r.provider.SendMessage(ctx, messages, r.tools.Schemas(r.currentPolicy()), r.sendOpts)
	if err == nil && resp == nil {
		err = fmt.Errorf("provider returned no response")
	}
	observability.RecordProviderCall(model.Name, time.Since(start), err == nil)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("usage.input_tokens", resp.Usage.InputTokens),
		attribute.Int("usage.output_tokens", resp.Usage.OutputTokens),
	)
	return resp, nil
}

// executeCalls answers calls in order. It stops at the first ask_user call and
// returns its question; the calls after it stay unanswered until the next run.
func (r *runner) executeCalls(ctx context.Context, calls []agent.ToolCall) *Question {
	execCtx := &toolexecutor.ExecutionContext{
		SessionID:  r.id,
		AgentID:    r.agentID,
		ToolPolicy: r.currentPolicy(),
	}

	for _, call := range calls {
		if call.Name == toolexecutor.AskUserTool && r.tools.IsReserved(call.Name) {
			q := questionFromCall(call)
			if q.Text != "" {
				return q
			}
			r.append(agent.ToolResultMessage(call.ID, "Error: question is required", true))
			continue
		}

		result := r.tools.Execute(ctx, call.Name, call.Input, execCtx)
		content, isError := result.Content()
		r.append(agent.ToolResultMessage(call.ID, content, isError))

		status := "success"
		if isError {
			status = "failure"
			r.logger.Warn().Str("tool", call.Name).Str("error", result.Error).Msg("Tool call failed")
		}
		observability.RecordToolAudit(ctx, call.Name, r.id, status, map[string]interface{}{"tool_use_id": call.ID})

		r.bus.Emit(events.ToolExecuted, ToolExecution{
			ToolUseID: call.ID,
			Name:      call.Name,
			Success:   result.Success,
			Error:     result.Error,
		})
	}
	return nil
}

// abandonPending answers every outstanding tool call with an error so the
// history keeps its call/result pairing.
func (r *runner) abandonPending(reason string) {
	for _, call := range agent.UnansweredToolCalls(r.Messages()) {
		r.append(agent.ToolResultMessage(call.ID, "Error: "+reason, true))
	}
}

func questionFromCall(call agent.ToolCall) *Question {
	text, _ := call.Input["question"].(string)
	background, _ := call.Input["context"].(string)
	return &Question{
		ToolUseID: call.ID,
		Text:      strings.TrimSpace(text),
		Context:   background,
		AskedAt:   now(),
	}
}

// formatCommand appends caller context to the initiating command
func formatCommand(command string, ctx map[string]interface{}) string {
	if len(ctx) == 0 {
		return command
	}

	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(command)
	b.WriteString("\n\nContext:")
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s: %v", k, ctx[k])
	}
	return b.String()
}
