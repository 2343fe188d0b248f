package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/personakit/internal/observability"
	"github.com/harun/personakit/internal/tracing"
	"github.com/harun/personakit/pkg/agent"
	"github.com/harun/personakit/pkg/cost"
	"github.com/harun/personakit/pkg/docspace"
	"github.com/harun/personakit/pkg/events"
	"github.com/harun/personakit/pkg/persona"
	"github.com/harun/personakit/pkg/prompt"
	"github.com/harun/personakit/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var activeConversations atomic.Int64

// Turn is one user message and the agent's complete response to it
type Turn struct {
	ID            string     `json:"id"`
	UserMessage   string     `json:"user_message"`
	AgentResponse string     `json:"agent_response,omitempty"`
	InputTokens   int        `json:"input_tokens"`
	OutputTokens  int        `json:"output_tokens"`
	Cost          float64    `json:"cost"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// TurnFailure is the payload of an error event
type TurnFailure struct {
	TurnID string `json:"turn_id"`
	Error  string `json:"error"`
	Err    error  `json:"-"`
}

// ConversationConfig configures a conversation
type ConversationConfig struct {
	// ID is generated when empty
	ID          string
	AgentID     string
	Provider    agent.ModelProvider
	Agents      persona.Source
	Prompts     PromptBuilder
	Options     Options
	SendOptions agent.SendOptions
	ToolTimeout time.Duration
	Logger      zerolog.Logger
}

// task is the in-flight handle of one send
type task struct {
	done chan struct{}
	turn *Turn
	err  error
}

// Conversation keeps one agent available for any number of user messages
type Conversation struct {
	r      *runner
	opts   Options
	logger zerolog.Logger

	mu         sync.Mutex
	status     ConversationStatus
	createdAt  time.Time
	pausedAt   *time.Time
	endedAt    *time.Time
	turns      []Turn
	current    *Turn
	task       *task
	active     bool
	question   *Question
	lastErr    string
	runCtx     context.Context
	pauseTimer *time.Timer
	pauseSeq   uint64
}

// NewConversation loads the agent, renders its system prompt and returns an
// idle conversation.
func NewConversation(cfg ConversationConfig) (*Conversation, error) {
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}

	id := cfg.ID
	if id == "" {
		id = NewID("conv")
	}
	logger := cfg.Logger.With().Str("conversation_id", id).Str("agent_id", cfg.AgentID).Logger()

	r, err := newRunner(runnerConfig{
		id:          id,
		agentID:     cfg.AgentID,
		provider:    cfg.Provider,
		options:     cfg.Options,
		sendOptions: cfg.SendOptions,
		toolTimeout: cfg.ToolTimeout,
		logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	prompts := cfg.Prompts
	if prompts == nil {
		prompts = prompt.New()
	}

	def, err := r.prime(cfg.Agents, prompts, "")
	if err != nil {
		return nil, err
	}

	opts := cloneOptions(cfg.Options)
	opts.Tools = append([]string(nil), def.Tools...)

	c := &Conversation{
		r:         r,
		opts:      opts,
		logger:    logger,
		status:    ConversationIdle,
		createdAt: now(),
		runCtx:    tracing.NewSessionContext(context.Background(), id, cfg.AgentID),
	}
	observability.SetActiveSessions(string(KindConversation), int(activeConversations.Add(1)))
	logger.Info().Msg("Conversation created")
	return c, nil
}

// Send starts processing one user message in the background. It fails when a
// message is still being processed or the conversation has ended. Only the
// values of ctx are used; processing outlives its cancellation.
func (c *Conversation) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return preconditionf("message is required")
	}

	c.mu.Lock()
	switch c.status {
	case ConversationEnded:
		c.mu.Unlock()
		return preconditionf("conversation has ended")
	case ConversationProcessing, ConversationPaused:
		c.mu.Unlock()
		return preconditionf("conversation is already processing a message")
	}

	turn := &Turn{
		ID:          NewID("turn"),
		UserMessage: text,
		StartedAt:   now(),
	}
	c.current = turn
	c.task = &task{done: make(chan struct{})}
	c.status = ConversationProcessing
	c.active = true
	c.r.append(agent.UserText(text))

	c.runCtx = tracing.NewSessionContext(context.WithoutCancel(ctx), c.r.id, c.r.agentID)
	runCtx := c.runCtx
	started := *turn
	c.mu.Unlock()

	c.logger.Debug().Str("turn_id", started.ID).Msg("Turn started")
	c.r.bus.Emit(events.TurnStarted, started)

	go c.process(runCtx)
	return nil
}

// process runs the loop for the current turn and settles its task unless the
// turn paused.
func (c *Conversation) process(ctx context.Context) {
	c.mu.Lock()
	turnID := ""
	if c.current != nil {
		turnID = c.current.ID
	}
	c.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, tracerName, "conversation.turn",
		attribute.String("conversation_id", c.r.id),
		attribute.String("turn_id", turnID),
	)
	defer span.End()

	res := c.r.run(ctx)

	c.mu.Lock()
	turn := c.current
	t := c.task
	if turn == nil || t == nil || c.status != ConversationProcessing {
		c.mu.Unlock()
		return
	}
	turn.InputTokens += res.usage.InputTokens
	turn.OutputTokens += res.usage.OutputTokens
	turn.Cost += res.cost

	switch res.outcome {
	case outcomePaused:
		q := *res.question
		c.status = ConversationPaused
		c.question = res.question
		c.pausedAt = timePtr(q.AskedAt)
		c.active = false
		c.startPauseTimerLocked()
		c.mu.Unlock()

		c.logger.Info().Str("question", q.Text).Msg("Conversation paused for user input")
		c.r.bus.Emit(events.Question, q)

	case outcomeFailed:
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
		failure := c.failTurnLocked(res.err)
		c.mu.Unlock()

		c.logger.Error().Err(res.err).Str("turn_id", failure.TurnID).Msg("Turn failed")
		c.r.bus.Emit(events.Error, failure)
		close(t.done)

	default:
		turn.AgentResponse = res.finalText
		turn.CompletedAt = timePtr(now())
		completed := *turn
		c.turns = append(c.turns, completed)
		c.current = nil
		c.status = ConversationIdle
		c.active = false
		t.turn = &completed
		c.mu.Unlock()

		observability.RecordTurn(true)
		c.logger.Info().
			Str("turn_id", completed.ID).
			Int("input_tokens", completed.InputTokens).
			Int("output_tokens", completed.OutputTokens).
			Msg("Turn completed")
		c.r.bus.Emit(events.TurnCompleted, completed)
		close(t.done)
	}
}

// failTurnLocked settles the current turn as failed. The caller closes the
// task once the error event has been emitted.
func (c *Conversation) failTurnLocked(err error) TurnFailure {
	failure := TurnFailure{Error: err.Error(), Err: err}
	if c.current != nil {
		failure.TurnID = c.current.ID
	}
	c.stopPauseTimerLocked()
	c.current = nil
	c.question = nil
	c.status = ConversationIdle
	c.active = false
	c.lastErr = err.Error()
	if c.task != nil {
		c.task.err = err
	}
	observability.RecordTurn(false)
	return failure
}

func (c *Conversation) startPauseTimerLocked() {
	c.pauseSeq++
	if c.opts.PauseTimeout <= 0 {
		return
	}

	seq := c.pauseSeq
	c.pauseTimer = time.AfterFunc(c.opts.PauseTimeout, func() {
		c.mu.Lock()
		if c.status != ConversationPaused || c.pauseSeq != seq {
			c.mu.Unlock()
			return
		}
		c.r.abandonPending(ErrPauseTimeout.Error())
		t := c.task
		failure := c.failTurnLocked(ErrPauseTimeout)
		c.mu.Unlock()

		c.logger.Warn().Dur("pause_timeout", c.opts.PauseTimeout).Msg("Turn timed out waiting for an answer")
		c.r.bus.Emit(events.Error, failure)
		if t != nil {
			close(t.done)
		}
	})
}

func (c *Conversation) stopPauseTimerLocked() {
	c.pauseSeq++
	if c.pauseTimer != nil {
		c.pauseTimer.Stop()
		c.pauseTimer = nil
	}
}

// Answer injects the answer to the pending question and resumes the turn
func (c *Conversation) Answer(text string) error {
	c.mu.Lock()
	if c.status != ConversationPaused || c.question == nil {
		c.mu.Unlock()
		return preconditionf(noPendingQuestion)
	}

	q := *c.question
	c.stopPauseTimerLocked()
	c.question = nil
	c.status = ConversationProcessing
	c.active = true
	c.r.append(agent.ToolResultMessage(q.ToolUseID, text, false))
	runCtx := c.runCtx
	c.mu.Unlock()

	c.r.bus.Emit(events.Resumed, AnswerReceived{ToolUseID: q.ToolUseID, Question: q.Text, Answer: text})

	go c.process(runCtx)
	return nil
}

// Resume continues a restored conversation captured mid-turn
func (c *Conversation) Resume() error {
	c.mu.Lock()
	if c.status != ConversationProcessing || c.active || c.task == nil {
		status := c.status
		c.mu.Unlock()
		return preconditionf("conversation is %s and cannot be resumed", status)
	}
	c.active = true
	runCtx := c.runCtx
	c.mu.Unlock()

	go c.process(runCtx)
	return nil
}

// WaitForCompletion waits for the in-flight message to settle and returns its
// turn. A timeout abandons only the wait; processing continues. Zero timeout
// waits until ctx is done.
func (c *Conversation) WaitForCompletion(ctx context.Context, timeout time.Duration) (*Turn, error) {
	c.mu.Lock()
	t := c.task
	var last *Turn
	if len(c.turns) > 0 {
		turn := c.turns[len(c.turns)-1]
		last = &turn
	}
	c.mu.Unlock()

	if t == nil {
		if last != nil {
			return last, nil
		}
		return nil, preconditionf("no message has been sent")
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-t.done:
		if t.err != nil {
			return nil, t.err
		}
		turn := *t.turn
		return &turn, nil
	case <-expired:
		return nil, &WaitTimeoutError{Timeout: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// End closes the conversation. It fails while a message is in flight.
func (c *Conversation) End() error {
	c.mu.Lock()
	switch c.status {
	case ConversationEnded:
		c.mu.Unlock()
		return preconditionf("conversation has ended")
	case ConversationProcessing, ConversationPaused:
		c.mu.Unlock()
		return preconditionf("cannot end conversation while processing")
	}
	c.status = ConversationEnded
	c.endedAt = timePtr(now())
	duration := c.endedAt.Sub(c.createdAt)
	turns := len(c.turns)
	c.mu.Unlock()

	observability.SetActiveSessions(string(KindConversation), int(activeConversations.Add(-1)))
	observability.RecordSessionFinished(string(KindConversation), string(ConversationEnded), duration)
	c.logger.Info().Int("turns", turns).Msg("Conversation ended")
	c.r.bus.Emit(events.Ended, map[string]interface{}{
		"conversation_id": c.r.id,
		"turns":           turns,
	})
	return nil
}

// ID returns the conversation id
func (c *Conversation) ID() string { return c.r.id }

// AgentID returns the agent id
func (c *Conversation) AgentID() string { return c.r.agentID }

// Status returns the current status
func (c *Conversation) Status() ConversationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Turns returns the completed turns in order
func (c *Conversation) Turns() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneTurns(c.turns)
}

// CurrentTurn returns the in-flight turn, or nil
func (c *Conversation) CurrentTurn() *Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneTurn(c.current)
}

// PendingQuestion returns the outstanding question, or nil
func (c *Conversation) PendingQuestion() *Question {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.question == nil {
		return nil
	}
	q := *c.question
	return &q
}

// Messages returns a copy of the message history
func (c *Conversation) Messages() []agent.Message {
	return c.r.Messages()
}

// Documents returns the documents written so far
func (c *Conversation) Documents() []docspace.Document {
	return c.r.space.Documents()
}

// CostReport returns the conversation's own spend
func (c *Conversation) CostReport() cost.Report {
	return c.r.ledger.Report()
}

// CostReportWithChildren folds child-session spend into the totals
func (c *Conversation) CostReportWithChildren() cost.Report {
	return c.r.ledger.ReportWithChildren()
}

// AddChildSessionCost records a sub-session's spend
func (c *Conversation) AddChildSessionCost(child cost.ChildSessionCost) {
	c.r.ledger.AddChildSession(child)
}

// UpdateCostLimit changes the budget and re-arms the warning thresholds
func (c *Conversation) UpdateCostLimit(limit float64) {
	c.mu.Lock()
	c.opts.CostLimit = limit
	c.mu.Unlock()
	c.r.ledger.UpdateCostLimit(limit)
}

// RegisterTool adds a tool to this conversation's registry
func (c *Conversation) RegisterTool(def toolexecutor.ToolDefinition) error {
	return c.r.tools.RegisterTool(def)
}

// Space exposes the conversation's document space
func (c *Conversation) Space() *docspace.Space {
	return c.r.space
}

// On subscribes to one event type
func (c *Conversation) On(eventType events.Type, handler events.Handler) func() {
	return c.r.bus.On(eventType, handler)
}

// OnAny subscribes to every event
func (c *Conversation) OnAny(handler events.Handler) func() {
	return c.r.bus.OnAny(handler)
}

func cloneTurn(t *Turn) *Turn {
	if t == nil {
		return nil
	}
	out := *t
	if t.CompletedAt != nil {
		out.CompletedAt = timePtr(*t.CompletedAt)
	}
	return &out
}

func cloneTurns(in []Turn) []Turn {
	if in == nil {
		return nil
	}
	out := make([]Turn, len(in))
	copy(out, in)
	return out
}
