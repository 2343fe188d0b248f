package session

import (
	"context"
	"fmt"
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

var activeSessions atomic.Int64

// Config configures a single-shot session
type Config struct {
	// ID is generated when empty
	ID          string
	AgentID     string
	Command     string
	Provider    agent.ModelProvider
	Agents      persona.Source
	Prompts     PromptBuilder
	Options     Options
	SendOptions agent.SendOptions
	ToolTimeout time.Duration
	Logger      zerolog.Logger
}

// Result is the outcome of a session run
type Result struct {
	SessionID  string              `json:"session_id"`
	Status     Status              `json:"status"`
	FinalText  string              `json:"final_text,omitempty"`
	Documents  []docspace.Document `json:"documents"`
	CostReport cost.Report         `json:"cost_report"`
	DurationMs int64               `json:"duration_ms"`
	Error      string              `json:"error,omitempty"`

	// Err is the failure cause, usable with errors.Is and errors.As
	Err error `json:"-"`
}

// AnswerReceived is the payload of a resumed event
type AnswerReceived struct {
	ToolUseID string `json:"tool_use_id"`
	Question  string `json:"question"`
	Answer    string `json:"answer"`
}

// Session runs one command against one agent until it reaches a terminal state
type Session struct {
	r       *runner
	command string
	opts    Options
	agents  persona.Source
	prompts PromptBuilder
	logger  zerolog.Logger

	mu          sync.Mutex
	status      Status
	createdAt   time.Time
	startedAt   *time.Time
	pausedAt    *time.Time
	completedAt *time.Time
	question    *Question
	errMsg      string
	err         error
	active      bool
	tracked     bool
	runCtx      context.Context
	done        chan struct{}
	pauseTimer  *time.Timer
	pauseSeq    uint64
}

// New creates a pending session
func New(cfg Config) (*Session, error) {
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	id := cfg.ID
	if id == "" {
		id = NewID("session")
	}
	logger := cfg.Logger.With().Str("session_id", id).Str("agent_id", cfg.AgentID).Logger()

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

	return &Session{
		r:         r,
		command:   cfg.Command,
		opts:      cloneOptions(cfg.Options),
		agents:    cfg.Agents,
		prompts:   prompts,
		logger:    logger,
		status:    StatusPending,
		createdAt: now(),
		done:      make(chan struct{}),
	}, nil
}

// Execute runs the session to a terminal state. Ordinary failures end up in
// the result; only precondition violations are returned as errors.
func (s *Session) Execute(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	if s.status != StatusPending {
		status := s.status
		s.mu.Unlock()
		if status.IsTerminal() {
			return nil, preconditionf("session is already %s", status)
		}
		return nil, preconditionf("session has already been started")
	}
	s.status = StatusRunning
	s.startedAt = timePtr(now())
	s.active = true
	s.track()
	s.runCtx = tracing.NewSessionContext(ctx, s.r.id, s.r.agentID)
	runCtx := s.runCtx
	s.mu.Unlock()

	s.logger.Info().Str("command", s.command).Msg("Session started")
	observability.RecordSessionAudit(runCtx, "session.start", s.r.id, "success", map[string]interface{}{"agent_id": s.r.agentID})
	s.r.bus.Emit(events.Started, map[string]interface{}{
		"session_id": s.r.id,
		"agent_id":   s.r.agentID,
		"command":    s.command,
	})

	def, err := s.r.prime(s.agents, s.prompts, formatCommand(s.command, s.opts.Context))
	if err != nil {
		s.mu.Lock()
		t := s.finishLocked(StatusFailed, err)
		s.mu.Unlock()
		s.announce(t)
		return s.Result(), nil
	}

	s.mu.Lock()
	s.opts.Tools = append([]string(nil), def.Tools...)
	s.mu.Unlock()

	s.drive(runCtx)
	return s.await(ctx), nil
}

// Resume continues a restored session that was captured while running
func (s *Session) Resume(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	if s.status != StatusRunning || s.active {
		status := s.status
		s.mu.Unlock()
		if status == StatusPaused {
			return nil, preconditionf("session is paused; answer the pending question instead")
		}
		return nil, preconditionf("session is %s and cannot be resumed", status)
	}
	s.active = true
	s.runCtx = tracing.NewSessionContext(ctx, s.r.id, s.r.agentID)
	runCtx := s.runCtx
	s.mu.Unlock()

	s.logger.Info().Msg("Session resumed from snapshot")
	s.drive(runCtx)
	return s.await(ctx), nil
}

// drive runs the loop once and applies its outcome
func (s *Session) drive(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.run",
		attribute.String("session_id", s.r.id),
		attribute.String("agent_id", s.r.agentID),
	)
	defer span.End()

	res := s.r.run(ctx)

	s.mu.Lock()
	if s.status.IsTerminal() {
		s.mu.Unlock()
		return
	}

	switch res.outcome {
	case outcomePaused:
		q := *res.question
		s.pauseLocked(res.question)
		s.mu.Unlock()

		span.SetAttributes(attribute.String("outcome", string(StatusPaused)))
		s.logger.Info().Str("question", q.Text).Msg("Session paused for user input")
		s.r.bus.Emit(events.Question, q)

	case outcomeFailed:
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
		t := s.finishLocked(StatusFailed, res.err)
		s.mu.Unlock()
		s.announce(t)

	default:
		span.SetAttributes(attribute.String("outcome", string(StatusCompleted)))
		t := s.finishLocked(StatusCompleted, nil)
		s.mu.Unlock()
		s.announce(t)
	}
}

// await blocks until the session is terminal. A cancelled ctx fails a parked
// session; a running loop observes the cancellation itself.
func (s *Session) await(ctx context.Context) *Result {
	select {
	case <-s.done:
		return s.Result()
	case <-ctx.Done():
	}

	s.mu.Lock()
	if s.status == StatusPaused {
		s.stopPauseTimerLocked()
		s.r.abandonPending(ErrCancelled.Error())
		t := s.finishLocked(StatusFailed, ErrCancelled)
		s.mu.Unlock()
		s.announce(t)
	} else {
		s.mu.Unlock()
	}

	<-s.done
	return s.Result()
}

func (s *Session) pauseLocked(q *Question) {
	s.status = StatusPaused
	s.question = q
	s.pausedAt = timePtr(q.AskedAt)
	s.active = false
	s.startPauseTimerLocked()
}

func (s *Session) startPauseTimerLocked() {
	s.pauseSeq++
	if s.opts.PauseTimeout <= 0 {
		return
	}

	seq := s.pauseSeq
	s.pauseTimer = time.AfterFunc(s.opts.PauseTimeout, func() {
		s.mu.Lock()
		if s.status != StatusPaused || s.pauseSeq != seq {
			s.mu.Unlock()
			return
		}
		s.r.abandonPending(ErrPauseTimeout.Error())
		t := s.finishLocked(StatusTimeout, ErrPauseTimeout)
		s.mu.Unlock()

		s.logger.Warn().Dur("pause_timeout", s.opts.PauseTimeout).Msg("Session timed out waiting for an answer")
		s.announce(t)
	})
}

func (s *Session) stopPauseTimerLocked() {
	s.pauseSeq++
	if s.pauseTimer != nil {
		s.pauseTimer.Stop()
		s.pauseTimer = nil
	}
}

// Answer injects the answer to the pending question and resumes the loop in
// the background.
func (s *Session) Answer(text string) error {
	s.mu.Lock()
	if s.status != StatusPaused || s.question == nil {
		s.mu.Unlock()
		return preconditionf(noPendingQuestion)
	}

	q := *s.question
	s.stopPauseTimerLocked()
	s.question = nil
	s.status = StatusRunning
	s.active = true
	s.r.append(agent.ToolResultMessage(q.ToolUseID, text, false))

	if s.runCtx == nil {
		s.runCtx = tracing.NewSessionContext(context.Background(), s.r.id, s.r.agentID)
	}
	runCtx := s.runCtx
	s.mu.Unlock()

	s.logger.Info().Msg("Session resumed with answer")
	s.r.bus.Emit(events.Resumed, AnswerReceived{ToolUseID: q.ToolUseID, Question: q.Text, Answer: text})

	go s.drive(runCtx)
	return nil
}

// Wait blocks until the session is terminal or ctx is done. Giving up the wait
// does not stop the session.
func (s *Session) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-s.done:
		return s.Result(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the session reaches a terminal state
func (s *Session) Done() <-chan struct{} {
	return s.done
}

type terminal struct {
	eventType events.Type
	result    *Result
}

// finishLocked moves to a terminal status. announce must follow once the lock
// is released; it emits the terminal event and then releases waiters.
func (s *Session) finishLocked(status Status, err error) terminal {
	s.stopPauseTimerLocked()
	s.status = status
	s.question = nil
	s.active = false
	s.completedAt = timePtr(now())
	s.err = err
	if err != nil {
		s.errMsg = err.Error()
	}

	if s.tracked {
		s.tracked = false
		observability.SetActiveSessions(string(KindSession), int(activeSessions.Add(-1)))
	}

	result := s.resultLocked()
	observability.RecordSessionFinished(string(KindSession), string(status), time.Duration(result.DurationMs)*time.Millisecond)

	eventType := events.Completed
	if status != StatusCompleted {
		eventType = events.Failed
	}
	return terminal{eventType: eventType, result: result}
}

func (s *Session) announce(t terminal) {
	report := t.result.CostReport
	if t.result.Status == StatusCompleted {
		s.logger.Info().
			Int("api_calls", report.APICalls).
			Float64("total_cost", report.TotalCost).
			Int("documents", len(t.result.Documents)).
			Msg("Session completed")
	} else {
		s.logger.Error().Str("status", string(t.result.Status)).Str("error", t.result.Error).Msg("Session failed")
	}
	observability.RecordSessionAudit(context.Background(), "session.finish", s.r.id, string(t.result.Status), map[string]interface{}{
		"api_calls":  report.APICalls,
		"total_cost": report.TotalCost,
	})
	s.r.bus.Emit(t.eventType, *t.result)
	close(s.done)
}

func (s *Session) track() {
	if !s.tracked {
		s.tracked = true
		observability.SetActiveSessions(string(KindSession), int(activeSessions.Add(1)))
	}
}

// Result returns the current result projection
func (s *Session) Result() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resultLocked()
}

func (s *Session) resultLocked() *Result {
	res := &Result{
		SessionID:  s.r.id,
		Status:     s.status,
		Documents:  s.r.space.Documents(),
		CostReport: s.r.ledger.Report(),
		Error:      s.errMsg,
		Err:        s.err,
	}
	if s.status == StatusCompleted {
		res.FinalText = s.r.lastAssistantText()
	}
	if s.startedAt != nil {
		end := now()
		if s.completedAt != nil {
			end = *s.completedAt
		}
		res.DurationMs = end.Sub(*s.startedAt).Milliseconds()
	}
	return res
}

// ID returns the session id
func (s *Session) ID() string { return s.r.id }

// AgentID returns the agent id
func (s *Session) AgentID() string { return s.r.agentID }

// Command returns the initiating command
func (s *Session) Command() string { return s.command }

// Status returns the current status
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// PendingQuestion returns the outstanding question, or nil
func (s *Session) PendingQuestion() *Question {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.question == nil {
		return nil
	}
	q := *s.question
	return &q
}

// Messages returns a copy of the message history
func (s *Session) Messages() []agent.Message {
	return s.r.Messages()
}

// Documents returns the documents written so far
func (s *Session) Documents() []docspace.Document {
	return s.r.space.Documents()
}

// CostReport returns the session's own spend
func (s *Session) CostReport() cost.Report {
	return s.r.ledger.Report()
}

// CostReportWithChildren folds child-session spend into the totals
func (s *Session) CostReportWithChildren() cost.Report {
	return s.r.ledger.ReportWithChildren()
}

// AddChildSessionCost records a sub-session's spend
func (s *Session) AddChildSessionCost(child cost.ChildSessionCost) {
	s.r.ledger.AddChildSession(child)
}

// UpdateCostLimit changes the budget and re-arms the warning thresholds
func (s *Session) UpdateCostLimit(limit float64) {
	s.mu.Lock()
	s.opts.CostLimit = limit
	s.mu.Unlock()
	s.r.ledger.UpdateCostLimit(limit)
}

// RegisterTool adds a tool to this session's registry
func (s *Session) RegisterTool(def toolexecutor.ToolDefinition) error {
	return s.r.tools.RegisterTool(def)
}

// Space exposes the session's document space
func (s *Session) Space() *docspace.Space {
	return s.r.space
}

// On subscribes to one event type
func (s *Session) On(eventType events.Type, handler events.Handler) func() {
	return s.r.bus.On(eventType, handler)
}

// OnAny subscribes to every event
func (s *Session) OnAny(handler events.Handler) func() {
	return s.r.bus.OnAny(handler)
}

func cloneOptions(o Options) Options {
	out := o
	if o.WarningThresholds != nil {
		out.WarningThresholds = append([]float64(nil), o.WarningThresholds...)
	}
	if o.Tools != nil {
		out.Tools = append([]string(nil), o.Tools...)
	}
	if o.Context != nil {
		out.Context = make(map[string]interface{}, len(o.Context))
		for k, v := range o.Context {
			out.Context[k] = v
		}
	}
	return out
}
