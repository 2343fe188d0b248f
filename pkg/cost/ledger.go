// Package cost accumulates model usage for one session, prices it, and enforces
// the session budget.
//
// Invariants:
// - Thresholds are checked before the hard limit on every record.
// - Each warning threshold fires at most once until the limit is updated.
// - Reports are projections; they never mutate the ledger.
package cost

import (
	"fmt"
	"sort"
	"sync"

	"github.com/harun/personakit/pkg/agent"
	"github.com/harun/personakit/pkg/events"
	"github.com/rs/zerolog"
)

// DefaultCurrency is used when no currency is configured
const DefaultCurrency = "USD"

// DefaultWarningThresholds are fractions of the cost limit that trigger warnings
var DefaultWarningThresholds = []float64{0.5, 0.75, 0.9}

// Config configures a ledger
type Config struct {
	CostLimit         float64 // 0 disables the limit
	Currency          string
	WarningThresholds []float64
	Bus               *events.Bus
	Logger            zerolog.Logger
}

// ModelCost is the usage breakdown for one model
type ModelCost struct {
	Model        string  `json:"model"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	APICalls     int     `json:"api_calls"`
	Cost         float64 `json:"cost"`
}

// ChildSessionCost is a cost summary contributed by a sub-session
type ChildSessionCost struct {
	SessionID    string  `json:"session_id"`
	AgentID      string  `json:"agent_id"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	APICalls     int     `json:"api_calls"`
	Cost         float64 `json:"cost"`
}

// Report is a derived view of the ledger
type Report struct {
	TotalInputTokens  int                `json:"total_input_tokens"`
	TotalOutputTokens int                `json:"total_output_tokens"`
	TotalTokens       int                `json:"total_tokens"`
	APICalls          int                `json:"api_calls"`
	TotalCost         float64            `json:"total_cost"`
	Currency          string             `json:"currency"`
	CostLimit         float64            `json:"cost_limit,omitempty"`
	ByModel           []ModelCost        `json:"by_model"`
	ChildSessions     []ChildSessionCost `json:"child_sessions,omitempty"`
	IncludesChildren  bool               `json:"includes_children,omitempty"`
}

// Warning is the payload of a cost_warning event
type Warning struct {
	Threshold   float64 `json:"threshold"`
	CurrentCost float64 `json:"current_cost"`
	Limit       float64 `json:"limit"`
	Currency    string  `json:"currency"`
}

// LimitExceededError reports a budget violation
type LimitExceededError struct {
	Current  float64 `json:"current"`
	Limit    float64 `json:"limit"`
	Currency string  `json:"currency"`
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("Cost limit exceeded: current cost %.4f %s exceeds limit of %.4f %s",
		e.Current, e.Currency, e.Limit, e.Currency)
}

// State is the serializable content of a ledger
type State struct {
	InputTokens       int                `json:"input_tokens"`
	OutputTokens      int                `json:"output_tokens"`
	APICalls          int                `json:"api_calls"`
	TotalCost         float64            `json:"total_cost"`
	ByModel           []ModelCost        `json:"by_model,omitempty"`
	ChildSessions     []ChildSessionCost `json:"child_sessions,omitempty"`
	EmittedThresholds []float64          `json:"emitted_thresholds,omitempty"`
}

// Ledger tracks usage and spend for a single session
type Ledger struct {
	costLimit  float64
	currency   string
	thresholds []float64
	bus        *events.Bus
	logger     zerolog.Logger

	inputTokens  int
	outputTokens int
	apiCalls     int
	totalCost    float64
	byModel      map[string]*ModelCost
	children     []ChildSessionCost
	emitted      map[float64]bool
	mu           sync.Mutex
}

// NewLedger creates a new ledger
func NewLedger(cfg Config) *Ledger {
	currency := cfg.Currency
	if currency == "" {
		currency = DefaultCurrency
	}

	thresholds := cfg.WarningThresholds
	if thresholds == nil {
		thresholds = DefaultWarningThresholds
	}
	thresholds = append([]float64(nil), thresholds...)
	sort.Float64s(thresholds)

	return &Ledger{
		costLimit:  cfg.CostLimit,
		currency:   currency,
		thresholds: thresholds,
		bus:        cfg.Bus,
		logger:     cfg.Logger,
		byModel:    make(map[string]*ModelCost),
		emitted:    make(map[float64]bool),
	}
}

// RecordUsage adds one provider call to the totals, emits newly crossed
// warnings, and returns a *LimitExceededError if the budget is now exceeded.
func (l *Ledger) RecordUsage(usage agent.Usage, model agent.ModelInfo) error {
	return l.RecordCost(usage, model.Name, model.Cost(usage))
}

// RecordCost is RecordUsage for a call already priced by its provider
func (l *Ledger) RecordCost(usage agent.Usage, modelName string, callCost float64) error {
	l.mu.Lock()
	l.inputTokens += usage.InputTokens
	l.outputTokens += usage.OutputTokens
	l.apiCalls++
	l.totalCost += callCost

	mc, ok := l.byModel[modelName]
	if !ok {
		mc = &ModelCost{Model: modelName}
		l.byModel[modelName] = mc
	}
	mc.InputTokens += usage.InputTokens
	mc.OutputTokens += usage.OutputTokens
	mc.APICalls++
	mc.Cost += callCost

	warnings := l.crossedThresholdsLocked()
	var exceeded *LimitExceededError
	if l.costLimit > 0 && l.totalCost > l.costLimit {
		exceeded = &LimitExceededError{Current: l.totalCost, Limit: l.costLimit, Currency: l.currency}
	}
	l.mu.Unlock()

	l.logger.Debug().
		Str("model", modelName).
		Int("input_tokens", usage.InputTokens).
		Int("output_tokens", usage.OutputTokens).
		Float64("cost", callCost).
		Msg("Usage recorded")

	for _, w := range warnings {
		l.logger.Warn().
			Float64("threshold", w.Threshold).
			Float64("current_cost", w.CurrentCost).
			Float64("limit", w.Limit).
			Msg("Cost warning threshold reached")
		l.emit(events.CostWarning, w)
	}

	if exceeded != nil {
		l.logger.Warn().
			Float64("current_cost", exceeded.Current).
			Float64("limit", exceeded.Limit).
			Msg("Cost limit exceeded")
		l.emit(events.CostLimitExceeded, *exceeded)
		return exceeded
	}

	return nil
}

func (l *Ledger) crossedThresholdsLocked() []Warning {
	if l.costLimit <= 0 {
		return nil
	}

	var warnings []Warning
	for _, t := range l.thresholds {
		if l.emitted[t] || l.totalCost < t*l.costLimit {
			continue
		}
		l.emitted[t] = true
		warnings = append(warnings, Warning{
			Threshold:   t,
			CurrentCost: l.totalCost,
			Limit:       l.costLimit,
			Currency:    l.currency,
		})
	}
	return warnings
}

func (l *Ledger) emit(eventType events.Type, data interface{}) {
	if l.bus != nil {
		l.bus.Emit(eventType, data)
	}
}

// AddChildSession appends a sub-session cost summary
func (l *Ledger) AddChildSession(child ChildSessionCost) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.children = append(l.children, child)
}

// UpdateCostLimit sets a new limit and re-arms all warning thresholds
func (l *Ledger) UpdateCostLimit(newLimit float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.costLimit = newLimit
	l.emitted = make(map[float64]bool)
}

// CostLimit returns the current limit
func (l *Ledger) CostLimit() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.costLimit
}

// Currency returns the ledger currency
func (l *Ledger) Currency() string {
	return l.currency
}

// TotalCost returns money spent by this session only
func (l *Ledger) TotalCost() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalCost
}

// Report returns the session's own totals with child summaries listed separately
func (l *Ledger) Report() Report {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reportLocked(false)
}

// ReportWithChildren returns totals including every child session
func (l *Ledger) ReportWithChildren() Report {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reportLocked(true)
}

func (l *Ledger) reportLocked(includeChildren bool) Report {
	r := Report{
		TotalInputTokens:  l.inputTokens,
		TotalOutputTokens: l.outputTokens,
		APICalls:          l.apiCalls,
		TotalCost:         l.totalCost,
		Currency:          l.currency,
		CostLimit:         l.costLimit,
		ByModel:           l.sortedModelsLocked(),
		IncludesChildren:  includeChildren,
	}
	if len(l.children) > 0 {
		r.ChildSessions = append([]ChildSessionCost(nil), l.children...)
	}

	if includeChildren {
		for _, c := range l.children {
			r.TotalInputTokens += c.InputTokens
			r.TotalOutputTokens += c.OutputTokens
			r.APICalls += c.APICalls
			r.TotalCost += c.Cost
		}
	}

	r.TotalTokens = r.TotalInputTokens + r.TotalOutputTokens
	return r
}

func (l *Ledger) sortedModelsLocked() []ModelCost {
	out := make([]ModelCost, 0, len(l.byModel))
	for _, mc := range l.byModel {
		out = append(out, *mc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// Snapshot captures the ledger contents
func (l *Ledger) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := State{
		InputTokens:  l.inputTokens,
		OutputTokens: l.outputTokens,
		APICalls:     l.apiCalls,
		TotalCost:    l.totalCost,
	}
	if len(l.byModel) > 0 {
		s.ByModel = l.sortedModelsLocked()
	}
	if len(l.children) > 0 {
		s.ChildSessions = append([]ChildSessionCost(nil), l.children...)
	}
	for _, t := range l.thresholds {
		if l.emitted[t] {
			s.EmittedThresholds = append(s.EmittedThresholds, t)
		}
	}
	return s
}

// Restore replaces the ledger contents with a snapshot
func (l *Ledger) Restore(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.inputTokens = s.InputTokens
	l.outputTokens = s.OutputTokens
	l.apiCalls = s.APICalls
	l.totalCost = s.TotalCost
	l.byModel = make(map[string]*ModelCost, len(s.ByModel))
	for _, mc := range s.ByModel {
		mc := mc
		l.byModel[mc.Model] = &mc
	}
	l.children = append([]ChildSessionCost(nil), s.ChildSessions...)
	l.emitted = make(map[float64]bool, len(s.EmittedThresholds))
	for _, t := range s.EmittedThresholds {
		l.emitted[t] = true
	}
}
