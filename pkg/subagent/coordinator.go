// Package subagent tracks child sessions started through invoke_agent and the
// costs they contribute to their parents.
package subagent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/harun/personakit/pkg/cost"
	"github.com/harun/personakit/pkg/events"
	"github.com/harun/personakit/pkg/session"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// DefaultRetention is how long finished runs are kept by Cleanup
const DefaultRetention = 7 * 24 * time.Hour

// Coordinator manages child run records
type Coordinator struct {
	runs         map[string]*RunRecord
	registryPath string
	logger       zerolog.Logger
	mu           sync.RWMutex

	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// Config holds coordinator configuration
type Config struct {
	// RegistryPath persists runs as JSON; empty keeps them in memory only
	RegistryPath string
	Logger       zerolog.Logger
}

// NewCoordinator creates a new coordinator
func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{
		runs:          make(map[string]*RunRecord),
		registryPath:  cfg.RegistryPath,
		logger:        cfg.Logger,
		eventHandlers: make(map[string][]EventHandler),
	}
}

// Initialize loads the registry from disk. A missing or corrupt registry
// starts empty.
func (c *Coordinator) Initialize() error {
	if c.registryPath == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.registryPath)
	if err != nil {
		if os.IsNotExist(err) {
			c.logger.Info().Msg("Registry file does not exist, starting with empty registry")
			return nil
		}
		c.logger.Error().Err(err).Msg("Failed to read registry file")
		return nil
	}

	var registry Registry
	if err := json.Unmarshal(data, &registry); err != nil {
		c.logger.Error().Err(err).Msg("Failed to parse registry file, starting with empty registry")
		return nil
	}

	for _, run := range registry.Runs {
		c.runs[run.ID] = run
	}

	c.logger.Info().Int("runs", len(c.runs)).Msg("Registry loaded")
	return nil
}

// Close saves the registry
func (c *Coordinator) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.saveLocked()
}

// RegisterRun records a pending child run and returns its id
func (c *Coordinator) RegisterRun(params RunParams) (string, error) {
	if params.ParentSessionID == "" || params.ChildSessionID == "" {
		return "", fmt.Errorf("parent and child session ids are required")
	}

	runID, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate run ID: %w", err)
	}

	record := &RunRecord{
		ID:              runID,
		ParentSessionID: params.ParentSessionID,
		ChildSessionID:  params.ChildSessionID,
		AgentID:         params.AgentID,
		Command:         params.Command,
		Depth:           params.Depth,
		Status:          StatusPending,
		StartedAt:       time.Now().UTC(),
	}

	c.mu.Lock()
	c.runs[runID] = record
	snapshot := *record
	c.persistLocked("registration")
	c.mu.Unlock()

	c.logger.Info().
		Str("run_id", runID).
		Str("parent_session", params.ParentSessionID).
		Str("child_session", params.ChildSessionID).
		Str("agent_id", params.AgentID).
		Msg("Run registered")

	c.emit(EventRunRegistered, snapshot)
	return runID, nil
}

// UpdateRunStatus moves a run to status. Terminal runs are not reopened.
func (c *Coordinator) UpdateRunStatus(runID string, status RunStatus, errMsg string) error {
	c.mu.Lock()
	record, exists := c.runs[runID]
	if !exists {
		c.mu.Unlock()
		return fmt.Errorf("run not found: %s", runID)
	}
	if record.Status.IsTerminal() {
		c.mu.Unlock()
		return fmt.Errorf("run %s is already %s", runID, record.Status)
	}

	record.Status = status
	if status.IsTerminal() {
		now := time.Now().UTC()
		record.CompletedAt = &now
	}
	if errMsg != "" {
		record.Error = errMsg
	}
	snapshot := *record
	c.persistLocked("status update")
	c.mu.Unlock()

	c.logger.Info().
		Str("run_id", runID).
		Str("status", string(status)).
		Msg("Run status updated")

	c.emit(EventRunUpdated, snapshot)
	return nil
}

// RecordCost attaches the child's cost summary to its run
func (c *Coordinator) RecordCost(runID string, childCost cost.ChildSessionCost) error {
	c.mu.Lock()
	record, exists := c.runs[runID]
	if !exists {
		c.mu.Unlock()
		return fmt.Errorf("run not found: %s", runID)
	}
	record.Cost = &childCost
	snapshot := *record
	c.persistLocked("cost update")
	c.mu.Unlock()

	c.emit(EventRunUpdated, snapshot)
	return nil
}

// HandleSessionEvent maps a child session's lifecycle notification onto its
// run. Events from unknown sessions are ignored.
func (c *Coordinator) HandleSessionEvent(event events.Event) {
	var status RunStatus
	var errMsg string

	switch event.Type {
	case events.Started:
		status = StatusRunning
	case events.Completed:
		status = StatusCompleted
	case events.Failed:
		status = StatusFailed
		if res, ok := event.Data.(session.Result); ok {
			errMsg = res.Error
		}
	default:
		return
	}

	record := c.GetRunByChildSession(event.SourceID)
	if record == nil {
		c.logger.Debug().Str("session_id", event.SourceID).Msg("Run not found for session event")
		return
	}

	if err := c.UpdateRunStatus(record.ID, status, errMsg); err != nil {
		c.logger.Debug().Err(err).Str("run_id", record.ID).Msg("Ignored session event")
	}
}

// Abort marks a run aborted, e.g. when a child asked a question nobody can answer
func (c *Coordinator) Abort(runID, reason string) error {
	return c.UpdateRunStatus(runID, StatusAborted, reason)
}

// GetRun retrieves a copy of a run by ID
func (c *Coordinator) GetRun(runID string) *RunRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	record, ok := c.runs[runID]
	if !ok {
		return nil
	}
	cp := *record
	return &cp
}

// GetRunByChildSession retrieves a run by child session id
func (c *Coordinator) GetRunByChildSession(childSessionID string) *RunRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, record := range c.runs {
		if record.ChildSessionID == childSessionID {
			cp := *record
			return &cp
		}
	}
	return nil
}

// ListChildren returns the direct children of a session ordered by start time
func (c *Coordinator) ListChildren(sessionID string) []RunRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	children := []RunRecord{}
	for _, record := range c.runs {
		if record.ParentSessionID == sessionID {
			children = append(children, *record)
		}
	}
	sortRuns(children)
	return children
}

// ListDescendants returns every nested descendant of a session
func (c *Coordinator) ListDescendants(sessionID string) []RunRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	descendants := []RunRecord{}
	c.addDescendants(sessionID, &descendants)
	sortRuns(descendants)
	return descendants
}

func (c *Coordinator) addDescendants(parentID string, descendants *[]RunRecord) {
	for _, record := range c.runs {
		if record.ParentSessionID == parentID {
			*descendants = append(*descendants, *record)
			c.addDescendants(record.ChildSessionID, descendants)
		}
	}
}

func sortRuns(runs []RunRecord) {
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})
}

// CountActiveRuns counts pending or running children of a session
func (c *Coordinator) CountActiveRuns(sessionID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	count := 0
	for _, record := range c.runs {
		if record.ParentSessionID == sessionID && !record.Status.IsTerminal() {
			count++
		}
	}
	return count
}

// CountDescendants counts all descendants of a session
func (c *Coordinator) CountDescendants(sessionID string) int {
	return len(c.ListDescendants(sessionID))
}

// Cleanup removes finished runs older than retention
func (c *Coordinator) Cleanup(retention time.Duration) int {
	if retention <= 0 {
		retention = DefaultRetention
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	removed := 0
	for runID, record := range c.runs {
		if !record.Status.IsTerminal() {
			continue
		}
		if record.CompletedAt != nil && record.CompletedAt.Before(cutoff) {
			delete(c.runs, runID)
			removed++
		}
	}

	if removed > 0 {
		c.persistLocked("cleanup")
	}

	c.logger.Info().Int("removed", removed).Msg("Cleanup completed")
	return removed
}

// GetStats returns coordinator statistics
func (c *Coordinator) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := Stats{TotalRuns: len(c.runs)}
	for _, record := range c.runs {
		switch record.Status {
		case StatusPending, StatusRunning:
			stats.ActiveRuns++
		case StatusCompleted:
			stats.CompletedRuns++
		case StatusFailed:
			stats.FailedRuns++
		case StatusAborted:
			stats.AbortedRuns++
		}
		if record.Cost != nil {
			stats.TotalCost += record.Cost.Cost
		}
	}
	return stats
}

// On registers an event handler
func (c *Coordinator) On(eventType string, handler EventHandler) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	c.eventHandlers[eventType] = append(c.eventHandlers[eventType], handler)
}

// Off removes all handlers for an event type
func (c *Coordinator) Off(eventType string) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	delete(c.eventHandlers, eventType)
}

func (c *Coordinator) emit(eventType string, record RunRecord) {
	c.eventMu.RLock()
	handlers := c.eventHandlers[eventType]
	c.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(record)
	}
}

func (c *Coordinator) persistLocked(reason string) {
	if err := c.saveLocked(); err != nil {
		c.logger.Error().Err(err).Str("after", reason).Msg("Failed to save registry")
	}
}

// saveLocked writes the registry atomically. Callers hold c.mu.
func (c *Coordinator) saveLocked() error {
	if c.registryPath == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(c.registryPath), 0700); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}

	runs := make([]*RunRecord, 0, len(c.runs))
	for _, record := range c.runs {
		runs = append(runs, record)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].ID < runs[j].ID })

	data, err := json.MarshalIndent(Registry{
		Version:     1,
		Runs:        runs,
		LastUpdated: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}

	tempPath := c.registryPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp registry file: %w", err)
	}
	if err := os.Rename(tempPath, c.registryPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename registry file: %w", err)
	}

	c.logger.Debug().Msg("Registry saved")
	return nil
}
