package subagent

import (
	"time"

	"github.com/harun/personakit/pkg/cost"
)

// RunParams describes a child session about to be started
type RunParams struct {
	ParentSessionID string `json:"parent_session_id"`
	ChildSessionID  string `json:"child_session_id"`
	AgentID         string `json:"agent_id"`
	Command         string `json:"command"`
	Depth           int    `json:"depth"`
}

// RunRecord tracks one child session invoked by a parent
type RunRecord struct {
	ID              string                 `json:"id"`
	ParentSessionID string                 `json:"parent_session_id"`
	ChildSessionID  string                 `json:"child_session_id"`
	AgentID         string                 `json:"agent_id"`
	Command         string                 `json:"command"`
	Depth           int                    `json:"depth"`
	Status          RunStatus              `json:"status"`
	StartedAt       time.Time              `json:"started_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	Cost            *cost.ChildSessionCost `json:"cost,omitempty"`
	Error           string                 `json:"error,omitempty"`
}

// RunStatus represents the execution state of a child session
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusAborted   RunStatus = "aborted"
)

// IsTerminal returns true if the status is terminal
func (s RunStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// Registry is the on-disk format
type Registry struct {
	Version     int          `json:"version"`
	Runs        []*RunRecord `json:"runs"`
	LastUpdated time.Time    `json:"last_updated"`
}

// Stats contains coordinator statistics
type Stats struct {
	TotalRuns     int     `json:"total_runs"`
	ActiveRuns    int     `json:"active_runs"`
	CompletedRuns int     `json:"completed_runs"`
	FailedRuns    int     `json:"failed_runs"`
	AbortedRuns   int     `json:"aborted_runs"`
	TotalCost     float64 `json:"total_cost"`
}

// EventHandler receives a copy of the affected run
type EventHandler func(record RunRecord)

// Event names
const (
	EventRunRegistered = "run:registered"
	EventRunUpdated    = "run:updated"
)
