package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/personakit/internal/observability"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	// DefaultRetention is how long finished sessions are kept
	DefaultRetention = 7 * 24 * time.Hour

	// DefaultPruneSchedule runs the pruner daily at 03:00
	DefaultPruneSchedule = "0 3 * * *"
)

// DefaultFinishedStatuses are the snapshot statuses eligible for pruning
var DefaultFinishedStatuses = []string{"completed", "failed", "timeout", "ended"}

// PrunerConfig configures a Pruner
type PrunerConfig struct {
	Store    SessionStore
	MaxAge   time.Duration
	Schedule string

	// Statuses defaults to DefaultFinishedStatuses
	Statuses []string
	Logger   zerolog.Logger
}

// Pruner deletes finished session snapshots older than MaxAge on a cron schedule
type Pruner struct {
	store    SessionStore
	maxAge   time.Duration
	schedule string
	statuses map[string]bool
	logger   zerolog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// ParseSchedule validates a five-field cron expression
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return sched, nil
}

// NewPruner creates a stopped pruner
func NewPruner(cfg PrunerConfig) (*Pruner, error) {
	if cfg.Store == nil {
		return nil, ErrNotConfigured
	}

	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultRetention
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultPruneSchedule
	}
	if _, err := ParseSchedule(schedule); err != nil {
		return nil, err
	}

	statuses := cfg.Statuses
	if len(statuses) == 0 {
		statuses = DefaultFinishedStatuses
	}
	set := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		set[s] = true
	}

	return &Pruner{
		store:    cfg.Store,
		maxAge:   maxAge,
		schedule: schedule,
		statuses: set,
		logger:   cfg.Logger,
	}, nil
}

// Start schedules pruning runs
func (p *Pruner) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("pruner is already running")
	}

	sched, err := ParseSchedule(p.schedule)
	if err != nil {
		return err
	}

	c := cron.New()
	c.Schedule(sched, cron.FuncJob(func() {
		if _, err := p.PruneNow(context.Background()); err != nil {
			p.logger.Error().Err(err).Msg("Failed to prune sessions")
		}
	}))
	c.Start()

	p.cron = c
	p.running = true

	p.logger.Info().
		Str("schedule", p.schedule).
		Dur("max_age", p.maxAge).
		Msg("Session pruner started")
	return nil
}

// Stop halts scheduling and waits for a running prune to finish
func (p *Pruner) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return fmt.Errorf("pruner is not running")
	}
	c := p.cron
	p.cron = nil
	p.running = false
	p.mu.Unlock()

	<-c.Stop().Done()
	p.logger.Info().Msg("Session pruner stopped")
	return nil
}

// IsRunning reports whether the pruner is scheduled
func (p *Pruner) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// MaxAge returns the retention window
func (p *Pruner) MaxAge() time.Duration {
	return p.maxAge
}

// PruneNow deletes eligible snapshots immediately and returns how many went
func (p *Pruner) PruneNow(ctx context.Context) (int, error) {
	infos, err := p.store.ListSessions(ctx, ListFilter{})
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	cutoff := time.Now().Add(-p.maxAge)
	deleted := 0

	for _, info := range infos {
		if !p.statuses[info.Status] || info.UpdatedAt.After(cutoff) {
			continue
		}

		if err := p.store.DeleteSession(ctx, info.ID); err != nil {
			p.logger.Error().
				Str("session_id", info.ID).
				Err(err).
				Msg("Failed to delete session")
			continue
		}
		deleted++

		p.logger.Debug().
			Str("session_id", info.ID).
			Str("status", info.Status).
			Dur("age", time.Since(info.UpdatedAt)).
			Msg("Session pruned")
	}

	if deleted > 0 {
		observability.RecordPruned(deleted)
		p.logger.Info().Int("deleted", deleted).Msg("Pruned finished sessions")
	}
	return deleted, nil
}
