package daemon

import (
	"context"
	"time"

	"github.com/harun/personakit/pkg/session"
	"github.com/harun/personakit/pkg/storage"
)

const (
	// DefaultMaintenanceInterval is how often the event loop runs
	DefaultMaintenanceInterval = 30 * time.Second

	// DefaultIdleEviction is how long a finished session stays in memory
	DefaultIdleEviction = 10 * time.Minute
)

// EventLoop runs periodic maintenance. Finished sessions and ended
// conversations are dropped from memory once idle; their snapshots stay in
// storage and are restored on demand.
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
	idle     time.Duration
	now      func() time.Time

	// finishedAt records when each id was first seen finished
	finishedAt map[string]time.Time
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon, interval, idle time.Duration) *EventLoop {
	if interval <= 0 {
		interval = DefaultMaintenanceInterval
	}
	if idle < 0 {
		idle = DefaultIdleEviction
	}
	return &EventLoop{
		daemon:     d,
		interval:   interval,
		idle:       idle,
		now:        time.Now,
		finishedAt: make(map[string]time.Time),
	}
}

// Run runs the event loop until ctx is cancelled
func (e *EventLoop) Run(ctx context.Context) {
	log := e.daemon.logger.GetZerolog()
	log.Info().Dur("interval", e.interval).Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks()
		}
	}
}

// processTasks evicts idle finished work and logs engine stats
func (e *EventLoop) processTasks() {
	log := e.daemon.logger.GetZerolog()
	eng := e.daemon.components.Engine

	evicted := 0
	if storage.IsConfigured(eng.Storage()) {
		now := e.now()
		live := make(map[string]bool)

		for _, id := range eng.LiveSessionIDs() {
			live[id] = true
			s, ok := eng.Session(id)
			if ok && s.Status().IsTerminal() && e.expired(id, now) && e.daemon.gatewayServer.Release(id) {
				eng.Forget(id)
				evicted++
			}
		}
		for _, id := range eng.LiveConversationIDs() {
			live[id] = true
			c, ok := eng.Conversation(id)
			if ok && c.Status() == session.ConversationEnded && e.expired(id, now) {
				eng.Forget(id)
				evicted++
			}
		}

		for id := range e.finishedAt {
			if !live[id] {
				delete(e.finishedAt, id)
			}
		}
	}

	log.Debug().
		Int("live_sessions", len(eng.LiveSessionIDs())).
		Int("live_conversations", len(eng.LiveConversationIDs())).
		Int("stream_clients", len(e.daemon.gatewayServer.GetConnectedClients())).
		Int("evicted", evicted).
		Msg("Maintenance tick")
}

// expired marks id as finished and reports whether it has been idle long enough
func (e *EventLoop) expired(id string, now time.Time) bool {
	first, ok := e.finishedAt[id]
	if !ok {
		e.finishedAt[id] = now
		first = now
	}
	return now.Sub(first) >= e.idle
}
