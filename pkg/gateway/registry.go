package gateway

import (
	"sort"
	"sync"

	"github.com/harun/personakit/internal/observability"
)

// ClientRegistry indexes stream clients by id and by the session they watch.
// A client watching no session is kept under the empty session id.
type ClientRegistry struct {
	mu        sync.RWMutex
	byID      map[string]*Client
	bySession map[string]map[string]*Client
}

// NewClientRegistry creates an empty registry
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		byID:      make(map[string]*Client),
		bySession: make(map[string]map[string]*Client),
	}
}

// Add registers client, replacing any client with the same id
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	r.removeLocked(client.ID)
	r.byID[client.ID] = client
	watchers := r.bySession[client.SessionID]
	if watchers == nil {
		watchers = make(map[string]*Client)
		r.bySession[client.SessionID] = watchers
	}
	watchers[client.ID] = client
	count := len(r.byID)
	r.mu.Unlock()

	observability.SetStreamClients(count)
}

// Remove unregisters a client
func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	r.removeLocked(clientID)
	count := len(r.byID)
	r.mu.Unlock()

	observability.SetStreamClients(count)
}

func (r *ClientRegistry) removeLocked(clientID string) {
	client, ok := r.byID[clientID]
	if !ok {
		return
	}
	delete(r.byID, clientID)
	watchers := r.bySession[client.SessionID]
	delete(watchers, clientID)
	if len(watchers) == 0 {
		delete(r.bySession, client.SessionID)
	}
}

// Get looks a client up by id
func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	client, ok := r.byID[clientID]
	r.mu.RUnlock()
	return client, ok
}

// GetAll snapshots every client
func (r *ClientRegistry) GetAll() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.byID)
}

// ForSession snapshots the clients watching sessionID
func (r *ClientRegistry) ForSession(sessionID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.bySession[sessionID])
}

// Watched reports whether any client streams sessionID
func (r *ClientRegistry) Watched(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession[sessionID]) > 0
}

// Count returns the number of connected clients
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// GetConnectedClients describes every client, oldest first
func (r *ClientRegistry) GetConnectedClients() []ClientInfo {
	clients := r.GetAll()
	sort.Slice(clients, func(i, j int) bool {
		a, b := clients[i], clients[j]
		if a.ConnectedAt.Equal(b.ConnectedAt) {
			return a.ID < b.ID
		}
		return a.ConnectedAt.Before(b.ConnectedAt)
	})

	infos := make([]ClientInfo, len(clients))
	for i, c := range clients {
		infos[i] = ClientInfo{
			ID:          c.ID,
			SessionID:   c.SessionID,
			ConnectedAt: c.ConnectedAt,
			IPAddress:   c.IPAddress,
		}
	}
	return infos
}

func collect(m map[string]*Client) []*Client {
	out := make([]*Client, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}
