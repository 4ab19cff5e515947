// Package presence holds the in-memory, process-local registry of who is
// currently connected and what they are looking at. Nothing here is ever
// persisted; lifetime is bounded by the duplex session.
package presence

import (
	"sort"
	"sync"
	"time"

	"boardsync-api/domain"
)

// Registry is a concurrency-safe, dependency-injected presence map. It is
// owned by the connection supervisor and passed to the router explicitly —
// there is no package-level singleton, so handlers stay unit-testable.
type Registry struct {
	mu       sync.Mutex
	users    map[string]*domain.PresenceUser
	nextColor int
}

// NewRegistry creates an empty presence registry.
func NewRegistry() *Registry {
	return &Registry{users: make(map[string]*domain.PresenceUser)}
}

// AddUser registers a newly connected client, assigning the next
// round-robin palette color.
func (r *Registry) AddUser(clientID, username string) domain.PresenceUser {
	r.mu.Lock()
	defer r.mu.Unlock()

	color := domain.Palette[r.nextColor%len(domain.Palette)]
	r.nextColor++

	user := &domain.PresenceUser{
		ClientID:    clientID,
		Username:    username,
		Color:       color,
		ConnectedAt: time.Now().UTC(),
	}
	r.users[clientID] = user
	return *user
}

// UpdateUser merges a presence patch into an existing entry. It returns
// (updated, true) on success, or (zero value, false) if clientID is
// unknown — no entry is created for an unrecognized client.
func (r *Registry) UpdateUser(clientID string, patch domain.PresenceUpdatePayload) (domain.PresenceUser, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[clientID]
	if !ok {
		return domain.PresenceUser{}, false
	}

	if patch.Username != "" {
		user.Username = patch.Username
	}
	user.ViewingTask = patch.ViewingTask
	user.EditingTask = patch.EditingTask

	return *user, true
}

// RemoveUser deletes a presence entry, typically on session close.
func (r *Registry) RemoveUser(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, clientID)
}

// GetAllUsers returns a stable snapshot, sorted by ClientID so repeated
// calls and broadcasts are deterministic.
func (r *Registry) GetAllUsers() []domain.PresenceUser {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.PresenceUser, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}
