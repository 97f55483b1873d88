package mcp

import (
	"slices"
	"sync"
)

// SessionRegistry maps tenants to the MCP sessions they called tools from.
// A tenant may be connected through several sessions at once.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]struct{} // userID → sessionIDs
}

// NewSessionRegistry creates an empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]map[string]struct{})}
}

// Register associates a session with a tenant.
func (r *SessionRegistry) Register(userID, sessionID string) {
	if userID == "" || sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[userID]
	if !ok {
		set = make(map[string]struct{})
		r.sessions[userID] = set
	}
	set[sessionID] = struct{}{}
}

// SessionsFor returns the tenant's sessions in a stable order.
func (r *SessionRegistry) SessionsFor(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions[userID]))
	for sid := range r.sessions[userID] {
		ids = append(ids, sid)
	}
	slices.Sort(ids)
	return ids
}

// Remove forgets a session for every tenant. Called when a session
// disconnects or a push finds it gone.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for uid, set := range r.sessions {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.sessions, uid)
		}
	}
}
