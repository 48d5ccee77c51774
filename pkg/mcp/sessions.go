package mcp

import "sync"

// SessionRegistry maps async run tickets to the MCP session that started
// them, so the result can be pushed back when the run finishes.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // ticket -> sessionID
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a ticket with a session.
func (r *SessionRegistry) Register(ticket, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[ticket] = sessionID
}

// SessionFor returns the session waiting on ticket.
func (r *SessionRegistry) SessionFor(ticket string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[ticket]
	return sid, ok
}

// Release forgets a single ticket.
func (r *SessionRegistry) Release(ticket string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, ticket)
}

// Remove deletes every ticket held by sessionID. Called when a session
// disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ticket, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, ticket)
		}
	}
}

// Len reports the number of pending tickets.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
