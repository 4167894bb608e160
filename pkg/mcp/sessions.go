package mcp

import "sync"

// SessionRegistry maps report IDs to MCP session IDs.
// Populated automatically when tools run against a report.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // reportID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a report ID with a session ID.
// If the report already has a session, it is overwritten (reconnect).
func (r *SessionRegistry) Register(reportID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[reportID] = sessionID
}

// SessionFor returns the session ID recorded for the given report, if any.
func (r *SessionRegistry) SessionFor(reportID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[reportID]
	return sid, ok
}

// Remove deletes all report mappings for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for rid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, rid)
		}
	}
}
