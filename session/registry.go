package session

import "sync"

// Registry maps connection IDs to their sessions.
// A connection has at most one live session, that is one that is idle or running.
// A session that is stopping stays in the registry until its cleanup is done, but it no longer counts as live.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: map[string]*Session{}}
}

// Get returns the live session of the connection, or nil if there is none.
func (r *Registry) Get(connID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[connID]
	if s == nil || !s.Status().live() {
		return nil
	}
	return s
}

// Insert registers the session for its connection.
// It fails with ErrSessionActive if the connection already has a live session.
// A session of the same connection that is still being cleaned up is replaced.
func (r *Registry) Insert(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing := r.sessions[s.ConnID]; existing != nil && existing.Status().live() {
		return ErrSessionActive
	}
	r.sessions[s.ConnID] = s
	return nil
}

// Remove removes the session from the registry if it is still the one registered for its connection.
// Removing a session that is not registered is a no-op.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.ConnID] != s {
		return false
	}
	delete(r.sessions, s.ConnID)
	return true
}

// Len returns the number of registered sessions, including the ones being cleaned up.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns the registered sessions at the time of the call.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

func (s Status) live() bool {
	return s == StatusIdle || s == StatusRunning
}
