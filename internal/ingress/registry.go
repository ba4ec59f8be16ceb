package ingress

import (
	"fmt"
	"sync"
)

// Registry tracks the single in-memory Session bound to each call id.
// Duplicate upgrades for a call id are rejected; entries are removed when the
// session finalises.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add binds s to callSID. Returns an error if a session is already bound.
func (r *Registry) Add(callSID string, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[callSID]; exists {
		return fmt.Errorf("session already active for call %s", callSID)
	}
	r.sessions[callSID] = s
	return nil
}

// Remove deletes the binding for callSID, if any.
func (r *Registry) Remove(callSID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, callSID)
}

// Get returns the session bound to callSID, or nil.
func (r *Registry) Get(callSID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[callSID]
}

// Len reports the number of active sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
