package rpc

import (
	"context"
	"sync"
)

// Session is one live or suspended workflow run. A session owns its
// checkpoint thread for its whole lifetime; resume methods find the
// thread through the session id.
type Session struct {
	ID       string
	Kind     string
	ThreadID string

	cancel context.CancelFunc

	// running is true while a goroutine is streaming for this session.
	// A suspended session stays registered but not running, waiting for
	// a resume.
	running bool
}

// Registry tracks sessions by id. Injected into the server rather than
// held as a package global.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	// askSession holds the id of the in-flight ask run. At most one ask
	// runs per process; a second start attempt is refused as busy.
	askSession string
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register adds a session. Returns false when the id is taken by a
// session that is still running or suspended.
func (r *Registry) Register(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID]; exists {
		return false
	}
	r.sessions[s.ID] = s
	return true
}

// Get returns the session for id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Remove deregisters a session.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	if r.askSession == id {
		r.askSession = ""
	}
}

// SetRunning flips the session's running flag, keeping suspended
// sessions registered for resume.
func (r *Registry) SetRunning(id string, running bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.running = running
	}
}

// Reattach binds a new run context to a suspended session and marks it
// running again, for resume.
func (r *Registry) Reattach(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.cancel = cancel
		s.running = true
	}
}

// Resumable reports whether a resume may re-enter the session: it must
// exist and not have a goroutine already streaming for it.
func (r *Registry) Resumable(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return ok && !s.running
}

// AcquireAsk claims the single ask slot for the given session id.
// Returns false while another ask run holds it.
func (r *Registry) AcquireAsk(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.askSession != "" {
		return false
	}
	r.askSession = id
	return true
}

// Cancel cancels the session's run context. Returns false when the
// session does not exist.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	if s.cancel != nil {
		s.cancel()
	}
	return true
}
