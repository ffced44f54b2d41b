// Package registry tracks the single live session slot per project. It is
// the in-process authority for "is something running for this project" and
// holds the cancel handle the orchestrator uses to stop it.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrBusy is returned by TryClaim while another session holds the
// project's slot.
var ErrBusy = errors.New("project already has an active session")

// ActiveSession is the state of one claimed slot. SessionID and the cancel
// handle are set once the scheduler has created the session row and started
// the runner; until then the slot is claimed but anonymous.
type ActiveSession struct {
	ProjectID string
	SessionID string

	// Recovered slots come from Rebuild after a restart: the session row
	// says running but no goroutine on this process owns it, so there is
	// no cancel handle. The reaper treats recovered slots as reapable.
	Recovered bool

	cancel context.CancelFunc
	stop   bool
}

// Registry is a mutex-guarded map of project ID to active session.
type Registry struct {
	mu     sync.Mutex
	active map[string]*ActiveSession
	logger *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		active: make(map[string]*ActiveSession),
		logger: logger.With("component", "registry"),
	}
}

// TryClaim atomically claims the project's slot. It returns ErrBusy if the
// slot is held, including by a recovered entry that has not been reaped.
func (r *Registry) TryClaim(projectID string) (*ActiveSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, held := r.active[projectID]; held {
		return nil, ErrBusy
	}
	s := &ActiveSession{ProjectID: projectID}
	r.active[projectID] = s
	return s, nil
}

// SetCurrent attaches the session identity and cancel handle to a claimed
// slot. Called by the scheduler once per session within the slot's tenure;
// a slot cycles through sessions during the coding loop.
func (r *Registry) SetCurrent(projectID, sessionID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.active[projectID]
	if !ok {
		return
	}
	s.SessionID = sessionID
	s.cancel = cancel
}

// Release frees the project's slot if it is still held by the same claim.
// Releasing an unheld slot is a no-op, so Release is safe to defer and to
// call from both the scheduler and cancellation paths.
func (r *Registry) Release(projectID string, claim *ActiveSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.active[projectID]; ok && s == claim {
		delete(r.active, projectID)
	}
}

// ReleaseRecovered frees a recovered slot. Used by the reaper after it has
// marked the orphaned session failed.
func (r *Registry) ReleaseRecovered(projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.active[projectID]; ok && s.Recovered {
		delete(r.active, projectID)
	}
}

// Cancel fires the cancel handle of the project's live session, if any.
// It reports whether a handle was fired. Idempotent: context cancellation
// is itself idempotent, and a released slot reports false.
func (r *Registry) Cancel(projectID string) bool {
	r.mu.Lock()
	s, ok := r.active[projectID]
	var cancel context.CancelFunc
	if ok {
		cancel = s.cancel
	}
	r.mu.Unlock()

	if cancel == nil {
		return false
	}
	r.logger.Info("cancelling active session", "project_id", projectID)
	cancel()
	return true
}

// RequestStop marks the slot so the coding loop exits at the next iteration
// boundary instead of starting another session. The in-flight session is
// not interrupted. Reports whether a slot was marked.
func (r *Registry) RequestStop(projectID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.active[projectID]
	if !ok {
		return false
	}
	s.stop = true
	return true
}

// StopRequested reports whether RequestStop has been called on the slot.
func (r *Registry) StopRequested(projectID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.active[projectID]
	return ok && s.stop
}

// Lookup returns the slot for a project, or nil.
func (r *Registry) Lookup(projectID string) *ActiveSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[projectID]
}

// Len returns the number of held slots.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Rebuild seeds the registry from session rows found running at startup.
// The entries carry no cancel handle; they exist so TryClaim refuses the
// project until the reaper settles the orphaned session.
func (r *Registry) Rebuild(entries map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for projectID, sessionID := range entries {
		if _, held := r.active[projectID]; held {
			continue
		}
		r.active[projectID] = &ActiveSession{
			ProjectID: projectID,
			SessionID: sessionID,
			Recovered: true,
		}
		r.logger.Info("recovered active session from store",
			"project_id", projectID, "session_id", sessionID)
	}
}
