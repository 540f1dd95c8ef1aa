package browser

import (
	"sort"
	"sync"
	"time"

	"shopnerd/internal/logging"
)

// SessionStatus is the registry-visible lifecycle state of a session.
type SessionStatus string

const (
	StatusActive  SessionStatus = "active"
	StatusPaused  SessionStatus = "paused"
	StatusClosed  SessionStatus = "closed"
	StatusTimeout SessionStatus = "timeout"
)

// SessionInfo is the registry record for one session. The registry holds
// lookup metadata only; context lifecycle belongs to the SessionManager.
type SessionInfo struct {
	ID             string        `json:"id"`
	UserID         string        `json:"user_id,omitempty"`
	Status         SessionStatus `json:"status"`
	CurrentURL     string        `json:"current_url,omitempty"`
	UserAgent      string        `json:"user_agent,omitempty"`
	Viewport       string        `json:"viewport,omitempty"`
	ViewerURL      string        `json:"viewer_url,omitempty"`
	InterventionID string        `json:"intervention_id,omitempty"`
	PauseReason    string        `json:"pause_reason,omitempty"`
	CloseReason    string        `json:"close_reason,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActivity   time.Time     `json:"last_activity"`
	LastURLUpdate  time.Time     `json:"last_url_update,omitempty"`
}

// Registry is the central directory of live sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*SessionInfo
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*SessionInfo)}
}

// Register adds or replaces a session record.
func (r *Registry) Register(info SessionInfo) {
	now := time.Now()
	if info.CreatedAt.IsZero() {
		info.CreatedAt = now
	}
	info.LastActivity = now
	if info.Status == "" {
		info.Status = StatusActive
	}

	r.mu.Lock()
	r.sessions[info.ID] = &info
	r.mu.Unlock()
	logging.Session("registered session %s (user=%s)", info.ID, info.UserID)
}

// Get returns a copy of the session record.
func (r *Registry) Get(id string) (SessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return SessionInfo{}, false
	}
	return *s, true
}

// UpdateURL records the session's current URL.
func (r *Registry) UpdateURL(id, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	now := time.Now()
	s.CurrentURL = url
	s.LastURLUpdate = now
	s.LastActivity = now
}

// Touch bumps the session's activity timestamp.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.LastActivity = time.Now()
	}
}

// MarkPaused links the session to an open intervention.
func (r *Registry) MarkPaused(id, interventionID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	s.Status = StatusPaused
	s.InterventionID = interventionID
	s.PauseReason = reason
	s.LastActivity = time.Now()
	logging.Session("session %s paused: %s (intervention=%s)", id, reason, interventionID)
}

// MarkResumed clears the intervention linkage and reactivates.
func (r *Registry) MarkResumed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	s.Status = StatusActive
	s.InterventionID = ""
	s.PauseReason = ""
	s.LastActivity = time.Now()
	logging.Session("session %s resumed", id)
}

// Close marks a session closed with a reason. The record remains for
// inspection until Remove.
func (r *Registry) Close(id, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	s.Status = StatusClosed
	s.CloseReason = reason
	s.LastActivity = time.Now()
	logging.Session("session %s closed: %s", id, reason)
}

// Remove drops the record entirely.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// ByStatus returns session copies matching the status, ordered by id.
func (r *Registry) ByStatus(status SessionStatus) []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []SessionInfo
	for _, s := range r.sessions {
		if s.Status == status {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns all session copies, ordered by id.
func (r *Registry) All() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CleanupIdleSessions closes sessions idle longer than the timeout and
// returns their ids. Closed/timeout records are left untouched.
func (r *Registry) CleanupIdleSessions(timeout time.Duration) []string {
	now := time.Now()
	var expired []string

	r.mu.Lock()
	for id, s := range r.sessions {
		if s.Status == StatusClosed || s.Status == StatusTimeout {
			continue
		}
		if now.Sub(s.LastActivity) > timeout {
			s.Status = StatusTimeout
			s.CloseReason = "idle timeout"
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		logging.SessionWarn("session %s timed out", id)
	}
	sort.Strings(expired)
	return expired
}
