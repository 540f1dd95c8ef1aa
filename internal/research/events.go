// Package research runs the outer control loop: plan queries, drive
// searches, funnel candidate pages through extraction and verification,
// and assemble the final answer set.
package research

import (
	"sync"
	"time"

	"shopnerd/internal/logging"
)

// EventType enumerates the typed progress events a research run emits.
type EventType string

const (
	EventSearchStarted     EventType = "search_started"
	EventCandidateChecking EventType = "candidate_checking"
	EventCandidateAccepted EventType = "candidate_accepted"
	EventCandidateRejected EventType = "candidate_rejected"
	EventProgress          EventType = "progress"
	EventPhaseStarted      EventType = "phase_started"
	EventPhaseComplete     EventType = "phase_complete"
	EventResearchComplete  EventType = "research_complete"
)

// Event is one progress notification. Seq is monotonically increasing
// per emitter.
type Event struct {
	Seq       int            `json:"seq"`
	Type      EventType      `json:"type"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Listener receives events. Delivery is best-effort and in order.
type Listener func(Event)

// Emitter delivers ordered events to an optional listener and mirrors
// them to the research log. Absence of a listener never affects the
// run.
type Emitter struct {
	mu       sync.Mutex
	seq      int
	listener Listener
	history  []Event
}

func NewEmitter(listener Listener) *Emitter {
	return &Emitter{listener: listener}
}

// Emit delivers one event. Events are sequenced and delivered under the
// emitter lock so the listener observes them in order.
func (e *Emitter) Emit(typ EventType, message string, data map[string]any) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.seq++
	ev := Event{
		Seq:       e.seq,
		Type:      typ,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	e.history = append(e.history, ev)
	listener := e.listener
	if listener != nil {
		listener(ev)
	}
	e.mu.Unlock()

	logging.Research("[%d] %s %s", ev.Seq, ev.Type, ev.Message)
}

// History returns a copy of everything emitted so far.
func (e *Emitter) History() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, len(e.history))
	copy(out, e.history)
	return out
}
