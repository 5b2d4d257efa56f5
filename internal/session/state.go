// Package session tracks the per-participant call lifecycle:
// Idle -> Waiting -> Matched -> InCall -> Idle. Every transition is checked
// against the current state; invalid triggers return a StateConflictError
// and leave the table untouched.
package session

import (
	"context"
	"sync"

	"vidmatch/backend/internal/errs"
)

type State int

const (
	Idle State = iota
	Waiting
	Matched
	InCall
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Waiting:
		return "waiting"
	case Matched:
		return "matched"
	case InCall:
		return "in-call"
	}
	return "unknown"
}

type entry struct {
	state  State
	roomID string
	// abortMedia cancels a pending local media acquisition. Set while
	// Matched; invoked when the session unwinds so a stale permission
	// prompt is never retained for a future pairing.
	abortMedia context.CancelFunc
}

// Tracker is the shared state table, one entry per connected participant.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewTracker() *Tracker {
	return &Tracker{entries: make(map[string]*entry)}
}

func (t *Tracker) get(participantID string) *entry {
	e, ok := t.entries[participantID]
	if !ok {
		e = &entry{state: Idle}
		t.entries[participantID] = e
	}
	return e
}

// State returns the participant's current state (Idle when unknown).
func (t *Tracker) State(participantID string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[participantID]; ok {
		return e.state
	}
	return Idle
}

// RoomID returns the room the participant is currently bound to, if any.
func (t *Tracker) RoomID(participantID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[participantID]; ok {
		return e.roomID
	}
	return ""
}

// BeginWaiting moves Idle -> Waiting (trigger: createMatchRequest).
func (t *Tracker) BeginWaiting(participantID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.get(participantID)
	if e.state != Idle {
		return &errs.StateConflictError{ParticipantID: participantID, From: e.state.String(), Trigger: "createMatchRequest"}
	}
	e.state = Waiting
	return nil
}

// CancelWaiting moves Waiting -> Idle (trigger: cancelMatchRequest). A
// participant already paired by a concurrent enqueue gets a conflict back
// instead of a half-cancelled session.
func (t *Tracker) CancelWaiting(participantID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.get(participantID)
	if e.state != Waiting {
		return &errs.StateConflictError{ParticipantID: participantID, From: e.state.String(), Trigger: "cancelMatchRequest"}
	}
	e.state = Idle
	return nil
}

// Pair moves both participants Waiting -> Matched in one step. If either is
// not Waiting, neither side changes.
func (t *Tracker) Pair(roomID, p1, p2 string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e1 := t.get(p1)
	if e1.state != Waiting {
		return &errs.StateConflictError{ParticipantID: p1, From: e1.state.String(), Trigger: "paired"}
	}
	if p2 != "" {
		e2 := t.get(p2)
		if e2.state != Waiting {
			return &errs.StateConflictError{ParticipantID: p2, From: e2.state.String(), Trigger: "paired"}
		}
		e2.state = Matched
		e2.roomID = roomID
	}
	e1.state = Matched
	e1.roomID = roomID
	return nil
}

// Connect moves Matched -> InCall once media negotiation succeeded.
func (t *Tracker) Connect(participantID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.get(participantID)
	if e.state != Matched {
		return &errs.StateConflictError{ParticipantID: participantID, From: e.state.String(), Trigger: "mediaConnected"}
	}
	e.state = InCall
	e.abortMedia = nil
	return nil
}

// SetMediaAbort registers the cancel function for a pending local media
// acquisition. Only meaningful while Matched.
func (t *Tracker) SetMediaAbort(participantID string, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.get(participantID)
	if e.state == Matched {
		e.abortMedia = cancel
	} else if cancel != nil {
		// Too late: the session already unwound. Discard immediately.
		cancel()
	}
}

// End forces the participant back to Idle from any non-initial state:
// hangup, opponent disconnect, or negotiation failure. A pending media
// acquisition is aborted. Ending an already Idle participant is a no-op.
func (t *Tracker) End(participantID string) {
	t.mu.Lock()
	e, ok := t.entries[participantID]
	if !ok || e.state == Idle {
		t.mu.Unlock()
		return
	}
	abort := e.abortMedia
	e.state = Idle
	e.roomID = ""
	e.abortMedia = nil
	t.mu.Unlock()

	if abort != nil {
		abort()
	}
}

// Forget drops the participant's entry entirely (connection closed).
func (t *Tracker) Forget(participantID string) {
	t.End(participantID)
	t.mu.Lock()
	delete(t.entries, participantID)
	t.mu.Unlock()
}
