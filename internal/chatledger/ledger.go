// Package chatledger keeps the in-memory, ordered, deduplicated message log
// per room, plus typing presence and unread counters. The transport delivers
// at least once; the ledger makes it exactly once.
package chatledger

import (
	"sort"
	"sync"
	"time"

	"vidmatch/backend/internal/models"
)

type roomLog struct {
	messages []models.ChatMessage
	seen     map[string]struct{}
	typing   map[string]struct{}
	unread   map[string]int
	// lastStamp backs the per-room monotonic clock.
	lastStamp time.Time
}

type Ledger struct {
	mu    sync.Mutex
	rooms map[string]*roomLog
	now   func() time.Time
}

func New() *Ledger {
	return &Ledger{rooms: make(map[string]*roomLog), now: time.Now}
}

func (l *Ledger) room(roomID string) *roomLog {
	r, ok := l.rooms[roomID]
	if !ok {
		r = &roomLog{
			seen:   make(map[string]struct{}),
			typing: make(map[string]struct{}),
			unread: make(map[string]int),
		}
		l.rooms[roomID] = r
	}
	return r
}

// Stamp returns a server-assigned timestamp strictly increasing within the
// room. Client clocks are never trusted for ordering.
func (l *Ledger) Stamp(roomID string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.room(roomID)
	ts := l.now()
	if !ts.After(r.lastStamp) {
		ts = r.lastStamp.Add(time.Microsecond)
	}
	r.lastStamp = ts
	return ts
}

// Append adds one message to the room log. A message whose ID is already
// present is dropped silently (redelivery across a reconnect). Returns true
// if the message was actually appended.
func (l *Ledger) Append(roomID string, msg models.ChatMessage) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.append(l.room(roomID), msg, true)
}

// MergeHistory merges a page of messages paged in from storage into the room
// log, dropping duplicates, and re-sorts the log by (CreatedAt, ID). Paged-in
// rows are not new inbound traffic, so unread counters stay untouched.
// Returns the number of messages actually added.
func (l *Ledger) MergeHistory(roomID string, msgs []models.ChatMessage) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.room(roomID)
	added := 0
	for _, msg := range msgs {
		if l.append(r, msg, false) {
			added++
		}
	}
	return added
}

func (l *Ledger) append(r *roomLog, msg models.ChatMessage, bumpUnread bool) bool {
	if _, dup := r.seen[msg.ID]; dup {
		return false
	}
	r.seen[msg.ID] = struct{}{}
	r.messages = append(r.messages, msg)
	sort.Slice(r.messages, func(i, j int) bool {
		a, b := r.messages[i], r.messages[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if bumpUnread {
		for p := range r.unread {
			if p != msg.SenderID {
				r.unread[p]++
			}
		}
	}
	return true
}

// Join registers a participant for unread accounting in the room.
func (l *Ledger) Join(roomID, participantID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.room(roomID)
	if _, ok := r.unread[participantID]; !ok {
		r.unread[participantID] = 0
	}
}

// Messages returns a copy of the room log in (CreatedAt, ID) order.
func (l *Ledger) Messages(roomID string) []models.ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]models.ChatMessage, len(r.messages))
	copy(out, r.messages)
	return out
}

// MarkRead zeroes the unread counter for the participant in the room.
func (l *Ledger) MarkRead(roomID, participantID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.rooms[roomID]; ok {
		r.unread[participantID] = 0
	}
}

// UnreadCount reports messages not authored by the participant since their
// last MarkRead. Zero for unknown rooms.
func (l *Ledger) UnreadCount(roomID, participantID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.rooms[roomID]; ok {
		return r.unread[participantID]
	}
	return 0
}

// SetTyping adds or removes the participant from the room's typing set. The
// ledger holds no timers; callers expire stale entries after the idle window.
func (l *Ledger) SetTyping(roomID, participantID string, isTyping bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.room(roomID)
	if isTyping {
		r.typing[participantID] = struct{}{}
	} else {
		delete(r.typing, participantID)
	}
}

// Typing returns the current typing set for the room.
func (l *Ledger) Typing(roomID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(r.typing))
	for p := range r.typing {
		out = append(out, p)
	}
	return out
}

// DeleteRoom drops the room's log, typing set and unread counters. Counters
// are defined only while the room exists.
func (l *Ledger) DeleteRoom(roomID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rooms, roomID)
}
