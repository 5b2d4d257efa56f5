package models

import "time"

// ChatRoom binds a matched pair for the duration of a call. User2ID is empty
// for the solo fallback room, which only carries local echo chat.
type ChatRoom struct {
	// RoomID is the unique identifier for the room (UUID).
	RoomID string `gorm:"primaryKey"`
	// User1ID and User2ID are the participant IDs of the pair.
	User1ID string
	User2ID string
	// Category is the game/interest tag both sides were queued under,
	// or the wildcard.
	Category string
	// IsActive indicates whether the room is live.
	IsActive bool
	// StartedAt is when the pair was created by the queue.
	StartedAt time.Time
	// EndedAt is when the room reached terminal state.
	EndedAt time.Time
}

// IsSolo reports whether this is the degenerate one-participant room.
func (r *ChatRoom) IsSolo() bool { return r.User2ID == "" }

// Has reports whether the given participant belongs to the room.
func (r *ChatRoom) Has(participantID string) bool {
	return r.User1ID == participantID || r.User2ID == participantID
}

// Partner returns the other member of the pair, or "" for a solo room.
func (r *ChatRoom) Partner(participantID string) string {
	if r.User1ID == participantID {
		return r.User2ID
	}
	if r.User2ID == participantID {
		return r.User1ID
	}
	return ""
}
