package models

import "time"

// ChatMessage is the wire shape of a chat message. Immutable once appended
// to the ledger.
type ChatMessage struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

// MatchRequest is a waiting entry in the matchmaking queue. It exists from
// the moment a participant asks for a partner until pairing, cancellation or
// the wait ceiling purge.
type MatchRequest struct {
	ParticipantID string    `json:"participant_id"`
	Category      string    `json:"category"`
	QueuedAt      time.Time `json:"queued_at"`
}
