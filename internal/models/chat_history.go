package models

import "time"

// Message kinds carried by the ledger.
const (
	KindText         = "text"
	KindCallRequest  = "call-request"
	KindCallResponse = "call-response"
)

// ChatHistory is a saved chat message row. The ID is the globally unique
// message UUID assigned by the sender, which makes redelivered copies
// detectable; CreatedAt is the server-assigned per-room monotonic timestamp
// that defines ordering.
type ChatHistory struct {
	ID string `gorm:"primaryKey"`
	// RoomID is the room the message belongs to.
	RoomID string `gorm:"type:uuid;not null;index:idx_room_msg"`
	// SenderID is the participant who sent the message.
	SenderID string `gorm:"type:text;not null;index:idx_room_msg"`
	// Content is the message body.
	Content string `gorm:"type:text;not null"`
	// Kind is one of KindText, KindCallRequest, KindCallResponse.
	Kind string `gorm:"type:text;not null"`
	// CreatedAt is server-assigned, strictly increasing within a room.
	CreatedAt time.Time `gorm:"index:idx_room_time"`
}

// Wire returns the websocket representation of the row.
func (h *ChatHistory) Wire() ChatMessage {
	return ChatMessage{
		ID:        h.ID,
		RoomID:    h.RoomID,
		SenderID:  h.SenderID,
		Content:   h.Content,
		Kind:      h.Kind,
		CreatedAt: h.CreatedAt,
	}
}
