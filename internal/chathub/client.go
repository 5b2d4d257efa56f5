package chathub

import "vidmatch/backend/internal/models"

// Client is the interface for one signaling connection. It abstracts the
// underlying transport so the hub can manage websocket clients and test
// doubles uniformly.
type Client interface {
	// GetUserID returns the participant identity bound at the handshake.
	GetUserID() string
	// GetRoomID returns the room the client is currently in, or "".
	GetRoomID() string
	// SetRoomID assigns the client to a room. Called by the hub when the
	// queue pairs the participant and cleared when the session ends.
	SetRoomID(string)

	// GetSendChannel returns the channel the hub writes outbound frames
	// (acks and pushes) to.
	GetSendChannel() chan<- models.Envelope

	// Run starts the client's read and write pumps.
	Run()
	// Close shuts down the client's connection. It must be safe to call
	// more than once and must leave the send channel writable: the hub can
	// still hold a stale reference after unregistering the client.
	Close()
}

// inbound is one frame read from a client, tagged with its origin.
type inbound struct {
	client Client
	env    models.Envelope
}
