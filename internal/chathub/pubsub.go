package chathub

import (
	"encoding/json"
	"log"

	"vidmatch/backend/internal/models"
	"vidmatch/backend/internal/storage"
)

// StartPubSubListener subscribes to the room channels on Redis and feeds
// received messages into the dispatcher. With several server instances
// behind one Redis, each instance pushes to its own local room members.
func (m *ManagerService) StartPubSubListener() {
	svc, ok := m.Storage.(*storage.Service)
	if !ok {
		// Test doubles carry no Redis connection.
		return
	}
	go func() {
		pubsub := svc.SubscribeToAllRooms()
		defer pubsub.Close()

		for msg := range pubsub.Channel() {
			var chatMsg models.ChatMessage
			if err := json.Unmarshal([]byte(msg.Payload), &chatMsg); err != nil {
				log.Printf("Error unmarshalling Redis message: %v", err)
				continue
			}
			m.pubSubCh <- chatMsg
		}
	}()
}
