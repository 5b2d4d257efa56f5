package chathub

import (
	"log"
	"time"

	"vidmatch/backend/internal/config"
	"vidmatch/backend/internal/models"
)

// RunSweeper periodically purges match requests older than the wait ceiling
// and expires stale typing entries. The ledger holds no timers; this loop is
// the caller responsible for typing expiry.
func (m *ManagerService) RunSweeper() {
	ticker := time.NewTicker(config.QueueSweepPeriod)
	defer ticker.Stop()

	for range ticker.C {
		for _, req := range m.Queue.PurgeStale(config.MatchWaitCeiling) {
			if err := m.Storage.RemoveFromSearchQueue(req.ParticipantID); err != nil {
				log.Printf("search queue mirror remove failed for %s: %v", req.ParticipantID, err)
			}
			m.Push(req.ParticipantID, models.EvtMatchEnd, models.MatchEndPayload{
				Reason: "wait-timeout",
			})
			log.Printf("purged stale match request from %s (category %s)", req.ParticipantID, req.Category)
		}
		m.expireTyping(config.TypingIdleWindow)
	}
}

// markTyping records or clears the last typing-start time used for expiry.
func (m *ManagerService) markTyping(roomID, participantID string, isTyping bool) {
	m.typingMu.Lock()
	defer m.typingMu.Unlock()
	if isTyping {
		if m.typing[roomID] == nil {
			m.typing[roomID] = make(map[string]time.Time)
		}
		m.typing[roomID][participantID] = time.Now()
		return
	}
	delete(m.typing[roomID], participantID)
}

func (m *ManagerService) clearTypingRoom(roomID string) {
	m.typingMu.Lock()
	delete(m.typing, roomID)
	m.typingMu.Unlock()
}

// expireTyping drops typing entries not refreshed within the idle window and
// notifies the room as if the participant had sent typing-stop.
func (m *ManagerService) expireTyping(window time.Duration) {
	cutoff := time.Now().Add(-window)

	type stale struct{ roomID, participantID string }
	var expired []stale

	m.typingMu.Lock()
	for roomID, members := range m.typing {
		for pid, last := range members {
			if last.Before(cutoff) {
				delete(members, pid)
				expired = append(expired, stale{roomID, pid})
			}
		}
		if len(members) == 0 {
			delete(m.typing, roomID)
		}
	}
	m.typingMu.Unlock()

	for _, e := range expired {
		m.Ledger.SetTyping(e.roomID, e.participantID, false)
		if room, err := m.Storage.GetRoomByID(e.roomID); err == nil {
			if partner := room.Partner(e.participantID); partner != "" {
				m.Push(partner, models.EvtTypingStop, models.TypingPayload{
					RoomID:        e.roomID,
					ParticipantID: e.participantID,
				})
			}
		}
	}
}
