// Package matchqueue holds the per-category waiting lists and performs the
// atomic pairing step. A single mutex serializes enqueue, cancel and pairing:
// wildcard requests are eligible against every category, so per-category
// locking would not make the cross-list scan atomic.
package matchqueue

import (
	"log"
	"time"

	"sync"

	"github.com/google/uuid"

	"vidmatch/backend/internal/config"
	"vidmatch/backend/internal/models"
	"vidmatch/backend/internal/session"
)

// RoomStore persists the room row created at pairing time.
type RoomStore interface {
	SaveRoom(room *models.ChatRoom) error
}

// SoloCategory creates the degenerate one-participant echo room instead of
// queueing for a partner.
const SoloCategory = "solo"

// Pairing is the committed result of a successful match.
type Pairing struct {
	Room *models.ChatRoom
}

type Queue struct {
	mu      sync.Mutex
	waiting map[string][]*models.MatchRequest
	tracker *session.Tracker
	store   RoomStore
	now     func() time.Time
}

func New(tracker *session.Tracker, store RoomStore) *Queue {
	return &Queue{
		waiting: make(map[string][]*models.MatchRequest),
		tracker: tracker,
		store:   store,
		now:     time.Now,
	}
}

// Enqueue registers a match request for the participant. If a compatible
// request is already waiting, both are removed and a session is created in
// the same step; the returned Pairing is non-nil in that case. Otherwise the
// request joins the category FIFO and the returned MatchRequest is non-nil.
func (q *Queue) Enqueue(participantID, category string) (*models.MatchRequest, *Pairing, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.tracker.BeginWaiting(participantID); err != nil {
		return nil, nil, err
	}

	if category == SoloCategory {
		room := &models.ChatRoom{
			RoomID:    uuid.New().String(),
			User1ID:   participantID,
			Category:  SoloCategory,
			IsActive:  true,
			StartedAt: q.now(),
		}
		if err := q.store.SaveRoom(room); err != nil {
			q.tracker.End(participantID)
			return nil, nil, err
		}
		if err := q.tracker.Pair(room.RoomID, participantID, ""); err != nil {
			q.tracker.End(participantID)
			return nil, nil, err
		}
		return nil, &Pairing{Room: room}, nil
	}

	partner := q.takeOldestCompatible(participantID, category)
	if partner == nil {
		req := &models.MatchRequest{
			ParticipantID: participantID,
			Category:      category,
			QueuedAt:      q.now(),
		}
		q.waiting[category] = append(q.waiting[category], req)
		return req, nil, nil
	}

	roomCategory := category
	if roomCategory == config.WildcardCategory {
		roomCategory = partner.Category
	}
	room := &models.ChatRoom{
		RoomID:    uuid.New().String(),
		User1ID:   partner.ParticipantID,
		User2ID:   participantID,
		Category:  roomCategory,
		IsActive:  true,
		StartedAt: q.now(),
	}
	if err := q.store.SaveRoom(room); err != nil {
		// Pairing never happened: put the partner back at the head of
		// its FIFO and undo our own Waiting entry.
		q.waiting[partner.Category] = append([]*models.MatchRequest{partner}, q.waiting[partner.Category]...)
		q.tracker.End(participantID)
		return nil, nil, err
	}
	if err := q.tracker.Pair(room.RoomID, partner.ParticipantID, participantID); err != nil {
		// Cannot happen while we hold the queue lock, but stay consistent.
		q.waiting[partner.Category] = append([]*models.MatchRequest{partner}, q.waiting[partner.Category]...)
		q.tracker.End(participantID)
		return nil, nil, err
	}

	log.Printf("matched %s and %s in room %s (category %s)", partner.ParticipantID, participantID, room.RoomID, roomCategory)
	return nil, &Pairing{Room: room}, nil
}

// takeOldestCompatible removes and returns the oldest waiting request the
// given participant can pair with, or nil. Compatibility: same category, or
// either side queued under the wildcard.
func (q *Queue) takeOldestCompatible(participantID, category string) *models.MatchRequest {
	var (
		best    *models.MatchRequest
		bestCat string
		bestIdx int
	)
	consider := func(cat string) {
		for i, req := range q.waiting[cat] {
			if req.ParticipantID == participantID {
				continue
			}
			if best == nil || req.QueuedAt.Before(best.QueuedAt) {
				best, bestCat, bestIdx = req, cat, i
			}
			// Entries are FIFO within a list, the first hit is the
			// oldest of that list.
			return
		}
	}

	if category == config.WildcardCategory {
		for cat := range q.waiting {
			consider(cat)
		}
	} else {
		consider(category)
		consider(config.WildcardCategory)
	}
	if best == nil {
		return nil
	}
	q.waiting[bestCat] = append(q.waiting[bestCat][:bestIdx], q.waiting[bestCat][bestIdx+1:]...)
	return best
}

// Dequeue cancels the participant's waiting request. Cancelling when no
// request is active is a no-op; cancelling after a concurrent pairing has
// committed returns the StateConflictError from the tracker so the caller
// knows the match stands.
func (q *Queue) Dequeue(participantID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch q.tracker.State(participantID) {
	case session.Idle:
		return nil
	case session.Waiting:
		if err := q.tracker.CancelWaiting(participantID); err != nil {
			return err
		}
		q.remove(participantID)
		return nil
	default:
		return q.tracker.CancelWaiting(participantID)
	}
}

func (q *Queue) remove(participantID string) {
	for cat, list := range q.waiting {
		for i, req := range list {
			if req.ParticipantID == participantID {
				q.waiting[cat] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// PurgeStale removes entries older than the wait ceiling and returns them so
// the caller can notify the owners. Entries whose owner is no longer Waiting
// (paired in the meantime) are dropped silently.
func (q *Queue) PurgeStale(ceiling time.Duration) []*models.MatchRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-ceiling)
	var purged []*models.MatchRequest
	for cat, list := range q.waiting {
		kept := list[:0]
		for _, req := range list {
			if req.QueuedAt.After(cutoff) {
				kept = append(kept, req)
				continue
			}
			if q.tracker.State(req.ParticipantID) == session.Waiting {
				if err := q.tracker.CancelWaiting(req.ParticipantID); err == nil {
					purged = append(purged, req)
					continue
				}
			}
		}
		q.waiting[cat] = kept
	}
	return purged
}

// Depth returns the total number of waiting requests.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, list := range q.waiting {
		n += len(list)
	}
	return n
}
