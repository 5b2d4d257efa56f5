// Package media drives the SFU engine for a matched pair: transports and
// producers are created on match, consumers are attached for the peer, and
// only when both transports reach connected state does the pair move to
// in-call. Any failure before that point tears the whole session down.
package media

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"vidmatch/backend/internal/errs"
	"vidmatch/backend/internal/models"
	"vidmatch/backend/internal/session"
	"vidmatch/backend/internal/sfu"
)

// Pusher delivers a push event to a connected participant. Delivery to a
// participant that is gone is a no-op.
type Pusher interface {
	Push(participantID, event string, payload any)
}

// Ender is notified when the coordinator kills a session; the hub releases
// room state and notifies both sides.
type Ender interface {
	EndSession(room *models.ChatRoom, reason string)
}

type negotiation struct {
	room  *models.ChatRoom
	timer *time.Timer
	done  bool
}

type Coordinator struct {
	engine  *sfu.Engine
	tracker *session.Tracker
	pusher  Pusher
	ender   Ender
	ceiling time.Duration

	mu      sync.Mutex
	pending map[string]*negotiation
}

func NewCoordinator(engine *sfu.Engine, tracker *session.Tracker, pusher Pusher, ceiling time.Duration) *Coordinator {
	return &Coordinator{
		engine:  engine,
		tracker: tracker,
		pusher:  pusher,
		ceiling: ceiling,
		pending: make(map[string]*negotiation),
	}
}

// SetEnder wires the session-end callback (set after construction to break
// the hub/coordinator cycle).
func (c *Coordinator) SetEnder(e Ender) { c.ender = e }

// Negotiate starts media setup for a freshly matched room. It returns once
// transports exist; connecting happens asynchronously, bounded by the
// negotiation ceiling. Solo rooms carry no media and are ignored.
func (c *Coordinator) Negotiate(room *models.ChatRoom) error {
	if room.IsSolo() {
		return nil
	}

	router := c.engine.Router(room.RoomID)
	// Aborting the pending media acquisition tears the room's media state
	// down; the tracker invokes this when the session unwinds.
	abort := context.CancelFunc(func() { c.Teardown(room.RoomID) })

	for _, pid := range []string{room.User1ID, room.User2ID} {
		transport, err := router.CreateTransport(pid)
		if err != nil {
			c.fail(room, "transport-setup-failed")
			return err
		}
		c.wireTransport(room, pid, transport)
		// The pending local media acquisition (permission prompt) on
		// this side is bound to the negotiation context: if the peer
		// leaves first, the prompt result is discarded, not kept for
		// a future pairing.
		c.tracker.SetMediaAbort(pid, abort)
	}

	neg := &negotiation{room: room}
	neg.timer = time.AfterFunc(c.ceiling, func() {
		c.timeout(room)
	})

	c.mu.Lock()
	c.pending[room.RoomID] = neg
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) wireTransport(room *models.ChatRoom, pid string, transport *sfu.Transport) {
	partner := room.Partner(pid)

	transport.OnCandidate(func(candidate webrtc.ICECandidateInit) {
		c.pusher.Push(pid, models.EvtMediaCandidate, candidateWire(room.RoomID, candidate))
	})
	transport.OnRenegotiate(func(offer webrtc.SessionDescription) {
		c.pusher.Push(pid, models.EvtMediaOffer, models.MediaSDPPayload{RoomID: room.RoomID, SDP: offer.SDP})
	})
	transport.OnProducer(func(producer *sfu.Producer) {
		c.pusher.Push(partner, models.EvtNewProducer, models.NewProducerPayload{
			RoomID:     room.RoomID,
			ProducerID: producer.ID,
			Kind:       producer.Kind,
		})
		router := c.engine.LookupRouter(room.RoomID)
		if router == nil {
			return
		}
		target := router.Transport(partner)
		if target == nil {
			return
		}
		if err := router.Consume(target, producer.ID); err != nil {
			log.Printf("consume of producer %s for %s failed: %v", producer.ID, partner, err)
		}
	})
	transport.OnConnected(func() {
		c.checkConnected(room)
	})
}

// checkConnected promotes the pair to in-call once both transports are up.
func (c *Coordinator) checkConnected(room *models.ChatRoom) {
	router := c.engine.LookupRouter(room.RoomID)
	if router == nil {
		return
	}
	t1 := router.Transport(room.User1ID)
	t2 := router.Transport(room.User2ID)
	if t1 == nil || t2 == nil || !t1.Connected() || !t2.Connected() {
		return
	}

	c.mu.Lock()
	neg, ok := c.pending[room.RoomID]
	if !ok || neg.done {
		c.mu.Unlock()
		return
	}
	neg.done = true
	neg.timer.Stop()
	delete(c.pending, room.RoomID)
	c.mu.Unlock()

	for _, pid := range []string{room.User1ID, room.User2ID} {
		if err := c.tracker.Connect(pid); err != nil {
			// The session unwound while the last transport connected.
			c.fail(room, "peer-left")
			return
		}
	}
	for _, pid := range []string{room.User1ID, room.User2ID} {
		c.pusher.Push(pid, models.EvtCallConnected, models.CallConnectedPayload{RoomID: room.RoomID})
	}
	log.Printf("room %s reached in-call", room.RoomID)
}

// timeout fires when the pair failed to reach in-call within the ceiling.
// A half-open negotiation is torn down entirely, never retried silently.
func (c *Coordinator) timeout(room *models.ChatRoom) {
	c.mu.Lock()
	neg, ok := c.pending[room.RoomID]
	if !ok || neg.done {
		c.mu.Unlock()
		return
	}
	neg.done = true
	delete(c.pending, room.RoomID)
	c.mu.Unlock()

	log.Printf("negotiation timed out for room %s: %v", room.RoomID, &errs.NegotiationTimeoutError{RoomID: room.RoomID})
	c.fail(room, "negotiation-timeout")
}

func (c *Coordinator) fail(room *models.ChatRoom, reason string) {
	c.Teardown(room.RoomID)
	if c.ender != nil {
		c.ender.EndSession(room, reason)
	}
}

// PermissionDenied aborts negotiation after the client refused local media
// access. The whole session unwinds to idle.
func (c *Coordinator) PermissionDenied(room *models.ChatRoom, participantID, kind string) error {
	c.mu.Lock()
	if neg, ok := c.pending[room.RoomID]; ok {
		neg.done = true
		neg.timer.Stop()
		delete(c.pending, room.RoomID)
	}
	c.mu.Unlock()

	c.fail(room, "permission-denied")
	return &errs.PermissionDeniedError{ParticipantID: participantID, Kind: kind}
}

// HandleOffer applies a client SDP offer and returns the answer SDP.
func (c *Coordinator) HandleOffer(roomID, participantID, sdp string) (string, error) {
	transport, err := c.transport(roomID, participantID)
	if err != nil {
		return "", err
	}
	return transport.HandleOffer(sdp)
}

// HandleAnswer applies the client's answer to a server-initiated offer.
func (c *Coordinator) HandleAnswer(roomID, participantID, sdp string) error {
	transport, err := c.transport(roomID, participantID)
	if err != nil {
		return err
	}
	return transport.HandleAnswer(sdp)
}

// HandleCandidate applies a trickled ICE candidate.
func (c *Coordinator) HandleCandidate(roomID, participantID string, candidate webrtc.ICECandidateInit) error {
	transport, err := c.transport(roomID, participantID)
	if err != nil {
		return err
	}
	return transport.AddICECandidate(candidate)
}

func (c *Coordinator) transport(roomID, participantID string) (*sfu.Transport, error) {
	router := c.engine.LookupRouter(roomID)
	if router == nil {
		return nil, errs.NewValidation("room_id", "no media session for room")
	}
	transport := router.Transport(participantID)
	if transport == nil {
		return nil, errs.NewValidation("room_id", "no transport for participant")
	}
	return transport, nil
}

// TogglePause pauses or resumes the participant's producer of the given
// kind. Existing producers are reused; tearing down and recreating them on
// every mute would cause renegotiation storms and audible glitches.
func (c *Coordinator) TogglePause(room *models.ChatRoom, participantID, kind string, paused bool) error {
	router := c.engine.LookupRouter(room.RoomID)
	if router == nil {
		return errs.NewValidation("room_id", "no media session for room")
	}
	producer := router.ProducerByKind(participantID, kind)
	if producer == nil {
		return errs.NewValidation("kind", "no producer of that kind")
	}
	if paused {
		producer.Pause()
	} else {
		producer.Resume()
	}
	if partner := room.Partner(participantID); partner != "" {
		c.pusher.Push(partner, models.EvtToggleMedia, models.ToggleMediaPayload{
			RoomID: room.RoomID,
			Kind:   kind,
			Paused: paused,
		})
	}
	return nil
}

// Teardown closes every producer, consumer and transport of the room.
func (c *Coordinator) Teardown(roomID string) {
	c.mu.Lock()
	if neg, ok := c.pending[roomID]; ok {
		neg.done = true
		if neg.timer != nil {
			neg.timer.Stop()
		}
		delete(c.pending, roomID)
	}
	c.mu.Unlock()
	c.engine.CloseRouter(roomID)
}

func candidateWire(roomID string, candidate webrtc.ICECandidateInit) models.MediaCandidatePayload {
	raw, _ := json.Marshal(candidate)
	return models.MediaCandidatePayload{RoomID: roomID, Candidate: raw}
}
