package sfu

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Router owns all media state for one room.
type Router struct {
	roomID string
	engine *Engine

	mu         sync.Mutex
	transports map[string]*Transport
	producers  map[string]*Producer
	closed     bool
}

// Transport wraps one participant's peer connection.
type Transport struct {
	ParticipantID string
	router        *Router
	pc            *webrtc.PeerConnection

	// cbMu guards the callback fields: pion invokes them from its own
	// goroutines while the coordinator is still registering handlers.
	cbMu          sync.Mutex
	onCandidate   func(webrtc.ICECandidateInit)
	onConnected   func()
	onProducer    func(*Producer)
	onRenegotiate func(webrtc.SessionDescription)

	connected atomic.Bool
}

// Producer is an inbound media track relayed through the router. Pause drops
// packets without touching the peer connection, so mute/unmute never
// triggers renegotiation.
type Producer struct {
	ID            string
	ParticipantID string
	Kind          string
	local         *webrtc.TrackLocalStaticRTP
	paused        atomic.Bool
	closed        atomic.Bool
}

func (p *Producer) Pause()       { p.paused.Store(true) }
func (p *Producer) Resume()      { p.paused.Store(false) }
func (p *Producer) Paused() bool { return p.paused.Load() }
func (p *Producer) Close()       { p.closed.Store(true) }

// CreateTransport builds the peer connection for the participant and
// registers it with the router.
func (r *Router) CreateTransport(participantID string) (*Transport, error) {
	pc, err := r.engine.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: r.engine.iceServers,
	})
	if err != nil {
		return nil, err
	}

	t := &Transport{
		ParticipantID: participantID,
		router:        r,
		pc:            pc,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		t.cbMu.Lock()
		fn := t.onCandidate
		t.cbMu.Unlock()
		if fn != nil {
			fn(c.ToJSON())
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateConnected {
			if t.connected.CompareAndSwap(false, true) {
				t.cbMu.Lock()
				fn := t.onConnected
				t.cbMu.Unlock()
				if fn != nil {
					fn()
				}
			}
		}
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		r.handleRemoteTrack(t, remote)
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		_ = pc.Close()
		return nil, fmt.Errorf("router for room %s is closed", r.roomID)
	}
	r.transports[participantID] = t
	return t, nil
}

// Transport returns the participant's transport, or nil.
func (r *Router) Transport(participantID string) *Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transports[participantID]
}

// Producers returns a snapshot of the room's producers.
func (r *Router) Producers() []*Producer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Producer, 0, len(r.producers))
	for _, p := range r.producers {
		out = append(out, p)
	}
	return out
}

// ProducerByKind finds the participant's producer for a media kind.
func (r *Router) ProducerByKind(participantID, kind string) *Producer {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.producers {
		if p.ParticipantID == participantID && p.Kind == kind {
			return p
		}
	}
	return nil
}

// handleRemoteTrack registers a Producer for the inbound track and pumps its
// RTP into the relayed local copy until the track ends.
func (r *Router) handleRemoteTrack(src *Transport, remote *webrtc.TrackRemote) {
	local, err := webrtc.NewTrackLocalStaticRTP(
		remote.Codec().RTPCodecCapability,
		fmt.Sprintf("%s-%s", src.ParticipantID, remote.ID()),
		src.ParticipantID,
	)
	if err != nil {
		log.Printf("failed to create relay track for %s: %v", src.ParticipantID, err)
		return
	}

	producer := &Producer{
		ID:            uuid.New().String(),
		ParticipantID: src.ParticipantID,
		Kind:          trackKind(remote),
		local:         local,
	}

	r.mu.Lock()
	r.producers[producer.ID] = producer
	r.mu.Unlock()

	src.cbMu.Lock()
	onProducer := src.onProducer
	src.cbMu.Unlock()
	if onProducer != nil {
		onProducer(producer)
	}

	for {
		pkt, _, readErr := remote.ReadRTP()
		if readErr != nil {
			break
		}
		if producer.closed.Load() {
			break
		}
		if producer.paused.Load() {
			continue
		}
		if writeErr := local.WriteRTP(pkt); writeErr != nil {
			break
		}
	}

	r.mu.Lock()
	delete(r.producers, producer.ID)
	r.mu.Unlock()
}

// trackKind maps the webrtc track onto the producer kind. Screen shares are
// announced by the client with a "screen" stream id; everything else is
// plain audio or video.
func trackKind(remote *webrtc.TrackRemote) string {
	if strings.HasPrefix(remote.StreamID(), "screen") {
		return "screen"
	}
	return remote.Kind().String()
}

// Consume attaches the producer's relayed track to the target transport and
// starts a server-initiated renegotiation so the peer receives it.
func (r *Router) Consume(target *Transport, producerID string) error {
	r.mu.Lock()
	producer, ok := r.producers[producerID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown producer %s", producerID)
	}

	sender, err := target.pc.AddTrack(producer.local)
	if err != nil {
		return err
	}
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, readErr := sender.Read(rtcpBuf); readErr != nil {
				return
			}
		}
	}()

	offer, err := target.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := target.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	target.cbMu.Lock()
	onRenegotiate := target.onRenegotiate
	target.cbMu.Unlock()
	if onRenegotiate != nil {
		onRenegotiate(offer)
	}
	return nil
}

func (r *Router) close() {
	r.mu.Lock()
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	for _, p := range r.producers {
		p.Close()
	}
	r.closed = true
	r.mu.Unlock()

	for _, t := range transports {
		_ = t.pc.Close()
	}
}

// OnCandidate registers the trickle-ICE callback.
func (t *Transport) OnCandidate(fn func(webrtc.ICECandidateInit)) {
	t.cbMu.Lock()
	t.onCandidate = fn
	t.cbMu.Unlock()
}

// OnConnected fires once, when the transport first reaches the connected
// state.
func (t *Transport) OnConnected(fn func()) {
	t.cbMu.Lock()
	t.onConnected = fn
	t.cbMu.Unlock()
}

// OnProducer fires for every inbound track the participant starts sending.
func (t *Transport) OnProducer(fn func(*Producer)) {
	t.cbMu.Lock()
	t.onProducer = fn
	t.cbMu.Unlock()
}

// OnRenegotiate receives server-initiated offers created when a track is
// added for consumption.
func (t *Transport) OnRenegotiate(fn func(webrtc.SessionDescription)) {
	t.cbMu.Lock()
	t.onRenegotiate = fn
	t.cbMu.Unlock()
}

// Connected reports whether the transport has reached connected state.
func (t *Transport) Connected() bool { return t.connected.Load() }

// HandleOffer applies a client offer and returns the answer.
func (t *Transport) HandleOffer(sdp string) (string, error) {
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: sdp,
	}); err != nil {
		return "", err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

// HandleAnswer applies the client's answer to a server-initiated offer.
func (t *Transport) HandleAnswer(sdp string) error {
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: sdp,
	})
}

// AddICECandidate applies a trickled candidate from the client.
func (t *Transport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

// Close shuts the peer connection down.
func (t *Transport) Close() error { return t.pc.Close() }
