package chathub

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"vidmatch/backend/internal/chatledger"
	"vidmatch/backend/internal/config"
	"vidmatch/backend/internal/errs"
	"vidmatch/backend/internal/matchqueue"
	"vidmatch/backend/internal/models"
	"vidmatch/backend/internal/report"
	"vidmatch/backend/internal/session"
	"vidmatch/backend/internal/storage"
)

// MediaCoordinator is the slice of the media package the hub drives.
type MediaCoordinator interface {
	Negotiate(room *models.ChatRoom) error
	PermissionDenied(room *models.ChatRoom, participantID, kind string) error
	HandleOffer(roomID, participantID, sdp string) (string, error)
	HandleAnswer(roomID, participantID, sdp string) error
	HandleCandidate(roomID, participantID string, candidate webrtc.ICECandidateInit) error
	TogglePause(room *models.ChatRoom, participantID, kind string, paused bool) error
	Teardown(roomID string)
}

// ManagerService owns the client table and routes every inbound frame from
// a single dispatcher goroutine. Queue and session mutations go through the
// queue's own lock; the dispatcher itself never holds it across blocking
// calls.
type ManagerService struct {
	// clientsMu guards Clients: pushes arrive from coordinator timers and
	// pion callbacks, not only from the dispatcher goroutine.
	clientsMu sync.RWMutex
	Clients   map[string]Client

	IncomingCh   chan inbound
	RegisterCh   chan Client
	UnregisterCh chan Client

	Storage storage.Storage
	Ledger  *chatledger.Ledger
	Queue   *matchqueue.Queue
	Tracker *session.Tracker
	Media   MediaCoordinator
	Reports *report.Service

	pubSubCh chan models.ChatMessage

	// typing tracks last typing-start per room/participant so the sweeper
	// can expire stale entries; the ledger itself holds no timers.
	typingMu sync.Mutex
	typing   map[string]map[string]time.Time
}

func NewManagerService(s storage.Storage, ledger *chatledger.Ledger, queue *matchqueue.Queue, tracker *session.Tracker, reports *report.Service) *ManagerService {
	return &ManagerService{
		Clients:      make(map[string]Client),
		IncomingCh:   make(chan inbound, 64),
		RegisterCh:   make(chan Client),
		UnregisterCh: make(chan Client),
		Storage:      s,
		Ledger:       ledger,
		Queue:        queue,
		Tracker:      tracker,
		Reports:      reports,
		pubSubCh:     make(chan models.ChatMessage, 64),
		typing:       make(map[string]map[string]time.Time),
	}
}

// SetMedia wires the coordinator (after construction, both sides reference
// each other).
func (m *ManagerService) SetMedia(media MediaCoordinator) { m.Media = media }

// Submit queues one inbound frame for the dispatcher.
func (m *ManagerService) Submit(client Client, env models.Envelope) {
	m.IncomingCh <- inbound{client: client, env: env}
}

// ClientCount reports the number of connected clients (for /metrics).
func (m *ManagerService) ClientCount() int {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	return len(m.Clients)
}

// Run is the dispatcher loop. One goroutine consumes every event source, so
// handler code needs no locking of the client table.
func (m *ManagerService) Run() {
	for {
		select {
		case client := <-m.RegisterCh:
			m.handleRegister(client)
		case client := <-m.UnregisterCh:
			m.handleUnregister(client)
		case in := <-m.IncomingCh:
			m.dispatch(in)
		case msg := <-m.pubSubCh:
			m.fanOut(msg)
		}
	}
}

func (m *ManagerService) client(participantID string) (Client, bool) {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	c, ok := m.Clients[participantID]
	return c, ok
}

func (m *ManagerService) roomClients(roomID string) []Client {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	var out []Client
	for _, c := range m.Clients {
		if c.GetRoomID() == roomID {
			out = append(out, c)
		}
	}
	return out
}

func (m *ManagerService) handleRegister(client Client) {
	userID := client.GetUserID()
	m.clientsMu.Lock()
	old, had := m.Clients[userID]
	m.Clients[userID] = client
	m.clientsMu.Unlock()
	if had && old != client {
		old.Close()
	}

	// Reconnect mid-conversation: rebind the client to its live room so
	// pushes resume, and redeliver the latest history page. Delivery is
	// at least once; the ledger and the client deduplicate by message ID.
	if roomID, err := m.Storage.GetActiveRoomIDForUser(userID); err == nil && roomID != "" {
		client.SetRoomID(roomID)
		m.Ledger.Join(roomID, userID)
		if page, err := m.Storage.GetChatHistoryPage(roomID, time.Time{}, config.HistoryPageSize); err == nil {
			msgs := make([]models.ChatMessage, 0, len(page))
			for i := range page {
				msgs = append(msgs, page[i].Wire())
			}
			m.Ledger.MergeHistory(roomID, msgs)
			for _, msg := range msgs {
				m.Push(userID, models.EvtMessageReceived, msg)
			}
		}
	}
	log.Printf("client registered: %s", userID)
}

func (m *ManagerService) handleUnregister(client Client) {
	userID := client.GetUserID()
	m.clientsMu.Lock()
	current, ok := m.Clients[userID]
	if !ok || current != client {
		m.clientsMu.Unlock()
		return
	}
	delete(m.Clients, userID)
	m.clientsMu.Unlock()

	// Release whatever the participant held: a queue slot or a session.
	if err := m.Queue.Dequeue(userID); err != nil {
		var conflict *errs.StateConflictError
		if !errors.As(err, &conflict) {
			log.Printf("dequeue on disconnect for %s: %v", userID, err)
		}
	} else if err := m.Storage.RemoveFromSearchQueue(userID); err != nil {
		log.Printf("search queue mirror remove failed for %s: %v", userID, err)
	}
	if roomID := m.Tracker.RoomID(userID); roomID != "" {
		if room, err := m.Storage.GetRoomByID(roomID); err == nil {
			m.EndSession(room, "peer-disconnected")
		}
	}
	m.Tracker.Forget(userID)
	client.Close()
	log.Printf("client unregistered: %s", userID)
}

func (m *ManagerService) dispatch(in inbound) {
	// A frame can still be queued behind its client's unregister, or behind
	// the register of a replacing connection. Answering it would write to a
	// connection that is already torn down, so stale frames are dropped.
	if current, ok := m.client(in.client.GetUserID()); !ok || current != in.client {
		return
	}
	switch in.env.Type {
	case models.EvtCreateMatchRequest:
		m.handleCreateMatch(in)
	case models.EvtCancelMatchRequest:
		m.handleCancelMatch(in)
	case models.EvtSendMessage:
		m.handleSendMessage(in)
	case models.EvtTypingStart, models.EvtTypingStop:
		m.handleTyping(in)
	case models.EvtMarkMessagesRead:
		m.handleMarkRead(in)
	case models.EvtHangup:
		m.handleHangup(in)
	case models.EvtReportPartner:
		m.handleReport(in)
	case models.EvtMediaOffer:
		m.handleMediaOffer(in)
	case models.EvtMediaAnswer:
		m.handleMediaAnswer(in)
	case models.EvtMediaCandidate:
		m.handleMediaCandidate(in)
	case models.EvtToggleMedia:
		m.handleToggleMedia(in)
	case models.EvtMediaPermissionDenied:
		m.handlePermissionDenied(in)
	default:
		m.nack(in, "unsupported event type")
	}
}

func (m *ManagerService) handleCreateMatch(in inbound) {
	var payload models.CreateMatchRequestPayload
	if err := models.DecodePayload(in.env, &payload); err != nil {
		m.nack(in, err.Error())
		return
	}

	userID := in.client.GetUserID()
	_, pairing, err := m.Queue.Enqueue(userID, payload.Category)
	if err != nil {
		m.nack(in, err.Error())
		return
	}
	m.ack(in, nil)

	if pairing == nil {
		if err := m.Storage.AddToSearchQueue(userID); err != nil {
			log.Printf("search queue mirror add failed for %s: %v", userID, err)
		}
		return
	}
	m.commitPairing(pairing.Room)
}

// commitPairing notifies both sides of a fresh room and kicks off media
// negotiation.
func (m *ManagerService) commitPairing(room *models.ChatRoom) {
	members := []string{room.User1ID}
	if !room.IsSolo() {
		members = append(members, room.User2ID)
	}
	for _, pid := range members {
		if err := m.Storage.RemoveFromSearchQueue(pid); err != nil {
			log.Printf("search queue mirror remove failed for %s: %v", pid, err)
		}
		m.Ledger.Join(room.RoomID, pid)
		if client, ok := m.client(pid); ok {
			client.SetRoomID(room.RoomID)
		}
		m.Push(pid, models.EvtMatchFound, models.MatchFoundPayload{
			RoomID:    room.RoomID,
			PartnerID: room.Partner(pid),
			Category:  room.Category,
		})
	}

	if room.IsSolo() || m.Media == nil {
		return
	}
	// Transports are local objects; connecting happens asynchronously
	// under the coordinator's ceiling, so this cannot stall the loop.
	if err := m.Media.Negotiate(room); err != nil {
		log.Printf("negotiation setup failed for room %s: %v", room.RoomID, err)
	}
}

func (m *ManagerService) handleCancelMatch(in inbound) {
	var payload models.CancelMatchRequestPayload
	if err := models.DecodePayload(in.env, &payload); err != nil {
		m.nack(in, err.Error())
		return
	}
	userID := in.client.GetUserID()
	if err := m.Queue.Dequeue(userID); err != nil {
		// Pairing already committed; the match stands.
		m.nack(in, err.Error())
		return
	}
	if err := m.Storage.RemoveFromSearchQueue(userID); err != nil {
		log.Printf("search queue mirror remove failed for %s: %v", userID, err)
	}
	m.ack(in, nil)
}

func (m *ManagerService) handleSendMessage(in inbound) {
	var payload models.SendMessagePayload
	if err := models.DecodePayload(in.env, &payload); err != nil {
		m.nack(in, err.Error())
		return
	}
	userID := in.client.GetUserID()
	if in.client.GetRoomID() != payload.RoomID {
		m.nack(in, "not a member of the room")
		return
	}

	if payload.ID == "" {
		payload.ID = uuid.New().String()
	}
	if payload.Kind == "" {
		payload.Kind = models.KindText
	}

	msg := models.ChatMessage{
		ID:       payload.ID,
		RoomID:   payload.RoomID,
		SenderID: userID,
		Content:  payload.Content,
		Kind:     payload.Kind,
		// Ordering comes from the room's monotonic clock, never from
		// a client-submitted timestamp.
		CreatedAt: m.Ledger.Stamp(payload.RoomID),
	}

	if !m.Ledger.Append(payload.RoomID, msg) {
		// Redelivered copy of a message we already committed.
		m.ack(in, nil)
		return
	}

	row := models.ChatHistory{
		ID:        msg.ID,
		RoomID:    msg.RoomID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		Kind:      msg.Kind,
		CreatedAt: msg.CreatedAt,
	}
	if err := m.Storage.SaveMessage(&row); err != nil {
		m.nack(in, "failed to persist message")
		return
	}
	if err := m.Storage.PublishMessage(msg.RoomID, msg); err != nil {
		log.Printf("publish failed for room %s: %v", msg.RoomID, err)
		// Still deliver locally; remote instances will miss this one.
		m.fanOut(msg)
	}
	m.ack(in, msg)
}

// fanOut pushes a message to the local members of its room. Called for
// frames arriving over Redis Pub/Sub (possibly published by another
// instance) and as a local fallback.
func (m *ManagerService) fanOut(msg models.ChatMessage) {
	m.Ledger.Append(msg.RoomID, msg)
	for _, client := range m.roomClients(msg.RoomID) {
		m.Push(client.GetUserID(), models.EvtMessageReceived, msg)
	}
}

func (m *ManagerService) handleTyping(in inbound) {
	var payload models.TypingPayload
	if err := models.DecodePayload(in.env, &payload); err != nil {
		m.nack(in, err.Error())
		return
	}
	userID := in.client.GetUserID()
	if in.client.GetRoomID() != payload.RoomID {
		m.nack(in, "not a member of the room")
		return
	}

	isTyping := in.env.Type == models.EvtTypingStart
	m.Ledger.SetTyping(payload.RoomID, userID, isTyping)
	m.markTyping(payload.RoomID, userID, isTyping)

	if room, err := m.Storage.GetRoomByID(payload.RoomID); err == nil {
		if partner := room.Partner(userID); partner != "" {
			m.Push(partner, in.env.Type, models.TypingPayload{
				RoomID:        payload.RoomID,
				ParticipantID: userID,
			})
		}
	}
	m.ack(in, nil)
}

func (m *ManagerService) handleMarkRead(in inbound) {
	var payload models.MarkReadPayload
	if err := models.DecodePayload(in.env, &payload); err != nil {
		m.nack(in, err.Error())
		return
	}
	m.Ledger.MarkRead(payload.RoomID, in.client.GetUserID())
	m.ack(in, nil)
}

func (m *ManagerService) handleHangup(in inbound) {
	var payload models.HangupPayload
	if err := models.DecodePayload(in.env, &payload); err != nil {
		m.nack(in, err.Error())
		return
	}
	userID := in.client.GetUserID()
	room, err := m.Storage.GetRoomByID(payload.RoomID)
	if err != nil || !room.Has(userID) {
		m.nack(in, "not a member of the room")
		return
	}
	m.ack(in, nil)
	m.EndSession(room, "hangup")
}

func (m *ManagerService) handleReport(in inbound) {
	var payload models.ReportPartnerPayload
	if err := models.DecodePayload(in.env, &payload); err != nil {
		m.nack(in, err.Error())
		return
	}
	if _, err := m.Reports.File(in.client.GetUserID(), payload.RoomID, payload.Reason); err != nil {
		m.nack(in, err.Error())
		return
	}
	m.ack(in, nil)
}

func (m *ManagerService) handleMediaOffer(in inbound) {
	var payload models.MediaSDPPayload
	if err := models.DecodePayload(in.env, &payload); err != nil {
		m.nack(in, err.Error())
		return
	}
	answer, err := m.Media.HandleOffer(payload.RoomID, in.client.GetUserID(), payload.SDP)
	if err != nil {
		m.nack(in, err.Error())
		return
	}
	m.ack(in, models.MediaSDPPayload{RoomID: payload.RoomID, SDP: answer})
}

func (m *ManagerService) handleMediaAnswer(in inbound) {
	var payload models.MediaSDPPayload
	if err := models.DecodePayload(in.env, &payload); err != nil {
		m.nack(in, err.Error())
		return
	}
	if err := m.Media.HandleAnswer(payload.RoomID, in.client.GetUserID(), payload.SDP); err != nil {
		m.nack(in, err.Error())
		return
	}
	m.ack(in, nil)
}

func (m *ManagerService) handleMediaCandidate(in inbound) {
	var payload models.MediaCandidatePayload
	if err := models.DecodePayload(in.env, &payload); err != nil {
		m.nack(in, err.Error())
		return
	}
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(payload.Candidate, &candidate); err != nil {
		m.nack(in, "malformed ICE candidate")
		return
	}
	if err := m.Media.HandleCandidate(payload.RoomID, in.client.GetUserID(), candidate); err != nil {
		m.nack(in, err.Error())
		return
	}
	m.ack(in, nil)
}

func (m *ManagerService) handleToggleMedia(in inbound) {
	var payload models.ToggleMediaPayload
	if err := models.DecodePayload(in.env, &payload); err != nil {
		m.nack(in, err.Error())
		return
	}
	room, err := m.Storage.GetRoomByID(payload.RoomID)
	if err != nil || !room.Has(in.client.GetUserID()) {
		m.nack(in, "not a member of the room")
		return
	}
	if err := m.Media.TogglePause(room, in.client.GetUserID(), payload.Kind, payload.Paused); err != nil {
		m.nack(in, err.Error())
		return
	}
	m.ack(in, nil)
}

func (m *ManagerService) handlePermissionDenied(in inbound) {
	var payload models.MediaPermissionDeniedPayload
	if err := models.DecodePayload(in.env, &payload); err != nil {
		m.nack(in, err.Error())
		return
	}
	room, err := m.Storage.GetRoomByID(payload.RoomID)
	if err != nil || !room.Has(in.client.GetUserID()) {
		m.nack(in, "not a member of the room")
		return
	}
	m.ack(in, nil)
	if err := m.Media.PermissionDenied(room, in.client.GetUserID(), payload.Kind); err != nil {
		log.Printf("room %s aborted: %v", room.RoomID, err)
	}
}

// EndSession forces the room to terminal state and releases everything it
// held: SFU media, ledger state, room row, participant states. Safe to call
// more than once for the same room.
func (m *ManagerService) EndSession(room *models.ChatRoom, reason string) {
	if m.Media != nil {
		m.Media.Teardown(room.RoomID)
	}
	if err := m.Storage.CloseRoom(room.RoomID); err != nil {
		log.Printf("failed to close room %s: %v", room.RoomID, err)
	}
	m.Ledger.DeleteRoom(room.RoomID)
	m.clearTypingRoom(room.RoomID)

	for _, pid := range []string{room.User1ID, room.User2ID} {
		if pid == "" {
			continue
		}
		m.Tracker.End(pid)
		if client, ok := m.client(pid); ok && client.GetRoomID() == room.RoomID {
			client.SetRoomID("")
		}
		m.Push(pid, models.EvtMatchEnd, models.MatchEndPayload{RoomID: room.RoomID, Reason: reason})
	}
	log.Printf("room %s ended (%s)", room.RoomID, reason)
}

// Push sends a push envelope to a connected participant. A slow client gets
// disconnected instead of blocking the hub.
func (m *ManagerService) Push(participantID, event string, payload any) {
	client, ok := m.client(participantID)
	if !ok {
		return
	}
	env := models.NewEnvelope(event, 0, payload)
	select {
	case client.GetSendChannel() <- env:
	default:
		log.Printf("client %s too slow, dropping connection", participantID)
		// Hand off asynchronously; Push may run on the dispatcher
		// goroutine, which is the UnregisterCh consumer.
		go func() { m.UnregisterCh <- client }()
	}
}

func (m *ManagerService) ack(in inbound, data any) {
	ack := models.Ack{Success: true}
	if data != nil {
		raw, _ := json.Marshal(data)
		ack.Data = raw
	}
	m.sendAck(in, ack)
}

func (m *ManagerService) nack(in inbound, message string) {
	m.sendAck(in, models.Ack{Success: false, Message: message})
}

func (m *ManagerService) sendAck(in inbound, ack models.Ack) {
	env := models.NewEnvelope(models.EvtAck, in.env.Seq, ack)
	select {
	case in.client.GetSendChannel() <- env:
	default:
		log.Printf("dropping ack for slow client %s", in.client.GetUserID())
	}
}
