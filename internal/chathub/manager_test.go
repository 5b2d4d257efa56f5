package chathub_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"vidmatch/backend/internal/chathub"
	"vidmatch/backend/internal/chatledger"
	"vidmatch/backend/internal/matchqueue"
	"vidmatch/backend/internal/models"
	"vidmatch/backend/internal/report"
	"vidmatch/backend/internal/session"
)

func createTestHub(storageMock *MockStorage) *chathub.ManagerService {
	tracker := session.NewTracker()
	ledger := chatledger.New()
	queue := matchqueue.New(tracker, storageMock)
	reports := report.NewService(storageMock)
	return chathub.NewManagerService(storageMock, ledger, queue, tracker, reports)
}

func register(hub *chathub.ManagerService, client *MockClient) {
	hub.RegisterCh <- client
	time.Sleep(50 * time.Millisecond)
}

func decodeAck(t *testing.T, env models.Envelope) models.Ack {
	t.Helper()
	var ack models.Ack
	assert.NoError(t, json.Unmarshal(env.Payload, &ack))
	return ack
}

func request(t *testing.T, hub *chathub.ManagerService, client *MockClient, seq uint64, eventType string, payload any) models.Ack {
	t.Helper()
	hub.Submit(client, models.NewEnvelope(eventType, seq, payload))
	env := client.waitFor(t, models.EvtAck)
	assert.Equal(t, seq, env.Seq)
	return decodeAck(t, env)
}

func TestManager_RegisterUnregister(t *testing.T) {
	storageMock := new(MockStorage)
	hub := createTestHub(storageMock)
	storageMock.On("GetActiveRoomIDForUser", "user_A").Return("", nil)
	storageMock.On("RemoveFromSearchQueue", "user_A").Return(nil)

	go hub.Run()

	clientA := newMockClient("user_A")
	register(hub, clientA)
	assert.Equal(t, 1, hub.ClientCount())

	hub.UnregisterCh <- clientA
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestManager_RegisterRebindsActiveRoom(t *testing.T) {
	storageMock := new(MockStorage)
	hub := createTestHub(storageMock)
	storageMock.On("GetActiveRoomIDForUser", "user_A").Return("room9", nil)
	storageMock.On("GetChatHistoryPage", "room9", mock.AnythingOfType("time.Time"), mock.AnythingOfType("int")).
		Return([]models.ChatHistory{
			{ID: "m1", RoomID: "room9", SenderID: "user_B", Content: "are you back?", Kind: models.KindText, CreatedAt: time.Now()},
		}, nil)

	go hub.Run()

	clientA := newMockClient("user_A")
	register(hub, clientA)
	assert.Equal(t, "room9", clientA.GetRoomID(), "a reconnecting client must be rebound to its live room")

	// The latest history page is redelivered and lands in the ledger.
	env := clientA.waitFor(t, models.EvtMessageReceived)
	var msg models.ChatMessage
	assert.NoError(t, json.Unmarshal(env.Payload, &msg))
	assert.Equal(t, "m1", msg.ID)
	assert.Len(t, hub.Ledger.Messages("room9"), 1)

	// Paged-in rows are redelivery, not new traffic.
	assert.Equal(t, 0, hub.Ledger.UnreadCount("room9", "user_A"))
}

func TestManager_MatchFlow(t *testing.T) {
	storageMock := new(MockStorage)
	hub := createTestHub(storageMock)
	mediaMock := new(MockMedia)
	hub.SetMedia(mediaMock)

	storageMock.On("GetActiveRoomIDForUser", mock.AnythingOfType("string")).Return("", nil)
	storageMock.On("AddToSearchQueue", "user_A").Return(nil)
	storageMock.On("SaveRoom", mock.AnythingOfType("*models.ChatRoom")).Return(nil)
	storageMock.On("RemoveFromSearchQueue", mock.AnythingOfType("string")).Return(nil)
	mediaMock.On("Negotiate", mock.AnythingOfType("*models.ChatRoom")).Return(nil)

	go hub.Run()

	clientA := newMockClient("user_A")
	clientB := newMockClient("user_B")
	register(hub, clientA)
	register(hub, clientB)

	ack := request(t, hub, clientA, 1, models.EvtCreateMatchRequest, models.CreateMatchRequestPayload{Category: "music"})
	assert.True(t, ack.Success)
	storageMock.AssertCalled(t, "AddToSearchQueue", "user_A")

	ack = request(t, hub, clientB, 1, models.EvtCreateMatchRequest, models.CreateMatchRequestPayload{Category: "music"})
	assert.True(t, ack.Success)

	envA := clientA.waitFor(t, models.EvtMatchFound)
	envB := clientB.waitFor(t, models.EvtMatchFound)

	var foundA, foundB models.MatchFoundPayload
	assert.NoError(t, json.Unmarshal(envA.Payload, &foundA))
	assert.NoError(t, json.Unmarshal(envB.Payload, &foundB))
	assert.Equal(t, foundA.RoomID, foundB.RoomID)
	assert.Equal(t, "user_B", foundA.PartnerID)
	assert.Equal(t, "user_A", foundB.PartnerID)

	assert.Equal(t, foundA.RoomID, clientA.GetRoomID())
	assert.Equal(t, session.Matched, hub.Tracker.State("user_A"))
	assert.Equal(t, session.Matched, hub.Tracker.State("user_B"))
	mediaMock.AssertCalled(t, "Negotiate", mock.AnythingOfType("*models.ChatRoom"))
}

func TestManager_DoubleEnqueueNacked(t *testing.T) {
	storageMock := new(MockStorage)
	hub := createTestHub(storageMock)
	storageMock.On("GetActiveRoomIDForUser", "user_A").Return("", nil)
	storageMock.On("AddToSearchQueue", "user_A").Return(nil)

	go hub.Run()

	clientA := newMockClient("user_A")
	register(hub, clientA)

	ack := request(t, hub, clientA, 1, models.EvtCreateMatchRequest, models.CreateMatchRequestPayload{Category: "music"})
	assert.True(t, ack.Success)

	ack = request(t, hub, clientA, 2, models.EvtCreateMatchRequest, models.CreateMatchRequestPayload{Category: "music"})
	assert.False(t, ack.Success, "a second request while waiting must be rejected")
	assert.Equal(t, 1, hub.Queue.Depth())
}

func TestManager_CancelMatch(t *testing.T) {
	storageMock := new(MockStorage)
	hub := createTestHub(storageMock)
	storageMock.On("GetActiveRoomIDForUser", "user_A").Return("", nil)
	storageMock.On("AddToSearchQueue", "user_A").Return(nil)
	storageMock.On("RemoveFromSearchQueue", "user_A").Return(nil)

	go hub.Run()

	clientA := newMockClient("user_A")
	register(hub, clientA)

	ack := request(t, hub, clientA, 1, models.EvtCreateMatchRequest, models.CreateMatchRequestPayload{Category: "music"})
	assert.True(t, ack.Success)

	ack = request(t, hub, clientA, 2, models.EvtCancelMatchRequest, models.CancelMatchRequestPayload{Category: "music"})
	assert.True(t, ack.Success)
	assert.Equal(t, 0, hub.Queue.Depth())
	assert.Equal(t, session.Idle, hub.Tracker.State("user_A"))
	storageMock.AssertCalled(t, "RemoveFromSearchQueue", "user_A")
}

func TestManager_SendMessageDeduplicates(t *testing.T) {
	storageMock := new(MockStorage)
	hub := createTestHub(storageMock)
	storageMock.On("GetActiveRoomIDForUser", mock.AnythingOfType("string")).Return("room1", nil)
	storageMock.On("GetChatHistoryPage", "room1", mock.AnythingOfType("time.Time"), mock.AnythingOfType("int")).Return([]models.ChatHistory{}, nil)
	storageMock.On("SaveMessage", mock.AnythingOfType("*models.ChatHistory")).Return(nil)
	// Publish failing forces the local fan-out path, so delivery is
	// observable without a Redis round trip.
	storageMock.On("PublishMessage", "room1", mock.AnythingOfType("models.ChatMessage")).Return(errors.New("redis down"))

	go hub.Run()

	clientA := newMockClient("user_A")
	clientB := newMockClient("user_B")
	register(hub, clientA)
	register(hub, clientB)

	payload := models.SendMessagePayload{ID: "m1", RoomID: "room1", Content: "hello"}
	ack := request(t, hub, clientA, 1, models.EvtSendMessage, payload)
	assert.True(t, ack.Success)

	env := clientB.waitFor(t, models.EvtMessageReceived)
	var msg models.ChatMessage
	assert.NoError(t, json.Unmarshal(env.Payload, &msg))
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "user_A", msg.SenderID)
	assert.Equal(t, models.KindText, msg.Kind)
	assert.False(t, msg.CreatedAt.IsZero(), "timestamp must be server-assigned")

	// Redelivery of the same message ID acks success without persisting or
	// fanning out again.
	ack = request(t, hub, clientA, 2, models.EvtSendMessage, payload)
	assert.True(t, ack.Success)
	storageMock.AssertNumberOfCalls(t, "SaveMessage", 1)
	assert.Len(t, hub.Ledger.Messages("room1"), 1)
}

func TestManager_SendMessageRejectsNonMember(t *testing.T) {
	storageMock := new(MockStorage)
	hub := createTestHub(storageMock)
	storageMock.On("GetActiveRoomIDForUser", "user_A").Return("", nil)

	go hub.Run()

	clientA := newMockClient("user_A")
	register(hub, clientA)

	ack := request(t, hub, clientA, 1, models.EvtSendMessage, models.SendMessagePayload{
		ID: "m1", RoomID: "someone-elses-room", Content: "hi",
	})
	assert.False(t, ack.Success)
	storageMock.AssertNotCalled(t, "SaveMessage", mock.Anything)
}

func TestManager_TypingRelayedToPartner(t *testing.T) {
	storageMock := new(MockStorage)
	hub := createTestHub(storageMock)
	room := &models.ChatRoom{RoomID: "room1", User1ID: "user_A", User2ID: "user_B", IsActive: true}
	storageMock.On("GetActiveRoomIDForUser", mock.AnythingOfType("string")).Return("room1", nil)
	storageMock.On("GetChatHistoryPage", "room1", mock.AnythingOfType("time.Time"), mock.AnythingOfType("int")).Return([]models.ChatHistory{}, nil)
	storageMock.On("GetRoomByID", "room1").Return(room, nil)

	go hub.Run()

	clientA := newMockClient("user_A")
	clientB := newMockClient("user_B")
	register(hub, clientA)
	register(hub, clientB)

	ack := request(t, hub, clientA, 1, models.EvtTypingStart, models.TypingPayload{RoomID: "room1"})
	assert.True(t, ack.Success)

	env := clientB.waitFor(t, models.EvtTypingStart)
	var typing models.TypingPayload
	assert.NoError(t, json.Unmarshal(env.Payload, &typing))
	assert.Equal(t, "user_A", typing.ParticipantID)
	assert.Contains(t, hub.Ledger.Typing("room1"), "user_A")

	ack = request(t, hub, clientA, 2, models.EvtTypingStop, models.TypingPayload{RoomID: "room1"})
	assert.True(t, ack.Success)
	clientB.waitFor(t, models.EvtTypingStop)
	assert.Empty(t, hub.Ledger.Typing("room1"))
}

func TestManager_HangupEndsSession(t *testing.T) {
	storageMock := new(MockStorage)
	hub := createTestHub(storageMock)
	mediaMock := new(MockMedia)
	hub.SetMedia(mediaMock)

	room := &models.ChatRoom{RoomID: "room1", User1ID: "user_A", User2ID: "user_B", IsActive: true}
	storageMock.On("GetActiveRoomIDForUser", mock.AnythingOfType("string")).Return("room1", nil)
	storageMock.On("GetChatHistoryPage", "room1", mock.AnythingOfType("time.Time"), mock.AnythingOfType("int")).Return([]models.ChatHistory{}, nil)
	storageMock.On("GetRoomByID", "room1").Return(room, nil)
	storageMock.On("CloseRoom", "room1").Return(nil)
	mediaMock.On("Teardown", "room1").Return()

	go hub.Run()

	clientA := newMockClient("user_A")
	clientB := newMockClient("user_B")
	register(hub, clientA)
	register(hub, clientB)

	ack := request(t, hub, clientA, 1, models.EvtHangup, models.HangupPayload{RoomID: "room1"})
	assert.True(t, ack.Success)

	envA := clientA.waitFor(t, models.EvtMatchEnd)
	envB := clientB.waitFor(t, models.EvtMatchEnd)
	var end models.MatchEndPayload
	assert.NoError(t, json.Unmarshal(envA.Payload, &end))
	assert.Equal(t, "hangup", end.Reason)
	assert.NoError(t, json.Unmarshal(envB.Payload, &end))
	assert.Equal(t, "room1", end.RoomID)

	assert.Equal(t, "", clientA.GetRoomID())
	assert.Equal(t, "", clientB.GetRoomID())
	mediaMock.AssertCalled(t, "Teardown", "room1")
	storageMock.AssertCalled(t, "CloseRoom", "room1")
	assert.Nil(t, hub.Ledger.Messages("room1"))
}

func TestManager_ReportPartner(t *testing.T) {
	storageMock := new(MockStorage)
	hub := createTestHub(storageMock)
	room := &models.ChatRoom{RoomID: "room1", User1ID: "user_A", User2ID: "user_B", IsActive: true}
	storageMock.On("GetActiveRoomIDForUser", "user_A").Return("room1", nil)
	storageMock.On("GetChatHistoryPage", "room1", mock.AnythingOfType("time.Time"), mock.AnythingOfType("int")).Return([]models.ChatHistory{}, nil)
	storageMock.On("GetRoomByID", "room1").Return(room, nil)
	storageMock.On("SaveReport", mock.AnythingOfType("*models.Report")).Return(nil)

	go hub.Run()

	clientA := newMockClient("user_A")
	register(hub, clientA)

	ack := request(t, hub, clientA, 1, models.EvtReportPartner, models.ReportPartnerPayload{RoomID: "room1", Reason: "abusive"})
	assert.True(t, ack.Success)
	storageMock.AssertCalled(t, "SaveReport", mock.MatchedBy(func(r *models.Report) bool {
		return r.TargetID == "user_B" && r.ReporterID == "user_A"
	}))
}

func TestManager_UnsupportedEventNacked(t *testing.T) {
	storageMock := new(MockStorage)
	hub := createTestHub(storageMock)
	storageMock.On("GetActiveRoomIDForUser", "user_A").Return("", nil)

	go hub.Run()

	clientA := newMockClient("user_A")
	register(hub, clientA)

	ack := request(t, hub, clientA, 1, "time-travel", nil)
	assert.False(t, ack.Success)
	assert.Equal(t, "unsupported event type", ack.Message)
}

func TestManager_DisconnectReleasesQueueSlot(t *testing.T) {
	storageMock := new(MockStorage)
	hub := createTestHub(storageMock)
	storageMock.On("GetActiveRoomIDForUser", "user_A").Return("", nil)
	storageMock.On("AddToSearchQueue", "user_A").Return(nil)
	storageMock.On("RemoveFromSearchQueue", "user_A").Return(nil)

	go hub.Run()

	clientA := newMockClient("user_A")
	register(hub, clientA)

	ack := request(t, hub, clientA, 1, models.EvtCreateMatchRequest, models.CreateMatchRequestPayload{Category: "music"})
	assert.True(t, ack.Success)
	assert.Equal(t, 1, hub.Queue.Depth())

	hub.UnregisterCh <- clientA
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, hub.Queue.Depth(), "a dropped connection must release its queue slot")
	assert.Equal(t, session.Idle, hub.Tracker.State("user_A"))
}

// closingSendClient closes its receive channel on Close; an ack or push
// written after unregister would then panic the dispatcher.
type closingSendClient struct {
	*MockClient
}

func (c *closingSendClient) Close() { close(c.Recv) }

func TestManager_StaleFrameAfterUnregisterDropped(t *testing.T) {
	storageMock := new(MockStorage)
	hub := createTestHub(storageMock)
	storageMock.On("GetActiveRoomIDForUser", mock.AnythingOfType("string")).Return("", nil)
	storageMock.On("RemoveFromSearchQueue", mock.AnythingOfType("string")).Return(nil)

	go hub.Run()

	clientA := &closingSendClient{MockClient: newMockClient("user_A")}
	hub.RegisterCh <- clientA
	time.Sleep(50 * time.Millisecond)

	hub.UnregisterCh <- clientA
	time.Sleep(50 * time.Millisecond)

	// A frame read off the wire before the disconnect dispatches after it.
	// It must be dropped, not answered over the dead connection.
	hub.Submit(clientA, models.NewEnvelope(models.EvtMarkMessagesRead, 1, models.MarkReadPayload{RoomID: "room1"}))
	time.Sleep(50 * time.Millisecond)

	// The dispatcher survived and keeps serving connected clients.
	clientB := newMockClient("user_B")
	register(hub, clientB)
	ack := request(t, hub, clientB, 1, models.EvtMarkMessagesRead, models.MarkReadPayload{RoomID: "room1"})
	assert.True(t, ack.Success)
}

func TestManager_MediaOfferAnswered(t *testing.T) {
	storageMock := new(MockStorage)
	hub := createTestHub(storageMock)
	mediaMock := new(MockMedia)
	hub.SetMedia(mediaMock)

	storageMock.On("GetActiveRoomIDForUser", "user_A").Return("room1", nil)
	storageMock.On("GetChatHistoryPage", "room1", mock.AnythingOfType("time.Time"), mock.AnythingOfType("int")).Return([]models.ChatHistory{}, nil)
	mediaMock.On("HandleOffer", "room1", "user_A", "offer-sdp").Return("answer-sdp", nil)

	go hub.Run()

	clientA := newMockClient("user_A")
	register(hub, clientA)

	ack := request(t, hub, clientA, 1, models.EvtMediaOffer, models.MediaSDPPayload{RoomID: "room1", SDP: "offer-sdp"})
	assert.True(t, ack.Success)
	var answer models.MediaSDPPayload
	assert.NoError(t, json.Unmarshal(ack.Data, &answer))
	assert.Equal(t, "answer-sdp", answer.SDP)
}
