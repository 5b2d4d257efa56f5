package chathub_test

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/mock"

	"vidmatch/backend/internal/models"
)

// MockStorage is a testify mock of the storage.Storage interface.
type MockStorage struct {
	mock.Mock
}

func (m *MockStorage) GetOrCreateUserByDevice(deviceID string) (*models.User, error) {
	args := m.Called(deviceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockStorage) GetUserByID(userID string) (*models.User, error) {
	args := m.Called(userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockStorage) SaveUser(user *models.User) error {
	args := m.Called(user)
	return args.Error(0)
}

func (m *MockStorage) UpdateUserRating(userID string, delta int) error {
	args := m.Called(userID, delta)
	return args.Error(0)
}

func (m *MockStorage) SaveRoom(room *models.ChatRoom) error {
	args := m.Called(room)
	return args.Error(0)
}

func (m *MockStorage) CloseRoom(roomID string) error {
	args := m.Called(roomID)
	return args.Error(0)
}

func (m *MockStorage) GetRoomByID(roomID string) (*models.ChatRoom, error) {
	args := m.Called(roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ChatRoom), args.Error(1)
}

func (m *MockStorage) GetActiveRoomIDs() ([]string, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockStorage) GetActiveRoomIDForUser(userID string) (string, error) {
	args := m.Called(userID)
	return args.String(0), args.Error(1)
}

func (m *MockStorage) SaveMessage(msg *models.ChatHistory) error {
	args := m.Called(msg)
	return args.Error(0)
}

func (m *MockStorage) GetChatHistoryPage(roomID string, before time.Time, limit int) ([]models.ChatHistory, error) {
	args := m.Called(roomID, before, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ChatHistory), args.Error(1)
}

func (m *MockStorage) SaveReport(report *models.Report) error {
	args := m.Called(report)
	return args.Error(0)
}

func (m *MockStorage) GetReportByID(reportID uint) (*models.Report, error) {
	args := m.Called(reportID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Report), args.Error(1)
}

func (m *MockStorage) GetReportsForUser(userID string, since time.Time) ([]models.Report, error) {
	args := m.Called(userID, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Report), args.Error(1)
}

func (m *MockStorage) PublishMessage(roomID string, msg models.ChatMessage) error {
	args := m.Called(roomID, msg)
	return args.Error(0)
}

func (m *MockStorage) AddToSearchQueue(userID string) error {
	args := m.Called(userID)
	return args.Error(0)
}

func (m *MockStorage) RemoveFromSearchQueue(userID string) error {
	args := m.Called(userID)
	return args.Error(0)
}

func (m *MockStorage) GetSearchingUsers() ([]string, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockStorage) IncrWithTTL(key string, ttl time.Duration) (int64, error) {
	args := m.Called(key, ttl)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStorage) StoreRefreshToken(participantID, jti string, ttl time.Duration) error {
	args := m.Called(participantID, jti, ttl)
	return args.Error(0)
}

func (m *MockStorage) IsRefreshTokenActive(participantID, jti string) (bool, error) {
	args := m.Called(participantID, jti)
	return args.Bool(0), args.Error(1)
}

func (m *MockStorage) RevokeRefreshToken(participantID, jti string) error {
	args := m.Called(participantID, jti)
	return args.Error(0)
}

// MockClient is a test double for the chathub.Client interface. The room ID
// is mutex-guarded because the hub goroutine writes it while tests read.
type MockClient struct {
	userID string
	mu     sync.Mutex
	roomID string
	Recv   chan models.Envelope
}

func newMockClient(userID string) *MockClient {
	return &MockClient{
		userID: userID,
		Recv:   make(chan models.Envelope, 32), // Buffered to prevent blocking in tests
	}
}

func (c *MockClient) GetUserID() string { return c.userID }

func (c *MockClient) GetRoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *MockClient) SetRoomID(roomID string) {
	c.mu.Lock()
	c.roomID = roomID
	c.mu.Unlock()
}

func (c *MockClient) GetSendChannel() chan<- models.Envelope { return c.Recv }

func (c *MockClient) Run() {}

func (c *MockClient) Close() {}

// waitFor blocks until a frame of the given type arrives, discarding others.
func (c *MockClient) waitFor(t *testing.T, eventType string) models.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-c.Recv:
			if env.Type == eventType {
				return env
			}
		case <-deadline:
			t.Fatalf("client %s never received %q", c.userID, eventType)
			return models.Envelope{}
		}
	}
}

// MockMedia is a testify mock of the hub's MediaCoordinator dependency.
type MockMedia struct {
	mock.Mock
}

func (m *MockMedia) Negotiate(room *models.ChatRoom) error {
	args := m.Called(room)
	return args.Error(0)
}

func (m *MockMedia) PermissionDenied(room *models.ChatRoom, participantID, kind string) error {
	args := m.Called(room, participantID, kind)
	return args.Error(0)
}

func (m *MockMedia) HandleOffer(roomID, participantID, sdp string) (string, error) {
	args := m.Called(roomID, participantID, sdp)
	return args.String(0), args.Error(1)
}

func (m *MockMedia) HandleAnswer(roomID, participantID, sdp string) error {
	args := m.Called(roomID, participantID, sdp)
	return args.Error(0)
}

func (m *MockMedia) HandleCandidate(roomID, participantID string, candidate webrtc.ICECandidateInit) error {
	args := m.Called(roomID, participantID, candidate)
	return args.Error(0)
}

func (m *MockMedia) TogglePause(room *models.ChatRoom, participantID, kind string, paused bool) error {
	args := m.Called(room, participantID, kind, paused)
	return args.Error(0)
}

func (m *MockMedia) Teardown(roomID string) {
	m.Called(roomID)
}
