package storage

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"vidmatch/backend/internal/models"
)

type Storage interface {
	GetOrCreateUserByDevice(deviceID string) (*models.User, error)
	GetUserByID(userID string) (*models.User, error)
	SaveUser(user *models.User) error
	UpdateUserRating(userID string, delta int) error

	SaveRoom(room *models.ChatRoom) error
	CloseRoom(roomID string) error
	GetRoomByID(roomID string) (*models.ChatRoom, error)
	GetActiveRoomIDs() ([]string, error)
	GetActiveRoomIDForUser(userID string) (string, error)

	SaveMessage(msg *models.ChatHistory) error
	GetChatHistoryPage(roomID string, before time.Time, limit int) ([]models.ChatHistory, error)

	SaveReport(report *models.Report) error
	GetReportByID(reportID uint) (*models.Report, error)
	GetReportsForUser(userID string, since time.Time) ([]models.Report, error)

	PublishMessage(roomID string, msg models.ChatMessage) error

	AddToSearchQueue(userID string) error
	RemoveFromSearchQueue(userID string) error
	GetSearchingUsers() ([]string, error)

	IncrWithTTL(key string, ttl time.Duration) (int64, error)
	StoreRefreshToken(participantID, jti string, ttl time.Duration) error
	IsRefreshTokenActive(participantID, jti string) (bool, error)
	RevokeRefreshToken(participantID, jti string) error
}

type Service struct {
	DB    *gorm.DB
	Redis *redis.Client
	Ctx   context.Context
}

// NewStorageService Constructor
func NewStorageService(db *gorm.DB, rdb *redis.Client) *Service {
	return &Service{
		DB:    db,
		Redis: rdb,
		Ctx:   context.Background(),
	}
}

// GetOrCreateUserByDevice finds the participant for a persisted device ID,
// creating the row on first contact.
func (s *Service) GetOrCreateUserByDevice(deviceID string) (*models.User, error) {
	var user models.User
	defaults := models.User{DeviceID: deviceID}

	result := s.DB.Where("device_id = ?", deviceID).FirstOrCreate(&user, defaults)
	if result.Error != nil {
		log.Printf("ERROR: Failed to save user for device %s: %v", deviceID, result.Error)
		return nil, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("INFO: New participant %s created for device %s", user.ID, deviceID)
	}
	return &user, nil
}

func (s *Service) GetUserByID(userID string) (*models.User, error) {
	var user models.User
	err := s.DB.Where("id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Service) SaveUser(user *models.User) error {
	return s.DB.Save(user).Error
}

func (s *Service) UpdateUserRating(userID string, delta int) error {
	return s.DB.Model(&models.User{}).
		Where("id = ?", userID).
		Update("rating_score", gorm.Expr("rating_score + ?", delta)).Error
}

func (s *Service) SaveRoom(room *models.ChatRoom) error {
	return s.DB.Save(room).Error
}

// CloseRoom marks the room terminal. Closing an already closed room is
// harmless.
func (s *Service) CloseRoom(roomID string) error {
	return s.DB.Model(&models.ChatRoom{}).
		Where("room_id = ?", roomID).
		Updates(map[string]interface{}{
			"is_active": false,
			"ended_at":  gorm.Expr("NOW()"),
		}).Error
}

func (s *Service) GetRoomByID(roomID string) (*models.ChatRoom, error) {
	var room models.ChatRoom
	err := s.DB.Where("room_id = ?", roomID).First(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.New("chat room not found")
	}
	if err != nil {
		log.Printf("ERROR: Failed to get room %s: %v", roomID, err)
		return nil, err
	}
	return &room, nil
}

func (s *Service) GetActiveRoomIDs() ([]string, error) {
	var roomIDs []string
	if err := s.DB.Model(&models.ChatRoom{}).
		Where("is_active = ?", true).
		Pluck("room_id", &roomIDs).Error; err != nil {
		log.Printf("ERROR: Failed to retrieve active RoomIDs: %v", err)
		return nil, err
	}
	return roomIDs, nil
}

func (s *Service) GetActiveRoomIDForUser(userID string) (string, error) {
	var room models.ChatRoom
	err := s.DB.Where("is_active = ?", true).
		Where("user1_id = ? OR user2_id = ?", userID, userID).
		First(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		log.Printf("ERROR: Failed to find active room for user %s: %v", userID, err)
		return "", err
	}
	return room.RoomID, nil
}

func (s *Service) SaveMessage(msg *models.ChatHistory) error {
	if err := s.DB.Create(msg).Error; err != nil {
		log.Printf("ERROR: Failed to save message %s for room %s: %v", msg.ID, msg.RoomID, err)
		return err
	}
	return nil
}

// GetChatHistoryPage loads up to limit messages older than the cursor, in
// (created_at, id) ascending order, for backward history pagination.
func (s *Service) GetChatHistoryPage(roomID string, before time.Time, limit int) ([]models.ChatHistory, error) {
	var page []models.ChatHistory
	q := s.DB.Where("room_id = ?", roomID)
	if !before.IsZero() {
		q = q.Where("created_at < ?", before)
	}
	err := q.Order("created_at desc, id desc").Limit(limit).Find(&page).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return page, nil
		}
		log.Printf("ERROR: Failed to get chat history for room %s: %v", roomID, err)
		return nil, err
	}
	// Reverse into ascending order for the client.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

func (s *Service) SaveReport(report *models.Report) error {
	if report.Status == "" {
		report.Status = models.ReportStatusNew
	}
	result := s.DB.Save(report)
	if result.Error != nil {
		log.Printf("ERROR: Failed to save report for room %s: %v", report.RoomID, result.Error)
		return result.Error
	}
	return nil
}

func (s *Service) GetReportByID(reportID uint) (*models.Report, error) {
	var report models.Report
	err := s.DB.First(&report, reportID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.New("report not found")
	}
	if err != nil {
		return nil, err
	}
	return &report, nil
}

func (s *Service) GetReportsForUser(userID string, since time.Time) ([]models.Report, error) {
	var reports []models.Report
	err := s.DB.Where("target_id = ? AND created_at >= ?", userID, since).Find(&reports).Error
	return reports, err
}

// PublishMessage fans the message out over Redis Pub/Sub so every server
// instance holding a member of the room can push it.
func (s *Service) PublishMessage(roomID string, msg models.ChatMessage) error {
	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.Redis.Publish(s.Ctx, "room:"+roomID, string(msgBytes)).Err()
}

// SubscribeToAllRooms returns the pattern subscription covering every room
// channel.
func (s *Service) SubscribeToAllRooms() *redis.PubSub {
	return s.Redis.PSubscribe(s.Ctx, "room:*")
}

func (s *Service) AddToSearchQueue(userID string) error {
	return s.Redis.SAdd(s.Ctx, "search_queue", userID).Err()
}

func (s *Service) RemoveFromSearchQueue(userID string) error {
	return s.Redis.SRem(s.Ctx, "search_queue", userID).Err()
}

func (s *Service) GetSearchingUsers() ([]string, error) {
	return s.Redis.SMembers(s.Ctx, "search_queue").Result()
}

// IncrWithTTL bumps a sliding counter, setting the expiry when the key is
// first created. Used by the rate-limit guard.
func (s *Service) IncrWithTTL(key string, ttl time.Duration) (int64, error) {
	count, err := s.Redis.Incr(s.Ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := s.Redis.Expire(s.Ctx, key, ttl).Err(); err != nil {
			return count, err
		}
	}
	return count, nil
}

func refreshKey(participantID, jti string) string {
	return "refresh:" + participantID + ":" + jti
}

// StoreRefreshToken records an issued refresh token, keyed by participant +
// token id, for the token's lifetime.
func (s *Service) StoreRefreshToken(participantID, jti string, ttl time.Duration) error {
	return s.Redis.Set(s.Ctx, refreshKey(participantID, jti), "active", ttl).Err()
}

// IsRefreshTokenActive reports whether the token was issued and has not
// been rotated away or revoked.
func (s *Service) IsRefreshTokenActive(participantID, jti string) (bool, error) {
	val, err := s.Redis.Get(s.Ctx, refreshKey(participantID, jti)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == "active", nil
}

// RevokeRefreshToken blacklists the token (rotation or logout).
func (s *Service) RevokeRefreshToken(participantID, jti string) error {
	return s.Redis.Del(s.Ctx, refreshKey(participantID, jti)).Err()
}
