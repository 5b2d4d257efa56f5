package models

import (
	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// User represents a participant. Anonymous users are identified by a
// persisted device ID; authenticated users additionally carry profile data.
type User struct {
	ID          string         `gorm:"primaryKey" json:"id"`
	DeviceID    string         `gorm:"uniqueIndex" json:"-"`
	DisplayName string         `json:"display_name"`
	PhotoURL    string         `json:"photo_url,omitempty"`
	Interests   pq.StringArray `gorm:"type:text[]" json:"interests,omitempty"`
	RatingScore int            `json:"-"`
}

// BeforeCreate generates a participant UUID when none is set.
func (u *User) BeforeCreate(tx *gorm.DB) (err error) {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return
}
