package models

import "gorm.io/gorm"

// Report statuses.
const (
	ReportStatusNew       = "new"
	ReportStatusConfirmed = "confirmed"
	ReportStatusDismissed = "dismissed"
)

// Report is filed by a participant against their partner during or right
// after a session.
type Report struct {
	gorm.Model

	ReporterID string `gorm:"type:text;not null;index"`
	TargetID   string `gorm:"type:text;not null;index"`
	RoomID     string `gorm:"type:uuid;not null"`
	Reason     string `gorm:"type:text"`
	Status     string `gorm:"type:text;not null"`
}
