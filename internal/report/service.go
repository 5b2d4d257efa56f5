// Package report handles partner reports filed during or right after a
// session, and their effect on the target's rating score.
package report

import (
	"time"

	"vidmatch/backend/internal/config"
	"vidmatch/backend/internal/errs"
	"vidmatch/backend/internal/models"
)

// Store is the slice of the storage layer the report service needs.
type Store interface {
	GetRoomByID(roomID string) (*models.ChatRoom, error)
	SaveReport(report *models.Report) error
	GetReportsForUser(userID string, since time.Time) ([]models.Report, error)
	UpdateUserRating(userID string, delta int) error
}

// Service handles the business logic for reports.
type Service struct {
	Storage Store
}

func NewService(s Store) *Service {
	return &Service{Storage: s}
}

// File records a report from reporter against target for the given room.
// The reporter must actually share the room with the target.
func (s *Service) File(reporterID, roomID, reason string) (*models.Report, error) {
	room, err := s.Storage.GetRoomByID(roomID)
	if err != nil {
		return nil, err
	}
	if !room.Has(reporterID) {
		return nil, errs.NewValidation("room_id", "reporter is not a member of the room")
	}
	target := room.Partner(reporterID)
	if target == "" {
		return nil, errs.NewValidation("room_id", "solo rooms have no partner to report")
	}

	report := &models.Report{
		ReporterID: reporterID,
		TargetID:   target,
		RoomID:     roomID,
		Reason:     reason,
		Status:     models.ReportStatusNew,
	}
	if err := s.Storage.SaveReport(report); err != nil {
		return nil, err
	}
	return report, nil
}

// Confirm marks the report confirmed and applies the rating penalty.
func (s *Service) Confirm(report *models.Report) error {
	report.Status = models.ReportStatusConfirmed
	if err := s.Storage.SaveReport(report); err != nil {
		return err
	}
	return s.Storage.UpdateUserRating(report.TargetID, -config.ConfirmedReportPenalty)
}

// RecentReportCount counts reports filed against the participant in the
// given window.
func (s *Service) RecentReportCount(userID string, window time.Duration) (int, error) {
	reports, err := s.Storage.GetReportsForUser(userID, time.Now().Add(-window))
	if err != nil {
		return 0, err
	}
	return len(reports), nil
}
