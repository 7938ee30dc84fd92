package services

import (
	"context"
	"fmt"
	"math"

	"github.com/clinicore/smartplug-telemetry/internal/models"
	"gorm.io/gorm"
)

// ProfileService maintains the rolling per-(user, service, clinic,
// hour-of-day) statistics the benchmark analytics read. Each recorded
// disaggregated usage fact folds incrementally into the matching profile;
// the sample count only ever grows.
type ProfileService struct {
	db *gorm.DB
}

// NewProfileService creates a new profile service
func NewProfileService(db *gorm.DB) *ProfileService {
	return &ProfileService{db: db}
}

// UsageInput is one disaggregated service-execution energy fact
type UsageInput struct {
	SystemID      string  `json:"system_id"`
	ClinicID      string  `json:"clinic_id"`
	UserID        string  `json:"user_id"`
	ServiceID     string  `json:"service_id"`
	AppointmentID string  `json:"appointment_id"`
	UsageID       string  `json:"usage_id"`
	HourBucket    int     `json:"hour_bucket"` // 0-23, hour the service started
	Kwh           float64 `json:"kwh"`
	Minutes       float64 `json:"minutes"`
}

// RecordUsage stores the disaggregated fact and folds it into the
// owning profile in one transaction.
func (s *ProfileService) RecordUsage(ctx context.Context, in UsageInput) (*models.ServiceEnergyUsage, error) {
	if in.SystemID == "" || in.ClinicID == "" || in.UserID == "" || in.ServiceID == "" || in.UsageID == "" {
		return nil, models.NewValidationError("system_id, clinic_id, user_id, service_id and usage_id are required",
			[]string{"system_id", "clinic_id", "user_id", "service_id", "usage_id"})
	}
	if in.HourBucket < 0 || in.HourBucket > 23 {
		return nil, models.NewValidationError("hour_bucket must be between 0 and 23", []string{"hour_bucket"})
	}

	usage := &models.ServiceEnergyUsage{
		SystemID:      in.SystemID,
		ClinicID:      in.ClinicID,
		UserID:        in.UserID,
		ServiceID:     in.ServiceID,
		AppointmentID: in.AppointmentID,
		UsageID:       in.UsageID,
		Kwh:           in.Kwh,
		Minutes:       in.Minutes,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(usage).Error; err != nil {
			return fmt.Errorf("failed to store usage: %w", err)
		}
		return applyToProfile(tx, in)
	})
	if err != nil {
		return nil, err
	}

	return usage, nil
}

// applyToProfile folds one observation into the rolling mean/stddev of
// the matching profile using Welford's update, so no raw history is
// needed to keep the statistics exact.
func applyToProfile(tx *gorm.DB, in UsageInput) error {
	var profile models.UserServiceEnergyProfile
	err := tx.Where(
		"system_id = ? AND clinic_id = ? AND user_id = ? AND service_id = ? AND hour_bucket = ?",
		in.SystemID, in.ClinicID, in.UserID, in.ServiceID, in.HourBucket,
	).First(&profile).Error

	if err == gorm.ErrRecordNotFound {
		profile = models.UserServiceEnergyProfile{
			SystemID:    in.SystemID,
			ClinicID:    in.ClinicID,
			UserID:      in.UserID,
			ServiceID:   in.ServiceID,
			HourBucket:  in.HourBucket,
			MeanKwh:     in.Kwh,
			MeanMinutes: in.Minutes,
			Samples:     1,
		}
		if err := tx.Create(&profile).Error; err != nil {
			return fmt.Errorf("failed to create profile: %w", err)
		}
		return nil
	}
	if err != nil {
		return err
	}

	n := profile.Samples + 1
	meanKwh, stdKwh := welford(profile.MeanKwh, profile.StdDevKwh, profile.Samples, in.Kwh)
	meanMin, stdMin := welford(profile.MeanMinutes, profile.StdDevMinutes, profile.Samples, in.Minutes)

	updates := map[string]interface{}{
		"mean_kwh":        meanKwh,
		"std_dev_kwh":     stdKwh,
		"mean_minutes":    meanMin,
		"std_dev_minutes": stdMin,
		"samples":         n,
	}
	if err := tx.Model(&profile).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	return nil
}

// welford advances a rolling mean and sample stddev by one observation.
// The running M2 is reconstructed from the stored stddev, so the stored
// pair (mean, stddev, n) is all the state the update needs.
func welford(mean, stdDev float64, n int, x float64) (newMean, newStdDev float64) {
	m2 := stdDev * stdDev * float64(n-1)
	newMean = mean + (x-mean)/float64(n+1)
	m2 += (x - mean) * (x - newMean)
	if n < 1 {
		return newMean, 0
	}
	return newMean, math.Sqrt(m2 / float64(n))
}
