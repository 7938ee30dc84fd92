package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UserServiceEnergyProfile holds rolling energy and duration statistics
// for one (operator, service, clinic, hour-of-day) combination. Samples
// only grows; the row disappears when the underlying disaggregated facts
// are purged and the profile is rebuilt.
type UserServiceEnergyProfile struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SystemID string    `gorm:"not null;uniqueIndex:idx_profile_natural" json:"system_id"`
	ClinicID string    `gorm:"not null;uniqueIndex:idx_profile_natural" json:"clinic_id"`

	UserID     string `gorm:"not null;uniqueIndex:idx_profile_natural" json:"user_id"`
	ServiceID  string `gorm:"not null;uniqueIndex:idx_profile_natural;index" json:"service_id"`
	HourBucket int    `gorm:"not null;uniqueIndex:idx_profile_natural" json:"hour_bucket"` // 0-23

	MeanKwh       float64 `json:"mean_kwh"`
	StdDevKwh     float64 `json:"std_dev_kwh"`
	MeanMinutes   float64 `json:"mean_minutes"`
	StdDevMinutes float64 `json:"std_dev_minutes"`
	Samples       int     `json:"samples"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate hook to generate UUID
func (p *UserServiceEnergyProfile) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// TableName overrides the default table name
func (UserServiceEnergyProfile) TableName() string {
	return "smart_plug_user_service_energy_profiles"
}
