package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ServiceEnergyUsage attributes one service execution's energy and time
// consumption to a specific operator, service and appointment. These are
// the disaggregated facts behind the energy profiles; the retention job
// purges them after the long-retention window.
type ServiceEnergyUsage struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SystemID string    `gorm:"not null;index" json:"system_id"`
	ClinicID string    `gorm:"not null;index" json:"clinic_id"`

	UserID        string `gorm:"not null;index" json:"user_id"`    // operator
	ServiceID     string `gorm:"not null;index" json:"service_id"` // billable service
	AppointmentID string `json:"appointment_id,omitempty"`
	UsageID       string `gorm:"not null;index" json:"usage_id"` // correlates with raw samples

	Kwh     float64 `json:"kwh"`
	Minutes float64 `json:"minutes"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// BeforeCreate hook to generate UUID
func (u *ServiceEnergyUsage) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// TableName overrides the default table name
func (ServiceEnergyUsage) TableName() string {
	return "appointment_service_energy_usage"
}
