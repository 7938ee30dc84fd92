package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RawPowerSample is one immutable power reading tied to a billable usage
// window. Samples arrive at seconds-to-minutes cadence and are never
// mutated; the retention job is the only thing that deletes them.
type RawPowerSample struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SystemID string    `gorm:"not null;index:idx_sample_system_ts" json:"system_id"`
	DeviceID string    `gorm:"not null;index" json:"device_id"`
	UsageID  string    `gorm:"not null;index" json:"usage_id"` // service-execution window this sample belongs to

	Timestamp   time.Time `gorm:"not null;index:idx_sample_system_ts" json:"timestamp"`
	Watts       float64   `json:"watts"`
	TotalEnergy float64   `json:"total_energy"` // kWh, cumulative device counter
	RelayOn     bool      `json:"relay_on"`

	CreatedAt time.Time `json:"created_at"`
}

// BeforeCreate hook to generate UUID
func (s *RawPowerSample) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// TableName overrides the default table name
func (RawPowerSample) TableName() string {
	return "smart_plug_power_samples"
}

// HourlyPowerAggregate is the down-sampled rollup of one hour of raw
// samples for a (device, usage) pair. Exactly one row exists per natural
// key; re-running down-sampling upserts rather than duplicates.
type HourlyPowerAggregate struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SystemID string    `gorm:"not null;uniqueIndex:idx_hourly_natural" json:"system_id"`
	DeviceID string    `gorm:"not null;uniqueIndex:idx_hourly_natural" json:"device_id"`
	UsageID  string    `gorm:"not null;uniqueIndex:idx_hourly_natural" json:"usage_id"`

	HourTimestamp time.Time `gorm:"not null;uniqueIndex:idx_hourly_natural;index" json:"hour_timestamp"`
	AvgWatts      float64   `json:"avg_watts"`
	MaxWatts      float64   `json:"max_watts"`
	MinWatts      float64   `json:"min_watts"`
	HourlyKwh     float64   `json:"hourly_kwh"` // net counter delta within the hour
	SampleCount   int       `json:"sample_count"`
	WasRelayOn    bool      `json:"was_relay_on"`

	CreatedAt time.Time `json:"created_at"`
}

// BeforeCreate hook to generate UUID
func (a *HourlyPowerAggregate) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// TableName overrides the default table name
func (HourlyPowerAggregate) TableName() string {
	return "smart_plug_power_samples_hourly"
}
