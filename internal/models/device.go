package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Generation identifies the hardware/firmware protocol family of a plug.
// A value of 0 means the generation has not been observed yet. Once a
// sync has classified a device, the generation is authoritative and must
// not regress to unknown on a failed sync.
type Generation int

const (
	GenerationUnknown Generation = 0
	Generation1       Generation = 1
	Generation2       Generation = 2
	Generation3       Generation = 3
)

// Device represents a paired smart plug (power-metering relay device).
type Device struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SystemID     string    `gorm:"not null;uniqueIndex:idx_system_device" json:"system_id"`
	DeviceID     string    `gorm:"not null;uniqueIndex:idx_system_device" json:"device_id"` // vendor-assigned stable ID
	CredentialID string    `gorm:"not null;index" json:"credential_id"`
	Name         string    `json:"name"`
	DeviceIP     string    `json:"device_ip,omitempty"` // optional, enables direct local fallback

	// Classification, filled in by sync
	Generation      Generation `gorm:"default:0" json:"generation"`
	Model           string     `json:"model,omitempty"`
	FirmwareVersion string     `json:"firmware_version,omitempty"`
	MAC             string     `json:"mac,omitempty"`
	Timezone        string     `json:"timezone,omitempty"`
	WifiSSID        string     `json:"wifi_ssid,omitempty"`
	LedMode         string     `json:"led_mode,omitempty"` // Gen3 only

	// Live state
	Online       bool     `gorm:"default:false" json:"online"`
	RelayOn      bool     `gorm:"default:false" json:"relay_on"`
	CurrentPower *float64 `json:"current_power,omitempty"` // watts
	Voltage      *float64 `json:"voltage,omitempty"`
	Current      *float64 `json:"current,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	TotalEnergy  *float64 `json:"total_energy,omitempty"` // kWh, cumulative

	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// BeforeCreate hook to generate UUID
func (d *Device) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// TableName overrides the default table name
func (Device) TableName() string {
	return "smart_plug_devices"
}

// HasLocalAddress reports whether the device can be reached directly
// when the cloud command channel is unavailable.
func (d *Device) HasLocalAddress() bool {
	return d.DeviceIP != ""
}
