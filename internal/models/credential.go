package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CredentialStatus represents the connection state of a cloud account
type CredentialStatus string

const (
	CredentialStatusConnected    CredentialStatus = "connected"
	CredentialStatusDisconnected CredentialStatus = "disconnected"
	CredentialStatusError        CredentialStatus = "error"
)

// Credential represents a vendor cloud account association. All devices
// paired under the account share one command channel, keyed by this row's ID.
// The access token itself lives in the keyring; the row keeps a reference.
type Credential struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SystemID string    `gorm:"not null;index" json:"system_id"`
	Name     string    `json:"name"` // user-friendly label like "Main Clinic Account"

	APIHost  string `gorm:"not null" json:"api_host"` // e.g. "shelly-103-eu.shelly.cloud"
	TokenKey string `json:"-"`                        // keyring reference, never exposed

	Status          CredentialStatus `gorm:"default:disconnected" json:"status"`
	LastConnectedAt *time.Time       `json:"last_connected_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate hook to generate UUID
func (c *Credential) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = CredentialStatusDisconnected
	}
	return nil
}

// TableName overrides the default table name
func (Credential) TableName() string {
	return "shelly_credentials"
}
