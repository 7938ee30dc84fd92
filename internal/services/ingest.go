package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/clinicore/smartplug-telemetry/internal/channel"
	"github.com/clinicore/smartplug-telemetry/internal/models"
	"gorm.io/gorm"
)

// SampleInput is one raw power reading submitted for ingestion
type SampleInput struct {
	SystemID    string    `json:"system_id"`
	DeviceID    string    `json:"device_id"`
	UsageID     string    `json:"usage_id"`
	Timestamp   time.Time `json:"timestamp"`
	Watts       float64   `json:"watts"`
	TotalEnergy float64   `json:"total_energy"`
	RelayOn     bool      `json:"relay_on"`
}

// IngestService appends raw power samples and keeps the device's live
// snapshot current. Samples are immutable once written; only the
// retention job ever removes them.
type IngestService struct {
	db            *gorm.DB
	broadcastFunc func(channel, event string, data interface{})
}

// NewIngestService creates a new ingest service
func NewIngestService(db *gorm.DB) *IngestService {
	return &IngestService{db: db}
}

// SetBroadcastFunc sets the WebSocket broadcast function
func (s *IngestService) SetBroadcastFunc(fn func(channel, event string, data interface{})) {
	s.broadcastFunc = fn
}

// RecordSample validates and appends one raw sample, then refreshes the
// owning device's live state in the same transaction.
func (s *IngestService) RecordSample(ctx context.Context, in SampleInput) (*models.RawPowerSample, error) {
	if in.SystemID == "" || in.DeviceID == "" || in.UsageID == "" {
		return nil, models.NewValidationError("system_id, device_id and usage_id are required",
			[]string{"system_id", "device_id", "usage_id"})
	}
	if in.Watts < 0 {
		return nil, models.NewValidationError("watts must not be negative", []string{"watts"})
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now()
	}

	var device models.Device
	err := s.db.WithContext(ctx).First(&device, "system_id = ? AND device_id = ?", in.SystemID, in.DeviceID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, models.NewDeviceNotFoundError(in.DeviceID)
		}
		return nil, err
	}

	sample := &models.RawPowerSample{
		SystemID:    in.SystemID,
		DeviceID:    in.DeviceID,
		UsageID:     in.UsageID,
		Timestamp:   in.Timestamp,
		Watts:       in.Watts,
		TotalEnergy: in.TotalEnergy,
		RelayOn:     in.RelayOn,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(sample).Error; err != nil {
			return fmt.Errorf("failed to store sample: %w", err)
		}

		snapshot := map[string]interface{}{
			"relay_on":      in.RelayOn,
			"current_power": in.Watts,
			"total_energy":  in.TotalEnergy,
			"online":        true,
			"last_seen_at":  in.Timestamp,
		}
		if err := tx.Model(&device).Updates(snapshot).Error; err != nil {
			return fmt.Errorf("failed to refresh device snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.broadcastFunc != nil {
		s.broadcastFunc("samples", "sample_recorded", map[string]interface{}{
			"device_id": in.DeviceID,
			"usage_id":  in.UsageID,
			"watts":     in.Watts,
			"relay_on":  in.RelayOn,
			"timestamp": in.Timestamp,
		})
	}

	return sample, nil
}

// Status push methods devices emit over the command channel
const (
	eventNotifyStatus     = "NotifyStatus"
	eventNotifyFullStatus = "NotifyFullStatus"
)

// statusEventPayload is the slice of a status push the snapshot cares about
type statusEventPayload struct {
	Switch *struct {
		Output  *bool    `json:"output"`
		APower  *float64 `json:"apower"`
		AEnergy *struct {
			Total *float64 `json:"total"` // watt-hours
		} `json:"aenergy"`
	} `json:"switch:0"`
}

// ApplyStatusEvent folds an unsolicited status push into the owning
// device's live snapshot. Pushes arrive outside any usage window, so no
// raw sample is recorded; the snapshot and liveness refresh regardless.
func (s *IngestService) ApplyStatusEvent(event channel.DeviceEvent) {
	if event.Method != eventNotifyStatus && event.Method != eventNotifyFullStatus {
		return
	}

	var device models.Device
	err := s.db.First(&device, "device_id = ? AND credential_id = ?", event.DeviceID, event.CredentialID).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			log.Printf("[Ingest] status event lookup failed for %s: %v", event.DeviceID, err)
		}
		return
	}

	snapshot := map[string]interface{}{
		"online":       true,
		"last_seen_at": time.Now(),
	}

	var payload statusEventPayload
	if err := json.Unmarshal(event.Params, &payload); err == nil && payload.Switch != nil {
		if payload.Switch.Output != nil {
			snapshot["relay_on"] = *payload.Switch.Output
		}
		if payload.Switch.APower != nil {
			snapshot["current_power"] = *payload.Switch.APower
		}
		if payload.Switch.AEnergy != nil && payload.Switch.AEnergy.Total != nil {
			snapshot["total_energy"] = *payload.Switch.AEnergy.Total / 1000
		}
	}

	if err := s.db.Model(&device).Updates(snapshot).Error; err != nil {
		log.Printf("[Ingest] failed to apply status event for %s: %v", event.DeviceID, err)
		return
	}

	if s.broadcastFunc != nil {
		s.broadcastFunc("devices", "device_status", map[string]interface{}{
			"device_id": event.DeviceID,
			"system_id": device.SystemID,
		})
	}
}
