package services

import (
	"context"
	"log"
	"time"

	"github.com/clinicore/smartplug-telemetry/internal/models"
	"gorm.io/gorm"
)

// MonitorService watches for devices that stopped reporting. A plug that
// streams samples refreshes its last-seen timestamp on every ingest; one
// that goes silent past the staleness window is marked offline so the
// dashboard stops showing stale readings as live.
type MonitorService struct {
	db            *gorm.DB
	checkInterval time.Duration
	staleAfter    time.Duration
	broadcastFunc func(channel, event string, data interface{})
	cancel        context.CancelFunc
}

// NewMonitorService creates a new monitor service
func NewMonitorService(db *gorm.DB) *MonitorService {
	return &MonitorService{
		db:            db,
		checkInterval: 30 * time.Second,
		staleAfter:    5 * time.Minute,
	}
}

// SetBroadcastFunc sets the WebSocket broadcast function
func (m *MonitorService) SetBroadcastFunc(fn func(channel, event string, data interface{})) {
	m.broadcastFunc = fn
}

// Start begins the background staleness check loop
func (m *MonitorService) Start(ctx context.Context) {
	log.Println("[Monitor] Starting device staleness monitor")

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	// Run an initial sweep immediately
	m.sweep()

	ticker := time.NewTicker(m.checkInterval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				log.Println("[Monitor] Device staleness monitor stopped")
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// Stop stops the background staleness check loop
func (m *MonitorService) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// sweep marks every online device that went silent past the staleness
// window as offline. Identity and last readings survive; only the online
// flag changes, the same contract as a failed sync.
func (m *MonitorService) sweep() {
	cutoff := time.Now().Add(-m.staleAfter)

	var stale []models.Device
	err := m.db.
		Where("online = ? AND (last_seen_at IS NULL OR last_seen_at < ?)", true, cutoff).
		Find(&stale).Error
	if err != nil {
		log.Printf("[Monitor] Error fetching devices: %v", err)
		return
	}

	for _, device := range stale {
		err := m.db.Model(&device).Update("online", false).Error
		if err != nil {
			log.Printf("[Monitor] Failed to mark %s offline: %v", device.DeviceID, err)
			continue
		}

		log.Printf("[Monitor] Device %s silent since %v, marked offline", device.DeviceID, device.LastSeenAt)

		if m.broadcastFunc != nil {
			m.broadcastFunc("devices", "device_offline", map[string]interface{}{
				"device_id": device.DeviceID,
				"system_id": device.SystemID,
			})
		}
	}
}
