package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/clinicore/smartplug-telemetry/internal/models"
	"github.com/clinicore/smartplug-telemetry/internal/shelly"
	"gorm.io/gorm"
)

// SyncResult reports one completed device sync
type SyncResult struct {
	Generation    models.Generation      `json:"generation"`
	UpdatedFields []string               `json:"updated_fields"`
	DeviceInfo    map[string]interface{} `json:"device_info"`
}

// SyncService reconciles live device state into the persisted device
// records. Each sync detects the device generation, applies the matching
// adapter and commits the normalized state atomically.
type SyncService struct {
	db         *gorm.DB
	channel    shelly.Commander
	httpClient *http.Client

	broadcastFunc func(channel, event string, data interface{})

	// Serializes concurrent syncs for the same device; syncs for
	// different devices run independently.
	flightMu sync.Mutex
	inFlight map[string]*sync.Mutex
}

// NewSyncService creates a new sync service
func NewSyncService(db *gorm.DB, commander shelly.Commander) *SyncService {
	return &SyncService{
		db:         db,
		channel:    commander,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		inFlight:   make(map[string]*sync.Mutex),
	}
}

// SetBroadcastFunc sets the WebSocket broadcast function
func (s *SyncService) SetBroadcastFunc(fn func(channel, event string, data interface{})) {
	s.broadcastFunc = fn
}

// SyncDevice runs one sync for a device: detect info, classify the
// generation, normalize and persist. Total failure marks the device
// offline while leaving every previously known field untouched.
func (s *SyncService) SyncDevice(ctx context.Context, systemID, deviceID string) (*SyncResult, error) {
	unlock := s.lockDevice(deviceID)
	defer unlock()

	var device models.Device
	err := s.db.First(&device, "system_id = ? AND device_id = ?", systemID, deviceID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, models.NewDeviceNotFoundError(deviceID)
		}
		return nil, err
	}

	info, err := s.detectInfo(ctx, &device)
	if err != nil {
		s.markOffline(&device, err)
		return nil, models.NewSyncFailedError(deviceID, err)
	}

	generation, err := shelly.DetectGeneration(info)
	if err != nil {
		s.markOffline(&device, err)
		return nil, models.NewUnrecognizedGenerationError(deviceID, err)
	}

	var state *shelly.DeviceState
	switch generation {
	case models.Generation1:
		state, err = shelly.NormalizeGen1(info)
	case models.Generation2:
		state, err = shelly.NormalizeGen2(ctx, s.channel, device.CredentialID, device.DeviceID, info)
	case models.Generation3:
		state, err = shelly.NormalizeGen3(ctx, s.channel, device.CredentialID, device.DeviceID, info)
	}
	if err != nil {
		s.markOffline(&device, err)
		return nil, models.NewSyncFailedError(deviceID, err)
	}

	updates, changed := buildUpdates(&device, generation, state)
	if err := s.db.Model(&device).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to persist device state: %w", err)
	}

	log.Printf("[SYNC] device %s synced as Gen%d, changed: %v", deviceID, generation, changed)

	if s.broadcastFunc != nil {
		s.broadcastFunc("devices", "device_synced", map[string]interface{}{
			"device_id":      device.DeviceID,
			"generation":     generation,
			"updated_fields": changed,
		})
	}

	return &SyncResult{
		Generation:    generation,
		UpdatedFields: changed,
		DeviceInfo:    info,
	}, nil
}

// GetDeviceState returns the persisted live state for display
func (s *SyncService) GetDeviceState(systemID, deviceID string) (*models.Device, error) {
	var device models.Device
	if err := s.db.First(&device, "system_id = ? AND device_id = ?", systemID, deviceID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, models.NewDeviceNotFoundError(deviceID)
		}
		return nil, err
	}
	return &device, nil
}

// infoStrategy is one way of obtaining the raw device info blob.
type infoStrategy struct {
	name string
	run  func(ctx context.Context, device *models.Device) (map[string]interface{}, error)
}

// detectInfo tries each transport in order and stops at the first
// success: the cloud command channel first, then a direct local RPC when
// the device has a known address.
func (s *SyncService) detectInfo(ctx context.Context, device *models.Device) (map[string]interface{}, error) {
	strategies := []infoStrategy{
		{name: "channel", run: s.channelInfo},
	}
	if device.HasLocalAddress() {
		strategies = append(strategies, infoStrategy{name: "direct", run: s.directInfo})
	}

	var lastErr error
	for _, strat := range strategies {
		info, err := strat.run(ctx, device)
		if err == nil {
			return info, nil
		}
		log.Printf("[SYNC] %s transport failed for %s: %v", strat.name, device.DeviceID, err)
		lastErr = err
	}

	return nil, fmt.Errorf("all transports failed: %w", lastErr)
}

func (s *SyncService) channelInfo(ctx context.Context, device *models.Device) (map[string]interface{}, error) {
	raw, err := s.channel.SendCommand(ctx, device.CredentialID, device.DeviceID, shelly.MethodGetDeviceInfo, nil)
	if err != nil {
		return nil, err
	}
	var info map[string]interface{}
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("invalid device info: %w", err)
	}
	return info, nil
}

func (s *SyncService) directInfo(ctx context.Context, device *models.Device) (map[string]interface{}, error) {
	url := fmt.Sprintf("http://%s/rpc/Shelly.GetDeviceInfo", device.DeviceIP)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("device returned status %d", resp.StatusCode)
	}

	var info map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("invalid device info: %w", err)
	}
	return info, nil
}

// markOffline records a failed sync: only the online flag and the
// last-seen timestamp change, previously known identity fields survive.
func (s *SyncService) markOffline(device *models.Device, cause error) {
	now := time.Now()
	err := s.db.Model(device).Updates(map[string]interface{}{
		"online":       false,
		"last_seen_at": now,
	}).Error
	if err != nil {
		log.Printf("[SYNC] failed to mark %s offline: %v", device.DeviceID, err)
		return
	}
	log.Printf("[SYNC] device %s marked offline: %v", device.DeviceID, cause)

	if s.broadcastFunc != nil {
		s.broadcastFunc("devices", "device_offline", map[string]interface{}{
			"device_id": device.DeviceID,
		})
	}
}

// buildUpdates assembles the full normalized state for one atomic commit
// and, purely for reporting, the list of fields whose values changed.
// The diff never blocks the commit.
func buildUpdates(device *models.Device, generation models.Generation, state *shelly.DeviceState) (map[string]interface{}, []string) {
	now := time.Now()
	updates := map[string]interface{}{
		"generation":   generation,
		"online":       true,
		"last_seen_at": now,
	}
	var changed []string

	if device.Generation != generation {
		changed = append(changed, "generation")
	}
	if !device.Online {
		changed = append(changed, "online")
	}

	setString := func(column string, current, next string) {
		if next == "" {
			return
		}
		updates[column] = next
		if current != next {
			changed = append(changed, column)
		}
	}
	setFloat := func(column string, current, next *float64) {
		if next == nil {
			return
		}
		updates[column] = *next
		if current == nil || *current != *next {
			changed = append(changed, column)
		}
	}

	setString("mac", device.MAC, state.MAC)
	setString("model", device.Model, state.Model)
	setString("firmware_version", device.FirmwareVersion, state.FirmwareVersion)
	setString("timezone", device.Timezone, state.Timezone)
	setString("wifi_ssid", device.WifiSSID, state.WifiSSID)
	setString("led_mode", device.LedMode, state.LedMode)

	if state.RelayOn != nil {
		updates["relay_on"] = *state.RelayOn
		if device.RelayOn != *state.RelayOn {
			changed = append(changed, "relay_on")
		}
	}
	setFloat("current_power", device.CurrentPower, state.CurrentPower)
	setFloat("voltage", device.Voltage, state.Voltage)
	setFloat("current", device.Current, state.Current)
	setFloat("temperature", device.Temperature, state.Temperature)
	setFloat("total_energy", device.TotalEnergy, state.TotalEnergy)

	return updates, changed
}

func (s *SyncService) lockDevice(deviceID string) func() {
	s.flightMu.Lock()
	mu, ok := s.inFlight[deviceID]
	if !ok {
		mu = &sync.Mutex{}
		s.inFlight[deviceID] = mu
	}
	s.flightMu.Unlock()

	mu.Lock()
	return mu.Unlock
}
