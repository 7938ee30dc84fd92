package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/clinicore/smartplug-telemetry/internal/channel"
	"github.com/clinicore/smartplug-telemetry/internal/models"
	"github.com/clinicore/smartplug-telemetry/internal/shelly"
	"gorm.io/gorm"
)

// ControlService switches device relays. Modern generations take
// Switch.Set over the command channel; legacy devices only speak the
// local /relay/0 form, so they need a known address.
type ControlService struct {
	db         *gorm.DB
	channel    shelly.Commander
	httpClient *http.Client

	broadcastFunc func(channel, event string, data interface{})
}

// NewControlService creates a new control service
func NewControlService(db *gorm.DB, commander shelly.Commander) *ControlService {
	return &ControlService{
		db:         db,
		channel:    commander,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// SetBroadcastFunc sets the WebSocket broadcast function
func (s *ControlService) SetBroadcastFunc(fn func(channel, event string, data interface{})) {
	s.broadcastFunc = fn
}

// SetRelay turns a device's relay on or off and records the commanded
// state on the device row once the device has acknowledged.
func (s *ControlService) SetRelay(ctx context.Context, systemID, deviceID string, on bool) error {
	var device models.Device
	err := s.db.First(&device, "system_id = ? AND device_id = ?", systemID, deviceID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return models.NewDeviceNotFoundError(deviceID)
		}
		return err
	}

	if device.Generation == models.Generation1 {
		err = s.setRelayDirect(ctx, &device, on)
	} else {
		err = s.setRelayChannel(ctx, &device, on)
	}
	if err != nil {
		return err
	}

	now := time.Now()
	updates := map[string]interface{}{
		"relay_on":     on,
		"online":       true,
		"last_seen_at": now,
	}
	if err := s.db.Model(&device).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to record relay state: %w", err)
	}

	log.Printf("[Control] device %s relay set to %v", deviceID, on)

	if s.broadcastFunc != nil {
		s.broadcastFunc("devices", "device_controlled", map[string]interface{}{
			"device_id": device.DeviceID,
			"relay_on":  on,
		})
	}
	return nil
}

func (s *ControlService) setRelayChannel(ctx context.Context, device *models.Device, on bool) error {
	params := map[string]interface{}{"id": 0, "on": on}
	_, err := s.channel.SendCommand(ctx, device.CredentialID, device.DeviceID, shelly.MethodSwitchSet, params)
	if err != nil {
		switch {
		case errors.Is(err, channel.ErrCommandTimeout):
			return models.NewCommandTimeoutError(device.DeviceID, err)
		case errors.Is(err, channel.ErrChannelClosed):
			return models.NewChannelUnavailableError(device.DeviceID, err)
		}
		return models.NewChannelUnavailableError(device.DeviceID, err)
	}
	return nil
}

// setRelayDirect drives a legacy relay over its local HTTP endpoint.
func (s *ControlService) setRelayDirect(ctx context.Context, device *models.Device, on bool) error {
	if !device.HasLocalAddress() {
		return models.NewChannelUnavailableError(device.DeviceID,
			fmt.Errorf("legacy device has no local address for relay control"))
	}

	turn := "off"
	if on {
		turn = "on"
	}
	url := fmt.Sprintf("http://%s/relay/0?turn=%s", device.DeviceIP, turn)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return models.NewChannelUnavailableError(device.DeviceID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.NewChannelUnavailableError(device.DeviceID,
			fmt.Errorf("device returned status %d", resp.StatusCode))
	}
	return nil
}
