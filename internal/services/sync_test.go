package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/clinicore/smartplug-telemetry/internal/models"
	"github.com/clinicore/smartplug-telemetry/internal/shelly"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// stubCommander serves canned channel responses keyed by RPC method.
type stubCommander struct {
	responses map[string]string
	errs      map[string]error
}

func (s *stubCommander) SendCommand(ctx context.Context, credentialID, deviceID, method string, params interface{}) (json.RawMessage, error) {
	if err, ok := s.errs[method]; ok {
		return nil, err
	}
	if raw, ok := s.responses[method]; ok {
		return json.RawMessage(raw), nil
	}
	return nil, errors.New("unexpected method: " + method)
}

func seedDevice(t *testing.T, db *gorm.DB, mutate func(*models.Device)) *models.Device {
	t.Helper()
	device := &models.Device{
		SystemID:     "sys-1",
		DeviceID:     "plug-1",
		CredentialID: "cred-1",
		Name:         "Sterilizer plug",
	}
	if mutate != nil {
		mutate(device)
	}
	require.NoError(t, db.Create(device).Error)
	return device
}

func TestSyncDevice(t *testing.T) {
	t.Run("Gen2 sync persists normalized state", func(t *testing.T) {
		db := setupTestDB(t)
		seedDevice(t, db, nil)

		cmd := &stubCommander{responses: map[string]string{
			shelly.MethodGetDeviceInfo: `{
				"mac": "A8032AB12345",
				"model": "SNPL-00112EU",
				"ver": "1.0.8",
				"gen": 2
			}`,
			shelly.MethodSwitchGetStatus: `{
				"output": true,
				"apower": 850.5,
				"voltage": 229.8,
				"aenergy": {"total": 2500}
			}`,
			shelly.MethodSysGetConfig: `{"location": {"tz": "Europe/Berlin"}}`,
		}}

		svc := NewSyncService(db, cmd)
		result, err := svc.SyncDevice(context.Background(), "sys-1", "plug-1")
		require.NoError(t, err)

		assert.Equal(t, models.Generation2, result.Generation)
		assert.Contains(t, result.UpdatedFields, "generation")
		assert.Contains(t, result.UpdatedFields, "model")
		assert.Contains(t, result.UpdatedFields, "online")

		var saved models.Device
		require.NoError(t, db.First(&saved, "device_id = ?", "plug-1").Error)
		assert.Equal(t, models.Generation2, saved.Generation)
		assert.Equal(t, "SNPL-00112EU", saved.Model)
		assert.Equal(t, "Europe/Berlin", saved.Timezone)
		assert.True(t, saved.Online)
		assert.True(t, saved.RelayOn)
		require.NotNil(t, saved.CurrentPower)
		assert.Equal(t, 850.5, *saved.CurrentPower)
		require.NotNil(t, saved.TotalEnergy)
		assert.InDelta(t, 2.5, *saved.TotalEnergy, 1e-9)
		require.NotNil(t, saved.LastSeenAt)
	})

	t.Run("Gen1 sync needs no sub-commands", func(t *testing.T) {
		db := setupTestDB(t)
		seedDevice(t, db, nil)

		cmd := &stubCommander{responses: map[string]string{
			shelly.MethodGetDeviceInfo: `{
				"mac": "B0B21C12DD94",
				"fw": "20230913-112003/v1.14.0",
				"relays": [{"ison": false}],
				"meters": [{"power": 0, "total": 120000}]
			}`,
		}}

		svc := NewSyncService(db, cmd)
		result, err := svc.SyncDevice(context.Background(), "sys-1", "plug-1")
		require.NoError(t, err)
		assert.Equal(t, models.Generation1, result.Generation)

		var saved models.Device
		require.NoError(t, db.First(&saved, "device_id = ?", "plug-1").Error)
		assert.Equal(t, models.Generation1, saved.Generation)
		assert.Equal(t, "UTC", saved.Timezone)
		assert.False(t, saved.RelayOn)
		require.NotNil(t, saved.TotalEnergy)
		assert.InDelta(t, 2.0, *saved.TotalEnergy, 1e-9) // 120000 watt-minutes
	})

	t.Run("Failed sync marks offline and keeps known state", func(t *testing.T) {
		db := setupTestDB(t)
		power := 42.0
		seedDevice(t, db, func(d *models.Device) {
			d.Generation = models.Generation2
			d.Model = "SNPL-00112EU"
			d.Online = true
			d.CurrentPower = &power
		})

		cmd := &stubCommander{errs: map[string]error{
			shelly.MethodGetDeviceInfo: errors.New("channel is closed"),
		}}

		svc := NewSyncService(db, cmd)
		_, err := svc.SyncDevice(context.Background(), "sys-1", "plug-1")
		require.Error(t, err)

		var apiErr *models.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, models.ErrCodeSyncFailed, apiErr.Code)

		var saved models.Device
		require.NoError(t, db.First(&saved, "device_id = ?", "plug-1").Error)
		assert.False(t, saved.Online)
		assert.Equal(t, models.Generation2, saved.Generation) // never regresses
		assert.Equal(t, "SNPL-00112EU", saved.Model)
		require.NotNil(t, saved.CurrentPower)
		assert.Equal(t, 42.0, *saved.CurrentPower)
		require.NotNil(t, saved.LastSeenAt)
	})

	t.Run("Unrecognized info shape fails the sync", func(t *testing.T) {
		db := setupTestDB(t)
		seedDevice(t, db, nil)

		cmd := &stubCommander{responses: map[string]string{
			shelly.MethodGetDeviceInfo: `{"surprise": true}`,
		}}

		svc := NewSyncService(db, cmd)
		_, err := svc.SyncDevice(context.Background(), "sys-1", "plug-1")
		require.Error(t, err)
		assert.ErrorIs(t, err, shelly.ErrUnrecognizedGeneration)

		var saved models.Device
		require.NoError(t, db.First(&saved, "device_id = ?", "plug-1").Error)
		assert.False(t, saved.Online)
		assert.Equal(t, models.GenerationUnknown, saved.Generation)
	})

	t.Run("Direct HTTP fallback when the channel fails", func(t *testing.T) {
		db := setupTestDB(t)

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/rpc/Shelly.GetDeviceInfo", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"model": "SNPL-00112EU", "ver": "1.0.8", "gen": 2}`))
		}))
		defer srv.Close()

		seedDevice(t, db, func(d *models.Device) {
			d.DeviceIP = strings.TrimPrefix(srv.URL, "http://")
		})

		// Channel down entirely; readings stay unset but identity syncs.
		cmd := &stubCommander{errs: map[string]error{
			shelly.MethodGetDeviceInfo:   errors.New("channel is closed"),
			shelly.MethodSwitchGetStatus: errors.New("channel is closed"),
			shelly.MethodSysGetConfig:    errors.New("channel is closed"),
		}}

		svc := NewSyncService(db, cmd)
		result, err := svc.SyncDevice(context.Background(), "sys-1", "plug-1")
		require.NoError(t, err)
		assert.Equal(t, models.Generation2, result.Generation)

		var saved models.Device
		require.NoError(t, db.First(&saved, "device_id = ?", "plug-1").Error)
		assert.True(t, saved.Online)
		assert.Equal(t, "SNPL-00112EU", saved.Model)
	})

	t.Run("Unknown device returns not found", func(t *testing.T) {
		db := setupTestDB(t)
		svc := NewSyncService(db, &stubCommander{})

		_, err := svc.SyncDevice(context.Background(), "sys-1", "ghost")
		require.Error(t, err)

		var apiErr *models.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, models.ErrCodeDeviceNotFound, apiErr.Code)
	})

	t.Run("Re-sync with unchanged state reports no field changes", func(t *testing.T) {
		db := setupTestDB(t)
		seedDevice(t, db, nil)

		cmd := &stubCommander{responses: map[string]string{
			shelly.MethodGetDeviceInfo:   `{"model": "SNPL-00112EU", "ver": "1.0.8", "gen": 2}`,
			shelly.MethodSwitchGetStatus: `{"output": true, "apower": 10}`,
			shelly.MethodSysGetConfig:    `{"location": {"tz": "UTC"}}`,
		}}

		svc := NewSyncService(db, cmd)
		first, err := svc.SyncDevice(context.Background(), "sys-1", "plug-1")
		require.NoError(t, err)
		assert.NotEmpty(t, first.UpdatedFields)

		second, err := svc.SyncDevice(context.Background(), "sys-1", "plug-1")
		require.NoError(t, err)
		assert.Empty(t, second.UpdatedFields)
	})
}

func TestSyncBroadcast(t *testing.T) {
	db := setupTestDB(t)
	seedDevice(t, db, nil)

	cmd := &stubCommander{responses: map[string]string{
		shelly.MethodGetDeviceInfo:   `{"model": "SNPL-00112EU", "ver": "1.0.8", "gen": 2}`,
		shelly.MethodSwitchGetStatus: `{"output": true}`,
		shelly.MethodSysGetConfig:    `{}`,
	}}

	svc := NewSyncService(db, cmd)

	var gotChannel, gotEvent string
	svc.SetBroadcastFunc(func(channel, event string, data interface{}) {
		gotChannel, gotEvent = channel, event
	})

	_, err := svc.SyncDevice(context.Background(), "sys-1", "plug-1")
	require.NoError(t, err)
	assert.Equal(t, "devices", gotChannel)
	assert.Equal(t, "device_synced", gotEvent)
}
