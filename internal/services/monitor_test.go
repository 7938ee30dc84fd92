package services

import (
	"testing"
	"time"

	"github.com/clinicore/smartplug-telemetry/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorSweep(t *testing.T) {
	t.Run("Silent devices are marked offline", func(t *testing.T) {
		db := setupTestDB(t)
		monitor := NewMonitorService(db)

		long := time.Now().Add(-10 * time.Minute)
		recent := time.Now().Add(-1 * time.Minute)

		silent := seedDevice(t, db, func(d *models.Device) {
			d.Online = true
			d.LastSeenAt = &long
		})
		fresh := &models.Device{
			SystemID:     "sys-1",
			DeviceID:     "plug-2",
			CredentialID: "cred-1",
			Online:       true,
			LastSeenAt:   &recent,
		}
		require.NoError(t, db.Create(fresh).Error)

		monitor.sweep()

		var saved models.Device
		require.NoError(t, db.First(&saved, "device_id = ?", silent.DeviceID).Error)
		assert.False(t, saved.Online)
		// Last readings stay; only the flag flips.
		require.NotNil(t, saved.LastSeenAt)

		require.NoError(t, db.First(&saved, "device_id = ?", fresh.DeviceID).Error)
		assert.True(t, saved.Online)
	})

	t.Run("Devices that never reported are swept too", func(t *testing.T) {
		db := setupTestDB(t)
		monitor := NewMonitorService(db)

		seedDevice(t, db, func(d *models.Device) {
			d.Online = true
			d.LastSeenAt = nil
		})

		monitor.sweep()

		var saved models.Device
		require.NoError(t, db.First(&saved, "device_id = ?", "plug-1").Error)
		assert.False(t, saved.Online)
	})

	t.Run("Broadcasts each offline transition", func(t *testing.T) {
		db := setupTestDB(t)
		monitor := NewMonitorService(db)

		long := time.Now().Add(-10 * time.Minute)
		seedDevice(t, db, func(d *models.Device) {
			d.Online = true
			d.LastSeenAt = &long
		})

		var events []string
		monitor.SetBroadcastFunc(func(channel, event string, data interface{}) {
			events = append(events, channel+"/"+event)
		})

		monitor.sweep()
		assert.Equal(t, []string{"devices/device_offline"}, events)

		// Already-offline devices are not re-announced.
		monitor.sweep()
		assert.Len(t, events, 1)
	})
}
