package services

import (
	"context"
	"testing"
	"time"

	"github.com/clinicore/smartplug-telemetry/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func testRetentionConfig() RetentionConfig {
	cfg := DefaultRetentionConfig()
	cfg.BatchSize = 2 // force multiple delete batches
	cfg.BatchPause = time.Millisecond
	return cfg
}

func seedSample(t *testing.T, db *gorm.DB, systemID, deviceID, usageID string, ts time.Time, watts, totalEnergy float64) {
	t.Helper()
	require.NoError(t, db.Create(&models.RawPowerSample{
		SystemID:    systemID,
		DeviceID:    deviceID,
		UsageID:     usageID,
		Timestamp:   ts,
		Watts:       watts,
		TotalEnergy: totalEnergy,
		RelayOn:     watts > 0,
	}).Error)
}

func TestRetentionDownsample(t *testing.T) {
	t.Run("Hourly rollup of one bucket", func(t *testing.T) {
		db := setupTestDB(t)
		svc := NewRetentionService(db, testRetentionConfig())

		// Three readings in one hour, 35 days old, so the day is well past
		// the down-sampling cutoff (a third of the 90d raw window).
		day := time.Now().UTC().AddDate(0, 0, -35).Truncate(24 * time.Hour)
		hour := day.Add(10 * time.Hour)
		seedSample(t, db, "sys-1", "plug-1", "usage-1", hour, 100, 10.00)
		seedSample(t, db, "sys-1", "plug-1", "usage-1", hour.Add(20*time.Minute), 110, 10.02)
		seedSample(t, db, "sys-1", "plug-1", "usage-1", hour.Add(40*time.Minute), 120, 10.05)

		report, err := svc.Run(context.Background(), "sys-1", false)
		require.NoError(t, err)
		assert.Empty(t, report.Errors)
		assert.Equal(t, 1, report.SamplesDownsampled)
		assert.False(t, report.Truncated)

		var agg models.HourlyPowerAggregate
		require.NoError(t, db.First(&agg, "system_id = ?", "sys-1").Error)
		assert.Equal(t, "plug-1", agg.DeviceID)
		assert.Equal(t, "usage-1", agg.UsageID)
		assert.Equal(t, hour.Unix(), agg.HourTimestamp.Unix())
		assert.InDelta(t, 110, agg.AvgWatts, 1e-9)
		assert.Equal(t, 120.0, agg.MaxWatts)
		assert.Equal(t, 100.0, agg.MinWatts)
		assert.InDelta(t, 0.05, agg.HourlyKwh, 1e-9)
		assert.Equal(t, 3, agg.SampleCount)
		assert.True(t, agg.WasRelayOn)
	})

	t.Run("Re-run is idempotent", func(t *testing.T) {
		db := setupTestDB(t)
		svc := NewRetentionService(db, testRetentionConfig())

		hour := time.Now().UTC().AddDate(0, 0, -35).Truncate(24 * time.Hour).Add(9 * time.Hour)
		seedSample(t, db, "sys-1", "plug-1", "usage-1", hour, 50, 1.00)
		seedSample(t, db, "sys-1", "plug-1", "usage-1", hour.Add(10*time.Minute), 60, 1.01)
		seedSample(t, db, "sys-1", "plug-1", "usage-1", hour.Add(20*time.Minute), 70, 1.02)

		_, err := svc.Run(context.Background(), "sys-1", false)
		require.NoError(t, err)

		report, err := svc.Run(context.Background(), "sys-1", false)
		require.NoError(t, err)
		assert.Equal(t, 0, report.SamplesDownsampled)

		var count int64
		require.NoError(t, db.Model(&models.HourlyPowerAggregate{}).Count(&count).Error)
		assert.Equal(t, int64(1), count)
	})

	t.Run("Buckets below the sample minimum are skipped", func(t *testing.T) {
		db := setupTestDB(t)
		svc := NewRetentionService(db, testRetentionConfig())

		hour := time.Now().UTC().AddDate(0, 0, -35).Truncate(24 * time.Hour).Add(8 * time.Hour)
		seedSample(t, db, "sys-1", "plug-1", "usage-1", hour, 100, 1.00)
		seedSample(t, db, "sys-1", "plug-1", "usage-1", hour.Add(30*time.Minute), 120, 1.01)

		report, err := svc.Run(context.Background(), "sys-1", false)
		require.NoError(t, err)
		assert.Equal(t, 0, report.SamplesDownsampled)

		var count int64
		require.NoError(t, db.Model(&models.HourlyPowerAggregate{}).Count(&count).Error)
		assert.Equal(t, int64(0), count)
	})

	t.Run("Counter reset clamps the hourly kWh at zero", func(t *testing.T) {
		db := setupTestDB(t)
		svc := NewRetentionService(db, testRetentionConfig())

		hour := time.Now().UTC().AddDate(0, 0, -35).Truncate(24 * time.Hour).Add(14 * time.Hour)
		seedSample(t, db, "sys-1", "plug-1", "usage-1", hour, 100, 50.00)
		seedSample(t, db, "sys-1", "plug-1", "usage-1", hour.Add(20*time.Minute), 100, 0.01) // counter reset
		seedSample(t, db, "sys-1", "plug-1", "usage-1", hour.Add(40*time.Minute), 100, 0.03)

		_, err := svc.Run(context.Background(), "sys-1", false)
		require.NoError(t, err)

		var agg models.HourlyPowerAggregate
		require.NoError(t, db.First(&agg, "system_id = ?", "sys-1").Error)
		// The counter went backwards mid-hour, so the raw delta would be
		// negative; it must land at zero instead.
		assert.Equal(t, 3, agg.SampleCount)
		assert.Equal(t, 0.0, agg.HourlyKwh)
	})

	t.Run("Separate devices and hours produce separate rows", func(t *testing.T) {
		db := setupTestDB(t)
		svc := NewRetentionService(db, testRetentionConfig())

		day := time.Now().UTC().AddDate(0, 0, -35).Truncate(24 * time.Hour)
		for i := 0; i < 3; i++ {
			seedSample(t, db, "sys-1", "plug-1", "usage-1", day.Add(10*time.Hour).Add(time.Duration(i)*10*time.Minute), 100, 1.0)
			seedSample(t, db, "sys-1", "plug-2", "usage-2", day.Add(10*time.Hour).Add(time.Duration(i)*10*time.Minute), 200, 2.0)
			seedSample(t, db, "sys-1", "plug-1", "usage-1", day.Add(11*time.Hour).Add(time.Duration(i)*10*time.Minute), 100, 1.0)
		}

		report, err := svc.Run(context.Background(), "sys-1", false)
		require.NoError(t, err)
		assert.Equal(t, 3, report.SamplesDownsampled)
	})
}

func TestRetentionPurge(t *testing.T) {
	t.Run("Raw samples age out at the window boundary", func(t *testing.T) {
		db := setupTestDB(t)
		svc := NewRetentionService(db, testRetentionConfig())

		now := time.Now().UTC()
		seedSample(t, db, "sys-1", "plug-1", "usage-old", now.AddDate(0, 0, -91), 100, 1.0)
		seedSample(t, db, "sys-1", "plug-1", "usage-old", now.AddDate(0, 0, -95), 100, 1.0)
		seedSample(t, db, "sys-1", "plug-1", "usage-old", now.AddDate(0, 0, -120), 100, 1.0)
		seedSample(t, db, "sys-1", "plug-1", "usage-new", now.AddDate(0, 0, -89), 100, 1.0)
		seedSample(t, db, "sys-1", "plug-1", "usage-new", now.AddDate(0, 0, -1), 100, 1.0)
		// Another tenant's data must survive untouched.
		seedSample(t, db, "sys-2", "plug-9", "usage-x", now.AddDate(0, 0, -120), 100, 1.0)

		report, err := svc.Run(context.Background(), "sys-1", false)
		require.NoError(t, err)
		assert.Equal(t, int64(3), report.RawSamplesDeleted)

		var remaining []models.RawPowerSample
		require.NoError(t, db.Find(&remaining).Error)
		assert.Len(t, remaining, 3)
		for _, smp := range remaining {
			if smp.SystemID == "sys-1" {
				assert.True(t, smp.Timestamp.After(now.AddDate(0, 0, -90)))
			}
		}
	})

	t.Run("Disaggregated facts age out after the long window", func(t *testing.T) {
		db := setupTestDB(t)
		svc := NewRetentionService(db, testRetentionConfig())

		now := time.Now()
		old := models.ServiceEnergyUsage{
			SystemID: "sys-1", ClinicID: "clinic-1", UserID: "user-1",
			ServiceID: "svc-1", UsageID: "usage-old", Kwh: 1.2, Minutes: 30,
		}
		require.NoError(t, db.Create(&old).Error)
		require.NoError(t, db.Model(&old).UpdateColumn("created_at", now.AddDate(-4, 0, 0)).Error)

		recent := models.ServiceEnergyUsage{
			SystemID: "sys-1", ClinicID: "clinic-1", UserID: "user-1",
			ServiceID: "svc-1", UsageID: "usage-new", Kwh: 1.1, Minutes: 28,
		}
		require.NoError(t, db.Create(&recent).Error)
		require.NoError(t, db.Model(&recent).UpdateColumn("created_at", now.AddDate(-2, 0, 0)).Error)

		report, err := svc.Run(context.Background(), "sys-1", false)
		require.NoError(t, err)
		assert.Equal(t, int64(1), report.DisaggregatedDeleted)

		var remaining []models.ServiceEnergyUsage
		require.NoError(t, db.Find(&remaining).Error)
		require.Len(t, remaining, 1)
		assert.Equal(t, "usage-new", remaining[0].UsageID)
	})

	t.Run("Dry run reports counts without deleting", func(t *testing.T) {
		db := setupTestDB(t)
		svc := NewRetentionService(db, testRetentionConfig())

		now := time.Now().UTC()
		hour := now.AddDate(0, 0, -35).Truncate(24 * time.Hour).Add(10 * time.Hour)
		for i := 0; i < 3; i++ {
			seedSample(t, db, "sys-1", "plug-1", "usage-1", hour.Add(time.Duration(i)*10*time.Minute), 100, 1.0)
		}
		seedSample(t, db, "sys-1", "plug-1", "usage-old", now.AddDate(0, 0, -100), 100, 1.0)

		report, err := svc.Run(context.Background(), "sys-1", true)
		require.NoError(t, err)
		assert.True(t, report.DryRun)
		assert.Equal(t, 1, report.SamplesDownsampled)
		assert.Equal(t, int64(1), report.RawSamplesDeleted)

		var samples, aggregates int64
		require.NoError(t, db.Model(&models.RawPowerSample{}).Count(&samples).Error)
		require.NoError(t, db.Model(&models.HourlyPowerAggregate{}).Count(&aggregates).Error)
		assert.Equal(t, int64(4), samples)
		assert.Equal(t, int64(0), aggregates)
	})
}

func TestRetentionRunLock(t *testing.T) {
	db := setupTestDB(t)
	svc := NewRetentionService(db, testRetentionConfig())

	require.NoError(t, svc.acquire("sys-1"))
	defer svc.release("sys-1")

	_, err := svc.Run(context.Background(), "sys-1", false)
	assert.ErrorIs(t, err, ErrRunInProgress)

	// A different tenant is unaffected.
	_, err = svc.Run(context.Background(), "sys-2", false)
	assert.NoError(t, err)
}

func TestRetentionCancellation(t *testing.T) {
	db := setupTestDB(t)
	svc := NewRetentionService(db, testRetentionConfig())

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		seedSample(t, db, "sys-1", "plug-1", "usage-old", now.AddDate(0, 0, -100).Add(time.Duration(i)*time.Minute), 100, 1.0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := svc.Run(ctx, "sys-1", false)
	require.NoError(t, err) // report still produced
	assert.True(t, report.Truncated)
	assert.NotEmpty(t, report.Errors)

	// Nothing was deleted after cancellation took effect.
	var count int64
	require.NoError(t, db.Model(&models.RawPowerSample{}).Count(&count).Error)
	assert.Equal(t, int64(5), count)
}
