package services

import (
	"os"
	"testing"

	"github.com/clinicore/smartplug-telemetry/internal/models"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// TestMain runs once before all tests in this package
func TestMain(m *testing.M) {
	// Lets NewCredentialService fall back to a default file password in tests
	os.Setenv("GO_ENV", "test")

	os.Exit(m.Run())
}

// setupTestDB creates an in-memory SQLite database for testing
// This is a shared helper used by all test files in the services package
func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "Failed to open in-memory database")

	// Auto-migrate all models used across tests
	err = db.AutoMigrate(
		&models.Device{},
		&models.Credential{},
		&models.RawPowerSample{},
		&models.HourlyPowerAggregate{},
		&models.ServiceEnergyUsage{},
		&models.UserServiceEnergyProfile{},
	)
	require.NoError(t, err, "Failed to run migrations")

	return db
}
