// Command retention runs the three-stage sample lifecycle for one tenant:
// down-sample raw samples into hourly aggregates, purge raw samples past
// the raw window, purge disaggregated facts past the long window.
//
// Usage:
//
//	retention --system=SYSTEM_ID [--dry-run] [--verbose]
//
// Environment:
//
//	DB_PATH                        sqlite database path (default ./telemetry.db)
//	RETENTION_RAW_DAYS             raw sample window in days (default 90)
//	RETENTION_DISAGGREGATED_YEARS  disaggregated fact window in years (default 3)
//	RETENTION_BATCH_SIZE           rows per delete batch (default 1000)
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/clinicore/smartplug-telemetry/internal/models"
	"github.com/clinicore/smartplug-telemetry/internal/services"
	"github.com/joho/godotenv"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	systemID := flag.String("system", "", "tenant identifier (required)")
	dryRun := flag.Bool("dry-run", false, "report intended changes without writing")
	verbose := flag.Bool("verbose", false, "log per-stage progress")
	flag.Parse()

	if *systemID == "" {
		fmt.Fprintln(os.Stderr, "Error: --system=SYSTEM_ID is required")
		flag.Usage()
		os.Exit(2)
	}

	// .env is optional; environment variables win either way
	_ = godotenv.Load()

	cfg := services.DefaultRetentionConfig()
	cfg.Verbose = *verbose
	if v := envInt("RETENTION_RAW_DAYS"); v > 0 {
		cfg.RetentionRawDays = v
	}
	if v := envInt("RETENTION_DISAGGREGATED_YEARS"); v > 0 {
		cfg.RetentionDisaggregatedYears = v
	}
	if v := envInt("RETENTION_BATCH_SIZE"); v > 0 {
		cfg.BatchSize = v
	}

	db, err := openDB(*verbose)
	if err != nil {
		log.Fatalf("❌ Cannot reach data store: %v", err)
	}

	svc := services.NewRetentionService(db, cfg)

	log.Printf("🚀 Starting retention run for system %s (raw=%dd, disaggregated=%dy)",
		*systemID, cfg.RetentionRawDays, cfg.RetentionDisaggregatedYears)
	if *dryRun {
		log.Printf("🔍 Dry-run mode: no changes will be written")
	}

	report, err := svc.Run(context.Background(), *systemID, *dryRun)
	if err != nil {
		log.Fatalf("❌ Retention run failed: %v", err)
	}

	printReport(report)
	os.Exit(0)
}

func openDB(verbose bool) (*gorm.DB, error) {
	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = "./telemetry.db"
	}

	logLevel := logger.Error
	if verbose {
		logLevel = logger.Info
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(
		&models.RawPowerSample{},
		&models.HourlyPowerAggregate{},
		&models.ServiceEnergyUsage{},
	)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func printReport(report *services.RetentionReport) {
	log.Printf("📋 Retention report for system %s", report.SystemID)
	log.Printf("⏱️  Elapsed: %s", report.Elapsed.Round(time.Millisecond))
	log.Printf("📈 Hourly aggregates written: %d", report.SamplesDownsampled)
	log.Printf("🗑️  Raw samples deleted: %d", report.RawSamplesDeleted)
	log.Printf("🗑️  Disaggregated records deleted: %d", report.DisaggregatedDeleted)
	if report.Truncated {
		log.Printf("⏰ Run stopped at the wall-clock budget; remaining work continues next run")
	}
	if len(report.Errors) > 0 {
		log.Printf("❌ Errors: %d", len(report.Errors))
		for i, msg := range report.Errors {
			log.Printf("   %d. %s", i+1, msg)
		}
	} else {
		log.Printf("✅ Completed without errors")
	}
}

func envInt(key string) int {
	raw := os.Getenv(key)
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("⚠️ Ignoring invalid %s=%q", key, raw)
		return 0
	}
	return v
}
