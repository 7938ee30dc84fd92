package services

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/clinicore/smartplug-telemetry/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RetentionConfig holds the retention windows and batching knobs.
// All values are overridable from the environment by the retention CLI.
type RetentionConfig struct {
	RetentionRawDays            int           // raw samples older than this are purged (default 90)
	RetentionDisaggregatedYears int           // disaggregated usage facts older than this are purged (default 3)
	BatchSize                   int           // rows per delete batch (default 1000)
	BatchPause                  time.Duration // pause between delete batches to release locks
	MaxProcessingTime           time.Duration // wall-clock budget for one run
	MaxDaysPerRun               int           // down-sampling day budget per run
	Verbose                     bool
}

// DefaultRetentionConfig returns the production defaults
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		RetentionRawDays:            90,
		RetentionDisaggregatedYears: 3,
		BatchSize:                   1000,
		BatchPause:                  100 * time.Millisecond,
		MaxProcessingTime:           30 * time.Minute,
		MaxDaysPerRun:               30,
	}
}

// RetentionReport is the final run report. It is always produced, even
// when individual stages failed; per-stage errors accumulate in Errors.
type RetentionReport struct {
	SystemID             string        `json:"system_id"`
	DryRun               bool          `json:"dry_run"`
	SamplesDownsampled   int           `json:"samples_downsampled"`
	RawSamplesDeleted    int64         `json:"raw_samples_deleted"`
	DisaggregatedDeleted int64         `json:"disaggregated_deleted"`
	StartedAt            time.Time     `json:"started_at"`
	Elapsed              time.Duration `json:"elapsed"`
	Errors               []string      `json:"errors,omitempty"`
	Truncated            bool          `json:"truncated"` // wall-clock budget hit before finishing
}

// RetentionService runs the three-stage sample lifecycle for one tenant:
// down-sample raw samples into hourly aggregates, purge raw samples past
// the raw window, purge disaggregated facts past the long window.
type RetentionService struct {
	db  *gorm.DB
	cfg RetentionConfig

	// Advisory per-tenant lock so overlapping runs for one system are
	// rejected instead of interleaving.
	runsMu sync.Mutex
	runs   map[string]bool
}

// NewRetentionService creates a new retention service
func NewRetentionService(db *gorm.DB, cfg RetentionConfig) *RetentionService {
	if cfg.RetentionRawDays <= 0 {
		cfg.RetentionRawDays = 90
	}
	if cfg.RetentionDisaggregatedYears <= 0 {
		cfg.RetentionDisaggregatedYears = 3
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.MaxProcessingTime <= 0 {
		cfg.MaxProcessingTime = 30 * time.Minute
	}
	if cfg.MaxDaysPerRun <= 0 {
		cfg.MaxDaysPerRun = 30
	}
	return &RetentionService{
		db:   db,
		cfg:  cfg,
		runs: make(map[string]bool),
	}
}

// ErrRunInProgress is returned when a retention run for the tenant is
// already active in this process.
var ErrRunInProgress = fmt.Errorf("retention run already in progress for this system")

// Run executes all three stages for one tenant. Stage failures are
// recorded in the report and never abort the remaining stages; the only
// error returned is an unacquirable tenant lock.
func (s *RetentionService) Run(ctx context.Context, systemID string, dryRun bool) (*RetentionReport, error) {
	if err := s.acquire(systemID); err != nil {
		return nil, err
	}
	defer s.release(systemID)

	report := &RetentionReport{
		SystemID:  systemID,
		DryRun:    dryRun,
		StartedAt: time.Now(),
	}
	deadline := report.StartedAt.Add(s.cfg.MaxProcessingTime)

	s.logf("[Retention] starting run for system %s (raw=%dd, disaggregated=%dy, dry-run=%v)",
		systemID, s.cfg.RetentionRawDays, s.cfg.RetentionDisaggregatedYears, dryRun)

	s.downsample(ctx, systemID, dryRun, deadline, report)
	s.purgeRawSamples(ctx, systemID, dryRun, deadline, report)
	s.purgeDisaggregated(ctx, systemID, dryRun, deadline, report)

	report.Elapsed = time.Since(report.StartedAt)
	return report, nil
}

// sampleBucket aggregates one (device, usage, hour) group of raw samples
type sampleBucket struct {
	deviceID string
	usageID  string
	hour     time.Time

	count       int
	sumWatts    float64
	maxWatts    float64
	minWatts    float64
	firstEnergy float64
	lastEnergy  float64
	relayOn     bool
}

// minSamplesPerBucket is the smallest bucket worth aggregating; smaller
// buckets are skipped rather than aggregated with low confidence.
const minSamplesPerBucket = 3

// downsample rolls raw samples of whole calendar days into hourly
// aggregates. Days are aggregated well before they become eligible for
// deletion (a third of the raw window), and the upsert on the natural key
// makes re-runs idempotent.
func (s *RetentionService) downsample(ctx context.Context, systemID string, dryRun bool, deadline time.Time, report *RetentionReport) {
	cutoff := report.StartedAt.AddDate(0, 0, -s.cfg.RetentionRawDays/3)

	var dayStrings []string
	err := s.db.Model(&models.RawPowerSample{}).
		Where("system_id = ? AND timestamp < ?", systemID, cutoff).
		Distinct().
		Order("date(timestamp)").
		Limit(s.cfg.MaxDaysPerRun).
		Pluck("date(timestamp)", &dayStrings).Error
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("down-sampling: listing days: %v", err))
		return
	}

	if len(dayStrings) == 0 {
		s.logf("[Retention] no raw samples pending down-sampling")
		return
	}

	for _, dayStr := range dayStrings {
		if s.budgetExceeded(ctx, deadline, report) {
			return
		}

		day, err := time.Parse("2006-01-02", dayStr)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("down-sampling: bad day %q: %v", dayStr, err))
			continue
		}

		if err := s.downsampleDay(systemID, day, dryRun, report); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("down-sampling %s: %v", dayStr, err))
		}
	}
}

func (s *RetentionService) downsampleDay(systemID string, day time.Time, dryRun bool, report *RetentionReport) error {
	dayStart := day
	dayEnd := day.AddDate(0, 0, 1)

	// Skip days that already have hourly rows; the upsert would be a
	// no-op overwrite anyway.
	var existing int64
	err := s.db.Model(&models.HourlyPowerAggregate{}).
		Where("system_id = ? AND hour_timestamp >= ? AND hour_timestamp < ?", systemID, dayStart, dayEnd).
		Count(&existing).Error
	if err != nil {
		return fmt.Errorf("checking existing aggregates: %w", err)
	}
	if existing > 0 {
		return nil
	}

	var samples []models.RawPowerSample
	err = s.db.
		Where("system_id = ? AND timestamp >= ? AND timestamp < ?", systemID, dayStart, dayEnd).
		Order("timestamp").
		Find(&samples).Error
	if err != nil {
		return fmt.Errorf("loading samples: %w", err)
	}
	if len(samples) == 0 {
		return nil
	}

	buckets := bucketSamples(samples)
	aggregated := 0

	for _, b := range buckets {
		// Too few samples for a statistically meaningful aggregate;
		// skipped, not an error.
		if b.count < minSamplesPerBucket {
			continue
		}

		agg := models.HourlyPowerAggregate{
			SystemID:      systemID,
			DeviceID:      b.deviceID,
			UsageID:       b.usageID,
			HourTimestamp: b.hour,
			AvgWatts:      b.sumWatts / float64(b.count),
			MaxWatts:      b.maxWatts,
			MinWatts:      b.minWatts,
			HourlyKwh:     b.kwhDelta(),
			SampleCount:   b.count,
			WasRelayOn:    b.relayOn,
		}

		if !dryRun {
			err := s.db.Clauses(clause.OnConflict{
				Columns: []clause.Column{
					{Name: "system_id"}, {Name: "device_id"},
					{Name: "usage_id"}, {Name: "hour_timestamp"},
				},
				DoUpdates: clause.AssignmentColumns([]string{
					"avg_watts", "max_watts", "min_watts",
					"hourly_kwh", "sample_count", "was_relay_on",
				}),
			}).Create(&agg).Error
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("upserting aggregate %s/%s@%s: %v",
					b.deviceID, b.usageID, b.hour.Format(time.RFC3339), err))
				continue
			}
		}
		aggregated++
	}

	if aggregated > 0 {
		s.logf("[Retention] %s: %d hourly aggregates", day.Format("2006-01-02"), aggregated)
	}
	report.SamplesDownsampled += aggregated
	return nil
}

// kwhDelta is the net energy counter movement within the hour. A counter
// reset mid-hour would make the delta negative, so it clamps at zero.
func (b *sampleBucket) kwhDelta() float64 {
	delta := b.lastEnergy - b.firstEnergy
	if delta < 0 {
		return 0
	}
	return delta
}

func bucketSamples(samples []models.RawPowerSample) []*sampleBucket {
	type key struct {
		deviceID string
		usageID  string
		hour     time.Time
	}

	byKey := make(map[key]*sampleBucket)
	for _, smp := range samples {
		k := key{
			deviceID: smp.DeviceID,
			usageID:  smp.UsageID,
			hour:     smp.Timestamp.UTC().Truncate(time.Hour),
		}
		b, ok := byKey[k]
		if !ok {
			b = &sampleBucket{
				deviceID:    smp.DeviceID,
				usageID:     smp.UsageID,
				hour:        k.hour,
				maxWatts:    smp.Watts,
				minWatts:    smp.Watts,
				firstEnergy: smp.TotalEnergy,
			}
			byKey[k] = b
		}

		b.count++
		b.sumWatts += smp.Watts
		if smp.Watts > b.maxWatts {
			b.maxWatts = smp.Watts
		}
		if smp.Watts < b.minWatts {
			b.minWatts = smp.Watts
		}
		// Samples arrive ordered by timestamp, so this tracks the
		// counter's value at the end of the hour.
		b.lastEnergy = smp.TotalEnergy
		b.relayOn = b.relayOn || smp.RelayOn
	}

	buckets := make([]*sampleBucket, 0, len(byKey))
	for _, b := range byKey {
		buckets = append(buckets, b)
	}
	sort.Slice(buckets, func(i, j int) bool {
		if !buckets[i].hour.Equal(buckets[j].hour) {
			return buckets[i].hour.Before(buckets[j].hour)
		}
		if buckets[i].deviceID != buckets[j].deviceID {
			return buckets[i].deviceID < buckets[j].deviceID
		}
		return buckets[i].usageID < buckets[j].usageID
	})
	return buckets
}

// purgeRawSamples deletes raw samples past the raw retention window in
// fixed-size batches, pausing between batches to keep lock pressure low.
// The budget is only checked between batches; a batch never aborts
// mid-flight.
func (s *RetentionService) purgeRawSamples(ctx context.Context, systemID string, dryRun bool, deadline time.Time, report *RetentionReport) {
	cutoff := report.StartedAt.AddDate(0, 0, -s.cfg.RetentionRawDays)

	var total int64
	err := s.db.Model(&models.RawPowerSample{}).
		Where("system_id = ? AND timestamp < ?", systemID, cutoff).
		Count(&total).Error
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("purge raw: counting: %v", err))
		return
	}
	if total == 0 {
		s.logf("[Retention] no raw samples past the %dd window", s.cfg.RetentionRawDays)
		return
	}

	s.logf("[Retention] %d raw samples past the %dd window", total, s.cfg.RetentionRawDays)

	if dryRun {
		report.RawSamplesDeleted = total
		return
	}

	var deleted int64
	batch := 0
	for {
		if s.budgetExceeded(ctx, deadline, report) {
			break
		}

		res := s.db.Exec(
			`DELETE FROM smart_plug_power_samples WHERE id IN (
				SELECT id FROM smart_plug_power_samples
				WHERE system_id = ? AND timestamp < ?
				LIMIT ?
			)`, systemID, cutoff, s.cfg.BatchSize)
		if res.Error != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("purge raw: batch %d: %v", batch, res.Error))
			break
		}
		if res.RowsAffected == 0 {
			break
		}

		deleted += res.RowsAffected
		batch++
		if batch%10 == 0 {
			s.logf("[Retention] purge raw: %d/%d deleted", deleted, total)
		}

		time.Sleep(s.cfg.BatchPause)
	}

	report.RawSamplesDeleted = deleted
	s.logf("[Retention] purge raw complete: %d samples deleted", deleted)
}

// purgeDisaggregated deletes the per-appointment energy facts past the
// long retention window, batched like the raw purge.
func (s *RetentionService) purgeDisaggregated(ctx context.Context, systemID string, dryRun bool, deadline time.Time, report *RetentionReport) {
	cutoff := report.StartedAt.AddDate(-s.cfg.RetentionDisaggregatedYears, 0, 0)

	var total int64
	err := s.db.Model(&models.ServiceEnergyUsage{}).
		Where("system_id = ? AND created_at < ?", systemID, cutoff).
		Count(&total).Error
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("purge disaggregated: counting: %v", err))
		return
	}
	if total == 0 {
		s.logf("[Retention] no disaggregated records past the %dy window", s.cfg.RetentionDisaggregatedYears)
		return
	}

	if dryRun {
		report.DisaggregatedDeleted = total
		return
	}

	var deleted int64
	for {
		if s.budgetExceeded(ctx, deadline, report) {
			break
		}

		res := s.db.Exec(
			`DELETE FROM appointment_service_energy_usage WHERE id IN (
				SELECT id FROM appointment_service_energy_usage
				WHERE system_id = ? AND created_at < ?
				LIMIT ?
			)`, systemID, cutoff, s.cfg.BatchSize)
		if res.Error != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("purge disaggregated: %v", res.Error))
			break
		}
		if res.RowsAffected == 0 {
			break
		}

		deleted += res.RowsAffected
		time.Sleep(s.cfg.BatchPause)
	}

	report.DisaggregatedDeleted = deleted
	s.logf("[Retention] purge disaggregated complete: %d records deleted", deleted)
}

// budgetExceeded checks cancellation and the wall-clock budget between
// units of work. Already-committed batches stay committed.
func (s *RetentionService) budgetExceeded(ctx context.Context, deadline time.Time, report *RetentionReport) bool {
	select {
	case <-ctx.Done():
		if !report.Truncated {
			report.Truncated = true
			report.Errors = append(report.Errors, fmt.Sprintf("run cancelled: %v", ctx.Err()))
		}
		return true
	default:
	}

	if time.Now().After(deadline) {
		if !report.Truncated {
			report.Truncated = true
			s.logf("[Retention] wall-clock budget reached, stopping cleanly")
		}
		return true
	}
	return false
}

func (s *RetentionService) acquire(systemID string) error {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	if s.runs[systemID] {
		return ErrRunInProgress
	}
	s.runs[systemID] = true
	return nil
}

func (s *RetentionService) release(systemID string) {
	s.runsMu.Lock()
	delete(s.runs, systemID)
	s.runsMu.Unlock()
}

func (s *RetentionService) logf(format string, args ...interface{}) {
	if s.cfg.Verbose {
		log.Printf(format, args...)
	}
}
