package services

import (
	"fmt"
	"math"
	"sort"

	"github.com/clinicore/smartplug-telemetry/internal/models"
	"gorm.io/gorm"
)

// Performance flags attached to a profile by the benchmark comparison
const (
	FlagHighEnergyUsage    = "HIGH_ENERGY_USAGE"
	FlagEnergyEfficient    = "ENERGY_EFFICIENT"
	FlagSlowService        = "SLOW_SERVICE"
	FlagFastService        = "FAST_SERVICE"
	FlagInconsistentEnergy = "INCONSISTENT_ENERGY"
	FlagInconsistentTime   = "INCONSISTENT_TIME"
	FlagEnergyOutlier      = "ENERGY_OUTLIER"
	FlagTimeOutlier        = "TIME_OUTLIER"
)

// outlierPenalty is the flat score added per IQR outlier flag
const outlierPenalty = 25.0

// ProfileFilters narrows the profile query
type ProfileFilters struct {
	SystemID             string
	ClinicID             string
	UserID               string
	ServiceID            string
	HourBucket           *int
	MinSamples           int     // default 5
	PerformanceThreshold float64 // percent, default 20
}

// ServiceBenchmark is the per-service peer statistic computed at query
// time over every qualifying profile of that service. It is never
// persisted.
type ServiceBenchmark struct {
	ServiceID     string  `json:"service_id"`
	Profiles      int     `json:"profiles"`
	MeanKwh       float64 `json:"mean_kwh"`
	MeanMinutes   float64 `json:"mean_minutes"`
	StdDevKwh     float64 `json:"std_dev_kwh"`
	StdDevMinutes float64 `json:"std_dev_minutes"`
	Q1Kwh         float64 `json:"q1_kwh"`
	Q3Kwh         float64 `json:"q3_kwh"`
	Q1Minutes     float64 `json:"q1_minutes"`
	Q3Minutes     float64 `json:"q3_minutes"`
}

// BenchmarkComparison relates one profile metric to its service benchmark
type BenchmarkComparison struct {
	BenchmarkMean    float64 `json:"benchmark_mean"`
	Efficiency       float64 `json:"efficiency"` // percent, positive = better than peers
	QuartilePosition string  `json:"quartile_position"`
}

// MetricInsight is the enriched view of one metric (energy or time)
type MetricInsight struct {
	Mean           float64              `json:"mean"`
	StdDev         float64              `json:"std_dev"`
	VariabilityPct float64              `json:"variability_pct"`
	Benchmark      *BenchmarkComparison `json:"benchmark,omitempty"`
}

// PerformanceInsight is the scored verdict for one profile
type PerformanceInsight struct {
	Level         string   `json:"level"` // good | average | below_average | poor
	Score         float64  `json:"score"`
	Flags         []string `json:"flags"`
	NeedsTraining bool     `json:"needs_training"`
	IsOutlier     bool     `json:"is_outlier"`
}

// ProfileInsight is one enriched profile row
type ProfileInsight struct {
	ProfileID  string `json:"profile_id"`
	UserID     string `json:"user_id"`
	ServiceID  string `json:"service_id"`
	ClinicID   string `json:"clinic_id"`
	HourBucket int    `json:"hour_bucket"`

	Energy      MetricInsight      `json:"energy"`
	Time        MetricInsight      `json:"time"`
	Performance PerformanceInsight `json:"performance"`

	Samples         int    `json:"samples"`
	ConfidenceLevel string `json:"confidence_level"` // high | medium | low
}

// PerformerSummary is a compact row for the top/poor performer lists
type PerformerSummary struct {
	UserID    string   `json:"user_id"`
	ServiceID string   `json:"service_id"`
	Score     float64  `json:"score"`
	Flags     []string `json:"flags,omitempty"`
}

// ReportMetadata summarizes the whole query result
type ReportMetadata struct {
	TotalProfiles           int                `json:"total_profiles"`
	PoorPerformers          int                `json:"poor_performers"`
	NeedTraining            int                `json:"need_training"`
	PerformanceDistribution map[string]int     `json:"performance_distribution"`
	TopPerformers           []PerformerSummary `json:"top_performers"`
	PoorPerformersList      []PerformerSummary `json:"poor_performers_list"`
	Filters                 ProfileFilters     `json:"filters"`
}

// ProfileReport is the full analytics response
type ProfileReport struct {
	Profiles []ProfileInsight `json:"profiles"`
	Metadata ReportMetadata   `json:"metadata"`
}

// InsightsService computes benchmark and outlier analytics over the
// persisted energy profiles. All scoring is pure arithmetic: the same
// profiles and benchmarks always produce the same report.
type InsightsService struct {
	db *gorm.DB
}

// NewInsightsService creates a new insights service
func NewInsightsService(db *gorm.DB) *InsightsService {
	return &InsightsService{db: db}
}

const maxProfilesPerReport = 100

// QueryProfiles loads the qualifying profiles, computes per-service
// benchmarks across all peers, and scores each profile against them.
func (s *InsightsService) QueryProfiles(filters ProfileFilters) (*ProfileReport, error) {
	if filters.SystemID == "" {
		return nil, models.NewValidationError("system_id is required", []string{"system_id"})
	}
	if filters.MinSamples <= 0 {
		filters.MinSamples = 5
	}
	if filters.PerformanceThreshold <= 0 {
		filters.PerformanceThreshold = 20
	}

	// Benchmarks compare against every qualifying peer of the service,
	// not just the profiles the display filters select.
	benchmarks, err := s.computeBenchmarks(filters.SystemID, filters.ServiceID, filters.MinSamples)
	if err != nil {
		return nil, fmt.Errorf("computing benchmarks: %w", err)
	}

	query := s.db.
		Where("system_id = ? AND samples >= ?", filters.SystemID, filters.MinSamples)
	if filters.ClinicID != "" {
		query = query.Where("clinic_id = ?", filters.ClinicID)
	}
	if filters.UserID != "" {
		query = query.Where("user_id = ?", filters.UserID)
	}
	if filters.ServiceID != "" {
		query = query.Where("service_id = ?", filters.ServiceID)
	}
	if filters.HourBucket != nil {
		query = query.Where("hour_bucket = ?", *filters.HourBucket)
	}

	var profiles []models.UserServiceEnergyProfile
	err = query.
		Order("std_dev_kwh desc").
		Order("samples desc").
		Limit(maxProfilesPerReport).
		Find(&profiles).Error
	if err != nil {
		return nil, fmt.Errorf("loading profiles: %w", err)
	}

	insights := make([]ProfileInsight, 0, len(profiles))
	for i := range profiles {
		insights = append(insights, scoreProfile(&profiles[i], benchmarks[profiles[i].ServiceID], filters.PerformanceThreshold))
	}

	return &ProfileReport{
		Profiles: insights,
		Metadata: buildMetadata(insights, filters),
	}, nil
}

// computeBenchmarks derives each service's peer statistics (mean, sample
// stddev, quartiles via linear interpolation) from all qualifying
// profiles of that service.
func (s *InsightsService) computeBenchmarks(systemID, serviceID string, minSamples int) (map[string]*ServiceBenchmark, error) {
	query := s.db.
		Where("system_id = ? AND samples >= ?", systemID, minSamples)
	if serviceID != "" {
		query = query.Where("service_id = ?", serviceID)
	}

	var peers []models.UserServiceEnergyProfile
	if err := query.Find(&peers).Error; err != nil {
		return nil, err
	}

	byService := make(map[string][]models.UserServiceEnergyProfile)
	for _, p := range peers {
		byService[p.ServiceID] = append(byService[p.ServiceID], p)
	}

	benchmarks := make(map[string]*ServiceBenchmark, len(byService))
	for svc, group := range byService {
		kwh := make([]float64, len(group))
		minutes := make([]float64, len(group))
		for i, p := range group {
			kwh[i] = p.MeanKwh
			minutes[i] = p.MeanMinutes
		}
		sort.Float64s(kwh)
		sort.Float64s(minutes)

		benchmarks[svc] = &ServiceBenchmark{
			ServiceID:     svc,
			Profiles:      len(group),
			MeanKwh:       mean(kwh),
			MeanMinutes:   mean(minutes),
			StdDevKwh:     sampleStdDev(kwh),
			StdDevMinutes: sampleStdDev(minutes),
			Q1Kwh:         percentile(kwh, 0.25),
			Q3Kwh:         percentile(kwh, 0.75),
			Q1Minutes:     percentile(minutes, 0.25),
			Q3Minutes:     percentile(minutes, 0.75),
		}
	}

	return benchmarks, nil
}

// scoreProfile is the pure scoring formula. Given the same profile,
// benchmark and threshold it always produces the same insight.
func scoreProfile(p *models.UserServiceEnergyProfile, bench *ServiceBenchmark, threshold float64) ProfileInsight {
	variabilityKwh := variabilityPct(p.StdDevKwh, p.MeanKwh)
	variabilityTime := variabilityPct(p.StdDevMinutes, p.MeanMinutes)

	insight := ProfileInsight{
		ProfileID:  p.ID.String(),
		UserID:     p.UserID,
		ServiceID:  p.ServiceID,
		ClinicID:   p.ClinicID,
		HourBucket: p.HourBucket,
		Energy: MetricInsight{
			Mean:           round3(p.MeanKwh),
			StdDev:         round3(p.StdDevKwh),
			VariabilityPct: variabilityKwh,
		},
		Time: MetricInsight{
			Mean:           round2(p.MeanMinutes),
			StdDev:         round2(p.StdDevMinutes),
			VariabilityPct: variabilityTime,
		},
		Samples:         p.Samples,
		ConfidenceLevel: confidenceLevel(p.Samples),
	}

	var flags []string
	var score float64

	if bench != nil {
		energyEfficiency := efficiencyPct(bench.MeanKwh, p.MeanKwh)
		timeEfficiency := efficiencyPct(bench.MeanMinutes, p.MeanMinutes)

		insight.Energy.Benchmark = &BenchmarkComparison{
			BenchmarkMean:    round3(bench.MeanKwh),
			Efficiency:       math.Round(energyEfficiency),
			QuartilePosition: quartilePosition(p.MeanKwh, bench.Q1Kwh, bench.MeanKwh, bench.Q3Kwh),
		}
		insight.Time.Benchmark = &BenchmarkComparison{
			BenchmarkMean:    round2(bench.MeanMinutes),
			Efficiency:       math.Round(timeEfficiency),
			QuartilePosition: quartilePosition(p.MeanMinutes, bench.Q1Minutes, bench.MeanMinutes, bench.Q3Minutes),
		}

		if energyEfficiency < -threshold {
			flags = append(flags, FlagHighEnergyUsage)
			score += math.Abs(energyEfficiency)
		} else if energyEfficiency > threshold {
			flags = append(flags, FlagEnergyEfficient)
		}

		if timeEfficiency < -threshold {
			flags = append(flags, FlagSlowService)
			score += math.Abs(timeEfficiency)
		} else if timeEfficiency > threshold {
			flags = append(flags, FlagFastService)
		}

		if variabilityKwh > threshold {
			flags = append(flags, FlagInconsistentEnergy)
			score += variabilityKwh
		}
		if variabilityTime > threshold {
			flags = append(flags, FlagInconsistentTime)
			score += variabilityTime
		}

		if isIQROutlier(p.MeanKwh, bench.Q1Kwh, bench.Q3Kwh) {
			flags = append(flags, FlagEnergyOutlier)
			score += outlierPenalty
		}
		if isIQROutlier(p.MeanMinutes, bench.Q1Minutes, bench.Q3Minutes) {
			flags = append(flags, FlagTimeOutlier)
			score += outlierPenalty
		}
	}

	insight.Performance = PerformanceInsight{
		Level:         performanceLevel(score),
		Score:         math.Round(score),
		Flags:         flags,
		NeedsTraining: needsTraining(flags),
		IsOutlier:     hasFlag(flags, FlagEnergyOutlier) || hasFlag(flags, FlagTimeOutlier),
	}

	return insight
}

// variabilityPct is stddev relative to mean, in whole percent. A zero
// mean yields zero rather than a division error.
func variabilityPct(stdDev, mean float64) float64 {
	if mean <= 0 {
		return 0
	}
	return math.Round(stdDev / mean * 100)
}

// efficiencyPct compares a profile mean against the peer benchmark;
// positive means better (lower) than the peer average.
func efficiencyPct(benchmarkMean, profileMean float64) float64 {
	if benchmarkMean <= 0 {
		return 0
	}
	return (benchmarkMean - profileMean) / benchmarkMean * 100
}

// isIQROutlier applies the 1.5×IQR rule. The boundary itself is not an
// outlier; only values strictly outside the whiskers are flagged.
func isIQROutlier(value, q1, q3 float64) bool {
	iqr := q3 - q1
	return value > q3+1.5*iqr || value < q1-1.5*iqr
}

func performanceLevel(score float64) string {
	switch {
	case score > 80:
		return "poor"
	case score > 40:
		return "below_average"
	case score > 20:
		return "average"
	default:
		return "good"
	}
}

func needsTraining(flags []string) bool {
	for _, f := range flags {
		switch f {
		case FlagHighEnergyUsage, FlagSlowService, FlagInconsistentEnergy, FlagInconsistentTime:
			return true
		}
	}
	return false
}

func confidenceLevel(samples int) string {
	switch {
	case samples >= 20:
		return "high"
	case samples >= 10:
		return "medium"
	default:
		return "low"
	}
}

func quartilePosition(value, q1, mean, q3 float64) string {
	switch {
	case value <= q1:
		return "Q1"
	case value <= mean:
		return "Q2"
	case value <= q3:
		return "Q3"
	default:
		return "Q4"
	}
}

func buildMetadata(insights []ProfileInsight, filters ProfileFilters) ReportMetadata {
	distribution := map[string]int{"good": 0, "average": 0, "below_average": 0, "poor": 0}
	needTraining := 0

	var good, poor []ProfileInsight
	for _, ins := range insights {
		distribution[ins.Performance.Level]++
		if ins.Performance.NeedsTraining {
			needTraining++
		}
		switch ins.Performance.Level {
		case "good":
			good = append(good, ins)
		case "poor":
			poor = append(poor, ins)
		}
	}

	sort.SliceStable(good, func(i, j int) bool {
		return good[i].Performance.Score < good[j].Performance.Score
	})
	sort.SliceStable(poor, func(i, j int) bool {
		return poor[i].Performance.Score > poor[j].Performance.Score
	})

	top := make([]PerformerSummary, 0, 5)
	for _, ins := range good {
		if len(top) == 5 {
			break
		}
		top = append(top, PerformerSummary{
			UserID:    ins.UserID,
			ServiceID: ins.ServiceID,
			Score:     ins.Performance.Score,
		})
	}

	worst := make([]PerformerSummary, 0, 10)
	for _, ins := range poor {
		if len(worst) == 10 {
			break
		}
		worst = append(worst, PerformerSummary{
			UserID:    ins.UserID,
			ServiceID: ins.ServiceID,
			Score:     ins.Performance.Score,
			Flags:     ins.Performance.Flags,
		})
	}

	return ReportMetadata{
		TotalProfiles:           len(insights),
		PoorPerformers:          distribution["poor"],
		NeedTraining:            needTraining,
		PerformanceDistribution: distribution,
		TopPerformers:           top,
		PoorPerformersList:      worst,
		Filters:                 filters,
	}
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

func mean(sorted []float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return sum / float64(len(sorted))
}

// sampleStdDev matches SQL STDDEV (n-1 denominator)
func sampleStdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sum float64
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)-1))
}

// percentile interpolates linearly between order statistics, matching
// PERCENTILE_CONT.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}

	pos := p * float64(n-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
