package api

import (
	"strconv"

	"github.com/clinicore/smartplug-telemetry/internal/services"
	"github.com/gofiber/fiber/v2"
)

// InsightsHandler exposes the benchmark and outlier analytics
type InsightsHandler struct {
	service *services.InsightsService
}

// NewInsightsHandler creates a new insights handler
func NewInsightsHandler(service *services.InsightsService) *InsightsHandler {
	return &InsightsHandler{service: service}
}

// GetProfiles handles GET /api/v1/insights/profiles
//
// Query params: clinic_id, user_id, service_id, hour_bucket (0-23),
// min_samples (default 5), performance_threshold (percent, default 20).
func (h *InsightsHandler) GetProfiles(c *fiber.Ctx) error {
	systemID, ok := requireSystemID(c)
	if !ok {
		return c.Status(400).JSON(ErrorResponse{Error: "Missing X-System-ID header"})
	}

	filters := services.ProfileFilters{
		SystemID:  systemID,
		ClinicID:  c.Query("clinic_id"),
		UserID:    c.Query("user_id"),
		ServiceID: c.Query("service_id"),
	}

	if raw := c.Query("hour_bucket"); raw != "" {
		hour, err := strconv.Atoi(raw)
		if err != nil || hour < 0 || hour > 23 {
			return c.Status(400).JSON(ErrorResponse{Error: "hour_bucket must be between 0 and 23"})
		}
		filters.HourBucket = &hour
	}
	if raw := c.Query("min_samples"); raw != "" {
		min, err := strconv.Atoi(raw)
		if err != nil || min < 1 {
			return c.Status(400).JSON(ErrorResponse{Error: "min_samples must be a positive integer"})
		}
		filters.MinSamples = min
	}
	if raw := c.Query("performance_threshold"); raw != "" {
		threshold, err := strconv.ParseFloat(raw, 64)
		if err != nil || threshold <= 0 {
			return c.Status(400).JSON(ErrorResponse{Error: "performance_threshold must be a positive number"})
		}
		filters.PerformanceThreshold = threshold
	}

	report, err := h.service.QueryProfiles(filters)
	if err != nil {
		return HandleError(c, 500, err, "Failed to compute profiles")
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    report,
	})
}

// RegisterRoutes registers insights routes
func (h *InsightsHandler) RegisterRoutes(router fiber.Router) {
	insights := router.Group("/insights")
	insights.Get("/profiles", h.GetProfiles)
}
