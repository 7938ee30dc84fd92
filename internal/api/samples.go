package api

import (
	"errors"
	"time"

	"github.com/clinicore/smartplug-telemetry/internal/models"
	"github.com/clinicore/smartplug-telemetry/internal/services"
	"github.com/gofiber/fiber/v2"
)

// SampleHandler handles raw sample ingestion and disaggregated usage facts
type SampleHandler struct {
	ingest   *services.IngestService
	profiles *services.ProfileService
}

// NewSampleHandler creates a new sample handler
func NewSampleHandler(ingest *services.IngestService, profiles *services.ProfileService) *SampleHandler {
	return &SampleHandler{ingest: ingest, profiles: profiles}
}

// IngestSampleRequest represents the request body for ingesting one raw sample
type IngestSampleRequest struct {
	DeviceID    string    `json:"device_id" validate:"required"`
	UsageID     string    `json:"usage_id" validate:"required"`
	Timestamp   time.Time `json:"timestamp,omitempty"`
	Watts       float64   `json:"watts"`
	TotalEnergy float64   `json:"total_energy"`
	RelayOn     bool      `json:"relay_on"`
}

// RecordUsageRequest represents the request body for one disaggregated usage fact
type RecordUsageRequest struct {
	ClinicID      string  `json:"clinic_id" validate:"required"`
	UserID        string  `json:"user_id" validate:"required"`
	ServiceID     string  `json:"service_id" validate:"required"`
	AppointmentID string  `json:"appointment_id,omitempty"`
	UsageID       string  `json:"usage_id" validate:"required"`
	HourBucket    int     `json:"hour_bucket" validate:"min=0,max=23"`
	Kwh           float64 `json:"kwh"`
	Minutes       float64 `json:"minutes"`
}

// IngestSample handles POST /api/v1/samples
func (h *SampleHandler) IngestSample(c *fiber.Ctx) error {
	systemID, ok := requireSystemID(c)
	if !ok {
		return c.Status(400).JSON(ErrorResponse{Error: "Missing X-System-ID header"})
	}

	var req IngestSampleRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(ErrorResponse{Error: "Invalid request body"})
	}

	if err := ValidateRequest(c, &req); err != nil {
		return err
	}

	sample, err := h.ingest.RecordSample(c.Context(), services.SampleInput{
		SystemID:    systemID,
		DeviceID:    req.DeviceID,
		UsageID:     req.UsageID,
		Timestamp:   req.Timestamp,
		Watts:       req.Watts,
		TotalEnergy: req.TotalEnergy,
		RelayOn:     req.RelayOn,
	})
	if err != nil {
		var apiErr *models.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.Code {
			case models.ErrCodeDeviceNotFound:
				return HandleError(c, 404, err, "Device not found")
			case models.ErrCodeValidationFailed:
				return HandleError(c, 400, err, "Invalid sample")
			}
		}
		return HandleError(c, 500, err, "Failed to record sample")
	}

	return c.Status(201).JSON(sample)
}

// RecordUsage handles POST /api/v1/usages
func (h *SampleHandler) RecordUsage(c *fiber.Ctx) error {
	systemID, ok := requireSystemID(c)
	if !ok {
		return c.Status(400).JSON(ErrorResponse{Error: "Missing X-System-ID header"})
	}

	var req RecordUsageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(ErrorResponse{Error: "Invalid request body"})
	}

	if err := ValidateRequest(c, &req); err != nil {
		return err
	}

	usage, err := h.profiles.RecordUsage(c.Context(), services.UsageInput{
		SystemID:      systemID,
		ClinicID:      req.ClinicID,
		UserID:        req.UserID,
		ServiceID:     req.ServiceID,
		AppointmentID: req.AppointmentID,
		UsageID:       req.UsageID,
		HourBucket:    req.HourBucket,
		Kwh:           req.Kwh,
		Minutes:       req.Minutes,
	})
	if err != nil {
		var apiErr *models.APIError
		if errors.As(err, &apiErr) && apiErr.Code == models.ErrCodeValidationFailed {
			return HandleError(c, 400, err, "Invalid usage")
		}
		return HandleError(c, 500, err, "Failed to record usage")
	}

	return c.Status(201).JSON(usage)
}

// RegisterRoutes registers sample routes
func (h *SampleHandler) RegisterRoutes(router fiber.Router) {
	router.Post("/samples", h.IngestSample)
	router.Post("/usages", h.RecordUsage)
}
