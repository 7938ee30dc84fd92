package api

import (
	"errors"

	"github.com/clinicore/smartplug-telemetry/internal/models"
	"github.com/clinicore/smartplug-telemetry/internal/services"
	"github.com/gofiber/fiber/v2"
)

// DeviceHandler handles device-related HTTP requests
type DeviceHandler struct {
	service *services.SyncService
	control *services.ControlService
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(service *services.SyncService, control *services.ControlService) *DeviceHandler {
	return &DeviceHandler{service: service, control: control}
}

// GetDevice handles GET /api/v1/devices/:deviceId
// Returns the persisted live state for display; a previously failed sync
// still leaves the last-known state available here.
func (h *DeviceHandler) GetDevice(c *fiber.Ctx) error {
	systemID, ok := requireSystemID(c)
	if !ok {
		return c.Status(400).JSON(ErrorResponse{Error: "Missing X-System-ID header"})
	}

	device, err := h.service.GetDeviceState(systemID, c.Params("deviceId"))
	if err != nil {
		var apiErr *models.APIError
		if errors.As(err, &apiErr) && apiErr.Code == models.ErrCodeDeviceNotFound {
			return HandleError(c, 404, err, "Device not found")
		}
		return HandleError(c, 500, err, "Failed to load device")
	}

	return c.JSON(device)
}

// SyncDevice handles POST /api/v1/devices/:deviceId/sync
func (h *DeviceHandler) SyncDevice(c *fiber.Ctx) error {
	systemID, ok := requireSystemID(c)
	if !ok {
		return c.Status(400).JSON(ErrorResponse{Error: "Missing X-System-ID header"})
	}

	result, err := h.service.SyncDevice(c.Context(), systemID, c.Params("deviceId"))
	if err != nil {
		var apiErr *models.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.Code {
			case models.ErrCodeDeviceNotFound:
				return HandleError(c, 404, err, "Device not found")
			case models.ErrCodeSyncFailed, models.ErrCodeUnrecognizedGeneration:
				return HandleError(c, 502, err, "Could not sync device")
			}
		}
		return HandleError(c, 500, err, "Could not sync device")
	}

	return c.JSON(fiber.Map{
		"success":        true,
		"generation":     result.Generation,
		"updated_fields": result.UpdatedFields,
		"device_info":    result.DeviceInfo,
	})
}

// ControlDeviceRequest represents the request body for a relay command
type ControlDeviceRequest struct {
	Action string `json:"action" validate:"required,oneof=on off"`
}

// ControlDevice handles POST /api/v1/devices/:deviceId/control
func (h *DeviceHandler) ControlDevice(c *fiber.Ctx) error {
	systemID, ok := requireSystemID(c)
	if !ok {
		return c.Status(400).JSON(ErrorResponse{Error: "Missing X-System-ID header"})
	}

	var req ControlDeviceRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(ErrorResponse{Error: "Invalid request body"})
	}

	if err := ValidateRequest(c, &req); err != nil {
		return err
	}

	on := req.Action == "on"
	if err := h.control.SetRelay(c.Context(), systemID, c.Params("deviceId"), on); err != nil {
		var apiErr *models.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.Code {
			case models.ErrCodeDeviceNotFound:
				return HandleError(c, 404, err, "Device not found")
			case models.ErrCodeChannelUnavailable:
				return HandleError(c, 503, err, "Device command channel unavailable")
			case models.ErrCodeCommandTimeout:
				return HandleError(c, 504, err, "Device did not respond in time")
			}
		}
		return HandleError(c, 500, err, "Could not control device")
	}

	return c.JSON(fiber.Map{
		"success":  true,
		"relay_on": on,
	})
}

// RegisterRoutes registers device routes
func (h *DeviceHandler) RegisterRoutes(router fiber.Router) {
	devices := router.Group("/devices")
	devices.Get("/:deviceId", h.GetDevice)
	devices.Post("/:deviceId/sync", h.SyncDevice)
	devices.Post("/:deviceId/control", h.ControlDevice)
}
