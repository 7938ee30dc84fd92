package api

import (
	"github.com/clinicore/smartplug-telemetry/internal/services"
	"github.com/gofiber/fiber/v2"
)

// DiscoveryHandler handles plug discovery HTTP requests
type DiscoveryHandler struct {
	service *services.DiscoveryService
}

// NewDiscoveryHandler creates a new discovery handler
func NewDiscoveryHandler(service *services.DiscoveryService) *DiscoveryHandler {
	return &DiscoveryHandler{service: service}
}

// StartScanRequest represents the request body for starting a discovery scan
type StartScanRequest struct {
	CIDR string `json:"cidr,omitempty"` // Optional: auto-detect if not provided
}

// StartScan handles POST /api/v1/discovery/scan
func (h *DiscoveryHandler) StartScan(c *fiber.Ctx) error {
	var req StartScanRequest
	if err := c.BodyParser(&req); err != nil {
		// No body is fine, the network gets auto-detected
		req.CIDR = ""
	}

	cidr := req.CIDR
	if cidr == "" {
		detected, err := h.service.DetectLocalNetwork()
		if err != nil {
			return c.Status(400).JSON(ErrorResponse{
				Error: "Could not detect local network. Please provide a CIDR range.",
			})
		}
		cidr = detected
	}

	scanID, err := h.service.StartScan(c.Context(), cidr)
	if err != nil {
		return HandleError(c, 400, err, "Failed to start discovery scan")
	}

	return c.Status(201).JSON(fiber.Map{
		"scan_id": scanID,
		"cidr":    cidr,
		"message": "Discovery scan started",
	})
}

// GetScanProgress handles GET /api/v1/discovery/scan/:id
func (h *DiscoveryHandler) GetScanProgress(c *fiber.Ctx) error {
	progress, err := h.service.GetScanProgress(c.Params("id"))
	if err != nil {
		return c.Status(404).JSON(ErrorResponse{Error: "Scan not found"})
	}
	return c.JSON(progress)
}

// CancelScan handles DELETE /api/v1/discovery/scan/:id
func (h *DiscoveryHandler) CancelScan(c *fiber.Ctx) error {
	if err := h.service.CancelScan(c.Params("id")); err != nil {
		return HandleError(c, 404, err, "Scan not found")
	}
	return c.JSON(fiber.Map{"success": true})
}

// DetectNetwork handles GET /api/v1/discovery/detect-network
func (h *DiscoveryHandler) DetectNetwork(c *fiber.Ctx) error {
	cidr, err := h.service.DetectLocalNetwork()
	if err != nil {
		return c.Status(400).JSON(ErrorResponse{Error: "Could not detect local network"})
	}
	return c.JSON(fiber.Map{"cidr": cidr})
}

// RegisterRoutes registers all discovery routes
func (h *DiscoveryHandler) RegisterRoutes(router fiber.Router) {
	discovery := router.Group("/discovery")
	discovery.Get("/detect-network", h.DetectNetwork)
	discovery.Post("/scan", h.StartScan)
	discovery.Get("/scan/:id", h.GetScanProgress)
	discovery.Delete("/scan/:id", h.CancelScan)
}
