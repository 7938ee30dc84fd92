package api

import (
	"log"
	"strings"

	"github.com/clinicore/smartplug-telemetry/internal/models"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

// Global validator instance
var validate = validator.New()

// ErrorResponse represents a sanitized error response for API clients
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// sanitizeError returns a user-friendly error message and logs the detailed error
func sanitizeError(err error, userMessage string) string {
	if err == nil {
		return userMessage
	}

	// Log the detailed error server-side for debugging
	log.Printf("[API Error] %s: %v", userMessage, err)

	errStr := err.Error()

	// Database errors
	if strings.Contains(errStr, "UNIQUE constraint") {
		return "A resource with this value already exists"
	}
	if strings.Contains(errStr, "record not found") || strings.Contains(errStr, "not found") {
		return "Resource not found"
	}

	// Command channel errors
	if strings.Contains(errStr, "channel closed") || strings.Contains(errStr, "dialing channel") {
		return "Device command channel unavailable"
	}
	if strings.Contains(errStr, "timed out") {
		return "Device did not respond in time"
	}
	if strings.Contains(errStr, "generation not recognized") {
		return "Device generation not recognized"
	}

	// Keychain/credential errors
	if strings.Contains(errStr, "keyring") || strings.Contains(errStr, "keychain") {
		return "Failed to manage credentials securely"
	}

	// Default to the provided user message
	return userMessage
}

// HandleError is a helper to return sanitized error responses
func HandleError(c *fiber.Ctx, statusCode int, err error, defaultMessage string) error {
	// Check if this is a structured APIError
	if apiErr, ok := err.(*models.APIError); ok {
		return c.Status(statusCode).JSON(ErrorResponse{
			Error:   apiErr.Message,
			Code:    apiErr.Code,
			Details: apiErr.Details,
		})
	}

	// Otherwise sanitize the error
	sanitized := sanitizeError(err, defaultMessage)
	resp := ErrorResponse{Error: sanitized}
	if statusCode >= 500 {
		resp.Code = models.ErrCodeInternalError
	}
	return c.Status(statusCode).JSON(resp)
}

// ValidateRequest validates a request struct and returns a sanitized error if validation fails
func ValidateRequest(c *fiber.Ctx, req interface{}) error {
	if err := validate.Struct(req); err != nil {
		log.Printf("[Validation Error] %v", err)

		return c.Status(400).JSON(ErrorResponse{
			Error: "Invalid request - please check your input and try again",
		})
	}
	return nil
}

// headerSystemID carries the tenant identifier. Authentication itself
// lives in the surrounding business layer; this core only scopes by the
// tenant it is handed.
const headerSystemID = "X-System-ID"

// requireSystemID responds with 400 when the tenant header is missing
// and returns the extracted value otherwise.
func requireSystemID(c *fiber.Ctx) (string, bool) {
	systemID := c.Get(headerSystemID)
	return systemID, systemID != ""
}
