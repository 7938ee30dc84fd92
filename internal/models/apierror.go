package models

import "fmt"

// Error codes for structured error handling
const (
	ErrCodeDeviceNotFound         = "DEVICE_NOT_FOUND"
	ErrCodeCredentialNotFound     = "CREDENTIAL_NOT_FOUND"
	ErrCodeChannelUnavailable     = "CHANNEL_UNAVAILABLE"
	ErrCodeCommandTimeout         = "COMMAND_TIMEOUT"
	ErrCodeUnrecognizedGeneration = "UNRECOGNIZED_GENERATION"
	ErrCodeSyncFailed             = "SYNC_FAILED"
	ErrCodeValidationFailed       = "VALIDATION_FAILED"
	ErrCodeInternalError          = "INTERNAL_ERROR"
)

// APIError represents a structured error with code and optional details
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"` // Original error (not exposed to client)
}

// Error implements the error interface
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *APIError) Unwrap() error {
	return e.Err
}

// NewAPIError creates a new APIError
func NewAPIError(code, message string, details map[string]interface{}) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// WrapError wraps an existing error with an APIError
func WrapError(code, message string, err error, details map[string]interface{}) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
		Details: details,
		Err:     err,
	}
}

// NewDeviceNotFoundError creates a not found error for a device
func NewDeviceNotFoundError(deviceID string) *APIError {
	return NewAPIError(
		ErrCodeDeviceNotFound,
		"Device not found",
		map[string]interface{}{
			"device_id": deviceID,
		},
	)
}

// NewCredentialNotFoundError creates a not found error for a credential
func NewCredentialNotFoundError(credentialID string) *APIError {
	return NewAPIError(
		ErrCodeCredentialNotFound,
		"Credential not found",
		map[string]interface{}{
			"credential_id": credentialID,
		},
	)
}

// NewChannelUnavailableError wraps a command that failed because the
// device's command channel could not be reached.
func NewChannelUnavailableError(deviceID string, err error) *APIError {
	return WrapError(
		ErrCodeChannelUnavailable,
		"Device command channel unavailable",
		err,
		map[string]interface{}{
			"device_id": deviceID,
		},
	)
}

// NewCommandTimeoutError wraps a command the device never answered within
// the bounded wait. The channel itself stays healthy.
func NewCommandTimeoutError(deviceID string, err error) *APIError {
	return WrapError(
		ErrCodeCommandTimeout,
		"Device did not respond in time",
		err,
		map[string]interface{}{
			"device_id": deviceID,
		},
	)
}

// NewSyncFailedError wraps a sync failure. The device keeps its last-known
// state; only the online flag and last-seen timestamp change.
func NewSyncFailedError(deviceID string, err error) *APIError {
	return WrapError(
		ErrCodeSyncFailed,
		"Could not sync device",
		err,
		map[string]interface{}{
			"device_id": deviceID,
		},
	)
}

// NewUnrecognizedGenerationError is returned when a device info blob
// matches none of the known generation shapes.
func NewUnrecognizedGenerationError(deviceID string, err error) *APIError {
	return WrapError(
		ErrCodeUnrecognizedGeneration,
		"Device generation not recognized",
		err,
		map[string]interface{}{
			"device_id": deviceID,
		},
	)
}

// NewValidationError creates a validation error
func NewValidationError(message string, fields []string) *APIError {
	return NewAPIError(
		ErrCodeValidationFailed,
		message,
		map[string]interface{}{
			"invalid_fields": fields,
		},
	)
}
