// Package v1 defines the wire types of the agentd HTTP API: request and
// response bodies, the canonical stream events, and the stable error codes.
package v1

// Stable error codes. Clients dispatch on these strings; they never change.
const (
	ErrCodeInvalidAPIKey       = "INVALID_API_KEY"
	ErrCodeSessionNotFound     = "SESSION_NOT_FOUND"
	ErrCodeSessionExpired      = "SESSION_EXPIRED"
	ErrCodeSessionLocked       = "SESSION_LOCKED"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeWebhook             = "WEBHOOK_ERROR"
	ErrCodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeInternal            = "INTERNAL_ERROR"
	ErrCodeForbiddenURL        = "FORBIDDEN_URL"
	ErrCodeForbiddenCommand    = "FORBIDDEN_COMMAND"
)

// ErrorBody is the error object carried by both pre-stream HTTP responses
// and in-stream error events.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorResponse wraps ErrorBody for non-streaming HTTP error responses.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}
