// Package gateway is the HTTP and WebSocket surface: routing, auth, rate
// limiting, the streaming transports, and the translation of service
// errors into stable API codes.
package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentd/agentd/internal/mcp"
	"github.com/agentd/agentd/internal/runner"
	"github.com/agentd/agentd/internal/session/service"
	v1 "github.com/agentd/agentd/pkg/api/v1"
)

// mapError translates a service-layer error into an HTTP status and a
// stable error body. Unknown errors collapse to INTERNAL_ERROR with no
// detail; detail leaks nothing outside debug mode.
func mapError(err error, debug bool) (int, v1.ErrorBody) {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		return http.StatusNotFound, v1.ErrorBody{
			Code: v1.ErrCodeSessionNotFound, Message: "session not found"}
	case errors.Is(err, runner.ErrSessionTerminal):
		return http.StatusGone, v1.ErrorBody{
			Code: v1.ErrCodeSessionExpired, Message: "session is no longer active"}
	case errors.Is(err, service.ErrSessionLocked), errors.Is(err, runner.ErrSessionBusy):
		return http.StatusConflict, v1.ErrorBody{
			Code: v1.ErrCodeSessionLocked, Message: "session is busy"}
	case errors.Is(err, mcp.ErrForbiddenCommand):
		return http.StatusBadRequest, v1.ErrorBody{
			Code: v1.ErrCodeForbiddenCommand, Message: err.Error()}
	case errors.Is(err, mcp.ErrForbiddenURL):
		return http.StatusBadRequest, v1.ErrorBody{
			Code: v1.ErrCodeForbiddenURL, Message: err.Error()}
	case errors.Is(err, mcp.ErrInvalidServer),
		errors.Is(err, runner.ErrValidation),
		errors.Is(err, service.ErrCrossSessionCheckpoint):
		return http.StatusBadRequest, v1.ErrorBody{
			Code: v1.ErrCodeValidation, Message: err.Error()}
	case errors.Is(err, service.ErrCheckpointNotFound):
		return http.StatusNotFound, v1.ErrorBody{
			Code: v1.ErrCodeValidation, Message: "checkpoint not found"}
	case errors.Is(err, runner.ErrCapacity), errors.Is(err, runner.ErrCacheUnavailable):
		return http.StatusServiceUnavailable, v1.ErrorBody{
			Code: v1.ErrCodeUpstreamUnavailable, Message: "service temporarily unavailable"}
	}

	body := v1.ErrorBody{Code: v1.ErrCodeInternal, Message: "internal error"}
	if debug {
		body.Details = err.Error()
	}
	return http.StatusInternalServerError, body
}

func writeError(c *gin.Context, err error, debug bool) {
	status, body := mapError(err, debug)
	c.JSON(status, v1.ErrorResponse{Error: body})
}

func writeValidationError(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, v1.ErrorResponse{
		Error: v1.ErrorBody{Code: v1.ErrCodeValidation, Message: message},
	})
}
