package api

import (
	"errors"
	"net/http"

	"github.com/renderkit/comfyproxy/internal/service"
	"github.com/renderkit/comfyproxy/internal/store"
)

// MapErrorToStatusCode maps internal errors to appropriate HTTP status codes
// based on the error type. This prevents leaking internal error types or
// messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest

	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, service.ErrInvalidState):
		return http.StatusConflict

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly error message
// based on the error type.
func GetSafeErrorMessage(err error) string {
	switch {
	case err == nil:
		return "An unexpected error occurred"

	case errors.Is(err, service.ErrValidation):
		// Validation causes are safe and actionable for the caller.
		return err.Error()

	case errors.Is(err, store.ErrNotFound):
		return "Task not found"

	case errors.Is(err, service.ErrInvalidState):
		return "Only pending tasks can be cancelled"

	default:
		return "An unexpected error occurred"
	}
}
