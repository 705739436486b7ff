package api

import (
	"errors"
	"net/http"

	"github.com/chalford/parchment-api/internal/api/shared"
	"github.com/chalford/parchment-api/internal/domain"
	"github.com/chalford/parchment-api/internal/store"
)

// MapErrorToStatusCode maps internal errors to appropriate HTTP status
// codes based on the error type. This prevents leaking internal error
// types or messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	// Authorization errors
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden

	// Not found errors
	case errors.Is(err, store.ErrSessionNotFound),
		errors.Is(err, store.ErrJobNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	// Payment errors
	case errors.Is(err, domain.ErrInsufficientCredits):
		return http.StatusPaymentRequired

	// State conflicts
	case errors.Is(err, domain.ErrSessionNotOpen),
		errors.Is(err, store.ErrDuplicate),
		errors.Is(err, store.ErrUpdateFailed):
		return http.StatusConflict

	// Limit violations
	case errors.Is(err, domain.ErrSessionLimitExceeded):
		return http.StatusRequestEntityTooLarge

	// Bad request errors
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	// Default: internal server error
	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly error message
// based on the error type. Internal details never reach the client.
func GetSafeErrorMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return "You do not have access to this session"
	case errors.Is(err, store.ErrSessionNotFound):
		return "Session not found"
	case errors.Is(err, domain.ErrInsufficientCredits):
		return "Insufficient credits"
	case errors.Is(err, domain.ErrSessionNotOpen):
		return "Session is no longer accepting changes"
	case errors.Is(err, domain.ErrSessionLimitExceeded):
		return "Session limits exceeded"
	case errors.Is(err, domain.ErrSessionEmpty):
		return "Session has no files to process"
	case errors.Is(err, domain.ErrValidation):
		return "Invalid request"
	default:
		return "An internal error occurred"
	}
}

// HandleAPIError writes an error response derived from err. When
// userMessage is empty, a safe message is derived from the error type.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, userMessage string) {
	status := MapErrorToStatusCode(err)
	if userMessage == "" {
		userMessage = GetSafeErrorMessage(err)
	}
	shared.RespondWithError(w, r, status, userMessage)
}
