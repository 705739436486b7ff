// Package domain defines the core business entities and errors.
package domain

import (
	"errors"
	"fmt"
)

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity or caller input fails
	// validation. This is often wrapped with a more specific error message.
	// Validation errors are never retried.
	ErrValidation = errors.New("validation failed")

	// ErrSessionLimitExceeded is returned when appending a file would push a
	// session past its file-count or token ceiling.
	ErrSessionLimitExceeded = errors.New("session limit exceeded")

	// ErrInsufficientCredits is returned when an owner's balance cannot cover
	// the cost of a paid operation. It is surfaced to the caller and never
	// retried by the system.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrTransient marks failures that are expected to resolve on retry:
	// network timeouts, rate limits, and store/cache unavailability. The task
	// dispatcher retries these with exponential backoff.
	ErrTransient = errors.New("transient failure")

	// ErrPermanent marks failures that retrying cannot fix. A job that hits
	// one goes terminal immediately.
	ErrPermanent = errors.New("permanent failure")

	// ErrExtraction is returned when text extraction fails for a file. It
	// fails the whole session: there is no point generating from unreadable
	// input.
	ErrExtraction = errors.New("extraction failed")

	// ErrModelOutputInvalid is returned when the language model produced
	// output that does not satisfy the structural checks for its generation
	// kind. Retried a small fixed number of times, then permanent.
	ErrModelOutputInvalid = errors.New("model output invalid")

	// ErrUnauthorized is returned when an operation is not permitted for the
	// requesting owner.
	ErrUnauthorized = errors.New("unauthorized operation")
)

// InsufficientCreditsError carries the amounts involved in a failed
// admission check so callers can report how much is missing.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

// Unwrap makes the error match ErrInsufficientCredits via errors.Is.
func (e *InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}

// IsRetryable reports whether err should be retried by the task dispatcher.
// Only transient failures qualify; validation, credit, and permanent errors
// fail immediately.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) || errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientCredits) {
		return false
	}
	return errors.Is(err, ErrTransient)
}
