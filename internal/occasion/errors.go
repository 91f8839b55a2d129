package occasion

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an occasion does not exist or is owned
	// by a different user.
	ErrNotFound = errors.New("occasion not found")

	// ErrForbidden is returned for ownership and processed-state violations.
	ErrForbidden = errors.New("forbidden")

	// ErrInsufficientCredits is returned when an operation that requires a
	// credit finds the balance at zero. No mutation is performed.
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// ValidationError reports a rejected field combination (bad enum value,
// upcoming-occasion cap exceeded, malformed date).
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

func validationErr(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}
