// Package svcerr defines the sentinel error vocabulary shared by every
// service-layer package. Transport packages map these to HTTP status codes;
// nothing below the transport edge knows about HTTP.
package svcerr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a project, connector, survey or report
	// lookup finds nothing.
	ErrNotFound = errors.New("resource not found")

	// ErrConflict is returned when a write would violate a uniqueness
	// invariant (e.g. a second GA4 connector on the same project).
	ErrConflict = errors.New("resource conflict")

	// ErrUnauthorized is returned when the OAuth refresh or upstream call
	// fails authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUpstreamUnavailable is returned after a rate-limited or transient
	// upstream call exhausts its retry budget.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrTimeout is returned when an operation exceeds its deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrValidation is returned when an LLM-produced report fails schema
	// validation after the agent's retry budget is exhausted.
	ErrValidation = errors.New("validation failed")
)

// ValidationError wraps a field-specific bad-request failure (missing CSV
// header, malformed date, unknown dimension filter).
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field %q: %s", e.Field, e.Message)
}

// NewValidationError creates a new field-scoped validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError reports whether err is (or wraps) a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
