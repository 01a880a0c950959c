package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for payload validation failures.
var (
	ErrInvalidKind   = errors.New("invalid report kind")
	ErrMissingJobID  = errors.New("missing job id")
	ErrMissingImage  = errors.New("missing image")
	ErrImageEncoding = errors.New("image is not valid base64")
)

// ValidationError wraps a sentinel with field context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}
