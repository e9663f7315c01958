package patientflow

import "errors"

var (
	// ErrNotFound is returned when the referenced patient does not exist.
	ErrNotFound = errors.New("patient not found")
	// ErrInvalidState is returned when an operation is not allowed from the
	// patient's current status.
	ErrInvalidState = errors.New("invalid state")
	// ErrValidation is returned for missing or malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrTransient wraps store failures that are safe to retry.
	ErrTransient = errors.New("patient store unavailable")
)
