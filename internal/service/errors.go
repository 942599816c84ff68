package service

import "errors"

// Common service errors returned to the API layer.
var (
	// ErrValidation is returned when a creation request is malformed.
	// The wrapped error names the offending field.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidState is returned when an operation is not legal for the
	// task's current status, e.g. cancelling a task that already started.
	ErrInvalidState = errors.New("operation not valid for current task state")
)
