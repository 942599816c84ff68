package store

import (
	"errors"
	"fmt"
)

// Common store errors used across all store implementations.
var (
	// ErrNotFound is returned when a requested entity does not exist in the store.
	ErrNotFound = errors.New("entity not found")

	// ErrTaskNotFound indicates that the requested task does not exist in the store.
	ErrTaskNotFound = fmt.Errorf("%w: task", ErrNotFound)

	// ErrConflict is returned when a compare-and-set loses a race: the stored
	// status no longer matches the expected one. Callers must re-evaluate;
	// this is never surfaced to API clients.
	ErrConflict = errors.New("status changed concurrently")

	// ErrInvalidEntity is returned when an entity fails validation before
	// being stored. Check the wrapped error for specific validation details.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrDuplicate is returned when an insert would collide with an existing
	// task ID.
	ErrDuplicate = errors.New("entity already exists")
)

// IsNotFoundError checks if the error is any kind of "not found" error.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflictError checks if the error is a compare-and-set conflict.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrConflict)
}
