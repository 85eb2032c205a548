package storage

import "errors"

// Sentinel errors for storage operations.
var (
	// ErrConflict is returned when a record with the given ID already exists.
	ErrConflict = errors.New("record already exists")

	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("store unavailable")
)
