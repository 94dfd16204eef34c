// Package apierr defines the error taxonomy shared by the display pool
// and the session manager. Callers distinguish kinds
// with errors.Is; mapping to transport-level status codes (HTTP, etc.) is
// the front-end's responsibility, not this package's.
package apierr

import "errors"

var (
	// ErrAlreadyExists is returned when a create call targets an id that
	// is already present. The existing entry is left untouched.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotFound is returned by lookups and deletes on an unknown id.
	// Side-effect free.
	ErrNotFound = errors.New("not found")

	// ErrCapacityExceeded is returned by display allocation when the pool
	// is full. Retriable once another session releases its display.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrInfrastructure wraps failures in display startup, encoder spawn
	// or browser navigation during session creation. Creation is rolled
	// back fully before this error is returned.
	ErrInfrastructure = errors.New("infrastructure failure")
)
