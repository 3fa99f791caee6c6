// Package sentinel holds the infrastructure facts stores report. Services
// translate them into domain errors; callers outside the service layer never
// see them directly.
package sentinel

import "errors"

var (
	// ErrNotFound: no row or key for the requested identifier.
	ErrNotFound = errors.New("not found")
	// ErrConflict: unique constraint or compare-and-swap precondition failed.
	ErrConflict = errors.New("conflict")
	// ErrExpired: the record exists but its validity window has passed.
	ErrExpired = errors.New("expired")
	// ErrInvalidState: the record is in a state that forbids the write.
	ErrInvalidState = errors.New("invalid state")
	// ErrUnavailable: backing store or remote endpoint cannot be reached.
	ErrUnavailable = errors.New("unavailable")
)
