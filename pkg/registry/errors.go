package registry

import "errors"

var (
	// ErrNotFound is returned when a session key has no registered session.
	ErrNotFound = errors.New("session not found")

	// ErrBusy is returned when acquiring the active-run flag for a key
	// that already has a run in flight.
	ErrBusy = errors.New("session already has an active run")
)
