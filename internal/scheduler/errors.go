package scheduler

import "errors"

var (
	// ErrNotFound reports an unknown event id.
	ErrNotFound = errors.New("event not found")

	// ErrExists reports a create for an event id already in the map.
	ErrExists = errors.New("event already exists")
)
