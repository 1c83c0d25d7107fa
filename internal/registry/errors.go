package registry

import "errors"

var (
	// ErrNotFound indicates the instance or device is unknown to the registry.
	ErrNotFound = errors.New("registry: not found")

	// ErrInvalidAnnouncement indicates a registration missing required fields.
	ErrInvalidAnnouncement = errors.New("registry: invalid announcement")

	// ErrFingerprintMismatch indicates a registration reused an instance id
	// with a different auth fingerprint. This is treated as an impersonation
	// attempt and the existing descriptor is left untouched.
	ErrFingerprintMismatch = errors.New("registry: auth fingerprint mismatch")

	// ErrTopicConflict indicates a registration claimed a sensitive topic
	// already owned by a different service.
	ErrTopicConflict = errors.New("registry: sensitive topic conflict")
)
