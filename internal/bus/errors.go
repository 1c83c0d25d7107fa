package bus

import (
	"errors"
	"fmt"
)

// Reason classifies a failure for wire reporting. Handlers translate caught
// faults into exactly one Reason; raw errors never cross the bus.
type Reason string

// The error taxonomy.
const (
	ReasonBadRequest         Reason = "bad_request"
	ReasonUnauthorized       Reason = "unauthorized"
	ReasonForbidden          Reason = "forbidden"
	ReasonNotFound           Reason = "not_found"
	ReasonTimeout            Reason = "timeout_generic"
	ReasonTimeoutSTT         Reason = "timeout_stt"
	ReasonTimeoutAI          Reason = "timeout_ai"
	ReasonTimeoutTTS         Reason = "timeout_tts"
	ReasonServiceUnavailable Reason = "service_unavailable"
	ReasonOverloaded         Reason = "overloaded"
	ReasonUpstreamError      Reason = "upstream_error"
	ReasonDecryptFailed      Reason = "decrypt_failed"
	ReasonPolicyDenied       Reason = "policy_denied"
	ReasonInternal           Reason = "internal"
)

// Retriable reports whether callers may retry a failure with this reason.
// Only transient categories are retriable by policy.
func (r Reason) Retriable() bool {
	switch r {
	case ReasonTimeout, ReasonTimeoutSTT, ReasonTimeoutAI, ReasonTimeoutTTS,
		ReasonServiceUnavailable, ReasonOverloaded:
		return true
	default:
		return false
	}
}

// ErrorPayload is the payload of an error envelope.
type ErrorPayload struct {
	Reason  Reason `json:"reason"`
	Message string `json:"message,omitempty"`
}

// Error is a classified bus failure. It carries the taxonomy reason across
// package boundaries so handler edges can report it on the wire.
type Error struct {
	Reason  Reason
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// Errf creates a classified bus error.
func Errf(reason Reason, format string, args ...any) *Error {
	return &Error{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the taxonomy reason from an error. Unclassified errors
// map to internal, which is always logged with full context at the boundary.
func ReasonOf(err error) Reason {
	var busErr *Error
	if errors.As(err, &busErr) {
		return busErr.Reason
	}
	return ReasonInternal
}

// Sentinel errors for wrapper operations.
var (
	// ErrMalformedEnvelope is returned when an envelope fails decoding or validation.
	ErrMalformedEnvelope = errors.New("bus: malformed envelope")

	// ErrDuplicateHandler is returned when a topic filter already has a handler.
	ErrDuplicateHandler = errors.New("bus: handler already registered for filter")

	// ErrBrokerDisconnected is returned to request waiters that outlive a
	// broker connection loss.
	ErrBrokerDisconnected = errors.New("bus: broker_disconnected")

	// ErrShuttingDown is returned when the wrapper no longer accepts work.
	ErrShuttingDown = errors.New("bus: shutting down")
)
