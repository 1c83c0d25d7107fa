// Package logging provides structured logging for Alicia substrate services.
//
// It wraps log/slog with configuration-driven level filtering, output format
// selection (JSON or text), and default service/version attributes so every
// log line can be attributed to the emitting service.
package logging
