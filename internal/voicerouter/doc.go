// Package voicerouter drives voice commands through the STT, AI, and TTS
// stages over the bus.
//
// Each command is a session with a hard deadline. The router carves the
// deadline into per-stage budgets, retries transient STT/TTS failures
// when enough budget remains, rejects low-confidence transcripts early,
// and publishes every state transition and the final result so the rest
// of the house can follow along. Sessions are serialized: two commands
// for the same session never run concurrently.
package voicerouter
