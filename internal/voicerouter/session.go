package voicerouter

import (
	"context"
	"sync"
	"time"
)

// State is a session's position in the voice pipeline.
type State string

const (
	StateInit       State = "init"
	StateSTTPending State = "stt_pending"
	StateAIPending  State = "ai_pending"
	StateTTSPending State = "tts_pending"
	StateDone       State = "done"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether a session can make no further progress.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Command is the payload accepted on the voice route topic.
type Command struct {
	SessionID string `json:"session_id"`

	// Audio carries the utterance inline (base64); AudioRef points at it
	// instead. Exactly one is required.
	Audio    string `json:"audio,omitempty"`
	AudioRef string `json:"audio_ref,omitempty"`

	Language   string `json:"language,omitempty"`
	DeadlineMS int    `json:"deadline_ms,omitempty"`
}

// CancelRequest is the payload accepted on the cancel topic.
type CancelRequest struct {
	SessionID string `json:"session_id"`
}

// Result is published on the result topic and returned to the requester.
type Result struct {
	SessionID   string  `json:"session_id"`
	Status      string  `json:"status"` // "ok" or "failed"
	Reason      string  `json:"reason,omitempty"`
	UserMessage string  `json:"user_message,omitempty"`
	Transcript  string  `json:"transcript,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
	Reply       string  `json:"reply,omitempty"`
	Audio       string  `json:"audio,omitempty"`
	AudioRef    string  `json:"audio_ref,omitempty"`
	DurationMS  int64   `json:"duration_ms"`
}

// StateEvent is published on the session state topic at every transition.
type StateEvent struct {
	SessionID string    `json:"session_id"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// SessionView is the externally visible snapshot of a session.
type SessionView struct {
	SessionID  string    `json:"session_id"`
	State      State     `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	Deadline   time.Time `json:"deadline"`
	UpdatedAt  time.Time `json:"updated_at"`
	Transcript string    `json:"transcript,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Reply      string    `json:"reply,omitempty"`
	FailReason string    `json:"fail_reason,omitempty"`
}

// session is the router's internal record. runMu serializes pipeline runs
// for the same session id; the data fields are guarded by the router's
// sessions mutex.
type session struct {
	runMu sync.Mutex

	id         string
	state      State
	startedAt  time.Time
	deadline   time.Time
	updatedAt  time.Time
	transcript string
	confidence float64
	reply      string
	audio      string
	audioRef   string
	failReason string

	// cancel aborts the in-flight pipeline run, if any.
	cancel context.CancelFunc
}

func (s *session) view() SessionView {
	return SessionView{
		SessionID:  s.id,
		State:      s.state,
		StartedAt:  s.startedAt,
		Deadline:   s.deadline,
		UpdatedAt:  s.updatedAt,
		Transcript: s.transcript,
		Confidence: s.confidence,
		Reply:      s.reply,
		FailReason: s.failReason,
	}
}

// Step request/response payloads exchanged with the pipeline services.

type sttRequest struct {
	SessionID string `json:"session_id"`
	Audio     string `json:"audio,omitempty"`
	AudioRef  string `json:"audio_ref,omitempty"`
	Language  string `json:"language,omitempty"`
}

type sttResponse struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

type aiRequest struct {
	SessionID  string `json:"session_id"`
	Transcript string `json:"transcript"`
	Language   string `json:"language,omitempty"`
}

type aiResponse struct {
	Reply string `json:"reply"`
}

type ttsRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Language  string `json:"language,omitempty"`
}

type ttsResponse struct {
	Audio    string `json:"audio,omitempty"`
	AudioRef string `json:"audio_ref,omitempty"`
}
