package bus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of bus message an envelope carries.
type MessageType string

// Message types carried on the bus.
const (
	TypeRequest   MessageType = "request"
	TypeResponse  MessageType = "response"
	TypeEvent     MessageType = "event"
	TypeCommand   MessageType = "command"
	TypeHeartbeat MessageType = "heartbeat"
	TypeError     MessageType = "error"
)

// Priority is a routing hint; it never changes delivery semantics.
type Priority string

// Message priorities.
const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// DefaultMaxHops bounds routed chains when the publisher does not set one.
const DefaultMaxHops = 10

// Security is the optional message-level encryption block. When present,
// Payload holds the base64 ciphertext and the receiver must decrypt (and
// verify the GCM tag) before processing.
type Security struct {
	Encryption string `json:"encryption"`
	KeyID      string `json:"key_id"`
	Nonce      string `json:"nonce"`
	Signature  string `json:"signature,omitempty"`
}

// Routing carries loop-protection state. Hops increases monotonically along
// a routed chain; receivers reject envelopes with Hops >= MaxHops.
type Routing struct {
	Hops    int      `json:"hops"`
	MaxHops int      `json:"max_hops"`
	Route   []string `json:"route,omitempty"`
}

// Envelope is the structured message format every bus message uses.
//
// Any field absent from the wire means "absent", never "any value".
type Envelope struct {
	MessageID     string          `json:"message_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        string          `json:"source"`
	Destination   string          `json:"destination"`
	Type          MessageType     `json:"message_type"`
	Priority      Priority        `json:"priority,omitempty"`
	TTLSeconds    int             `json:"ttl_seconds,omitempty"`
	ContentType   string          `json:"content_type,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Security      *Security       `json:"security,omitempty"`
	Routing       Routing         `json:"routing"`
}

// NewEnvelope creates an envelope of the given type with a fresh message id,
// UTC timestamp, and default routing bounds. The payload is JSON-encoded.
func NewEnvelope(msgType MessageType, source, destination string, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding payload: %w", err)
		}
		raw = data
	}

	return &Envelope{
		MessageID:   uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		Source:      source,
		Destination: destination,
		Type:        msgType,
		Priority:    PriorityNormal,
		ContentType: "application/json",
		Payload:     raw,
		Routing: Routing{
			MaxHops: DefaultMaxHops,
			Route:   []string{source},
		},
	}, nil
}

// Response builds a response envelope for this request. The correlation id
// is set to the request's message id and the hop count advances by one.
func (e *Envelope) Response(source string, payload any) (*Envelope, error) {
	resp, err := NewEnvelope(TypeResponse, source, e.Source, payload)
	if err != nil {
		return nil, err
	}
	resp.CorrelationID = e.MessageID
	resp.Routing = e.Routing.next(source)
	return resp, nil
}

// ErrorResponse builds an error envelope answering this request with a
// taxonomy reason.
func (e *Envelope) ErrorResponse(source string, reason Reason, message string) *Envelope {
	payload, _ := json.Marshal(ErrorPayload{Reason: reason, Message: message})
	return &Envelope{
		MessageID:     uuid.NewString(),
		CorrelationID: e.MessageID,
		Timestamp:     time.Now().UTC(),
		Source:        source,
		Destination:   e.Source,
		Type:          TypeError,
		Priority:      PriorityNormal,
		ContentType:   "application/json",
		Payload:       payload,
		Routing:       e.Routing.next(source),
	}
}

// Child builds a new request derived from this envelope (a downstream hop in
// a routed chain). The hop count advances so loop protection spans the chain.
func (e *Envelope) Child(msgType MessageType, source, destination string, payload any) (*Envelope, error) {
	child, err := NewEnvelope(msgType, source, destination, payload)
	if err != nil {
		return nil, err
	}
	child.Routing = e.Routing.next(source)
	return child, nil
}

// next advances routing state by one hop through the given service.
func (r Routing) next(via string) Routing {
	maxHops := r.MaxHops
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	route := make([]string, 0, len(r.Route)+1)
	route = append(route, r.Route...)
	route = append(route, via)
	return Routing{
		Hops:    r.Hops + 1,
		MaxHops: maxHops,
		Route:   route,
	}
}

// Expired reports whether the envelope's TTL has elapsed at the given time.
// A TTL of zero means the message never expires.
func (e *Envelope) Expired(now time.Time) bool {
	if e.TTLSeconds <= 0 {
		return false
	}
	return now.After(e.Timestamp.Add(time.Duration(e.TTLSeconds) * time.Second))
}

// LoopDetected reports whether the envelope has exhausted its hop budget.
func (e *Envelope) LoopDetected() bool {
	maxHops := e.Routing.MaxHops
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	return e.Routing.Hops >= maxHops
}

// Validate checks the envelope for structural problems.
//
// Returns:
//   - error: Description of the first problem found, or nil if valid
func (e *Envelope) Validate() error {
	if e.MessageID == "" {
		return fmt.Errorf("%w: missing message_id", ErrMalformedEnvelope)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrMalformedEnvelope)
	}
	if e.Source == "" {
		return fmt.Errorf("%w: missing source", ErrMalformedEnvelope)
	}

	switch e.Type {
	case TypeRequest, TypeResponse, TypeEvent, TypeCommand, TypeHeartbeat, TypeError:
	default:
		return fmt.Errorf("%w: unknown message_type %q", ErrMalformedEnvelope, e.Type)
	}

	switch e.Priority {
	case "", PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
	default:
		return fmt.Errorf("%w: unknown priority %q", ErrMalformedEnvelope, e.Priority)
	}

	if e.TTLSeconds < 0 {
		return fmt.Errorf("%w: negative ttl_seconds", ErrMalformedEnvelope)
	}

	if (e.Type == TypeResponse || e.Type == TypeError) && e.CorrelationID == "" {
		return fmt.Errorf("%w: %s without correlation_id", ErrMalformedEnvelope, e.Type)
	}

	return nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedEnvelope)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	return nil
}

// Encode serialises the envelope to its JSON wire format.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return data, nil
}

// Decode parses an envelope from its JSON wire format and validates it.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Destination kinds recognised on the bus.
const (
	DestServicePrefix    = "service:"
	DestCapabilityPrefix = "capability:"
	DestDevicePrefix     = "device:"
	DestBroadcast        = "broadcast"
)

// ServiceDestination formats a service-addressed destination.
func ServiceDestination(name string) string { return DestServicePrefix + name }

// CapabilityDestination formats a capability-addressed destination.
func CapabilityDestination(cap string) string { return DestCapabilityPrefix + cap }

// DeviceDestination formats a device-addressed destination.
func DeviceDestination(id string) string { return DestDevicePrefix + id }

// ParseDestination splits a destination into its kind and value.
// Broadcast destinations return kind "broadcast" with an empty value.
func ParseDestination(dest string) (kind, value string, err error) {
	switch {
	case dest == DestBroadcast:
		return "broadcast", "", nil
	case strings.HasPrefix(dest, DestServicePrefix):
		return "service", strings.TrimPrefix(dest, DestServicePrefix), nil
	case strings.HasPrefix(dest, DestCapabilityPrefix):
		return "capability", strings.TrimPrefix(dest, DestCapabilityPrefix), nil
	case strings.HasPrefix(dest, DestDevicePrefix):
		return "device", strings.TrimPrefix(dest, DestDevicePrefix), nil
	default:
		return "", "", fmt.Errorf("%w: unknown destination %q", ErrMalformedEnvelope, dest)
	}
}
