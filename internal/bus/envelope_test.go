package bus

import (
	"errors"
	"testing"
	"time"
)

func TestNewEnvelopeDefaults(t *testing.T) {
	env, err := NewEnvelope(TypeRequest, "tester", "service:registry", map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("NewEnvelope() error: %v", err)
	}

	if env.MessageID == "" {
		t.Error("message id should be generated")
	}
	if env.Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}
	if env.Routing.MaxHops != DefaultMaxHops {
		t.Errorf("max hops = %d, want %d", env.Routing.MaxHops, DefaultMaxHops)
	}
	if env.Routing.Hops != 0 {
		t.Errorf("initial hops = %d, want 0", env.Routing.Hops)
	}
}

func TestEnvelopeValidate(t *testing.T) {
	valid := func() *Envelope {
		env, _ := NewEnvelope(TypeEvent, "tester", DestBroadcast, nil)
		return env
	}

	tests := []struct {
		name   string
		mutate func(*Envelope)
		wantOK bool
	}{
		{"valid event", func(*Envelope) {}, true},
		{"missing message id", func(e *Envelope) { e.MessageID = "" }, false},
		{"missing timestamp", func(e *Envelope) { e.Timestamp = time.Time{} }, false},
		{"missing source", func(e *Envelope) { e.Source = "" }, false},
		{"unknown type", func(e *Envelope) { e.Type = "gossip" }, false},
		{"unknown priority", func(e *Envelope) { e.Priority = "urgent" }, false},
		{"empty priority ok", func(e *Envelope) { e.Priority = "" }, true},
		{"negative ttl", func(e *Envelope) { e.TTLSeconds = -1 }, false},
		{"response without correlation", func(e *Envelope) { e.Type = TypeResponse }, false},
		{"error without correlation", func(e *Envelope) { e.Type = TypeError }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := valid()
			tt.mutate(env)
			err := env.Validate()
			if tt.wantOK && err != nil {
				t.Errorf("Validate() error: %v", err)
			}
			if !tt.wantOK {
				if err == nil {
					t.Fatal("Validate() should fail")
				}
				if !errors.Is(err, ErrMalformedEnvelope) {
					t.Errorf("error %v is not ErrMalformedEnvelope", err)
				}
			}
		})
	}
}

func TestEnvelopeExpired(t *testing.T) {
	env, _ := NewEnvelope(TypeEvent, "tester", DestBroadcast, nil)
	now := env.Timestamp

	if env.Expired(now.Add(time.Hour)) {
		t.Error("ttl 0 should never expire")
	}

	env.TTLSeconds = 5
	if env.Expired(now.Add(4 * time.Second)) {
		t.Error("should not be expired within ttl")
	}
	if !env.Expired(now.Add(6 * time.Second)) {
		t.Error("should be expired after ttl")
	}
}

func TestResponseCorrelation(t *testing.T) {
	req, _ := NewEnvelope(TypeRequest, "caller", "service:stt", map[string]string{"audio": "AAA="})
	resp, err := req.Response("stt", map[string]string{"transcript": "hello"})
	if err != nil {
		t.Fatalf("Response() error: %v", err)
	}

	if resp.CorrelationID != req.MessageID {
		t.Errorf("correlation_id = %q, want request message_id %q", resp.CorrelationID, req.MessageID)
	}
	if resp.Type != TypeResponse {
		t.Errorf("type = %q, want response", resp.Type)
	}
	if resp.Routing.Hops != req.Routing.Hops+1 {
		t.Errorf("response hops = %d, want %d", resp.Routing.Hops, req.Routing.Hops+1)
	}
}

func TestChildHopsIncrease(t *testing.T) {
	root, _ := NewEnvelope(TypeRequest, "router", "capability:speech_to_text", nil)

	hop1, _ := root.Child(TypeRequest, "router", "service:stt-1", nil)
	hop2, _ := hop1.Child(TypeRequest, "stt-1", "service:whisper", nil)

	if hop1.Routing.Hops != 1 || hop2.Routing.Hops != 2 {
		t.Errorf("hops chain = %d,%d, want 1,2", hop1.Routing.Hops, hop2.Routing.Hops)
	}
	if hop2.Routing.MaxHops != DefaultMaxHops {
		t.Errorf("max hops should carry through, got %d", hop2.Routing.MaxHops)
	}
}

func TestLoopDetected(t *testing.T) {
	env, _ := NewEnvelope(TypeRequest, "a", "service:b", nil)
	env.Routing.MaxHops = 3

	for hops, want := range map[int]bool{0: false, 2: false, 3: true, 5: true} {
		env.Routing.Hops = hops
		if got := env.LoopDetected(); got != want {
			t.Errorf("LoopDetected() with hops=%d = %v, want %v", hops, got, want)
		}
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	if _, err := Decode([]byte("{not json")); !errors.Is(err, ErrMalformedEnvelope) {
		t.Errorf("Decode garbage = %v, want ErrMalformedEnvelope", err)
	}
	if _, err := Decode([]byte(`{"message_id":"x"}`)); !errors.Is(err, ErrMalformedEnvelope) {
		t.Errorf("Decode incomplete = %v, want ErrMalformedEnvelope", err)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env, _ := NewEnvelope(TypeCommand, "scheduler", "device:lamp-1", map[string]any{"on": true})
	env.Priority = PriorityHigh
	env.TTLSeconds = 30

	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}

	if got.MessageID != env.MessageID || got.Type != env.Type || got.Priority != env.Priority {
		t.Errorf("round trip mismatch: got %+v", got)
	}
}

func TestParseDestination(t *testing.T) {
	tests := []struct {
		dest      string
		wantKind  string
		wantValue string
		wantErr   bool
	}{
		{"service:registry", "service", "registry", false},
		{"capability:speech_to_text", "capability", "speech_to_text", false},
		{"device:lamp-1", "device", "lamp-1", false},
		{"broadcast", "broadcast", "", false},
		{"mailbox:42", "", "", true},
	}

	for _, tt := range tests {
		kind, value, err := ParseDestination(tt.dest)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseDestination(%q) should fail", tt.dest)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDestination(%q) error: %v", tt.dest, err)
			continue
		}
		if kind != tt.wantKind || value != tt.wantValue {
			t.Errorf("ParseDestination(%q) = %q,%q, want %q,%q", tt.dest, kind, value, tt.wantKind, tt.wantValue)
		}
	}
}

func TestResponseTopicPairing(t *testing.T) {
	tests := []struct {
		request string
		want    string
	}{
		{"alicia/voice/stt/request", "alicia/voice/stt/response"},
		{"alicia/voice/command/route", "alicia/voice/command/route/response"},
	}
	for _, tt := range tests {
		if got := ResponseTopic(tt.request); got != tt.want {
			t.Errorf("ResponseTopic(%q) = %q, want %q", tt.request, got, tt.want)
		}
	}
}

func TestReasonRetriable(t *testing.T) {
	retriable := []Reason{ReasonTimeout, ReasonTimeoutSTT, ReasonServiceUnavailable, ReasonOverloaded}
	fatal := []Reason{ReasonBadRequest, ReasonUnauthorized, ReasonForbidden, ReasonNotFound, ReasonUpstreamError, ReasonDecryptFailed, ReasonPolicyDenied, ReasonInternal}

	for _, r := range retriable {
		if !r.Retriable() {
			t.Errorf("%s should be retriable", r)
		}
	}
	for _, r := range fatal {
		if r.Retriable() {
			t.Errorf("%s should not be retriable", r)
		}
	}
}

func TestReasonOf(t *testing.T) {
	if got := ReasonOf(Errf(ReasonNotFound, "no such session")); got != ReasonNotFound {
		t.Errorf("ReasonOf(bus error) = %q, want not_found", got)
	}
	if got := ReasonOf(errors.New("disk on fire")); got != ReasonInternal {
		t.Errorf("ReasonOf(plain error) = %q, want internal", got)
	}
}
