package discovery

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicia-home/alicia-core/internal/bus"
	"github.com/alicia-home/alicia-core/internal/infrastructure/config"
	"github.com/alicia-home/alicia-core/internal/registry"
)

// fakeBus records handler registrations and published messages.
type fakeBus struct {
	mu        sync.Mutex
	handlers  map[string]bus.Handler
	published []publishedMsg
}

type publishedMsg struct {
	topic   string
	msgType bus.MessageType
	payload any
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string]bus.Handler)}
}

func (f *fakeBus) Publish(topic string, msgType bus.MessageType, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMsg{topic, msgType, payload})
	return nil
}

func (f *fakeBus) RegisterHandler(filter string, fn bus.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[filter] = fn
	return nil
}

func (f *fakeBus) deliver(t *testing.T, filter string, payload any) {
	t.Helper()
	f.mu.Lock()
	fn := f.handlers[filter]
	f.mu.Unlock()
	if fn == nil {
		t.Fatalf("no handler registered for %s", filter)
	}

	env, err := bus.NewEnvelope(bus.TypeEvent, "test-sender", bus.DestBroadcast, payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if _, err := fn(context.Background(), env); err != nil {
		t.Fatalf("handler for %s: %v", filter, err)
	}
}

func (f *fakeBus) publishedOn(prefix string) []publishedMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []publishedMsg
	for _, m := range f.published {
		if strings.HasPrefix(m.topic, prefix) {
			out = append(out, m)
		}
	}
	return out
}

func newTestDiscovery(t *testing.T) (*Service, *fakeBus, *registry.Registry) {
	t.Helper()

	fb := newFakeBus()
	disc, err := New(Deps{Bus: fb})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	reg, err := registry.New(registry.Options{
		Config: config.RegistryConfig{
			TTLMultiplier:      3,
			TTLGraceSeconds:    5,
			OfflineRetainHours: 24,
		},
		DefaultHeartbeat: 15 * time.Second,
		OnTransition:     disc.PublishTransition,
	})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	if err := disc.Start(context.Background(), reg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return disc, fb, reg
}

func testAnnouncement(instance string) bus.ServiceAnnouncement {
	return bus.ServiceAnnouncement{
		ServiceName:        "stt-whisper",
		InstanceID:         instance,
		Version:            "1.0.0",
		Capabilities:       []string{"stt"},
		AuthFingerprint:    "fp-" + instance,
		HeartbeatIntervalS: 15,
	}
}

func TestStartSubscribesDiscoveryPlane(t *testing.T) {
	_, fb, _ := newTestDiscovery(t)

	topics := bus.Topics{}
	for _, filter := range []string{
		topics.DiscoveryRegister(),
		topics.DiscoveryUnregister(),
		topics.DiscoveryHeartbeat(),
		"alicia/devices/+/status",
	} {
		fb.mu.Lock()
		_, ok := fb.handlers[filter]
		fb.mu.Unlock()
		if !ok {
			t.Errorf("no subscription for %s", filter)
		}
	}
}

func TestRegisterEventPopulatesRegistry(t *testing.T) {
	_, fb, reg := newTestDiscovery(t)
	topics := bus.Topics{}

	fb.deliver(t, topics.DiscoveryRegister(), testAnnouncement("stt-1"))

	instances := reg.Instances("stt-whisper")
	if len(instances) != 1 || instances[0].State != registry.StateOnline {
		t.Fatalf("instances = %+v, want one online", instances)
	}

	// The lifecycle transition goes back out on the registry topic.
	events := fb.publishedOn("alicia/system/registry/registered")
	if len(events) != 1 {
		t.Fatalf("registry events = %+v, want one registered", fb.published)
	}
	tr, ok := events[0].payload.(registry.Transition)
	if !ok || tr.InstanceID != "stt-1" {
		t.Errorf("transition payload = %+v", events[0].payload)
	}
}

func TestRejectedRegistrationIsLoggedNotFatal(t *testing.T) {
	_, fb, reg := newTestDiscovery(t)
	topics := bus.Topics{}

	fb.deliver(t, topics.DiscoveryRegister(), testAnnouncement("stt-1"))

	imposter := testAnnouncement("stt-1")
	imposter.AuthFingerprint = "fp-stolen"
	fb.deliver(t, topics.DiscoveryRegister(), imposter)

	// Original descriptor untouched.
	if got := reg.Instances("stt-whisper")[0].AuthFingerprint; got != "fp-stt-1" {
		t.Errorf("fingerprint = %q, imposter must not win", got)
	}
}

func TestHeartbeatEventRefreshes(t *testing.T) {
	_, fb, reg := newTestDiscovery(t)
	topics := bus.Topics{}

	fb.deliver(t, topics.DiscoveryRegister(), testAnnouncement("stt-1"))
	fb.deliver(t, topics.DiscoveryHeartbeat(), bus.HeartbeatPayload{
		ServiceName: "stt-whisper", InstanceID: "stt-1", Inflight: 7, Health: "healthy",
	})

	if got := reg.Instances("stt-whisper")[0].Inflight; got != 7 {
		t.Errorf("inflight = %d, want 7", got)
	}
}

func TestHeartbeatFromUnknownInstanceIgnored(t *testing.T) {
	_, fb, _ := newTestDiscovery(t)
	topics := bus.Topics{}

	// Must not error; the handler would otherwise log it as a failure.
	fb.deliver(t, topics.DiscoveryHeartbeat(), bus.HeartbeatPayload{
		ServiceName: "ghost", InstanceID: "ghost-1",
	})
}

func TestUnregisterEventRemovesInstance(t *testing.T) {
	_, fb, reg := newTestDiscovery(t)
	topics := bus.Topics{}

	fb.deliver(t, topics.DiscoveryRegister(), testAnnouncement("stt-1"))
	fb.deliver(t, topics.DiscoveryUnregister(), Departure{
		ServiceName: "stt-whisper", InstanceID: "stt-1", Reason: "graceful_shutdown",
	})

	if got := len(reg.Instances("stt-whisper")); got != 0 {
		t.Errorf("instances = %d, want 0", got)
	}
	if got := len(fb.publishedOn("alicia/system/registry/unregistered")); got != 1 {
		t.Errorf("unregistered events = %d, want 1", got)
	}

	// Replayed departures are ignored.
	fb.deliver(t, topics.DiscoveryUnregister(), Departure{
		ServiceName: "stt-whisper", InstanceID: "stt-1",
	})
}

func TestDeviceStatusUpsertsDevice(t *testing.T) {
	_, fb, reg := newTestDiscovery(t)

	state := json.RawMessage(`{"on":true,"brightness":80}`)
	fb.deliver(t, "alicia/devices/+/status", DeviceStatus{
		DeviceID:     "light-kitchen",
		DeviceType:   "light",
		Room:         "kitchen",
		Capabilities: []string{"on_off", "dim"},
		State:        state,
	})

	devices := reg.Devices()
	if len(devices) != 1 {
		t.Fatalf("devices = %+v, want one", devices)
	}
	d := devices[0]
	if d.Room != "kitchen" || d.OwnerService != "test-sender" {
		t.Errorf("device = %+v", d)
	}
	if string(d.LastState) != string(state) {
		t.Errorf("last state = %s", d.LastState)
	}
}
