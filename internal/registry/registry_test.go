package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicia-home/alicia-core/internal/bus"
	"github.com/alicia-home/alicia-core/internal/infrastructure/config"
)

func testRegistryConfig() config.RegistryConfig {
	return config.RegistryConfig{
		TTLMultiplier:      3,
		TTLGraceSeconds:    5,
		OfflineRetainHours: 24,
		SnapshotIntervalS:  30,
	}
}

// testClock lets tests advance registry time deterministically.
type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestRegistry(t *testing.T, clock *testClock, onTransition func(Transition)) *Registry {
	t.Helper()
	r, err := New(Options{
		Config:           testRegistryConfig(),
		DefaultHeartbeat: 15 * time.Second,
		OnTransition:     onTransition,
		now:              clock.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func announcement(service, instance string, heartbeatS int, caps ...string) bus.ServiceAnnouncement {
	return bus.ServiceAnnouncement{
		ServiceName:        service,
		InstanceID:         instance,
		Version:            "1.0.0",
		Capabilities:       caps,
		AuthFingerprint:    "fp-" + instance,
		MaxInflight:        100,
		Weight:             1,
		HeartbeatIntervalS: heartbeatS,
	}
}

func TestRegisterBringsInstanceOnline(t *testing.T) {
	var transitions []Transition
	r := newTestRegistry(t, newTestClock(), func(tr Transition) { transitions = append(transitions, tr) })

	if err := r.Register(announcement("stt-whisper", "stt-1", 15, "stt")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	instances := r.Instances("stt-whisper")
	if len(instances) != 1 || instances[0].State != StateOnline {
		t.Fatalf("instances = %+v, want one online", instances)
	}
	if len(transitions) != 1 || transitions[0].Kind != TransitionRegistered {
		t.Errorf("transitions = %+v, want one registered", transitions)
	}
}

func TestRegisterRequiresIdentity(t *testing.T) {
	r := newTestRegistry(t, newTestClock(), nil)
	if err := r.Register(bus.ServiceAnnouncement{ServiceName: "x"}); !errors.Is(err, ErrInvalidAnnouncement) {
		t.Errorf("missing instance id = %v, want ErrInvalidAnnouncement", err)
	}
}

func TestRegisterIdempotentSameFingerprint(t *testing.T) {
	var transitions []Transition
	r := newTestRegistry(t, newTestClock(), func(tr Transition) { transitions = append(transitions, tr) })

	ann := announcement("stt-whisper", "stt-1", 15, "stt")
	if err := r.Register(ann); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	ann.Version = "1.1.0"
	if err := r.Register(ann); err != nil {
		t.Fatalf("second Register: %v", err)
	}

	instances := r.Instances("stt-whisper")
	if len(instances) != 1 {
		t.Fatalf("instances = %d, want 1", len(instances))
	}
	if instances[0].Version != "1.1.0" {
		t.Errorf("version = %q, re-registration should refresh fields", instances[0].Version)
	}
	// Only the original registration transition; no duplicate.
	if len(transitions) != 1 {
		t.Errorf("transitions = %+v, want exactly one", transitions)
	}
}

func TestRegisterRejectsFingerprintMismatch(t *testing.T) {
	r := newTestRegistry(t, newTestClock(), nil)
	if err := r.Register(announcement("stt-whisper", "stt-1", 15, "stt")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	imposter := announcement("stt-whisper", "stt-1", 15, "stt")
	imposter.AuthFingerprint = "fp-stolen"
	if err := r.Register(imposter); !errors.Is(err, ErrFingerprintMismatch) {
		t.Errorf("imposter = %v, want ErrFingerprintMismatch", err)
	}
}

func TestRegisterRejectsSensitiveTopicConflict(t *testing.T) {
	r := newTestRegistry(t, newTestClock(), nil)

	owner := announcement("door-lock", "lock-1", 15, "lock")
	owner.SensitiveTopics = []string{"alicia/door-lock/command"}
	if err := r.Register(owner); err != nil {
		t.Fatalf("Register owner: %v", err)
	}

	// A second instance of the same service may share the claim.
	sibling := announcement("door-lock", "lock-2", 15, "lock")
	sibling.SensitiveTopics = []string{"alicia/door-lock/command"}
	if err := r.Register(sibling); err != nil {
		t.Errorf("sibling claim rejected: %v", err)
	}

	// A different service may not.
	thief := announcement("rogue", "rogue-1", 15)
	thief.SensitiveTopics = []string{"alicia/door-lock/command"}
	if err := r.Register(thief); !errors.Is(err, ErrTopicConflict) {
		t.Errorf("conflicting claim = %v, want ErrTopicConflict", err)
	}
}

func TestHeartbeatRefreshesLiveness(t *testing.T) {
	clock := newTestClock()
	r := newTestRegistry(t, clock, nil)
	if err := r.Register(announcement("tts-piper", "tts-1", 15, "tts")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	clock.Advance(10 * time.Second)
	err := r.Heartbeat(bus.HeartbeatPayload{
		ServiceName: "tts-piper", InstanceID: "tts-1", Inflight: 3, Health: "healthy",
	})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	d := r.Instances("tts-piper")[0]
	if !d.LastHeartbeat.Equal(clock.Now()) {
		t.Errorf("last heartbeat = %v, want %v", d.LastHeartbeat, clock.Now())
	}
	if d.Inflight != 3 || d.Health != "healthy" {
		t.Errorf("descriptor = %+v, heartbeat fields not applied", d)
	}
}

func TestHeartbeatUnknownInstance(t *testing.T) {
	r := newTestRegistry(t, newTestClock(), nil)
	err := r.Heartbeat(bus.HeartbeatPayload{ServiceName: "ghost", InstanceID: "ghost-1"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown heartbeat = %v, want ErrNotFound", err)
	}
}

func TestSweepEvictsAfterTTL(t *testing.T) {
	clock := newTestClock()
	var transitions []Transition
	r := newTestRegistry(t, clock, func(tr Transition) { transitions = append(transitions, tr) })

	// One second cadence yields a TTL of 3*1s + 5s = 8s.
	if err := r.Register(announcement("sensor", "sensor-1", 1, "temperature")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	transitions = nil

	clock.Advance(7 * time.Second)
	r.Sweep()
	if got := r.Instances("sensor")[0].State; got != StateOnline {
		t.Fatalf("state at 7s = %s, want online", got)
	}

	clock.Advance(2 * time.Second)
	r.Sweep()
	if got := r.Instances("sensor")[0].State; got != StateOffline {
		t.Fatalf("state at 9s = %s, want offline", got)
	}
	if len(transitions) != 1 || transitions[0].Kind != TransitionOffline {
		t.Errorf("transitions = %+v, want one offline", transitions)
	}
}

func TestHeartbeatRevivesOfflineInstance(t *testing.T) {
	clock := newTestClock()
	var transitions []Transition
	r := newTestRegistry(t, clock, func(tr Transition) { transitions = append(transitions, tr) })

	if err := r.Register(announcement("sensor", "sensor-1", 1, "temperature")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	clock.Advance(time.Minute)
	r.Sweep()
	transitions = nil

	err := r.Heartbeat(bus.HeartbeatPayload{ServiceName: "sensor", InstanceID: "sensor-1"})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if got := r.Instances("sensor")[0].State; got != StateOnline {
		t.Errorf("state after revival heartbeat = %s, want online", got)
	}
	if len(transitions) != 1 || transitions[0].Kind != TransitionOnline {
		t.Errorf("transitions = %+v, want one online", transitions)
	}
}

func TestSweepDropsLongOfflineInstances(t *testing.T) {
	clock := newTestClock()
	r := newTestRegistry(t, clock, nil)

	if err := r.Register(announcement("sensor", "sensor-1", 1, "temperature")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	clock.Advance(time.Minute)
	r.Sweep() // offline

	clock.Advance(25 * time.Hour)
	r.Sweep() // past retention

	if got := len(r.Instances("sensor")); got != 0 {
		t.Errorf("instances after retention = %d, want 0", got)
	}
	if got := len(r.Services()); got != 0 {
		t.Errorf("services after retention = %d, want 0", got)
	}
}

func TestUnregisterRemovesInstance(t *testing.T) {
	var transitions []Transition
	r := newTestRegistry(t, newTestClock(), func(tr Transition) { transitions = append(transitions, tr) })

	if err := r.Register(announcement("stt-whisper", "stt-1", 15, "stt")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	transitions = nil

	if err := r.Unregister("stt-whisper", "stt-1"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if got := len(r.Instances("stt-whisper")); got != 0 {
		t.Errorf("instances = %d, want 0", got)
	}
	if got := len(r.ByCapability("stt")); got != 0 {
		t.Errorf("capability index still lists %d instances", got)
	}
	if len(transitions) != 1 || transitions[0].Kind != TransitionUnregistered {
		t.Errorf("transitions = %+v, want one unregistered", transitions)
	}

	if err := r.Unregister("stt-whisper", "stt-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Unregister = %v, want ErrNotFound", err)
	}
}

func TestUnregisterReleasesSensitiveTopicWhenLastClaimant(t *testing.T) {
	r := newTestRegistry(t, newTestClock(), nil)

	owner := announcement("door-lock", "lock-1", 15, "lock")
	owner.SensitiveTopics = []string{"alicia/door-lock/command"}
	if err := r.Register(owner); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Unregister("door-lock", "lock-1"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}

	// A new service can now claim the topic.
	next := announcement("door-lock-v2", "lock-9", 15, "lock")
	next.SensitiveTopics = []string{"alicia/door-lock/command"}
	if err := r.Register(next); err != nil {
		t.Errorf("claim after release rejected: %v", err)
	}
}

func TestByCapabilityOmitsOffline(t *testing.T) {
	clock := newTestClock()
	r := newTestRegistry(t, clock, nil)

	if err := r.Register(announcement("stt-whisper", "stt-1", 1, "stt")); err != nil {
		t.Fatalf("Register stt-1: %v", err)
	}
	if err := r.Register(announcement("stt-whisper", "stt-2", 300, "stt")); err != nil {
		t.Fatalf("Register stt-2: %v", err)
	}

	clock.Advance(time.Minute) // stt-1's 8s TTL lapses, stt-2's does not
	r.Sweep()

	online := r.ByCapability("stt")
	if len(online) != 1 || online[0].InstanceID != "stt-2" {
		t.Errorf("ByCapability = %+v, want only stt-2", online)
	}
}

func TestSelectionOrdering(t *testing.T) {
	clock := newTestClock()
	r := newTestRegistry(t, clock, nil)

	if err := r.Register(announcement("stt-whisper", "stt-b", 1, "stt")); err != nil {
		t.Fatalf("Register stt-b: %v", err)
	}
	if err := r.Register(announcement("stt-whisper", "stt-a", 300, "stt")); err != nil {
		t.Fatalf("Register stt-a: %v", err)
	}
	if err := r.Register(announcement("stt-whisper", "stt-c", 300, "stt")); err != nil {
		t.Fatalf("Register stt-c: %v", err)
	}

	// Refresh a and c at a later instant so they tie on last heartbeat,
	// then let b go offline.
	clock.Advance(10 * time.Second)
	for _, id := range []string{"stt-a", "stt-c"} {
		if err := r.Heartbeat(bus.HeartbeatPayload{ServiceName: "stt-whisper", InstanceID: id}); err != nil {
			t.Fatalf("Heartbeat %s: %v", id, err)
		}
	}
	r.Sweep() // b evicted at 10s > 8s TTL

	got := r.Instances("stt-whisper")
	if len(got) != 3 {
		t.Fatalf("instances = %d, want 3", len(got))
	}
	// Online ties broken by instance id, offline last.
	wantOrder := []string{"stt-a", "stt-c", "stt-b"}
	for i, want := range wantOrder {
		if got[i].InstanceID != want {
			t.Errorf("position %d = %s, want %s (full order %v)", i, got[i].InstanceID, want, ids(got))
		}
	}
	if got[2].State != StateOffline {
		t.Errorf("stt-b state = %s, want offline", got[2].State)
	}
}

func ids(ds []ServiceDescriptor) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.InstanceID
	}
	return out
}

func TestUpsertDevice(t *testing.T) {
	clock := newTestClock()
	r := newTestRegistry(t, clock, nil)

	err := r.UpsertDevice(DeviceDescriptor{
		DeviceID: "light-kitchen", DeviceType: "light", Room: "kitchen",
		Capabilities: []string{"on_off", "dim"}, OwnerService: "zigbee-bridge",
	})
	if err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}

	devices := r.Devices()
	if len(devices) != 1 || devices[0].DeviceID != "light-kitchen" {
		t.Fatalf("devices = %+v", devices)
	}
	if !devices[0].LastSeen.Equal(clock.Now()) {
		t.Errorf("last seen not stamped: %v", devices[0].LastSeen)
	}

	if err := r.UpsertDevice(DeviceDescriptor{}); !errors.Is(err, ErrInvalidAnnouncement) {
		t.Errorf("empty device = %v, want ErrInvalidAnnouncement", err)
	}
}

func TestSnapshotRoundTripAndReEviction(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(dir + "/registry.db")
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	clock := newTestClock()
	r, err := New(Options{
		Config:           testRegistryConfig(),
		DefaultHeartbeat: 15 * time.Second,
		Store:            store,
		now:              clock.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := r.Register(announcement("stt-whisper", "stt-1", 1, "stt")); err != nil {
		t.Fatalf("Register stt-1: %v", err)
	}
	if err := r.Register(announcement("tts-piper", "tts-1", 300, "tts")); err != nil {
		t.Fatalf("Register tts-1: %v", err)
	}
	if err := r.UpsertDevice(DeviceDescriptor{DeviceID: "light-hall", DeviceType: "light"}); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
	if err := r.Persist(context.Background()); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	// Restart after a downtime long enough to lapse stt-1's 8s TTL but
	// not tts-1's.
	clock.Advance(time.Minute)
	restarted, err := New(Options{
		Config:           testRegistryConfig(),
		DefaultHeartbeat: 15 * time.Second,
		Store:            store,
		now:              clock.Now,
	})
	if err != nil {
		t.Fatalf("New (restart): %v", err)
	}

	if got := restarted.Instances("stt-whisper")[0].State; got != StateOffline {
		t.Errorf("stt-1 after restart = %s, want offline (re-evicted)", got)
	}
	if got := restarted.Instances("tts-piper")[0].State; got != StateOnline {
		t.Errorf("tts-1 after restart = %s, want online", got)
	}
	if got := len(restarted.Devices()); got != 1 {
		t.Errorf("devices after restart = %d, want 1", got)
	}
}
