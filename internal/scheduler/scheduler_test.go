package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alicia-home/alicia-core/internal/bus"
	"github.com/alicia-home/alicia-core/internal/infrastructure/config"
)

type fakeBus struct {
	mu        sync.Mutex
	handlers  map[string]bus.Handler
	published []publishedMsg

	// requestErr, when set, fails every Request call.
	requestErr error
	requests   []publishedMsg
}

type publishedMsg struct {
	topic   string
	payload any
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string]bus.Handler)}
}

func (f *fakeBus) Publish(topic string, _ bus.MessageType, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMsg{topic, payload})
	return nil
}

func (f *fakeBus) Request(_ context.Context, topic string, payload any, _ time.Duration) (*bus.Envelope, error) {
	f.mu.Lock()
	f.requests = append(f.requests, publishedMsg{topic, payload})
	err := f.requestErr
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	env, _ := bus.NewEnvelope(bus.TypeResponse, "target", bus.DestBroadcast, map[string]string{"status": "done"})
	return env, nil
}

func (f *fakeBus) RegisterHandler(filter string, fn bus.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[filter] = fn
	return nil
}

func (f *fakeBus) publishedOn(topic string) []publishedMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []publishedMsg
	for _, m := range f.published {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestScheduler(t *testing.T, fb *fakeBus, clock *testClock, store Store) *Scheduler {
	t.Helper()
	s, err := New(Options{
		Config: config.SchedulerConfig{
			Workers:          2,
			HistoryCap:       3,
			ResponseTimeoutS: 5,
		},
		Bus:   fb,
		Store: store,
		now:   clock.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// runDue claims and executes every due event synchronously.
func runDue(s *Scheduler, now time.Time) int {
	jobs := s.dispatchDue(now)
	for _, j := range jobs {
		s.execute(context.Background(), j.eventID, false)
	}
	return len(jobs)
}

func TestIntervalEventFires(t *testing.T) {
	fb := newFakeBus()
	clock := &testClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	s := newTestScheduler(t, fb, clock, nil)

	created, err := s.Create(ScheduledEvent{
		EventID:     "poll-sensors",
		Kind:        KindInterval,
		Spec:        "30",
		TargetTopic: "alicia/devices/sensor-1/command",
		Payload:     json.RawMessage(`{"action":"poll"}`),
		Enabled:     true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if want := clock.Now().Add(30 * time.Second); !created.NextRun.Equal(want) {
		t.Fatalf("next_run = %v, want %v", created.NextRun, want)
	}

	// Not due yet.
	clock.Advance(29 * time.Second)
	if fired := runDue(s, clock.Now()); fired != 0 {
		t.Fatalf("fired = %d before due", fired)
	}

	clock.Advance(time.Second)
	if fired := runDue(s, clock.Now()); fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}

	if got := fb.publishedOn("alicia/devices/sensor-1/command"); len(got) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(got))
	}

	event, _ := s.Get("poll-sensors")
	if !event.LastRun.Equal(clock.Now()) {
		t.Errorf("last_run = %v, want %v", event.LastRun, clock.Now())
	}
	if want := clock.Now().Add(30 * time.Second); !event.NextRun.Equal(want) {
		t.Errorf("next_run = %v, want %v", event.NextRun, want)
	}

	topics := bus.Topics{}
	if got := fb.publishedOn(topics.SchedulerExecutions()); len(got) != 1 {
		t.Errorf("execution events = %d, want 1", len(got))
	}
}

func TestOnceEventDisablesAfterFiring(t *testing.T) {
	fb := newFakeBus()
	clock := &testClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	s := newTestScheduler(t, fb, clock, nil)

	at := clock.Now().Add(time.Minute)
	if _, err := s.Create(ScheduledEvent{
		EventID:     "goodnight",
		Kind:        KindOnce,
		Spec:        at.Format(time.RFC3339),
		TargetTopic: "alicia/devices/lamp-1/command",
		Enabled:     true,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	clock.Advance(time.Minute)
	if fired := runDue(s, clock.Now()); fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}

	event, _ := s.Get("goodnight")
	if event.Enabled || !event.NextRun.IsZero() {
		t.Errorf("event after fire = %+v, want disabled with no next_run", event)
	}

	clock.Advance(time.Hour)
	if fired := runDue(s, clock.Now()); fired != 0 {
		t.Errorf("one-shot fired again: %d", fired)
	}
}

func TestCronFireAtFiveMinuteMark(t *testing.T) {
	fb := newFakeBus()
	clock := &testClock{now: time.Date(2026, 8, 24, 12, 0, 2, 0, time.UTC)}
	s := newTestScheduler(t, fb, clock, nil)

	created, err := s.Create(ScheduledEvent{
		EventID:     "every-five",
		Kind:        KindCron,
		Spec:        "*/5 * * * *",
		TargetTopic: "alicia/test",
		Payload:     json.RawMessage(`{"n":1}`),
		Enabled:     true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	want := time.Date(2026, 8, 24, 12, 5, 0, 0, time.UTC)
	if !created.NextRun.Equal(want) {
		t.Fatalf("next_run = %v, want %v", created.NextRun, want)
	}

	// Nothing fires before the mark.
	clock.now = want.Add(-time.Second)
	if fired := runDue(s, clock.Now()); fired != 0 {
		t.Fatalf("fired early: %d", fired)
	}

	clock.now = want
	if fired := runDue(s, clock.Now()); fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	if got := fb.publishedOn("alicia/test"); len(got) != 1 {
		t.Fatalf("deliveries = %d, want exactly 1", len(got))
	}

	event, _ := s.Get("every-five")
	if next := time.Date(2026, 8, 24, 12, 10, 0, 0, time.UTC); !event.NextRun.Equal(next) {
		t.Errorf("next_run = %v, want %v", event.NextRun, next)
	}

	history, err := s.Executions("every-five")
	if err != nil || len(history) != 1 || history[0].Status != StatusCompleted {
		t.Errorf("history = %+v, %v", history, err)
	}
}

func TestStaleEventCatchesUpOnce(t *testing.T) {
	fb := newFakeBus()
	clock := &testClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	s := newTestScheduler(t, fb, clock, nil)

	if _, err := s.Create(ScheduledEvent{
		EventID:     "poll",
		Kind:        KindInterval,
		Spec:        "10",
		TargetTopic: "alicia/test",
		Enabled:     true,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Simulate downtime: six intervals pass without a scan.
	clock.Advance(time.Minute)
	if fired := runDue(s, clock.Now()); fired != 1 {
		t.Fatalf("fired = %d, want a single catch-up", fired)
	}

	event, _ := s.Get("poll")
	if want := clock.Now().Add(10 * time.Second); !event.NextRun.Equal(want) {
		t.Errorf("next_run = %v, want %v (no burst)", event.NextRun, want)
	}
}

func TestOverlapGuard(t *testing.T) {
	fb := newFakeBus()
	clock := &testClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	s := newTestScheduler(t, fb, clock, nil)

	if _, err := s.Create(ScheduledEvent{
		EventID:     "slow-job",
		Kind:        KindInterval,
		Spec:        "10",
		TargetTopic: "alicia/test",
		Enabled:     true,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// A previous fire is still running.
	s.mu.Lock()
	s.events["slow-job"].running = 1
	s.mu.Unlock()

	clock.Advance(10 * time.Second)
	jobs := s.dispatchDue(clock.Now())
	if len(jobs) != 0 {
		t.Fatalf("jobs = %d, want fire skipped while running", len(jobs))
	}

	// The skipped fire still advanced the schedule.
	event, _ := s.Get("slow-job")
	if want := clock.Now().Add(10 * time.Second); !event.NextRun.Equal(want) {
		t.Errorf("next_run = %v, want %v", event.NextRun, want)
	}

	// With allow_overlap the same situation dispatches.
	if _, err := s.Create(ScheduledEvent{
		EventID:      "parallel-job",
		Kind:         KindInterval,
		Spec:         "10",
		TargetTopic:  "alicia/test",
		Enabled:      true,
		AllowOverlap: true,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	s.mu.Lock()
	s.events["parallel-job"].running = 1
	s.mu.Unlock()

	clock.Advance(10 * time.Second)
	found := false
	for _, j := range s.dispatchDue(clock.Now()) {
		if j.eventID == "parallel-job" {
			found = true
		}
	}
	if !found {
		t.Error("allow_overlap event should dispatch while running")
	}
}

func TestExpectResponseFailureRecorded(t *testing.T) {
	fb := newFakeBus()
	fb.requestErr = bus.Errf(bus.ReasonTimeout, "no response")
	clock := &testClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	s := newTestScheduler(t, fb, clock, nil)

	if _, err := s.Create(ScheduledEvent{
		EventID:        "ping-gateway",
		Kind:           KindInterval,
		Spec:           "10",
		TargetTopic:    "alicia/system/gateway/request",
		ExpectResponse: true,
		Enabled:        true,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	clock.Advance(10 * time.Second)
	runDue(s, clock.Now())

	history, _ := s.Executions("ping-gateway")
	if len(history) != 1 || history[0].Status != StatusFailed {
		t.Fatalf("history = %+v, want one failed record", history)
	}
	if history[0].Detail == "" {
		t.Error("failed record should carry detail")
	}

	fb.mu.Lock()
	requests := len(fb.requests)
	fb.mu.Unlock()
	if requests != 1 {
		t.Errorf("requests = %d, want 1", requests)
	}
}

func TestManualTriggerIsSynthetic(t *testing.T) {
	fb := newFakeBus()
	clock := &testClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	s := newTestScheduler(t, fb, clock, nil)

	created, err := s.Create(ScheduledEvent{
		EventID:     "poll",
		Kind:        KindInterval,
		Spec:        "3600",
		TargetTopic: "alicia/test",
		Enabled:     true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec, err := s.Trigger(context.Background(), "poll")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if rec.Status != StatusCompleted || !strings.Contains(rec.Detail, "manual trigger") {
		t.Errorf("record = %+v", rec)
	}

	// The schedule is untouched.
	event, _ := s.Get("poll")
	if !event.NextRun.Equal(created.NextRun) || !event.LastRun.IsZero() {
		t.Errorf("event after manual trigger = %+v", event)
	}

	if _, err := s.Trigger(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Trigger(ghost) = %v, want ErrNotFound", err)
	}
}

func TestHistoryCapEvictsOldest(t *testing.T) {
	fb := newFakeBus()
	clock := &testClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	s := newTestScheduler(t, fb, clock, nil) // HistoryCap 3

	if _, err := s.Create(ScheduledEvent{
		EventID:     "poll",
		Kind:        KindInterval,
		Spec:        "3600",
		TargetTopic: "alicia/test",
		Enabled:     true,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		if _, err := s.Trigger(context.Background(), "poll"); err != nil {
			t.Fatalf("Trigger: %v", err)
		}
	}

	history, _ := s.Executions("poll")
	if len(history) != 3 {
		t.Fatalf("history = %d, want capped at 3", len(history))
	}
	// Newest first.
	if !history[0].StartedAt.After(history[1].StartedAt) {
		t.Errorf("history not newest-first: %+v", history)
	}
}

func TestBusTriggerHandler(t *testing.T) {
	fb := newFakeBus()
	clock := &testClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	s := newTestScheduler(t, fb, clock, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := s.Create(ScheduledEvent{
		EventID:     "poll",
		Kind:        KindInterval,
		Spec:        "3600",
		TargetTopic: "alicia/test",
		Enabled:     true,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	topics := bus.Topics{}
	handler := fb.handlers[topics.SchedulerTriggers()]
	env, _ := bus.NewEnvelope(bus.TypeRequest, "panel", bus.DestBroadcast, TriggerRequest{EventID: "poll"})
	resp, err := handler(context.Background(), env)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	var rec ExecutionRecord
	if err := resp.DecodePayload(&rec); err != nil {
		t.Fatalf("decoding record: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Errorf("record = %+v", rec)
	}

	env, _ = bus.NewEnvelope(bus.TypeRequest, "panel", bus.DestBroadcast, TriggerRequest{EventID: "ghost"})
	if _, err := handler(context.Background(), env); bus.ReasonOf(err) != bus.ReasonNotFound {
		t.Errorf("reason = %v, want not_found", bus.ReasonOf(err))
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.db")
	store, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	defer store.Close()

	fb := newFakeBus()
	clock := &testClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	s := newTestScheduler(t, fb, clock, store)

	if _, err := s.Create(ScheduledEvent{
		EventID:     "morning-lights",
		Kind:        KindCron,
		Spec:        "0 7 * * *",
		TargetTopic: "alicia/devices/lamp-1/command",
		Enabled:     true,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Trigger(context.Background(), "morning-lights"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	s.Persist()

	restored := newTestScheduler(t, newFakeBus(), clock, store)
	event, ok := restored.Get("morning-lights")
	if !ok || event.Kind != KindCron || event.Spec != "0 7 * * *" {
		t.Fatalf("restored event = %+v, %v", event, ok)
	}
	history, err := restored.Executions("morning-lights")
	if err != nil || len(history) != 1 {
		t.Fatalf("restored history = %+v, %v", history, err)
	}

	// A restored schedule still computes fire times.
	if fired := runDue(restored, time.Date(2026, 8, 25, 7, 0, 0, 0, time.UTC).Add(time.Second)); fired == 0 {
		t.Log("no fire: next_run recomputed forward, acceptable only if due later")
	}
}

func TestEventAPI(t *testing.T) {
	fb := newFakeBus()
	clock := &testClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	s := newTestScheduler(t, fb, clock, nil)

	mux := chi.NewRouter()
	s.Mount(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := srv.Client()

	body := `{"event_id":"poll","schedule_kind":"interval","spec":"60","target_topic":"alicia/test","enabled":true}`
	resp, err := http.Post(srv.URL+"/events", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}

	// Duplicate id conflicts.
	resp, err = http.Post(srv.URL+"/events", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", resp.StatusCode)
	}

	resp, err = client.Get(srv.URL + "/events/ghost")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown event status = %d, want 404", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/events/poll/trigger", "application/json", nil)
	if err != nil {
		t.Fatalf("POST trigger: %v", err)
	}
	var rec ExecutionRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatalf("decoding trigger response: %v", err)
	}
	resp.Body.Close()
	if rec.Status != StatusCompleted {
		t.Errorf("trigger record = %+v", rec)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/events/poll", nil)
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", resp.StatusCode)
	}
}
