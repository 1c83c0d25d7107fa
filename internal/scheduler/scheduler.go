package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alicia-home/alicia-core/internal/bus"
	"github.com/alicia-home/alicia-core/internal/infrastructure/config"
)

// Logger is the minimal logging interface the scheduler needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Bus is the slice of the service wrapper the scheduler uses.
type Bus interface {
	Publish(topic string, msgType bus.MessageType, payload any) error
	Request(ctx context.Context, topic string, payload any, timeout time.Duration) (*bus.Envelope, error)
	RegisterHandler(filter string, fn bus.Handler) error
}

// scanInterval is how often the due scan runs.
const scanInterval = time.Second

// TriggerRequest is the payload accepted on the trigger topic.
type TriggerRequest struct {
	EventID string `json:"event_id"`
}

// EventChange is published on the events topic when the map changes.
type EventChange struct {
	Change  string         `json:"change"` // "created", "updated", "deleted"
	EventID string         `json:"event_id"`
	Event   ScheduledEvent `json:"event,omitzero"`
}

// Options configures a Scheduler.
type Options struct {
	Config config.SchedulerConfig
	Bus    Bus
	Logger Logger

	// Store optionally persists the event map across restarts.
	Store Store

	now func() time.Time
}

// entry pairs an event with its parsed schedule and run state.
type entry struct {
	event   ScheduledEvent
	sched   schedule
	running int
	history []ExecutionRecord
}

type job struct {
	eventID string
}

// Scheduler owns the event map and the worker pool executing due events.
type Scheduler struct {
	cfg    config.SchedulerConfig
	bus    Bus
	log    Logger
	store  Store
	topics bus.Topics
	now    func() time.Time

	mu     sync.Mutex
	events map[string]*entry

	workCh chan job
}

// New builds a Scheduler, restoring the event map from the store when
// one is given.
func New(opts Options) (*Scheduler, error) {
	if opts.Bus == nil {
		return nil, errors.New("scheduler: Bus is required")
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.now == nil {
		opts.now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Config.Workers <= 0 {
		opts.Config.Workers = 10
	}
	if opts.Config.HistoryCap <= 0 {
		opts.Config.HistoryCap = 100
	}
	if opts.Config.ResponseTimeoutS <= 0 {
		opts.Config.ResponseTimeoutS = 10
	}
	if opts.Config.SnapshotIntervalS <= 0 {
		opts.Config.SnapshotIntervalS = 30
	}

	s := &Scheduler{
		cfg:    opts.Config,
		bus:    opts.Bus,
		log:    opts.Logger,
		store:  opts.Store,
		now:    opts.now,
		events: make(map[string]*entry),
		workCh: make(chan job, 2*opts.Config.Workers),
	}

	if s.store != nil {
		if err := s.restore(); err != nil {
			return nil, fmt.Errorf("restoring scheduler snapshot: %w", err)
		}
	}
	return s, nil
}

// restore loads the persisted event map. Events whose next run passed
// during downtime stay due and fire once on the first scan; earlier
// missed fires are skipped.
func (s *Scheduler) restore() error {
	snap, ok, err := s.store.Load()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	for _, pe := range snap.Events {
		sched, err := parseSchedule(pe.Event.Kind, pe.Event.Spec)
		if err != nil {
			s.log.Warn("dropping persisted event with bad spec",
				"event_id", pe.Event.EventID,
				"error", err,
			)
			continue
		}
		s.events[pe.Event.EventID] = &entry{
			event:   pe.Event,
			sched:   sched,
			history: pe.History,
		}
	}
	s.log.Info("scheduler snapshot restored", "events", len(s.events), "saved_at", snap.SavedAt)
	return nil
}

// Start subscribes to the trigger topic and launches the workers, the
// due scan, and the snapshot loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.bus.RegisterHandler(s.topics.SchedulerTriggers(), s.handleTrigger); err != nil {
		return err
	}

	for i := 0; i < s.cfg.Workers; i++ {
		go s.worker(ctx)
	}
	go s.scanLoop(ctx)
	if s.store != nil {
		go s.snapshotLoop(ctx)
	}
	return nil
}

func (s *Scheduler) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, j := range s.dispatchDue(s.now()) {
				select {
				case s.workCh <- j:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.workCh:
			s.execute(ctx, j.eventID, false)
		}
	}
}

func (s *Scheduler) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.cfg.SnapshotIntervalS) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Persist()
			return
		case <-ticker.C:
			s.Persist()
		}
	}
}

// Persist writes the current event map to the store, if one is set.
func (s *Scheduler) Persist() {
	if s.store == nil {
		return
	}

	s.mu.Lock()
	snap := Snapshot{SavedAt: s.now(), Events: make([]PersistedEvent, 0, len(s.events))}
	for _, e := range s.events {
		history := make([]ExecutionRecord, len(e.history))
		copy(history, e.history)
		snap.Events = append(snap.Events, PersistedEvent{Event: e.event, History: history})
	}
	s.mu.Unlock()

	if err := s.store.Save(snap); err != nil {
		s.log.Error("scheduler snapshot failed", "error", err)
	}
}

// dispatchDue claims every due event and returns the jobs to execute.
// Claiming advances next_run so an event queued behind a busy worker
// pool is not dispatched twice. An event still running without
// allow_overlap skips this fire entirely.
func (s *Scheduler) dispatchDue(now time.Time) []job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []job
	for id, e := range s.events {
		if !e.event.Enabled || e.event.NextRun.IsZero() || e.event.NextRun.After(now) {
			continue
		}

		if overdue := now.Sub(e.event.NextRun); overdue > 2*scanInterval {
			s.log.Info("firing late, earlier misses skipped",
				"event_id", id,
				"overdue", overdue,
			)
		}

		next := e.sched.next(now)
		if e.running > 0 && !e.event.AllowOverlap {
			s.log.Warn("skipping overlapping fire", "event_id", id)
			e.event.NextRun = next
			continue
		}

		e.event.NextRun = next
		e.running++
		jobs = append(jobs, job{eventID: id})
	}
	return jobs
}

// execute runs one fire of an event and records the outcome.
func (s *Scheduler) execute(ctx context.Context, eventID string, manual bool) (ExecutionRecord, error) {
	s.mu.Lock()
	e, ok := s.events[eventID]
	if !ok {
		s.mu.Unlock()
		return ExecutionRecord{}, ErrNotFound
	}
	event := e.event
	s.mu.Unlock()

	rec := ExecutionRecord{EventID: eventID, StartedAt: s.now()}
	err := s.fire(ctx, event)
	rec.FinishedAt = s.now()

	switch {
	case err == nil:
		rec.Status = StatusCompleted
	case errors.Is(err, context.Canceled):
		rec.Status = StatusCancelled
		rec.Detail = err.Error()
	default:
		rec.Status = StatusFailed
		rec.Detail = err.Error()
		s.log.Warn("event execution failed", "event_id", eventID, "error", err)
	}
	if manual {
		rec.Detail = joinDetail("manual trigger", rec.Detail)
	}

	s.mu.Lock()
	if !manual {
		e.running--
		e.event.LastRun = rec.StartedAt
		if e.event.Kind == KindOnce {
			// One-shot events fire exactly once, success or not.
			e.event.Enabled = false
			e.event.NextRun = time.Time{}
		}
	}
	e.history = append(e.history, rec)
	if len(e.history) > s.cfg.HistoryCap {
		e.history = e.history[len(e.history)-s.cfg.HistoryCap:]
	}
	s.mu.Unlock()

	if err := s.bus.Publish(s.topics.SchedulerExecutions(), bus.TypeEvent, rec); err != nil {
		s.log.Warn("publishing execution record failed", "event_id", eventID, "error", err)
	}
	return rec, nil
}

func joinDetail(a, b string) string {
	if b == "" {
		return a
	}
	return a + ": " + b
}

// fire delivers the event payload to its target topic.
func (s *Scheduler) fire(ctx context.Context, event ScheduledEvent) error {
	if !event.ExpectResponse {
		return s.bus.Publish(event.TargetTopic, bus.TypeCommand, event.Payload)
	}

	timeout := time.Duration(s.cfg.ResponseTimeoutS) * time.Second
	_, err := s.bus.Request(ctx, event.TargetTopic, event.Payload, timeout)
	return err
}

// handleTrigger fires an event on demand from the bus.
func (s *Scheduler) handleTrigger(ctx context.Context, env *bus.Envelope) (*bus.Envelope, error) {
	var req TriggerRequest
	if err := env.DecodePayload(&req); err != nil {
		return nil, bus.Errf(bus.ReasonBadRequest, "undecodable trigger request: %v", err)
	}
	if req.EventID == "" {
		return nil, bus.Errf(bus.ReasonBadRequest, "event_id is required")
	}

	rec, err := s.Trigger(ctx, req.EventID)
	if errors.Is(err, ErrNotFound) {
		return nil, bus.Errf(bus.ReasonNotFound, "unknown event: %s", req.EventID)
	}
	if err != nil {
		return nil, err
	}
	return env.Response("scheduler", rec)
}

// Trigger fires an event immediately, outside its schedule. The
// resulting record is synthetic: last_run and next_run are untouched.
func (s *Scheduler) Trigger(ctx context.Context, eventID string) (ExecutionRecord, error) {
	return s.execute(ctx, eventID, true)
}

// Create adds a new event and computes its first fire time.
func (s *Scheduler) Create(event ScheduledEvent) (ScheduledEvent, error) {
	if err := event.Validate(); err != nil {
		return ScheduledEvent{}, err
	}
	sched, err := parseSchedule(event.Kind, event.Spec)
	if err != nil {
		return ScheduledEvent{}, err
	}

	now := s.now()
	event.CreatedAt = now
	event.LastRun = time.Time{}
	event.NextRun = firstRun(event.Kind, event.Spec, sched, now)

	s.mu.Lock()
	if _, exists := s.events[event.EventID]; exists {
		s.mu.Unlock()
		return ScheduledEvent{}, ErrExists
	}
	s.events[event.EventID] = &entry{event: event, sched: sched}
	s.mu.Unlock()

	s.publishChange("created", event)
	return event, nil
}

// firstRun computes the initial next_run. A one-shot keeps its stored
// timestamp even when it is already past, so a restart still fires the
// single most recent miss.
func firstRun(kind ScheduleKind, spec string, sched schedule, now time.Time) time.Time {
	if kind == KindOnce {
		at, _ := time.Parse(time.RFC3339, spec)
		return at.UTC()
	}
	return sched.next(now)
}

// Update replaces an event's definition, keeping its history and
// recomputing next_run from the new spec.
func (s *Scheduler) Update(event ScheduledEvent) (ScheduledEvent, error) {
	if err := event.Validate(); err != nil {
		return ScheduledEvent{}, err
	}
	sched, err := parseSchedule(event.Kind, event.Spec)
	if err != nil {
		return ScheduledEvent{}, err
	}

	now := s.now()

	s.mu.Lock()
	existing, ok := s.events[event.EventID]
	if !ok {
		s.mu.Unlock()
		return ScheduledEvent{}, ErrNotFound
	}
	event.CreatedAt = existing.event.CreatedAt
	event.LastRun = existing.event.LastRun
	event.NextRun = firstRun(event.Kind, event.Spec, sched, now)
	existing.event = event
	existing.sched = sched
	s.mu.Unlock()

	s.publishChange("updated", event)
	return event, nil
}

// Delete removes an event, reporting whether it existed.
func (s *Scheduler) Delete(eventID string) bool {
	s.mu.Lock()
	_, ok := s.events[eventID]
	delete(s.events, eventID)
	s.mu.Unlock()

	if ok {
		s.publishChange("deleted", ScheduledEvent{EventID: eventID})
	}
	return ok
}

func (s *Scheduler) publishChange(change string, event ScheduledEvent) {
	payload := EventChange{Change: change, EventID: event.EventID}
	if change != "deleted" {
		payload.Event = event
	}
	if err := s.bus.Publish(s.topics.SchedulerEvents(), bus.TypeEvent, payload); err != nil {
		s.log.Warn("publishing event change failed", "event_id", event.EventID, "error", err)
	}
}

// Get returns one event.
func (s *Scheduler) Get(eventID string) (ScheduledEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[eventID]
	if !ok {
		return ScheduledEvent{}, false
	}
	return e.event, true
}

// List returns every event sorted by id.
func (s *Scheduler) List() []ScheduledEvent {
	s.mu.Lock()
	out := make([]ScheduledEvent, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.event)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out
}

// Executions returns an event's history, newest first.
func (s *Scheduler) Executions(eventID string) ([]ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]ExecutionRecord, len(e.history))
	for i, rec := range e.history {
		out[len(e.history)-1-i] = rec
	}
	return out, nil
}
