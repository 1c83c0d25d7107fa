package voicerouter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alicia-home/alicia-core/internal/balancer"
	"github.com/alicia-home/alicia-core/internal/bus"
	"github.com/alicia-home/alicia-core/internal/infrastructure/config"
)

// Logger is the minimal logging interface the router needs.
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

// Bus is the slice of the service wrapper the router uses.
type Bus interface {
	RequestEnvelope(ctx context.Context, topic string, env *bus.Envelope, timeout time.Duration) (*bus.Envelope, error)
	Publish(topic string, msgType bus.MessageType, payload any) error
	RegisterHandler(filter string, fn bus.Handler) error
}

// Pipeline stage names, also the capability names instances announce.
const (
	StageSTT = "stt"
	StageAI  = "ai"
	StageTTS = "tts"
)

// sessionRetention is how long terminal sessions stay queryable.
const sessionRetention = 10 * time.Minute

// Options configures a Router.
type Options struct {
	Config config.RouterConfig
	Bus    Bus
	Logger Logger

	// ServiceName is the identity stamped on outbound envelopes.
	ServiceName string

	// Pools optionally selects specific instances per stage. A stage with
	// no pool (or an empty one) is addressed by capability instead, and
	// whichever instance holds the shared subscription answers.
	Pools map[string]*balancer.Pool

	now func() time.Time
}

// Router runs the voice pipeline.
type Router struct {
	cfg         config.RouterConfig
	bus         Bus
	log         Logger
	serviceName string
	pools       map[string]*balancer.Pool
	topics      bus.Topics
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// New builds a Router.
func New(opts Options) (*Router, error) {
	if opts.Bus == nil {
		return nil, errors.New("voicerouter: Bus is required")
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "voice-router"
	}
	if opts.now == nil {
		opts.now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Config.DefaultDeadlineMS <= 0 {
		opts.Config.DefaultDeadlineMS = 8000
	}
	if opts.Config.MaxDeadlineMS <= 0 {
		opts.Config.MaxDeadlineMS = 15000
	}
	if opts.Config.ConfidenceThreshold <= 0 {
		opts.Config.ConfidenceThreshold = 0.55
	}
	if opts.Config.TTSBudgetSafetyMS <= 0 {
		opts.Config.TTSBudgetSafetyMS = 200
	}
	if opts.Config.SubBudgetPercentSTT <= 0 {
		opts.Config.SubBudgetPercentSTT = 40
	}
	if opts.Config.SubBudgetPercentAI <= 0 {
		opts.Config.SubBudgetPercentAI = 40
	}
	if opts.Config.SessionSweepSeconds <= 0 {
		opts.Config.SessionSweepSeconds = 5
	}

	return &Router{
		cfg:         opts.Config,
		bus:         opts.Bus,
		log:         opts.Logger,
		serviceName: opts.ServiceName,
		pools:       opts.Pools,
		now:         opts.now,
		sessions:    make(map[string]*session),
	}, nil
}

// Start subscribes to the command topics and launches the session sweeper.
func (r *Router) Start(ctx context.Context) error {
	if err := r.bus.RegisterHandler(r.topics.VoiceCommandRoute(), r.handleRoute); err != nil {
		return fmt.Errorf("subscribing to route topic: %w", err)
	}
	if err := r.bus.RegisterHandler(r.topics.VoiceCommandCancel(), r.handleCancel); err != nil {
		return fmt.Errorf("subscribing to cancel topic: %w", err)
	}
	go r.sweepLoop(ctx)
	return nil
}

// deadlineFor clamps a requested deadline into the configured bounds.
func (r *Router) deadlineFor(requestedMS int) time.Duration {
	ms := requestedMS
	if ms <= 0 {
		ms = r.cfg.DefaultDeadlineMS
	}
	if ms > r.cfg.MaxDeadlineMS {
		ms = r.cfg.MaxDeadlineMS
	}
	return time.Duration(ms) * time.Millisecond
}

// handleRoute runs one voice command through the pipeline and answers with
// the final Result. The result is also published as an event for anyone
// not holding the request open.
func (r *Router) handleRoute(_ context.Context, env *bus.Envelope) (*bus.Envelope, error) {
	var cmd Command
	if err := env.DecodePayload(&cmd); err != nil {
		return nil, bus.Errf(bus.ReasonBadRequest, "undecodable voice command: %v", err)
	}
	if cmd.SessionID == "" {
		// Callers without session affinity get one allocated; the Result
		// carries it back to them.
		cmd.SessionID = uuid.NewString()
	}
	if cmd.Audio == "" && cmd.AudioRef == "" {
		return nil, bus.Errf(bus.ReasonBadRequest, "audio or audio_ref is required")
	}

	sess := r.getOrCreate(cmd.SessionID)

	// One pipeline run at a time per session; a second command for the
	// same session waits its turn here.
	sess.runMu.Lock()
	defer sess.runMu.Unlock()

	now := r.now()
	deadline := now.Add(r.deadlineFor(cmd.DeadlineMS))

	runCtx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	r.mu.Lock()
	sess.state = StateInit
	sess.startedAt = now
	sess.deadline = deadline
	sess.updatedAt = now
	sess.transcript = ""
	sess.confidence = 0
	sess.reply = ""
	sess.audio = ""
	sess.audioRef = ""
	sess.failReason = ""
	sess.cancel = cancel
	r.mu.Unlock()

	result := r.run(runCtx, sess, cmd, env)

	r.mu.Lock()
	sess.cancel = nil
	r.mu.Unlock()

	if err := r.bus.Publish(r.topics.VoiceCommandResult(), bus.TypeEvent, result); err != nil {
		r.log.Warn("publishing voice result failed", "session_id", cmd.SessionID, "error", err)
	}
	return env.Response(r.serviceName, result)
}

// run executes the three pipeline stages against the session deadline.
// Stage requests descend from the inbound command envelope so hop counts
// keep climbing across the chain.
func (r *Router) run(ctx context.Context, sess *session, cmd Command, parent *bus.Envelope) Result {
	// STT gets a fixed share of whatever deadline remains.
	r.transition(sess, StateSTTPending, "")
	sttBudget := r.shareOfRemaining(sess.deadline, r.cfg.SubBudgetPercentSTT)
	if sttBudget <= 0 {
		return r.fail(sess, string(bus.ReasonTimeoutSTT))
	}
	resp, err := r.step(ctx, parent, StageSTT, sttRequest{
		SessionID: sess.id,
		Audio:     cmd.Audio,
		AudioRef:  cmd.AudioRef,
		Language:  cmd.Language,
	}, sttBudget, true)
	if err != nil {
		return r.fail(sess, r.failureReason(ctx, err, StageSTT))
	}
	var stt sttResponse
	if err := resp.DecodePayload(&stt); err != nil {
		return r.fail(sess, string(bus.ReasonUpstreamError))
	}

	r.mu.Lock()
	sess.transcript = stt.Transcript
	sess.confidence = stt.Confidence
	r.mu.Unlock()

	// A transcript the recognizer itself doubts is not worth sending to
	// the model; tell the user instead of guessing.
	if stt.Confidence < r.cfg.ConfidenceThreshold {
		return r.fail(sess, "low_confidence")
	}

	r.transition(sess, StateAIPending, "")
	aiBudget := r.shareOfRemaining(sess.deadline, r.cfg.SubBudgetPercentAI)
	if aiBudget <= 0 {
		return r.fail(sess, string(bus.ReasonTimeoutAI))
	}
	// The model call is never retried: a second inference would both
	// blow the deadline and risk acting twice on one utterance.
	resp, err = r.step(ctx, parent, StageAI, aiRequest{
		SessionID:  sess.id,
		Transcript: stt.Transcript,
		Language:   cmd.Language,
	}, aiBudget, false)
	if err != nil {
		return r.fail(sess, r.failureReason(ctx, err, StageAI))
	}
	var ai aiResponse
	if err := resp.DecodePayload(&ai); err != nil {
		return r.fail(sess, string(bus.ReasonUpstreamError))
	}

	r.mu.Lock()
	sess.reply = ai.Reply
	r.mu.Unlock()

	// TTS gets everything left, minus a safety margin so the result still
	// makes it back before the deadline.
	r.transition(sess, StateTTSPending, "")
	ttsBudget := sess.deadline.Sub(r.now()) - time.Duration(r.cfg.TTSBudgetSafetyMS)*time.Millisecond
	if ttsBudget <= 0 {
		return r.fail(sess, string(bus.ReasonTimeoutTTS))
	}
	resp, err = r.step(ctx, parent, StageTTS, ttsRequest{
		SessionID: sess.id,
		Text:      ai.Reply,
		Language:  cmd.Language,
	}, ttsBudget, true)
	if err != nil {
		return r.fail(sess, r.failureReason(ctx, err, StageTTS))
	}
	var tts ttsResponse
	if err := resp.DecodePayload(&tts); err != nil {
		return r.fail(sess, string(bus.ReasonUpstreamError))
	}

	r.mu.Lock()
	sess.audio = tts.Audio
	sess.audioRef = tts.AudioRef
	r.mu.Unlock()

	r.transition(sess, StateDone, "")
	return Result{
		SessionID:  sess.id,
		Status:     "ok",
		Transcript: stt.Transcript,
		Confidence: stt.Confidence,
		Reply:      ai.Reply,
		Audio:      tts.Audio,
		AudioRef:   tts.AudioRef,
		DurationMS: r.now().Sub(sess.startedAt).Milliseconds(),
	}
}

// shareOfRemaining returns percent% of the time left until deadline.
func (r *Router) shareOfRemaining(deadline time.Time, percent int) time.Duration {
	remaining := deadline.Sub(r.now())
	if remaining <= 0 {
		return 0
	}
	return remaining * time.Duration(percent) / 100
}

// step issues one stage request, optionally retrying once when the stage
// reports itself unavailable and at least a quarter of the budget remains.
func (r *Router) step(ctx context.Context, parent *bus.Envelope, stage string, payload any, budget time.Duration, allowRetry bool) (*bus.Envelope, error) {
	start := r.now()
	resp, err := r.attempt(ctx, parent, stage, payload, budget)
	if err == nil || !allowRetry {
		return resp, err
	}
	if bus.ReasonOf(err) != bus.ReasonServiceUnavailable {
		return resp, err
	}

	remaining := budget - r.now().Sub(start)
	if remaining < budget/4 {
		return resp, err
	}
	r.log.Info("retrying stage after unavailable",
		"stage", stage,
		"remaining_budget", remaining,
	)
	return r.attempt(ctx, parent, stage, payload, remaining)
}

// attempt runs a single stage request, selecting an instance through the
// stage's balancer pool when one is populated. The request envelope is a
// child of the inbound command, so the hop count strictly increases along
// the pipeline and loop protection spans the whole chain.
func (r *Router) attempt(ctx context.Context, parent *bus.Envelope, stage string, payload any, budget time.Duration) (*bus.Envelope, error) {
	destination := bus.CapabilityDestination(stage)

	var lease *balancer.Lease
	if pool := r.pools[stage]; pool != nil && pool.Len() > 0 {
		l, err := pool.Acquire()
		switch {
		case errors.Is(err, balancer.ErrAllBusy):
			return nil, bus.Errf(bus.ReasonOverloaded, "all %s instances at capacity", stage)
		case err != nil:
			return nil, bus.Errf(bus.ReasonServiceUnavailable, "no %s instance available", stage)
		}
		lease = l
		destination = bus.ServiceDestination(l.InstanceID())
	}

	env, err := parent.Child(bus.TypeRequest, r.serviceName, destination, payload)
	if err != nil {
		if lease != nil {
			lease.Release(nil)
		}
		return nil, err
	}

	resp, err := r.bus.RequestEnvelope(ctx, r.topics.VoiceStep(stage, "request"), env, budget)
	if lease != nil {
		lease.Release(err)
	}
	return resp, err
}

// failureReason maps a step error to the session failure reason.
func (r *Router) failureReason(ctx context.Context, err error, stage string) string {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return string(stageTimeoutReason(stage))
	}

	reason := bus.ReasonOf(err)
	if reason == bus.ReasonTimeout {
		reason = stageTimeoutReason(stage)
	}
	if reason == bus.ReasonInternal {
		r.log.Error("stage failed", "stage", stage, "error", err)
	}
	return string(reason)
}

func stageTimeoutReason(stage string) bus.Reason {
	switch stage {
	case StageSTT:
		return bus.ReasonTimeoutSTT
	case StageAI:
		return bus.ReasonTimeoutAI
	case StageTTS:
		return bus.ReasonTimeoutTTS
	default:
		return bus.ReasonTimeout
	}
}

// fail moves the session to its terminal failure state and builds the
// failed Result.
func (r *Router) fail(sess *session, reason string) Result {
	state := StateFailed
	if reason == "cancelled" {
		state = StateCancelled
	}
	r.transition(sess, state, reason)

	r.mu.Lock()
	sess.failReason = reason
	transcript := sess.transcript
	confidence := sess.confidence
	startedAt := sess.startedAt
	r.mu.Unlock()

	return Result{
		SessionID:   sess.id,
		Status:      "failed",
		Reason:      reason,
		UserMessage: userMessage(reason),
		Transcript:  transcript,
		Confidence:  confidence,
		DurationMS:  r.now().Sub(startedAt).Milliseconds(),
	}
}

// userMessage translates a failure reason into something a speaker can
// say to the user.
func userMessage(reason string) string {
	switch reason {
	case "low_confidence":
		return "Sorry, I didn't catch that. Could you say it again?"
	case "cancelled":
		return "Okay, cancelled."
	case string(bus.ReasonTimeoutSTT), string(bus.ReasonTimeoutAI),
		string(bus.ReasonTimeoutTTS), string(bus.ReasonTimeout):
		return "Sorry, that took too long. Please try again."
	case string(bus.ReasonServiceUnavailable), string(bus.ReasonOverloaded):
		return "Sorry, I'm having trouble right now. Please try again in a moment."
	default:
		return "Sorry, something went wrong."
	}
}

// transition updates the session state and publishes the state event.
func (r *Router) transition(sess *session, to State, reason string) {
	now := r.now()

	r.mu.Lock()
	from := sess.state
	sess.state = to
	sess.updatedAt = now
	r.mu.Unlock()

	event := StateEvent{
		SessionID: sess.id,
		From:      from,
		To:        to,
		Reason:    reason,
		At:        now,
	}
	if err := r.bus.Publish(r.topics.VoiceSessionState(), bus.TypeEvent, event); err != nil {
		r.log.Warn("publishing state event failed", "session_id", sess.id, "error", err)
	}
}

// handleCancel aborts the in-flight run of a session, if any.
func (r *Router) handleCancel(_ context.Context, env *bus.Envelope) (*bus.Envelope, error) {
	var req CancelRequest
	if err := env.DecodePayload(&req); err != nil {
		return nil, fmt.Errorf("decoding cancel request: %w", err)
	}
	if req.SessionID == "" {
		return nil, fmt.Errorf("cancel without session_id")
	}

	r.mu.Lock()
	sess, ok := r.sessions[req.SessionID]
	var cancel context.CancelFunc
	if ok && !sess.state.Terminal() {
		cancel = sess.cancel
	}
	r.mu.Unlock()

	if cancel != nil {
		r.log.Info("cancelling session", "session_id", req.SessionID)
		cancel()
	}
	return nil, nil
}

func (r *Router) getOrCreate(sessionID string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[sessionID]; ok {
		return sess
	}
	sess := &session{id: sessionID, state: StateInit}
	r.sessions[sessionID] = sess
	return sess
}

// Session returns a snapshot of one session.
func (r *Router) Session(sessionID string) (SessionView, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return SessionView{}, false
	}
	return sess.view(), true
}

// Sessions returns snapshots of all known sessions, newest first.
func (r *Router) Sessions() []SessionView {
	r.mu.Lock()
	out := make([]SessionView, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess.view())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// sweepLoop prunes terminal sessions past the retention window.
func (r *Router) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(r.cfg.SessionSweepSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Router) sweep() {
	cutoff := r.now().Add(-sessionRetention)

	r.mu.Lock()
	for id, sess := range r.sessions {
		if sess.state.Terminal() && sess.updatedAt.Before(cutoff) {
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()
}
