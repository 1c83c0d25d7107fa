package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alicia-home/alicia-core/internal/infrastructure/mqtt"
)

// Broker is the connection surface the wrapper needs from the MQTT layer.
// *mqtt.Client satisfies it; tests substitute an in-memory fake.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
	LastDisconnect() time.Time
	SubscribedTopics() []string
	SetOnConnect(func())
	SetOnDisconnect(func(err error))
	Close() error
}

// Logger is the logging interface used by the wrapper.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Handler processes an inbound envelope.
//
// For request envelopes, a non-nil returned envelope is published as the
// response; a non-nil error is translated to an error response using the
// taxonomy reason (via ReasonOf). For all other message types the return
// values are only logged.
type Handler func(ctx context.Context, env *Envelope) (*Envelope, error)

// ServiceAnnouncement is the payload of register events and the identity
// block the registry stores for this instance.
type ServiceAnnouncement struct {
	ServiceName     string            `json:"service_name"`
	InstanceID      string            `json:"instance_id"`
	Version         string            `json:"version"`
	Capabilities    []string          `json:"capabilities"`
	Endpoints       map[string]string `json:"endpoints,omitempty"`
	AuthFingerprint string            `json:"auth_fingerprint,omitempty"`
	MaxInflight     int               `json:"max_inflight"`
	Weight          int               `json:"weight"`
	SensitiveTopics []string          `json:"sensitive_topics,omitempty"`

	// HeartbeatIntervalS tells the registry the cadence to expect, so TTL
	// eviction adapts to each instance.
	HeartbeatIntervalS int `json:"heartbeat_interval_s"`
}

// HeartbeatPayload is published on the discovery heartbeat topic.
type HeartbeatPayload struct {
	ServiceName string    `json:"service_name"`
	InstanceID  string    `json:"instance_id"`
	Timestamp   time.Time `json:"timestamp"`
	Inflight    int       `json:"inflight"`
	Health      string    `json:"health"`
}

// Options configures a Service wrapper.
type Options struct {
	Broker            Broker
	ServiceName       string
	InstanceID        string
	Version           string
	Capabilities      []string
	Endpoints         map[string]string
	AuthFingerprint   string
	SensitiveTopics   []string
	HeartbeatInterval time.Duration
	MaxInflight       int
	Weight            int
	Logger            Logger

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

// Service is the wrapper every substrate process links to join the bus.
//
// It owns the broker connection and provides lifecycle, publishing, handler
// dispatch with backpressure, heartbeats, health reporting, and correlated
// request/response exchanges. All methods are safe for concurrent use.
type Service struct {
	opts    Options
	topics  Topics
	log     Logger
	now     func() time.Time
	waiters *waiterTable

	handlers   map[string]Handler
	handlersMu sync.Mutex

	// respSubs tracks response-topic subscriptions created by Request.
	respSubs   map[string]bool
	respSubsMu sync.Mutex

	publishedTopics   map[string]struct{}
	publishedTopicsMu sync.Mutex

	// malformedLog rate-limits malformed-envelope logging to one line
	// per second per sender.
	malformedLog   map[string]time.Time
	malformedLogMu sync.Mutex

	// work carries admitted handler bodies to the worker pool. Admission
	// (decode, drop rules, backpressure) runs on the broker client's
	// dispatch goroutine; execution never does, so a handler blocking on
	// Request still lets its correlated response be dispatched.
	work        chan func()
	stopWorkers chan struct{}

	inflight  atomic.Int64
	draining  atomic.Bool
	startedAt time.Time

	lastBrokerEvent   time.Time
	lastBrokerEventMu sync.RWMutex

	readiness   []func() error
	readinessMu sync.Mutex

	stopHeartbeat chan struct{}
	heartbeatDone chan struct{}
}

// defaultHeartbeatInterval is used when Options does not set one.
const defaultHeartbeatInterval = 15 * time.Second

// New creates a Service wrapper around an established broker connection.
//
// Parameters:
//   - opts: Identity, broker, and tuning options
//
// Returns:
//   - *Service: Wrapper ready for Start()
//   - error: If required options are missing
func New(opts Options) (*Service, error) {
	if opts.Broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if opts.ServiceName == "" {
		return nil, fmt.Errorf("service name is required")
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 100
	}
	if opts.Weight <= 0 {
		opts.Weight = 1
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.now == nil {
		opts.now = func() time.Time { return time.Now().UTC() }
	}

	s := &Service{
		opts:            opts,
		log:             opts.Logger,
		now:             opts.now,
		waiters:         newWaiterTable(),
		handlers:        make(map[string]Handler),
		respSubs:        make(map[string]bool),
		publishedTopics: make(map[string]struct{}),
		malformedLog:    make(map[string]time.Time),
		work:            make(chan func(), opts.MaxInflight),
		stopWorkers:     make(chan struct{}),
		stopHeartbeat:   make(chan struct{}),
		heartbeatDone:   make(chan struct{}),
	}

	// One worker per admissible envelope: the inflight cap is the sole
	// concurrency limit, and the buffered queue means admission never
	// blocks the dispatch goroutine.
	for i := 0; i < opts.MaxInflight; i++ {
		go s.handlerWorker()
	}

	opts.Broker.SetOnConnect(func() {
		s.markBrokerEvent()
		brokerReconnects.Inc()
		s.log.Info("broker connected")
	})
	opts.Broker.SetOnDisconnect(func(err error) {
		s.log.Warn("broker disconnected", "error", err)
		s.waiters.failExpired(s.now(), ErrBrokerDisconnected)
	})

	return s, nil
}

// Name returns the logical service name.
func (s *Service) Name() string { return s.opts.ServiceName }

// InstanceID returns this process's unique instance id.
func (s *Service) InstanceID() string { return s.opts.InstanceID }

// Announcement returns the identity block published on register events.
func (s *Service) Announcement() ServiceAnnouncement {
	return ServiceAnnouncement{
		ServiceName:     s.opts.ServiceName,
		InstanceID:      s.opts.InstanceID,
		Version:         s.opts.Version,
		Capabilities:    s.opts.Capabilities,
		Endpoints:       s.opts.Endpoints,
		AuthFingerprint: s.opts.AuthFingerprint,
		MaxInflight:     s.opts.MaxInflight,
		Weight:          s.opts.Weight,
		SensitiveTopics: s.opts.SensitiveTopics,

		HeartbeatIntervalS: int(s.opts.HeartbeatInterval / time.Second),
	}
}

// Start joins the bus: it announces the service on the discovery register
// topic and launches the heartbeat loop on its own goroutine so heartbeats
// keep flowing even when handlers are saturated.
//
// Parameters:
//   - ctx: Cancelling ctx stops the heartbeat loop
//
// Returns:
//   - error: If the register announcement cannot be published
func (s *Service) Start(ctx context.Context) error {
	s.startedAt = s.now()
	s.markBrokerEvent()

	env, err := NewEnvelope(TypeEvent, s.opts.ServiceName, DestBroadcast, s.Announcement())
	if err != nil {
		return fmt.Errorf("building register event: %w", err)
	}
	if err := s.PublishEnvelope(s.topics.DiscoveryRegister(), env); err != nil {
		return fmt.Errorf("publishing register event: %w", err)
	}

	go s.heartbeatLoop(ctx)

	s.log.Info("joined bus",
		"instance_id", s.opts.InstanceID,
		"capabilities", s.opts.Capabilities,
	)
	return nil
}

// qosFor selects broker QoS per message type: exactly-once semantics are
// not needed anywhere, but requests, responses, and commands must survive
// one broker handoff (QoS 1) while heartbeats and events are best-effort.
func qosFor(t MessageType) byte {
	switch t {
	case TypeRequest, TypeResponse, TypeCommand, TypeError:
		return 1
	default:
		return 0
	}
}

// Publish encodes payload into a new envelope of the given type and
// publishes it on topic.
func (s *Service) Publish(topic string, msgType MessageType, payload any) error {
	env, err := NewEnvelope(msgType, s.opts.ServiceName, topic, payload)
	if err != nil {
		return err
	}
	return s.PublishEnvelope(topic, env)
}

// PublishEnvelope validates and publishes an envelope on topic, filling in
// message id, timestamp, and source when missing.
func (s *Service) PublishEnvelope(topic string, env *Envelope) error {
	if env.MessageID == "" {
		env.MessageID = uuid.NewString()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = s.now()
	}
	if env.Source == "" {
		env.Source = s.opts.ServiceName
	}
	if err := env.Validate(); err != nil {
		return err
	}

	data, err := env.Encode()
	if err != nil {
		return err
	}

	if err := s.opts.Broker.Publish(topic, data, qosFor(env.Type), false); err != nil {
		return err
	}

	s.publishedTopicsMu.Lock()
	s.publishedTopics[topic] = struct{}{}
	s.publishedTopicsMu.Unlock()
	envelopesPublished.WithLabelValues(string(env.Type)).Inc()
	return nil
}

// RegisterHandler dispatches received messages whose topic matches the MQTT
// wildcard filter. Exactly one handler per filter; duplicate registration
// fails.
//
// Parameters:
//   - filter: MQTT topic filter (may contain + and # wildcards)
//   - fn: Handler invoked per envelope surviving the drop rules
//
// Returns:
//   - error: ErrDuplicateHandler, or a subscribe failure
func (s *Service) RegisterHandler(filter string, fn Handler) error {
	if fn == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	s.handlersMu.Lock()
	if _, exists := s.handlers[filter]; exists {
		s.handlersMu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, filter)
	}
	s.handlers[filter] = fn
	s.handlersMu.Unlock()

	if err := s.opts.Broker.Subscribe(filter, 1, s.inbound(fn)); err != nil {
		s.handlersMu.Lock()
		delete(s.handlers, filter)
		s.handlersMu.Unlock()
		return err
	}
	return nil
}

// inbound wraps a Handler with the wrapper's drop rules and backpressure.
// Admission runs inline on the broker dispatch goroutine; admitted
// envelopes are handed to the worker pool for execution.
func (s *Service) inbound(fn Handler) mqtt.MessageHandler {
	return func(topic string, payload []byte) error {
		s.markBrokerEvent()

		env, err := Decode(payload)
		if err != nil {
			s.dropMalformed(topic, err)
			return nil
		}

		now := s.now()
		if env.Expired(now) {
			envelopesDropped.WithLabelValues("ttl_exceeded").Inc()
			return nil
		}
		if env.LoopDetected() {
			s.reportRoutingLoop(env)
			return nil
		}

		if s.draining.Load() {
			if env.Type == TypeRequest {
				s.respond(topic, env.ErrorResponse(s.opts.ServiceName, ReasonServiceUnavailable, "shutting down"))
			}
			return nil
		}

		// Backpressure: over-cap requests get an overloaded error rather
		// than queueing unboundedly.
		if int(s.inflight.Load()) >= s.opts.MaxInflight {
			envelopesDropped.WithLabelValues("overloaded").Inc()
			if env.Type == TypeRequest {
				s.respond(topic, env.ErrorResponse(s.opts.ServiceName, ReasonOverloaded, "handler at capacity"))
			}
			return nil
		}

		s.inflight.Add(1)
		inflightGauge.Inc()
		s.work <- func() { s.runHandler(fn, topic, env) }
		return nil
	}
}

// handlerWorker executes queued handler bodies until shutdown.
func (s *Service) handlerWorker() {
	for {
		select {
		case job := <-s.work:
			job()
		case <-s.stopWorkers:
			return
		}
	}
}

// runHandler executes one admitted envelope on a pool worker with panic
// recovery, publishing the response or taxonomy error for requests.
func (s *Service) runHandler(fn Handler, topic string, env *Envelope) {
	defer func() {
		s.inflight.Add(-1)
		inflightGauge.Dec()
		if r := recover(); r != nil {
			handlerPanics.Inc()
			s.log.Error("handler panic recovered", "topic", topic, "panic", r)
			if env.Type == TypeRequest {
				s.respond(topic, env.ErrorResponse(s.opts.ServiceName, ReasonInternal, "internal error"))
			}
		}
	}()

	resp, handlerErr := fn(context.Background(), env)
	if env.Type != TypeRequest {
		if handlerErr != nil {
			s.log.Warn("handler error", "topic", topic, "error", handlerErr)
		}
		return
	}

	switch {
	case handlerErr != nil:
		reason := ReasonOf(handlerErr)
		if reason == ReasonInternal {
			s.log.Error("handler failed", "topic", topic, "error", handlerErr)
		}
		s.respond(topic, env.ErrorResponse(s.opts.ServiceName, reason, reason.wireMessage(handlerErr)))
	case resp != nil:
		s.respond(topic, resp)
	}
}

// wireMessage returns the error text safe to put on the wire. Internal
// failures never leak detail; everything else reports its message.
func (r Reason) wireMessage(err error) string {
	if r == ReasonInternal {
		return "internal error"
	}
	return err.Error()
}

// respond publishes a response or error envelope on the paired response
// topic of the inbound topic.
func (s *Service) respond(requestTopic string, resp *Envelope) {
	if err := s.PublishEnvelope(ResponseTopic(requestTopic), resp); err != nil {
		s.log.Warn("publishing response failed", "topic", requestTopic, "error", err)
	}
}

// dropMalformed counts a malformed envelope and logs it at most once per
// second per sender (keyed by topic, since the sender field may itself be
// unparseable).
func (s *Service) dropMalformed(topic string, err error) {
	envelopesDropped.WithLabelValues("malformed").Inc()

	now := s.now()
	s.malformedLogMu.Lock()
	last, seen := s.malformedLog[topic]
	shouldLog := !seen || now.Sub(last) >= time.Second
	if shouldLog {
		s.malformedLog[topic] = now
	}
	s.malformedLogMu.Unlock()

	if shouldLog {
		s.log.Warn("dropped malformed envelope", "topic", topic, "error", err)
	}
}

// reportRoutingLoop drops a hop-exhausted envelope and emits an error event
// on the routing loop topic.
func (s *Service) reportRoutingLoop(env *Envelope) {
	envelopesDropped.WithLabelValues("routing_loop").Inc()
	routingLoops.Inc()

	payload, _ := json.Marshal(map[string]any{
		"message_id": env.MessageID,
		"source":     env.Source,
		"hops":       env.Routing.Hops,
		"max_hops":   env.Routing.MaxHops,
		"route":      env.Routing.Route,
	})
	loopEnv := &Envelope{
		MessageID:     uuid.NewString(),
		CorrelationID: env.MessageID,
		Timestamp:     s.now(),
		Source:        s.opts.ServiceName,
		Destination:   DestBroadcast,
		Type:          TypeError,
		ContentType:   "application/json",
		Payload:       payload,
		Routing:       Routing{MaxHops: DefaultMaxHops},
	}
	if err := s.PublishEnvelope(s.topics.RoutingLoop(), loopEnv); err != nil {
		s.log.Warn("publishing routing loop event failed", "error", err)
	}
}

// Request publishes a request on topic and waits for the correlated
// response.
//
// Parameters:
//   - ctx: Cancellation; a cancelled request's late response is discarded
//   - topic: Destination request topic
//   - payload: JSON-encodable request payload
//   - timeout: Maximum wait for the response
//
// Returns:
//   - *Envelope: The response envelope
//   - error: A taxonomy *Error (timeout, upstream reason) or transport error
func (s *Service) Request(ctx context.Context, topic string, payload any, timeout time.Duration) (*Envelope, error) {
	env, err := NewEnvelope(TypeRequest, s.opts.ServiceName, topic, payload)
	if err != nil {
		return nil, err
	}
	return s.RequestEnvelope(ctx, topic, env, timeout)
}

// RequestEnvelope behaves like Request but publishes a caller-built envelope,
// preserving its routing state (used for multi-hop chains).
func (s *Service) RequestEnvelope(ctx context.Context, topic string, env *Envelope, timeout time.Duration) (*Envelope, error) {
	if s.draining.Load() {
		return nil, ErrShuttingDown
	}
	if env.TTLSeconds == 0 {
		env.TTLSeconds = int(timeout/time.Second) + 1
	}

	if err := s.ensureResponseSubscription(ResponseTopic(topic)); err != nil {
		return nil, err
	}

	w := s.waiters.add(env.MessageID, s.now().Add(timeout))
	defer s.waiters.remove(env.MessageID)

	if err := s.PublishEnvelope(topic, env); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-w.ch:
		if resp.Type == TypeError {
			var ep ErrorPayload
			if decodeErr := resp.DecodePayload(&ep); decodeErr != nil {
				return nil, Errf(ReasonUpstreamError, "undecodable error response")
			}
			return nil, &Error{Reason: ep.Reason, Message: ep.Message}
		}
		return resp, nil
	case err := <-w.failed:
		return nil, err
	case <-timer.C:
		return nil, Errf(ReasonTimeout, "no response on %s within %v", topic, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ensureResponseSubscription subscribes (once) to a response topic and
// routes arriving envelopes to their waiters by correlation id. Responses
// with no waiter are late or foreign and are dropped.
func (s *Service) ensureResponseSubscription(respTopic string) error {
	s.respSubsMu.Lock()
	defer s.respSubsMu.Unlock()
	if s.respSubs[respTopic] {
		return nil
	}

	err := s.opts.Broker.Subscribe(respTopic, 1, func(topic string, payload []byte) error {
		s.markBrokerEvent()
		env, decodeErr := Decode(payload)
		if decodeErr != nil {
			s.dropMalformed(topic, decodeErr)
			return nil
		}
		if env.CorrelationID == "" {
			envelopesDropped.WithLabelValues("uncorrelated").Inc()
			return nil
		}
		if !s.waiters.resolve(env.CorrelationID, env) {
			envelopesDropped.WithLabelValues("late_response").Inc()
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.respSubs[respTopic] = true
	return nil
}

// Shutdown stops accepting new work, drains in-flight handlers up to grace,
// publishes a final offline event, and disconnects from the broker.
//
// Parameters:
//   - grace: Maximum time to wait for in-flight handlers
//
// Returns:
//   - error: From the final disconnect (drain timeout is not an error)
func (s *Service) Shutdown(grace time.Duration) error {
	if !s.draining.CompareAndSwap(false, true) {
		return nil
	}

	deadline := s.now().Add(grace)
	for s.inflight.Load() > 0 && s.now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if n := s.inflight.Load(); n > 0 {
		s.log.Warn("shutdown grace expired with handlers in flight", "inflight", n)
	}

	close(s.stopHeartbeat)
	close(s.stopWorkers)

	offline, err := NewEnvelope(TypeEvent, s.opts.ServiceName, DestBroadcast, map[string]any{
		"service_name": s.opts.ServiceName,
		"instance_id":  s.opts.InstanceID,
		"reason":       "graceful_shutdown",
	})
	if err == nil {
		if pubErr := s.PublishEnvelope(s.topics.DiscoveryUnregister(), offline); pubErr != nil {
			s.log.Warn("publishing offline event failed", "error", pubErr)
		}
	}

	s.log.Info("left bus", "instance_id", s.opts.InstanceID)
	return s.opts.Broker.Close()
}

// Inflight returns the number of handlers currently executing.
func (s *Service) Inflight() int {
	return int(s.inflight.Load())
}

// markBrokerEvent records broker activity for health reporting.
func (s *Service) markBrokerEvent() {
	s.lastBrokerEventMu.Lock()
	s.lastBrokerEvent = s.now()
	s.lastBrokerEventMu.Unlock()
}
