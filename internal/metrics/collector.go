package metrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/alicia-home/alicia-core/internal/bus"
	"github.com/alicia-home/alicia-core/internal/infrastructure/config"
)

// Logger is the minimal logging interface the collector needs.
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

// Bus is the slice of the service wrapper the collector uses.
type Bus interface {
	Publish(topic string, msgType bus.MessageType, payload any) error
	RegisterHandler(filter string, fn bus.Handler) error
}

// Options configures a Collector.
type Options struct {
	Config config.MetricsConfig
	Bus    Bus
	Logger Logger

	// Sink optionally forwards samples and alert edges to long-term
	// storage.
	Sink Sink

	// Hub optionally streams samples and alert edges to websocket
	// clients.
	Hub *Hub

	now func() time.Time
}

// Hub channels the collector broadcasts on.
const (
	ChannelAlerts  = "alerts"
	ChannelSamples = "samples"
)

// heartbeatGauge is the latest inflight report from one instance.
type heartbeatGauge struct {
	serviceName string
	instanceID  string
	inflight    int
}

// Collector wires the store, alert engine, sampler, and sink together.
type Collector struct {
	cfg    config.MetricsConfig
	bus    Bus
	log    Logger
	store  *Store
	engine *Engine
	sink   Sink
	hub    *Hub
	topics bus.Topics
	now    func() time.Time

	mu       sync.Mutex
	inflight map[string]heartbeatGauge
}

// New builds a Collector.
func New(opts Options) (*Collector, error) {
	if opts.Bus == nil {
		return nil, errors.New("metrics: Bus is required")
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.now == nil {
		opts.now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Config.EvalIntervalS <= 0 {
		opts.Config.EvalIntervalS = 10
	}
	if opts.Config.SamplerIntervalS <= 0 {
		opts.Config.SamplerIntervalS = 60
	}

	store := NewStore(opts.Config.RingCapacity, time.Duration(opts.Config.RetentionSeconds)*time.Second)
	store.now = opts.now
	engine := NewEngine(store, time.Duration(opts.Config.FlapSuppressionS)*time.Second)
	engine.now = opts.now

	return &Collector{
		cfg:      opts.Config,
		bus:      opts.Bus,
		log:      opts.Logger,
		store:    store,
		engine:   engine,
		sink:     opts.Sink,
		hub:      opts.Hub,
		now:      opts.now,
		inflight: make(map[string]heartbeatGauge),
	}, nil
}

// Store exposes the sample store, mainly for the HTTP API.
func (c *Collector) Store() *Store { return c.store }

// Engine exposes the alert engine, mainly for the HTTP API.
func (c *Collector) Engine() *Engine { return c.engine }

// Start subscribes to the ingest and heartbeat topics and launches the
// evaluation and sampler loops.
func (c *Collector) Start(ctx context.Context) error {
	if err := c.bus.RegisterHandler(c.topics.MetricsIngest(), c.handleIngest); err != nil {
		return err
	}
	if err := c.bus.RegisterHandler(c.topics.DiscoveryHeartbeat(), c.handleHeartbeat); err != nil {
		return err
	}
	go c.evalLoop(ctx)
	go c.samplerLoop(ctx)
	return nil
}

// handleIngest accepts a single sample or a batch per message.
func (c *Collector) handleIngest(_ context.Context, env *bus.Envelope) (*bus.Envelope, error) {
	var batch []Sample
	if err := env.DecodePayload(&batch); err != nil {
		var one Sample
		if err := env.DecodePayload(&one); err != nil {
			c.log.Warn("undecodable metrics payload", "source", env.Source, "error", err)
			return nil, nil
		}
		batch = []Sample{one}
	}
	accepted, rejected := c.Ingest(batch)
	if rejected > 0 {
		c.log.Warn("rejected metric samples", "source", env.Source, "rejected", rejected, "accepted", accepted)
	}
	return nil, nil
}

// Ingest validates and stores a batch, returning accepted and rejected
// counts. Invalid samples are dropped individually; the rest of the
// batch still lands.
func (c *Collector) Ingest(batch []Sample) (accepted, rejected int) {
	for i := range batch {
		if err := batch[i].Validate(); err != nil {
			rejected++
			continue
		}
		c.ingestOne(batch[i])
		accepted++
	}
	return accepted, rejected
}

func (c *Collector) ingestOne(s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = c.now()
	}
	c.store.Add(s)
	if c.sink != nil {
		c.sink.Push(s)
	}
	if c.hub != nil {
		c.hub.Broadcast(ChannelSamples, s)
	}
}

// handleHeartbeat keeps the latest inflight count per instance so the
// sampler can emit per-service gauges.
func (c *Collector) handleHeartbeat(_ context.Context, env *bus.Envelope) (*bus.Envelope, error) {
	var hb bus.HeartbeatPayload
	if err := env.DecodePayload(&hb); err != nil {
		c.log.Debug("undecodable heartbeat", "source", env.Source, "error", err)
		return nil, nil
	}
	if hb.ServiceName == "" || hb.InstanceID == "" {
		return nil, nil
	}

	c.mu.Lock()
	c.inflight[hb.InstanceID] = heartbeatGauge{
		serviceName: hb.ServiceName,
		instanceID:  hb.InstanceID,
		inflight:    hb.Inflight,
	}
	c.mu.Unlock()
	return nil, nil
}

func (c *Collector) evalLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(c.cfg.EvalIntervalS) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Evaluate()
		}
	}
}

// Evaluate runs the alert engine once and publishes the edges.
func (c *Collector) Evaluate() {
	for _, ev := range c.engine.Evaluate() {
		topic := c.topics.AlertsCleared()
		if ev.State == "active" {
			topic = c.topics.AlertsActive()
		}
		if err := c.bus.Publish(topic, bus.TypeEvent, ev); err != nil {
			c.log.Warn("publishing alert edge failed", "rule", ev.Rule, "error", err)
		}
		c.log.Info("alert state changed",
			"rule", ev.Rule,
			"state", ev.State,
			"value", ev.Value,
			"threshold", ev.Threshold,
		)
		if c.sink != nil {
			c.sink.Alert(ev)
		}
		if c.hub != nil {
			c.hub.Broadcast(ChannelAlerts, ev)
		}
	}
}

func (c *Collector) samplerLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(c.cfg.SamplerIntervalS) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sampleSystem()
		}
	}
}
