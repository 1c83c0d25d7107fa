package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alicia-home/alicia-core/internal/bus"
	"github.com/alicia-home/alicia-core/internal/registry"
)

// Logger is the minimal logging interface discovery needs.
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

// Bus is the slice of the service wrapper discovery uses.
type Bus interface {
	Publish(topic string, msgType bus.MessageType, payload any) error
	RegisterHandler(filter string, fn bus.Handler) error
}

// Deps carries discovery's dependencies.
type Deps struct {
	Bus    Bus
	Logger Logger
}

// Service consumes discovery-plane events and applies them to a registry.
type Service struct {
	bus    Bus
	log    Logger
	topics bus.Topics

	registry *registry.Registry
}

// New builds a discovery service. The registry is attached in Start so the
// owning process can hand this service's PublishTransition to the registry
// constructor first.
func New(deps Deps) (*Service, error) {
	if deps.Bus == nil {
		return nil, errors.New("discovery: Bus is required")
	}
	if deps.Logger == nil {
		deps.Logger = noopLogger{}
	}
	return &Service{bus: deps.Bus, log: deps.Logger}, nil
}

// PublishTransition republishes a registry lifecycle change on the bus.
// Wire it as the registry's OnTransition callback.
func (s *Service) PublishTransition(t registry.Transition) {
	topic := s.topics.RegistryEvent(string(t.Kind))
	if err := s.bus.Publish(topic, bus.TypeEvent, t); err != nil {
		s.log.Warn("publishing registry transition failed",
			"kind", t.Kind,
			"instance_id", t.InstanceID,
			"error", err,
		)
	}
}

// Departure is the payload services publish on the unregister topic.
type Departure struct {
	ServiceName string `json:"service_name"`
	InstanceID  string `json:"instance_id"`
	Reason      string `json:"reason,omitempty"`
}

// DeviceStatus is the payload devices (or their bridge services) publish
// on their status topic.
type DeviceStatus struct {
	DeviceID     string          `json:"device_id"`
	DeviceType   string          `json:"device_type"`
	Room         string          `json:"room,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	OwnerService string          `json:"owner_service,omitempty"`
	State        json.RawMessage `json:"state,omitempty"`
}

// Start attaches reg and subscribes to the discovery topics.
func (s *Service) Start(_ context.Context, reg *registry.Registry) error {
	if reg == nil {
		return errors.New("discovery: registry is required")
	}
	s.registry = reg

	subscriptions := map[string]bus.Handler{
		s.topics.DiscoveryRegister():   s.handleRegister,
		s.topics.DiscoveryUnregister(): s.handleUnregister,
		s.topics.DiscoveryHeartbeat():  s.handleHeartbeat,
		deviceStatusFilter:             s.handleDeviceStatus,
	}
	for filter, handler := range subscriptions {
		if err := s.bus.RegisterHandler(filter, handler); err != nil {
			return fmt.Errorf("subscribing to %s: %w", filter, err)
		}
	}
	return nil
}

// deviceStatusFilter matches every device's status topic.
const deviceStatusFilter = bus.TopicPrefix + "/devices/+/status"

func (s *Service) handleRegister(_ context.Context, env *bus.Envelope) (*bus.Envelope, error) {
	var ann bus.ServiceAnnouncement
	if err := env.DecodePayload(&ann); err != nil {
		return nil, fmt.Errorf("decoding announcement: %w", err)
	}

	if err := s.registry.Register(ann); err != nil {
		// Rejections are the announcer's problem; discovery just records them.
		s.log.Warn("registration rejected",
			"service", ann.ServiceName,
			"instance_id", ann.InstanceID,
			"error", err,
		)
		return nil, nil
	}
	return nil, nil
}

func (s *Service) handleUnregister(_ context.Context, env *bus.Envelope) (*bus.Envelope, error) {
	var dep Departure
	if err := env.DecodePayload(&dep); err != nil {
		return nil, fmt.Errorf("decoding departure: %w", err)
	}

	err := s.registry.Unregister(dep.ServiceName, dep.InstanceID)
	switch {
	case err == nil:
		s.log.Info("instance departed",
			"service", dep.ServiceName,
			"instance_id", dep.InstanceID,
			"reason", dep.Reason,
		)
	case errors.Is(err, registry.ErrNotFound):
		// A crash-restart can replay an old departure; nothing to do.
		s.log.Debug("departure for unknown instance", "instance_id", dep.InstanceID)
	default:
		return nil, err
	}
	return nil, nil
}

func (s *Service) handleHeartbeat(_ context.Context, env *bus.Envelope) (*bus.Envelope, error) {
	var hb bus.HeartbeatPayload
	if err := env.DecodePayload(&hb); err != nil {
		return nil, fmt.Errorf("decoding heartbeat: %w", err)
	}

	err := s.registry.Heartbeat(hb)
	if errors.Is(err, registry.ErrNotFound) {
		// The instance beat before (or instead of) registering. Log once
		// per occurrence; it will show up properly once it announces.
		s.log.Debug("heartbeat from unregistered instance",
			"service", hb.ServiceName,
			"instance_id", hb.InstanceID,
		)
		return nil, nil
	}
	return nil, err
}

func (s *Service) handleDeviceStatus(_ context.Context, env *bus.Envelope) (*bus.Envelope, error) {
	var status DeviceStatus
	if err := env.DecodePayload(&status); err != nil {
		return nil, fmt.Errorf("decoding device status: %w", err)
	}
	if status.DeviceID == "" {
		return nil, fmt.Errorf("device status without device_id from %s", env.Source)
	}

	owner := status.OwnerService
	if owner == "" {
		owner = env.Source
	}
	return nil, s.registry.UpsertDevice(registry.DeviceDescriptor{
		DeviceID:     status.DeviceID,
		DeviceType:   status.DeviceType,
		Room:         status.Room,
		Capabilities: status.Capabilities,
		OwnerService: owner,
		LastState:    status.State,
		LastSeen:     env.Timestamp.UTC(),
	})
}
