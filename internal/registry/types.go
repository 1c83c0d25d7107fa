package registry

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of a registered service instance.
type State string

const (
	// StateOnline means heartbeats are arriving within the TTL window.
	StateOnline State = "online"

	// StateOffline means the TTL lapsed or the instance announced departure
	// without unregistering. Offline descriptors are retained for a
	// configurable window so operators can see what disappeared.
	StateOffline State = "offline"
)

// ServiceDescriptor is the registry's view of one service instance.
//
// It mirrors the announcement the instance published on the discovery
// register topic, enriched with liveness bookkeeping the registry owns.
type ServiceDescriptor struct {
	ServiceName     string            `json:"service_name"`
	InstanceID      string            `json:"instance_id"`
	Version         string            `json:"version"`
	Capabilities    []string          `json:"capabilities"`
	Endpoints       map[string]string `json:"endpoints,omitempty"`
	AuthFingerprint string            `json:"auth_fingerprint,omitempty"`
	MaxInflight     int               `json:"max_inflight"`
	Weight          int               `json:"weight"`
	SensitiveTopics []string          `json:"sensitive_topics,omitempty"`

	// HeartbeatInterval is the cadence the instance promised. The eviction
	// TTL is derived from it, so a chatty sensor with a one second beat is
	// declared offline within seconds, not the fleet-wide default.
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`

	State         State     `json:"state"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	OfflineSince  time.Time `json:"offline_since,omitempty"`
	Inflight      int       `json:"inflight"`
	Health        string    `json:"health,omitempty"`
}

// clone returns a deep copy so callers never alias registry-owned state.
func (d *ServiceDescriptor) clone() ServiceDescriptor {
	out := *d
	out.Capabilities = append([]string(nil), d.Capabilities...)
	out.SensitiveTopics = append([]string(nil), d.SensitiveTopics...)
	if d.Endpoints != nil {
		out.Endpoints = make(map[string]string, len(d.Endpoints))
		for k, v := range d.Endpoints {
			out.Endpoints[k] = v
		}
	}
	return out
}

// DeviceDescriptor is the registry's view of a physical or virtual device.
// Devices do not heartbeat through the service plane; their liveness is
// whatever the owning service last reported.
type DeviceDescriptor struct {
	DeviceID     string          `json:"device_id"`
	DeviceType   string          `json:"device_type"`
	Room         string          `json:"room,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	OwnerService string          `json:"owner_service,omitempty"`
	LastState    json.RawMessage `json:"last_state,omitempty"`
	LastSeen     time.Time       `json:"last_seen"`
}

func (d *DeviceDescriptor) clone() DeviceDescriptor {
	out := *d
	out.Capabilities = append([]string(nil), d.Capabilities...)
	out.LastState = append(json.RawMessage(nil), d.LastState...)
	return out
}

// TransitionKind labels a lifecycle change for event publication.
type TransitionKind string

const (
	TransitionRegistered   TransitionKind = "registered"
	TransitionOnline       TransitionKind = "online"
	TransitionOffline      TransitionKind = "offline"
	TransitionUnregistered TransitionKind = "unregistered"
)

// Transition describes one lifecycle change. The registry hands these to
// the OnTransition callback so the owning process can publish them on the
// bus without the registry knowing about MQTT.
type Transition struct {
	Kind        TransitionKind `json:"kind"`
	ServiceName string         `json:"service_name"`
	InstanceID  string         `json:"instance_id"`
	At          time.Time      `json:"at"`
}
