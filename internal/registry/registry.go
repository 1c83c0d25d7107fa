package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alicia-home/alicia-core/internal/bus"
	"github.com/alicia-home/alicia-core/internal/infrastructure/config"
)

// Logger is the minimal logging interface the registry needs.
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

// sweepInterval is how often the eviction scan runs. It bounds how stale
// an "online" answer can be, independent of any instance's own TTL.
const sweepInterval = time.Second

// Options configures a Registry.
type Options struct {
	Config config.RegistryConfig

	// DefaultHeartbeat covers announcements that did not declare a cadence.
	DefaultHeartbeat time.Duration

	// Store persists snapshots. Nil disables persistence.
	Store Store

	// OnTransition receives every lifecycle change, outside the registry
	// lock. The owning process publishes these on the bus.
	OnTransition func(Transition)

	Logger Logger

	now func() time.Time
}

// Registry tracks service instances and devices.
type Registry struct {
	cfg              config.RegistryConfig
	defaultHeartbeat time.Duration
	store            Store
	onTransition     func(Transition)
	log              Logger
	now              func() time.Time

	mu        sync.RWMutex
	services  map[string]*ServiceDescriptor // keyed by instance id
	byName    map[string]map[string]struct{}
	byCap     map[string]map[string]struct{}
	sensitive map[string]string // sensitive topic -> owning service name
	devices   map[string]*DeviceDescriptor
}

// New builds a Registry, restoring state from the store when one is
// configured. Instances whose TTL lapsed while the registry was down are
// re-evicted immediately, so a restart never resurrects a dead fleet.
func New(opts Options) (*Registry, error) {
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.now == nil {
		opts.now = func() time.Time { return time.Now().UTC() }
	}
	if opts.DefaultHeartbeat <= 0 {
		opts.DefaultHeartbeat = 15 * time.Second
	}

	r := &Registry{
		cfg:              opts.Config,
		defaultHeartbeat: opts.DefaultHeartbeat,
		store:            opts.Store,
		onTransition:     opts.OnTransition,
		log:              opts.Logger,
		now:              opts.now,
		services:         make(map[string]*ServiceDescriptor),
		byName:           make(map[string]map[string]struct{}),
		byCap:            make(map[string]map[string]struct{}),
		sensitive:        make(map[string]string),
		devices:          make(map[string]*DeviceDescriptor),
	}

	if r.store != nil {
		snap, err := r.store.Load(context.Background())
		if err != nil {
			return nil, fmt.Errorf("loading registry snapshot: %w", err)
		}
		r.restore(snap)
	}
	r.Sweep()

	return r, nil
}

// restore loads snapshot contents into the indexes. Caller must hold no lock.
func (r *Registry) restore(snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range snap.Services {
		d := snap.Services[i].clone()
		r.services[d.InstanceID] = &d
		r.index(&d)
	}
	for i := range snap.Devices {
		dev := snap.Devices[i].clone()
		r.devices[dev.DeviceID] = &dev
	}
	if len(snap.Services) > 0 || len(snap.Devices) > 0 {
		r.log.Info("restored registry snapshot",
			"services", len(snap.Services),
			"devices", len(snap.Devices),
			"saved_at", snap.SavedAt,
		)
	}
}

// index adds a descriptor to the name, capability, and sensitive-topic
// indexes. Caller must hold the write lock.
func (r *Registry) index(d *ServiceDescriptor) {
	if r.byName[d.ServiceName] == nil {
		r.byName[d.ServiceName] = make(map[string]struct{})
	}
	r.byName[d.ServiceName][d.InstanceID] = struct{}{}

	for _, capability := range d.Capabilities {
		if r.byCap[capability] == nil {
			r.byCap[capability] = make(map[string]struct{})
		}
		r.byCap[capability][d.InstanceID] = struct{}{}
	}
	for _, topic := range d.SensitiveTopics {
		r.sensitive[topic] = d.ServiceName
	}
}

// unindex removes a descriptor from all indexes. Caller must hold the
// write lock. Sensitive topics are released only when no other instance
// of the same service still claims them.
func (r *Registry) unindex(d *ServiceDescriptor) {
	if set := r.byName[d.ServiceName]; set != nil {
		delete(set, d.InstanceID)
		if len(set) == 0 {
			delete(r.byName, d.ServiceName)
		}
	}
	for _, capability := range d.Capabilities {
		if set := r.byCap[capability]; set != nil {
			delete(set, d.InstanceID)
			if len(set) == 0 {
				delete(r.byCap, capability)
			}
		}
	}
	for _, topic := range d.SensitiveTopics {
		if r.sensitive[topic] != d.ServiceName {
			continue
		}
		if !r.serviceClaimsTopicLocked(d.ServiceName, topic) {
			delete(r.sensitive, topic)
		}
	}
}

func (r *Registry) serviceClaimsTopicLocked(serviceName, topic string) bool {
	for id := range r.byName[serviceName] {
		d := r.services[id]
		if d == nil {
			continue
		}
		for _, t := range d.SensitiveTopics {
			if t == topic {
				return true
			}
		}
	}
	return false
}

// ttl returns the eviction deadline for a descriptor's cadence.
func (r *Registry) ttl(d *ServiceDescriptor) time.Duration {
	hb := d.HeartbeatInterval
	if hb <= 0 {
		hb = r.defaultHeartbeat
	}
	return r.cfg.TTL(hb)
}

// emit delivers transitions to the callback. Must be called without the lock.
func (r *Registry) emit(transitions []Transition) {
	if r.onTransition == nil {
		return
	}
	for _, t := range transitions {
		r.onTransition(t)
	}
}

// Register admits or refreshes a service instance from its announcement.
//
// A brand new instance comes up online. Re-registering the same instance
// id with the same auth fingerprint is idempotent and refreshes every
// announced field; a different fingerprint is rejected outright. A
// sensitive topic already owned by another service is a conflict.
//
// Parameters:
//   - ann: The announcement published on the discovery register topic
//
// Returns:
//   - error: ErrInvalidAnnouncement, ErrFingerprintMismatch, or
//     ErrTopicConflict on rejection
func (r *Registry) Register(ann bus.ServiceAnnouncement) error {
	if ann.ServiceName == "" || ann.InstanceID == "" {
		return fmt.Errorf("%w: service_name and instance_id are required", ErrInvalidAnnouncement)
	}

	now := r.now()
	var transitions []Transition

	r.mu.Lock()
	if existing, ok := r.services[ann.InstanceID]; ok {
		if existing.AuthFingerprint != ann.AuthFingerprint {
			r.mu.Unlock()
			r.log.Warn("rejected registration with mismatched fingerprint",
				"service", ann.ServiceName,
				"instance_id", ann.InstanceID,
			)
			return ErrFingerprintMismatch
		}
		if err := r.checkSensitiveLocked(ann); err != nil {
			r.mu.Unlock()
			return err
		}

		wasOffline := existing.State == StateOffline
		r.unindex(existing)
		updated := descriptorFrom(ann, r.defaultHeartbeat)
		updated.RegisteredAt = existing.RegisteredAt
		updated.State = StateOnline
		updated.LastHeartbeat = now
		r.services[ann.InstanceID] = &updated
		r.index(&updated)
		if wasOffline {
			transitions = append(transitions, Transition{
				Kind: TransitionOnline, ServiceName: ann.ServiceName,
				InstanceID: ann.InstanceID, At: now,
			})
		}
		r.mu.Unlock()
		r.emit(transitions)
		return nil
	}

	if err := r.checkSensitiveLocked(ann); err != nil {
		r.mu.Unlock()
		return err
	}

	d := descriptorFrom(ann, r.defaultHeartbeat)
	d.State = StateOnline
	d.RegisteredAt = now
	d.LastHeartbeat = now
	r.services[ann.InstanceID] = &d
	r.index(&d)
	transitions = append(transitions, Transition{
		Kind: TransitionRegistered, ServiceName: ann.ServiceName,
		InstanceID: ann.InstanceID, At: now,
	})
	r.mu.Unlock()

	r.log.Info("registered service instance",
		"service", ann.ServiceName,
		"instance_id", ann.InstanceID,
		"capabilities", ann.Capabilities,
	)
	r.emit(transitions)
	return nil
}

// checkSensitiveLocked rejects announcements claiming a sensitive topic
// another service already owns. Caller must hold the write lock.
func (r *Registry) checkSensitiveLocked(ann bus.ServiceAnnouncement) error {
	for _, topic := range ann.SensitiveTopics {
		if owner, ok := r.sensitive[topic]; ok && owner != ann.ServiceName {
			return fmt.Errorf("%w: %q is owned by %q", ErrTopicConflict, topic, owner)
		}
	}
	return nil
}

func descriptorFrom(ann bus.ServiceAnnouncement, defaultHeartbeat time.Duration) ServiceDescriptor {
	hb := time.Duration(ann.HeartbeatIntervalS) * time.Second
	if hb <= 0 {
		hb = defaultHeartbeat
	}
	return ServiceDescriptor{
		ServiceName:       ann.ServiceName,
		InstanceID:        ann.InstanceID,
		Version:           ann.Version,
		Capabilities:      append([]string(nil), ann.Capabilities...),
		Endpoints:         ann.Endpoints,
		AuthFingerprint:   ann.AuthFingerprint,
		MaxInflight:       ann.MaxInflight,
		Weight:            ann.Weight,
		SensitiveTopics:   append([]string(nil), ann.SensitiveTopics...),
		HeartbeatInterval: hb,
	}
}

// Heartbeat refreshes an instance's liveness window. A heartbeat from an
// instance the registry marked offline brings it back online; a heartbeat
// from an unknown instance is an error so discovery can ask it to
// re-register.
func (r *Registry) Heartbeat(hb bus.HeartbeatPayload) error {
	now := r.now()
	var transitions []Transition

	r.mu.Lock()
	d, ok := r.services[hb.InstanceID]
	if !ok || d.ServiceName != hb.ServiceName {
		r.mu.Unlock()
		return fmt.Errorf("%w: instance %s", ErrNotFound, hb.InstanceID)
	}
	d.LastHeartbeat = now
	d.Inflight = hb.Inflight
	d.Health = hb.Health
	if d.State == StateOffline {
		d.State = StateOnline
		d.OfflineSince = time.Time{}
		transitions = append(transitions, Transition{
			Kind: TransitionOnline, ServiceName: d.ServiceName,
			InstanceID: d.InstanceID, At: now,
		})
	}
	r.mu.Unlock()

	r.emit(transitions)
	return nil
}

// Unregister removes an instance entirely. Unknown instances are an error.
func (r *Registry) Unregister(serviceName, instanceID string) error {
	now := r.now()

	r.mu.Lock()
	d, ok := r.services[instanceID]
	if !ok || d.ServiceName != serviceName {
		r.mu.Unlock()
		return fmt.Errorf("%w: instance %s", ErrNotFound, instanceID)
	}
	r.unindex(d)
	delete(r.services, instanceID)
	r.mu.Unlock()

	r.log.Info("unregistered service instance", "service", serviceName, "instance_id", instanceID)
	r.emit([]Transition{{
		Kind: TransitionUnregistered, ServiceName: serviceName,
		InstanceID: instanceID, At: now,
	}})
	return nil
}

// Sweep evicts instances whose TTL lapsed and drops offline descriptors
// past the retention window. It is called periodically by Run and once at
// startup after a snapshot restore.
func (r *Registry) Sweep() {
	now := r.now()
	retain := time.Duration(r.cfg.OfflineRetainHours) * time.Hour
	var transitions []Transition

	r.mu.Lock()
	for id, d := range r.services {
		switch d.State {
		case StateOnline:
			if now.Sub(d.LastHeartbeat) > r.ttl(d) {
				d.State = StateOffline
				d.OfflineSince = now
				transitions = append(transitions, Transition{
					Kind: TransitionOffline, ServiceName: d.ServiceName,
					InstanceID: d.InstanceID, At: now,
				})
			}
		case StateOffline:
			if retain > 0 && now.Sub(d.OfflineSince) > retain {
				r.unindex(d)
				delete(r.services, id)
				r.log.Debug("dropped retained offline instance",
					"service", d.ServiceName, "instance_id", id)
			}
		}
	}
	r.mu.Unlock()

	for _, t := range transitions {
		r.log.Warn("instance went offline", "service", t.ServiceName, "instance_id", t.InstanceID)
	}
	r.emit(transitions)
}

// UpsertDevice records a device sighting. Devices have no TTL; the owning
// service's status reports are the only freshness signal.
func (r *Registry) UpsertDevice(dev DeviceDescriptor) error {
	if dev.DeviceID == "" {
		return fmt.Errorf("%w: device_id is required", ErrInvalidAnnouncement)
	}
	if dev.LastSeen.IsZero() {
		dev.LastSeen = r.now()
	}

	r.mu.Lock()
	copied := dev.clone()
	r.devices[dev.DeviceID] = &copied
	r.mu.Unlock()
	return nil
}

// Devices returns all known devices sorted by device id.
func (r *Registry) Devices() []DeviceDescriptor {
	r.mu.RLock()
	out := make([]DeviceDescriptor, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Services returns every known instance, online and offline, in selection
// order.
func (r *Registry) Services() []ServiceDescriptor {
	r.mu.RLock()
	out := make([]ServiceDescriptor, 0, len(r.services))
	for _, d := range r.services {
		out = append(out, d.clone())
	}
	r.mu.RUnlock()

	sortDescriptors(out)
	return out
}

// Instances returns all instances of one service, online and offline, in
// selection order.
func (r *Registry) Instances(serviceName string) []ServiceDescriptor {
	r.mu.RLock()
	ids := r.byName[serviceName]
	out := make([]ServiceDescriptor, 0, len(ids))
	for id := range ids {
		if d := r.services[id]; d != nil {
			out = append(out, d.clone())
		}
	}
	r.mu.RUnlock()

	sortDescriptors(out)
	return out
}

// ByCapability returns online instances providing a capability, in
// selection order. Offline instances are omitted so callers can route to
// any entry without checking state.
func (r *Registry) ByCapability(capability string) []ServiceDescriptor {
	r.mu.RLock()
	ids := r.byCap[capability]
	out := make([]ServiceDescriptor, 0, len(ids))
	for id := range ids {
		if d := r.services[id]; d != nil && d.State == StateOnline {
			out = append(out, d.clone())
		}
	}
	r.mu.RUnlock()

	sortDescriptors(out)
	return out
}

// sortDescriptors orders instances for selection: online before offline,
// then most recently seen first, then instance id for a stable tie-break.
func sortDescriptors(ds []ServiceDescriptor) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].State != ds[j].State {
			return ds[i].State == StateOnline
		}
		if !ds[i].LastHeartbeat.Equal(ds[j].LastHeartbeat) {
			return ds[i].LastHeartbeat.After(ds[j].LastHeartbeat)
		}
		return ds[i].InstanceID < ds[j].InstanceID
	})
}

// snapshot captures current state for persistence.
func (r *Registry) snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{SavedAt: r.now()}
	for _, d := range r.services {
		snap.Services = append(snap.Services, d.clone())
	}
	for _, dev := range r.devices {
		snap.Devices = append(snap.Devices, dev.clone())
	}
	return snap
}

// Persist writes the current state to the snapshot store, if configured.
func (r *Registry) Persist(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	return r.store.Save(ctx, r.snapshot())
}

// Run drives eviction sweeps and periodic snapshots until ctx is
// cancelled, then takes a final snapshot so a clean shutdown loses nothing.
func (r *Registry) Run(ctx context.Context) {
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	snapInterval := r.cfg.SnapshotInterval()
	if snapInterval <= 0 {
		snapInterval = 30 * time.Second
	}
	snap := time.NewTicker(snapInterval)
	defer snap.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := r.Persist(context.Background()); err != nil {
				r.log.Error("final registry snapshot failed", "error", err)
			}
			return
		case <-sweep.C:
			r.Sweep()
		case <-snap.C:
			if err := r.Persist(ctx); err != nil {
				r.log.Error("registry snapshot failed", "error", err)
			}
		}
	}
}
