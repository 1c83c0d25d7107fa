package bus

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// HealthStatus summarises the wrapper's view of this service's health.
type HealthStatus string

// Health states.
const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// flapWindow is how recently the broker connection must have dropped for the
// service to report degraded while currently connected.
const flapWindow = time.Minute

// HealthSnapshot is the health endpoint response body.
type HealthSnapshot struct {
	ServiceName         string       `json:"service_name"`
	Status              HealthStatus `json:"status"`
	UptimeSeconds       float64      `json:"uptime_seconds"`
	LastBrokerEventAgeS float64      `json:"last_broker_event_age_s"`
	Inflight            int          `json:"inflight"`
	SubscribedTopics    []string     `json:"subscribed_topics"`
	PublishedTopics     []string     `json:"published_topics"`
}

// RegisterReadiness adds a readiness check consulted by Health. Any check
// returning an error makes the service unhealthy.
func (s *Service) RegisterReadiness(check func() error) {
	s.readinessMu.Lock()
	s.readiness = append(s.readiness, check)
	s.readinessMu.Unlock()
}

// Health computes the current health snapshot.
//
// Status rules:
//   - unhealthy: not connected to the broker, or a readiness check fails
//   - degraded: connected, but the connection flapped within the last minute
//   - healthy: otherwise
func (s *Service) Health() HealthSnapshot {
	now := s.now()

	s.lastBrokerEventMu.RLock()
	lastEvent := s.lastBrokerEvent
	s.lastBrokerEventMu.RUnlock()

	status := HealthHealthy
	switch {
	case !s.opts.Broker.IsConnected():
		status = HealthUnhealthy
	case s.readinessFailed():
		status = HealthUnhealthy
	case !s.opts.Broker.LastDisconnect().IsZero() &&
		now.Sub(s.opts.Broker.LastDisconnect()) < flapWindow:
		status = HealthDegraded
	}

	subscribed := s.opts.Broker.SubscribedTopics()
	sort.Strings(subscribed)

	s.publishedTopicsMu.Lock()
	published := make([]string, 0, len(s.publishedTopics))
	for topic := range s.publishedTopics {
		published = append(published, topic)
	}
	s.publishedTopicsMu.Unlock()
	sort.Strings(published)

	var lastEventAge float64
	if !lastEvent.IsZero() {
		lastEventAge = now.Sub(lastEvent).Seconds()
	}

	var uptime float64
	if !s.startedAt.IsZero() {
		uptime = now.Sub(s.startedAt).Seconds()
	}

	return HealthSnapshot{
		ServiceName:         s.opts.ServiceName,
		Status:              status,
		UptimeSeconds:       uptime,
		LastBrokerEventAgeS: lastEventAge,
		Inflight:            int(s.inflight.Load()),
		SubscribedTopics:    subscribed,
		PublishedTopics:     published,
	}
}

// readinessFailed runs the registered readiness checks.
func (s *Service) readinessFailed() bool {
	s.readinessMu.Lock()
	checks := make([]func() error, len(s.readiness))
	copy(checks, s.readiness)
	s.readinessMu.Unlock()

	for _, check := range checks {
		if err := check(); err != nil {
			s.log.Warn("readiness check failed", "error", err)
			return true
		}
	}
	return false
}

// HealthHandler returns the HTTP handler for GET /health.
// Unhealthy services respond 503 so load balancer probes fail naturally.
func (s *Service) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		snapshot := s.Health()
		status := http.StatusOK
		if snapshot.Status == HealthUnhealthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(snapshot)
	})
}
