package bus

import (
	"context"
	"time"
)

// heartbeatLoop publishes liveness beacons on the discovery heartbeat topic
// every heartbeat interval. It runs on its own goroutine so beacons keep
// flowing while handlers are saturated, and stops on ctx cancellation or
// Shutdown.
func (s *Service) heartbeatLoop(ctx context.Context) {
	defer close(s.heartbeatDone)

	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	// First beacon goes out immediately so discovery does not wait a full
	// interval to learn about a new instance.
	s.publishHeartbeat()

	for {
		select {
		case <-ticker.C:
			s.publishHeartbeat()
		case <-s.stopHeartbeat:
			return
		case <-ctx.Done():
			return
		}
	}
}

// publishHeartbeat emits one heartbeat envelope (QoS 0, best effort).
func (s *Service) publishHeartbeat() {
	payload := HeartbeatPayload{
		ServiceName: s.opts.ServiceName,
		InstanceID:  s.opts.InstanceID,
		Timestamp:   s.now(),
		Inflight:    int(s.inflight.Load()),
		Health:      string(s.Health().Status),
	}
	if err := s.Publish(s.topics.DiscoveryHeartbeat(), TypeHeartbeat, payload); err != nil {
		s.log.Warn("heartbeat publish failed", "error", err)
	}
}
