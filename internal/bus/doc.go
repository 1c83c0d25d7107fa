// Package bus is the service wrapper contract of the Alicia substrate.
//
// Every substrate process links this package to join the bus: it owns the
// broker connection, enforces the shared message envelope, publishes
// heartbeats, answers health probes, and provides correlated
// request/response exchanges over MQTT topics.
//
// Lifecycle:
//
//	svc, err := bus.New(bus.Options{Broker: client, ServiceName: "registry"})
//	svc.RegisterHandler("alicia/system/discovery/+", handleDiscovery)
//	svc.Start(ctx)
//	defer svc.Shutdown(5 * time.Second)
//
// Inbound envelopes pass through drop rules before dispatch: malformed
// payloads, expired TTLs, and hop-exhausted routing chains are discarded
// (the latter with an error event on alicia/system/routing/loop). Handler
// backpressure answers over-cap requests with an overloaded error instead
// of queueing.
package bus
