// Package metrics is the collector: bounded time-series storage, alert
// rule evaluation, and a system sampler.
//
// Samples arrive over the bus ingest topic, over HTTP, and from the
// built-in gopsutil sampler. Each (name, label set) series is a fixed
// ring with a retention window; aggregations compute from the ring on
// demand. The alert engine is edge-triggered with flap suppression and
// publishes active/cleared events on the alert topics. An optional Sink
// forwards samples and alert transitions to long-term storage, and a
// websocket hub streams them to connected dashboards.
package metrics
