// Package mqtt wraps the Eclipse Paho MQTT client for Alicia substrate
// services.
//
// It provides:
//   - Connection management with automatic reconnection
//   - Subscription tracking and restoration after reconnect
//   - Optional Last Will and Testament for crash detection
//   - Panic recovery around message handlers
//   - Publish ordering preserved per connection
//
// Services do not use this package directly; they go through the bus
// wrapper (internal/bus), which layers the Alicia message envelope,
// heartbeats, and request/response correlation on top.
package mqtt
