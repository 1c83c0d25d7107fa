package bus

import "fmt"

// Topic namespace prefixes. All substrate traffic lives under alicia/.
const (
	// TopicPrefix is the root of the Alicia topic namespace.
	TopicPrefix = "alicia"

	// TopicPrefixSystem is the base for system/control-plane topics.
	TopicPrefixSystem = "alicia/system"

	// TopicPrefixVoice is the base for voice pipeline topics.
	TopicPrefixVoice = "alicia/voice"
)

// Topics provides builders for Alicia MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := bus.Topics{}
//	topics.DiscoveryHeartbeat() // "alicia/system/discovery/heartbeat"
type Topics struct{}

// =============================================================================
// Discovery / registry plane
// =============================================================================

// DiscoveryRegister returns the topic services announce themselves on.
func (Topics) DiscoveryRegister() string { return TopicPrefixSystem + "/discovery/register" }

// DiscoveryUnregister returns the topic for graceful departures.
func (Topics) DiscoveryUnregister() string { return TopicPrefixSystem + "/discovery/unregister" }

// DiscoveryHeartbeat returns the topic for periodic liveness beacons.
func (Topics) DiscoveryHeartbeat() string { return TopicPrefixSystem + "/discovery/heartbeat" }

// RegistryEvent returns an internal registry topic.
//
// Example: alicia/system/registry/register
func (Topics) RegistryEvent(event string) string {
	return fmt.Sprintf("%s/registry/%s", TopicPrefixSystem, event)
}

// RoutingLoop returns the topic where hop-exhausted envelopes are reported.
func (Topics) RoutingLoop() string { return TopicPrefixSystem + "/routing/loop" }

// =============================================================================
// Voice pipeline
// =============================================================================

// VoiceStep returns a request or response topic for a pipeline step.
//
// Example: alicia/voice/stt/request
func (Topics) VoiceStep(step, direction string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixVoice, step, direction)
}

// VoiceCommandRoute is the voice router's request entry point.
func (Topics) VoiceCommandRoute() string { return TopicPrefixVoice + "/command/route" }

// VoiceCommandResult carries final voice pipeline results.
func (Topics) VoiceCommandResult() string { return TopicPrefixVoice + "/command/result" }

// VoiceCommandCancel carries session cancellation requests.
func (Topics) VoiceCommandCancel() string { return TopicPrefixVoice + "/command/cancel" }

// VoiceSessionState carries router state-transition events for metrics/audit.
func (Topics) VoiceSessionState() string { return TopicPrefixVoice + "/session/state" }

// =============================================================================
// Devices, metrics, alerts, scheduler
// =============================================================================

// DeviceCommand returns the command topic for a device.
//
// Example: alicia/devices/lamp-1/command
func (Topics) DeviceCommand(deviceID string) string {
	return fmt.Sprintf("%s/devices/%s/command", TopicPrefix, deviceID)
}

// DeviceStatus returns the status topic for a device.
func (Topics) DeviceStatus(deviceID string) string {
	return fmt.Sprintf("%s/devices/%s/status", TopicPrefix, deviceID)
}

// MetricsIngest is where services publish metric samples.
func (Topics) MetricsIngest() string { return TopicPrefix + "/metrics/ingest" }

// AlertsActive carries rising-edge alert events.
func (Topics) AlertsActive() string { return TopicPrefix + "/alerts/active" }

// AlertsCleared carries falling-edge alert events.
func (Topics) AlertsCleared() string { return TopicPrefix + "/alerts/cleared" }

// SchedulerEvents carries scheduler event lifecycle notifications.
func (Topics) SchedulerEvents() string { return TopicPrefix + "/scheduler/events" }

// SchedulerExecutions carries execution records as they complete.
func (Topics) SchedulerExecutions() string { return TopicPrefix + "/scheduler/executions" }

// SchedulerTriggers carries manual trigger requests.
func (Topics) SchedulerTriggers() string { return TopicPrefix + "/scheduler/triggers" }

// ResponseTopic derives the paired response topic for a request topic.
//
// Topics ending in /request map to the sibling /response; anything else gets
// a /response suffix. This is the pairing rule the whole substrate uses for
// request/response correlation.
func ResponseTopic(requestTopic string) string {
	const suffix = "/request"
	if len(requestTopic) > len(suffix) && requestTopic[len(requestTopic)-len(suffix):] == suffix {
		return requestTopic[:len(requestTopic)-len(suffix)] + "/response"
	}
	return requestTopic + "/response"
}
