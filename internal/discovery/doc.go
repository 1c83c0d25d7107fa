// Package discovery bridges the MQTT discovery plane to the registry.
//
// Services never talk to the registry directly. They announce themselves,
// heartbeat, and depart on the alicia/system/discovery topics; discovery
// validates those events and applies them to the registry, and republishes
// the registry's lifecycle transitions on alicia/system/registry topics so
// the rest of the fleet can react.
package discovery
