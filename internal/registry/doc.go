// Package registry tracks every service instance and device on the Alicia
// bus. Services announce themselves through discovery, send periodic
// heartbeats, and are evicted to offline when heartbeats stop arriving.
//
// The registry is the source of truth for capability lookups: the voice
// router asks it which instances provide "stt" or "tts", and the balancer
// feeds its instance pools from the same answers. State lives in memory
// behind a single lock and is snapshotted to a bbolt file so a restart
// does not forget the fleet.
package registry
