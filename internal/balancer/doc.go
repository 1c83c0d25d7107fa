// Package balancer selects service instances for outbound work.
//
// A Pool holds the live instances of one capability. Callers Acquire a
// lease, do their request, and Release it with the outcome; the pool
// tracks inflight counts, smoothed round-trip times, and a circuit
// breaker per instance. Four selection algorithms are available:
// round_robin, least_connections, weighted_round_robin (smooth), and
// random. Selection is deterministic for a given pool state, so routing
// decisions are reproducible in tests and postmortems.
package balancer
