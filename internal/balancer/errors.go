package balancer

import "errors"

var (
	// ErrNoInstances indicates the pool is empty.
	ErrNoInstances = errors.New("balancer: no instances")

	// ErrNoneAvailable indicates every instance is circuit-open or
	// otherwise unroutable. Callers map this to service_unavailable.
	ErrNoneAvailable = errors.New("balancer: no available instances")

	// ErrAllBusy indicates every routable instance is at its inflight
	// cap. Callers map this to overloaded, which is retriable.
	ErrAllBusy = errors.New("balancer: all instances at capacity")

	// ErrUnknownAlgorithm indicates an unrecognised algorithm name.
	ErrUnknownAlgorithm = errors.New("balancer: unknown algorithm")
)
