package balancer

import (
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

// rttAlpha is the EWMA smoothing factor for round-trip times. One fifth
// of each new observation keeps the average responsive without letting a
// single slow request dominate selection.
const rttAlpha = 0.2

// InstanceSpec describes an instance added to a pool.
type InstanceSpec struct {
	ID          string
	Address     string
	Weight      int
	MaxInflight int
}

// InstanceStatus is a point-in-time view of one pooled instance.
type InstanceStatus struct {
	InstanceID          string    `json:"instance_id"`
	Address             string    `json:"address"`
	Weight              int       `json:"weight"`
	Inflight            int       `json:"inflight"`
	AvgRTTMS            float64   `json:"avg_rtt_ms"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	BreakerState        string    `json:"breaker_state"`
	BreakerOpenedAt     time.Time `json:"breaker_opened_at,omitzero"`
}

// instance is the pool's internal record. Plain fields are guarded by the
// pool mutex. probeFailures and openedAtNanos are atomics because the
// breaker's callbacks fire while gobreaker holds its own lock, and those
// callbacks must never wait on the pool mutex.
type instance struct {
	id          string
	address     string
	weight      int
	maxInflight int

	inflight            int
	avgRTT              float64 // milliseconds, EWMA
	consecutiveFailures int
	currentWeight       int // smooth weighted round robin accumulator

	probeFailures atomic.Int32
	openedAtNanos atomic.Int64

	breaker *gobreaker.TwoStepCircuitBreaker
}

// effectiveWeight floors configured weights at one so a zero-weight
// announcement still takes part in weighted rotation.
func (i *instance) effectiveWeight() int {
	if i.weight < 1 {
		return 1
	}
	return i.weight
}

// open reports whether the breaker currently rejects traffic outright.
func (i *instance) open() bool {
	return i.breaker.State() == gobreaker.StateOpen
}

func (i *instance) status() InstanceStatus {
	st := InstanceStatus{
		InstanceID:          i.id,
		Address:             i.address,
		Weight:              i.weight,
		Inflight:            i.inflight,
		AvgRTTMS:            i.avgRTT,
		ConsecutiveFailures: i.consecutiveFailures,
		BreakerState:        breakerStateName(i.breaker.State()),
	}
	if nanos := i.openedAtNanos.Load(); nanos != 0 && st.BreakerState != "closed" {
		st.BreakerOpenedAt = time.Unix(0, nanos).UTC()
	}
	return st
}

func breakerStateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}
