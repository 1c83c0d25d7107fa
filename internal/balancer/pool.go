package balancer

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/alicia-home/alicia-core/internal/infrastructure/config"
)

// Logger is the minimal logging interface the pool needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Supported algorithm names.
const (
	AlgorithmRoundRobin         = "round_robin"
	AlgorithmLeastConnections   = "least_connections"
	AlgorithmWeightedRoundRobin = "weighted_round_robin"
	AlgorithmRandom             = "random"
)

// Options configures a Pool.
type Options struct {
	Config config.BalancerConfig
	Logger Logger

	// Prober checks one instance's health endpoint. Nil selects the
	// default HTTP GET /health prober.
	Prober Prober

	// Seed fixes the random algorithm's sequence. Zero seeds from the
	// clock.
	Seed int64

	now func() time.Time
}

// Pool tracks the instances of one capability and selects among them.
type Pool struct {
	cfg    config.BalancerConfig
	log    Logger
	prober Prober
	now    func() time.Time

	mu        sync.Mutex
	rng       *rand.Rand
	instances map[string]*instance
	order     []string // instance ids, sorted, for deterministic rotation
	rrNext    int
}

// NewPool builds a pool for the configured algorithm.
func NewPool(opts Options) (*Pool, error) {
	if opts.Config.Algorithm == "" {
		opts.Config.Algorithm = AlgorithmRoundRobin
	}
	switch opts.Config.Algorithm {
	case AlgorithmRoundRobin, AlgorithmLeastConnections, AlgorithmWeightedRoundRobin, AlgorithmRandom:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, opts.Config.Algorithm)
	}
	if opts.Config.FailureThreshold <= 0 {
		opts.Config.FailureThreshold = 5
	}
	if opts.Config.ProbeFailThreshold <= 0 {
		opts.Config.ProbeFailThreshold = 3
	}
	if opts.Config.RecoveryTimeoutS <= 0 {
		opts.Config.RecoveryTimeoutS = 60
	}
	if opts.Config.MaxInflight <= 0 {
		opts.Config.MaxInflight = 100
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Prober == nil {
		opts.Prober = defaultProber()
	}
	if opts.now == nil {
		opts.now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}

	return &Pool{
		cfg:       opts.Config,
		log:       opts.Logger,
		prober:    opts.Prober,
		now:       opts.now,
		rng:       rand.New(rand.NewSource(opts.Seed)),
		instances: make(map[string]*instance),
	}, nil
}

// Upsert adds an instance or refreshes an existing one's address, weight,
// and inflight cap. Breaker state survives refreshes: a re-announcement
// does not absolve a tripped instance.
func (p *Pool) Upsert(spec InstanceSpec) {
	if spec.MaxInflight <= 0 {
		spec.MaxInflight = p.cfg.MaxInflight
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.instances[spec.ID]; ok {
		existing.address = spec.Address
		existing.weight = spec.Weight
		existing.maxInflight = spec.MaxInflight
		return
	}

	inst := &instance{
		id:          spec.ID,
		address:     spec.Address,
		weight:      spec.Weight,
		maxInflight: spec.MaxInflight,
	}
	inst.breaker = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        spec.ID,
		MaxRequests: 1,
		Timeout:     time.Duration(p.cfg.RecoveryTimeoutS) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.ConsecutiveFailures) >= p.cfg.FailureThreshold ||
				int(inst.probeFailures.Load()) >= p.cfg.ProbeFailThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			switch to {
			case gobreaker.StateOpen:
				inst.openedAtNanos.Store(p.now().UnixNano())
			case gobreaker.StateClosed:
				inst.probeFailures.Store(0)
			}
			p.log.Info("breaker state change",
				"instance_id", name,
				"from", breakerStateName(from),
				"to", breakerStateName(to),
			)
		},
	})

	p.instances[spec.ID] = inst
	p.order = append(p.order, spec.ID)
	sort.Strings(p.order)
}

// Remove drops an instance from the pool. Outstanding leases on it remain
// valid; their release just has nothing left to update.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.instances[id]; !ok {
		return
	}
	delete(p.instances, id)
	for i, existing := range p.order {
		if existing == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	if p.rrNext >= len(p.order) {
		p.rrNext = 0
	}
}

// Lease is a hold on one instance for a single request.
type Lease struct {
	pool       *Pool
	inst       *instance
	done       func(success bool)
	acquiredAt time.Time
	released   bool
}

// InstanceID returns the leased instance's id.
func (l *Lease) InstanceID() string { return l.inst.id }

// Address returns the leased instance's address.
func (l *Lease) Address() string { return l.inst.address }

// Release reports the request outcome and frees the inflight slot. The
// elapsed time since Acquire feeds the instance's RTT average on success.
// Release is idempotent.
func (l *Lease) Release(err error) {
	rtt := l.pool.now().Sub(l.acquiredAt)

	l.pool.mu.Lock()
	if l.released {
		l.pool.mu.Unlock()
		return
	}
	l.released = true
	l.inst.inflight--
	if err != nil {
		l.inst.consecutiveFailures++
	} else {
		l.inst.consecutiveFailures = 0
		ms := float64(rtt) / float64(time.Millisecond)
		if l.inst.avgRTT == 0 {
			l.inst.avgRTT = ms
		} else {
			l.inst.avgRTT = (1-rttAlpha)*l.inst.avgRTT + rttAlpha*ms
		}
	}
	l.pool.mu.Unlock()

	l.done(err == nil)
}

// Acquire selects an instance and reserves an inflight slot on it.
//
// Returns:
//   - ErrNoInstances when the pool is empty
//   - ErrNoneAvailable when every instance is circuit-open
//   - ErrAllBusy when every routable instance is at its inflight cap
func (p *Pool) Acquire() (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.order) == 0 {
		return nil, ErrNoInstances
	}

	eligible := make([]*instance, 0, len(p.order))
	anyRoutable := false
	for _, id := range p.order {
		inst := p.instances[id]
		if inst.open() {
			continue
		}
		anyRoutable = true
		if inst.inflight >= inst.maxInflight {
			continue
		}
		eligible = append(eligible, inst)
	}
	if !anyRoutable {
		return nil, ErrNoneAvailable
	}
	if len(eligible) == 0 {
		return nil, ErrAllBusy
	}

	for len(eligible) > 0 {
		inst := p.pick(eligible)
		done, err := inst.breaker.Allow()
		if err != nil {
			// Half-open slot already taken, or the breaker tripped
			// between the scan and now. Try the next candidate.
			eligible = removeInstance(eligible, inst)
			continue
		}
		inst.inflight++
		return &Lease{pool: p, inst: inst, done: done, acquiredAt: p.now()}, nil
	}
	return nil, ErrNoneAvailable
}

func removeInstance(list []*instance, target *instance) []*instance {
	for i, inst := range list {
		if inst == target {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// pick runs the configured algorithm over the eligible instances. Caller
// holds the pool mutex; eligible is non-empty and sorted by instance id.
func (p *Pool) pick(eligible []*instance) *instance {
	switch p.cfg.Algorithm {
	case AlgorithmLeastConnections:
		return pickLeastConnections(eligible)
	case AlgorithmWeightedRoundRobin:
		return pickSmoothWeighted(eligible)
	case AlgorithmRandom:
		return eligible[p.rng.Intn(len(eligible))]
	default:
		return p.pickRoundRobin(eligible)
	}
}

// pickRoundRobin walks the full rotation order from the cursor and takes
// the first eligible instance, so rotation position survives instances
// coming and going.
func (p *Pool) pickRoundRobin(eligible []*instance) *instance {
	eligibleSet := make(map[string]*instance, len(eligible))
	for _, inst := range eligible {
		eligibleSet[inst.id] = inst
	}
	for i := 0; i < len(p.order); i++ {
		idx := (p.rrNext + i) % len(p.order)
		if inst, ok := eligibleSet[p.order[idx]]; ok {
			p.rrNext = (idx + 1) % len(p.order)
			return inst
		}
	}
	return eligible[0]
}

// pickLeastConnections takes the lowest inflight count, breaking ties by
// lower average RTT and then instance id. The input is id-sorted, so the
// strict comparisons make the result deterministic.
func pickLeastConnections(eligible []*instance) *instance {
	best := eligible[0]
	for _, inst := range eligible[1:] {
		switch {
		case inst.inflight < best.inflight:
			best = inst
		case inst.inflight == best.inflight && inst.avgRTT < best.avgRTT:
			best = inst
		}
	}
	return best
}

// pickSmoothWeighted implements smooth weighted round robin: every
// candidate gains its weight, the leader is picked and pays back the
// total. A weight-5 instance gets five of every six picks against a
// weight-1 peer, without bursts.
func pickSmoothWeighted(eligible []*instance) *instance {
	total := 0
	var best *instance
	for _, inst := range eligible {
		w := inst.effectiveWeight()
		total += w
		inst.currentWeight += w
		if best == nil || inst.currentWeight > best.currentWeight {
			best = inst
		}
	}
	best.currentWeight -= total
	return best
}

// Snapshot returns the status of every pooled instance, sorted by id.
func (p *Pool) Snapshot() []InstanceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]InstanceStatus, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.instances[id].status())
	}
	return out
}

// Len returns the number of pooled instances.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}
