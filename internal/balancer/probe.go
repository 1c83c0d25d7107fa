package balancer

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Prober checks one instance's health endpoint.
type Prober func(ctx context.Context, address string) error

// probeTimeout bounds a single health probe.
const probeTimeout = 5 * time.Second

// defaultProber issues HTTP GET <address>/health and treats any status
// under 400 as healthy.
func defaultProber() Prober {
	client := &http.Client{Timeout: probeTimeout}
	return func(ctx context.Context, address string) error {
		// Instances that never announced an HTTP endpoint are taken at
		// their heartbeat's word.
		if address == "" {
			return nil
		}
		url := address
		if !strings.Contains(url, "://") {
			url = "http://" + url
		}
		url = strings.TrimSuffix(url, "/") + "/health"

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("building probe request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("probing %s: %w", url, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusBadRequest {
			return fmt.Errorf("probe %s returned %d", url, resp.StatusCode)
		}
		return nil
	}
}

// Run probes every instance on the configured interval until ctx is
// cancelled. Probe outcomes feed the circuit breakers: a run of failed
// probes opens an instance, and after the recovery timeout a successful
// probe closes it again.
func (p *Pool) Run(ctx context.Context) {
	interval := time.Duration(p.cfg.ProbeIntervalS) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeAll(ctx)
		}
	}
}

// ProbeAll probes every instance once. Exposed separately so callers can
// force a round outside the ticker cadence.
func (p *Pool) ProbeAll(ctx context.Context) {
	p.mu.Lock()
	targets := make([]*instance, 0, len(p.order))
	for _, id := range p.order {
		targets = append(targets, p.instances[id])
	}
	p.mu.Unlock()

	for _, inst := range targets {
		p.probe(ctx, inst)
	}
}

// probe checks one instance and reports the outcome to its breaker.
func (p *Pool) probe(ctx context.Context, inst *instance) {
	done, err := inst.breaker.Allow()
	if err != nil {
		// Open and still inside the recovery timeout, or the half-open
		// slot is spoken for. Skip until the breaker is willing.
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if probeErr := p.prober(probeCtx, inst.address); probeErr != nil {
		failures := inst.probeFailures.Add(1)
		p.log.Warn("health probe failed",
			"instance_id", inst.id,
			"consecutive", failures,
			"error", probeErr,
		)
		done(false)
		return
	}

	inst.probeFailures.Store(0)
	done(true)
}
