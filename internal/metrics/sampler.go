package metrics

import (
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// System sampler metric names.
const (
	MetricSystemCPU       = "system_cpu_percent"
	MetricSystemMemory    = "system_memory_percent"
	MetricSystemDisk      = "system_disk_percent"
	MetricServiceInflight = "service_inflight"
)

// sampleSystem records one round of host gauges. Failures of individual
// probes are logged and skipped so a missing mount never silences CPU
// and memory.
func (c *Collector) sampleSystem() {
	now := c.now()

	if percents, err := cpu.Percent(0, false); err != nil {
		c.log.Warn("cpu sample failed", "error", err)
	} else if len(percents) > 0 {
		c.ingestOne(Sample{Name: MetricSystemCPU, Value: percents[0], Timestamp: now, Kind: KindGauge})
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		c.log.Warn("memory sample failed", "error", err)
	} else {
		c.ingestOne(Sample{Name: MetricSystemMemory, Value: vm.UsedPercent, Timestamp: now, Kind: KindGauge})
	}

	if usage, err := disk.Usage("/"); err != nil {
		c.log.Warn("disk sample failed", "error", err)
	} else {
		c.ingestOne(Sample{Name: MetricSystemDisk, Value: usage.UsedPercent, Timestamp: now, Kind: KindGauge})
	}

	// Per-service inflight gauges come from the most recent heartbeats.
	c.mu.Lock()
	gauges := make([]Sample, 0, len(c.inflight))
	for _, hb := range c.inflight {
		gauges = append(gauges, Sample{
			Name:      MetricServiceInflight,
			Value:     float64(hb.inflight),
			Timestamp: now,
			Labels:    map[string]string{"service": hb.serviceName, "instance": hb.instanceID},
			Kind:      KindGauge,
		})
	}
	c.mu.Unlock()

	for _, s := range gauges {
		c.ingestOne(s)
	}
}
