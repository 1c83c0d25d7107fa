package metrics

import (
	"github.com/alicia-home/alicia-core/internal/infrastructure/influxdb"
)

// Sink forwards samples and alert transitions to long-term storage. The
// collector works without one.
type Sink interface {
	Push(s Sample)
	Alert(ev AlertEvent)
	Flush()
}

// InfluxSink forwards to the InfluxDB wrapper.
type InfluxSink struct {
	client *influxdb.Client
}

// NewInfluxSink wraps a connected InfluxDB client as a Sink.
func NewInfluxSink(client *influxdb.Client) *InfluxSink {
	return &InfluxSink{client: client}
}

// Push writes one sample. The "service" label doubles as the source tag.
func (s *InfluxSink) Push(sample Sample) {
	source := sample.Labels["service"]
	if source == "" {
		source = "collector"
	}
	s.client.WriteSample(sample.Name, source, sample.Labels, sample.Value, sample.Timestamp)
}

// Alert records an alert edge.
func (s *InfluxSink) Alert(ev AlertEvent) {
	s.client.WriteAlertTransition(ev.Rule, ev.Metric, ev.State, ev.Value)
}

// Flush blocks until buffered points are written.
func (s *InfluxSink) Flush() {
	s.client.Flush()
}
