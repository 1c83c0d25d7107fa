package metrics

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// Kind classifies a metric sample.
type Kind string

const (
	KindCounter   Kind = "counter"
	KindGauge     Kind = "gauge"
	KindHistogram Kind = "histogram"
	KindSummary   Kind = "summary"
)

// Sample is one metric observation.
type Sample struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
	Labels    map[string]string `json:"labels,omitempty"`
	Kind      Kind              `json:"kind,omitempty"`
}

// Validate checks the fields a sample must carry before storage.
func (s *Sample) Validate() error {
	if s.Name == "" {
		return errors.New("sample name is required")
	}
	switch s.Kind {
	case "", KindCounter, KindGauge, KindHistogram, KindSummary:
	default:
		return errors.New("unknown sample kind: " + string(s.Kind))
	}
	return nil
}

// labelKey renders a label set into a canonical string so that the same
// labels always land in the same series regardless of map order.
func labelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

func seriesKey(name string, labels map[string]string) string {
	return name + "|" + labelKey(labels)
}
