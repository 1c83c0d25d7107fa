package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Store defaults.
const (
	defaultRingCapacity = 1000
	defaultRetention    = time.Hour
)

// Aggregate is the result of a window query. A window with no points has
// Count 0 and zero values everywhere else.
type Aggregate struct {
	Count int     `json:"count"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
}

// SeriesInfo describes one stored series for the inspection API.
type SeriesInfo struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Points int               `json:"points"`
	Latest time.Time         `json:"latest,omitzero"`
}

type point struct {
	value float64
	at    time.Time
}

// series is a fixed-capacity ring of points, oldest overwritten first.
type series struct {
	name   string
	labels map[string]string

	buf  []point
	next int
	size int
}

func (s *series) add(p point) {
	if s.size < len(s.buf) {
		s.size++
	}
	s.buf[s.next] = p
	s.next = (s.next + 1) % len(s.buf)
}

// pointsSince appends the points at or after cutoff to dst.
func (s *series) pointsSince(cutoff time.Time, dst []float64) []float64 {
	start := s.next - s.size
	for i := 0; i < s.size; i++ {
		idx := start + i
		if idx < 0 {
			idx += len(s.buf)
		}
		if p := s.buf[idx%len(s.buf)]; !p.at.Before(cutoff) {
			dst = append(dst, p.value)
		}
	}
	return dst
}

func (s *series) latest() time.Time {
	if s.size == 0 {
		return time.Time{}
	}
	idx := s.next - 1
	if idx < 0 {
		idx += len(s.buf)
	}
	return s.buf[idx].at
}

// Store holds every series under one reader-mostly lock.
type Store struct {
	mu        sync.RWMutex
	capacity  int
	retention time.Duration
	series    map[string]*series
	now       func() time.Time
}

// NewStore builds a Store. Non-positive capacity or retention fall back
// to the defaults (1000 points, 1 hour).
func NewStore(capacity int, retention time.Duration) *Store {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Store{
		capacity:  capacity,
		retention: retention,
		series:    make(map[string]*series),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Add appends a sample to its series, creating the series on first sight.
func (st *Store) Add(s Sample) {
	at := s.Timestamp
	if at.IsZero() {
		at = st.now()
	}

	key := seriesKey(s.Name, s.Labels)

	st.mu.Lock()
	ser, ok := st.series[key]
	if !ok {
		labels := make(map[string]string, len(s.Labels))
		for k, v := range s.Labels {
			labels[k] = v
		}
		ser = &series{name: s.Name, labels: labels, buf: make([]point, st.capacity)}
		st.series[key] = ser
	}
	ser.add(point{value: s.Value, at: at})
	st.mu.Unlock()
}

// Query aggregates the last window of a metric. A nil or empty labels map
// matches every series of that name; otherwise a series must carry every
// given label pair. The window is additionally clipped to the retention
// horizon.
func (st *Store) Query(name string, labels map[string]string, window time.Duration) Aggregate {
	if window <= 0 || window > st.retention {
		window = st.retention
	}
	cutoff := st.now().Add(-window)

	var values []float64
	st.mu.RLock()
	for _, ser := range st.series {
		if ser.name != name || !labelsMatch(ser.labels, labels) {
			continue
		}
		values = ser.pointsSince(cutoff, values)
	}
	st.mu.RUnlock()

	return aggregate(values)
}

func labelsMatch(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func aggregate(values []float64) Aggregate {
	if len(values) == 0 {
		return Aggregate{}
	}

	agg := Aggregate{Count: len(values), Min: math.Inf(1), Max: math.Inf(-1)}
	sum := 0.0
	for _, v := range values {
		sum += v
		agg.Min = math.Min(agg.Min, v)
		agg.Max = math.Max(agg.Max, v)
	}
	agg.Avg = sum / float64(len(values))

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	agg.P50 = percentile(sorted, 50)
	agg.P95 = percentile(sorted, 95)
	return agg
}

// percentile is nearest-rank over an already sorted slice.
func percentile(sorted []float64, p int) float64 {
	rank := int(math.Ceil(float64(p) / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// Series lists every stored series, sorted by name then label key.
func (st *Store) Series() []SeriesInfo {
	st.mu.RLock()
	out := make([]SeriesInfo, 0, len(st.series))
	for _, ser := range st.series {
		labels := make(map[string]string, len(ser.labels))
		for k, v := range ser.labels {
			labels[k] = v
		}
		out = append(out, SeriesInfo{
			Name:   ser.name,
			Labels: labels,
			Points: ser.size,
			Latest: ser.latest(),
		})
	}
	st.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return labelKey(out[i].Labels) < labelKey(out[j].Labels)
	})
	return out
}
