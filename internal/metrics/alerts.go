package metrics

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// defaultFlapSuppression is the minimum gap between state changes of one
// rule.
const defaultFlapSuppression = 30 * time.Second

// Comparison relates the window aggregate to the rule threshold.
type Comparison string

const (
	CompareLT Comparison = "<"
	CompareLE Comparison = "<="
	CompareEQ Comparison = "=="
	CompareNE Comparison = "!="
	CompareGT Comparison = ">"
	CompareGE Comparison = ">="
)

// Severity grades an alert rule.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// AlertRule fires when the average of its metric over the last window
// satisfies the comparison against the threshold.
type AlertRule struct {
	Name          string     `json:"name"`
	MetricName    string     `json:"metric_name"`
	Comparison    Comparison `json:"comparison"`
	Threshold     float64    `json:"threshold"`
	WindowSeconds int        `json:"window_seconds"`
	Severity      Severity   `json:"severity"`
	Enabled       bool       `json:"enabled"`
}

// Validate checks a rule before it is accepted.
func (r *AlertRule) Validate() error {
	if r.Name == "" {
		return errors.New("rule name is required")
	}
	if r.MetricName == "" {
		return errors.New("rule metric_name is required")
	}
	switch r.Comparison {
	case CompareLT, CompareLE, CompareEQ, CompareNE, CompareGT, CompareGE:
	default:
		return errors.New("unknown comparison: " + string(r.Comparison))
	}
	switch r.Severity {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
	default:
		return errors.New("unknown severity: " + string(r.Severity))
	}
	if r.WindowSeconds <= 0 {
		return errors.New("window_seconds must be positive")
	}
	return nil
}

func (r *AlertRule) satisfied(value float64) bool {
	switch r.Comparison {
	case CompareLT:
		return value < r.Threshold
	case CompareLE:
		return value <= r.Threshold
	case CompareEQ:
		return value == r.Threshold
	case CompareNE:
		return value != r.Threshold
	case CompareGT:
		return value > r.Threshold
	case CompareGE:
		return value >= r.Threshold
	default:
		return false
	}
}

// AlertEvent is one edge: a rule becoming active or clearing.
type AlertEvent struct {
	Rule      string    `json:"rule"`
	Metric    string    `json:"metric"`
	Severity  Severity  `json:"severity"`
	State     string    `json:"state"` // "active" or "cleared"
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	At        time.Time `json:"at"`
}

// RuleStatus is the externally visible evaluation state of one rule.
type RuleStatus struct {
	Rule   AlertRule `json:"rule"`
	Firing bool      `json:"firing"`
	Since  time.Time `json:"since,omitzero"`
}

type ruleState struct {
	firing     bool
	since      time.Time
	lastChange time.Time
}

// Engine evaluates alert rules against the store.
type Engine struct {
	store       *Store
	suppression time.Duration
	now         func() time.Time

	mu    sync.Mutex
	rules map[string]AlertRule
	state map[string]*ruleState
}

// NewEngine builds an Engine over a store. Non-positive suppression falls
// back to 30 s.
func NewEngine(store *Store, suppression time.Duration) *Engine {
	if suppression <= 0 {
		suppression = defaultFlapSuppression
	}
	return &Engine{
		store:       store,
		suppression: suppression,
		now:         func() time.Time { return time.Now().UTC() },
		rules:       make(map[string]AlertRule),
		state:       make(map[string]*ruleState),
	}
}

// SetRule inserts or replaces a rule. Disabling or replacing a firing
// rule resets its evaluation state without emitting a clear event.
func (e *Engine) SetRule(rule AlertRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.rules[rule.Name] = rule
	delete(e.state, rule.Name)
	e.mu.Unlock()
	return nil
}

// DeleteRule removes a rule, reporting whether it existed.
func (e *Engine) DeleteRule(name string) bool {
	e.mu.Lock()
	_, ok := e.rules[name]
	delete(e.rules, name)
	delete(e.state, name)
	e.mu.Unlock()
	return ok
}

// Rules lists the configured rules sorted by name.
func (e *Engine) Rules() []AlertRule {
	e.mu.Lock()
	out := make([]AlertRule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Status reports each rule with its current firing state, sorted by name.
func (e *Engine) Status() []RuleStatus {
	e.mu.Lock()
	out := make([]RuleStatus, 0, len(e.rules))
	for name, r := range e.rules {
		status := RuleStatus{Rule: r}
		if st, ok := e.state[name]; ok {
			status.Firing = st.firing
			status.Since = st.since
		}
		out = append(out, status)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Rule.Name < out[j].Rule.Name })
	return out
}

// Evaluate runs every enabled rule once and returns the edges. A rule
// whose window holds no points keeps its current state. A state change
// within the suppression window of the previous one is deferred to a
// later evaluation.
func (e *Engine) Evaluate() []AlertEvent {
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	var events []AlertEvent
	for name, rule := range e.rules {
		if !rule.Enabled {
			continue
		}

		agg := e.store.Query(rule.MetricName, nil, time.Duration(rule.WindowSeconds)*time.Second)
		if agg.Count == 0 {
			continue
		}

		st, ok := e.state[name]
		if !ok {
			st = &ruleState{}
			e.state[name] = st
		}

		firing := rule.satisfied(agg.Avg)
		if firing == st.firing {
			continue
		}
		if !st.lastChange.IsZero() && now.Sub(st.lastChange) < e.suppression {
			continue
		}

		st.firing = firing
		st.lastChange = now
		state := "cleared"
		if firing {
			st.since = now
			state = "active"
		} else {
			st.since = time.Time{}
		}

		events = append(events, AlertEvent{
			Rule:      rule.Name,
			Metric:    rule.MetricName,
			Severity:  rule.Severity,
			State:     state,
			Value:     agg.Avg,
			Threshold: rule.Threshold,
			At:        now,
		})
	}
	return events
}
