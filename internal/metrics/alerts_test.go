package metrics

import (
	"testing"
	"time"
)

func newTestEngine(t *testing.T, clock *testClock, suppression time.Duration) (*Engine, *Store) {
	t.Helper()
	st := newTestStore(100, time.Hour, clock)
	e := NewEngine(st, suppression)
	e.now = clock.Now
	return e, st
}

func highCPURule() AlertRule {
	return AlertRule{
		Name:          "cpu-high",
		MetricName:    "cpu",
		Comparison:    CompareGT,
		Threshold:     80,
		WindowSeconds: 60,
		Severity:      SeverityWarning,
		Enabled:       true,
	}
}

func TestAlertEdgeTriggering(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	e, st := newTestEngine(t, clock, 30*time.Second)
	if err := e.SetRule(highCPURule()); err != nil {
		t.Fatalf("SetRule: %v", err)
	}

	st.Add(Sample{Name: "cpu", Value: 95, Timestamp: clock.Now()})

	events := e.Evaluate()
	if len(events) != 1 || events[0].State != "active" {
		t.Fatalf("events = %+v, want one active edge", events)
	}
	if events[0].Value != 95 || events[0].Severity != SeverityWarning {
		t.Errorf("event = %+v", events[0])
	}

	// Still firing: no second edge.
	if events := e.Evaluate(); len(events) != 0 {
		t.Fatalf("events = %+v, want none while state holds", events)
	}

	// Condition clears once the hot points age out of the window.
	clock.Advance(2 * time.Minute)
	st.Add(Sample{Name: "cpu", Value: 20, Timestamp: clock.Now()})

	events = e.Evaluate()
	if len(events) != 1 || events[0].State != "cleared" {
		t.Fatalf("events = %+v, want one cleared edge", events)
	}

	status := e.Status()
	if len(status) != 1 || status[0].Firing {
		t.Errorf("status = %+v, want not firing", status)
	}
}

func TestFlapSuppression(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	e, st := newTestEngine(t, clock, 30*time.Second)
	rule := highCPURule()
	rule.WindowSeconds = 10
	if err := e.SetRule(rule); err != nil {
		t.Fatalf("SetRule: %v", err)
	}

	st.Add(Sample{Name: "cpu", Value: 95, Timestamp: clock.Now()})
	if events := e.Evaluate(); len(events) != 1 {
		t.Fatalf("events = %+v, want active edge", events)
	}

	// The condition drops 10 s later, inside the suppression window: the
	// clear is held back.
	clock.Advance(10 * time.Second)
	st.Add(Sample{Name: "cpu", Value: 5, Timestamp: clock.Now()})
	if events := e.Evaluate(); len(events) != 0 {
		t.Fatalf("events = %+v, want clear suppressed", events)
	}

	// Past the suppression window the clear goes out.
	clock.Advance(25 * time.Second)
	st.Add(Sample{Name: "cpu", Value: 5, Timestamp: clock.Now()})
	events := e.Evaluate()
	if len(events) != 1 || events[0].State != "cleared" {
		t.Fatalf("events = %+v, want cleared edge", events)
	}
}

func TestEmptyWindowHoldsState(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	e, st := newTestEngine(t, clock, time.Second)
	rule := highCPURule()
	rule.WindowSeconds = 10
	if err := e.SetRule(rule); err != nil {
		t.Fatalf("SetRule: %v", err)
	}

	st.Add(Sample{Name: "cpu", Value: 95, Timestamp: clock.Now()})
	if events := e.Evaluate(); len(events) != 1 {
		t.Fatal("want active edge")
	}

	// All points age out; silence is not evidence of recovery.
	clock.Advance(time.Hour)
	if events := e.Evaluate(); len(events) != 0 {
		t.Fatalf("events = %+v, want none on empty window", events)
	}
	if status := e.Status(); !status[0].Firing {
		t.Error("rule should still be firing")
	}
}

func TestDisabledRuleIsSkipped(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	e, st := newTestEngine(t, clock, time.Second)
	rule := highCPURule()
	rule.Enabled = false
	if err := e.SetRule(rule); err != nil {
		t.Fatalf("SetRule: %v", err)
	}

	st.Add(Sample{Name: "cpu", Value: 95, Timestamp: clock.Now()})
	if events := e.Evaluate(); len(events) != 0 {
		t.Fatalf("events = %+v, want none for disabled rule", events)
	}
}

func TestDeleteRule(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	e, _ := newTestEngine(t, clock, time.Second)
	if err := e.SetRule(highCPURule()); err != nil {
		t.Fatalf("SetRule: %v", err)
	}

	if !e.DeleteRule("cpu-high") {
		t.Error("DeleteRule should report the rule existed")
	}
	if e.DeleteRule("cpu-high") {
		t.Error("second delete should report missing")
	}
	if got := len(e.Rules()); got != 0 {
		t.Errorf("rules = %d, want 0", got)
	}
}

func TestRuleValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AlertRule)
	}{
		{"missing name", func(r *AlertRule) { r.Name = "" }},
		{"missing metric", func(r *AlertRule) { r.MetricName = "" }},
		{"bad comparison", func(r *AlertRule) { r.Comparison = "~=" }},
		{"bad severity", func(r *AlertRule) { r.Severity = "loud" }},
		{"zero window", func(r *AlertRule) { r.WindowSeconds = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := highCPURule()
			tt.mutate(&rule)
			if err := rule.Validate(); err == nil {
				t.Error("Validate should fail")
			}
		})
	}
}
