package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleKind selects how an event's next fire time is computed.
type ScheduleKind string

const (
	KindOnce     ScheduleKind = "once"
	KindInterval ScheduleKind = "interval"
	KindCron     ScheduleKind = "cron"
)

// cronParser accepts standard five-field expressions (minute, hour, dom,
// month, dow). Schedules are evaluated in UTC, so DST never shifts a
// fire time.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ScheduledEvent is one entry in the event map.
//
// Spec is interpreted per Kind: an RFC 3339 timestamp for once, a
// positive number of seconds for interval, a five-field cron expression
// for cron.
type ScheduledEvent struct {
	EventID        string          `json:"event_id"`
	Kind           ScheduleKind    `json:"schedule_kind"`
	Spec           string          `json:"spec"`
	TargetTopic    string          `json:"target_topic"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Enabled        bool            `json:"enabled"`
	ExpectResponse bool            `json:"expect_response,omitempty"`
	AllowOverlap   bool            `json:"allow_overlap,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	LastRun        time.Time       `json:"last_run,omitzero"`
	NextRun        time.Time       `json:"next_run,omitzero"`
}

// Validate checks the event and its schedule spec.
func (e *ScheduledEvent) Validate() error {
	if e.EventID == "" {
		return errors.New("event_id is required")
	}
	if e.TargetTopic == "" {
		return errors.New("target_topic is required")
	}
	switch e.Kind {
	case KindOnce, KindInterval, KindCron:
	default:
		return fmt.Errorf("unknown schedule_kind: %q", e.Kind)
	}
	_, err := parseSchedule(e.Kind, e.Spec)
	return err
}

// schedule computes fire times for one event.
type schedule interface {
	// next returns the first fire time strictly after from, or the zero
	// time when the schedule is exhausted.
	next(from time.Time) time.Time
}

type onceSchedule struct{ at time.Time }

func (s onceSchedule) next(from time.Time) time.Time {
	if s.at.After(from) {
		return s.at
	}
	return time.Time{}
}

type intervalSchedule struct{ every time.Duration }

func (s intervalSchedule) next(from time.Time) time.Time {
	return from.Add(s.every)
}

type cronSchedule struct{ inner cron.Schedule }

func (s cronSchedule) next(from time.Time) time.Time {
	return s.inner.Next(from.UTC())
}

func parseSchedule(kind ScheduleKind, spec string) (schedule, error) {
	switch kind {
	case KindOnce:
		at, err := time.Parse(time.RFC3339, spec)
		if err != nil {
			return nil, fmt.Errorf("once spec must be an RFC 3339 timestamp: %w", err)
		}
		return onceSchedule{at: at.UTC()}, nil
	case KindInterval:
		seconds, err := strconv.Atoi(spec)
		if err != nil || seconds <= 0 {
			return nil, fmt.Errorf("interval spec must be a positive number of seconds, got %q", spec)
		}
		return intervalSchedule{every: time.Duration(seconds) * time.Second}, nil
	case KindCron:
		inner, err := cronParser.Parse(spec)
		if err != nil {
			return nil, fmt.Errorf("invalid cron spec %q: %w", spec, err)
		}
		return cronSchedule{inner: inner}, nil
	default:
		return nil, fmt.Errorf("unknown schedule_kind: %q", kind)
	}
}

// Execution statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ExecutionRecord is one completed fire of an event.
type ExecutionRecord struct {
	EventID    string    `json:"event_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Status     string    `json:"status"`
	Detail     string    `json:"detail,omitempty"`
}
