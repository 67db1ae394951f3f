package scrape

import (
	"fmt"
	"regexp"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleKind discriminates the schedule variants.
type ScheduleKind string

// Schedule kinds accepted at submission.
const (
	ScheduleOnce     ScheduleKind = "once"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleDaily    ScheduleKind = "daily"
	ScheduleCron     ScheduleKind = "cron"
)

var dailyTimePattern = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)

// Schedule describes when a task runs: exactly once at a timestamp, or
// recurring on an interval, a daily wall-clock time, or a cron expression.
type Schedule struct {
	Kind  ScheduleKind  `json:"kind"`
	At    time.Time     `json:"at,omitempty"`
	Every time.Duration `json:"every,omitempty"`
	Daily string        `json:"daily,omitempty"`
	Cron  string        `json:"cron,omitempty"`
}

// Recurring reports whether the schedule produces more than one occurrence.
func (s Schedule) Recurring() bool {
	return s.Kind != ScheduleOnce
}

// Validate checks the schedule is well-formed. A run-once timestamp may be in
// the past by at most grace; recurring specs must resolve to a next time.
func (s Schedule) Validate(now time.Time, grace time.Duration) error {
	switch s.Kind {
	case ScheduleOnce:
		if s.At.IsZero() {
			return fmt.Errorf("%w: once schedule requires a timestamp", ErrInvalidSchedule)
		}
		if s.At.Before(now.Add(-grace)) {
			return fmt.Errorf("%w: run time %s is in the past", ErrInvalidSchedule, s.At.Format(time.RFC3339))
		}
		return nil
	case ScheduleInterval:
		if s.Every <= 0 {
			return fmt.Errorf("%w: interval must be > 0", ErrInvalidSchedule)
		}
		return nil
	case ScheduleDaily:
		if !dailyTimePattern.MatchString(s.Daily) {
			return fmt.Errorf("%w: daily time %q is not HH:MM", ErrInvalidSchedule, s.Daily)
		}
		return nil
	case ScheduleCron:
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			return fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, s.Cron, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, s.Kind)
	}
}

// FirstRun returns the first occurrence at or after now.
func (s Schedule) FirstRun(now time.Time) (time.Time, error) {
	switch s.Kind {
	case ScheduleOnce:
		if s.At.Before(now) {
			return now, nil
		}
		return s.At, nil
	case ScheduleInterval:
		return now.Add(s.Every), nil
	case ScheduleDaily, ScheduleCron:
		sched, err := s.cronSchedule()
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(now), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, s.Kind)
	}
}

// NextAfter computes the next occurrence strictly after now, anchored to the
// prior scheduled time. Missed occurrences are skipped rather than burst: if
// the process was down across several interval periods, the grid advances
// past all of them in one step.
func (s Schedule) NextAfter(prior, now time.Time) (time.Time, bool) {
	switch s.Kind {
	case ScheduleInterval:
		next := prior.Add(s.Every)
		for !next.After(now) {
			next = next.Add(s.Every)
		}
		return next, true
	case ScheduleDaily, ScheduleCron:
		sched, err := s.cronSchedule()
		if err != nil {
			return time.Time{}, false
		}
		anchor := prior
		if now.After(anchor) {
			anchor = now
		}
		return sched.Next(anchor), true
	default:
		return time.Time{}, false
	}
}

func (s Schedule) cronSchedule() (cron.Schedule, error) {
	expr := s.Cron
	if s.Kind == ScheduleDaily {
		m := dailyTimePattern.FindStringSubmatch(s.Daily)
		if m == nil {
			return nil, fmt.Errorf("%w: daily time %q is not HH:MM", ErrInvalidSchedule, s.Daily)
		}
		expr = fmt.Sprintf("%s %s * * *", m[2], m[1])
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, expr, err)
	}
	return sched, nil
}
