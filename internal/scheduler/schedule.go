package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ScheduleSpec is the user-facing schedule description. Exactly one of
// Cron, Every, or At must be set.
type ScheduleSpec struct {
	// Cron is a cron expression (five or six fields, or a descriptor
	// like "@hourly").
	Cron string `yaml:"cron,omitempty"`

	// Every fires at a fixed interval.
	Every time.Duration `yaml:"every,omitempty"`

	// At fires once at an absolute time (RFC3339 or "2006-01-02
	// 15:04").
	At string `yaml:"at,omitempty"`

	// Timezone names the location cron expressions and At times
	// evaluate in. Empty means local time.
	Timezone string `yaml:"timezone,omitempty"`
}

type scheduleKind string

const (
	kindAt    scheduleKind = "at"
	kindEvery scheduleKind = "every"
	kindCron  scheduleKind = "cron"
)

// Schedule is a validated, ready-to-evaluate schedule.
type Schedule struct {
	kind     scheduleKind
	cronExpr string
	every    time.Duration
	at       time.Time
	location *time.Location
}

// NewSchedule validates a spec. Cron expressions are parsed eagerly so
// bad configuration fails at registration, not at firing.
func NewSchedule(spec ScheduleSpec) (Schedule, error) {
	loc := time.Local
	if tz := strings.TrimSpace(spec.Timezone); tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
		loc = parsed
	}

	switch {
	case strings.TrimSpace(spec.At) != "":
		at, err := parseAt(spec.At, loc)
		if err != nil {
			return Schedule{}, err
		}
		return Schedule{kind: kindAt, at: at, location: loc}, nil
	case spec.Every > 0:
		return Schedule{kind: kindEvery, every: spec.Every, location: loc}, nil
	case strings.TrimSpace(spec.Cron) != "":
		expr := strings.TrimSpace(spec.Cron)
		if _, err := cronParser.Parse(expr); err != nil {
			return Schedule{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
		}
		return Schedule{kind: kindCron, cronExpr: expr, location: loc}, nil
	default:
		return Schedule{}, fmt.Errorf("schedule requires cron, every, or at")
	}
}

// Next returns the next firing after now. ok is false when the
// schedule has no further firings.
func (s Schedule) Next(now time.Time) (next time.Time, ok bool, err error) {
	switch s.kind {
	case kindAt:
		if now.After(s.at) {
			return time.Time{}, false, nil
		}
		return s.at, true, nil
	case kindEvery:
		return now.Add(s.every), true, nil
	case kindCron:
		parsed, err := cronParser.Parse(s.cronExpr)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse cron expression: %w", err)
		}
		next := parsed.Next(now.In(s.location))
		return next, !next.IsZero(), nil
	default:
		return time.Time{}, false, fmt.Errorf("schedule not initialized")
	}
}

func parseAt(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04"} {
		if parsed, err := time.ParseInLocation(layout, value, loc); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid at time %q", value)
}
