package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/watzon/tracery/internal/failure"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron parses a 5-field cron expression or descriptor.
func ParseCron(expression string) (cron.Schedule, error) {
	schedule, err := cronParser.Parse(expression)
	if err != nil {
		return nil, failure.Wrap(failure.ValidationError, err, "invalid cron expression %q", expression)
	}
	return schedule, nil
}

// ParseInterval parses an interval duration such as "5m" or "1h".
func ParseInterval(interval string) (time.Duration, error) {
	d, err := time.ParseDuration(interval)
	if err != nil {
		return 0, failure.Wrap(failure.ValidationError, err, "invalid interval %q", interval)
	}
	if d < time.Second {
		return 0, failure.New(failure.ValidationError, "interval must be at least 1 second")
	}
	return d, nil
}

// ParseOneTime parses an RFC3339 timestamp.
func ParseOneTime(timestamp string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return time.Time{}, failure.Wrap(failure.ValidationError, err, "invalid timestamp %q", timestamp)
	}
	return t, nil
}

func location(timezone string) (*time.Location, error) {
	if timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, failure.Wrap(failure.ValidationError, err, "invalid timezone %q", timezone)
	}
	return loc, nil
}

// Validate checks the expression and timezone of s.
func Validate(s *Schedule) error {
	if s.Name == "" {
		return failure.New(failure.ValidationError, "schedule name is required")
	}
	if s.Function == "" {
		return failure.New(failure.ValidationError, "schedule function is required")
	}
	if _, err := location(s.Timezone); err != nil {
		return err
	}
	switch s.Type {
	case ScheduleTypeCron:
		_, err := ParseCron(s.Expression)
		return err
	case ScheduleTypeInterval:
		_, err := ParseInterval(s.Expression)
		return err
	case ScheduleTypeOneTime:
		_, err := ParseOneTime(s.Expression)
		return err
	default:
		return failure.New(failure.ValidationError, "unknown schedule type %q", s.Type)
	}
}

// NextRun returns the first run of s after after. ok is false when the
// schedule will not run again.
func NextRun(s *Schedule, after time.Time) (next time.Time, ok bool, err error) {
	loc, err := location(s.Timezone)
	if err != nil {
		return time.Time{}, false, err
	}

	switch s.Type {
	case ScheduleTypeCron:
		sched, err := ParseCron(s.Expression)
		if err != nil {
			return time.Time{}, false, err
		}
		return sched.Next(after.In(loc)).UTC(), true, nil

	case ScheduleTypeInterval:
		d, err := ParseInterval(s.Expression)
		if err != nil {
			return time.Time{}, false, err
		}
		return after.Add(d).UTC(), true, nil

	case ScheduleTypeOneTime:
		if s.LastRun != nil {
			return time.Time{}, false, nil
		}
		at, err := ParseOneTime(s.Expression)
		if err != nil {
			return time.Time{}, false, err
		}
		return at.UTC(), true, nil

	default:
		return time.Time{}, false, failure.New(failure.ValidationError, "unknown schedule type %q", s.Type)
	}
}
