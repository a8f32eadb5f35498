package trigger

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule yields the next firing time after a given instant.
type Schedule interface {
	Next(after time.Time) time.Time
}

var standardParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseSchedule parses a five-field cron expression evaluated in timezone.
// An empty timezone means UTC.
func ParseSchedule(expression, timezone string) (Schedule, error) {
	sched, err := standardParser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse cron: %w", err)
	}

	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	return &schedule{sched: sched, loc: loc}, nil
}

type schedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (s *schedule) Next(after time.Time) time.Time {
	return s.sched.Next(after.In(s.loc))
}
