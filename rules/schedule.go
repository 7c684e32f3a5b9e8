package rules

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a five-field cron expression or a descriptor such
// as "@hourly".
func ParseSchedule(expr string) (cron.Schedule, error) {
	s, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return s, nil
}

// Due reports whether a schedule has a fire time in (last, now]. A schedule
// that never ran is due at its first fire time after created.
func Due(s cron.Schedule, last, now time.Time) bool {
	next := s.Next(last)
	return !next.IsZero() && !next.After(now)
}
