package dag

import (
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ManualSchedule marks a DAG that only runs when triggered explicitly.
const ManualSchedule = "manual"

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule is a parsed recurrence expression.
// The zero value is a manual schedule.
type Schedule struct {
	expr     string
	schedule cron.Schedule
}

// ParseSchedule parses a 5-field cron expression, a descriptor such as "@daily",
// or "manual". An empty expression is treated as manual.
func ParseSchedule(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" || expr == ManualSchedule {
		return Schedule{expr: ManualSchedule}, nil
	}

	s, err := parser.Parse(expr)
	if err != nil {
		return Schedule{}, errors.Join(ErrInvalidSchedule, err)
	}
	return Schedule{expr: expr, schedule: s}, nil
}

// IsManual reports whether the schedule never fires on its own.
func (s Schedule) IsManual() bool {
	return s.schedule == nil
}

// Next returns the first tick strictly after t. Manual schedules return the zero time.
func (s Schedule) Next(t time.Time) time.Time {
	if s.schedule == nil {
		return time.Time{}
	}
	return s.schedule.Next(t)
}

// String returns the expression the schedule was parsed from.
func (s Schedule) String() string {
	if s.expr == "" {
		return ManualSchedule
	}
	return s.expr
}
