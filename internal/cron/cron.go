// Package cron schedules prompt-injection jobs. A job's schedule is
// either a five-field cron expression (recurring) or an RFC3339
// timestamp (one-time). Firing builds a synthetic inbound event with
// the system author and hands it to the dispatcher like any other
// message.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CronExpr is a parsed five-field expression: minute, hour,
// day-of-month, month, day-of-week.
type CronExpr struct {
	minute     cronField
	hour       cronField
	dayOfMonth cronField
	month      cronField
	dayOfWeek  cronField
}

// ParseCronExpr parses "m h dom mon dow" with *, */step, ranges and
// comma lists.
func ParseCronExpr(expr string) (CronExpr, error) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 5 {
		return CronExpr{}, fmt.Errorf("cron expression needs 5 fields, got %d", len(fields))
	}

	specs := []struct {
		name string
		raw  string
		min  int
		max  int
		dst  *cronField
	}{
		{"minute", fields[0], 0, 59, nil},
		{"hour", fields[1], 0, 23, nil},
		{"day-of-month", fields[2], 1, 31, nil},
		{"month", fields[3], 1, 12, nil},
		{"day-of-week", fields[4], 0, 6, nil},
	}

	var parsed CronExpr
	specs[0].dst = &parsed.minute
	specs[1].dst = &parsed.hour
	specs[2].dst = &parsed.dayOfMonth
	specs[3].dst = &parsed.month
	specs[4].dst = &parsed.dayOfWeek

	for _, spec := range specs {
		field, err := parseCronField(spec.raw, spec.min, spec.max)
		if err != nil {
			return CronExpr{}, fmt.Errorf("invalid %s field: %w", spec.name, err)
		}
		*spec.dst = field
	}
	return parsed, nil
}

// Matches reports whether t falls on the expression. Day-of-month and
// day-of-week combine with OR when both are restricted, per the
// traditional crontab rule.
func (e CronExpr) Matches(t time.Time) bool {
	if !e.minute.matches(t.Minute()) || !e.hour.matches(t.Hour()) || !e.month.matches(int(t.Month())) {
		return false
	}

	domMatch := e.dayOfMonth.matches(t.Day())
	dowMatch := e.dayOfWeek.matches(int(t.Weekday()))
	switch {
	case e.dayOfMonth.any:
		return dowMatch
	case e.dayOfWeek.any:
		return domMatch
	default:
		return domMatch || dowMatch
	}
}

// cronField is a set of allowed values held in a bitmask; every cron
// field fits in 64 bits.
type cronField struct {
	min  int
	max  int
	any  bool
	mask uint64
}

func (f cronField) matches(value int) bool {
	if value < f.min || value > f.max {
		return false
	}
	return f.mask&(1<<uint(value-f.min)) != 0
}

func (f *cronField) set(value int) {
	f.mask |= 1 << uint(value-f.min)
}

func parseCronField(raw string, min, max int) (cronField, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return cronField{}, fmt.Errorf("empty field")
	}

	field := cronField{min: min, max: max}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return cronField{}, fmt.Errorf("empty list item")
		}
		if err := parseCronPart(&field, part); err != nil {
			return cronField{}, err
		}
	}
	if field.mask == 0 {
		return cronField{}, fmt.Errorf("no values matched")
	}
	return field, nil
}

func parseCronPart(field *cronField, part string) error {
	switch {
	case part == "*":
		field.any = true
		for value := field.min; value <= field.max; value++ {
			field.set(value)
		}
	case strings.HasPrefix(part, "*/"):
		step, err := strconv.Atoi(strings.TrimPrefix(part, "*/"))
		if err != nil || step <= 0 {
			return fmt.Errorf("invalid step %q", part)
		}
		for value := field.min; value <= field.max; value += step {
			field.set(value)
		}
	case strings.Contains(part, "-"):
		start, end, ok := strings.Cut(part, "-")
		if !ok {
			return fmt.Errorf("invalid range %q", part)
		}
		from, err := strconv.Atoi(strings.TrimSpace(start))
		if err != nil {
			return fmt.Errorf("invalid range start %q", part)
		}
		to, err := strconv.Atoi(strings.TrimSpace(end))
		if err != nil {
			return fmt.Errorf("invalid range end %q", part)
		}
		if from > to {
			return fmt.Errorf("range start after end in %q", part)
		}
		if from < field.min || to > field.max {
			return fmt.Errorf("range %q out of bounds %d-%d", part, field.min, field.max)
		}
		for value := from; value <= to; value++ {
			field.set(value)
		}
	default:
		value, err := strconv.Atoi(part)
		if err != nil {
			return fmt.Errorf("invalid value %q", part)
		}
		if value < field.min || value > field.max {
			return fmt.Errorf("value %d out of bounds %d-%d", value, field.min, field.max)
		}
		field.set(value)
	}
	return nil
}

// Schedule is either a recurring cron expression or a one-time
// absolute timestamp.
type Schedule struct {
	expr *CronExpr
	at   time.Time
}

// ParseSchedule accepts a cron expression or an RFC3339 timestamp.
func ParseSchedule(raw string) (Schedule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Schedule{}, fmt.Errorf("schedule is required")
	}

	if at, err := time.Parse(time.RFC3339, raw); err == nil {
		return Schedule{at: at}, nil
	}
	expr, err := ParseCronExpr(raw)
	if err != nil {
		return Schedule{}, fmt.Errorf("schedule is neither RFC3339 nor cron: %w", err)
	}
	return Schedule{expr: &expr}, nil
}

// OneTime reports whether the schedule fires once at an absolute time.
func (s Schedule) OneTime() bool {
	return s.expr == nil
}

// At returns the one-time fire timestamp; zero for recurring schedules.
func (s Schedule) At() time.Time {
	return s.at
}

// Due reports whether the schedule should fire at now. One-time
// schedules stay due from their timestamp on; the scheduler removes
// them after the first fire.
func (s Schedule) Due(now time.Time) bool {
	if s.OneTime() {
		return !now.Before(s.at)
	}
	return s.expr.Matches(now)
}
