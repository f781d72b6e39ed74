// Package cronspec evaluates standard 5-field cron expressions
// (minute hour day-of-month month day-of-week).
//
// Parsing and matching are delegated to robfig/cron with a strict parser:
// no seconds field, no descriptors (@hourly), no CRON_TZ prefix. Field
// values outside their domain are rejected, never clamped.
package cronspec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrInvalidSchedule = errors.New("invalid schedule")
	// ErrNoMatch is returned by Next when the expression can never match
	// (e.g. "0 0 30 2 *").
	ErrNoMatch = errors.New("schedule never matches")
)

// ScheduleError describes why an expression was rejected.
type ScheduleError struct {
	Expr  string
	Field string // empty when the error is not field specific
	Msg   string
	Err   error
}

func (e *ScheduleError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid schedule %q: %s: %s", e.Expr, e.Field, e.Msg)
	}
	return fmt.Sprintf("invalid schedule %q: %s", e.Expr, e.Msg)
}

func (e *ScheduleError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidSchedule, e.Err}
	}
	return []error{ErrInvalidSchedule}
}

type fieldBounds struct {
	name     string
	min, max int
}

var fields = [5]fieldBounds{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Schedule is a parsed cron expression.
type Schedule struct {
	expr  string
	sched cron.Schedule
}

// String returns the normalized expression (single spaces).
func (s Schedule) String() string { return s.expr }

// Parse validates expr and returns a Schedule.
func Parse(expr string) (Schedule, error) {
	raw := expr
	parts := strings.Fields(expr)
	if len(parts) == 0 {
		return Schedule{}, &ScheduleError{Expr: raw, Msg: "schedule required"}
	}
	if strings.HasPrefix(parts[0], "@") {
		return Schedule{}, &ScheduleError{Expr: raw, Msg: "descriptors are not supported"}
	}
	if strings.Contains(parts[0], "TZ=") {
		return Schedule{}, &ScheduleError{Expr: raw, Msg: "timezone prefixes are not supported"}
	}
	if len(parts) != len(fields) {
		return Schedule{}, &ScheduleError{Expr: raw, Msg: fmt.Sprintf("expected 5 fields, got %d", len(parts))}
	}
	for i, p := range parts {
		if err := checkField(p, fields[i]); err != nil {
			return Schedule{}, &ScheduleError{Expr: raw, Field: fields[i].name, Msg: err.Error()}
		}
	}
	norm := strings.Join(parts, " ")
	sched, err := parser.Parse(norm)
	if err != nil {
		return Schedule{}, &ScheduleError{Expr: raw, Msg: err.Error(), Err: err}
	}
	return Schedule{expr: norm, sched: sched}, nil
}

// MustParse is Parse for expressions known to be valid (tests, constants).
func MustParse(expr string) Schedule {
	s, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate reports whether expr is a valid 5-field schedule.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

// Next returns the first matching time strictly after from, truncated to
// the minute, in from's location.
func (s Schedule) Next(from time.Time) (time.Time, error) {
	if s.sched == nil {
		return time.Time{}, &ScheduleError{Expr: s.expr, Msg: "schedule not parsed"}
	}
	next := s.sched.Next(from)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q", ErrNoMatch, s.expr)
	}
	return next, nil
}

// Upcoming returns the next n matching times after from, strictly increasing.
func (s Schedule) Upcoming(from time.Time, n int) ([]time.Time, error) {
	if n <= 0 {
		return nil, nil
	}
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		next, err := s.Next(t)
		if err != nil {
			return out, err
		}
		out = append(out, next)
		t = next
	}
	return out, nil
}

// Next parses expr and returns its next run time after from.
func Next(from time.Time, expr string) (time.Time, error) {
	s, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(from)
}

// checkField validates the numeric parts of one field against its domain.
// Named values (JAN, MON) are left to the cron parser.
func checkField(field string, b fieldBounds) error {
	for _, item := range strings.Split(field, ",") {
		if item == "" {
			return errors.New("empty list item")
		}
		rng := item
		if i := strings.IndexByte(item, '/'); i >= 0 {
			rng = item[:i]
			step, err := strconv.Atoi(item[i+1:])
			if err != nil || step <= 0 {
				return fmt.Errorf("invalid step in %q", item)
			}
		}
		if rng == "*" || rng == "?" {
			continue
		}
		lo, hi := rng, rng
		if i := strings.IndexByte(rng, '-'); i >= 0 {
			lo, hi = rng[:i], rng[i+1:]
		}
		l, lerr := strconv.Atoi(lo)
		h, herr := strconv.Atoi(hi)
		if lerr != nil || herr != nil {
			if isName(lo) && isName(hi) {
				continue
			}
			return fmt.Errorf("invalid value %q", item)
		}
		if l < b.min || h > b.max || l > h {
			return fmt.Errorf("invalid interval [%d-%d], must be %d<=_<=%d", l, h, b.min, b.max)
		}
	}
	return nil
}

func isName(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

// Upcoming parses expr and returns its next n run times after from.
func Upcoming(from time.Time, expr string, n int) ([]time.Time, error) {
	s, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	return s.Upcoming(from, n)
}
