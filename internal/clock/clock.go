// Package clock holds the operational calendar: the daily cutover instant all
// solver time offsets are measured from, and the local-day rule that decides
// which ledgers are today's.
package clock

import (
	"fmt"
	"time"
)

type Clock interface {
	Now() time.Time
}

type System struct{}

func (System) Now() time.Time { return time.Now() }

// Fixed always returns the same instant. Handy in tests.
type Fixed time.Time

func (f Fixed) Now() time.Time { return time.Time(f) }

type Calendar struct {
	Clock Clock
	// DayStart is the offset from UTC midnight of the operational start of day.
	DayStart time.Duration
	// Zone is the local timezone used for the "today" rule.
	Zone *time.Location
}

const planDateLayout = "2006-01-02"

func NewCalendar(c Clock, dayStart time.Duration, zone *time.Location) Calendar {
	if c == nil {
		c = System{}
	}
	if zone == nil {
		zone = time.UTC
	}
	return Calendar{Clock: c, DayStart: dayStart, Zone: zone}
}

func (c Calendar) Now() time.Time { return c.Clock.Now() }

// DayStartAt returns the cutover instant on the UTC date of t.
func (c Calendar) DayStartAt(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(c.DayStart)
}

// SecondsSinceDayStart truncates toward zero like the solver expects.
func (c Calendar) SecondsSinceDayStart(t time.Time) int {
	return int(t.Sub(c.DayStartAt(c.Now())).Seconds())
}

// PlanDate is the local calendar date of t.
func (c Calendar) PlanDate(t time.Time) string {
	return t.In(c.Zone).Format(planDateLayout)
}

func (c Calendar) Today() string { return c.PlanDate(c.Now()) }

// SameDay reports whether ts falls on today's local date.
func (c Calendar) SameDay(ts time.Time) bool {
	return c.PlanDate(ts) == c.Today()
}

// ParseDayStart reads "HH:MM" as an offset from midnight.
func ParseDayStart(v string) (time.Duration, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("day start %q: %w", v, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
