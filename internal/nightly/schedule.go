// Package nightly runs the audit maintenance job on a daily schedule:
// verify the chain, archive, purge, then write a compliance report.
//
// The schedule and the clock are injected so the orchestration can be
// driven by tests, and a lease row in the shared database ensures only one
// process runs the job per tick.
package nightly

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Clock is the time source of the runner.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Daily fires once a day at a fixed local time.
type Daily struct {
	Hour, Minute int
	Location     *time.Location
}

// ParseDaily parses "HH:MM" in the named time zone ("" or "Local" for the
// process zone).
func ParseDaily(at, tz string) (Daily, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(at), ":")
	if !ok {
		return Daily{}, fmt.Errorf("invalid daily time %q: want HH:MM", at)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return Daily{}, fmt.Errorf("invalid daily time %q: bad hour", at)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return Daily{}, fmt.Errorf("invalid daily time %q: bad minute", at)
	}

	loc := time.Local
	if tz != "" && tz != "Local" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return Daily{}, fmt.Errorf("invalid time zone %q: %w", tz, err)
		}
	}
	return Daily{Hour: h, Minute: m, Location: loc}, nil
}

// Next returns the first firing time strictly after t.
func (d Daily) Next(t time.Time) time.Time {
	loc := d.Location
	if loc == nil {
		loc = time.Local
	}
	local := t.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), d.Hour, d.Minute, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, d.Hour, d.Minute, 0, 0, loc)
	}
	return next
}

func (d Daily) String() string {
	name := "Local"
	if d.Location != nil {
		name = d.Location.String()
	}
	return fmt.Sprintf("daily at %02d:%02d %s", d.Hour, d.Minute, name)
}
