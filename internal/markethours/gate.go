// Package markethours decides whether the simulated market is open.
//
// The market opens at a fixed local hour on weekdays and stays open until
// midnight; there is no closing hour. Weekends are closed all day.
package markethours

import (
	"time"
	_ "time/tzdata" // zone database must not depend on the host
)

// DefaultTimezone and DefaultOpenHour describe the stock simulator's gate:
// weekdays from 1:00 PM Pacific.
const (
	DefaultTimezone = "America/Los_Angeles"
	DefaultOpenHour = 13
)

// Clock abstracts wall-clock time so the gate can be tested deterministically.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the real wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// FixedClock returns a clock stuck at t.
func FixedClock(t time.Time) Clock {
	return ClockFunc(func() time.Time { return t })
}

// Gate is a pure function of time; it holds no state beyond configuration.
type Gate struct {
	loc      *time.Location
	openHour int
}

// NewGate builds a gate for the given zone and opening hour (0-23).
// Out-of-range hours are clamped.
func NewGate(loc *time.Location, openHour int) *Gate {
	if loc == nil {
		loc = time.UTC
	}
	if openHour < 0 {
		openHour = 0
	}
	if openHour > 23 {
		openHour = 23
	}
	return &Gate{loc: loc, openHour: openHour}
}

// LoadGate resolves an IANA zone name and builds a gate.
func LoadGate(zone string, openHour int) (*Gate, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, err
	}
	return NewGate(loc, openHour), nil
}

// Location returns the gate's trading timezone.
func (g *Gate) Location() *time.Location { return g.loc }

// OpenHour returns the local opening hour.
func (g *Gate) OpenHour() int { return g.openHour }

// IsOpen reports whether the market is open at now.
func (g *Gate) IsOpen(now time.Time) bool {
	local := now.In(g.loc)
	if isWeekend(local.Weekday()) {
		return false
	}
	return local.Hour() >= g.openHour
}

// NextOpen returns the next opening instant strictly after now. A weekday
// before today's open yields today's open; anything else advances day by day
// to the next weekday.
func (g *Gate) NextOpen(now time.Time) time.Time {
	local := now.In(g.loc)
	next := g.openOn(local.Year(), local.Month(), local.Day())

	if !isWeekend(local.Weekday()) && next.After(local) {
		return next
	}

	y, m, d := local.Date()
	for {
		d++
		next = g.openOn(y, m, d)
		if !isWeekend(next.Weekday()) {
			return next
		}
	}
}

// Status is a snapshot of the gate for display.
type Status struct {
	Open     bool      `json:"open"`
	NextOpen time.Time `json:"next_open"`
}

// Status evaluates the gate at now.
func (g *Gate) Status(now time.Time) Status {
	return Status{Open: g.IsOpen(now), NextOpen: g.NextOpen(now)}
}

// openOn normalizes overflowing days through time.Date, which keeps the wall
// clock hour correct across DST changes.
func (g *Gate) openOn(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, g.openHour, 0, 0, 0, g.loc)
}

func isWeekend(d time.Weekday) bool {
	return d == time.Saturday || d == time.Sunday
}
