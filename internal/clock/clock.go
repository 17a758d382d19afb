// Package clock isolates "now" and U.S. equity trading-day arithmetic
// behind an interface, so every consumer takes a Clock instead of reading
// the OS clock directly — a live path and a backtest path can then share
// identical code.
package clock

import (
	"sort"
	"time"
)

// Eastern is the trading venue's time zone. Loaded once at package init;
// DST transitions are resolved by the zone database. Callers convert once
// on ingestion and keep both the source and Eastern timestamps rather
// than re-converting repeatedly.
var Eastern = mustLoadLocation("America/New_York")

// mustLoadLocation loads a *time.Location as a var initializer (rather than
// inside a func init()) so that package-level vars whose initializers
// reference Eastern (e.g. at13) are ordered after it by the compiler's
// initialization-dependency analysis.
func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		// The tzdata database ships with the Go toolchain's zoneinfo.zip
		// fallback; a missing entry here means a broken host, not a
		// recoverable condition.
		panic("clock: " + name + " zone unavailable: " + err.Error())
	}
	return loc
}

// Clock is injected into every component that needs "now" or calendar
// arithmetic, so backtests can drive it deterministically.
type Clock interface {
	NowEastern() time.Time
	ToEastern(t time.Time) time.Time
	IsTradingDay(day time.Time) bool
	AddTradingDays(day time.Time, n int) time.Time
	SessionOpen(day time.Time) time.Time
	SessionClose(day time.Time) time.Time
}

// RealClock reads the OS clock and uses the built-in NYSE calendar.
type RealClock struct {
	Calendar *Calendar
}

// NewRealClock builds a RealClock over the default NYSE calendar.
func NewRealClock() *RealClock {
	return &RealClock{Calendar: NewNYSECalendar()}
}

func (c *RealClock) NowEastern() time.Time { return time.Now().In(Eastern) }

func (c *RealClock) ToEastern(t time.Time) time.Time { return t.In(Eastern) }

func (c *RealClock) IsTradingDay(day time.Time) bool { return c.Calendar.IsTradingDay(day) }

func (c *RealClock) AddTradingDays(day time.Time, n int) time.Time {
	return c.Calendar.AddTradingDays(day, n)
}

func (c *RealClock) SessionOpen(day time.Time) time.Time { return c.Calendar.SessionOpen(day) }

func (c *RealClock) SessionClose(day time.Time) time.Time { return c.Calendar.SessionClose(day) }

// SimClock is driven externally by a backtest stepping driver: every read
// returns whatever `current` last advanced to.
type SimClock struct {
	Calendar *Calendar
	current  time.Time
}

// NewSimClock starts the clock at start (interpreted as Eastern already).
func NewSimClock(start time.Time, cal *Calendar) *SimClock {
	return &SimClock{Calendar: cal, current: start.In(Eastern)}
}

func (c *SimClock) NowEastern() time.Time { return c.current }

func (c *SimClock) ToEastern(t time.Time) time.Time { return t.In(Eastern) }

func (c *SimClock) IsTradingDay(day time.Time) bool { return c.Calendar.IsTradingDay(day) }

func (c *SimClock) AddTradingDays(day time.Time, n int) time.Time {
	return c.Calendar.AddTradingDays(day, n)
}

func (c *SimClock) SessionOpen(day time.Time) time.Time { return c.Calendar.SessionOpen(day) }

func (c *SimClock) SessionClose(day time.Time) time.Time { return c.Calendar.SessionClose(day) }

// Advance moves the simulated clock forward to t (Eastern-interpreted).
// The backtest driver is the only caller; the position monitor and
// strategy never mutate the clock themselves.
func (c *SimClock) Advance(t time.Time) { c.current = t.In(Eastern) }

// Calendar recognizes the NYSE trading calendar: weekends, a fixed table
// of full-day holidays, and early closes ("half days").
type Calendar struct {
	holidays  map[string]bool // YYYY-MM-DD (Eastern) -> full closure
	halfDays  map[string]time.Time // YYYY-MM-DD -> early close time-of-day (Eastern)
}

// NewNYSECalendar returns a calendar seeded with the standard NYSE holiday
// schedule for the years the engine is expected to run against
// (extend the tables below as years roll forward).
func NewNYSECalendar() *Calendar {
	holidays := map[string]bool{
		"2024-01-01": true, "2024-01-15": true, "2024-02-19": true,
		"2024-03-29": true, "2024-05-27": true, "2024-06-19": true,
		"2024-07-04": true, "2024-09-02": true, "2024-11-28": true,
		"2024-12-25": true,
		"2025-01-01": true, "2025-01-09": true, "2025-01-20": true,
		"2025-02-17": true, "2025-04-18": true, "2025-05-26": true,
		"2025-06-19": true, "2025-07-04": true, "2025-09-01": true,
		"2025-11-27": true, "2025-12-25": true,
		"2026-01-01": true, "2026-01-19": true, "2026-02-16": true,
		"2026-04-03": true, "2026-05-25": true, "2026-06-19": true,
		"2026-07-03": true, "2026-09-07": true, "2026-11-26": true,
		"2026-12-25": true,
	}
	halfDays := map[string]time.Time{
		"2024-07-03": at13,
		"2024-11-29": at13,
		"2024-12-24": at13,
		"2025-07-03": at13,
		"2025-11-28": at13,
		"2025-12-24": at13,
	}
	return &Calendar{holidays: holidays, halfDays: halfDays}
}

// at13 is a template time-of-day (1:00pm Eastern), only its Hour/Minute
// are consulted by SessionClose.
var at13 = time.Date(0, 1, 1, 13, 0, 0, 0, Eastern)

func dateKey(t time.Time) string { return t.In(Eastern).Format("2006-01-02") }

// IsTradingDay reports whether day is a Monday-Friday, non-holiday session.
func (c *Calendar) IsTradingDay(day time.Time) bool {
	d := day.In(Eastern)
	if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		return false
	}
	return !c.holidays[dateKey(d)]
}

// AddTradingDays returns the date n trading sessions after day (n may be
// negative). day itself does not count as one of the n steps.
func (c *Calendar) AddTradingDays(day time.Time, n int) time.Time {
	d := day.In(Eastern)
	step := 1
	if n < 0 {
		step = -1
		n = -n
	}
	for n > 0 {
		d = d.AddDate(0, 0, step)
		if c.IsTradingDay(d) {
			n--
		}
	}
	return d
}

// SessionOpen returns 09:30 Eastern on day.
func (c *Calendar) SessionOpen(day time.Time) time.Time {
	d := day.In(Eastern)
	return time.Date(d.Year(), d.Month(), d.Day(), 9, 30, 0, 0, Eastern)
}

// SessionClose returns 16:00 Eastern on day, or the half-day close time
// when day is a scheduled early close.
func (c *Calendar) SessionClose(day time.Time) time.Time {
	d := day.In(Eastern)
	key := dateKey(d)
	if hd, ok := c.halfDays[key]; ok {
		return time.Date(d.Year(), d.Month(), d.Day(), hd.Hour(), hd.Minute(), 0, 0, Eastern)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), 16, 0, 0, 0, Eastern)
}

// CountTradingDaysBetween counts trading sessions in (from, to]: from
// itself is excluded and to is included, matching the Market Gateway contract's
// count_trading_days_between.
func (c *Calendar) CountTradingDaysBetween(from, to time.Time) int {
	if !to.After(from) {
		return 0
	}
	count := 0
	d := from.In(Eastern)
	for {
		d = d.AddDate(0, 0, 1)
		if d.After(to) {
			break
		}
		if c.IsTradingDay(d) {
			count++
		}
	}
	return count
}

// SortedHolidays is a convenience for tests that want a stable list.
func (c *Calendar) SortedHolidays() []string {
	out := make([]string, 0, len(c.holidays))
	for k := range c.holidays {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
