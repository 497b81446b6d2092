package util

import (
	"time"
	_ "time/tzdata" // Embedded zoneinfo so ET resolves on minimal hosts.
)

// Eastern is the exchange time zone for US equities.
var Eastern = mustLoad("America/New_York")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// TradingCalendar provides US equity session awareness. Dates inside the
// range of an explicit session list (see NewSessionCalendar) are answered
// from that list; all other dates fall back to weekdays minus holidays.
type TradingCalendar struct {
	holidays map[string]struct{}
	sessions map[string]struct{}
	first    string
	last     string
}

// NewTradingCalendar creates a weekday calendar that treats the given
// YYYY-MM-DD dates as market holidays.
func NewTradingCalendar(holidays ...string) *TradingCalendar {
	tc := &TradingCalendar{holidays: make(map[string]struct{}, len(holidays))}
	for _, h := range holidays {
		tc.holidays[h] = struct{}{}
	}
	return tc
}

// NewSessionCalendar creates a calendar from an authoritative list of
// YYYY-MM-DD session dates, such as the broker's calendar endpoint returns.
func NewSessionCalendar(sessions []string) *TradingCalendar {
	tc := NewTradingCalendar()
	tc.sessions = make(map[string]struct{}, len(sessions))
	for _, s := range sessions {
		tc.sessions[s] = struct{}{}
		if tc.first == "" || s < tc.first {
			tc.first = s
		}
		if s > tc.last {
			tc.last = s
		}
	}
	return tc
}

// IsSession reports whether the calendar date of d is a trading session.
func (tc *TradingCalendar) IsSession(d time.Time) bool {
	key := d.Format("2006-01-02")
	if tc.sessions != nil && key >= tc.first && key <= tc.last {
		_, ok := tc.sessions[key]
		return ok
	}
	if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	_, holiday := tc.holidays[key]
	return !holiday
}

// IsLastSessionOfWeek reports whether no later trading session exists in the
// same ISO week as d.
func (tc *TradingCalendar) IsLastSessionOfWeek(d time.Time) bool {
	year, week := d.ISOWeek()
	for next := d.AddDate(0, 0, 1); ; next = next.AddDate(0, 0, 1) {
		y, w := next.ISOWeek()
		if y != year || w != week {
			return true
		}
		if tc.IsSession(next) {
			return false
		}
	}
}

// SessionOpen returns the regular-session open (09:30 ET) on the calendar
// date of d.
func (tc *TradingCalendar) SessionOpen(d time.Time) time.Time {
	e := d.In(Eastern)
	return time.Date(e.Year(), e.Month(), e.Day(), 9, 30, 0, 0, Eastern)
}

// IsMarketOpen returns whether the regular session (09:30-16:00 ET) is open
// at time t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	e := t.In(Eastern)
	if !tc.IsSession(time.Date(e.Year(), e.Month(), e.Day(), 0, 0, 0, 0, time.UTC)) {
		return false
	}
	open := tc.SessionOpen(e)
	close := time.Date(e.Year(), e.Month(), e.Day(), 16, 0, 0, 0, Eastern)
	return !e.Before(open) && e.Before(close)
}

// TradingDate returns the ET calendar date of t as YYYY-MM-DD.
func TradingDate(t time.Time) string {
	return t.In(Eastern).Format("2006-01-02")
}
