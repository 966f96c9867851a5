package compute

import (
	"fmt"
	"time"
)

// Lookback bounds: how many candidate dates each historic range considers,
// counting the reference period itself.
const (
	AnnualLookback  = 10
	MonthlyLookback = 12
)

// Date is a calendar date without time of day or zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar date of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// String formats d as YYYY-MM-DD.
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Valid reports whether d exists in the Gregorian calendar.
func (d Date) Valid() bool {
	if d.Month < time.January || d.Month > time.December {
		return false
	}
	return d.Day >= 1 && d.Day <= daysIn(d.Year, d.Month)
}

// Start returns local midnight at the beginning of d.
func (d Date) Start(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// End returns local midnight at the beginning of the following day, the
// exclusive upper bound of d. On DST transition days the window is 23 or 25
// hours long.
func (d Date) End(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day+1, 0, 0, 0, 0, loc)
}

// Lookback returns the number of periods r reaches back, or 0 for an unknown
// range.
func (r HistoricRange) Lookback() int {
	switch r {
	case RangeAnnual:
		return AnnualLookback
	case RangeMonthly:
		return MonthlyLookback
	}
	return 0
}

// TargetDates returns the dates matching ref under r, most recent first.
//
// Offset i subtracts i years (annual) or i months (monthly) from ref's
// year/month and keeps ref's day. Candidates whose day does not exist in
// that month (Feb 29 outside leap years, the 31st of a 30-day month) are
// dropped rather than clamped, so the result may be shorter than the
// lookback but never contains a substituted date.
func TargetDates(ref time.Time, r HistoricRange) []Date {
	n := r.Lookback()
	if n == 0 {
		return nil
	}
	base := DateOf(ref)
	out := make([]Date, 0, n)

	for i := 0; i < n; i++ {
		d := base
		switch r {
		case RangeAnnual:
			d.Year -= i
		case RangeMonthly:
			idx := base.Year*12 + int(base.Month-time.January) - i
			d.Year, d.Month = idx/12, time.Month(idx%12)+time.January
		}
		if d.Valid() {
			out = append(out, d)
		}
	}
	return out
}

// daysIn returns the number of days in month of year.
func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
