package metering

import "time"

// Period is a half-open billing interval [Start, End). A reservation
// timestamped exactly at End belongs to the next period.
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains returns true if t falls inside the half-open interval
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// PeriodFor calculates the billing period containing ref for the given
// billing cycle anchor day (1-31).
//
// The period starts at the most recent midnight-normalized occurrence of
// anchorDay at or before ref and ends exactly one calendar month later.
// When a month has no anchorDay (e.g. day 31 in February), the start clamps
// to the last day of that month.
func PeriodFor(anchorDay int, ref time.Time) Period {
	if anchorDay < 1 {
		anchorDay = 1
	}
	if anchorDay > 31 {
		anchorDay = 31
	}

	ref = ref.UTC()
	start := anchoredStart(ref.Year(), ref.Month(), anchorDay, ref.Location())
	if ref.Before(start) {
		// Anchor day has not arrived yet this month; period started last
		// month. Step the year/month pair back by hand: AddDate on ref
		// normalizes (Mar 30 - 1 month = Mar 2 after a 28-day February)
		// and can land back in the same month.
		y, m := ref.Year(), ref.Month()-1
		if m < time.January {
			y, m = y-1, time.December
		}
		start = anchoredStart(y, m, anchorDay, ref.Location())
	}

	return Period{Start: start, End: addCalendarMonth(start, anchorDay)}
}

// anchoredStart returns midnight on the anchor day within (year, month),
// clamped to the month's last day when the anchor day does not exist.
func anchoredStart(year int, month time.Month, anchorDay int, loc *time.Location) time.Time {
	day := anchorDay
	if last := lastDayOfMonth(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, loc)
}

// addCalendarMonth advances the period start by one calendar month, re-applying
// the anchor-day clamp so a period that started on Jan 31 ends on Feb 28/29
// rather than overflowing into March.
func addCalendarMonth(start time.Time, anchorDay int) time.Time {
	next := start.AddDate(0, 0, 32-start.Day()) // first day of next month
	return anchoredStart(next.Year(), next.Month(), anchorDay, start.Location())
}

// lastDayOfMonth returns the number of days in the given month
func lastDayOfMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
