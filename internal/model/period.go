package model

import (
	"fmt"
	"time"
)

// PeriodFor returns the canonical period key a value observed at the given
// instant belongs to. Keys sort lexically in chronological order within a
// cadence, so history windows can be ordered by the string itself.
func PeriodFor(c Cadence, now time.Time) string {
	switch c {
	case CadenceWeekly:
		year, week := now.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case CadenceMonthly:
		return now.Format("2006-01")
	case CadenceQuarterly:
		end := MostRecentQuarterEnd(now)
		return fmt.Sprintf("%04dQ%d", end.Year(), (int(end.Month())-1)/3+1)
	case CadenceAnnual:
		return fmt.Sprintf("%04d", now.Year()-1)
	}
	// real_time, daily, on_event all key on the calendar date.
	return now.Format("2006-01-02")
}

// MostRecentQuarterEnd returns the last calendar quarter boundary at or
// before the given instant.
func MostRecentQuarterEnd(now time.Time) time.Time {
	year := now.Year()
	ends := []time.Time{
		time.Date(year, time.March, 31, 0, 0, 0, 0, time.UTC),
		time.Date(year, time.June, 30, 0, 0, 0, 0, time.UTC),
		time.Date(year, time.September, 30, 0, 0, 0, 0, time.UTC),
		time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC),
	}
	var latest time.Time
	for _, end := range ends {
		if !end.After(now) && end.After(latest) {
			latest = end
		}
	}
	if latest.IsZero() {
		return time.Date(year-1, time.December, 31, 0, 0, 0, 0, time.UTC)
	}
	return latest
}

// PrevQuarter returns the quarterly period key n quarters before the given
// one. It returns "" if the key does not parse.
func PrevQuarter(period string, n int) string {
	var year, q int
	if _, err := fmt.Sscanf(period, "%dQ%d", &year, &q); err != nil {
		return ""
	}
	q -= n
	for q < 1 {
		q += 4
		year--
	}
	return fmt.Sprintf("%04dQ%d", year, q)
}
