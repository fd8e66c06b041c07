package source

import (
	"time"

	"github.com/stockpulse/pipeline-cli/internal/model"
)

// Due reports whether something refreshed at the given cadence needs a new
// fetch. The scheduler applies it per source, the orchestrator per field.
// A nil lastSuccess always means due.
func Due(c model.Cadence, now time.Time, lastSuccess *time.Time) bool {
	if lastSuccess == nil {
		return true
	}
	switch c {
	case model.CadenceRealTime, model.CadenceOnEvent:
		// Real-time and event-driven fields refresh on every tick; the
		// adapters keep the actual traffic cheap with conditional fetches.
		return true
	case model.CadenceWeekly:
		return lastSuccess.Before(weekStart(now))
	case model.CadenceMonthly:
		return lastSuccess.Before(monthStart(now))
	case model.CadenceQuarterly:
		return QuarterlyAfterLag(now, lastSuccess, 0)
	case model.CadenceAnnual:
		return lastSuccess.Before(yearStart(now))
	default:
		return lastSuccess.Before(dayStart(now))
	}
}

// QuarterlyAfterLag reports whether a quarterly drop that becomes
// available lagDays after quarter end needs a fetch. It returns false
// while the newest completed quarter is still inside its publication lag
// and the previous quarter was already fetched.
func QuarterlyAfterLag(now time.Time, lastSuccess *time.Time, lagDays int) bool {
	if lastSuccess == nil {
		return true
	}
	qEnd := model.MostRecentQuarterEnd(now)
	available := qEnd.AddDate(0, 0, lagDays)
	if now.Before(available) {
		qEnd = model.MostRecentQuarterEnd(qEnd.AddDate(0, 0, -1))
		available = qEnd.AddDate(0, 0, lagDays)
		if now.Before(available) {
			return false
		}
	}
	return lastSuccess.Before(available)
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// weekStart returns midnight on Monday of t's ISO week.
func weekStart(t time.Time) time.Time {
	weekday := int(t.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	return time.Date(t.Year(), t.Month(), t.Day()-(weekday-1), 0, 0, 0, 0, time.UTC)
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func yearStart(t time.Time) time.Time {
	return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
}
