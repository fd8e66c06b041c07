package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPeriodFor(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, time.August, 22, 14, 30, 0, 0, time.UTC)

	assert.Equal(t, "2026-08-22", PeriodFor(CadenceDaily, now))
	assert.Equal(t, "2026-08-22", PeriodFor(CadenceRealTime, now))
	assert.Equal(t, "2026-08-22", PeriodFor(CadenceOnEvent, now))
	assert.Equal(t, "2026-08", PeriodFor(CadenceMonthly, now))
	assert.Equal(t, "2026-W34", PeriodFor(CadenceWeekly, now))
	assert.Equal(t, "2026Q2", PeriodFor(CadenceQuarterly, now))
	assert.Equal(t, "2025", PeriodFor(CadenceAnnual, now))
}

func TestPeriodKeysSortChronologically(t *testing.T) {
	t.Parallel()

	// Lexical order must match calendar order so history windows can sort
	// on the raw string.
	assert.Less(t, "2025Q4", "2026Q1")
	assert.Less(t, PeriodFor(CadenceWeekly, time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)),
		PeriodFor(CadenceWeekly, time.Date(2026, 11, 2, 0, 0, 0, 0, time.UTC)))
}

func TestMostRecentQuarterEnd(t *testing.T) {
	t.Parallel()

	tests := []struct {
		now  time.Time
		want time.Time
	}{
		{time.Date(2026, 8, 22, 0, 0, 0, 0, time.UTC), time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC), time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MostRecentQuarterEnd(tt.now), "now=%s", tt.now)
	}
}

func TestPrevQuarter(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "2026Q1", PrevQuarter("2026Q2", 1))
	assert.Equal(t, "2025Q2", PrevQuarter("2026Q2", 4))
	assert.Equal(t, "2024Q4", PrevQuarter("2026Q2", 6))
	assert.Equal(t, "", PrevQuarter("garbage", 1))
}

func TestObservationFloat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value  any
		want   float64
		wantOK bool
	}{
		{42.5, 42.5, true},
		{int64(7), 7, true},
		{"1234.56", 1234.56, true},
		{"not a number", 0, false},
		{nil, 0, false},
		{true, 0, false},
	}
	for _, tt := range tests {
		o := Observation{Value: tt.value}
		got, ok := o.Float()
		assert.Equal(t, tt.wantOK, ok, "value=%v", tt.value)
		if ok {
			assert.Equal(t, tt.want, got)
		}
	}
}
