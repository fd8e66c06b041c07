package calc

import (
	"github.com/stockpulse/pipeline-cli/internal/model"
)

// The window helpers compute rolling statistics over a bar history sorted
// ascending by date. An empty history is a recorded null; a history shorter
// than the window still yields a value, flagged so downstream consumers
// know it covers less ground than the field name promises.

// windowTail returns the last n bars, or all of them when fewer exist.
func windowTail(history []model.PriceBar, n int) []model.PriceBar {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

// windowMax picks the maximum of one bar dimension over the last n bars.
func windowMax(history []model.PriceBar, n int, pick func(model.PriceBar) float64) Result {
	if len(history) == 0 {
		return null(model.ReasonInsufficientHistory)
	}
	tail := windowTail(history, n)
	best := pick(tail[0])
	for _, b := range tail[1:] {
		if v := pick(b); v > best {
			best = v
		}
	}
	if len(history) < n {
		return shortWindow(round2(best))
	}
	return value(round2(best))
}

// windowMin picks the minimum of one bar dimension over the last n bars.
func windowMin(history []model.PriceBar, n int, pick func(model.PriceBar) float64) Result {
	if len(history) == 0 {
		return null(model.ReasonInsufficientHistory)
	}
	tail := windowTail(history, n)
	best := pick(tail[0])
	for _, b := range tail[1:] {
		if v := pick(b); v < best {
			best = v
		}
	}
	if len(history) < n {
		return shortWindow(round2(best))
	}
	return value(round2(best))
}

// windowMean averages one bar dimension over the last n bars.
func windowMean(history []model.PriceBar, n int, pick func(model.PriceBar) float64) Result {
	if len(history) == 0 {
		return null(model.ReasonInsufficientHistory)
	}
	tail := windowTail(history, n)
	var sum float64
	for _, b := range tail {
		sum += pick(b)
	}
	mean := round2(sum / float64(len(tail)))
	if len(history) < n {
		return shortWindow(mean)
	}
	return value(mean)
}

// trailingReturn is the percentage move of the current close against the
// close n trading days back. When the history does not reach that far the
// oldest bar stands in and the result is flagged.
func trailingReturn(history []model.PriceBar, close float64, n int) Result {
	if len(history) == 0 {
		return null(model.ReasonInsufficientHistory)
	}
	idx := len(history) - 1 - n
	short := idx < 0
	if short {
		idx = 0
	}
	base := history[idx].Close
	if base == 0 {
		return null(model.ReasonDivisionByZero)
	}
	v := round2((close - base) / base * 100)
	if short {
		return shortWindow(v)
	}
	return value(v)
}
