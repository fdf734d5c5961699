package pricing

import (
	"math"

	"github.com/warp/settlement-engine/generic"
)

// MonthCounter turns a contract span into a number of billed months.
type MonthCounter interface {
	Months(start, end generic.Date) int
}

// HeuristicMonths is the legacy rule: elapsed days / 30, rounded, with spans
// under 32 days counting as one month. Feb-heavy spans can drift by a month;
// CalendarMonths avoids that.
type HeuristicMonths struct{}

func (HeuristicMonths) Months(start, end generic.Date) int {
	days := generic.DaysBetween(start, end)
	if days < 32 {
		return 1
	}
	m := int(math.Round(float64(days) / 30))
	if m < 1 {
		return 1
	}
	return m
}

// CalendarMonths counts whole calendar months in [start, end]; a trailing
// partial month counts when it covers at least half of that month.
type CalendarMonths struct{}

func (CalendarMonths) Months(start, end generic.Date) int {
	if end.Before(start) {
		return 1
	}
	months := 0
	for {
		cycleEnd := start.AddMonthsClamped(months + 1).AddDays(-1)
		if cycleEnd.After(end) {
			break
		}
		months++
	}

	partialStart := start.AddMonthsClamped(months)
	if !partialStart.After(end) {
		partial := generic.DaysBetween(partialStart, end) + 1
		monthLen := generic.DaysBetween(partialStart, start.AddMonthsClamped(months+1))
		if partial*2 >= monthLen {
			months++
		}
	}
	if months < 1 {
		return 1
	}
	return months
}

// MonthCounterFor maps the billing.month_count config value.
func MonthCounterFor(mode string) MonthCounter {
	if mode == "calendar" {
		return CalendarMonths{}
	}
	return HeuristicMonths{}
}
