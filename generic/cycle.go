package generic

// =============================================================================
// BILLING CYCLES - Day-of-month anchored periods
// =============================================================================

// FirstCycleEnd is the end of the opening period of a contract starting on
// start: the day before next month's billing day.
//
//	start 2025-03-10, billing day 25 -> 2025-04-24
//	start 2025-03-25, billing day 25 -> 2025-04-24 (a full cycle)
//	start 2025-01-31, billing day 31 -> 2025-02-27
func FirstCycleEnd(start Date, billingDay int) Date {
	next := start.AddMonthsClamped(1)
	return DayInMonth(next.Year(), next.Month(), billingDay).AddDays(-1)
}

// NextCycle returns the billing cycle starting the day after prevEnd.
// The new cycle ends the day before the following month's billing day.
func NextCycle(prevEnd Date, billingDay int) Period {
	start := prevEnd.AddDays(1)
	next := DayInMonth(start.Year(), start.Month(), 1).AddMonthsClamped(1)
	end := DayInMonth(next.Year(), next.Month(), billingDay).AddDays(-1)
	return Period{Start: start, End: end}
}

// IsFullCycle reports whether p starts on a billing day and runs to the day
// before the next one.
func IsFullCycle(p Period, billingDay int) bool {
	if !p.Start.Equal(DayInMonth(p.Start.Year(), p.Start.Month(), billingDay)) {
		return false
	}
	return p.End.Equal(FirstCycleEnd(p.Start, billingDay))
}
