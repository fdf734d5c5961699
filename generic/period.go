package generic

// =============================================================================
// PERIOD - Inclusive range of calendar days
// =============================================================================

// Period is the inclusive day range [Start, End]. Billing periods, contract
// spans and proration windows are all Periods.
//
// Examples:
//   - Contract span: started_at .. ended_at
//   - Billing period: Mar 25 .. Apr 24 (billing_day = 25)
//   - First prorated window: Mar 10 .. Apr 24
type Period struct {
	Start Date
	End   Date
}

// Validate rejects periods whose end precedes their start.
func (p Period) Validate() error {
	if p.End.Before(p.Start) {
		return ErrInvalidPeriod
	}
	return nil
}

// Contains returns true if the day is within [Start, End].
func (p Period) Contains(d Date) bool {
	return d.AfterOrEqual(p.Start) && d.BeforeOrEqual(p.End)
}

func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}
