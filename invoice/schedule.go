/*
schedule.go - Billing calendar of a contract

PERIODS:
  Periodic contracts (amount-based, monthly) are billed per cycle anchored on
  billing_day:

	first   [started_at, day before next month's billing_day]
	then    [billing_day(m), billing_day(m+1) - 1]
	last    clipped at ended_at

  Session packs and lump sums have a single package period covering the
  contract span.

DUE DATES:
  prepaid   period_start - lead days   (billed in advance)
  postpaid  period_end + 1             (billed after the service)

BASE AMOUNT:
  full monthly cycle      monthly_amount
  partial monthly cycle   round100(unit_price * occurrences in the window)
  lump sum                total_amount (without extensions)
  session pack            pack price (without extensions)

  Extensions are billed on their own invoices, so package bases exclude
  them.
*/
package invoice

import (
	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/contract"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/pricing"
)

// Schedule is the billing calendar of one contract.
type Schedule struct {
	c        *contract.Contract
	leadDays int
	periods  []generic.Period
}

// NewSchedule derives the periods of c. leadDays moves prepaid due dates
// earlier than the period start.
func NewSchedule(c *contract.Contract, leadDays int) *Schedule {
	if leadDays < 0 {
		leadDays = 0
	}
	return &Schedule{c: c, leadDays: leadDays, periods: periodsOf(c)}
}

func periodsOf(c *contract.Contract) []generic.Period {
	if !c.IsPeriodic() {
		return []generic.Period{c.Span()}
	}
	end := *c.EndedAt
	if end.Before(c.StartedAt) {
		return nil
	}
	bd := c.EffectiveBillingDay()

	first := generic.Period{Start: c.StartedAt, End: generic.MinDate(generic.FirstCycleEnd(c.StartedAt, bd), end)}
	periods := []generic.Period{first}
	for prev := first; prev.End.Before(end); {
		next := generic.NextCycle(prev.End, bd)
		next.End = generic.MinDate(next.End, end)
		periods = append(periods, next)
		prev = next
	}
	return periods
}

// Periods returns every billing period in order.
func (s *Schedule) Periods() []generic.Period {
	return append([]generic.Period(nil), s.periods...)
}

// PeriodContaining returns the period covering d.
func (s *Schedule) PeriodContaining(d generic.Date) (generic.Period, bool) {
	for _, p := range s.periods {
		if p.Contains(d) {
			return p, true
		}
	}
	return generic.Period{}, false
}

// Next returns the period after p.
func (s *Schedule) Next(p generic.Period) (generic.Period, bool) {
	for i, q := range s.periods {
		if q.Start.Equal(p.Start) && i+1 < len(s.periods) {
			return s.periods[i+1], true
		}
	}
	return generic.Period{}, false
}

// DueDate is when the invoice for p becomes billable.
func (s *Schedule) DueDate(p generic.Period) generic.Date {
	if s.c.BillingType == contract.BillingPostpaid {
		return p.End.AddDays(1)
	}
	return p.Start.AddDays(-s.leadDays)
}

// DuePeriod returns the latest period whose due date is on or before asOf.
// It fails with ErrInvalidPeriod when asOf precedes every due date.
func (s *Schedule) DuePeriod(asOf generic.Date) (generic.Period, error) {
	var (
		found generic.Period
		ok    bool
	)
	for _, p := range s.periods {
		if s.DueDate(p).After(asOf) {
			break
		}
		found, ok = p, true
	}
	if !ok {
		return generic.Period{}, errors.Wrapf(generic.ErrInvalidPeriod,
			"no billing period of contract %s is due by %s", s.c.ID, asOf)
	}
	return found, nil
}

// DuePeriods returns every period due on or before asOf.
func (s *Schedule) DuePeriods(asOf generic.Date) []generic.Period {
	var due []generic.Period
	for _, p := range s.periods {
		if s.DueDate(p).After(asOf) {
			break
		}
		due = append(due, p)
	}
	return due
}

// CreditTarget is the period whose invoice absorbs a deferred absence on d:
// the next period for prepaid (already paid for the current one), the same
// period for postpaid. The last prepaid period credits itself.
func (s *Schedule) CreditTarget(d generic.Date) (generic.Period, bool) {
	p, ok := s.PeriodContaining(d)
	if !ok {
		return generic.Period{}, false
	}
	if s.c.BillingType == contract.BillingPrepaid {
		if next, ok := s.Next(p); ok {
			return next, true
		}
	}
	return p, true
}

// BaseAmount is the undiscounted charge for p.
func (s *Schedule) BaseAmount(p generic.Period) decimal.Decimal {
	c := s.c
	if !c.IsPeriodic() {
		return packageAmount(c)
	}
	if generic.IsFullCycle(p, c.EffectiveBillingDay()) {
		return c.MonthlyAmount()
	}
	n := generic.CountInPeriod(c.Weekdays, p)
	return pricing.Round100(c.EffectiveUnitPrice().Mul(decimal.NewFromInt(int64(n))))
}

// packageAmount is the contract price before extensions.
func packageAmount(c *contract.Contract) decimal.Decimal {
	total := c.TotalAmount()
	for _, ext := range c.Extensions {
		total = total.Sub(ext.ExtensionAmount)
	}
	if total.IsNegative() {
		return decimal.Zero
	}
	return total
}
