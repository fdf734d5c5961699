/*
Package pricing derives the per-session unit price of a contract.

PURPOSE:
  One calculator for every caller. The server, the scheduler and any UI
  preview (via the quote endpoint) all price through Calculator, so there is
  never a second approximation of the formula.

FORMULAS:
  session-based:          round100(total_amount / total_sessions)
  amount-based lump_sum:  round100(total_amount / planned_count)
  amount-based monthly:   round100(monthly_amount * contract_months / planned_count)

  planned_count is the number of scheduled weekdays in [started_at, ended_at]
  (the session count for open-ended packs). contract_months comes from
  MonthCounter, see months.go.

OVERRIDES:
  A manual unit price on the contract always wins and is never recalculated
  while present.
*/
package pricing

import (
	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/contract"
	"github.com/warp/settlement-engine/generic"
)

var hundred = decimal.NewFromInt(100)

// Round100 rounds to the nearest multiple of 100 (half away from zero).
// Non-positive inputs yield 0, so pricing never produces a negative charge.
func Round100(x decimal.Decimal) decimal.Decimal {
	if !x.IsPositive() {
		return decimal.Zero
	}
	return x.Div(hundred).Round(0).Mul(hundred)
}

// =============================================================================
// CALCULATOR
// =============================================================================

type Calculator struct {
	Months MonthCounter
}

func NewCalculator(months MonthCounter) *Calculator {
	if months == nil {
		months = HeuristicMonths{}
	}
	return &Calculator{Months: months}
}

// Quote is everything pricing knows about a contract, for storage and display.
type Quote struct {
	UnitPrice         decimal.Decimal // effective: override if present
	ComputedUnitPrice decimal.Decimal
	Overridden        bool
	PlannedCount      int
	ContractMonths    int

	// Opening window of periodic contracts and its planned count. Display and
	// reconciliation only; UnitPrice always uses the whole-span count.
	FirstPeriod             *generic.Period
	FirstPeriodPlannedCount int
}

// PlannedCount is the number of occurrences expected over the contract span.
func (calc *Calculator) PlannedCount(c *contract.Contract) int {
	if c.EndedAt == nil || c.Weekdays.IsEmpty() {
		if c.IsSessionBased() {
			return c.TargetSessions()
		}
		return 0
	}
	return generic.CountOccurrences(c.Weekdays, c.StartedAt, *c.EndedAt)
}

// FirstPeriodPlannedCount counts occurrences in the opening billing window,
// which ends the day before next month's billing day (or at ended_at).
func (calc *Calculator) FirstPeriodPlannedCount(c *contract.Contract) (generic.Period, int) {
	end := generic.FirstCycleEnd(c.StartedAt, c.EffectiveBillingDay())
	if c.EndedAt != nil {
		end = generic.MinDate(end, *c.EndedAt)
	}
	p := generic.Period{Start: c.StartedAt, End: end}
	return p, generic.CountInPeriod(c.Weekdays, p)
}

// UnitPrice derives the per-session price from the entitlement and the
// planned count. It ignores the manual override; see EffectiveUnitPrice.
func (calc *Calculator) UnitPrice(c *contract.Contract, plannedCount int) decimal.Decimal {
	switch e := c.Entitlement.(type) {
	case contract.SessionBased:
		if e.Sessions <= 0 {
			return decimal.Zero
		}
		return Round100(e.Price.Div(decimal.NewFromInt(int64(e.Sessions))))

	case contract.AmountBased:
		if plannedCount <= 0 {
			return decimal.Zero
		}
		planned := decimal.NewFromInt(int64(plannedCount))
		if c.PaymentSchedule == contract.ScheduleMonthly {
			months := decimal.NewFromInt(int64(calc.ContractMonths(c)))
			return Round100(e.MonthlyAmount.Mul(months).Div(planned))
		}
		return Round100(e.Total.Div(planned))
	}
	return decimal.Zero
}

// EffectiveUnitPrice returns the manual override when present, otherwise the
// computed price.
func (calc *Calculator) EffectiveUnitPrice(c *contract.Contract, plannedCount int) decimal.Decimal {
	if c.ManualUnitPrice != nil {
		return *c.ManualUnitPrice
	}
	return calc.UnitPrice(c, plannedCount)
}

// ContractMonths is the number of billed months in the contract span.
func (calc *Calculator) ContractMonths(c *contract.Contract) int {
	if c.EndedAt == nil {
		return 1
	}
	return calc.Months.Months(c.StartedAt, *c.EndedAt)
}

// Quote prices the contract without modifying it.
func (calc *Calculator) Quote(c *contract.Contract) Quote {
	planned := calc.PlannedCount(c)
	computed := calc.UnitPrice(c, planned)
	q := Quote{
		UnitPrice:         computed,
		ComputedUnitPrice: computed,
		PlannedCount:      planned,
		ContractMonths:    calc.ContractMonths(c),
	}
	if c.ManualUnitPrice != nil {
		q.UnitPrice = *c.ManualUnitPrice
		q.Overridden = true
	}
	if c.IsPeriodic() {
		p, n := calc.FirstPeriodPlannedCount(c)
		q.FirstPeriod = &p
		q.FirstPeriodPlannedCount = n
	}
	return q
}

// Apply stores the quote on the contract. Monthly contracts without an
// explicit balance get monthly_amount * contract_months as their ceiling.
func (calc *Calculator) Apply(c *contract.Contract) Quote {
	if e, ok := c.Entitlement.(contract.AmountBased); ok &&
		c.PaymentSchedule == contract.ScheduleMonthly && e.Total.IsZero() {
		e.Total = e.MonthlyAmount.Mul(decimal.NewFromInt(int64(calc.ContractMonths(c))))
		c.Entitlement = e
	}
	q := calc.Quote(c)
	c.PlannedCount = q.PlannedCount
	c.UnitPrice = q.ComputedUnitPrice
	return q
}
