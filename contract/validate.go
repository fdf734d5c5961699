package contract

import (
	"github.com/cockroachdb/errors"
	"github.com/warp/settlement-engine/generic"
)

// Validate checks structural invariants of a contract definition.
func (c *Contract) Validate() error {
	if c.ID == "" {
		return errors.Wrap(generic.ErrValidation, "contract id is required")
	}
	if c.CustomerID == "" {
		return errors.Wrap(generic.ErrValidation, "customer id is required")
	}
	if c.StartedAt.IsZero() {
		return errors.Wrap(generic.ErrValidation, "started_at is required")
	}
	if c.EndedAt != nil {
		if err := (generic.Period{Start: c.StartedAt, End: *c.EndedAt}).Validate(); err != nil {
			return errors.Wrapf(err, "ended_at %s before started_at %s", c.EndedAt, c.StartedAt)
		}
	}
	if c.BillingDay < 0 || c.BillingDay > 31 {
		return errors.Wrapf(generic.ErrValidation, "billing_day %d out of range", c.BillingDay)
	}

	switch c.BillingType {
	case BillingPrepaid, BillingPostpaid:
	default:
		return errors.Wrapf(generic.ErrValidation, "unknown billing_type %q", c.BillingType)
	}
	switch c.AbsencePolicy {
	case AbsenceCarryOver, AbsenceDeductNext, AbsenceVanish:
	default:
		return errors.Wrapf(generic.ErrValidation, "unknown absence_policy %q", c.AbsencePolicy)
	}

	switch e := c.Entitlement.(type) {
	case SessionBased:
		if e.Sessions <= 0 {
			return errors.Wrap(generic.ErrValidation, "session-based contract needs total_sessions > 0")
		}
		if e.Price.IsNegative() {
			return errors.Wrap(generic.ErrValidation, "total_amount must not be negative")
		}
	case AmountBased:
		switch c.PaymentSchedule {
		case ScheduleLumpSum:
			if !e.Total.IsPositive() {
				return errors.Wrap(generic.ErrValidation, "lump-sum contract needs total_amount > 0")
			}
		case ScheduleMonthly:
			if !e.MonthlyAmount.IsPositive() {
				return errors.Wrap(generic.ErrValidation, "monthly contract needs monthly_amount > 0")
			}
			if c.EndedAt == nil {
				return errors.Wrap(generic.ErrValidation, "monthly contract needs ended_at")
			}
		default:
			return errors.Wrapf(generic.ErrValidation, "unknown payment_schedule %q", c.PaymentSchedule)
		}
		if c.EndedAt == nil {
			return errors.Wrap(generic.ErrValidation, "amount-based contract needs ended_at")
		}
	default:
		return errors.Wrap(generic.ErrValidation, "entitlement is required")
	}

	if c.SessionsUsed < 0 || c.AmountUsed.IsNegative() {
		return errors.Wrap(generic.ErrValidation, "consumption counters must not be negative")
	}
	return nil
}
