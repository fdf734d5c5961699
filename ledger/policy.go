/*
policy.go - Absence policy rule table

Maps (event status, contract absence policy) to what the event does:

	             carry_over   deduct_next          vanish
	present      consume      consume              consume
	vanish       consume      consume              consume
	absent       none         defer / consume (*)  consume
	substitute   none         none                 rejected

(*) Periodic contracts (amount-based, monthly) defer the absence to an
invoice credit of -unit_price; the invoice engine decides which period
absorbs it. Contracts without recurring invoices have nothing to credit, so
the absence consumes immediately.

A substitute releases the original occurrence and schedules substitute_at in
its place; the substitute occurrence is recorded as its own event when it
resolves.
*/
package ledger

import (
	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/contract"
	"github.com/warp/settlement-engine/generic"
)

// Effect is the ledger outcome of an event.
type Effect string

const (
	EffectNone        Effect = "none"
	EffectConsume     Effect = "consume"
	EffectDeferCredit Effect = "defer_credit"
)

// EffectOf applies the rule table.
func EffectOf(c *contract.Contract, status Status) (Effect, error) {
	switch status {
	case StatusPresent, StatusVanish:
		return EffectConsume, nil

	case StatusAbsent:
		switch c.AbsencePolicy {
		case contract.AbsenceCarryOver:
			return EffectNone, nil
		case contract.AbsenceVanish:
			return EffectConsume, nil
		case contract.AbsenceDeductNext:
			if c.IsPeriodic() {
				return EffectDeferCredit, nil
			}
			return EffectConsume, nil
		}
		return "", errors.Wrapf(generic.ErrValidation, "unknown absence policy %q", c.AbsencePolicy)

	case StatusSubstitute:
		if c.AbsencePolicy == contract.AbsenceVanish {
			return "", errors.Wrap(generic.ErrValidation, "substitute is not available under the vanish policy")
		}
		return EffectNone, nil
	}
	return "", errors.Wrapf(generic.ErrValidation, "unknown event status %q", status)
}

// consumptionDelta is the counter delta for a consuming event: one session,
// or the event amount for amount-based. Without an amount the unit price is
// charged, capped at what is left of the balance: the unit price is rounded
// to 100, so the last planned occurrence may find less than a full unit.
// Explicit amounts are never capped.
func consumptionDelta(c *contract.Contract, e *Event, used generic.Amount) generic.Amount {
	if c.IsSessionBased() {
		return generic.Sessions(1)
	}
	if e.Amount != nil && e.Amount.IsPositive() {
		return generic.Currency(*e.Amount)
	}
	charge := generic.Currency(c.EffectiveUnitPrice())
	if left := c.Ceiling().Sub(used); left.IsPositive() && left.LessThan(charge) {
		return left
	}
	return charge
}

func validateEvent(c *contract.Contract, e *Event) error {
	if !e.Status.Valid() {
		return errors.Wrapf(generic.ErrValidation, "unknown event status %q", e.Status)
	}
	if e.OccurredAt.IsZero() {
		return errors.Wrap(generic.ErrValidation, "occurred_at is required")
	}
	if e.Status == StatusSubstitute {
		if e.SubstituteAt == nil || e.SubstituteAt.IsZero() {
			return errors.Wrap(generic.ErrValidation, "substitute_at is required for substitute events")
		}
	} else if e.SubstituteAt != nil {
		return errors.Wrap(generic.ErrValidation, "substitute_at is only valid for substitute events")
	}
	if e.Amount != nil && e.Amount.LessThan(decimal.Zero) {
		return errors.Wrap(generic.ErrValidation, "amount must not be negative")
	}
	if e.OccurredAt.Before(c.StartedAt) || (c.EndedAt != nil && e.OccurredAt.After(*c.EndedAt)) {
		return errors.Wrapf(generic.ErrInvalidPeriod, "occurred_at %s outside contract %s", e.OccurredAt, c.Span())
	}
	return nil
}
