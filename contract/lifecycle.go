/*
lifecycle.go - Contract status machine and entitlement extension

STATES:
  draft ──▶ confirmed ──▶ sent

  Forward-only. A draft is what the issuing client created; confirmed means
  the provider finalized terms (pricing is fixed at this point); sent means
  the contract was delivered to the customer and becomes billable.

SIDE EFFECTS:
  This file only moves status and mutates the entitlement. Side effects such
  as opening the first prepaid invoice on sent are applied by the settlement
  service, which owns the per-contract lock and the store transaction.

EXTENSION:
  Extend increases the session ceiling (session-based) or the balance
  (amount-based). It is allowed at any status. Whether to offer it (low
  remaining entitlement, period end near) is a caller decision; see
  ExtensionSuggested.
*/
package contract

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/generic"
)

var transitions = map[Status]Status{
	StatusDraft:     StatusConfirmed,
	StatusConfirmed: StatusSent,
}

// CanTransition reports whether from -> to is a legal single step.
func CanTransition(from, to Status) bool {
	next, ok := transitions[from]
	return ok && next == to
}

func transition(c *Contract, to Status, at time.Time) error {
	if !CanTransition(c.Status, to) {
		return &generic.TransitionError{From: string(c.Status), To: string(to)}
	}
	c.Status = to
	c.UpdatedAt = at
	return nil
}

// Confirm moves a draft to confirmed.
func Confirm(c *Contract, at time.Time) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := transition(c, StatusConfirmed, at); err != nil {
		return err
	}
	c.ConfirmedAt = &at
	return nil
}

// MarkSent moves a confirmed contract to sent.
func MarkSent(c *Contract, at time.Time) error {
	if err := transition(c, StatusSent, at); err != nil {
		return err
	}
	c.SentAt = &at
	return nil
}

// =============================================================================
// EXTENSION
// =============================================================================

// ExtensionRequest asks for more entitlement.
//
// Delta is in the entitlement's unit: whole sessions for session-based,
// currency for amount-based. ExtensionAmount is what the customer is billed;
// for amount-based contracts it defaults to Delta and must equal it.
type ExtensionRequest struct {
	Delta           decimal.Decimal
	ExtensionAmount *decimal.Decimal
	Reason          string
	By              string
}

// Extend applies an extension and returns the recorded Extension.
// Consumption counters are never touched.
func Extend(c *Contract, req ExtensionRequest, at time.Time) (Extension, error) {
	if !req.Delta.IsPositive() {
		return Extension{}, errors.Wrapf(generic.ErrInvalidExtension, "delta must be positive, got %s", req.Delta)
	}

	var billed decimal.Decimal
	switch e := c.Entitlement.(type) {
	case SessionBased:
		if !req.Delta.Equal(req.Delta.Truncate(0)) {
			return Extension{}, errors.Wrapf(generic.ErrInvalidExtension, "session delta must be whole, got %s", req.Delta)
		}
		if req.ExtensionAmount != nil {
			billed = *req.ExtensionAmount
		}
		if billed.IsNegative() {
			return Extension{}, errors.Wrap(generic.ErrInvalidExtension, "extension amount must not be negative")
		}
		e.Sessions += int(req.Delta.IntPart())
		e.Price = e.Price.Add(billed)
		c.Entitlement = e

	case AmountBased:
		billed = req.Delta
		if req.ExtensionAmount != nil && !req.ExtensionAmount.Equal(req.Delta) {
			return Extension{}, errors.Wrapf(generic.ErrInvalidExtension,
				"extension amount %s must equal delta %s", req.ExtensionAmount, req.Delta)
		}
		e.Total = e.Total.Add(req.Delta)
		c.Entitlement = e

	default:
		return Extension{}, errors.Wrap(generic.ErrValidation, "contract has no entitlement")
	}

	ext := Extension{
		ID:              generic.NewID("ext"),
		Delta:           req.Delta,
		ExtensionAmount: billed,
		Reason:          req.Reason,
		At:              at,
		By:              req.By,
	}
	c.Extensions = append(c.Extensions, ext)
	c.UpdatedAt = at
	return ext, nil
}

// ExtensionSuggested is the UI-level hint: offer an extension when at most
// lowSessions (or 10% of the balance) remain, or the contract ends within
// nearDays of today. The engine never enforces it.
func ExtensionSuggested(c *Contract, today generic.Date, lowSessions, nearDays int) bool {
	if c.EndedAt != nil {
		if left := generic.DaysBetween(today, *c.EndedAt); left >= 0 && left <= nearDays {
			return true
		}
	}
	if c.IsSessionBased() {
		return c.TargetSessions()-c.SessionsUsed <= lowSessions
	}
	total := c.TotalAmount()
	if !total.IsPositive() {
		return false
	}
	return c.Remaining().Value.LessThanOrEqual(total.Div(decimal.NewFromInt(10)))
}
