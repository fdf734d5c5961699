// Package contract defines the sold entitlement and its lifecycle.
// Pricing, consumption and invoicing read contracts; only this package moves
// a contract between statuses or changes its entitlement.
package contract

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/generic"
)

// =============================================================================
// ENTITLEMENT - Tagged variant
// =============================================================================

// Kind identifies the entitlement variant.
type Kind string

const (
	KindSessionBased Kind = "session_based"
	KindAmountBased  Kind = "amount_based"
)

// Entitlement is what a contract grants: a number of sessions or a monetary
// balance, never both. The interface is sealed; switch on the concrete type.
type Entitlement interface {
	Kind() Kind
	isEntitlement()
}

// SessionBased grants Sessions sessions sold for Price in total.
type SessionBased struct {
	Sessions int
	Price    decimal.Decimal
}

// AmountBased grants a monetary balance. MonthlyAmount is the recurring charge
// for monthly payment schedules and is zero for lump sums.
type AmountBased struct {
	Total         decimal.Decimal
	MonthlyAmount decimal.Decimal
}

func (SessionBased) Kind() Kind    { return KindSessionBased }
func (SessionBased) isEntitlement() {}
func (AmountBased) Kind() Kind     { return KindAmountBased }
func (AmountBased) isEntitlement()  {}

// =============================================================================
// ENUMS
// =============================================================================

type BillingType string

const (
	BillingPrepaid  BillingType = "prepaid"
	BillingPostpaid BillingType = "postpaid"
)

type PaymentSchedule string

const (
	ScheduleMonthly PaymentSchedule = "monthly"
	ScheduleLumpSum PaymentSchedule = "lump_sum"
)

type AbsencePolicy string

const (
	AbsenceCarryOver  AbsencePolicy = "carry_over"
	AbsenceDeductNext AbsencePolicy = "deduct_next"
	AbsenceVanish     AbsencePolicy = "vanish"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusConfirmed Status = "confirmed"
	StatusSent      Status = "sent"
)

// =============================================================================
// CONTRACT
// =============================================================================

type Contract struct {
	ID         generic.ContractID
	CustomerID generic.CustomerID
	Title      string

	Entitlement     Entitlement
	BillingType     BillingType
	PaymentSchedule PaymentSchedule
	AbsencePolicy   AbsencePolicy

	// Weekly session pattern used to derive planned counts.
	Weekdays generic.WeekdaySet

	StartedAt  generic.Date
	EndedAt    *generic.Date // nil for open-ended session packs
	BillingDay int           // 1-31, clamped per month

	// Derived and cached.
	UnitPrice       decimal.Decimal
	ManualUnitPrice *decimal.Decimal // operator override, wins over UnitPrice
	PlannedCount    int
	SessionsUsed    int
	AmountUsed      decimal.Decimal

	Extensions []Extension

	Status      Status
	CreatedAt   time.Time
	ConfirmedAt *time.Time
	SentAt      *time.Time
	UpdatedAt   time.Time
}

// Extension records one entitlement increase and what was billed for it.
type Extension struct {
	ID              string
	Delta           decimal.Decimal // sessions or currency, per entitlement kind
	ExtensionAmount decimal.Decimal
	Reason          string
	At              time.Time
	By              string
}

func (c *Contract) Kind() Kind {
	if c.Entitlement == nil {
		return ""
	}
	return c.Entitlement.Kind()
}

func (c *Contract) IsSessionBased() bool { return c.Kind() == KindSessionBased }
func (c *Contract) IsAmountBased() bool  { return c.Kind() == KindAmountBased }

// IsPeriodic reports whether the contract is billed in recurring monthly
// periods. Session packs and lump sums have a single package period.
func (c *Contract) IsPeriodic() bool {
	return c.IsAmountBased() && c.PaymentSchedule == ScheduleMonthly && c.EndedAt != nil
}

// TargetSessions is the session ceiling (0 for amount-based contracts).
func (c *Contract) TargetSessions() int {
	if e, ok := c.Entitlement.(SessionBased); ok {
		return e.Sessions
	}
	return 0
}

// TotalAmount is the monetary entitlement: the pack price for session-based,
// the balance for amount-based.
func (c *Contract) TotalAmount() decimal.Decimal {
	switch e := c.Entitlement.(type) {
	case SessionBased:
		return e.Price
	case AmountBased:
		return e.Total
	}
	return decimal.Zero
}

// MonthlyAmount is the recurring charge for monthly amount-based contracts.
func (c *Contract) MonthlyAmount() decimal.Decimal {
	if e, ok := c.Entitlement.(AmountBased); ok {
		return e.MonthlyAmount
	}
	return decimal.Zero
}

// EffectiveUnitPrice returns the manual override when present.
func (c *Contract) EffectiveUnitPrice() decimal.Decimal {
	if c.ManualUnitPrice != nil {
		return *c.ManualUnitPrice
	}
	return c.UnitPrice
}

// Span is [started_at, ended_at]. Open-ended contracts end at started_at.
func (c *Contract) Span() generic.Period {
	if c.EndedAt == nil {
		return generic.Period{Start: c.StartedAt, End: c.StartedAt}
	}
	return generic.Period{Start: c.StartedAt, End: *c.EndedAt}
}

// Used is the consumption counter in the entitlement's unit.
func (c *Contract) Used() generic.Amount {
	if c.IsSessionBased() {
		return generic.Sessions(c.SessionsUsed)
	}
	return generic.Currency(c.AmountUsed)
}

// Ceiling is the entitlement ceiling in the same unit as Used.
func (c *Contract) Ceiling() generic.Amount {
	if c.IsSessionBased() {
		return generic.Sessions(c.TargetSessions())
	}
	return generic.Currency(c.TotalAmount())
}

// Remaining is Ceiling - Used.
func (c *Contract) Remaining() generic.Amount {
	return c.Ceiling().Sub(c.Used())
}

// EffectiveBillingDay falls back to the start day when unset.
func (c *Contract) EffectiveBillingDay() int {
	if c.BillingDay >= 1 && c.BillingDay <= 31 {
		return c.BillingDay
	}
	return c.StartedAt.Day()
}

// Clone returns a deep copy safe to mutate.
func (c *Contract) Clone() *Contract {
	cp := *c
	if c.EndedAt != nil {
		end := *c.EndedAt
		cp.EndedAt = &end
	}
	if c.ManualUnitPrice != nil {
		p := *c.ManualUnitPrice
		cp.ManualUnitPrice = &p
	}
	cp.Extensions = append([]Extension(nil), c.Extensions...)
	return &cp
}
