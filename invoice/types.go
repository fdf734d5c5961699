// Package invoice turns contracts and attendance into billing-period
// statements and tracks their send state.
package invoice

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/generic"
)

// Kind separates period statements from one-off extension charges and
// credit notes.
type Kind string

const (
	KindRegular   Kind = "regular"
	KindExtension Kind = "extension"
	// KindCredit carries a deferred absence that no open period invoice can
	// absorb, e.g. an absence in the last period of a prepaid contract.
	KindCredit Kind = "credit"
)

// SendStatus is the delivery state. Anything but not_sent freezes amounts.
type SendStatus string

const (
	NotSent SendStatus = "not_sent"
	Partial SendStatus = "partial"
	Sent    SendStatus = "sent"
)

// Invoice is one billing-period statement for a contract.
//
// At most one active invoice exists per (contract, kind, period_start,
// source). Refreshing an unsent invoice recomputes it in place.
type Invoice struct {
	ID         generic.InvoiceID
	ContractID generic.ContractID
	Kind       Kind
	SourceID   string // extension ID, or event ID for credit notes

	Year        int
	Month       time.Month
	PeriodStart generic.Date
	PeriodEnd   generic.Date
	DueDate     generic.Date

	BaseAmount       decimal.Decimal
	AutoAdjustment   decimal.Decimal
	ManualAdjustment decimal.Decimal
	ManualReason     string
	FinalAmount      decimal.Decimal

	// Deferred absences credited by this invoice.
	AdjustedEventIDs []generic.EventID

	SendStatus SendStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
	PartialAt  *time.Time
	SentAt     *time.Time
}

func (inv *Invoice) Period() generic.Period {
	return generic.Period{Start: inv.PeriodStart, End: inv.PeriodEnd}
}

// Frozen reports whether amounts and period attribution are fixed.
func (inv *Invoice) Frozen() bool { return inv.SendStatus != NotSent }

func (inv *Invoice) recomputeFinal() {
	inv.FinalAmount = inv.BaseAmount.Add(inv.AutoAdjustment).Add(inv.ManualAdjustment)
}

// Clone returns a copy safe to mutate.
func (inv *Invoice) Clone() *Invoice {
	cp := *inv
	cp.AdjustedEventIDs = append([]generic.EventID(nil), inv.AdjustedEventIDs...)
	if inv.PartialAt != nil {
		t := *inv.PartialAt
		cp.PartialAt = &t
	}
	if inv.SentAt != nil {
		t := *inv.SentAt
		cp.SentAt = &t
	}
	return &cp
}

func newInvoice(contractID generic.ContractID, kind Kind, p generic.Period, due generic.Date, now time.Time) *Invoice {
	return &Invoice{
		ID:          generic.InvoiceID(generic.NewID(generic.PrefixInvoice)),
		ContractID:  contractID,
		Kind:        kind,
		Year:        p.Start.Year(),
		Month:       p.Start.Month(),
		PeriodStart: p.Start,
		PeriodEnd:   p.End,
		DueDate:     due,
		SendStatus:  NotSent,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
