package ledger

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/generic"
)

// =============================================================================
// ATTENDANCE EVENT
// =============================================================================

// Status is what happened at a scheduled occurrence.
type Status string

const (
	StatusPresent    Status = "present"
	StatusAbsent     Status = "absent"
	StatusSubstitute Status = "substitute"
	StatusVanish     Status = "vanish"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusAbsent, StatusSubstitute, StatusVanish:
		return true
	}
	return false
}

// Event is one occurrence record against a contract. Events are never
// deleted: a voided event stays retrievable with its void markers, and an
// amended event keeps its ID with modified_* set.
type Event struct {
	ID         generic.EventID
	ContractID generic.ContractID

	Status       Status
	OccurredAt   generic.Date
	SubstituteAt *generic.Date    // substitute only
	Amount       *decimal.Decimal // amount-based present/vanish; defaults to the unit price
	Memo         string

	// What the event did to the contract. Set by the ledger.
	Effect  Effect
	Applied generic.Amount  // delta added to sessions_used / amount_used
	EntryID generic.EntryID // active consumption entry, empty when none

	Voided     bool
	VoidReason string
	VoidedAt   *time.Time
	VoidedBy   string

	ModifiedAt   *time.Time
	ModifiedBy   string
	ChangeReason string

	RecordedBy string
	CreatedAt  time.Time
}

// Active reports whether the event counts towards any aggregation.
func (e *Event) Active() bool { return !e.Voided }

// Clone returns a copy safe to mutate.
func (e *Event) Clone() *Event {
	cp := *e
	if e.SubstituteAt != nil {
		d := *e.SubstituteAt
		cp.SubstituteAt = &d
	}
	if e.Amount != nil {
		a := *e.Amount
		cp.Amount = &a
	}
	if e.VoidedAt != nil {
		t := *e.VoidedAt
		cp.VoidedAt = &t
	}
	if e.ModifiedAt != nil {
		t := *e.ModifiedAt
		cp.ModifiedAt = &t
	}
	return &cp
}

// Changes lists the mutable fields of an amend. Nil fields are kept.
type Changes struct {
	Status       *Status
	OccurredAt   *generic.Date
	SubstituteAt *generic.Date
	Amount       *decimal.Decimal
	Memo         *string
}

func (ch Changes) apply(e *Event) {
	if ch.Status != nil {
		e.Status = *ch.Status
		if e.Status != StatusSubstitute {
			e.SubstituteAt = nil
		}
	}
	if ch.OccurredAt != nil {
		e.OccurredAt = *ch.OccurredAt
	}
	if ch.SubstituteAt != nil {
		d := *ch.SubstituteAt
		e.SubstituteAt = &d
	}
	if ch.Amount != nil {
		a := *ch.Amount
		e.Amount = &a
	}
	if ch.Memo != nil {
		e.Memo = *ch.Memo
	}
}

// =============================================================================
// JOURNAL ENTRY - Append-only consumption log
// =============================================================================

// EntryType distinguishes consumption from its correction.
type EntryType string

const (
	EntryConsumption EntryType = "consumption"
	EntryReversal    EntryType = "reversal"
)

// Entry is one immutable line in a contract's consumption journal.
//
// Void and amend never edit an entry. They append a reversal pointing at the
// consumption it cancels, so the counters can always be replayed from the
// journal (see Reconcile).
type Entry struct {
	ID         generic.EntryID
	ContractID generic.ContractID
	EventID    generic.EventID
	Type       EntryType
	Delta      generic.Amount // positive for consumption, negative for reversal
	OccurredAt generic.Date
	ReversesID generic.EntryID // reversal only
	Reason     string
	CreatedAt  time.Time
}
