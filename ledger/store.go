package ledger

import (
	"context"

	"github.com/warp/settlement-engine/generic"
)

// Store persists attendance events and the consumption journal.
//
// Events are upserted (void and amend rewrite markers in place); entries are
// append-only. Implementations must reject a second active event for the same
// (contract, occurred_at) with generic.ErrDuplicateOccurrence.
type Store interface {
	SaveEvent(ctx context.Context, e *Event) error

	// GetEvent returns generic.ErrEventNotFound when missing.
	GetEvent(ctx context.Context, id generic.EventID) (*Event, error)

	// ListEvents returns every event of the contract, voided included,
	// ordered by occurred_at then created_at.
	ListEvents(ctx context.Context, contractID generic.ContractID) ([]*Event, error)

	// ActiveEventOn returns the non-voided event on date, or nil.
	ActiveEventOn(ctx context.Context, contractID generic.ContractID, date generic.Date) (*Event, error)

	AppendEntries(ctx context.Context, entries ...Entry) error
	ListEntries(ctx context.Context, contractID generic.ContractID) ([]Entry, error)
}
