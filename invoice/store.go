package invoice

import (
	"context"

	"github.com/warp/settlement-engine/generic"
)

// Store persists invoices.
//
// SaveInvoice upserts by ID. Implementations reject a second invoice for the
// same (contract, kind, period_start, source) so a refresh can never append a
// duplicate.
type Store interface {
	SaveInvoice(ctx context.Context, inv *Invoice) error

	// GetInvoice returns generic.ErrInvoiceNotFound when missing.
	GetInvoice(ctx context.Context, id generic.InvoiceID) (*Invoice, error)

	// FindInvoice returns nil when no invoice exists for the key.
	FindInvoice(ctx context.Context, contractID generic.ContractID, kind Kind, periodStart generic.Date, sourceID string) (*Invoice, error)

	// ListInvoices returns matching invoices ordered by period_start.
	ListInvoices(ctx context.Context, filter Filter) ([]*Invoice, error)
}

// Filter narrows ListInvoices. Zero values match everything.
type Filter struct {
	ContractID generic.ContractID
	Kind       Kind
	SendStatus SendStatus
}

func (f Filter) Matches(inv *Invoice) bool {
	if f.ContractID != "" && inv.ContractID != f.ContractID {
		return false
	}
	if f.Kind != "" && inv.Kind != f.Kind {
		return false
	}
	if f.SendStatus != "" && inv.SendStatus != f.SendStatus {
		return false
	}
	return true
}
