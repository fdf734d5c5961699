package contract

import (
	"context"

	"github.com/warp/settlement-engine/generic"
)

// Store persists contracts. Get returns generic.ErrContractNotFound when the
// contract does not exist.
type Store interface {
	SaveContract(ctx context.Context, c *Contract) error
	GetContract(ctx context.Context, id generic.ContractID) (*Contract, error)
	ListContracts(ctx context.Context, filter Filter) ([]*Contract, error)
}

// Filter narrows ListContracts. Zero values match everything.
type Filter struct {
	CustomerID generic.CustomerID
	Status     Status
}

func (f Filter) Matches(c *Contract) bool {
	if f.CustomerID != "" && c.CustomerID != f.CustomerID {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	return true
}
