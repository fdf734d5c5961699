/*
Package store defines the persistence boundary of the settlement engine.

KEY INTERFACES:
  Repository:   contracts + attendance events + journal + invoices
  TxRepository: Repository with atomic multi-table writes

ATOMICITY:
  A ledger write touches three tables (event, journal entry, contract
  counters) and usually refreshes invoices. WithTx makes the whole sequence
  all-or-nothing: if any step fails, nothing is visible.

IMPLEMENTATIONS:
  - store/memory: in-memory, snapshot/rollback transactions (tests, demo)
  - store/sqlite: SQLite with foreign keys and partial unique indexes
*/
package store

import (
	"context"

	"github.com/warp/settlement-engine/contract"
	"github.com/warp/settlement-engine/invoice"
	"github.com/warp/settlement-engine/ledger"
)

// Repository is everything the engine persists.
type Repository interface {
	contract.Store
	ledger.Store
	invoice.Store
}

// TxRepository runs fn atomically. The Repository passed to fn must be used
// for every read and write inside the transaction.
type TxRepository interface {
	Repository
	WithTx(ctx context.Context, fn func(Repository) error) error

	// Reset deletes all data. Demo scenarios only.
	Reset(ctx context.Context) error
}
