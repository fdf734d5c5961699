// Package memory provides an in-memory Repository for tests and demos.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/warp/settlement-engine/contract"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/invoice"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/store"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Store keeps clones of every record; callers never share pointers with it.
type Store struct {
	mu sync.RWMutex
	data
}

type data struct {
	contracts map[generic.ContractID]*contract.Contract
	events    map[generic.EventID]*ledger.Event
	entries   map[generic.ContractID][]ledger.Entry
	invoices  map[generic.InvoiceID]*invoice.Invoice
}

func newData() data {
	return data{
		contracts: make(map[generic.ContractID]*contract.Contract),
		events:    make(map[generic.EventID]*ledger.Event),
		entries:   make(map[generic.ContractID][]ledger.Entry),
		invoices:  make(map[generic.InvoiceID]*invoice.Invoice),
	}
}

func New() *Store {
	return &Store{data: newData()}
}

var _ store.TxRepository = (*Store)(nil)

// =============================================================================
// CONTRACTS
// =============================================================================

func (s *Store) SaveContract(_ context.Context, c *contract.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveContract(c)
}

func (s *Store) GetContract(_ context.Context, id generic.ContractID) (*contract.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getContract(id)
}

func (s *Store) ListContracts(_ context.Context, f contract.Filter) ([]*contract.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listContracts(f), nil
}

func (d *data) saveContract(c *contract.Contract) error {
	if c.ID == "" {
		return errors.Wrap(generic.ErrValidation, "contract id is required")
	}
	d.contracts[c.ID] = c.Clone()
	return nil
}

func (d *data) getContract(id generic.ContractID) (*contract.Contract, error) {
	c, ok := d.contracts[id]
	if !ok {
		return nil, errors.Wrapf(generic.ErrContractNotFound, "contract %s", id)
	}
	return c.Clone(), nil
}

func (d *data) listContracts(f contract.Filter) []*contract.Contract {
	var out []*contract.Contract
	for _, c := range d.contracts {
		if f.Matches(c) {
			out = append(out, c.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *contract.Contract) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// =============================================================================
// EVENTS + JOURNAL
// =============================================================================

func (s *Store) SaveEvent(_ context.Context, e *ledger.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveEvent(e)
}

func (s *Store) GetEvent(_ context.Context, id generic.EventID) (*ledger.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getEvent(id)
}

func (s *Store) ListEvents(_ context.Context, contractID generic.ContractID) ([]*ledger.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listEvents(contractID), nil
}

func (s *Store) ActiveEventOn(_ context.Context, contractID generic.ContractID, date generic.Date) (*ledger.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeEventOn(contractID, date), nil
}

func (s *Store) AppendEntries(_ context.Context, entries ...ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendEntries(entries)
}

func (s *Store) ListEntries(_ context.Context, contractID generic.ContractID) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.entries[contractID]), nil
}

func (d *data) saveEvent(e *ledger.Event) error {
	if _, ok := d.contracts[e.ContractID]; !ok {
		return errors.Wrapf(generic.ErrContractNotFound, "contract %s", e.ContractID)
	}
	if e.Active() {
		if other := d.activeEventOn(e.ContractID, e.OccurredAt); other != nil && other.ID != e.ID {
			return &generic.DuplicateOccurrenceError{ContractID: e.ContractID, Date: e.OccurredAt, ExistingID: other.ID}
		}
	}
	d.events[e.ID] = e.Clone()
	return nil
}

func (d *data) getEvent(id generic.EventID) (*ledger.Event, error) {
	e, ok := d.events[id]
	if !ok {
		return nil, errors.Wrapf(generic.ErrEventNotFound, "event %s", id)
	}
	return e.Clone(), nil
}

func (d *data) listEvents(contractID generic.ContractID) []*ledger.Event {
	var out []*ledger.Event
	for _, e := range d.events {
		if e.ContractID == contractID {
			out = append(out, e.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *ledger.Event) int {
		if c := a.OccurredAt.Time().Compare(b.OccurredAt.Time()); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

func (d *data) activeEventOn(contractID generic.ContractID, date generic.Date) *ledger.Event {
	for _, e := range d.events {
		if e.ContractID == contractID && e.Active() && e.OccurredAt.Equal(date) {
			return e.Clone()
		}
	}
	return nil
}

// appendEntries is append-only: an entry ID can be written once.
func (d *data) appendEntries(entries []ledger.Entry) error {
	for _, en := range entries {
		if _, ok := d.contracts[en.ContractID]; !ok {
			return errors.Wrapf(generic.ErrContractNotFound, "contract %s", en.ContractID)
		}
		if slices.ContainsFunc(d.entries[en.ContractID], func(x ledger.Entry) bool { return x.ID == en.ID }) {
			return errors.Wrapf(generic.ErrValidation, "journal entry %s already written", en.ID)
		}
	}
	for _, en := range entries {
		d.entries[en.ContractID] = append(d.entries[en.ContractID], en)
	}
	return nil
}

// =============================================================================
// INVOICES
// =============================================================================

func (s *Store) SaveInvoice(_ context.Context, inv *invoice.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveInvoice(inv)
}

func (s *Store) GetInvoice(_ context.Context, id generic.InvoiceID) (*invoice.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getInvoice(id)
}

func (s *Store) FindInvoice(_ context.Context, contractID generic.ContractID, kind invoice.Kind, periodStart generic.Date, sourceID string) (*invoice.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findInvoice(contractID, kind, periodStart, sourceID), nil
}

func (s *Store) ListInvoices(_ context.Context, f invoice.Filter) ([]*invoice.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listInvoices(f), nil
}

func (d *data) saveInvoice(inv *invoice.Invoice) error {
	if _, ok := d.contracts[inv.ContractID]; !ok {
		return errors.Wrapf(generic.ErrContractNotFound, "contract %s", inv.ContractID)
	}
	if other := d.findInvoice(inv.ContractID, inv.Kind, inv.PeriodStart, inv.SourceID); other != nil && other.ID != inv.ID {
		return errors.Wrapf(generic.ErrDuplicateInvoice, "%s invoice for %s starting %s exists: %s",
			inv.Kind, inv.ContractID, inv.PeriodStart, other.ID)
	}
	d.invoices[inv.ID] = inv.Clone()
	return nil
}

func (d *data) getInvoice(id generic.InvoiceID) (*invoice.Invoice, error) {
	inv, ok := d.invoices[id]
	if !ok {
		return nil, errors.Wrapf(generic.ErrInvoiceNotFound, "invoice %s", id)
	}
	return inv.Clone(), nil
}

func (d *data) findInvoice(contractID generic.ContractID, kind invoice.Kind, periodStart generic.Date, sourceID string) *invoice.Invoice {
	for _, inv := range d.invoices {
		if inv.ContractID == contractID && inv.Kind == kind &&
			inv.PeriodStart.Equal(periodStart) && inv.SourceID == sourceID {
			return inv.Clone()
		}
	}
	return nil
}

func (d *data) listInvoices(f invoice.Filter) []*invoice.Invoice {
	var out []*invoice.Invoice
	for _, inv := range d.invoices {
		if f.Matches(inv) {
			out = append(out, inv.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *invoice.Invoice) int {
		if c := a.PeriodStart.Time().Compare(b.PeriodStart.Time()); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For the memory store, this is simulated with a snapshot + rollback on error.
// The store lock is held for the whole of fn.
func (s *Store) WithTx(_ context.Context, fn func(store.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.snapshot()
	if err := fn(&txView{d: &s.data}); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

// Reset drops all data.
func (s *Store) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = newData()
	return nil
}

// snapshot copies the maps. Stored values are never mutated in place, so a
// shallow copy of each map is enough.
func (s *Store) snapshot() data {
	cp := newData()
	for k, v := range s.contracts {
		cp.contracts[k] = v
	}
	for k, v := range s.events {
		cp.events[k] = v
	}
	for k, v := range s.entries {
		cp.entries[k] = slices.Clone(v)
	}
	for k, v := range s.invoices {
		cp.invoices[k] = v
	}
	return cp
}

// txView reads and writes the store's data while WithTx holds the lock.
type txView struct {
	d *data
}

func (tv *txView) SaveContract(_ context.Context, c *contract.Contract) error {
	return tv.d.saveContract(c)
}

func (tv *txView) GetContract(_ context.Context, id generic.ContractID) (*contract.Contract, error) {
	return tv.d.getContract(id)
}

func (tv *txView) ListContracts(_ context.Context, f contract.Filter) ([]*contract.Contract, error) {
	return tv.d.listContracts(f), nil
}

func (tv *txView) SaveEvent(_ context.Context, e *ledger.Event) error {
	return tv.d.saveEvent(e)
}

func (tv *txView) GetEvent(_ context.Context, id generic.EventID) (*ledger.Event, error) {
	return tv.d.getEvent(id)
}

func (tv *txView) ListEvents(_ context.Context, contractID generic.ContractID) ([]*ledger.Event, error) {
	return tv.d.listEvents(contractID), nil
}

func (tv *txView) ActiveEventOn(_ context.Context, contractID generic.ContractID, date generic.Date) (*ledger.Event, error) {
	return tv.d.activeEventOn(contractID, date), nil
}

func (tv *txView) AppendEntries(_ context.Context, entries ...ledger.Entry) error {
	return tv.d.appendEntries(entries)
}

func (tv *txView) ListEntries(_ context.Context, contractID generic.ContractID) ([]ledger.Entry, error) {
	return slices.Clone(tv.d.entries[contractID]), nil
}

func (tv *txView) SaveInvoice(_ context.Context, inv *invoice.Invoice) error {
	return tv.d.saveInvoice(inv)
}

func (tv *txView) GetInvoice(_ context.Context, id generic.InvoiceID) (*invoice.Invoice, error) {
	return tv.d.getInvoice(id)
}

func (tv *txView) FindInvoice(_ context.Context, contractID generic.ContractID, kind invoice.Kind, periodStart generic.Date, sourceID string) (*invoice.Invoice, error) {
	return tv.d.findInvoice(contractID, kind, periodStart, sourceID), nil
}

func (tv *txView) ListInvoices(_ context.Context, f invoice.Filter) ([]*invoice.Invoice, error) {
	return tv.d.listInvoices(f), nil
}
