/*
Package settlement is the single entry point for every engine operation.

PURPOSE:
  HTTP handlers, the billing scheduler and the CLI all go through Service.
  It owns the cross-cutting discipline the domain packages assume:

	lock(contract) -> store tx -> domain operation -> side effects -> commit

CONCURRENCY:
  Every sequence that reads then writes a contract's counters, entitlement
  or invoices holds the contract's lock for its whole duration: record,
  void, amend, extend, confirm, send, materialize, invoice send and manual
  adjustment. A lock that cannot be acquired within the configured timeout
  fails with ErrLockTimeout, which callers may retry.

  Reads (ConsumedUpTo, listings, classification) take no lock. They see the
  last committed state.

SIDE EFFECTS:
  - contract sent (prepaid)     -> opening period invoice
  - contract extended           -> extension invoice, refreshed invoices
  - attendance record/void/amend -> affected invoice materialized, unsent
                                   invoices refreshed
  - prepaid invoice sent        -> next period invoice (invoice.Engine.Send)
*/
package settlement

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/contract"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/invoice"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/logger"
	"github.com/warp/settlement-engine/metrics"
	"github.com/warp/settlement-engine/pricing"
	"github.com/warp/settlement-engine/store"
)

// Options tunes the service. Zero values are usable.
type Options struct {
	PrepaidLeadDays int
	LockTimeout     time.Duration
	MonthCounter    pricing.MonthCounter
	Now             func() time.Time
}

type Service struct {
	repo     store.TxRepository
	locks    *generic.KeyedLocker
	calc     *pricing.Calculator
	leadDays int
	now      func() time.Time
	log      *logger.Logger
}

func NewService(repo store.TxRepository, opts Options, log *logger.Logger) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{
		repo:     repo,
		locks:    generic.NewKeyedLocker(opts.LockTimeout),
		calc:     pricing.NewCalculator(opts.MonthCounter),
		leadDays: opts.PrepaidLeadDays,
		now:      opts.Now,
		log:      log,
	}
}

// Calculator is the pricing calculator every caller must use.
func (s *Service) Calculator() *pricing.Calculator { return s.calc }

// Today is the service's current calendar day.
func (s *Service) Today() generic.Date { return generic.DateOf(s.now()) }

// Repository exposes the underlying store for maintenance endpoints.
func (s *Service) Repository() store.TxRepository { return s.repo }

// =============================================================================
// UNIT OF WORK
// =============================================================================

// work is what an operation sees inside its transaction.
type work struct {
	repo   store.Repository
	ledger *ledger.Ledger
	engine *invoice.Engine
	c      *contract.Contract
}

// withContract locks the contract, opens a transaction, loads the contract,
// runs fn and saves the contract before commit.
func (s *Service) withContract(ctx context.Context, op string, id generic.ContractID, fn func(w *work) error) (err error) {
	start := time.Now()
	defer func() {
		metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		metrics.OperationsTotal.WithLabelValues(op, outcomeOf(err)).Inc()
		if err != nil {
			s.logFailure(op, id, err)
		}
	}()

	unlock, err := s.locks.Lock(ctx, string(id))
	if err != nil {
		metrics.LockTimeouts.Inc()
		return err
	}
	defer unlock()

	return s.repo.WithTx(ctx, func(tx store.Repository) error {
		c, err := tx.GetContract(ctx, id)
		if err != nil {
			return err
		}
		w := &work{
			repo:   tx,
			ledger: ledger.New(tx).WithClock(s.now),
			engine: invoice.NewEngine(tx, tx, s.leadDays).WithClock(s.now),
			c:      c,
		}
		if err := fn(w); err != nil {
			return err
		}
		w.c.UpdatedAt = s.now()
		return tx.SaveContract(ctx, w.c)
	})
}

func (s *Service) logFailure(op string, id generic.ContractID, err error) {
	switch {
	case generic.IsClientError(err), generic.IsConflict(err), generic.IsNotFound(err):
		s.log.Infow("operation rejected", "operation", op, "contract_id", id, "error", err.Error())
	case generic.IsRetryable(err):
		s.log.Warnw("operation not started", "operation", op, "contract_id", id, "error", err.Error())
	default:
		s.log.Errorw("operation failed", "operation", op, "contract_id", id, "error", err.Error())
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case generic.IsRetryable(err):
		return metrics.OutcomeRetry
	case generic.IsConflict(err):
		return metrics.OutcomeConflict
	case generic.IsClientError(err), generic.IsNotFound(err):
		return metrics.OutcomeRejected
	}
	return metrics.OutcomeError
}

// =============================================================================
// CONTRACTS
// =============================================================================

// CreateContract stores a new draft and prices it.
func (s *Service) CreateContract(ctx context.Context, c *contract.Contract) (*contract.Contract, error) {
	c = c.Clone()
	if c.ID == "" {
		c.ID = generic.ContractID(generic.NewID(generic.PrefixContract))
	}
	now := s.now()
	c.Status = contract.StatusDraft
	c.SessionsUsed, c.AmountUsed = 0, decimal.Zero
	c.CreatedAt, c.UpdatedAt = now, now
	c.ConfirmedAt, c.SentAt = nil, nil
	if err := c.Validate(); err != nil {
		return nil, err
	}
	s.calc.Apply(c)

	err := s.repo.WithTx(ctx, func(tx store.Repository) error {
		if _, err := tx.GetContract(ctx, c.ID); err == nil {
			return errors.Wrapf(generic.ErrValidation, "contract %s already exists", c.ID)
		} else if !errors.Is(err, generic.ErrContractNotFound) {
			return err
		}
		return tx.SaveContract(ctx, c)
	})
	metrics.OperationsTotal.WithLabelValues("create_contract", outcomeOf(err)).Inc()
	if err != nil {
		return nil, err
	}
	s.log.Infow("contract created", "contract_id", c.ID, "kind", c.Kind(), "unit_price", c.UnitPrice.String(),
		"planned_count", c.PlannedCount)
	return c, nil
}

func (s *Service) GetContract(ctx context.Context, id generic.ContractID) (*contract.Contract, error) {
	return s.repo.GetContract(ctx, id)
}

func (s *Service) ListContracts(ctx context.Context, f contract.Filter) ([]*contract.Contract, error) {
	return s.repo.ListContracts(ctx, f)
}

// Quote prices a stored contract without changing it.
func (s *Service) Quote(ctx context.Context, id generic.ContractID) (pricing.Quote, error) {
	c, err := s.repo.GetContract(ctx, id)
	if err != nil {
		return pricing.Quote{}, err
	}
	return s.calc.Quote(c), nil
}

// ConfirmContract finalizes terms and fixes the computed price.
func (s *Service) ConfirmContract(ctx context.Context, id generic.ContractID) (*contract.Contract, error) {
	var out *contract.Contract
	err := s.withContract(ctx, "confirm_contract", id, func(w *work) error {
		if err := contract.Confirm(w.c, s.now()); err != nil {
			return err
		}
		s.calc.Apply(w.c)
		out = w.c
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Infow("contract confirmed", "contract_id", id, "unit_price", out.UnitPrice.String())
	return out, nil
}

// SendContract delivers the contract. Prepaid contracts get their opening
// invoice.
func (s *Service) SendContract(ctx context.Context, id generic.ContractID) (*contract.Contract, *invoice.Invoice, error) {
	var (
		out   *contract.Contract
		first *invoice.Invoice
	)
	err := s.withContract(ctx, "send_contract", id, func(w *work) error {
		if err := contract.MarkSent(w.c, s.now()); err != nil {
			return err
		}
		if w.c.BillingType == contract.BillingPrepaid {
			inv, err := w.engine.Materialize(ctx, w.c, w.c.StartedAt)
			if err != nil {
				return err
			}
			first = inv
		}
		if _, err := w.engine.MaterializeExtensions(ctx, w.c); err != nil {
			return err
		}
		out = w.c
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	s.log.Infow("contract sent", "contract_id", id, "opening_invoice", first != nil)
	return out, first, nil
}

// SetManualUnitPrice sets (or clears, with nil) the operator override and
// refreshes unsent invoices.
func (s *Service) SetManualUnitPrice(ctx context.Context, id generic.ContractID, price *decimal.Decimal) (*contract.Contract, error) {
	if price != nil && price.IsNegative() {
		return nil, errors.Wrap(generic.ErrValidation, "unit price must not be negative")
	}
	var out *contract.Contract
	err := s.withContract(ctx, "set_unit_price", id, func(w *work) error {
		w.c.ManualUnitPrice = price
		if err := s.refresh(ctx, w); err != nil {
			return err
		}
		out = w.c
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Infow("unit price override changed", "contract_id", id, "override", price != nil)
	return out, nil
}

// ExtendContract applies an extension, reprices the contract and bills the
// extension when the contract is billable.
func (s *Service) ExtendContract(ctx context.Context, id generic.ContractID, req contract.ExtensionRequest) (*contract.Contract, contract.Extension, error) {
	var (
		out *contract.Contract
		ext contract.Extension
	)
	err := s.withContract(ctx, "extend_contract", id, func(w *work) error {
		var err error
		if ext, err = contract.Extend(w.c, req, s.now()); err != nil {
			return err
		}
		s.calc.Apply(w.c)
		if w.c.Status == contract.StatusSent {
			if _, err := w.engine.MaterializeExtensions(ctx, w.c); err != nil {
				return err
			}
		}
		if err := s.refresh(ctx, w); err != nil {
			return err
		}
		out = w.c
		return nil
	})
	if err != nil {
		return nil, contract.Extension{}, err
	}
	s.log.Infow("contract extended", "contract_id", id, "delta", ext.Delta.String(),
		"extension_amount", ext.ExtensionAmount.String())
	return out, ext, nil
}

func (s *Service) refresh(ctx context.Context, w *work) error {
	if w.c.Status != contract.StatusSent {
		return nil
	}
	return w.engine.Refresh(ctx, w.c)
}

// =============================================================================
// ATTENDANCE
// =============================================================================

// RecordAttendance records an event and updates the affected invoice.
func (s *Service) RecordAttendance(ctx context.Context, contractID generic.ContractID, ev ledger.Event) (*ledger.Event, error) {
	var out *ledger.Event
	err := s.withContract(ctx, "record_attendance", contractID, func(w *work) error {
		e, err := w.ledger.Record(ctx, w.c, ev)
		if err != nil {
			return err
		}
		if err := w.engine.Affect(ctx, w.c, e.OccurredAt, e.Effect); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Infow("attendance recorded", "contract_id", contractID, "event_id", out.ID,
		"status", out.Status, "effect", out.Effect, "occurred_at", out.OccurredAt.String())
	return out, nil
}

// VoidAttendance voids an event and releases what it consumed.
func (s *Service) VoidAttendance(ctx context.Context, id generic.EventID, reason, by string) (*ledger.Event, error) {
	contractID, err := s.contractOfEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	var out *ledger.Event
	err = s.withContract(ctx, "void_attendance", contractID, func(w *work) error {
		e, err := w.ledger.Void(ctx, w.c, id, reason, by)
		if err != nil {
			return err
		}
		if err := w.engine.Affect(ctx, w.c, e.OccurredAt, e.Effect); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Infow("attendance voided", "contract_id", contractID, "event_id", id, "reason", reason)
	return out, nil
}

// AmendAttendance replaces the mutable fields of an event.
func (s *Service) AmendAttendance(ctx context.Context, id generic.EventID, ch ledger.Changes, reason, by string) (*ledger.Event, error) {
	contractID, err := s.contractOfEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	var out *ledger.Event
	err = s.withContract(ctx, "amend_attendance", contractID, func(w *work) error {
		before, err := w.repo.GetEvent(ctx, id)
		if err != nil {
			return err
		}
		e, err := w.ledger.Amend(ctx, w.c, id, ch, reason, by)
		if err != nil {
			return err
		}
		if err := w.engine.Affect(ctx, w.c, before.OccurredAt, before.Effect); err != nil {
			return err
		}
		if err := w.engine.Affect(ctx, w.c, e.OccurredAt, e.Effect); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Infow("attendance amended", "contract_id", contractID, "event_id", id, "reason", reason)
	return out, nil
}

func (s *Service) contractOfEvent(ctx context.Context, id generic.EventID) (generic.ContractID, error) {
	e, err := s.repo.GetEvent(ctx, id)
	if err != nil {
		return "", err
	}
	return e.ContractID, nil
}

// ConsumedUpTo is the lock-free consumption query.
func (s *Service) ConsumedUpTo(ctx context.Context, contractID generic.ContractID, date generic.Date) (generic.Amount, error) {
	c, err := s.repo.GetContract(ctx, contractID)
	if err != nil {
		return generic.Amount{}, err
	}
	return ledger.New(s.repo).ConsumedUpTo(ctx, c, date)
}

func (s *Service) Events(ctx context.Context, contractID generic.ContractID, includeVoided bool) ([]*ledger.Event, error) {
	if _, err := s.repo.GetContract(ctx, contractID); err != nil {
		return nil, err
	}
	return ledger.New(s.repo).Events(ctx, contractID, includeVoided)
}

func (s *Service) Event(ctx context.Context, id generic.EventID) (*ledger.Event, error) {
	return s.repo.GetEvent(ctx, id)
}

func (s *Service) Entries(ctx context.Context, contractID generic.ContractID) ([]ledger.Entry, error) {
	if _, err := s.repo.GetContract(ctx, contractID); err != nil {
		return nil, err
	}
	return ledger.New(s.repo).Entries(ctx, contractID)
}

// Reconcile compares cached counters with the journal.
func (s *Service) Reconcile(ctx context.Context, contractID generic.ContractID) (ledger.Reconciliation, error) {
	c, err := s.repo.GetContract(ctx, contractID)
	if err != nil {
		return ledger.Reconciliation{}, err
	}
	r, err := ledger.New(s.repo).Reconcile(ctx, c)
	if err != nil {
		return r, err
	}
	if !r.InSync {
		s.log.Warnw("consumption drift", "contract_id", contractID,
			"cached", r.Cached.Value.String(), "journal", r.Journal.Value.String(), "events", r.Events.Value.String())
	}
	return r, nil
}

// =============================================================================
// INVOICES
// =============================================================================

// MaterializeOrRefresh bills every period due by asOf and refreshes unsent
// invoices. Returns the current due period's invoice.
func (s *Service) MaterializeOrRefresh(ctx context.Context, contractID generic.ContractID, asOf generic.Date) (*invoice.Invoice, error) {
	var out *invoice.Invoice
	err := s.withContract(ctx, "materialize_invoice", contractID, func(w *work) error {
		inv, err := w.engine.MaterializeOrRefresh(ctx, w.c, asOf)
		out = inv
		return err
	})
	return out, err
}

// SendInvoice freezes and sends an invoice.
func (s *Service) SendInvoice(ctx context.Context, id generic.InvoiceID) (*invoice.Invoice, error) {
	return s.invoiceOp(ctx, "send_invoice", id, func(w *work) (*invoice.Invoice, error) {
		inv, err := w.engine.Send(ctx, w.c, id)
		if err == nil {
			metrics.InvoicesSent.WithLabelValues(string(inv.Kind), string(inv.SendStatus)).Inc()
			s.log.Infow("invoice sent", "contract_id", inv.ContractID, "invoice_id", id,
				"period", inv.Period().String(), "final_amount", inv.FinalAmount.String())
		}
		return inv, err
	})
}

// MarkInvoicePartial records a partial delivery.
func (s *Service) MarkInvoicePartial(ctx context.Context, id generic.InvoiceID) (*invoice.Invoice, error) {
	return s.invoiceOp(ctx, "partial_invoice", id, func(w *work) (*invoice.Invoice, error) {
		inv, err := w.engine.MarkPartial(ctx, w.c, id)
		if err == nil {
			metrics.InvoicesSent.WithLabelValues(string(inv.Kind), string(inv.SendStatus)).Inc()
		}
		return inv, err
	})
}

// ApplyManualAdjustment sets the operator adjustment of an unsent invoice.
func (s *Service) ApplyManualAdjustment(ctx context.Context, id generic.InvoiceID, amount decimal.Decimal, reason string) (*invoice.Invoice, error) {
	return s.invoiceOp(ctx, "adjust_invoice", id, func(w *work) (*invoice.Invoice, error) {
		return w.engine.ApplyManualAdjustment(ctx, w.c, id, amount, reason)
	})
}

func (s *Service) invoiceOp(ctx context.Context, op string, id generic.InvoiceID, fn func(w *work) (*invoice.Invoice, error)) (*invoice.Invoice, error) {
	inv, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	var out *invoice.Invoice
	err = s.withContract(ctx, op, inv.ContractID, func(w *work) error {
		res, err := fn(w)
		out = res
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) GetInvoice(ctx context.Context, id generic.InvoiceID) (*invoice.Invoice, error) {
	return s.repo.GetInvoice(ctx, id)
}

func (s *Service) ListInvoices(ctx context.Context, f invoice.Filter) ([]*invoice.Invoice, error) {
	return s.repo.ListInvoices(ctx, f)
}

// Classify buckets the matching invoices as of today.
func (s *Service) Classify(ctx context.Context, f invoice.Filter, today generic.Date) (invoice.Classification, error) {
	invoices, err := s.repo.ListInvoices(ctx, f)
	if err != nil {
		return invoice.Classification{}, err
	}
	return invoice.Classify(invoices, today), nil
}
