/*
engine.go - Invoice materialization, refresh and send lifecycle

PURPOSE:
  Invoices are created on demand when their period becomes due, or earlier
  when attendance already affects them, and recomputed in place until sent.

AMOUNTS:
  final_amount = base_amount + auto_adjustment + manual_adjustment

  auto_adjustment = -unit_price * (deferred absences claimed by the invoice)

  A deferred absence (deduct_next on a periodic contract) targets the next
  period for prepaid contracts and the same period for postpaid ones. It is
  claimed by the earliest unsent invoice starting on or after the target, so
  an absence whose target invoice already went out rolls forward instead of
  being lost. When every period from the target on is already invoiced and
  frozen, the absence gets a credit note of its own (kind credit,
  source = event ID).

SEND STATES:
  not_sent ──▶ partial ──▶ sent
      └──────────────────────▲

  partial and sent both freeze amounts and claimed absences. Sending a sent
  invoice fails with AlreadySent; adjusting a frozen one with InvoiceFrozen.

SIDE EFFECTS:
  Sending a prepaid periodic invoice materializes the next period's invoice.

LOCKING:
  Every method that writes expects the caller to hold the contract lock.
*/
package invoice

import (
	"context"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/contract"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/ledger"
)

// EventSource lists a contract's attendance events, voided included.
type EventSource interface {
	ListEvents(ctx context.Context, contractID generic.ContractID) ([]*ledger.Event, error)
}

type Engine struct {
	store    Store
	events   EventSource
	leadDays int
	now      func() time.Time
}

func NewEngine(store Store, events EventSource, prepaidLeadDays int) *Engine {
	return &Engine{store: store, events: events, leadDays: prepaidLeadDays, now: time.Now}
}

// WithClock overrides the timestamp source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Schedule returns the billing calendar the engine uses for c.
func (e *Engine) Schedule(c *contract.Contract) *Schedule {
	return NewSchedule(c, e.leadDays)
}

// =============================================================================
// MATERIALIZE / REFRESH
// =============================================================================

// MaterializeOrRefresh creates the invoices of every period due by asOf that
// has none, refreshes all unsent invoices of the contract, and returns the
// invoice of the current due period.
func (e *Engine) MaterializeOrRefresh(ctx context.Context, c *contract.Contract, asOf generic.Date) (*Invoice, error) {
	if err := billable(c); err != nil {
		return nil, err
	}
	sched := e.Schedule(c)
	current, err := sched.DuePeriod(asOf)
	if err != nil {
		return nil, err
	}

	var currentInv *Invoice
	for _, p := range sched.DuePeriods(asOf) {
		inv, err := e.ensure(ctx, c, sched, p)
		if err != nil {
			return nil, err
		}
		if p.Start.Equal(current.Start) {
			currentInv = inv
		}
	}
	if _, err := e.MaterializeExtensions(ctx, c); err != nil {
		return nil, err
	}
	if err := e.Refresh(ctx, c); err != nil {
		return nil, err
	}
	return e.store.GetInvoice(ctx, currentInv.ID)
}

// Materialize creates the invoice for the period containing d if missing.
// Used when attendance affects a period before it is due.
func (e *Engine) Materialize(ctx context.Context, c *contract.Contract, d generic.Date) (*Invoice, error) {
	if err := billable(c); err != nil {
		return nil, err
	}
	sched := e.Schedule(c)
	p, ok := sched.PeriodContaining(d)
	if !ok {
		return nil, errors.Wrapf(generic.ErrInvalidPeriod, "%s is outside contract %s", d, c.Span())
	}
	return e.ensure(ctx, c, sched, p)
}

// Affect materializes whatever invoice an event on d adjusts, then refreshes.
// Postpaid events land in their own period; prepaid deferred absences in
// the credit target. Non-billable contracts are left alone.
func (e *Engine) Affect(ctx context.Context, c *contract.Contract, d generic.Date, effect ledger.Effect) error {
	if billable(c) != nil {
		return nil
	}
	sched := e.Schedule(c)
	var (
		target generic.Period
		ok     bool
	)
	switch {
	case effect == ledger.EffectDeferCredit:
		target, ok = sched.CreditTarget(d)
	case c.BillingType == contract.BillingPostpaid:
		target, ok = sched.PeriodContaining(d)
	}
	if ok {
		if _, err := e.ensure(ctx, c, sched, target); err != nil {
			return err
		}
	}
	return e.Refresh(ctx, c)
}

// Refresh recomputes base and auto adjustment of every unsent regular
// invoice of the contract and settles deferred absences that no open
// invoice can absorb.
func (e *Engine) Refresh(ctx context.Context, c *contract.Contract) error {
	all, err := e.store.ListInvoices(ctx, Filter{ContractID: c.ID})
	if err != nil {
		return err
	}
	invoices := lo.Filter(all, func(inv *Invoice, _ int) bool { return inv.Kind == KindRegular })
	if len(invoices) == 0 {
		return nil
	}
	notes := lo.Filter(all, func(inv *Invoice, _ int) bool { return inv.Kind == KindCredit })
	events, err := e.events.ListEvents(ctx, c.ID)
	if err != nil {
		return err
	}

	sched := e.Schedule(c)
	credits := ledger.DeferredCredits(events)
	noted := lo.SliceToMap(notes, func(inv *Invoice) (generic.EventID, bool) { return generic.EventID(inv.SourceID), true })
	pending := lo.Filter(credits, func(ev *ledger.Event, _ int) bool { return !noted[ev.ID] })

	claims, orphans := claimCredits(sched, invoices, pending)
	if len(orphans) > 0 {
		added, err := e.ensureLaterPeriods(ctx, c, sched, invoices, orphans)
		if err != nil {
			return err
		}
		if len(added) > 0 {
			invoices = append(invoices, added...)
			claims, orphans = claimCredits(sched, invoices, pending)
		}
	}

	unitPrice := c.EffectiveUnitPrice()
	now := e.now()

	for _, inv := range invoices {
		if inv.Frozen() {
			continue
		}
		claimed := claims[inv.ID]
		base := sched.BaseAmount(inv.Period())
		auto := unitPrice.Mul(decimal.NewFromInt(int64(len(claimed)))).Neg()

		if base.Equal(inv.BaseAmount) && auto.Equal(inv.AutoAdjustment) && slices.Equal(claimed, inv.AdjustedEventIDs) {
			continue
		}
		inv.BaseAmount = base
		inv.AutoAdjustment = auto
		inv.AdjustedEventIDs = claimed
		inv.recomputeFinal()
		inv.UpdatedAt = now
		if err := e.store.SaveInvoice(ctx, inv); err != nil {
			return err
		}
	}

	// Unsent credit notes follow their absence through void and amend.
	active := lo.SliceToMap(credits, func(ev *ledger.Event) (generic.EventID, bool) { return ev.ID, true })
	for _, note := range notes {
		if note.Frozen() {
			continue
		}
		id := generic.EventID(note.SourceID)
		var claimed []generic.EventID
		if active[id] {
			claimed = []generic.EventID{id}
		}
		auto := unitPrice.Mul(decimal.NewFromInt(int64(len(claimed)))).Neg()
		if auto.Equal(note.AutoAdjustment) && slices.Equal(claimed, note.AdjustedEventIDs) {
			continue
		}
		note.AutoAdjustment = auto
		note.AdjustedEventIDs = claimed
		note.recomputeFinal()
		note.UpdatedAt = now
		if err := e.store.SaveInvoice(ctx, note); err != nil {
			return err
		}
	}

	for _, ev := range orphans {
		target, _ := sched.CreditTarget(ev.OccurredAt)
		note := newInvoice(c.ID, KindCredit, target, generic.DateOf(now), now)
		note.SourceID = string(ev.ID)
		note.AutoAdjustment = unitPrice.Neg()
		note.AdjustedEventIDs = []generic.EventID{ev.ID}
		note.recomputeFinal()
		if err := e.store.SaveInvoice(ctx, note); err != nil {
			return err
		}
	}
	return nil
}

// claimCredits assigns each unclaimed deferred absence to the earliest unsent
// invoice starting on or after its credit target. Frozen invoices keep what
// they claimed when they were sent. Absences no open invoice can take are
// returned as orphans.
func claimCredits(sched *Schedule, invoices []*Invoice, credits []*ledger.Event) (map[generic.InvoiceID][]generic.EventID, []*ledger.Event) {
	frozen := lo.SliceToMap(
		lo.FlatMap(lo.Filter(invoices, func(inv *Invoice, _ int) bool { return inv.Frozen() }),
			func(inv *Invoice, _ int) []generic.EventID { return inv.AdjustedEventIDs }),
		func(id generic.EventID) (generic.EventID, bool) { return id, true },
	)
	open := lo.Filter(invoices, func(inv *Invoice, _ int) bool { return !inv.Frozen() })
	slices.SortFunc(open, func(a, b *Invoice) int { return a.PeriodStart.Time().Compare(b.PeriodStart.Time()) })

	claims := make(map[generic.InvoiceID][]generic.EventID)
	var orphans []*ledger.Event
	for _, ev := range credits {
		if frozen[ev.ID] {
			continue
		}
		target, ok := sched.CreditTarget(ev.OccurredAt)
		if !ok {
			continue
		}
		inv, found := lo.Find(open, func(inv *Invoice) bool { return inv.PeriodStart.AfterOrEqual(target.Start) })
		if !found {
			orphans = append(orphans, ev)
			continue
		}
		claims[inv.ID] = append(claims[inv.ID], ev.ID)
	}
	return claims, orphans
}

// ensureLaterPeriods materializes, for each orphaned absence, the first
// period at or after its target that has no invoice yet.
func (e *Engine) ensureLaterPeriods(ctx context.Context, c *contract.Contract, sched *Schedule, invoices []*Invoice, orphans []*ledger.Event) ([]*Invoice, error) {
	invoiced := lo.SliceToMap(invoices, func(inv *Invoice) (string, bool) { return inv.PeriodStart.String(), true })
	var added []*Invoice
	for _, ev := range orphans {
		target, _ := sched.CreditTarget(ev.OccurredAt)
		p, found := lo.Find(sched.Periods(), func(p generic.Period) bool {
			return p.Start.AfterOrEqual(target.Start) && !invoiced[p.Start.String()]
		})
		if !found {
			continue
		}
		inv, err := e.ensure(ctx, c, sched, p)
		if err != nil {
			return nil, err
		}
		invoiced[p.Start.String()] = true
		added = append(added, inv)
	}
	return added, nil
}

// MaterializeExtensions creates the missing extension invoices of c. The
// period of an extension invoice is the day the extension was granted.
func (e *Engine) MaterializeExtensions(ctx context.Context, c *contract.Contract) ([]*Invoice, error) {
	if err := billable(c); err != nil {
		return nil, err
	}
	var created []*Invoice
	for _, ext := range c.Extensions {
		if !ext.ExtensionAmount.IsPositive() {
			continue
		}
		day := generic.DateOf(ext.At)
		existing, err := e.store.FindInvoice(ctx, c.ID, KindExtension, day, ext.ID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			continue
		}
		inv := newInvoice(c.ID, KindExtension, generic.Period{Start: day, End: day}, day, e.now())
		inv.SourceID = ext.ID
		inv.BaseAmount = ext.ExtensionAmount
		inv.recomputeFinal()
		if err := e.store.SaveInvoice(ctx, inv); err != nil {
			return nil, err
		}
		created = append(created, inv)
	}
	return created, nil
}

func (e *Engine) ensure(ctx context.Context, c *contract.Contract, sched *Schedule, p generic.Period) (*Invoice, error) {
	existing, err := e.store.FindInvoice(ctx, c.ID, KindRegular, p.Start, "")
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	inv := newInvoice(c.ID, KindRegular, p, sched.DueDate(p), e.now())
	inv.BaseAmount = sched.BaseAmount(p)
	inv.recomputeFinal()
	if err := e.store.SaveInvoice(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// =============================================================================
// SEND LIFECYCLE
// =============================================================================

// Send freezes the invoice and marks it sent. A partial invoice is completed.
// Prepaid periodic contracts get their next period's invoice materialized.
func (e *Engine) Send(ctx context.Context, c *contract.Contract, id generic.InvoiceID) (*Invoice, error) {
	inv, err := e.load(ctx, c, id)
	if err != nil {
		return nil, err
	}
	if inv.SendStatus == Sent {
		return nil, errors.Wrapf(generic.ErrAlreadySent, "invoice %s", id)
	}
	if inv.SendStatus == NotSent {
		if err := e.Refresh(ctx, c); err != nil {
			return nil, err
		}
		if inv, err = e.load(ctx, c, id); err != nil {
			return nil, err
		}
	}

	now := e.now()
	inv.SendStatus = Sent
	inv.SentAt = &now
	inv.UpdatedAt = now
	if err := e.store.SaveInvoice(ctx, inv); err != nil {
		return nil, err
	}

	if inv.Kind == KindRegular && c.BillingType == contract.BillingPrepaid && c.IsPeriodic() {
		sched := e.Schedule(c)
		if next, ok := sched.Next(inv.Period()); ok {
			if _, err := e.ensure(ctx, c, sched, next); err != nil {
				return nil, err
			}
			if err := e.Refresh(ctx, c); err != nil {
				return nil, err
			}
		}
	}
	return inv, nil
}

// MarkPartial records that delivery reached only some recipients. Amounts
// freeze; a later Send completes it.
func (e *Engine) MarkPartial(ctx context.Context, c *contract.Contract, id generic.InvoiceID) (*Invoice, error) {
	inv, err := e.load(ctx, c, id)
	if err != nil {
		return nil, err
	}
	switch inv.SendStatus {
	case Sent:
		return nil, errors.Wrapf(generic.ErrAlreadySent, "invoice %s", id)
	case Partial:
		return inv, nil
	}
	if err := e.Refresh(ctx, c); err != nil {
		return nil, err
	}
	if inv, err = e.load(ctx, c, id); err != nil {
		return nil, err
	}
	now := e.now()
	inv.SendStatus = Partial
	inv.PartialAt = &now
	inv.UpdatedAt = now
	if err := e.store.SaveInvoice(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// ApplyManualAdjustment sets the operator adjustment of an unsent invoice.
func (e *Engine) ApplyManualAdjustment(ctx context.Context, c *contract.Contract, id generic.InvoiceID, amount decimal.Decimal, reason string) (*Invoice, error) {
	if reason == "" {
		return nil, errors.Wrap(generic.ErrValidation, "manual adjustment reason is required")
	}
	inv, err := e.load(ctx, c, id)
	if err != nil {
		return nil, err
	}
	if inv.Frozen() {
		return nil, errors.Wrapf(generic.ErrInvoiceFrozen, "invoice %s is %s", id, inv.SendStatus)
	}
	inv.ManualAdjustment = amount
	inv.ManualReason = reason
	inv.recomputeFinal()
	inv.UpdatedAt = e.now()
	if err := e.store.SaveInvoice(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func (e *Engine) load(ctx context.Context, c *contract.Contract, id generic.InvoiceID) (*Invoice, error) {
	inv, err := e.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.ContractID != c.ID {
		return nil, errors.Wrapf(generic.ErrInvoiceNotFound, "invoice %s on contract %s", id, c.ID)
	}
	return inv, nil
}

func billable(c *contract.Contract) error {
	if c.Status != contract.StatusSent {
		return errors.Wrapf(generic.ErrNotBillable, "contract %s is %s", c.ID, c.Status)
	}
	return nil
}
