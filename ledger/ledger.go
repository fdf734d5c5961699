/*
Package ledger records attendance against contracts and derives consumption.

PURPOSE:
  The ledger is the only writer of sessions_used / amount_used. Every counter
  change is backed by an immutable journal entry, and every journal entry is
  backed by an attendance event, so "why is amount_used X?" is always
  answered by replaying the journal.

INVARIANTS:
  1. ONE OCCURRENCE PER DAY: at most one non-voided event per
     (contract, occurred_at). A second one fails with DuplicateOccurrence.
  2. NO OVERRUN: consumption never pushes used past the entitlement ceiling;
     the write is rejected with EntitlementExceeded, never clamped.
  3. APPEND-ONLY JOURNAL: void and amend append reversals, they never edit
     or delete entries. Voided events stay retrievable for audit.

OPERATIONS:
  Record        validate -> duplicate check -> rule table -> ceiling -> write
  Void          reverse the applied delta, mark voided (reason required)
  Amend         void-then-reapply under the same event ID
  ConsumedUpTo  sum of non-reversed consumption with occurred_at <= date

  All writes are idempotent per event ID: recording an existing active event
  returns it unchanged, voiding a voided event is a no-op.

LOCKING:
  The ledger mutates the contract passed in and expects the caller to hold
  the contract's lock and persist the contract in the same transaction. See
  settlement.Service.

SEE ALSO:
  - policy.go: absence policy rule table
  - invoice/engine.go: turns deferred credits into auto_adjustment
*/
package ledger

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"github.com/warp/settlement-engine/contract"
	"github.com/warp/settlement-engine/generic"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// WithClock overrides the timestamp source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Record adds an attendance event to the contract and applies its effect.
func (l *Ledger) Record(ctx context.Context, c *contract.Contract, ev Event) (*Event, error) {
	if ev.ID != "" {
		existing, err := l.store.GetEvent(ctx, ev.ID)
		switch {
		case err == nil:
			if existing.ContractID != c.ID {
				return nil, errors.Wrapf(generic.ErrValidation, "event %s belongs to contract %s", ev.ID, existing.ContractID)
			}
			if existing.Voided {
				return nil, errors.Wrapf(generic.ErrEventVoided, "event %s", ev.ID)
			}
			return existing, nil
		case !errors.Is(err, generic.ErrEventNotFound):
			return nil, err
		}
	} else {
		ev.ID = generic.EventID(generic.NewID(generic.PrefixEvent))
	}

	e := ev.Clone()
	e.ContractID = c.ID
	e.Voided, e.VoidReason, e.VoidedAt, e.VoidedBy = false, "", nil, ""
	e.ModifiedAt, e.ModifiedBy, e.ChangeReason = nil, "", ""

	if err := validateEvent(c, e); err != nil {
		return nil, err
	}
	if err := l.checkFree(ctx, c.ID, e.OccurredAt, ""); err != nil {
		return nil, err
	}

	now := l.now()
	e.CreatedAt = now
	entries, err := l.apply(c, e, c.Used(), now, "recorded")
	if err != nil {
		return nil, err
	}

	if err := l.store.SaveEvent(ctx, e); err != nil {
		return nil, err
	}
	if err := l.store.AppendEntries(ctx, entries...); err != nil {
		return nil, err
	}
	addUsed(c, e.Applied)
	return e, nil
}

// Void excludes the event from aggregation and reverses what it consumed.
func (l *Ledger) Void(ctx context.Context, c *contract.Contract, id generic.EventID, reason, by string) (*Event, error) {
	if reason == "" {
		return nil, errors.Wrap(generic.ErrValidation, "void reason is required")
	}
	e, err := l.load(ctx, c, id)
	if err != nil {
		return nil, err
	}
	if e.Voided {
		return e, nil
	}

	now := l.now()
	var entries []Entry
	if e.EntryID != "" {
		entries = append(entries, reversal(e, now, reason))
		addUsed(c, e.Applied.Neg())
		e.EntryID = ""
	}
	e.Voided = true
	e.VoidReason = reason
	e.VoidedAt = &now
	e.VoidedBy = by

	if err := l.store.SaveEvent(ctx, e); err != nil {
		return nil, err
	}
	if err := l.store.AppendEntries(ctx, entries...); err != nil {
		return nil, err
	}
	return e, nil
}

// Amend replaces the mutable fields of an active event. The previous effect
// is reversed and the new one applied, as if voided and re-recorded, but the
// event keeps its ID.
func (l *Ledger) Amend(ctx context.Context, c *contract.Contract, id generic.EventID, ch Changes, reason, by string) (*Event, error) {
	if reason == "" {
		return nil, errors.Wrap(generic.ErrValidation, "change reason is required")
	}
	current, err := l.load(ctx, c, id)
	if err != nil {
		return nil, err
	}
	if current.Voided {
		return nil, errors.Wrapf(generic.ErrEventVoided, "event %s", id)
	}

	e := current.Clone()
	ch.apply(e)
	if err := validateEvent(c, e); err != nil {
		return nil, err
	}
	if !e.OccurredAt.Equal(current.OccurredAt) {
		if err := l.checkFree(ctx, c.ID, e.OccurredAt, e.ID); err != nil {
			return nil, err
		}
	}

	now := l.now()
	used := c.Used()
	var entries []Entry
	if current.EntryID != "" {
		entries = append(entries, reversal(current, now, reason))
		used = used.Sub(current.Applied)
	}
	applied, err := l.apply(c, e, used, now, reason)
	if err != nil {
		return nil, err
	}
	entries = append(entries, applied...)

	e.ModifiedAt = &now
	e.ModifiedBy = by
	e.ChangeReason = reason

	if err := l.store.SaveEvent(ctx, e); err != nil {
		return nil, err
	}
	if err := l.store.AppendEntries(ctx, entries...); err != nil {
		return nil, err
	}
	if current.EntryID != "" {
		addUsed(c, current.Applied.Neg())
	}
	addUsed(c, e.Applied)
	return e, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// ConsumedUpTo sums non-reversed consumption with occurred_at <= date.
func (l *Ledger) ConsumedUpTo(ctx context.Context, c *contract.Contract, date generic.Date) (generic.Amount, error) {
	entries, err := l.store.ListEntries(ctx, c.ID)
	if err != nil {
		return generic.Amount{}, err
	}
	return sumActive(entries, c.Used().Zero(), func(e Entry) bool {
		return e.OccurredAt.BeforeOrEqual(date)
	}), nil
}

// Event returns a single event, voided or not.
func (l *Ledger) Event(ctx context.Context, id generic.EventID) (*Event, error) {
	return l.store.GetEvent(ctx, id)
}

// Events lists the contract's events. Voided events are included only for
// audit reads.
func (l *Ledger) Events(ctx context.Context, contractID generic.ContractID, includeVoided bool) ([]*Event, error) {
	events, err := l.store.ListEvents(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if includeVoided {
		return events, nil
	}
	return lo.Filter(events, func(e *Event, _ int) bool { return e.Active() }), nil
}

// Entries returns the contract's journal in append order.
func (l *Ledger) Entries(ctx context.Context, contractID generic.ContractID) ([]Entry, error) {
	return l.store.ListEntries(ctx, contractID)
}

// DeferredCredits returns the active events whose absence is owed as an
// invoice credit.
func DeferredCredits(events []*Event) []*Event {
	return lo.Filter(events, func(e *Event, _ int) bool {
		return e.Active() && e.Effect == EffectDeferCredit
	})
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// Reconciliation compares the cached counter with the journal and the events.
type Reconciliation struct {
	ContractID generic.ContractID
	Cached     generic.Amount // sessions_used / amount_used on the contract
	Journal    generic.Amount // replayed from entries
	Events     generic.Amount // sum of applied deltas of active events
	InSync     bool
}

// Drift is Cached - Journal.
func (r Reconciliation) Drift() generic.Amount { return r.Cached.Sub(r.Journal) }

// Reconcile replays the journal and reports drift. It never writes.
func (l *Ledger) Reconcile(ctx context.Context, c *contract.Contract) (Reconciliation, error) {
	entries, err := l.store.ListEntries(ctx, c.ID)
	if err != nil {
		return Reconciliation{}, err
	}
	events, err := l.store.ListEvents(ctx, c.ID)
	if err != nil {
		return Reconciliation{}, err
	}

	zero := c.Used().Zero()
	journal := sumActive(entries, zero, func(Entry) bool { return true })
	fromEvents := lo.Reduce(events, func(acc generic.Amount, e *Event, _ int) generic.Amount {
		if !e.Active() || e.EntryID == "" {
			return acc
		}
		return acc.Add(e.Applied)
	}, zero)

	cached := c.Used()
	return Reconciliation{
		ContractID: c.ID,
		Cached:     cached,
		Journal:    journal,
		Events:     fromEvents,
		InSync:     cached.Value.Equal(journal.Value) && journal.Value.Equal(fromEvents.Value),
	}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (l *Ledger) load(ctx context.Context, c *contract.Contract, id generic.EventID) (*Event, error) {
	e, err := l.store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.ContractID != c.ID {
		return nil, errors.Wrapf(generic.ErrEventNotFound, "event %s on contract %s", id, c.ID)
	}
	return e, nil
}

// checkFree fails when another active event occupies date.
func (l *Ledger) checkFree(ctx context.Context, contractID generic.ContractID, date generic.Date, self generic.EventID) error {
	existing, err := l.store.ActiveEventOn(ctx, contractID, date)
	if err != nil {
		return err
	}
	if existing != nil && existing.ID != self {
		return &generic.DuplicateOccurrenceError{ContractID: contractID, Date: date, ExistingID: existing.ID}
	}
	return nil
}

// apply resolves the event's effect against used and returns the journal
// entries to append. It sets Effect, Applied and EntryID on e.
func (l *Ledger) apply(c *contract.Contract, e *Event, used generic.Amount, now time.Time, reason string) ([]Entry, error) {
	effect, err := EffectOf(c, e.Status)
	if err != nil {
		return nil, err
	}
	e.Effect = effect
	e.Applied = used.Zero()
	e.EntryID = ""
	if effect != EffectConsume {
		return nil, nil
	}

	delta := consumptionDelta(c, e, used)
	ceiling := c.Ceiling()
	if used.Add(delta).GreaterThan(ceiling) {
		return nil, &generic.EntitlementExceededError{
			ContractID: c.ID,
			Used:       used,
			Requested:  delta,
			Ceiling:    ceiling,
		}
	}

	entry := Entry{
		ID:         generic.EntryID(generic.NewID(generic.PrefixEntry)),
		ContractID: c.ID,
		EventID:    e.ID,
		Type:       EntryConsumption,
		Delta:      delta,
		OccurredAt: e.OccurredAt,
		Reason:     reason,
		CreatedAt:  now,
	}
	e.Applied = delta
	e.EntryID = entry.ID
	return []Entry{entry}, nil
}

func reversal(e *Event, now time.Time, reason string) Entry {
	return Entry{
		ID:         generic.EntryID(generic.NewID(generic.PrefixEntry)),
		ContractID: e.ContractID,
		EventID:    e.ID,
		Type:       EntryReversal,
		Delta:      e.Applied.Neg(),
		OccurredAt: e.OccurredAt,
		ReversesID: e.EntryID,
		Reason:     reason,
		CreatedAt:  now,
	}
}

// sumActive adds consumption entries that were not reversed and pass keep.
func sumActive(entries []Entry, zero generic.Amount, keep func(Entry) bool) generic.Amount {
	reversed := lo.SliceToMap(
		lo.Filter(entries, func(e Entry, _ int) bool { return e.Type == EntryReversal }),
		func(e Entry) (generic.EntryID, bool) { return e.ReversesID, true },
	)
	return lo.Reduce(entries, func(acc generic.Amount, e Entry, _ int) generic.Amount {
		if e.Type != EntryConsumption || reversed[e.ID] || !keep(e) {
			return acc
		}
		return acc.Add(e.Delta)
	}, zero)
}

func addUsed(c *contract.Contract, delta generic.Amount) {
	if delta.IsZero() {
		return
	}
	if c.IsSessionBased() {
		c.SessionsUsed += int(delta.Value.IntPart())
		return
	}
	c.AmountUsed = c.AmountUsed.Add(delta.Value)
}
