package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/contract"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/invoice"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var (
	mar1  = generic.NewDate(2025, time.March, 1)
	mar10 = generic.NewDate(2025, time.March, 10)
	jun30 = generic.NewDate(2025, time.June, 30)
	t0    = time.Date(2025, time.March, 1, 9, 0, 0, 123456789, time.UTC)
)

func testContract(id generic.ContractID) *contract.Contract {
	end := jun30
	override := decimal.RequireFromString("21000")
	sent := t0.Add(time.Hour)
	return &contract.Contract{
		ID:              id,
		CustomerID:      "cus_1",
		Title:           "Piano, Mondays",
		Entitlement:     contract.AmountBased{Total: decimal.NewFromInt(400000), MonthlyAmount: decimal.NewFromInt(100000)},
		BillingType:     contract.BillingPrepaid,
		PaymentSchedule: contract.ScheduleMonthly,
		AbsencePolicy:   contract.AbsenceDeductNext,
		Weekdays:        generic.NewWeekdaySet(time.Monday, time.Thursday),
		StartedAt:       mar1,
		EndedAt:         &end,
		BillingDay:      25,
		UnitPrice:       decimal.NewFromInt(22200),
		ManualUnitPrice: &override,
		PlannedCount:    18,
		AmountUsed:      decimal.NewFromInt(44400),
		Extensions: []contract.Extension{{
			ID: "ext_1", Delta: decimal.NewFromInt(50000), ExtensionAmount: decimal.NewFromInt(50000),
			Reason: "more lessons", At: t0, By: "ops",
		}},
		Status:    contract.StatusSent,
		CreatedAt: t0,
		SentAt:    &sent,
		UpdatedAt: t0,
	}
}

func testEvent(id generic.EventID, contractID generic.ContractID, d generic.Date) *ledger.Event {
	return &ledger.Event{
		ID:         id,
		ContractID: contractID,
		Status:     ledger.StatusPresent,
		OccurredAt: d,
		Effect:     ledger.EffectConsume,
		Applied:    generic.Currency(decimal.NewFromInt(22200)),
		EntryID:    "ent_1",
		RecordedBy: "instructor",
		CreatedAt:  t0,
	}
}

func testInvoice(id generic.InvoiceID, contractID generic.ContractID, start generic.Date) *invoice.Invoice {
	return &invoice.Invoice{
		ID:               id,
		ContractID:       contractID,
		Kind:             invoice.KindRegular,
		Year:             start.Year(),
		Month:            start.Month(),
		PeriodStart:      start,
		PeriodEnd:        start.AddMonthsClamped(1).AddDays(-1),
		DueDate:          start,
		BaseAmount:       decimal.NewFromInt(100000),
		AutoAdjustment:   decimal.NewFromInt(-22200),
		FinalAmount:      decimal.NewFromInt(77800),
		AdjustedEventIDs: []generic.EventID{"evt_1"},
		SendStatus:       invoice.NotSent,
		CreatedAt:        t0,
		UpdatedAt:        t0,
	}
}

// =============================================================================
// CONTRACTS
// =============================================================================

func TestSQLite_ContractRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := testContract("ctr_1")

	require.NoError(t, s.SaveContract(ctx, c))
	got, err := s.GetContract(ctx, "ctr_1")

	require.NoError(t, err)
	assert.Equal(t, c.Entitlement.(contract.AmountBased).Total.String(), got.Entitlement.(contract.AmountBased).Total.String())
	assert.Equal(t, c.Weekdays, got.Weekdays)
	assert.Equal(t, c.StartedAt, got.StartedAt)
	assert.Equal(t, *c.EndedAt, *got.EndedAt)
	assert.Equal(t, 25, got.BillingDay)
	require.NotNil(t, got.ManualUnitPrice)
	assert.True(t, c.ManualUnitPrice.Equal(*got.ManualUnitPrice))
	assert.True(t, c.AmountUsed.Equal(got.AmountUsed))
	require.Len(t, got.Extensions, 1)
	assert.Equal(t, "ext_1", got.Extensions[0].ID)
	assert.True(t, decimal.NewFromInt(50000).Equal(got.Extensions[0].ExtensionAmount))
	assert.True(t, t0.Equal(got.CreatedAt), "nanoseconds survive")
	require.NotNil(t, got.SentAt)
	assert.Nil(t, got.ConfirmedAt)
}

func TestSQLite_CorruptMoneyColumnFailsRead(t *testing.T) {
	// GIVEN: a stored contract and invoice whose money columns were damaged
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SaveContract(ctx, testContract("ctr_1")))
	require.NoError(t, s.SaveInvoice(ctx, testInvoice("inv_1", "ctr_1", generic.NewDate(2025, time.April, 1))))
	_, err := s.db.ExecContext(ctx, "UPDATE contracts SET unit_price = 'twenty' WHERE id = 'ctr_1'")
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, "UPDATE invoices SET final_amount = '' WHERE id = 'inv_1'")
	require.NoError(t, err)

	// WHEN: they are read back
	_, contractErr := s.GetContract(ctx, "ctr_1")
	_, invoiceErr := s.GetInvoice(ctx, "inv_1")

	// THEN: the read fails instead of returning a zero amount
	require.Error(t, contractErr)
	assert.Contains(t, contractErr.Error(), "unit_price")
	assert.False(t, generic.IsNotFound(contractErr))
	require.Error(t, invoiceErr)
	assert.Contains(t, invoiceErr.Error(), "final_amount")
}

func TestSQLite_SessionContractAndFilter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	pack := &contract.Contract{
		ID:            "ctr_pack",
		CustomerID:    "cus_2",
		Entitlement:   contract.SessionBased{Sessions: 10, Price: decimal.NewFromInt(100000)},
		BillingType:   contract.BillingPostpaid,
		AbsencePolicy: contract.AbsenceCarryOver,
		StartedAt:     mar1,
		SessionsUsed:  3,
		Status:        contract.StatusDraft,
		CreatedAt:     t0.Add(time.Minute),
		UpdatedAt:     t0,
	}
	require.NoError(t, s.SaveContract(ctx, testContract("ctr_1")))
	require.NoError(t, s.SaveContract(ctx, pack))

	got, err := s.GetContract(ctx, "ctr_pack")
	require.NoError(t, err)
	assert.Equal(t, 10, got.TargetSessions())
	assert.Nil(t, got.EndedAt, "open-ended")
	assert.Equal(t, 3, got.SessionsUsed)

	drafts, err := s.ListContracts(ctx, contract.Filter{Status: contract.StatusDraft})
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, generic.ContractID("ctr_pack"), drafts[0].ID)

	all, err := s.ListContracts(ctx, contract.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = s.GetContract(ctx, "ctr_missing")
	assert.ErrorIs(t, err, generic.ErrContractNotFound)
}

// =============================================================================
// EVENTS AND JOURNAL
// =============================================================================

func TestSQLite_ActiveDayIsUnique(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SaveContract(ctx, testContract("ctr_1")))
	require.NoError(t, s.SaveEvent(ctx, testEvent("evt_1", "ctr_1", mar10)))

	// WHEN: a second active event lands on the same day
	err := s.SaveEvent(ctx, testEvent("evt_2", "ctr_1", mar10))

	// THEN: the index rejects it and names the occupant
	require.ErrorIs(t, err, generic.ErrDuplicateOccurrence)
	var dup *generic.DuplicateOccurrenceError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, generic.EventID("evt_1"), dup.ExistingID)

	// WHEN: the first is voided, the day is free again
	voided := testEvent("evt_1", "ctr_1", mar10)
	voidedAt := t0.Add(time.Hour)
	voided.Voided, voided.VoidReason, voided.VoidedAt = true, "typo", &voidedAt
	require.NoError(t, s.SaveEvent(ctx, voided))
	require.NoError(t, s.SaveEvent(ctx, testEvent("evt_2", "ctr_1", mar10)))

	active, err := s.ActiveEventOn(ctx, "ctr_1", mar10)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, generic.EventID("evt_2"), active.ID)

	events, err := s.ListEvents(ctx, "ctr_1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[0].Voided)
	assert.Equal(t, "typo", events[0].VoidReason)
}

func TestSQLite_EventRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SaveContract(ctx, testContract("ctr_1")))
	sub := generic.NewDate(2025, time.March, 13)
	amount := decimal.RequireFromString("12500.50")
	e := testEvent("evt_1", "ctr_1", mar10)
	e.Status, e.SubstituteAt, e.Amount, e.Effect = ledger.StatusSubstitute, &sub, &amount, ledger.EffectNone
	e.Applied = generic.Currency(decimal.Zero)

	require.NoError(t, s.SaveEvent(ctx, e))
	got, err := s.GetEvent(ctx, "evt_1")

	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSubstitute, got.Status)
	require.NotNil(t, got.SubstituteAt)
	assert.Equal(t, sub, *got.SubstituteAt)
	require.NotNil(t, got.Amount)
	assert.True(t, amount.Equal(*got.Amount))
	assert.Equal(t, generic.UnitCurrency, got.Applied.Unit)
	assert.Nil(t, got.VoidedAt)

	_, err = s.GetEvent(ctx, "evt_missing")
	assert.ErrorIs(t, err, generic.ErrEventNotFound)
	none, err := s.ActiveEventOn(ctx, "ctr_1", mar1)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSQLite_EventNeedsContract(t *testing.T) {
	s := newTestStore(t)

	err := s.SaveEvent(context.Background(), testEvent("evt_1", "ctr_ghost", mar10))

	assert.ErrorIs(t, err, generic.ErrContractNotFound)
}

func TestSQLite_EntriesAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SaveContract(ctx, testContract("ctr_1")))
	require.NoError(t, s.SaveEvent(ctx, testEvent("evt_1", "ctr_1", mar10)))

	require.NoError(t, s.AppendEntries(ctx,
		ledger.Entry{ID: "ent_1", ContractID: "ctr_1", EventID: "evt_1", Type: ledger.EntryConsumption,
			Delta: generic.Currency(decimal.NewFromInt(22200)), OccurredAt: mar10, Reason: "recorded", CreatedAt: t0},
		ledger.Entry{ID: "ent_2", ContractID: "ctr_1", EventID: "evt_1", Type: ledger.EntryReversal,
			Delta: generic.Currency(decimal.NewFromInt(-22200)), OccurredAt: mar10, ReversesID: "ent_1", Reason: "voided", CreatedAt: t0},
	))

	entries, err := s.ListEntries(ctx, "ctr_1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, generic.EntryID("ent_1"), entries[0].ID, "insertion order")
	assert.Equal(t, generic.EntryID("ent_1"), entries[1].ReversesID)
	assert.True(t, decimal.NewFromInt(-22200).Equal(entries[1].Delta.Value))

	// THEN: the trigger refuses rewrites
	_, err = s.db.ExecContext(ctx, "UPDATE consumption_entries SET delta_value = '0' WHERE id = 'ent_1'")
	assert.Error(t, err)
}

// =============================================================================
// INVOICES
// =============================================================================

func TestSQLite_InvoiceUpsertAndUniqueness(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SaveContract(ctx, testContract("ctr_1")))
	apr1 := generic.NewDate(2025, time.April, 1)
	inv := testInvoice("inv_1", "ctr_1", apr1)
	require.NoError(t, s.SaveInvoice(ctx, inv))

	// WHEN: the same invoice is refreshed in place
	inv.AutoAdjustment = decimal.Zero
	inv.FinalAmount = decimal.NewFromInt(100000)
	inv.AdjustedEventIDs = nil
	require.NoError(t, s.SaveInvoice(ctx, inv))

	got, err := s.GetInvoice(ctx, "inv_1")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100000).Equal(got.FinalAmount))
	assert.Empty(t, got.AdjustedEventIDs)
	assert.Equal(t, time.April, got.Month)

	// WHEN: a different invoice claims the same period
	err = s.SaveInvoice(ctx, testInvoice("inv_2", "ctr_1", apr1))
	assert.ErrorIs(t, err, generic.ErrDuplicateInvoice)

	// AND: an extension invoice on the same day is a different key
	ext := testInvoice("inv_3", "ctr_1", apr1)
	ext.Kind, ext.SourceID = invoice.KindExtension, "ext_1"
	require.NoError(t, s.SaveInvoice(ctx, ext))

	found, err := s.FindInvoice(ctx, "ctr_1", invoice.KindExtension, apr1, "ext_1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, generic.InvoiceID("inv_3"), found.ID)

	missing, err := s.FindInvoice(ctx, "ctr_1", invoice.KindRegular, mar1, "")
	require.NoError(t, err)
	assert.Nil(t, missing)

	regular, err := s.ListInvoices(ctx, invoice.Filter{ContractID: "ctr_1", Kind: invoice.KindRegular})
	require.NoError(t, err)
	assert.Len(t, regular, 1)

	_, err = s.GetInvoice(ctx, "inv_missing")
	assert.ErrorIs(t, err, generic.ErrInvoiceNotFound)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestSQLite_WithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SaveContract(ctx, testContract("ctr_1")))

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx store.Repository) error {
		if err := tx.SaveEvent(ctx, testEvent("evt_1", "ctr_1", mar10)); err != nil {
			return err
		}
		c, err := tx.GetContract(ctx, "ctr_1")
		if err != nil {
			return err
		}
		c.AmountUsed = decimal.NewFromInt(1)
		if err := tx.SaveContract(ctx, c); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetEvent(ctx, "evt_1")
	assert.ErrorIs(t, err, generic.ErrEventNotFound)
	c, err := s.GetContract(ctx, "ctr_1")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(44400).Equal(c.AmountUsed))
}

func TestSQLite_WithTxCommits(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SaveContract(ctx, testContract("ctr_1")))

	err := s.WithTx(ctx, func(tx store.Repository) error {
		if err := tx.SaveEvent(ctx, testEvent("evt_1", "ctr_1", mar10)); err != nil {
			return err
		}
		return tx.AppendEntries(ctx, ledger.Entry{ID: "ent_1", ContractID: "ctr_1", EventID: "evt_1",
			Type: ledger.EntryConsumption, Delta: generic.Currency(decimal.NewFromInt(22200)), OccurredAt: mar10, CreatedAt: t0})
	})
	require.NoError(t, err)

	entries, err := s.ListEntries(ctx, "ctr_1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSQLite_Reset(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SaveContract(ctx, testContract("ctr_1")))
	require.NoError(t, s.SaveEvent(ctx, testEvent("evt_1", "ctr_1", mar10)))
	require.NoError(t, s.SaveInvoice(ctx, testInvoice("inv_1", "ctr_1", mar1)))

	require.NoError(t, s.Reset(ctx))

	all, err := s.ListContracts(ctx, contract.Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
	invoices, err := s.ListInvoices(ctx, invoice.Filter{})
	require.NoError(t, err)
	assert.Empty(t, invoices)
}
