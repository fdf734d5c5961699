package ledger_test

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
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	mar3  = generic.NewDate(2025, time.March, 3)
	mar5  = generic.NewDate(2025, time.March, 5)
	mar10 = generic.NewDate(2025, time.March, 10)
	mar31 = generic.NewDate(2025, time.March, 31)
	jun30 = generic.NewDate(2025, time.June, 30)
)

type fixture struct {
	store  *memory.Store
	ledger *ledger.Ledger
}

func newFixture(t *testing.T, contracts ...*contract.Contract) fixture {
	t.Helper()
	mem := memory.New()
	for _, c := range contracts {
		require.NoError(t, mem.SaveContract(context.Background(), c))
	}
	return fixture{store: mem, ledger: ledger.New(mem)}
}

func sessionContract(sessions int, policy contract.AbsencePolicy) *contract.Contract {
	return &contract.Contract{
		ID:            "ctr_sessions",
		CustomerID:    "cus_1",
		Entitlement:   contract.SessionBased{Sessions: sessions, Price: decimal.NewFromInt(int64(sessions) * 30000)},
		BillingType:   contract.BillingPrepaid,
		AbsencePolicy: policy,
		StartedAt:     mar3,
		UnitPrice:     decimal.NewFromInt(30000),
		Status:        contract.StatusSent,
	}
}

func monthlyContract(policy contract.AbsencePolicy) *contract.Contract {
	end := jun30
	return &contract.Contract{
		ID:              "ctr_monthly",
		CustomerID:      "cus_1",
		Entitlement:     contract.AmountBased{Total: decimal.NewFromInt(400000), MonthlyAmount: decimal.NewFromInt(100000)},
		BillingType:     contract.BillingPrepaid,
		PaymentSchedule: contract.ScheduleMonthly,
		AbsencePolicy:   policy,
		Weekdays:        generic.NewWeekdaySet(time.Monday),
		StartedAt:       generic.NewDate(2025, time.March, 1),
		EndedAt:         &end,
		BillingDay:      1,
		UnitPrice:       decimal.NewFromInt(23500),
		Status:          contract.StatusSent,
	}
}

func present(d generic.Date) ledger.Event {
	return ledger.Event{Status: ledger.StatusPresent, OccurredAt: d}
}

// =============================================================================
// RECORD
// =============================================================================

func TestRecord_DuplicateOccurrence(t *testing.T) {
	// GIVEN: a 10-session contract
	ctx := context.Background()
	c := sessionContract(10, contract.AbsenceCarryOver)
	f := newFixture(t, c)

	// WHEN: two present events are recorded for the same day
	first, err := f.ledger.Record(ctx, c, present(mar3))
	require.NoError(t, err)
	_, err = f.ledger.Record(ctx, c, present(mar3))

	// THEN: the second fails and consumption counts once
	require.Error(t, err)
	assert.True(t, errors.Is(err, generic.ErrDuplicateOccurrence))

	var dup *generic.DuplicateOccurrenceError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, first.ID, dup.ExistingID)
	assert.Equal(t, 1, c.SessionsUsed)
}

func TestRecord_IdempotentPerEventID(t *testing.T) {
	ctx := context.Background()
	c := sessionContract(10, contract.AbsenceCarryOver)
	f := newFixture(t, c)

	ev := present(mar3)
	ev.ID = "evt_retry"
	_, err := f.ledger.Record(ctx, c, ev)
	require.NoError(t, err)

	again, err := f.ledger.Record(ctx, c, ev)
	require.NoError(t, err, "retrying the same event id is safe")
	assert.Equal(t, generic.EventID("evt_retry"), again.ID)
	assert.Equal(t, 1, c.SessionsUsed)
}

func TestRecord_EntitlementExceeded(t *testing.T) {
	// GIVEN: a 2-session contract with both sessions used
	ctx := context.Background()
	c := sessionContract(2, contract.AbsenceCarryOver)
	f := newFixture(t, c)
	_, err := f.ledger.Record(ctx, c, present(mar3))
	require.NoError(t, err)
	_, err = f.ledger.Record(ctx, c, present(mar5))
	require.NoError(t, err)

	// WHEN: a third session is recorded
	_, err = f.ledger.Record(ctx, c, present(mar10))

	// THEN: it is rejected, not clamped
	require.Error(t, err)
	assert.True(t, errors.Is(err, generic.ErrEntitlementExceeded))
	assert.Equal(t, 2, c.SessionsUsed)

	events, err := f.ledger.Events(ctx, c.ID, true)
	require.NoError(t, err)
	assert.Len(t, events, 2, "rejected event is not stored")
}

func TestRecord_AmountDefaultsToUnitPrice(t *testing.T) {
	ctx := context.Background()
	c := monthlyContract(contract.AbsenceCarryOver)
	f := newFixture(t, c)

	_, err := f.ledger.Record(ctx, c, present(mar3))
	require.NoError(t, err)

	custom := decimal.NewFromInt(12000)
	ev := present(mar10)
	ev.Amount = &custom
	_, err = f.ledger.Record(ctx, c, ev)
	require.NoError(t, err)

	assert.True(t, decimal.NewFromInt(35500).Equal(c.AmountUsed), "got %s", c.AmountUsed)
}

func TestRecord_PlannedScheduleFitsRoundedUpPrice(t *testing.T) {
	// GIVEN: a 100000 lump sum over 13 Mondays; 100000/13 rounds up to 7700
	ctx := context.Background()
	end := generic.NewDate(2025, time.May, 26)
	c := &contract.Contract{
		ID:              "ctr_lump",
		CustomerID:      "cus_1",
		Entitlement:     contract.AmountBased{Total: decimal.NewFromInt(100000)},
		BillingType:     contract.BillingPrepaid,
		PaymentSchedule: contract.ScheduleLumpSum,
		AbsencePolicy:   contract.AbsenceVanish,
		Weekdays:        generic.NewWeekdaySet(time.Monday),
		StartedAt:       mar3,
		EndedAt:         &end,
		UnitPrice:       decimal.NewFromInt(7700),
		PlannedCount:    13,
		Status:          contract.StatusSent,
	}
	require.Equal(t, 13, generic.CountOccurrences(c.Weekdays, c.StartedAt, end))
	f := newFixture(t, c)

	// WHEN: every planned Monday is attended
	var last *ledger.Event
	for i := 0; i < 13; i++ {
		ev, err := f.ledger.Record(ctx, c, present(mar3.AddDays(7*i)))
		require.NoError(t, err, "planned session %d", i+1)
		last = ev
	}

	// THEN: the last one takes only what was left and the balance is spent
	assert.True(t, decimal.NewFromInt(7600).Equal(last.Applied.Value), "got %s", last.Applied)
	assert.True(t, decimal.NewFromInt(100000).Equal(c.AmountUsed), "got %s", c.AmountUsed)

	// AND: an unplanned extra session no longer fits
	_, err := f.ledger.Record(ctx, c, present(mar3.AddDays(1)))
	assert.ErrorIs(t, err, generic.ErrEntitlementExceeded)
}

func TestRecord_ExplicitAmountIsNotCapped(t *testing.T) {
	// GIVEN: a monthly contract with 5000 left
	ctx := context.Background()
	c := monthlyContract(contract.AbsenceCarryOver)
	c.AmountUsed = decimal.NewFromInt(395000)
	f := newFixture(t, c)

	// WHEN: an explicit amount larger than the balance is recorded
	amount := decimal.NewFromInt(6000)
	ev := present(mar3)
	ev.Amount = &amount
	_, err := f.ledger.Record(ctx, c, ev)

	// THEN: it is rejected rather than trimmed
	var exceeded *generic.EntitlementExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.True(t, amount.Equal(exceeded.Requested.Value))

	// AND: a defaulted charge takes the remaining 5000
	got, err := f.ledger.Record(ctx, c, present(mar10))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(5000).Equal(got.Applied.Value), "got %s", got.Applied)
}

func TestRecord_OutsideContractSpan(t *testing.T) {
	ctx := context.Background()
	c := monthlyContract(contract.AbsenceCarryOver)
	f := newFixture(t, c)

	_, err := f.ledger.Record(ctx, c, present(generic.NewDate(2025, time.July, 7)))
	assert.True(t, errors.Is(err, generic.ErrInvalidPeriod))
}

func TestRecord_SubstituteRules(t *testing.T) {
	ctx := context.Background()

	t.Run("requires substitute_at", func(t *testing.T) {
		c := sessionContract(10, contract.AbsenceCarryOver)
		f := newFixture(t, c)
		_, err := f.ledger.Record(ctx, c, ledger.Event{Status: ledger.StatusSubstitute, OccurredAt: mar3})
		assert.True(t, errors.Is(err, generic.ErrValidation))
	})

	t.Run("does not consume", func(t *testing.T) {
		c := sessionContract(10, contract.AbsenceCarryOver)
		f := newFixture(t, c)
		sub := mar5
		ev, err := f.ledger.Record(ctx, c, ledger.Event{Status: ledger.StatusSubstitute, OccurredAt: mar3, SubstituteAt: &sub})
		require.NoError(t, err)
		assert.Equal(t, ledger.EffectNone, ev.Effect)
		assert.Equal(t, 0, c.SessionsUsed)
	})

	t.Run("not applicable under vanish", func(t *testing.T) {
		c := sessionContract(10, contract.AbsenceVanish)
		f := newFixture(t, c)
		sub := mar5
		_, err := f.ledger.Record(ctx, c, ledger.Event{Status: ledger.StatusSubstitute, OccurredAt: mar3, SubstituteAt: &sub})
		assert.True(t, errors.Is(err, generic.ErrValidation))
	})
}

// =============================================================================
// VOID
// =============================================================================

func TestVoid_ReversesConsumption(t *testing.T) {
	// GIVEN: two present sessions
	ctx := context.Background()
	c := sessionContract(10, contract.AbsenceCarryOver)
	f := newFixture(t, c)
	ev, err := f.ledger.Record(ctx, c, present(mar3))
	require.NoError(t, err)
	_, err = f.ledger.Record(ctx, c, present(mar5))
	require.NoError(t, err)
	require.Equal(t, 2, c.SessionsUsed)

	// WHEN: the first is voided
	voided, err := f.ledger.Void(ctx, c, ev.ID, "recorded on the wrong contract", "staff_1")
	require.NoError(t, err)

	// THEN: exactly one session is released
	assert.Equal(t, 1, c.SessionsUsed)
	assert.True(t, voided.Voided)
	assert.Equal(t, "recorded on the wrong contract", voided.VoidReason)

	// AND: consumedUpTo no longer sees it
	used, err := f.ledger.ConsumedUpTo(ctx, c, mar31)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(1).Equal(used.Value))
	used, err = f.ledger.ConsumedUpTo(ctx, c, mar3)
	require.NoError(t, err)
	assert.True(t, used.IsZero())

	// AND: it remains retrievable for audit
	audit, err := f.ledger.Event(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, audit.Voided)

	active, err := f.ledger.Events(ctx, c.ID, false)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestVoid_RequiresReason(t *testing.T) {
	ctx := context.Background()
	c := sessionContract(10, contract.AbsenceCarryOver)
	f := newFixture(t, c)
	ev, err := f.ledger.Record(ctx, c, present(mar3))
	require.NoError(t, err)

	_, err = f.ledger.Void(ctx, c, ev.ID, "", "staff_1")
	assert.True(t, errors.Is(err, generic.ErrValidation))
	assert.Equal(t, 1, c.SessionsUsed)
}

func TestVoid_Idempotent(t *testing.T) {
	ctx := context.Background()
	c := sessionContract(10, contract.AbsenceCarryOver)
	f := newFixture(t, c)
	ev, err := f.ledger.Record(ctx, c, present(mar3))
	require.NoError(t, err)

	_, err = f.ledger.Void(ctx, c, ev.ID, "duplicate entry", "staff_1")
	require.NoError(t, err)
	_, err = f.ledger.Void(ctx, c, ev.ID, "duplicate entry", "staff_1")
	require.NoError(t, err)

	assert.Equal(t, 0, c.SessionsUsed)
	entries, err := f.ledger.Entries(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "one consumption, one reversal")
}

func TestVoid_FreesTheDay(t *testing.T) {
	ctx := context.Background()
	c := sessionContract(10, contract.AbsenceCarryOver)
	f := newFixture(t, c)
	ev, err := f.ledger.Record(ctx, c, present(mar3))
	require.NoError(t, err)
	_, err = f.ledger.Void(ctx, c, ev.ID, "wrong status", "staff_1")
	require.NoError(t, err)

	_, err = f.ledger.Record(ctx, c, present(mar3))
	require.NoError(t, err, "a voided event does not block its day")
	assert.Equal(t, 1, c.SessionsUsed)
}

// =============================================================================
// AMEND
// =============================================================================

func TestAmend_StatusChangeReappliesEffect(t *testing.T) {
	// GIVEN: a present event under carry_over
	ctx := context.Background()
	c := sessionContract(10, contract.AbsenceCarryOver)
	f := newFixture(t, c)
	ev, err := f.ledger.Record(ctx, c, present(mar3))
	require.NoError(t, err)

	// WHEN: it is amended to absent
	absent := ledger.StatusAbsent
	amended, err := f.ledger.Amend(ctx, c, ev.ID, ledger.Changes{Status: &absent}, "customer called in sick", "staff_2")
	require.NoError(t, err)

	// THEN: consumption is reversed, the id is kept and markers are set
	assert.Equal(t, ev.ID, amended.ID)
	assert.Equal(t, 0, c.SessionsUsed)
	assert.Equal(t, ledger.EffectNone, amended.Effect)
	require.NotNil(t, amended.ModifiedAt)
	assert.Equal(t, "staff_2", amended.ModifiedBy)
	assert.Equal(t, "customer called in sick", amended.ChangeReason)
}

func TestAmend_MoveToOccupiedDay(t *testing.T) {
	ctx := context.Background()
	c := sessionContract(10, contract.AbsenceCarryOver)
	f := newFixture(t, c)
	ev, err := f.ledger.Record(ctx, c, present(mar3))
	require.NoError(t, err)
	_, err = f.ledger.Record(ctx, c, present(mar5))
	require.NoError(t, err)

	d := mar5
	_, err = f.ledger.Amend(ctx, c, ev.ID, ledger.Changes{OccurredAt: &d}, "date typo", "staff_1")

	assert.True(t, errors.Is(err, generic.ErrDuplicateOccurrence))
	assert.Equal(t, 2, c.SessionsUsed)
}

func TestAmend_MovesConsumptionDate(t *testing.T) {
	ctx := context.Background()
	c := sessionContract(10, contract.AbsenceCarryOver)
	f := newFixture(t, c)
	ev, err := f.ledger.Record(ctx, c, present(mar3))
	require.NoError(t, err)

	d := mar10
	_, err = f.ledger.Amend(ctx, c, ev.ID, ledger.Changes{OccurredAt: &d}, "date typo", "staff_1")
	require.NoError(t, err)

	before, err := f.ledger.ConsumedUpTo(ctx, c, mar5)
	require.NoError(t, err)
	after, err := f.ledger.ConsumedUpTo(ctx, c, mar10)
	require.NoError(t, err)
	assert.True(t, before.IsZero())
	assert.True(t, decimal.NewFromInt(1).Equal(after.Value))
	assert.Equal(t, 1, c.SessionsUsed)
}

func TestAmend_VoidedEventRejected(t *testing.T) {
	ctx := context.Background()
	c := sessionContract(10, contract.AbsenceCarryOver)
	f := newFixture(t, c)
	ev, err := f.ledger.Record(ctx, c, present(mar3))
	require.NoError(t, err)
	_, err = f.ledger.Void(ctx, c, ev.ID, "mistake", "staff_1")
	require.NoError(t, err)

	memo := "late"
	_, err = f.ledger.Amend(ctx, c, ev.ID, ledger.Changes{Memo: &memo}, "note", "staff_1")
	assert.True(t, errors.Is(err, generic.ErrEventVoided))
}

func TestAmend_EntitlementCheckUsesNetDelta(t *testing.T) {
	// GIVEN: an amount-based contract nearly used up
	ctx := context.Background()
	c := monthlyContract(contract.AbsenceCarryOver)
	c.Entitlement = contract.AmountBased{Total: decimal.NewFromInt(30000), MonthlyAmount: decimal.NewFromInt(100000)}
	f := newFixture(t, c)
	ev, err := f.ledger.Record(ctx, c, present(mar3))
	require.NoError(t, err)

	// WHEN: its amount is amended within the ceiling
	amt := decimal.NewFromInt(30000)
	_, err = f.ledger.Amend(ctx, c, ev.ID, ledger.Changes{Amount: &amt}, "price correction", "staff_1")

	// THEN: the old delta is released before the new one is checked
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(30000).Equal(c.AmountUsed))

	// AND: going past the ceiling is still rejected
	over := decimal.NewFromInt(30100)
	_, err = f.ledger.Amend(ctx, c, ev.ID, ledger.Changes{Amount: &over}, "price correction", "staff_1")
	assert.True(t, errors.Is(err, generic.ErrEntitlementExceeded))
}

// =============================================================================
// ABSENCE POLICY
// =============================================================================

func TestEffectOf(t *testing.T) {
	periodic := monthlyContract(contract.AbsenceDeductNext)
	pack := sessionContract(10, contract.AbsenceDeductNext)

	cases := []struct {
		name   string
		c      *contract.Contract
		policy contract.AbsencePolicy
		status ledger.Status
		want   ledger.Effect
	}{
		{"present carry_over", pack, contract.AbsenceCarryOver, ledger.StatusPresent, ledger.EffectConsume},
		{"vanish status carry_over", pack, contract.AbsenceCarryOver, ledger.StatusVanish, ledger.EffectConsume},
		{"absent carry_over", pack, contract.AbsenceCarryOver, ledger.StatusAbsent, ledger.EffectNone},
		{"absent vanish", pack, contract.AbsenceVanish, ledger.StatusAbsent, ledger.EffectConsume},
		{"absent deduct_next pack", pack, contract.AbsenceDeductNext, ledger.StatusAbsent, ledger.EffectConsume},
		{"absent deduct_next periodic", periodic, contract.AbsenceDeductNext, ledger.StatusAbsent, ledger.EffectDeferCredit},
		{"substitute deduct_next", periodic, contract.AbsenceDeductNext, ledger.StatusSubstitute, ledger.EffectNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := tc.c.Clone()
			c.AbsencePolicy = tc.policy
			got, err := ledger.EffectOf(c, tc.status)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDeferredCredit_DoesNotConsume(t *testing.T) {
	ctx := context.Background()
	c := monthlyContract(contract.AbsenceDeductNext)
	f := newFixture(t, c)

	ev, err := f.ledger.Record(ctx, c, ledger.Event{Status: ledger.StatusAbsent, OccurredAt: mar3})
	require.NoError(t, err)

	assert.Equal(t, ledger.EffectDeferCredit, ev.Effect)
	assert.True(t, c.AmountUsed.IsZero())

	events, err := f.ledger.Events(ctx, c.ID, false)
	require.NoError(t, err)
	assert.Len(t, ledger.DeferredCredits(events), 1)
}

// =============================================================================
// RECONCILIATION
// =============================================================================

func TestReconcile(t *testing.T) {
	// GIVEN: a mix of record, void and amend
	ctx := context.Background()
	c := sessionContract(10, contract.AbsenceCarryOver)
	f := newFixture(t, c)
	a, err := f.ledger.Record(ctx, c, present(mar3))
	require.NoError(t, err)
	b, err := f.ledger.Record(ctx, c, present(mar5))
	require.NoError(t, err)
	_, err = f.ledger.Record(ctx, c, present(mar10))
	require.NoError(t, err)
	_, err = f.ledger.Void(ctx, c, a.ID, "mistake", "staff_1")
	require.NoError(t, err)
	absent := ledger.StatusAbsent
	_, err = f.ledger.Amend(ctx, c, b.ID, ledger.Changes{Status: &absent}, "no show", "staff_1")
	require.NoError(t, err)

	// WHEN: reconciled
	r, err := f.ledger.Reconcile(ctx, c)
	require.NoError(t, err)

	// THEN: cache, journal and events agree
	assert.True(t, r.InSync)
	assert.True(t, decimal.NewFromInt(1).Equal(r.Journal.Value))
	assert.True(t, r.Drift().IsZero())

	// WHEN: the cached counter drifts
	c.SessionsUsed = 4
	r, err = f.ledger.Reconcile(ctx, c)
	require.NoError(t, err)
	assert.False(t, r.InSync)
	assert.True(t, decimal.NewFromInt(3).Equal(r.Drift().Value))
}
