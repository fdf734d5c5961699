package settlement_test

import (
	"context"
	"sync"
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
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	mar1  = generic.NewDate(2025, time.March, 1)
	mar10 = generic.NewDate(2025, time.March, 10)
	apr1  = generic.NewDate(2025, time.April, 1)
	apr30 = generic.NewDate(2025, time.April, 30)
	jun30 = generic.NewDate(2025, time.June, 30)
)

func newService(t *testing.T) (*settlement.Service, *memory.Store) {
	t.Helper()
	mem := memory.New()
	svc := settlement.NewService(mem, settlement.Options{
		LockTimeout: time.Second,
		Now:         func() time.Time { return time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC) },
	}, nil)
	return svc, mem
}

// monthlyContract: 100000/month, Mondays, Mar 1 - Jun 30 2025, prepaid,
// deduct_next. 18 Mondays over 4 months price a session at 22200.
func monthlyContract(customer generic.CustomerID) *contract.Contract {
	end := jun30
	return &contract.Contract{
		CustomerID:      customer,
		Entitlement:     contract.AmountBased{MonthlyAmount: decimal.NewFromInt(100000)},
		BillingType:     contract.BillingPrepaid,
		PaymentSchedule: contract.ScheduleMonthly,
		AbsencePolicy:   contract.AbsenceDeductNext,
		Weekdays:        generic.NewWeekdaySet(time.Monday),
		StartedAt:       mar1,
		EndedAt:         &end,
		BillingDay:      1,
	}
}

func sessionPack(sessions int) *contract.Contract {
	end := apr30
	return &contract.Contract{
		CustomerID:      "cus_pack",
		Entitlement:     contract.SessionBased{Sessions: sessions, Price: decimal.NewFromInt(int64(sessions) * 10000)},
		BillingType:     contract.BillingPrepaid,
		PaymentSchedule: contract.ScheduleLumpSum,
		AbsencePolicy:   contract.AbsenceCarryOver,
		StartedAt:       mar1,
		EndedAt:         &end,
	}
}

// sent creates, confirms and sends c.
func sent(t *testing.T, svc *settlement.Service, c *contract.Contract) (*contract.Contract, *invoice.Invoice) {
	t.Helper()
	ctx := context.Background()
	created, err := svc.CreateContract(ctx, c)
	require.NoError(t, err)
	_, err = svc.ConfirmContract(ctx, created.ID)
	require.NoError(t, err)
	out, first, err := svc.SendContract(ctx, created.ID)
	require.NoError(t, err)
	return out, first
}

// =============================================================================
// LIFECYCLE SIDE EFFECTS
// =============================================================================

func TestService_CreateContract_PricesDraft(t *testing.T) {
	svc, _ := newService(t)

	c, err := svc.CreateContract(context.Background(), monthlyContract("cus_1"))

	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, contract.StatusDraft, c.Status)
	assert.Equal(t, 18, c.PlannedCount)
	assert.True(t, decimal.NewFromInt(22200).Equal(c.UnitPrice), "got %s", c.UnitPrice)
}

func TestService_CreateContract_RejectsInvalid(t *testing.T) {
	svc, _ := newService(t)
	c := monthlyContract("")

	_, err := svc.CreateContract(context.Background(), c)

	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestService_SendPrepaid_MaterializesOpeningInvoice(t *testing.T) {
	svc, _ := newService(t)

	c, first := sent(t, svc, monthlyContract("cus_1"))

	require.NotNil(t, first)
	assert.Equal(t, contract.StatusSent, c.Status)
	assert.Equal(t, mar1, first.PeriodStart)
	assert.True(t, decimal.NewFromInt(100000).Equal(first.FinalAmount))
}

func TestService_SendTwice_IsInvalidTransition(t *testing.T) {
	svc, _ := newService(t)
	c, _ := sent(t, svc, monthlyContract("cus_1"))

	_, _, err := svc.SendContract(context.Background(), c.ID)

	assert.ErrorIs(t, err, generic.ErrInvalidTransition)
}

func TestService_RecordAbsence_CreditsNextInvoice(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	c, _ := sent(t, svc, monthlyContract("cus_1"))

	// WHEN: a Monday in March is missed under deduct_next
	ev, err := svc.RecordAttendance(ctx, c.ID, ledger.Event{Status: ledger.StatusAbsent, OccurredAt: mar10})
	require.NoError(t, err)
	assert.Equal(t, ledger.EffectDeferCredit, ev.Effect)

	// THEN: April's invoice exists and carries the credit
	invoices, err := svc.ListInvoices(ctx, invoice.Filter{ContractID: c.ID})
	require.NoError(t, err)
	require.Len(t, invoices, 2)
	april := invoices[1]
	assert.Equal(t, apr1, april.PeriodStart)
	assert.True(t, decimal.NewFromInt(-22200).Equal(april.AutoAdjustment), "got %s", april.AutoAdjustment)
	assert.Equal(t, []generic.EventID{ev.ID}, april.AdjustedEventIDs)

	// WHEN: the absence is voided, the credit disappears
	_, err = svc.VoidAttendance(ctx, ev.ID, "entered by mistake", "ops")
	require.NoError(t, err)
	april, err = svc.GetInvoice(ctx, april.ID)
	require.NoError(t, err)
	assert.True(t, april.AutoAdjustment.IsZero())
	assert.True(t, decimal.NewFromInt(100000).Equal(april.FinalAmount))
}

func TestService_AmendAttendance_MovesCredit(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	c, _ := sent(t, svc, monthlyContract("cus_1"))
	ev, err := svc.RecordAttendance(ctx, c.ID, ledger.Event{Status: ledger.StatusAbsent, OccurredAt: mar10})
	require.NoError(t, err)

	// WHEN: the absence turns out to be an attended session
	present := ledger.StatusPresent
	amended, err := svc.AmendAttendance(ctx, ev.ID, ledger.Changes{Status: &present}, "instructor confirmed", "ops")

	require.NoError(t, err)
	assert.Equal(t, ledger.EffectConsume, amended.Effect)
	invoices, err := svc.ListInvoices(ctx, invoice.Filter{ContractID: c.ID})
	require.NoError(t, err)
	for _, inv := range invoices {
		assert.Empty(t, inv.AdjustedEventIDs)
		assert.True(t, inv.AutoAdjustment.IsZero())
	}
}

func TestService_ExtendSentPack_BillsExtension(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	c, first := sent(t, svc, sessionPack(5))
	require.NotNil(t, first)
	assert.True(t, decimal.NewFromInt(50000).Equal(first.BaseAmount))

	amount := decimal.NewFromInt(40000)
	extended, ext, err := svc.ExtendContract(ctx, c.ID, contract.ExtensionRequest{
		Delta:           decimal.NewFromInt(5),
		ExtensionAmount: &amount,
		Reason:          "renewal",
		By:              "ops",
	})

	require.NoError(t, err)
	assert.Equal(t, 10, extended.TargetSessions())
	assert.Equal(t, 0, extended.SessionsUsed, "extension never touches consumption")

	exts, err := svc.ListInvoices(ctx, invoice.Filter{ContractID: c.ID, Kind: invoice.KindExtension})
	require.NoError(t, err)
	require.Len(t, exts, 1)
	assert.Equal(t, ext.ID, exts[0].SourceID)
	assert.True(t, amount.Equal(exts[0].FinalAmount))

	// AND: the package invoice still bills the original price
	pkg, err := svc.GetInvoice(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(50000).Equal(pkg.BaseAmount), "got %s", pkg.BaseAmount)
}

func TestService_SendInvoice_MaterializesNextPeriod(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	c, first := sent(t, svc, monthlyContract("cus_1"))

	out, err := svc.SendInvoice(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, invoice.Sent, out.SendStatus)

	_, err = svc.SendInvoice(ctx, first.ID)
	assert.ErrorIs(t, err, generic.ErrAlreadySent)

	invoices, err := svc.ListInvoices(ctx, invoice.Filter{ContractID: c.ID})
	require.NoError(t, err)
	require.Len(t, invoices, 2)
	assert.Equal(t, apr1, invoices[1].PeriodStart)
	assert.Equal(t, invoice.NotSent, invoices[1].SendStatus)

	cls, err := svc.Classify(ctx, invoice.Filter{ContractID: c.ID}, mar10)
	require.NoError(t, err)
	assert.Len(t, cls.Sent, 1)
	assert.Len(t, cls.InProgress, 1)
	assert.Empty(t, cls.Ready)
}

func TestService_ManualAdjustment_FrozenAfterSend(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	_, first := sent(t, svc, monthlyContract("cus_1"))

	adjusted, err := svc.ApplyManualAdjustment(ctx, first.ID, decimal.NewFromInt(-5000), "goodwill")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(95000).Equal(adjusted.FinalAmount))

	_, err = svc.SendInvoice(ctx, first.ID)
	require.NoError(t, err)

	_, err = svc.ApplyManualAdjustment(ctx, first.ID, decimal.NewFromInt(-1000), "late goodwill")
	assert.ErrorIs(t, err, generic.ErrInvoiceFrozen)
}

func TestService_SetManualUnitPrice_RefreshesCredits(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	c, _ := sent(t, svc, monthlyContract("cus_1"))
	_, err := svc.RecordAttendance(ctx, c.ID, ledger.Event{Status: ledger.StatusAbsent, OccurredAt: mar10})
	require.NoError(t, err)

	price := decimal.NewFromInt(20000)
	_, err = svc.SetManualUnitPrice(ctx, c.ID, &price)
	require.NoError(t, err)

	invoices, err := svc.ListInvoices(ctx, invoice.Filter{ContractID: c.ID})
	require.NoError(t, err)
	require.Len(t, invoices, 2)
	assert.True(t, decimal.NewFromInt(-20000).Equal(invoices[1].AutoAdjustment), "got %s", invoices[1].AutoAdjustment)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestService_ConcurrentRecords_NeverOverrunCeiling(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	c, _ := sent(t, svc, sessionPack(5))

	// GIVEN: 12 attended sessions on distinct days race for 5 sessions
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		exceeded int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(day int) {
			defer wg.Done()
			_, err := svc.RecordAttendance(ctx, c.ID, ledger.Event{
				Status:     ledger.StatusPresent,
				OccurredAt: mar1.AddDays(day),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, generic.ErrEntitlementExceeded):
				exceeded++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	// THEN: exactly the ceiling was consumed
	assert.Equal(t, 5, ok)
	assert.Equal(t, 7, exceeded)
	stored, err := svc.GetContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.SessionsUsed)

	r, err := svc.Reconcile(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, r.InSync)
}

func TestService_ConcurrentSameDay_OneWins(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	c, _ := sent(t, svc, sessionPack(10))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		dups int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RecordAttendance(ctx, c.ID, ledger.Event{Status: ledger.StatusPresent, OccurredAt: mar10})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errors.Is(err, generic.ErrDuplicateOccurrence) {
				dups++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, dups)
	consumed, err := svc.ConsumedUpTo(ctx, c.ID, apr30)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(1).Equal(consumed.Value))
}

// =============================================================================
// BILLING RUN
// =============================================================================

func TestService_RunBilling(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	a, _ := sent(t, svc, monthlyContract("cus_a"))
	b, _ := sent(t, svc, monthlyContract("cus_b"))
	draft, err := svc.CreateContract(ctx, monthlyContract("cus_draft"))
	require.NoError(t, err)

	run, err := svc.RunBilling(ctx, apr1, 4)

	require.NoError(t, err)
	assert.Zero(t, run.Failed)
	require.Len(t, run.Contracts, 2)
	for _, id := range []generic.ContractID{a.ID, b.ID} {
		invoices, err := svc.ListInvoices(ctx, invoice.Filter{ContractID: id})
		require.NoError(t, err)
		assert.Len(t, invoices, 2, "March and April for %s", id)
	}
	none, err := svc.ListInvoices(ctx, invoice.Filter{ContractID: draft.ID})
	require.NoError(t, err)
	assert.Empty(t, none)

	// AND: a second run is a no-op
	_, err = svc.RunBilling(ctx, apr1, 2)
	require.NoError(t, err)
	all, err := svc.ListInvoices(ctx, invoice.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	due, err := svc.DueInvoices(ctx, apr1)
	require.NoError(t, err)
	assert.Len(t, due, 4)
}

func TestService_RunBilling_SkipsNotYetDue(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	c := monthlyContract("cus_late")
	c.BillingType = contract.BillingPostpaid
	sent(t, svc, c)

	run, err := svc.RunBilling(ctx, mar10, 1)

	require.NoError(t, err)
	require.Len(t, run.Contracts, 1)
	assert.True(t, run.Contracts[0].Skipped)
	assert.Zero(t, run.Failed)
}
