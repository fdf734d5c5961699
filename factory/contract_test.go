package factory

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/contract"
	"github.com/warp/settlement-engine/generic"
)

func TestParseContract_Monthly(t *testing.T) {
	f := NewContractFactory()

	c, err := f.ParseContract(`{
		"customer_id": "cus_42",
		"kind": "amount_based",
		"monthly_amount": "100000",
		"billing_type": "prepaid",
		"absence_policy": "deduct_next",
		"weekdays": ["mon", "Thursday"],
		"started_at": "2025-03-01",
		"ended_at": "2025-06-30",
		"billing_day": 25
	}`)

	require.NoError(t, err)
	assert.Equal(t, contract.KindAmountBased, c.Kind())
	assert.Equal(t, contract.ScheduleMonthly, c.PaymentSchedule, "monthly is the default schedule")
	assert.True(t, decimal.NewFromInt(100000).Equal(c.MonthlyAmount()))
	assert.Equal(t, generic.NewWeekdaySet(time.Monday, time.Thursday), c.Weekdays)
	require.NotNil(t, c.EndedAt)
	assert.Equal(t, generic.NewDate(2025, time.June, 30), *c.EndedAt)
	assert.Equal(t, 25, c.BillingDay)
	assert.Equal(t, contract.StatusDraft, c.Status)
	assert.Empty(t, c.ID, "ids are assigned on create")
}

func TestParseContract_SessionPackNumbers(t *testing.T) {
	c, err := NewContractFactory().ParseContract(`{
		"customer_id": "cus_1",
		"kind": "session_based",
		"total_sessions": 10,
		"total_amount": 150000,
		"billing_type": "postpaid",
		"absence_policy": "carry_over",
		"started_at": "2025-03-01"
	}`)

	require.NoError(t, err)
	assert.Equal(t, 10, c.TargetSessions())
	assert.True(t, decimal.NewFromInt(150000).Equal(c.TotalAmount()))
	assert.Nil(t, c.EndedAt)
}

func TestParseContract_Rejects(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"malformed", `{`},
		{"missing customer", `{"kind":"session_based","total_sessions":1,"billing_type":"prepaid","absence_policy":"vanish","started_at":"2025-03-01"}`},
		{"unknown kind", `{"customer_id":"c","kind":"hours","billing_type":"prepaid","absence_policy":"vanish","started_at":"2025-03-01"}`},
		{"bad billing type", `{"customer_id":"c","kind":"session_based","total_sessions":1,"billing_type":"later","absence_policy":"vanish","started_at":"2025-03-01"}`},
		{"bad date", `{"customer_id":"c","kind":"session_based","total_sessions":1,"billing_type":"prepaid","absence_policy":"vanish","started_at":"03/01/2025"}`},
		{"billing day", `{"customer_id":"c","kind":"session_based","total_sessions":1,"billing_type":"prepaid","absence_policy":"vanish","started_at":"2025-03-01","billing_day":32}`},
		{"unknown weekday", `{"customer_id":"c","kind":"session_based","total_sessions":1,"billing_type":"prepaid","absence_policy":"vanish","started_at":"2025-03-01","weekdays":["funday"]}`},
		{"zero sessions", `{"customer_id":"c","kind":"session_based","total_sessions":0,"billing_type":"prepaid","absence_policy":"vanish","started_at":"2025-03-01"}`},
		{"monthly without end", `{"customer_id":"c","kind":"amount_based","monthly_amount":"1000","billing_type":"prepaid","absence_policy":"vanish","started_at":"2025-03-01"}`},
	}
	f := NewContractFactory()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ParseContract(tt.json)
			assert.ErrorIs(t, err, generic.ErrValidation)
		})
	}
}

func TestContractFactory_ToJSONRoundTrip(t *testing.T) {
	f := NewContractFactory()
	original, err := f.ParseContract(MonthlyLessonsJSON("cus_7", 90000, "postpaid", []string{"tue", "thu"}, "2025-03-10", "2025-06-30"))
	require.NoError(t, err)

	again, err := f.FromJSON(f.ToJSON(original))

	require.NoError(t, err)
	assert.Equal(t, original.Weekdays, again.Weekdays)
	assert.Equal(t, original.StartedAt, again.StartedAt)
	assert.Equal(t, original.BillingType, again.BillingType)
	assert.True(t, original.MonthlyAmount().Equal(again.MonthlyAmount()))
}

func TestPresets_Parse(t *testing.T) {
	f := NewContractFactory()
	for name, js := range map[string]string{
		"monthly":  MonthlyLessonsJSON("cus_1", 100000, "prepaid", []string{"mon"}, "2025-03-01", "2025-06-30"),
		"pack":     SessionPackJSON("cus_2", 10, 120000, "2025-03-01"),
		"lump sum": LumpSumJSON("cus_3", 300000, []string{"sat"}, "2025-03-01", "2025-05-31"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.ParseContract(js)
			assert.NoError(t, err)
		})
	}
}
