/*
Package factory provides JSON to Go contract conversion.

PURPOSE:
  Converts JSON contract definitions into contract.Contract values and back.
  Operators and the admin UI describe contracts in JSON; the factory
  validates the document and builds the typed entitlement variant.

JSON SCHEMA:
  {
    "customer_id": "cus_42",
    "title": "Piano, Mondays",
    "kind": "amount_based",
    "monthly_amount": "100000",
    "billing_type": "prepaid",
    "payment_schedule": "monthly",
    "absence_policy": "deduct_next",
    "weekdays": ["mon"],
    "started_at": "2025-03-01",
    "ended_at": "2025-06-30",
    "billing_day": 1
  }

  Session packs use "kind": "session_based" with "total_sessions" and
  "total_amount" (the pack price).

KEY FEATURES:
  - Struct-tag validation (go-playground/validator)
  - Weekday names ("mon", "Monday") into a WeekdaySet
  - Amounts as JSON strings or numbers (decimal)
  - Presets for the common contract shapes

USAGE:
  f := factory.NewContractFactory()
  c, err := f.ParseContract(jsonString)

SEE ALSO:
  - contract/types.go: Contract definition
  - api/dto.go: request and response shapes built on ContractJSON
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/contract"
	"github.com/warp/settlement-engine/generic"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ContractJSON is the JSON representation of a contract definition.
type ContractJSON struct {
	ID              string           `json:"id,omitempty"`
	CustomerID      string           `json:"customer_id" validate:"required"`
	Title           string           `json:"title,omitempty"`
	Kind            string           `json:"kind" validate:"required,oneof=session_based amount_based"`
	TotalSessions   int              `json:"total_sessions,omitempty" validate:"gte=0"`
	TotalAmount     decimal.Decimal  `json:"total_amount"`
	MonthlyAmount   decimal.Decimal  `json:"monthly_amount"`
	BillingType     string           `json:"billing_type" validate:"required,oneof=prepaid postpaid"`
	PaymentSchedule string           `json:"payment_schedule,omitempty" validate:"omitempty,oneof=monthly lump_sum"`
	AbsencePolicy   string           `json:"absence_policy" validate:"required,oneof=carry_over deduct_next vanish"`
	Weekdays        []string         `json:"weekdays,omitempty"`
	StartedAt       string           `json:"started_at" validate:"required,datetime=2006-01-02"`
	EndedAt         string           `json:"ended_at,omitempty" validate:"omitempty,datetime=2006-01-02"`
	BillingDay      int              `json:"billing_day,omitempty" validate:"gte=0,lte=31"`
	ManualUnitPrice *decimal.Decimal `json:"manual_unit_price,omitempty"`
}

// =============================================================================
// VALIDATION
// =============================================================================

var validate = validator.New()

// ValidateRequest checks struct tags and reports every failing field as one
// generic.ErrValidation.
func ValidateRequest(req any) error {
	if err := validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
			}
			return errors.Wrap(generic.ErrValidation, strings.Join(msgs, "; "))
		}
		return errors.Wrap(generic.ErrValidation, err.Error())
	}
	return nil
}

// =============================================================================
// FACTORY
// =============================================================================

// ContractFactory creates contracts from JSON.
type ContractFactory struct{}

func NewContractFactory() *ContractFactory {
	return &ContractFactory{}
}

// ParseContract parses and validates a JSON contract definition.
func (f *ContractFactory) ParseContract(jsonStr string) (*contract.Contract, error) {
	var cj ContractJSON
	if err := json.Unmarshal([]byte(jsonStr), &cj); err != nil {
		return nil, errors.Wrapf(generic.ErrValidation, "invalid JSON: %v", err)
	}
	return f.FromJSON(cj)
}

// FromJSON converts an already-decoded definition. The result is a draft;
// price, counters and timestamps are filled in by the service.
func (f *ContractFactory) FromJSON(cj ContractJSON) (*contract.Contract, error) {
	if err := ValidateRequest(cj); err != nil {
		return nil, err
	}

	c := &contract.Contract{
		ID:              generic.ContractID(cj.ID),
		CustomerID:      generic.CustomerID(cj.CustomerID),
		Title:           cj.Title,
		BillingType:     contract.BillingType(cj.BillingType),
		PaymentSchedule: contract.PaymentSchedule(cj.PaymentSchedule),
		AbsencePolicy:   contract.AbsencePolicy(cj.AbsencePolicy),
		BillingDay:      cj.BillingDay,
		ManualUnitPrice: cj.ManualUnitPrice,
		Status:          contract.StatusDraft,
	}

	switch contract.Kind(cj.Kind) {
	case contract.KindSessionBased:
		c.Entitlement = contract.SessionBased{Sessions: cj.TotalSessions, Price: cj.TotalAmount}
	case contract.KindAmountBased:
		if c.PaymentSchedule == "" {
			c.PaymentSchedule = contract.ScheduleMonthly
		}
		c.Entitlement = contract.AmountBased{Total: cj.TotalAmount, MonthlyAmount: cj.MonthlyAmount}
	}

	weekdays, err := ParseWeekdays(cj.Weekdays)
	if err != nil {
		return nil, err
	}
	c.Weekdays = weekdays

	if c.StartedAt, err = generic.ParseDate(cj.StartedAt); err != nil {
		return nil, errors.Wrapf(generic.ErrValidation, "started_at: %v", err)
	}
	if cj.EndedAt != "" {
		end, err := generic.ParseDate(cj.EndedAt)
		if err != nil {
			return nil, errors.Wrapf(generic.ErrValidation, "ended_at: %v", err)
		}
		c.EndedAt = &end
	}

	// A definition may omit the id; the service assigns one on create.
	candidate := c
	if c.ID == "" {
		candidate = c.Clone()
		candidate.ID = "new"
	}
	if err := candidate.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ToJSON is the inverse of FromJSON.
func (f *ContractFactory) ToJSON(c *contract.Contract) ContractJSON {
	cj := ContractJSON{
		ID:              string(c.ID),
		CustomerID:      string(c.CustomerID),
		Title:           c.Title,
		Kind:            string(c.Kind()),
		TotalSessions:   c.TargetSessions(),
		TotalAmount:     c.TotalAmount(),
		MonthlyAmount:   c.MonthlyAmount(),
		BillingType:     string(c.BillingType),
		PaymentSchedule: string(c.PaymentSchedule),
		AbsencePolicy:   string(c.AbsencePolicy),
		StartedAt:       c.StartedAt.String(),
		BillingDay:      c.BillingDay,
		ManualUnitPrice: c.ManualUnitPrice,
	}
	if !c.Weekdays.IsEmpty() {
		cj.Weekdays = strings.Split(c.Weekdays.String(), ",")
	}
	if c.EndedAt != nil {
		cj.EndedAt = c.EndedAt.String()
	}
	return cj
}

// ParseWeekdays turns names into a set, rejecting unknown names.
func ParseWeekdays(names []string) (generic.WeekdaySet, error) {
	var set generic.WeekdaySet
	for _, name := range names {
		d, ok := generic.ParseWeekday(name)
		if !ok {
			return 0, errors.Wrapf(generic.ErrValidation, "unknown weekday %q", name)
		}
		set = set.With(d)
	}
	return set, nil
}

// =============================================================================
// PRESETS
// =============================================================================

// MonthlyLessonsJSON is a recurring monthly contract on fixed weekdays.
func MonthlyLessonsJSON(customerID string, monthly int64, billing string, weekdays []string, start, end string) string {
	return mustJSON(ContractJSON{
		CustomerID:      customerID,
		Title:           "Monthly lessons",
		Kind:            string(contract.KindAmountBased),
		MonthlyAmount:   decimal.NewFromInt(monthly),
		BillingType:     billing,
		PaymentSchedule: string(contract.ScheduleMonthly),
		AbsencePolicy:   string(contract.AbsenceDeductNext),
		Weekdays:        weekdays,
		StartedAt:       start,
		EndedAt:         end,
	})
}

// SessionPackJSON is a prepaid pack of sessions with no fixed schedule.
func SessionPackJSON(customerID string, sessions int, price int64, start string) string {
	return mustJSON(ContractJSON{
		CustomerID:    customerID,
		Title:         fmt.Sprintf("%d session pack", sessions),
		Kind:          string(contract.KindSessionBased),
		TotalSessions: sessions,
		TotalAmount:   decimal.NewFromInt(price),
		BillingType:   string(contract.BillingPrepaid),
		AbsencePolicy: string(contract.AbsenceCarryOver),
		StartedAt:     start,
	})
}

// LumpSumJSON is an amount-based balance billed once for the whole term.
func LumpSumJSON(customerID string, total int64, weekdays []string, start, end string) string {
	return mustJSON(ContractJSON{
		CustomerID:      customerID,
		Title:           "Term balance",
		Kind:            string(contract.KindAmountBased),
		TotalAmount:     decimal.NewFromInt(total),
		BillingType:     string(contract.BillingPrepaid),
		PaymentSchedule: string(contract.ScheduleLumpSum),
		AbsencePolicy:   string(contract.AbsenceVanish),
		Weekdays:        weekdays,
		StartedAt:       start,
		EndedAt:         end,
	})
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
