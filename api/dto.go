/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Contract:
    ContractDTO (wraps factory.ContractJSON), QuoteDTO, ExtendRequest,
    UnitPriceRequest

  Attendance:
    EventDTO, RecordEventRequest, AmendEventRequest, VoidEventRequest,
    EntryDTO, ReconciliationDTO

  Invoices:
    InvoiceDTO, ClassificationDTO, AdjustmentRequest, MaterializeRequest

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Request types carry validator tags; handlers run factory.ValidateRequest
  before touching the service.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/contract.go: ContractJSON type
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/contract"
	"github.com/warp/settlement-engine/factory"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/invoice"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/pricing"
)

// =============================================================================
// CONTRACTS
// =============================================================================

// ContractDTO is a contract definition plus its derived state.
type ContractDTO struct {
	factory.ContractJSON

	Status             string          `json:"status"`
	UnitPrice          decimal.Decimal `json:"unit_price"`
	EffectiveUnitPrice decimal.Decimal `json:"effective_unit_price"`
	PlannedCount       int             `json:"planned_count"`
	Used               AmountDTO       `json:"used"`
	Ceiling            AmountDTO       `json:"ceiling"`
	Remaining          AmountDTO       `json:"remaining"`
	Extensions         []ExtensionDTO  `json:"extensions"`
	ExtensionSuggested bool            `json:"extension_suggested"`
	CreatedAt          time.Time       `json:"created_at"`
	ConfirmedAt        *time.Time      `json:"confirmed_at,omitempty"`
	SentAt             *time.Time      `json:"sent_at,omitempty"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

type AmountDTO struct {
	Value decimal.Decimal `json:"value"`
	Unit  string          `json:"unit"`
}

type ExtensionDTO struct {
	ID              string          `json:"id"`
	Delta           decimal.Decimal `json:"delta"`
	ExtensionAmount decimal.Decimal `json:"extension_amount"`
	Reason          string          `json:"reason,omitempty"`
	At              time.Time       `json:"at"`
	By              string          `json:"by,omitempty"`
}

// QuoteDTO is a price preview.
type QuoteDTO struct {
	UnitPrice               decimal.Decimal `json:"unit_price"`
	ComputedUnitPrice       decimal.Decimal `json:"computed_unit_price"`
	Overridden              bool            `json:"overridden"`
	PlannedCount            int             `json:"planned_count"`
	ContractMonths          int             `json:"contract_months"`
	FirstPeriodStart        *generic.Date   `json:"first_period_start,omitempty"`
	FirstPeriodEnd          *generic.Date   `json:"first_period_end,omitempty"`
	FirstPeriodPlannedCount int             `json:"first_period_planned_count,omitempty"`
}

// ExtendRequest asks for more entitlement.
type ExtendRequest struct {
	Delta           decimal.Decimal  `json:"delta"`
	ExtensionAmount *decimal.Decimal `json:"extension_amount,omitempty"`
	Reason          string           `json:"reason" validate:"required"`
	By              string           `json:"by,omitempty"`
}

// UnitPriceRequest sets the override; null clears it.
type UnitPriceRequest struct {
	UnitPrice *decimal.Decimal `json:"unit_price"`
}

// =============================================================================
// ATTENDANCE
// =============================================================================

type EventDTO struct {
	ID           string           `json:"id"`
	ContractID   string           `json:"contract_id"`
	Status       string           `json:"status"`
	OccurredAt   generic.Date     `json:"occurred_at"`
	SubstituteAt *generic.Date    `json:"substitute_at,omitempty"`
	Amount       *decimal.Decimal `json:"amount,omitempty"`
	Memo         string           `json:"memo,omitempty"`
	Effect       string           `json:"effect"`
	Applied      AmountDTO        `json:"applied"`
	Voided       bool             `json:"voided"`
	VoidReason   string           `json:"void_reason,omitempty"`
	VoidedAt     *time.Time       `json:"voided_at,omitempty"`
	VoidedBy     string           `json:"voided_by,omitempty"`
	ModifiedAt   *time.Time       `json:"modified_at,omitempty"`
	ModifiedBy   string           `json:"modified_by,omitempty"`
	ChangeReason string           `json:"change_reason,omitempty"`
	RecordedBy   string           `json:"recorded_by,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// RecordEventRequest records attendance. id is an optional idempotency key.
type RecordEventRequest struct {
	ID           string           `json:"id,omitempty"`
	Status       string           `json:"status" validate:"required,oneof=present absent substitute vanish"`
	OccurredAt   string           `json:"occurred_at" validate:"required,datetime=2006-01-02"`
	SubstituteAt string           `json:"substitute_at,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Amount       *decimal.Decimal `json:"amount,omitempty"`
	Memo         string           `json:"memo,omitempty"`
	RecordedBy   string           `json:"recorded_by,omitempty"`
}

// AmendEventRequest replaces the given fields.
type AmendEventRequest struct {
	Status       *string          `json:"status,omitempty" validate:"omitempty,oneof=present absent substitute vanish"`
	OccurredAt   *string          `json:"occurred_at,omitempty" validate:"omitempty,datetime=2006-01-02"`
	SubstituteAt *string          `json:"substitute_at,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Amount       *decimal.Decimal `json:"amount,omitempty"`
	Memo         *string          `json:"memo,omitempty"`
	Reason       string           `json:"reason" validate:"required"`
	By           string           `json:"by,omitempty"`
}

type VoidEventRequest struct {
	Reason string `json:"reason" validate:"required"`
	By     string `json:"by,omitempty"`
}

type EntryDTO struct {
	ID         string       `json:"id"`
	EventID    string       `json:"event_id"`
	Type       string       `json:"type"`
	Delta      AmountDTO    `json:"delta"`
	OccurredAt generic.Date `json:"occurred_at"`
	ReversesID string       `json:"reverses_id,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

type ConsumedDTO struct {
	ContractID string       `json:"contract_id"`
	AsOf       generic.Date `json:"as_of"`
	Consumed   AmountDTO    `json:"consumed"`
}

type ReconciliationDTO struct {
	ContractID string    `json:"contract_id"`
	Cached     AmountDTO `json:"cached"`
	Journal    AmountDTO `json:"journal"`
	Events     AmountDTO `json:"events"`
	Drift      AmountDTO `json:"drift"`
	InSync     bool      `json:"in_sync"`
}

// =============================================================================
// INVOICES
// =============================================================================

type InvoiceDTO struct {
	ID               string          `json:"id"`
	ContractID       string          `json:"contract_id"`
	Kind             string          `json:"kind"`
	SourceID         string          `json:"source_id,omitempty"`
	Year             int             `json:"year"`
	Month            int             `json:"month"`
	PeriodStart      generic.Date    `json:"period_start"`
	PeriodEnd        generic.Date    `json:"period_end"`
	DueDate          generic.Date    `json:"due_date"`
	BaseAmount       decimal.Decimal `json:"base_amount"`
	AutoAdjustment   decimal.Decimal `json:"auto_adjustment"`
	ManualAdjustment decimal.Decimal `json:"manual_adjustment"`
	ManualReason     string          `json:"manual_reason,omitempty"`
	FinalAmount      decimal.Decimal `json:"final_amount"`
	AdjustedEventIDs []string        `json:"adjusted_event_ids"`
	SendStatus       string          `json:"send_status"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	PartialAt        *time.Time      `json:"partial_at,omitempty"`
	SentAt           *time.Time      `json:"sent_at,omitempty"`
}

type ClassificationDTO struct {
	Today      generic.Date `json:"today"`
	Ready      []InvoiceDTO `json:"ready"`
	InProgress []InvoiceDTO `json:"in_progress"`
	Sent       []InvoiceDTO `json:"sent"`
}

type AdjustmentRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason" validate:"required"`
}

// MaterializeRequest bills the contract as of a day (default: today).
type MaterializeRequest struct {
	AsOf string `json:"as_of,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

type BillingRunRequest struct {
	AsOf    string `json:"as_of,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Workers int    `json:"workers,omitempty" validate:"gte=0,lte=64"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toAmountDTO(a generic.Amount) AmountDTO {
	return AmountDTO{Value: a.Value, Unit: string(a.Unit)}
}

func toContractDTO(f *factory.ContractFactory, c *contract.Contract, today generic.Date) ContractDTO {
	dto := ContractDTO{
		ContractJSON:       f.ToJSON(c),
		Status:             string(c.Status),
		UnitPrice:          c.UnitPrice,
		EffectiveUnitPrice: c.EffectiveUnitPrice(),
		PlannedCount:       c.PlannedCount,
		Used:               toAmountDTO(c.Used()),
		Ceiling:            toAmountDTO(c.Ceiling()),
		Remaining:          toAmountDTO(c.Remaining()),
		Extensions:         make([]ExtensionDTO, 0, len(c.Extensions)),
		ExtensionSuggested: contract.ExtensionSuggested(c, today, 2, 14),
		CreatedAt:          c.CreatedAt,
		ConfirmedAt:        c.ConfirmedAt,
		SentAt:             c.SentAt,
		UpdatedAt:          c.UpdatedAt,
	}
	for _, e := range c.Extensions {
		dto.Extensions = append(dto.Extensions, ExtensionDTO{
			ID: e.ID, Delta: e.Delta, ExtensionAmount: e.ExtensionAmount, Reason: e.Reason, At: e.At, By: e.By,
		})
	}
	return dto
}

func toQuoteDTO(q pricing.Quote) QuoteDTO {
	dto := QuoteDTO{
		UnitPrice:               q.UnitPrice,
		ComputedUnitPrice:       q.ComputedUnitPrice,
		Overridden:              q.Overridden,
		PlannedCount:            q.PlannedCount,
		ContractMonths:          q.ContractMonths,
		FirstPeriodPlannedCount: q.FirstPeriodPlannedCount,
	}
	if q.FirstPeriod != nil {
		start, end := q.FirstPeriod.Start, q.FirstPeriod.End
		dto.FirstPeriodStart, dto.FirstPeriodEnd = &start, &end
	}
	return dto
}

func toEventDTO(e *ledger.Event) EventDTO {
	return EventDTO{
		ID:           string(e.ID),
		ContractID:   string(e.ContractID),
		Status:       string(e.Status),
		OccurredAt:   e.OccurredAt,
		SubstituteAt: e.SubstituteAt,
		Amount:       e.Amount,
		Memo:         e.Memo,
		Effect:       string(e.Effect),
		Applied:      toAmountDTO(e.Applied),
		Voided:       e.Voided,
		VoidReason:   e.VoidReason,
		VoidedAt:     e.VoidedAt,
		VoidedBy:     e.VoidedBy,
		ModifiedAt:   e.ModifiedAt,
		ModifiedBy:   e.ModifiedBy,
		ChangeReason: e.ChangeReason,
		RecordedBy:   e.RecordedBy,
		CreatedAt:    e.CreatedAt,
	}
}

func toEntryDTO(en ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:         string(en.ID),
		EventID:    string(en.EventID),
		Type:       string(en.Type),
		Delta:      toAmountDTO(en.Delta),
		OccurredAt: en.OccurredAt,
		ReversesID: string(en.ReversesID),
		Reason:     en.Reason,
		CreatedAt:  en.CreatedAt,
	}
}

func toInvoiceDTO(inv *invoice.Invoice) InvoiceDTO {
	ids := make([]string, 0, len(inv.AdjustedEventIDs))
	for _, id := range inv.AdjustedEventIDs {
		ids = append(ids, string(id))
	}
	return InvoiceDTO{
		ID:               string(inv.ID),
		ContractID:       string(inv.ContractID),
		Kind:             string(inv.Kind),
		SourceID:         inv.SourceID,
		Year:             inv.Year,
		Month:            int(inv.Month),
		PeriodStart:      inv.PeriodStart,
		PeriodEnd:        inv.PeriodEnd,
		DueDate:          inv.DueDate,
		BaseAmount:       inv.BaseAmount,
		AutoAdjustment:   inv.AutoAdjustment,
		ManualAdjustment: inv.ManualAdjustment,
		ManualReason:     inv.ManualReason,
		FinalAmount:      inv.FinalAmount,
		AdjustedEventIDs: ids,
		SendStatus:       string(inv.SendStatus),
		CreatedAt:        inv.CreatedAt,
		UpdatedAt:        inv.UpdatedAt,
		PartialAt:        inv.PartialAt,
		SentAt:           inv.SentAt,
	}
}

func toInvoiceDTOs(invoices []*invoice.Invoice) []InvoiceDTO {
	out := make([]InvoiceDTO, 0, len(invoices))
	for _, inv := range invoices {
		out = append(out, toInvoiceDTO(inv))
	}
	return out
}
