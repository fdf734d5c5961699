/*
handlers.go - HTTP API handlers for the settlement engine

PURPOSE:
  Exposes the settlement service via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to settlement.Service. Handlers never
  touch the store directly; every write goes through the per-contract lock.

ENDPOINTS:
  Contracts:
    GET    /api/contracts                      List (customer_id, status)
    POST   /api/contracts                      Create draft from JSON
    GET    /api/contracts/{id}                 Contract with derived state
    GET    /api/contracts/{id}/quote           Price preview
    POST   /api/contracts/{id}/confirm         draft -> confirmed
    POST   /api/contracts/{id}/send            confirmed -> sent
    PUT    /api/contracts/{id}/unit-price      Set or clear the override
    POST   /api/contracts/{id}/extensions      Add entitlement

  Attendance:
    GET    /api/contracts/{id}/events          Events (include_voided)
    POST   /api/contracts/{id}/events          Record attendance
    GET    /api/contracts/{id}/entries         Consumption journal
    GET    /api/contracts/{id}/consumed        Consumed up to as_of
    GET    /api/contracts/{id}/reconcile       Counter vs journal check
    GET    /api/events/{id}                    Single event
    POST   /api/events/{id}/void               Void with reason
    POST   /api/events/{id}/amend              Amend with reason

  Invoices:
    GET    /api/contracts/{id}/invoices        Invoices of a contract
    POST   /api/contracts/{id}/invoices        Materialize or refresh as_of
    GET    /api/invoices                       List (contract_id, kind, send_status)
    GET    /api/invoices/classify              ready / in_progress / sent
    GET    /api/invoices/due                   Unsent and due by today
    GET    /api/invoices/{id}                  Single invoice
    POST   /api/invoices/{id}/send             Freeze and send
    POST   /api/invoices/{id}/partial          Mark partially sent
    POST   /api/invoices/{id}/adjustment       Manual adjustment

  Admin:
    POST   /api/admin/billing-runs             Bill every sent contract

  Scenarios:
    GET    /api/scenarios                      List demo scenarios
    POST   /api/scenarios/load                 Load a demo scenario

REQUEST FLOW:
  1. Decode body, validate struct tags
  2. Convert to domain values (dates, changes)
  3. Call settlement.Service
  4. Serialize DTO

ERROR HANDLING:
  statusFor maps domain errors to HTTP status:
  - 400: Validation, invalid period, entitlement exceeded, not billable
  - 404: Contract, event or invoice not found
  - 409: Duplicate occurrence, frozen/sent invoice, invalid transition
  - 503: Lock timeout (retry)
  - 500: Everything else

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
	"github.com/warp/settlement-engine/contract"
	"github.com/warp/settlement-engine/factory"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/invoice"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/logger"
	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service         *settlement.Service
	ContractFactory *factory.ContractFactory

	log *logger.Logger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler over the service.
func NewHandler(svc *settlement.Service, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{
		Service:         svc,
		ContractFactory: factory.NewContractFactory(),
		log:             log,
	}
}

// =============================================================================
// CONTRACT HANDLERS
// =============================================================================

// ListContracts returns contracts, optionally filtered.
func (h *Handler) ListContracts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	contracts, err := h.Service.ListContracts(r.Context(), contract.Filter{
		CustomerID: generic.CustomerID(q.Get("customer_id")),
		Status:     contract.Status(q.Get("status")),
	})
	if err != nil {
		h.fail(w, "Failed to list contracts", err)
		return
	}

	today := h.Service.Today()
	writeJSON(w, http.StatusOK, lo.Map(contracts, func(c *contract.Contract, _ int) ContractDTO {
		return toContractDTO(h.ContractFactory, c, today)
	}))
}

// CreateContract creates a draft contract from a JSON definition.
func (h *Handler) CreateContract(w http.ResponseWriter, r *http.Request) {
	var req factory.ContractJSON
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	c, err := h.ContractFactory.FromJSON(req)
	if err != nil {
		h.fail(w, "Invalid contract", err)
		return
	}

	created, err := h.Service.CreateContract(r.Context(), c)
	if err != nil {
		h.fail(w, "Failed to create contract", err)
		return
	}
	writeJSON(w, http.StatusCreated, toContractDTO(h.ContractFactory, created, h.Service.Today()))
}

// GetContract returns one contract.
func (h *Handler) GetContract(w http.ResponseWriter, r *http.Request) {
	c, err := h.Service.GetContract(r.Context(), contractID(r))
	if err != nil {
		h.fail(w, "Contract not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toContractDTO(h.ContractFactory, c, h.Service.Today()))
}

// GetQuote previews the price of a contract.
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	q, err := h.Service.Quote(r.Context(), contractID(r))
	if err != nil {
		h.fail(w, "Failed to quote contract", err)
		return
	}
	writeJSON(w, http.StatusOK, toQuoteDTO(q))
}

// ConfirmContract moves a draft to confirmed.
func (h *Handler) ConfirmContract(w http.ResponseWriter, r *http.Request) {
	c, err := h.Service.ConfirmContract(r.Context(), contractID(r))
	if err != nil {
		h.fail(w, "Failed to confirm contract", err)
		return
	}
	writeJSON(w, http.StatusOK, toContractDTO(h.ContractFactory, c, h.Service.Today()))
}

// SendContract sends a confirmed contract. Prepaid contracts answer with
// their opening invoice.
func (h *Handler) SendContract(w http.ResponseWriter, r *http.Request) {
	c, first, err := h.Service.SendContract(r.Context(), contractID(r))
	if err != nil {
		h.fail(w, "Failed to send contract", err)
		return
	}

	resp := struct {
		Contract ContractDTO `json:"contract"`
		Invoice  *InvoiceDTO `json:"invoice,omitempty"`
	}{Contract: toContractDTO(h.ContractFactory, c, h.Service.Today())}
	if first != nil {
		dto := toInvoiceDTO(first)
		resp.Invoice = &dto
	}
	writeJSON(w, http.StatusOK, resp)
}

// SetUnitPrice sets (or with null, clears) the manual unit price.
func (h *Handler) SetUnitPrice(w http.ResponseWriter, r *http.Request) {
	var req UnitPriceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	c, err := h.Service.SetManualUnitPrice(r.Context(), contractID(r), req.UnitPrice)
	if err != nil {
		h.fail(w, "Failed to set unit price", err)
		return
	}
	writeJSON(w, http.StatusOK, toContractDTO(h.ContractFactory, c, h.Service.Today()))
}

// ExtendContract adds entitlement to a contract.
func (h *Handler) ExtendContract(w http.ResponseWriter, r *http.Request) {
	var req ExtendRequest
	if err := decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	c, ext, err := h.Service.ExtendContract(r.Context(), contractID(r), contract.ExtensionRequest{
		Delta:           req.Delta,
		ExtensionAmount: req.ExtensionAmount,
		Reason:          req.Reason,
		By:              req.By,
	})
	if err != nil {
		h.fail(w, "Failed to extend contract", err)
		return
	}

	writeJSON(w, http.StatusCreated, struct {
		Contract  ContractDTO  `json:"contract"`
		Extension ExtensionDTO `json:"extension"`
	}{
		Contract: toContractDTO(h.ContractFactory, c, h.Service.Today()),
		Extension: ExtensionDTO{
			ID: ext.ID, Delta: ext.Delta, ExtensionAmount: ext.ExtensionAmount,
			Reason: ext.Reason, At: ext.At, By: ext.By,
		},
	})
}

// =============================================================================
// ATTENDANCE HANDLERS
// =============================================================================

// ListEvents returns the attendance events of a contract.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	includeVoided, _ := strconv.ParseBool(r.URL.Query().Get("include_voided"))

	events, err := h.Service.Events(r.Context(), contractID(r), includeVoided)
	if err != nil {
		h.fail(w, "Failed to list events", err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(events, func(e *ledger.Event, _ int) EventDTO { return toEventDTO(e) }))
}

// RecordEvent records one attendance event.
func (h *Handler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var req RecordEventRequest
	if err := decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ev := ledger.Event{
		ID:         generic.EventID(req.ID),
		Status:     ledger.Status(req.Status),
		Amount:     req.Amount,
		Memo:       req.Memo,
		RecordedBy: req.RecordedBy,
	}
	var err error
	if ev.OccurredAt, err = generic.ParseDate(req.OccurredAt); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid occurred_at", err)
		return
	}
	if ev.SubstituteAt, err = parseOptionalDate(req.SubstituteAt); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid substitute_at", err)
		return
	}

	recorded, err := h.Service.RecordAttendance(r.Context(), contractID(r), ev)
	if err != nil {
		h.fail(w, "Failed to record attendance", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEventDTO(recorded))
}

// GetEvent returns one event.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	e, err := h.Service.Event(r.Context(), generic.EventID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, "Event not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(e))
}

// VoidEvent voids an event.
func (h *Handler) VoidEvent(w http.ResponseWriter, r *http.Request) {
	var req VoidEventRequest
	if err := decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	e, err := h.Service.VoidAttendance(r.Context(), generic.EventID(chi.URLParam(r, "id")), req.Reason, req.By)
	if err != nil {
		h.fail(w, "Failed to void event", err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(e))
}

// AmendEvent changes status, date, amount or memo of an event.
func (h *Handler) AmendEvent(w http.ResponseWriter, r *http.Request) {
	var req AmendEventRequest
	if err := decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ch := ledger.Changes{Amount: req.Amount, Memo: req.Memo}
	if req.Status != nil {
		ch.Status = lo.ToPtr(ledger.Status(*req.Status))
	}
	if req.OccurredAt != nil {
		d, err := generic.ParseDate(*req.OccurredAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid occurred_at", err)
			return
		}
		ch.OccurredAt = &d
	}
	if req.SubstituteAt != nil {
		d, err := generic.ParseDate(*req.SubstituteAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid substitute_at", err)
			return
		}
		ch.SubstituteAt = &d
	}

	e, err := h.Service.AmendAttendance(r.Context(), generic.EventID(chi.URLParam(r, "id")), ch, req.Reason, req.By)
	if err != nil {
		h.fail(w, "Failed to amend event", err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(e))
}

// ListEntries returns the consumption journal of a contract.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Service.Entries(r.Context(), contractID(r))
	if err != nil {
		h.fail(w, "Failed to list entries", err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(entries, func(e ledger.Entry, _ int) EntryDTO { return toEntryDTO(e) }))
}

// GetConsumed returns consumption up to as_of (default today).
func (h *Handler) GetConsumed(w http.ResponseWriter, r *http.Request) {
	asOf, err := h.dateParam(r, "as_of")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of (use YYYY-MM-DD)", err)
		return
	}

	id := contractID(r)
	consumed, err := h.Service.ConsumedUpTo(r.Context(), id, asOf)
	if err != nil {
		h.fail(w, "Failed to compute consumption", err)
		return
	}
	writeJSON(w, http.StatusOK, ConsumedDTO{ContractID: string(id), AsOf: asOf, Consumed: toAmountDTO(consumed)})
}

// Reconcile compares the cached counter with the journal.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Service.Reconcile(r.Context(), contractID(r))
	if err != nil {
		h.fail(w, "Failed to reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, ReconciliationDTO{
		ContractID: string(rec.ContractID),
		Cached:     toAmountDTO(rec.Cached),
		Journal:    toAmountDTO(rec.Journal),
		Events:     toAmountDTO(rec.Events),
		Drift:      toAmountDTO(rec.Drift()),
		InSync:     rec.InSync,
	})
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// ListContractInvoices returns the invoices of one contract.
func (h *Handler) ListContractInvoices(w http.ResponseWriter, r *http.Request) {
	invoices, err := h.Service.ListInvoices(r.Context(), invoice.Filter{ContractID: contractID(r)})
	if err != nil {
		h.fail(w, "Failed to list invoices", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTOs(invoices))
}

// MaterializeInvoice creates or refreshes the invoice covering as_of.
func (h *Handler) MaterializeInvoice(w http.ResponseWriter, r *http.Request) {
	var req MaterializeRequest
	if err := decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	asOf, err := h.dateOrToday(req.AsOf)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of (use YYYY-MM-DD)", err)
		return
	}

	inv, err := h.Service.MaterializeOrRefresh(r.Context(), contractID(r), asOf)
	if err != nil {
		h.fail(w, "Failed to materialize invoice", err)
		return
	}
	if inv == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// ListInvoices returns invoices across contracts.
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	invoices, err := h.Service.ListInvoices(r.Context(), invoiceFilter(r))
	if err != nil {
		h.fail(w, "Failed to list invoices", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTOs(invoices))
}

// ClassifyInvoices buckets invoices for the billing dashboard.
func (h *Handler) ClassifyInvoices(w http.ResponseWriter, r *http.Request) {
	today, err := h.dateParam(r, "today")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid today (use YYYY-MM-DD)", err)
		return
	}

	cl, err := h.Service.Classify(r.Context(), invoiceFilter(r), today)
	if err != nil {
		h.fail(w, "Failed to classify invoices", err)
		return
	}
	writeJSON(w, http.StatusOK, ClassificationDTO{
		Today:      today,
		Ready:      toInvoiceDTOs(cl.Ready),
		InProgress: toInvoiceDTOs(cl.InProgress),
		Sent:       toInvoiceDTOs(cl.Sent),
	})
}

// DueInvoices lists the invoices waiting to be sent.
func (h *Handler) DueInvoices(w http.ResponseWriter, r *http.Request) {
	today, err := h.dateParam(r, "today")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid today (use YYYY-MM-DD)", err)
		return
	}

	due, err := h.Service.DueInvoices(r.Context(), today)
	if err != nil {
		h.fail(w, "Failed to list due invoices", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTOs(due))
}

// GetInvoice returns one invoice.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Service.GetInvoice(r.Context(), invoiceID(r))
	if err != nil {
		h.fail(w, "Invoice not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// SendInvoice freezes and sends an invoice.
func (h *Handler) SendInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Service.SendInvoice(r.Context(), invoiceID(r))
	if err != nil {
		h.fail(w, "Failed to send invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// MarkInvoicePartial marks an invoice as partially sent.
func (h *Handler) MarkInvoicePartial(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Service.MarkInvoicePartial(r.Context(), invoiceID(r))
	if err != nil {
		h.fail(w, "Failed to mark invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// AdjustInvoice applies a manual adjustment to an unsent invoice.
func (h *Handler) AdjustInvoice(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if err := decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	inv, err := h.Service.ApplyManualAdjustment(r.Context(), invoiceID(r), req.Amount, req.Reason)
	if err != nil {
		h.fail(w, "Failed to adjust invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RunBilling bills every sent contract as of the given day.
func (h *Handler) RunBilling(w http.ResponseWriter, r *http.Request) {
	var req BillingRunRequest
	if err := decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	asOf, err := h.dateOrToday(req.AsOf)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of (use YYYY-MM-DD)", err)
		return
	}

	run, err := h.Service.RunBilling(r.Context(), asOf, req.Workers)
	if err != nil {
		h.fail(w, "Billing run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// =============================================================================
// HELPERS
// =============================================================================

func contractID(r *http.Request) generic.ContractID {
	return generic.ContractID(chi.URLParam(r, "id"))
}

func invoiceID(r *http.Request) generic.InvoiceID {
	return generic.InvoiceID(chi.URLParam(r, "id"))
}

func invoiceFilter(r *http.Request) invoice.Filter {
	q := r.URL.Query()
	return invoice.Filter{
		ContractID: generic.ContractID(q.Get("contract_id")),
		Kind:       invoice.Kind(q.Get("kind")),
		SendStatus: invoice.SendStatus(q.Get("send_status")),
	}
}

// dateParam reads a YYYY-MM-DD query parameter, defaulting to today.
func (h *Handler) dateParam(r *http.Request, name string) (generic.Date, error) {
	return h.dateOrToday(r.URL.Query().Get(name))
}

// dateOrToday parses a YYYY-MM-DD value; empty means the service's today.
func (h *Handler) dateOrToday(raw string) (generic.Date, error) {
	if raw == "" {
		return h.Service.Today(), nil
	}
	return generic.ParseDate(raw)
}

func parseOptionalDate(raw string) (*generic.Date, error) {
	if raw == "" {
		return nil, nil
	}
	d, err := generic.ParseDate(raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// decode reads a JSON body. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrapf(generic.ErrValidation, "decode body: %v", err)
	}
	return nil
}

func decodeValid(r *http.Request, v any) error {
	if err := decode(r, v); err != nil {
		return err
	}
	return factory.ValidateRequest(v)
}

// statusFor maps domain errors to HTTP status codes. Conflicts are checked
// before client errors: an invalid transition is a 409, not a 400.
func statusFor(err error) int {
	switch {
	case generic.IsNotFound(err):
		return http.StatusNotFound
	case generic.IsConflict(err):
		return http.StatusConflict
	case generic.IsClientError(err):
		return http.StatusBadRequest
	case generic.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Server errors are logged; the
// service already logged the domain context.
func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Errorw(message, "error", err)
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
