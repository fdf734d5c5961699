/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	contracts for demos. Each scenario creates contracts from the factory
	presets, walks them through the lifecycle, and records attendance so the
	invoice queue has something to show.

AVAILABLE SCENARIOS:

	monthly-prepaid:  Monday lessons billed in advance, one absence credited
	monthly-postpaid: Tue/Thu lessons billed after the month, a substitute
	session-pack:     10 session pack, three sessions used, extended by 5
	lump-sum:         Term balance billed once, absences forfeit

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create contracts via factory presets
 3. Confirm and send them
 4. Record attendance
 5. Bill as of today

DATES:

	Scenarios are anchored on the first day of the previous month so the
	invoice queue always has ready, in-progress and sent entries.

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: route wiring
  - factory/contract.go: contract presets
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/contract"
	"github.com/warp/settlement-engine/factory"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "monthly-prepaid",
		Name:        "Monthly Prepaid",
		Description: "Monday lessons billed in advance; an absence becomes a credit on the next invoice",
		Category:    "monthly",
	},
	{
		ID:          "monthly-postpaid",
		Name:        "Monthly Postpaid",
		Description: "Tuesday/Thursday lessons billed after the month; a substitute session",
		Category:    "monthly",
	},
	{
		ID:          "session-pack",
		Name:        "Session Pack",
		Description: "10 prepaid sessions, three used, extended by 5",
		Category:    "sessions",
	},
	{
		ID:          "lump-sum",
		Name:        "Lump Sum Term",
		Description: "Term balance billed once; absences are forfeited",
		Category:    "balance",
	},
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns all available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	loaders := map[string]func(context.Context, generic.Date) error{
		"monthly-prepaid":  h.loadMonthlyPrepaid,
		"monthly-postpaid": h.loadMonthlyPostpaid,
		"session-pack":     h.loadSessionPack,
		"lump-sum":         h.loadLumpSum,
	}
	load, ok := loaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	h.currentScenario = ""
	if err := h.Service.Repository().Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	today := h.Service.Today()
	if err := load(ctx, today); err != nil {
		h.fail(w, "Failed to load scenario", err)
		return
	}
	if _, err := h.Service.RunBilling(ctx, today, 1); err != nil {
		h.fail(w, "Failed to bill scenario", err)
		return
	}

	h.currentScenario = req.ScenarioID
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario_id": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Service.Repository().Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// LOADERS
// =============================================================================

func (h *Handler) loadMonthlyPrepaid(ctx context.Context, today generic.Date) error {
	start := scenarioStart(today)
	end := start.AddMonthsClamped(4).AddDays(-1)
	c, err := h.createSent(ctx, factory.MonthlyLessonsJSON(
		"cus_demo_1", 100000, string(contract.BillingPrepaid), []string{"mon"}, start.String(), end.String()))
	if err != nil {
		return err
	}

	first := nextWeekday(start, time.Monday)
	return h.record(ctx, c.ID,
		ledger.Event{Status: ledger.StatusPresent, OccurredAt: first},
		ledger.Event{Status: ledger.StatusAbsent, OccurredAt: first.AddDays(7), Memo: "sick"},
		ledger.Event{Status: ledger.StatusPresent, OccurredAt: first.AddDays(14)},
	)
}

func (h *Handler) loadMonthlyPostpaid(ctx context.Context, today generic.Date) error {
	start := scenarioStart(today)
	end := start.AddMonthsClamped(3).AddDays(-1)
	c, err := h.createSent(ctx, factory.MonthlyLessonsJSON(
		"cus_demo_2", 80000, string(contract.BillingPostpaid), []string{"tue", "thu"}, start.String(), end.String()))
	if err != nil {
		return err
	}

	tue := nextWeekday(start, time.Tuesday)
	moved := tue.AddDays(1)
	return h.record(ctx, c.ID,
		ledger.Event{Status: ledger.StatusPresent, OccurredAt: tue},
		ledger.Event{Status: ledger.StatusSubstitute, OccurredAt: tue.AddDays(7), SubstituteAt: &moved, Memo: "moved to Wednesday"},
		ledger.Event{Status: ledger.StatusAbsent, OccurredAt: nextWeekday(start, time.Thursday)},
	)
}

func (h *Handler) loadSessionPack(ctx context.Context, today generic.Date) error {
	start := scenarioStart(today)
	c, err := h.createSent(ctx, factory.SessionPackJSON("cus_demo_3", 10, 150000, start.String()))
	if err != nil {
		return err
	}

	if err := h.record(ctx, c.ID,
		ledger.Event{Status: ledger.StatusPresent, OccurredAt: start},
		ledger.Event{Status: ledger.StatusPresent, OccurredAt: start.AddDays(3)},
		ledger.Event{Status: ledger.StatusAbsent, OccurredAt: start.AddDays(7)},
		ledger.Event{Status: ledger.StatusPresent, OccurredAt: start.AddDays(10)},
	); err != nil {
		return err
	}

	_, _, err = h.Service.ExtendContract(ctx, c.ID, contract.ExtensionRequest{
		Delta:           decimal.NewFromInt(5),
		ExtensionAmount: lo.ToPtr(decimal.NewFromInt(75000)),
		Reason:          "renewal",
		By:              "demo",
	})
	return err
}

func (h *Handler) loadLumpSum(ctx context.Context, today generic.Date) error {
	start := scenarioStart(today)
	end := start.AddMonthsClamped(3).AddDays(-1)
	c, err := h.createSent(ctx, factory.LumpSumJSON("cus_demo_4", 300000, []string{"sat"}, start.String(), end.String()))
	if err != nil {
		return err
	}

	sat := nextWeekday(start, time.Saturday)
	return h.record(ctx, c.ID,
		ledger.Event{Status: ledger.StatusPresent, OccurredAt: sat},
		ledger.Event{Status: ledger.StatusAbsent, OccurredAt: sat.AddDays(7)},
	)
}

// =============================================================================
// HELPERS
// =============================================================================

// createSent parses, creates, confirms and sends a contract.
func (h *Handler) createSent(ctx context.Context, js string) (*contract.Contract, error) {
	draft, err := h.ContractFactory.ParseContract(js)
	if err != nil {
		return nil, errors.Wrap(err, "parse preset")
	}
	c, err := h.Service.CreateContract(ctx, draft)
	if err != nil {
		return nil, err
	}
	if _, err := h.Service.ConfirmContract(ctx, c.ID); err != nil {
		return nil, err
	}
	sent, _, err := h.Service.SendContract(ctx, c.ID)
	return sent, err
}

func (h *Handler) record(ctx context.Context, id generic.ContractID, events ...ledger.Event) error {
	for _, ev := range events {
		ev.RecordedBy = "demo"
		if _, err := h.Service.RecordAttendance(ctx, id, ev); err != nil {
			return errors.Wrapf(err, "record %s on %s", ev.Status, ev.OccurredAt)
		}
	}
	return nil
}

// scenarioStart is the first day of the month before today.
func scenarioStart(today generic.Date) generic.Date {
	return generic.NewDate(today.Year(), today.Month(), 1).AddMonthsClamped(-1)
}

func nextWeekday(from generic.Date, wd time.Weekday) generic.Date {
	return from.AddDays((int(wd) - int(from.Weekday()) + 7) % 7)
}
