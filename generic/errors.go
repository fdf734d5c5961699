/*
errors.go - Centralized error types for the settlement engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages wrap these with context; callers match with errors.Is.

ERROR CATEGORIES:
  1. Ledger errors - duplicate occurrences, entitlement overruns
  2. Invoice errors - frozen or already-sent invoices
  3. Lifecycle errors - invalid transitions and extensions
  4. Infrastructure - lock timeouts (transient), not-found lookups

USAGE:
  if errors.Is(err, generic.ErrDuplicateOccurrence) {
      // second event for the same scheduled day
  }

SEE ALSO:
  - ledger/ledger.go: DuplicateOccurrence and EntitlementExceeded
  - invoice/engine.go: InvoiceFrozen and AlreadySent
  - api/handlers.go: maps errors to HTTP status codes
*/
package generic

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateOccurrence is returned when a second non-voided event is
	// recorded for the same (contract, occurred_at).
	ErrDuplicateOccurrence = errors.New("duplicate occurrence")

	// ErrInvalidExtension is returned for non-positive extension deltas or an
	// extension amount that does not match the billed amount.
	ErrInvalidExtension = errors.New("invalid extension")

	// ErrInvoiceFrozen is returned when mutating an invoice that was sent.
	ErrInvoiceFrozen = errors.New("invoice frozen")

	// ErrAlreadySent is returned when sending an invoice twice.
	ErrAlreadySent = errors.New("invoice already sent")

	// ErrDuplicateInvoice is returned by stores when a second active invoice
	// would be written for the same contract period.
	ErrDuplicateInvoice = errors.New("duplicate invoice for period")

	// ErrEntitlementExceeded is returned when consumption would pass the ceiling.
	ErrEntitlementExceeded = errors.New("entitlement exceeded")

	// ErrInvalidPeriod is returned when a period is malformed or a date falls
	// outside any billable window.
	ErrInvalidPeriod = errors.New("invalid period")

	// ErrLockTimeout is returned when the per-contract lock could not be
	// acquired in time. Safe to retry.
	ErrLockTimeout = errors.New("timed out acquiring contract lock")

	// ErrInvalidTransition is returned for backwards or skipped status moves.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotBillable is returned when invoicing a contract that was not sent.
	ErrNotBillable = errors.New("contract not billable")

	// ErrEventVoided is returned when amending a voided event.
	ErrEventVoided = errors.New("event voided")

	// ErrValidation is returned for malformed input.
	ErrValidation = errors.New("validation error")

	ErrContractNotFound = errors.New("contract not found")
	ErrEventNotFound    = errors.New("event not found")
	ErrInvoiceNotFound  = errors.New("invoice not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// DuplicateOccurrenceError names the event already occupying the day.
type DuplicateOccurrenceError struct {
	ContractID ContractID
	Date       Date
	ExistingID EventID
}

func (e *DuplicateOccurrenceError) Error() string {
	return fmt.Sprintf("occurrence already recorded: %s on contract %s (event: %s)",
		e.Date, e.ContractID, e.ExistingID)
}

func (e *DuplicateOccurrenceError) Unwrap() error {
	return ErrDuplicateOccurrence
}

// EntitlementExceededError describes how far past the ceiling a write would go.
type EntitlementExceededError struct {
	ContractID ContractID
	Used       Amount
	Requested  Amount
	Ceiling    Amount
}

func (e *EntitlementExceededError) Error() string {
	return fmt.Sprintf("entitlement exceeded on %s: used %v + requested %v > ceiling %v",
		e.ContractID, e.Used.Value, e.Requested.Value, e.Ceiling.Value)
}

func (e *EntitlementExceededError) Unwrap() error {
	return ErrEntitlementExceeded
}

// TransitionError describes a rejected status change.
type TransitionError struct {
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition: %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}

// IsConflict returns true if the request conflicts with current state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateOccurrence) ||
		errors.Is(err, ErrAlreadySent) ||
		errors.Is(err, ErrInvoiceFrozen) ||
		errors.Is(err, ErrDuplicateInvoice) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrEventVoided)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidExtension) ||
		errors.Is(err, ErrEntitlementExceeded) ||
		errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrNotBillable)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrContractNotFound) ||
		errors.Is(err, ErrEventNotFound) ||
		errors.Is(err, ErrInvoiceNotFound)
}
