/*
Package generic provides the shared kernel of the settlement engine.

PURPOSE:
  This package contains the domain-agnostic building blocks every other
  package relies on: day-granular dates, billing periods, weekday windows,
  quantities with units, identifiers, the error taxonomy and the per-contract
  lock. It knows nothing about contracts, attendance or invoices.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A quantity with a unit (e.g., 3 sessions, 45000 currency)
  - IDs: Type-safe identifiers for contracts, customers, events, invoices

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal, never float64, for money
  2. Type Safety: Distinct ID types prevent mixing contract/invoice IDs
  3. Calendar Days: Dates are compared as calendar days, never instants

USAGE:
  used := generic.Sessions(3)
  charge := generic.Currency(decimal.NewFromInt(45000))

SEE ALSO:
  - date.go: Date type
  - window.go: Weekday occurrence counting
  - errors.go: Error taxonomy
*/
package generic

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Quantity with unit
// =============================================================================

type Amount struct {
	Value decimal.Decimal
	Unit  Unit
}

type Unit string

const (
	UnitSessions Unit = "sessions"
	UnitCurrency Unit = "currency"
)

func NewAmount(value decimal.Decimal, unit Unit) Amount {
	return Amount{Value: value, Unit: unit}
}

func Sessions(n int) Amount {
	return Amount{Value: decimal.NewFromInt(int64(n)), Unit: UnitSessions}
}

func Currency(v decimal.Decimal) Amount {
	return Amount{Value: v, Unit: UnitCurrency}
}

// ParseDecimal parses a stored or transmitted decimal string.
func ParseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "invalid decimal %q", s)
	}
	return d, nil
}

func (a Amount) Zero() Amount                 { return Amount{Value: decimal.Zero, Unit: a.Unit} }
func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value), Unit: a.Unit} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value), Unit: a.Unit} }
func (a Amount) Mul(s decimal.Decimal) Amount { return Amount{Value: a.Value.Mul(s), Unit: a.Unit} }
func (a Amount) Neg() Amount                  { return Amount{Value: a.Value.Neg(), Unit: a.Unit} }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) GreaterThan(b Amount) bool    { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool       { return a.Value.LessThan(b.Value) }

func (a Amount) String() string {
	return fmt.Sprintf("%s %s", a.Value.String(), a.Unit)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ContractID string
type CustomerID string
type EventID string
type InvoiceID string
type EntryID string

// ID prefixes, e.g. ctr_01J9Z...
const (
	PrefixContract = "ctr"
	PrefixEvent    = "evt"
	PrefixInvoice  = "inv"
	PrefixEntry    = "ent"
)

// NewID returns a k-sortable identifier with the given prefix.
func NewID(prefix string) string {
	if prefix == "" {
		return ulid.Make().String()
	}
	return fmt.Sprintf("%s_%s", prefix, ulid.Make().String())
}
