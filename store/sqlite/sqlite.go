/*
Package sqlite provides a SQLite-backed implementation of store.TxRepository.

PURPOSE:
  Persists contracts, attendance events, the consumption journal and
  invoices. In production, the same patterns apply to PostgreSQL - only
  minor SQL dialect differences.

KEY TABLES:
  contracts:            Contract terms, cached price and consumption counters
  attendance_events:    One row per event; void and amend rewrite markers
  consumption_entries:  Append-only journal of counter deltas
  invoices:             One row per (contract, kind, period_start, source)

CONSTRAINTS:
  The database enforces the invariants the domain also checks, so a bug or
  a second process cannot slip past them:
  - idx_events_active_day: one non-voided event per contract and day
  - idx_invoices_period:   one invoice per contract period and source
  - trg_entries_no_update: journal rows are never rewritten
  - foreign keys:          events, entries and invoices need their contract

CONCURRENCY:
  Uses sync.RWMutex plus a single connection. WithTx holds the write lock
  for the whole transaction, so SQLite never sees two writers.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Better crash recovery

USAGE:
  st, err := sqlite.New("./settlement.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - store/store.go: Repository interfaces
  - store/memory: In-memory implementation for tests and demos
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/contract"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/invoice"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/store"
)

// timeLayout keeps nanoseconds at a fixed width so timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements store.TxRepository using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
	q  queries
}

var (
	_ store.TxRepository = (*Store)(nil)
	_ store.Repository   = (*txStore)(nil)
)

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// One connection: an in-memory database exists per connection, and the
	// store serializes writers anyway.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, q: queries{db: db}}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		total_sessions INTEGER NOT NULL DEFAULT 0,
		total_amount TEXT NOT NULL DEFAULT '0',
		monthly_amount TEXT NOT NULL DEFAULT '0',
		billing_type TEXT NOT NULL,
		payment_schedule TEXT NOT NULL DEFAULT '',
		absence_policy TEXT NOT NULL,
		weekdays INTEGER NOT NULL DEFAULT 0,
		started_at TEXT NOT NULL,
		ended_at TEXT,
		billing_day INTEGER NOT NULL DEFAULT 0,
		unit_price TEXT NOT NULL DEFAULT '0',
		manual_unit_price TEXT,
		planned_count INTEGER NOT NULL DEFAULT 0,
		sessions_used INTEGER NOT NULL DEFAULT 0 CHECK (sessions_used >= 0),
		amount_used TEXT NOT NULL DEFAULT '0',
		extensions_json TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		confirmed_at TEXT,
		sent_at TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_contracts_customer
		ON contracts(customer_id);
	CREATE INDEX IF NOT EXISTS idx_contracts_status
		ON contracts(status);

	CREATE TABLE IF NOT EXISTS attendance_events (
		id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL REFERENCES contracts(id),
		status TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		substitute_at TEXT,
		amount TEXT,
		memo TEXT NOT NULL DEFAULT '',
		effect TEXT NOT NULL,
		applied_value TEXT NOT NULL DEFAULT '0',
		applied_unit TEXT NOT NULL DEFAULT '',
		entry_id TEXT NOT NULL DEFAULT '',
		voided INTEGER NOT NULL DEFAULT 0,
		void_reason TEXT NOT NULL DEFAULT '',
		voided_at TEXT,
		voided_by TEXT NOT NULL DEFAULT '',
		modified_at TEXT,
		modified_by TEXT NOT NULL DEFAULT '',
		change_reason TEXT NOT NULL DEFAULT '',
		recorded_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- One active event per scheduled day. Voided rows stay for audit.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_events_active_day
		ON attendance_events(contract_id, occurred_at)
		WHERE voided = 0;

	CREATE INDEX IF NOT EXISTS idx_events_contract_date
		ON attendance_events(contract_id, occurred_at, created_at);

	CREATE TABLE IF NOT EXISTS consumption_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		contract_id TEXT NOT NULL REFERENCES contracts(id),
		event_id TEXT NOT NULL REFERENCES attendance_events(id),
		entry_type TEXT NOT NULL,
		delta_value TEXT NOT NULL,
		delta_unit TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		reverses_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_contract
		ON consumption_entries(contract_id, seq);

	CREATE TRIGGER IF NOT EXISTS trg_entries_no_update
		BEFORE UPDATE ON consumption_entries
	BEGIN
		SELECT RAISE(ABORT, 'consumption entries are append-only');
	END;

	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL REFERENCES contracts(id),
		kind TEXT NOT NULL,
		source_id TEXT NOT NULL DEFAULT '',
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		due_date TEXT NOT NULL,
		base_amount TEXT NOT NULL,
		auto_adjustment TEXT NOT NULL DEFAULT '0',
		manual_adjustment TEXT NOT NULL DEFAULT '0',
		manual_reason TEXT NOT NULL DEFAULT '',
		final_amount TEXT NOT NULL,
		adjusted_event_ids TEXT NOT NULL DEFAULT '[]',
		send_status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		partial_at TEXT,
		sent_at TEXT
	);

	-- A refresh rewrites the row; it can never append a second one.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_period
		ON invoices(contract_id, kind, period_start, source_id);

	CREATE INDEX IF NOT EXISTS idx_invoices_status
		ON invoices(send_status, due_date);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LOCKED ACCESS (store.Repository on the shared connection)
// =============================================================================

func (s *Store) SaveContract(ctx context.Context, c *contract.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.saveContract(ctx, c)
}

func (s *Store) GetContract(ctx context.Context, id generic.ContractID) (*contract.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.getContract(ctx, id)
}

func (s *Store) ListContracts(ctx context.Context, f contract.Filter) ([]*contract.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.listContracts(ctx, f)
}

func (s *Store) SaveEvent(ctx context.Context, e *ledger.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.saveEvent(ctx, e)
}

func (s *Store) GetEvent(ctx context.Context, id generic.EventID) (*ledger.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.getEvent(ctx, id)
}

func (s *Store) ListEvents(ctx context.Context, contractID generic.ContractID) ([]*ledger.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.listEvents(ctx, contractID)
}

func (s *Store) ActiveEventOn(ctx context.Context, contractID generic.ContractID, date generic.Date) (*ledger.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.activeEventOn(ctx, contractID, date)
}

// AppendEntries writes all entries atomically.
func (s *Store) AppendEntries(ctx context.Context, entries ...ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer sqlTx.Rollback()

	if err := (queries{db: sqlTx}).appendEntries(ctx, entries...); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) ListEntries(ctx context.Context, contractID generic.ContractID) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.listEntries(ctx, contractID)
}

func (s *Store) SaveInvoice(ctx context.Context, inv *invoice.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.saveInvoice(ctx, inv)
}

func (s *Store) GetInvoice(ctx context.Context, id generic.InvoiceID) (*invoice.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.getInvoice(ctx, id)
}

func (s *Store) FindInvoice(ctx context.Context, contractID generic.ContractID, kind invoice.Kind, periodStart generic.Date, sourceID string) (*invoice.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.findInvoice(ctx, contractID, kind, periodStart, sourceID)
}

func (s *Store) ListInvoices(ctx context.Context, f invoice.Filter) ([]*invoice.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.listInvoices(ctx, f)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a database transaction. fn must only use the
// repository it is handed.
func (s *Store) WithTx(ctx context.Context, fn func(store.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: queries{db: sqlTx}}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// Reset drops all data. Used by the demo reset endpoint and tests.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"invoices", "consumption_entries", "attendance_events", "contracts"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return errors.Wrapf(err, "failed to reset %s", table)
		}
	}
	return nil
}

// txStore is the repository view of an open transaction.
type txStore struct {
	q queries
}

func (ts *txStore) SaveContract(ctx context.Context, c *contract.Contract) error {
	return ts.q.saveContract(ctx, c)
}

func (ts *txStore) GetContract(ctx context.Context, id generic.ContractID) (*contract.Contract, error) {
	return ts.q.getContract(ctx, id)
}

func (ts *txStore) ListContracts(ctx context.Context, f contract.Filter) ([]*contract.Contract, error) {
	return ts.q.listContracts(ctx, f)
}

func (ts *txStore) SaveEvent(ctx context.Context, e *ledger.Event) error {
	return ts.q.saveEvent(ctx, e)
}

func (ts *txStore) GetEvent(ctx context.Context, id generic.EventID) (*ledger.Event, error) {
	return ts.q.getEvent(ctx, id)
}

func (ts *txStore) ListEvents(ctx context.Context, contractID generic.ContractID) ([]*ledger.Event, error) {
	return ts.q.listEvents(ctx, contractID)
}

func (ts *txStore) ActiveEventOn(ctx context.Context, contractID generic.ContractID, date generic.Date) (*ledger.Event, error) {
	return ts.q.activeEventOn(ctx, contractID, date)
}

func (ts *txStore) AppendEntries(ctx context.Context, entries ...ledger.Entry) error {
	return ts.q.appendEntries(ctx, entries...)
}

func (ts *txStore) ListEntries(ctx context.Context, contractID generic.ContractID) ([]ledger.Entry, error) {
	return ts.q.listEntries(ctx, contractID)
}

func (ts *txStore) SaveInvoice(ctx context.Context, inv *invoice.Invoice) error {
	return ts.q.saveInvoice(ctx, inv)
}

func (ts *txStore) GetInvoice(ctx context.Context, id generic.InvoiceID) (*invoice.Invoice, error) {
	return ts.q.getInvoice(ctx, id)
}

func (ts *txStore) FindInvoice(ctx context.Context, contractID generic.ContractID, kind invoice.Kind, periodStart generic.Date, sourceID string) (*invoice.Invoice, error) {
	return ts.q.findInvoice(ctx, contractID, kind, periodStart, sourceID)
}

func (ts *txStore) ListInvoices(ctx context.Context, f invoice.Filter) ([]*invoice.Invoice, error) {
	return ts.q.listInvoices(ctx, f)
}

// =============================================================================
// QUERIES - shared by the locked store and the transaction view
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type queries struct {
	db querier
}

// -----------------------------------------------------------------------------
// Contracts
// -----------------------------------------------------------------------------

const contractColumns = `id, customer_id, title, kind, total_sessions, total_amount, monthly_amount,
	billing_type, payment_schedule, absence_policy, weekdays, started_at, ended_at, billing_day,
	unit_price, manual_unit_price, planned_count, sessions_used, amount_used, extensions_json,
	status, created_at, confirmed_at, sent_at, updated_at`

func (q queries) saveContract(ctx context.Context, c *contract.Contract) error {
	var (
		sessions       int
		total, monthly decimal.Decimal
	)
	switch e := c.Entitlement.(type) {
	case contract.SessionBased:
		sessions, total = e.Sessions, e.Price
	case contract.AmountBased:
		total, monthly = e.Total, e.MonthlyAmount
	}
	extensions, err := json.Marshal(c.Extensions)
	if err != nil {
		return errors.Wrap(err, "failed to encode extensions")
	}

	query := `
		INSERT INTO contracts (` + contractColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			customer_id = excluded.customer_id,
			title = excluded.title,
			kind = excluded.kind,
			total_sessions = excluded.total_sessions,
			total_amount = excluded.total_amount,
			monthly_amount = excluded.monthly_amount,
			billing_type = excluded.billing_type,
			payment_schedule = excluded.payment_schedule,
			absence_policy = excluded.absence_policy,
			weekdays = excluded.weekdays,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			billing_day = excluded.billing_day,
			unit_price = excluded.unit_price,
			manual_unit_price = excluded.manual_unit_price,
			planned_count = excluded.planned_count,
			sessions_used = excluded.sessions_used,
			amount_used = excluded.amount_used,
			extensions_json = excluded.extensions_json,
			status = excluded.status,
			confirmed_at = excluded.confirmed_at,
			sent_at = excluded.sent_at,
			updated_at = excluded.updated_at
	`
	_, err = q.db.ExecContext(ctx, query,
		c.ID, c.CustomerID, c.Title, string(c.Kind()), sessions, total.String(), monthly.String(),
		c.BillingType, c.PaymentSchedule, c.AbsencePolicy, int(c.Weekdays),
		c.StartedAt.String(), nullDate(c.EndedAt), c.BillingDay,
		c.UnitPrice.String(), nullDecimal(c.ManualUnitPrice), c.PlannedCount,
		c.SessionsUsed, c.AmountUsed.String(), string(extensions),
		c.Status, formatTime(c.CreatedAt), nullTime(c.ConfirmedAt), nullTime(c.SentAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save contract %s", c.ID)
	}
	return nil
}

func (q queries) getContract(ctx context.Context, id generic.ContractID) (*contract.Contract, error) {
	row := q.db.QueryRowContext(ctx, "SELECT "+contractColumns+" FROM contracts WHERE id = ?", id)
	c, err := scanContract(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(generic.ErrContractNotFound, "contract %s", id)
	}
	return c, err
}

func (q queries) listContracts(ctx context.Context, f contract.Filter) ([]*contract.Contract, error) {
	var (
		where []string
		args  []any
	)
	if f.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, f.CustomerID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	query := "SELECT " + contractColumns + " FROM contracts"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query contracts")
	}
	defer rows.Close()

	var out []*contract.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanContract(row scanner) (*contract.Contract, error) {
	var (
		c                                    contract.Contract
		kind, total, monthly                 string
		sessions, weekdays                   int
		startedAt, createdAt, updatedAt      string
		endedAt, manualPrice                 sql.NullString
		confirmedAt, sentAt                  sql.NullString
		unitPrice, amountUsed, extensionsRaw string
	)
	err := row.Scan(
		&c.ID, &c.CustomerID, &c.Title, &kind, &sessions, &total, &monthly,
		&c.BillingType, &c.PaymentSchedule, &c.AbsencePolicy, &weekdays, &startedAt, &endedAt, &c.BillingDay,
		&unitPrice, &manualPrice, &c.PlannedCount, &c.SessionsUsed, &amountUsed, &extensionsRaw,
		&c.Status, &createdAt, &confirmedAt, &sentAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan contract")
	}

	d := decoder{row: "contract " + string(c.ID)}
	switch contract.Kind(kind) {
	case contract.KindSessionBased:
		c.Entitlement = contract.SessionBased{Sessions: sessions, Price: d.decimal("total_amount", total)}
	case contract.KindAmountBased:
		c.Entitlement = contract.AmountBased{
			Total:         d.decimal("total_amount", total),
			MonthlyAmount: d.decimal("monthly_amount", monthly),
		}
	}
	c.Weekdays = generic.WeekdaySet(weekdays)
	c.StartedAt = d.date("started_at", startedAt)
	c.EndedAt = d.optDate("ended_at", endedAt)
	c.UnitPrice = d.decimal("unit_price", unitPrice)
	c.ManualUnitPrice = d.optDecimal("manual_unit_price", manualPrice)
	c.AmountUsed = d.decimal("amount_used", amountUsed)
	if d.err != nil {
		return nil, d.err
	}
	if err := json.Unmarshal([]byte(extensionsRaw), &c.Extensions); err != nil {
		return nil, errors.Wrapf(err, "failed to decode extensions of %s", c.ID)
	}
	c.CreatedAt = parseTime(createdAt)
	c.ConfirmedAt = parseNullTime(confirmedAt)
	c.SentAt = parseNullTime(sentAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// -----------------------------------------------------------------------------
// Attendance events
// -----------------------------------------------------------------------------

const eventColumns = `id, contract_id, status, occurred_at, substitute_at, amount, memo, effect,
	applied_value, applied_unit, entry_id, voided, void_reason, voided_at, voided_by,
	modified_at, modified_by, change_reason, recorded_by, created_at`

func (q queries) saveEvent(ctx context.Context, e *ledger.Event) error {
	query := `
		INSERT INTO attendance_events (` + eventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			occurred_at = excluded.occurred_at,
			substitute_at = excluded.substitute_at,
			amount = excluded.amount,
			memo = excluded.memo,
			effect = excluded.effect,
			applied_value = excluded.applied_value,
			applied_unit = excluded.applied_unit,
			entry_id = excluded.entry_id,
			voided = excluded.voided,
			void_reason = excluded.void_reason,
			voided_at = excluded.voided_at,
			voided_by = excluded.voided_by,
			modified_at = excluded.modified_at,
			modified_by = excluded.modified_by,
			change_reason = excluded.change_reason
	`
	_, err := q.db.ExecContext(ctx, query,
		e.ID, e.ContractID, e.Status, e.OccurredAt.String(), nullDate(e.SubstituteAt), nullDecimal(e.Amount), e.Memo,
		e.Effect, e.Applied.Value.String(), e.Applied.Unit, e.EntryID,
		e.Voided, e.VoidReason, nullTime(e.VoidedAt), e.VoidedBy,
		nullTime(e.ModifiedAt), e.ModifiedBy, e.ChangeReason, e.RecordedBy, formatTime(e.CreatedAt),
	)
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err, "attendance_events"):
		dup := &generic.DuplicateOccurrenceError{ContractID: e.ContractID, Date: e.OccurredAt}
		if existing, lookupErr := q.activeEventOn(ctx, e.ContractID, e.OccurredAt); lookupErr == nil && existing != nil {
			dup.ExistingID = existing.ID
		}
		return dup
	case isForeignKeyViolation(err):
		return errors.Wrapf(generic.ErrContractNotFound, "contract %s", e.ContractID)
	}
	return errors.Wrapf(err, "failed to save event %s", e.ID)
}

func (q queries) getEvent(ctx context.Context, id generic.EventID) (*ledger.Event, error) {
	row := q.db.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM attendance_events WHERE id = ?", id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(generic.ErrEventNotFound, "event %s", id)
	}
	return e, err
}

func (q queries) listEvents(ctx context.Context, contractID generic.ContractID) ([]*ledger.Event, error) {
	query := "SELECT " + eventColumns + ` FROM attendance_events
		WHERE contract_id = ?
		ORDER BY occurred_at ASC, created_at ASC, rowid ASC`
	return q.queryEvents(ctx, query, contractID)
}

func (q queries) activeEventOn(ctx context.Context, contractID generic.ContractID, date generic.Date) (*ledger.Event, error) {
	row := q.db.QueryRowContext(ctx, "SELECT "+eventColumns+` FROM attendance_events
		WHERE contract_id = ? AND occurred_at = ? AND voided = 0`, contractID, date.String())
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (q queries) queryEvents(ctx context.Context, query string, args ...any) ([]*ledger.Event, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query events")
	}
	defer rows.Close()

	var out []*ledger.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(row scanner) (*ledger.Event, error) {
	var (
		e                         ledger.Event
		occurredAt, createdAt     string
		substituteAt, amount      sql.NullString
		appliedValue, appliedUnit string
		voidedAt, modifiedAt      sql.NullString
	)
	err := row.Scan(
		&e.ID, &e.ContractID, &e.Status, &occurredAt, &substituteAt, &amount, &e.Memo, &e.Effect,
		&appliedValue, &appliedUnit, &e.EntryID, &e.Voided, &e.VoidReason, &voidedAt, &e.VoidedBy,
		&modifiedAt, &e.ModifiedBy, &e.ChangeReason, &e.RecordedBy, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan event")
	}
	d := decoder{row: "event " + string(e.ID)}
	e.OccurredAt = d.date("occurred_at", occurredAt)
	e.SubstituteAt = d.optDate("substitute_at", substituteAt)
	e.Amount = d.optDecimal("amount", amount)
	e.Applied = generic.NewAmount(d.decimal("applied_value", appliedValue), generic.Unit(appliedUnit))
	if d.err != nil {
		return nil, d.err
	}
	e.VoidedAt = parseNullTime(voidedAt)
	e.ModifiedAt = parseNullTime(modifiedAt)
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

// -----------------------------------------------------------------------------
// Consumption journal (append-only)
// -----------------------------------------------------------------------------

func (q queries) appendEntries(ctx context.Context, entries ...ledger.Entry) error {
	query := `
		INSERT INTO consumption_entries
		(id, contract_id, event_id, entry_type, delta_value, delta_unit, occurred_at, reverses_id, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, en := range entries {
		_, err := q.db.ExecContext(ctx, query,
			en.ID, en.ContractID, en.EventID, en.Type, en.Delta.Value.String(), en.Delta.Unit,
			en.OccurredAt.String(), en.ReversesID, en.Reason, formatTime(en.CreatedAt),
		)
		switch {
		case err == nil:
		case isForeignKeyViolation(err):
			return errors.Wrapf(generic.ErrContractNotFound, "entry %s references a missing contract or event", en.ID)
		default:
			return errors.Wrapf(err, "failed to append entry %s", en.ID)
		}
	}
	return nil
}

func (q queries) listEntries(ctx context.Context, contractID generic.ContractID) ([]ledger.Entry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, contract_id, event_id, entry_type, delta_value, delta_unit, occurred_at, reverses_id, reason, created_at
		FROM consumption_entries
		WHERE contract_id = ?
		ORDER BY seq ASC
	`, contractID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query entries")
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var (
			en                                 ledger.Entry
			value, unit, occurredAt, createdAt string
		)
		if err := rows.Scan(&en.ID, &en.ContractID, &en.EventID, &en.Type, &value, &unit,
			&occurredAt, &en.ReversesID, &en.Reason, &createdAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan entry")
		}
		d := decoder{row: "entry " + string(en.ID)}
		en.Delta = generic.NewAmount(d.decimal("delta_value", value), generic.Unit(unit))
		en.OccurredAt = d.date("occurred_at", occurredAt)
		if d.err != nil {
			return nil, d.err
		}
		en.CreatedAt = parseTime(createdAt)
		out = append(out, en)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// Invoices
// -----------------------------------------------------------------------------

const invoiceColumns = `id, contract_id, kind, source_id, year, month, period_start, period_end, due_date,
	base_amount, auto_adjustment, manual_adjustment, manual_reason, final_amount, adjusted_event_ids,
	send_status, created_at, updated_at, partial_at, sent_at`

func (q queries) saveInvoice(ctx context.Context, inv *invoice.Invoice) error {
	adjusted, err := json.Marshal(inv.AdjustedEventIDs)
	if err != nil {
		return errors.Wrap(err, "failed to encode adjusted events")
	}
	query := `
		INSERT INTO invoices (` + invoiceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			due_date = excluded.due_date,
			base_amount = excluded.base_amount,
			auto_adjustment = excluded.auto_adjustment,
			manual_adjustment = excluded.manual_adjustment,
			manual_reason = excluded.manual_reason,
			final_amount = excluded.final_amount,
			adjusted_event_ids = excluded.adjusted_event_ids,
			send_status = excluded.send_status,
			updated_at = excluded.updated_at,
			partial_at = excluded.partial_at,
			sent_at = excluded.sent_at
	`
	_, err = q.db.ExecContext(ctx, query,
		inv.ID, inv.ContractID, inv.Kind, inv.SourceID, inv.Year, int(inv.Month),
		inv.PeriodStart.String(), inv.PeriodEnd.String(), inv.DueDate.String(),
		inv.BaseAmount.String(), inv.AutoAdjustment.String(), inv.ManualAdjustment.String(), inv.ManualReason,
		inv.FinalAmount.String(), string(adjusted), inv.SendStatus,
		formatTime(inv.CreatedAt), formatTime(inv.UpdatedAt), nullTime(inv.PartialAt), nullTime(inv.SentAt),
	)
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err, "invoices"):
		return errors.Wrapf(generic.ErrDuplicateInvoice, "contract %s %s period %s", inv.ContractID, inv.Kind, inv.PeriodStart)
	case isForeignKeyViolation(err):
		return errors.Wrapf(generic.ErrContractNotFound, "contract %s", inv.ContractID)
	}
	return errors.Wrapf(err, "failed to save invoice %s", inv.ID)
}

func (q queries) getInvoice(ctx context.Context, id generic.InvoiceID) (*invoice.Invoice, error) {
	row := q.db.QueryRowContext(ctx, "SELECT "+invoiceColumns+" FROM invoices WHERE id = ?", id)
	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(generic.ErrInvoiceNotFound, "invoice %s", id)
	}
	return inv, err
}

func (q queries) findInvoice(ctx context.Context, contractID generic.ContractID, kind invoice.Kind, periodStart generic.Date, sourceID string) (*invoice.Invoice, error) {
	row := q.db.QueryRowContext(ctx, "SELECT "+invoiceColumns+` FROM invoices
		WHERE contract_id = ? AND kind = ? AND period_start = ? AND source_id = ?`,
		contractID, kind, periodStart.String(), sourceID)
	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return inv, err
}

func (q queries) listInvoices(ctx context.Context, f invoice.Filter) ([]*invoice.Invoice, error) {
	var (
		where []string
		args  []any
	)
	if f.ContractID != "" {
		where = append(where, "contract_id = ?")
		args = append(args, f.ContractID)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.SendStatus != "" {
		where = append(where, "send_status = ?")
		args = append(args, f.SendStatus)
	}
	query := "SELECT " + invoiceColumns + " FROM invoices"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY period_start ASC, created_at ASC, id ASC"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query invoices")
	}
	defer rows.Close()

	var out []*invoice.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func scanInvoice(row scanner) (*invoice.Invoice, error) {
	var (
		inv                                    invoice.Invoice
		month                                  int
		periodStart, periodEnd, dueDate        string
		base, auto, manual, final, adjustedRaw string
		createdAt, updatedAt                   string
		partialAt, sentAt                      sql.NullString
	)
	err := row.Scan(
		&inv.ID, &inv.ContractID, &inv.Kind, &inv.SourceID, &inv.Year, &month,
		&periodStart, &periodEnd, &dueDate,
		&base, &auto, &manual, &inv.ManualReason, &final, &adjustedRaw,
		&inv.SendStatus, &createdAt, &updatedAt, &partialAt, &sentAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan invoice")
	}
	inv.Month = time.Month(month)
	d := decoder{row: "invoice " + string(inv.ID)}
	inv.PeriodStart = d.date("period_start", periodStart)
	inv.PeriodEnd = d.date("period_end", periodEnd)
	inv.DueDate = d.date("due_date", dueDate)
	inv.BaseAmount = d.decimal("base_amount", base)
	inv.AutoAdjustment = d.decimal("auto_adjustment", auto)
	inv.ManualAdjustment = d.decimal("manual_adjustment", manual)
	inv.FinalAmount = d.decimal("final_amount", final)
	if d.err != nil {
		return nil, d.err
	}
	if err := json.Unmarshal([]byte(adjustedRaw), &inv.AdjustedEventIDs); err != nil {
		return nil, errors.Wrapf(err, "failed to decode adjusted events of %s", inv.ID)
	}
	inv.CreatedAt = parseTime(createdAt)
	inv.UpdatedAt = parseTime(updatedAt)
	inv.PartialAt = parseNullTime(partialAt)
	inv.SentAt = parseNullTime(sentAt)
	return &inv, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullDate(d *generic.Date) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

// decoder converts the text columns of one row and keeps the first failure,
// so a corrupt money or date column fails the read instead of becoming zero.
type decoder struct {
	row string
	err error
}

func (d *decoder) fail(column string, err error) {
	if d.err == nil {
		d.err = errors.Wrapf(err, "failed to decode %s column %s", d.row, column)
	}
}

func (d *decoder) decimal(column, s string) decimal.Decimal {
	v, err := generic.ParseDecimal(s)
	if err != nil {
		d.fail(column, err)
	}
	return v
}

func (d *decoder) optDecimal(column string, s sql.NullString) *decimal.Decimal {
	if !s.Valid {
		return nil
	}
	v := d.decimal(column, s.String)
	return &v
}

func (d *decoder) date(column, s string) generic.Date {
	v, err := generic.ParseDate(s)
	if err != nil {
		d.fail(column, errors.Newf("invalid date %q", s))
	}
	return v
}

func (d *decoder) optDate(column string, s sql.NullString) *generic.Date {
	if !s.Valid {
		return nil
	}
	v := d.date(column, s.String)
	return &v
}

// isUniqueViolation reports a UNIQUE failure on table. SQLite names the
// table's columns in the message ("UNIQUE constraint failed: invoices.kind").
func isUniqueViolation(err error, table string) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) || sqliteErr.ExtendedCode != sqlite3.ErrConstraintUnique {
		return false
	}
	return strings.Contains(sqliteErr.Error(), table+".")
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
