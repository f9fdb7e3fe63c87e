/*
Package sqlite provides a SQLite-backed implementation of the billing stores.

INTERFACES IMPLEMENTED:
  billing.LedgerStore:   insert / open-entry query / status updates
  billing.LedgerReader:  entry lookups
  billing.Settler:       settle (mark paid)
  billing.ContractStore: contract records

KEY TABLES (migrations/, applied on New with golang-migrate):
  contracts:      plan and standalone-service contracts, keyed by (id, type)
  ledger_entries: one row per installment

INDEXES:
  - idx_ledger_unique_competence: enforces one entry per
    (contract_id, contract_type, competence); violations surface as
    billing.ErrDuplicateInstallment
  - idx_ledger_contract_status: open-entry lookups (hot path)

STATUS UPDATES:
  Updates carry "AND status IN ('pending','overdue')" so an entry settled
  between the query and the update keeps its paid status.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. SQLite is opened in WAL mode.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  reconciler := billing.NewReconciler(store, billing.SystemClock{}, log)
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/agency-billing/billing"
)

// Store implements billing.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ billing.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// ":memory:" databases are per-connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// LEDGER (billing.LedgerStore)
// =============================================================================

const entryColumns = `id, client_id, contract_id, contract_type, competence, due_date, amount,
	status, payment_date, description, metadata_json, created_at`

// Insert adds an entry to the ledger.
func (s *Store) Insert(ctx context.Context, e billing.Entry) (billing.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = billing.EntryID(uuid.NewString())
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	metadataJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return billing.Entry{}, fmt.Errorf("failed to encode metadata: %w", err)
	}

	query := `
		INSERT INTO ledger_entries (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		e.ID,
		e.ClientID,
		e.ContractID,
		e.ContractType,
		e.Competence,
		e.DueDate.String(),
		e.Amount.StringFixed(2),
		e.Status,
		nullDate(e.PaymentDate),
		e.Description,
		string(metadataJSON),
		e.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "competence") {
			return billing.Entry{}, &billing.DuplicateInstallmentError{Key: e.Key()}
		}
		return billing.Entry{}, fmt.Errorf("failed to insert entry: %w", err)
	}

	return e, nil
}

// QueryOpenByContract returns the pending and overdue entries of a contract.
func (s *Store) QueryOpenByContract(ctx context.Context, contractID string, contractType billing.ContractType) ([]billing.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE contract_id = ? AND contract_type = ? AND status IN ('pending', 'overdue')
		ORDER BY due_date ASC, id ASC
	`
	return s.queryEntries(ctx, query, contractID, contractType)
}

// BulkUpdateStatus sets the status of every listed open entry in one statement.
func (s *Store) BulkUpdateStatus(ctx context.Context, ids []billing.EntryID, status billing.EntryStatus) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, status)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}

	query := fmt.Sprintf(`
		UPDATE ledger_entries
		SET status = ?
		WHERE id IN (%s) AND status IN ('pending', 'overdue')
	`, strings.Join(placeholders, ","))

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update entries: %w", err)
	}
	return nil
}

// UpdateStatus sets the status of one open entry.
func (s *Store) UpdateStatus(ctx context.Context, id billing.EntryID, status billing.EntryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE ledger_entries
		SET status = ?
		WHERE id = ? AND status IN ('pending', 'overdue')
	`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update entry %s: %w", id, err)
	}
	return nil
}

// =============================================================================
// LEDGER READS + SETTLE
// =============================================================================

func (s *Store) GetEntry(ctx context.Context, id billing.EntryID) (*billing.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := s.queryEntries(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, billing.ErrEntryNotFound
	}
	return &entries[0], nil
}

func (s *Store) EntriesByContract(ctx context.Context, contractID string, contractType billing.ContractType) ([]billing.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE contract_id = ? AND contract_type = ?
		ORDER BY due_date ASC, id ASC
	`
	return s.queryEntries(ctx, query, contractID, contractType)
}

// Settle marks an open entry as paid on the given date.
func (s *Store) Settle(ctx context.Context, id billing.EntryID, paidOn billing.Date) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE ledger_entries
		SET status = ?, payment_date = ?
		WHERE id = ? AND status IN ('pending', 'overdue')
	`, billing.EntryPaid, paidOn.String(), id)
	if err != nil {
		return fmt.Errorf("failed to settle entry %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_entries WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return billing.ErrEntryNotFound
	}
	return billing.ErrEntryNotOpen
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]billing.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	entries := []billing.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (billing.Entry, error) {
	var (
		e            billing.Entry
		dueDate      string
		amount       string
		paymentDate  sql.NullString
		description  sql.NullString
		metadataJSON sql.NullString
		createdAt    string
	)

	err := rows.Scan(
		&e.ID, &e.ClientID, &e.ContractID, &e.ContractType, &e.Competence,
		&dueDate, &amount, &e.Status, &paymentDate, &description, &metadataJSON, &createdAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	if e.DueDate, err = billing.ParseDate(dueDate); err != nil {
		return e, fmt.Errorf("entry %s: bad due_date %q: %w", e.ID, dueDate, err)
	}
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return e, fmt.Errorf("entry %s: bad amount %q: %w", e.ID, amount, err)
	}
	if paymentDate.Valid && paymentDate.String != "" {
		d, err := billing.ParseDate(paymentDate.String)
		if err != nil {
			return e, fmt.Errorf("entry %s: bad payment_date: %w", e.ID, err)
		}
		e.PaymentDate = &d
	}
	e.Description = description.String
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &e.Metadata); err != nil {
			return e, fmt.Errorf("entry %s: bad metadata: %w", e.ID, err)
		}
	}
	if e.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return e, fmt.Errorf("entry %s: bad created_at %q: %w", e.ID, createdAt, err)
	}

	return e, nil
}

// =============================================================================
// CONTRACTS (billing.ContractStore)
// =============================================================================

const contractColumns = `id, contract_type, client_id, start_date, end_date, monthly_amount,
	status, name, notes, updated_at`

// SaveContract inserts or replaces a contract record.
func (s *Store) SaveContract(ctx context.Context, c billing.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO contracts (` + contractColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, contract_type) DO UPDATE SET
			client_id = excluded.client_id,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			monthly_amount = excluded.monthly_amount,
			status = excluded.status,
			name = excluded.name,
			notes = excluded.notes,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.Type, c.ClientID, c.StartDate, c.EndDate, c.MonthlyAmount.String(),
		c.Status, c.Name, c.Notes, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save contract: %w", err)
	}
	return nil
}

func (s *Store) GetContract(ctx context.Context, id string, contractType billing.ContractType) (*billing.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	contracts, err := s.queryContracts(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE id = ? AND contract_type = ?`, id, contractType)
	if err != nil {
		return nil, err
	}
	if len(contracts) == 0 {
		return nil, billing.ErrContractNotFound
	}
	return &contracts[0], nil
}

func (s *Store) ListContracts(ctx context.Context) ([]billing.Contract, error) {
	return s.ListContractsByStatus(ctx)
}

// ListContractsByStatus returns contracts in any of the given statuses, or
// every contract when none are given.
func (s *Store) ListContractsByStatus(ctx context.Context, statuses ...billing.ContractStatus) ([]billing.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + contractColumns + ` FROM contracts`
	var args []any
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += fmt.Sprintf(" WHERE status IN (%s)", strings.Join(placeholders, ","))
	}
	query += " ORDER BY contract_type ASC, id ASC"

	return s.queryContracts(ctx, query, args...)
}

func (s *Store) queryContracts(ctx context.Context, query string, args ...any) ([]billing.Contract, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query contracts: %w", err)
	}
	defer rows.Close()

	contracts := []billing.Contract{}
	for rows.Next() {
		var (
			c         billing.Contract
			startDate sql.NullString
			endDate   sql.NullString
			amount    string
			name      sql.NullString
			notes     sql.NullString
			updatedAt string
		)
		err := rows.Scan(&c.ID, &c.Type, &c.ClientID, &startDate, &endDate, &amount,
			&c.Status, &name, &notes, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contract: %w", err)
		}
		c.StartDate = startDate.String
		c.EndDate = endDate.String
		c.Name = name.String
		c.Notes = notes.String
		if c.MonthlyAmount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("contract %s: bad monthly_amount %q: %w", c.ID, amount, err)
		}
		if c.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("contract %s: bad updated_at %q: %w", c.ID, updatedAt, err)
		}
		contracts = append(contracts, c)
	}

	return contracts, rows.Err()
}

// Helper functions

func nullDate(d *billing.Date) sql.NullString {
	if d == nil || d.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
