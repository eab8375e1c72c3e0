/*
Package sqlite provides a SQLite-backed implementation of the ledger
storage interfaces.

PURPOSE:
  Implements ledger.Store and ledger.TxStore using SQLite. In production
  the same patterns apply to PostgreSQL - see store/postgres for that
  backend; only placeholder syntax and the locking mechanism differ.

APPEND-ONLY ENFORCEMENT:
  The credit_transactions table is append-only:
  - No UPDATE statements exist for it
  - No DELETE statements exist for it
  Credits are never hard-deleted either; terminal states are retained
  indefinitely for audit.

LOST-UPDATE PREVENTION:
  Every credit row carries a version column. UpdateCredit compares and
  swaps on it (UPDATE ... WHERE id AND version); zero affected rows maps
  to ledger.ErrConcurrencyConflict. A process-wide write mutex serializes
  in-process writers on top of that, since SQLite allows one writer at a
  time anyway.

KEY TABLES:
  credits:             Current credit state + version token
  credit_transactions: Immutable ledger of all mutations

WAL MODE:
  The database is opened with WAL (Write-Ahead Logging): readers don't
  block, one writer at a time, better crash recovery.

USAGE:
  st, err := sqlite.New("./data/credits.db")  // or ":memory:"
  if err != nil { ... }
  defer st.Close()
  engine := ledger.NewEngine(st)

SEE ALSO:
  - ledger/store.go: Interface contracts
  - store/postgres:  The PostgreSQL twin
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/credit-engine/ledger"
)

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a SQLite store at the given path. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Current credit state. version is the optimistic-lock token.
	CREATE TABLE IF NOT EXISTS credits (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		amount TEXT NOT NULL,
		balance TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		expires_at TEXT,
		owner_id TEXT,
		note TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_credits_owner
		ON credits(owner_id) WHERE owner_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_credits_status
		ON credits(status);

	-- Sweep/expiring-count hot path
	CREATE INDEX IF NOT EXISTS idx_credits_status_expires
		ON credits(status, expires_at) WHERE expires_at IS NOT NULL;

	-- Append-only transaction log. No UPDATE. No DELETE. Ever.
	CREATE TABLE IF NOT EXISTS credit_transactions (
		id TEXT PRIMARY KEY,
		credit_id TEXT NOT NULL REFERENCES credits(id),
		tx_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		staff_id TEXT,
		location_id TEXT,
		reference_id TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_credit_transactions_credit
		ON credit_transactions(credit_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_credit_transactions_reference
		ON credit_transactions(reference_id) WHERE reference_id IS NOT NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// READ SIDE (ledger.Store)
// =============================================================================

const creditColumns = `id, code, amount, balance, currency, status, expires_at,
	owner_id, note, created_at, updated_at, version`

func (s *Store) GetByID(ctx context.Context, id ledger.CreditID) (*ledger.Credit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getCredit(ctx, s.db, "id", string(id))
}

func (s *Store) GetByCode(ctx context.Context, code string) (*ledger.Credit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getCredit(ctx, s.db, "code", code)
}

func (s *Store) List(ctx context.Context, f ledger.ListFilter) ([]ledger.Credit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []any
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.IssuedFrom != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*f.IssuedFrom))
	}
	if f.IssuedTo != nil {
		where = append(where, "created_at <= ?")
		args = append(args, formatTime(*f.IssuedTo))
	}

	query := "SELECT " + creditColumns + " FROM credits"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	// Sort column comes from the whitelist only; never from raw input.
	sortBy := f.SortBy
	if !ledger.ValidSortField(sortBy) || sortBy == "" {
		sortBy = "created_at"
	}
	dir := "ASC"
	if f.SortDesc {
		dir = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s", sortBy, dir)

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	return queryCredits(ctx, s.db, query, args...)
}

func (s *Store) CountExpiringWithin(ctx context.Context, now time.Time, days int) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := now.AddDate(0, 0, days)
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM credits
		WHERE status = ? AND expires_at IS NOT NULL
		  AND expires_at > ? AND expires_at <= ?`,
		string(ledger.StatusActive), formatTime(now), formatTime(cutoff),
	).Scan(&count)
	if err != nil {
		return 0, storeErr(err)
	}
	return count, nil
}

func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]ledger.Credit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = ledger.DefaultSweepBatch
	}
	query := "SELECT " + creditColumns + ` FROM credits
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at ASC
		LIMIT ?`
	return queryCredits(ctx, s.db, query, string(ledger.StatusActive), formatTime(now), limit)
}

func (s *Store) Transactions(ctx context.Context, id ledger.CreditID) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryTransactions(ctx, s.db, string(id))
}

// =============================================================================
// UNIT OF WORK (ledger.TxStore)
// =============================================================================

// WithTx executes fn within one database transaction, serialized with all
// other in-process writers.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err)
	}
	defer sqlTx.Rollback()

	if err := fn(&storeTx{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return storeErr(err)
	}
	return nil
}

type storeTx struct {
	tx *sql.Tx
}

func (t *storeTx) GetForUpdate(ctx context.Context, id ledger.CreditID) (*ledger.Credit, error) {
	// SQLite has no FOR UPDATE; the write mutex plus the version CAS in
	// UpdateCredit provide the serialization the contract requires.
	return getCredit(ctx, t.tx, "id", string(id))
}

func (t *storeTx) GetByCode(ctx context.Context, code string) (*ledger.Credit, error) {
	return getCredit(ctx, t.tx, "code", code)
}

func (t *storeTx) InsertCredit(ctx context.Context, c *ledger.Credit) error {
	c.Version = 1
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO credits
		(id, code, amount, balance, currency, status, expires_at, owner_id, note,
		 created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(c.ID), c.Code,
		c.Amount.Value.String(), c.Balance.Value.String(), c.Currency,
		string(c.Status), nullTime(c.ExpiresAt), nullString(c.OwnerID), c.Note,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt), c.Version,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateCode
		}
		return storeErr(err)
	}
	return nil
}

func (t *storeTx) UpdateCredit(ctx context.Context, c *ledger.Credit) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE credits SET
			amount = ?, balance = ?, status = ?, expires_at = ?,
			owner_id = ?, note = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		c.Amount.Value.String(), c.Balance.Value.String(), string(c.Status),
		nullTime(c.ExpiresAt), nullString(c.OwnerID), c.Note,
		formatTime(c.UpdatedAt),
		string(c.ID), c.Version,
	)
	if err != nil {
		return storeErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(err)
	}
	if n == 0 {
		// Either the row is gone or someone else moved the version.
		if _, err := getCredit(ctx, t.tx, "id", string(c.ID)); err != nil {
			return err
		}
		return ledger.ErrConcurrencyConflict
	}
	c.Version++
	return nil
}

func (t *storeTx) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	metadataJSON, _ := json.Marshal(tx.Metadata)
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO credit_transactions
		(id, credit_id, tx_type, amount, currency, staff_id, location_id,
		 reference_id, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(tx.ID), string(tx.CreditID), string(tx.Type),
		tx.Amount.Value.String(), tx.Amount.Currency,
		nullString(tx.StaffID), nullString(tx.LocationID), nullString(tx.ReferenceID),
		string(metadataJSON), formatTime(tx.CreatedAt),
	)
	if err != nil {
		return storeErr(err)
	}
	return nil
}

// =============================================================================
// SCANNING / QUERY HELPERS
// =============================================================================

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getCredit(ctx context.Context, q querier, column, value string) (*ledger.Credit, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+creditColumns+" FROM credits WHERE "+column+" = ?", value)

	c, err := scanCredit(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return c, nil
}

func queryCredits(ctx context.Context, q querier, query string, args ...any) ([]ledger.Credit, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var credits []ledger.Credit
	for rows.Next() {
		c, err := scanCredit(rows.Scan)
		if err != nil {
			return nil, storeErr(err)
		}
		credits = append(credits, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return credits, nil
}

func scanCredit(scan func(dest ...any) error) (*ledger.Credit, error) {
	var (
		c                    ledger.Credit
		id, status           string
		amount, balance      string
		expiresAt, ownerID   sql.NullString
		note                 sql.NullString
		createdAt, updatedAt string
	)

	err := scan(&id, &c.Code, &amount, &balance, &c.Currency, &status,
		&expiresAt, &ownerID, &note, &createdAt, &updatedAt, &c.Version)
	if err != nil {
		return nil, err
	}

	c.ID = ledger.CreditID(id)
	c.Amount = ledger.NewMoney(amount, c.Currency)
	c.Balance = ledger.NewMoney(balance, c.Currency)
	c.Status = ledger.Status(status)
	c.OwnerID = ownerID.String
	c.Note = note.String
	if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("credit %s: parse created_at: %w", id, err)
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("credit %s: parse updated_at: %w", id, err)
	}
	if expiresAt.Valid {
		t, err := time.Parse(time.RFC3339, expiresAt.String)
		if err != nil {
			return nil, fmt.Errorf("credit %s: parse expires_at: %w", id, err)
		}
		c.ExpiresAt = &t
	}
	return &c, nil
}

func queryTransactions(ctx context.Context, q querier, creditID string) ([]ledger.Transaction, error) {
	// rowid preserves append order for records sharing a created_at.
	rows, err := q.QueryContext(ctx, `
		SELECT id, credit_id, tx_type, amount, currency, staff_id, location_id,
		       reference_id, metadata_json, created_at
		FROM credit_transactions
		WHERE credit_id = ?
		ORDER BY created_at ASC, rowid ASC`, creditID)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var txs []ledger.Transaction
	for rows.Next() {
		var (
			tx                         ledger.Transaction
			id, owningID, txType       string
			amount, currency           string
			staffID, locationID, refID sql.NullString
			metadataJSON               sql.NullString
			createdAt                  string
		)
		if err := rows.Scan(&id, &owningID, &txType, &amount, &currency,
			&staffID, &locationID, &refID, &metadataJSON, &createdAt); err != nil {
			return nil, storeErr(err)
		}

		tx.ID = ledger.TransactionID(id)
		tx.CreditID = ledger.CreditID(owningID)
		tx.Type = ledger.TransactionType(txType)
		tx.Amount = ledger.NewMoney(amount, currency)
		tx.StaffID = staffID.String
		tx.LocationID = locationID.String
		tx.ReferenceID = refID.String
		if tx.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, storeErr(fmt.Errorf("transaction %s: parse created_at: %w", id, err))
		}
		if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
			json.Unmarshal([]byte(metadataJSON.String), &tx.Metadata)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// storeErr tags infrastructure faults so callers can distinguish them
// from business-rule rejections.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
}
