/*
store.go - Persistence interfaces for credits and their transaction log

PURPOSE:
  Defines the boundary between the ledger engine and the database.
  Different implementations can use SQLite, PostgreSQL, or in-memory
  storage; the engine depends only on these interfaces.

KEY INTERFACES:
  Store:   Read-side queries (by id, by code, filtered lists)
  Tx:      One unit of work: locked reads + atomic credit/transaction writes
  TxStore: Store plus WithTx, the transactional entry point

APPEND-ONLY CONTRACT:
  Transactions are append-only. Tx exposes AppendTransaction and nothing
  else that touches the log - no update, no delete, ever. Corrections are
  new transactions.

LOST-UPDATE PREVENTION:
  Two concurrent operations against the same credit must be serialized at
  the store layer. UpdateCredit performs a compare-and-swap on
  Credit.Version and returns ErrConcurrencyConflict when the row moved
  under the writer. An in-process mutex alone is not sufficient: multiple
  process instances may run the engine against one database.

IMPLEMENTATIONS:
  - store/sqlite:        production SQLite (version CAS + write mutex)
  - store/postgres:      production PostgreSQL (SELECT ... FOR UPDATE)
  - ledger/store:        in-memory, for tests and dev mode

SEE ALSO:
  - engine.go: The only caller of WithTx
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// READ-SIDE QUERIES
// =============================================================================

// ListFilter narrows and orders a credit listing. Zero values mean
// "no constraint".
type ListFilter struct {
	OwnerID    string
	Status     Status
	IssuedFrom *time.Time
	IssuedTo   *time.Time

	// SortBy must be one of the whitelisted fields (see ValidSortField);
	// implementations reject anything else rather than interpolating it.
	SortBy   string
	SortDesc bool

	Limit  int // 0 = implementation default
	Offset int
}

// sortFields is the whitelist of sortable columns. Anything outside this
// set never reaches SQL.
var sortFields = map[string]bool{
	"created_at": true,
	"expires_at": true,
	"amount":     true,
	"balance":    true,
	"status":     true,
}

// ValidSortField reports whether f may be used in ListFilter.SortBy.
// The empty string is valid and means the implementation default.
func ValidSortField(f string) bool {
	return f == "" || sortFields[f]
}

// Store is the read side of credit persistence.
type Store interface {
	// GetByID returns the credit or ErrNotFound.
	GetByID(ctx context.Context, id CreditID) (*Credit, error)

	// GetByCode returns the credit for an exact code match or ErrNotFound.
	// Code format validation happens before lookup, in the engine.
	GetByCode(ctx context.Context, code string) (*Credit, error)

	// List returns credits matching the filter, paginated.
	List(ctx context.Context, f ListFilter) ([]Credit, error)

	// CountExpiringWithin counts ACTIVE credits whose expiration falls in
	// (now, now+days].
	CountExpiringWithin(ctx context.Context, now time.Time, days int) (int, error)

	// ListExpired returns ACTIVE credits with a non-nil expiration at or
	// before now. Input for the sweeper.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Credit, error)

	// Transactions returns the credit's transaction log ordered by
	// CreatedAt, then by append order.
	Transactions(ctx context.Context, id CreditID) ([]Transaction, error)
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// Tx is one atomic unit of work. Everything written through a Tx commits
// or rolls back together; a credit update can never land without its
// justifying transaction record.
type Tx interface {
	// GetForUpdate reads the credit for mutation. Implementations either
	// lock the row (FOR UPDATE) or return a version token that UpdateCredit
	// will compare-and-swap on.
	GetForUpdate(ctx context.Context, id CreditID) (*Credit, error)

	// InsertCredit writes a brand-new credit. Returns ErrDuplicateCode if
	// the code is already taken (the generation collision backstop).
	InsertCredit(ctx context.Context, c *Credit) error

	// UpdateCredit writes the new credit state. Fails with
	// ErrConcurrencyConflict when c.Version no longer matches the stored
	// row. On success the implementation bumps c.Version.
	UpdateCredit(ctx context.Context, c *Credit) error

	// AppendTransaction appends one immutable transaction record.
	AppendTransaction(ctx context.Context, tx Transaction) error

	// GetByCode mirrors Store.GetByCode inside the unit of work, for
	// collision checks during issuance.
	GetByCode(ctx context.Context, code string) (*Credit, error)
}

// TxStore is a Store with transactional write support.
type TxStore interface {
	Store

	// WithTx executes fn within one atomic unit of work.
	// If fn returns an error the unit rolls back; otherwise it commits.
	WithTx(ctx context.Context, fn func(Tx) error) error
}
