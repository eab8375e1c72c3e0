/*
engine.go - The credit state machine and its operations

PURPOSE:
  Implements the constrained set of mutations a credit supports: Issue,
  Redeem, Cancel, Adjust, ExtendExpiration, Update. Each operation runs
  as exactly one store unit of work that reads current state, validates
  invariants, and writes the new credit plus its justifying transaction
  record atomically. Partial writes are structurally impossible.

STATE MACHINE:
  ACTIVE -> REDEEMED   (balance hits zero via redeem or adjust)
  ACTIVE -> CANCELLED  (administrative cancel)
  ACTIVE -> EXPIRED    (sweep, or lazily on any mutating read)
  ACTIVE -> ACTIVE     (partial redeem, adjust, extend)
  EXPIRED -> CANCELLED (cancel remains legal after expiration)
  Terminal states are never reversed.

LAZY EXPIRATION:
  Every read-for-mutation checks the expiration date. A stale ACTIVE
  credit is transitioned to EXPIRED - and that transition COMMITS - before
  the caller's operation is rejected with ErrCreditExpired. The sweeper is
  an optimization, not the only enforcement point.

CONCURRENCY:
  Serialization is the store's job (version CAS or row locks). The engine
  retries only ErrConcurrencyConflict, a bounded number of times; every
  other failure kind is surfaced immediately and never coerced (a
  redemption is never clamped to the available balance).

SEE ALSO:
  - types.go:   Credit, Transaction, ReplayBalance
  - store.go:   TxStore / Tx unit-of-work contract
  - sweeper.go: Batch expiration
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// maxCodeAttempts bounds code-collision retries during issuance.
	maxCodeAttempts = 5

	// maxConflictRetries bounds automatic retries after a store version
	// conflict. Anything still conflicting after this many re-reads is
	// surfaced to the caller.
	maxConflictRetries = 3
)

// Engine executes ledger operations against a transactional store.
type Engine struct {
	store TxStore

	// Now supplies the engine's clock. Overridable in tests; defaults to
	// time.Now in UTC.
	Now func() time.Time
}

// NewEngine creates an engine on top of a transactional store.
func NewEngine(store TxStore) *Engine {
	return &Engine{
		store: store,
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// OPERATION REQUESTS
// =============================================================================
// One bounded struct per operation. The engine branches only on typed
// fields; the free-form Metadata bag exists solely on Transaction records.

// IssueRequest creates a new credit.
type IssueRequest struct {
	Amount    Money
	OwnerID   string
	ExpiresAt *time.Time // nil = never expires
	Note      string
	StaffID   string
}

// RedeemRequest consumes part or all of a credit's balance.
type RedeemRequest struct {
	Amount      Money
	ReferenceID string // e.g. order id
	StaffID     string
	LocationID  string
}

// CancelRequest voids a credit.
type CancelRequest struct {
	Reason  string
	StaffID string
}

// AdjustRequest changes face amount and balance by a signed delta.
type AdjustRequest struct {
	Delta   Money
	Reason  string
	StaffID string
}

// ExtendRequest moves the expiration date forward.
type ExtendRequest struct {
	NewExpiresAt time.Time
	Reason       string
	StaffID      string
}

// UpdateRequest is the narrow administrative path for non-monetary
// corrections. Balance and amount are deliberately absent: monetary
// changes go only through Adjust.
type UpdateRequest struct {
	Status *Status

	// SetExpiresAt gates ExpiresAt so nil can mean both "leave alone"
	// (false) and "clear the expiration" (true with nil ExpiresAt).
	SetExpiresAt bool
	ExpiresAt    *time.Time

	OwnerID *string
	Note    *string
	StaffID string
}

// =============================================================================
// ISSUE
// =============================================================================

// Issue creates a credit with balance equal to its face amount and writes
// the opening ISSUE transaction. The generated code is collision-checked
// against the store; after maxCodeAttempts failures the operation fails
// with ErrCodeGenerationExhausted.
func (e *Engine) Issue(ctx context.Context, req IssueRequest) (*Credit, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("issue amount %s: %w", req.Amount.Value, ErrInvalidAmount)
	}
	if req.Amount.Currency == "" {
		return nil, fmt.Errorf("issue requires a currency: %w", ErrInvalidAmount)
	}

	now := e.Now()
	var out *Credit
	err := e.store.WithTx(ctx, func(tx Tx) error {
		for attempt := 0; attempt < maxCodeAttempts; attempt++ {
			code, err := GenerateCode()
			if err != nil {
				return err
			}
			if _, err := tx.GetByCode(ctx, code); err == nil {
				continue // collision, draw again
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}

			c := &Credit{
				ID:        CreditID(uuid.NewString()),
				Code:      code,
				Amount:    req.Amount,
				Balance:   req.Amount,
				Currency:  req.Amount.Currency,
				Status:    StatusActive,
				ExpiresAt: req.ExpiresAt,
				OwnerID:   req.OwnerID,
				Note:      req.Note,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.InsertCredit(ctx, c); err != nil {
				if errors.Is(err, ErrDuplicateCode) {
					continue // lost the race on the unique index, draw again
				}
				return err
			}

			if err := tx.AppendTransaction(ctx, Transaction{
				ID:       TransactionID(uuid.NewString()),
				CreditID: c.ID,
				Type:     TxIssue,
				Amount:   req.Amount,
				StaffID:  req.StaffID,
				Metadata: map[string]string{
					MetaNextBalance: c.Balance.Value.String(),
				},
				CreatedAt: now,
			}); err != nil {
				return err
			}

			out = c
			return nil
		}
		return ErrCodeGenerationExhausted
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// REDEEM
// =============================================================================

// Redeem draws req.Amount off the credit's balance. A drain to exactly
// zero transitions the credit to REDEEMED. Over-redemption fails with
// InsufficientBalance and writes nothing.
func (e *Engine) Redeem(ctx context.Context, id CreditID, req RedeemRequest) (*Credit, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("redeem amount %s: %w", req.Amount.Value, ErrInvalidAmount)
	}

	return e.mutate(ctx, id, func(tx Tx, c *Credit, now time.Time) error {
		if err := requireActive(c, "redeem"); err != nil {
			return err
		}
		if req.Amount.Currency != c.Currency {
			return fmt.Errorf("redeem in %s against %s credit: %w",
				req.Amount.Currency, c.Currency, ErrCurrencyMismatch)
		}
		if c.Balance.LessThan(req.Amount) {
			return &InsufficientBalanceError{
				CreditID:  c.ID,
				Available: c.Balance,
				Requested: req.Amount,
			}
		}

		prev := c.Balance
		c.Balance = c.Balance.Sub(req.Amount)
		if c.Balance.IsZero() {
			c.Status = StatusRedeemed
		}
		c.UpdatedAt = now
		if err := tx.UpdateCredit(ctx, c); err != nil {
			return err
		}

		return tx.AppendTransaction(ctx, Transaction{
			ID:          TransactionID(uuid.NewString()),
			CreditID:    c.ID,
			Type:        TxRedeem,
			Amount:      req.Amount.Neg(),
			StaffID:     req.StaffID,
			LocationID:  req.LocationID,
			ReferenceID: req.ReferenceID,
			Metadata: map[string]string{
				MetaPrevBalance: prev.Value.String(),
				MetaNextBalance: c.Balance.Value.String(),
			},
			CreatedAt: now,
		})
	})
}

// =============================================================================
// CANCEL
// =============================================================================

// Cancel voids a credit. The balance is deliberately left as-is for audit
// (reporting must filter on status, not trust balance alone), but the
// credit can no longer be redeemed. Fully-redeemed credits cannot be
// cancelled; expired ones can.
func (e *Engine) Cancel(ctx context.Context, id CreditID, req CancelRequest) (*Credit, error) {
	return e.mutate(ctx, id, func(tx Tx, c *Credit, now time.Time) error {
		switch c.Status {
		case StatusCancelled:
			return &StateError{CreditID: c.ID, Status: c.Status, Op: "cancel"}
		case StatusRedeemed:
			return fmt.Errorf("credit %s: %w", c.ID, ErrCannotCancelRedeemed)
		}

		prev := c.Status
		c.Status = StatusCancelled
		c.UpdatedAt = now
		if err := tx.UpdateCredit(ctx, c); err != nil {
			return err
		}

		return tx.AppendTransaction(ctx, Transaction{
			ID:       TransactionID(uuid.NewString()),
			CreditID: c.ID,
			Type:     TxCancel,
			Amount:   c.Balance.Zero(),
			StaffID:  req.StaffID,
			Metadata: map[string]string{
				MetaReason:         req.Reason,
				MetaPrevStatus:     string(prev),
				MetaNextStatus:     string(StatusCancelled),
				MetaRemainingValue: c.Balance.Value.String(),
			},
			CreatedAt: now,
		})
	})
}

// =============================================================================
// ADJUST
// =============================================================================

// Adjust applies a signed administrative delta to both face amount and
// balance. A negative delta that would take the balance below zero fails
// with NegativeBalance; a drain to exactly zero transitions to REDEEMED.
func (e *Engine) Adjust(ctx context.Context, id CreditID, req AdjustRequest) (*Credit, error) {
	if req.Delta.IsZero() {
		return nil, fmt.Errorf("zero adjustment: %w", ErrInvalidAmount)
	}

	return e.mutate(ctx, id, func(tx Tx, c *Credit, now time.Time) error {
		if err := requireActive(c, "adjust"); err != nil {
			return err
		}
		if req.Delta.Currency != c.Currency {
			return fmt.Errorf("adjust in %s against %s credit: %w",
				req.Delta.Currency, c.Currency, ErrCurrencyMismatch)
		}

		newBalance := c.Balance.Add(req.Delta)
		if newBalance.IsNegative() {
			return fmt.Errorf("balance %s with delta %s: %w",
				c.Balance.Value, req.Delta.Value, ErrNegativeBalance)
		}

		prev := c.Balance
		c.Amount = c.Amount.Add(req.Delta)
		c.Balance = newBalance
		if c.Balance.IsZero() {
			c.Status = StatusRedeemed
		}
		c.UpdatedAt = now
		if err := tx.UpdateCredit(ctx, c); err != nil {
			return err
		}

		txType := TxAdjustUp
		if req.Delta.IsNegative() {
			txType = TxAdjustDown
		}
		return tx.AppendTransaction(ctx, Transaction{
			ID:       TransactionID(uuid.NewString()),
			CreditID: c.ID,
			Type:     txType,
			Amount:   req.Delta,
			StaffID:  req.StaffID,
			Metadata: map[string]string{
				MetaReason:      req.Reason,
				MetaPrevBalance: prev.Value.String(),
				MetaNextBalance: c.Balance.Value.String(),
			},
			CreatedAt: now,
		})
	})
}

// =============================================================================
// EXTEND EXPIRATION
// =============================================================================

// ExtendExpiration moves the expiration date of an ACTIVE credit. The new
// date must be in the future. The change is recorded as a zero-amount
// transaction carrying prior and new dates.
func (e *Engine) ExtendExpiration(ctx context.Context, id CreditID, req ExtendRequest) (*Credit, error) {
	return e.mutate(ctx, id, func(tx Tx, c *Credit, now time.Time) error {
		if err := requireActive(c, "extend"); err != nil {
			return err
		}
		if !req.NewExpiresAt.After(now) {
			return fmt.Errorf("new expiration %s is not in the future: %w",
				req.NewExpiresAt.Format(time.RFC3339), ErrInvalidExpiration)
		}

		prev := ""
		if c.ExpiresAt != nil {
			prev = c.ExpiresAt.Format(time.RFC3339)
		}
		newDate := req.NewExpiresAt
		c.ExpiresAt = &newDate
		c.UpdatedAt = now
		if err := tx.UpdateCredit(ctx, c); err != nil {
			return err
		}

		return tx.AppendTransaction(ctx, Transaction{
			ID:       TransactionID(uuid.NewString()),
			CreditID: c.ID,
			Type:     TxAdjustUp,
			Amount:   c.Balance.Zero(),
			StaffID:  req.StaffID,
			Metadata: map[string]string{
				MetaReason:        req.Reason,
				MetaPrevExpiresAt: prev,
				MetaNextExpiresAt: newDate.Format(time.RFC3339),
			},
			CreatedAt: now,
		})
	})
}

// =============================================================================
// UPDATE (administrative, non-monetary)
// =============================================================================

// Update applies non-monetary corrections. Status may be set only on an
// ACTIVE credit (to CANCELLED or EXPIRED, recorded with a zero-amount
// transaction); setting a different status on a CANCELLED or EXPIRED
// credit fails with ImmutableTerminalState. Balance edits are impossible
// through this path by construction.
func (e *Engine) Update(ctx context.Context, id CreditID, req UpdateRequest) (*Credit, error) {
	return e.mutate(ctx, id, func(tx Tx, c *Credit, now time.Time) error {
		var auditTx *Transaction

		if req.Status != nil && *req.Status != c.Status {
			switch c.Status {
			case StatusCancelled, StatusExpired:
				return fmt.Errorf("credit %s is %s: %w", c.ID, c.Status, ErrImmutableTerminalState)
			case StatusRedeemed:
				return &StateError{CreditID: c.ID, Status: c.Status, Op: "update status of"}
			}
			// ACTIVE source. REDEEMED would lie about the balance; only the
			// two administrative terminals are reachable here.
			var txType TransactionType
			switch *req.Status {
			case StatusCancelled:
				txType = TxCancel
			case StatusExpired:
				txType = TxExpire
			default:
				return &StateError{CreditID: c.ID, Status: c.Status, Op: "update status of"}
			}
			prev := c.Status
			c.Status = *req.Status
			auditTx = &Transaction{
				ID:       TransactionID(uuid.NewString()),
				CreditID: c.ID,
				Type:     txType,
				Amount:   c.Balance.Zero(),
				StaffID:  req.StaffID,
				Metadata: map[string]string{
					MetaReason:         "administrative update",
					MetaPrevStatus:     string(prev),
					MetaNextStatus:     string(c.Status),
					MetaRemainingValue: c.Balance.Value.String(),
				},
				CreatedAt: now,
			}
		}

		if req.SetExpiresAt {
			prev := ""
			if c.ExpiresAt != nil {
				prev = c.ExpiresAt.Format(time.RFC3339)
			}
			next := ""
			if req.ExpiresAt != nil {
				next = req.ExpiresAt.Format(time.RFC3339)
			}
			if prev != next && auditTx == nil {
				auditTx = &Transaction{
					ID:       TransactionID(uuid.NewString()),
					CreditID: c.ID,
					Type:     TxAdjustUp,
					Amount:   c.Balance.Zero(),
					StaffID:  req.StaffID,
					Metadata: map[string]string{
						MetaReason:        "administrative update",
						MetaPrevExpiresAt: prev,
						MetaNextExpiresAt: next,
					},
					CreatedAt: now,
				}
			}
			c.ExpiresAt = req.ExpiresAt
		}

		if req.OwnerID != nil {
			c.OwnerID = *req.OwnerID
		}
		if req.Note != nil {
			c.Note = *req.Note
		}

		c.UpdatedAt = now
		if err := tx.UpdateCredit(ctx, c); err != nil {
			return err
		}
		if auditTx != nil {
			return tx.AppendTransaction(ctx, *auditTx)
		}
		return nil
	})
}

// =============================================================================
// READ OPERATIONS
// =============================================================================

// Get returns a credit by id.
func (e *Engine) Get(ctx context.Context, id CreditID) (*Credit, error) {
	return e.store.GetByID(ctx, id)
}

// GetByCode validates the code format, then looks the credit up. A
// malformed code fails with ErrInvalidCodeFormat before any store access;
// a well-formed but unissued code fails with ErrNotFound.
func (e *Engine) GetByCode(ctx context.Context, code string) (*Credit, error) {
	if !ValidateCode(code) {
		return nil, fmt.Errorf("%q: %w", code, ErrInvalidCodeFormat)
	}
	return e.store.GetByCode(ctx, code)
}

// List returns credits matching the filter.
func (e *Engine) List(ctx context.Context, f ListFilter) ([]Credit, error) {
	if !ValidSortField(f.SortBy) {
		return nil, fmt.Errorf("sort field %q is not allowed", f.SortBy)
	}
	return e.store.List(ctx, f)
}

// Transactions returns the append-only log for a credit, oldest first.
func (e *Engine) Transactions(ctx context.Context, id CreditID) ([]Transaction, error) {
	if _, err := e.store.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return e.store.Transactions(ctx, id)
}

// CountExpiringWithin counts ACTIVE credits expiring in the next n days.
func (e *Engine) CountExpiringWithin(ctx context.Context, days int) (int, error) {
	return e.store.CountExpiringWithin(ctx, e.Now(), days)
}

// AuditReport compares the stored balance cache against a replay of the
// transaction log.
type AuditReport struct {
	CreditID        CreditID
	StoredAmount    Money
	StoredBalance   Money
	ReplayedAmount  Money
	ReplayedBalance Money
	Transactions    int
	Consistent      bool
}

// Audit replays the transaction log and checks it against the stored
// credit. An inconsistent report indicates corruption: the log is the
// source of truth and the stored fields are a cache of it.
func (e *Engine) Audit(ctx context.Context, id CreditID) (*AuditReport, error) {
	c, err := e.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	txs, err := e.store.Transactions(ctx, id)
	if err != nil {
		return nil, err
	}

	amount, balance, ok := ReplayBalance(txs)
	return &AuditReport{
		CreditID:        c.ID,
		StoredAmount:    c.Amount,
		StoredBalance:   c.Balance,
		ReplayedAmount:  amount,
		ReplayedBalance: balance,
		Transactions:    len(txs),
		Consistent:      ok && amount.Equal(c.Amount) && balance.Equal(c.Balance),
	}, nil
}

// =============================================================================
// MUTATION PLUMBING
// =============================================================================

// mutate runs one operation as a single unit of work with lazy expiration
// and bounded conflict retry.
//
// If the credit is ACTIVE but past its expiration, the EXPIRE transition
// is written first, inside the same unit of work. When the operation then
// rejects with ErrCreditExpired the unit still COMMITS, so the side
// effect always lands before the error reaches the caller. Any other
// rejection rolls the whole unit back, lazy EXPIRE included: fn may have
// written before failing, and committing around an arbitrary error would
// break the all-or-nothing contract. The credit then presents as ACTIVE
// until the next mutating read or sweep redoes the expiration.
func (e *Engine) mutate(ctx context.Context, id CreditID, fn func(tx Tx, c *Credit, now time.Time) error) (*Credit, error) {
	var out *Credit
	var deferred error

	for attempt := 0; ; attempt++ {
		out, deferred = nil, nil
		err := e.store.WithTx(ctx, func(tx Tx) error {
			c, err := tx.GetForUpdate(ctx, id)
			if err != nil {
				return err
			}
			now := e.Now()

			lazilyExpired := false
			if c.Status == StatusActive && c.ExpiredAt(now) {
				if err := expireLocked(ctx, tx, c, now); err != nil {
					return err
				}
				lazilyExpired = true
			}

			if err := fn(tx, c, now); err != nil {
				if lazilyExpired && errors.Is(err, ErrCreditExpired) {
					deferred = err
					return nil // commit the EXPIRE side effect
				}
				return err
			}
			out = c
			return nil
		})

		if IsRetryable(err) && attempt < maxConflictRetries {
			continue
		}
		if err != nil {
			return nil, err
		}
		if deferred != nil {
			return nil, deferred
		}
		return out, nil
	}
}

// requireActive gates balance-affecting operations. An expired credit
// (whether swept earlier or lazily just now) reports ErrCreditExpired;
// the other terminal states report IllegalStateTransition.
func requireActive(c *Credit, op string) error {
	switch c.Status {
	case StatusActive:
		return nil
	case StatusExpired:
		return fmt.Errorf("credit %s: %w", c.ID, ErrCreditExpired)
	default:
		return &StateError{CreditID: c.ID, Status: c.Status, Op: op}
	}
}

// expireLocked transitions an ACTIVE credit to EXPIRED inside an open
// unit of work, writing the status change and the EXPIRE record together.
func expireLocked(ctx context.Context, tx Tx, c *Credit, now time.Time) error {
	c.Status = StatusExpired
	c.UpdatedAt = now
	if err := tx.UpdateCredit(ctx, c); err != nil {
		return err
	}

	expiredOn := ""
	if c.ExpiresAt != nil {
		expiredOn = c.ExpiresAt.Format(time.RFC3339)
	}
	return tx.AppendTransaction(ctx, Transaction{
		ID:       TransactionID(uuid.NewString()),
		CreditID: c.ID,
		Type:     TxExpire,
		Amount:   c.Balance.Zero(),
		Metadata: map[string]string{
			MetaPrevStatus:     string(StatusActive),
			MetaNextStatus:     string(StatusExpired),
			MetaRemainingValue: c.Balance.Value.String(),
			MetaNextExpiresAt:  expiredOn,
		},
		CreatedAt: now,
	})
}
