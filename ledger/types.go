/*
Package ledger provides the store-credit ledger engine.

PURPOSE:
  This package contains the domain types and business rules for managing
  store-credit instruments: issuing credits, generating and validating
  their codes, and mutating their balance through a constrained set of
  operations that each leave an immutable transaction record.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: A decimal quantity with a currency (never floating point)
  - Credit: A redeemable instrument with face amount and remaining balance
  - Transaction: An immutable ledger entry recording one mutation
  - Status: The credit state machine (ACTIVE -> REDEEMED/CANCELLED/EXPIRED)

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified or deleted
  2. Precision: Uses decimal.Decimal to avoid floating-point drift
  3. Auditability: The stored balance is a cache; the transaction log is
     the source of truth and the two must always agree (see ReplayBalance)
  4. Atomicity: Every mutation writes the credit and its transaction(s)
     as one store unit of work

USAGE:
  credit, err := engine.Issue(ctx, ledger.IssueRequest{
      Amount:   ledger.NewMoney("100.00", "USD"),
      OwnerID:  "cust-42",
  })

SEE ALSO:
  - engine.go: The operations that mutate credits
  - code.go: Code generation and validation
  - store.go: Persistence interfaces
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Decimal amount with currency
// =============================================================================

// Money is a fixed-point monetary value. Arithmetic never passes through
// binary floating point.
type Money struct {
	Value    decimal.Decimal
	Currency string
}

// NewMoney parses a decimal string. Invalid input yields a zero value;
// callers that need strict parsing use ParseMoney.
func NewMoney(value, currency string) Money {
	d, err := decimal.NewFromString(value)
	if err != nil {
		d = decimal.Zero
	}
	return Money{Value: d, Currency: currency}
}

// ParseMoney parses a decimal string, reporting malformed input.
func ParseMoney(value, currency string) (Money, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return Money{}, err
	}
	return Money{Value: d, Currency: currency}, nil
}

func NewMoneyFromInt(value int64, currency string) Money {
	return Money{Value: decimal.NewFromInt(value), Currency: currency}
}

func (m Money) Zero() Money              { return Money{Value: decimal.Zero, Currency: m.Currency} }
func (m Money) Add(o Money) Money        { return Money{Value: m.Value.Add(o.Value), Currency: m.Currency} }
func (m Money) Sub(o Money) Money        { return Money{Value: m.Value.Sub(o.Value), Currency: m.Currency} }
func (m Money) Neg() Money               { return Money{Value: m.Value.Neg(), Currency: m.Currency} }
func (m Money) IsZero() bool             { return m.Value.IsZero() }
func (m Money) IsNegative() bool         { return m.Value.IsNegative() }
func (m Money) IsPositive() bool         { return m.Value.IsPositive() }
func (m Money) LessThan(o Money) bool    { return m.Value.LessThan(o.Value) }
func (m Money) GreaterThan(o Money) bool { return m.Value.GreaterThan(o.Value) }
func (m Money) Equal(o Money) bool       { return m.Currency == o.Currency && m.Value.Equal(o.Value) }
func (m Money) String() string           { return m.Value.String() + " " + m.Currency }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CreditID string
type TransactionID string

// =============================================================================
// CREDIT - A redeemable store-credit instrument
// =============================================================================

// Status is the credit lifecycle state. REDEEMED, CANCELLED and EXPIRED are
// terminal for balance-affecting operations; no transition reverses them.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusRedeemed  Status = "REDEEMED"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
)

// Terminal reports whether balance-affecting operations are forbidden.
func (s Status) Terminal() bool {
	return s == StatusRedeemed || s == StatusCancelled || s == StatusExpired
}

// Credit is a redeemable monetary instrument.
//
// INVARIANT: for non-cancelled credits, 0 <= Balance <= Amount, and
// Balance always equals the replay of the transaction log (ReplayBalance).
// The stored Balance is a cache of that replay, never an independent fact.
type Credit struct {
	ID       CreditID
	Code     string // SC-XXXXXXXX-YY, immutable once issued
	Amount   Money  // face value; changes only via Adjust
	Balance  Money  // remaining redeemable value
	Currency string
	Status   Status
	ExpiresAt *time.Time // nil = never expires
	OwnerID  string     // optional customer reference
	Note     string     // mutable metadata only

	CreatedAt time.Time
	UpdatedAt time.Time

	// Version is the optimistic-lock token owned by the store. Two writers
	// racing on the same credit cannot both pass the compare-and-swap.
	Version int64
}

// Redeemable reports whether the credit can currently be drawn down,
// ignoring expiration (which the engine checks against a clock).
func (c *Credit) Redeemable() bool {
	return c.Status == StatusActive && c.Balance.IsPositive()
}

// ExpiredAt reports whether the credit's expiration date has passed at now.
func (c *Credit) ExpiredAt(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// =============================================================================
// TRANSACTION - Immutable record of one ledger mutation
// =============================================================================

type TransactionType string

const (
	TxIssue      TransactionType = "ISSUE"       // credit created, amount = +face value
	TxRedeem     TransactionType = "REDEEM"      // balance consumed, amount negative
	TxAdjustUp   TransactionType = "ADJUST_UP"   // administrative increase (or zero-amount record)
	TxAdjustDown TransactionType = "ADJUST_DOWN" // administrative decrease, amount negative
	TxCancel     TransactionType = "CANCEL"      // status-only, amount zero
	TxExpire     TransactionType = "EXPIRE"      // status-only, amount zero
)

// Transaction is an immutable fact describing one ledger mutation.
// Amount is signed: positive for increases, negative for redemptions and
// decreases, zero for status-only events.
type Transaction struct {
	ID          TransactionID
	CreditID    CreditID
	Type        TransactionType
	Amount      Money
	StaffID     string
	LocationID  string
	ReferenceID string // e.g. order id for redemptions
	Metadata    map[string]string
	CreatedAt   time.Time
}

// Standard metadata keys written by the engine.
const (
	MetaReason         = "reason"
	MetaPrevStatus     = "prev_status"
	MetaNextStatus     = "next_status"
	MetaPrevBalance    = "prev_balance"
	MetaNextBalance    = "next_balance"
	MetaPrevExpiresAt  = "prev_expires_at"
	MetaNextExpiresAt  = "next_expires_at"
	MetaRemainingValue = "remaining_balance"
)

// =============================================================================
// REPLAY - Reconcile stored balance against the transaction log
// =============================================================================

// ReplayBalance recomputes face amount and balance from the transaction log.
// The first transaction must be the ISSUE; subsequent signed amounts are
// folded in chronological order. The stored Credit fields must agree with
// the result at all times.
func ReplayBalance(txs []Transaction) (amount, balance Money, ok bool) {
	if len(txs) == 0 || txs[0].Type != TxIssue {
		return Money{}, Money{}, false
	}
	amount = txs[0].Amount
	balance = txs[0].Amount
	for _, tx := range txs[1:] {
		switch tx.Type {
		case TxIssue:
			return Money{}, Money{}, false // a credit is issued exactly once
		case TxRedeem:
			balance = balance.Add(tx.Amount)
		case TxAdjustUp, TxAdjustDown:
			amount = amount.Add(tx.Amount)
			balance = balance.Add(tx.Amount)
		case TxCancel, TxExpire:
			// status-only, amount zero
		}
	}
	return amount, balance, true
}
