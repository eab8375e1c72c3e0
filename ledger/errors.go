/*
errors.go - Centralized error types for the credit ledger

PURPOSE:
  All error kinds in one place for consistency and discoverability.
  Callers (HTTP handlers, batch jobs) match with errors.Is and map each
  kind to a stable caller-facing status. The engine never clamps or
  coerces a violation into a partial success.

ERROR CATEGORIES:
  1. Lookup errors   - missing credits, malformed codes
  2. Rule violations - amounts, balances, state transitions
  3. Store errors    - conflicts and persistence faults

RETRY POLICY:
  Only ErrConcurrencyConflict is safe to retry automatically; the engine
  does so a bounded number of times. ErrStoreUnavailable is surfaced to
  the caller untouched - retry policy for infrastructure faults belongs
  to the caller, not the engine.

SEE ALSO:
  - engine.go: Where these are returned
  - api/handlers.go: HTTP status mapping
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when no credit matches the given id or code.
	ErrNotFound = errors.New("credit not found")

	// ErrInvalidCodeFormat is returned when a code fails structural or
	// checksum validation. Distinct from ErrNotFound: a typo'd code is not
	// "missing", it was never issued.
	ErrInvalidCodeFormat = errors.New("invalid credit code format")

	// ErrInvalidAmount is returned for a non-positive amount where a
	// positive value is required.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrCurrencyMismatch is returned when an operation's currency does not
	// match the credit's currency.
	ErrCurrencyMismatch = errors.New("currency mismatch")

	// ErrIllegalStateTransition is returned when the credit's current
	// status forbids the operation (e.g. redeeming a CANCELLED credit).
	ErrIllegalStateTransition = errors.New("illegal state transition")

	// ErrCreditExpired is returned when expiration is detected during a
	// mutating read. The EXPIRE transition is committed before this is
	// reported.
	ErrCreditExpired = errors.New("credit expired")

	// ErrInsufficientBalance is returned when a redemption exceeds the
	// remaining balance. The redemption is never clamped.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrNegativeBalance is returned when an adjustment would drive the
	// balance below zero.
	ErrNegativeBalance = errors.New("adjustment would make balance negative")

	// ErrCannotCancelRedeemed is returned when cancelling a fully-drained
	// credit.
	ErrCannotCancelRedeemed = errors.New("cannot cancel fully redeemed credit")

	// ErrInvalidExpiration is returned when an extension's new date is not
	// in the future.
	ErrInvalidExpiration = errors.New("expiration date must be in the future")

	// ErrImmutableTerminalState is returned when an update tries to move a
	// CANCELLED or EXPIRED credit to a different status.
	ErrImmutableTerminalState = errors.New("terminal status is immutable")

	// ErrCodeGenerationExhausted is returned when code uniqueness retries
	// are exhausted.
	ErrCodeGenerationExhausted = errors.New("code generation attempts exhausted")

	// ErrDuplicateCode is returned by the store when inserting a credit
	// whose code is already taken. The engine treats it as a collision and
	// retries with a fresh code.
	ErrDuplicateCode = errors.New("credit code already exists")

	// ErrConcurrencyConflict is returned on a store-level version or lock
	// conflict. Safe to retry.
	ErrConcurrencyConflict = errors.New("concurrent modification detected")

	// ErrStoreUnavailable wraps persistence-layer faults (connection loss,
	// I/O errors). Not retried by the engine.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError reports the shortage detail for a rejected
// redemption.
type InsufficientBalanceError struct {
	CreditID  CreditID
	Available Money
	Requested Money
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on %s: available %s, requested %s",
		e.CreditID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// StateError reports which status forbade an operation.
type StateError struct {
	CreditID CreditID
	Status   Status
	Op       string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s credit %s in status %s", e.Op, e.CreditID, e.Status)
}

func (e *StateError) Unwrap() error { return ErrIllegalStateTransition }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to invalid caller input
// or a business-rule violation rather than an infrastructure fault.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidCodeFormat) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrCurrencyMismatch) ||
		errors.Is(err, ErrIllegalStateTransition) ||
		errors.Is(err, ErrCreditExpired) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrNegativeBalance) ||
		errors.Is(err, ErrCannotCancelRedeemed) ||
		errors.Is(err, ErrInvalidExpiration) ||
		errors.Is(err, ErrImmutableTerminalState)
}

// IsNotFound returns true if the error indicates a missing credit.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
