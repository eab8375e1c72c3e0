/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal ledger model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY ON THE WIRE:
  Amounts travel as decimal strings ("25.00"), never as floats. The
  handlers parse them with ledger.ParseMoney and reject anything that
  does not parse exactly.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/engine.go: The domain requests these map onto
*/
package api

import (
	"time"

	"github.com/warp/credit-engine/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// IssueCreditRequest creates a new store credit.
type IssueCreditRequest struct {
	Amount    string     `json:"amount"`
	Currency  string     `json:"currency"`
	OwnerID   string     `json:"owner_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Note      string     `json:"note,omitempty"`
	StaffID   string     `json:"staff_id,omitempty"`
}

// RedeemCreditRequest draws down a credit's balance.
type RedeemCreditRequest struct {
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	ReferenceID string `json:"reference_id,omitempty"`
	StaffID     string `json:"staff_id,omitempty"`
	LocationID  string `json:"location_id,omitempty"`
}

// CancelCreditRequest voids a credit.
type CancelCreditRequest struct {
	Reason  string `json:"reason,omitempty"`
	StaffID string `json:"staff_id,omitempty"`
}

// AdjustCreditRequest changes face amount and balance by a signed delta.
type AdjustCreditRequest struct {
	Delta    string `json:"delta"`
	Currency string `json:"currency"`
	Reason   string `json:"reason,omitempty"`
	StaffID  string `json:"staff_id,omitempty"`
}

// ExtendCreditRequest moves the expiration date forward.
type ExtendCreditRequest struct {
	NewExpiresAt time.Time `json:"new_expires_at"`
	Reason       string    `json:"reason,omitempty"`
	StaffID      string    `json:"staff_id,omitempty"`
}

// UpdateCreditRequest is the narrow administrative correction path.
// Monetary fields are deliberately absent; use Adjust for those.
type UpdateCreditRequest struct {
	Status       *string    `json:"status,omitempty"`
	SetExpiresAt bool       `json:"set_expires_at,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	OwnerID      *string    `json:"owner_id,omitempty"`
	Note         *string    `json:"note,omitempty"`
	StaffID      string     `json:"staff_id,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// CreditDTO represents a credit in API responses.
type CreditDTO struct {
	ID        string     `json:"id"`
	Code      string     `json:"code"`
	Amount    string     `json:"amount"`
	Balance   string     `json:"balance"`
	Currency  string     `json:"currency"`
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	OwnerID   string     `json:"owner_id,omitempty"`
	Note      string     `json:"note,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TransactionDTO represents one ledger entry in API responses.
type TransactionDTO struct {
	ID          string            `json:"id"`
	CreditID    string            `json:"credit_id"`
	Type        string            `json:"type"`
	Amount      string            `json:"amount"`
	Currency    string            `json:"currency"`
	StaffID     string            `json:"staff_id,omitempty"`
	LocationID  string            `json:"location_id,omitempty"`
	ReferenceID string            `json:"reference_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// SweepResponse reports one expiration sweep run.
type SweepResponse struct {
	Expired int       `json:"expired"`
	RanAt   time.Time `json:"ran_at"`
}

// AuditDTO reports a stored-balance vs replayed-balance reconciliation.
type AuditDTO struct {
	CreditID        string `json:"credit_id"`
	StoredAmount    string `json:"stored_amount"`
	StoredBalance   string `json:"stored_balance"`
	ReplayedAmount  string `json:"replayed_amount"`
	ReplayedBalance string `json:"replayed_balance"`
	Consistent      bool   `json:"consistent"`
}

// ExpiringCountDTO reports how many active credits expire within a window.
type ExpiringCountDTO struct {
	Days  int `json:"days"`
	Count int `json:"count"`
}

// ErrorResponse is the standard error payload.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toCreditDTO(c *ledger.Credit) CreditDTO {
	return CreditDTO{
		ID:        string(c.ID),
		Code:      c.Code,
		Amount:    c.Amount.Value.String(),
		Balance:   c.Balance.Value.String(),
		Currency:  c.Currency,
		Status:    string(c.Status),
		ExpiresAt: c.ExpiresAt,
		OwnerID:   c.OwnerID,
		Note:      c.Note,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, 0, len(txs))
	for _, tx := range txs {
		out = append(out, TransactionDTO{
			ID:          string(tx.ID),
			CreditID:    string(tx.CreditID),
			Type:        string(tx.Type),
			Amount:      tx.Amount.Value.String(),
			Currency:    tx.Amount.Currency,
			StaffID:     tx.StaffID,
			LocationID:  tx.LocationID,
			ReferenceID: tx.ReferenceID,
			Metadata:    tx.Metadata,
			CreatedAt:   tx.CreatedAt,
		})
	}
	return out
}
