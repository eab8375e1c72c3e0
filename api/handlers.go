/*
handlers.go - HTTP API handlers for the credit ledger engine

PURPOSE:
  Exposes the credit ledger engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Credits:
    POST   /api/credits                     Issue a new credit
    GET    /api/credits                     List credits (filter/sort/page)
    GET    /api/credits/{id}                Get credit by ID
    GET    /api/credits/code/{code}         Look up by redemption code
    GET    /api/credits/{id}/transactions   Transaction history
    GET    /api/credits/{id}/audit          Replay-vs-stored reconciliation
    POST   /api/credits/{id}/redeem         Draw down balance
    POST   /api/credits/{id}/cancel         Void a credit
    POST   /api/credits/{id}/adjust         Administrative balance change
    POST   /api/credits/{id}/extend         Push expiration forward
    PATCH  /api/credits/{id}                Non-monetary corrections

  Admin:
    POST   /api/admin/sweep                 Run an expiration sweep now
    GET    /api/admin/expiring              Count credits expiring soon

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call domain logic (ledger.Engine)
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed body, bad code format, non-positive or unparseable amount
  - 404: Credit not found
  - 409: State-machine rejections and concurrency conflicts
  - 422: Balance rejections (insufficient, would go negative)
  - 503: Storage unavailable
  - 500: Everything else

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/credit-engine/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine  *ledger.Engine
	Sweeper *ledger.Sweeper
}

// NewHandler creates a new handler on top of the given engine.
func NewHandler(engine *ledger.Engine) *Handler {
	return &Handler{
		Engine:  engine,
		Sweeper: ledger.NewSweeper(engine),
	}
}

// =============================================================================
// CREDIT ENDPOINTS
// =============================================================================

// IssueCredit handles POST /api/credits.
func (h *Handler) IssueCredit(w http.ResponseWriter, r *http.Request) {
	var req IssueCreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	amount, err := ledger.ParseMoney(req.Amount, req.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount", err)
		return
	}

	credit, err := h.Engine.Issue(r.Context(), ledger.IssueRequest{
		Amount:    amount,
		OwnerID:   req.OwnerID,
		ExpiresAt: req.ExpiresAt,
		Note:      req.Note,
		StaffID:   req.StaffID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCreditDTO(credit))
}

// GetCredit handles GET /api/credits/{id}.
func (h *Handler) GetCredit(w http.ResponseWriter, r *http.Request) {
	id := ledger.CreditID(chi.URLParam(r, "id"))
	credit, err := h.Engine.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditDTO(credit))
}

// GetCreditByCode handles GET /api/credits/code/{code}.
func (h *Handler) GetCreditByCode(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	credit, err := h.Engine.GetByCode(r.Context(), code)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditDTO(credit))
}

// ListCredits handles GET /api/credits with filter/sort/page query params.
func (h *Handler) ListCredits(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.ListFilter{
		OwnerID:  q.Get("owner_id"),
		Status:   ledger.Status(q.Get("status")),
		SortBy:   q.Get("sort_by"),
		SortDesc: q.Get("order") == "desc",
	}
	if v := q.Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		f.Offset, _ = strconv.Atoi(v)
	}
	if v := q.Get("issued_from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid issued_from", err)
			return
		}
		f.IssuedFrom = &t
	}
	if v := q.Get("issued_to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid issued_to", err)
			return
		}
		f.IssuedTo = &t
	}
	if f.SortBy != "" && !ledger.ValidSortField(f.SortBy) {
		writeError(w, http.StatusBadRequest, "invalid sort_by field", nil)
		return
	}

	credits, err := h.Engine.List(r.Context(), f)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]CreditDTO, 0, len(credits))
	for i := range credits {
		dtos = append(dtos, toCreditDTO(&credits[i]))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetTransactions handles GET /api/credits/{id}/transactions.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	id := ledger.CreditID(chi.URLParam(r, "id"))
	txs, err := h.Engine.Transactions(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// AuditCredit handles GET /api/credits/{id}/audit.
func (h *Handler) AuditCredit(w http.ResponseWriter, r *http.Request) {
	id := ledger.CreditID(chi.URLParam(r, "id"))
	report, err := h.Engine.Audit(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AuditDTO{
		CreditID:        string(report.CreditID),
		StoredAmount:    report.StoredAmount.Value.String(),
		StoredBalance:   report.StoredBalance.Value.String(),
		ReplayedAmount:  report.ReplayedAmount.Value.String(),
		ReplayedBalance: report.ReplayedBalance.Value.String(),
		Consistent:      report.Consistent,
	})
}

// RedeemCredit handles POST /api/credits/{id}/redeem.
func (h *Handler) RedeemCredit(w http.ResponseWriter, r *http.Request) {
	id := ledger.CreditID(chi.URLParam(r, "id"))

	var req RedeemCreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	amount, err := ledger.ParseMoney(req.Amount, req.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount", err)
		return
	}

	credit, err := h.Engine.Redeem(r.Context(), id, ledger.RedeemRequest{
		Amount:      amount,
		ReferenceID: req.ReferenceID,
		StaffID:     req.StaffID,
		LocationID:  req.LocationID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditDTO(credit))
}

// CancelCredit handles POST /api/credits/{id}/cancel.
func (h *Handler) CancelCredit(w http.ResponseWriter, r *http.Request) {
	id := ledger.CreditID(chi.URLParam(r, "id"))

	var req CancelCreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	credit, err := h.Engine.Cancel(r.Context(), id, ledger.CancelRequest{
		Reason:  req.Reason,
		StaffID: req.StaffID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditDTO(credit))
}

// AdjustCredit handles POST /api/credits/{id}/adjust.
func (h *Handler) AdjustCredit(w http.ResponseWriter, r *http.Request) {
	id := ledger.CreditID(chi.URLParam(r, "id"))

	var req AdjustCreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	delta, err := ledger.ParseMoney(req.Delta, req.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid delta", err)
		return
	}

	credit, err := h.Engine.Adjust(r.Context(), id, ledger.AdjustRequest{
		Delta:   delta,
		Reason:  req.Reason,
		StaffID: req.StaffID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditDTO(credit))
}

// ExtendCredit handles POST /api/credits/{id}/extend.
func (h *Handler) ExtendCredit(w http.ResponseWriter, r *http.Request) {
	id := ledger.CreditID(chi.URLParam(r, "id"))

	var req ExtendCreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.NewExpiresAt.IsZero() {
		writeError(w, http.StatusBadRequest, "new_expires_at is required", nil)
		return
	}

	credit, err := h.Engine.ExtendExpiration(r.Context(), id, ledger.ExtendRequest{
		NewExpiresAt: req.NewExpiresAt,
		Reason:       req.Reason,
		StaffID:      req.StaffID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditDTO(credit))
}

// UpdateCredit handles PATCH /api/credits/{id}.
func (h *Handler) UpdateCredit(w http.ResponseWriter, r *http.Request) {
	id := ledger.CreditID(chi.URLParam(r, "id"))

	var req UpdateCreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	update := ledger.UpdateRequest{
		SetExpiresAt: req.SetExpiresAt,
		ExpiresAt:    req.ExpiresAt,
		OwnerID:      req.OwnerID,
		Note:         req.Note,
		StaffID:      req.StaffID,
	}
	if req.Status != nil {
		s := ledger.Status(*req.Status)
		switch s {
		case ledger.StatusActive, ledger.StatusRedeemed, ledger.StatusCancelled, ledger.StatusExpired:
			update.Status = &s
		default:
			writeError(w, http.StatusBadRequest, "invalid status", nil)
			return
		}
	}

	credit, err := h.Engine.Update(r.Context(), id, update)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditDTO(credit))
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// TriggerSweep handles POST /api/admin/sweep.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	now := h.Engine.Now()
	count, err := h.Sweeper.Sweep(r.Context(), now)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResponse{Expired: count, RanAt: now})
}

// CountExpiring handles GET /api/admin/expiring?days=N.
func (h *Handler) CountExpiring(w http.ResponseWriter, r *http.Request) {
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid days", err)
			return
		}
		days = n
	}

	count, err := h.Engine.CountExpiringWithin(r.Context(), days)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ExpiringCountDTO{Days: days, Count: count})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps ledger errors to HTTP statuses. The mapping is by
// error kind, so wrapped errors (InsufficientBalanceError, StateError)
// land on the same status as their sentinels.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "credit not found", nil)
	case errors.Is(err, ledger.ErrInvalidCodeFormat),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrCurrencyMismatch),
		errors.Is(err, ledger.ErrInvalidExpiration):
		writeError(w, http.StatusBadRequest, "invalid request", err)
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrNegativeBalance):
		writeError(w, http.StatusUnprocessableEntity, "balance rejected", err)
	case errors.Is(err, ledger.ErrIllegalStateTransition),
		errors.Is(err, ledger.ErrCannotCancelRedeemed),
		errors.Is(err, ledger.ErrImmutableTerminalState),
		errors.Is(err, ledger.ErrCreditExpired),
		errors.Is(err, ledger.ErrDuplicateCode),
		errors.Is(err, ledger.ErrConcurrencyConflict):
		writeError(w, http.StatusConflict, "operation rejected", err)
	case errors.Is(err, ledger.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "storage unavailable", nil)
	default:
		writeError(w, http.StatusInternalServerError, "internal error", err)
	}
}
