/*
handlers.go - HTTP API handlers for the settlement engine

PURPOSE:
  Exposes the claim coordinator and its supporting views via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to the
  settlement package. Authentication happens upstream: the caller identity
  arrives in the request body as an already verified user id.

ENDPOINTS:
  Claims:
    POST   /api/claims                        Claim today's return on a lot position

  Users:
    GET    /api/users/{id}                    Balance and sponsor link
    GET    /api/users/{id}/transactions       Ledger for one user
    GET    /api/users/{id}/audit              Compare cached balance with ledger

  Admin:
    GET    /api/admin/commissions/pending     Queued settlements
    POST   /api/admin/commissions/retry       Run the background retry now

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed body, invalid amount
  - 404: Unknown user or lot position
  - 409: Already claimed today
  - 422: Lot inactive, position owned by another user
  - 503: Record store unavailable or settlement incomplete (safe to replay)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - store_handlers.go: record store protocol served from a local store
  - scenarios.go: Demo fixture loader
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/AzimPower/investpro-sub001/settlement"
)

// DefaultRetryBatch bounds one on-demand retry pass.
const DefaultRetryBatch = 100

// LocalStore is a store this process owns. When present, the record store
// protocol is served from it and demo scenarios can reset and seed it.
type LocalStore interface {
	settlement.RecordStore
	settlement.PendingStore
	SaveUser(ctx context.Context, u settlement.User) error
	SaveLotPosition(ctx context.Context, p settlement.LotPosition) error
	ListUsers(ctx context.Context) ([]settlement.User, error)
	Reset(ctx context.Context) error
}

// PendingRunner runs one background retry pass. jobs.PendingCommissionJob
// implements it; the coordinator does too.
type PendingRunner interface {
	RetryPending(ctx context.Context, limit int) (settlement.RetrySummary, error)
}

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Coordinator *settlement.Coordinator
	Store       settlement.RecordStore
	Pending     settlement.PendingStore // optional
	Local       LocalStore              // optional
	Retry       PendingRunner
	Auditor     *settlement.Auditor
	Log         logrus.FieldLogger

	RetryBatch int
}

// HandlerConfig lists the dependencies of NewHandler. Only Coordinator and
// Store are required.
type HandlerConfig struct {
	Coordinator *settlement.Coordinator
	Store       settlement.RecordStore
	Pending     settlement.PendingStore
	Local       LocalStore
	Retry       PendingRunner
	Logger      logrus.FieldLogger
	RetryBatch  int
}

// NewHandler creates a new handler.
func NewHandler(cfg HandlerConfig) *Handler {
	log := cfg.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	retry := cfg.Retry
	if retry == nil {
		retry = cfg.Coordinator
	}
	batch := cfg.RetryBatch
	if batch <= 0 {
		batch = DefaultRetryBatch
	}
	return &Handler{
		Coordinator: cfg.Coordinator,
		Store:       cfg.Store,
		Pending:     cfg.Pending,
		Local:       cfg.Local,
		Retry:       retry,
		Auditor:     &settlement.Auditor{Store: cfg.Store},
		Log:         log,
		RetryBatch:  batch,
	}
}

// =============================================================================
// CLAIM HANDLERS
// =============================================================================

// Claim settles one daily earning claim.
// POST /api/claims
func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Coordinator.Claim(r.Context(), settlement.ClaimRequest{
		UserID:        settlement.UserID(req.UserID),
		LotPositionID: settlement.LotPositionID(req.LotPositionID),
		Amount:        req.Amount,
	})
	if err != nil {
		writeSettlementError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toClaimResponse(res))
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// GetUser returns a user's balances.
// GET /api/users/{id}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id := settlement.UserID(chi.URLParam(r, "id"))

	u, err := h.Store.GetUser(r.Context(), id)
	if err != nil {
		writeSettlementError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(u))
}

// GetTransactions returns a user's ledger in creation order.
// GET /api/users/{id}/transactions
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	id := settlement.UserID(chi.URLParam(r, "id"))

	txs, err := h.Store.ListTransactions(r.Context(), id)
	if err != nil {
		writeSettlementError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// AuditUser compares the cached balance with the ledger sum.
// GET /api/users/{id}/audit
func (h *Handler) AuditUser(w http.ResponseWriter, r *http.Request) {
	id := settlement.UserID(chi.URLParam(r, "id"))

	report, err := h.Auditor.Audit(r.Context(), id)
	if err != nil {
		writeSettlementError(w, err)
		return
	}
	if !report.Consistent {
		h.Log.WithFields(logrus.Fields{
			"user_id":    id,
			"balance":    report.Balance.String(),
			"ledger":     report.LedgerBalance.String(),
			"difference": report.Difference.String(),
		}).Warn("balance drift detected")
	}
	writeJSON(w, http.StatusOK, AuditDTO{
		UserID:        string(report.UserID),
		Balance:       report.Balance,
		LedgerBalance: report.LedgerBalance,
		Difference:    report.Difference,
		Transactions:  report.Transactions,
		Consistent:    report.Consistent,
	})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// ListPending returns queued settlements, oldest first.
// GET /api/admin/commissions/pending?limit=
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	if h.Pending == nil {
		writeJSON(w, http.StatusOK, []PendingCascadeDTO{})
		return
	}
	limit := h.RetryBatch
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = n
	}

	items, err := h.Pending.ListPending(r.Context(), limit)
	if err != nil {
		writeSettlementError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPendingDTOs(items))
}

// RetryPending runs one background retry pass on demand.
// POST /api/admin/commissions/retry
func (h *Handler) RetryPending(w http.ResponseWriter, r *http.Request) {
	var req RetryRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = h.RetryBatch
	}

	sum, err := h.Retry.RetryPending(r.Context(), limit)
	if err != nil {
		writeSettlementError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RetrySummaryDTO{
		Attempted:    sum.Attempted,
		Resolved:     sum.Resolved,
		StillPending: sum.StillPending,
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// statusFor maps a settlement error to an HTTP status and a short code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, settlement.ErrAlreadyClaimedToday):
		return http.StatusConflict, "already_claimed_today"
	case errors.Is(err, settlement.ErrLotInactive):
		return http.StatusUnprocessableEntity, "lot_inactive"
	case errors.Is(err, settlement.ErrOwnershipMismatch):
		return http.StatusUnprocessableEntity, "ownership_mismatch"
	case errors.Is(err, settlement.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case settlement.IsClientError(err):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, settlement.ErrUserNotFound):
		return http.StatusNotFound, "user_not_found"
	case errors.Is(err, settlement.ErrLotPositionNotFound):
		return http.StatusNotFound, "lot_position_not_found"
	case errors.Is(err, settlement.ErrSettlementIncomplete):
		return http.StatusServiceUnavailable, "settlement_incomplete"
	case settlement.IsRetryable(err):
		return http.StatusServiceUnavailable, "store_unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "cancelled"
	}
	return http.StatusInternalServerError, "internal_error"
}

func writeSettlementError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Code:    code,
		Details: err.Error(),
	})
}

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
