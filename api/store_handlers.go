/*
store_handlers.go - Record store protocol served from a local store

PURPOSE:
  Serves the request/response protocol of the recordstore package from a
  LocalStore (SQLite or memory). Another instance configured with
  STORE_DRIVER=remote and RECORD_STORE_URL=http://host/store settles claims
  against this one.

ENDPOINTS (mounted under /store):
  GET  /users/{id}
  PUT  /users
  GET  /credits?userId=&key=
  POST /transactions                         action "add"
  GET  /transactions?userId=&idempotencyKey=
  GET  /user_lots/{id}
  POST /user_lots                            action "updateLastEarning"

  Every failure answers recordstore.Result with the wire error code, so
  the client restores the same sentinel error the local store returned.

SEE ALSO:
  - recordstore/protocol.go: wire types and error codes
  - recordstore/client.go: the other side
*/
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/AzimPower/investpro-sub001/recordstore"
	"github.com/AzimPower/investpro-sub001/settlement"
)

// StoreRoutes mounts the record store protocol for a local store.
func (h *Handler) StoreRoutes(r chi.Router) {
	r.Get("/users/{id}", h.storeGetUser)
	r.Put("/users", h.storeUpdateUser)
	r.Get("/credits", h.storeHasCredit)
	r.Post("/transactions", h.storeAppendTransaction)
	r.Get("/transactions", h.storeListTransactions)
	r.Get("/user_lots/{id}", h.storeGetLotPosition)
	r.Post("/user_lots", h.storeUpdateLastEarning)
}

// =============================================================================
// USERS
// =============================================================================

func (h *Handler) storeGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.Local.GetUser(r.Context(), settlement.UserID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeStoreError(w, "get user", err)
		return
	}
	writeJSON(w, http.StatusOK, recordstore.FromUser(u))
}

func (h *Handler) storeUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req recordstore.UpdateUserRequest
	if !decodeStoreRequest(w, r, &req) {
		return
	}
	err := h.Local.UpdateUser(r.Context(), settlement.UserUpdate{
		ID:              settlement.UserID(req.ID),
		Balance:         req.Balance,
		TotalEarned:     req.TotalEarned,
		CreditKey:       req.CreditKey,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		h.writeStoreError(w, "update user", err)
		return
	}
	writeJSON(w, http.StatusOK, recordstore.Result{Success: true})
}

func (h *Handler) storeHasCredit(w http.ResponseWriter, r *http.Request) {
	userID := settlement.UserID(r.URL.Query().Get("userId"))
	key := r.URL.Query().Get("key")
	if userID == "" || key == "" {
		writeJSON(w, http.StatusBadRequest, recordstore.Result{Error: recordstore.CodeValidation, Message: "userId and key are required"})
		return
	}
	applied, err := h.Local.HasCredit(r.Context(), userID, key)
	if err != nil {
		h.writeStoreError(w, "has credit", err)
		return
	}
	writeJSON(w, http.StatusOK, recordstore.CreditStatus{Applied: applied})
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (h *Handler) storeAppendTransaction(w http.ResponseWriter, r *http.Request) {
	var req recordstore.Transaction
	if !decodeStoreRequest(w, r, &req) {
		return
	}
	if req.Action != recordstore.ActionAdd {
		writeJSON(w, http.StatusBadRequest, recordstore.Result{
			Error:   recordstore.CodeValidation,
			Message: fmt.Sprintf("unsupported action %q", req.Action),
		})
		return
	}
	if err := h.Local.AppendTransaction(r.Context(), req.ToTransaction()); err != nil {
		h.writeStoreError(w, "append transaction", err)
		return
	}
	writeJSON(w, http.StatusCreated, recordstore.Result{Success: true})
}

func (h *Handler) storeListTransactions(w http.ResponseWriter, r *http.Request) {
	userID := settlement.UserID(r.URL.Query().Get("userId"))
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, recordstore.Result{Error: recordstore.CodeValidation, Message: "userId is required"})
		return
	}

	var txs []settlement.Transaction
	if key := r.URL.Query().Get("idempotencyKey"); key != "" {
		tx, ok, err := h.Local.FindTransactionByKey(r.Context(), userID, key)
		if err != nil {
			h.writeStoreError(w, "find transaction", err)
			return
		}
		if ok {
			txs = append(txs, tx)
		}
	} else {
		var err error
		if txs, err = h.Local.ListTransactions(r.Context(), userID); err != nil {
			h.writeStoreError(w, "list transactions", err)
			return
		}
	}

	out := make([]recordstore.Transaction, len(txs))
	for i, tx := range txs {
		out[i] = recordstore.FromTransaction(tx)
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// LOT POSITIONS
// =============================================================================

func (h *Handler) storeGetLotPosition(w http.ResponseWriter, r *http.Request) {
	p, err := h.Local.GetLotPosition(r.Context(), settlement.LotPositionID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeStoreError(w, "get lot position", err)
		return
	}
	writeJSON(w, http.StatusOK, recordstore.FromLotPosition(p))
}

func (h *Handler) storeUpdateLastEarning(w http.ResponseWriter, r *http.Request) {
	var req recordstore.UpdateLastEarningRequest
	if !decodeStoreRequest(w, r, &req) {
		return
	}
	if req.Action != recordstore.ActionUpdateLastEarning {
		writeJSON(w, http.StatusBadRequest, recordstore.Result{
			Error:   recordstore.CodeValidation,
			Message: fmt.Sprintf("unsupported action %q", req.Action),
		})
		return
	}
	day, err := settlement.ParseDay(req.LastEarningDate)
	if err != nil || day.IsZero() {
		writeJSON(w, http.StatusBadRequest, recordstore.Result{Error: recordstore.CodeValidation, Message: "invalid lastEarningDate"})
		return
	}
	expected, err := settlement.ParseDay(req.ExpectedLastEarningDate)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, recordstore.Result{Error: recordstore.CodeValidation, Message: "invalid expectedLastEarningDate"})
		return
	}

	err = h.Local.UpdateLastEarning(r.Context(), settlement.LastEarningUpdate{
		UserID:                  settlement.UserID(req.UserID),
		LotID:                   settlement.LotID(req.LotID),
		ExpectedLastEarningDate: expected,
		LastEarningDate:         day,
	})
	if err != nil {
		h.writeStoreError(w, "update last earning", err)
		return
	}
	writeJSON(w, http.StatusOK, recordstore.Result{Success: true})
}

// =============================================================================
// HELPERS
// =============================================================================

func decodeStoreRequest(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, recordstore.Result{Error: recordstore.CodeValidation, Message: err.Error()})
		return false
	}
	return true
}

func (h *Handler) writeStoreError(w http.ResponseWriter, op string, err error) {
	code, status := recordstore.ErrorCode(err)
	if status >= http.StatusInternalServerError {
		h.Log.WithError(err).WithField("op", op).Error("record store request failed")
	}
	writeJSON(w, status, recordstore.Result{Error: code, Message: err.Error()})
}
