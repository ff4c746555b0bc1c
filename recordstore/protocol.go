/*
Package recordstore speaks the record store protocol.

PURPOSE:
  The settlement engine's only external boundary is a request/response
  record store holding users, transactions and lot positions. This package
  defines the JSON wire format and an HTTP client that satisfies
  settlement.RecordStore. The api package serves the same protocol from a
  local store, so one instance can act as the record store of another.

ENDPOINTS:
  GET  /users/{id}                          -> User
  PUT  /users                               {id, balance, totalEarned, creditKey, expectedVersion}
  GET  /credits?userId=&key=                -> {applied}
  POST /transactions                        {action:"add", id, userId, type, amount, status, ...}
  GET  /transactions?userId=&idempotencyKey= -> []Transaction
  GET  /user_lots/{id}                      -> LotPosition
  POST /user_lots                           {action:"updateLastEarning", userId, lotId, lastEarningDate, expectedLastEarningDate}

  Writes answer {success, error?, message?}. Failures carry an error code
  (see the constants below) so the client can restore the sentinel error.

SEE ALSO:
  - client.go: HTTP client
  - api/store_handlers.go: server side
*/
package recordstore

import (
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/AzimPower/investpro-sub001/settlement"
)

// Actions carried in POST bodies.
const (
	ActionAdd               = "add"
	ActionUpdateLastEarning = "updateLastEarning"
)

// Error codes carried in Result.Error.
const (
	CodeValidation             = "validation_failed"
	CodeUserNotFound           = "user_not_found"
	CodeLotPositionNotFound    = "lot_position_not_found"
	CodeConcurrentModification = "concurrent_modification"
	CodeDuplicateKey           = "duplicate_idempotency_key"
	CodeUnavailable            = "store_unavailable"
	CodeInternal               = "internal_error"
)

// =============================================================================
// WIRE TYPES
// =============================================================================

type User struct {
	ID            string          `json:"id"`
	Balance       decimal.Decimal `json:"balance"`
	TotalEarned   decimal.Decimal `json:"totalEarned"`
	ReferredBy    string          `json:"referredBy,omitempty"`
	AccountStatus string          `json:"accountStatus,omitempty"`
	Version       int64           `json:"version"`
}

// UpdateUserRequest writes a balance. CreditKey, when set, is recorded in
// the same write and rejected as a duplicate if already applied.
type UpdateUserRequest struct {
	ID              string          `json:"id"`
	Balance         decimal.Decimal `json:"balance"`
	TotalEarned     decimal.Decimal `json:"totalEarned"`
	CreditKey       string          `json:"creditKey,omitempty"`
	ExpectedVersion int64           `json:"expectedVersion"`
}

type CreditStatus struct {
	Applied bool `json:"applied"`
}

type Transaction struct {
	Action         string          `json:"action,omitempty"`
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	Type           string          `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	Status         string          `json:"status"`
	Description    string          `json:"description,omitempty"`
	LotID          string          `json:"lotId,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

type LotPosition struct {
	ID              string `json:"id"`
	UserID          string `json:"userId"`
	LotID           string `json:"lotId"`
	Active          bool   `json:"active"`
	LastEarningDate string `json:"lastEarningDate,omitempty"`
}

type UpdateLastEarningRequest struct {
	Action                  string `json:"action"`
	UserID                  string `json:"userId"`
	LotID                   string `json:"lotId"`
	LastEarningDate         string `json:"lastEarningDate"`
	ExpectedLastEarningDate string `json:"expectedLastEarningDate"`
}

// Result is the body of every write response and of every error.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func FromUser(u settlement.User) User {
	return User{
		ID:            string(u.ID),
		Balance:       u.Balance,
		TotalEarned:   u.TotalEarned,
		ReferredBy:    string(u.ReferredBy),
		AccountStatus: u.AccountStatus,
		Version:       u.Version,
	}
}

func (u User) ToUser() settlement.User {
	return settlement.User{
		ID:            settlement.UserID(u.ID),
		Balance:       u.Balance,
		TotalEarned:   u.TotalEarned,
		ReferredBy:    settlement.UserID(u.ReferredBy),
		AccountStatus: u.AccountStatus,
		Version:       u.Version,
	}
}

func FromTransaction(tx settlement.Transaction) Transaction {
	return Transaction{
		ID:             string(tx.ID),
		UserID:         string(tx.UserID),
		Type:           string(tx.Type),
		Amount:         tx.Amount,
		Status:         string(tx.Status),
		Description:    tx.Description,
		LotID:          string(tx.LotID),
		IdempotencyKey: tx.IdempotencyKey,
		CreatedAt:      tx.CreatedAt,
	}
}

func (t Transaction) ToTransaction() settlement.Transaction {
	return settlement.Transaction{
		ID:             settlement.TransactionID(t.ID),
		UserID:         settlement.UserID(t.UserID),
		Type:           settlement.TransactionType(t.Type),
		Amount:         t.Amount,
		Status:         settlement.TransactionStatus(t.Status),
		Description:    t.Description,
		LotID:          settlement.LotID(t.LotID),
		IdempotencyKey: t.IdempotencyKey,
		CreatedAt:      t.CreatedAt,
	}
}

func FromLotPosition(p settlement.LotPosition) LotPosition {
	return LotPosition{
		ID:              string(p.ID),
		UserID:          string(p.UserID),
		LotID:           string(p.LotID),
		Active:          p.Active,
		LastEarningDate: p.LastEarningDate.String(),
	}
}

func (p LotPosition) ToLotPosition() (settlement.LotPosition, error) {
	day, err := settlement.ParseDay(p.LastEarningDate)
	if err != nil {
		return settlement.LotPosition{}, err
	}
	return settlement.LotPosition{
		ID:              settlement.LotPositionID(p.ID),
		UserID:          settlement.UserID(p.UserID),
		LotID:           settlement.LotID(p.LotID),
		Active:          p.Active,
		LastEarningDate: day,
	}, nil
}

// =============================================================================
// ERROR CODES
// =============================================================================

// ErrorCode maps a store error to its wire code and HTTP status.
func ErrorCode(err error) (string, int) {
	switch {
	case errors.Is(err, settlement.ErrUserNotFound):
		return CodeUserNotFound, http.StatusNotFound
	case errors.Is(err, settlement.ErrLotPositionNotFound):
		return CodeLotPositionNotFound, http.StatusNotFound
	case errors.Is(err, settlement.ErrConcurrentModification):
		return CodeConcurrentModification, http.StatusConflict
	case errors.Is(err, settlement.ErrDuplicateIdempotencyKey):
		return CodeDuplicateKey, http.StatusConflict
	case errors.Is(err, settlement.ErrValidationFailed):
		return CodeValidation, http.StatusBadRequest
	case errors.Is(err, settlement.ErrStoreUnavailable):
		return CodeUnavailable, http.StatusServiceUnavailable
	}
	return CodeInternal, http.StatusInternalServerError
}

// codeError restores the sentinel for a wire code. Unknown codes and
// server-side failures count as unavailable: the write may have landed.
func codeError(code string) error {
	switch code {
	case CodeUserNotFound:
		return settlement.ErrUserNotFound
	case CodeLotPositionNotFound:
		return settlement.ErrLotPositionNotFound
	case CodeConcurrentModification:
		return settlement.ErrConcurrentModification
	case CodeDuplicateKey:
		return settlement.ErrDuplicateIdempotencyKey
	case CodeValidation:
		return settlement.ErrValidationFailed
	}
	return settlement.ErrStoreUnavailable
}
