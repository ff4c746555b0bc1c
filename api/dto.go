/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures of the /api surface. The record store
  protocol under /store uses the wire types of the recordstore package
  instead, so both sides of that protocol share one definition.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

AMOUNTS:
  Money is carried as decimal.Decimal, which marshals to a JSON string
  ("1000.00") and accepts both strings and numbers on input.

SEE ALSO:
  - handlers.go: Uses these types
  - recordstore/protocol.go: record store wire types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/AzimPower/investpro-sub001/settlement"
)

// =============================================================================
// CLAIMS
// =============================================================================

// ClaimRequest is the body of POST /api/claims.
type ClaimRequest struct {
	UserID        string          `json:"userId"`
	LotPositionID string          `json:"lotPositionId"`
	Amount        decimal.Decimal `json:"amount"`
}

// ClaimResponse reports a settled (or partially settled) claim.
type ClaimResponse struct {
	Stage                string          `json:"stage"`
	ClaimDay             string          `json:"claimDay"`
	UserID               string          `json:"userId"`
	LotPositionID        string          `json:"lotPositionId"`
	Amount               decimal.Decimal `json:"amount"`
	EarningTransactionID string          `json:"earningTransactionId"`
	Resumed              bool            `json:"resumed"`
	Commissions          []CommissionDTO `json:"commissions"`
	CommissionsPending   bool            `json:"commissionsPending"`
	PendingReason        string          `json:"pendingReason,omitempty"`
}

type CommissionDTO struct {
	RecipientID   string          `json:"recipientId"`
	Level         int             `json:"level"`
	Amount        decimal.Decimal `json:"amount"`
	Status        string          `json:"status"`
	TransactionID string          `json:"transactionId,omitempty"`
	Error         string          `json:"error,omitempty"`
}

func toClaimResponse(res *settlement.ClaimResult) ClaimResponse {
	resp := ClaimResponse{
		Stage:                string(res.Stage),
		ClaimDay:             res.ClaimDay.String(),
		UserID:               string(res.UserID),
		LotPositionID:        string(res.LotPositionID),
		Amount:               res.Amount,
		EarningTransactionID: string(res.EarningTransactionID),
		Resumed:              res.Resumed,
		Commissions:          make([]CommissionDTO, 0, len(res.Commissions)),
		CommissionsPending:   res.CommissionsPending(),
	}
	for _, c := range res.Commissions {
		dto := CommissionDTO{
			RecipientID:   string(c.RecipientID),
			Level:         c.Level,
			Amount:        c.Amount,
			Status:        c.Status,
			TransactionID: string(c.TransactionID),
		}
		if c.Err != nil {
			dto.Error = c.Err.Error()
		}
		resp.Commissions = append(resp.Commissions, dto)
	}
	if res.Partial != nil {
		resp.PendingReason = res.Partial.Error()
	}
	return resp
}

// =============================================================================
// USERS AND LEDGER
// =============================================================================

type UserDTO struct {
	ID            string          `json:"id"`
	Balance       decimal.Decimal `json:"balance"`
	TotalEarned   decimal.Decimal `json:"totalEarned"`
	ReferredBy    string          `json:"referredBy,omitempty"`
	AccountStatus string          `json:"accountStatus"`
}

type TransactionDTO struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	Status         string          `json:"status"`
	Description    string          `json:"description,omitempty"`
	LotID          string          `json:"lotId,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	CreatedAt      string          `json:"createdAt"`
}

type AuditDTO struct {
	UserID        string          `json:"userId"`
	Balance       decimal.Decimal `json:"balance"`
	LedgerBalance decimal.Decimal `json:"ledgerBalance"`
	Difference    decimal.Decimal `json:"difference"`
	Transactions  int             `json:"transactions"`
	Consistent    bool            `json:"consistent"`
}

func toUserDTO(u settlement.User) UserDTO {
	return UserDTO{
		ID:            string(u.ID),
		Balance:       u.Balance,
		TotalEarned:   u.TotalEarned,
		ReferredBy:    string(u.ReferredBy),
		AccountStatus: u.AccountStatus,
	}
}

func toTransactionDTOs(txs []settlement.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = TransactionDTO{
			ID:             string(tx.ID),
			Type:           string(tx.Type),
			Amount:         tx.Amount,
			Status:         string(tx.Status),
			Description:    tx.Description,
			LotID:          string(tx.LotID),
			IdempotencyKey: tx.IdempotencyKey,
			CreatedAt:      tx.CreatedAt.Format(time.RFC3339),
		}
	}
	return dtos
}

// =============================================================================
// ADMIN
// =============================================================================

type PendingCascadeDTO struct {
	ID                  string          `json:"id"`
	SourceTransactionID string          `json:"sourceTransactionId"`
	UserID              string          `json:"userId"`
	LotPositionID       string          `json:"lotPositionId"`
	Amount              decimal.Decimal `json:"amount"`
	ClaimDay            string          `json:"claimDay"`
	Attempts            int             `json:"attempts"`
	LastError           string          `json:"lastError,omitempty"`
	CreatedAt           string          `json:"createdAt"`
}

// RetryRequest is the optional body of POST /api/admin/commissions/retry.
type RetryRequest struct {
	Limit int `json:"limit"`
}

type RetrySummaryDTO struct {
	Attempted    int `json:"attempted"`
	Resolved     int `json:"resolved"`
	StillPending int `json:"stillPending"`
}

func toPendingDTOs(ps []settlement.PendingCascade) []PendingCascadeDTO {
	dtos := make([]PendingCascadeDTO, len(ps))
	for i, p := range ps {
		dtos[i] = PendingCascadeDTO{
			ID:                  p.ID,
			SourceTransactionID: string(p.SourceTransactionID),
			UserID:              string(p.UserID),
			LotPositionID:       string(p.LotPositionID),
			Amount:              p.Amount,
			ClaimDay:            p.ClaimDay.String(),
			Attempts:            p.Attempts,
			LastError:           p.LastError,
			CreatedAt:           p.CreatedAt.Format(time.RFC3339),
		}
	}
	return dtos
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the body of every error answer on /api.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
