/*
ledger.go - Append-only transaction writer

PURPOSE:
  The ledger is the source of truth for money movement. User.Balance and
  User.TotalEarned are caches that must equal the sum of approved
  transactions. LedgerWriter is the only component that writes to it.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: earning and commission entries are created, never updated
  2. IMMUTABLE: approved entries are never mutated or deleted
  3. IDEMPOTENT: the same key never produces a second transaction

RETRIES:
  The writer does not retry. Duplicate detection lives in the coordinator,
  which looks a key up before appending and treats
  ErrDuplicateIdempotencyKey as "already written".

SEE ALSO:
  - store.go: RecordStore.AppendTransaction
  - keys.go: deterministic idempotency keys
*/
package settlement

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LedgerEntry is the input to AppendTransaction.
type LedgerEntry struct {
	UserID         UserID
	Type           TransactionType
	Amount         decimal.Decimal
	Status         TransactionStatus
	LotID          LotID
	Description    string
	IdempotencyKey string
}

type LedgerWriter struct {
	Store RecordStore
	Clock Clock

	// NewID generates transaction ids. Defaults to random UUIDs.
	NewID func() TransactionID
}

func NewLedgerWriter(store RecordStore, clock Clock) *LedgerWriter {
	if clock == nil {
		clock = SystemClock{}
	}
	return &LedgerWriter{
		Store: store,
		Clock: clock,
		NewID: func() TransactionID { return TransactionID(uuid.NewString()) },
	}
}

// AppendTransaction validates and creates a new transaction.
// Fails with ErrValidationFailed on bad input and passes store errors
// (ErrStoreUnavailable, ErrDuplicateIdempotencyKey) through unchanged.
func (w *LedgerWriter) AppendTransaction(ctx context.Context, entry LedgerEntry) (Transaction, error) {
	if err := validateEntry(entry); err != nil {
		return Transaction{}, err
	}

	status := entry.Status
	if status == "" {
		status = StatusApproved
	}

	tx := Transaction{
		ID:             w.NewID(),
		UserID:         entry.UserID,
		Type:           entry.Type,
		Amount:         entry.Amount,
		Status:         status,
		LotID:          entry.LotID,
		Description:    entry.Description,
		IdempotencyKey: entry.IdempotencyKey,
		CreatedAt:      w.Clock.Now().UTC(),
	}
	if err := w.Store.AppendTransaction(ctx, tx); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

// Find returns the transaction written for a key, if any.
func (w *LedgerWriter) Find(ctx context.Context, userID UserID, key string) (Transaction, bool, error) {
	return w.Store.FindTransactionByKey(ctx, userID, key)
}

func validateEntry(e LedgerEntry) error {
	if !e.Amount.IsPositive() {
		return fmt.Errorf("%w: got %s", ErrInvalidAmount, e.Amount)
	}
	if e.UserID == "" {
		return fmt.Errorf("%w: user id required", ErrValidationFailed)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown transaction type %q", ErrValidationFailed, e.Type)
	}
	if e.Status != "" && !e.Status.Valid() {
		return fmt.Errorf("%w: unknown transaction status %q", ErrValidationFailed, e.Status)
	}
	switch e.Type {
	case TxEarning:
		if e.LotID == "" {
			return fmt.Errorf("%w: earning requires lot id", ErrValidationFailed)
		}
		if e.IdempotencyKey == "" {
			return fmt.Errorf("%w: earning requires idempotency key", ErrValidationFailed)
		}
	case TxCommission:
		if e.IdempotencyKey == "" {
			return fmt.Errorf("%w: commission requires idempotency key", ErrValidationFailed)
		}
	}
	return nil
}
