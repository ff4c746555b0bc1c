/*
store.go - Persistence interfaces the engine depends on

PURPOSE:
  The engine reaches its data through a key-addressed record store with no
  multi-row transactions. Every method is independently durable once it
  returns nil, and must be assumed not durable when it returns an error.

KEY INTERFACES:
  RecordStore:  users, ledger transactions, lot positions
  PendingStore: cascades queued for background retry
  Locker:       per-key mutual exclusion (lock.go)

CONDITIONAL WRITES:
  There is no atomic increment. Instead:
  - UpdateUser is rejected unless ExpectedVersion matches the stored version
  - UpdateLastEarning is rejected unless ExpectedLastEarningDate matches
  - AppendTransaction is rejected if the idempotency key already exists
  - UpdateUser is rejected if its CreditKey was already applied
  All of them return ErrConcurrentModification or ErrDuplicateIdempotencyKey,
  which is what makes the claim state machine safe to replay.

IMPLEMENTATIONS:
  - settlement/store/memory.go: in-memory, with fault injection for tests
  - store/sqlite/sqlite.go: local SQLite
  - recordstore/client.go: remote store over HTTP

SEE ALSO:
  - ledger.go, balance.go: the only writers
*/
package settlement

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RECORD STORE
// =============================================================================

type RecordStore interface {
	// GetUser returns ErrUserNotFound when the user does not exist.
	GetUser(ctx context.Context, id UserID) (User, error)

	// UpdateUser writes balance fields conditionally on ExpectedVersion and
	// bumps the stored version. A non-empty CreditKey is added to the user's
	// applied credits in the same write; if it is already there nothing is
	// written and ErrDuplicateIdempotencyKey is returned.
	UpdateUser(ctx context.Context, u UserUpdate) error

	// HasCredit reports whether a balance credit with key was applied to
	// the user. Applied credits are never dropped.
	HasCredit(ctx context.Context, userID UserID, key string) (bool, error)

	// AppendTransaction creates a transaction. APPEND-ONLY: there is no
	// update or delete. Returns ErrDuplicateIdempotencyKey if the key exists.
	AppendTransaction(ctx context.Context, tx Transaction) error

	// FindTransactionByKey looks up a user's transaction by idempotency key.
	FindTransactionByKey(ctx context.Context, userID UserID, key string) (Transaction, bool, error)

	// ListTransactions returns a user's transactions ordered by creation time.
	ListTransactions(ctx context.Context, userID UserID) ([]Transaction, error)

	// GetLotPosition returns ErrLotPositionNotFound when the position does not exist.
	GetLotPosition(ctx context.Context, id LotPositionID) (LotPosition, error)

	// UpdateLastEarning advances a position's claim date conditionally on
	// ExpectedLastEarningDate.
	UpdateLastEarning(ctx context.Context, u LastEarningUpdate) error
}

type UserUpdate struct {
	ID              UserID
	Balance         decimal.Decimal
	TotalEarned     decimal.Decimal
	CreditKey       string
	ExpectedVersion int64
}

type LastEarningUpdate struct {
	UserID                  UserID
	LotID                   LotID
	ExpectedLastEarningDate Day // zero means "never claimed"
	LastEarningDate         Day
}

// =============================================================================
// PENDING STORE - Background retry queue
// =============================================================================

type PendingStore interface {
	// EnqueuePending records a cascade for retry. Enqueueing the same source
	// transaction again reopens the existing entry instead of adding one.
	EnqueuePending(ctx context.Context, p PendingCascade) error

	// ListPending returns unresolved entries, oldest first.
	ListPending(ctx context.Context, limit int) ([]PendingCascade, error)

	// ResolvePending marks an entry as done.
	ResolvePending(ctx context.Context, id string) error

	// RecordPendingAttempt bumps the attempt count and stores the last error.
	RecordPendingAttempt(ctx context.Context, id string, lastErr string) error
}
