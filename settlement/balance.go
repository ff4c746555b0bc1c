package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const DefaultConflictRetries = 8

// BalanceUpdater applies deltas to User.Balance and User.TotalEarned.
//
// The store has no atomic increment, so this is a read-modify-write guarded
// by the user's Version: a write that lost a race comes back with
// ErrConcurrentModification and is redone from a fresh read. Each credit
// carries an idempotency key the store records in the same write, which
// makes ApplyDelta a no-op when replayed.
type BalanceUpdater struct {
	Store RecordStore

	// ConflictRetries bounds re-reads after ErrConcurrentModification.
	ConflictRetries int
}

func NewBalanceUpdater(store RecordStore) *BalanceUpdater {
	return &BalanceUpdater{
		Store:           store,
		ConflictRetries: DefaultConflictRetries,
	}
}

// ApplyDelta adds balanceDelta and totalEarnedDelta to the user. A non-empty
// key that was already applied makes this a no-op. Fails with
// ErrUserNotFound, ErrStoreUnavailable, ErrInsufficientBalance, or
// ErrConcurrentModification once the conflict retries run out.
func (b *BalanceUpdater) ApplyDelta(ctx context.Context, userID UserID, balanceDelta, totalEarnedDelta decimal.Decimal, key string) error {
	var err error
	for attempt := 0; attempt <= b.ConflictRetries; attempt++ {
		err = b.applyOnce(ctx, userID, balanceDelta, totalEarnedDelta, key)
		if err == nil || !isConflict(err) {
			return err
		}
	}
	return err
}

// IsApplied reports whether the credit with key is recorded on the user.
func (b *BalanceUpdater) IsApplied(ctx context.Context, userID UserID, key string) (bool, error) {
	return b.Store.HasCredit(ctx, userID, key)
}

func (b *BalanceUpdater) applyOnce(ctx context.Context, userID UserID, balanceDelta, totalEarnedDelta decimal.Decimal, key string) error {
	u, err := b.Store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if key != "" {
		applied, err := b.Store.HasCredit(ctx, userID, key)
		if err != nil {
			return err
		}
		if applied {
			return nil
		}
	}

	newBalance := u.Balance.Add(balanceDelta)
	if newBalance.IsNegative() {
		return fmt.Errorf("%w: user %s balance %s, delta %s", ErrInsufficientBalance, userID, u.Balance, balanceDelta)
	}

	err = b.Store.UpdateUser(ctx, UserUpdate{
		ID:              userID,
		Balance:         newBalance,
		TotalEarned:     u.TotalEarned.Add(totalEarnedDelta),
		CreditKey:       key,
		ExpectedVersion: u.Version,
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		// applied by a write that raced ours or whose ack was lost
		return nil
	}
	return err
}

func isConflict(err error) bool {
	return err != nil && errors.Is(err, ErrConcurrentModification)
}
