package settlement_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AzimPower/investpro-sub001/settlement"
	"github.com/AzimPower/investpro-sub001/settlement/store"
)

func TestBalanceUpdater_ApplyDelta(t *testing.T) {
	m := store.NewMemory()
	m.PutUser(settlement.User{ID: "U", Balance: money("10")})
	b := settlement.NewBalanceUpdater(m)
	ctx := context.Background()

	require.NoError(t, b.ApplyDelta(ctx, "U", money("5"), money("5"), "k1"))

	u, err := m.GetUser(ctx, "U")
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(money("15")))
	assert.True(t, u.TotalEarned.Equal(money("5")))
	assert.Equal(t, int64(1), u.Version)

	applied, err := m.HasCredit(ctx, "U", "k1")
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestBalanceUpdater_SameKeyAppliesOnce(t *testing.T) {
	m := store.NewMemory()
	m.PutUser(settlement.User{ID: "U"})
	b := settlement.NewBalanceUpdater(m)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.ApplyDelta(ctx, "U", money("5"), money("5"), "k1"))
	}
	assert.True(t, balanceOf(t, m, "U").Equal(money("5")))
	assert.Equal(t, 1, m.Calls(store.OpUpdateUser))

	applied, err := b.IsApplied(ctx, "U", "k1")
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestBalanceUpdater_InsufficientBalance(t *testing.T) {
	m := store.NewMemory()
	m.PutUser(settlement.User{ID: "U", Balance: money("3")})
	b := settlement.NewBalanceUpdater(m)

	err := b.ApplyDelta(context.Background(), "U", money("-5"), money("0"), "")
	assert.ErrorIs(t, err, settlement.ErrInsufficientBalance)
	assert.True(t, balanceOf(t, m, "U").Equal(money("3")))
}

func TestBalanceUpdater_UnknownUser(t *testing.T) {
	b := settlement.NewBalanceUpdater(store.NewMemory())
	err := b.ApplyDelta(context.Background(), "ghost", money("1"), money("1"), "k")
	assert.ErrorIs(t, err, settlement.ErrUserNotFound)
}

func TestBalanceUpdater_ConcurrentCreditsSumExactly(t *testing.T) {
	// GIVEN: 50 concurrent credits of 0.01 to one user
	m := store.NewMemory()
	m.PutUser(settlement.User{ID: "U"})
	b := settlement.NewBalanceUpdater(m)
	b.ConflictRetries = 1000

	var wg sync.WaitGroup
	errs := make([]error, 50)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = b.ApplyDelta(context.Background(), "U", money("0.01"), money("0.01"), fmt.Sprintf("k%d", i))
		}(i)
	}
	wg.Wait()

	// THEN: no update is lost
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.True(t, balanceOf(t, m, "U").Equal(money("0.50")))
}

func TestBalanceUpdater_ConflictRetriesExhausted(t *testing.T) {
	m := store.NewMemory()
	m.PutUser(settlement.User{ID: "U"})
	b := settlement.NewBalanceUpdater(m)
	b.ConflictRetries = 2

	// Every read is followed by a competing write, so every update conflicts.
	m.OnCall(func(op store.Op) {
		if op == store.OpUpdateUser {
			m.PutUser(settlement.User{ID: "U", Version: int64(m.Calls(store.OpUpdateUser) + 100)})
		}
	})

	err := b.ApplyDelta(context.Background(), "U", money("1"), money("1"), "k")
	assert.ErrorIs(t, err, settlement.ErrConcurrentModification)
	assert.Equal(t, 3, m.Calls(store.OpUpdateUser))
}

func TestBalanceUpdater_OldCreditsStayApplied(t *testing.T) {
	// GIVEN: a sponsor credited by many downlines
	m := store.NewMemory()
	m.PutUser(settlement.User{ID: "S1"})
	b := settlement.NewBalanceUpdater(m)
	ctx := context.Background()

	for i := 0; i < 500; i++ {
		require.NoError(t, b.ApplyDelta(ctx, "S1", money("1"), money("1"), fmt.Sprintf("k%d", i)))
	}

	// WHEN: the first credit is replayed
	require.NoError(t, b.ApplyDelta(ctx, "S1", money("1"), money("1"), "k0"))

	// THEN: it is still recognized
	assert.True(t, balanceOf(t, m, "S1").Equal(money("500")))
	applied, err := b.IsApplied(ctx, "S1", "k0")
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestBalanceUpdater_LostAckNotReapplied(t *testing.T) {
	m := store.NewMemory()
	m.PutUser(settlement.User{ID: "U"})
	b := settlement.NewBalanceUpdater(m)
	ctx := context.Background()

	m.LoseAckNext(store.OpUpdateUser, 1)
	err := b.ApplyDelta(ctx, "U", money("5"), money("5"), "k1")
	assert.ErrorIs(t, err, settlement.ErrStoreUnavailable)

	require.NoError(t, b.ApplyDelta(ctx, "U", money("5"), money("5"), "k1"))
	assert.True(t, balanceOf(t, m, "U").Equal(money("5")))
}

func TestBalanceUpdater_RacingSameCreditAppliesOnce(t *testing.T) {
	// GIVEN: another writer applies the same credit between our read and write
	m := store.NewMemory()
	m.PutUser(settlement.User{ID: "U"})
	b := settlement.NewBalanceUpdater(m)
	ctx := context.Background()

	raced := false
	m.OnCall(func(op store.Op) {
		if op != store.OpUpdateUser || raced {
			return
		}
		raced = true
		require.NoError(t, m.UpdateUser(ctx, settlement.UserUpdate{
			ID: "U", Balance: money("5"), TotalEarned: money("5"), CreditKey: "k1",
		}))
	})

	// WHEN / THEN: the store rejects the second application and it counts as done
	require.NoError(t, b.ApplyDelta(ctx, "U", money("5"), money("5"), "k1"))
	assert.True(t, balanceOf(t, m, "U").Equal(money("5")))
	assert.Equal(t, 2, m.Calls(store.OpUpdateUser))
}
