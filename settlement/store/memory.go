// Package store provides in-memory RecordStore and PendingStore implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AzimPower/investpro-sub001/settlement"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Op names a store operation for fault injection.
type Op string

const (
	OpGetUser              Op = "GetUser"
	OpUpdateUser           Op = "UpdateUser"
	OpHasCredit            Op = "HasCredit"
	OpAppendTransaction    Op = "AppendTransaction"
	OpFindTransactionByKey Op = "FindTransactionByKey"
	OpListTransactions     Op = "ListTransactions"
	OpGetLotPosition       Op = "GetLotPosition"
	OpUpdateLastEarning    Op = "UpdateLastEarning"
	OpEnqueuePending       Op = "EnqueuePending"
)

var (
	_ settlement.RecordStore  = (*Memory)(nil)
	_ settlement.PendingStore = (*Memory)(nil)
)

type Memory struct {
	mu           sync.RWMutex
	users        map[settlement.UserID]settlement.User
	credits      map[settlement.UserID]map[string]struct{}
	positions    map[settlement.LotPositionID]settlement.LotPosition
	transactions map[settlement.UserID][]settlement.Transaction
	idempotency  map[string]settlement.TransactionID
	pending      map[string]settlement.PendingCascade

	faults     map[Op]int // fail before the effect
	lostAcks   map[Op]int // apply the effect, then fail
	calls      map[Op]int
	beforeHook func(op Op)
}

func NewMemory() *Memory {
	return &Memory{
		users:        make(map[settlement.UserID]settlement.User),
		credits:      make(map[settlement.UserID]map[string]struct{}),
		positions:    make(map[settlement.LotPositionID]settlement.LotPosition),
		transactions: make(map[settlement.UserID][]settlement.Transaction),
		idempotency:  make(map[string]settlement.TransactionID),
		pending:      make(map[string]settlement.PendingCascade),
		faults:       make(map[Op]int),
		lostAcks:     make(map[Op]int),
		calls:        make(map[Op]int),
	}
}

// =============================================================================
// FAULT INJECTION
// =============================================================================

// FailNext makes the next n calls of op fail with ErrStoreUnavailable
// without touching state.
func (m *Memory) FailNext(op Op, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = n
}

// LoseAckNext makes the next n calls of op apply their write and then
// report ErrStoreUnavailable, as a timeout after a durable write would.
func (m *Memory) LoseAckNext(op Op, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lostAcks[op] = n
}

// Calls returns how many times op was invoked.
func (m *Memory) Calls(op Op) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

// OnCall registers a hook run (outside the store lock) before every call.
func (m *Memory) OnCall(hook func(op Op)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beforeHook = hook
}

func (m *Memory) enter(op Op) error {
	m.mu.RLock()
	hook := m.beforeHook
	m.mu.RUnlock()
	if hook != nil {
		hook(op)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[op]++
	if m.faults[op] > 0 {
		m.faults[op]--
		return fmt.Errorf("%w: injected failure in %s", settlement.ErrStoreUnavailable, op)
	}
	return nil
}

// ackLost reports whether the write that just landed should be reported as failed.
func (m *Memory) ackLost(op Op) error {
	if m.lostAcks[op] > 0 {
		m.lostAcks[op]--
		return fmt.Errorf("%w: injected lost ack in %s", settlement.ErrStoreUnavailable, op)
	}
	return nil
}

// =============================================================================
// SEEDING (account and purchase flows live elsewhere)
// =============================================================================

func (m *Memory) PutUser(u settlement.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *Memory) PutLotPosition(p settlement.LotPosition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[p.ID] = p
}

// SaveUser and SaveLotPosition match the sqlite store so either can back
// the HTTP record store and the demo scenarios.
func (m *Memory) SaveUser(_ context.Context, u settlement.User) error {
	if u.ID == "" {
		return fmt.Errorf("%w: user id is required", settlement.ErrValidationFailed)
	}
	if u.AccountStatus == "" {
		u.AccountStatus = "active"
	}
	m.PutUser(u)
	return nil
}

func (m *Memory) SaveLotPosition(_ context.Context, p settlement.LotPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.positions {
		if id != p.ID && existing.UserID == p.UserID && existing.LotID == p.LotID {
			return fmt.Errorf("%w: user %s already holds lot %s", settlement.ErrValidationFailed, p.UserID, p.LotID)
		}
	}
	m.positions[p.ID] = p
	return nil
}

func (m *Memory) ListUsers(_ context.Context) ([]settlement.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]settlement.User, 0, len(m.users))
	for _, u := range m.users {
		result = append(result, u)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Reset clears all records. Fault injection state is kept.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = make(map[settlement.UserID]settlement.User)
	m.credits = make(map[settlement.UserID]map[string]struct{})
	m.positions = make(map[settlement.LotPositionID]settlement.LotPosition)
	m.transactions = make(map[settlement.UserID][]settlement.Transaction)
	m.idempotency = make(map[string]settlement.TransactionID)
	m.pending = make(map[string]settlement.PendingCascade)
	return nil
}

// =============================================================================
// RECORD STORE
// =============================================================================

func (m *Memory) GetUser(_ context.Context, id settlement.UserID) (settlement.User, error) {
	if err := m.enter(OpGetUser); err != nil {
		return settlement.User{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return settlement.User{}, fmt.Errorf("%w: %s", settlement.ErrUserNotFound, id)
	}
	return u, nil
}

func (m *Memory) UpdateUser(_ context.Context, upd settlement.UserUpdate) error {
	if err := m.enter(OpUpdateUser); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[upd.ID]
	if !ok {
		return fmt.Errorf("%w: %s", settlement.ErrUserNotFound, upd.ID)
	}
	if _, dup := m.credits[upd.ID][upd.CreditKey]; upd.CreditKey != "" && dup {
		return fmt.Errorf("%w: credit %s already applied to %s",
			settlement.ErrDuplicateIdempotencyKey, upd.CreditKey, upd.ID)
	}
	if u.Version != upd.ExpectedVersion {
		return fmt.Errorf("%w: user %s at version %d, expected %d",
			settlement.ErrConcurrentModification, upd.ID, u.Version, upd.ExpectedVersion)
	}
	u.Balance = upd.Balance
	u.TotalEarned = upd.TotalEarned
	u.Version++
	m.users[upd.ID] = u
	if upd.CreditKey != "" {
		if m.credits[upd.ID] == nil {
			m.credits[upd.ID] = make(map[string]struct{})
		}
		m.credits[upd.ID][upd.CreditKey] = struct{}{}
	}
	return m.ackLost(OpUpdateUser)
}

func (m *Memory) HasCredit(_ context.Context, userID settlement.UserID, key string) (bool, error) {
	if err := m.enter(OpHasCredit); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.credits[userID][key]
	return ok, nil
}

// AppendTransaction adds a single transaction. Append-only.
func (m *Memory) AppendTransaction(_ context.Context, tx settlement.Transaction) error {
	if err := m.enter(OpAppendTransaction); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.IdempotencyKey != "" {
		if _, exists := m.idempotency[tx.IdempotencyKey]; exists {
			return settlement.ErrDuplicateIdempotencyKey
		}
		m.idempotency[tx.IdempotencyKey] = tx.ID
	}
	m.transactions[tx.UserID] = append(m.transactions[tx.UserID], tx)
	return m.ackLost(OpAppendTransaction)
}

func (m *Memory) FindTransactionByKey(_ context.Context, userID settlement.UserID, key string) (settlement.Transaction, bool, error) {
	if err := m.enter(OpFindTransactionByKey); err != nil {
		return settlement.Transaction{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, tx := range m.transactions[userID] {
		if tx.IdempotencyKey == key {
			return tx, true, nil
		}
	}
	return settlement.Transaction{}, false, nil
}

func (m *Memory) ListTransactions(_ context.Context, userID settlement.UserID) ([]settlement.Transaction, error) {
	if err := m.enter(OpListTransactions); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]settlement.Transaction, len(m.transactions[userID]))
	copy(result, m.transactions[userID])
	return result, nil
}

func (m *Memory) GetLotPosition(_ context.Context, id settlement.LotPositionID) (settlement.LotPosition, error) {
	if err := m.enter(OpGetLotPosition); err != nil {
		return settlement.LotPosition{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.positions[id]
	if !ok {
		return settlement.LotPosition{}, fmt.Errorf("%w: %s", settlement.ErrLotPositionNotFound, id)
	}
	return p, nil
}

func (m *Memory) UpdateLastEarning(_ context.Context, upd settlement.LastEarningUpdate) error {
	if err := m.enter(OpUpdateLastEarning); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, p := range m.positions {
		if p.UserID != upd.UserID || p.LotID != upd.LotID {
			continue
		}
		if !p.LastEarningDate.Equal(upd.ExpectedLastEarningDate) {
			return fmt.Errorf("%w: position %s last earning %s, expected %s",
				settlement.ErrConcurrentModification, id, p.LastEarningDate, upd.ExpectedLastEarningDate)
		}
		p.LastEarningDate = upd.LastEarningDate
		m.positions[id] = p
		return m.ackLost(OpUpdateLastEarning)
	}
	return fmt.Errorf("%w: user %s lot %s", settlement.ErrLotPositionNotFound, upd.UserID, upd.LotID)
}

// =============================================================================
// PENDING STORE
// =============================================================================

func (m *Memory) EnqueuePending(_ context.Context, p settlement.PendingCascade) error {
	if err := m.enter(OpEnqueuePending); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, existing := range m.pending {
		if existing.SourceTransactionID == p.SourceTransactionID {
			existing.ResolvedAt = nil
			existing.LastError = p.LastError
			m.pending[id] = existing
			return nil
		}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.pending[p.ID] = p
	return nil
}

func (m *Memory) ListPending(_ context.Context, limit int) ([]settlement.PendingCascade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []settlement.PendingCascade
	for _, p := range m.pending {
		if p.ResolvedAt == nil {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *Memory) ResolvePending(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[id]
	if !ok {
		return fmt.Errorf("pending settlement %s not found", id)
	}
	now := time.Now().UTC()
	p.ResolvedAt = &now
	m.pending[id] = p
	return nil
}

func (m *Memory) RecordPendingAttempt(_ context.Context, id string, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[id]
	if !ok {
		return fmt.Errorf("pending settlement %s not found", id)
	}
	p.Attempts++
	p.LastError = lastErr
	m.pending[id] = p
	return nil
}
