/*
Package settlement provides the earning settlement and commission cascade engine.

PURPOSE:
  Lets a user claim the daily return accrued on one of their lot positions,
  posts it to the ledger, credits their balance, and pays referral
  commissions up the sponsor chain. Every step is idempotent so a claim
  interrupted at any point can be replayed without creating, duplicating
  or losing money.

KEY CONCEPTS IN THIS FILE (types.go):
  - User: account record; the engine only touches Balance/TotalEarned
  - LotPosition: a user's purchased lot, tracking its last claim day
  - Transaction: immutable ledger entry, the source of truth for money
  - CommissionRates: per-level percentages of the claimed amount

DESIGN PRINCIPLES:
  1. Immutability: approved transactions are never updated or deleted
  2. Precision: money is decimal.Decimal, rounded half-up to minor units
  3. Idempotency: every write carries a deterministic key
  4. Optimistic concurrency: balance writes are conditional on Version

SEE ALSO:
  - coordinator.go: the claim state machine
  - store.go: persistence interfaces the engine depends on
  - errors.go: error taxonomy
*/
package settlement

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type LotID string
type LotPositionID string
type TransactionID string

// =============================================================================
// USER - Account record (owned by the account subsystem)
// =============================================================================

type User struct {
	ID            UserID
	Balance       decimal.Decimal
	TotalEarned   decimal.Decimal
	ReferredBy    UserID // empty when the user has no sponsor
	AccountStatus string

	// Version increments on every balance write. Writes carry the version
	// they read and are rejected if it moved.
	Version int64
}

// =============================================================================
// LOT POSITION - A user's purchased investment lot
// =============================================================================

type LotPosition struct {
	ID     LotPositionID
	UserID UserID
	LotID  LotID
	Active bool

	// LastEarningDate is the day of the most recent finalized claim.
	// Zero value means the position was never claimed.
	LastEarningDate Day
}

// =============================================================================
// TRANSACTION - Immutable ledger entry
// =============================================================================

type TransactionType string

const (
	TxEarning          TransactionType = "earning"
	TxCommission       TransactionType = "commission"
	TxDeposit          TransactionType = "deposit"
	TxWithdrawal       TransactionType = "withdrawal"
	TxPurchase         TransactionType = "purchase"
	TxTransferSent     TransactionType = "transfer_sent"
	TxTransferReceived TransactionType = "transfer_received"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TxEarning, TxCommission, TxDeposit, TxWithdrawal, TxPurchase, TxTransferSent, TxTransferReceived:
		return true
	}
	return false
}

// Sign returns +1 for types that add to a balance and -1 for types that
// remove from it.
func (t TransactionType) Sign() int {
	switch t {
	case TxWithdrawal, TxPurchase, TxTransferSent:
		return -1
	default:
		return 1
	}
}

type TransactionStatus string

const (
	StatusPending  TransactionStatus = "pending"
	StatusApproved TransactionStatus = "approved"
	StatusRejected TransactionStatus = "rejected"
)

func (s TransactionStatus) Valid() bool {
	return s == StatusPending || s == StatusApproved || s == StatusRejected
}

type Transaction struct {
	ID             TransactionID
	UserID         UserID
	Type           TransactionType
	Amount         decimal.Decimal // always positive; direction comes from Type
	Status         TransactionStatus
	LotID          LotID // optional
	Description    string
	IdempotencyKey string
	CreatedAt      time.Time
}

// SignedAmount returns the amount with the direction of the transaction type applied.
func (tx Transaction) SignedAmount() decimal.Decimal {
	if tx.Type.Sign() < 0 {
		return tx.Amount.Neg()
	}
	return tx.Amount
}

// =============================================================================
// COMMISSIONS
// =============================================================================

// MaxCascadeDepth is the number of sponsor levels that receive commission.
const MaxCascadeDepth = 2

// CommissionRates is read-only configuration for the cascade.
type CommissionRates struct {
	Level1Percent decimal.Decimal
	Level2Percent decimal.Decimal

	// Precision is the number of decimal places of the currency minor unit.
	Precision int32

	// ApplyTo lists the transaction types that generate a cascade.
	// Only earning claims drive the coordinator today.
	ApplyTo []TransactionType
}

func DefaultCommissionRates() CommissionRates {
	return CommissionRates{
		Level1Percent: decimal.NewFromInt(5),
		Level2Percent: decimal.NewFromInt(2),
		Precision:     2,
		ApplyTo:       []TransactionType{TxEarning},
	}
}

// Rate returns the fractional rate for a 1-indexed level.
func (r CommissionRates) Rate(level int) (decimal.Decimal, bool) {
	hundred := decimal.NewFromInt(100)
	switch level {
	case 1:
		return r.Level1Percent.Div(hundred), true
	case 2:
		return r.Level2Percent.Div(hundred), true
	}
	return decimal.Zero, false
}

// AppliesTo reports whether transactions of type t generate commissions.
func (r CommissionRates) AppliesTo(t TransactionType) bool {
	for _, a := range r.ApplyTo {
		if a == t {
			return true
		}
	}
	return false
}

// CommissionEntry is one leg of a cascade.
type CommissionEntry struct {
	RecipientID UserID
	Level       int
	Amount      decimal.Decimal
}

// =============================================================================
// PENDING CASCADE - Settlement work left for background retry
// =============================================================================

// PendingCascade names an earning whose settlement did not fully complete:
// a commission leg failed, sponsors could not be resolved, or the claimant
// credit or claim-date commit ran out of retries.
type PendingCascade struct {
	ID                  string
	SourceTransactionID TransactionID
	UserID              UserID
	LotPositionID       LotPositionID
	LotID               LotID
	Amount              decimal.Decimal
	ClaimDay            Day
	Attempts            int
	LastError           string
	CreatedAt           time.Time
	ResolvedAt          *time.Time
}
