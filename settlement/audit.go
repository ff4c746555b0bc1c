package settlement

import (
	"context"

	"github.com/shopspring/decimal"
)

// AuditReport compares a user's cached balance with the ledger.
type AuditReport struct {
	UserID        UserID
	Balance       decimal.Decimal // cached on the user record
	LedgerBalance decimal.Decimal // sum of approved transactions
	Difference    decimal.Decimal // Balance - LedgerBalance
	Transactions  int
	Consistent    bool
}

// Auditor checks that User.Balance equals the sum of approved transactions.
type Auditor struct {
	Store RecordStore

	// Tolerance absorbs intentional rounding. Zero means exact.
	Tolerance decimal.Decimal
}

func (a *Auditor) Audit(ctx context.Context, userID UserID) (AuditReport, error) {
	u, err := a.Store.GetUser(ctx, userID)
	if err != nil {
		return AuditReport{}, err
	}
	txs, err := a.Store.ListTransactions(ctx, userID)
	if err != nil {
		return AuditReport{}, err
	}

	sum := LedgerBalance(txs)
	diff := u.Balance.Sub(sum)
	return AuditReport{
		UserID:        userID,
		Balance:       u.Balance,
		LedgerBalance: sum,
		Difference:    diff,
		Transactions:  len(txs),
		Consistent:    diff.Abs().LessThanOrEqual(a.Tolerance),
	}, nil
}

// LedgerBalance sums approved transactions with their direction applied.
func LedgerBalance(txs []Transaction) decimal.Decimal {
	sum := decimal.Zero
	for _, tx := range txs {
		if tx.Status != StatusApproved {
			continue
		}
		sum = sum.Add(tx.SignedAmount())
	}
	return sum
}
