package settlement

import "fmt"

// EarningKey identifies the single earning allowed per (user, lot, day).
func EarningKey(userID UserID, lotID LotID, day Day) string {
	return fmt.Sprintf("earning:%s:%s:%s", userID, lotID, day)
}

// CommissionKey identifies one cascade leg of a source transaction.
func CommissionKey(source TransactionID, recipient UserID, level int) string {
	return fmt.Sprintf("commission:%s:%s:%d", source, recipient, level)
}
