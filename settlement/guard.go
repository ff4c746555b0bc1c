package settlement

import "time"

// IdempotencyGuard decides whether a lot position may be claimed now.
//
// The day boundary comes from the server clock in Location. The check is
// only a critical section together with the claim-date commit; the
// coordinator holds the position lock across both, and the commit itself
// is conditional on the date the guard saw.
type IdempotencyGuard struct {
	Location *time.Location
}

// CanClaim permits a claim when the position is active and its last
// earning date is unset or strictly before today.
func (g IdempotencyGuard) CanClaim(pos LotPosition, now time.Time) (bool, DeclineReason) {
	if !pos.Active {
		return false, DeclineLotInactive
	}
	if pos.LastEarningDate.IsZero() {
		return true, DeclineNone
	}
	if pos.LastEarningDate.Before(DayOf(now, g.Location)) {
		return true, DeclineNone
	}
	return false, DeclineAlreadyClaimedToday
}
