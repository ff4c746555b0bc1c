/*
errors.go - Error taxonomy for the settlement engine

PURPOSE:
  All error types in one place. Callers classify with errors.Is/As and the
  helpers at the bottom of the file.

ERROR CATEGORIES:
  1. Validation - bad input or a declined claim. Reported, never retried.
  2. Transient store - timeout or connection failure. Retried with bounded
     exponential backoff, then surfaced as ErrSettlementIncomplete.
  3. Concurrency - optimistic version conflicts. Retried after re-read.
  4. Partial commission failure - the claimant is settled but one or more
     sponsor legs are not posted. Attached to the result, not returned.
  5. Inconsistent state - found on resume (earning without credit).
     Repaired by resuming the state machine, never by starting over.

SEE ALSO:
  - retry.go: which errors are retried
  - coordinator.go: where each category is produced
*/
package settlement

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidationFailed is the root of every client-side failure.
	ErrValidationFailed = errors.New("validation failed")

	// ErrInvalidAmount is returned for amounts that are zero or negative.
	ErrInvalidAmount = fmt.Errorf("%w: amount must be positive", ErrValidationFailed)

	// ErrOwnershipMismatch is returned when the lot position belongs to another user.
	ErrOwnershipMismatch = fmt.Errorf("%w: lot position does not belong to user", ErrValidationFailed)

	// ErrAlreadyClaimedToday is returned when the position was claimed on the current server day.
	ErrAlreadyClaimedToday = fmt.Errorf("%w: already claimed today", ErrValidationFailed)

	// ErrLotInactive is returned when the position is not active.
	ErrLotInactive = fmt.Errorf("%w: lot position inactive", ErrValidationFailed)

	// ErrInsufficientBalance is returned when a delta would take a balance below zero.
	ErrInsufficientBalance = fmt.Errorf("%w: insufficient balance", ErrValidationFailed)

	// ErrUserNotFound is returned when a referenced user does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrLotPositionNotFound is returned when a referenced lot position does not exist.
	ErrLotPositionNotFound = errors.New("lot position not found")

	// ErrStoreUnavailable is returned on transport failure or timeout.
	// The write may or may not have been applied.
	ErrStoreUnavailable = errors.New("record store unavailable")

	// ErrConcurrentModification is returned when a conditional write lost a race.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateIdempotencyKey is returned when a transaction with the same
	// idempotency key already exists. Expected on replays.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrSettlementIncomplete is returned when retries are exhausted. Replaying
	// the same claim resumes from the step that did not complete.
	ErrSettlementIncomplete = errors.New("settlement incomplete")

	// ErrInconsistentState marks a resumed claim whose earning exists without
	// a matching credit or claim-date commit.
	ErrInconsistentState = errors.New("inconsistent settlement state detected")

	// ErrPartialCommission marks a cascade with unposted legs.
	ErrPartialCommission = errors.New("commission cascade partially posted")

	// ErrLockLost is returned when a lease lock expired while a claim held it.
	ErrLockLost = errors.New("lot position lock lost")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type DeclineReason string

const (
	DeclineNone                DeclineReason = ""
	DeclineAlreadyClaimedToday DeclineReason = "already_claimed_today"
	DeclineLotInactive         DeclineReason = "lot_inactive"
)

// DeclineError is returned when the idempotency guard refuses a claim.
type DeclineError struct {
	PositionID LotPositionID
	Reason     DeclineReason
	Day        Day
}

func (e *DeclineError) Error() string {
	return fmt.Sprintf("claim declined for %s on %s: %s", e.PositionID, e.Day, e.Reason)
}

func (e *DeclineError) Unwrap() error {
	switch e.Reason {
	case DeclineAlreadyClaimedToday:
		return ErrAlreadyClaimedToday
	case DeclineLotInactive:
		return ErrLotInactive
	}
	return ErrValidationFailed
}

// StageError records the state the claim machine failed in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("claim failed at %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// PartialCommissionFailure lists the cascade legs that were not posted.
// The claim itself succeeded; the source is queued for background retry.
type PartialCommissionFailure struct {
	SourceTransactionID TransactionID
	Failed              []CommissionEntry
	SponsorsUnresolved  bool
	Cause               error
}

func (e *PartialCommissionFailure) Error() string {
	var legs []string
	for _, f := range e.Failed {
		legs = append(legs, fmt.Sprintf("L%d:%s", f.Level, f.RecipientID))
	}
	msg := fmt.Sprintf("commission cascade for %s partially posted", e.SourceTransactionID)
	if e.SponsorsUnresolved {
		msg += " (sponsors unresolved)"
	}
	if len(legs) > 0 {
		msg += ": pending " + strings.Join(legs, ",")
	}
	return msg
}

func (e *PartialCommissionFailure) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrPartialCommission}
	}
	return []error{ErrPartialCommission, e.Cause}
}

// InconsistentStateError describes what a resumed claim found.
type InconsistentStateError struct {
	IdempotencyKey string
	Detail         string
}

func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("inconsistent state for %s: %s", e.IdempotencyKey, e.Detail)
}

func (e *InconsistentStateError) Unwrap() error { return ErrInconsistentState }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// IsClientError returns true if the error is due to invalid client input
// or a declined claim.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidationFailed)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrLotPositionNotFound)
}
