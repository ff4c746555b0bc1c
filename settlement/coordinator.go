/*
coordinator.go - Claim state machine

PURPOSE:
  Orchestrates one claim end to end and defines the failure and retry
  policy across its dependent writes. The store has no multi-row
  transactions, so instead of rolling back the coordinator makes every
  step detectable and resumable.

STATES:
  Validating -> RecordingEarning -> CreditingClaimant -> ResolvingSponsors
    -> PayingCommissions -> FinalizingClaimDate -> Done
  Any state may end the claim; StageError names where.

IDEMPOTENCY KEYS:
  earning    (userID, lotID, claimDay)                 keys.go EarningKey
  commission (sourceTransactionID, recipientID, level) keys.go CommissionKey
  Each key guards both the ledger append and the balance credit, so a
  replay after a failure at any step skips what already happened.

FAILURE POLICY:
  Validating        decline or not-found, no side effects
  RecordingEarning  abort; nothing credited, replay starts clean
  CreditingClaimant bounded retry, then ErrSettlementIncomplete; queued
  ResolvingSponsors/PayingCommissions  per leg, never blocks the claimant;
                    failures become PartialCommissionFailure and are queued.
                    Without a PendingStore the claim is left unfinalized
                    instead, so the replay pays the missing legs
  FinalizingClaimDate  last write; until it lands the claim replays as a
                    resume instead of being declined. Skipped when a lease
                    lock was lost on the way (ErrLockLost)

CONCURRENCY:
  Claims on one lot position serialize on Locker (PositionLockKey) and the
  claim-date commit is conditional on the date the guard saw. Balance
  writes use per-user optimistic versions. Commission legs for different
  sponsors run in parallel. Once the earning is on the ledger the caller's
  cancellation is ignored: abandoning would leave an earning without its
  credit.

SEE ALSO:
  - guard.go, commission.go, ledger.go, balance.go, sponsors.go
  - RetryPending below: background completion of queued settlements
*/
package settlement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// STATES
// =============================================================================

type Stage string

const (
	StageValidating          Stage = "validating"
	StageRecordingEarning    Stage = "recording_earning"
	StageCreditingClaimant   Stage = "crediting_claimant"
	StageResolvingSponsors   Stage = "resolving_sponsors"
	StagePayingCommissions   Stage = "paying_commissions"
	StageFinalizingClaimDate Stage = "finalizing_claim_date"
	StageDone                Stage = "done"
)

// =============================================================================
// REQUEST / RESULT
// =============================================================================

// ClaimRequest comes from an already authenticated caller.
type ClaimRequest struct {
	UserID        UserID
	LotPositionID LotPositionID
	Amount        decimal.Decimal
}

type CommissionOutcome struct {
	CommissionEntry
	TransactionID TransactionID
	Status        string // LegPaid, LegSkipped or LegFailed
	Err           error
}

type ClaimResult struct {
	Stage                Stage // last stage entered; StageDone on success
	ClaimDay             Day
	UserID               UserID
	LotPositionID        LotPositionID
	Amount               decimal.Decimal
	EarningTransactionID TransactionID

	// Resumed is set when the earning was already on the ledger and the
	// claim picked up where an earlier attempt stopped.
	Resumed bool

	Commissions []CommissionOutcome

	// Partial is set when some commission legs are left for background retry.
	Partial *PartialCommissionFailure
}

func (r *ClaimResult) CommissionsPending() bool { return r.Partial != nil }

// RetrySummary reports one RetryPending pass.
type RetrySummary struct {
	Attempted    int
	Resolved     int
	StillPending int
}

// =============================================================================
// COORDINATOR
// =============================================================================

type CoordinatorConfig struct {
	Store    RecordStore
	Pending  PendingStore // optional; without it partial claims stay unfinalized until replayed
	Locks    Locker
	Rates    CommissionRates
	Retry    RetryPolicy
	Clock    Clock
	Location *time.Location
	Logger   logrus.FieldLogger
	Observer Observer

	ConflictRetries int
}

type Coordinator struct {
	store      RecordStore
	pending    PendingStore
	locks      Locker
	guard      IdempotencyGuard
	calculator CommissionCalculator
	ledger     *LedgerWriter
	balances   *BalanceUpdater
	sponsors   *SponsorResolver
	retry      RetryPolicy
	clock      Clock
	location   *time.Location
	log        logrus.FieldLogger
	observer   Observer
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Locks == nil {
		cfg.Locks = NewKeyedMutex()
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		cfg.Logger = l
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.Rates.Level1Percent.IsZero() && cfg.Rates.Level2Percent.IsZero() && cfg.Rates.ApplyTo == nil {
		cfg.Rates = DefaultCommissionRates()
	}
	if cfg.Rates.ApplyTo == nil {
		cfg.Rates.ApplyTo = []TransactionType{TxEarning}
	}

	balances := NewBalanceUpdater(cfg.Store)
	if cfg.ConflictRetries > 0 {
		balances.ConflictRetries = cfg.ConflictRetries
	}

	return &Coordinator{
		store:      cfg.Store,
		pending:    cfg.Pending,
		locks:      cfg.Locks,
		guard:      IdempotencyGuard{Location: cfg.Location},
		calculator: NewCommissionCalculator(cfg.Rates),
		ledger:     NewLedgerWriter(cfg.Store, cfg.Clock),
		balances:   balances,
		sponsors:   &SponsorResolver{Store: cfg.Store, Retry: cfg.Retry},
		retry:      cfg.Retry,
		clock:      cfg.Clock,
		location:   cfg.Location,
		log:        cfg.Logger,
		observer:   cfg.Observer,
	}
}

// Today returns the current server day.
func (c *Coordinator) Today() Day { return DayOf(c.clock.Now(), c.location) }

// Claim converts the accrued daily return of a lot position into a posted
// earning, credits the claimant and pays the sponsor cascade.
//
// A nil error means the claimant is credited and the claim date is
// committed; commission legs may still be pending (see ClaimResult.Partial).
// An error wrapping ErrSettlementIncomplete means the same request can be
// replayed and will resume where this one stopped.
func (c *Coordinator) Claim(ctx context.Context, req ClaimRequest) (*ClaimResult, error) {
	started := time.Now()
	now := c.clock.Now()
	day := DayOf(now, c.location)

	res := &ClaimResult{
		Stage:         StageValidating,
		ClaimDay:      day,
		UserID:        req.UserID,
		LotPositionID: req.LotPositionID,
		Amount:        req.Amount,
	}
	log := c.log.WithFields(logrus.Fields{
		"user_id":         req.UserID,
		"lot_position_id": req.LotPositionID,
		"claim_day":       day.String(),
	})

	unlock, lost, err := acquire(ctx, c.locks, PositionLockKey(req.LotPositionID))
	if err != nil {
		return c.finish(res, started, log, c.stageError(StageValidating, err))
	}
	defer unlock()

	claimant, pos, err := c.validate(ctx, req, now)
	if err != nil {
		return c.finish(res, started, log, c.stageError(StageValidating, err))
	}

	c.enter(res, StageRecordingEarning, log)
	key := EarningKey(claimant.ID, pos.LotID, day)
	earning, resumed, err := c.recordEarning(ctx, claimant, pos, req.Amount, key, log)
	if err != nil {
		return c.finish(res, started, log, c.stageError(StageRecordingEarning, err))
	}
	res.EarningTransactionID = earning.ID
	res.Amount = earning.Amount
	res.Resumed = resumed

	ctx = context.WithoutCancel(ctx)
	err = c.settle(ctx, res, earning, claimant, pos, day, lost, true, log)
	return c.finish(res, started, log, err)
}

// settle runs CreditingClaimant through FinalizingClaimDate for an earning
// that is already on the ledger. Used by Claim and by RetryPending. lost is
// the lease channel of the position lock, nil if the lock cannot be lost.
func (c *Coordinator) settle(ctx context.Context, res *ClaimResult, earning Transaction, claimant User, pos LotPosition, day Day, lost <-chan struct{}, queue bool, log logrus.FieldLogger) error {
	c.enter(res, StageCreditingClaimant, log)
	if err := c.creditClaimant(ctx, earning); err != nil {
		if queue {
			c.enqueue(ctx, earning, pos, day, err, log)
		}
		return c.stageError(StageCreditingClaimant, err)
	}

	outcomes, partial := c.cascade(ctx, res, earning, claimant, log)
	res.Commissions = outcomes
	res.Partial = partial
	if partial != nil {
		if c.pending == nil {
			// nothing would retry the missing legs once the day is closed
			log.WithError(partial).Warn("no pending store, claim left open for replay")
			return c.stageError(StagePayingCommissions, fmt.Errorf("%w: %w", ErrSettlementIncomplete, partial))
		}
		if queue {
			c.enqueue(ctx, earning, pos, day, partial, log)
		}
	}

	c.enter(res, StageFinalizingClaimDate, log)
	if leaseLost(lost) {
		err := fmt.Errorf("%w: %w", ErrSettlementIncomplete, ErrLockLost)
		if queue {
			c.enqueue(ctx, earning, pos, day, err, log)
		}
		return c.stageError(StageFinalizingClaimDate, err)
	}
	if err := c.finalize(ctx, pos, day); err != nil {
		if queue {
			c.enqueue(ctx, earning, pos, day, err, log)
		}
		return c.stageError(StageFinalizingClaimDate, err)
	}

	c.enter(res, StageDone, log)
	return nil
}

// =============================================================================
// STAGES
// =============================================================================

func (c *Coordinator) validate(ctx context.Context, req ClaimRequest, now time.Time) (User, LotPosition, error) {
	if req.UserID == "" || req.LotPositionID == "" {
		return User{}, LotPosition{}, fmt.Errorf("%w: user id and lot position id required", ErrValidationFailed)
	}
	if !req.Amount.IsPositive() {
		return User{}, LotPosition{}, fmt.Errorf("%w: got %s", ErrInvalidAmount, req.Amount)
	}
	if precision := c.calculator.Rates.Precision; !req.Amount.Equal(RoundMoney(req.Amount, precision)) {
		return User{}, LotPosition{}, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, req.Amount, precision)
	}

	var (
		user User
		pos  LotPosition
	)
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		user, err = c.store.GetUser(ctx, req.UserID)
		return err
	})
	if err != nil {
		return User{}, LotPosition{}, err
	}
	err = c.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		pos, err = c.store.GetLotPosition(ctx, req.LotPositionID)
		return err
	})
	if err != nil {
		return User{}, LotPosition{}, err
	}
	if pos.UserID != user.ID {
		return User{}, LotPosition{}, ErrOwnershipMismatch
	}

	if ok, reason := c.guard.CanClaim(pos, now); !ok {
		return User{}, LotPosition{}, &DeclineError{PositionID: pos.ID, Reason: reason, Day: DayOf(now, c.location)}
	}
	return user, pos, nil
}

func (c *Coordinator) recordEarning(ctx context.Context, claimant User, pos LotPosition, amount decimal.Decimal, key string, log logrus.FieldLogger) (Transaction, bool, error) {
	entry := LedgerEntry{
		UserID:         claimant.ID,
		Type:           TxEarning,
		Amount:         amount,
		Status:         StatusApproved,
		LotID:          pos.LotID,
		Description:    fmt.Sprintf("Daily earning for lot %s", pos.LotID),
		IdempotencyKey: key,
	}
	earning, existed, err := c.ensureTransaction(ctx, entry)
	if err != nil {
		return Transaction{}, false, err
	}
	if existed {
		c.observer.Resumed(StageCreditingClaimant)
		log.WithError(&InconsistentStateError{
			IdempotencyKey: key,
			Detail:         "earning recorded but claim not finalized",
		}).Warn("resuming claim from crediting stage")
		if !earning.Amount.Equal(amount) {
			log.WithFields(logrus.Fields{
				"requested": amount.String(),
				"recorded":  earning.Amount.String(),
			}).Warn("requested amount differs from recorded earning, keeping recorded")
		}
	}
	return earning, existed, nil
}

func (c *Coordinator) creditClaimant(ctx context.Context, earning Transaction) error {
	return c.retry.Do(ctx, func(ctx context.Context) error {
		return c.balances.ApplyDelta(ctx, earning.UserID, earning.Amount, earning.Amount, earning.IdempotencyKey)
	})
}

func (c *Coordinator) cascade(ctx context.Context, res *ClaimResult, earning Transaction, claimant User, log logrus.FieldLogger) ([]CommissionOutcome, *PartialCommissionFailure) {
	if !c.calculator.Rates.AppliesTo(earning.Type) {
		return nil, nil
	}

	c.enter(res, StageResolvingSponsors, log)
	var partial *PartialCommissionFailure
	chain, err := c.sponsors.Resolve(ctx, claimant, MaxCascadeDepth)
	if err != nil {
		c.observer.StageFailed(StageResolvingSponsors)
		log.WithError(err).Error("sponsor chain not fully resolved, remaining commissions deferred")
		partial = &PartialCommissionFailure{
			SourceTransactionID: earning.ID,
			SponsorsUnresolved:  true,
			Cause:               err,
		}
	}

	c.enter(res, StagePayingCommissions, log)
	entries := c.calculator.ComputeCascade(earning.Amount, chain)
	outcomes := make([]CommissionOutcome, len(entries))
	var wg sync.WaitGroup
	for i, entry := range entries {
		wg.Add(1)
		go func(i int, entry CommissionEntry) {
			defer wg.Done()
			outcomes[i] = c.payLeg(ctx, earning, entry, log)
		}(i, entry)
	}
	wg.Wait()

	for _, o := range outcomes {
		if o.Status != LegFailed {
			continue
		}
		if partial == nil {
			partial = &PartialCommissionFailure{SourceTransactionID: earning.ID}
		}
		partial.Failed = append(partial.Failed, o.CommissionEntry)
		if partial.Cause == nil {
			partial.Cause = o.Err
		}
	}
	if partial != nil && len(partial.Failed) > 0 {
		c.observer.StageFailed(StagePayingCommissions)
	}
	return outcomes, partial
}

// payLeg appends one commission and credits its recipient. Both halves are
// keyed by CommissionKey, so a replayed leg never pays twice.
func (c *Coordinator) payLeg(ctx context.Context, source Transaction, e CommissionEntry, log logrus.FieldLogger) CommissionOutcome {
	key := CommissionKey(source.ID, e.RecipientID, e.Level)
	out := CommissionOutcome{CommissionEntry: e, Status: LegPaid}
	legLog := log.WithFields(logrus.Fields{
		"recipient_id":    e.RecipientID,
		"level":           e.Level,
		"idempotency_key": key,
	})

	tx, existed, err := c.ensureTransaction(ctx, LedgerEntry{
		UserID:         e.RecipientID,
		Type:           TxCommission,
		Amount:         e.Amount,
		Status:         StatusApproved,
		LotID:          source.LotID,
		Description:    fmt.Sprintf("Level %d commission on earning of %s", e.Level, source.UserID),
		IdempotencyKey: key,
	})
	if err == nil {
		out.TransactionID = tx.ID
		if existed {
			if applied, aerr := c.balances.IsApplied(ctx, e.RecipientID, key); aerr == nil && applied {
				out.Status = LegSkipped
				c.observer.CommissionLeg(out.Status)
				return out
			}
		}
		err = c.retry.Do(ctx, func(ctx context.Context) error {
			return c.balances.ApplyDelta(ctx, e.RecipientID, tx.Amount, tx.Amount, key)
		})
	}
	if err != nil {
		out.Status = LegFailed
		out.Err = err
		legLog.WithError(err).Error("commission leg not posted")
	} else {
		legLog.Debug("commission leg posted")
	}
	c.observer.CommissionLeg(out.Status)
	return out
}

// finalize commits the claim day. It is the last write of a claim and is
// conditional on the date read during validation.
func (c *Coordinator) finalize(ctx context.Context, pos LotPosition, day Day) error {
	if !pos.LastEarningDate.Before(day) && !pos.LastEarningDate.IsZero() {
		return nil
	}
	expected := pos.LastEarningDate
	return c.retry.Do(ctx, func(ctx context.Context) error {
		for attempt := 0; ; attempt++ {
			err := c.store.UpdateLastEarning(ctx, LastEarningUpdate{
				UserID:                  pos.UserID,
				LotID:                   pos.LotID,
				ExpectedLastEarningDate: expected,
				LastEarningDate:         day,
			})
			if !errors.Is(err, ErrConcurrentModification) {
				return err
			}
			current, gerr := c.store.GetLotPosition(ctx, pos.ID)
			if gerr != nil {
				return gerr
			}
			if !current.LastEarningDate.IsZero() && !current.LastEarningDate.Before(day) {
				return nil
			}
			if attempt >= c.balances.ConflictRetries {
				return err
			}
			expected = current.LastEarningDate
		}
	})
}

// ensureTransaction returns the transaction already written for the entry's
// key or appends it. existed reports the former.
func (c *Coordinator) ensureTransaction(ctx context.Context, entry LedgerEntry) (Transaction, bool, error) {
	var (
		tx      Transaction
		existed bool
	)
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		found, ok, err := c.ledger.Find(ctx, entry.UserID, entry.IdempotencyKey)
		if err != nil {
			return err
		}
		if ok {
			tx, existed = found, true
			return nil
		}
		tx, err = c.ledger.AppendTransaction(ctx, entry)
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			// A previous attempt landed although its acknowledgement was lost.
			found, ok, ferr := c.ledger.Find(ctx, entry.UserID, entry.IdempotencyKey)
			if ferr != nil {
				return ferr
			}
			if !ok {
				return fmt.Errorf("%w: key %s reported duplicate but not readable", ErrStoreUnavailable, entry.IdempotencyKey)
			}
			tx = found
			return nil
		}
		return err
	})
	return tx, existed, err
}

// =============================================================================
// BACKGROUND COMPLETION
// =============================================================================

// RetryPending completes queued settlements: it re-credits the claimant if
// needed, re-runs the cascade, and commits the claim day when it has not
// moved past it. Every step is keyed, so already posted legs are skipped.
func (c *Coordinator) RetryPending(ctx context.Context, limit int) (RetrySummary, error) {
	var sum RetrySummary
	if c.pending == nil {
		return sum, nil
	}
	items, err := c.pending.ListPending(ctx, limit)
	if err != nil {
		return sum, err
	}

	for _, p := range items {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		sum.Attempted++
		log := c.log.WithFields(logrus.Fields{
			"pending_id":      p.ID,
			"source_tx_id":    p.SourceTransactionID,
			"user_id":         p.UserID,
			"lot_position_id": p.LotPositionID,
			"claim_day":       p.ClaimDay.String(),
		})

		if err := c.resumePending(ctx, p, log); err != nil {
			sum.StillPending++
			log.WithError(err).Warn("pending settlement still incomplete")
			if rerr := c.pending.RecordPendingAttempt(ctx, p.ID, err.Error()); rerr != nil {
				log.WithError(rerr).Error("failed to record pending attempt")
			}
			continue
		}
		if err := c.pending.ResolvePending(ctx, p.ID); err != nil {
			sum.StillPending++
			log.WithError(err).Error("failed to resolve pending settlement")
			continue
		}
		sum.Resolved++
		c.observer.PendingResolved()
		log.Info("pending settlement completed")
	}
	return sum, nil
}

func (c *Coordinator) resumePending(ctx context.Context, p PendingCascade, log logrus.FieldLogger) error {
	unlock, lost, err := acquire(ctx, c.locks, PositionLockKey(p.LotPositionID))
	if err != nil {
		return err
	}
	defer unlock()
	ctx = context.WithoutCancel(ctx)

	key := EarningKey(p.UserID, p.LotID, p.ClaimDay)
	var (
		earning Transaction
		found   bool
		user    User
		pos     LotPosition
	)
	err = c.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		earning, found, err = c.ledger.Find(ctx, p.UserID, key)
		return err
	})
	if err != nil {
		return err
	}
	if !found {
		return &InconsistentStateError{IdempotencyKey: key, Detail: "queued settlement has no earning on the ledger"}
	}
	err = c.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		if user, err = c.store.GetUser(ctx, p.UserID); err != nil {
			return err
		}
		pos, err = c.store.GetLotPosition(ctx, p.LotPositionID)
		return err
	})
	if err != nil {
		return err
	}

	res := &ClaimResult{
		ClaimDay:             p.ClaimDay,
		UserID:               p.UserID,
		LotPositionID:        p.LotPositionID,
		Amount:               earning.Amount,
		EarningTransactionID: earning.ID,
		Resumed:              true,
	}
	if err := c.settle(ctx, res, earning, user, pos, p.ClaimDay, lost, false, log); err != nil {
		return err
	}
	if res.Partial != nil {
		return res.Partial
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (c *Coordinator) enter(res *ClaimResult, stage Stage, log logrus.FieldLogger) {
	res.Stage = stage
	log.WithField("stage", stage).Debug("claim stage")
}

func (c *Coordinator) enqueue(ctx context.Context, earning Transaction, pos LotPosition, day Day, cause error, log logrus.FieldLogger) {
	if c.pending == nil {
		log.WithError(cause).Warn("no pending store, claim stays open until replayed")
		return
	}
	p := PendingCascade{
		ID:                  uuid.NewString(),
		SourceTransactionID: earning.ID,
		UserID:              earning.UserID,
		LotPositionID:       pos.ID,
		LotID:               pos.LotID,
		Amount:              earning.Amount,
		ClaimDay:            day,
		LastError:           cause.Error(),
		CreatedAt:           c.clock.Now().UTC(),
	}
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		return c.pending.EnqueuePending(ctx, p)
	})
	if err != nil {
		log.WithError(err).Error("failed to queue pending settlement")
		return
	}
	c.observer.PendingEnqueued()
}

// stageError wraps err with the failing stage. Transient and conflict
// errors are also marked ErrSettlementIncomplete.
func (c *Coordinator) stageError(stage Stage, err error) error {
	if errors.Is(err, ErrSettlementIncomplete) {
		return &StageError{Stage: stage, Err: err}
	}
	if IsRetryable(err) || errors.Is(err, ErrConcurrentModification) {
		err = fmt.Errorf("%w: %w", ErrSettlementIncomplete, err)
	}
	return &StageError{Stage: stage, Err: err}
}

func (c *Coordinator) finish(res *ClaimResult, started time.Time, log logrus.FieldLogger, err error) (*ClaimResult, error) {
	outcome := OutcomeSettled
	switch {
	case err == nil && res.Partial != nil:
		outcome = OutcomePartial
	case err == nil:
	case IsClientError(err) || IsNotFound(err):
		outcome = OutcomeDeclined
	case errors.Is(err, ErrSettlementIncomplete):
		outcome = OutcomeIncomplete
	default:
		outcome = OutcomeError
	}
	c.observer.ClaimFinished(outcome, res.Stage, time.Since(started).Seconds())

	entry := log.WithFields(logrus.Fields{"stage": res.Stage, "outcome": outcome})
	switch outcome {
	case OutcomeSettled, OutcomePartial:
		entry.WithField("earning_tx_id", res.EarningTransactionID).Info("claim settled")
	case OutcomeDeclined:
		entry.WithError(err).Info("claim declined")
	default:
		c.observer.StageFailed(res.Stage)
		entry.WithError(err).Error("claim failed")
	}
	return res, err
}
