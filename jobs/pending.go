// Package jobs runs background settlement work on a schedule.
//
// PURPOSE:
//   Claims that could not finish every write (a commission leg, sponsor
//   resolution, the claimant credit or the claim-date commit) are queued in
//   the pending store. PendingCommissionJob drains that queue on a cron
//   schedule by calling Coordinator.RetryPending.
//
// DESIGN:
//   - robfig/cron with SkipIfStillRunning: a slow pass never overlaps the next
//   - RunNow triggers a pass on demand (POST /api/admin/commissions/retry)
//   - passes are serialized with a mutex, so RunNow and the schedule never
//     retry the same entry concurrently
//
// USAGE:
//   job, err := jobs.NewPendingCommissionJob(coord, jobs.Options{Schedule: "*/5 * * * *"})
//   job.Start()
//   defer job.Stop(ctx)
//
// SEE ALSO:
//   - settlement/coordinator.go: RetryPending
//   - config: PENDING_RETRY_SCHEDULE, PENDING_RETRY_BATCH
package jobs

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/AzimPower/investpro-sub001/settlement"
)

// Retrier completes queued settlements. *settlement.Coordinator implements it.
type Retrier interface {
	RetryPending(ctx context.Context, limit int) (settlement.RetrySummary, error)
}

const (
	DefaultSchedule   = "*/5 * * * *"
	DefaultBatchSize  = 100
	DefaultRunTimeout = 2 * time.Minute
)

type Options struct {
	Schedule   string
	BatchSize  int
	RunTimeout time.Duration
	Logger     logrus.FieldLogger
}

// PendingCommissionJob periodically retries queued settlements.
type PendingCommissionJob struct {
	retrier    Retrier
	batchSize  int
	runTimeout time.Duration
	log        logrus.FieldLogger

	cron    *cron.Cron
	entryID cron.EntryID

	mu      sync.Mutex // serializes passes
	stateMu sync.Mutex
	started bool
	last    RunStatus
}

// RunStatus describes the most recent pass.
type RunStatus struct {
	At      time.Time
	Summary settlement.RetrySummary
	Err     error
	Runs    int
}

// NewPendingCommissionJob validates the schedule and registers the job.
// Nothing runs until Start.
func NewPendingCommissionJob(r Retrier, opts Options) (*PendingCommissionJob, error) {
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultRunTimeout
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}

	j := &PendingCommissionJob{
		retrier:    r,
		batchSize:  opts.BatchSize,
		runTimeout: opts.RunTimeout,
		log:        opts.Logger.WithField("job", "pending_commissions"),
	}
	j.cron = cron.New(cron.WithChain(
		cron.Recover(cronLogger{j.log}),
		cron.SkipIfStillRunning(cronLogger{j.log}),
	))

	id, err := j.cron.AddFunc(opts.Schedule, j.scheduled)
	if err != nil {
		return nil, fmt.Errorf("invalid pending retry schedule %q: %w", opts.Schedule, err)
	}
	j.entryID = id
	return j, nil
}

// Start begins the schedule. Calling Start twice is a no-op.
func (j *PendingCommissionJob) Start() {
	j.stateMu.Lock()
	defer j.stateMu.Unlock()
	if j.started {
		return
	}
	j.started = true
	j.cron.Start()
	j.log.WithField("next_run", j.NextRun()).Info("pending commission job started")
}

// Stop halts the schedule and waits for a running pass, or for ctx.
func (j *PendingCommissionJob) Stop(ctx context.Context) error {
	j.stateMu.Lock()
	if !j.started {
		j.stateMu.Unlock()
		return nil
	}
	j.started = false
	j.stateMu.Unlock()

	done := j.cron.Stop()
	select {
	case <-done.Done():
		j.log.Info("pending commission job stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryPending runs one pass now with the given limit (the configured batch
// size when limit <= 0). It satisfies the api package's PendingRunner.
func (j *PendingCommissionJob) RetryPending(ctx context.Context, limit int) (settlement.RetrySummary, error) {
	if limit <= 0 {
		limit = j.batchSize
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	started := time.Now()
	sum, err := j.retrier.RetryPending(ctx, limit)

	j.stateMu.Lock()
	j.last = RunStatus{At: started, Summary: sum, Err: err, Runs: j.last.Runs + 1}
	j.stateMu.Unlock()

	entry := j.log.WithFields(logrus.Fields{
		"attempted":     sum.Attempted,
		"resolved":      sum.Resolved,
		"still_pending": sum.StillPending,
		"duration":      time.Since(started).String(),
	})
	switch {
	case err != nil:
		entry.WithError(err).Error("pending retry pass failed")
	case sum.Attempted > 0:
		entry.Info("pending retry pass finished")
	default:
		entry.Debug("no pending settlements")
	}
	return sum, err
}

// RunNow runs one pass with the configured batch size.
func (j *PendingCommissionJob) RunNow(ctx context.Context) (settlement.RetrySummary, error) {
	return j.RetryPending(ctx, j.batchSize)
}

// NextRun returns the next scheduled time, or the zero time when stopped.
func (j *PendingCommissionJob) NextRun() time.Time {
	return j.cron.Entry(j.entryID).Next
}

// LastRun reports the most recent pass.
func (j *PendingCommissionJob) LastRun() RunStatus {
	j.stateMu.Lock()
	defer j.stateMu.Unlock()
	return j.last
}

func (j *PendingCommissionJob) scheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), j.runTimeout)
	defer cancel()
	_, _ = j.RetryPending(ctx, j.batchSize)
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	log logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kvFields(keysAndValues)).WithError(err).Error(msg)
}

func kvFields(kv []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
