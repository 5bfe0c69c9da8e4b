/**
 * @description
 * Scheduled sweeps for the deposit relay. Every job takes a lease first so that
 * only one replica runs a given sweep at a time.
 */
package app

import (
	"context"
	"log/slog"
	"time"
)

// JobsConfig holds the sweep parameters.
type JobsConfig struct {
	StaleReservationAge time.Duration
	StaleObservationAge time.Duration
	SweepLimit          int
	Timeout             time.Duration
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	engine      *Engine
	relay       *Relay
	correlation *CorrelationRetrier
	reconciler  *Reconciler
	lease       Lease
	cfg         JobsConfig
	logger      *slog.Logger
}

func NewJobs(engine *Engine, relay *Relay, correlation *CorrelationRetrier, reconciler *Reconciler, lease Lease, cfg JobsConfig, logger *slog.Logger) *Jobs {
	if lease == nil {
		lease = LocalLease{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 4 * time.Minute
	}
	if cfg.StaleReservationAge <= 0 {
		cfg.StaleReservationAge = 5 * time.Minute
	}
	if cfg.StaleObservationAge <= 0 {
		cfg.StaleObservationAge = time.Minute
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = 500
	}
	return &Jobs{
		engine:      engine,
		relay:       relay,
		correlation: correlation,
		reconciler:  reconciler,
		lease:       lease,
		cfg:         cfg,
		logger:      logger.With("component", "jobs"),
	}
}

// withLease runs fn under the named lease with the job timeout.
func (j *Jobs) withLease(name string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.Timeout)
	defer cancel()

	release, acquired, err := j.lease.Acquire(ctx, name, j.cfg.Timeout)
	if err != nil {
		j.logger.Warn("failed to acquire job lease", "job", name, "error", err)
		return
	}
	if !acquired {
		j.logger.Debug("job lease held elsewhere; skipping", "job", name)
		return
	}
	defer release()

	if err := fn(ctx); err != nil {
		j.logger.Error("job failed", "job", name, "error", err)
	}
}

// ReconcileDeposits rescans source history for missed deposits.
func (j *Jobs) ReconcileDeposits() {
	j.withLease("reconcile", func(ctx context.Context) error {
		j.logger.Info("starting reconciliation job")
		report, err := j.reconciler.Reconcile(ctx)
		if err != nil {
			return err
		}
		j.logger.Info("reconciliation job finished",
			"scanned", report.Scanned,
			"unknown", report.Unknown,
			"ingested", report.Ingested,
			"ignored", report.Ignored,
			"errors", report.Errors,
		)
		return nil
	})
}

// RetryCorrelations retries destination lookups for pending deposits.
func (j *Jobs) RetryCorrelations() {
	j.withLease("correlation", j.correlation.RetryDue)
}

// RetryFailedCredits requeues due Failed records.
func (j *Jobs) RetryFailedCredits() {
	j.withLease("credit_retry", j.engine.RetryFailed)
}

// ResubmitStaleReservations resubmits Reserved records nobody is working on.
func (j *Jobs) ResubmitStaleReservations() {
	j.withLease("stale_reservations", func(ctx context.Context) error {
		return j.engine.ResubmitStale(ctx, j.cfg.StaleReservationAge)
	})
}

// AdvanceStaleObservations reserves or parks records stuck in Seen.
func (j *Jobs) AdvanceStaleObservations() {
	j.withLease("stale_observations", func(ctx context.Context) error {
		advanced, err := j.relay.AdvanceStaleSeen(ctx, j.cfg.StaleObservationAge, j.cfg.SweepLimit)
		if advanced > 0 {
			j.logger.Info("advanced stale observations", "count", advanced)
		}
		return err
	})
}
