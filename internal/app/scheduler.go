/**
 * @description
 * Cron scheduler setup for the relay's sweeps.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Schedules holds the cron spec of each sweep.
type Schedules struct {
	Reconcile         string
	Correlation       string
	CreditRetry       string
	StaleReservations string
	StaleObservations string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	jobs      *Jobs
	logger    *slog.Logger
	schedules Schedules
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, schedules Schedules, logger *slog.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:      c,
		jobs:      jobs,
		logger:    logger.With("component", "scheduler"),
		schedules: schedules,
	}
}

// Start registers the jobs and starts the cron scheduler. A job with an invalid
// schedule is logged and left out; the others still run.
func (s *Scheduler) Start() {
	entries := []struct {
		name     string
		schedule string
		run      func()
	}{
		{"reconciliation", s.schedules.Reconcile, s.jobs.ReconcileDeposits},
		{"correlation retry", s.schedules.Correlation, s.jobs.RetryCorrelations},
		{"credit retry", s.schedules.CreditRetry, s.jobs.RetryFailedCredits},
		{"stale reservation", s.schedules.StaleReservations, s.jobs.ResubmitStaleReservations},
		{"stale observation", s.schedules.StaleObservations, s.jobs.AdvanceStaleObservations},
	}
	for _, entry := range entries {
		if entry.schedule == "" {
			continue
		}
		if _, err := s.cron.AddFunc(entry.schedule, entry.run); err != nil {
			s.logger.Error("failed to schedule job", "job", entry.name, "schedule", entry.schedule, "error", err)
			continue
		}
		s.logger.Info("scheduled job", "job", entry.name, "schedule", entry.schedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
