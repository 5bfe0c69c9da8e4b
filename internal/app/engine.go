/**
 * @description
 * The crediting engine. A bounded pool of workers takes reserved signatures off
 * a queue and calls the destination ledger with the signature as idempotency
 * key. Each cycle makes a bounded number of attempts with exponential backoff;
 * an exhausted cycle parks the record in Failed for the retry sweep, and an
 * explicit rejection or an exhausted cycle budget ends in FailedTerminal with an
 * operator alert.
 *
 * @notes
 * - A crash between reservation and commit leaves the record Reserved. Startup
 *   recovery and the stale sweep resubmit it; the ledger absorbs the replay.
 * - Cancellation never fails a record: it stays Reserved and is retried later.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/transfa/deposit-relay/internal/domain"
	"github.com/transfa/deposit-relay/internal/metrics"
	"github.com/transfa/deposit-relay/internal/store"
)

// EngineConfig bounds the engine's concurrency and retry behavior.
type EngineConfig struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	MaxCycles   int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	CallTimeout time.Duration
	SweepLimit  int
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.MaxCycles <= 0 {
		c.MaxCycles = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.SweepLimit <= 0 {
		c.SweepLimit = 500
	}
	return c
}

// Engine credits reserved deposits exactly once per signature.
type Engine struct {
	records  store.RecordStore
	ledger   DestinationLedger
	alerts   AlertSink
	notifier CreditNotifier
	cfg      EngineConfig
	logger   *slog.Logger

	queue    chan string
	mu       sync.Mutex
	inFlight map[string]struct{}

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewEngine(records store.RecordStore, ledger DestinationLedger, alerts AlertSink, notifier CreditNotifier, cfg EngineConfig, logger *slog.Logger) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		records:  records,
		ledger:   ledger,
		alerts:   alerts,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With("component", "crediting_engine"),
		queue:    make(chan string, cfg.QueueSize),
		inFlight: make(map[string]struct{}),
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepContext,
	}
}

// Submit queues signature for crediting without blocking. It returns false only
// when the queue is full; a signature already queued or in progress is accepted
// without being queued twice.
func (e *Engine) Submit(signature string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inFlight[signature]; ok {
		return true
	}
	select {
	case e.queue <- signature:
		e.inFlight[signature] = struct{}{}
		metrics.QueueDepth.Set(float64(len(e.queue)))
		return true
	default:
		return false
	}
}

// InFlight reports whether signature is queued or being credited by this process.
func (e *Engine) InFlight(signature string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inFlight[signature]
	return ok
}

func (e *Engine) done(signature string) {
	e.mu.Lock()
	delete(e.inFlight, signature)
	e.mu.Unlock()
}

// Run starts the worker pool and blocks until ctx is cancelled and every worker
// has returned. Signatures still queued at shutdown stay Reserved.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case signature := <-e.queue:
					metrics.QueueDepth.Set(float64(len(e.queue)))
					if err := e.Process(ctx, signature); err != nil && ctx.Err() == nil {
						e.logger.Error("credit cycle failed", "worker", worker, "signature", signature, "error", err)
					}
					e.done(signature)
				}
			}
		}(i)
	}
	e.logger.Info("crediting engine started", "workers", e.cfg.Workers, "queue_size", e.cfg.QueueSize)
	wg.Wait()
	e.logger.Info("crediting engine stopped")
	return nil
}

// Process runs one credit cycle for a reserved signature.
func (e *Engine) Process(ctx context.Context, signature string) error {
	record, err := e.records.Get(ctx, signature)
	if err != nil {
		return fmt.Errorf("load %s: %w", signature, err)
	}
	if record.Status != domain.StatusReserved {
		return nil
	}
	if record.ResolvedDestination == "" {
		return e.failTerminal(ctx, record, "reserved without a destination")
	}

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		total, err := e.records.RecordAttempt(ctx, signature)
		if errors.Is(err, domain.ErrInvalidTransition) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("record attempt %s: %w", signature, err)
		}
		record.Attempts = total

		outcome, reason, err := e.credit(ctx, record)
		if err == nil {
			switch outcome {
			case domain.CreditApplied, domain.CreditAlreadyApplied:
				return e.commit(ctx, record, outcome)
			case domain.CreditRejected:
				return e.failTerminal(ctx, record, "rejected by destination ledger: "+reason)
			default:
				err = fmt.Errorf("%w: unknown outcome %q", domain.ErrCreditTransient, outcome)
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		e.logger.Warn("credit attempt failed",
			"signature", signature,
			"attempt", attempt,
			"max_attempts", e.cfg.MaxAttempts,
			"error", err,
		)
		if attempt < e.cfg.MaxAttempts {
			if err := e.sleep(ctx, backoffDelay(e.cfg.BackoffBase, e.cfg.BackoffMax, attempt)); err != nil {
				return err
			}
		}
	}

	nextAttemptAt := e.now().Add(backoffDelay(e.cfg.BackoffBase, e.cfg.BackoffMax, e.cfg.MaxAttempts+record.RetryCycles))
	if _, err := e.records.Fail(ctx, signature, lastErr.Error(), nextAttemptAt); err != nil {
		return fmt.Errorf("fail %s: %w", signature, err)
	}
	e.logger.Warn("credit cycle exhausted; parked for retry",
		"signature", signature,
		"retry_cycles", record.RetryCycles,
		"next_attempt_at", nextAttemptAt,
	)
	return nil
}

func (e *Engine) credit(ctx context.Context, record domain.ProcessingRecord) (domain.CreditOutcome, string, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	outcome, reason, err := e.ledger.CreditAccount(callCtx, record.ResolvedDestination, record.Event.Amount, record.Signature)
	label := string(outcome)
	if err != nil {
		label = "transient"
	}
	metrics.CreditAttempts.WithLabelValues(label).Inc()
	metrics.CreditDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	return outcome, reason, err
}

func (e *Engine) commit(ctx context.Context, record domain.ProcessingRecord, outcome domain.CreditOutcome) error {
	committed, err := e.records.Commit(ctx, record.Signature, record.Event.Amount)
	if err != nil {
		return fmt.Errorf("commit %s: %w", record.Signature, err)
	}
	if !committed {
		return nil
	}
	e.logger.Info("deposit credited",
		"signature", record.Signature,
		"destination", record.ResolvedDestination,
		"amount", record.Event.Amount,
		"outcome", outcome,
		"attempts", record.Attempts,
	)
	if e.notifier != nil {
		event := domain.CreditedEvent{
			Signature:      record.Signature,
			DestinationKey: record.ResolvedDestination,
			Amount:         record.Event.Amount,
			Channel:        record.Event.Channel,
			CreditedAt:     e.now(),
		}
		if err := e.notifier.Credited(ctx, event); err != nil {
			e.logger.Warn("failed to publish credited event", "signature", record.Signature, "error", err)
		}
	}
	return nil
}

func (e *Engine) failTerminal(ctx context.Context, record domain.ProcessingRecord, reason string) error {
	moved, err := e.records.FailTerminal(ctx, record.Signature, reason)
	if err != nil {
		return fmt.Errorf("fail terminal %s: %w", record.Signature, err)
	}
	if !moved {
		return nil
	}
	e.logger.Error("deposit needs manual resolution", "signature", record.Signature, "reason", reason)
	e.raise(ctx, domain.AlertCreditFailedTerminal, record, reason)
	return nil
}

func (e *Engine) raise(ctx context.Context, kind domain.AlertKind, record domain.ProcessingRecord, reason string) {
	if e.alerts == nil {
		return
	}
	alert := newAlert(kind, record, reason, e.now())
	if err := e.alerts.Raise(ctx, alert); err != nil {
		e.logger.Error("failed to raise alert", "signature", record.Signature, "kind", kind, "error", err)
	}
}

// RecoverReserved resubmits every record left Reserved by a previous run.
func (e *Engine) RecoverReserved(ctx context.Context) (int, error) {
	records, err := e.records.ListByStatus(ctx, domain.StatusReserved, e.cfg.SweepLimit)
	if err != nil {
		return 0, err
	}
	submitted := 0
	for _, record := range records {
		if e.Submit(record.Signature) {
			submitted++
		}
	}
	if len(records) > 0 {
		e.logger.Info("requeued reservations from previous run", "found", len(records), "submitted", submitted)
	}
	return submitted, nil
}

// RetryFailed requeues due Failed records while their cycle budget lasts and
// moves the rest to FailedTerminal.
func (e *Engine) RetryFailed(ctx context.Context) error {
	due, err := e.records.ListDue(ctx, domain.StatusFailed, e.now(), e.cfg.SweepLimit)
	if err != nil {
		return err
	}
	for _, record := range due {
		if record.RetryCycles+1 >= e.cfg.MaxCycles {
			reason := fmt.Sprintf("credit retries exhausted after %d cycles: %s", record.RetryCycles+1, record.LastError)
			if err := e.failTerminal(ctx, record, reason); err != nil {
				e.logger.Error("failed to close exhausted record", "signature", record.Signature, "error", err)
			}
			continue
		}
		requeued, err := e.records.Requeue(ctx, record.Signature)
		if err != nil {
			e.logger.Error("failed to requeue record", "signature", record.Signature, "error", err)
			continue
		}
		if requeued && !e.Submit(record.Signature) {
			e.logger.Warn("credit queue full; requeued record left for the stale sweep", "signature", record.Signature)
		}
	}
	return nil
}

// ResubmitStale resubmits Reserved records that have not moved for olderThan
// and are not being worked on by this process.
func (e *Engine) ResubmitStale(ctx context.Context, olderThan time.Duration) error {
	stale, err := e.records.ListStaleReserved(ctx, e.now().Add(-olderThan), e.cfg.SweepLimit)
	if err != nil {
		return err
	}
	for _, record := range stale {
		if e.InFlight(record.Signature) {
			continue
		}
		if !e.Submit(record.Signature) {
			e.logger.Warn("credit queue full; stale sweep stopped early", "remaining", len(stale))
			return nil
		}
	}
	return nil
}
