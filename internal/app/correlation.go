package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/transfa/deposit-relay/internal/domain"
	"github.com/transfa/deposit-relay/internal/store"
)

const (
	correlationRetryBase = 30 * time.Second
	correlationRetryMax  = 30 * time.Minute
)

// CorrelationRetrier retries destination lookups for deposits held in
// PendingCorrelation and dead-letters them once the attempt bound is reached.
type CorrelationRetrier struct {
	records     store.RecordStore
	resolver    DestinationResolver
	engine      Submitter
	alerts      AlertSink
	maxAttempts int
	limit       int
	logger      *slog.Logger
	now         func() time.Time
}

func NewCorrelationRetrier(records store.RecordStore, resolver DestinationResolver, engine Submitter, alerts AlertSink, maxAttempts int, logger *slog.Logger) *CorrelationRetrier {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &CorrelationRetrier{
		records:     records,
		resolver:    resolver,
		engine:      engine,
		alerts:      alerts,
		maxAttempts: maxAttempts,
		limit:       200,
		logger:      logger.With("component", "correlation_retrier"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// RetryDue makes one lookup for every pending record whose next attempt is due.
func (c *CorrelationRetrier) RetryDue(ctx context.Context) error {
	due, err := c.records.ListDue(ctx, domain.StatusPendingCorrelation, c.now(), c.limit)
	if err != nil {
		return err
	}
	for _, record := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.retry(ctx, record)
	}
	return nil
}

func (c *CorrelationRetrier) retry(ctx context.Context, record domain.ProcessingRecord) {
	signature := record.Signature
	destination, lookupErr := c.resolver.ResolveDestination(ctx, record.Event.SourceAddress, record.Event.Memo)
	if lookupErr == nil && destination != "" {
		resolved, err := c.records.ResolveCorrelation(ctx, signature, destination)
		if err != nil {
			c.logger.Error("failed to store resolved destination", "signature", signature, "error", err)
			return
		}
		if resolved {
			c.logger.Info("destination resolved", "signature", signature, "destination", destination)
			if c.engine != nil && !c.engine.Submit(signature) {
				c.logger.Warn("credit queue full; reservation left for the stale sweep", "signature", signature)
			}
		}
		return
	}

	reason := "destination not found"
	if lookupErr != nil {
		reason = lookupErr.Error()
	}

	if record.CorrelationAttempts+1 >= c.maxAttempts {
		moved, err := c.records.DeadLetter(ctx, signature, reason)
		if err != nil {
			c.logger.Error("failed to dead-letter record", "signature", signature, "error", err)
			return
		}
		if moved {
			record.CorrelationAttempts++
			c.logger.Error("deposit dead-lettered; destination never resolved",
				"signature", signature,
				"correlation_attempts", record.CorrelationAttempts,
				"reason", reason,
			)
			if c.alerts != nil {
				alert := newAlert(domain.AlertDeadLetter, record, reason, c.now())
				alert.Attempts = record.CorrelationAttempts
				if err := c.alerts.Raise(ctx, alert); err != nil {
					c.logger.Error("failed to raise alert", "signature", signature, "error", err)
				}
			}
		}
		return
	}

	next := c.now().Add(backoffDelay(correlationRetryBase, correlationRetryMax, record.CorrelationAttempts+1))
	updated, err := c.records.DeferCorrelation(ctx, signature, reason, next)
	if err != nil {
		c.logger.Warn("failed to defer correlation", "signature", signature, "error", err)
		return
	}
	c.logger.Info("destination still unresolved",
		"signature", signature,
		"correlation_attempts", updated.CorrelationAttempts,
		"next_attempt_at", next,
		"reason", reason,
	)
}
