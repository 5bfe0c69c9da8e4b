/**
 * @description
 * The shared ingestion path. Every observation channel hands its payloads to
 * Relay, which normalizes them, records the first observation of a signature and
 * races for the reservation. Only the winner of that race reaches the crediting
 * engine; everyone else is a duplicate and is discarded quietly.
 *
 * @dependencies
 * - internal/normalize: the extraction rule table shared by all channels.
 * - internal/store: the record store whose compare-and-set transitions arbitrate the race.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/transfa/deposit-relay/internal/domain"
	"github.com/transfa/deposit-relay/internal/metrics"
	"github.com/transfa/deposit-relay/internal/normalize"
	"github.com/transfa/deposit-relay/internal/store"
)

// IngestOutcome describes what happened to one observation.
type IngestOutcome string

const (
	OutcomeReserved           IngestOutcome = "reserved"
	OutcomeDuplicate          IngestOutcome = "duplicate"
	OutcomePendingCorrelation IngestOutcome = "pending_correlation"
	OutcomeIgnored            IngestOutcome = "ignored"
)

// Relay is the ingestion path shared by the poll, push, webhook and reconcile channels.
type Relay struct {
	records    store.RecordStore
	normalizer *normalize.Normalizer
	engine     Submitter
	logger     *slog.Logger
	now        func() time.Time
}

func NewRelay(records store.RecordStore, normalizer *normalize.Normalizer, engine Submitter, logger *slog.Logger) *Relay {
	return &Relay{
		records:    records,
		normalizer: normalizer,
		engine:     engine,
		logger:     logger.With("component", "relay"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WatchedAddress is the source account this relay credits deposits for.
func (r *Relay) WatchedAddress() string {
	return r.normalizer.WatchedAddress()
}

// IngestPayload normalizes payload and feeds the resulting event through Ingest.
// Payloads that carry no deposit are ignored without error; malformed payloads
// return an error wrapping domain.ErrMalformedEvent.
func (r *Relay) IngestPayload(ctx context.Context, payload map[string]any, channel domain.Channel, rawRef string) (IngestOutcome, error) {
	event, err := r.normalizer.Normalize(ctx, payload, channel, rawRef)
	if errors.Is(err, domain.ErrNotDeposit) {
		metrics.EventsObserved.WithLabelValues(string(channel), string(OutcomeIgnored)).Inc()
		r.logger.Debug("payload carries no deposit", "channel", channel, "raw_ref", rawRef, "error", err)
		return OutcomeIgnored, nil
	}
	if err != nil {
		metrics.EventsObserved.WithLabelValues(string(channel), "malformed").Inc()
		return "", err
	}
	return r.Ingest(ctx, event)
}

// Ingest records one normalized observation and, if it wins the reservation,
// submits it for crediting.
func (r *Relay) Ingest(ctx context.Context, event domain.DepositEvent) (IngestOutcome, error) {
	if event.SourceSignature == "" {
		return "", fmt.Errorf("%w: missing signature", domain.ErrMalformedEvent)
	}

	record, created, err := r.records.Observe(ctx, event)
	if err != nil {
		return "", fmt.Errorf("observe %s: %w", event.SourceSignature, err)
	}

	outcome, err := r.advance(ctx, record)
	if err != nil {
		return "", err
	}
	metrics.EventsObserved.WithLabelValues(string(event.Channel), string(outcome)).Inc()
	r.logger.Info("deposit observed",
		"signature", event.SourceSignature,
		"channel", event.Channel,
		"amount", event.Amount,
		"first_observation", created,
		"outcome", outcome,
	)
	return outcome, nil
}

func (r *Relay) advance(ctx context.Context, record domain.ProcessingRecord) (IngestOutcome, error) {
	signature := record.Signature

	switch record.Status {
	case domain.StatusSeen:
		if record.ResolvedDestination == "" {
			marked, err := r.records.MarkPendingCorrelation(ctx, signature, r.now())
			if err != nil {
				return "", fmt.Errorf("mark pending correlation %s: %w", signature, err)
			}
			if !marked {
				return OutcomeDuplicate, nil
			}
			return OutcomePendingCorrelation, nil
		}
		result, err := r.records.Reserve(ctx, signature)
		if err != nil {
			return "", fmt.Errorf("reserve %s: %w", signature, err)
		}
		if !result.Won {
			return OutcomeDuplicate, nil
		}
		r.submit(signature)
		return OutcomeReserved, nil

	case domain.StatusPendingCorrelation:
		if record.ResolvedDestination == "" {
			return OutcomeDuplicate, nil
		}
		resolved, err := r.records.ResolveCorrelation(ctx, signature, record.ResolvedDestination)
		if err != nil {
			return "", fmt.Errorf("resolve correlation %s: %w", signature, err)
		}
		if !resolved {
			return OutcomeDuplicate, nil
		}
		r.submit(signature)
		return OutcomeReserved, nil
	}
	return OutcomeDuplicate, nil
}

// AdvanceStaleSeen retries the reserve-or-park step for records that have sat
// in Seen for longer than olderThan. A record only stays Seen when the store
// call after Observe failed, and no channel re-ingests a signature it already
// has a record for.
func (r *Relay) AdvanceStaleSeen(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	records, err := r.records.ListByStatus(ctx, domain.StatusSeen, limit)
	if err != nil {
		return 0, fmt.Errorf("list seen records: %w", err)
	}

	cutoff := r.now().Add(-olderThan)
	advanced := 0
	for _, record := range records {
		if ctx.Err() != nil {
			return advanced, ctx.Err()
		}
		if record.UpdatedAt.After(cutoff) {
			continue
		}
		outcome, err := r.advance(ctx, record)
		if err != nil {
			r.logger.Warn("failed to advance stale observation", "signature", record.Signature, "error", err)
			continue
		}
		if outcome == OutcomeDuplicate {
			continue
		}
		advanced++
		metrics.EventsObserved.WithLabelValues(string(record.Event.Channel), string(outcome)).Inc()
		r.logger.Info("stale observation advanced", "signature", record.Signature, "outcome", outcome)
	}
	return advanced, nil
}

func (r *Relay) submit(signature string) {
	if r.engine == nil {
		return
	}
	if !r.engine.Submit(signature) {
		r.logger.Warn("credit queue full; reservation left for the stale sweep", "signature", signature)
	}
}
