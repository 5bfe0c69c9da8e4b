package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/transfa/deposit-relay/internal/domain"
	"github.com/transfa/deposit-relay/internal/normalize"
	"github.com/transfa/deposit-relay/internal/store"
)

// ReconcileReport summarizes one reconciliation sweep.
type ReconcileReport struct {
	Scanned  int
	Unknown  int
	Ingested int
	Ignored  int
	Errors   int
}

// Reconciler rescans a wide window of source-ledger history and feeds every
// signature the store has never seen back through the relay. It is the safety
// net for outages longer than the adapters' own lookback.
type Reconciler struct {
	source        SourceLedger
	records       store.RecordStore
	relay         *Relay
	window        time.Duration
	maxSignatures int
	ignored       *signatureRing
	logger        *slog.Logger
	now           func() time.Time
}

func NewReconciler(source SourceLedger, records store.RecordStore, relay *Relay, window time.Duration, maxSignatures int, logger *slog.Logger) *Reconciler {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if maxSignatures <= 0 {
		maxSignatures = 1000
	}
	return &Reconciler{
		source:        source,
		records:       records,
		relay:         relay,
		window:        window,
		maxSignatures: maxSignatures,
		ignored:       newSignatureRing(maxSignatures * 2),
		logger:        logger.With("component", "reconciler"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile runs one sweep over the configured window.
func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	address := r.relay.WatchedAddress()
	since := r.now().Add(-r.window)

	infos, err := r.source.ListRecentTransactions(ctx, address, since, r.maxSignatures)
	if err != nil {
		return report, fmt.Errorf("list history: %w", err)
	}
	report.Scanned = len(infos)

	candidates := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.Failed || r.ignored.Contains(info.Signature) {
			continue
		}
		candidates = append(candidates, info.Signature)
	}
	unknown, err := r.records.UnknownSignatures(ctx, candidates)
	if err != nil {
		return report, fmt.Errorf("diff signatures: %w", err)
	}
	report.Unknown = len(unknown)

	for _, signature := range unknown {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		detail, err := r.source.GetTransactionDetail(ctx, signature)
		if err != nil {
			if errors.Is(err, domain.ErrMalformedEvent) {
				r.ignored.Add(signature)
			}
			report.Errors++
			r.logger.Warn("failed to fetch missed transaction", "signature", signature, "error", err)
			continue
		}
		payload := normalize.PayloadFromDetail(detail, address)
		outcome, err := r.relay.IngestPayload(ctx, payload, domain.ChannelReconcile, "rpc:"+signature)
		if err != nil {
			if errors.Is(err, domain.ErrMalformedEvent) {
				r.ignored.Add(signature)
			}
			report.Errors++
			r.logger.Warn("failed to ingest missed transaction", "signature", signature, "error", err)
			continue
		}
		if outcome == OutcomeIgnored {
			r.ignored.Add(signature)
			report.Ignored++
			continue
		}
		report.Ingested++
		r.logger.Info("reconciliation recovered a missed deposit", "signature", signature, "outcome", outcome)
	}
	return report, nil
}
