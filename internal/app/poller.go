/**
 * @description
 * The poll adapter. Each cycle lists up to a page of the oldest signatures for
 * the watched address at or after the persisted watermark, feeds them through
 * the relay oldest first and only then advances the watermark to the newest
 * block time it was given. A backlog larger than a page drains over cycles.
 * A failed cycle leaves the watermark where it was and the next cycle is
 * delayed with exponential backoff. The push adapter can request an immediate
 * cycle through Trigger.
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

// PollConfig holds the poll adapter's cadence.
type PollConfig struct {
	Interval        time.Duration
	MaxBackoff      time.Duration
	PageLimit       int
	InitialLookback time.Duration
}

// PollAdapter periodically queries the source ledger for new deposits.
type PollAdapter struct {
	source     SourceLedger
	records    store.RecordStore
	watermarks store.WatermarkStore
	relay      *Relay
	cfg        PollConfig
	trigger    chan struct{}
	ignored    *signatureRing
	logger     *slog.Logger
	now        func() time.Time
}

func NewPollAdapter(source SourceLedger, records store.RecordStore, watermarks store.WatermarkStore, relay *Relay, cfg PollConfig, logger *slog.Logger) *PollAdapter {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 100
	}
	return &PollAdapter{
		source:     source,
		records:    records,
		watermarks: watermarks,
		relay:      relay,
		cfg:        cfg,
		trigger:    make(chan struct{}, 1),
		ignored:    newSignatureRing(4096),
		logger:     logger.With("component", "poll_adapter"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Trigger requests an out-of-band cycle. Requests made while one is pending are coalesced.
func (p *PollAdapter) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled.
func (p *PollAdapter) Run(ctx context.Context) error {
	p.logger.Info("poll adapter started", "address", p.relay.WatchedAddress(), "interval", p.cfg.Interval)
	timer := time.NewTimer(0)
	defer timer.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poll adapter stopped")
			return nil
		case <-timer.C:
		case <-p.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		delay := p.cfg.Interval
		if err := p.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			failures++
			delay = backoffDelay(p.cfg.Interval, p.cfg.MaxBackoff, failures+1)
			p.logger.Warn("poll cycle failed; watermark not advanced", "failures", failures, "retry_in", delay, "error", err)
		} else {
			failures = 0
		}
		timer.Reset(delay)
	}
}

// Cycle runs one poll cycle.
func (p *PollAdapter) Cycle(ctx context.Context) error {
	address := p.relay.WatchedAddress()

	mark, found, err := p.watermarks.LoadWatermark(ctx, address, domain.ChannelPoll)
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}
	if !found {
		mark = p.now().Add(-p.cfg.InitialLookback).Truncate(time.Second)
		if err := p.watermarks.SaveWatermark(ctx, address, domain.ChannelPoll, mark); err != nil {
			return fmt.Errorf("seed watermark: %w", err)
		}
		p.logger.Info("poll watermark initialized", "watermark", mark)
	}

	infos, err := p.source.ListRecentTransactions(ctx, address, mark, p.cfg.PageLimit)
	if err != nil {
		return err
	}
	if len(infos) >= p.cfg.PageLimit {
		p.logger.Info("poll page limit reached; the rest follows next cycle", "limit", p.cfg.PageLimit)
	}

	candidates := make([]string, 0, len(infos))
	for _, info := range infos {
		if !info.Failed && !p.ignored.Contains(info.Signature) {
			candidates = append(candidates, info.Signature)
		}
	}
	unknown, err := p.records.UnknownSignatures(ctx, candidates)
	if err != nil {
		return fmt.Errorf("diff signatures: %w", err)
	}
	pending := make(map[string]struct{}, len(unknown))
	for _, signature := range unknown {
		pending[signature] = struct{}{}
	}

	highest := mark
	for _, info := range infos {
		if _, ok := pending[info.Signature]; ok {
			if err := p.ingest(ctx, info.Signature); err != nil {
				return err
			}
		}
		if info.BlockTime.After(highest) {
			highest = info.BlockTime
		}
	}

	if !highest.After(mark) && len(infos) >= p.cfg.PageLimit {
		p.logger.Warn("a full page shares the watermark second; raise the page limit", "limit", p.cfg.PageLimit, "watermark", mark)
	}
	// The watermark only moves over signatures this cycle was given.
	if highest.After(mark) {
		if err := p.watermarks.SaveWatermark(ctx, address, domain.ChannelPoll, highest); err != nil {
			return fmt.Errorf("save watermark: %w", err)
		}
	}
	return nil
}

func (p *PollAdapter) ingest(ctx context.Context, signature string) error {
	detail, err := p.source.GetTransactionDetail(ctx, signature)
	if errors.Is(err, domain.ErrMalformedEvent) {
		p.logger.Warn("skipping undecodable transaction", "signature", signature, "error", err)
		p.ignored.Add(signature)
		return nil
	}
	if err != nil {
		return err
	}

	payload := normalize.PayloadFromDetail(detail, p.relay.WatchedAddress())
	outcome, err := p.relay.IngestPayload(ctx, payload, domain.ChannelPoll, "rpc:"+signature)
	if errors.Is(err, domain.ErrMalformedEvent) {
		metrics.EventsObserved.WithLabelValues(string(domain.ChannelPoll), "dropped").Inc()
		p.logger.Warn("dropping malformed transaction", "signature", signature, "error", err)
		p.ignored.Add(signature)
		return nil
	}
	if err != nil {
		return err
	}
	if outcome == OutcomeIgnored {
		p.ignored.Add(signature)
	}
	return nil
}
