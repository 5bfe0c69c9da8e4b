/**
 * @description
 * The push adapter. Account notifications carry only the new balance, so each
 * one is resolved by listing the latest few signatures for the watched address
 * and ingesting the ones not seen before. While the subscription is down the
 * adapter asks the poll adapter for out-of-band cycles and reconnects with
 * capped exponential backoff.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/transfa/deposit-relay/internal/domain"
	"github.com/transfa/deposit-relay/internal/normalize"
	"github.com/transfa/deposit-relay/internal/store"
)

// PollTrigger requests an immediate poll cycle.
type PollTrigger interface {
	Trigger()
}

// PushConfig holds the push adapter's lookback and reconnect policy.
type PushConfig struct {
	Lookback     int
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// PushAdapter turns account-change notifications into deposit observations.
type PushAdapter struct {
	source  SourceLedger
	records store.RecordStore
	relay   *Relay
	poll    PollTrigger
	cfg     PushConfig
	seen    *signatureRing
	logger  *slog.Logger
}

func NewPushAdapter(source SourceLedger, records store.RecordStore, relay *Relay, poll PollTrigger, cfg PushConfig, logger *slog.Logger) *PushAdapter {
	if cfg.Lookback <= 0 {
		cfg.Lookback = 10
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 500 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &PushAdapter{
		source:  source,
		records: records,
		relay:   relay,
		poll:    poll,
		cfg:     cfg,
		seen:    newSignatureRing(cfg.Lookback * 64),
		logger:  logger.With("component", "push_adapter"),
	}
}

// Run keeps a subscription open until ctx is cancelled.
func (p *PushAdapter) Run(ctx context.Context) error {
	address := p.relay.WatchedAddress()
	failures := 0
	for {
		if ctx.Err() != nil {
			p.logger.Info("push adapter stopped")
			return nil
		}

		stream, err := p.source.SubscribeAccountChanges(ctx, address)
		if err != nil {
			failures++
			p.fallBack(ctx, failures, err)
			continue
		}
		failures = 0
		p.logger.Info("account subscription established", "address", address)

		// Bridge whatever landed while the subscription was down.
		p.resolveRecent(ctx)
		for notification := range stream {
			p.logger.Debug("account changed", "slot", notification.Slot, "lamports", notification.Lamports)
			p.resolveRecent(ctx)
		}

		if ctx.Err() != nil {
			continue
		}
		failures++
		p.fallBack(ctx, failures, errors.New("subscription closed"))
	}
}

func (p *PushAdapter) fallBack(ctx context.Context, failures int, cause error) {
	delay := backoffDelay(p.cfg.ReconnectMin, p.cfg.ReconnectMax, failures)
	p.logger.Warn("account subscription lost; polling until restored", "failures", failures, "reconnect_in", delay, "error", cause)
	if p.poll != nil {
		p.poll.Trigger()
	}
	_ = sleepContext(ctx, delay)
}

// resolveRecent ingests the unseen signatures among the latest Lookback entries, oldest first.
func (p *PushAdapter) resolveRecent(ctx context.Context) {
	address := p.relay.WatchedAddress()
	infos, err := p.source.ListLatestSignatures(ctx, address, p.cfg.Lookback)
	if err != nil {
		p.logger.Warn("failed to list latest signatures", "error", err)
		return
	}

	candidates := make([]string, 0, len(infos))
	for i := len(infos) - 1; i >= 0; i-- {
		info := infos[i]
		if p.seen.Contains(info.Signature) {
			continue
		}
		if info.Failed {
			p.seen.Add(info.Signature)
			continue
		}
		candidates = append(candidates, info.Signature)
	}
	if len(candidates) == 0 {
		return
	}

	unknown, err := p.records.UnknownSignatures(ctx, candidates)
	if err != nil {
		p.logger.Warn("failed to diff signatures", "error", err)
		return
	}
	unknownSet := make(map[string]struct{}, len(unknown))
	for _, signature := range unknown {
		unknownSet[signature] = struct{}{}
	}

	for _, signature := range candidates {
		if _, ok := unknownSet[signature]; !ok {
			p.seen.Add(signature)
			continue
		}
		if err := p.ingest(ctx, signature); err != nil {
			p.logger.Warn("push ingestion failed; left for the next notification or poll", "signature", signature, "error", err)
			continue
		}
		p.seen.Add(signature)
	}
}

func (p *PushAdapter) ingest(ctx context.Context, signature string) error {
	detail, err := p.source.GetTransactionDetail(ctx, signature)
	if errors.Is(err, domain.ErrMalformedEvent) {
		p.logger.Warn("skipping undecodable transaction", "signature", signature, "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	// Only a balance increase on the watched account can be a deposit.
	if diff, _ := normalize.NativeDiff(detail, p.relay.WatchedAddress()); diff == 0 && len(detail.PostTokenBalances) == 0 {
		return nil
	}
	payload := normalize.PayloadFromDetail(detail, p.relay.WatchedAddress())
	_, err = p.relay.IngestPayload(ctx, payload, domain.ChannelPush, "rpc:"+signature)
	if errors.Is(err, domain.ErrMalformedEvent) {
		p.logger.Warn("dropping malformed transaction", "signature", signature, "error", err)
		return nil
	}
	return err
}
