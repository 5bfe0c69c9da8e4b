/**
 * @description
 * The Event Normalizer turns a raw payload from any channel into a canonical
 * domain.DepositEvent. Webhook items arrive in provider shapes; Poll, Push and
 * Reconcile build the same shape from RPC transaction detail (see PayloadFromDetail),
 * so a single rule table decides what every channel reports.
 *
 * @dependencies
 * - github.com/shopspring/decimal: UI amount to minor unit conversion (amount.go).
 */
package normalize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/transfa/deposit-relay/internal/domain"
)

// Directory resolves a sender and memo to a destination ledger key.
type Directory interface {
	ResolveDestination(ctx context.Context, sourceAddress, memo string) (string, error)
}

// Extraction is the result of applying the rule table to one payload.
type Extraction struct {
	Signature       string
	SourceAddress   string
	Memo            string
	DestinationHint string
	Amount          int64
	SourceTimestamp time.Time
	Failed          bool
}

// Normalizer converts payloads for a single watched address.
type Normalizer struct {
	watched      string
	acceptedMint string
	directory    Directory
	logger       *slog.Logger
	now          func() time.Time
}

// NewNormalizer creates a normalizer. directory may be nil, in which case events
// without an explicit destination hint stay pending correlation.
func NewNormalizer(watched, acceptedMint string, directory Directory, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{
		watched:      strings.TrimSpace(watched),
		acceptedMint: strings.TrimSpace(acceptedMint),
		directory:    directory,
		logger:       logger.With("component", "normalizer"),
		now:          time.Now,
	}
}

// WatchedAddress returns the address this normalizer extracts deposits for.
func (n *Normalizer) WatchedAddress() string {
	return n.watched
}

// ExtractSignature applies SignatureRule only. It is what the webhook handler uses
// to decide whether an item is worth enqueueing.
func ExtractSignature(payload map[string]any) string {
	return SignatureRule.String(payload)
}

// Extract applies the full rule table to a payload without any I/O.
func (n *Normalizer) Extract(payload map[string]any) (Extraction, error) {
	var out Extraction

	out.Signature = ExtractSignature(payload)
	if out.Signature == "" {
		return out, fmt.Errorf("%w: no signature found", domain.ErrMalformedEvent)
	}

	if _, _, failed := TransactionErrorRule.First(payload); failed {
		out.Failed = true
		return out, nil
	}

	out.SourceTimestamp = timestampOf(payload)
	out.DestinationHint = DestinationHintRule.String(payload)
	out.Memo = MemoRule.String(payload)
	out.SourceAddress = FeePayerRule.String(payload)

	transfers, _, _ := TransfersRule.List(payload)
	matched := false
	for _, item := range transfers {
		transfer, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if TransferDestinationRule.String(transfer) != n.watched {
			continue
		}
		amount, err := transferAmount(transfer)
		if err != nil {
			return out, err
		}
		if amount <= 0 {
			continue
		}
		if !matched {
			if source := TransferSourceRule.String(transfer); source != "" {
				out.SourceAddress = source
			}
			if memo := TransferMemoRule.String(transfer); memo != "" {
				out.Memo = memo
			}
		}
		matched = true
		if out.Amount, err = addMinorUnits(out.Amount, amount); err != nil {
			return out, err
		}
	}

	if !matched {
		amount, err := n.tokenBalanceAmount(payload)
		if err != nil {
			return out, err
		}
		out.Amount = amount
	}

	return out, nil
}

func (n *Normalizer) tokenBalanceAmount(payload map[string]any) (int64, error) {
	balances, path, ok := TokenBalancesRule.List(payload)
	if !ok {
		return 0, nil
	}

	var pre []any
	if path == metaPostTokenBalancesPath {
		if v, found := lookup(payload, metaPreTokenBalancesPath); found {
			pre, _ = v.([]any)
		}
	}

	var total int64
	for _, item := range balances {
		balance, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if !TokenOwnerRule.Matches(balance, n.watched) {
			continue
		}
		if n.acceptedMint != "" {
			if mint, _ := balance["mint"].(string); mint != "" && mint != n.acceptedMint {
				continue
			}
		}
		amount, ok, err := tokenAmount(balance)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		if before := matchingPreBalance(pre, balance); before != nil {
			prior, _, err := tokenAmount(before)
			if err != nil {
				return 0, err
			}
			amount -= prior
		}
		if amount > 0 {
			if total, err = addMinorUnits(total, amount); err != nil {
				return 0, err
			}
		}
	}
	return total, nil
}

// matchingPreBalance finds the pre-state entry for a post balance: same
// accountIndex when present, else same mint and owner.
func matchingPreBalance(pre []any, post map[string]any) map[string]any {
	if len(pre) == 0 {
		return nil
	}
	postIndex, hasIndex := indexOf(post)
	postMint, _ := post["mint"].(string)
	postOwner, _ := post["owner"].(string)
	for _, item := range pre {
		candidate, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if hasIndex {
			if idx, ok := indexOf(candidate); ok && idx == postIndex {
				return candidate
			}
			continue
		}
		mint, _ := candidate["mint"].(string)
		owner, _ := candidate["owner"].(string)
		if mint == postMint && owner == postOwner {
			return candidate
		}
	}
	return nil
}

func indexOf(balance map[string]any) (int, bool) {
	v, ok := balance["accountIndex"]
	if !ok {
		return 0, false
	}
	return toInt(v)
}

func timestampOf(payload map[string]any) time.Time {
	raw, _, ok := TimestampRule.First(payload)
	if !ok {
		return time.Time{}
	}
	seconds, ok := toInt(raw)
	if !ok || seconds <= 0 {
		return time.Time{}
	}
	return time.Unix(int64(seconds), 0).UTC()
}

// Normalize extracts a deposit from payload and resolves its destination key.
// ErrNotDeposit is returned for failed transactions and payloads that carry no
// positive amount for the watched address.
func (n *Normalizer) Normalize(ctx context.Context, payload map[string]any, channel domain.Channel, rawRef string) (domain.DepositEvent, error) {
	extraction, err := n.Extract(payload)
	if err != nil {
		return domain.DepositEvent{}, err
	}
	if extraction.Failed {
		return domain.DepositEvent{}, fmt.Errorf("%w: source transaction %s failed", domain.ErrNotDeposit, extraction.Signature)
	}
	if extraction.Amount <= 0 {
		return domain.DepositEvent{}, fmt.Errorf("%w: signature %s", domain.ErrNotDeposit, extraction.Signature)
	}

	observedAt := n.now().UTC()
	sourceTimestamp := extraction.SourceTimestamp
	if sourceTimestamp.IsZero() {
		sourceTimestamp = observedAt
	}

	event := domain.DepositEvent{
		SourceSignature: extraction.Signature,
		SourceAddress:   extraction.SourceAddress,
		DestinationKey:  extraction.DestinationHint,
		Memo:            extraction.Memo,
		Amount:          extraction.Amount,
		SourceTimestamp: sourceTimestamp,
		ObservedAt:      observedAt,
		Channel:         channel,
		RawPayloadRef:   rawRef,
	}

	if event.DestinationKey == "" {
		destination, err := n.ResolveDestination(ctx, event.SourceAddress, event.Memo)
		if err != nil {
			n.logger.Info("destination unresolved; deposit will wait for correlation",
				"signature", event.SourceSignature, "channel", channel, "error", err)
		}
		event.DestinationKey = destination
	}
	return event, nil
}

// ResolveDestination asks the directory for the destination key of a sender/memo pair.
func (n *Normalizer) ResolveDestination(ctx context.Context, sourceAddress, memo string) (string, error) {
	if n.directory == nil {
		return "", domain.ErrCorrelationNotFound
	}
	if strings.TrimSpace(sourceAddress) == "" && strings.TrimSpace(memo) == "" {
		return "", domain.ErrCorrelationNotFound
	}
	destination, err := n.directory.ResolveDestination(ctx, sourceAddress, memo)
	if err != nil {
		return "", err
	}
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return "", domain.ErrCorrelationNotFound
	}
	return destination, nil
}

// DecodePayloads accepts a single JSON object or an array of objects. Numbers
// are kept as json.Number so integer amounts never pass through float64.
func DecodePayloads(body []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", domain.ErrMalformedEvent)
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var raw any
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}

	switch typed := raw.(type) {
	case map[string]any:
		return []map[string]any{typed}, nil
	case []any:
		items := make([]map[string]any, 0, len(typed))
		for _, item := range typed {
			if obj, ok := item.(map[string]any); ok {
				items = append(items, obj)
			}
		}
		return items, nil
	}
	return nil, fmt.Errorf("%w: body must be an object or an array of objects", domain.ErrMalformedEvent)
}

// DecodePayload decodes one stored payload object.
func DecodePayload(body []byte) (map[string]any, error) {
	items, err := DecodePayloads(body)
	if err != nil {
		return nil, err
	}
	if len(items) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one payload object", domain.ErrMalformedEvent)
	}
	return items[0], nil
}
