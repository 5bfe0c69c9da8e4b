package normalize

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/transfa/deposit-relay/internal/domain"
)

const (
	testWatched = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	testSender  = "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"
	testMint    = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

type directoryStub struct {
	destinations map[string]string
	err          error
	calls        int
}

func (d *directoryStub) ResolveDestination(ctx context.Context, sourceAddress, memo string) (string, error) {
	d.calls++
	if d.err != nil {
		return "", d.err
	}
	if dest, ok := d.destinations[sourceAddress]; ok {
		return dest, nil
	}
	return "", domain.ErrCorrelationNotFound
}

func newTestNormalizer(dir Directory) *Normalizer {
	n := NewNormalizer(testWatched, "", dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	n.now = func() time.Time { return time.Unix(1700000500, 0).UTC() }
	return n
}

func loadFixture(t *testing.T, name string) map[string]any {
	t.Helper()
	body, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("read fixture %s: %v", name, err)
	}
	payload, err := DecodePayload(body)
	if err != nil {
		t.Fatalf("decode fixture %s: %v", name, err)
	}
	return payload
}

func TestExtract_ProviderShapes(t *testing.T) {
	cases := []struct {
		fixture       string
		wantSignature string
		wantAmount    int64
		wantSource    string
		wantMemo      string
		wantHint      string
		wantTimestamp int64
	}{
		{fixture: "enhanced_transfers.json", wantSignature: "SIG1", wantAmount: 100000, wantSource: testSender, wantTimestamp: 1700000000},
		{fixture: "nested_parsed_transfers.json", wantSignature: "SIG1", wantAmount: 100000, wantSource: testSender, wantTimestamp: 1700000000},
		{fixture: "logs_transfers.json", wantSignature: "SIG3", wantAmount: 100000, wantSource: testSender, wantMemo: "invoice-77", wantTimestamp: 1700000100},
		{fixture: "token_balance_changes.json", wantSignature: "SIG4", wantAmount: 2500000, wantSource: testSender, wantHint: "l2-account-9", wantTimestamp: 1700000200},
		{fixture: "raw_meta_token_balances.json", wantSignature: "SIG5", wantAmount: 100000, wantTimestamp: 1700000300},
		{fixture: "ui_amount_token_balances.json", wantSignature: "SIG6", wantAmount: 1500000},
	}

	n := newTestNormalizer(nil)
	for _, tc := range cases {
		t.Run(tc.fixture, func(t *testing.T) {
			got, err := n.Extract(loadFixture(t, tc.fixture))
			if err != nil {
				t.Fatalf("Extract returned error: %v", err)
			}
			if got.Signature != tc.wantSignature {
				t.Fatalf("expected signature %s, got %s", tc.wantSignature, got.Signature)
			}
			if got.Amount != tc.wantAmount {
				t.Fatalf("expected amount %d, got %d", tc.wantAmount, got.Amount)
			}
			if got.SourceAddress != tc.wantSource {
				t.Fatalf("expected source %q, got %q", tc.wantSource, got.SourceAddress)
			}
			if got.Memo != tc.wantMemo {
				t.Fatalf("expected memo %q, got %q", tc.wantMemo, got.Memo)
			}
			if got.DestinationHint != tc.wantHint {
				t.Fatalf("expected destination hint %q, got %q", tc.wantHint, got.DestinationHint)
			}
			if tc.wantTimestamp == 0 && !got.SourceTimestamp.IsZero() {
				t.Fatalf("expected no source timestamp, got %s", got.SourceTimestamp)
			}
			if tc.wantTimestamp != 0 && got.SourceTimestamp.Unix() != tc.wantTimestamp {
				t.Fatalf("expected timestamp %d, got %d", tc.wantTimestamp, got.SourceTimestamp.Unix())
			}
		})
	}
}

func TestExtract_MissingSignatureIsMalformed(t *testing.T) {
	n := newTestNormalizer(nil)
	_, err := n.Extract(loadFixture(t, "missing_signature.json"))
	if !errors.Is(err, domain.ErrMalformedEvent) {
		t.Fatalf("expected malformed event error, got %v", err)
	}
}

func TestExtract_SignatureFallsBackToTxSignature(t *testing.T) {
	payload := map[string]any{"signature": "", "tx": map[string]any{"signature": "SIG9"}}
	if got := ExtractSignature(payload); got != "SIG9" {
		t.Fatalf("expected tx.signature fallback, got %q", got)
	}
}

func TestExtract_FractionalTransferWithoutDecimalsIsRejected(t *testing.T) {
	payload, err := DecodePayload([]byte(`{"signature":"SIG8","transfers":[{"destination":"` + testWatched + `","amount":"1.25"}]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	_, err = newTestNormalizer(nil).Extract(payload)
	if !errors.Is(err, domain.ErrMalformedEvent) {
		t.Fatalf("expected malformed event error for fractional amount, got %v", err)
	}
}

func TestExtract_FractionalTransferWithDecimalsIsScaled(t *testing.T) {
	payload, err := DecodePayload([]byte(`{"signature":"SIG8","transfers":[{"destination":"` + testWatched + `","amount":"1.25","decimals":9}]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, err := newTestNormalizer(nil).Extract(payload)
	if err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}
	if got.Amount != 1250000000 {
		t.Fatalf("expected 1250000000 minor units, got %d", got.Amount)
	}
}

func TestExtract_AcceptedMintFiltersTokenBalances(t *testing.T) {
	n := NewNormalizer(testWatched, "So11111111111111111111111111111111111111112", nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	got, err := n.Extract(loadFixture(t, "raw_meta_token_balances.json"))
	if err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}
	if got.Amount != 0 {
		t.Fatalf("expected other mints to be ignored, got amount %d", got.Amount)
	}
}

func TestNormalize_FailedTransactionIsNotADeposit(t *testing.T) {
	_, err := newTestNormalizer(nil).Normalize(context.Background(), loadFixture(t, "failed_transaction.json"), domain.ChannelWebhook, "")
	if !errors.Is(err, domain.ErrNotDeposit) {
		t.Fatalf("expected ErrNotDeposit, got %v", err)
	}
}

func TestNormalize_EquivalentChannelsYieldSameDeposit(t *testing.T) {
	dir := &directoryStub{destinations: map[string]string{testSender: "acct-42"}}
	n := newTestNormalizer(dir)
	ctx := context.Background()

	detail := domain.TransactionDetail{
		Signature:    "SIG1",
		BlockTime:    time.Unix(1700000000, 0).UTC(),
		FeePayer:     testSender,
		AccountKeys:  []string{testSender, testWatched, "11111111111111111111111111111111"},
		PreBalances:  []uint64{5_000_000, 1_000, 1},
		PostBalances: []uint64{4_895_000, 101_000, 1},
	}

	webhookEvent, err := n.Normalize(ctx, loadFixture(t, "enhanced_transfers.json"), domain.ChannelWebhook, "inbox:1")
	if err != nil {
		t.Fatalf("webhook normalize: %v", err)
	}
	nestedEvent, err := n.Normalize(ctx, loadFixture(t, "nested_parsed_transfers.json"), domain.ChannelWebhook, "inbox:2")
	if err != nil {
		t.Fatalf("nested normalize: %v", err)
	}
	pollEvent, err := n.Normalize(ctx, PayloadFromDetail(detail, testWatched), domain.ChannelPoll, "rpc:SIG1")
	if err != nil {
		t.Fatalf("poll normalize: %v", err)
	}
	pushEvent, err := n.Normalize(ctx, PayloadFromDetail(detail, testWatched), domain.ChannelPush, "rpc:SIG1")
	if err != nil {
		t.Fatalf("push normalize: %v", err)
	}

	for name, event := range map[string]domain.DepositEvent{"nested": nestedEvent, "poll": pollEvent, "push": pushEvent} {
		if !webhookEvent.SameDeposit(event) {
			t.Fatalf("%s event differs from webhook event:\nwebhook=%+v\n%s=%+v", name, webhookEvent, name, event)
		}
	}
	if webhookEvent.Amount != 100000 || webhookEvent.DestinationKey != "acct-42" {
		t.Fatalf("unexpected canonical event %+v", webhookEvent)
	}
}

func TestNormalize_UnresolvedDestinationStaysEmpty(t *testing.T) {
	dir := &directoryStub{err: errors.New("directory unavailable")}
	event, err := newTestNormalizer(dir).Normalize(context.Background(), loadFixture(t, "enhanced_transfers.json"), domain.ChannelWebhook, "")
	if err != nil {
		t.Fatalf("expected unresolved destination to be tolerated, got %v", err)
	}
	if event.DestinationKey != "" {
		t.Fatalf("expected empty destination, got %q", event.DestinationKey)
	}
	if dir.calls != 1 {
		t.Fatalf("expected one directory lookup, got %d", dir.calls)
	}
}

func TestNormalize_DestinationHintSkipsDirectory(t *testing.T) {
	dir := &directoryStub{}
	event, err := newTestNormalizer(dir).Normalize(context.Background(), loadFixture(t, "token_balance_changes.json"), domain.ChannelWebhook, "")
	if err != nil {
		t.Fatalf("Normalize returned error: %v", err)
	}
	if event.DestinationKey != "l2-account-9" {
		t.Fatalf("expected metadata.userL2 destination, got %q", event.DestinationKey)
	}
	if dir.calls != 0 {
		t.Fatalf("expected no directory lookups, got %d", dir.calls)
	}
}

func TestNativeDiff_OutflowIsNotADeposit(t *testing.T) {
	detail := domain.TransactionDetail{
		AccountKeys:  []string{testWatched, testSender},
		PreBalances:  []uint64{200, 0},
		PostBalances: []uint64{100, 95},
	}
	diff, found := NativeDiff(detail, testWatched)
	if !found || diff != 0 {
		t.Fatalf("expected zero diff for outflow, got diff=%d found=%t", diff, found)
	}
}

func TestDecodePayloads_ObjectAndArray(t *testing.T) {
	single, err := DecodePayloads([]byte(`{"signature":"A"}`))
	if err != nil || len(single) != 1 {
		t.Fatalf("expected one payload, got %d err=%v", len(single), err)
	}
	many, err := DecodePayloads([]byte(`[{"signature":"A"},{"signature":"B"},7]`))
	if err != nil || len(many) != 2 {
		t.Fatalf("expected two payloads, got %d err=%v", len(many), err)
	}
	if _, err := DecodePayloads([]byte(`"just a string"`)); !errors.Is(err, domain.ErrMalformedEvent) {
		t.Fatalf("expected malformed error for scalar body, got %v", err)
	}
	if _, err := DecodePayloads([]byte(`{broken`)); !errors.Is(err, domain.ErrMalformedEvent) {
		t.Fatalf("expected malformed error for invalid json, got %v", err)
	}
}

func TestNormalize_TransferTotalOverflowIsMalformed(t *testing.T) {
	body := `{"signature":"SIG9","feePayer":"` + testSender + `","transfers":[` +
		`{"source":"` + testSender + `","destination":"` + testWatched + `","lamports":9223372036854775000},` +
		`{"source":"` + testSender + `","destination":"` + testWatched + `","lamports":9223372036854775000}]}`
	payload, err := DecodePayload([]byte(body))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	_, err = newTestNormalizer(nil).Normalize(context.Background(), payload, domain.ChannelWebhook, "")
	if !errors.Is(err, domain.ErrMalformedEvent) {
		t.Fatalf("expected malformed event error for overflowing total, got %v", err)
	}
	if errors.Is(err, domain.ErrNotDeposit) {
		t.Fatalf("overflow must not be classified as a non-deposit")
	}
}

func TestAddMinorUnits(t *testing.T) {
	tests := []struct {
		name    string
		total   int64
		amount  int64
		want    int64
		wantErr bool
	}{
		{name: "small", total: 100, amount: 250, want: 350},
		{name: "up to max", total: math.MaxInt64 - 1, amount: 1, want: math.MaxInt64},
		{name: "one past max", total: math.MaxInt64, amount: 1, wantErr: true},
		{name: "two large transfers", total: 9223372036854775000, amount: 9223372036854775000, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := addMinorUnits(tt.total, tt.amount)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrMalformedEvent) {
					t.Fatalf("expected malformed event error, got %v", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("got %d, %v; want %d", got, err, tt.want)
			}
		})
	}
}
