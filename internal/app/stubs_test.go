package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/transfa/deposit-relay/internal/domain"
	"github.com/transfa/deposit-relay/internal/normalize"
	"github.com/transfa/deposit-relay/internal/store"
)

const (
	watchedAddress = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
	senderAddress  = "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type creditCall struct {
	Destination string
	Amount      int64
	Key         string
}

type creditResponse struct {
	outcome domain.CreditOutcome
	reason  string
	err     error
}

// stubLedger applies each idempotency key once, like the real destination ledger.
// Scripted responses are consumed first, in order.
type stubLedger struct {
	mu       sync.Mutex
	calls    []creditCall
	applied  map[string]int64
	script   []creditResponse
	fallback *creditResponse
}

func newStubLedger() *stubLedger {
	return &stubLedger{applied: make(map[string]int64)}
}

func (l *stubLedger) CreditAccount(ctx context.Context, destinationKey string, amount int64, idempotencyKey string) (domain.CreditOutcome, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, creditCall{Destination: destinationKey, Amount: amount, Key: idempotencyKey})

	if len(l.script) > 0 {
		next := l.script[0]
		l.script = l.script[1:]
		if next.err != nil || next.outcome != domain.CreditApplied {
			return next.outcome, next.reason, next.err
		}
	} else if l.fallback != nil {
		return l.fallback.outcome, l.fallback.reason, l.fallback.err
	}

	if _, ok := l.applied[idempotencyKey]; ok {
		return domain.CreditAlreadyApplied, "", nil
	}
	l.applied[idempotencyKey] = amount
	return domain.CreditApplied, "", nil
}

func (l *stubLedger) Calls() []creditCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]creditCall(nil), l.calls...)
}

type stubDirectory struct {
	mu           sync.Mutex
	destinations map[string]string
	err          error
	calls        int
}

func (d *stubDirectory) ResolveDestination(ctx context.Context, sourceAddress, memo string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return "", d.err
	}
	if destination, ok := d.destinations[sourceAddress]; ok {
		return destination, nil
	}
	return "", domain.ErrCorrelationNotFound
}

func (d *stubDirectory) set(sourceAddress, destination string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destinations[sourceAddress] = destination
}

type recordingAlerts struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (a *recordingAlerts) Raise(ctx context.Context, alert domain.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return nil
}

func (a *recordingAlerts) All() []domain.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.Alert(nil), a.alerts...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.CreditedEvent
}

func (n *recordingNotifier) Credited(ctx context.Context, event domain.CreditedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

// stubSource is an in-memory source ledger. Signatures listed without detail
// return detailErr (or a transient error) from GetTransactionDetail.
type stubSource struct {
	mu          sync.Mutex
	infos       []domain.SignatureInfo
	details     map[string]domain.TransactionDetail
	detailErr   map[string]error
	listErr     error
	detailCalls map[string]int
	listCalls   int

	// subscribe scripts SubscribeAccountChanges; n counts calls from 1.
	subscribe      func(ctx context.Context, n int) (<-chan domain.AccountNotification, error)
	subscribeCalls int
}

func newStubSource() *stubSource {
	return &stubSource{
		details:     make(map[string]domain.TransactionDetail),
		detailErr:   make(map[string]error),
		detailCalls: make(map[string]int),
	}
}

func (s *stubSource) addDeposit(signature string, amount uint64, blockTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infos = append(s.infos, domain.SignatureInfo{Signature: signature, BlockTime: blockTime})
	s.details[signature] = nativeDeposit(signature, amount, blockTime)
}

func (s *stubSource) ListRecentTransactions(ctx context.Context, address string, since time.Time, max int) ([]domain.SignatureInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []domain.SignatureInfo
	for _, info := range s.infos {
		if !info.BlockTime.Before(since) {
			out = append(out, info)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].BlockTime.Before(out[j].BlockTime) })
	if len(out) > max {
		out = out[:max]
	}
	return out, nil
}

func (s *stubSource) ListLatestSignatures(ctx context.Context, address string, n int) ([]domain.SignatureInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]domain.SignatureInfo, 0, len(s.infos))
	for i := len(s.infos) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.infos[i])
	}
	return out, nil
}

func (s *stubSource) GetTransactionDetail(ctx context.Context, signature string) (domain.TransactionDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detailCalls[signature]++
	if err, ok := s.detailErr[signature]; ok {
		return domain.TransactionDetail{}, err
	}
	detail, ok := s.details[signature]
	if !ok {
		return domain.TransactionDetail{}, fmt.Errorf("%w: %s not found", domain.ErrTransientIngestion, signature)
	}
	return detail, nil
}

func (s *stubSource) SubscribeAccountChanges(ctx context.Context, address string) (<-chan domain.AccountNotification, error) {
	s.mu.Lock()
	s.subscribeCalls++
	n, subscribe := s.subscribeCalls, s.subscribe
	s.mu.Unlock()
	if subscribe == nil {
		return nil, fmt.Errorf("%w: subscriptions unavailable", domain.ErrTransientIngestion)
	}
	return subscribe(ctx, n)
}

func (s *stubSource) SubscribeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribeCalls
}

func (s *stubSource) DetailCalls(signature string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detailCalls[signature]
}

func nativeDeposit(signature string, amount uint64, blockTime time.Time) domain.TransactionDetail {
	return domain.TransactionDetail{
		Signature:    signature,
		BlockTime:    blockTime,
		FeePayer:     senderAddress,
		AccountKeys:  []string{senderAddress, watchedAddress},
		PreBalances:  []uint64{5_000_000, 1_000},
		PostBalances: []uint64{5_000_000 - amount - 5000, 1_000 + amount},
	}
}

func webhookPayload(t *testing.T, body string) map[string]any {
	t.Helper()
	payload, err := normalize.DecodePayload([]byte(body))
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return payload
}

func nativeWebhookBody(signature string, amount int64) string {
	return fmt.Sprintf(`{"signature":%q,"timestamp":%d,"feePayer":%q,"transfers":[{"source":%q,"destination":%q,"lamports":%d}]}`,
		signature, baseTime.Unix(), senderAddress, senderAddress, watchedAddress, amount)
}

type harness struct {
	repo       *store.BadgerRepository
	source     *stubSource
	ledger     *stubLedger
	directory  *stubDirectory
	alerts     *recordingAlerts
	notifier   *recordingNotifier
	engine     *Engine
	relay      *Relay
	normalizer *normalize.Normalizer
	sleeps     []time.Duration
	clock      time.Time
}

func newHarness(t *testing.T, cfg EngineConfig) *harness {
	t.Helper()
	repo, err := store.OpenBadgerRepository("")
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	logger := discardLogger()
	h := &harness{
		repo:      repo,
		source:    newStubSource(),
		ledger:    newStubLedger(),
		directory: &stubDirectory{destinations: map[string]string{senderAddress: "acct-1"}},
		alerts:    &recordingAlerts{},
		notifier:  &recordingNotifier{},
		clock:     time.Now().UTC(),
	}
	h.normalizer = normalize.NewNormalizer(watchedAddress, "", h.directory, logger)
	h.engine = NewEngine(repo, h.ledger, h.alerts, h.notifier, cfg, logger)
	h.engine.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	h.engine.now = func() time.Time { return h.clock }
	h.relay = NewRelay(repo, h.normalizer, h.engine, logger)
	return h
}

// drain processes everything currently queued on the engine, including work
// queued while draining.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for {
		select {
		case signature := <-h.engine.queue:
			if err := h.engine.Process(ctx, signature); err != nil {
				t.Fatalf("process %s: %v", signature, err)
			}
			h.engine.done(signature)
		default:
			return
		}
	}
}

func (h *harness) status(t *testing.T, signature string) domain.ProcessingRecord {
	t.Helper()
	record, err := h.repo.Get(context.Background(), signature)
	if err != nil {
		t.Fatalf("get %s: %v", signature, err)
	}
	return record
}
