package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/transfa/deposit-relay/internal/domain"
)

func pendingDeposit(t *testing.T, h *harness, signature string) {
	t.Helper()
	outcome, err := h.relay.IngestPayload(context.Background(), webhookPayload(t, nativeWebhookBody(signature, 100000)), domain.ChannelWebhook, "")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if outcome != OutcomePendingCorrelation {
		t.Fatalf("expected pending correlation, got %s", outcome)
	}
}

func TestCorrelationDeadLettersAfterBound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, EngineConfig{})
	h.directory.destinations = map[string]string{}
	pendingDeposit(t, h, "SIG1")

	retrier := NewCorrelationRetrier(h.repo, h.directory, h.engine, h.alerts, 3, discardLogger())
	clock := time.Now().UTC()
	retrier.now = func() time.Time { return clock }

	for round := 1; round <= 2; round++ {
		clock = clock.Add(24 * time.Hour)
		if err := retrier.RetryDue(ctx); err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		record := h.status(t, "SIG1")
		if record.Status != domain.StatusPendingCorrelation {
			t.Fatalf("round %d: expected pending, got %s", round, record.Status)
		}
		if record.CorrelationAttempts != round {
			t.Fatalf("round %d: expected %d attempts, got %d", round, round, record.CorrelationAttempts)
		}
	}

	clock = clock.Add(24 * time.Hour)
	if err := retrier.RetryDue(ctx); err != nil {
		t.Fatalf("final round: %v", err)
	}
	record := h.status(t, "SIG1")
	if record.Status != domain.StatusDeadLetter {
		t.Fatalf("expected dead_letter, got %s", record.Status)
	}
	alerts := h.alerts.All()
	if len(alerts) != 1 || alerts[0].Kind != domain.AlertDeadLetter || alerts[0].Attempts != 3 {
		t.Fatalf("expected one dead_letter alert after 3 attempts, got %+v", alerts)
	}
	if calls := h.ledger.Calls(); len(calls) != 0 {
		t.Fatalf("dead-lettered deposit must never be credited, got %d calls", len(calls))
	}
}

func TestCorrelationResolvesAndCredits(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, EngineConfig{})
	h.directory.destinations = map[string]string{}
	pendingDeposit(t, h, "SIG1")

	retrier := NewCorrelationRetrier(h.repo, h.directory, h.engine, h.alerts, 5, discardLogger())
	retrier.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }

	h.directory.set(senderAddress, "acct-7")
	if err := retrier.RetryDue(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	h.drain(t)

	record := h.status(t, "SIG1")
	if record.Status != domain.StatusCredited || record.ResolvedDestination != "acct-7" {
		t.Fatalf("expected credited to acct-7, got %s/%s", record.Status, record.ResolvedDestination)
	}
	calls := h.ledger.Calls()
	if len(calls) != 1 || calls[0].Destination != "acct-7" {
		t.Fatalf("unexpected credit calls: %+v", calls)
	}
}

func TestCorrelationLookupErrorsCountTowardBound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, EngineConfig{})
	h.directory.destinations = map[string]string{}
	pendingDeposit(t, h, "SIG1")
	h.directory.err = errors.New("directory unavailable")

	retrier := NewCorrelationRetrier(h.repo, h.directory, h.engine, h.alerts, 1, discardLogger())
	retrier.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	if err := retrier.RetryDue(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	record := h.status(t, "SIG1")
	if record.Status != domain.StatusDeadLetter {
		t.Fatalf("expected dead_letter, got %s", record.Status)
	}
	if record.LastError != "directory unavailable" {
		t.Fatalf("expected lookup error as reason, got %q", record.LastError)
	}
}

func TestLateObservationResolvesPendingDeposit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, EngineConfig{})
	h.directory.destinations = map[string]string{}
	pendingDeposit(t, h, "SIG1")

	body := `{"signature":"SIG1","timestamp":1772366400,"feePayer":"` + senderAddress + `","metadata":{"destinationKey":"acct-3"},"transfers":[{"destination":"` + watchedAddress + `","lamports":100000}]}`
	outcome, err := h.relay.IngestPayload(ctx, webhookPayload(t, body), domain.ChannelWebhook, "")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if outcome != OutcomeReserved {
		t.Fatalf("expected hinted observation to reserve, got %s", outcome)
	}
	h.drain(t)
	if record := h.status(t, "SIG1"); record.Status != domain.StatusCredited || record.ResolvedDestination != "acct-3" {
		t.Fatalf("expected credit to acct-3, got %s/%s", record.Status, record.ResolvedDestination)
	}
}
