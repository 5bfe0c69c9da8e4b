package app

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/transfa/deposit-relay/internal/domain"
)

type countingTrigger struct {
	count atomic.Int32
}

func (c *countingTrigger) Trigger() {
	c.count.Add(1)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPushFallsBackAndBridgesGapOnReconnect(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	h.source.addDeposit("SIG-BEFORE", 100, baseTime)

	resubscribed := make(chan struct{})
	h.source.subscribe = func(ctx context.Context, n int) (<-chan domain.AccountNotification, error) {
		stream := make(chan domain.AccountNotification)
		if n == 1 {
			// The first subscription drops straight away.
			close(stream)
			return stream, nil
		}
		if n == 2 {
			h.source.addDeposit("SIG-GAP", 200, baseTime.Add(time.Second))
			close(resubscribed)
		}
		go func() {
			<-ctx.Done()
			close(stream)
		}()
		return stream, nil
	}

	trigger := &countingTrigger{}
	push := NewPushAdapter(h.source, h.repo, h.relay, trigger, PushConfig{
		Lookback:     5,
		ReconnectMin: time.Millisecond,
		ReconnectMax: 5 * time.Millisecond,
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopped := make(chan error, 1)
	go func() { stopped <- push.Run(ctx) }()

	select {
	case <-resubscribed:
	case <-time.After(2 * time.Second):
		t.Fatalf("adapter never resubscribed")
	}
	waitFor(t, "the gap deposit to be reserved", func() bool {
		record, err := h.repo.Get(context.Background(), "SIG-GAP")
		return err == nil && record.Status == domain.StatusReserved
	})

	cancel()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("adapter did not stop after cancellation")
	}

	if got := trigger.count.Load(); got != 1 {
		t.Fatalf("expected one poll trigger for one lost subscription, got %d", got)
	}
	if calls := h.source.SubscribeCalls(); calls != 2 {
		t.Fatalf("expected two subscriptions, got %d", calls)
	}
	if record := h.status(t, "SIG-BEFORE"); record.Status != domain.StatusReserved {
		t.Fatalf("deposit present at first connect should be reserved, got %s", record.Status)
	}

	h.drain(t)
	if calls := h.ledger.Calls(); len(calls) != 2 {
		t.Fatalf("expected two credits, got %d", len(calls))
	}
}

func TestPushTriggersPollWhileSubscribeFails(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	trigger := &countingTrigger{}
	push := NewPushAdapter(h.source, h.repo, h.relay, trigger, PushConfig{
		ReconnectMin: time.Millisecond,
		ReconnectMax: 2 * time.Millisecond,
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- push.Run(ctx) }()

	waitFor(t, "repeated reconnect attempts", func() bool { return h.source.SubscribeCalls() >= 3 })
	cancel()
	if err := <-stopped; err != nil {
		t.Fatalf("run returned %v", err)
	}
	if got, calls := int(trigger.count.Load()), h.source.SubscribeCalls(); got != calls {
		t.Fatalf("expected a poll trigger per failed subscribe, got %d triggers for %d attempts", got, calls)
	}
}
