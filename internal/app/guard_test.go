package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/transfa/deposit-relay/internal/domain"
)

func TestGuardedSourceOpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	source := newStubSource()
	source.listErr = fmt.Errorf("%w: connection refused", domain.ErrTransientIngestion)
	guard := NewGuardedSource("poll", source, 2, time.Minute, time.Second, discardLogger())

	for i := 0; i < 2; i++ {
		if _, err := guard.ListLatestSignatures(ctx, watchedAddress, 5); !errors.Is(err, domain.ErrTransientIngestion) {
			t.Fatalf("call %d: expected transient error, got %v", i, err)
		}
	}
	_, err := guard.ListLatestSignatures(ctx, watchedAddress, 5)
	if !errors.Is(err, domain.ErrBreakerOpen) {
		t.Fatalf("expected breaker open, got %v", err)
	}
	if !errors.Is(err, domain.ErrTransientIngestion) {
		t.Fatalf("breaker error must stay transient, got %v", err)
	}
	if source.listCalls != 2 {
		t.Fatalf("open breaker must not reach the source, calls=%d", source.listCalls)
	}
}

func TestGuardedSourceIgnoresMalformedResults(t *testing.T) {
	ctx := context.Background()
	source := newStubSource()
	source.detailErr["SIG"] = fmt.Errorf("%w: bad encoding", domain.ErrMalformedEvent)
	guard := NewGuardedSource("push", source, 1, time.Minute, time.Second, discardLogger())

	for i := 0; i < 3; i++ {
		if _, err := guard.GetTransactionDetail(ctx, "SIG"); !errors.Is(err, domain.ErrMalformedEvent) {
			t.Fatalf("call %d: expected malformed error, got %v", i, err)
		}
	}
	if got := source.DetailCalls("SIG"); got != 3 {
		t.Fatalf("malformed results must not trip the breaker, calls=%d", got)
	}
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		name    string
		base    time.Duration
		max     time.Duration
		attempt int
		want    time.Duration
	}{
		{name: "first attempt", base: time.Second, max: time.Minute, attempt: 1, want: time.Second},
		{name: "doubles", base: time.Second, max: time.Minute, attempt: 4, want: 8 * time.Second},
		{name: "capped", base: time.Second, max: time.Minute, attempt: 10, want: time.Minute},
		{name: "zero attempt", base: time.Second, max: time.Minute, attempt: 0, want: time.Second},
		{name: "overflow capped", base: time.Hour, max: 2 * time.Hour, attempt: 60, want: 2 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := backoffDelay(tt.base, tt.max, tt.attempt); got != tt.want {
				t.Fatalf("backoffDelay = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryDelay(t *testing.T) {
	if got := retryDelay(0); got != time.Second {
		t.Fatalf("expected 1s, got %v", got)
	}
	if got := retryDelay(3); got != 8*time.Second {
		t.Fatalf("expected 8s, got %v", got)
	}
	if got := retryDelay(20); got != 256*time.Second {
		t.Fatalf("expected 256s, got %v", got)
	}
}

func TestSignatureRingEvictsOldest(t *testing.T) {
	ring := newSignatureRing(2)
	ring.Add("a")
	ring.Add("b")
	ring.Add("a")
	ring.Add("c")
	if ring.Contains("a") {
		t.Fatalf("expected oldest entry to be evicted")
	}
	if !ring.Contains("b") || !ring.Contains("c") {
		t.Fatalf("expected newest entries to remain")
	}
}
