package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/transfa/deposit-relay/internal/domain"
	"github.com/transfa/deposit-relay/internal/normalize"
)

type enqueued struct {
	signature string
	payload   []byte
}

type stubQueue struct {
	items []enqueued
	err   error
}

func (q *stubQueue) Enqueue(ctx context.Context, signature string, payload []byte) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	q.items = append(q.items, enqueued{signature: signature, payload: payload})
	return "id-" + signature, nil
}

type stubCounter struct {
	counts domain.StatusCounts
	err    error
}

func (c stubCounter) CountByStatus(ctx context.Context) (domain.StatusCounts, error) {
	return c.counts, c.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(queue *stubQueue, counter StatusCounter, token string) http.Handler {
	webhook := NewWebhookHandler(queue, token, 1024, testLogger())
	health := NewHealthHandler(counter, "WATCHED", testLogger())
	return NewRouter(webhook, health, []string{"https://*"})
}

func postEvents(t *testing.T, router http.Handler, body string, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/deposit-events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestWebhookResponses(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		queueErr   error
		wantStatus int
		wantQueued int
	}{
		{name: "single object", body: `{"signature":"SIG1","amount":100000}`, wantStatus: http.StatusOK, wantQueued: 1},
		{name: "nested signature", body: `{"tx":{"signature":"SIG2"}}`, wantStatus: http.StatusOK, wantQueued: 1},
		{name: "array with one unusable item", body: `[{"signature":"SIG1"},{"foo":"bar"}]`, wantStatus: http.StatusOK, wantQueued: 1},
		{name: "no signature anywhere", body: `{"transfers":[{"lamports":1}]}`, wantStatus: http.StatusBadRequest},
		{name: "empty array", body: `[]`, wantStatus: http.StatusBadRequest},
		{name: "not json", body: `signature=SIG1`, wantStatus: http.StatusBadRequest},
		{name: "scalar body", body: `"SIG1"`, wantStatus: http.StatusBadRequest},
		{name: "enqueue failure", body: `{"signature":"SIG1"}`, queueErr: errors.New("db down"), wantStatus: http.StatusInternalServerError},
		{name: "too large", body: `{"signature":"` + strings.Repeat("x", 2048) + `"}`, wantStatus: http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := &stubQueue{err: tt.queueErr}
			rec := postEvents(t, newTestRouter(queue, stubCounter{}, ""), tt.body, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if len(queue.items) != tt.wantQueued {
				t.Fatalf("expected %d queued items, got %d", tt.wantQueued, len(queue.items))
			}
			var resp map[string]interface{}
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("response is not json: %v", err)
			}
			if ok, _ := resp["ok"].(bool); ok != (tt.wantStatus == http.StatusOK) {
				t.Fatalf("unexpected ok flag in %v", resp)
			}
		})
	}
}

func TestWebhookPreservesIntegerAmounts(t *testing.T) {
	queue := &stubQueue{}
	body := `{"signature":"SIG1","transfers":[{"destination":"WATCHED","lamports":9007199254740993}]}`
	rec := postEvents(t, newTestRouter(queue, stubCounter{}, ""), body, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(string(queue.items[0].payload), "9007199254740993") {
		t.Fatalf("amount lost precision: %s", queue.items[0].payload)
	}
	payload, err := normalize.DecodePayload(queue.items[0].payload)
	if err != nil {
		t.Fatalf("queued payload must decode: %v", err)
	}
	if normalize.ExtractSignature(payload) != "SIG1" {
		t.Fatalf("queued payload lost its signature")
	}
}

func TestWebhookAuthorization(t *testing.T) {
	queue := &stubQueue{}
	router := newTestRouter(queue, stubCounter{}, "Bearer s3cret")

	if rec := postEvents(t, router, `{"signature":"SIG1"}`, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := postEvents(t, router, `{"signature":"SIG1"}`, "Bearer wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}
	if rec := postEvents(t, router, `{"signature":"SIG1"}`, "Bearer s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
	if len(queue.items) != 1 {
		t.Fatalf("expected only the authorized delivery to be queued, got %d", len(queue.items))
	}
}

func TestHealth(t *testing.T) {
	counts := domain.StatusCounts{
		domain.StatusSeen:               1,
		domain.StatusPendingCorrelation: 2,
		domain.StatusReserved:           3,
		domain.StatusFailed:             4,
		domain.StatusCredited:           10,
		domain.StatusFailedTerminal:     5,
		domain.StatusDeadLetter:         6,
	}
	router := newTestRouter(&stubQueue{}, stubCounter{counts: counts}, "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK || resp.WatchedAddress != "WATCHED" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.PendingCount != 10 || resp.FailedCount != 11 || resp.CreditedCount != 10 {
		t.Fatalf("unexpected counters %+v", resp)
	}
	if resp.StatusCounts["dead_letter"] != 6 {
		t.Fatalf("unexpected status counts %v", resp.StatusCounts)
	}
}

func TestHealthReportsStoreFailure(t *testing.T) {
	router := newTestRouter(&stubQueue{}, stubCounter{err: errors.New("store closed")}, "")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok":false`) {
		t.Fatalf("expected ok:false, got %s", rec.Body.String())
	}
}
