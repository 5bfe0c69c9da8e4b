package app

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/transfa/deposit-relay/internal/domain"
)

type stubRawPublisher struct {
	exchange   string
	routingKey string
	payload    []byte
	headers    amqp.Table
	err        error
}

func (p *stubRawPublisher) PublishRaw(ctx context.Context, exchange, routingKey string, payload []byte, headers amqp.Table) error {
	p.exchange = exchange
	p.routingKey = routingKey
	p.payload = payload
	p.headers = headers
	return p.err
}

func TestInboxDispatcherIngestsQueuedWebhooks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, EngineConfig{})
	queue := NewStoreWebhookQueue(h.repo)

	if _, err := queue.Enqueue(ctx, "SIG1", []byte(nativeWebhookBody("SIG1", 100000))); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := queue.Enqueue(ctx, "SIG-BAD", []byte(`{"signature":"SIG-BAD","transfers":[{"destination":"`+watchedAddress+`","lamports":"abc"}]}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	dispatcher := NewInboxDispatcher(h.repo, h.relay, discardLogger())
	completed, err := dispatcher.FlushOnce(ctx)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if completed != 2 {
		t.Fatalf("expected both items completed, got %d", completed)
	}

	record := h.status(t, "SIG1")
	if record.Status != domain.StatusReserved || record.Event.RawPayloadRef == "" {
		t.Fatalf("unexpected record: %s ref=%q", record.Status, record.Event.RawPayloadRef)
	}
	if _, err := h.repo.Get(ctx, "SIG-BAD"); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Fatalf("malformed item must not create a record, got %v", err)
	}

	completed, err = dispatcher.FlushOnce(ctx)
	if err != nil || completed != 0 {
		t.Fatalf("expected empty inbox, completed=%d err=%v", completed, err)
	}
}

func TestBrokerWebhookQueuePublishesWithSignature(t *testing.T) {
	publisher := &stubRawPublisher{}
	queue := NewBrokerWebhookQueue(publisher, "deposit_relay")

	id, err := queue.Enqueue(context.Background(), "SIG1", []byte(`{"signature":"SIG1"}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id == "" {
		t.Fatalf("expected a message id")
	}
	if publisher.exchange != "deposit_relay" || publisher.routingKey != RoutingKeyWebhookReceived {
		t.Fatalf("unexpected destination %s/%s", publisher.exchange, publisher.routingKey)
	}
	if publisher.headers["signature"] != "SIG1" || publisher.headers["message_id"] != id {
		t.Fatalf("unexpected headers %v", publisher.headers)
	}
}

func TestBrokerWebhookQueueReportsUnconfirmedPublish(t *testing.T) {
	publisher := &stubRawPublisher{err: errors.New("nack")}
	queue := NewBrokerWebhookQueue(publisher, "deposit_relay")
	if _, err := queue.Enqueue(context.Background(), "SIG1", []byte(`{}`)); err == nil {
		t.Fatalf("expected publish error")
	}
}

func TestWebhookConsumerAcksProcessedAndMalformed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, EngineConfig{})
	consumer := NewWebhookConsumer(h.relay, discardLogger())

	if !consumer.Handle(ctx, []byte(nativeWebhookBody("SIG1", 10)), amqp.Table{"message_id": "m-1"}) {
		t.Fatalf("expected valid item to be acked")
	}
	if record := h.status(t, "SIG1"); record.Event.RawPayloadRef != "amqp:m-1" {
		t.Fatalf("unexpected raw ref %q", record.Event.RawPayloadRef)
	}
	if !consumer.Handle(ctx, []byte(`not json`), nil) {
		t.Fatalf("expected undecodable item to be acked and dropped")
	}
}

type stubLease struct {
	grant    bool
	acquired []string
	released int
}

func (l *stubLease) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	if !l.grant {
		return nil, false, nil
	}
	l.acquired = append(l.acquired, name)
	return func() { l.released++ }, true, nil
}

func TestJobsSkipWithoutLease(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	h.directory.destinations = map[string]string{}
	pendingDeposit(t, h, "SIG1")
	callsBefore := h.directory.calls

	retrier := NewCorrelationRetrier(h.repo, h.directory, h.engine, h.alerts, 5, discardLogger())
	retrier.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }

	lease := &stubLease{}
	jobs := NewJobs(h.engine, h.relay, retrier, nil, lease, JobsConfig{}, discardLogger())
	jobs.RetryCorrelations()
	if h.directory.calls != callsBefore {
		t.Fatalf("job ran without holding the lease")
	}

	lease.grant = true
	jobs.RetryCorrelations()
	if h.directory.calls != callsBefore+1 {
		t.Fatalf("expected one lookup, got %d", h.directory.calls-callsBefore)
	}
	if len(lease.acquired) != 1 || lease.acquired[0] != "correlation" || lease.released != 1 {
		t.Fatalf("unexpected lease usage: %+v", lease)
	}
}
