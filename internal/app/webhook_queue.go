package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/transfa/deposit-relay/internal/domain"
	"github.com/transfa/deposit-relay/internal/metrics"
	"github.com/transfa/deposit-relay/internal/normalize"
	"github.com/transfa/deposit-relay/internal/store"
)

// WebhookQueue durably accepts raw webhook items. A nil error means the item
// survives a crash; processing happens later, off the request path.
type WebhookQueue interface {
	Enqueue(ctx context.Context, signature string, payload []byte) (string, error)
}

// StoreWebhookQueue keeps webhook items in the store's inbox.
type StoreWebhookQueue struct {
	inbox store.InboxStore
}

func NewStoreWebhookQueue(inbox store.InboxStore) *StoreWebhookQueue {
	return &StoreWebhookQueue{inbox: inbox}
}

func (q *StoreWebhookQueue) Enqueue(ctx context.Context, signature string, payload []byte) (string, error) {
	return q.inbox.EnqueueWebhook(ctx, signature, payload)
}

// RawPublisher publishes pre-encoded payloads and returns once the broker confirmed them.
type RawPublisher interface {
	PublishRaw(ctx context.Context, exchange, routingKey string, payload []byte, headers amqp.Table) error
}

// BrokerWebhookQueue publishes webhook items to RabbitMQ with publisher confirms.
type BrokerWebhookQueue struct {
	publisher RawPublisher
	exchange  string
}

func NewBrokerWebhookQueue(publisher RawPublisher, exchange string) *BrokerWebhookQueue {
	return &BrokerWebhookQueue{publisher: publisher, exchange: exchange}
}

func (q *BrokerWebhookQueue) Enqueue(ctx context.Context, signature string, payload []byte) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	headers := amqp.Table{
		"message_id": id.String(),
		"signature":  signature,
	}
	if err := q.publisher.PublishRaw(ctx, q.exchange, RoutingKeyWebhookReceived, payload, headers); err != nil {
		return "", err
	}
	return id.String(), nil
}

// processWebhookItem runs one queued webhook item through the relay. It returns
// an error only when the item should be retried.
func processWebhookItem(ctx context.Context, relay *Relay, logger *slog.Logger, ref string, payload []byte) error {
	decoded, err := normalize.DecodePayload(payload)
	if err != nil {
		metrics.EventsObserved.WithLabelValues(string(domain.ChannelWebhook), "dropped").Inc()
		logger.Warn("dropping undecodable webhook item", "raw_ref", ref, "error", err)
		return nil
	}
	_, err = relay.IngestPayload(ctx, decoded, domain.ChannelWebhook, ref)
	if errors.Is(err, domain.ErrMalformedEvent) {
		metrics.EventsObserved.WithLabelValues(string(domain.ChannelWebhook), "dropped").Inc()
		logger.Warn("dropping malformed webhook item", "raw_ref", ref, "error", err)
		return nil
	}
	return err
}

const (
	defaultInboxBatchSize       = 50
	defaultInboxPollInterval    = 1200 * time.Millisecond
	defaultInboxStaleProcessing = 2 * time.Minute
)

// InboxDispatcher drains the store inbox into the relay.
type InboxDispatcher struct {
	inbox               store.InboxStore
	relay               *Relay
	batchSize           int
	pollInterval        time.Duration
	staleProcessingTime time.Duration
	logger              *slog.Logger
}

func NewInboxDispatcher(inbox store.InboxStore, relay *Relay, logger *slog.Logger) *InboxDispatcher {
	return &InboxDispatcher{
		inbox:               inbox,
		relay:               relay,
		batchSize:           defaultInboxBatchSize,
		pollInterval:        defaultInboxPollInterval,
		staleProcessingTime: defaultInboxStaleProcessing,
		logger:              logger.With("component", "inbox_dispatcher"),
	}
}

func (d *InboxDispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := d.FlushOnce(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("inbox flush error", "error", err)
			}
		}
	}
}

// FlushOnce processes one claimed batch and returns how many items completed.
func (d *InboxDispatcher) FlushOnce(ctx context.Context) (int, error) {
	messages, err := d.inbox.ClaimWebhooks(ctx, d.batchSize, d.staleProcessingTime)
	if err != nil {
		return 0, err
	}

	completed := 0
	for _, message := range messages {
		ref := "inbox:" + message.ID
		if err := processWebhookItem(ctx, d.relay, d.logger, ref, message.Payload); err != nil {
			retryAfter := retryDelay(message.Attempts)
			d.logger.Warn("webhook item failed; scheduled for retry",
				"id", message.ID,
				"signature", message.Signature,
				"attempts", message.Attempts,
				"retry_in", retryAfter,
				"error", err,
			)
			if markErr := d.inbox.MarkWebhookFailed(ctx, message.ID, retryAfter, err.Error()); markErr != nil {
				d.logger.Error("failed to reschedule webhook item", "id", message.ID, "error", markErr)
			}
			continue
		}
		if err := d.inbox.MarkWebhookDone(ctx, message.ID); err != nil {
			d.logger.Error("failed to mark webhook item done", "id", message.ID, "error", err)
			continue
		}
		completed++
	}
	return completed, nil
}

// WebhookConsumer is the broker-side counterpart of InboxDispatcher.
type WebhookConsumer struct {
	relay  *Relay
	logger *slog.Logger
}

func NewWebhookConsumer(relay *Relay, logger *slog.Logger) *WebhookConsumer {
	return &WebhookConsumer{relay: relay, logger: logger.With("component", "webhook_consumer")}
}

// Handle acks (true) processed and malformed items and requeues (false) transient failures.
func (c *WebhookConsumer) Handle(ctx context.Context, body []byte, headers amqp.Table) bool {
	ref := "amqp"
	if id, ok := headers["message_id"].(string); ok && id != "" {
		ref = fmt.Sprintf("amqp:%s", id)
	}
	if err := processWebhookItem(ctx, c.relay, c.logger, ref, body); err != nil {
		c.logger.Warn("webhook item failed; requeueing", "raw_ref", ref, "error", err)
		return false
	}
	return true
}
