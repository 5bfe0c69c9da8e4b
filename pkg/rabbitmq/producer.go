/**
 * @description
 * This package provides a RabbitMQ producer for the relay's topic exchange. The
 * channel runs in confirm mode: Publish returns only after the broker has taken
 * responsibility for the message, which makes it usable as a durable enqueue.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	PublishRaw(ctx context.Context, exchange, routingKey string, payload []byte, headers amqp.Table) error
	Close()
}

// EventProducer holds the RabbitMQ connection and a confirm-mode channel.
type EventProducer struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	mu       sync.Mutex
	declared map[string]bool
}

// EventProducerFallback is a no-op publisher used when RabbitMQ is not configured or unreachable at startup.
type EventProducerFallback struct {
	Logger *slog.Logger
}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.logger().Warn("publish skipped", "mode", "fallback", "exchange", exchange, "routing_key", routingKey)
	return nil
}

func (p *EventProducerFallback) PublishRaw(ctx context.Context, exchange, routingKey string, payload []byte, headers amqp.Table) error {
	return p.Publish(ctx, exchange, routingKey, nil)
}

func (p *EventProducerFallback) Close() {}

func (p *EventProducerFallback) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer dials RabbitMQ and puts a fresh channel into confirm mode.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return &EventProducer{conn: conn, channel: ch, declared: make(map[string]bool)}, nil
}

func (p *EventProducer) declareExchange(exchange string) error {
	if p.declared[exchange] {
		return nil
	}
	if err := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	p.declared[exchange] = true
	return nil
}

// BindQueue declares a durable queue bound to exchange for each routing key, so
// messages published before any consumer attaches are kept.
func (p *EventProducer) BindQueue(exchange, queueName string, routingKeys ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.declareExchange(exchange); err != nil {
		return err
	}
	q, err := p.channel.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}
	for _, key := range routingKeys {
		if err := p.channel.QueueBind(q.Name, key, exchange, false, nil); err != nil {
			return err
		}
	}
	return nil
}

// Publish marshals body to JSON and publishes it persistently.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return p.PublishRaw(ctx, exchange, routingKey, payload, nil)
}

// PublishRaw publishes payload and waits for the broker's confirmation.
func (p *EventProducer) PublishRaw(ctx context.Context, exchange, routingKey string, payload []byte, headers amqp.Table) error {
	if p.channel == nil {
		return errors.New("rabbitmq channel not initialized")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.declareExchange(exchange); err != nil {
		return err
	}
	confirmation, err := p.channel.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Body:         payload,
		Timestamp:    time.Now(),
	})
	if err != nil {
		return err
	}
	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return fmt.Errorf("broker nacked publish to %s/%s", exchange, routingKey)
	}
	return nil
}

// Close closes the RabbitMQ connection.
func (p *EventProducer) Close() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}
