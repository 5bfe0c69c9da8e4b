package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/transfa/deposit-relay/internal/domain"
	"github.com/transfa/deposit-relay/internal/metrics"
)

const (
	RoutingKeyCredited        = "deposit.credited"
	RoutingKeyAlertPrefix     = "deposit.alert."
	RoutingKeyWebhookReceived = "deposit.webhook.received"
)

func newAlert(kind domain.AlertKind, record domain.ProcessingRecord, reason string, now time.Time) domain.Alert {
	id := uuid.NewString()
	if v7, err := uuid.NewV7(); err == nil {
		id = v7.String()
	}
	return domain.Alert{
		ID:        id,
		Kind:      kind,
		Signature: record.Signature,
		Reason:    reason,
		Amount:    record.Event.Amount,
		Attempts:  record.Attempts,
		RaisedAt:  now,
	}
}

// AlertFanout delivers each alert to every sink and logs it regardless.
type AlertFanout struct {
	sinks  []AlertSink
	logger *slog.Logger
}

func NewAlertFanout(logger *slog.Logger, sinks ...AlertSink) *AlertFanout {
	return &AlertFanout{sinks: sinks, logger: logger.With("component", "alerts")}
}

func (f *AlertFanout) Raise(ctx context.Context, alert domain.Alert) error {
	metrics.Alerts.WithLabelValues(string(alert.Kind)).Inc()
	f.logger.Error("operator alert",
		"alert_id", alert.ID,
		"kind", alert.Kind,
		"signature", alert.Signature,
		"amount", alert.Amount,
		"attempts", alert.Attempts,
		"reason", alert.Reason,
	)
	var errs []error
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Raise(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BrokerEvents publishes credited notifications and alerts to the relay exchange.
type BrokerEvents struct {
	publisher EventPublisher
	exchange  string
}

func NewBrokerEvents(publisher EventPublisher, exchange string) *BrokerEvents {
	return &BrokerEvents{publisher: publisher, exchange: exchange}
}

func (b *BrokerEvents) Credited(ctx context.Context, event domain.CreditedEvent) error {
	return b.publisher.Publish(ctx, b.exchange, RoutingKeyCredited, event)
}

func (b *BrokerEvents) Raise(ctx context.Context, alert domain.Alert) error {
	return b.publisher.Publish(ctx, b.exchange, RoutingKeyAlertPrefix+string(alert.Kind), alert)
}
