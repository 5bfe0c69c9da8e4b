// Package alerting forwards operator alerts to Sentry.
package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/transfa/deposit-relay/internal/domain"
)

// SentrySink reports alerts as Sentry messages. An empty DSN yields a sink that drops everything.
type SentrySink struct {
	hub *sentry.Hub
}

func NewSentrySink(dsn, environment string) (*SentrySink, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	})
	if err != nil {
		return nil, fmt.Errorf("sentry initialize failed: %w", err)
	}
	return &SentrySink{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// Raise captures one alert, tagged so alerts can be grouped by kind and searched by signature.
func (s *SentrySink) Raise(ctx context.Context, alert domain.Alert) error {
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("alert_kind", string(alert.Kind))
		scope.SetTag("signature", alert.Signature)
		scope.SetContext("deposit", sentry.Context{
			"alert_id":  alert.ID,
			"amount":    alert.Amount,
			"attempts":  alert.Attempts,
			"reason":    alert.Reason,
			"raised_at": alert.RaisedAt.Format(time.RFC3339),
		})
		s.hub.CaptureMessage(fmt.Sprintf("deposit %s needs manual resolution: %s", alert.Kind, alert.Signature))
	})
	return nil
}

// Flush waits for buffered events to be delivered.
func (s *SentrySink) Flush(timeout time.Duration) bool {
	return s.hub.Flush(timeout)
}
