package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/transfa/deposit-relay/internal/domain"
	"github.com/transfa/deposit-relay/internal/metrics"
)

// GuardedSource puts a circuit breaker in front of a SourceLedger. Each adapter
// gets its own guard so a tripped poll breaker does not silence push. Calls made
// while the breaker is open fail fast with domain.ErrBreakerOpen.
type GuardedSource struct {
	name    string
	inner   SourceLedger
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

func NewGuardedSource(name string, inner SourceLedger, failureThreshold int, openFor, timeout time.Duration, logger *slog.Logger) *GuardedSource {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	log := logger.With("component", "source_breaker", "adapter", name)
	threshold := uint32(failureThreshold)
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrMalformedEvent) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			if to == gobreaker.StateOpen {
				log.Warn("source ledger breaker opened; adapter paused", "from", from.String(), "open_for", openFor)
				return
			}
			log.Info("source ledger breaker state changed", "from", from.String(), "to", to.String())
		},
	}
	metrics.BreakerState.WithLabelValues(name).Set(float64(gobreaker.StateClosed))
	return &GuardedSource{
		name:    name,
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
		timeout: timeout,
	}
}

func (g *GuardedSource) call(ctx context.Context, method string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	result, err := g.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return fn(callCtx)
	})
	outcome := "ok"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		outcome = "breaker_open"
		err = fmt.Errorf("%w: %s %s: %w", domain.ErrBreakerOpen, g.name, method, domain.ErrTransientIngestion)
	case err != nil:
		outcome = "error"
	}
	metrics.SourceCalls.WithLabelValues(g.name, method, outcome).Inc()
	return result, err
}

func (g *GuardedSource) ListRecentTransactions(ctx context.Context, address string, since time.Time, max int) ([]domain.SignatureInfo, error) {
	result, err := g.call(ctx, "list_recent", func(ctx context.Context) (interface{}, error) {
		return g.inner.ListRecentTransactions(ctx, address, since, max)
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.SignatureInfo), nil
}

func (g *GuardedSource) ListLatestSignatures(ctx context.Context, address string, n int) ([]domain.SignatureInfo, error) {
	result, err := g.call(ctx, "list_latest", func(ctx context.Context) (interface{}, error) {
		return g.inner.ListLatestSignatures(ctx, address, n)
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.SignatureInfo), nil
}

func (g *GuardedSource) GetTransactionDetail(ctx context.Context, signature string) (domain.TransactionDetail, error) {
	result, err := g.call(ctx, "get_transaction", func(ctx context.Context) (interface{}, error) {
		return g.inner.GetTransactionDetail(ctx, signature)
	})
	if err != nil {
		return domain.TransactionDetail{}, err
	}
	return result.(domain.TransactionDetail), nil
}

// SubscribeAccountChanges guards only the connect; the stream itself is long-lived.
func (g *GuardedSource) SubscribeAccountChanges(ctx context.Context, address string) (<-chan domain.AccountNotification, error) {
	result, err := g.breaker.Execute(func() (interface{}, error) {
		return g.inner.SubscribeAccountChanges(ctx, address)
	})
	outcome := "ok"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		outcome = "breaker_open"
		err = fmt.Errorf("%w: %s subscribe: %w", domain.ErrBreakerOpen, g.name, domain.ErrTransientIngestion)
	case err != nil:
		outcome = "error"
	}
	metrics.SourceCalls.WithLabelValues(g.name, "subscribe", outcome).Inc()
	if err != nil {
		return nil, err
	}
	return result.(<-chan domain.AccountNotification), nil
}
