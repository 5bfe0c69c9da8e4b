/**
 * @description
 * Collaborator contracts for the relay's application layer. Concrete clients
 * live under pkg/ and are wired in cmd/main.go; tests use in-memory stubs.
 */
package app

import (
	"context"
	"time"

	"github.com/transfa/deposit-relay/internal/domain"
)

// SourceLedger is the chain being watched for inbound transfers.
type SourceLedger interface {
	// ListRecentTransactions returns signatures for address at or after since,
	// oldest first. When more than max match, the oldest max are returned.
	ListRecentTransactions(ctx context.Context, address string, since time.Time, max int) ([]domain.SignatureInfo, error)
	// ListLatestSignatures returns the newest n signatures for address, newest first.
	ListLatestSignatures(ctx context.Context, address string, n int) ([]domain.SignatureInfo, error)
	GetTransactionDetail(ctx context.Context, signature string) (domain.TransactionDetail, error)
	// SubscribeAccountChanges streams balance notifications. The channel closes when the subscription drops.
	SubscribeAccountChanges(ctx context.Context, address string) (<-chan domain.AccountNotification, error)
}

// DestinationLedger applies credits. idempotencyKey is always the source signature.
type DestinationLedger interface {
	CreditAccount(ctx context.Context, destinationKey string, amount int64, idempotencyKey string) (domain.CreditOutcome, string, error)
}

// DestinationResolver maps a sender and memo to a destination key.
type DestinationResolver interface {
	ResolveDestination(ctx context.Context, sourceAddress, memo string) (string, error)
}

// AlertSink receives operator alerts.
type AlertSink interface {
	Raise(ctx context.Context, alert domain.Alert) error
}

// CreditNotifier is told about every credited deposit.
type CreditNotifier interface {
	Credited(ctx context.Context, event domain.CreditedEvent) error
}

// EventPublisher publishes JSON events to a topic exchange.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// Submitter hands a reserved signature to the crediting engine.
type Submitter interface {
	Submit(signature string) bool
}

// Lease guards a scheduled sweep so only one replica runs it at a time.
type Lease interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), acquired bool, err error)
}
