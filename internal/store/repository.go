/**
 * @description
 * Storage contracts for the deposit relay. The record store is the single
 * synchronization point between observation channels: every status change is a
 * compare-and-set on the record's current status, so concurrent callers racing
 * on the same signature see exactly one winner.
 *
 * @dependencies
 * - internal/domain: processing records, statuses and inbox messages.
 */

package store

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/transfa/deposit-relay/internal/domain"
)

// RecordStore holds one ProcessingRecord per source signature.
type RecordStore interface {
	// Observe creates the record in Seen on the first observation of a signature.
	// Later observations never overwrite the stored event; they can only fill in a
	// destination that is still unresolved. The bool reports whether the record was created.
	Observe(ctx context.Context, event domain.DepositEvent) (domain.ProcessingRecord, bool, error)
	// Reserve moves Seen to Reserved. Exactly one concurrent caller wins.
	Reserve(ctx context.Context, signature string) (domain.ReserveResult, error)

	MarkPendingCorrelation(ctx context.Context, signature string, nextAttemptAt time.Time) (bool, error)
	// ResolveCorrelation freezes the destination and moves PendingCorrelation to Reserved.
	ResolveCorrelation(ctx context.Context, signature, destination string) (bool, error)
	DeferCorrelation(ctx context.Context, signature, reason string, nextAttemptAt time.Time) (domain.ProcessingRecord, error)
	DeadLetter(ctx context.Context, signature, reason string) (bool, error)

	// RecordAttempt increments the attempt counter of a Reserved record and returns it.
	RecordAttempt(ctx context.Context, signature string) (int, error)
	Commit(ctx context.Context, signature string, creditedAmount int64) (bool, error)
	Fail(ctx context.Context, signature, reason string, nextAttemptAt time.Time) (bool, error)
	// Requeue moves Failed back to Reserved and counts a retry cycle.
	Requeue(ctx context.Context, signature string) (bool, error)
	FailTerminal(ctx context.Context, signature, reason string) (bool, error)

	Get(ctx context.Context, signature string) (domain.ProcessingRecord, error)
	ListByStatus(ctx context.Context, status domain.ProcessingStatus, limit int) ([]domain.ProcessingRecord, error)
	ListDue(ctx context.Context, status domain.ProcessingStatus, now time.Time, limit int) ([]domain.ProcessingRecord, error)
	ListStaleReserved(ctx context.Context, olderThan time.Time, limit int) ([]domain.ProcessingRecord, error)
	// UnknownSignatures returns the subset of signatures that have no record, in input order.
	UnknownSignatures(ctx context.Context, signatures []string) ([]string, error)
	CountByStatus(ctx context.Context) (domain.StatusCounts, error)
}

// WatermarkStore persists the poll adapter's high-water mark per address and channel.
type WatermarkStore interface {
	LoadWatermark(ctx context.Context, address string, channel domain.Channel) (time.Time, bool, error)
	SaveWatermark(ctx context.Context, address string, channel domain.Channel, mark time.Time) error
}

// InboxStore is the durable webhook queue drained by the inbox dispatcher.
type InboxStore interface {
	EnqueueWebhook(ctx context.Context, signature string, payload []byte) (string, error)
	ClaimWebhooks(ctx context.Context, limit int, staleAfter time.Duration) ([]domain.InboxMessage, error)
	MarkWebhookDone(ctx context.Context, id string) error
	MarkWebhookFailed(ctx context.Context, id string, retryAfter time.Duration, reason string) error
}

// Repository is everything the relay persists.
type Repository interface {
	RecordStore
	WatermarkStore
	InboxStore
}

const defaultListLimit = 500

func listLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}

// truncateReason caps reason at 1 KiB without splitting a UTF-8 sequence.
func truncateReason(reason string) string {
	const maxReason = 1024
	if len(reason) <= maxReason {
		return reason
	}
	cut := maxReason
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
