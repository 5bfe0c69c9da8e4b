/**
 * @description
 * PostgreSQL implementation of the relay's storage contracts. Every status
 * change is a single conditional UPDATE on the current status, which makes the
 * row itself the compare-and-set cell shared by all observation channels.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and connection pool.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/transfa/deposit-relay/internal/domain"
)

// PostgresRepository implements Repository on a pgx pool.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new repository backed by the given pool.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const recordColumns = `
	signature, status, channel, source_address, destination_key, memo, amount,
	source_timestamp, observed_at, raw_payload_ref, attempts, retry_cycles,
	correlation_attempts, next_attempt_at, last_error, credited_amount,
	reserved_at, credited_at, created_at, updated_at`

func scanRecord(row pgx.Row) (domain.ProcessingRecord, error) {
	var (
		rec         domain.ProcessingRecord
		status      string
		channel     string
		destination *string
		lastError   *string
	)
	err := row.Scan(
		&rec.Signature,
		&status,
		&channel,
		&rec.Event.SourceAddress,
		&destination,
		&rec.Event.Memo,
		&rec.Event.Amount,
		&rec.Event.SourceTimestamp,
		&rec.Event.ObservedAt,
		&rec.Event.RawPayloadRef,
		&rec.Attempts,
		&rec.RetryCycles,
		&rec.CorrelationAttempts,
		&rec.NextAttemptAt,
		&lastError,
		&rec.CreditedAmount,
		&rec.ReservedAt,
		&rec.CreditedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return rec, err
	}
	rec.Status = domain.ProcessingStatus(status)
	rec.Event.SourceSignature = rec.Signature
	rec.Event.Channel = domain.Channel(channel)
	if destination != nil {
		rec.ResolvedDestination = *destination
		rec.Event.DestinationKey = *destination
	}
	if lastError != nil {
		rec.LastError = *lastError
	}
	return rec, nil
}

func collectRecords(rows pgx.Rows) ([]domain.ProcessingRecord, error) {
	defer rows.Close()
	records := make([]domain.ProcessingRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *PostgresRepository) exec(ctx context.Context, query string, args ...any) (bool, error) {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Observe inserts the record in Seen unless the signature is already known.
func (r *PostgresRepository) Observe(ctx context.Context, event domain.DepositEvent) (domain.ProcessingRecord, bool, error) {
	if event.Amount < 0 {
		return domain.ProcessingRecord{}, false, fmt.Errorf("%w: negative amount", domain.ErrMalformedEvent)
	}
	created, err := r.exec(ctx, `
		INSERT INTO deposit_records (
			signature, status, channel, source_address, destination_key, memo,
			amount, source_timestamp, observed_at, raw_payload_ref
		)
		VALUES ($1, 'seen', $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9)
		ON CONFLICT (signature) DO NOTHING
	`,
		event.SourceSignature,
		string(event.Channel),
		event.SourceAddress,
		event.DestinationKey,
		event.Memo,
		event.Amount,
		event.SourceTimestamp,
		event.ObservedAt,
		event.RawPayloadRef,
	)
	if err != nil {
		return domain.ProcessingRecord{}, false, err
	}

	if !created && event.DestinationKey != "" {
		if _, err := r.exec(ctx, `
			UPDATE deposit_records
			SET destination_key = $2, updated_at = NOW()
			WHERE signature = $1
			  AND destination_key IS NULL
			  AND status IN ('seen', 'pending_correlation')
		`, event.SourceSignature, event.DestinationKey); err != nil {
			return domain.ProcessingRecord{}, false, err
		}
	}

	rec, err := r.Get(ctx, event.SourceSignature)
	return rec, created, err
}

// Reserve claims a Seen record for crediting.
func (r *PostgresRepository) Reserve(ctx context.Context, signature string) (domain.ReserveResult, error) {
	var status string
	err := r.db.QueryRow(ctx, `
		UPDATE deposit_records
		SET status = 'reserved', reserved_at = NOW(), updated_at = NOW()
		WHERE signature = $1 AND status = 'seen'
		RETURNING status
	`, signature).Scan(&status)
	if err == nil {
		return domain.ReserveResult{Won: true, Status: domain.StatusReserved}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.ReserveResult{}, err
	}

	current, err := r.statusOf(ctx, signature)
	if err != nil {
		return domain.ReserveResult{}, err
	}
	return domain.ReserveResult{AlreadyReserved: current.PastReservation(), Status: current}, nil
}

func (r *PostgresRepository) statusOf(ctx context.Context, signature string) (domain.ProcessingStatus, error) {
	var status string
	err := r.db.QueryRow(ctx, `SELECT status FROM deposit_records WHERE signature = $1`, signature).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.StatusUnseen, domain.ErrRecordNotFound
	}
	return domain.ProcessingStatus(status), err
}

func (r *PostgresRepository) MarkPendingCorrelation(ctx context.Context, signature string, nextAttemptAt time.Time) (bool, error) {
	return r.exec(ctx, `
		UPDATE deposit_records
		SET status = 'pending_correlation', next_attempt_at = $2, updated_at = NOW()
		WHERE signature = $1 AND status = 'seen'
	`, signature, nextAttemptAt)
}

func (r *PostgresRepository) ResolveCorrelation(ctx context.Context, signature, destination string) (bool, error) {
	return r.exec(ctx, `
		UPDATE deposit_records
		SET status = 'reserved',
			destination_key = COALESCE(destination_key, $2),
			next_attempt_at = NULL,
			last_error = NULL,
			reserved_at = NOW(),
			updated_at = NOW()
		WHERE signature = $1 AND status = 'pending_correlation'
	`, signature, destination)
}

func (r *PostgresRepository) DeferCorrelation(ctx context.Context, signature, reason string, nextAttemptAt time.Time) (domain.ProcessingRecord, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE deposit_records
		SET correlation_attempts = correlation_attempts + 1,
			last_error = $2,
			next_attempt_at = $3,
			updated_at = NOW()
		WHERE signature = $1 AND status = 'pending_correlation'
		RETURNING `+recordColumns,
		signature, truncateReason(reason), nextAttemptAt)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, domain.ErrInvalidTransition
	}
	return rec, err
}

func (r *PostgresRepository) DeadLetter(ctx context.Context, signature, reason string) (bool, error) {
	return r.exec(ctx, `
		UPDATE deposit_records
		SET status = 'dead_letter', last_error = $2, next_attempt_at = NULL, updated_at = NOW()
		WHERE signature = $1 AND status = 'pending_correlation'
	`, signature, truncateReason(reason))
}

func (r *PostgresRepository) RecordAttempt(ctx context.Context, signature string) (int, error) {
	var attempts int
	err := r.db.QueryRow(ctx, `
		UPDATE deposit_records
		SET attempts = attempts + 1, updated_at = NOW()
		WHERE signature = $1 AND status = 'reserved'
		RETURNING attempts
	`, signature).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrInvalidTransition
	}
	return attempts, err
}

// Commit records the credit. credited_amount is written only on this transition.
func (r *PostgresRepository) Commit(ctx context.Context, signature string, creditedAmount int64) (bool, error) {
	return r.exec(ctx, `
		UPDATE deposit_records
		SET status = 'credited',
			credited_amount = $2,
			credited_at = NOW(),
			last_error = NULL,
			next_attempt_at = NULL,
			updated_at = NOW()
		WHERE signature = $1 AND status = 'reserved'
	`, signature, creditedAmount)
}

func (r *PostgresRepository) Fail(ctx context.Context, signature, reason string, nextAttemptAt time.Time) (bool, error) {
	return r.exec(ctx, `
		UPDATE deposit_records
		SET status = 'failed', last_error = $2, next_attempt_at = $3, updated_at = NOW()
		WHERE signature = $1 AND status = 'reserved'
	`, signature, truncateReason(reason), nextAttemptAt)
}

func (r *PostgresRepository) Requeue(ctx context.Context, signature string) (bool, error) {
	return r.exec(ctx, `
		UPDATE deposit_records
		SET status = 'reserved',
			retry_cycles = retry_cycles + 1,
			next_attempt_at = NULL,
			reserved_at = NOW(),
			updated_at = NOW()
		WHERE signature = $1 AND status = 'failed'
	`, signature)
}

func (r *PostgresRepository) FailTerminal(ctx context.Context, signature, reason string) (bool, error) {
	return r.exec(ctx, `
		UPDATE deposit_records
		SET status = 'failed_terminal', last_error = $2, next_attempt_at = NULL, updated_at = NOW()
		WHERE signature = $1 AND status IN ('reserved', 'failed')
	`, signature, truncateReason(reason))
}

func (r *PostgresRepository) Get(ctx context.Context, signature string) (domain.ProcessingRecord, error) {
	row := r.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM deposit_records WHERE signature = $1`, signature)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, domain.ErrRecordNotFound
	}
	return rec, err
}

func (r *PostgresRepository) ListByStatus(ctx context.Context, status domain.ProcessingStatus, limit int) ([]domain.ProcessingRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+recordColumns+`
		FROM deposit_records
		WHERE status = $1
		ORDER BY source_timestamp, signature
		LIMIT $2
	`, string(status), listLimit(limit))
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func (r *PostgresRepository) ListDue(ctx context.Context, status domain.ProcessingStatus, now time.Time, limit int) ([]domain.ProcessingRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+recordColumns+`
		FROM deposit_records
		WHERE status = $1 AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
		ORDER BY next_attempt_at NULLS FIRST, signature
		LIMIT $3
	`, string(status), now, listLimit(limit))
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func (r *PostgresRepository) ListStaleReserved(ctx context.Context, olderThan time.Time, limit int) ([]domain.ProcessingRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+recordColumns+`
		FROM deposit_records
		WHERE status = 'reserved' AND updated_at < $1
		ORDER BY updated_at, signature
		LIMIT $2
	`, olderThan, listLimit(limit))
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func (r *PostgresRepository) UnknownSignatures(ctx context.Context, signatures []string) ([]string, error) {
	if len(signatures) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, `SELECT signature FROM deposit_records WHERE signature = ANY($1)`, signatures)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	known := make(map[string]struct{}, len(signatures))
	for rows.Next() {
		var signature string
		if err := rows.Scan(&signature); err != nil {
			return nil, err
		}
		known[signature] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	unknown := make([]string, 0, len(signatures)-len(known))
	for _, signature := range signatures {
		if _, ok := known[signature]; !ok {
			unknown = append(unknown, signature)
		}
	}
	return unknown, nil
}

func (r *PostgresRepository) CountByStatus(ctx context.Context) (domain.StatusCounts, error) {
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM deposit_records GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(domain.StatusCounts, len(domain.AllStatuses))
	for _, status := range domain.AllStatuses {
		counts[status] = 0
	}
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[domain.ProcessingStatus(status)] = count
	}
	return counts, rows.Err()
}

func (r *PostgresRepository) LoadWatermark(ctx context.Context, address string, channel domain.Channel) (time.Time, bool, error) {
	var mark time.Time
	err := r.db.QueryRow(ctx, `
		SELECT high_water FROM relay_watermarks WHERE address = $1 AND channel = $2
	`, address, string(channel)).Scan(&mark)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return mark.UTC(), true, nil
}

// SaveWatermark never moves a stored mark backwards.
func (r *PostgresRepository) SaveWatermark(ctx context.Context, address string, channel domain.Channel, mark time.Time) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO relay_watermarks (address, channel, high_water)
		VALUES ($1, $2, $3)
		ON CONFLICT (address, channel) DO UPDATE
		SET high_water = GREATEST(relay_watermarks.high_water, EXCLUDED.high_water),
			updated_at = NOW()
	`, address, string(channel), mark)
	return err
}
