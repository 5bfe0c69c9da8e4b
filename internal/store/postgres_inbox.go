package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/transfa/deposit-relay/internal/domain"
)

// EnqueueWebhook durably stores one webhook item. The returned id is the raw payload reference.
func (r *PostgresRepository) EnqueueWebhook(ctx context.Context, signature string, payload []byte) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO webhook_inbox (id, signature, payload)
		VALUES ($1::uuid, $2, $3::jsonb)
	`, id.String(), signature, string(payload))
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// ClaimWebhooks locks a batch of due items. Items stuck in processing longer than
// staleAfter are reclaimed, which covers a dispatcher that died mid-batch.
func (r *PostgresRepository) ClaimWebhooks(ctx context.Context, limit int, staleAfter time.Duration) ([]domain.InboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	staleAfterSeconds := int(staleAfter.Seconds())
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	rows, err := r.db.Query(ctx, `
		WITH candidates AS (
			SELECT id
			FROM webhook_inbox
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE webhook_inbox AS i
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = i.attempts + 1
		FROM candidates
		WHERE i.id = candidates.id
		RETURNING i.id::text, i.signature, i.payload::text, i.attempts, i.created_at
	`, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]domain.InboxMessage, 0, limit)
	for rows.Next() {
		var (
			msg         domain.InboxMessage
			payloadText string
		)
		if err := rows.Scan(&msg.ID, &msg.Signature, &payloadText, &msg.Attempts, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.Payload = []byte(payloadText)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (r *PostgresRepository) MarkWebhookDone(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE webhook_inbox
		SET status = 'processed',
			processed_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1::uuid
	`, id)
	return err
}

func (r *PostgresRepository) MarkWebhookFailed(ctx context.Context, id string, retryAfter time.Duration, reason string) error {
	retryAfterSeconds := int(retryAfter.Seconds())
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	_, err := r.db.Exec(ctx, `
		UPDATE webhook_inbox
		SET status = 'pending',
			processing_started_at = NULL,
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			last_error = $3
		WHERE id = $1::uuid
	`, id, retryAfterSeconds, truncateReason(reason))
	return err
}
