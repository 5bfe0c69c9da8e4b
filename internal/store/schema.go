package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS deposit_records (
		signature            TEXT PRIMARY KEY,
		status               TEXT NOT NULL,
		channel              TEXT NOT NULL,
		source_address       TEXT NOT NULL DEFAULT '',
		destination_key      TEXT,
		memo                 TEXT NOT NULL DEFAULT '',
		amount               BIGINT NOT NULL CHECK (amount >= 0),
		source_timestamp     TIMESTAMPTZ NOT NULL,
		observed_at          TIMESTAMPTZ NOT NULL,
		raw_payload_ref      TEXT NOT NULL DEFAULT '',
		attempts             INT NOT NULL DEFAULT 0,
		retry_cycles         INT NOT NULL DEFAULT 0,
		correlation_attempts INT NOT NULL DEFAULT 0,
		next_attempt_at      TIMESTAMPTZ,
		last_error           TEXT,
		credited_amount      BIGINT,
		reserved_at          TIMESTAMPTZ,
		credited_at          TIMESTAMPTZ,
		created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_deposit_records_status_next_attempt
		ON deposit_records (status, next_attempt_at)`,
	`CREATE TABLE IF NOT EXISTS relay_watermarks (
		address    TEXT NOT NULL,
		channel    TEXT NOT NULL,
		high_water TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (address, channel)
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_inbox (
		id                    UUID PRIMARY KEY,
		signature             TEXT NOT NULL,
		payload               JSONB NOT NULL,
		status                TEXT NOT NULL DEFAULT 'pending',
		attempts              INT NOT NULL DEFAULT 0,
		next_attempt_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processing_started_at TIMESTAMPTZ,
		last_error            TEXT,
		created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at          TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_inbox_claim
		ON webhook_inbox (status, next_attempt_at, created_at)`,
}

// EnsureSchema creates the relay's tables when they do not exist yet.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	for _, statement := range schemaStatements {
		if _, err := db.Exec(ctx, statement); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
