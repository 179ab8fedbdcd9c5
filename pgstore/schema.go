package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaDDL is idempotent; Migrate can run on every startup.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS accounts (
	id                       TEXT PRIMARY KEY,
	email                    TEXT NOT NULL UNIQUE,
	password_hash            TEXT NOT NULL,
	role                     TEXT NOT NULL DEFAULT '',
	totp_secret              BYTEA,
	email_verified           BOOLEAN NOT NULL DEFAULT FALSE,
	verification_token_hash  BYTEA,
	verification_expiry      TIMESTAMPTZ,
	reset_token_hash         BYTEA,
	reset_token_until        TIMESTAMPTZ,
	recovery_email           TEXT NOT NULL DEFAULT '',
	recovery_email_verified  BOOLEAN NOT NULL DEFAULT FALSE,
	recovery_token_hash      BYTEA,
	recovery_token_until     TIMESTAMPTZ,
	failed_attempts          INTEGER NOT NULL DEFAULT 0,
	locked_until             TIMESTAMPTZ,
	last_login_at            TIMESTAMPTZ,
	created_at               TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS backup_codes (
	account_id  TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	code_hash   BYTEA NOT NULL,
	PRIMARY KEY (account_id, code_hash)
);

CREATE TABLE IF NOT EXISTS devices (
	id                       TEXT PRIMARY KEY,
	account_id               TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	fingerprint_hash         BYTEA NOT NULL,
	display_name             TEXT NOT NULL DEFAULT '',
	kind                     TEXT NOT NULL DEFAULT '',
	is_primary               BOOLEAN NOT NULL DEFAULT FALSE,
	verified                 BOOLEAN NOT NULL DEFAULT FALSE,
	verification_token_hash  BYTEA,
	verification_expiry      TIMESTAMPTZ,
	last_used_at             TIMESTAMPTZ NOT NULL,
	revoked_at               TIMESTAMPTZ,
	created_at               TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS devices_account_fingerprint
	ON devices (account_id, fingerprint_hash) WHERE revoked_at IS NULL;

CREATE UNIQUE INDEX IF NOT EXISTS devices_account_primary
	ON devices (account_id) WHERE is_primary AND revoked_at IS NULL;

CREATE TABLE IF NOT EXISTS audit_events (
	id          BIGSERIAL PRIMARY KEY,
	occurred_at TIMESTAMPTZ NOT NULL,
	event_type  TEXT NOT NULL,
	account_id  TEXT NOT NULL DEFAULT '',
	session_id  TEXT NOT NULL DEFAULT '',
	device_id   TEXT NOT NULL DEFAULT '',
	source_addr TEXT NOT NULL DEFAULT '',
	success     BOOLEAN NOT NULL,
	error_text  TEXT NOT NULL DEFAULT '',
	metadata    JSONB
);

CREATE INDEX IF NOT EXISTS audit_events_account
	ON audit_events (account_id, occurred_at DESC);
`

// Migrate creates the pgstore tables and indexes if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("pgstore: migrate failed: %w", err)
	}
	return nil
}
