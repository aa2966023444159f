package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Conversations and messages
// ─────────────────────────────────────────────────────────────────────────────

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    id          TEXT         PRIMARY KEY,
    created_at  TIMESTAMPTZ  NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    seq              BIGSERIAL    PRIMARY KEY,
    id               TEXT         NOT NULL UNIQUE,
    conversation_id  TEXT         NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
    role             TEXT         NOT NULL,
    content          TEXT         NOT NULL,
    created_at       TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
    ON messages (conversation_id, created_at, seq);
`

// ─────────────────────────────────────────────────────────────────────────────
// Tickets
// ─────────────────────────────────────────────────────────────────────────────

const ddlTickets = `
CREATE TABLE IF NOT EXISTS tickets (
    id                    TEXT         PRIMARY KEY,
    user_query            TEXT         NOT NULL,
    conversation_history  JSONB        NOT NULL DEFAULT '[]',
    timestamp             TIMESTAMPTZ  NOT NULL,
    status                TEXT         NOT NULL DEFAULT 'open'
);

CREATE INDEX IF NOT EXISTS idx_tickets_timestamp
    ON tickets (timestamp DESC);
`

// ─────────────────────────────────────────────────────────────────────────────
// Customer account auth material
// ─────────────────────────────────────────────────────────────────────────────

const ddlAuth = `
CREATE TABLE IF NOT EXISTS code_verifiers (
    state       TEXT         PRIMARY KEY,
    verifier    TEXT         NOT NULL,
    expires_at  TIMESTAMPTZ  NOT NULL
);

CREATE TABLE IF NOT EXISTS customer_tokens (
    conversation_id  TEXT         PRIMARY KEY,
    access_token     TEXT         NOT NULL,
    expires_at       TIMESTAMPTZ  NOT NULL
);

CREATE TABLE IF NOT EXISTS customer_account_urls (
    conversation_id  TEXT  PRIMARY KEY,
    url              TEXT  NOT NULL
);
`

// Migrate creates all tables and indexes voicedesk needs. It is idempotent
// and runs on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlConversations, ddlTickets, ddlAuth} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
