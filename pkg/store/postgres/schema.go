// Package postgres provides a PostgreSQL-backed [store.Store] built on a
// single [pgxpool.Pool].
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
//
//	c, _ := st.CreateContact(ctx, store.Contact{ID: "77010000001"})
//	m, _ := st.AppendMessage(ctx, store.Message{ContactID: c.ID, Kind: store.KindText, Body: "hi"})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Contacts
// ─────────────────────────────────────────────────────────────────────────────

const ddlContacts = `
CREATE TABLE IF NOT EXISTS contacts (
    id            TEXT         PRIMARY KEY,
    display_name  TEXT         NOT NULL DEFAULT '',
    profile_name  TEXT         NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ─────────────────────────────────────────────────────────────────────────────
// Messages
// ─────────────────────────────────────────────────────────────────────────────

const ddlMessages = `
CREATE TABLE IF NOT EXISTS messages (
    id                   BIGSERIAL    PRIMARY KEY,
    contact_id           TEXT         NOT NULL REFERENCES contacts (id),
    provider_message_id  TEXT         NOT NULL DEFAULT '',
    kind                 TEXT         NOT NULL,
    body                 TEXT         NOT NULL DEFAULT '',
    has_attachment       BOOLEAN      NOT NULL DEFAULT false,
    attachment_path      TEXT         NOT NULL DEFAULT ''
                         CHECK (position(',' IN attachment_path) = 0),
    sent_at              TIMESTAMPTZ  NOT NULL,
    recognized_text      TEXT,
    created_at           TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_contact_sent
    ON messages (contact_id, sent_at);

CREATE INDEX IF NOT EXISTS idx_messages_provider_id
    ON messages (provider_message_id);
`

// ─────────────────────────────────────────────────────────────────────────────
// Transcription results
// ─────────────────────────────────────────────────────────────────────────────

const ddlTranscriptionResults = `
CREATE TABLE IF NOT EXISTS transcription_results (
    id            BIGSERIAL    PRIMARY KEY,
    message_id    BIGINT       NOT NULL UNIQUE REFERENCES messages (id),
    audio_path    TEXT         NOT NULL,
    audio_name    TEXT         NOT NULL,
    model_output  TEXT         NOT NULL CHECK (btrim(model_output) <> ''),
    corrected     BOOLEAN      NOT NULL DEFAULT false,
    human_output  TEXT,
    resolved_at   TIMESTAMPTZ,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcription_results_unresolved
    ON transcription_results (created_at) WHERE resolved_at IS NULL;
`

// Migrate creates every table and index the store needs. All statements are
// idempotent, so Migrate runs on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlContacts,
		ddlMessages,
		ddlTranscriptionResults,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
