package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rtemirbulat/voice-transcribing/pkg/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// PostgreSQL error codes mapped to store errors.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeCheckViolation      = "23514"
)

// Store is the PostgreSQL-backed [store.Store]. Every method commits on its
// own; nothing spans a transaction. All operations are safe for concurrent
// use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a connection pool to the database at dsn, verifies it
// with a ping and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetContact implements [store.Store].
func (s *Store) GetContact(ctx context.Context, id string) (store.Contact, error) {
	const q = `
		SELECT id, display_name, profile_name, created_at
		FROM   contacts
		WHERE  id = $1`

	var c store.Contact
	err := s.pool.QueryRow(ctx, q, id).Scan(&c.ID, &c.DisplayName, &c.ProfileName, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Contact{}, store.ErrNotFound
	}
	if err != nil {
		return store.Contact{}, fmt.Errorf("postgres store: get contact: %w", err)
	}
	return c, nil
}

// CreateContact implements [store.Store]. The upsert only touches an
// existing row to backfill an empty profile name, so the first recorded
// names win.
func (s *Store) CreateContact(ctx context.Context, c store.Contact) (store.Contact, error) {
	if c.ID == "" {
		return store.Contact{}, fmt.Errorf("%w: empty contact id", store.ErrInvalid)
	}
	const q = `
		INSERT INTO contacts (id, display_name, profile_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		    SET profile_name = CASE
		        WHEN contacts.profile_name = '' THEN EXCLUDED.profile_name
		        ELSE contacts.profile_name
		    END
		RETURNING id, display_name, profile_name, created_at`

	var out store.Contact
	err := s.pool.QueryRow(ctx, q, c.ID, c.DisplayName, c.ProfileName).
		Scan(&out.ID, &out.DisplayName, &out.ProfileName, &out.CreatedAt)
	if err != nil {
		return store.Contact{}, fmt.Errorf("postgres store: create contact: %w", mapErr(err))
	}
	return out, nil
}

// AppendMessage implements [store.Store].
func (s *Store) AppendMessage(ctx context.Context, m store.Message) (store.Message, error) {
	if strings.Contains(m.AttachmentPath, ",") {
		return store.Message{}, fmt.Errorf("%w: attachment path contains a comma", store.ErrInvalid)
	}
	const q = `
		INSERT INTO messages
		    (contact_id, provider_message_id, kind, body, has_attachment, attachment_path, sent_at, recognized_text)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`

	err := s.pool.QueryRow(ctx, q,
		m.ContactID,
		m.ProviderMessageID,
		m.Kind,
		m.Body,
		m.HasAttachment,
		m.AttachmentPath,
		m.Timestamp,
		m.RecognizedText,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return store.Message{}, fmt.Errorf("postgres store: append message: %w", mapErr(err))
	}
	return m, nil
}

// ListMessages implements [store.Store].
func (s *Store) ListMessages(ctx context.Context, contactID string, limit int) ([]store.Message, error) {
	q := `
		SELECT id, contact_id, provider_message_id, kind, body, has_attachment,
		       attachment_path, sent_at, recognized_text, created_at
		FROM   messages
		WHERE  contact_id = $1
		ORDER  BY id`
	args := []any{contactID}
	if limit > 0 {
		args = append(args, limit)
		q += "\nLIMIT $2"
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Message, error) {
		var m store.Message
		err := row.Scan(
			&m.ID,
			&m.ContactID,
			&m.ProviderMessageID,
			&m.Kind,
			&m.Body,
			&m.HasAttachment,
			&m.AttachmentPath,
			&m.Timestamp,
			&m.RecognizedText,
			&m.CreatedAt,
		)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan messages: %w", err)
	}
	return msgs, nil
}

// CreateTranscriptionResult implements [store.Store].
func (s *Store) CreateTranscriptionResult(ctx context.Context, r store.TranscriptionResult) (store.TranscriptionResult, error) {
	if strings.TrimSpace(r.ModelOutput) == "" {
		return store.TranscriptionResult{}, fmt.Errorf("%w: empty model output", store.ErrInvalid)
	}
	const q = `
		INSERT INTO transcription_results (message_id, audio_path, audio_name, model_output)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	r.Corrected = false
	r.HumanOutput = nil
	r.ResolvedAt = nil
	err := s.pool.QueryRow(ctx, q, r.MessageID, r.AudioPath, r.AudioName, r.ModelOutput).
		Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return store.TranscriptionResult{}, fmt.Errorf("postgres store: create transcription result: %w", mapErr(err))
	}
	return r, nil
}

// GetTranscriptionResult implements [store.Store].
func (s *Store) GetTranscriptionResult(ctx context.Context, id int64) (store.TranscriptionResult, error) {
	const q = `
		SELECT id, message_id, audio_path, audio_name, model_output,
		       corrected, human_output, resolved_at, created_at
		FROM   transcription_results
		WHERE  id = $1`

	var r store.TranscriptionResult
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&r.ID,
		&r.MessageID,
		&r.AudioPath,
		&r.AudioName,
		&r.ModelOutput,
		&r.Corrected,
		&r.HumanOutput,
		&r.ResolvedAt,
		&r.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.TranscriptionResult{}, store.ErrNotFound
	}
	if err != nil {
		return store.TranscriptionResult{}, fmt.Errorf("postgres store: get transcription result: %w", err)
	}
	return r, nil
}

// ResolveTranscriptionResult implements [store.Store]. The resolved_at guard
// in the WHERE clause makes the mutation happen at most once.
func (s *Store) ResolveTranscriptionResult(ctx context.Context, id int64, res store.Resolution) error {
	const q = `
		UPDATE transcription_results
		SET    corrected = $2, human_output = $3, resolved_at = now()
		WHERE  id = $1 AND resolved_at IS NULL`

	tag, err := s.pool.Exec(ctx, q, id, res.Corrected, res.HumanOutput)
	if err != nil {
		return fmt.Errorf("postgres store: resolve transcription result: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM transcription_results WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("postgres store: resolve transcription result: %w", err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrAlreadyResolved
}

// mapErr translates constraint violations into store errors.
func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeForeignKeyViolation:
		return fmt.Errorf("%w: %s", store.ErrNotFound, pgErr.Detail)
	case codeUniqueViolation, codeCheckViolation:
		return fmt.Errorf("%w: %s", store.ErrInvalid, pgErr.Message)
	}
	return err
}
