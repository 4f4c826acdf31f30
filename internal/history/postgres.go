package history

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

const ddlPostgres = `
CREATE TABLE IF NOT EXISTS tunesync_history (
    id          TEXT             PRIMARY KEY,
    kind        TEXT             NOT NULL,
    source      TEXT             NOT NULL DEFAULT '',
    audio_url   TEXT             NOT NULL DEFAULT '',
    status      TEXT             NOT NULL DEFAULT '',
    samples     INTEGER          NOT NULL DEFAULT 0,
    duration_s  DOUBLE PRECISION NOT NULL DEFAULT 0,
    feedback    TEXT             NOT NULL DEFAULT '',
    advisor     TEXT             NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ      NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_tunesync_history_created_at
    ON tunesync_history (created_at DESC);
`

// PostgresStore keeps records in a PostgreSQL table. All methods are safe for
// concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database at dsn and creates the history
// table if it does not exist.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlPostgres); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Save implements [Store].
func (s *PostgresStore) Save(ctx context.Context, r Record) error {
	const q = `
		INSERT INTO tunesync_history
		    (id, kind, source, audio_url, status, samples, duration_s, feedback, advisor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, q,
		r.ID.String(),
		string(r.Kind),
		r.Source,
		r.AudioURL,
		r.Status,
		r.Samples,
		r.Duration,
		r.Feedback,
		r.Advisor,
		r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("history: save: %w", err)
	}
	return nil
}

// List implements [Store].
func (s *PostgresStore) List(ctx context.Context, limit int) ([]Record, error) {
	q := `
		SELECT id, kind, source, audio_url, status, samples, duration_s, feedback, advisor, created_at
		FROM   tunesync_history
		ORDER  BY created_at DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var (
			r  Record
			id string
		)
		if err := row.Scan(&id, &r.Kind, &r.Source, &r.AudioURL, &r.Status,
			&r.Samples, &r.Duration, &r.Feedback, &r.Advisor, &r.CreatedAt); err != nil {
			return Record{}, err
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return Record{}, fmt.Errorf("parse id %q: %w", id, err)
		}
		r.ID = parsed
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	return out, nil
}

// Ping implements [Store].
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
