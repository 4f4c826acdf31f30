package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

const ddlSQLite = `
CREATE TABLE IF NOT EXISTS history (
    id          TEXT    PRIMARY KEY,
    kind        TEXT    NOT NULL,
    source      TEXT    NOT NULL DEFAULT '',
    audio_url   TEXT    NOT NULL DEFAULT '',
    status      TEXT    NOT NULL DEFAULT '',
    samples     INTEGER NOT NULL DEFAULT 0,
    duration_s  REAL    NOT NULL DEFAULT 0,
    feedback    TEXT    NOT NULL DEFAULT '',
    advisor     TEXT    NOT NULL DEFAULT '',
    created_ns  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_created ON history (created_ns DESC);
`

// SQLiteStore keeps records in a local SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and creates the
// history table.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite %q: %w", path, err)
	}
	// SQLite serialises writers; one connection avoids "database is locked".
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, ddlSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: create tables: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Save implements [Store].
func (s *SQLiteStore) Save(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history (id, kind, source, audio_url, status, samples, duration_s, feedback, advisor, created_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), string(r.Kind), r.Source, r.AudioURL, r.Status,
		r.Samples, r.Duration, r.Feedback, r.Advisor, r.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("history: save: %w", err)
	}
	return nil
}

// List implements [Store].
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, source, audio_url, status, samples, duration_s, feedback, advisor, created_ns
		 FROM history ORDER BY created_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r       Record
			id      string
			created int64
		)
		if err := rows.Scan(&id, &r.Kind, &r.Source, &r.AudioURL, &r.Status,
			&r.Samples, &r.Duration, &r.Feedback, &r.Advisor, &created); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("history: parse id %q: %w", id, err)
		}
		r.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	return out, nil
}

// Ping implements [Store].
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
