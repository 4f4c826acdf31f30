// Package history keeps a log of processed tracks and feedback.
//
// Every waveform the client loads and every piece of feedback it receives is
// saved as a [Record]. Three [Store] implementations exist: [FileStore]
// appends JSON lines to a local file, [SQLiteStore] keeps a single-file
// database, and [PostgresStore] writes to a shared PostgreSQL database. [Open]
// picks one from configuration.
package history

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a [Record].
type Kind string

const (
	KindReference Kind = "reference"
	KindRecording Kind = "recording"
	KindFeedback  Kind = "feedback"
)

// Record is one history entry.
type Record struct {
	ID   uuid.UUID `json:"id"`
	Kind Kind      `json:"kind"`

	// Source is the YouTube URL or the uploaded file name.
	Source   string `json:"source,omitempty"`
	AudioURL string `json:"audio_url,omitempty"`

	// Status is the waveform load status ("loaded", "empty").
	Status   string  `json:"status,omitempty"`
	Samples  int     `json:"samples,omitempty"`
	Duration float64 `json:"duration,omitempty"`

	// Feedback and Advisor are set on KindFeedback records.
	Feedback string `json:"feedback,omitempty"`
	Advisor  string `json:"advisor,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewRecord returns a record with a fresh ID and the current time.
func NewRecord(kind Kind, source string) Record {
	return Record{
		ID:        uuid.New(),
		Kind:      kind,
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}
}

// Store persists records. Implementations are safe for concurrent use.
type Store interface {
	// Save appends r.
	Save(ctx context.Context, r Record) error

	// List returns up to limit records, newest first. A limit of zero or less
	// returns all records.
	List(ctx context.Context, limit int) ([]Record, error)

	// Ping reports whether the store is usable.
	Ping(ctx context.Context) error

	Close() error
}

// Open returns the store selected by path and dsn. A non-empty dsn selects
// [PostgresStore]. Otherwise a path ending in .db, .sqlite or .sqlite3
// selects [SQLiteStore] and any other path selects [FileStore]. With neither
// set, history is discarded.
func Open(ctx context.Context, path, dsn string) (Store, error) {
	switch {
	case dsn != "":
		return NewPostgresStore(ctx, dsn)
	case path == "":
		return Discard{}, nil
	case isSQLitePath(path):
		return NewSQLiteStore(ctx, path)
	default:
		return NewFileStore(path), nil
	}
}

func isSQLitePath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return true
	}
	return false
}

// Discard is a [Store] that keeps nothing.
type Discard struct{}

var _ Store = Discard{}

func (Discard) Save(context.Context, Record) error { return nil }
func (Discard) List(context.Context, int) ([]Record, error) { return nil, nil }
func (Discard) Ping(context.Context) error { return nil }
func (Discard) Close() error { return nil }
