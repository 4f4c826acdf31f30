package history

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// Compile-time interface check.
var _ Store = (*FileStore)(nil)

// maxLineBytes bounds a single JSON line when reading the file back.
const maxLineBytes = 1 << 20

// FileStore persists records as JSON lines in a local file.
// Thread-safe for concurrent use.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a FileStore that writes to the given path.
// The file is created on the first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Save appends r to the file.
func (s *FileStore) Save(_ context.Context, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("history: marshal: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("history: open file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("history: write: %w", err)
	}
	return nil
}

// List reads the whole file and returns the newest records first. Lines that
// do not decode are skipped with a warning. A missing file is an empty
// history.
func (s *FileStore) List(ctx context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history: open file: %w", err)
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			slog.Warn("history: skipping malformed line", "path", s.path, "line", line, "err", err)
			continue
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("history: read: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping checks that the directory holding the file exists.
func (s *FileStore) Ping(context.Context) error {
	dir := filepath.Dir(s.path)
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("history: %s is not a directory", dir)
	}
	return nil
}

// Close is a no-op; the file is opened per call.
func (s *FileStore) Close() error { return nil }
