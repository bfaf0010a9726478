package focus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/martinemde/stagehand/failure"
)

// Store is the durable home of the focus record.
type Store interface {
	// Read returns the persisted state, or Default when the record is
	// absent or corrupt. It never fails; corruption is logged.
	Read(ctx context.Context) State
	// Write replaces the persisted record with s. A later Read returns
	// s.Normalized(). Invalid states, including invalid UTF-8, are rejected.
	Write(ctx context.Context, s State) error
}

// FileStore keeps the focus record in a JSON file.
type FileStore struct {
	path   string
	logger *slog.Logger
}

// NewFileStore creates a FileStore at path.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{path: path, logger: logger}
}

// Path returns the backing file path.
func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Read(ctx context.Context) State {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			f.logger.Debug("focus state absent, starting fresh", "path", f.path)
		} else {
			f.logger.Warn("focus state unreadable, starting fresh", "path", f.path, "error", err)
		}
		return Default()
	}
	s, err := Decode(data)
	if err != nil {
		f.logger.Warn("focus state corrupt, starting fresh", "path", f.path, "error", err)
		return Default()
	}
	return s
}

// Write replaces the file atomically: the record is written to a temporary
// file in the same directory and renamed over the old one.
func (f *FileStore) Write(ctx context.Context, s State) error {
	data, err := Encode(s)
	if err != nil {
		return failure.Wrap(failure.Persistence, err, "encode focus state")
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return failure.Wrap(failure.Persistence, err, "create focus directory")
	}
	tmp, err := os.CreateTemp(dir, ".focus-*.json")
	if err != nil {
		return failure.Wrap(failure.Persistence, err, "create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return failure.Wrap(failure.Persistence, err, "write focus state")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return failure.Wrap(failure.Persistence, err, "sync focus state")
	}
	if err := tmp.Close(); err != nil {
		return failure.Wrap(failure.Persistence, err, "close focus state")
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return failure.Wrap(failure.Persistence, err, "replace focus state")
	}
	f.logger.Debug("focus state written", "path", f.path, "progress", s.Progress, "should_defocus", s.ShouldDefocus)
	return nil
}

// SQLiteStore keeps the focus record as a single row.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a SQLiteStore, running migrations on first use.
func NewSQLiteStore(db *sql.DB, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate focus state: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS focus_state (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			document   TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	return err
}

func (s *SQLiteStore) Read(ctx context.Context) State {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM focus_state WHERE id = 1`).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Debug("focus state absent, starting fresh")
		} else {
			s.logger.Warn("focus state unreadable, starting fresh", "error", err)
		}
		return Default()
	}
	st, err := Decode([]byte(doc))
	if err != nil {
		s.logger.Warn("focus state corrupt, starting fresh", "error", err)
		return Default()
	}
	return st
}

func (s *SQLiteStore) Write(ctx context.Context, st State) error {
	data, err := Encode(st)
	if err != nil {
		return failure.Wrap(failure.Persistence, err, "encode focus state")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO focus_state (id, document, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at
	`, string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return failure.Wrap(failure.Persistence, err, "write focus state")
	}
	return nil
}

// MemoryStore keeps the focus record in memory. It is used when
// persistence is disabled and in tests.
type MemoryStore struct {
	doc []byte
}

func (m *MemoryStore) Read(ctx context.Context) State {
	if m.doc == nil {
		return Default()
	}
	s, err := Decode(m.doc)
	if err != nil {
		return Default()
	}
	return s
}

func (m *MemoryStore) Write(ctx context.Context, s State) error {
	data, err := Encode(s)
	if err != nil {
		return failure.Wrap(failure.Persistence, err, "encode focus state")
	}
	m.doc = data
	return nil
}
