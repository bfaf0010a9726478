// Package memory keeps long-term notes the agent writes for itself and
// recalls in later turns. Notes live in SQLite and survive history
// compaction.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Note is one remembered fact.
type Note struct {
	ID         string    `json:"id"`
	Topic      string    `json:"topic"`
	Content    string    `json:"content"`
	Importance float64   `json:"importance"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists notes in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a memory store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate memory: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memory_notes (
			id         TEXT PRIMARY KEY,
			topic      TEXT NOT NULL,
			content    TEXT NOT NULL,
			importance REAL NOT NULL DEFAULT 0.5,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_memory_notes_topic ON memory_notes(topic);
	`)
	return err
}

// Save stores a new note and returns it.
func (s *Store) Save(ctx context.Context, topic, content string, importance float64) (Note, error) {
	n := Note{
		ID:         uuid.New().String(),
		Topic:      strings.TrimSpace(topic),
		Content:    strings.TrimSpace(content),
		Importance: importance,
		CreatedAt:  s.now().UTC(),
	}
	if n.Content == "" {
		return Note{}, fmt.Errorf("memory content is empty")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_notes (id, topic, content, importance, created_at) VALUES (?, ?, ?, ?, ?)`,
		n.ID, n.Topic, n.Content, n.Importance, n.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Note{}, fmt.Errorf("save memory: %w", err)
	}
	return n, nil
}

// Search returns up to limit notes whose topic or content contains every
// word of query, most important and most recent first. An empty query
// returns the most recent notes.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Note, error) {
	if limit <= 0 {
		limit = 10
	}

	var (
		where []string
		args  []any
	)
	for _, word := range strings.Fields(strings.ToLower(query)) {
		pattern := "%" + escapeLike(word) + "%"
		where = append(where, `(lower(topic) LIKE ? ESCAPE '\' OR lower(content) LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}
	q := `SELECT id, topic, content, importance, created_at FROM memory_notes`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += ` ORDER BY importance DESC, created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search memory: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var (
			n       Note
			created string
		)
		if err := rows.Scan(&n.ID, &n.Topic, &n.Content, &n.Importance, &created); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		n.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
