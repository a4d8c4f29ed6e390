// Package incident keeps a log of classified upstream failures. It stores
// failure metadata only, never message text.
package incident

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	_ "modernc.org/sqlite"

	"zbot/internal/eventbus"
)

const maxDetailBytes = 4 << 10

// Incident is one recorded failure.
type Incident struct {
	ID        int64     `json:"id"`
	Category  string    `json:"category"`
	Provider  string    `json:"provider"`
	Source    string    `json:"source"`
	SessionID string    `json:"session_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Detail    string    `json:"-"`
	Fragments int       `json:"fragments"`
	Duration  int64     `json:"duration_ms"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the interface for incident persistence.
type Store interface {
	Record(ctx context.Context, inc Incident) error
	Recent(ctx context.Context, limit int) ([]Incident, error)
	Counts(ctx context.Context, since time.Time) (map[string]int, error)
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) the incident database at path. ":memory:" keeps it
// in memory.
func Open(path string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, err
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" a single database and serializes writers.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("incident: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)`); err != nil {
		return err
	}
	var version int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version); err != nil {
		return err
	}

	for v := version; v < len(migrations); v++ {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		for _, stmt := range migrations[v] {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return err
			}
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, v+1); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Record(ctx context.Context, inc Incident) error {
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO incidents (category, provider, source, session_id, task_id, detail, fragments, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.Category, inc.Provider, inc.Source, inc.SessionID, inc.TaskID,
		clip(inc.Detail, maxDetailBytes), inc.Fragments, inc.Duration, inc.CreatedAt.UnixMilli(),
	)
	return err
}

// Recent returns the newest incidents first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Incident, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, category, provider, source, session_id, task_id, detail, fragments, duration_ms, created_at
		 FROM incidents ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		var inc Incident
		var sessionID, taskID, detail sql.NullString
		var created int64
		if err := rows.Scan(&inc.ID, &inc.Category, &inc.Provider, &inc.Source,
			&sessionID, &taskID, &detail, &inc.Fragments, &inc.Duration, &created); err != nil {
			return nil, err
		}
		inc.SessionID = sessionID.String
		inc.TaskID = taskID.String
		inc.Detail = detail.String
		inc.CreatedAt = time.UnixMilli(created)
		out = append(out, inc)
	}
	return out, rows.Err()
}

// Counts returns the number of incidents per category since the given time.
func (s *SQLiteStore) Counts(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT category, COUNT(*) FROM incidents WHERE created_at >= ? GROUP BY category`,
		since.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var category string
		var n int
		if err := rows.Scan(&category, &n); err != nil {
			return nil, err
		}
		counts[category] = n
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Attach records every failure outcome published on bus. The returned
// function detaches the store again.
func Attach(store Store, bus *eventbus.Bus) (detach func()) {
	handler := func(e eventbus.Event) {
		out, ok := e.Payload.(eventbus.Outcome)
		if !ok || out.Category == "" {
			return
		}
		inc := Incident{
			Category:  out.Category,
			Provider:  out.Provider,
			Source:    string(out.Source),
			SessionID: out.SessionID,
			TaskID:    out.TaskID,
			Detail:    out.Detail,
			Fragments: out.Fragments,
			Duration:  out.Duration.Milliseconds(),
			CreatedAt: e.Timestamp,
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Record(ctx, inc); err != nil {
			log.Printf("[incident] failed to record %s: %v", out.Category, err)
		}
	}

	unsubs := []func(){
		bus.Subscribe(eventbus.TopicStreamFailed, handler),
		bus.Subscribe(eventbus.TopicReplyFailed, handler),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// clip shortens s to at most n bytes on a character boundary.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
