package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store bundles the three persistent stores over one sqlite database.
type Store struct {
	db *sql.DB

	Health   *HealthStore
	Budget   *BudgetStore
	Sessions *SessionStore
}

// Open opens (creating if needed) the state database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("store: create state dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	// WAL mode for concurrent readers during request handling.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: wal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	now := time.Now
	s.Health = &HealthStore{db: db, now: now}
	s.Budget = &BudgetStore{db: db}
	s.Sessions = &SessionStore{db: db, now: now}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS model_health (
			model_id             TEXT PRIMARY KEY,
			cooldown_until       INTEGER NOT NULL DEFAULT 0,
			degraded_until       INTEGER NOT NULL DEFAULT 0,
			rate_limit_strikes   INTEGER NOT NULL DEFAULT 0,
			last_rate_limit_at   INTEGER NOT NULL DEFAULT 0,
			rolling_latency_ms   REAL NOT NULL DEFAULT 0,
			rolling_success_rate REAL NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS provider_budget (
			provider          TEXT PRIMARY KEY,
			used_tokens       INTEGER NOT NULL DEFAULT 0,
			soft_limit_tokens INTEGER NOT NULL DEFAULT 0,
			hard_limit_tokens INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS request_sessions (
			request_id    TEXT PRIMARY KEY,
			task_type     TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL DEFAULT 'pending',
			model_id      TEXT NOT NULL DEFAULT '',
			response_text TEXT NOT NULL DEFAULT '',
			attempts      TEXT NOT NULL DEFAULT '[]',
			created_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate %q: %w", stmt[:40], err)
		}
	}
	return nil
}
