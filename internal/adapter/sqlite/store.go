package sqlite

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/vertextoedge/resumable-downloader/internal/port"
)

// Store implements port.Store interface using SQLite
type Store struct {
	db *sql.DB
}

// Ensure Store implements port.Store
var _ port.Store = (*Store)(nil)

// Config contains optional database tuning
type Config struct {
	BusyTimeoutMs int // default: 5000
	CacheSizeMB   int // default: 16
}

// Open opens a connection to the SQLite database
func Open(dbPath string) (*Store, error) {
	return OpenWithConfig(dbPath, nil)
}

// OpenWithConfig opens a connection to the SQLite database with custom tuning
func OpenWithConfig(dbPath string, cfg *Config) (*Store, error) {
	busyTimeout := 5000
	cacheSizeMB := 16
	if cfg != nil {
		if cfg.BusyTimeoutMs > 0 {
			busyTimeout = cfg.BusyTimeoutMs
		}
		if cfg.CacheSizeMB > 0 {
			cacheSizeMB = cfg.CacheSizeMB
		}
	}

	// Ensure directory exists
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database dir: %w", err)
		}
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	// synchronous(FULL) makes each committed progress update survive power loss.
	params := url.Values{}
	params.Add("_txlock", "immediate")
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "synchronous(FULL)")
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout))
	params.Add("_pragma", fmt.Sprintf("cache_size(-%d)", cacheSizeMB*1024))
	params.Add("_pragma", "temp_store(MEMORY)")

	db, err := sql.Open("sqlite", dbPath+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}

	// Run migrations
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks database connectivity
func (s *Store) Ping() error {
	return s.db.Ping()
}

// migrate creates or updates the database schema
func (s *Store) migrate() error {
	migrations := []string{
		// One record per session; timestamps are unix nanoseconds
		`CREATE TABLE IF NOT EXISTS download_sessions (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			destination TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			confirmed_bytes INTEGER NOT NULL DEFAULT 0,
			total_bytes INTEGER NOT NULL DEFAULT -1,
			last_error TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,

		// A destination is owned by at most one non-terminal session
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_download_sessions_owner
			ON download_sessions(destination)
			WHERE status IN ('pending', 'active', 'paused')`,

		`CREATE INDEX IF NOT EXISTS idx_download_sessions_status ON download_sessions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_download_sessions_lookup ON download_sessions(destination, url)`,
		`CREATE INDEX IF NOT EXISTS idx_download_sessions_updated ON download_sessions(updated_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, migration)
		}
	}

	return nil
}
