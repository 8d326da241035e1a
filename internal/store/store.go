package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added idx_resources_item_type for collection scans
const currentSchemaVersion = 1

// DefaultReaders is the size of the read-only connection pool.
const DefaultReaders = 8

// Committed describes one resource write after its transaction committed.
type Committed struct {
	RID      string
	ItemType string
	SID      int64
	Created  bool
}

// CommitHook is called after every successful Put.
type CommitHook func(ctx context.Context, c Committed)

// Option configures a Store.
type Option func(*Store)

// WithCommitHook registers a hook run after each committed write.
func WithCommitHook(hook CommitHook) Option {
	return func(s *Store) {
		s.hooks = append(s.hooks, hook)
	}
}

// WithReaders sets the size of the read-only connection pool.
func WithReaders(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.readers = n
		}
	}
}

// Store is the durable store.
// A single writer connection serializes transactions; snapshot sessions use
// a separate pool of query_only connections so long reads never block writes.
type Store struct {
	reader
	db      *sql.DB
	ro      *sql.DB
	readers int
	hooks   []CommitHook
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{readers: DefaultReaders}
	for _, opt := range opts {
		opt(s)
	}

	db, err := OpenDB(path, false)
	if err != nil {
		return nil, err
	}
	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	ro, err := OpenDB(path, true)
	if err != nil {
		db.Close()
		return nil, err
	}
	ro.SetMaxOpenConns(s.readers)
	ro.SetMaxIdleConns(s.readers)

	s.db = db
	s.ro = ro
	s.reader = reader{q: db}
	return s, nil
}

// OpenDB opens a SQLite handle with the standard pragmas applied to every
// pooled connection. readOnly handles refuse writes.
func OpenDB(path string, readOnly bool) (*sql.DB, error) {
	params := url.Values{}
	params.Set("_synchronous", "NORMAL")
	params.Set("_busy_timeout", "5000")
	params.Set("_foreign_keys", "on")
	if readOnly {
		// journal_mode is persistent in the file; the writer sets it
		params.Set("_query_only", "true")
	} else {
		params.Set("_journal_mode", "WAL")
	}
	dsn := "file:" + path + "?" + params.Encode()

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// Close closes both connection pools.
func (s *Store) Close() error {
	var firstErr error
	if s.ro != nil {
		firstErr = s.ro.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DB returns the underlying writer sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 adds the item type index for databases created before it was
// part of schema.sql.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_resources_item_type
		ON resources(item_type, rid)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func verifyPragma(db *sql.DB, name, expected string) error {
	var value string
	if err := db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
