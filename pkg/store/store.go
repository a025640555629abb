// Package store owns the single-writer, multi-reader persistent database
// underlying every other component: schema, migrations, and the full-text
// search index over the event log. Every other package in this module that
// touches persistence does so through the *sql.DB handed back by Open.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/pai-dev/orchestrator/pkg/logger"
)

var log = logger.New("store")

// ErrConstraint is returned (wrapped) when a write violates a structural
// invariant: a foreign key, a CHECK on an enum-like column, or a unique id.
// Corruption below this level (a malformed database file) is fatal and is
// not wrapped — Open simply fails.
var ErrConstraint = errors.New("store: constraint violation")

// Store wraps the shared database handle. It is safe for concurrent use by
// multiple goroutines in one process; cross-process concurrency is mediated
// by SQLite's own write lock on the file.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates the schema on first open (idempotent) and returns a handle.
// path is the on-disk database file; detached workers must be given the
// same path as the parent process so they share one store.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create parent dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// SQLite serializes writers regardless; a single connection avoids
	// SQLITE_BUSY churn between goroutines in this process.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	log.Printf("opened store at %s", path)
	return s, nil
}

// DB returns the shared database handle for packages layered on top of the
// store (eventlog, registry, workqueue, specflow) to issue their own typed
// queries against.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the on-disk file path this store was opened against.
func (s *Store) Path() string { return s.path }

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// RebuildIndex rebuilds the FTS shadow index over events from scratch. It
// exists for migration: recovering a shadow table that has drifted from its
// content table, or bringing one up to date after a bulk import.
func (s *Store) RebuildIndex() error {
	log.Printf("rebuilding FTS index")
	_, err := s.db.Exec(`INSERT INTO events_fts(events_fts) VALUES('rebuild')`)
	if err != nil {
		return fmt.Errorf("store: rebuild fts index: %w", err)
	}
	return nil
}

// IsConstraintError reports whether err represents a structural invariant
// violation (foreign key, CHECK, unique id) as opposed to a transient or
// fatal I/O error.
func IsConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"UNIQUE constraint", "FOREIGN KEY constraint", "CHECK constraint", "NOT NULL constraint"} {
		if contains(msg, marker) {
			return true
		}
	}
	return false
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// WrapConstraint wraps err as ErrConstraint when it looks like a structural
// invariant violation, otherwise returns err unchanged.
func WrapConstraint(err error) error {
	if err == nil {
		return nil
	}
	if IsConstraintError(err) {
		return fmt.Errorf("%w: %v", ErrConstraint, err)
	}
	return err
}
