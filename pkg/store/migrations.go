package store

import (
	"database/sql"
	"fmt"
)

// migration is one named, idempotent schema step. Every statement uses
// CREATE ... IF NOT EXISTS / ALTER TABLE guarded by a prior existence check,
// so re-running the full list against an already-migrated database is a
// no-op.
type migration struct {
	name string
	run  func(tx *sql.Tx) error
}

var migrations = []migration{
	{"001_projects", createProjects},
	{"002_agents", createAgents},
	{"003_work_items", createWorkItems},
	{"004_events", createEvents},
	{"005_events_fts", createEventsFTS},
	{"006_heartbeats", createHeartbeats},
	{"007_specflow_features", createSpecFlowFeatures},
}

// migrate applies every migration not yet recorded in schema_migrations,
// each inside its own transaction so a crash mid-migration cannot
// leave a partially migrated schema: either the whole step committed and
// was recorded, or it rolled back entirely and will be retried next open.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (name TEXT PRIMARY KEY, applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')))`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		applied, err := s.migrationApplied(m.name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}

		if err := s.applyMigration(m); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		log.Printf("applied migration %s", m.name)
	}
	return nil
}

func (s *Store) migrationApplied(name string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM schema_migrations WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", name, err)
	}
	return n > 0, nil
}

func (s *Store) applyMigration(m migration) error {
	if _, err := s.db.Exec(`PRAGMA foreign_keys = OFF`); err != nil {
		return err
	}
	defer s.db.Exec(`PRAGMA foreign_keys = ON`)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := m.run(tx); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations(name) VALUES (?)`, m.name); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

func createProjects(tx *sql.Tx) error {
	_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS projects (
	project_id    TEXT PRIMARY KEY,
	display_name  TEXT NOT NULL,
	local_path    TEXT,
	remote_repo   TEXT,
	metadata      TEXT NOT NULL DEFAULT '{}',
	registered_at TEXT NOT NULL
)`)
	return err
}

func createAgents(tx *sql.Tx) error {
	_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS agents (
	session_id   TEXT PRIMARY KEY,
	agent_name   TEXT NOT NULL,
	project      TEXT,
	work         TEXT,
	parent_id    TEXT,
	pid          INTEGER NOT NULL,
	status       TEXT NOT NULL,
	last_seen_at TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	metadata     TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
CREATE INDEX IF NOT EXISTS idx_agents_last_seen ON agents(last_seen_at);
`)
	return err
}

func createWorkItems(tx *sql.Tx) error {
	_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS work_items (
	item_id     TEXT PRIMARY KEY,
	project_id  TEXT,
	title       TEXT NOT NULL,
	description TEXT,
	priority    TEXT NOT NULL DEFAULT 'P2',
	status      TEXT NOT NULL DEFAULT 'available',
	source      TEXT,
	source_ref  TEXT,
	claimed_by  TEXT,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL,
	metadata    TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_work_items_status_priority ON work_items(status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_work_items_claimed_by ON work_items(claimed_by);
CREATE INDEX IF NOT EXISTS idx_work_items_project ON work_items(project_id);
`)
	return err
}

func createEvents(tx *sql.Tx) error {
	_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp   TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	actor_id    TEXT,
	target_id   TEXT,
	target_type TEXT,
	summary     TEXT NOT NULL,
	metadata    TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_actor ON events(actor_id, timestamp);
`)
	return err
}

// createEventsFTS builds a shadow content-synced FTS5 index mirroring
// events(summary, metadata), kept fresh by insert/delete triggers rather
// than polling. rebuild support is built into FTS5's own 'rebuild' command,
// exposed as Store.RebuildIndex.
func createEventsFTS(tx *sql.Tx) error {
	stmts := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS events_fts USING fts5(
			summary, metadata, content='events', content_rowid='id'
		)`,
		`CREATE TRIGGER IF NOT EXISTS events_ai AFTER INSERT ON events BEGIN
			INSERT INTO events_fts(rowid, summary, metadata) VALUES (new.id, new.summary, new.metadata);
		END`,
		`CREATE TRIGGER IF NOT EXISTS events_ad AFTER DELETE ON events BEGIN
			INSERT INTO events_fts(events_fts, rowid, summary, metadata) VALUES('delete', old.id, old.summary, old.metadata);
		END`,
		`CREATE TRIGGER IF NOT EXISTS events_au AFTER UPDATE ON events BEGIN
			INSERT INTO events_fts(events_fts, rowid, summary, metadata) VALUES('delete', old.id, old.summary, old.metadata);
			INSERT INTO events_fts(rowid, summary, metadata) VALUES (new.id, new.summary, new.metadata);
		END`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func createHeartbeats(tx *sql.Tx) error {
	_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS heartbeats (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp    TEXT NOT NULL,
	session_id   TEXT NOT NULL,
	progress     TEXT,
	work_item_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_session ON heartbeats(session_id, timestamp);
`)
	return err
}

func createSpecFlowFeatures(tx *sql.Tx) error {
	_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS specflow_features (
	feature_id       TEXT PRIMARY KEY,
	project_id       TEXT NOT NULL,
	title            TEXT NOT NULL,
	description      TEXT,
	phase            TEXT NOT NULL DEFAULT 'queued',
	status           TEXT NOT NULL DEFAULT 'pending',
	current_session  TEXT,
	worktree_path    TEXT,
	branch_name      TEXT,
	main_branch      TEXT,
	failure_count    INTEGER NOT NULL DEFAULT 0,
	max_failures     INTEGER NOT NULL DEFAULT 3,
	last_error       TEXT,
	phase_started_at TEXT,
	specify_score    REAL,
	plan_score       REAL,
	implement_score  REAL,
	pr_number        INTEGER,
	pr_url           TEXT,
	commit_sha       TEXT,
	source_issue_ref TEXT,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_specflow_status ON specflow_features(status);
CREATE INDEX IF NOT EXISTS idx_specflow_project ON specflow_features(project_id);
`)
	return err
}
