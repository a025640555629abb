package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pai-dev/orchestrator/pkg/testutil"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := testutil.TempDir(t, "store")
	s, err := Open(filepath.Join(dir, "pai.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pai.db")

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	var count int
	err = s2.DB().QueryRow(`SELECT COUNT(1) FROM schema_migrations`).Scan(&count)
	require.NoError(t, err)
	require.Equal(t, len(migrations), count)
}

func TestMigrationsCreateExpectedTables(t *testing.T) {
	s := openTestStore(t)

	for _, table := range []string{"projects", "agents", "work_items", "events", "events_fts", "heartbeats", "specflow_features"} {
		var name string
		err := s.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type IN ('table','view') AND name = ?`, table).Scan(&name)
		require.NoErrorf(t, err, "table %s should exist", table)
		require.Equal(t, table, name)
	}
}

func TestRebuildIndex(t *testing.T) {
	s := openTestStore(t)

	_, err := s.DB().Exec(`INSERT INTO events(timestamp, event_type, summary, metadata) VALUES (?, ?, ?, ?)`,
		"2026-01-01T00:00:00.000Z", "work_item_created", "created widget-1", "{}")
	require.NoError(t, err)

	require.NoError(t, s.RebuildIndex())

	var n int
	err = s.DB().QueryRow(`SELECT COUNT(1) FROM events_fts WHERE events_fts MATCH 'widget'`).Scan(&n)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestWrapConstraint(t *testing.T) {
	require.Nil(t, WrapConstraint(nil))

	s := openTestStore(t)
	_, err := s.DB().Exec(`INSERT INTO work_items(item_id, title, created_at, updated_at) VALUES ('dup', 't', 'x', 'x')`)
	require.NoError(t, err)
	_, err = s.DB().Exec(`INSERT INTO work_items(item_id, title, created_at, updated_at) VALUES ('dup', 't', 'x', 'x')`)
	require.Error(t, err)

	wrapped := WrapConstraint(err)
	require.ErrorIs(t, wrapped, ErrConstraint)
}
