package eventlog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pai-dev/orchestrator/pkg/store"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "pai.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s)
}

func TestAppendAndRecent(t *testing.T) {
	l := newTestLog(t)

	_, err := l.Append(TypeWorkItemCreated, "", "widget-1", "work_item", "created widget-1", nil)
	require.NoError(t, err)
	_, err = l.Append(TypeWorkItemClaimed, "sess-1", "widget-1", "work_item", "claimed widget-1", map[string]string{"foo": "bar"})
	require.NoError(t, err)

	events, err := l.Recent(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, TypeWorkItemClaimed, events[0].Type, "recent is newest-first")
	require.Equal(t, "sess-1", events[0].ActorID)
}

func TestByTypeAndByActor(t *testing.T) {
	l := newTestLog(t)

	_, err := l.Append(TypeAgentRegistered, "sess-1", "sess-1", "agent", "registered", nil)
	require.NoError(t, err)
	_, err = l.Append(TypeWorkItemClaimed, "sess-1", "w-1", "work_item", "claimed", nil)
	require.NoError(t, err)
	_, err = l.Append(TypeWorkItemClaimed, "sess-2", "w-2", "work_item", "claimed", nil)
	require.NoError(t, err)

	byType, err := l.ByType(TypeWorkItemClaimed, QueryOpts{})
	require.NoError(t, err)
	require.Len(t, byType, 2)

	byActor, err := l.ByActor("sess-1", QueryOpts{})
	require.NoError(t, err)
	require.Len(t, byActor, 2)
}

func TestSearchFindsAppendedEvent(t *testing.T) {
	l := newTestLog(t)

	_, err := l.Append(TypeWorkItemCreated, "", "w-99", "work_item", "created spelunking-widget", nil)
	require.NoError(t, err)

	results, err := l.Search("spelunking", QueryOpts{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "created spelunking-widget", results[0].Event.Summary)
}

func TestSinceIncludesEventAtCutoff(t *testing.T) {
	l := newTestLog(t)

	first, err := l.Append(TypeWorkItemCreated, "", "w-1", "work_item", "first", nil)
	require.NoError(t, err)

	events, err := l.Since(first.Timestamp)
	require.NoError(t, err)
	require.Len(t, events, 1)
}
