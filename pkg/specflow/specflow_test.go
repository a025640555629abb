package specflow

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pai-dev/orchestrator/pkg/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "pai.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s)
}

func TestCreateAndGetFeature(t *testing.T) {
	s := newTestStore(t)

	f, err := s.CreateFeature(CreateOpts{ID: "feat-1", ProjectID: "proj-1", Title: "Add widgets", Description: "desc"})
	require.NoError(t, err)
	require.Equal(t, PhaseQueued, f.Phase)
	require.Equal(t, StatusPending, f.Status)
	require.Equal(t, 3, f.MaxFailures)

	got, err := s.Get("feat-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "Add widgets", got.Title)
	require.Equal(t, "desc", got.Description)
}

func TestGetMissingFeatureReturnsNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Get("does-not-exist")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestListActionableExcludesTerminalPhases(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateFeature(CreateOpts{ID: "feat-a", ProjectID: "p", Title: "a"})
	require.NoError(t, err)
	_, err = s.CreateFeature(CreateOpts{ID: "feat-b", ProjectID: "p", Title: "b"})
	require.NoError(t, err)

	completed := PhaseCompleted
	require.NoError(t, s.updateFeature("feat-b", fields{Phase: &completed}))

	features, err := s.ListActionable(10)
	require.NoError(t, err)
	require.Len(t, features, 1)
	require.Equal(t, "feat-a", features[0].FeatureID)
}

func TestUpdateFeaturePersistsFields(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateFeature(CreateOpts{ID: "feat-c", ProjectID: "p", Title: "c"})
	require.NoError(t, err)

	phase := PhaseSpecifying
	status := StatusActive
	session := "sess-1"
	require.NoError(t, s.updateFeature("feat-c", fields{Phase: &phase, Status: &status, CurrentSession: &session}))

	got, err := s.Get("feat-c")
	require.NoError(t, err)
	require.Equal(t, PhaseSpecifying, got.Phase)
	require.Equal(t, StatusActive, got.Status)
	require.Equal(t, "sess-1", got.CurrentSession)
}

func TestReleaseOrphanedClearsActiveSessions(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateFeature(CreateOpts{ID: "feat-d", ProjectID: "p", Title: "d"})
	require.NoError(t, err)

	active := StatusActive
	session := "sess-2"
	require.NoError(t, s.updateFeature("feat-d", fields{Status: &active, CurrentSession: &session}))

	n, err := s.ReleaseOrphaned()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := s.Get("feat-d")
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.Equal(t, "", got.CurrentSession)
}
