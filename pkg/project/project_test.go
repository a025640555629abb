package project

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pai-dev/orchestrator/pkg/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "pai.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s)
}

func TestRegisterAndGet(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register(CreateOpts{
		ID: "P", DisplayName: "Project P", LocalPath: "/r",
		Metadata: map[string]any{"specflow_enabled": true, "max_rework_cycles": 1},
	})
	require.NoError(t, err)

	p, err := r.Get("P")
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, "/r", p.LocalPath)
	require.True(t, p.SpecFlowEnabled())
	n, ok := p.MaxReworkCycles()
	require.True(t, ok)
	require.Equal(t, 1, n)
}

func TestGetMissingReturnsNil(t *testing.T) {
	r := newTestRegistry(t)
	p, err := r.Get("nope")
	require.NoError(t, err)
	require.Nil(t, p)
}

func TestRegisterUpsert(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register(CreateOpts{ID: "P", DisplayName: "v1", LocalPath: "/a"})
	require.NoError(t, err)
	_, err = r.Register(CreateOpts{ID: "P", DisplayName: "v2", LocalPath: "/b"})
	require.NoError(t, err)

	p, err := r.Get("P")
	require.NoError(t, err)
	require.Equal(t, "v2", p.DisplayName)
	require.Equal(t, "/b", p.LocalPath)
}
