package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pai-dev/orchestrator/pkg/eventlog"
	"github.com/pai-dev/orchestrator/pkg/store"
)

type fakeProbe struct {
	dead map[int]bool
}

func (f *fakeProbe) Alive(pid int) bool {
	return !f.dead[pid]
}

func newTestRegistry(t *testing.T, probe LivenessProbe, staleTTL time.Duration) (*Registry, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "pai.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s, eventlog.New(s), probe, staleTTL), s
}

func TestRegisterAndHeartbeat(t *testing.T) {
	r, _ := newTestRegistry(t, &fakeProbe{}, time.Minute)

	a, err := r.Register(RegisterOpts{Name: "dispatch-w-1", Project: "P"})
	require.NoError(t, err)
	require.NotEmpty(t, a.SessionID)
	require.Equal(t, StatusActive, a.Status)

	require.NoError(t, r.Heartbeat(a.SessionID, "working", "w-1"))

	got, err := r.Get(a.SessionID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, a.SessionID, got.SessionID)
}

func TestDeregisterReleasesClaimedItems(t *testing.T) {
	r, s := newTestRegistry(t, &fakeProbe{}, time.Minute)

	a, err := r.Register(RegisterOpts{Name: "dispatch-w-1"})
	require.NoError(t, err)

	_, err = s.DB().Exec(
		`INSERT INTO work_items(item_id, title, status, claimed_by, created_at, updated_at) VALUES (?, 't', 'claimed', ?, 'x', 'x')`,
		"w-1", a.SessionID)
	require.NoError(t, err)

	require.NoError(t, r.Deregister(a.SessionID))

	var status string
	var claimedBy *string
	err = s.DB().QueryRow(`SELECT status, claimed_by FROM work_items WHERE item_id = 'w-1'`).Scan(&status, &claimedBy)
	require.NoError(t, err)
	require.Equal(t, "available", status)
	require.Nil(t, claimedBy)

	got, err := r.Get(a.SessionID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
}

func TestSweepStaleOnlyTouchesDeadPids(t *testing.T) {
	probe := &fakeProbe{dead: map[int]bool{}}
	r, s := newTestRegistry(t, probe, time.Millisecond)

	aliveAgent, err := r.Register(RegisterOpts{Name: "alive"})
	require.NoError(t, err)
	deadAgent, err := r.Register(RegisterOpts{Name: "dead"})
	require.NoError(t, err)

	// Force both out of the staleTTL window.
	past := time.Now().Add(-time.Hour).UTC().Format("2006-01-02T15:04:05.000Z")
	_, err = s.DB().Exec(`UPDATE agents SET last_seen_at = ?`, past)
	require.NoError(t, err)

	probe.dead[deadAgent.PID] = false // same pid as aliveAgent since same process in test; force distinct below
	_, err = s.DB().Exec(`UPDATE agents SET pid = 999999 WHERE session_id = ?`, deadAgent.SessionID)
	require.NoError(t, err)
	probe.dead[999999] = true

	swept, err := r.SweepStale()
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	gotAlive, err := r.Get(aliveAgent.SessionID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, gotAlive.Status)

	gotDead, err := r.Get(deadAgent.SessionID)
	require.NoError(t, err)
	require.Equal(t, StatusStale, gotDead.Status)
}

func TestActiveCountExcludesOrchestratorAgent(t *testing.T) {
	r, _ := newTestRegistry(t, &fakeProbe{}, time.Minute)

	_, err := r.Register(RegisterOpts{Name: "ivy-heartbeat"})
	require.NoError(t, err)
	_, err = r.Register(RegisterOpts{Name: "dispatch-w-1"})
	require.NoError(t, err)

	n, err := r.ActiveCount("ivy-heartbeat")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
