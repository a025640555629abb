package dispatcher

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pai-dev/orchestrator/pkg/eventlog"
	"github.com/pai-dev/orchestrator/pkg/project"
	"github.com/pai-dev/orchestrator/pkg/registry"
	"github.com/pai-dev/orchestrator/pkg/store"
	"github.com/pai-dev/orchestrator/pkg/workqueue"
)

type alwaysAlive struct{}

func (alwaysAlive) Alive(int) bool { return true }

type fakeWorker struct {
	ran []string
	err error
}

func (f *fakeWorker) RunInline(sessionID, itemID string, timeoutMin int) error {
	f.ran = append(f.ran, itemID)
	return f.err
}

func newTestDispatcher(t *testing.T, worker WorkerRunner) (*Dispatcher, *workqueue.Queue) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "pai.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	events := eventlog.New(s)
	q := workqueue.New(s, events)
	agents := registry.New(s, events, alwaysAlive{}, 0)
	projects := project.New(s)

	return New(q, agents, projects, events, worker, t.TempDir(), ""), q
}

func TestTickDispatchesInlineLeavesItemClaimed(t *testing.T) {
	worker := &fakeWorker{}
	d, q := newTestDispatcher(t, worker)

	_, err := q.CreateWorkItem(workqueue.CreateOpts{ID: "w-1", Title: "t"})
	require.NoError(t, err)

	result, err := d.Tick(Options{MaxConcurrent: 5, MaxItems: 5, TimeoutMin: 30})
	require.NoError(t, err)
	require.Len(t, result.Dispatched, 1)
	require.Equal(t, "w-1", result.Dispatched[0].ItemID)
	require.Contains(t, worker.ran, "w-1")

	item, err := q.Get("w-1")
	require.NoError(t, err)
	require.Equal(t, workqueue.StatusClaimed, item.Status)
}

func TestTickDryRunDoesNotClaim(t *testing.T) {
	worker := &fakeWorker{}
	d, q := newTestDispatcher(t, worker)

	_, err := q.CreateWorkItem(workqueue.CreateOpts{ID: "w-1", Title: "t"})
	require.NoError(t, err)

	result, err := d.Tick(Options{MaxConcurrent: 5, MaxItems: 5, DryRun: true})
	require.NoError(t, err)
	require.True(t, result.DryRun)
	require.Len(t, result.Dispatched, 1)
	require.Empty(t, worker.ran)

	item, err := q.Get("w-1")
	require.NoError(t, err)
	require.Equal(t, workqueue.StatusAvailable, item.Status)
}

func TestTickCapsToMaxItems(t *testing.T) {
	worker := &fakeWorker{}
	d, q := newTestDispatcher(t, worker)

	_, err := q.CreateWorkItem(workqueue.CreateOpts{ID: "w-1", Title: "t"})
	require.NoError(t, err)
	_, err = q.CreateWorkItem(workqueue.CreateOpts{ID: "w-2", Title: "t"})
	require.NoError(t, err)

	result, err := d.Tick(Options{MaxConcurrent: 5, MaxItems: 1, TimeoutMin: 30})
	require.NoError(t, err)
	require.Len(t, result.Dispatched, 1)
	require.Len(t, result.Skipped, 1)
	require.Equal(t, "exceeds max items per run", result.Skipped[0].Reason)
}

func TestTickSkipsWhenConcurrencyLimitReached(t *testing.T) {
	worker := &fakeWorker{}
	d, q := newTestDispatcher(t, worker)

	_, err := q.CreateWorkItem(workqueue.CreateOpts{ID: "w-1", Title: "t"})
	require.NoError(t, err)

	result, err := d.Tick(Options{MaxConcurrent: 0, MaxItems: 5, TimeoutMin: 30})
	require.NoError(t, err)
	require.Empty(t, result.Dispatched)
	require.Len(t, result.Skipped, 1)
	require.Contains(t, result.Skipped[0].Reason, "concurrency limit reached")
}
