package worker

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pai-dev/orchestrator/internal/config"
	"github.com/pai-dev/orchestrator/pkg/eventlog"
	"github.com/pai-dev/orchestrator/pkg/launcher"
	"github.com/pai-dev/orchestrator/pkg/project"
	"github.com/pai-dev/orchestrator/pkg/registry"
	"github.com/pai-dev/orchestrator/pkg/store"
	"github.com/pai-dev/orchestrator/pkg/vcs"
	"github.com/pai-dev/orchestrator/pkg/workqueue"
	"github.com/pai-dev/orchestrator/pkg/workspace"
)

type alwaysAlive struct{}

func (alwaysAlive) Alive(int) bool { return true }

type testHarness struct {
	w        *Worker
	q        *workqueue.Queue
	agents   *registry.Registry
	projects *project.Registry
	events   *eventlog.Log
	fake     *launcher.Fake
	vcsFake  *vcs.Fake
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "pai.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	events := eventlog.New(s)
	q := workqueue.New(s, events)
	agents := registry.New(s, events, alwaysAlive{}, time.Hour)
	projects := project.New(s)
	ws := workspace.New(t.TempDir(), q)

	fakeLauncher := &launcher.Fake{}
	fakeVCS := &vcs.Fake{}
	vcsFor := func(cwd string, timeout time.Duration) (vcs.Adapter, error) { return fakeVCS, nil }

	cfg := &config.Config{
		VCSAPITimeout:            5 * time.Minute,
		DefaultMaxReworkCycles:   2,
		MaxReworkCyclesHard:      3,
		PhaseTimeoutMinDefault:   10,
		PhaseTimeoutMinImplement: 30,
	}

	w := New(q, agents, projects, events, ws, fakeLauncher, vcsFor, nil, cfg, nil)

	return &testHarness{w: w, q: q, agents: agents, projects: projects, events: events, fake: fakeLauncher, vcsFake: fakeVCS}
}

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", "-A")
	run("commit", "-m", "initial")

	// The github-issue pipeline pushes its branch, so the repo needs an origin.
	bare := filepath.Join(t.TempDir(), "origin.git")
	require.NoError(t, exec.Command("git", "init", "--bare", bare).Run())
	run("remote", "add", "origin", bare)
	return dir
}

func TestRunPlainCompletesOnZeroExit(t *testing.T) {
	h := newHarness(t)
	_, err := h.q.CreateWorkItem(workqueue.CreateOpts{ID: "w-1", Title: "do a thing"})
	require.NoError(t, err)
	_, err = h.q.ClaimWorkItem("w-1", "sess-1")
	require.NoError(t, err)

	h.fake.Result = launcher.Result{ExitCode: 0, Stdout: "done"}

	err = h.w.Run(context.Background(), "sess-1", "w-1", 5)
	require.NoError(t, err)

	item, err := h.q.Get("w-1")
	require.NoError(t, err)
	require.Equal(t, workqueue.StatusCompleted, item.Status)
}

func TestRunPlainReleasesOnNonZeroExit(t *testing.T) {
	h := newHarness(t)
	_, err := h.q.CreateWorkItem(workqueue.CreateOpts{ID: "w-2", Title: "do a thing"})
	require.NoError(t, err)
	_, err = h.q.ClaimWorkItem("w-2", "sess-2")
	require.NoError(t, err)

	h.fake.Result = launcher.Result{ExitCode: 1, Stderr: "boom"}

	err = h.w.Run(context.Background(), "sess-2", "w-2", 5)
	require.Error(t, err)

	item, err := h.q.Get("w-2")
	require.NoError(t, err)
	require.Equal(t, workqueue.StatusAvailable, item.Status, "failed item should be released, not left claimed")
}

func TestRunGitHubIssueCreatesMRAndAutoMerges(t *testing.T) {
	h := newHarness(t)
	repo := initTestRepo(t)

	p, err := h.projects.Register(project.CreateOpts{ID: "proj-1", DisplayName: "proj", LocalPath: repo})
	require.NoError(t, err)
	require.NotNil(t, p)

	_, err = h.q.CreateWorkItem(workqueue.CreateOpts{
		ID: "w-3", Title: "fix bug", Project: "proj-1",
		Metadata: map[string]any{"github_issue_number": 42, "github_repo": "acme/widgets", "human_review_required": false},
	})
	require.NoError(t, err)
	_, err = h.q.ClaimWorkItem("w-3", "sess-3")
	require.NoError(t, err)

	h.fake.Result = launcher.Result{ExitCode: 0, Stdout: "fixed"}
	h.vcsFake.MR = &vcs.MR{Number: 7, URL: "https://example.test/pr/7"}
	h.vcsFake.MergeOK = true

	err = h.w.Run(context.Background(), "sess-3", "w-3", 5)
	require.NoError(t, err)

	item, err := h.q.Get("w-3")
	require.NoError(t, err)
	require.Equal(t, workqueue.StatusCompleted, item.Status)
	require.Contains(t, h.vcsFake.Calls, "CreateMR")
	require.Contains(t, h.vcsFake.Calls, "MergeMR")
}

func TestRunGitHubIssueQueuesMergeFixWhenAutoMergeFails(t *testing.T) {
	h := newHarness(t)
	repo := initTestRepo(t)

	_, err := h.projects.Register(project.CreateOpts{ID: "proj-2", DisplayName: "proj", LocalPath: repo})
	require.NoError(t, err)

	_, err = h.q.CreateWorkItem(workqueue.CreateOpts{
		ID: "w-4", Title: "fix bug", Project: "proj-2",
		Metadata: map[string]any{"github_issue_number": 99, "github_repo": "acme/widgets", "human_review_required": false},
	})
	require.NoError(t, err)
	_, err = h.q.ClaimWorkItem("w-4", "sess-4")
	require.NoError(t, err)

	h.fake.Result = launcher.Result{ExitCode: 0, Stdout: "fixed"}
	h.vcsFake.MR = &vcs.MR{Number: 8, URL: "https://example.test/pr/8"}
	h.vcsFake.MergeMRErr = errors.New("merge conflict")

	err = h.w.Run(context.Background(), "sess-4", "w-4", 5)
	require.NoError(t, err, "auto-merge failure is non-fatal to the issue pipeline itself")

	items, err := h.q.ListWorkItems(workqueue.ListOpts{All: true})
	require.NoError(t, err)
	var foundMergeFix bool
	for _, it := range items {
		if it.Source == "merge_fix" {
			foundMergeFix = true
		}
	}
	require.True(t, foundMergeFix, "expected a merge_fix work item to have been queued")
}

func TestDispatchPicksGitHubIssueVariantOverPlain(t *testing.T) {
	h := newHarness(t)
	repo := initTestRepo(t)
	_, err := h.projects.Register(project.CreateOpts{ID: "proj-3", DisplayName: "proj", LocalPath: repo})
	require.NoError(t, err)

	item, err := h.q.CreateWorkItem(workqueue.CreateOpts{
		ID: "w-5", Title: "t", Project: "proj-3",
		Metadata: map[string]any{"github_issue_number": 1, "github_repo": "acme/widgets", "human_review_required": true},
	})
	require.NoError(t, err)
	_, err = h.q.ClaimWorkItem("w-5", "sess-5")
	require.NoError(t, err)

	r := &run{sessionID: "sess-5", item: item}
	h.fake.Result = launcher.Result{ExitCode: 0}
	h.vcsFake.MR = &vcs.MR{Number: 2, URL: "u"}

	err = h.w.dispatch(context.Background(), r)
	require.NoError(t, err)
	require.Contains(t, h.vcsFake.Calls, "CreateMR")
	require.NotContains(t, h.vcsFake.Calls, "MergeMR", "human review required should skip auto-merge")
}
