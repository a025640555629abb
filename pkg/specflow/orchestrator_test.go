package specflow

import (
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
	"github.com/pai-dev/orchestrator/pkg/store"
	"github.com/pai-dev/orchestrator/pkg/vcs"
	"github.com/pai-dev/orchestrator/pkg/workspace"
)

type noReferences struct{}

func (noReferences) BranchReferenced(string) (bool, error) { return false, nil }

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
	return dir
}

func newTestOrchestrator(t *testing.T, l launcher.Launcher) (*Orchestrator, *Store, *project.Registry) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "pai.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	fs := New(s)
	events := eventlog.New(s)
	projects := project.New(s)
	ws := workspace.New(t.TempDir(), noReferences{})
	vcsFor := func(cwd string, timeout time.Duration) (vcs.Adapter, error) { return &vcs.Fake{}, nil }
	cfg := &config.Config{PhaseTimeoutMinDefault: 10, PhaseTimeoutMinImplement: 30}

	o := New(fs, projects, events, ws, l, vcsFor, cfg)
	return o, fs, projects
}

func TestRunPhaseTransitionsToSucceededOnZeroExit(t *testing.T) {
	repo := initTestRepo(t)
	fake := &launcher.Fake{Result: launcher.Result{ExitCode: 0, Stdout: "ok"}}
	o, fs, projects := newTestOrchestrator(t, fake)

	_, err := projects.Register(project.CreateOpts{ID: "proj-1", DisplayName: "proj", LocalPath: repo})
	require.NoError(t, err)
	f, err := fs.CreateFeature(CreateOpts{ID: "feat-1", ProjectID: "proj-1", Title: "Add widgets"})
	require.NoError(t, err)

	require.NoError(t, o.RunPhase(f))

	got, err := fs.Get("feat-1")
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, got.Status)
	require.NotEmpty(t, got.WorktreePath)
	require.Len(t, fake.Calls, 1)
}

func TestRunPhaseIncrementsFailureCountOnNonZeroExit(t *testing.T) {
	repo := initTestRepo(t)
	fake := &launcher.Fake{Result: launcher.Result{ExitCode: 1, Stderr: "nope"}}
	o, fs, projects := newTestOrchestrator(t, fake)

	_, err := projects.Register(project.CreateOpts{ID: "proj-2", DisplayName: "proj", LocalPath: repo})
	require.NoError(t, err)
	f, err := fs.CreateFeature(CreateOpts{ID: "feat-2", ProjectID: "proj-2", Title: "Add widgets"})
	require.NoError(t, err)

	require.NoError(t, o.RunPhase(f))

	got, err := fs.Get("feat-2")
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.Equal(t, 1, got.FailureCount)
	require.NotEmpty(t, got.LastError)
}

func TestApplyGatePassAdvancesToCompletedPhase(t *testing.T) {
	fake := &launcher.Fake{}
	o, fs, _ := newTestOrchestrator(t, fake)

	f, err := fs.CreateFeature(CreateOpts{ID: "feat-3", ProjectID: "proj-3", Title: "t"})
	require.NoError(t, err)
	phase := PhaseCompleting
	status := StatusSucceeded
	require.NoError(t, fs.updateFeature(f.FeatureID, fields{Phase: &phase, Status: &status}))
	f, err = fs.Get(f.FeatureID)
	require.NoError(t, err)

	action := determineAction(f, o.cfg, time.Now())
	require.Equal(t, ActionCheckGate, action.Kind)
	require.Equal(t, "pass", action.GateKind)

	done, err := o.applyGate(f, action)
	require.NoError(t, err)
	require.True(t, done)

	got, err := fs.Get(f.FeatureID)
	require.NoError(t, err)
	require.Equal(t, PhaseCompleted, got.Phase)
}

func TestArtifactGateFailsWithoutTasksFile(t *testing.T) {
	fake := &launcher.Fake{}
	o, fs, _ := newTestOrchestrator(t, fake)

	f, err := fs.CreateFeature(CreateOpts{ID: "feat-4", ProjectID: "proj-4", Title: "t"})
	require.NoError(t, err)
	f.WorktreePath = t.TempDir()

	passed, err := o.artifactGate(f)
	require.NoError(t, err)
	require.False(t, passed)
}

func TestArtifactGatePassesWithTasksFile(t *testing.T) {
	fake := &launcher.Fake{}
	o, fs, _ := newTestOrchestrator(t, fake)

	f, err := fs.CreateFeature(CreateOpts{ID: "feat-5", ProjectID: "proj-5", Title: "t"})
	require.NoError(t, err)
	f.WorktreePath = t.TempDir()
	specDir := filepath.Join(f.WorktreePath, ".specify", "specs", f.FeatureID)
	require.NoError(t, os.MkdirAll(specDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(specDir, "tasks.md"), []byte("- [ ] task\n"), 0o644))

	passed, err := o.artifactGate(f)
	require.NoError(t, err)
	require.True(t, passed)
}

func TestApplyGatePassFinalizesCommitAndOpensMR(t *testing.T) {
	repo := initTestRepo(t)
	bare := filepath.Join(t.TempDir(), "origin.git")
	initCmd := exec.Command("git", "init", "--bare", bare)
	require.NoError(t, initCmd.Run())
	remoteCmd := exec.Command("git", "remote", "add", "origin", bare)
	remoteCmd.Dir = repo
	require.NoError(t, remoteCmd.Run())

	require.NoError(t, os.WriteFile(filepath.Join(repo, "feature.txt"), []byte("done\n"), 0o644))

	fake := &launcher.Fake{}
	o, fs, _ := newTestOrchestrator(t, fake)

	f, err := fs.CreateFeature(CreateOpts{ID: "feat-7", ProjectID: "proj-7", Title: "Widget feature"})
	require.NoError(t, err)
	phase := PhaseCompleting
	status := StatusSucceeded
	worktree := repo
	branch := "main"
	mainBranch := "main"
	require.NoError(t, fs.updateFeature(f.FeatureID, fields{
		Phase: &phase, Status: &status, WorktreePath: &worktree, BranchName: &branch, MainBranch: &mainBranch,
	}))
	f, err = fs.Get(f.FeatureID)
	require.NoError(t, err)

	action := determineAction(f, o.cfg, time.Now())
	require.Equal(t, ActionCheckGate, action.Kind)

	done, err := o.applyGate(f, action)
	require.NoError(t, err)
	require.True(t, done)

	got, err := fs.Get(f.FeatureID)
	require.NoError(t, err)
	require.Equal(t, PhaseCompleted, got.Phase)
	require.NotEmpty(t, got.CommitSHA)
	require.True(t, got.PRNumber.Valid)
	require.Equal(t, int64(1), got.PRNumber.Int64)
	require.Equal(t, "https://example.test/pr/1", got.PRURL)
}

func TestParseScoreReadsTaggedLine(t *testing.T) {
	require.Equal(t, 0.85, parseScore("some preamble\nSCORE: 0.85\ntrailer"))
	require.Equal(t, float64(0), parseScore("no score line here"))
}

func TestTickAdvancesEdPhaseToNextIngPhase(t *testing.T) {
	fake := &launcher.Fake{}
	o, fs, _ := newTestOrchestrator(t, fake)

	_, err := fs.CreateFeature(CreateOpts{ID: "feat-6", ProjectID: "proj-6", Title: "t"})
	require.NoError(t, err)
	specified := PhaseSpecified
	pending := StatusPending
	require.NoError(t, fs.updateFeature("feat-6", fields{Phase: &specified, Status: &pending}))

	result, err := o.Tick(10)
	require.NoError(t, err)
	require.Contains(t, result.Advanced, "feat-6")

	got, err := fs.Get("feat-6")
	require.NoError(t, err)
	require.Equal(t, PhasePlanning, got.Phase)
}
