package workspace

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
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

func TestIsCleanBranch(t *testing.T) {
	repo := initTestRepo(t)
	m := New(t.TempDir(), noReferences{})

	clean, err := m.IsCleanBranch(repo)
	require.NoError(t, err)
	require.True(t, clean)

	require.NoError(t, os.WriteFile(filepath.Join(repo, "dirty.txt"), []byte("x"), 0o644))
	clean, err = m.IsCleanBranch(repo)
	require.NoError(t, err)
	require.False(t, clean)
}

func TestStashIfDirtyAndPopStash(t *testing.T) {
	repo := initTestRepo(t)
	m := New(t.TempDir(), noReferences{})

	stashed, err := m.StashIfDirty(repo)
	require.NoError(t, err)
	require.False(t, stashed, "clean repo needs no stash")

	require.NoError(t, os.WriteFile(filepath.Join(repo, "dirty.txt"), []byte("x"), 0o644))
	stashed, err = m.StashIfDirty(repo)
	require.NoError(t, err)
	require.True(t, stashed)

	clean, err := m.IsCleanBranch(repo)
	require.NoError(t, err)
	require.True(t, clean, "stash should have cleaned the working tree")

	popped, err := m.PopStash(repo)
	require.NoError(t, err)
	require.True(t, popped)

	_, err = os.Stat(filepath.Join(repo, "dirty.txt"))
	require.NoError(t, err, "stash pop should have restored the file")
}

func TestCreateWorkspaceProducesWorktree(t *testing.T) {
	repo := initTestRepo(t)
	root := t.TempDir()
	m := New(root, noReferences{})

	path, err := m.CreateWorkspace(repo, "feature/x", "proj")
	require.NoError(t, err)
	require.DirExists(t, path)

	branch, err := m.GetCurrentBranch(path)
	require.NoError(t, err)
	require.Equal(t, "feature/x", branch)

	require.NoError(t, m.RemoveWorkspace(repo, path))
}

func TestCommitAllReturnsEmptyWhenNothingToCommit(t *testing.T) {
	repo := initTestRepo(t)
	m := New(t.TempDir(), noReferences{})

	id, err := m.CommitAll(repo, "no-op")
	require.NoError(t, err)
	require.Empty(t, id)
}

func TestChangedFilesOutsideExclusions(t *testing.T) {
	repo := initTestRepo(t)
	m := New(t.TempDir(), noReferences{})

	require.NoError(t, os.MkdirAll(filepath.Join(repo, ".specify"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repo, ".specify", "spec.md"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "main.go"), []byte("package main"), 0o644))

	cmd := exec.Command("git", "add", "-A")
	cmd.Dir = repo
	require.NoError(t, cmd.Run())
	cmd = exec.Command("git", "commit", "-m", "add files")
	cmd.Dir = repo
	require.NoError(t, cmd.Run())

	files, err := m.ChangedFilesOutsideExclusions(repo, "HEAD~1")
	require.NoError(t, err)
	require.Equal(t, []string{"main.go"}, files)
}
