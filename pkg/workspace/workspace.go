// Package workspace implements the workspace manager (C5): isolated git
// worktree checkouts keyed by (project, branch), stash/restore of a dirty
// parent repo, and the review-cycle guard that blocks destructive branch
// deletion while a review/rework/merge cycle is still using it.
package workspace

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pai-dev/orchestrator/pkg/logger"
)

var log = logger.New("workspace")

// excludedFromCodeGate lists paths a code-change gate must ignore: process
// and documentation artifacts that don't represent substantive work.
var excludedFromCodeGate = []string{
	".specify/", "CHANGELOG.md", "Plans/", "docs/", "README.md", ".claude/", "verify.md", ".specflow/",
}

// BranchReferenceChecker is the injected accessor the review-cycle guard
// uses to ask the work queue "is this branch part of an active review
// cycle?" without the workspace package importing pkg/workqueue directly
// (dependency inversion, per the design note on circular-dependency
// avoidance). Bound to *workqueue.Queue at wiring time.
type BranchReferenceChecker interface {
	BranchReferenced(branch string) (bool, error)
}

// Manager owns isolated git worktree checkouts under root.
type Manager struct {
	root  string
	guard BranchReferenceChecker
}

// New creates a Manager rooted at root (typically config.WorkspaceRoot),
// guarded by the given BranchReferenceChecker.
func New(root string, guard BranchReferenceChecker) *Manager {
	return &Manager{root: root, guard: guard}
}

// PathFor computes the deterministic workspace path for (projectKey, branch).
func (m *Manager) PathFor(projectKey, branch string) string {
	return filepath.Join(m.root, projectKey, sanitizeBranch(branch))
}

func sanitizeBranch(branch string) string {
	return strings.ReplaceAll(branch, "/", "-")
}

func runGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("workspace: git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// CreateWorkspace creates an isolated checkout of parent at
// <root>/<projectKey>/<branch>, applying the review-cycle guard before any
// destructive branch deletion.
func (m *Manager) CreateWorkspace(parent, branch, projectKey string) (string, error) {
	path := m.PathFor(projectKey, branch)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("workspace: ensure parent dir: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := m.RemoveWorkspace(parent, path); err != nil {
			log.Printf("non-fatal: failed to remove stale workspace %s: %v", path, err)
		}
	}

	guarded, err := m.branchGuarded(branch)
	if err != nil {
		log.Printf("non-fatal: review-cycle guard check failed for %s: %v", branch, err)
	}

	if _, err := runGit(parent, "fetch", "origin"); err != nil {
		log.Printf("non-fatal: fetch failed: %v", err)
	}

	if guarded {
		log.Printf("branch %s referenced by an active review cycle; reusing existing branch", branch)
		if _, err := runGit(parent, "worktree", "add", path, branch); err != nil {
			return "", err
		}
		return path, nil
	}

	_, _ = runGit(parent, "branch", "-D", branch)
	_, _ = runGit(parent, "push", "origin", "--delete", branch)

	if _, err := runGit(parent, "worktree", "add", "-b", branch, path); err != nil {
		return "", err
	}
	return path, nil
}

func (m *Manager) branchGuarded(branch string) (bool, error) {
	if m.guard == nil {
		return false, nil
	}
	return m.guard.BranchReferenced(branch)
}

// RemoveWorkspace force-removes the worktree; if that fails it prunes stale
// worktree metadata and deletes the directory. It always returns nil.
func (m *Manager) RemoveWorkspace(parent, path string) error {
	_, err := runGit(parent, "worktree", "remove", "--force", path)
	if err != nil {
		log.Printf("worktree remove failed, pruning: %v", err)
		_, _ = runGit(parent, "worktree", "prune")
		_ = os.RemoveAll(path)
	}
	return nil
}

// EnsureWorkspace reuses path if it is already a registered worktree,
// otherwise recreates it.
func (m *Manager) EnsureWorkspace(parent, path, branch string) error {
	out, err := runGit(parent, "worktree", "list", "--porcelain")
	if err == nil && strings.Contains(out, path) {
		return nil
	}
	projectKey := filepath.Base(filepath.Dir(path))
	_, err = m.CreateWorkspace(parent, branch, projectKey)
	return err
}

// StashIfDirty stashes uncommitted changes in parent if any exist,
// returning whether a stash was created.
func (m *Manager) StashIfDirty(parent string) (bool, error) {
	clean, err := m.IsCleanBranch(parent)
	if err != nil {
		return false, err
	}
	if clean {
		return false, nil
	}
	if _, err := runGit(parent, "stash", "push", "-u", "-m", "pai: auto-stash before workspace operation"); err != nil {
		return false, err
	}
	return true, nil
}

// PopStash restores the most recent stash. Reports success/failure;
// callers must record a non-fatal event on failure rather than treat it as
// fatal (e.g. stash-pop conflicts).
func (m *Manager) PopStash(parent string) (bool, error) {
	if _, err := runGit(parent, "stash", "pop"); err != nil {
		return false, err
	}
	return true, nil
}

// CommitAll stages everything and commits; returns "" (no error) if there
// was nothing to commit.
func (m *Manager) CommitAll(path, message string) (string, error) {
	if _, err := runGit(path, "add", "-A"); err != nil {
		return "", err
	}
	clean, err := m.IsCleanBranch(path)
	if err != nil {
		return "", err
	}
	if clean {
		return "", nil
	}
	if _, err := runGit(path, "commit", "-m", message); err != nil {
		return "", err
	}
	out, err := runGit(path, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// PushBranch pushes branch to origin, setting upstream on first push.
func (m *Manager) PushBranch(path, branch string) error {
	_, err := runGit(path, "push", "-u", "origin", branch)
	return err
}

// ForcePushBranch force-pushes branch to origin (used after a rebase).
func (m *Manager) ForcePushBranch(path, branch string) error {
	_, err := runGit(path, "push", "--force-with-lease", "-u", "origin", branch)
	return err
}

// PullMain pulls the latest mainBranch into parent.
func (m *Manager) PullMain(parent, branch string) error {
	if _, err := runGit(parent, "checkout", branch); err != nil {
		return err
	}
	_, err := runGit(parent, "pull", "origin", branch)
	return err
}

// RebaseOnMain fetches and rebases onto origin/mainBranch. On conflict, the
// rebase is aborted and false is returned rather than an error, matching
// the spec's "expected, recoverable" framing for this path.
func (m *Manager) RebaseOnMain(path, mainBranch string) (bool, error) {
	if _, err := runGit(path, "fetch", "origin", mainBranch); err != nil {
		return false, err
	}
	if _, err := runGit(path, "rebase", "origin/"+mainBranch); err != nil {
		_, _ = runGit(path, "rebase", "--abort")
		return false, nil
	}
	return true, nil
}

// MergeMainNoCommit fetches and merges origin/mainBranch into the current
// branch with --no-commit, deliberately left uncommitted (and, on conflict,
// with conflict markers in the tree) for a conflict-resolution agent to
// work from. Unlike RebaseOnMain this never aborts on conflict — a merge
// error here is the expected, recoverable case, not a failure.
func (m *Manager) MergeMainNoCommit(path, mainBranch string) error {
	if _, err := runGit(path, "fetch", "origin", mainBranch); err != nil {
		return err
	}
	_, _ = runGit(path, "merge", "--no-commit", "--no-ff", "origin/"+mainBranch)
	return nil
}

// GetConflictedFiles lists files git reports as unmerged.
func (m *Manager) GetConflictedFiles(path string) ([]string, error) {
	out, err := runGit(path, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return nonEmptyLines(out), nil
}

// GetDiffSummary returns `git diff --stat` against base.
func (m *Manager) GetDiffSummary(path, base string) (string, error) {
	out, err := runGit(path, "diff", "--stat", base)
	if err != nil {
		return "", err
	}
	return out, nil
}

// GetChangedFiles lists files changed relative to base.
func (m *Manager) GetChangedFiles(path, base string) ([]string, error) {
	out, err := runGit(path, "diff", "--name-only", base)
	if err != nil {
		return nil, err
	}
	return nonEmptyLines(out), nil
}

// GetCurrentBranch returns the checked-out branch name.
func (m *Manager) GetCurrentBranch(path string) (string, error) {
	out, err := runGit(path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// IsCleanBranch reports whether the working tree has no uncommitted changes.
func (m *Manager) IsCleanBranch(path string) (bool, error) {
	out, err := runGit(path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// EnsureBranch checks out branch, creating it from HEAD if it does not
// already exist locally.
func (m *Manager) EnsureBranch(path, branch string) error {
	if _, err := runGit(path, "checkout", branch); err == nil {
		return nil
	}
	_, err := runGit(path, "checkout", "-b", branch)
	return err
}

// ChangedFilesOutsideExclusions filters GetChangedFiles through the code
// gate's exclusion list (§4.9.5): everything under .specify/, Plans/,
// docs/, .claude/, .specflow/, or the named top-level files, does not
// count toward "substantive code change". Tests are NOT excluded.
func (m *Manager) ChangedFilesOutsideExclusions(path, base string) ([]string, error) {
	files, err := m.GetChangedFiles(path, base)
	if err != nil {
		return nil, err
	}
	var kept []string
	for _, f := range files {
		if !isExcluded(f) {
			kept = append(kept, f)
		}
	}
	return kept, nil
}

func isExcluded(file string) bool {
	for _, prefix := range excludedFromCodeGate {
		if strings.HasSuffix(prefix, "/") {
			if strings.HasPrefix(file, prefix) {
				return true
			}
		} else if file == prefix {
			return true
		}
	}
	return false
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
