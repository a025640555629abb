package worker

import (
	"context"
	"fmt"

	"github.com/pai-dev/orchestrator/pkg/idutil"
)

// runMergeFix is pipeline B (§4.8.B): recover a PR whose merge failed,
// first by a plain rebase, then (if conflicts remain) via an agent that
// resolves them.
func (w *Worker) runMergeFix(ctx context.Context, r *run, v *idutil.MergeFixVariant) error {
	parent := w.workDirFor(v.ProjectID)
	projectKey := v.ProjectID
	if projectKey == "" {
		projectKey = "default"
	}
	mainBranch := v.MainBranch
	if mainBranch == "" {
		mainBranch = "main"
	}

	path, err := w.Workspace.CreateWorkspace(parent, v.Branch, projectKey)
	if err != nil {
		return fmt.Errorf("worker: merge-fix create workspace: %w", err)
	}
	r.workspacePath = path
	r.workspaceCreated = true
	r.stashParent = parent

	adapter, err := w.vcsFor(path)
	if err != nil {
		return fmt.Errorf("worker: merge-fix resolve vcs: %w", err)
	}

	clean, err := w.Workspace.RebaseOnMain(path, mainBranch)
	if err != nil {
		return fmt.Errorf("worker: merge-fix rebase: %w", err)
	}

	if clean {
		if err := w.Workspace.ForcePushBranch(path, v.Branch); err != nil {
			return fmt.Errorf("worker: merge-fix force push: %w", err)
		}
		if _, err := adapter.MergeMR(ctx, path, v.PRNumber); err == nil {
			if err := w.Workspace.PullMain(parent, mainBranch); err != nil {
				log.Printf("non-fatal: pull main after merge-fix failed: %v", err)
			}
			return w.complete(r, fmt.Sprintf("merge-fix resolved PR #%d", v.PRNumber))
		}
		// merge still failed after a clean rebase: fall through to the
		// conflict-resolution recovery path below.
	}

	if err := w.Workspace.MergeMainNoCommit(path, mainBranch); err != nil {
		return fmt.Errorf("worker: merge-fix merge --no-commit: %w", err)
	}
	conflicted, err := w.Workspace.GetConflictedFiles(path)
	if err != nil {
		return fmt.Errorf("worker: merge-fix list conflicts: %w", err)
	}
	prompt := fmt.Sprintf(
		"Resolve the merge conflicts in this repository after merging %s into branch %s.\n\nConflicted files:\n%s",
		mainBranch, v.Branch, joinLines(conflicted))
	res, err := w.Launcher.Launch(ctx, path, prompt, remainingMs(ctx), r.sessionID, true)
	if err != nil {
		return fmt.Errorf("worker: merge-fix launch: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("worker: merge-fix agent exited %d: %s", res.ExitCode, res.Stderr)
	}
	if _, err := w.Workspace.CommitAll(path, fmt.Sprintf("Resolve merge conflicts for PR #%d", v.PRNumber)); err != nil {
		return fmt.Errorf("worker: merge-fix commit: %w", err)
	}
	if err := w.Workspace.PushBranch(path, v.Branch); err != nil {
		return fmt.Errorf("worker: merge-fix push: %w", err)
	}

	if _, err := adapter.MergeMR(ctx, path, v.PRNumber); err != nil {
		return fmt.Errorf("worker: merge-fix merge PR #%d after conflict resolution: %w", v.PRNumber, err)
	}
	if err := w.Workspace.PullMain(parent, mainBranch); err != nil {
		log.Printf("non-fatal: pull main after merge-fix failed: %v", err)
	}

	return w.complete(r, fmt.Sprintf("merge-fix resolved PR #%d via conflict resolution", v.PRNumber))
}

func joinLines(lines []string) string {
	out := ""
	for _, l := range lines {
		out += "- " + l + "\n"
	}
	return out
}
