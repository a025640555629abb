package worker

import (
	"context"
	"fmt"

	"github.com/pai-dev/orchestrator/pkg/eventlog"
	"github.com/pai-dev/orchestrator/pkg/gitutil"
	"github.com/pai-dev/orchestrator/pkg/idutil"
	"github.com/pai-dev/orchestrator/pkg/vcs"
	"github.com/pai-dev/orchestrator/pkg/workqueue"
)

// runGitHubIssue is pipeline C (§4.8.C): implement a GitHub issue end to
// end — stash, workspace, launch, commit, PR, optional auto-merge, optional
// commenter agent, optional Tana write-back.
func (w *Worker) runGitHubIssue(ctx context.Context, r *run, v *idutil.GitHubIssueVariant) error {
	branch := idutil.IssueBranch(v.IssueNumber)
	parent := w.workDirFor(r.item.ProjectID)
	projectKey := r.item.ProjectID
	if projectKey == "" {
		projectKey = "default"
	}

	mainBranch, err := w.Workspace.GetCurrentBranch(parent)
	if err != nil {
		return fmt.Errorf("worker: github-issue determine main branch: %w", err)
	}

	stashed, err := w.Workspace.StashIfDirty(parent)
	if err != nil {
		log.Printf("non-fatal: stash check failed in %s: %v", parent, err)
	}
	if stashed {
		r.stashed = true
		r.stashParent = parent
	}

	path, err := w.Workspace.CreateWorkspace(parent, branch, projectKey)
	if err != nil {
		return fmt.Errorf("worker: github-issue create workspace: %w", err)
	}
	r.workspacePath = path
	r.workspaceCreated = true
	r.stashParent = parent

	adapter, err := w.vcsFor(path)
	if err != nil {
		return fmt.Errorf("worker: github-issue resolve vcs: %w", err)
	}

	prompt := fmt.Sprintf(
		"Resolve GitHub issue #%d in this repository.\n\nTitle: %s\n\nDescription:\n%s\n\nWork on branch %s.",
		v.IssueNumber, r.item.Title, r.item.Description, branch,
	)

	res, err := w.Launcher.Launch(ctx, path, prompt, remainingMs(ctx), r.sessionID, true)
	if err != nil {
		return fmt.Errorf("worker: github-issue launch: %w", err)
	}

	if res.ExitCode != 0 {
		if tv, _ := idutil.ParseTana(r.item.Metadata); tv != nil {
			if err := w.Tana.AddNote(tv.NodeID, fmt.Sprintf("agent exited %d: %s", res.ExitCode, res.Stderr)); err != nil {
				log.Printf("non-fatal: tana error write-back failed for %s: %v", tv.NodeID, err)
			}
		}
		return fmt.Errorf("worker: github-issue agent exited %d: %s", res.ExitCode, res.Stderr)
	}

	if _, err := w.Workspace.CommitAll(path, fmt.Sprintf("Fix issue #%d", v.IssueNumber)); err != nil {
		return fmt.Errorf("worker: github-issue commit: %w", err)
	}
	if err := w.Workspace.PushBranch(path, branch); err != nil {
		return fmt.Errorf("worker: github-issue push: %w", err)
	}

	mr, err := adapter.CreateMR(ctx, path,
		fmt.Sprintf("Fix #%d: %s", v.IssueNumber, r.item.Title),
		fmt.Sprintf("Closes #%d\n\n%s", v.IssueNumber, r.item.Description),
		mainBranch, branch)
	if err != nil {
		return fmt.Errorf("worker: github-issue create MR: %w", err)
	}

	if !v.HumanReviewRequired {
		if _, err := adapter.MergeMR(ctx, path, mr.Number); err != nil {
			log.Printf("non-fatal: auto-merge failed for PR #%d: %v", mr.Number, err)
			if gitutil.IsAuthError(err.Error()) {
				// Retrying via a merge-fix work item would hit the same
				// credentials failure, so escalate instead of requeueing.
				w.emit(eventlog.TypeHumanEscalation, r.sessionID, r.item.ItemID,
					fmt.Sprintf("PR #%d auto-merge blocked by a VCS auth failure: %v", mr.Number, err))
			} else {
				w.queueMergeFix(r.item.ItemID, mr, branch, mainBranch, r.item.ProjectID)
			}
		} else if err := w.Workspace.PullMain(parent, mainBranch); err != nil {
			log.Printf("non-fatal: pull main after merge failed: %v", err)
		}
	}

	w.launchCommenterAgent(ctx, r, path, mr.Number)

	if tv, _ := idutil.ParseTana(r.item.Metadata); tv != nil {
		if err := w.Tana.CheckNode(tv.NodeID); err != nil {
			log.Printf("non-fatal: tana write-back failed for %s: %v", tv.NodeID, err)
		}
	}

	w.emit(eventlog.TypeWorkItemCompleted, r.sessionID, r.item.ItemID,
		fmt.Sprintf("resolved issue #%d via PR #%d", v.IssueNumber, mr.Number))
	return w.complete(r, fmt.Sprintf("completed github-issue item %s (PR #%d)", r.item.ItemID, mr.Number))
}

// queueMergeFix creates a merge-fix recovery item (§4.8.B) when an
// auto-merge attempt fails.
func (w *Worker) queueMergeFix(origItemID string, mr *vcs.MR, branch, mainBranch, projectID string) {
	id := idutil.MergeFixID(origItemID, mr.Number)
	_, err := w.Queue.CreateWorkItem(workqueue.CreateOpts{
		ID:       id,
		Title:    fmt.Sprintf("Fix merge conflict for PR #%d", mr.Number),
		Project:  projectID,
		Source:   "merge_fix",
		Priority: workqueue.PriorityP1,
		Metadata: map[string]any{
			"merge_fix":        true,
			"pr_number":        mr.Number,
			"pr_url":           mr.URL,
			"branch":           branch,
			"main_branch":      mainBranch,
			"original_item_id": origItemID,
			"project_id":       projectID,
		},
	})
	if err != nil {
		log.Printf("non-fatal: failed to queue merge-fix item for PR #%d: %v", mr.Number, err)
	}
}

// launchCommenterAgent runs a short-timeout agent that posts a PR summary
// comment; failures here are non-fatal to the pipeline.
func (w *Worker) launchCommenterAgent(ctx context.Context, r *run, path string, prNumber int) {
	prompt := fmt.Sprintf("Post a brief one-paragraph summary comment on PR #%d describing what changed.", prNumber)
	if _, err := w.Launcher.Launch(ctx, path, prompt, 5*60*1000, r.sessionID+"-comment", true); err != nil {
		log.Printf("non-fatal: commenter agent failed for PR #%d: %v", prNumber, err)
	}
}
