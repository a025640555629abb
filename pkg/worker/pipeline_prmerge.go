package worker

import (
	"context"
	"fmt"

	"github.com/pai-dev/orchestrator/pkg/idutil"
	"github.com/pai-dev/orchestrator/pkg/vcs"
)

// runPRMerge is pipeline F (§4.8.F): merge an already-approved PR, falling
// back to a merge-fix item if the merge itself fails (e.g. the base moved).
func (w *Worker) runPRMerge(ctx context.Context, r *run, v *idutil.PRMergeVariant) error {
	parent := w.workDirFor(v.ProjectID)
	mainBranch := v.MainBranch
	if mainBranch == "" {
		mainBranch = "main"
	}

	adapter, err := w.vcsFor(parent)
	if err != nil {
		return fmt.Errorf("worker: pr-merge resolve vcs: %w", err)
	}

	if _, err := adapter.MergeMR(ctx, parent, v.PRNumber); err != nil {
		w.queueMergeFixFromPRMerge(r.item.ItemID, v, mainBranch)
		return fmt.Errorf("worker: pr-merge merge PR #%d: %w", v.PRNumber, err)
	}

	if err := w.Workspace.PullMain(parent, mainBranch); err != nil {
		log.Printf("non-fatal: pull main after pr-merge failed: %v", err)
	}

	return w.complete(r, fmt.Sprintf("merged PR #%d", v.PRNumber))
}

func (w *Worker) queueMergeFixFromPRMerge(origItemID string, v *idutil.PRMergeVariant, mainBranch string) {
	w.queueMergeFix(origItemID, &vcs.MR{Number: v.PRNumber, URL: v.PRURL}, v.Branch, mainBranch, v.ProjectID)
}
