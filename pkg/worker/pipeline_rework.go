package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/pai-dev/orchestrator/pkg/idutil"
	"github.com/pai-dev/orchestrator/pkg/workqueue"
)

// runRework is pipeline E (§4.8.E): apply review feedback to an existing
// PR branch, bounded by an effective max-rework-cycles cap, and always
// create a re-review item regardless of whether changes were made.
func (w *Worker) runRework(ctx context.Context, r *run, v *idutil.ReworkVariant) error {
	maxCycles := w.effectiveMaxReworkCycles(v)
	if v.ReworkCycle > maxCycles {
		w.emit("human_escalation", r.sessionID, v.ImplWorkItem,
			fmt.Sprintf("PR #%d exceeded max rework cycles (%d); escalating to a human", v.PRNumber, maxCycles))
		return w.complete(r, fmt.Sprintf("rework cycle %d exceeds cap %d; escalated", v.ReworkCycle, maxCycles))
	}

	parent := w.workDirFor(v.ProjectID)
	projectKey := v.ProjectID
	if projectKey == "" {
		projectKey = "default"
	}
	mainBranch := v.MainBranch
	if mainBranch == "" {
		mainBranch = "main"
	}

	path := v.WorktreePath
	if path == "" {
		p, err := w.Workspace.CreateWorkspace(parent, v.Branch, projectKey)
		if err != nil {
			return fmt.Errorf("worker: rework create workspace: %w", err)
		}
		path = p
		r.workspacePath = path
		r.workspaceCreated = true
		r.stashParent = parent
	} else {
		if err := w.Workspace.EnsureWorkspace(parent, path, v.Branch); err != nil {
			return fmt.Errorf("worker: rework ensure workspace: %w", err)
		}
	}

	prompt := fmt.Sprintf("Address this review feedback on PR #%d (rework cycle %d):\n\n%s\n\n%s",
		v.PRNumber, v.ReworkCycle, v.ReviewFeedback, formatInlineComments(v.InlineComments))

	res, err := w.Launcher.Launch(ctx, path, prompt, remainingMs(ctx), r.sessionID, true)
	if err != nil {
		return fmt.Errorf("worker: rework launch: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("worker: rework agent exited %d: %s", res.ExitCode, res.Stderr)
	}

	sha, err := w.Workspace.CommitAll(path, fmt.Sprintf("Address review feedback (cycle %d)", v.ReworkCycle))
	if err != nil {
		return fmt.Errorf("worker: rework commit: %w", err)
	}
	if sha != "" {
		if err := w.Workspace.PushBranch(path, v.Branch); err != nil {
			return fmt.Errorf("worker: rework push: %w", err)
		}
	}

	w.queueReReview(v)

	return w.complete(r, fmt.Sprintf("reworked PR #%d (cycle %d)", v.PRNumber, v.ReworkCycle))
}

// effectiveMaxReworkCycles resolves min(project override or item override or
// default, hard cap), per §4.8.E.
func (w *Worker) effectiveMaxReworkCycles(v *idutil.ReworkVariant) int {
	n := w.Config.DefaultMaxReworkCycles
	if p, err := w.resolveProject(v.ProjectID); err == nil && p != nil {
		if override, ok := p.MaxReworkCycles(); ok {
			n = override
		}
	}
	if v.MaxReworkCycles > 0 {
		n = v.MaxReworkCycles
	}
	if n > w.Config.MaxReworkCyclesHard {
		n = w.Config.MaxReworkCyclesHard
	}
	return n
}

func formatInlineComments(comments []idutil.InlineComment) string {
	if len(comments) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Inline comments:\n")
	for _, c := range comments {
		fmt.Fprintf(&b, "- %s:%d — %s → %s\n", c.Path, c.Line, c.Author, c.Body)
	}
	return b.String()
}

func (w *Worker) queueReReview(v *idutil.ReworkVariant) {
	id := idutil.ReviewID(v.ProjectID, v.PRNumber, v.ReworkCycle+1)
	_, err := w.Queue.CreateWorkItem(workqueue.CreateOpts{
		ID: id, Title: fmt.Sprintf("Re-review PR #%d (cycle %d)", v.PRNumber, v.ReworkCycle+1),
		Project: v.ProjectID, Source: "code_review", Priority: workqueue.PriorityP1,
		Metadata: map[string]any{
			"pr_number": v.PRNumber, "branch": v.Branch, "main_branch": v.MainBranch,
			"repo": v.Repo, "implementation_work_item_id": v.ImplWorkItem, "project_id": v.ProjectID,
			// rework_cycle records the rework cycle this review is judging, so a
			// changes_requested verdict escalates to the correct next cycle.
			"rework_cycle": v.ReworkCycle,
		},
	})
	if err != nil {
		log.Printf("non-fatal: failed to queue re-review item for PR #%d: %v", v.PRNumber, err)
	}
}
