package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pai-dev/orchestrator/pkg/eventlog"
	"github.com/pai-dev/orchestrator/pkg/idutil"
	"github.com/pai-dev/orchestrator/pkg/workqueue"
)

// reviewDimensions are the independent lenses the review prompt asks the
// agent to evaluate, matching the quality-gate framing in §4.9.5.
var reviewDimensions = []string{"correctness", "security", "test coverage", "style and maintainability"}

type reviewResult struct {
	Result   string // "approved" | "changes_requested"
	Findings int
	Severity string
	Summary  string
}

// runReview is pipeline D (§4.8.D): review a PR's diff against the review
// dimensions, record the verdict, and branch the original item to either a
// PR-merge item (approved) or a rework item (changes requested).
func (w *Worker) runReview(ctx context.Context, r *run) error {
	v, err := parseReviewContext(r.item.Metadata)
	if err != nil {
		return fmt.Errorf("worker: review parse context: %w", err)
	}
	prNumber, branch, mainBranch, repo, implItem, projectID := v.PRNumber, v.Branch, v.MainBranch, v.Repo, v.ImplItem, v.ProjectID
	reworkCycle := v.ReworkCycle

	parent := w.workDirFor(projectID)
	adapter, err := w.vcsFor(parent)
	if err != nil {
		return fmt.Errorf("worker: review resolve vcs: %w", err)
	}

	state, err := adapter.GetMRState(ctx, parent, prNumber)
	if err != nil {
		return fmt.Errorf("worker: review get MR state: %w", err)
	}
	if state != "OPEN" {
		return w.complete(r, fmt.Sprintf("PR #%d no longer open (%s); skipping review", prNumber, state))
	}

	diff, err := adapter.GetMRDiff(ctx, parent, prNumber)
	if err != nil {
		return fmt.Errorf("worker: review get MR diff: %w", err)
	}

	prompt := fmt.Sprintf(
		"Review pull request #%d against these dimensions: %s.\n\nDiff:\n%s\n\n"+
			"Respond with these exact tagged lines as your final output:\n"+
			"REVIEW_RESULT: approved|changes_requested\nFINDINGS_COUNT: <n>\nSEVERITY: none|low|medium|high\nSUMMARY: <one line>",
		prNumber, strings.Join(reviewDimensions, ", "), diff)

	res, err := w.Launcher.Launch(ctx, parent, prompt, remainingMs(ctx), r.sessionID, true)
	if err != nil {
		return fmt.Errorf("worker: review launch: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("worker: review agent exited %d: %s", res.ExitCode, res.Stderr)
	}

	verdict := parseReviewResult(res.Stdout)

	event := "COMMENTED"
	if verdict.Result == "approved" {
		event = "APPROVE"
	} else if verdict.Result == "changes_requested" {
		event = "REQUEST_CHANGES"
	}
	if err := adapter.SubmitReview(ctx, parent, prNumber, event, verdict.Summary); err != nil {
		log.Printf("non-fatal: submit review failed for PR #%d: %v", prNumber, err)
	}

	if err := w.Queue.UpdateWorkItemMetadata(r.item.ItemID, map[string]any{
		"review_status":   verdict.Result,
		"review_findings": verdict.Findings,
		"review_severity": verdict.Severity,
	}); err != nil {
		log.Printf("non-fatal: update review metadata failed: %v", err)
	}

	if verdict.Result == "approved" {
		w.emit(eventlog.TypeWorkApproved, r.sessionID, implItem, verdict.Summary)
		w.queuePRMerge(implItem, prNumber, branch, mainBranch, repo, projectID)
	} else {
		w.emit(eventlog.TypeWorkRejected, r.sessionID, implItem, verdict.Summary)
		w.queueRework(implItem, prNumber, branch, mainBranch, repo, projectID, verdict.Summary, reworkCycle+1, nil)
	}

	return w.complete(r, fmt.Sprintf("reviewed PR #%d: %s", prNumber, verdict.Result))
}

func parseReviewResult(stdout string) reviewResult {
	var rr reviewResult
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "REVIEW_RESULT:"):
			rr.Result = strings.TrimSpace(strings.TrimPrefix(line, "REVIEW_RESULT:"))
		case strings.HasPrefix(line, "FINDINGS_COUNT:"):
			n, _ := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "FINDINGS_COUNT:")))
			rr.Findings = n
		case strings.HasPrefix(line, "SEVERITY:"):
			rr.Severity = strings.TrimSpace(strings.TrimPrefix(line, "SEVERITY:"))
		case strings.HasPrefix(line, "SUMMARY:"):
			rr.Summary = strings.TrimSpace(strings.TrimPrefix(line, "SUMMARY:"))
		}
	}
	if rr.Result != "approved" {
		rr.Result = "changes_requested"
	}
	return rr
}

func (w *Worker) queuePRMerge(implItem string, prNumber int, branch, mainBranch, repo, projectID string) {
	id := idutil.PRMergeID(projectID, prNumber)
	_, err := w.Queue.CreateWorkItem(workqueue.CreateOpts{
		ID: id, Title: fmt.Sprintf("Merge PR #%d", prNumber), Project: projectID,
		Source: "review_outcome", Priority: workqueue.PriorityP1,
		Metadata: map[string]any{
			"pr_merge": true, "pr_number": prNumber, "branch": branch, "main_branch": mainBranch,
			"repo": repo, "implementation_work_item_id": implItem, "project_id": projectID,
		},
	})
	if err != nil {
		log.Printf("non-fatal: failed to queue pr-merge item for PR #%d: %v", prNumber, err)
	}
}

func (w *Worker) queueRework(implItem string, prNumber int, branch, mainBranch, repo, projectID, feedback string, cycle int, inline []idutil.InlineComment) {
	id := idutil.ReworkID(projectID, prNumber, cycle)
	_, err := w.Queue.CreateWorkItem(workqueue.CreateOpts{
		ID: id, Title: fmt.Sprintf("Rework PR #%d (cycle %d)", prNumber, cycle), Project: projectID,
		Source: "review_outcome", Priority: workqueue.PriorityP1,
		Metadata: map[string]any{
			"rework": true, "pr_number": prNumber, "branch": branch, "main_branch": mainBranch,
			"repo": repo, "implementation_work_item_id": implItem, "review_feedback": feedback,
			"rework_cycle": cycle, "project_id": projectID, "inline_comments": inline,
		},
	})
	if err != nil {
		log.Printf("non-fatal: failed to queue rework item for PR #%d: %v", prNumber, err)
	}
}

// reviewContext is a code-review work item's metadata shape: the PR it
// reviews and the implementation item it was spawned from.
type reviewContext struct {
	PRNumber    int    `json:"pr_number"`
	Branch      string `json:"branch"`
	MainBranch  string `json:"main_branch"`
	Repo        string `json:"repo"`
	ImplItem    string `json:"implementation_work_item_id"`
	ProjectID   string `json:"project_id"`
	ReworkCycle int    `json:"rework_cycle"`
}

func parseReviewContext(metadata []byte) (*reviewContext, error) {
	var c reviewContext
	if len(metadata) == 0 {
		return &c, nil
	}
	if err := json.Unmarshal(metadata, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
