// Package worker implements the worker lifecycle (C8): a worker executes
// exactly one work item end to end, selecting one of seven pipelines by
// matching its metadata against the tagged-union variants in pkg/idutil,
// and always performs the same cleanup invariant regardless of outcome.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/pai-dev/orchestrator/internal/config"
	"github.com/pai-dev/orchestrator/pkg/eventlog"
	"github.com/pai-dev/orchestrator/pkg/idutil"
	"github.com/pai-dev/orchestrator/pkg/launcher"
	"github.com/pai-dev/orchestrator/pkg/logger"
	"github.com/pai-dev/orchestrator/pkg/project"
	"github.com/pai-dev/orchestrator/pkg/registry"
	"github.com/pai-dev/orchestrator/pkg/specflow"
	"github.com/pai-dev/orchestrator/pkg/tana"
	"github.com/pai-dev/orchestrator/pkg/vcs"
	"github.com/pai-dev/orchestrator/pkg/workqueue"
	"github.com/pai-dev/orchestrator/pkg/workspace"
)

var log = logger.New("worker")

// VCSFactory resolves the VCS adapter for a given checkout directory
// (origin host is detected per-repo, so this is not a fixed singleton).
type VCSFactory func(cwd string, timeout time.Duration) (vcs.Adapter, error)

// Worker executes work items end to end.
type Worker struct {
	Queue     *workqueue.Queue
	Agents    *registry.Registry
	Projects  *project.Registry
	Events    *eventlog.Log
	Workspace *workspace.Manager
	Launcher  launcher.Launcher
	VCSFor    VCSFactory
	Tana      tana.Client
	Config    *config.Config
	SpecFlow  *specflow.Orchestrator
}

// New wires a Worker. A nil tanaClient defaults to tana.Noop{}.
func New(q *workqueue.Queue, agents *registry.Registry, projects *project.Registry, events *eventlog.Log,
	ws *workspace.Manager, l launcher.Launcher, vcsFor VCSFactory, tanaClient tana.Client, cfg *config.Config,
	sf *specflow.Orchestrator) *Worker {
	if tanaClient == nil {
		tanaClient = tana.Noop{}
	}
	if cfg == nil {
		cfg = config.FromEnv()
	}
	return &Worker{
		Queue: q, Agents: agents, Projects: projects, Events: events,
		Workspace: ws, Launcher: l, VCSFor: vcsFor, Tana: tanaClient, Config: cfg, SpecFlow: sf,
	}
}

// run tracks per-item cleanup state threaded through every pipeline.
type run struct {
	sessionID        string
	item             *workqueue.WorkItem
	workspacePath    string
	workspaceCreated bool
	stashed          bool
	stashParent      string
	completed        bool
	stopHeartbeat    chan struct{}
	heartbeatDone    chan struct{}
}

// RunInline executes one work item's full lifecycle synchronously,
// satisfying pkg/dispatcher's WorkerRunner interface.
func (w *Worker) RunInline(sessionID, itemID string, timeoutMin int) error {
	return w.Run(context.Background(), sessionID, itemID, timeoutMin)
}

// Run executes one work item's full lifecycle: pid rewrite, heartbeat,
// pipeline selection, and the cleanup invariant (§4.8).
func (w *Worker) Run(ctx context.Context, sessionID, itemID string, timeoutMin int) error {
	item, err := w.Queue.Get(itemID)
	if err != nil {
		return fmt.Errorf("worker: fetch item %s: %w", itemID, err)
	}
	if item == nil {
		return fmt.Errorf("worker: no such item %s", itemID)
	}

	if err := w.Agents.RewritePID(sessionID, currentPID()); err != nil {
		log.Printf("non-fatal: pid rewrite failed for %s: %v", sessionID, err)
	}

	r := &run{sessionID: sessionID, item: item, stopHeartbeat: make(chan struct{}), heartbeatDone: make(chan struct{})}
	start := time.Now()
	go w.heartbeatLoop(r, start)

	if timeoutMin <= 0 {
		timeoutMin = 30
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMin)*time.Minute)
	defer cancel()

	pipelineErr := w.dispatch(ctx, r)

	return w.cleanup(r, pipelineErr)
}

func (w *Worker) heartbeatLoop(r *run, start time.Time) {
	defer close(r.heartbeatDone)
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopHeartbeat:
			return
		case <-ticker.C:
			elapsed := int(time.Since(start).Seconds())
			progress := fmt.Sprintf("Working on %q (%ds)", r.item.Title, elapsed)
			if err := w.Agents.Heartbeat(r.sessionID, progress, r.item.ItemID); err != nil {
				log.Printf("non-fatal: heartbeat failed for %s: %v", r.sessionID, err)
			}
		}
	}
}

// dispatch selects the first-match pipeline per §4.8 and runs it.
func (w *Worker) dispatch(ctx context.Context, r *run) error {
	meta := r.item.Metadata

	if v, _ := idutil.ParseSpecFlow(meta); v != nil {
		return w.runSpecFlowItem(ctx, r, v)
	}
	if v, _ := idutil.ParseMergeFix(meta); v != nil {
		return w.runMergeFix(ctx, r, v)
	}
	if v, _ := idutil.ParseGitHubIssue(meta); v != nil {
		return w.runGitHubIssue(ctx, r, v)
	}
	if r.item.Source == "code_review" {
		return w.runReview(ctx, r)
	}
	if v, _ := idutil.ParseRework(meta); v != nil {
		return w.runRework(ctx, r, v)
	}
	if v, _ := idutil.ParsePRMerge(meta); v != nil {
		return w.runPRMerge(ctx, r, v)
	}
	return w.runPlain(ctx, r)
}

// cleanup is the lifecycle's unconditional closing invariant (§4.8): clear
// the keep-alive, remove any workspace created, pop any stash made, release
// if not completed, deregister. Every step is best-effort; failures are
// written to the debug log (not to the event log) and never mask the
// pipeline's own error.
func (w *Worker) cleanup(r *run, pipelineErr error) error {
	close(r.stopHeartbeat)
	<-r.heartbeatDone

	var errs *multierror.Error
	if pipelineErr != nil {
		errs = multierror.Append(errs, pipelineErr)
	}

	if r.workspaceCreated && r.workspacePath != "" {
		parent := r.stashParent
		if parent == "" {
			parent = r.workspacePath
		}
		if err := w.Workspace.RemoveWorkspace(parent, r.workspacePath); err != nil {
			log.Printf("non-fatal: remove workspace %s failed: %v", r.workspacePath, err)
		}
	}

	if r.stashed && r.stashParent != "" {
		if _, err := w.Workspace.PopStash(r.stashParent); err != nil {
			log.Printf("non-fatal: pop stash in %s failed: %v", r.stashParent, err)
		}
	}

	if !r.completed {
		if err := w.Queue.ReleaseWorkItem(r.item.ItemID, r.sessionID); err != nil {
			log.Printf("non-fatal: release %s failed: %v", r.item.ItemID, err)
		}
	}

	if err := w.Agents.Deregister(r.sessionID); err != nil {
		log.Printf("non-fatal: deregister %s failed: %v", r.sessionID, err)
	}

	if errs != nil {
		return errs.ErrorOrNil()
	}
	return nil
}

func (w *Worker) complete(r *run, summary string) error {
	if err := w.Queue.CompleteWorkItem(r.item.ItemID, r.sessionID); err != nil {
		return fmt.Errorf("worker: complete %s: %w", r.item.ItemID, err)
	}
	r.completed = true
	log.Printf("%s", summary)
	return nil
}

func (w *Worker) emit(eventType, actor, target, summary string) {
	if w.Events == nil {
		return
	}
	if _, err := w.Events.Append(eventType, actor, target, "work_item", summary, nil); err != nil {
		log.Printf("non-fatal: failed to append %s event: %v", eventType, err)
	}
}

func (w *Worker) resolveProject(projectID string) (*project.Project, error) {
	if projectID == "" {
		return nil, nil
	}
	return w.Projects.Get(projectID)
}

func (w *Worker) workDirFor(projectID string) string {
	if p, err := w.resolveProject(projectID); err == nil && p != nil && p.LocalPath != "" {
		return p.LocalPath
	}
	return homeOrTemp()
}

func (w *Worker) vcsFor(cwd string) (vcs.Adapter, error) {
	timeout := w.Config.VCSAPITimeout
	if w.VCSFor != nil {
		return w.VCSFor(cwd, timeout)
	}
	return vcs.New(cwd, timeout)
}

// runPlain is pipeline G: no recognized variant, generic prompt, complete
// or release by exit code.
func (w *Worker) runPlain(ctx context.Context, r *run) error {
	workDir := w.workDirFor(r.item.ProjectID)
	prompt := fmt.Sprintf("Work item: %s\n\n%s\n\n%s", r.item.ItemID, r.item.Title, r.item.Description)

	res, err := w.Launcher.Launch(ctx, workDir, prompt, remainingMs(ctx), r.sessionID, true)
	if err != nil {
		return fmt.Errorf("worker: launch plain item %s: %w", r.item.ItemID, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("worker: plain item %s exited %d: %s", r.item.ItemID, res.ExitCode, res.Stderr)
	}
	return w.complete(r, fmt.Sprintf("completed plain work item %s", r.item.ItemID))
}

func remainingMs(ctx context.Context) int {
	dl, ok := ctx.Deadline()
	if !ok {
		return 30 * 60 * 1000
	}
	d := time.Until(dl)
	if d <= 0 {
		return 1000
	}
	return int(d.Milliseconds())
}

func homeOrTemp() string {
	if h := osUserHomeDirOrEmpty(); h != "" {
		return h
	}
	return "/tmp"
}
