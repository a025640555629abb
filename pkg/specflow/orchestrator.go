package specflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sourcegraph/conc/pool"

	"github.com/pai-dev/orchestrator/internal/config"
	"github.com/pai-dev/orchestrator/pkg/eventlog"
	"github.com/pai-dev/orchestrator/pkg/launcher"
	"github.com/pai-dev/orchestrator/pkg/metrics"
	"github.com/pai-dev/orchestrator/pkg/project"
	"github.com/pai-dev/orchestrator/pkg/vcs"
	"github.com/pai-dev/orchestrator/pkg/workspace"
)

// maxDrainIterations bounds the per-feature drain loop (§4.9.3's "implementations
// MUST bound the drain" note) so a misclassified state can't spin forever.
const maxDrainIterations = 10

// VCSFactory mirrors pkg/worker's factory shape so the completion gate opens
// its pull request through the same host-detecting adapter.
type VCSFactory func(cwd string, timeout time.Duration) (vcs.Adapter, error)

// Orchestrator drives every actionable feature through the state machine
// once per tick.
type Orchestrator struct {
	store     *Store
	projects  *project.Registry
	events    *eventlog.Log
	workspace *workspace.Manager
	launcher  launcher.Launcher
	vcsFor    VCSFactory
	cfg       *config.Config

	watchersMu sync.Mutex
	watchers   map[string]*workspace.Watcher
}

// New wires an Orchestrator.
func New(s *Store, projects *project.Registry, events *eventlog.Log, ws *workspace.Manager,
	l launcher.Launcher, vcsFor VCSFactory, cfg *config.Config) *Orchestrator {
	if cfg == nil {
		cfg = config.FromEnv()
	}
	return &Orchestrator{store: s, projects: projects, events: events, workspace: ws, launcher: l, vcsFor: vcsFor, cfg: cfg}
}

// watcherFor returns a cached fsnotify-backed watcher on dir, lazily
// starting one on first use. A failure to start (dir missing, inotify
// exhausted, ...) is non-fatal: callers fall back to a direct stat/read,
// so the cache holds a nil entry to avoid retrying every gate check.
func (o *Orchestrator) watcherFor(dir string) *workspace.Watcher {
	o.watchersMu.Lock()
	defer o.watchersMu.Unlock()
	if o.watchers == nil {
		o.watchers = map[string]*workspace.Watcher{}
	}
	if w, ok := o.watchers[dir]; ok {
		return w
	}
	w, err := workspace.NewWatcher(dir)
	if err != nil {
		log.Printf("non-fatal: gate watcher unavailable for %s: %v", dir, err)
		o.watchers[dir] = nil
		return nil
	}
	o.watchers[dir] = w
	return w
}

// Close stops every gate-artifact watcher this orchestrator started.
func (o *Orchestrator) Close() error {
	o.watchersMu.Lock()
	defer o.watchersMu.Unlock()
	var errs *multierror.Error
	for dir, w := range o.watchers {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close watcher for %s: %w", dir, err))
		}
	}
	o.watchers = map[string]*workspace.Watcher{}
	return errs.ErrorOrNil()
}

// TickResult summarizes one tick's work.
type TickResult struct {
	Released  int
	Advanced  []string
	Completed []string
	Failed    []string
	Errors    []string
}

// Tick implements §4.9.3: release orphans/stale sessions, then drain every
// actionable feature until it blocks on wait/fail/run-phase.
func (o *Orchestrator) Tick(maxConcurrent int) (*TickResult, error) {
	result := &TickResult{}

	features, err := o.store.ListActionable(maxConcurrent)
	if err != nil {
		return nil, fmt.Errorf("specflow: list actionable: %w", err)
	}

	// First pass: release every feature whose action is `release` before
	// draining, so a timed-out session never blocks this tick's progress.
	for _, f := range features {
		action := determineAction(f, o.cfg, time.Now())
		if action.Kind == ActionRelease {
			if err := o.applyRelease(f, action); err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			result.Released++
		}
	}

	features, err = o.store.ListActionable(maxConcurrent)
	if err != nil {
		return nil, fmt.Errorf("specflow: re-list actionable: %w", err)
	}

	p := pool.New().WithMaxGoroutines(1)
	for _, f := range features {
		f := f
		p.Go(func() {
			o.drain(f, result)
		})
	}
	p.Wait()

	if counts, err := o.store.CountByPhase(); err == nil {
		for phase, n := range counts {
			metrics.SetFeaturePhaseCount(phase, n)
		}
	}

	return result, nil
}

// drain repeatedly applies determineAction/execute to one feature,
// re-reading it each iteration, until the action blocks further work this
// tick (wait, fail, or run-phase).
func (o *Orchestrator) drain(f *Feature, result *TickResult) {
	current := f
	for i := 0; i < maxDrainIterations; i++ {
		action := determineAction(current, o.cfg, time.Now())

		switch action.Kind {
		case ActionWait:
			return
		case ActionFail:
			if err := o.applyFail(current, action); err != nil {
				result.Errors = append(result.Errors, err.Error())
			} else {
				result.Failed = append(result.Failed, current.FeatureID)
			}
			return
		case ActionRelease:
			if err := o.applyRelease(current, action); err != nil {
				result.Errors = append(result.Errors, err.Error())
			}
			return
		case ActionAdvance:
			if err := o.applyAdvance(current, action); err != nil {
				result.Errors = append(result.Errors, err.Error())
				return
			}
			result.Advanced = append(result.Advanced, current.FeatureID)
		case ActionCheckGate:
			done, err := o.applyGate(current, action)
			if err != nil {
				result.Errors = append(result.Errors, err.Error())
				return
			}
			if done {
				result.Completed = append(result.Completed, current.FeatureID)
			}
		case ActionRunPhase:
			if err := o.runPhase(current); err != nil {
				result.Errors = append(result.Errors, err.Error())
			}
			return
		}

		refreshed, err := o.store.Get(current.FeatureID)
		if err != nil || refreshed == nil {
			if err != nil {
				result.Errors = append(result.Errors, err.Error())
			}
			return
		}
		current = refreshed
	}
	log.Printf("feature %s hit drain bound (%d iterations); deferring to next tick", f.FeatureID, maxDrainIterations)
}

func (o *Orchestrator) applyRelease(f *Feature, action Action) error {
	pending := StatusPending
	empty := ""
	reason := action.Reason
	if err := o.store.updateFeature(f.FeatureID, fields{Status: &pending, CurrentSession: &empty, LastError: &reason}); err != nil {
		return err
	}
	o.emit(f, "feature released", action.Reason)
	return nil
}

func (o *Orchestrator) applyFail(f *Feature, action Action) error {
	failed := PhaseFailed
	failedStatus := StatusFailed
	reason := action.Reason
	if err := o.store.updateFeature(f.FeatureID, fields{Phase: &failed, Status: &failedStatus, LastError: &reason}); err != nil {
		return err
	}
	o.emit(f, "feature failed", action.Reason)
	return nil
}

func (o *Orchestrator) applyAdvance(f *Feature, action Action) error {
	pending := StatusPending
	phase := action.To
	if err := o.store.updateFeature(f.FeatureID, fields{Phase: &phase, Status: &pending}); err != nil {
		return err
	}
	o.emit(f, "feature advanced", fmt.Sprintf("%s -> %s", action.From, action.To))
	return nil
}

func (o *Orchestrator) emit(f *Feature, eventType, summary string) {
	if o.events == nil {
		return
	}
	if _, err := o.events.Append(eventType, "specflow", f.FeatureID, "specflow_feature", summary, nil); err != nil {
		log.Printf("non-fatal: failed to append %s event for %s: %v", eventType, f.FeatureID, err)
	}
}

// RunPhase executes one phase for a feature directly, bypassing the
// determineAction gate check — used by the worker's SpecFlow work-item
// pipeline (§4.8.A), where a dispatcher-created work item already names
// exactly which feature/phase to run.
func (o *Orchestrator) RunPhase(f *Feature) error {
	return o.runPhase(f)
}

// Store exposes the underlying feature store for callers (e.g. the worker
// pipeline) that need to look up a feature by id before running its phase.
func (o *Orchestrator) Store() *Store { return o.store }

// runPhase implements §4.9.4: workspace setup, transition to active,
// invoke the phase executor via the launcher, record the outcome.
func (o *Orchestrator) runPhase(f *Feature) error {
	proj, err := o.projects.Get(f.ProjectID)
	if err != nil {
		return fmt.Errorf("specflow: resolve project %s: %w", f.ProjectID, err)
	}
	if proj == nil || proj.LocalPath == "" {
		return fmt.Errorf("specflow: project %s has no local_path", f.ProjectID)
	}

	branch := f.BranchName
	if branch == "" {
		branch = specFlowBranch(f.FeatureID)
	}
	mainBranch := f.MainBranch
	if mainBranch == "" {
		mainBranch = "main"
	}
	projectKey := f.ProjectID

	var path string
	if f.WorktreePath != "" {
		if err := o.workspace.EnsureWorkspace(proj.LocalPath, f.WorktreePath, branch); err != nil {
			return fmt.Errorf("specflow: ensure workspace: %w", err)
		}
		path = f.WorktreePath
	} else {
		path, err = o.workspace.CreateWorkspace(proj.LocalPath, branch, projectKey)
		if err != nil {
			return fmt.Errorf("specflow: create workspace: %w", err)
		}
	}

	if err := linkSpecFlowState(proj.LocalPath, path); err != nil {
		log.Printf("non-fatal: specflow state symlink failed for %s: %v", f.FeatureID, err)
	}
	if err := linkFeatureSpec(proj.LocalPath, path, f.FeatureID); err != nil {
		log.Printf("non-fatal: feature spec symlink failed for %s: %v", f.FeatureID, err)
	}

	sessionID := "specflow-" + uuid.NewString()
	active := StatusActive
	startedAt := nowISO()
	if err := o.store.updateFeature(f.FeatureID, fields{
		Status: &active, CurrentSession: &sessionID, PhaseStartedAt: &startedAt,
		WorktreePath: &path, BranchName: &branch, MainBranch: &mainBranch,
	}); err != nil {
		return fmt.Errorf("specflow: transition to active: %w", err)
	}

	prompt := phasePrompt(f.Phase, f.Title, f.Description)
	timeoutMin := o.cfg.PhaseTimeoutMin(f.Phase)
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutMin)*time.Minute)
	defer cancel()

	res, err := o.launcher.Launch(ctx, path, prompt, timeoutMin*60*1000, sessionID, true)

	empty := ""
	if err != nil || res.ExitCode != 0 {
		failureCount := f.FailureCount + 1
		pending := StatusPending
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		} else {
			errMsg = fmt.Sprintf("agent exited %d: %s", res.ExitCode, res.Stderr)
		}
		return o.store.updateFeature(f.FeatureID, fields{
			Status: &pending, CurrentSession: &empty, FailureCount: &failureCount, LastError: &errMsg,
		})
	}

	succeeded := StatusSucceeded
	return o.store.updateFeature(f.FeatureID, fields{Status: &succeeded, CurrentSession: &empty})
}

func phasePrompt(phase, title, description string) string {
	return fmt.Sprintf("Run the %q phase for feature %q.\n\n%s", phase, title, description)
}

func specFlowBranch(featureID string) string {
	return "specflow-" + strings.ToLower(featureID)
}

func linkSpecFlowState(projectRoot, workspacePath string) error {
	src := filepath.Join(projectRoot, ".specflow")
	dst := filepath.Join(workspacePath, ".specflow")
	return symlinkIfMissing(src, dst)
}

func linkFeatureSpec(projectRoot, workspacePath, featureID string) error {
	src := filepath.Join(projectRoot, ".specify", "specs", featureID)
	dst := filepath.Join(workspacePath, ".specify", "specs", featureID)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return symlinkIfMissing(src, dst)
}

func symlinkIfMissing(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		return nil
	}
	if _, err := os.Lstat(dst); err == nil {
		return nil
	}
	return os.Symlink(src, dst)
}
