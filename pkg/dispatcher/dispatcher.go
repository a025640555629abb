// Package dispatcher implements the dispatcher (C7): each tick, claim
// available work items under a concurrency cap and either spawn a detached
// worker process per item or run the worker pipeline inline.
package dispatcher

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/pai-dev/orchestrator/pkg/eventlog"
	"github.com/pai-dev/orchestrator/pkg/logger"
	"github.com/pai-dev/orchestrator/pkg/metrics"
	"github.com/pai-dev/orchestrator/pkg/project"
	"github.com/pai-dev/orchestrator/pkg/registry"
	"github.com/pai-dev/orchestrator/pkg/workqueue"
)

var log = logger.New("dispatcher")

// OrchestratorAgentName is excluded from concurrency counting (it's the
// periodic tick caller, not a work-item worker).
const OrchestratorAgentName = "ivy-heartbeat"

// Options parameterize one dispatcher tick.
type Options struct {
	MaxConcurrent int
	MaxItems      int
	Priority      string
	Project       string
	DryRun        bool
	TimeoutMin    int
	FireAndForget bool
}

// Dispatched describes one item the dispatcher claimed and handed off.
type Dispatched struct {
	ItemID    string `json:"itemId"`
	SessionID string `json:"sessionId"`
	WorkDir   string `json:"workDir"`
}

// Skipped describes one item the dispatcher declined to dispatch.
type Skipped struct {
	ItemID string `json:"itemId"`
	Reason string `json:"reason"`
}

// Result is the outcome of one tick.
type Result struct {
	Timestamp  string       `json:"timestamp"`
	Dispatched []Dispatched `json:"dispatched"`
	Skipped    []Skipped    `json:"skipped"`
	Errors     []string     `json:"errors"`
	DryRun     bool         `json:"dryRun"`
}

// WorkerRunner performs a worker's full inline pipeline for one item,
// given the session the dispatcher already registered and claimed.
// Implemented by pkg/worker to avoid dispatcher importing worker directly
// (worker imports workqueue/registry/project/vcs/launcher — keeping the
// import the other direction avoids a cycle since pkg/worker needs the
// dispatcher's Dispatched/Options shapes nowhere).
type WorkerRunner interface {
	RunInline(sessionID, itemID string, timeoutMin int) error
}

// Dispatcher owns one tick's worth of claim-and-hand-off logic.
type Dispatcher struct {
	queue    *workqueue.Queue
	agents   *registry.Registry
	projects *project.Registry
	events   *eventlog.Log
	worker   WorkerRunner
	logDir   string
	selfExe  string
}

// New wires a Dispatcher. selfExe is the path to this binary, used to spawn
// detached fire-and-forget workers (`<selfExe> worker run ...`).
func New(q *workqueue.Queue, agents *registry.Registry, projects *project.Registry, events *eventlog.Log, worker WorkerRunner, logDir, selfExe string) *Dispatcher {
	return &Dispatcher{queue: q, agents: agents, projects: projects, events: events, worker: worker, logDir: logDir, selfExe: selfExe}
}

func nowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

// Tick runs one dispatch cycle per §4.7's algorithm.
func (d *Dispatcher) Tick(opts Options) (result *Result, err error) {
	defer func() {
		if result != nil {
			metrics.RecordDispatchTick(len(result.Dispatched) > 0)
		}
		if counts, countErr := d.workItemCounts(); countErr == nil {
			for status, n := range counts {
				metrics.SetWorkItemCount(status, n)
			}
		}
		if n, activeErr := d.agents.ActiveCount(""); activeErr == nil {
			metrics.SetActiveAgents(n)
		}
	}()

	result = &Result{Timestamp: nowISO(), DryRun: opts.DryRun}

	items, err := d.queue.ListWorkItems(workqueue.ListOpts{
		Status: workqueue.StatusAvailable, Priority: opts.Priority, Project: opts.Project,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatcher: list available items: %w", err)
	}
	if len(items) == 0 {
		return result, nil
	}

	if !opts.DryRun {
		count, err := d.agents.ActiveCount(OrchestratorAgentName)
		if err != nil {
			return nil, fmt.Errorf("dispatcher: active count: %w", err)
		}
		if count >= opts.MaxConcurrent {
			reason := fmt.Sprintf("concurrency limit reached (%d/%d)", count, opts.MaxConcurrent)
			for _, it := range items {
				result.Skipped = append(result.Skipped, Skipped{ItemID: it.ItemID, Reason: reason})
			}
			return result, nil
		}
	}

	maxItems := opts.MaxItems
	if maxItems <= 0 {
		maxItems = len(items)
	}
	selected := items
	if len(items) > maxItems {
		selected = items[:maxItems]
		for _, it := range items[maxItems:] {
			result.Skipped = append(result.Skipped, Skipped{ItemID: it.ItemID, Reason: "exceeds max items per run"})
		}
	}

	if opts.DryRun {
		for _, it := range selected {
			workDir := d.resolveWorkDir(it.ProjectID)
			result.Dispatched = append(result.Dispatched, Dispatched{ItemID: it.ItemID, WorkDir: workDir})
		}
		return result, nil
	}

	p := pool.New().WithMaxGoroutines(1) // sequential processing per §5: one slot suffices
	for _, it := range selected {
		it := it
		p.Go(func() {
			d.dispatchOne(it, opts, result)
		})
	}
	p.Wait()

	return result, nil
}

func (d *Dispatcher) resolveWorkDir(projectID string) string {
	if projectID != "" {
		if p, err := d.projects.Get(projectID); err == nil && p != nil && p.LocalPath != "" {
			return p.LocalPath
		}
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return home
	}
	return os.TempDir()
}

// workItemCounts tallies work items by status for the metrics gauge.
func (d *Dispatcher) workItemCounts() (map[string]int, error) {
	items, err := d.queue.ListWorkItems(workqueue.ListOpts{All: true})
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, it := range items {
		counts[it.Status]++
	}
	return counts, nil
}

func (d *Dispatcher) dispatchOne(it workqueue.WorkItem, opts Options, result *Result) {
	workDir := d.resolveWorkDir(it.ProjectID)

	agent, err := d.agents.Register(registry.RegisterOpts{
		Name: "dispatch-" + it.ItemID, Project: it.ProjectID, Work: it.ItemID,
	})
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: register agent: %v", it.ItemID, err))
		return
	}

	logPath := filepath.Join(d.logDir, agent.SessionID+".log")
	if err := d.agents.UpdateMetadata(agent.SessionID, map[string]any{"log_path": logPath}); err != nil {
		log.Printf("non-fatal: failed to record log path for %s: %v", agent.SessionID, err)
	}

	claimed, err := d.queue.ClaimWorkItem(it.ItemID, agent.SessionID)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: claim: %v", it.ItemID, err))
		return
	}
	if !claimed {
		result.Skipped = append(result.Skipped, Skipped{ItemID: it.ItemID, Reason: "already claimed"})
		return
	}

	if d.events != nil {
		if _, err := d.events.Append(eventlog.TypeDispatching, agent.SessionID, it.ItemID, "work_item",
			fmt.Sprintf("dispatching work item %s (log: %s)", it.ItemID, logPath), nil); err != nil {
			log.Printf("non-fatal: failed to append dispatching event: %v", err)
		}
	}

	result.Dispatched = append(result.Dispatched, Dispatched{ItemID: it.ItemID, SessionID: agent.SessionID, WorkDir: workDir})

	if opts.FireAndForget {
		d.spawnDetached(agent.SessionID, it.ItemID, opts.TimeoutMin, logPath)
		return
	}

	if d.worker == nil {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: no inline worker configured", it.ItemID))
		return
	}
	if err := d.worker.RunInline(agent.SessionID, it.ItemID, opts.TimeoutMin); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", it.ItemID, err))
	}
}

// spawnDetached launches `<selfExe> worker run --session-id ... --item-id
// ... --timeout-ms ...` as a fully detached child, redirecting stderr to the
// session log file, and does not wait for it.
func (d *Dispatcher) spawnDetached(sessionID, itemID string, timeoutMin int, logPath string) {
	if d.selfExe == "" {
		log.Printf("non-fatal: no selfExe configured, cannot spawn detached worker for %s", itemID)
		return
	}
	timeoutMs := timeoutMin * 60 * 1000

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		log.Printf("non-fatal: could not create log dir for %s: %v", itemID, err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("non-fatal: could not open log file for %s: %v", itemID, err)
	}

	cmd := exec.Command(d.selfExe, "worker", "run",
		"--session-id", sessionID, "--item-id", itemID, "--timeout-ms", fmt.Sprintf("%d", timeoutMs))
	cmd.Stdout = nil
	if logFile != nil {
		cmd.Stderr = logFile
	}
	cmd.SysProcAttr = detachAttr()

	if err := cmd.Start(); err != nil {
		log.Printf("failed to spawn detached worker for %s: %v", itemID, err)
		if logFile != nil {
			_ = logFile.Close()
		}
		return
	}
	log.Printf("spawned detached worker pid=%d session=%s item=%s", cmd.Process.Pid, sessionID, itemID)

	go func() {
		_ = cmd.Wait()
		if logFile != nil {
			_ = logFile.Close()
		}
	}()
}
