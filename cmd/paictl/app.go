package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pai-dev/orchestrator/internal/config"
	"github.com/pai-dev/orchestrator/pkg/dispatcher"
	"github.com/pai-dev/orchestrator/pkg/eventlog"
	"github.com/pai-dev/orchestrator/pkg/launcher"
	"github.com/pai-dev/orchestrator/pkg/logger"
	"github.com/pai-dev/orchestrator/pkg/project"
	"github.com/pai-dev/orchestrator/pkg/registry"
	"github.com/pai-dev/orchestrator/pkg/specflow"
	"github.com/pai-dev/orchestrator/pkg/store"
	"github.com/pai-dev/orchestrator/pkg/tana"
	"github.com/pai-dev/orchestrator/pkg/vcs"
	"github.com/pai-dev/orchestrator/pkg/worker"
	"github.com/pai-dev/orchestrator/pkg/workqueue"
	"github.com/pai-dev/orchestrator/pkg/workspace"
)

var log = logger.New("paictl")

// app bundles every wired component a subcommand might need. Each subcommand
// opens its own store handle and closes it before returning, rather than
// sharing one across the process lifetime — matching the "one handle per
// invocation" posture of a CLI that is re-exec'd per tick or per worker run.
type app struct {
	cfg        *config.Config
	store      *store.Store
	events     *eventlog.Log
	queue      *workqueue.Queue
	agents     *registry.Registry
	projects   *project.Registry
	workspace  *workspace.Manager
	launcher   launcher.Launcher
	tanaClient tana.Client
	specflow   *specflow.Orchestrator
	worker     *worker.Worker
	dispatcher *dispatcher.Dispatcher
}

func newApp() (*app, error) {
	cfg := config.FromEnv()

	dbPath := filepath.Join(cfg.StoreDir, "pai.db")
	s, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("paictl: open store: %w", err)
	}

	events := eventlog.New(s)
	queue := workqueue.New(s, events)
	agents := registry.New(s, events, registry.OSLivenessProbe{}, cfg.StaleTTL)
	projects := project.New(s)
	ws := workspace.New(cfg.WorkspaceRoot, queue)
	l := launcher.New(cfg.AgentCommand, cfg.AgentArgs, cfg.LogDir)

	var tanaClient tana.Client
	if cfg.TanaAPIToken != "" {
		tanaClient = tana.New(cfg.TanaAPIToken, cfg.TanaWorkspaceID)
	} else {
		tanaClient = tana.Noop{}
	}

	sf := specflow.New(s, projects, events, ws, l, vcs.New, cfg)
	w := worker.New(queue, agents, projects, events, ws, l, vcs.New, tanaClient, cfg, sf)

	selfExe, err := os.Executable()
	if err != nil {
		selfExe = ""
	}
	d := dispatcher.New(queue, agents, projects, events, w, cfg.LogDir, selfExe)

	return &app{
		cfg: cfg, store: s, events: events, queue: queue, agents: agents, projects: projects,
		workspace: ws, launcher: l, tanaClient: tanaClient, specflow: sf, worker: w, dispatcher: d,
	}, nil
}

func (a *app) Close() error {
	if err := a.specflow.Close(); err != nil {
		log.Printf("non-fatal: close specflow gate watchers: %v", err)
	}
	return a.store.Close()
}
