// Package config loads the orchestrator's runtime configuration from the
// environment, applying the defaults documented in the external interfaces
// section of the specification.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pai-dev/orchestrator/pkg/logger"
)

var log = logger.New("config")

// Config holds every environment-configurable knob the core reads at startup.
// There is deliberately no live-reload: a process picks up its configuration
// once, at construction time.
type Config struct {
	// WorkspaceRoot is the filesystem root under which isolated checkouts
	// are created, keyed by (projectKey, branch).
	WorkspaceRoot string

	// StoreDir is the directory containing the store's on-disk database
	// file. Workers opening a detached handle must resolve the same path.
	StoreDir string

	StaleTTL                 time.Duration
	HeartbeatInterval        time.Duration
	VCSAPITimeout            time.Duration
	MaxReworkCyclesHard      int
	DefaultMaxReworkCycles   int
	PhaseTimeoutMinDefault   int
	PhaseTimeoutMinImplement int

	// OrchestratorAgentName defaults to the legacy literal "ivy-heartbeat".
	// pkg/dispatcher does not read this field: its concurrency count excludes
	// the agent named by its own OrchestratorAgentName constant, which is
	// fixed to "ivy-heartbeat".
	OrchestratorAgentName string

	// LogDir holds one file per session: <LogDir>/<sessionId>.log.
	LogDir string

	// AgentCommand and AgentArgs name the external coding-agent binary the
	// launcher invokes (§6). Defaults to the "claude" CLI with no extra args.
	AgentCommand string
	AgentArgs    []string

	// TanaAPIToken and TanaWorkspaceID configure the Tana write-back client
	// (§4.8.C). Both empty means tana.Noop{} is used.
	TanaAPIToken    string
	TanaWorkspaceID string
}

// FromEnv loads a Config, applying defaults for anything unset or
// unparsable. Unparsable numeric/duration values fall back to the default
// and are logged, never fatal — this mirrors the "keep running with sane
// defaults" posture the teacher applies to its own env-driven settings.
func FromEnv() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}

	c := &Config{
		WorkspaceRoot:            envString("WORKSPACE_ROOT", fmt.Sprintf("%s/.pai/worktrees", home)),
		StoreDir:                 envString("STORE_DIR", fmt.Sprintf("%s/.pai", home)),
		StaleTTL:                 envSeconds("STALE_TTL_SECONDS", 300),
		HeartbeatInterval:        envSeconds("HEARTBEAT_INTERVAL_SECONDS", 60),
		VCSAPITimeout:            envMillis("VCS_API_TIMEOUT_MS", 30000),
		MaxReworkCyclesHard:      envInt("MAX_REWORK_CYCLES_HARD", 3),
		DefaultMaxReworkCycles:   envInt("DEFAULT_MAX_REWORK_CYCLES", 2),
		PhaseTimeoutMinDefault:   envInt("PHASE_TIMEOUT_MIN_DEFAULT", 20),
		PhaseTimeoutMinImplement: envInt("PHASE_TIMEOUT_MIN_IMPLEMENTING", 180),
		OrchestratorAgentName:    envString("ORCHESTRATOR_AGENT_NAME", "ivy-heartbeat"),
		LogDir:                   envString("LOG_DIR", fmt.Sprintf("%s/.pai/logs", home)),
		AgentCommand:             envString("AGENT_COMMAND", "claude"),
		AgentArgs:                envStringSlice("AGENT_ARGS", nil),
		TanaAPIToken:             envString("TANA_API_TOKEN", ""),
		TanaWorkspaceID:          envString("TANA_WORKSPACE_ID", ""),
	}

	log.Printf("loaded config: workspaceRoot=%s storeDir=%s staleTTL=%s", c.WorkspaceRoot, c.StoreDir, c.StaleTTL)
	return c
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("invalid %s=%q, using default %d", key, v, def)
		return def
	}
	return n
}

func envStringSlice(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return strings.Fields(v)
}

func envSeconds(key string, defSeconds int) time.Duration {
	return time.Duration(envInt(key, defSeconds)) * time.Second
}

func envMillis(key string, defMillis int) time.Duration {
	return time.Duration(envInt(key, defMillis)) * time.Millisecond
}

// PhaseTimeoutMin returns the timeout, in minutes, for the given SpecFlow
// phase. "implementing" gets the longer budget; everything else gets the
// default.
func (c *Config) PhaseTimeoutMin(phase string) int {
	if phase == "implementing" {
		return c.PhaseTimeoutMinImplement
	}
	return c.PhaseTimeoutMinDefault
}
