// Package ghcli wraps invocations of the gh CLI for the GitHub VCS adapter.
package ghcli

import (
	"bytes"
	"os"
	"os/exec"

	"github.com/cli/go-gh/v2"

	"github.com/pai-dev/orchestrator/pkg/logger"
)

var log = logger.New("ghcli")

// ExecGH wraps gh CLI calls and ensures proper token configuration.
// It returns a plain *exec.Cmd so callers can set Dir, Stdin, or capture
// output themselves; when GH_TOKEN is absent but GITHUB_TOKEN is present,
// the returned command carries GH_TOKEN in its environment.
//
// Usage:
//
//	cmd := ExecGH("api", "/user")
//	output, err := cmd.Output()
func ExecGH(args ...string) *exec.Cmd {
	ghToken := os.Getenv("GH_TOKEN")
	githubToken := os.Getenv("GITHUB_TOKEN")

	if ghToken != "" || githubToken != "" {
		log.Printf("running gh %v", args)
		cmd := exec.Command("gh", args...)

		if ghToken == "" && githubToken != "" {
			log.Printf("GH_TOKEN not set, using GITHUB_TOKEN")
			cmd.Env = append(os.Environ(), "GH_TOKEN="+githubToken)
		}

		return cmd
	}

	log.Printf("running gh %v with no token in environment", args)
	return exec.Command("gh", args...)
}

// ExecGHWithOutput executes a gh CLI command via go-gh/v2 and returns
// stdout, stderr, and error, rather than a raw *exec.Cmd for the caller to run.
func ExecGHWithOutput(args ...string) (stdout, stderr bytes.Buffer, err error) {
	log.Printf("executing gh %v via go-gh/v2", args)
	return gh.Exec(args...)
}
