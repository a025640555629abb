// Package launcher implements the external coding-agent launcher contract
// (§6): invoke an LLM-driven coding tool as a subprocess, bound to a
// deadline, with its output captured for the worker pipelines to parse.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/pai-dev/orchestrator/pkg/logger"
)

var log = logger.New("launcher")

// Result is the outcome of one launch.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Launcher is the external launcher contract: invoke an agent in workDir
// with prompt on stdin, bounded by timeoutMs, identified by sessionId (used
// to name its log file), optionally with MCP server access disabled.
type Launcher interface {
	Launch(ctx context.Context, workDir, prompt string, timeoutMs int, sessionID string, disableMCP bool) (Result, error)
}

// PTYLauncher runs the configured agent command inside a PTY so
// line-buffered tools behave as if attached to a terminal, mirroring the
// teacher pack's engine-runner pattern. Stdout and stderr share the PTY, and
// the combined output is also copied to <LogDir>/<sessionID>.log.
type PTYLauncher struct {
	Command string
	Args    []string
	LogDir  string
}

// New builds a PTYLauncher invoking command with the given base args (the
// prompt is written to stdin at launch time, and "--no-mcp" is appended when
// MCP is disabled) and writing session logs to logDir.
func New(command string, args []string, logDir string) *PTYLauncher {
	return &PTYLauncher{Command: command, Args: args, LogDir: logDir}
}

// Launch starts the agent, waits up to timeoutMs, and returns its captured
// output. On timeout the subprocess is killed and a non-zero exit code is
// returned rather than an error, matching the spec's "launcher is expected
// to terminate the subprocess and return non-zero" contract.
func (l *PTYLauncher) Launch(ctx context.Context, workDir, prompt string, timeoutMs int, sessionID string, disableMCP bool) (Result, error) {
	if timeoutMs <= 0 {
		timeoutMs = 30 * 60 * 1000
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	args := append([]string{}, l.Args...)
	if disableMCP {
		args = append(args, "--no-mcp")
	}

	cmd := exec.CommandContext(ctx, l.Command, args...)
	cmd.Dir = workDir
	cmd.Stdin = strings.NewReader(prompt)

	ptmx, pts, err := pty.Open()
	if err != nil {
		return Result{}, fmt.Errorf("launcher: opening pty: %w", err)
	}
	defer ptmx.Close()

	cmd.Stdout = pts
	cmd.Stderr = pts

	logFile, ferr := l.openSessionLog(sessionID)
	if ferr != nil {
		log.Printf("non-fatal: could not open session log for %s: %v", sessionID, ferr)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	if err := cmd.Start(); err != nil {
		_ = pts.Close()
		return Result{}, fmt.Errorf("launcher: starting agent: %w", err)
	}
	_ = pts.Close()

	var out strings.Builder
	var writers []io.Writer = []io.Writer{&out}
	if logFile != nil {
		writers = append(writers, logFile)
	}
	_, copyErr := io.Copy(io.MultiWriter(writers...), ptmx)
	if copyErr != nil {
		var pathErr *os.PathError
		if !(errors.As(copyErr, &pathErr) && pathErr.Err == syscall.EIO) {
			log.Printf("non-fatal: reading agent pty output: %v", copyErr)
		}
	}

	waitErr := cmd.Wait()

	result := Result{Stdout: out.String()}
	if ctx.Err() == context.DeadlineExceeded {
		log.Printf("session %s exceeded timeout (%dms), killed", sessionID, timeoutMs)
		result.ExitCode = 124
		result.Stderr = "launcher: timed out"
		return result, nil
	}

	var exitErr *exec.ExitError
	if waitErr != nil {
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("launcher: waiting for agent: %w", waitErr)
	}

	result.ExitCode = 0
	return result, nil
}

func (l *PTYLauncher) openSessionLog(sessionID string) (*os.File, error) {
	if l.LogDir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(l.LogDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(l.LogDir, sessionID+".log")
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}
