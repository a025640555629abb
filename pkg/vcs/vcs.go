// Package vcs implements the VCS adapter (C6): a narrow set of typed
// operations against one repository host (GitHub or GitLab), selected by
// scanning the repo's origin URL.
package vcs

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/pai-dev/orchestrator/pkg/logger"
)

var log = logger.New("vcs")

// MR (merge/pull request) states, normalized across hosts.
const (
	StateMerged = "MERGED"
	StateOpen   = "OPEN"
	StateClosed = "CLOSED"
)

// Review events a caller may submit.
const (
	EventApprove        = "APPROVE"
	EventRequestChanges = "REQUEST_CHANGES"
)

// Review states, normalized across hosts.
const (
	ReviewApproved         = "APPROVED"
	ReviewChangesRequested = "CHANGES_REQUESTED"
	ReviewCommented        = "COMMENTED"
)

// DefaultTimeout is the per-call timeout unless overridden.
const DefaultTimeout = 30 * time.Second

// MR is a created pull/merge request reference.
type MR struct {
	Number int
	URL    string
}

// Review is one top-level review on an MR.
type Review struct {
	ID          string
	State       string
	Body        string
	Author      string
	SubmittedAt string
}

// InlineComment is one per-file review comment.
type InlineComment struct {
	Path      string
	Line      int
	Body      string
	Author    string
	CreatedAt string
}

// Adapter is the host-agnostic VCS operation surface (§4.6).
type Adapter interface {
	CreateMR(ctx context.Context, cwd, title, body, base, head string) (*MR, error)
	MergeMR(ctx context.Context, cwd string, number int) (bool, error)
	GetMRState(ctx context.Context, cwd string, number int) (string, error)
	GetMRDiff(ctx context.Context, cwd string, number int) (string, error)
	GetMRFiles(ctx context.Context, cwd string, number int) ([]string, error)
	SubmitReview(ctx context.Context, cwd string, number int, event, body string) error
	PostReviewComment(ctx context.Context, cwd string, number int, path string, line int, body string) error
	FetchReviews(ctx context.Context, cwd string, number int) ([]Review, error)
	FetchInlineComments(ctx context.Context, cwd string, number int) ([]InlineComment, error)
	CommentOnIssue(ctx context.Context, cwd string, number int, body string) error
	GetIssueStatus(ctx context.Context, ownerRepo string, number int) (string, error)
	API(ctx context.Context, endpoint string, timeout time.Duration) (json.RawMessage, error)
}

// DetectHost scans an origin remote URL for a known host substring.
func DetectHost(originURL string) string {
	switch {
	case strings.Contains(originURL, "github.com"):
		return "github"
	case strings.Contains(originURL, "gitlab.com") || strings.Contains(originURL, "gitlab"):
		return "gitlab"
	default:
		return ""
	}
}

// originURL reads `git remote get-url origin` from cwd.
func originURL(cwd string) (string, error) {
	cmd := exec.Command("git", "remote", "get-url", "origin")
	cmd.Dir = cwd
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("vcs: read origin url: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// New detects the host from cwd's origin remote and returns the matching
// Adapter implementation.
func New(cwd string, timeout time.Duration) (Adapter, error) {
	url, err := originURL(cwd)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	switch DetectHost(url) {
	case "github":
		log.Printf("detected GitHub origin: %s", url)
		return NewGitHub(timeout), nil
	case "gitlab":
		log.Printf("detected GitLab origin: %s", url)
		return NewGitLab(timeout), nil
	default:
		return nil, fmt.Errorf("vcs: unrecognized host for origin %q", url)
	}
}

func runWithTimeout(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("vcs: %s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func runInDirWithTimeout(ctx context.Context, timeout time.Duration, dir, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("vcs: %s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
