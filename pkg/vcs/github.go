package vcs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"

	"github.com/pai-dev/orchestrator/pkg/ghcli"
)

// runCmdCtx runs a pre-built *exec.Cmd (as returned by ghcli.ExecGH, which
// does not itself accept a context) but honors ctx's deadline by killing the
// process if it fires before the command exits.
func runCmdCtx(ctx context.Context, cmd *exec.Cmd) (string, error) {
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return stdout.String(), ctx.Err()
	case err := <-done:
		if err != nil {
			return stdout.String(), fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return stdout.String(), nil
	}
}

// GitHub implements Adapter against github.com, using the gh CLI for
// branch/PR-number plumbing (createMR/mergeMR/getMRState/getMRDiff/
// getMRFiles/submitReview/postReviewComment/commentOnIssue/api — the
// operations gh's own subcommands cover cleanly) and the typed go-github
// REST client for operations that need structured, paginated results
// (fetchReviews, fetchInlineComments, getIssueStatus).
type GitHub struct {
	timeout time.Duration
}

// NewGitHub builds a GitHub adapter using the given per-call timeout.
func NewGitHub(timeout time.Duration) *GitHub {
	return &GitHub{timeout: timeout}
}

func (g *GitHub) client(ctx context.Context) *github.Client {
	token := os.Getenv("GH_TOKEN")
	if token == "" {
		token = os.Getenv("GITHUB_TOKEN")
	}
	if token == "" {
		return github.NewClient(nil)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return github.NewClient(oauth2.NewClient(ctx, ts))
}

func splitOwnerRepo(ownerRepo string) (owner, repo string) {
	parts := strings.SplitN(ownerRepo, "/", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}

func (g *GitHub) CreateMR(ctx context.Context, cwd, title, body, base, head string) (*MR, error) {
	args := []string{"pr", "create", "--title", title, "--body", body, "--base", base}
	if head != "" {
		args = append(args, "--head", head)
	}
	out, err := runGHInDir(ctx, g.timeout, cwd, args...)
	if err != nil {
		return nil, err
	}
	url := strings.TrimSpace(out)
	number, err := prNumberFromURL(url)
	if err != nil {
		return nil, err
	}
	return &MR{Number: number, URL: url}, nil
}

func prNumberFromURL(url string) (int, error) {
	idx := strings.LastIndex(url, "/")
	if idx < 0 || idx == len(url)-1 {
		return 0, fmt.Errorf("vcs: cannot parse PR number from %q", url)
	}
	n, err := strconv.Atoi(strings.TrimSpace(url[idx+1:]))
	if err != nil {
		return 0, fmt.Errorf("vcs: cannot parse PR number from %q: %w", url, err)
	}
	return n, nil
}

func (g *GitHub) MergeMR(ctx context.Context, cwd string, number int) (bool, error) {
	_, err := runGHInDir(ctx, g.timeout, cwd, "pr", "merge", strconv.Itoa(number), "--squash", "--delete-branch")
	return err == nil, err
}

type prViewState struct {
	State string `json:"state"`
}

func (g *GitHub) GetMRState(ctx context.Context, cwd string, number int) (string, error) {
	out, err := runGHInDir(ctx, g.timeout, cwd, "pr", "view", strconv.Itoa(number), "--json", "state")
	if err != nil {
		return "", err
	}
	var v prViewState
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		return "", fmt.Errorf("vcs: parse pr view output: %w", err)
	}
	switch v.State {
	case "MERGED":
		return StateMerged, nil
	case "CLOSED":
		return StateClosed, nil
	case "OPEN":
		return StateOpen, nil
	default:
		return "", nil
	}
}

func (g *GitHub) GetMRDiff(ctx context.Context, cwd string, number int) (string, error) {
	return runGHInDir(ctx, g.timeout, cwd, "pr", "diff", strconv.Itoa(number))
}

type prViewFiles struct {
	Files []struct {
		Path string `json:"path"`
	} `json:"files"`
}

func (g *GitHub) GetMRFiles(ctx context.Context, cwd string, number int) ([]string, error) {
	out, err := runGHInDir(ctx, g.timeout, cwd, "pr", "view", strconv.Itoa(number), "--json", "files")
	if err != nil {
		return nil, err
	}
	var v prViewFiles
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		return nil, fmt.Errorf("vcs: parse pr files output: %w", err)
	}
	files := make([]string, 0, len(v.Files))
	for _, f := range v.Files {
		files = append(files, f.Path)
	}
	return files, nil
}

func (g *GitHub) SubmitReview(ctx context.Context, cwd string, number int, event, body string) error {
	flag := "--comment"
	switch event {
	case EventApprove:
		flag = "--approve"
	case EventRequestChanges:
		flag = "--request-changes"
	}
	_, err := runGHInDir(ctx, g.timeout, cwd, "pr", "review", strconv.Itoa(number), flag, "--body", body)
	return err
}

func (g *GitHub) PostReviewComment(ctx context.Context, cwd string, number int, path string, line int, body string) error {
	endpoint := fmt.Sprintf("repos/{owner}/{repo}/pulls/%d/comments", number)
	payload, err := json.Marshal(map[string]any{
		"body": body,
		"path": path,
		"line": line,
		"side": "RIGHT",
	})
	if err != nil {
		return fmt.Errorf("vcs: marshal review comment payload: %w", err)
	}
	_, err = runGHWithStdin(ctx, g.timeout, cwd, string(payload), "api", endpoint, "--method", "POST", "--input", "-")
	return err
}

func (g *GitHub) FetchReviews(ctx context.Context, cwd string, number int) ([]Review, error) {
	owner, repo, err := ownerRepoFromCwd(ctx, g.timeout, cwd)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	reviews, _, err := g.client(ctx).PullRequests.ListReviews(ctx, owner, repo, number, nil)
	if err != nil {
		return nil, fmt.Errorf("vcs: list reviews: %w", err)
	}
	out := make([]Review, 0, len(reviews))
	for _, r := range reviews {
		out = append(out, Review{
			ID:          strconv.FormatInt(r.GetID(), 10),
			State:       r.GetState(),
			Body:        r.GetBody(),
			Author:      r.GetUser().GetLogin(),
			SubmittedAt: r.GetSubmittedAt().Format(time.RFC3339),
		})
	}
	return out, nil
}

func (g *GitHub) FetchInlineComments(ctx context.Context, cwd string, number int) ([]InlineComment, error) {
	owner, repo, err := ownerRepoFromCwd(ctx, g.timeout, cwd)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	comments, _, err := g.client(ctx).PullRequests.ListComments(ctx, owner, repo, number, nil)
	if err != nil {
		return nil, fmt.Errorf("vcs: list review comments: %w", err)
	}
	out := make([]InlineComment, 0, len(comments))
	for _, c := range comments {
		out = append(out, InlineComment{
			Path:      c.GetPath(),
			Line:      c.GetLine(),
			Body:      c.GetBody(),
			Author:    c.GetUser().GetLogin(),
			CreatedAt: c.GetCreatedAt().Format(time.RFC3339),
		})
	}
	return out, nil
}

func (g *GitHub) CommentOnIssue(ctx context.Context, cwd string, number int, body string) error {
	_, err := runGHInDir(ctx, g.timeout, cwd, "issue", "comment", strconv.Itoa(number), "--body", body)
	return err
}

func (g *GitHub) GetIssueStatus(ctx context.Context, ownerRepo string, number int) (string, error) {
	owner, repo := splitOwnerRepo(ownerRepo)
	if owner == "" {
		return "", fmt.Errorf("vcs: malformed owner/repo %q", ownerRepo)
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	issue, _, err := g.client(ctx).Issues.Get(ctx, owner, repo, number)
	if err != nil {
		return "", fmt.Errorf("vcs: get issue: %w", err)
	}
	return issue.GetState(), nil
}

func (g *GitHub) API(ctx context.Context, endpoint string, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = g.timeout
	}
	out, err := runGH(ctx, timeout, "api", endpoint)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}

type repoViewOwner struct {
	Owner struct {
		Login string `json:"login"`
	} `json:"owner"`
	Name string `json:"name"`
}

func ownerRepoFromCwd(ctx context.Context, timeout time.Duration, cwd string) (owner, repo string, err error) {
	out, err := runGHInDir(ctx, timeout, cwd, "repo", "view", "--json", "owner,name")
	if err != nil {
		return "", "", err
	}
	var v repoViewOwner
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		return "", "", fmt.Errorf("vcs: parse repo view output: %w", err)
	}
	return v.Owner.Login, v.Name, nil
}

// runGH runs a gh CLI call with no working directory override (used for
// calls like `gh api` that are repo-agnostic or rely on GH_REPO env).
func runGH(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	_, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stdout, stderr, err := ghcli.ExecGHWithOutput(args...)
	if err != nil {
		return stdout.String(), fmt.Errorf("vcs: gh %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// runGHInDir runs a gh CLI call rooted at dir, honoring ctx's deadline via
// runCmdCtx so a hung call is killed at timeout.
func runGHInDir(ctx context.Context, timeout time.Duration, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := ghcli.ExecGH(args...)
	cmd.Dir = dir
	return runCmdCtx(ctx, cmd)
}

// runGHWithStdin is runGHInDir with stdin piped in, for gh subcommands that
// read a JSON payload from --input -.
func runGHWithStdin(ctx context.Context, timeout time.Duration, dir, stdin string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := ghcli.ExecGH(args...)
	cmd.Dir = dir
	cmd.Stdin = strings.NewReader(stdin)
	return runCmdCtx(ctx, cmd)
}
