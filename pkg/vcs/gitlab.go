package vcs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// GitLab implements Adapter against gitlab.com (or a self-hosted instance)
// by shelling out to the glab CLI, mirroring the GitHub adapter's shape but
// without a typed REST client in the pack to ground on — glab's own JSON
// output formats the structured calls instead.
type GitLab struct {
	timeout time.Duration
}

// NewGitLab builds a GitLab adapter using the given per-call timeout.
func NewGitLab(timeout time.Duration) *GitLab {
	return &GitLab{timeout: timeout}
}

func (g *GitLab) CreateMR(ctx context.Context, cwd, title, body, base, head string) (*MR, error) {
	args := []string{"mr", "create", "--title", title, "--description", body, "--target-branch", base, "--yes"}
	if head != "" {
		args = append(args, "--source-branch", head)
	}
	out, err := runInDirWithTimeout(ctx, g.timeout, cwd, "glab", args...)
	if err != nil {
		return nil, err
	}
	url := strings.TrimSpace(lastNonEmptyLine(out))
	number, err := prNumberFromURL(url)
	if err != nil {
		return nil, err
	}
	return &MR{Number: number, URL: url}, nil
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return lines[i]
		}
	}
	return ""
}

func (g *GitLab) MergeMR(ctx context.Context, cwd string, number int) (bool, error) {
	_, err := runInDirWithTimeout(ctx, g.timeout, cwd, "glab", "mr", "merge", strconv.Itoa(number), "--squash", "--remove-source-branch", "--yes")
	return err == nil, err
}

type mrView struct {
	State string `json:"state"`
}

func (g *GitLab) GetMRState(ctx context.Context, cwd string, number int) (string, error) {
	out, err := runInDirWithTimeout(ctx, g.timeout, cwd, "glab", "mr", "view", strconv.Itoa(number), "--output", "json")
	if err != nil {
		return "", err
	}
	var v mrView
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		return "", fmt.Errorf("vcs: parse glab mr view output: %w", err)
	}
	switch strings.ToLower(v.State) {
	case "merged":
		return StateMerged, nil
	case "closed":
		return StateClosed, nil
	case "opened", "open":
		return StateOpen, nil
	default:
		return "", nil
	}
}

func (g *GitLab) GetMRDiff(ctx context.Context, cwd string, number int) (string, error) {
	return runInDirWithTimeout(ctx, g.timeout, cwd, "glab", "mr", "diff", strconv.Itoa(number))
}

type mrViewFiles struct {
	Changes []struct {
		NewPath string `json:"new_path"`
	} `json:"changes"`
}

func (g *GitLab) GetMRFiles(ctx context.Context, cwd string, number int) ([]string, error) {
	out, err := runInDirWithTimeout(ctx, g.timeout, cwd, "glab", "mr", "diff", strconv.Itoa(number), "--json")
	if err != nil {
		return nil, err
	}
	var v mrViewFiles
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		return nil, fmt.Errorf("vcs: parse glab mr diff output: %w", err)
	}
	files := make([]string, 0, len(v.Changes))
	for _, c := range v.Changes {
		files = append(files, c.NewPath)
	}
	return files, nil
}

func (g *GitLab) SubmitReview(ctx context.Context, cwd string, number int, event, body string) error {
	switch event {
	case EventApprove:
		_, err := runInDirWithTimeout(ctx, g.timeout, cwd, "glab", "mr", "approve", strconv.Itoa(number))
		if err != nil {
			return err
		}
		if body == "" {
			return nil
		}
		return g.CommentOnIssue(ctx, cwd, number, body)
	case EventRequestChanges:
		_, err := runInDirWithTimeout(ctx, g.timeout, cwd, "glab", "mr", "revoke", strconv.Itoa(number))
		if err != nil {
			return err
		}
		return g.CommentOnIssue(ctx, cwd, number, body)
	default:
		return g.CommentOnIssue(ctx, cwd, number, body)
	}
}

func (g *GitLab) PostReviewComment(ctx context.Context, cwd string, number int, path string, line int, body string) error {
	ref := fmt.Sprintf("%s:%d: %s", path, line, body)
	_, err := runInDirWithTimeout(ctx, g.timeout, cwd, "glab", "mr", "note", strconv.Itoa(number), "--message", ref)
	return err
}

type mrNote struct {
	ID        int    `json:"id"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
	Author    struct {
		Username string `json:"username"`
	} `json:"author"`
	System bool `json:"system"`
}

func (g *GitLab) FetchReviews(ctx context.Context, cwd string, number int) ([]Review, error) {
	out, err := runInDirWithTimeout(ctx, g.timeout, cwd, "glab", "api", fmt.Sprintf("merge_requests/%d/notes", number))
	if err != nil {
		return nil, err
	}
	var notes []mrNote
	if err := json.Unmarshal([]byte(out), &notes); err != nil {
		return nil, fmt.Errorf("vcs: parse glab api notes output: %w", err)
	}
	reviews := make([]Review, 0, len(notes))
	for _, n := range notes {
		if n.System {
			continue
		}
		reviews = append(reviews, Review{
			ID:          strconv.Itoa(n.ID),
			State:       ReviewCommented,
			Body:        n.Body,
			Author:      n.Author.Username,
			SubmittedAt: n.CreatedAt,
		})
	}
	return reviews, nil
}

type mrDiscussionNote struct {
	Body     string `json:"body"`
	Position struct {
		NewPath string `json:"new_path"`
		NewLine int    `json:"new_line"`
	} `json:"position"`
	Author struct {
		Username string `json:"username"`
	} `json:"author"`
	CreatedAt string `json:"created_at"`
}

type mrDiscussion struct {
	Notes []mrDiscussionNote `json:"notes"`
}

func (g *GitLab) FetchInlineComments(ctx context.Context, cwd string, number int) ([]InlineComment, error) {
	out, err := runInDirWithTimeout(ctx, g.timeout, cwd, "glab", "api", fmt.Sprintf("merge_requests/%d/discussions", number))
	if err != nil {
		return nil, err
	}
	var discussions []mrDiscussion
	if err := json.Unmarshal([]byte(out), &discussions); err != nil {
		return nil, fmt.Errorf("vcs: parse glab api discussions output: %w", err)
	}
	var out2 []InlineComment
	for _, d := range discussions {
		for _, n := range d.Notes {
			if n.Position.NewPath == "" {
				continue
			}
			out2 = append(out2, InlineComment{
				Path:      n.Position.NewPath,
				Line:      n.Position.NewLine,
				Body:      n.Body,
				Author:    n.Author.Username,
				CreatedAt: n.CreatedAt,
			})
		}
	}
	return out2, nil
}

func (g *GitLab) CommentOnIssue(ctx context.Context, cwd string, number int, body string) error {
	_, err := runInDirWithTimeout(ctx, g.timeout, cwd, "glab", "issue", "note", strconv.Itoa(number), "--message", body)
	return err
}

type issueView struct {
	State string `json:"state"`
}

func (g *GitLab) GetIssueStatus(ctx context.Context, ownerRepo string, number int) (string, error) {
	out, err := runWithTimeout(ctx, g.timeout, "glab", "issue", "view", strconv.Itoa(number), "--repo", ownerRepo, "--output", "json")
	if err != nil {
		return "", err
	}
	var v issueView
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		return "", fmt.Errorf("vcs: parse glab issue view output: %w", err)
	}
	return v.State, nil
}

func (g *GitLab) API(ctx context.Context, endpoint string, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = g.timeout
	}
	out, err := runWithTimeout(ctx, timeout, "glab", "api", endpoint)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}
