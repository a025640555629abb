package vcs

import (
	"context"
	"encoding/json"
	"time"
)

// Fake is a test double implementing Adapter, recording every call.
type Fake struct {
	MR         *MR
	MRState    string
	MRDiff     string
	MRFiles    []string
	Reviews    []Review
	Inline     []InlineComment
	IssueState string
	MergeOK    bool

	CreateMRErr error
	MergeMRErr  error

	Calls []string
}

func (f *Fake) record(name string) { f.Calls = append(f.Calls, name) }

func (f *Fake) CreateMR(ctx context.Context, cwd, title, body, base, head string) (*MR, error) {
	f.record("CreateMR")
	if f.CreateMRErr != nil {
		return nil, f.CreateMRErr
	}
	if f.MR == nil {
		f.MR = &MR{Number: 1, URL: "https://example.test/pr/1"}
	}
	return f.MR, nil
}

func (f *Fake) MergeMR(ctx context.Context, cwd string, number int) (bool, error) {
	f.record("MergeMR")
	if f.MergeMRErr != nil {
		return false, f.MergeMRErr
	}
	return f.MergeOK, nil
}

func (f *Fake) GetMRState(ctx context.Context, cwd string, number int) (string, error) {
	f.record("GetMRState")
	if f.MRState == "" {
		return StateOpen, nil
	}
	return f.MRState, nil
}

func (f *Fake) GetMRDiff(ctx context.Context, cwd string, number int) (string, error) {
	f.record("GetMRDiff")
	return f.MRDiff, nil
}

func (f *Fake) GetMRFiles(ctx context.Context, cwd string, number int) ([]string, error) {
	f.record("GetMRFiles")
	return f.MRFiles, nil
}

func (f *Fake) SubmitReview(ctx context.Context, cwd string, number int, event, body string) error {
	f.record("SubmitReview")
	return nil
}

func (f *Fake) PostReviewComment(ctx context.Context, cwd string, number int, path string, line int, body string) error {
	f.record("PostReviewComment")
	return nil
}

func (f *Fake) FetchReviews(ctx context.Context, cwd string, number int) ([]Review, error) {
	f.record("FetchReviews")
	return f.Reviews, nil
}

func (f *Fake) FetchInlineComments(ctx context.Context, cwd string, number int) ([]InlineComment, error) {
	f.record("FetchInlineComments")
	return f.Inline, nil
}

func (f *Fake) CommentOnIssue(ctx context.Context, cwd string, number int, body string) error {
	f.record("CommentOnIssue")
	return nil
}

func (f *Fake) GetIssueStatus(ctx context.Context, ownerRepo string, number int) (string, error) {
	f.record("GetIssueStatus")
	if f.IssueState == "" {
		return "open", nil
	}
	return f.IssueState, nil
}

func (f *Fake) API(ctx context.Context, endpoint string, timeout time.Duration) (json.RawMessage, error) {
	f.record("API")
	return json.RawMessage("{}"), nil
}
