package idutil

import "encoding/json"

// GitHubIssueVariant is the metadata shape of a GitHub-issue work item.
type GitHubIssueVariant struct {
	IssueNumber          int    `json:"github_issue_number"`
	Repo                 string `json:"github_repo"`
	Author               string `json:"author,omitempty"`
	HumanReviewRequired  bool   `json:"human_review_required"`
	humanReviewSpecified bool
}

// SpecFlowVariant is the metadata shape of a SpecFlow phase work item.
// The shorthand keys phase/feature_id/project_id are accepted as aliases.
type SpecFlowVariant struct {
	FeatureID string `json:"specflow_feature_id"`
	Phase     string `json:"specflow_phase"`
	ProjectID string `json:"specflow_project_id"`
}

// MergeFixVariant is the metadata shape of a merge-fix recovery work item.
type MergeFixVariant struct {
	MergeFix      bool   `json:"merge_fix"`
	PRNumber      int    `json:"pr_number"`
	PRURL         string `json:"pr_url"`
	Branch        string `json:"branch"`
	MainBranch    string `json:"main_branch"`
	OriginalItem  string `json:"original_item_id"`
	ProjectID     string `json:"project_id"`
}

// PRMergeVariant is the metadata shape of a post-review merge work item.
type PRMergeVariant struct {
	PRMerge       bool   `json:"pr_merge"`
	PRNumber      int    `json:"pr_number"`
	PRURL         string `json:"pr_url"`
	Repo          string `json:"repo"`
	Branch        string `json:"branch"`
	MainBranch    string `json:"main_branch"`
	ImplWorkItem  string `json:"implementation_work_item_id"`
	ProjectID     string `json:"project_id"`
}

// ReworkVariant is the metadata shape of a rework work item.
type ReworkVariant struct {
	Rework           bool              `json:"rework"`
	PRNumber         int               `json:"pr_number"`
	PRURL            string            `json:"pr_url"`
	Repo             string            `json:"repo"`
	Branch           string            `json:"branch"`
	MainBranch       string            `json:"main_branch"`
	ImplWorkItem     string            `json:"implementation_work_item_id"`
	ReviewFeedback   string            `json:"review_feedback"`
	ReworkCycle      int               `json:"rework_cycle"`
	ProjectID        string            `json:"project_id"`
	WorktreePath     string            `json:"worktree_path,omitempty"`
	InlineComments   []InlineComment   `json:"inline_comments,omitempty"`
	MaxReworkCycles  int               `json:"max_rework_cycles,omitempty"`
}

// InlineComment is one per-file review comment, formatted as "path:line —
// author → body" when embedded in an agent prompt.
type InlineComment struct {
	Path   string `json:"path"`
	Line   int    `json:"line"`
	Body   string `json:"body"`
	Author string `json:"author"`
}

// TanaVariant is the metadata shape of a Tana-sourced work item.
type TanaVariant struct {
	NodeID      string `json:"tana_node_id"`
	WorkspaceID string `json:"tana_workspace_id,omitempty"`
	TagID       string `json:"tana_tag_id,omitempty"`
}

// raw is the generic decode target used to probe for discriminating keys
// before committing to a specific variant's strict schema.
type raw map[string]json.RawMessage

func decodeRaw(metadata []byte) (raw, error) {
	if len(metadata) == 0 {
		return raw{}, nil
	}
	var r raw
	if err := json.Unmarshal(metadata, &r); err != nil {
		return nil, err
	}
	return r, nil
}

func has(r raw, key string) bool {
	_, ok := r[key]
	return ok
}

// ParseGitHubIssue returns the GitHub-issue variant, or nil if the metadata
// does not carry github_issue_number.
func ParseGitHubIssue(metadata []byte) (*GitHubIssueVariant, error) {
	r, err := decodeRaw(metadata)
	if err != nil {
		return nil, err
	}
	if !has(r, "github_issue_number") {
		return nil, nil
	}
	v := &GitHubIssueVariant{HumanReviewRequired: true}
	if err := json.Unmarshal(metadata, v); err != nil {
		return nil, err
	}
	if raw, ok := r["human_review_required"]; ok {
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			v.HumanReviewRequired = b
			v.humanReviewSpecified = true
		}
	}
	return v, nil
}

// ParseSpecFlow returns the SpecFlow variant, accepting the shorthand keys
// phase/feature_id/project_id as aliases for the specflow_-prefixed ones.
func ParseSpecFlow(metadata []byte) (*SpecFlowVariant, error) {
	r, err := decodeRaw(metadata)
	if err != nil {
		return nil, err
	}
	if !has(r, "specflow_feature_id") && !has(r, "feature_id") {
		return nil, nil
	}
	v := &SpecFlowVariant{}
	pick := func(primary, alias string, dst *string) {
		if raw, ok := r[primary]; ok {
			_ = json.Unmarshal(raw, dst)
			return
		}
		if raw, ok := r[alias]; ok {
			_ = json.Unmarshal(raw, dst)
		}
	}
	pick("specflow_feature_id", "feature_id", &v.FeatureID)
	pick("specflow_phase", "phase", &v.Phase)
	pick("specflow_project_id", "project_id", &v.ProjectID)
	if v.FeatureID == "" {
		return nil, nil
	}
	return v, nil
}

// ParseMergeFix returns the merge-fix variant, or nil if merge_fix is absent/false.
func ParseMergeFix(metadata []byte) (*MergeFixVariant, error) {
	r, err := decodeRaw(metadata)
	if err != nil {
		return nil, err
	}
	if !truthy(r, "merge_fix") {
		return nil, nil
	}
	v := &MergeFixVariant{}
	if err := json.Unmarshal(metadata, v); err != nil {
		return nil, err
	}
	return v, nil
}

// ParsePRMerge returns the PR-merge variant, or nil if pr_merge is absent/false.
func ParsePRMerge(metadata []byte) (*PRMergeVariant, error) {
	r, err := decodeRaw(metadata)
	if err != nil {
		return nil, err
	}
	if !truthy(r, "pr_merge") {
		return nil, nil
	}
	v := &PRMergeVariant{}
	if err := json.Unmarshal(metadata, v); err != nil {
		return nil, err
	}
	return v, nil
}

// ParseRework returns the rework variant, or nil if rework is absent/false.
func ParseRework(metadata []byte) (*ReworkVariant, error) {
	r, err := decodeRaw(metadata)
	if err != nil {
		return nil, err
	}
	if !truthy(r, "rework") {
		return nil, nil
	}
	v := &ReworkVariant{}
	if err := json.Unmarshal(metadata, v); err != nil {
		return nil, err
	}
	return v, nil
}

// ParseTana returns the Tana variant, or nil if tana_node_id is absent.
func ParseTana(metadata []byte) (*TanaVariant, error) {
	r, err := decodeRaw(metadata)
	if err != nil {
		return nil, err
	}
	if !has(r, "tana_node_id") {
		return nil, nil
	}
	v := &TanaVariant{}
	if err := json.Unmarshal(metadata, v); err != nil {
		return nil, err
	}
	return v, nil
}

func truthy(r raw, key string) bool {
	raw, ok := r[key]
	if !ok {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false
	}
	return b
}

// ReferencesBranch reports whether this metadata blob should count as
// "referencing" the given branch for the workspace manager's review-cycle
// guard: either one of the review-cycle variants is present (rework,
// pr_merge, merge_fix, or a review_status key), and its recorded branch
// equals b.
func ReferencesBranch(metadata []byte, branch string) bool {
	r, err := decodeRaw(metadata)
	if err != nil {
		return false
	}
	if !truthy(r, "rework") && !truthy(r, "pr_merge") && !truthy(r, "merge_fix") && !has(r, "review_status") {
		return false
	}
	raw, ok := r["branch"]
	if !ok {
		return false
	}
	var b string
	if err := json.Unmarshal(raw, &b); err != nil {
		return false
	}
	return b == branch
}
