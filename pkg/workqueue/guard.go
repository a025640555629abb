package workqueue

import (
	"encoding/json"

	"github.com/pai-dev/orchestrator/pkg/idutil"
)

// reviewCycleSources are work-item sources that always count as
// referencing their metadata's branch, regardless of metadata shape.
var reviewCycleSources = map[string]bool{
	"code_review": true,
	"rework":      true,
	"pr_merge":    true,
	"merge_fix":   true,
}

// BranchReferenced implements the workspace manager's BranchReferenceChecker
// interface (the review-cycle guard's injected accessor, §4.5/§9): it
// reports whether any available or claimed work item references branch as
// part of an active review/rework/merge cycle.
func (q *Queue) BranchReferenced(branch string) (bool, error) {
	available, err := q.ListWorkItems(ListOpts{Status: StatusAvailable})
	if err != nil {
		return false, err
	}
	claimed, err := q.ListWorkItems(ListOpts{Status: StatusClaimed})
	if err != nil {
		return false, err
	}

	for _, items := range [][]WorkItem{available, claimed} {
		for _, w := range items {
			if reviewCycleSources[w.Source] && sameBranch(w.Metadata, branch) {
				return true, nil
			}
			if idutil.ReferencesBranch(w.Metadata, branch) {
				return true, nil
			}
		}
	}
	return false, nil
}

func sameBranch(metadata []byte, branch string) bool {
	var m struct {
		Branch string `json:"branch"`
	}
	if err := json.Unmarshal(metadata, &m); err != nil {
		return false
	}
	return m.Branch == branch
}
