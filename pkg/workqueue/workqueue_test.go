package workqueue

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pai-dev/orchestrator/pkg/eventlog"
	"github.com/pai-dev/orchestrator/pkg/store"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "pai.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s, eventlog.New(s))
}

func TestCreateAndListRoundTrip(t *testing.T) {
	q := newTestQueue(t)

	_, err := q.CreateWorkItem(CreateOpts{ID: "gh-P-7", Title: "fix bug", Priority: PriorityP1, Source: "github"})
	require.NoError(t, err)

	items, err := q.ListWorkItems(ListOpts{All: true})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "gh-P-7", items[0].ItemID)
	require.Equal(t, "fix bug", items[0].Title)
	require.Equal(t, PriorityP1, items[0].Priority)
}

func TestListOrdersByPriorityThenAge(t *testing.T) {
	q := newTestQueue(t)

	_, err := q.CreateWorkItem(CreateOpts{ID: "low", Title: "t", Priority: PriorityP3})
	require.NoError(t, err)
	_, err = q.CreateWorkItem(CreateOpts{ID: "high", Title: "t", Priority: PriorityP1})
	require.NoError(t, err)
	_, err = q.CreateWorkItem(CreateOpts{ID: "mid", Title: "t", Priority: PriorityP2})
	require.NoError(t, err)

	items, err := q.ListWorkItems(ListOpts{})
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, "high", items[0].ItemID)
	require.Equal(t, "mid", items[1].ItemID)
	require.Equal(t, "low", items[2].ItemID)
}

func TestListAvailableExcludesFailed(t *testing.T) {
	q := newTestQueue(t)

	_, err := q.CreateWorkItem(CreateOpts{ID: "w-1", Title: "t"})
	require.NoError(t, err)
	require.NoError(t, q.FailWorkItem("w-1"))

	items, err := q.ListWorkItems(ListOpts{Status: StatusAvailable})
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestClaimWorkItemIsExclusive(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.CreateWorkItem(CreateOpts{ID: "w-1", Title: "t"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimed, err := q.ClaimWorkItem("w-1", "sess-x")
			require.NoError(t, err)
			results[i] = claimed
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, r := range results {
		if r {
			wins++
		}
	}
	require.Equal(t, 1, wins)
}

func TestCompleteRequiresClaimant(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.CreateWorkItem(CreateOpts{ID: "w-1", Title: "t"})
	require.NoError(t, err)

	claimed, err := q.ClaimWorkItem("w-1", "sess-1")
	require.NoError(t, err)
	require.True(t, claimed)

	require.Error(t, q.CompleteWorkItem("w-1", "sess-2"))
	require.NoError(t, q.CompleteWorkItem("w-1", "sess-1"))

	item, err := q.Get("w-1")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, item.Status)
}

func TestReleaseReturnsToAvailable(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.CreateWorkItem(CreateOpts{ID: "w-1", Title: "t"})
	require.NoError(t, err)
	_, err = q.ClaimWorkItem("w-1", "sess-1")
	require.NoError(t, err)

	require.NoError(t, q.ReleaseWorkItem("w-1", "sess-1"))

	item, err := q.Get("w-1")
	require.NoError(t, err)
	require.Equal(t, StatusAvailable, item.Status)
	require.Empty(t, item.ClaimedBy)
}

func TestUpdateWorkItemMetadataMerges(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.CreateWorkItem(CreateOpts{ID: "w-1", Title: "t", Metadata: map[string]any{"a": 1}})
	require.NoError(t, err)

	require.NoError(t, q.UpdateWorkItemMetadata("w-1", map[string]any{"b": 2}))

	item, err := q.Get("w-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1,"b":2}`, string(item.Metadata))
}

func TestCreateWorkItemValidatesVariantMetadata(t *testing.T) {
	q := newTestQueue(t)

	_, err := q.CreateWorkItem(CreateOpts{
		ID: "merge-fix-1", Title: "t",
		Metadata: map[string]any{"merge_fix": true},
	})
	require.Error(t, err, "missing required pr_number/branch/main_branch should fail schema validation")
}

func TestDetectVariant(t *testing.T) {
	cases := []struct {
		metadata string
		want     string
	}{
		{`{"github_issue_number": 7, "github_repo": "o/r"}`, "github_issue"},
		{`{"specflow_feature_id": "F1", "specflow_phase": "specifying"}`, "specflow"},
		{`{"merge_fix": true, "pr_number": 1, "branch": "b", "main_branch": "main"}`, "merge_fix"},
		{`{"pr_merge": true, "pr_number": 1, "branch": "b", "main_branch": "main"}`, "pr_merge"},
		{`{"rework": true, "pr_number": 1, "branch": "b", "main_branch": "main", "rework_cycle": 1}`, "rework"},
		{`{"tana_node_id": "n1"}`, "tana"},
		{`{}`, ""},
	}
	for _, c := range cases {
		got := DetectVariant([]byte(c.metadata))
		require.Equal(t, c.want, got, c.metadata)
	}
}

func TestBranchReferencedGuardsActiveReviewCycle(t *testing.T) {
	q := newTestQueue(t)

	_, err := q.CreateWorkItem(CreateOpts{
		ID: "rework-1", Title: "t",
		Metadata: map[string]any{"rework": true, "pr_number": 1, "branch": "fix/issue-7", "main_branch": "main", "rework_cycle": 1},
	})
	require.NoError(t, err)

	referenced, err := q.BranchReferenced("fix/issue-7")
	require.NoError(t, err)
	require.True(t, referenced)

	referenced, err = q.BranchReferenced("some-other-branch")
	require.NoError(t, err)
	require.False(t, referenced)
}
